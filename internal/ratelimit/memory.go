package ratelimit

import (
	"context"
	"math"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

const (
	// bucketIdleTTL is how long an untouched bucket survives before the
	// janitor drops it.
	bucketIdleTTL = 5 * time.Minute

	janitorInterval = time.Minute
)

// bucket is one token bucket. Tokens refill continuously at limit/60 per
// second up to the limit; each admitted request costs one token.
type bucket struct {
	mu     sync.Mutex
	tokens float64
	last   time.Time
}

// MemoryLimiter keeps buckets in process memory. Budgets are per instance:
// two replicas each grant the full budget. Use the Redis backend when that
// matters.
type MemoryLimiter struct {
	limits  Limits
	buckets sync.Map // bucketKey -> *bucket
	now     func() time.Time
	log     zerolog.Logger

	stopCh chan struct{}
	done   chan struct{}
}

func NewMemory(limits Limits, logger zerolog.Logger) *MemoryLimiter {
	m := &MemoryLimiter{
		limits: limits,
		now:    time.Now,
		log:    logger.With().Str("component", "ratelimit_memory").Logger(),
		stopCh: make(chan struct{}),
		done:   make(chan struct{}),
	}
	go m.janitor()
	return m
}

// Allow implements Limiter.
func (m *MemoryLimiter) Allow(ctx context.Context, key string, class Class) (Decision, error) {
	limit := m.limits.For(class)
	if limit <= 0 {
		return Decision{Allowed: true}, nil
	}

	b := m.bucket(bucketKey(class, key), limit)

	b.mu.Lock()
	defer b.mu.Unlock()

	now := m.now()
	rate := float64(limit) / 60.0
	elapsed := now.Sub(b.last).Seconds()
	if elapsed > 0 {
		b.tokens = math.Min(float64(limit), b.tokens+elapsed*rate)
	}
	b.last = now

	if b.tokens >= 1 {
		b.tokens--
		return Decision{
			Allowed:   true,
			Limit:     limit,
			Remaining: int(b.tokens),
		}, nil
	}

	deniedTotal.WithLabelValues(string(class)).Inc()
	wait := time.Duration((1 - b.tokens) / rate * float64(time.Second))
	return Decision{
		Allowed:    false,
		Limit:      limit,
		RetryAfter: wait,
	}, nil
}

// Close stops the janitor.
func (m *MemoryLimiter) Close() {
	close(m.stopCh)
	<-m.done
}

func (m *MemoryLimiter) bucket(key string, limit int) *bucket {
	if b, ok := m.buckets.Load(key); ok {
		return b.(*bucket)
	}
	fresh := &bucket{tokens: float64(limit), last: m.now()}
	actual, _ := m.buckets.LoadOrStore(key, fresh)
	return actual.(*bucket)
}

func (m *MemoryLimiter) janitor() {
	defer close(m.done)
	ticker := time.NewTicker(janitorInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			m.sweep(m.now())
		case <-m.stopCh:
			return
		}
	}
}

// sweep drops buckets idle past the TTL so one-off callers do not
// accumulate forever.
func (m *MemoryLimiter) sweep(now time.Time) {
	var dropped int
	m.buckets.Range(func(key, value interface{}) bool {
		b := value.(*bucket)
		b.mu.Lock()
		idle := now.Sub(b.last)
		b.mu.Unlock()
		if idle > bucketIdleTTL {
			m.buckets.Delete(key)
			dropped++
		}
		return true
	})
	if dropped > 0 {
		m.log.Debug().Int("dropped", dropped).Msg("idle rate buckets evicted")
	}
}
