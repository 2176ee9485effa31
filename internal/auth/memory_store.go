package auth

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
)

// MemoryTokenStore backs tests and broker-less development. Expired
// entries are dropped lazily on lookup.
type MemoryTokenStore struct {
	mu       sync.Mutex
	sessions map[string]memorySession
	now      func() time.Time
}

type memorySession struct {
	userID  uuid.UUID
	expires time.Time
}

func NewMemoryTokenStore() *MemoryTokenStore {
	return &MemoryTokenStore{
		sessions: make(map[string]memorySession),
		now:      time.Now,
	}
}

func (s *MemoryTokenStore) Save(ctx context.Context, tokenHash string, userID uuid.UUID, ttl time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sessions[tokenHash] = memorySession{userID: userID, expires: s.now().Add(ttl)}
	return nil
}

func (s *MemoryTokenStore) Lookup(ctx context.Context, tokenHash string) (uuid.UUID, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.sessions[tokenHash]
	if !ok {
		return uuid.Nil, ErrInvalidToken
	}
	if s.now().After(sess.expires) {
		delete(s.sessions, tokenHash)
		return uuid.Nil, ErrInvalidToken
	}
	return sess.userID, nil
}
