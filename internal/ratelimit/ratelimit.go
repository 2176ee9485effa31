// Package ratelimit enforces per-key request budgets, grouped by endpoint
// class.
//
// Limiting is protective, not billing: it guards the service against
// abusive request rates and is deliberately independent of the turn ledger.
// A request can be admitted by the limiter and still be turned away by the
// admission gate, and vice versa.
//
// Two backends implement the same token-bucket semantics: an in-process one
// for single-instance deployments and a Redis one that shares budgets
// across instances. The strategy is configuration.
package ratelimit

import (
	"context"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var deniedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "turnstile_ratelimit_denied_total",
	Help: "Requests denied by the rate limiter, by class.",
}, []string{"class"})

// Class buckets endpoints with similar cost. Unknown classes fall back to
// ClassDefault's budget.
type Class string

const (
	ClassDefault Class = "default"
	ClassAuth    Class = "auth"
	ClassTarot   Class = "tarot"
	ClassChat    Class = "chat"
	ClassUpload  Class = "upload"
)

// Limits maps classes to per-minute budgets. A non-positive budget disables
// limiting for that class.
type Limits map[Class]int

// DefaultLimits returns the launch budgets, requests per minute.
func DefaultLimits() Limits {
	return Limits{
		ClassDefault: 100,
		ClassAuth:    5,
		ClassTarot:   10,
		ClassChat:    20,
		ClassUpload:  5,
	}
}

// For resolves the budget for a class, falling back to the default class.
func (l Limits) For(class Class) int {
	if n, ok := l[class]; ok {
		return n
	}
	return l[ClassDefault]
}

// Decision is the limiter's answer for one request.
type Decision struct {
	Allowed   bool
	Limit     int
	Remaining int

	// RetryAfter is how long until one token refills. Zero when allowed.
	RetryAfter time.Duration
}

// Limiter is what the HTTP middleware consumes. Key identity (user id or
// client IP) is the caller's concern; the limiter never inspects requests.
type Limiter interface {
	Allow(ctx context.Context, key string, class Class) (Decision, error)
}

// bucketKey namespaces a caller key by class so one caller draws from an
// independent bucket per class.
func bucketKey(class Class, key string) string {
	return string(class) + ":" + key
}
