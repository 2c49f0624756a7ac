// Package backoff provides a per-peer reconnect rate limiter built on
// catrate's multi-window limiter, used by transport to avoid hammering a
// peer silo that just dropped its connection.
package backoff

import (
	"time"

	"github.com/joeycumines/go-catrate"
)

// defaultRates caps reconnect attempts per remote silo: at most 1 in any
// 200ms window, 5 in any 5s window, 20 in any minute. Mirrors catrate's own
// multi-window usage pattern (short burst guard + longer sustained guard).
var defaultRates = map[time.Duration]int{
	200 * time.Millisecond: 1,
	5 * time.Second:        5,
	time.Minute:            20,
}

// Limiter gates reconnect attempts, keyed by remote silo id.
type Limiter struct {
	rl *catrate.Limiter
}

// New builds a Limiter using defaultRates.
func New() *Limiter {
	return &Limiter{rl: catrate.NewLimiter(defaultRates)}
}

// WithRates builds a Limiter using a caller-supplied set of windows/limits.
func WithRates(rates map[time.Duration]int) *Limiter {
	return &Limiter{rl: catrate.NewLimiter(rates)}
}

// Allow reports whether a reconnect attempt to siloID may proceed now. If
// false, the returned time is when the next attempt may be allowed.
func (l *Limiter) Allow(siloID string) (time.Time, bool) {
	return l.rl.Allow(siloID)
}
