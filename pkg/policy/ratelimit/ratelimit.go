// Package ratelimit throttles actions with per-key token buckets.
package ratelimit

import (
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/polisai/polis-actionpolicy/pkg/policy"
)

const (
	defaultRate       = 100
	defaultSweepEvery = 1024
	// DefaultKey buckets every action together.
	DefaultKey = "*"
)

// Config sets the refill rate and burst size shared by every bucket.
// Field names an action field whose value selects the bucket.
type Config struct {
	RequestsPerSecond int
	BurstSize         int
	Field             string
}

// Limiter hands out one token bucket per key. Buckets that have been idle
// long enough to refill completely are dropped, since a new bucket starts
// full anyway.
type Limiter struct {
	mu         sync.Mutex
	buckets    map[string]*tokenBucket
	rate       float64
	burst      float64
	field      string
	now        func() time.Time
	sweepEvery int
	calls      int
}

// Stats exposes the state of one bucket.
type Stats struct {
	Limit     int     `json:"limit"`
	BurstSize int     `json:"burstSize"`
	Available float64 `json:"available"`
}

// New creates a limiter. Non-positive rates fall back to 100 per second and
// the burst defaults to the rate.
func New(cfg Config) *Limiter {
	rps := cfg.RequestsPerSecond
	if rps <= 0 {
		rps = defaultRate
	}
	burst := cfg.BurstSize
	if burst <= 0 {
		burst = rps
	}
	return &Limiter{
		buckets:    make(map[string]*tokenBucket),
		rate:       float64(rps),
		burst:      float64(burst),
		field:      cfg.Field,
		now:        time.Now,
		sweepEvery: defaultSweepEvery,
	}
}

// Allow takes a token from the bucket for key.
func (l *Limiter) Allow(key string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	l.calls++
	if l.calls >= l.sweepEvery {
		l.calls = 0
		l.sweepLocked(now)
	}

	bucket, ok := l.buckets[key]
	if !ok {
		bucket = &tokenBucket{tokens: l.burst, lastRefill: now}
		l.buckets[key] = bucket
	}
	bucket.refill(now, l.rate, l.burst)
	if bucket.tokens < 1 {
		return false
	}
	bucket.tokens--
	return true
}

// Len returns the number of live buckets.
func (l *Limiter) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.buckets)
}

// sweepLocked drops buckets that would be full by now.
func (l *Limiter) sweepLocked(now time.Time) {
	for key, bucket := range l.buckets {
		if bucket.tokens+now.Sub(bucket.lastRefill).Seconds()*l.rate >= l.burst {
			delete(l.buckets, key)
		}
	}
}

// Stats returns a snapshot of the live buckets. Idle buckets that have
// refilled are swept first.
func (l *Limiter) Stats() map[string]Stats {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	l.sweepLocked(now)
	stats := make(map[string]Stats, len(l.buckets))
	for key, bucket := range l.buckets {
		bucket.refill(now, l.rate, l.burst)
		stats[key] = Stats{Limit: int(l.rate), BurstSize: int(l.burst), Available: bucket.tokens}
	}
	return stats
}

// Key picks the bucket for an action. Actions without the configured field
// share DefaultKey.
func (l *Limiter) Key(action any) string {
	if l.field == "" {
		return DefaultKey
	}
	fields, ok := action.(map[string]any)
	if !ok {
		return DefaultKey
	}
	value, ok := fields[l.field]
	if !ok || value == nil {
		return DefaultKey
	}
	return fmt.Sprint(value)
}

// Limited is returned by the chain in place of calling next when the bucket
// for an action is empty.
type Limited struct {
	Policy string `json:"policy"`
	Key    string `json:"key"`
}

func (l Limited) Error() string {
	return fmt.Sprintf("policy %s rate limited %s", l.Policy, l.Key)
}

// Bind turns the limiter into a policy body. Every chain built from it shares
// the limiter buckets.
func (l *Limiter) Bind(name string, logger *slog.Logger) policy.BindFunc {
	if logger == nil {
		logger = slog.Default()
	}

	return func(any) policy.Middleware {
		return func(next policy.Continuation) policy.Continuation {
			return func(action any, err error, response any) any {
				key := l.Key(action)
				if !l.Allow(key) {
					logger.Warn("rate limit exceeded", "policy", name, "key", key)
					return Limited{Policy: name, Key: key}
				}
				return next(action, err, response)
			}
		}
	}
}

type tokenBucket struct {
	tokens     float64
	lastRefill time.Time
}

func (tb *tokenBucket) refill(now time.Time, rate, capacity float64) {
	elapsed := now.Sub(tb.lastRefill).Seconds()
	if elapsed > 0 {
		tb.tokens += elapsed * rate
		if tb.tokens > capacity {
			tb.tokens = capacity
		}
	}
	tb.lastRefill = now
}
