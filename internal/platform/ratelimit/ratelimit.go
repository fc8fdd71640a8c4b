// Package ratelimit provides fixed-window request limiting on top of the
// cache counter, keyed either by authenticated user or by client address.
package ratelimit

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"time"

	"github.com/MahdiBaghbani/davshare-go/internal/platform/cache"
)

var ErrRateLimitExceeded = errors.New("rate limit exceeded")

// Result describes the state of a window after a request was registered.
type Result struct {
	Allowed   bool
	Count     int64
	Limit     int64
	Remaining int64
	ResetAt   time.Time
}

// Limiter registers requests against named limits.
type Limiter struct {
	counter   cache.Counter
	keyPrefix string
}

// New creates a limiter. An empty prefix defaults to "ratelimit:".
func New(counter cache.Counter, keyPrefix string) *Limiter {
	if keyPrefix == "" {
		keyPrefix = "ratelimit:"
	}
	return &Limiter{counter: counter, keyPrefix: keyPrefix}
}

// RegisterUserRequest counts one request of the given kind for uid.
// It returns ErrRateLimitExceeded (wrapped) once more than limit requests
// were seen within period.
func (l *Limiter) RegisterUserRequest(ctx context.Context, identifier, uid string, limit int64, period time.Duration) (*Result, error) {
	return l.register(ctx, "user:"+identifier+":"+uid, limit, period)
}

// RegisterAnonRequest is RegisterUserRequest for unauthenticated callers.
// The address is hashed so raw IPs do not end up in the cache keyspace.
func (l *Limiter) RegisterAnonRequest(ctx context.Context, identifier, addr string, limit int64, period time.Duration) (*Result, error) {
	sum := sha256.Sum256([]byte(identifier + addr))
	return l.register(ctx, "anon:"+identifier+":"+hex.EncodeToString(sum[:16]), limit, period)
}

func (l *Limiter) register(ctx context.Context, key string, limit int64, period time.Duration) (*Result, error) {
	count, resetAt, err := l.counter.Increment(ctx, l.keyPrefix+key, 1, period)
	if err != nil {
		return nil, fmt.Errorf("rate limit counter: %w", err)
	}

	remaining := limit - count
	if remaining < 0 {
		remaining = 0
	}
	res := &Result{
		Allowed:   count <= limit,
		Count:     count,
		Limit:     limit,
		Remaining: remaining,
		ResetAt:   resetAt,
	}
	if !res.Allowed {
		return res, fmt.Errorf("%w: %s", ErrRateLimitExceeded, key)
	}
	return res, nil
}

// ResetUser clears the current window of uid for identifier.
func (l *Limiter) ResetUser(ctx context.Context, identifier, uid string) error {
	return l.counter.Reset(ctx, l.keyPrefix+"user:"+identifier+":"+uid)
}
