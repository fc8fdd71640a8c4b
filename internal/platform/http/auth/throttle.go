package auth

import (
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// maxTracked bounds the number of client addresses kept in memory.
const maxTracked = 10000

// Throttle limits failed logins per client address. Only failures spend
// tokens, so a client that keeps authenticating correctly is never blocked.
type Throttle struct {
	limit rate.Limit
	burst int
	now   func() time.Time

	mu       sync.Mutex
	limiters map[string]*rate.Limiter
}

// NewThrottle allows burst failures, refilled at perMinute. It returns nil,
// meaning no throttling, when perMinute or burst is not positive.
func NewThrottle(perMinute float64, burst int) *Throttle {
	if perMinute <= 0 || burst <= 0 {
		return nil
	}
	return &Throttle{
		limit:    rate.Limit(perMinute / 60),
		burst:    burst,
		now:      time.Now,
		limiters: make(map[string]*rate.Limiter),
	}
}

func (t *Throttle) get(key string) *rate.Limiter {
	t.mu.Lock()
	defer t.mu.Unlock()
	l, ok := t.limiters[key]
	if !ok {
		if len(t.limiters) >= maxTracked {
			t.prune()
		}
		l = rate.NewLimiter(t.limit, t.burst)
		t.limiters[key] = l
	}
	return l
}

// prune drops limiters that have refilled completely. Caller holds mu.
func (t *Throttle) prune() {
	now := t.now()
	for k, l := range t.limiters {
		if l.TokensAt(now) >= float64(t.burst) {
			delete(t.limiters, k)
		}
	}
}

// Blocked reports whether key has no failures left and how long until the
// next attempt is allowed.
func (t *Throttle) Blocked(key string) (bool, time.Duration) {
	if t == nil {
		return false, 0
	}
	tokens := t.get(key).TokensAt(t.now())
	if tokens >= 1 {
		return false, 0
	}
	wait := time.Duration((1 - tokens) / float64(t.limit) * float64(time.Second))
	return true, wait
}

// Fail spends one token for key.
func (t *Throttle) Fail(key string) {
	if t == nil {
		return
	}
	t.get(key).AllowN(t.now(), 1)
}
