package platform

import (
	"context"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// API method names. Every outbound call names one of these; each belongs to
// a rate tier observed empirically on the platform.
const (
	MethodPostMessage = "message.post"
	MethodAddReaction = "reaction.add"
	MethodHistory     = "history.list"
	MethodAuthCheck   = "auth.check"
	MethodOpenStream  = "stream.open"
)

// defaultTiers maps each method to its minimum spacing between calls:
// ~1/min, ~20/min, ~50/min and ~100+/min tiers. message.post additionally
// carries a hard 1/sec cap per destination channel.
func defaultTiers() map[string]time.Duration {
	return map[string]time.Duration{
		MethodOpenStream:  time.Minute,
		MethodHistory:     3 * time.Second,
		MethodAddReaction: 1200 * time.Millisecond,
		MethodAuthCheck:   600 * time.Millisecond,
		MethodPostMessage: 600 * time.Millisecond,
	}
}

// Limiter enforces per-method cooldowns and the per-destination post cap.
// A call made before cooldown expiry is delayed, never dropped.
type Limiter struct {
	mu    sync.Mutex
	tiers map[string]time.Duration
	next  map[string]time.Time

	perDest     map[string]*rate.Limiter
	perDestRate rate.Limit
}

func NewLimiter() *Limiter {
	return NewLimiterWithTiers(defaultTiers(), rate.Every(time.Second))
}

// NewLimiterWithTiers builds a limiter with an explicit tier table (tests
// use short windows).
func NewLimiterWithTiers(tiers map[string]time.Duration, perDest rate.Limit) *Limiter {
	return &Limiter{
		tiers:       tiers,
		next:        make(map[string]time.Time),
		perDest:     make(map[string]*rate.Limiter),
		perDestRate: perDest,
	}
}

// Wait reserves the method's next cooldown slot, then blocks until that
// slot (and, for posts, the destination cap) allows the call. A canceled
// caller keeps its reservation, so spacing holds even under churn.
func (l *Limiter) Wait(ctx context.Context, method, dest string) error {
	window := l.window(method)

	l.mu.Lock()
	now := time.Now()
	at := l.next[method]
	if at.Before(now) {
		at = now
	}
	l.next[method] = at.Add(window)
	l.mu.Unlock()

	if d := time.Until(at); d > 0 {
		timer := time.NewTimer(d)
		defer timer.Stop()
		select {
		case <-timer.C:
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	if method == MethodPostMessage && dest != "" {
		if err := l.destLimiter(dest).Wait(ctx); err != nil {
			return err
		}
	}
	return nil
}

// Penalize pushes the method's cooldown out by the server-provided
// retry-after hint. The hint is honored exactly; an earlier local slot is
// only ever moved later.
func (l *Limiter) Penalize(method string, retryAfter time.Duration) {
	l.mu.Lock()
	defer l.mu.Unlock()
	until := time.Now().Add(retryAfter)
	if l.next[method].Before(until) {
		l.next[method] = until
	}
}

func (l *Limiter) window(method string) time.Duration {
	l.mu.Lock()
	defer l.mu.Unlock()
	if w, ok := l.tiers[method]; ok {
		return w
	}
	// Unknown methods get the most conservative non-trivial tier.
	return 3 * time.Second
}

func (l *Limiter) destLimiter(dest string) *rate.Limiter {
	l.mu.Lock()
	defer l.mu.Unlock()
	lim, ok := l.perDest[dest]
	if !ok {
		lim = rate.NewLimiter(l.perDestRate, 1)
		l.perDest[dest] = lim
	}
	return lim
}
