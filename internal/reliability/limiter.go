package reliability

import (
	"context"
	"sync"
	"time"
)

// RateLimiter is a token-bucket limiter used to pace outbound calls.
type RateLimiter struct {
	mu    sync.Mutex
	rate  time.Duration
	burst int
	now   func() time.Time
	sleep func(context.Context, time.Duration) error
	// onWait observes each pause before it happens.
	onWait func(time.Duration)

	tokens int
	last   time.Time
}

// NewRateLimiter constructs a limiter that refills one token every rate.
// A nil limiter, or one with a non-positive rate or burst, never blocks.
func NewRateLimiter(rate time.Duration, burst int) *RateLimiter {
	return newRateLimiter(rate, burst, time.Now, SleepContext)
}

func newRateLimiter(rate time.Duration, burst int, now func() time.Time, sleep func(context.Context, time.Duration) error) *RateLimiter {
	return &RateLimiter{
		rate:   rate,
		burst:  burst,
		now:    now,
		sleep:  sleep,
		tokens: burst,
		last:   now(),
	}
}

// OnWait registers fn to observe every pause the limiter takes.
func (r *RateLimiter) OnWait(fn func(time.Duration)) *RateLimiter {
	if r != nil {
		r.onWait = fn
	}
	return r
}

// Wait blocks until a token is available or the context ends.
func (r *RateLimiter) Wait(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}
	if r == nil || r.rate <= 0 || r.burst <= 0 {
		return ctx.Err()
	}

	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		r.mu.Lock()
		now := r.now()
		r.refill(now)
		if r.tokens > 0 {
			r.tokens--
			r.mu.Unlock()
			return nil
		}
		wait := r.rate - now.Sub(r.last)
		r.mu.Unlock()
		if wait <= 0 {
			continue
		}
		if r.onWait != nil {
			r.onWait(wait)
		}
		if err := r.sleep(ctx, wait); err != nil {
			return err
		}
	}
}

func (r *RateLimiter) refill(now time.Time) {
	elapsed := now.Sub(r.last)
	if elapsed < r.rate {
		return
	}
	add := int(elapsed / r.rate)
	r.tokens += add
	if r.tokens > r.burst {
		r.tokens = r.burst
	}
	r.last = r.last.Add(time.Duration(add) * r.rate)
}
