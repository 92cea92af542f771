package transport

import (
	"context"
	"time"

	"github.com/cenkalti/backoff/v4"
)

// RateLimitMultiplier scales the backoff unit after an HTTP 429 response.
const RateLimitMultiplier = 2

// linearBackOff waits (attempt+1) * base after an ordinary failure and
// (attempt+1) * RateLimitMultiplier * base after a rate-limited one. The
// operation reports which kind of failure it saw through rateLimited.
type linearBackOff struct {
	base        time.Duration
	attempt     int
	rateLimited bool
}

var _ backoff.BackOff = (*linearBackOff)(nil)

func (b *linearBackOff) NextBackOff() time.Duration {
	b.attempt++
	d := time.Duration(b.attempt) * b.base
	if b.rateLimited {
		d *= RateLimitMultiplier
	}
	return d
}

func (b *linearBackOff) Reset() {
	b.attempt = 0
	b.rateLimited = false
}

// newPolicy builds the retry policy for one Send call. maxAttempts is the
// total number of attempts, so at most maxAttempts-1 waits happen.
func newPolicy(ctx context.Context, b *linearBackOff, maxAttempts int) backoff.BackOff {
	retries := uint64(0)
	if maxAttempts > 1 {
		retries = uint64(maxAttempts - 1)
	}
	return backoff.WithContext(backoff.WithMaxRetries(b, retries), ctx)
}

// TimerFactory creates the timer used to wait between attempts.
type TimerFactory func() backoff.Timer

type realTimer struct {
	timer *time.Timer
}

func (t *realTimer) Start(d time.Duration) {
	if t.timer == nil {
		t.timer = time.NewTimer(d)
		return
	}
	t.timer.Reset(d)
}

func (t *realTimer) Stop() {
	if t.timer != nil {
		t.timer.Stop()
	}
}

func (t *realTimer) C() <-chan time.Time {
	return t.timer.C
}

func defaultTimerFactory() backoff.Timer {
	return &realTimer{}
}
