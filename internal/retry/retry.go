// Package retry holds the one backoff policy shared by the event coordinator
// and the sync bridge.
package retry

import (
	"context"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/coder/quartz"
)

// Policy maps an attempt number to a delay: Base * 2^attempt, capped at Max.
// MaxRetries bounds the number of retries after the first attempt.
type Policy struct {
	Base       time.Duration
	Max        time.Duration
	MaxRetries int
}

func (p Policy) newBackOff() *backoff.ExponentialBackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = p.Base
	b.Multiplier = 2
	b.RandomizationFactor = 0
	b.MaxInterval = p.Max
	if b.MaxInterval < b.InitialInterval {
		b.MaxInterval = b.InitialInterval
	}
	b.MaxElapsedTime = 0
	b.Reset()
	return b
}

// Delay is the wait before retry number attempt (zero based).
func (p Policy) Delay(attempt int) time.Duration {
	if attempt < 0 {
		attempt = 0
	}
	if p.Base <= 0 {
		return 0
	}
	b := p.newBackOff()
	d := b.InitialInterval
	for i := 0; i <= attempt; i++ {
		d = b.NextBackOff()
		if d == b.MaxInterval {
			break
		}
	}
	return d
}

// Exhausted reports whether attempt has used up the retry budget.
func (p Policy) Exhausted(attempt int) bool {
	return attempt >= p.MaxRetries
}

// Permanent marks err as not worth retrying.
func Permanent(err error) error {
	return backoff.Permanent(err)
}

// Do runs op until it succeeds, returns a Permanent error, ctx ends, or the
// retry budget is spent. Waits run on clock so tests can drive them.
func (p Policy) Do(ctx context.Context, clock quartz.Clock, op func(ctx context.Context) error, notify func(err error, wait time.Duration)) error {
	b := backoff.WithContext(backoff.WithMaxRetries(p.newBackOff(), uint64(max(p.MaxRetries, 0))), ctx)
	return backoff.RetryNotifyWithTimer(func() error {
		return op(ctx)
	}, b, notify, &clockTimer{clock: clock})
}

// clockTimer adapts a quartz clock to backoff.Timer.
type clockTimer struct {
	clock quartz.Clock
	timer *quartz.Timer
}

func (t *clockTimer) Start(d time.Duration) {
	if t.timer == nil {
		t.timer = t.clock.NewTimer(d, "retry")
		return
	}
	t.timer.Reset(d, "retry")
}

func (t *clockTimer) Stop() {
	if t.timer != nil {
		t.timer.Stop()
	}
}

func (t *clockTimer) C() <-chan time.Time {
	return t.timer.C
}
