package retry

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/coder/quartz"
	"github.com/stretchr/testify/require"
)

func TestDelayDoublesUpToMax(t *testing.T) {
	p := Policy{Base: 100 * time.Millisecond, Max: time.Second, MaxRetries: 5}
	want := []time.Duration{
		100 * time.Millisecond,
		200 * time.Millisecond,
		400 * time.Millisecond,
		800 * time.Millisecond,
		time.Second,
		time.Second,
	}
	for attempt, w := range want {
		require.Equal(t, w, p.Delay(attempt), "attempt %d", attempt)
	}
}

func TestExhausted(t *testing.T) {
	p := Policy{Base: time.Millisecond, Max: time.Second, MaxRetries: 2}
	require.False(t, p.Exhausted(0))
	require.False(t, p.Exhausted(1))
	require.True(t, p.Exhausted(2))
}

func TestDoStopsOnPermanentError(t *testing.T) {
	p := Policy{Base: time.Millisecond, Max: time.Millisecond, MaxRetries: 5}
	boom := errors.New("boom")
	var calls atomic.Int32
	err := p.Do(context.Background(), quartz.NewReal(), func(context.Context) error {
		calls.Add(1)
		return Permanent(boom)
	}, nil)
	require.ErrorIs(t, err, boom)
	require.Equal(t, int32(1), calls.Load())
}

func TestDoGivesUpAfterMaxRetries(t *testing.T) {
	p := Policy{Base: time.Millisecond, Max: time.Millisecond, MaxRetries: 2}
	boom := errors.New("boom")
	var calls atomic.Int32
	err := p.Do(context.Background(), quartz.NewReal(), func(context.Context) error {
		calls.Add(1)
		return boom
	}, nil)
	require.ErrorIs(t, err, boom)
	require.Equal(t, int32(3), calls.Load())
}

func TestDoWaitsOnClock(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	mClock := quartz.NewMock(t)
	newTimer := mClock.Trap().NewTimer("retry")
	defer newTimer.Close()

	p := Policy{Base: 100 * time.Millisecond, Max: time.Second, MaxRetries: 3}
	var calls atomic.Int32
	var waits []time.Duration
	errCh := make(chan error, 1)
	go func() {
		errCh <- p.Do(ctx, mClock, func(context.Context) error {
			if calls.Add(1) == 1 {
				return errors.New("transient")
			}
			return nil
		}, func(_ error, wait time.Duration) {
			waits = append(waits, wait)
		})
	}()

	newTimer.MustWait(ctx).MustRelease(ctx)
	mClock.Advance(100 * time.Millisecond).MustWait(ctx)

	require.NoError(t, <-errCh)
	require.Equal(t, int32(2), calls.Load())
	require.Equal(t, []time.Duration{100 * time.Millisecond}, waits)
}
