package syncbridge

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/coder/quartz"
	"github.com/stretchr/testify/require"

	"github.com/g960059/tabtime/internal/config"
	"github.com/g960059/tabtime/internal/db"
	"github.com/g960059/tabtime/internal/model"
	"github.com/g960059/tabtime/internal/testutil"
)

var testStart = time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)

type consumer struct {
	calls    atomic.Int32
	received atomic.Int32
	status   func(call int32) int
}

func (c *consumer) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	call := c.calls.Add(1)
	var batch Batch
	if err := json.NewDecoder(r.Body).Decode(&batch); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	code := http.StatusOK
	if c.status != nil {
		code = c.status(call)
	}
	if code == http.StatusOK {
		c.received.Add(int32(len(batch.Records)))
	}
	w.WriteHeader(code)
}

func newBridge(t *testing.T, c *consumer, mutate func(*config.Config)) (*Bridge, *db.Store, *quartz.Mock, context.Context) {
	t.Helper()
	srv := httptest.NewServer(c)
	t.Cleanup(srv.Close)
	store, ctx := testutil.NewStore(t)
	cfg := config.DefaultConfig()
	cfg.SyncEndpoint = srv.URL + "/ingest"
	cfg.SyncRatePerSecond = 1000
	if mutate != nil {
		mutate(&cfg)
	}
	clock := quartz.NewMock(t)
	clock.Set(testStart).MustWait(ctx)
	return New(cfg, store, WithClock(clock), WithHTTPClient(srv.Client())), store, clock, ctx
}

func seedCompleted(t *testing.T, store *db.Store, ctx context.Context, n int) {
	t.Helper()
	for i := 0; i < n; i++ {
		testutil.SeedSession(t, store, ctx, "2026-03-01", "example.com", model.SessionCompleted, 60, testStart.Add(-time.Duration(i+1)*time.Minute))
	}
	testutil.SeedSession(t, store, ctx, "2026-03-01", "active.example", model.SessionActive, 60, testStart)
}

func TestSyncOnceMarksDeliveredRecords(t *testing.T) {
	c := &consumer{}
	b, store, _, ctx := newBridge(t, c, nil)
	seedCompleted(t, store, ctx, 2)

	n, err := b.SyncOnce(ctx)
	require.NoError(t, err)
	require.Equal(t, int64(2), n)
	require.Equal(t, int32(2), c.received.Load(), "active records are never sent")

	left, err := store.ListUnsynced(ctx, 10)
	require.NoError(t, err)
	require.Empty(t, left)
	require.Equal(t, HealthOK, b.Health().Current)
}

func TestSyncOnceWithNothingToSend(t *testing.T) {
	c := &consumer{}
	b, _, _, ctx := newBridge(t, c, nil)
	n, err := b.SyncOnce(ctx)
	require.NoError(t, err)
	require.Zero(t, n)
	require.Zero(t, c.calls.Load())
}

func TestRejectedBatchIsNotRetriedOrMarked(t *testing.T) {
	c := &consumer{status: func(int32) int { return http.StatusUnprocessableEntity }}
	b, store, _, ctx := newBridge(t, c, nil)
	seedCompleted(t, store, ctx, 1)

	_, err := b.SyncOnce(ctx)
	require.Error(t, err)
	require.Equal(t, int32(1), c.calls.Load())

	left, err := store.ListUnsynced(ctx, 10)
	require.NoError(t, err)
	require.Len(t, left, 1)
	require.Equal(t, HealthDegraded, b.Health().Current)
}

func TestServerErrorIsRetriedOnClock(t *testing.T) {
	c := &consumer{status: func(call int32) int {
		if call == 1 {
			return http.StatusServiceUnavailable
		}
		return http.StatusOK
	}}
	b, store, clock, ctx := newBridge(t, c, nil)
	seedCompleted(t, store, ctx, 1)

	trap := clock.Trap().NewTimer("retry")
	defer trap.Close()
	type result struct {
		n   int64
		err error
	}
	done := make(chan result, 1)
	go func() {
		n, err := b.SyncOnce(ctx)
		done <- result{n, err}
	}()
	trap.MustWait(ctx).MustRelease(ctx)
	clock.Advance(100 * time.Millisecond).MustWait(ctx)

	res := <-done
	require.NoError(t, res.err)
	require.Equal(t, int64(1), res.n)
	require.Equal(t, int32(2), c.calls.Load())
}

func TestConsumerDownPausesSending(t *testing.T) {
	c := &consumer{status: func(call int32) int {
		if call <= 3 {
			return http.StatusInternalServerError
		}
		return http.StatusOK
	}}
	b, store, clock, ctx := newBridge(t, c, func(cfg *config.Config) { cfg.MaxRetries = 0 })
	seedCompleted(t, store, ctx, 1)

	for i := 0; i < 3; i++ {
		_, err := b.SyncOnce(ctx)
		require.Error(t, err)
	}
	require.Equal(t, HealthDown, b.Health().Current)

	_, err := b.SyncOnce(ctx)
	require.ErrorIs(t, err, ErrConsumerDown)
	require.Equal(t, int32(3), c.calls.Load(), "no request while down")

	clock.Advance(31 * time.Second).MustWait(ctx)
	n, err := b.SyncOnce(ctx)
	require.NoError(t, err, "a trial send goes out once the down window passed")
	require.Equal(t, int64(1), n)
	require.Equal(t, HealthDegraded, b.Health().Current, "one trial send is not enough to recover")

	seedCompleted(t, store, ctx, 1)
	_, err = b.SyncOnce(ctx)
	require.NoError(t, err)
	require.Equal(t, HealthOK, b.Health().Current)
}

func TestRejectedBatchesKeepSending(t *testing.T) {
	c := &consumer{status: func(int32) int { return http.StatusBadRequest }}
	b, store, _, ctx := newBridge(t, c, func(cfg *config.Config) { cfg.MaxRetries = 0 })
	seedCompleted(t, store, ctx, 1)

	for i := 0; i < 5; i++ {
		_, err := b.SyncOnce(ctx)
		require.Error(t, err)
		require.NotErrorIs(t, err, ErrConsumerDown)
	}
	require.Equal(t, int32(5), c.calls.Load(), "a consumer that answers is never treated as down")
	require.Equal(t, HealthDegraded, b.Health().Current)
}

func TestDisabledBridgeDoesNothing(t *testing.T) {
	store, ctx := testutil.NewStore(t)
	b := New(config.DefaultConfig(), store)
	require.False(t, b.Enabled())
	n, err := b.SyncOnce(ctx)
	require.NoError(t, err)
	require.Zero(t, n)
}
