package clock

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"lastpush.com/internal/order"
	"lastpush.com/pkg/xredis"
)

type fakeDeps struct {
	mu         sync.Mutex
	expiredAt  []time.Time
	reconciled int
	enqueued   []string
	pending    []order.Order
	expireErr  error
}

func (f *fakeDeps) ExpireStale(_ context.Context, now time.Time) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.expiredAt = append(f.expiredAt, now)
	return 1, f.expireErr
}

func (f *fakeDeps) ReconcilePending(context.Context) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.reconciled++
	return 0, nil
}

func (f *fakeDeps) PendingOrders(context.Context, int) ([]order.Order, error) {
	return f.pending, nil
}

func (f *fakeDeps) Enqueue(orderID string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.enqueued = append(f.enqueued, orderID)
}

func (f *fakeDeps) ticks() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.reconciled
}

func TestTick_RunsAllSweeps(t *testing.T) {
	now := time.Date(2026, 5, 1, 8, 0, 0, 0, time.FixedZone("x", 3600))
	f := &fakeDeps{pending: []order.Order{{ID: "o1"}, {ID: "o2"}}}
	c := New(f, f, f, Config{}, WithClock(func() time.Time { return now }))

	require.NoError(t, c.Tick(context.Background()))
	require.Len(t, f.expiredAt, 1)
	assert.Equal(t, now.UTC(), f.expiredAt[0])
	assert.Equal(t, time.UTC, f.expiredAt[0].Location())
	assert.Equal(t, 1, f.reconciled)
	assert.Equal(t, []string{"o1", "o2"}, f.enqueued)
}

func TestTick_FailureDoesNotStopOtherSweeps(t *testing.T) {
	f := &fakeDeps{expireErr: errors.New("db down"), pending: []order.Order{{ID: "o1"}}}
	c := New(f, f, f, Config{})

	require.NoError(t, c.Tick(context.Background()))
	assert.Equal(t, 1, f.reconciled)
	assert.Equal(t, []string{"o1"}, f.enqueued)
}

func TestTick_OnlyMasterSweeps(t *testing.T) {
	mr := miniredis.RunT(t)
	rdb, err := xredis.NewRedis(context.Background(), &xredis.Config{Addr: mr.Addr()})
	require.NoError(t, err)
	t.Cleanup(func() { _ = rdb.Close() })

	a, b := &fakeDeps{}, &fakeDeps{}
	ca := New(a, a, a, Config{Tick: time.Second}, WithElector(xredis.NewRedisLockMaster(rdb)))
	cb := New(b, b, b, Config{Tick: time.Second}, WithElector(xredis.NewRedisLockMaster(rdb)))
	ctx := context.Background()

	require.NoError(t, ca.Tick(ctx))
	require.NoError(t, cb.Tick(ctx))
	assert.Equal(t, 1, a.ticks())
	assert.Equal(t, 0, b.ticks())

	// the master goes away; its lock lapses and the standby takes over
	mr.FastForward(4 * time.Second)
	require.NoError(t, cb.Tick(ctx))
	assert.Equal(t, 1, b.ticks())
}

func TestRun_TicksUntilCancelled(t *testing.T) {
	f := &fakeDeps{}
	c := New(f, f, f, Config{Tick: 10 * time.Millisecond})
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		c.Run(ctx)
		close(done)
	}()

	require.Eventually(t, func() bool { return f.ticks() >= 3 }, 2*time.Second, 5*time.Millisecond)
	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("clock did not stop")
	}
}
