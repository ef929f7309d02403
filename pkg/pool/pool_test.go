package pool

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/datalinkhq/datalink/pkg/errors"
)

// fakeConn is the pooled resource in these tests.
type fakeConn struct {
	id     int64
	broken bool
}

// fakeFactory counts lifecycle calls and can be told to fail.
type fakeFactory struct {
	nextID     int64
	createErr  error
	destroyed  int64
	validateFn func(*fakeConn) bool
	mu         sync.Mutex
}

func (f *fakeFactory) Create(_ context.Context) (*fakeConn, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.createErr != nil {
		return nil, f.createErr
	}
	f.nextID++
	return &fakeConn{id: f.nextID}, nil
}

func (f *fakeFactory) Validate(_ context.Context, c *fakeConn) bool {
	if f.validateFn != nil {
		return f.validateFn(c)
	}
	return !c.broken
}

func (f *fakeFactory) Destroy(_ context.Context, _ *fakeConn) error {
	atomic.AddInt64(&f.destroyed, 1)
	return nil
}

func newTestPool(t *testing.T, cfg Config, f *fakeFactory) *Pool[*fakeConn] {
	t.Helper()
	p := New(cfg, f, nil)
	t.Cleanup(func() { p.Close(context.Background()) })
	return p
}

func TestAcquireCreatesAndReuses(t *testing.T) {
	f := &fakeFactory{}
	p := newTestPool(t, Config{MaxConnections: 2, AcquireTimeout: time.Second}, f)
	ctx := context.Background()

	lease, err := p.Acquire(ctx)
	require.NoError(t, err)
	first := lease.Conn.id
	lease.Release(ctx)

	lease, err = p.Acquire(ctx)
	require.NoError(t, err)
	assert.Equal(t, first, lease.Conn.id, "idle connection should be reused")
	lease.Release(ctx)

	s := p.Stats()
	assert.Equal(t, int64(1), s.Created)
	assert.Equal(t, int64(1), s.Reused)
	assert.Equal(t, 1, s.Idle)
}

func TestAcquireBlocksAtCapacityThenTimesOut(t *testing.T) {
	f := &fakeFactory{}
	p := newTestPool(t, Config{MaxConnections: 2, AcquireTimeout: 50 * time.Millisecond}, f)
	ctx := context.Background()

	a, err := p.Acquire(ctx)
	require.NoError(t, err)
	b, err := p.Acquire(ctx)
	require.NoError(t, err)

	_, err = p.Acquire(ctx)
	require.Error(t, err)
	assert.Equal(t, "POOL_EXHAUSTED", errors.GetCode(err))
	assert.True(t, errors.IsRecoverable(err))
	assert.Equal(t, int64(1), p.Stats().Timeouts)

	a.Release(ctx)
	b.Release(ctx)
}

func TestWaiterGetsReleasedConnection(t *testing.T) {
	f := &fakeFactory{}
	p := newTestPool(t, Config{MaxConnections: 1, AcquireTimeout: time.Second}, f)
	ctx := context.Background()

	lease, err := p.Acquire(ctx)
	require.NoError(t, err)

	got := make(chan *Lease[*fakeConn], 1)
	go func() {
		l, err := p.Acquire(ctx)
		require.NoError(t, err)
		got <- l
	}()

	require.Eventually(t, func() bool {
		return p.Stats().Waits >= 1
	}, time.Second, 5*time.Millisecond)

	lease.Release(ctx)

	select {
	case l := <-got:
		assert.Equal(t, lease.Conn.id, l.Conn.id, "waiter should receive the released connection")
		l.Release(ctx)
	case <-time.After(time.Second):
		t.Fatal("waiter never received the connection")
	}
}

func TestWithdrawnWaiterPassesEntryToNextWaiter(t *testing.T) {
	f := &fakeFactory{}
	p := newTestPool(t, Config{MaxConnections: 1, AcquireTimeout: time.Minute}, f)
	ctx := context.Background()

	lease, err := p.Acquire(ctx)
	require.NoError(t, err)

	// First in line: a waiter that gives up before collecting.
	withdrawn := make(chan *entry[*fakeConn], 1)
	p.mu.Lock()
	p.waiters = append(p.waiters, withdrawn)
	p.mu.Unlock()

	got := make(chan *Lease[*fakeConn], 1)
	go func() {
		l, err := p.Acquire(ctx)
		require.NoError(t, err)
		got <- l
	}()
	require.Eventually(t, func() bool {
		return p.Stats().Waits >= 1
	}, time.Second, 5*time.Millisecond)

	// The release hands the connection to the first waiter; when that
	// waiter withdraws, the entry must reach the one still waiting.
	lease.Release(ctx)
	p.removeWaiter(withdrawn)

	select {
	case l := <-got:
		assert.Equal(t, lease.Conn.id, l.Conn.id)
		l.Release(ctx)
	case <-time.After(time.Second):
		t.Fatal("second waiter starved while a released connection was in flight")
	}
	assert.Equal(t, 1, p.Stats().Idle)
}

func TestReleaseDestroysBrokenConnections(t *testing.T) {
	f := &fakeFactory{}
	p := newTestPool(t, Config{MaxConnections: 2, AcquireTimeout: time.Second}, f)
	ctx := context.Background()

	lease, err := p.Acquire(ctx)
	require.NoError(t, err)
	lease.Conn.broken = true
	lease.Release(ctx)

	s := p.Stats()
	assert.Equal(t, 0, s.Idle, "broken connection must not return to the idle set")
	assert.Equal(t, int64(1), s.Destroyed)

	// Next acquire creates a fresh connection.
	lease, err = p.Acquire(ctx)
	require.NoError(t, err)
	assert.False(t, lease.Conn.broken)
	lease.Release(ctx)
}

func TestReleaseIsIdempotent(t *testing.T) {
	f := &fakeFactory{}
	p := newTestPool(t, Config{MaxConnections: 1, AcquireTimeout: time.Second}, f)
	ctx := context.Background()

	lease, err := p.Acquire(ctx)
	require.NoError(t, err)
	lease.Release(ctx)
	lease.Release(ctx)

	assert.Equal(t, 1, p.Stats().Idle)
}

func TestExecuteWithRetryRecovers(t *testing.T) {
	f := &fakeFactory{}
	p := newTestPool(t, Config{
		MaxConnections: 1,
		AcquireTimeout: time.Second,
		RetryAttempts:  3,
		RetryBaseDelay: time.Millisecond,
	}, f)

	var calls int
	err := p.ExecuteWithRetry(context.Background(), func(_ context.Context, _ *fakeConn) error {
		calls++
		if calls < 3 {
			return errors.New(errors.CategoryNetwork, "FLAKY", "transient failure")
		}
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 3, calls)
}

func TestExecuteWithRetryStopsOnNonRecoverable(t *testing.T) {
	f := &fakeFactory{}
	p := newTestPool(t, Config{
		MaxConnections: 1,
		AcquireTimeout: time.Second,
		RetryAttempts:  3,
		RetryBaseDelay: time.Millisecond,
	}, f)

	var calls int
	err := p.ExecuteWithRetry(context.Background(), func(_ context.Context, _ *fakeConn) error {
		calls++
		return errors.New(errors.CategorySecurity, "FORBIDDEN", "not retryable")
	})
	require.Error(t, err)
	assert.Equal(t, 1, calls, "security failures must not be retried")
}

func TestExecuteWithRetryExhaustion(t *testing.T) {
	f := &fakeFactory{}
	p := newTestPool(t, Config{
		MaxConnections: 1,
		AcquireTimeout: time.Second,
		RetryAttempts:  2,
		RetryBaseDelay: time.Millisecond,
	}, f)

	err := p.ExecuteWithRetry(context.Background(), func(_ context.Context, _ *fakeConn) error {
		return errors.New(errors.CategoryNetwork, "FLAKY", "transient failure")
	})
	require.Error(t, err)
	assert.Equal(t, "POOL_RETRIES_EXHAUSTED", errors.GetCode(err))
}

func TestSweepEvictsIdleConnections(t *testing.T) {
	f := &fakeFactory{}
	p := newTestPool(t, Config{
		MaxConnections: 2,
		AcquireTimeout: time.Second,
		IdleTimeout:    10 * time.Millisecond,
		SweepInterval:  10 * time.Millisecond,
	}, f)
	ctx := context.Background()

	lease, err := p.Acquire(ctx)
	require.NoError(t, err)
	lease.Release(ctx)

	require.Eventually(t, func() bool {
		s := p.Stats()
		return s.Idle == 0 && s.Destroyed == 1
	}, time.Second, 10*time.Millisecond, "idle connection should be evicted")
}

func TestCloseRejectsAcquire(t *testing.T) {
	f := &fakeFactory{}
	p := New(Config{MaxConnections: 1, AcquireTimeout: time.Second}, f, nil)
	ctx := context.Background()

	lease, err := p.Acquire(ctx)
	require.NoError(t, err)
	lease.Release(ctx)

	p.Close(ctx)

	_, err = p.Acquire(ctx)
	require.Error(t, err)
	assert.Equal(t, "POOL_CLOSED", errors.GetCode(err))
	assert.Equal(t, int64(1), atomic.LoadInt64(&f.destroyed), "idle connections destroyed on close")
}

func TestAcquireCancellation(t *testing.T) {
	f := &fakeFactory{}
	p := newTestPool(t, Config{MaxConnections: 1, AcquireTimeout: time.Minute}, f)

	lease, err := p.Acquire(context.Background())
	require.NoError(t, err)
	defer lease.Release(context.Background())

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(20 * time.Millisecond)
		cancel()
	}()

	_, err = p.Acquire(ctx)
	require.Error(t, err)
	assert.Equal(t, "POOL_ACQUIRE_CANCELED", errors.GetCode(err))
}
