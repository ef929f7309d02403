package ratelimit

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSlidingWindowAdmitsUpToLimit(t *testing.T) {
	l := NewSlidingWindowLimiter(SlidingWindowConfig{
		MaxRequests: 5,
		Window:      time.Minute,
	}, nil, nil)

	for i := 0; i < 5; i++ {
		d := l.Check("client-a", "q")
		assert.True(t, d.Allowed, "request %d should pass", i+1)
	}

	d := l.Check("client-a", "q")
	assert.False(t, d.Allowed)
	assert.Greater(t, d.RetryAfter, time.Duration(0))
	assert.LessOrEqual(t, d.RetryAfter, time.Minute)
	assert.NotEmpty(t, d.Reason)
}

func TestSlidingWindowIsolatesClients(t *testing.T) {
	l := NewSlidingWindowLimiter(SlidingWindowConfig{
		MaxRequests: 1,
		Window:      time.Minute,
	}, nil, nil)

	assert.True(t, l.Check("a", "q").Allowed)
	assert.False(t, l.Check("a", "q").Allowed)
	assert.True(t, l.Check("b", "q").Allowed, "another client has its own window")
}

func TestSlidingWindowRecoversAfterWindow(t *testing.T) {
	l := NewSlidingWindowLimiter(SlidingWindowConfig{
		MaxRequests: 2,
		Window:      50 * time.Millisecond,
	}, nil, nil)

	assert.True(t, l.Check("a", "q").Allowed)
	assert.True(t, l.Check("a", "q").Allowed)
	assert.False(t, l.Check("a", "q").Allowed)

	time.Sleep(60 * time.Millisecond)
	assert.True(t, l.Check("a", "q").Allowed, "window slid, capacity is back")
}

func TestSlidingWindowBurstAllowance(t *testing.T) {
	l := NewSlidingWindowLimiter(SlidingWindowConfig{
		MaxRequests:    2,
		Window:         time.Minute,
		BurstAllowance: 2,
	}, nil, nil)

	// Fill the base limit. Both land inside the trailing second, so the
	// burst allowance is already spoken for and the next check fails.
	assert.True(t, l.Check("a", "q").Allowed)
	assert.True(t, l.Check("a", "q").Allowed)
	assert.False(t, l.Check("a", "q").Allowed)

	// Once the trailing second is quiet the burst capacity admits
	// requests beyond the base limit.
	time.Sleep(1100 * time.Millisecond)
	assert.True(t, l.Check("a", "q").Allowed, "burst slot above the base limit")
	assert.True(t, l.Check("a", "q").Allowed, "second burst slot")
	assert.False(t, l.Check("a", "q").Allowed, "burst allowance exhausted")
}

func TestSlidingWindowStats(t *testing.T) {
	l := NewSlidingWindowLimiter(SlidingWindowConfig{
		MaxRequests: 1,
		Window:      time.Minute,
	}, nil, nil)

	l.Check("a", "q")
	l.Check("a", "q")

	s := l.Stats()
	assert.Equal(t, int64(1), s.Allowed)
	assert.Equal(t, int64(1), s.Denied)
	assert.Equal(t, 1, s.ActiveClients)
}

func TestSlidingWindowWaitHonorsContext(t *testing.T) {
	l := NewSlidingWindowLimiter(SlidingWindowConfig{
		MaxRequests: 1,
		Window:      time.Minute,
	}, nil, nil)
	require.True(t, l.Check("a", "q").Allowed)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()

	err := l.Wait(ctx, "a", "q")
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestLocalCoordinatorSharesState(t *testing.T) {
	hub := NewLocalCoordinator()
	a := NewSlidingWindowLimiter(SlidingWindowConfig{MaxRequests: 2, Window: time.Minute}, hub, nil)
	b := NewSlidingWindowLimiter(SlidingWindowConfig{MaxRequests: 2, Window: time.Minute}, hub, nil)

	require.True(t, a.Check("shared", "q").Allowed)
	require.True(t, a.Check("shared", "q").Allowed)

	// Publishing is asynchronous; give the update a moment to land.
	require.Eventually(t, func() bool {
		return !b.Check("shared", "q").Allowed
	}, time.Second, 10*time.Millisecond, "peer limiter should learn about the shared client's usage")
}

func TestTokenBucketCapacityAndRefill(t *testing.T) {
	l := NewTokenBucketLimiter(TokenBucketConfig{
		Capacity:   3,
		RefillRate: 100, // fast refill keeps the test quick
	}, nil)

	for i := 0; i < 3; i++ {
		d := l.Check("a", "q")
		assert.True(t, d.Allowed, "burst request %d", i+1)
	}

	// Tokens replenish continuously at 100/s.
	time.Sleep(30 * time.Millisecond)
	assert.True(t, l.Check("a", "q").Allowed)
}

func TestTokenBucketDeniesWhenEmpty(t *testing.T) {
	l := NewTokenBucketLimiter(TokenBucketConfig{
		Capacity:   2,
		RefillRate: 0.001,
	}, nil)

	assert.True(t, l.Check("a", "q").Allowed)
	assert.True(t, l.Check("a", "q").Allowed)

	d := l.Check("a", "q")
	assert.False(t, d.Allowed)
	assert.Greater(t, d.RetryAfter, time.Duration(0))
}

func TestTokenBucketAcquireQueuesAndDrains(t *testing.T) {
	l := NewTokenBucketLimiter(TokenBucketConfig{
		Capacity:   1,
		RefillRate: 50,
		QueueSize:  4,
	}, nil)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	// First takes the token, second queues until refill.
	require.NoError(t, l.Acquire(ctx, "a", 0))
	require.NoError(t, l.Acquire(ctx, "a", 0))
}

func TestTokenBucketQueueOverflow(t *testing.T) {
	l := NewTokenBucketLimiter(TokenBucketConfig{
		Capacity:   1,
		RefillRate: 0.001,
		QueueSize:  1,
	}, nil)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	require.NoError(t, l.Acquire(ctx, "a", 0))

	queued := make(chan error, 1)
	go func() { queued <- l.Acquire(ctx, "a", 0) }()

	// Wait until the goroutine occupies the single queue slot.
	require.Eventually(t, func() bool {
		return l.Stats().Queued >= 1
	}, time.Second, 5*time.Millisecond)

	err := l.Acquire(ctx, "a", 0)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "queue is full")

	cancel()
	<-queued
}

func TestTokenBucketOversizedRequestIsDenied(t *testing.T) {
	l := NewTokenBucketLimiter(TokenBucketConfig{
		Capacity:   0,
		RefillRate: 1,
		QueueSize:  4,
	}, nil)

	assert.False(t, l.Check("a", "q").Allowed)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	// No refill can ever back this admission, so Acquire must deny
	// instead of waving the caller through.
	err := l.Acquire(ctx, "a", 0)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "exceeds bucket capacity")
	assert.Error(t, l.Wait(ctx, "a", "q"))
	assert.Equal(t, int64(0), l.Stats().Allowed)
}

func TestBackoffControllerEscalation(t *testing.T) {
	b := NewBackoffController(BackoffExponential, 100*time.Millisecond, time.Second)

	assert.Equal(t, 100*time.Millisecond, b.RecordViolation())
	assert.Equal(t, 200*time.Millisecond, b.RecordViolation())
	assert.Equal(t, 400*time.Millisecond, b.RecordViolation())

	// Capped at the maximum.
	for i := 0; i < 10; i++ {
		b.RecordViolation()
	}
	assert.Equal(t, time.Second, b.CurrentDelay())

	b.Reset()
	assert.Equal(t, time.Duration(0), b.CurrentDelay())
}

func TestBackoffControllerLinearAndFixed(t *testing.T) {
	lin := NewBackoffController(BackoffLinear, 100*time.Millisecond, time.Hour)
	lin.RecordViolation()
	assert.Equal(t, 200*time.Millisecond, lin.RecordViolation())

	fixed := NewBackoffController(BackoffFixed, 250*time.Millisecond, time.Hour)
	fixed.RecordViolation()
	assert.Equal(t, 250*time.Millisecond, fixed.RecordViolation())
}
