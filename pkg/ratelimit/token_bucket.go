package ratelimit

import (
	"container/heap"
	"context"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	dlerrors "github.com/datalinkhq/datalink/pkg/errors"
)

// TokenBucketConfig tunes a TokenBucketLimiter.
type TokenBucketConfig struct {
	// Capacity is the bucket size (maximum burst)
	Capacity int
	// RefillRate is tokens replenished per second
	RefillRate float64
	// QueueSize bounds the per-client wait queue; overflow is rejected
	QueueSize int
}

// waiter is one queued over-limit caller. ready delivers the admission
// verdict: nil (or a close) admits, an error denies.
type waiter struct {
	priority int
	seq      uint64
	ready    chan error
	canceled int32
	index    int
}

// waiterQueue is a max-heap on priority, FIFO within equal priority.
type waiterQueue []*waiter

func (q waiterQueue) Len() int { return len(q) }

func (q waiterQueue) Less(i, j int) bool {
	if q[i].priority != q[j].priority {
		return q[i].priority > q[j].priority
	}
	return q[i].seq < q[j].seq
}

func (q waiterQueue) Swap(i, j int) {
	q[i], q[j] = q[j], q[i]
	q[i].index = i
	q[j].index = j
}

func (q *waiterQueue) Push(x interface{}) {
	w := x.(*waiter)
	w.index = len(*q)
	*q = append(*q, w)
}

func (q *waiterQueue) Pop() interface{} {
	old := *q
	n := len(old)
	w := old[n-1]
	old[n-1] = nil
	*q = old[:n-1]
	return w
}

// clientBucket is the per-client token bucket plus its wait queue.
type clientBucket struct {
	bucket   *rate.Limiter
	queue    waiterQueue
	draining bool
	lastSeen time.Time
}

// TokenBucketLimiter replenishes per-client capacity continuously and
// queues over-limit callers in priority order, draining them as tokens
// free up. The queue is bounded; overflow is rejected immediately.
type TokenBucketLimiter struct {
	cfg    TokenBucketConfig
	logger *zap.Logger

	clients map[string]*clientBucket
	seq     uint64
	mu      sync.Mutex

	allowed       int64
	denied        int64
	queued        int64
	queueRejected int64
}

// NewTokenBucketLimiter creates a token-bucket limiter.
func NewTokenBucketLimiter(cfg TokenBucketConfig, logger *zap.Logger) *TokenBucketLimiter {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &TokenBucketLimiter{
		cfg:     cfg,
		logger:  logger.With(zap.String("component", "token_bucket_limiter")),
		clients: make(map[string]*clientBucket),
	}
}

// Check consumes one token when available, otherwise denies with the time
// until the next token.
func (l *TokenBucketLimiter) Check(clientID, _ string) Decision {
	now := time.Now()

	l.mu.Lock()
	cb := l.bucketFor(clientID, now)
	r := cb.bucket.ReserveN(now, 1)
	l.mu.Unlock()

	if !r.OK() {
		atomic.AddInt64(&l.denied, 1)
		return Decision{Allowed: false, Reason: "request exceeds bucket capacity"}
	}

	delay := r.DelayFrom(now)
	if delay > 0 {
		r.CancelAt(now)
		atomic.AddInt64(&l.denied, 1)
		return Decision{Allowed: false, RetryAfter: delay, Reason: "no tokens available"}
	}

	atomic.AddInt64(&l.allowed, 1)
	remaining := int(cb.bucket.TokensAt(now))
	return Decision{Allowed: true, Remaining: remaining}
}

// Wait enqueues with default priority.
func (l *TokenBucketLimiter) Wait(ctx context.Context, clientID, query string) error {
	return l.Acquire(ctx, clientID, 0)
}

// Acquire consumes a token or joins the priority queue. Returns a
// rate_limit error when the bounded queue is full.
func (l *TokenBucketLimiter) Acquire(ctx context.Context, clientID string, priority int) error {
	now := time.Now()

	l.mu.Lock()
	cb := l.bucketFor(clientID, now)

	// A request larger than the bucket can never be satisfied, no matter
	// how long it waits.
	if l.cfg.Capacity <= 0 {
		atomic.AddInt64(&l.denied, 1)
		l.mu.Unlock()
		return errBucketCapacity()
	}

	if cb.bucket.AllowN(now, 1) {
		atomic.AddInt64(&l.allowed, 1)
		l.mu.Unlock()
		return nil
	}

	if l.cfg.QueueSize > 0 && cb.queue.Len() >= l.cfg.QueueSize {
		atomic.AddInt64(&l.queueRejected, 1)
		l.mu.Unlock()
		return dlerrors.New(dlerrors.CategoryRateLimit, "RL_QUEUE_FULL", "rate limit queue is full").
			WithRetry(dlerrors.RetryInfo{RetryAfter: time.Second, MaxAttempts: 3, Backoff: "exponential"})
	}

	l.seq++
	w := &waiter{
		priority: priority,
		seq:      l.seq,
		ready:    make(chan error, 1),
	}
	heap.Push(&cb.queue, w)
	atomic.AddInt64(&l.queued, 1)

	if !cb.draining {
		cb.draining = true
		go l.drain(cb)
	}
	l.mu.Unlock()

	select {
	case err := <-w.ready:
		if err != nil {
			atomic.AddInt64(&l.denied, 1)
			return err
		}
		atomic.AddInt64(&l.allowed, 1)
		return nil
	case <-ctx.Done():
		atomic.StoreInt32(&w.canceled, 1)
		return ctx.Err()
	}
}

// drain releases queued waiters highest-priority first as tokens refill.
func (l *TokenBucketLimiter) drain(cb *clientBucket) {
	for {
		l.mu.Lock()
		if cb.queue.Len() == 0 {
			cb.draining = false
			l.mu.Unlock()
			return
		}
		w := heap.Pop(&cb.queue).(*waiter)

		if atomic.LoadInt32(&w.canceled) == 1 {
			l.mu.Unlock()
			continue
		}

		now := time.Now()
		r := cb.bucket.ReserveN(now, 1)
		l.mu.Unlock()

		if !r.OK() {
			w.ready <- errBucketCapacity()
			continue
		}

		if delay := r.DelayFrom(now); delay > 0 {
			time.Sleep(delay)
		}

		if atomic.LoadInt32(&w.canceled) == 1 {
			// Waiter gave up while we slept; the token returns to the pool.
			r.Cancel()
			continue
		}
		close(w.ready)
	}
}

// errBucketCapacity denies a request the bucket can never hold.
func errBucketCapacity() *dlerrors.Error {
	return dlerrors.New(dlerrors.CategoryRateLimit, "RL_CAPACITY_EXCEEDED",
		"request exceeds bucket capacity")
}

// Stats returns limiter counters.
func (l *TokenBucketLimiter) Stats() Stats {
	l.mu.Lock()
	active := len(l.clients)
	l.mu.Unlock()

	return Stats{
		Allowed:       atomic.LoadInt64(&l.allowed),
		Denied:        atomic.LoadInt64(&l.denied),
		Queued:        atomic.LoadInt64(&l.queued),
		QueueRejected: atomic.LoadInt64(&l.queueRejected),
		ActiveClients: active,
	}
}

// bucketFor returns the client bucket, creating it on first use. Caller
// holds l.mu.
func (l *TokenBucketLimiter) bucketFor(clientID string, now time.Time) *clientBucket {
	cb := l.clients[clientID]
	if cb == nil {
		cb = &clientBucket{
			bucket: rate.NewLimiter(rate.Limit(l.cfg.RefillRate), l.cfg.Capacity),
		}
		l.clients[clientID] = cb
	}
	cb.lastSeen = now
	return cb
}
