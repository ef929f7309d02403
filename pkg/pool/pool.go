// Package pool provides a generic connection pool with lifecycle
// management, idle eviction, validation, and a retry wrapper.
//
// The pool is generic over a Factory that knows how to create, validate,
// and destroy one kind of connection. Entries move idle → active → idle,
// or → invalid → destroyed when validation fails. The pool tracks lease
// state only; connection lifecycle logic stays in the factory.
package pool

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/datalinkhq/datalink/pkg/errors"
)

// Factory creates, validates, and destroys pooled connections.
type Factory[T any] interface {
	Create(ctx context.Context) (T, error)
	Validate(ctx context.Context, conn T) bool
	Destroy(ctx context.Context, conn T) error
}

// EntryState is the lifecycle state of a pool entry.
type EntryState string

const (
	StateIdle    EntryState = "idle"
	StateActive  EntryState = "active"
	StateInvalid EntryState = "invalid"
)

// entry wraps one pooled connection with lease bookkeeping.
type entry[T any] struct {
	conn          T
	state         EntryState
	leaseCount    int64
	createdAt     time.Time
	lastUsed      time.Time
	lastValidated time.Time
}

// Config tunes pool behavior.
type Config struct {
	MaxConnections int
	AcquireTimeout time.Duration
	IdleTimeout    time.Duration
	SweepInterval  time.Duration

	RetryAttempts  int
	RetryBaseDelay time.Duration
	MaxBackoff     time.Duration
}

// DefaultConfig returns sensible pool defaults.
func DefaultConfig() Config {
	return Config{
		MaxConnections: 10,
		AcquireTimeout: 5 * time.Second,
		IdleTimeout:    5 * time.Minute,
		SweepInterval:  30 * time.Second,
		RetryAttempts:  3,
		RetryBaseDelay: 200 * time.Millisecond,
		MaxBackoff:     10 * time.Second,
	}
}

// Stats reports pool occupancy and activity.
type Stats struct {
	Active    int   `json:"active"`
	Idle      int   `json:"idle"`
	Created   int64 `json:"created"`
	Destroyed int64 `json:"destroyed"`
	Reused    int64 `json:"reused"`
	Waits     int64 `json:"waits"`
	Timeouts  int64 `json:"timeouts"`
}

// Pool manages connections produced by a Factory.
type Pool[T any] struct {
	cfg     Config
	factory Factory[T]
	logger  *zap.Logger

	idle    []*entry[T]
	active  map[*entry[T]]bool
	waiters []chan *entry[T]

	created   int64
	destroyed int64
	reused    int64
	waits     int64
	timeouts  int64

	closed bool
	stopCh chan struct{}
	mu     sync.Mutex
}

// New creates a pool and starts the idle sweep loop.
func New[T any](cfg Config, factory Factory[T], logger *zap.Logger) *Pool[T] {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.MaxConnections <= 0 {
		cfg.MaxConnections = DefaultConfig().MaxConnections
	}
	if cfg.SweepInterval <= 0 {
		cfg.SweepInterval = DefaultConfig().SweepInterval
	}

	p := &Pool[T]{
		cfg:     cfg,
		factory: factory,
		logger:  logger.With(zap.String("component", "connection_pool")),
		active:  make(map[*entry[T]]bool),
		stopCh:  make(chan struct{}),
	}

	go p.sweepLoop()
	return p
}

// Lease is a held connection. Release returns it to the pool.
type Lease[T any] struct {
	Conn  T
	pool  *Pool[T]
	entry *entry[T]
	done  int32
}

// Release returns the connection. Failed release-time validation destroys
// the connection instead of recycling it.
func (l *Lease[T]) Release(ctx context.Context) {
	if !atomic.CompareAndSwapInt32(&l.done, 0, 1) {
		return
	}
	l.pool.release(ctx, l.entry)
}

// Acquire returns a pooled connection: a valid idle entry when one
// exists, a new connection while under capacity, otherwise it waits up to
// AcquireTimeout and fails with a pool-exhausted error.
func (p *Pool[T]) Acquire(ctx context.Context) (*Lease[T], error) {
	for {
		p.mu.Lock()
		if p.closed {
			p.mu.Unlock()
			return nil, errors.New(errors.CategoryConnection, "POOL_CLOSED", "connection pool is closed")
		}

		// Prefer the most recently used idle entry.
		for len(p.idle) > 0 {
			e := p.idle[len(p.idle)-1]
			p.idle = p.idle[:len(p.idle)-1]
			p.mu.Unlock()

			if p.factory.Validate(ctx, e.conn) {
				p.mu.Lock()
				e.state = StateActive
				e.leaseCount++
				e.lastUsed = time.Now()
				e.lastValidated = time.Now()
				p.active[e] = true
				atomic.AddInt64(&p.reused, 1)
				p.mu.Unlock()
				return &Lease[T]{Conn: e.conn, pool: p, entry: e}, nil
			}

			p.destroyEntry(ctx, e)
			p.mu.Lock()
		}

		if len(p.active) < p.cfg.MaxConnections {
			// Mark capacity taken before the (possibly slow) create call.
			placeholder := &entry[T]{state: StateActive}
			p.active[placeholder] = true
			p.mu.Unlock()

			conn, err := p.factory.Create(ctx)

			p.mu.Lock()
			delete(p.active, placeholder)
			if err != nil {
				p.mu.Unlock()
				return nil, errors.Wrap(err, errors.CategoryConnection, "POOL_CREATE_FAILED", "failed to create pooled connection")
			}

			e := &entry[T]{
				conn:          conn,
				state:         StateActive,
				leaseCount:    1,
				createdAt:     time.Now(),
				lastUsed:      time.Now(),
				lastValidated: time.Now(),
			}
			p.active[e] = true
			atomic.AddInt64(&p.created, 1)
			p.mu.Unlock()
			return &Lease[T]{Conn: conn, pool: p, entry: e}, nil
		}

		// At capacity: wait for a release, then re-validate from the top.
		waitCh := make(chan *entry[T], 1)
		p.waiters = append(p.waiters, waitCh)
		atomic.AddInt64(&p.waits, 1)
		p.mu.Unlock()

		timer := time.NewTimer(p.cfg.AcquireTimeout)
		select {
		case e := <-waitCh:
			timer.Stop()
			if e == nil {
				continue // pool closed or entry withdrawn, re-check state
			}
			if p.factory.Validate(ctx, e.conn) {
				p.mu.Lock()
				e.state = StateActive
				e.leaseCount++
				e.lastUsed = time.Now()
				e.lastValidated = time.Now()
				p.active[e] = true
				atomic.AddInt64(&p.reused, 1)
				p.mu.Unlock()
				return &Lease[T]{Conn: e.conn, pool: p, entry: e}, nil
			}
			p.destroyEntry(ctx, e)
			continue

		case <-timer.C:
			p.removeWaiter(waitCh)
			atomic.AddInt64(&p.timeouts, 1)
			return nil, errors.New(errors.CategoryConnection, "POOL_EXHAUSTED", "timed out waiting for a pooled connection").
				WithRetry(errors.RetryInfo{RetryAfter: p.cfg.AcquireTimeout, MaxAttempts: 1, Backoff: "fixed"})

		case <-ctx.Done():
			timer.Stop()
			p.removeWaiter(waitCh)
			return nil, errors.Wrap(ctx.Err(), errors.CategoryTimeout, "POOL_ACQUIRE_CANCELED", "acquire canceled")
		}
	}
}

// release returns an entry after use. Validation failure destroys it.
func (p *Pool[T]) release(ctx context.Context, e *entry[T]) {
	p.mu.Lock()
	delete(p.active, e)
	closed := p.closed
	p.mu.Unlock()

	if closed || !p.factory.Validate(ctx, e.conn) {
		p.destroyEntry(ctx, e)
		p.notifyWaiter(nil)
		return
	}

	e.state = StateIdle
	e.lastUsed = time.Now()
	e.lastValidated = time.Now()

	p.mu.Lock()
	if len(p.waiters) > 0 {
		waitCh := p.waiters[0]
		p.waiters = p.waiters[1:]
		p.mu.Unlock()
		waitCh <- e
		return
	}
	p.idle = append(p.idle, e)
	p.mu.Unlock()
}

// ExecuteWithRetry acquires a connection and runs fn, retrying transient
// failures with exponential backoff capped at MaxBackoff. Each attempt
// re-acquires, so a broken connection never gets reused.
func (p *Pool[T]) ExecuteWithRetry(ctx context.Context, fn func(ctx context.Context, conn T) error) error {
	attempts := p.cfg.RetryAttempts
	if attempts <= 0 {
		attempts = 1
	}

	var lastErr error
	for attempt := 0; attempt < attempts; attempt++ {
		if attempt > 0 {
			delay := p.backoffDelay(attempt)
			p.logger.Debug("retrying pooled operation",
				zap.Int("attempt", attempt),
				zap.Duration("delay", delay),
				zap.Error(lastErr))

			timer := time.NewTimer(delay)
			select {
			case <-ctx.Done():
				timer.Stop()
				return errors.Wrap(ctx.Err(), errors.CategoryTimeout, "POOL_RETRY_CANCELED", "retry canceled")
			case <-timer.C:
			}
		}

		lease, err := p.Acquire(ctx)
		if err != nil {
			lastErr = err
			continue
		}

		err = fn(ctx, lease.Conn)
		lease.Release(ctx)
		if err == nil {
			return nil
		}

		lastErr = err
		if !errors.IsRecoverable(err) {
			return err
		}
	}

	return errors.Wrap(lastErr, errors.CategoryConnection, "POOL_RETRIES_EXHAUSTED", "all retry attempts failed")
}

// backoffDelay doubles the base delay per attempt, capped at MaxBackoff.
func (p *Pool[T]) backoffDelay(attempt int) time.Duration {
	base := p.cfg.RetryBaseDelay
	if base <= 0 {
		base = DefaultConfig().RetryBaseDelay
	}
	delay := base << uint(attempt-1)
	if p.cfg.MaxBackoff > 0 && delay > p.cfg.MaxBackoff {
		delay = p.cfg.MaxBackoff
	}
	return delay
}

// Stats returns a snapshot of pool occupancy.
func (p *Pool[T]) Stats() Stats {
	p.mu.Lock()
	defer p.mu.Unlock()

	return Stats{
		Active:    len(p.active),
		Idle:      len(p.idle),
		Created:   atomic.LoadInt64(&p.created),
		Destroyed: atomic.LoadInt64(&p.destroyed),
		Reused:    atomic.LoadInt64(&p.reused),
		Waits:     atomic.LoadInt64(&p.waits),
		Timeouts:  atomic.LoadInt64(&p.timeouts),
	}
}

// Close destroys idle connections and rejects future acquires. Active
// leases are destroyed on release.
func (p *Pool[T]) Close(ctx context.Context) {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.closed = true
	close(p.stopCh)

	idle := p.idle
	p.idle = nil
	waiters := p.waiters
	p.waiters = nil
	p.mu.Unlock()

	for _, waitCh := range waiters {
		waitCh <- nil
	}
	for _, e := range idle {
		p.destroyEntry(ctx, e)
	}

	p.logger.Info("connection pool closed")
}

// sweepLoop periodically evicts idle entries past IdleTimeout.
func (p *Pool[T]) sweepLoop() {
	ticker := time.NewTicker(p.cfg.SweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			p.sweep()
		case <-p.stopCh:
			return
		}
	}
}

func (p *Pool[T]) sweep() {
	if p.cfg.IdleTimeout <= 0 {
		return
	}

	now := time.Now()
	var evict []*entry[T]

	p.mu.Lock()
	remaining := p.idle[:0]
	for _, e := range p.idle {
		if now.Sub(e.lastUsed) > p.cfg.IdleTimeout {
			evict = append(evict, e)
		} else {
			remaining = append(remaining, e)
		}
	}
	p.idle = remaining
	p.mu.Unlock()

	if len(evict) == 0 {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	for _, e := range evict {
		p.destroyEntry(ctx, e)
	}

	p.logger.Debug("evicted idle connections", zap.Int("count", len(evict)))
}

func (p *Pool[T]) destroyEntry(ctx context.Context, e *entry[T]) {
	e.state = StateInvalid
	if err := p.factory.Destroy(ctx, e.conn); err != nil {
		p.logger.Warn("failed to destroy pooled connection", zap.Error(err))
	}
	atomic.AddInt64(&p.destroyed, 1)
}

// notifyWaiter wakes one waiter with no entry so it re-checks capacity.
func (p *Pool[T]) notifyWaiter(e *entry[T]) {
	p.mu.Lock()
	if len(p.waiters) == 0 {
		p.mu.Unlock()
		return
	}
	waitCh := p.waiters[0]
	p.waiters = p.waiters[1:]
	p.mu.Unlock()
	waitCh <- e
}

func (p *Pool[T]) removeWaiter(waitCh chan *entry[T]) {
	p.mu.Lock()
	for i, w := range p.waiters {
		if w == waitCh {
			p.waiters = append(p.waiters[:i], p.waiters[i+1:]...)
			break
		}
	}
	p.mu.Unlock()

	// A release may have handed us an entry concurrently; pass it to the
	// next waiter in line, parking it idle only when nobody is waiting.
	select {
	case e := <-waitCh:
		if e == nil {
			return
		}
		p.mu.Lock()
		if len(p.waiters) > 0 {
			next := p.waiters[0]
			p.waiters = p.waiters[1:]
			p.mu.Unlock()
			next <- e
			return
		}
		p.idle = append(p.idle, e)
		p.mu.Unlock()
	default:
	}
}
