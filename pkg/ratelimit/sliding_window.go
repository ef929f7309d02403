package ratelimit

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// burstMeasureWindow is the trailing interval over which burst allowance
// is measured.
const burstMeasureWindow = time.Second

// SlidingWindowConfig tunes a SlidingWindowLimiter.
type SlidingWindowConfig struct {
	MaxRequests    int
	Window         time.Duration
	BurstAllowance int
}

// requestEntry is one admitted request in a client window.
type requestEntry struct {
	timestamp time.Time
	query     string
}

// clientWindow is the per-client sliding-window state. Created on the
// first check for a client; evicted after 2×window of inactivity.
type clientWindow struct {
	requests    []requestEntry
	windowStart time.Time
	lastSeen    time.Time
}

// SlidingWindowLimiter admits up to MaxRequests per trailing Window per
// client, with BurstAllowance extra capacity measured over the last
// second. Stale entries are pruned lazily on check.
type SlidingWindowLimiter struct {
	cfg    SlidingWindowConfig
	logger *zap.Logger

	clients   map[string]*clientWindow
	lastSweep time.Time
	mu        sync.Mutex

	instanceID  string
	coordinator Coordinator

	allowed int64
	denied  int64
}

// NewSlidingWindowLimiter creates a sliding-window limiter. coordinator
// may be nil for purely local accounting.
func NewSlidingWindowLimiter(cfg SlidingWindowConfig, coordinator Coordinator, logger *zap.Logger) *SlidingWindowLimiter {
	if logger == nil {
		logger = zap.NewNop()
	}
	l := &SlidingWindowLimiter{
		cfg:         cfg,
		logger:      logger.With(zap.String("component", "sliding_window_limiter")),
		clients:     make(map[string]*clientWindow),
		lastSweep:   time.Now(),
		instanceID:  uuid.NewString(),
		coordinator: coordinator,
	}

	if coordinator != nil {
		coordinator.Subscribe(l.merge)
	}

	return l
}

// Check admits or denies one request for clientID.
func (l *SlidingWindowLimiter) Check(clientID, query string) Decision {
	now := time.Now()

	l.mu.Lock()
	defer l.mu.Unlock()

	l.maybeSweep(now)

	cw := l.clients[clientID]
	if cw == nil {
		cw = &clientWindow{windowStart: now}
		l.clients[clientID] = cw
	}
	cw.lastSeen = now

	l.prune(cw, now)

	count := len(cw.requests)
	limit := l.cfg.MaxRequests

	allowed := count < limit
	if !allowed && l.cfg.BurstAllowance > 0 && count < limit+l.cfg.BurstAllowance {
		// Over the base limit; admit only if the excess stays within the
		// burst allowance measured over the trailing second.
		recent := 0
		cutoff := now.Add(-burstMeasureWindow)
		for i := len(cw.requests) - 1; i >= 0; i-- {
			if cw.requests[i].timestamp.Before(cutoff) {
				break
			}
			recent++
		}
		allowed = recent < l.cfg.BurstAllowance
	}

	if !allowed {
		atomic.AddInt64(&l.denied, 1)
		return Decision{
			Allowed:    false,
			Remaining:  0,
			RetryAfter: l.retryAfter(cw, now),
			Reason:     "rate limit exceeded",
		}
	}

	cw.requests = append(cw.requests, requestEntry{timestamp: now, query: query})
	atomic.AddInt64(&l.allowed, 1)

	remaining := limit - len(cw.requests)
	if remaining < 0 {
		remaining = 0
	}

	l.publish(clientID, cw)
	return Decision{Allowed: true, Remaining: remaining}
}

// Wait retries Check until admitted, sleeping the advertised retryAfter
// between attempts, racing ctx.
func (l *SlidingWindowLimiter) Wait(ctx context.Context, clientID, query string) error {
	for {
		d := l.Check(clientID, query)
		if d.Allowed {
			return nil
		}

		delay := d.RetryAfter
		if delay <= 0 {
			delay = 10 * time.Millisecond
		}

		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}
}

// Stats returns limiter counters.
func (l *SlidingWindowLimiter) Stats() Stats {
	l.mu.Lock()
	active := len(l.clients)
	l.mu.Unlock()

	return Stats{
		Allowed:       atomic.LoadInt64(&l.allowed),
		Denied:        atomic.LoadInt64(&l.denied),
		ActiveClients: active,
	}
}

// retryAfter is the time until the oldest in-window entry expires.
func (l *SlidingWindowLimiter) retryAfter(cw *clientWindow, now time.Time) time.Duration {
	if len(cw.requests) == 0 {
		return 0
	}
	expires := cw.requests[0].timestamp.Add(l.cfg.Window)
	if d := expires.Sub(now); d > 0 {
		return d
	}
	return 0
}

// prune drops entries older than now-window.
func (l *SlidingWindowLimiter) prune(cw *clientWindow, now time.Time) {
	cutoff := now.Add(-l.cfg.Window)
	i := 0
	for i < len(cw.requests) && cw.requests[i].timestamp.Before(cutoff) {
		i++
	}
	if i > 0 {
		cw.requests = cw.requests[i:]
		cw.windowStart = cutoff
	}
}

// maybeSweep evicts clients idle for more than 2×window. Runs at most
// once per window so checks stay cheap.
func (l *SlidingWindowLimiter) maybeSweep(now time.Time) {
	if now.Sub(l.lastSweep) < l.cfg.Window {
		return
	}
	l.lastSweep = now

	idleCutoff := now.Add(-2 * l.cfg.Window)
	for id, cw := range l.clients {
		if cw.lastSeen.Before(idleCutoff) {
			delete(l.clients, id)
		}
	}
}

// publish mirrors the client state to peers. Failures are logged and
// dropped; coordination is best-effort.
func (l *SlidingWindowLimiter) publish(clientID string, cw *clientWindow) {
	if l.coordinator == nil {
		return
	}

	timestamps := make([]int64, len(cw.requests))
	for i, r := range cw.requests {
		timestamps[i] = r.timestamp.UnixNano()
	}

	update := StateUpdate{
		ClientID:   clientID,
		Timestamps: timestamps,
		Origin:     l.instanceID,
		SentAt:     time.Now(),
	}

	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		if err := l.coordinator.Publish(ctx, update); err != nil {
			l.logger.Debug("rate limit state publish failed", zap.Error(err))
		}
	}()
}

// merge folds a peer's view of a client window into local state. Only
// timestamps newer than what we already hold are added.
func (l *SlidingWindowLimiter) merge(update StateUpdate) {
	if update.Origin == l.instanceID {
		return
	}

	now := time.Now()

	l.mu.Lock()
	defer l.mu.Unlock()

	cw := l.clients[update.ClientID]
	if cw == nil {
		cw = &clientWindow{windowStart: now}
		l.clients[update.ClientID] = cw
	}
	cw.lastSeen = now

	known := make(map[int64]bool, len(cw.requests))
	for _, r := range cw.requests {
		known[r.timestamp.UnixNano()] = true
	}

	cutoff := now.Add(-l.cfg.Window)
	changed := false
	for _, ts := range update.Timestamps {
		t := time.Unix(0, ts)
		if t.Before(cutoff) || known[ts] {
			continue
		}
		cw.requests = append(cw.requests, requestEntry{timestamp: t})
		changed = true
	}

	if changed {
		sortEntries(cw.requests)
	}
}

// sortEntries keeps the request list ordered by timestamp after a merge.
func sortEntries(entries []requestEntry) {
	for i := 1; i < len(entries); i++ {
		for j := i; j > 0 && entries[j].timestamp.Before(entries[j-1].timestamp); j-- {
			entries[j], entries[j-1] = entries[j-1], entries[j]
		}
	}
}
