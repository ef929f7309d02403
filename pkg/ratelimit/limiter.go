// Package ratelimit implements per-client admission control for datalink
// endpoints: a sliding-window limiter, a token-bucket limiter with a
// bounded priority queue, violation backoff, and best-effort cross-
// instance state mirroring.
package ratelimit

import (
	"context"
	"time"
)

// Decision is the outcome of one admission check.
type Decision struct {
	Allowed    bool          `json:"allowed"`
	Remaining  int           `json:"remaining"`
	RetryAfter time.Duration `json:"retry_after,omitempty"`
	Reason     string        `json:"reason,omitempty"`
}

// Limiter is the admission-control contract shared by both strategies.
type Limiter interface {
	// Check performs window accounting and either consumes capacity for
	// clientID or denies with a retry hint. No cross-client shared state.
	Check(clientID, query string) Decision

	// Wait blocks until the client is admitted or ctx expires.
	Wait(ctx context.Context, clientID, query string) error

	// Stats returns counters for observability.
	Stats() Stats
}

// Stats aggregates limiter activity.
type Stats struct {
	Allowed       int64 `json:"allowed"`
	Denied        int64 `json:"denied"`
	Queued        int64 `json:"queued"`
	QueueRejected int64 `json:"queue_rejected"`
	ActiveClients int   `json:"active_clients"`
}

// StateUpdate mirrors one client's accounting to other instances. Merging
// is best-effort; exact cross-instance consistency is not a goal.
type StateUpdate struct {
	ClientID   string    `json:"client_id"`
	Timestamps []int64   `json:"timestamps"` // unix nanos of in-window requests
	Origin     string    `json:"origin"`
	SentAt     time.Time `json:"sent_at"`
}

// Coordinator is the pub/sub side-channel used to mirror client state
// across independent limiter instances.
type Coordinator interface {
	// Publish broadcasts a state update to peers.
	Publish(ctx context.Context, update StateUpdate) error

	// Subscribe registers a handler for updates from peers. The handler
	// must not block.
	Subscribe(handler func(StateUpdate))

	// Close releases the side-channel.
	Close() error
}
