package ratelimit

import (
	"math"
	"sync"
	"time"
)

// BackoffStrategy selects how violation penalties escalate.
type BackoffStrategy string

const (
	BackoffExponential BackoffStrategy = "exponential"
	BackoffLinear      BackoffStrategy = "linear"
	BackoffFixed       BackoffStrategy = "fixed"
)

// backoffDecayAfter is how long without violations before the escalation
// level resets.
const backoffDecayAfter = 60 * time.Second

// BackoffController escalates a delay after each reported rate-limit
// violation and decays back to zero after a quiet minute.
type BackoffController struct {
	strategy BackoffStrategy
	base     time.Duration
	maxDelay time.Duration

	violations    int
	lastViolation time.Time
	mu            sync.Mutex
}

// NewBackoffController creates a controller with the given strategy and
// base delay.
func NewBackoffController(strategy BackoffStrategy, base, maxDelay time.Duration) *BackoffController {
	if base <= 0 {
		base = 500 * time.Millisecond
	}
	if maxDelay <= 0 {
		maxDelay = 30 * time.Second
	}
	return &BackoffController{
		strategy: strategy,
		base:     base,
		maxDelay: maxDelay,
	}
}

// RecordViolation notes one violation and returns the delay the caller
// should observe before retrying.
func (b *BackoffController) RecordViolation() time.Duration {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.maybeDecay(time.Now())
	b.violations++
	b.lastViolation = time.Now()

	return b.delayLocked()
}

// CurrentDelay returns the active penalty without recording a violation.
func (b *BackoffController) CurrentDelay() time.Duration {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.maybeDecay(time.Now())
	if b.violations == 0 {
		return 0
	}
	return b.delayLocked()
}

// Violations returns the current escalation level.
func (b *BackoffController) Violations() int {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.maybeDecay(time.Now())
	return b.violations
}

// Reset clears the escalation level.
func (b *BackoffController) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.violations = 0
}

func (b *BackoffController) maybeDecay(now time.Time) {
	if b.violations > 0 && now.Sub(b.lastViolation) >= backoffDecayAfter {
		b.violations = 0
	}
}

func (b *BackoffController) delayLocked() time.Duration {
	var delay time.Duration
	switch b.strategy {
	case BackoffLinear:
		delay = time.Duration(b.violations) * b.base
	case BackoffFixed:
		delay = b.base
	default: // exponential
		delay = time.Duration(float64(b.base) * math.Pow(2, float64(b.violations-1)))
	}

	if delay > b.maxDelay {
		delay = b.maxDelay
	}
	return delay
}
