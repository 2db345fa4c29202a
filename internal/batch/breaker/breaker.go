// Package breaker implements the per-engine-instance circuit breaker
// that suspends dispatch after a run of consecutive fatal failures
// (spec.md §4.5).
package breaker

import "sync"

// Snapshot is a consistent, point-in-time read of the breaker's state.
type Snapshot struct {
	ConsecutiveFailures int
	Threshold           int
	LastError           string
	LastFailingUnit     int
	Tripped             bool
}

// Breaker is a thread-safe counter of consecutive fatal outcomes. A
// Threshold of 0 disables it entirely: IsTripped always reports false
// and RecordFailure never trips it (spec.md §4.5 "Threshold of 0
// disables the breaker entirely").
type Breaker struct {
	mu sync.Mutex

	threshold           int
	consecutiveFailures int
	lastError           string
	lastFailingUnit     int
}

// New constructs a Breaker with the given trip threshold.
func New(threshold int) *Breaker {
	if threshold < 0 {
		threshold = 0
	}
	return &Breaker{threshold: threshold}
}

// RecordFailure increments the counter and stores the latest
// error/unit. Only fatal LM errors (and retryable errors exhausted at
// the LM-client boundary) call this; parse errors never do (spec.md
// §4.5, §7).
func (b *Breaker) RecordFailure(errMsg string, unitIdx int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.consecutiveFailures++
	b.lastError = errMsg
	b.lastFailingUnit = unitIdx
}

// RecordSuccess resets the counter and clears the latest failure state.
func (b *Breaker) RecordSuccess() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.consecutiveFailures = 0
	b.lastError = ""
	b.lastFailingUnit = 0
}

// Reset is equivalent to RecordSuccess; used after a manual continue
// from a breaker-tripped prompt (spec.md §4.5).
func (b *Breaker) Reset() { b.RecordSuccess() }

// IsTripped reports whether the failure counter has crossed the
// threshold. Always false when the breaker is disabled (Threshold 0).
func (b *Breaker) IsTripped() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.tripped()
}

func (b *Breaker) tripped() bool {
	if b.threshold == 0 {
		return false
	}
	return b.consecutiveFailures >= b.threshold
}

// Status returns a consistent snapshot of the breaker's state.
func (b *Breaker) Status() Snapshot {
	b.mu.Lock()
	defer b.mu.Unlock()
	return Snapshot{
		ConsecutiveFailures: b.consecutiveFailures,
		Threshold:           b.threshold,
		LastError:           b.lastError,
		LastFailingUnit:     b.lastFailingUnit,
		Tripped:             b.tripped(),
	}
}
