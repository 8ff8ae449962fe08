package qk

import (
	"context"
	"fmt"
	"time"
)

// SequenceCounter issues gapless per-pattern sequence numbers.
//
// The shared counter store (normally the remote database) is authoritative.
// When it cannot be reached the local store issues numbers instead, seeded
// from the highest sequence already present in local records. Numbers issued
// that way may collide with numbers another process issued remotely; the
// collision surfaces as a conflict during reconciliation.
type SequenceCounter struct {
	shared  CounterStore // nil when no remote is configured
	local   LocalStore
	timeout time.Duration
	logger  Logger
}

// NewSequenceCounter creates a counter. shared may be nil.
func NewSequenceCounter(shared CounterStore, local LocalStore, timeout time.Duration, logger Logger) *SequenceCounter {
	return &SequenceCounter{
		shared:  shared,
		local:   local,
		timeout: timeout,
		logger:  logger,
	}
}

// Next issues the next number for patternKey, preferring the shared store.
// The shared counter is raised past every sequence held in local records.
func (c *SequenceCounter) Next(ctx context.Context, patternKey string) (int64, error) {
	if c.shared == nil {
		return c.NextLocal(ctx, patternKey)
	}

	floor, err := c.local.MaxSequence(ctx, patternKey)
	if err != nil {
		return 0, fmt.Errorf("%w: reading local sequences: %v", ErrLocalStore, err)
	}

	n, err := c.incrementShared(ctx, patternKey, floor)
	if err != nil {
		c.logger.Warn("counter store unreachable, issuing locally", "pattern", patternKey, "error", err)
		return c.NextLocal(ctx, patternKey)
	}

	// Remember the shared value so a later local fallback starts above it.
	if err := c.local.ObserveSequence(ctx, patternKey, n); err != nil {
		return 0, fmt.Errorf("%w: recording issued sequence: %v", ErrLocalStore, err)
	}
	return n, nil
}

// NextLocal issues the next number from the local store only.
func (c *SequenceCounter) NextLocal(ctx context.Context, patternKey string) (int64, error) {
	floor, err := c.local.MaxSequence(ctx, patternKey)
	if err != nil {
		return 0, fmt.Errorf("%w: reading local sequences: %v", ErrLocalStore, err)
	}

	n, err := c.local.IncrementAtLeast(ctx, patternKey, floor)
	if err != nil {
		return 0, fmt.Errorf("%w: incrementing local counter: %v", ErrLocalStore, err)
	}

	c.logger.Debug("sequence issued locally", "pattern", patternKey, "sequence", n)
	return n, nil
}

func (c *SequenceCounter) incrementShared(ctx context.Context, patternKey string, floor int64) (int64, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	n, err := c.shared.IncrementAtLeast(ctx, patternKey, floor)
	if err != nil {
		return 0, fmt.Errorf("%w: %v", ErrRemoteUnavailable, err)
	}
	return n, nil
}
