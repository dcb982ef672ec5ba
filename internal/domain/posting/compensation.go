package posting

import (
	"context"

	"stockledger/pkg/logger"
)

// CompensationLog is a stack of inverse operations, pushed to on every
// mutation during a save and unwound on failure, most recent first.
//
// When the save runs inside a real database transaction the rollback makes
// the unwind redundant; the log is the fallback for backends without one,
// and it runs before the transaction error propagates so both paths leave
// the same state.
type CompensationLog struct {
	entries []compensation
}

type compensation struct {
	label string
	undo  func(ctx context.Context) error
}

// NewCompensationLog creates an empty log.
func NewCompensationLog() *CompensationLog {
	return &CompensationLog{}
}

// Push records an inverse operation for a mutation just applied.
func (l *CompensationLog) Push(label string, undo func(ctx context.Context) error) {
	l.entries = append(l.entries, compensation{label: label, undo: undo})
}

// Len returns the number of pending compensations.
func (l *CompensationLog) Len() int { return len(l.entries) }

// Unwind runs every compensation in LIFO order. Individual failures are
// logged and the unwind continues, so every mutation gets its chance to be
// reverted. Returns the first failure, if any.
func (l *CompensationLog) Unwind(ctx context.Context) error {
	var firstErr error
	for i := len(l.entries) - 1; i >= 0; i-- {
		e := l.entries[i]
		if err := e.undo(ctx); err != nil {
			logger.Error(ctx, "compensation failed", "step", e.label, "error", err)
			if firstErr == nil {
				firstErr = err
			}
		}
	}
	l.entries = nil
	return firstErr
}

// Discard drops all pending compensations after a successful commit.
func (l *CompensationLog) Discard() {
	l.entries = nil
}
