package store

import (
	"context"
	"time"
)

// Store is the canonical registry of actions and the append-only conflict
// audit log. It abstracts over Memory (default), Redis (fast/ephemeral)
// and Postgres (durable) backends.
//
// Status mutations go through UpdateActionStatus only, which enforces the
// lifecycle transition table. Conflict records are never mutated.
type Store interface {
	// Action Registry Operations
	RegisterAction(ctx context.Context, a *Action) error
	GetAction(ctx context.Context, id string) (*Action, error) // ErrNotFound when unknown
	ListActions(ctx context.Context, f Filter) ([]*Action, error)

	// UpdateActionStatus commits a lifecycle transition. It stamps
	// started_at / completed_at as appropriate and returns
	// ErrInvalidTransition for illegal moves.
	UpdateActionStatus(ctx context.Context, id string, status ActionStatus, reason string, winnerID string) error

	// ListActive returns all Pending and Running actions, the set every
	// new submission is conflict-checked against.
	ListActive(ctx context.Context) ([]*Action, error)

	// FindActiveDuplicate returns a Pending/Running action matching
	// (type, target, source), or nil when there is none.
	FindActiveDuplicate(ctx context.Context, t ActionType, target string, s ActionSource) (*Action, error)

	// IncrementDuplicateCount bumps the coalescing counter on an action
	// and returns the new count.
	IncrementDuplicateCount(ctx context.Context, id string) (int, error)

	CountActionsByStatus(ctx context.Context, status ActionStatus) (int, error)

	// Conflict Audit Operations
	AppendConflict(ctx context.Context, rec *ConflictRecord) error
	ConflictsSince(ctx context.Context, since time.Time) ([]*ConflictRecord, error)
	CountConflictsSince(ctx context.Context, since time.Time) (int, error)

	// PurgeTerminalBefore removes terminal actions whose completion
	// predates the cutoff. Used by the retention reaper only.
	PurgeTerminalBefore(ctx context.Context, cutoff time.Time) (int, error)

	Close()
}
