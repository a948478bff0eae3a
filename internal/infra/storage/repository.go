package storage

import (
	"context"
	"time"

	"github.com/vietddude/triage/internal/core/domain"
)

// DecisionRepository handles the append-only decision log
type DecisionRepository interface {
	// RecordDecision appends a decision and, for retry decisions, its attempt in one atomic write.
	// It also advances the run state of the decision's root run.
	// Returns domain.ErrDuplicateEvent if the event key was already decided.
	RecordDecision(ctx context.Context, d *domain.Decision, attempt *domain.AttemptRecord) error

	// HasDecision reports whether a decision exists for the event key
	HasDecision(ctx context.Context, key domain.EventKey) (bool, error)

	// GetDecision retrieves a decision by event key
	GetDecision(ctx context.Context, key domain.EventKey) (*domain.Decision, error)

	// RecentDecisions lists the newest decisions first
	RecentDecisions(ctx context.Context, limit int) ([]*domain.Decision, error)
}

// AttemptRepository handles retry attempt records
type AttemptRepository interface {
	// GetAttempt retrieves an attempt by id
	GetAttempt(ctx context.Context, id string) (*domain.AttemptRecord, error)

	// MarkExecuting stamps executed_at on a pending attempt
	MarkExecuting(ctx context.Context, id string, at time.Time) error

	// RecordOutcome finalizes an attempt and folds the outcome into rolling statistics.
	// Returns domain.ErrAttemptFinalized if the attempt already has a terminal outcome.
	RecordOutcome(
		ctx context.Context,
		id string,
		outcome domain.AttemptOutcome,
		at time.Time,
	) (*domain.AttemptRecord, error)

	// PendingAttempts lists attempts without a terminal outcome, oldest first
	PendingAttempts(ctx context.Context) ([]*domain.AttemptRecord, error)
}

// RunRepository handles per-run state and lineage
type RunRepository interface {
	// GetAttemptCount returns the number of attempts created for a root run
	GetAttemptCount(ctx context.Context, key domain.RunKey) (int, error)

	// GetRunState returns the run state, or a zero state for unknown runs
	GetRunState(ctx context.Context, key domain.RunKey) (*domain.RunState, error)

	// ResolveRun returns the root run of key; unlinked runs are their own root
	ResolveRun(ctx context.Context, key domain.RunKey) (domain.RunKey, error)

	// LinkRun records child as a re-trigger of parent. Links resolve to parent's root.
	LinkRun(ctx context.Context, child, parent domain.RunKey) error
}

// StatsRepository exposes rolling statistics
type StatsRepository interface {
	// GetRollingStats returns the aggregate, or a zero aggregate when none exists
	GetRollingStats(
		ctx context.Context,
		errorType domain.ErrorType,
		env domain.Environment,
	) (domain.RollingStats, error)

	// ListRollingStats returns all aggregates
	ListRollingStats(ctx context.Context) ([]domain.RollingStats, error)
}

// Ledger is the audit ledger: source of truth for decisions, attempts, attempt counts and statistics.
type Ledger interface {
	DecisionRepository
	AttemptRepository
	RunRepository
	StatsRepository

	Health(ctx context.Context) error
}
