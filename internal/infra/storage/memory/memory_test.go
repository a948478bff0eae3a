package memory

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vietddude/triage/internal/core/domain"
)

func retryDecision(runID string, occurrence int, attemptID string) (*domain.Decision, *domain.AttemptRecord) {
	now := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	d := &domain.Decision{
		ID:              "dec-" + runID + "-" + attemptID,
		PipelineID:      "etl",
		RunID:           runID,
		RootRunID:       runID,
		OccurrenceIndex: occurrence,
		Environment:     domain.EnvironmentProd,
		Action:          domain.ActionRetry,
		Classification:  domain.Classification{ErrorType: domain.ErrorTypeTransient, Confidence: 85},
		AttemptRef:      attemptID,
		DecidedAt:       now,
	}
	a := &domain.AttemptRecord{
		ID:            attemptID,
		Key:           domain.RunKey{PipelineID: "etl", RunID: runID},
		AttemptNumber: 1,
		Delay:         time.Minute,
		ScheduledAt:   now,
		Outcome:       domain.AttemptOutcomePending,
		ErrorType:     domain.ErrorTypeTransient,
		Environment:   domain.EnvironmentProd,
	}
	return d, a
}

func TestLedger_RecordDecision(t *testing.T) {
	ctx := context.Background()
	l := NewLedger()

	d, a := retryDecision("run-1", 0, "att-1")
	require.NoError(t, l.RecordDecision(ctx, d, a))

	ok, err := l.HasDecision(ctx, d.EventKey())
	require.NoError(t, err)
	assert.True(t, ok)

	count, err := l.GetAttemptCount(ctx, d.RunKey())
	require.NoError(t, err)
	assert.Equal(t, 1, count)

	rs, err := l.GetRunState(ctx, d.RunKey())
	require.NoError(t, err)
	assert.Equal(t, d.DecidedAt, rs.LastDecisionAt)

	got, err := l.GetAttempt(ctx, "att-1")
	require.NoError(t, err)
	assert.Equal(t, domain.AttemptOutcomePending, got.Outcome)
}

func TestLedger_RecordDecisionDuplicate(t *testing.T) {
	ctx := context.Background()
	l := NewLedger()

	d, a := retryDecision("run-1", 0, "att-1")
	require.NoError(t, l.RecordDecision(ctx, d, a))

	d2, a2 := retryDecision("run-1", 0, "att-2")
	err := l.RecordDecision(ctx, d2, a2)
	assert.ErrorIs(t, err, domain.ErrDuplicateEvent)

	// The rejected write must leave no trace.
	_, err = l.GetAttempt(ctx, "att-2")
	assert.ErrorIs(t, err, domain.ErrAttemptNotFound)
	count, _ := l.GetAttemptCount(ctx, d.RunKey())
	assert.Equal(t, 1, count)
}

func TestLedger_RecordOutcome(t *testing.T) {
	ctx := context.Background()
	l := NewLedger()
	d, a := retryDecision("run-1", 0, "att-1")
	require.NoError(t, l.RecordDecision(ctx, d, a))

	at := time.Now()
	rec, err := l.RecordOutcome(ctx, "att-1", domain.AttemptOutcomeSucceeded, at)
	require.NoError(t, err)
	assert.Equal(t, domain.AttemptOutcomeSucceeded, rec.Outcome)
	require.NotNil(t, rec.CompletedAt)

	_, err = l.RecordOutcome(ctx, "att-1", domain.AttemptOutcomeFailed, at)
	assert.ErrorIs(t, err, domain.ErrAttemptFinalized)

	_, err = l.RecordOutcome(ctx, "missing", domain.AttemptOutcomeFailed, at)
	assert.ErrorIs(t, err, domain.ErrAttemptNotFound)

	_, err = l.RecordOutcome(ctx, "att-1", domain.AttemptOutcomePending, at)
	assert.Error(t, err)

	stats, err := l.GetRollingStats(ctx, domain.ErrorTypeTransient, domain.EnvironmentProd)
	require.NoError(t, err)
	assert.Equal(t, 1, stats.RetryCount)
	assert.Equal(t, 1, stats.RetrySuccessCount)
}

func TestLedger_SupersededExcludedFromStats(t *testing.T) {
	ctx := context.Background()
	l := NewLedger()
	d, a := retryDecision("run-1", 0, "att-1")
	require.NoError(t, l.RecordDecision(ctx, d, a))

	_, err := l.RecordOutcome(ctx, "att-1", domain.AttemptOutcomeSuperseded, time.Now())
	require.NoError(t, err)

	stats, err := l.GetRollingStats(ctx, domain.ErrorTypeTransient, domain.EnvironmentProd)
	require.NoError(t, err)
	assert.Zero(t, stats.RetryCount)
}

func TestLedger_ConcurrentOutcomesNoLostUpdates(t *testing.T) {
	ctx := context.Background()
	l := NewLedger()

	const n = 50
	for i := range n {
		d, a := retryDecision("run-"+string(rune('A'+i)), 0, "att-"+string(rune('A'+i)))
		require.NoError(t, l.RecordDecision(ctx, d, a))
	}

	var wg sync.WaitGroup
	for i := range n {
		wg.Add(1)
		go func(id string, ok bool) {
			defer wg.Done()
			outcome := domain.AttemptOutcomeFailed
			if ok {
				outcome = domain.AttemptOutcomeSucceeded
			}
			_, err := l.RecordOutcome(ctx, id, outcome, time.Now())
			assert.NoError(t, err)
		}("att-"+string(rune('A'+i)), i%2 == 0)
	}
	wg.Wait()

	stats, err := l.GetRollingStats(ctx, domain.ErrorTypeTransient, domain.EnvironmentProd)
	require.NoError(t, err)
	assert.Equal(t, n, stats.RetryCount)
	assert.Equal(t, n/2, stats.RetrySuccessCount)
}

func TestLedger_RunLineage(t *testing.T) {
	ctx := context.Background()
	l := NewLedger()

	root := domain.RunKey{PipelineID: "etl", RunID: "run-1"}
	child := domain.RunKey{PipelineID: "etl", RunID: "run-2"}
	grandchild := domain.RunKey{PipelineID: "etl", RunID: "run-3"}

	require.NoError(t, l.LinkRun(ctx, child, root))
	require.NoError(t, l.LinkRun(ctx, grandchild, child))

	got, err := l.ResolveRun(ctx, grandchild)
	require.NoError(t, err)
	assert.Equal(t, root, got)

	got, err = l.ResolveRun(ctx, root)
	require.NoError(t, err)
	assert.Equal(t, root, got)

	err = l.LinkRun(ctx, domain.RunKey{PipelineID: "other", RunID: "x"}, root)
	assert.Error(t, err)
}

func TestLedger_PendingAttempts(t *testing.T) {
	ctx := context.Background()
	l := NewLedger()

	d1, a1 := retryDecision("run-1", 0, "att-1")
	d2, a2 := retryDecision("run-2", 0, "att-2")
	a2.ScheduledAt = a1.ScheduledAt.Add(-time.Minute)
	require.NoError(t, l.RecordDecision(ctx, d1, a1))
	require.NoError(t, l.RecordDecision(ctx, d2, a2))

	require.NoError(t, l.MarkExecuting(ctx, "att-1", time.Now()))

	pending, err := l.PendingAttempts(ctx)
	require.NoError(t, err)
	require.Len(t, pending, 2)
	assert.Equal(t, "att-2", pending[0].ID)
	assert.NotNil(t, pending[1].ExecutedAt)

	_, err = l.RecordOutcome(ctx, "att-2", domain.AttemptOutcomeFailed, time.Now())
	require.NoError(t, err)
	pending, err = l.PendingAttempts(ctx)
	require.NoError(t, err)
	assert.Len(t, pending, 1)

	assert.ErrorIs(t, l.MarkExecuting(ctx, "att-2", time.Now()), domain.ErrAttemptFinalized)
}

func TestLedger_RecentDecisions(t *testing.T) {
	ctx := context.Background()
	l := NewLedger()
	for i, run := range []string{"run-1", "run-2", "run-3"} {
		d, _ := retryDecision(run, i, "")
		d.Action = domain.ActionAlert
		d.AttemptRef = ""
		require.NoError(t, l.RecordDecision(ctx, d, nil))
	}

	got, err := l.RecentDecisions(ctx, 2)
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, "run-3", got[0].RunID)
	assert.Equal(t, "run-2", got[1].RunID)

	count, _ := l.GetAttemptCount(ctx, domain.RunKey{PipelineID: "etl", RunID: "run-1"})
	assert.Zero(t, count)
}
