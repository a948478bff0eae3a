package orchestrator

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/vietddude/triage/internal/core/domain"
)

// =============================================================================
// Test doubles
// =============================================================================

type mockExecutor struct {
	calls    chan ExecutionRequest
	err      error
	runID    string
	canceled atomic.Int32
}

func newMockExecutor() *mockExecutor {
	return &mockExecutor{calls: make(chan ExecutionRequest, 16)}
}

func (m *mockExecutor) Execute(ctx context.Context, req ExecutionRequest) (string, error) {
	m.calls <- req
	return m.runID, m.err
}

func (m *mockExecutor) CancelExecution(ctx context.Context, attemptID string) error {
	m.canceled.Add(1)
	return nil
}

type finished struct {
	attemptID string
	outcome   domain.AttemptOutcome
}

type mockReporter struct {
	mu        sync.Mutex
	executing []string
	linked    []string
	failNext  int
	finished  chan finished
	reported  map[string]int
}

func newMockReporter() *mockReporter {
	return &mockReporter{finished: make(chan finished, 16), reported: make(map[string]int)}
}

func (m *mockReporter) AttemptExecuting(ctx context.Context, a domain.AttemptRecord, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.executing = append(m.executing, a.ID)
	return nil
}

func (m *mockReporter) RunTriggered(ctx context.Context, a domain.AttemptRecord, runID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.linked = append(m.linked, runID)
	return nil
}

func (m *mockReporter) AttemptFinished(
	ctx context.Context,
	a domain.AttemptRecord,
	outcome domain.AttemptOutcome,
	at time.Time,
) error {
	m.mu.Lock()
	if m.failNext > 0 {
		m.failNext--
		m.mu.Unlock()
		return domain.ErrLedgerUnavailable
	}
	m.reported[a.ID]++
	m.mu.Unlock()
	m.finished <- finished{attemptID: a.ID, outcome: outcome}
	return nil
}

func (m *mockReporter) count(id string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.reported[id]
}

type mockGuard struct {
	allow bool
	err   error
}

func (g *mockGuard) Acquire(ctx context.Context, key domain.RunKey, id string, ttl time.Duration) (bool, error) {
	return g.allow, g.err
}

func (g *mockGuard) Release(ctx context.Context, key domain.RunKey, id string) error {
	return nil
}

type holderGuard struct {
	holder string
}

func (g *holderGuard) Acquire(ctx context.Context, key domain.RunKey, id string, ttl time.Duration) (bool, error) {
	return true, nil
}

func (g *holderGuard) Release(ctx context.Context, key domain.RunKey, id string) error {
	return nil
}

func (g *holderGuard) Holder(ctx context.Context, key domain.RunKey) (string, error) {
	return g.holder, nil
}

var runKey = domain.RunKey{PipelineID: "etl", RunID: "run-1"}

func newAttempt(id string, delay time.Duration) domain.AttemptRecord {
	return domain.AttemptRecord{
		ID:            id,
		Key:           runKey,
		AttemptNumber: 1,
		Delay:         delay,
		ScheduledAt:   time.Now(),
		Outcome:       domain.AttemptOutcomePending,
		ErrorType:     domain.ErrorTypeTransient,
		Environment:   domain.EnvironmentProd,
	}
}

func newTestOrchestrator(t *testing.T, timeout time.Duration) (*Orchestrator, *mockExecutor, *mockReporter) {
	t.Helper()
	exec := newMockExecutor()
	rep := newMockReporter()
	o := New(Config{
		ExecutionTimeout: timeout,
		ReportBackoff:    &ExponentialBackoff{InitialDelay: time.Millisecond, MaxDelay: 5 * time.Millisecond, MaxAttempts: 5},
	}, exec, nil)
	o.SetReporter(rep)
	return o, exec, rep
}

func waitFinished(t *testing.T, rep *mockReporter) finished {
	t.Helper()
	select {
	case f := <-rep.finished:
		return f
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for outcome")
		return finished{}
	}
}

func waitExecuted(t *testing.T, exec *mockExecutor) ExecutionRequest {
	t.Helper()
	select {
	case req := <-exec.calls:
		return req
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for execution")
		return ExecutionRequest{}
	}
}

func waitIdle(t *testing.T, o *Orchestrator, key domain.RunKey) {
	t.Helper()
	require.Eventually(t, func() bool { return o.State(key) == StateIdle }, 2*time.Second, 5*time.Millisecond)
}

// =============================================================================
// State machine
// =============================================================================

func TestCanTransition(t *testing.T) {
	tests := []struct {
		from, to State
		want     bool
	}{
		{StateIdle, StateScheduled, true},
		{StateIdle, StateExecuting, false},
		{StateScheduled, StateExecuting, true},
		{StateScheduled, StateSuperseded, true},
		{StateScheduled, StateSucceeded, false},
		{StateExecuting, StateTimedOut, true},
		{StateExecuting, StateSuperseded, false},
		{StateExecuting, StateScheduled, false},
		{StateSucceeded, StateScheduled, true},
		{StateTimedOut, StateIdle, true},
	}
	for _, tt := range tests {
		if got := CanTransition(tt.from, tt.to); got != tt.want {
			t.Errorf("CanTransition(%s, %s) = %v, want %v", tt.from, tt.to, got, tt.want)
		}
	}
}

// =============================================================================
// Scheduling
// =============================================================================

func TestSchedule_RejectsWhileInFlight(t *testing.T) {
	defer goleak.VerifyNone(t)
	o, _, _ := newTestOrchestrator(t, time.Minute)
	defer o.Close()

	require.NoError(t, o.Schedule(context.Background(), newAttempt("a1", time.Hour)))
	assert.Equal(t, StateScheduled, o.State(runKey))

	err := o.Schedule(context.Background(), newAttempt("a2", 0))
	assert.ErrorIs(t, err, domain.ErrRetryAlreadyInFlight)
	assert.Equal(t, 1, o.InFlight())
}

func TestSchedule_FullLifecycle(t *testing.T) {
	defer goleak.VerifyNone(t)
	o, exec, rep := newTestOrchestrator(t, time.Minute)
	defer o.Close()
	exec.runID = "run-2"

	require.NoError(t, o.Schedule(context.Background(), newAttempt("a1", 0)))
	require.NoError(t, o.Confirm("a1"))

	req := waitExecuted(t, exec)
	assert.Equal(t, "a1", req.AttemptID)
	assert.Equal(t, "run-1", req.RunID)

	require.Eventually(t, func() bool { return o.State(runKey) == StateExecuting }, time.Second, 5*time.Millisecond)
	assert.ErrorIs(t, o.Schedule(context.Background(), newAttempt("a2", 0)), domain.ErrRetryAlreadyInFlight)

	require.NoError(t, o.ReportCompletion("a1", true))
	f := waitFinished(t, rep)
	assert.Equal(t, domain.AttemptOutcomeSucceeded, f.outcome)
	waitIdle(t, o, runKey)

	assert.ErrorIs(t, o.ReportCompletion("a1", false), domain.ErrAttemptFinalized)
	assert.Equal(t, 1, rep.count("a1"))

	rep.mu.Lock()
	assert.Equal(t, []string{"a1"}, rep.executing)
	assert.Equal(t, []string{"run-2"}, rep.linked)
	rep.mu.Unlock()

	// Terminal key accepts a new schedule.
	require.NoError(t, o.Schedule(context.Background(), newAttempt("a2", time.Hour)))
}

func TestSchedule_UnconfirmedNeverExecutes(t *testing.T) {
	defer goleak.VerifyNone(t)
	o, exec, rep := newTestOrchestrator(t, time.Minute)
	defer o.Close()

	require.NoError(t, o.Schedule(context.Background(), newAttempt("a1", 0)))
	time.Sleep(50 * time.Millisecond)
	assert.Empty(t, exec.calls)

	require.NoError(t, o.Cancel(context.Background(), runKey))
	assert.Equal(t, StateIdle, o.State(runKey))
	assert.ErrorIs(t, o.Confirm("a1"), domain.ErrAttemptNotFound)

	time.Sleep(20 * time.Millisecond)
	assert.Empty(t, rep.finished)
	assert.Empty(t, exec.calls)
}

func TestCancel_ScheduledBecomesSuperseded(t *testing.T) {
	defer goleak.VerifyNone(t)
	o, exec, rep := newTestOrchestrator(t, time.Minute)
	defer o.Close()

	require.NoError(t, o.Schedule(context.Background(), newAttempt("a1", time.Hour)))
	require.NoError(t, o.Confirm("a1"))
	require.NoError(t, o.Cancel(context.Background(), runKey))

	f := waitFinished(t, rep)
	assert.Equal(t, domain.AttemptOutcomeSuperseded, f.outcome)
	waitIdle(t, o, runKey)
	assert.Empty(t, exec.calls)
}

func TestCancel_ExecutingNotGuaranteed(t *testing.T) {
	defer goleak.VerifyNone(t)
	o, exec, rep := newTestOrchestrator(t, time.Minute)
	defer o.Close()

	require.NoError(t, o.Schedule(context.Background(), newAttempt("a1", 0)))
	require.NoError(t, o.Confirm("a1"))
	waitExecuted(t, exec)
	require.Eventually(t, func() bool { return o.State(runKey) == StateExecuting }, time.Second, 5*time.Millisecond)

	err := o.Cancel(context.Background(), runKey)
	assert.ErrorIs(t, err, domain.ErrCancelNotGuaranteed)
	require.Eventually(t, func() bool { return exec.canceled.Load() == 1 }, time.Second, 5*time.Millisecond)

	// Still executing; the completion report decides the outcome.
	require.NoError(t, o.ReportCompletion("a1", false))
	assert.Equal(t, domain.AttemptOutcomeFailed, waitFinished(t, rep).outcome)
}

func TestCancel_IdleKey(t *testing.T) {
	defer goleak.VerifyNone(t)
	o, _, _ := newTestOrchestrator(t, time.Minute)
	defer o.Close()

	assert.ErrorIs(t, o.Cancel(context.Background(), runKey), domain.ErrAttemptNotFound)
}

// =============================================================================
// Timeouts and failures
// =============================================================================

func TestExecution_TimesOut(t *testing.T) {
	defer goleak.VerifyNone(t)
	o, exec, rep := newTestOrchestrator(t, 30*time.Millisecond)
	defer o.Close()

	require.NoError(t, o.Schedule(context.Background(), newAttempt("a1", 0)))
	require.NoError(t, o.Confirm("a1"))
	waitExecuted(t, exec)

	f := waitFinished(t, rep)
	assert.Equal(t, domain.AttemptOutcomeTimedOut, f.outcome)
	waitIdle(t, o, runKey)

	// A late report is rejected and nothing is recorded twice.
	assert.ErrorIs(t, o.ReportCompletion("a1", true), domain.ErrAttemptFinalized)
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, 1, rep.count("a1"))
}

func TestExecution_ExecutorError(t *testing.T) {
	defer goleak.VerifyNone(t)
	o, exec, rep := newTestOrchestrator(t, time.Minute)
	defer o.Close()
	exec.err = errors.New("trigger rejected")

	require.NoError(t, o.Schedule(context.Background(), newAttempt("a1", 0)))
	require.NoError(t, o.Confirm("a1"))

	assert.Equal(t, domain.AttemptOutcomeFailed, waitFinished(t, rep).outcome)
	waitIdle(t, o, runKey)
}

func TestReport_RetriesLedgerFailures(t *testing.T) {
	defer goleak.VerifyNone(t)
	o, exec, rep := newTestOrchestrator(t, time.Minute)
	defer o.Close()
	rep.failNext = 2

	require.NoError(t, o.Schedule(context.Background(), newAttempt("a1", 0)))
	require.NoError(t, o.Confirm("a1"))
	waitExecuted(t, exec)
	require.Eventually(t, func() bool { return o.ReportCompletion("a1", true) == nil }, time.Second, 5*time.Millisecond)

	assert.Equal(t, domain.AttemptOutcomeSucceeded, waitFinished(t, rep).outcome)
	assert.Equal(t, 1, rep.count("a1"))
}

func (o *Orchestrator) hasUnreported(attemptID string) bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	_, ok := o.unreported[attemptID]
	return ok
}

func TestReport_OutcomeKeptUntilLedgerRecovers(t *testing.T) {
	defer goleak.VerifyNone(t)
	o, exec, rep := newTestOrchestrator(t, 30*time.Millisecond)
	defer o.Close()
	rep.failNext = 5 // outlasts the report backoff
	ctx := context.Background()

	a := newAttempt("a1", 0)
	require.NoError(t, o.Schedule(ctx, a))
	require.NoError(t, o.Confirm("a1"))
	waitExecuted(t, exec)

	require.Eventually(t, func() bool { return o.hasUnreported("a1") }, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, StateIdle, o.State(runKey))
	assert.Zero(t, rep.count("a1"))
	assert.ErrorIs(t, o.ReportCompletion("a1", true), domain.ErrAttemptFinalized)

	// Still down: the outcome is kept for the next pass.
	rep.mu.Lock()
	rep.failNext = 1
	rep.mu.Unlock()
	res, err := o.Resume(ctx, a)
	assert.ErrorIs(t, err, domain.ErrLedgerUnavailable)
	assert.Equal(t, ResumeSkipped, res)
	assert.True(t, o.hasUnreported("a1"))

	// Recovered: the real outcome is recorded, not re-adopted.
	res, err = o.Resume(ctx, a)
	require.NoError(t, err)
	assert.Equal(t, ResumeFinalized, res)
	assert.Equal(t, domain.AttemptOutcomeTimedOut, waitFinished(t, rep).outcome)
	assert.Equal(t, 1, rep.count("a1"))
	assert.False(t, o.hasUnreported("a1"))
	assert.Empty(t, exec.calls)

	res, err = o.Resume(ctx, a)
	require.NoError(t, err)
	assert.Equal(t, ResumeSkipped, res)
}

func TestStatus(t *testing.T) {
	defer goleak.VerifyNone(t)
	exec := newMockExecutor()
	o := New(Config{ExecutionTimeout: time.Minute}, exec, &holderGuard{holder: "a1"})
	o.SetReporter(newMockReporter())
	defer o.Close()

	st := o.Status(context.Background(), runKey)
	assert.Equal(t, StateIdle, st.State)
	assert.Empty(t, st.AttemptID)

	require.NoError(t, o.Schedule(context.Background(), newAttempt("a1", time.Hour)))
	st = o.Status(context.Background(), runKey)
	assert.Equal(t, StateScheduled, st.State)
	assert.Equal(t, "a1", st.AttemptID)
	assert.Equal(t, "a1", st.Holder)
}

func TestReportCompletion_BeforeExecution(t *testing.T) {
	defer goleak.VerifyNone(t)
	o, _, _ := newTestOrchestrator(t, time.Minute)
	defer o.Close()

	require.NoError(t, o.Schedule(context.Background(), newAttempt("a1", time.Hour)))
	assert.ErrorIs(t, o.ReportCompletion("a1", true), domain.ErrInvalidTransition)
	assert.ErrorIs(t, o.ReportCompletion("nope", true), domain.ErrAttemptNotFound)
}

// =============================================================================
// Resume and guard
// =============================================================================

func TestResume_ExecutedOrphanTimesOut(t *testing.T) {
	defer goleak.VerifyNone(t)
	o, exec, rep := newTestOrchestrator(t, time.Minute)
	defer o.Close()

	a := newAttempt("a1", 0)
	executed := time.Now().Add(-2 * time.Minute)
	a.ExecutedAt = &executed

	res, err := o.Resume(context.Background(), a)
	require.NoError(t, err)
	assert.Equal(t, ResumeAdopted, res)
	assert.Equal(t, domain.AttemptOutcomeTimedOut, waitFinished(t, rep).outcome)
	assert.Empty(t, exec.calls)
	waitIdle(t, o, runKey)

	// Finished attempts are not adopted again.
	res, err = o.Resume(context.Background(), a)
	require.NoError(t, err)
	assert.Equal(t, ResumeSkipped, res)
	assert.Equal(t, StateIdle, o.State(runKey))
}

func TestResume_UnexecutedRunsWithoutConfirm(t *testing.T) {
	defer goleak.VerifyNone(t)
	o, exec, rep := newTestOrchestrator(t, time.Minute)
	defer o.Close()

	a := newAttempt("a1", time.Second)
	a.ScheduledAt = time.Now().Add(-time.Hour)

	res, err := o.Resume(context.Background(), a)
	require.NoError(t, err)
	assert.Equal(t, ResumeAdopted, res)
	waitExecuted(t, exec)
	require.Eventually(t, func() bool { return o.ReportCompletion("a1", true) == nil }, time.Second, 5*time.Millisecond)
	assert.Equal(t, domain.AttemptOutcomeSucceeded, waitFinished(t, rep).outcome)
}

func TestSchedule_GuardRejects(t *testing.T) {
	defer goleak.VerifyNone(t)
	exec := newMockExecutor()
	o := New(Config{ExecutionTimeout: time.Minute}, exec, &mockGuard{allow: false})
	o.SetReporter(newMockReporter())
	defer o.Close()

	err := o.Schedule(context.Background(), newAttempt("a1", 0))
	assert.ErrorIs(t, err, domain.ErrRetryAlreadyInFlight)
	assert.Equal(t, StateIdle, o.State(runKey))
}

func TestResume_GuardHeldElsewhere(t *testing.T) {
	defer goleak.VerifyNone(t)
	exec := newMockExecutor()
	o := New(Config{ExecutionTimeout: time.Minute}, exec, &mockGuard{allow: false})
	o.SetReporter(newMockReporter())
	defer o.Close()

	res, err := o.Resume(context.Background(), newAttempt("a1", 0))
	assert.ErrorIs(t, err, domain.ErrRetryAlreadyInFlight)
	assert.Equal(t, ResumeSkipped, res)
	assert.False(t, o.tracks("a1"))
	assert.Equal(t, StateIdle, o.State(runKey))
}

func TestSchedule_GuardErrorFallsBackToLocal(t *testing.T) {
	defer goleak.VerifyNone(t)
	exec := newMockExecutor()
	o := New(Config{ExecutionTimeout: time.Minute}, exec, &mockGuard{err: errors.New("connection refused")})
	o.SetReporter(newMockReporter())
	defer o.Close()

	require.NoError(t, o.Schedule(context.Background(), newAttempt("a1", time.Hour)))
	assert.ErrorIs(t, o.Schedule(context.Background(), newAttempt("a2", 0)), domain.ErrRetryAlreadyInFlight)
}

func TestBackoff(t *testing.T) {
	b := DefaultBackoff()
	want := []time.Duration{2 * time.Second, 4 * time.Second, 8 * time.Second, 16 * time.Second, 32 * time.Second, 60 * time.Second}
	for i, w := range want {
		if got := b.GetDelay(i); got != w {
			t.Errorf("GetDelay(%d) = %s, want %s", i, got, w)
		}
	}
	if !b.ShouldRetry(domain.ErrLedgerUnavailable, 0) {
		t.Error("ledger outage should be retried")
	}
	if b.ShouldRetry(domain.ErrAttemptNotFound, 0) {
		t.Error("unknown attempt should not be retried")
	}
	if b.ShouldRetry(domain.ErrLedgerUnavailable, 4) {
		t.Error("should stop after MaxAttempts")
	}
}
