// Package orchestrator executes retry attempts with at most one attempt in flight per run.
//
// Each attempt moves through Idle -> Scheduled -> Executing -> terminal. Scheduling is two-phase:
// Schedule reserves the run and arms the attempt, Confirm releases it for execution once the
// decision that created it is durable. An unconfirmed attempt never executes.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/vietddude/triage/internal/core/domain"
	"github.com/vietddude/triage/internal/triage/metrics"
)

var tracer = otel.Tracer("github.com/vietddude/triage/internal/triage/orchestrator")

const (
	DefaultExecutionTimeout = 15 * time.Minute

	// guardMargin pads the distributed guard TTL past the attempt's worst-case lifetime.
	guardMargin = time.Minute

	// finishedRetention bounds how long finished attempt ids are remembered.
	finishedRetention = time.Hour
)

// ExecutionRequest is what the execution collaborator receives.
type ExecutionRequest struct {
	AttemptID     string
	PipelineID    string
	RunID         string
	AttemptNumber int
}

// Executor triggers a retry of a pipeline run. It returns once the retry is accepted;
// completion arrives later through ReportCompletion. A non-empty run id links the new
// run to the retried one.
type Executor interface {
	Execute(ctx context.Context, req ExecutionRequest) (runID string, err error)
}

// Canceler is implemented by executors that accept best-effort cancellation.
type Canceler interface {
	CancelExecution(ctx context.Context, attemptID string) error
}

// Reporter receives attempt lifecycle updates.
type Reporter interface {
	AttemptExecuting(ctx context.Context, attempt domain.AttemptRecord, at time.Time) error
	RunTriggered(ctx context.Context, attempt domain.AttemptRecord, runID string) error
	AttemptFinished(
		ctx context.Context,
		attempt domain.AttemptRecord,
		outcome domain.AttemptOutcome,
		at time.Time,
	) error
}

// Guard is an optional cross-process in-flight lock.
type Guard interface {
	Acquire(ctx context.Context, key domain.RunKey, attemptID string, ttl time.Duration) (bool, error)
	Release(ctx context.Context, key domain.RunKey, attemptID string) error
}

// HolderLookup is implemented by guards that can name the attempt holding a run.
type HolderLookup interface {
	Holder(ctx context.Context, key domain.RunKey) (string, error)
}

// ResumeResult says what Resume did with a pending attempt.
type ResumeResult int

const (
	// ResumeSkipped: the attempt is already handled here or owned elsewhere.
	ResumeSkipped ResumeResult = iota
	// ResumeAdopted: the attempt is now scheduled or awaited by this process.
	ResumeAdopted
	// ResumeFinalized: an outcome that could not be recorded earlier was recorded.
	ResumeFinalized
)

func (r ResumeResult) String() string {
	switch r {
	case ResumeAdopted:
		return "adopted"
	case ResumeFinalized:
		return "finalized"
	default:
		return "skipped"
	}
}

// RunStatus is the retry activity of a run.
type RunStatus struct {
	State     State
	AttemptID string // attempt tracked by this process, if any
	Holder    string // attempt holding the distributed guard, if known
}

// Config holds orchestrator settings.
type Config struct {
	ExecutionTimeout time.Duration
	ReportBackoff    RetryStrategy
}

// unreportedOutcome is a terminal outcome the reporter has not accepted yet.
type unreportedOutcome struct {
	attempt domain.AttemptRecord
	outcome domain.AttemptOutcome
	at      time.Time
}

type slot struct {
	attempt   domain.AttemptRecord
	state     State
	confirmed bool
	guarded   bool
	reported  bool

	confirmCh chan struct{}
	cancelCh  chan struct{}
	doneCh    chan bool

	// deadline of an adopted executing attempt; zero for attempts executed by this process.
	deadline time.Time
}

// Orchestrator schedules and executes retry attempts.
type Orchestrator struct {
	executor Executor
	reporter Reporter
	guard    Guard
	backoff  RetryStrategy

	execTimeout atomic.Int64
	nowFn       func() time.Time

	mu       sync.Mutex
	slots      map[domain.RunKey]*slot
	attempts   map[string]*slot
	finished   map[string]time.Time
	unreported map[string]unreportedOutcome

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New creates an orchestrator. guard may be nil.
func New(cfg Config, executor Executor, guard Guard) *Orchestrator {
	if cfg.ExecutionTimeout <= 0 {
		cfg.ExecutionTimeout = DefaultExecutionTimeout
	}
	if cfg.ReportBackoff == nil {
		cfg.ReportBackoff = DefaultBackoff()
	}
	ctx, cancel := context.WithCancel(context.Background())
	o := &Orchestrator{
		executor: executor,
		guard:    guard,
		backoff:  cfg.ReportBackoff,
		nowFn:    time.Now,
		slots:      make(map[domain.RunKey]*slot),
		attempts:   make(map[string]*slot),
		finished:   make(map[string]time.Time),
		unreported: make(map[string]unreportedOutcome),
		ctx:        ctx,
		cancel:     cancel,
	}
	o.execTimeout.Store(int64(cfg.ExecutionTimeout))
	return o
}

// SetReporter sets the receiver of attempt updates. Must be called before Schedule.
func (o *Orchestrator) SetReporter(r Reporter) {
	o.reporter = r
}

// SetClock overrides the time source used for timestamps.
func (o *Orchestrator) SetClock(now func() time.Time) {
	o.nowFn = now
}

// SetExecutionTimeout applies to attempts that start executing after the call.
func (o *Orchestrator) SetExecutionTimeout(d time.Duration) {
	if d > 0 {
		o.execTimeout.Store(int64(d))
	}
}

// ExecutionTimeout returns the current execution timeout.
func (o *Orchestrator) ExecutionTimeout() time.Duration {
	return time.Duration(o.execTimeout.Load())
}

// Schedule reserves the attempt's run and arms the attempt. It returns
// domain.ErrRetryAlreadyInFlight if a retry is scheduled or executing for the run.
// The attempt does not execute until Confirm.
func (o *Orchestrator) Schedule(ctx context.Context, attempt domain.AttemptRecord) error {
	s, err := o.reserve(attempt, StateScheduled)
	if err != nil {
		return err
	}

	if o.guard != nil {
		ttl := attempt.Delay + o.ExecutionTimeout() + guardMargin
		ok, err := o.guard.Acquire(ctx, attempt.Key, attempt.ID, ttl)
		switch {
		case err != nil:
			// Local state still enforces the invariant within this process.
			slog.Warn("In-flight guard unavailable, continuing with local guard",
				"pipeline_id", attempt.Key.PipelineID,
				"run_id", attempt.Key.RunID,
				"error", err,
			)
		case !ok:
			o.drop(s)
			metrics.AttemptsRejected.Inc()
			return fmt.Errorf("%w: %s held by another instance", domain.ErrRetryAlreadyInFlight, attempt.Key)
		default:
			o.mu.Lock()
			s.guarded = true
			cancelled := s.state != StateScheduled
			o.mu.Unlock()
			if cancelled {
				o.release(attempt)
				return nil
			}
		}
	}

	metrics.AttemptsScheduled.Inc()
	o.wg.Add(1)
	go o.run(s)
	return nil
}

// Confirm releases a scheduled attempt for execution.
func (o *Orchestrator) Confirm(attemptID string) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	s, ok := o.attempts[attemptID]
	if !ok {
		return fmt.Errorf("%w: %s", domain.ErrAttemptNotFound, attemptID)
	}
	if s.confirmed {
		return nil
	}
	if s.state != StateScheduled {
		return fmt.Errorf("%w: confirm in state %s", domain.ErrInvalidTransition, s.state)
	}
	s.confirmed = true
	close(s.confirmCh)
	return nil
}

// Resume adopts a pending attempt recorded before a restart. Unexecuted attempts wait
// for their remaining delay; executed attempts wait for the rest of their execution timeout.
// An attempt that finished here but whose outcome could not be recorded has that outcome
// recorded again. Attempts already tracked or recently finished are skipped.
func (o *Orchestrator) Resume(ctx context.Context, attempt domain.AttemptRecord) (ResumeResult, error) {
	o.mu.Lock()
	_, tracked := o.attempts[attempt.ID]
	_, done := o.finished[attempt.ID]
	pending, unreported := o.unreported[attempt.ID]
	if unreported {
		delete(o.unreported, attempt.ID)
	}
	o.mu.Unlock()
	if unreported {
		return o.flush(ctx, pending)
	}
	if tracked || done {
		return ResumeSkipped, nil
	}

	state := StateScheduled
	if attempt.ExecutedAt != nil {
		state = StateExecuting
	}
	s, err := o.reserve(attempt, state)
	if err != nil {
		return ResumeSkipped, err
	}

	o.mu.Lock()
	s.confirmed = true
	close(s.confirmCh)
	if attempt.ExecutedAt != nil {
		s.deadline = attempt.ExecutedAt.Add(o.ExecutionTimeout())
	}
	o.mu.Unlock()

	// Another instance may own the attempt. A held key is only adopted after its TTL lapses.
	if o.guard != nil {
		ttl := attempt.Delay + o.ExecutionTimeout() + guardMargin
		ok, err := o.guard.Acquire(ctx, attempt.Key, attempt.ID, ttl)
		switch {
		case err != nil:
			slog.Warn("In-flight guard unavailable, resuming with local guard",
				"attempt_id", attempt.ID,
				"error", err,
			)
		case !ok:
			o.drop(s)
			return ResumeSkipped, fmt.Errorf("%w: %s held by another instance", domain.ErrRetryAlreadyInFlight, attempt.Key)
		default:
			o.mu.Lock()
			s.guarded = true
			o.mu.Unlock()
		}
	}

	slog.Info("Resumed pending attempt",
		"attempt_id", attempt.ID,
		"pipeline_id", attempt.Key.PipelineID,
		"run_id", attempt.Key.RunID,
		"state", state,
	)
	o.wg.Add(1)
	go o.run(s)
	return ResumeAdopted, nil
}

// flush records an outcome the reporter rejected earlier. On failure the outcome is
// kept for the next call.
func (o *Orchestrator) flush(ctx context.Context, u unreportedOutcome) (ResumeResult, error) {
	var err error
	if o.reporter != nil {
		err = o.reporter.AttemptFinished(ctx, u.attempt, u.outcome, u.at)
	}
	o.mu.Lock()
	defer o.mu.Unlock()
	if err != nil && !errors.Is(err, domain.ErrAttemptFinalized) {
		o.unreported[u.attempt.ID] = u
		return ResumeSkipped, fmt.Errorf("record outcome of %s: %w", u.attempt.ID, err)
	}
	o.rememberLocked(u.attempt.ID, o.nowFn())
	metrics.UnreportedOutcomes.Set(float64(len(o.unreported)))
	slog.Info("Recorded deferred attempt outcome",
		"attempt_id", u.attempt.ID,
		"outcome", u.outcome,
	)
	return ResumeFinalized, nil
}
 the retry of a run. An unconfirmed attempt is dropped without an outcome,
// a confirmed scheduled attempt becomes superseded. Once executing, the execution
// collaborator is signalled and domain.ErrCancelNotGuaranteed is returned.
func (o *Orchestrator) Cancel(ctx context.Context, key domain.RunKey) error {
	o.mu.Lock()
	s, ok := o.slots[key]
	if !ok || !s.state.InFlight() {
		o.mu.Unlock()
		return fmt.Errorf("%w: no retry in flight for %s", domain.ErrAttemptNotFound, key)
	}

	if s.state == StateScheduled {
		if s.confirmed {
			s.state = StateSuperseded
		} else {
			s.state = StateIdle
			o.removeLocked(s)
		}
		metrics.InFlightKeys.Dec()
		close(s.cancelCh)
		guarded := s.guarded && s.state == StateIdle
		o.mu.Unlock()
		if guarded {
			o.release(s.attempt)
		}
		return nil
	}

	attemptID := s.attempt.ID
	o.mu.Unlock()

	if c, ok := o.executor.(Canceler); ok {
		o.wg.Add(1)
		go func() {
			defer o.wg.Done()
			cctx, cancel := context.WithTimeout(o.ctx, 30*time.Second)
			defer cancel()
			if err := c.CancelExecution(cctx, attemptID); err != nil {
				slog.Warn("Best-effort cancellation failed", "attempt_id", attemptID, "error", err)
			}
		}()
	}
	return fmt.Errorf("%w: %s", domain.ErrCancelNotGuaranteed, attemptID)
}

// ReportCompletion delivers the execution collaborator's completion report.
func (o *Orchestrator) ReportCompletion(attemptID string, succeeded bool) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	s, ok := o.attempts[attemptID]
	if !ok {
		_, done := o.finished[attemptID]
		_, unreported := o.unreported[attemptID]
		if done || unreported {
			return fmt.Errorf("%w: %s", domain.ErrAttemptFinalized, attemptID)
		}
		return fmt.Errorf("%w: %s", domain.ErrAttemptNotFound, attemptID)
	}
	if s.state.Terminal() || s.reported {
		return fmt.Errorf("%w: %s", domain.ErrAttemptFinalized, attemptID)
	}
	if s.state != StateExecuting {
		return fmt.Errorf("%w: completion in state %s", domain.ErrInvalidTransition, s.state)
	}
	s.reported = true
	s.doneCh <- succeeded
	return nil
}

// State returns the state of a run key.
func (o *Orchestrator) State(key domain.RunKey) State {
	o.mu.Lock()
	defer o.mu.Unlock()
	if s, ok := o.slots[key]; ok {
		return s.state
	}
	return StateIdle
}

// Status returns the retry state of a run key. The distributed holder is filled in when
// the guard supports lookups.
func (o *Orchestrator) Status(ctx context.Context, key domain.RunKey) RunStatus {
	st := RunStatus{State: StateIdle}
	o.mu.Lock()
	if s, ok := o.slots[key]; ok {
		st.State = s.state
		st.AttemptID = s.attempt.ID
	}
	o.mu.Unlock()

	if lookup, ok := o.guard.(HolderLookup); ok {
		holder, err := lookup.Holder(ctx, key)
		if err != nil {
			slog.Warn("Failed to look up in-flight guard holder", "pipeline_id", key.PipelineID, "run_id", key.RunID, "error", err)
		}
		st.Holder = holder
	}
	return st
}

// InFlight returns the number of runs with a retry scheduled or executing.
func (o *Orchestrator) InFlight() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	n := 0
	for _, s := range o.slots {
		if s.state.InFlight() {
			n++
		}
	}
	return n
}

// tracks reports whether the attempt is currently managed by this orchestrator.
func (o *Orchestrator) tracks(attemptID string) bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	_, ok := o.attempts[attemptID]
	return ok
}

// Close stops all attempt goroutines. Attempts still pending stay pending in the ledger.
func (o *Orchestrator) Close() {
	o.cancel()
	o.wg.Wait()
}

func (o *Orchestrator) reserve(attempt domain.AttemptRecord, state State) (*slot, error) {
	o.mu.Lock()
	defer o.mu.Unlock()

	if existing, ok := o.slots[attempt.Key]; ok {
		if existing.state.InFlight() {
			metrics.AttemptsRejected.Inc()
			return nil, fmt.Errorf("%w: %s is %s", domain.ErrRetryAlreadyInFlight, attempt.Key, existing.state)
		}
		if !CanTransition(existing.state, StateScheduled) {
			return nil, fmt.Errorf("%w: %s -> %s", domain.ErrInvalidTransition, existing.state, StateScheduled)
		}
	}

	s := &slot{
		attempt:   attempt,
		state:     state,
		confirmCh: make(chan struct{}),
		cancelCh:  make(chan struct{}),
		doneCh:    make(chan bool, 1),
	}
	o.slots[attempt.Key] = s
	o.attempts[attempt.ID] = s
	metrics.InFlightKeys.Inc()
	return s, nil
}

// drop removes a reserved slot that never started.
func (o *Orchestrator) drop(s *slot) {
	o.mu.Lock()
	defer o.mu.Unlock()
	s.state = StateIdle
	o.removeLocked(s)
	metrics.InFlightKeys.Dec()
}

func (o *Orchestrator) removeLocked(s *slot) {
	if o.slots[s.attempt.Key] == s {
		delete(o.slots, s.attempt.Key)
	}
	delete(o.attempts, s.attempt.ID)
}

func (o *Orchestrator) run(s *slot) {
	defer o.wg.Done()

	o.mu.Lock()
	startState := s.state
	o.mu.Unlock()

	if startState == StateScheduled {
		// Wait for the decision to become durable.
		select {
		case <-s.confirmCh:
		case <-s.cancelCh:
		case <-o.ctx.Done():
			return
		}
		if stop := o.checkCancelled(s); stop {
			return
		}

		wait := s.attempt.DueAt().Sub(o.nowFn())
		timer := time.NewTimer(max(wait, 0))
		select {
		case <-timer.C:
		case <-s.cancelCh:
			timer.Stop()
		case <-o.ctx.Done():
			timer.Stop()
			return
		}

		o.mu.Lock()
		if s.state != StateScheduled {
			o.mu.Unlock()
			o.checkCancelled(s)
			return
		}
		s.state = StateExecuting
		o.mu.Unlock()

		o.execute(s)
		return
	}

	if startState == StateExecuting {
		// Adopted attempt that was already executing before a restart.
		o.await(s, s.deadline)
	}
}

// checkCancelled finishes a superseded slot. It reports whether the goroutine should stop.
func (o *Orchestrator) checkCancelled(s *slot) bool {
	o.mu.Lock()
	state := s.state
	o.mu.Unlock()
	switch state {
	case StateIdle:
		return true
	case StateSuperseded:
		o.finish(s, domain.AttemptOutcomeSuperseded, false)
		return true
	}
	return false
}

func (o *Orchestrator) execute(s *slot) {
	a := s.attempt
	startedAt := o.nowFn()
	deadline := startedAt.Add(o.ExecutionTimeout())

	ctx, span := tracer.Start(o.ctx, "Orchestrator.execute")
	span.SetAttributes(
		attribute.String("pipeline_id", a.Key.PipelineID),
		attribute.String("run_id", a.Key.RunID),
		attribute.String("attempt_id", a.ID),
		attribute.Int("attempt_number", a.AttemptNumber),
	)
	defer span.End()

	if o.reporter != nil {
		if err := o.reporter.AttemptExecuting(ctx, a, startedAt); err != nil {
			slog.Warn("Failed to record attempt execution", "attempt_id", a.ID, "error", err)
		}
	}

	execCtx, cancel := context.WithDeadline(ctx, deadline)
	runID, err := o.executor.Execute(execCtx, ExecutionRequest{
		AttemptID:     a.ID,
		PipelineID:    a.Key.PipelineID,
		RunID:         a.Key.RunID,
		AttemptNumber: a.AttemptNumber,
	})
	cancel()
	if err != nil {
		if o.ctx.Err() != nil {
			return
		}
		metrics.ExecutionErrors.Inc()
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		outcome := domain.AttemptOutcomeFailed
		if errors.Is(err, context.DeadlineExceeded) {
			outcome = domain.AttemptOutcomeTimedOut
		}
		slog.Error("Retry execution failed",
			"attempt_id", a.ID,
			"pipeline_id", a.Key.PipelineID,
			"run_id", a.Key.RunID,
			"error", err,
		)
		o.finish(s, outcome, true)
		return
	}

	if runID != "" && runID != a.Key.RunID && o.reporter != nil {
		if err := o.reporter.RunTriggered(ctx, a, runID); err != nil {
			slog.Warn("Failed to link triggered run", "attempt_id", a.ID, "new_run_id", runID, "error", err)
		}
	}

	o.await(s, deadline)
}

// await waits for a completion report until deadline.
func (o *Orchestrator) await(s *slot, deadline time.Time) {
	timer := time.NewTimer(max(deadline.Sub(o.nowFn()), 0))
	defer timer.Stop()

	select {
	case ok := <-s.doneCh:
		outcome := domain.AttemptOutcomeFailed
		if ok {
			outcome = domain.AttemptOutcomeSucceeded
		}
		o.finish(s, outcome, true)
	case <-timer.C:
		o.mu.Lock()
		// A report that raced the timer wins.
		if s.reported {
			o.mu.Unlock()
			ok := <-s.doneCh
			outcome := domain.AttemptOutcomeFailed
			if ok {
				outcome = domain.AttemptOutcomeSucceeded
			}
			o.finish(s, outcome, true)
			return
		}
		s.reported = true
		o.mu.Unlock()
		slog.Warn("Retry attempt timed out",
			"attempt_id", s.attempt.ID,
			"pipeline_id", s.attempt.Key.PipelineID,
			"run_id", s.attempt.Key.RunID,
		)
		o.finish(s, domain.AttemptOutcomeTimedOut, true)
	case <-o.ctx.Done():
	}
}

// finish moves the slot to its terminal state, reports the outcome and returns the key to Idle.
func (o *Orchestrator) finish(s *slot, outcome domain.AttemptOutcome, leaveInFlight bool) {
	at := o.nowFn()
	o.mu.Lock()
	s.state = stateFor(outcome)
	o.mu.Unlock()
	if leaveInFlight {
		metrics.InFlightKeys.Dec()
	}
	metrics.AttemptOutcomes.WithLabelValues(string(outcome)).Inc()

	recorded := o.report(s.attempt, outcome, at)

	o.mu.Lock()
	o.removeLocked(s)
	if recorded {
		o.rememberLocked(s.attempt.ID, at)
	} else {
		// The ledger still lists the attempt as pending; Resume records the outcome later.
		o.unreported[s.attempt.ID] = unreportedOutcome{attempt: s.attempt, outcome: outcome, at: at}
		metrics.UnreportedOutcomes.Set(float64(len(o.unreported)))
	}
	guarded := s.guarded
	o.mu.Unlock()

	if guarded {
		o.release(s.attempt)
	}
}

// report delivers the outcome with backoff. It returns false if the reporter never accepted it.
func (o *Orchestrator) report(a domain.AttemptRecord, outcome domain.AttemptOutcome, at time.Time) bool {
	if o.reporter == nil {
		return true
	}
	for attempt := 0; ; attempt++ {
		err := o.reporter.AttemptFinished(o.ctx, a, outcome, at)
		if err == nil || errors.Is(err, domain.ErrAttemptFinalized) {
			return true
		}
		if o.ctx.Err() != nil || !o.backoff.ShouldRetry(err, attempt) {
			slog.Error("Giving up reporting attempt outcome",
				"attempt_id", a.ID,
				"outcome", outcome,
				"attempts", attempt+1,
				"error", err,
			)
			return false
		}
		delay := o.backoff.GetDelay(attempt)
		slog.Warn("Outcome report failed, retrying",
			"attempt_id", a.ID,
			"retry_in", delay,
			"error", err,
		)
		select {
		case <-time.After(delay):
		case <-o.ctx.Done():
			return false
		}
	}
}

func (o *Orchestrator) rememberLocked(id string, at time.Time) {
	o.finished[id] = at
	if len(o.finished) < 1024 {
		return
	}
	for k, t := range o.finished {
		if at.Sub(t) > finishedRetention {
			delete(o.finished, k)
		}
	}
}

func (o *Orchestrator) release(a domain.AttemptRecord) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := o.guard.Release(ctx, a.Key, a.ID); err != nil {
		slog.Warn("Failed to release in-flight guard", "attempt_id", a.ID, "error", err)
	}
}
