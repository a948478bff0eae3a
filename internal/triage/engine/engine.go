// Package engine turns failure events into decisions.
//
// For each event the engine classifies the failure, applies the guardrail policy to the
// run's attempt history and rolling statistics, hands retries to the orchestrator and
// durably records the decision before returning it. Work is serialized per root run.
package engine

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/oklog/ulid/v2"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/vietddude/triage/internal/core/domain"
	"github.com/vietddude/triage/internal/infra/storage"
	"github.com/vietddude/triage/internal/triage/guardrail"
	"github.com/vietddude/triage/internal/triage/metrics"
	"github.com/vietddude/triage/internal/triage/orchestrator"
)

var tracer = otel.Tracer("github.com/vietddude/triage/internal/triage/engine")

var _ orchestrator.Reporter = (*Engine)(nil)

const DefaultClassificationTimeout = 30 * time.Second

// Decision reasons that do not come from a guardrail rule.
const (
	ReasonClassificationUnavailable = "classification_unavailable"
	ReasonRetryInFlight             = "retry_already_in_flight"
	ReasonRetryUnschedulable        = "retry_unschedulable"
)

// Classifier is the Classification Port.
type Classifier interface {
	Classify(ctx context.Context, ev domain.FailureEvent) (domain.Classification, error)
}

// Notifier is the Notification Port. Notify must not block on delivery.
type Notifier interface {
	Notify(ctx context.Context, n domain.Notification)
}

// Scheduler is the part of the Retry Orchestrator the engine drives.
type Scheduler interface {
	Schedule(ctx context.Context, attempt domain.AttemptRecord) error
	Confirm(attemptID string) error
	Cancel(ctx context.Context, key domain.RunKey) error
	ReportCompletion(attemptID string, succeeded bool) error
	Status(ctx context.Context, key domain.RunKey) orchestrator.RunStatus
}

// Config holds engine settings. It can be replaced at runtime with UpdateConfig.
type Config struct {
	Guardrail             guardrail.Config
	ClassificationTimeout time.Duration
}

// Engine is the Decision Engine.
type Engine struct {
	ledger     storage.Ledger
	classifier Classifier
	scheduler  Scheduler
	notifier   Notifier

	cfg   atomic.Pointer[Config]
	locks *keyLocks
	ids   *idGenerator
	nowFn func() time.Time
}

// New creates an engine.
func New(cfg Config, ledger storage.Ledger, classifier Classifier, scheduler Scheduler, notifier Notifier) *Engine {
	e := &Engine{
		ledger:     ledger,
		classifier: classifier,
		scheduler:  scheduler,
		notifier:   notifier,
		locks:      newKeyLocks(),
		ids:        newIDGenerator(),
		nowFn:      time.Now,
	}
	e.UpdateConfig(cfg)
	return e
}

// UpdateConfig swaps the settings used by subsequent evaluations.
// The guardrail settings are used as given; a zero MaxRetryAttempts means
// every failure escalates.
func (e *Engine) UpdateConfig(cfg Config) {
	if cfg.ClassificationTimeout <= 0 {
		cfg.ClassificationTimeout = DefaultClassificationTimeout
	}
	e.cfg.Store(&cfg)
}

// Config returns the active settings.
func (e *Engine) Config() Config {
	return *e.cfg.Load()
}

// SetClock overrides the time source.
func (e *Engine) SetClock(now func() time.Time) {
	e.nowFn = now
}

// Evaluate produces exactly one durable decision for the event.
//
// It returns domain.ErrDuplicateEvent if the event was already decided and
// domain.ErrLedgerUnavailable if the decision could not be recorded. Classifier
// failures degrade to an alert decision rather than an error.
func (e *Engine) Evaluate(ctx context.Context, ev domain.FailureEvent) (*domain.Decision, error) {
	start := time.Now()
	defer func() { metrics.EvaluateLatency.Observe(time.Since(start).Seconds()) }()

	ctx, span := tracer.Start(ctx, "Engine.Evaluate")
	defer span.End()
	span.SetAttributes(
		attribute.String("pipeline_id", ev.PipelineID),
		attribute.String("run_id", ev.RunID),
		attribute.Int("occurrence_index", ev.OccurrenceIndex),
	)

	d, err := e.evaluate(ctx, ev)
	if err != nil {
		if !errors.Is(err, domain.ErrDuplicateEvent) {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		return nil, err
	}
	span.SetAttributes(attribute.String("action", string(d.Action)))
	return d, nil
}

func (e *Engine) evaluate(ctx context.Context, ev domain.FailureEvent) (*domain.Decision, error) {
	if err := ev.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %w", domain.ErrInvalidEvent, err)
	}
	cfg := e.Config()

	key := domain.RunKey{PipelineID: ev.PipelineID, RunID: ev.RunID}
	if ev.ParentRunID != "" && ev.ParentRunID != ev.RunID {
		parent := domain.RunKey{PipelineID: ev.PipelineID, RunID: ev.ParentRunID}
		if err := e.ledger.LinkRun(ctx, key, parent); err != nil {
			return nil, ledgerError("link_run", err)
		}
	}
	root, err := e.ledger.ResolveRun(ctx, key)
	if err != nil {
		return nil, ledgerError("resolve_run", err)
	}

	unlock := e.locks.Lock(root.String())
	defer unlock()

	dup, err := e.ledger.HasDecision(ctx, ev.Key())
	if err != nil {
		return nil, ledgerError("has_decision", err)
	}
	if dup {
		metrics.DuplicateEventsTotal.Inc()
		slog.Info("Duplicate failure event ignored", "event", ev.Key().String())
		return nil, fmt.Errorf("%w: %s", domain.ErrDuplicateEvent, ev.Key())
	}

	now := e.nowFn()
	d := &domain.Decision{
		ID:              e.ids.New(now),
		PipelineID:      ev.PipelineID,
		RunID:           ev.RunID,
		RootRunID:       root.RunID,
		OccurrenceIndex: ev.OccurrenceIndex,
		Environment:     ev.Environment,
		DecidedAt:       now,
	}

	var attempt *domain.AttemptRecord
	cls, err := e.classify(ctx, ev, cfg.ClassificationTimeout)
	if err != nil {
		metrics.ClassificationFailuresTotal.Inc()
		slog.Warn("Classification unavailable, alerting",
			"pipeline_id", ev.PipelineID,
			"run_id", ev.RunID,
			"error", err,
		)
		d.Action = domain.ActionAlert
		d.Reason = ReasonClassificationUnavailable
		d.Classification = domain.UnknownClassification(err.Error())
		d.Threshold = guardrail.EffectiveThreshold(cfg.Guardrail.ConfidenceThreshold, domain.RollingStats{})
	} else {
		count, err := e.ledger.GetAttemptCount(ctx, root)
		if err != nil {
			return nil, ledgerError("get_attempt_count", err)
		}
		stats, err := e.ledger.GetRollingStats(ctx, cls.ErrorType, ev.Environment)
		if err != nil {
			return nil, ledgerError("get_rolling_stats", err)
		}

		v := guardrail.Decide(cfg.Guardrail, guardrail.Input{
			Classification: cls,
			AttemptCount:   count,
			Stats:          stats,
		})
		metrics.EffectiveThreshold.WithLabelValues(string(cls.ErrorType), string(ev.Environment)).Set(float64(v.Threshold))

		d.Action = v.Action
		d.Reason = v.Rule
		d.Threshold = v.Threshold
		d.Classification = cls

		if v.Action == domain.ActionRetry {
			a := domain.AttemptRecord{
				ID:            uuid.NewString(),
				Key:           root,
				AttemptNumber: count + 1,
				Delay:         v.Delay,
				ScheduledAt:   now,
				Outcome:       domain.AttemptOutcomePending,
				ErrorType:     cls.ErrorType,
				Environment:   ev.Environment,
			}
			switch err := e.scheduler.Schedule(ctx, a); {
			case err == nil:
				attempt = &a
				d.AttemptRef = a.ID
			case errors.Is(err, domain.ErrRetryAlreadyInFlight):
				slog.Info("Retry already in flight, no action",
					"pipeline_id", root.PipelineID,
					"run_id", root.RunID,
				)
				d.Action = domain.ActionNoAction
				d.Reason = ReasonRetryInFlight
			default:
				slog.Error("Retry could not be scheduled, alerting",
					"pipeline_id", root.PipelineID,
					"run_id", root.RunID,
					"error", err,
				)
				d.Action = domain.ActionAlert
				d.Reason = ReasonRetryUnschedulable
			}
		}
	}

	if err := e.ledger.RecordDecision(ctx, d, attempt); err != nil {
		if attempt != nil {
			if cerr := e.scheduler.Cancel(ctx, root); cerr != nil {
				slog.Error("Failed to drop unrecorded attempt", "attempt_id", attempt.ID, "error", cerr)
			}
		}
		if errors.Is(err, domain.ErrDuplicateEvent) {
			metrics.DuplicateEventsTotal.Inc()
			return nil, err
		}
		return nil, ledgerError("record_decision", err)
	}

	if attempt != nil {
		if err := e.scheduler.Confirm(attempt.ID); err != nil {
			// Cancelled between Schedule and Confirm; the attempt will never run.
			slog.Warn("Attempt cancelled before confirmation", "attempt_id", attempt.ID, "error", err)
			if _, err := e.ledger.RecordOutcome(ctx, attempt.ID, domain.AttemptOutcomeSuperseded, e.nowFn()); err != nil {
				slog.Error("Failed to supersede attempt", "attempt_id", attempt.ID, "error", err)
			}
		}
	}

	metrics.DecisionsTotal.WithLabelValues(string(d.Environment), string(d.Action), d.Reason).Inc()
	slog.Info("Decision recorded",
		"decision_id", d.ID,
		"pipeline_id", d.PipelineID,
		"run_id", d.RunID,
		"root_run_id", d.RootRunID,
		"action", d.Action,
		"reason", d.Reason,
		"error_type", d.Classification.ErrorType,
		"confidence", d.Classification.Confidence,
		"threshold", d.Threshold,
		"attempt_id", d.AttemptRef,
	)

	if d.Action.Notifiable() && e.notifier != nil {
		e.notifier.Notify(ctx, domain.NotificationFor(d, ev))
	}
	return d, nil
}

// classify calls the classifier bounded by timeout, even if it ignores its context.
func (e *Engine) classify(
	ctx context.Context,
	ev domain.FailureEvent,
	timeout time.Duration,
) (domain.Classification, error) {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	type result struct {
		c   domain.Classification
		err error
	}
	ch := make(chan result, 1)
	go func() {
		c, err := e.classifier.Classify(ctx, ev)
		ch <- result{c, err}
	}()

	select {
	case r := <-ch:
		if r.err != nil {
			return domain.Classification{}, fmt.Errorf("%w: %w", domain.ErrClassificationUnavailable, r.err)
		}
		if err := r.c.Validate(); err != nil {
			return domain.Classification{}, fmt.Errorf("%w: %w", domain.ErrClassificationUnavailable, err)
		}
		return r.c, nil
	case <-ctx.Done():
		return domain.Classification{}, fmt.Errorf("%w: %w", domain.ErrClassificationUnavailable, ctx.Err())
	}
}

// ReportCompletion records the execution collaborator's completion report. Attempts not
// tracked by this process's orchestrator are finalized directly in the ledger.
func (e *Engine) ReportCompletion(ctx context.Context, attemptID string, succeeded bool) error {
	err := e.scheduler.ReportCompletion(attemptID, succeeded)
	if err == nil || !errors.Is(err, domain.ErrAttemptNotFound) {
		return err
	}

	a, err := e.ledger.GetAttempt(ctx, attemptID)
	if err != nil {
		if errors.Is(err, domain.ErrAttemptNotFound) {
			return err
		}
		return ledgerError("get_attempt", err)
	}
	if a.Outcome.Terminal() {
		return fmt.Errorf("%w: %s is %s", domain.ErrAttemptFinalized, attemptID, a.Outcome)
	}
	if a.ExecutedAt == nil {
		return fmt.Errorf("%w: attempt %s has not executed", domain.ErrInvalidTransition, attemptID)
	}

	outcome := domain.AttemptOutcomeFailed
	if succeeded {
		outcome = domain.AttemptOutcomeSucceeded
	}
	return e.AttemptFinished(ctx, *a, outcome, e.nowFn())
}

// CancelRetry cancels the pending retry of a run or any run in its lineage.
func (e *Engine) CancelRetry(ctx context.Context, key domain.RunKey) error {
	root, err := e.ledger.ResolveRun(ctx, key)
	if err != nil {
		return ledgerError("resolve_run", err)
	}
	return e.scheduler.Cancel(ctx, root)
}

// RunStatus returns the retry state of a run's lineage.
func (e *Engine) RunStatus(ctx context.Context, key domain.RunKey) (orchestrator.RunStatus, error) {
	root, err := e.ledger.ResolveRun(ctx, key)
	if err != nil {
		return orchestrator.RunStatus{}, ledgerError("resolve_run", err)
	}
	return e.scheduler.Status(ctx, root), nil
}

// Stats returns the rolling statistics and the confidence threshold they currently produce.
func (e *Engine) Stats(
	ctx context.Context,
	errorType domain.ErrorType,
	env domain.Environment,
) (domain.RollingStats, int, error) {
	stats, err := e.ledger.GetRollingStats(ctx, errorType, env)
	if err != nil {
		return domain.RollingStats{}, 0, ledgerError("get_rolling_stats", err)
	}
	return stats, guardrail.EffectiveThreshold(e.Config().Guardrail.ConfidenceThreshold, stats), nil
}

// AttemptExecuting implements orchestrator.Reporter.
func (e *Engine) AttemptExecuting(ctx context.Context, a domain.AttemptRecord, at time.Time) error {
	if err := e.ledger.MarkExecuting(ctx, a.ID, at); err != nil {
		return ledgerError("mark_executing", err)
	}
	return nil
}

// RunTriggered implements orchestrator.Reporter. The new run inherits the attempt's root.
func (e *Engine) RunTriggered(ctx context.Context, a domain.AttemptRecord, runID string) error {
	child := domain.RunKey{PipelineID: a.Key.PipelineID, RunID: runID}
	if err := e.ledger.LinkRun(ctx, child, a.Key); err != nil {
		return ledgerError("link_run", err)
	}
	return nil
}

// AttemptFinished implements orchestrator.Reporter. A failed or timed out attempt that
// used up the attempt budget is escalated.
func (e *Engine) AttemptFinished(
	ctx context.Context,
	a domain.AttemptRecord,
	outcome domain.AttemptOutcome,
	at time.Time,
) error {
	rec, err := e.ledger.RecordOutcome(ctx, a.ID, outcome, at)
	if err != nil {
		if errors.Is(err, domain.ErrAttemptFinalized) || errors.Is(err, domain.ErrAttemptNotFound) {
			return err
		}
		return ledgerError("record_outcome", err)
	}

	slog.Info("Attempt outcome recorded",
		"attempt_id", rec.ID,
		"pipeline_id", rec.Key.PipelineID,
		"run_id", rec.Key.RunID,
		"attempt_number", rec.AttemptNumber,
		"outcome", outcome,
	)

	exhausted := rec.AttemptNumber >= e.Config().Guardrail.MaxRetryAttempts
	if exhausted && (outcome == domain.AttemptOutcomeFailed || outcome == domain.AttemptOutcomeTimedOut) && e.notifier != nil {
		e.notifier.Notify(ctx, domain.Notification{
			AttemptID:   rec.ID,
			PipelineID:  rec.Key.PipelineID,
			RunID:       rec.Key.RunID,
			Environment: rec.Environment,
			Action:      domain.ActionEscalate,
			Reason:      fmt.Sprintf("%s: attempt %d %s", guardrail.RuleAttemptsExhausted, rec.AttemptNumber, outcome),
			Classification: domain.Classification{
				ErrorType: rec.ErrorType,
				Severity:  domain.SeverityHigh,
			},
			CreatedAt: at,
		})
	}
	return nil
}

func ledgerError(op string, err error) error {
	metrics.LedgerErrors.WithLabelValues(op).Inc()
	if errors.Is(err, domain.ErrLedgerUnavailable) {
		return fmt.Errorf("%s: %w", op, err)
	}
	return fmt.Errorf("%w: %s: %w", domain.ErrLedgerUnavailable, op, err)
}

type idGenerator struct {
	mu      sync.Mutex
	entropy *ulid.MonotonicEntropy
}

func newIDGenerator() *idGenerator {
	return &idGenerator{entropy: ulid.Monotonic(rand.Reader, 0)}
}

func (g *idGenerator) New(t time.Time) string {
	g.mu.Lock()
	defer g.mu.Unlock()
	return ulid.MustNew(ulid.Timestamp(t), g.entropy).String()
}
