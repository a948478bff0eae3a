package worker

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/vietddude/triage/internal/core/domain"
	"github.com/vietddude/triage/internal/triage/orchestrator"
)

// PendingLister lists attempts without a terminal outcome.
type PendingLister interface {
	PendingAttempts(ctx context.Context) ([]*domain.AttemptRecord, error)
}

// Resumer adopts pending attempts.
type Resumer interface {
	Resume(ctx context.Context, attempt domain.AttemptRecord) (orchestrator.ResumeResult, error)
}

// Result counts what one reconcile pass did.
type Result struct {
	Adopted   int
	Finalized int
	Skipped   int
	Failed    int
}

// Reconciler hands attempts the ledger still considers pending to the orchestrator,
// so attempts survive a restart.
type Reconciler struct {
	ledger   PendingLister
	resumer  Resumer
	interval time.Duration
}

// NewReconciler creates a new Reconciler worker.
func NewReconciler(ledger PendingLister, resumer Resumer, interval time.Duration) *Reconciler {
	return &Reconciler{
		ledger:   ledger,
		resumer:  resumer,
		interval: interval,
	}
}

// Start runs the reconcile loop until ctx is done.
func (r *Reconciler) Start(ctx context.Context) {
	if r.interval <= 0 {
		return // Reconciliation disabled
	}

	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	// Initial pass picks up attempts left by the previous process.
	r.Reconcile(ctx)

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.Reconcile(ctx)
		}
	}
}

// Reconcile runs one pass over the attempts the ledger still considers pending.
func (r *Reconciler) Reconcile(ctx context.Context) Result {
	var res Result
	attempts, err := r.ledger.PendingAttempts(ctx)
	if err != nil {
		slog.Error("Reconciler failed to list pending attempts", "error", err)
		return res
	}

	for _, a := range attempts {
		if ctx.Err() != nil {
			break
		}
		outcome, err := r.resumer.Resume(ctx, *a)
		switch {
		case errors.Is(err, domain.ErrRetryAlreadyInFlight):
			res.Skipped++
			slog.Debug("Pending attempt owned elsewhere", "attempt_id", a.ID, "error", err)
		case err != nil:
			res.Failed++
			slog.Error("Failed to resume attempt", "attempt_id", a.ID, "error", err)
		case outcome == orchestrator.ResumeAdopted:
			res.Adopted++
		case outcome == orchestrator.ResumeFinalized:
			res.Finalized++
		default:
			res.Skipped++
		}
	}

	if res.Adopted > 0 || res.Finalized > 0 || res.Failed > 0 {
		slog.Info("Reconciled pending attempts",
			"adopted", res.Adopted,
			"finalized", res.Finalized,
			"skipped", res.Skipped,
			"failed", res.Failed,
		)
	}
	return res
}
