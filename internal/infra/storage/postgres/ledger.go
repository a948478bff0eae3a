package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jmoiron/sqlx"

	"github.com/vietddude/triage/internal/core/domain"
	"github.com/vietddude/triage/internal/infra/storage"
)

var _ storage.Ledger = (*Ledger)(nil)

const (
	uniqueViolation         = "23505"
	decisionEventConstraint = "decisions_event_key"
)

// Ledger implements storage.Ledger on PostgreSQL.
type Ledger struct {
	db *DB
}

// NewLedger creates a new PostgreSQL audit ledger.
func NewLedger(db *DB) *Ledger {
	return &Ledger{db: db}
}

type decisionRow struct {
	ID                         string         `db:"id"`
	PipelineID                 string         `db:"pipeline_id"`
	RunID                      string         `db:"run_id"`
	RootRunID                  string         `db:"root_run_id"`
	OccurrenceIndex            int            `db:"occurrence_index"`
	Environment                string         `db:"environment"`
	Action                     string         `db:"action"`
	Reason                     string         `db:"reason"`
	Threshold                  int            `db:"threshold"`
	ErrorType                  string         `db:"error_type"`
	Severity                   string         `db:"severity"`
	Confidence                 int            `db:"confidence"`
	SuggestedRetryDelayMs      int64          `db:"suggested_retry_delay_ms"`
	Rationale                  string         `db:"rationale"`
	RequiresManualIntervention bool           `db:"requires_manual_intervention"`
	AttemptID                  sql.NullString `db:"attempt_id"`
	DecidedAt                  time.Time      `db:"decided_at"`
}

func newDecisionRow(d *domain.Decision) decisionRow {
	return decisionRow{
		ID:                         d.ID,
		PipelineID:                 d.PipelineID,
		RunID:                      d.RunID,
		RootRunID:                  d.RootRunID,
		OccurrenceIndex:            d.OccurrenceIndex,
		Environment:                string(d.Environment),
		Action:                     string(d.Action),
		Reason:                     d.Reason,
		Threshold:                  d.Threshold,
		ErrorType:                  string(d.Classification.ErrorType),
		Severity:                   string(d.Classification.Severity),
		Confidence:                 d.Classification.Confidence,
		SuggestedRetryDelayMs:      d.Classification.SuggestedRetryDelay.Milliseconds(),
		Rationale:                  d.Classification.Rationale,
		RequiresManualIntervention: d.Classification.RequiresManualIntervention,
		AttemptID:                  sql.NullString{String: d.AttemptRef, Valid: d.AttemptRef != ""},
		DecidedAt:                  d.DecidedAt.UTC(),
	}
}

func (r decisionRow) toDomain() *domain.Decision {
	return &domain.Decision{
		ID:              r.ID,
		PipelineID:      r.PipelineID,
		RunID:           r.RunID,
		RootRunID:       r.RootRunID,
		OccurrenceIndex: r.OccurrenceIndex,
		Environment:     domain.Environment(r.Environment),
		Action:          domain.Action(r.Action),
		Reason:          r.Reason,
		Threshold:       r.Threshold,
		Classification: domain.Classification{
			ErrorType:                  domain.ErrorType(r.ErrorType),
			Severity:                   domain.Severity(r.Severity),
			Confidence:                 r.Confidence,
			SuggestedRetryDelay:        time.Duration(r.SuggestedRetryDelayMs) * time.Millisecond,
			Rationale:                  r.Rationale,
			RequiresManualIntervention: r.RequiresManualIntervention,
		},
		AttemptRef: r.AttemptID.String,
		DecidedAt:  r.DecidedAt,
	}
}

type attemptRow struct {
	ID            string       `db:"id"`
	PipelineID    string       `db:"pipeline_id"`
	RunID         string       `db:"run_id"`
	AttemptNumber int          `db:"attempt_number"`
	DelayMs       int64        `db:"delay_ms"`
	ScheduledAt   time.Time    `db:"scheduled_at"`
	ExecutedAt    sql.NullTime `db:"executed_at"`
	CompletedAt   sql.NullTime `db:"completed_at"`
	Outcome       string       `db:"outcome"`
	ErrorType     string       `db:"error_type"`
	Environment   string       `db:"environment"`
}

func newAttemptRow(a *domain.AttemptRecord) attemptRow {
	row := attemptRow{
		ID:            a.ID,
		PipelineID:    a.Key.PipelineID,
		RunID:         a.Key.RunID,
		AttemptNumber: a.AttemptNumber,
		DelayMs:       a.Delay.Milliseconds(),
		ScheduledAt:   a.ScheduledAt.UTC(),
		Outcome:       string(a.Outcome),
		ErrorType:     string(a.ErrorType),
		Environment:   string(a.Environment),
	}
	if row.Outcome == "" {
		row.Outcome = string(domain.AttemptOutcomePending)
	}
	if a.ExecutedAt != nil {
		row.ExecutedAt = sql.NullTime{Time: a.ExecutedAt.UTC(), Valid: true}
	}
	if a.CompletedAt != nil {
		row.CompletedAt = sql.NullTime{Time: a.CompletedAt.UTC(), Valid: true}
	}
	return row
}

func (r attemptRow) toDomain() *domain.AttemptRecord {
	a := &domain.AttemptRecord{
		ID:            r.ID,
		Key:           domain.RunKey{PipelineID: r.PipelineID, RunID: r.RunID},
		AttemptNumber: r.AttemptNumber,
		Delay:         time.Duration(r.DelayMs) * time.Millisecond,
		ScheduledAt:   r.ScheduledAt,
		Outcome:       domain.AttemptOutcome(r.Outcome),
		ErrorType:     domain.ErrorType(r.ErrorType),
		Environment:   domain.Environment(r.Environment),
	}
	if r.ExecutedAt.Valid {
		t := r.ExecutedAt.Time
		a.ExecutedAt = &t
	}
	if r.CompletedAt.Valid {
		t := r.CompletedAt.Time
		a.CompletedAt = &t
	}
	return a
}

const attemptColumns = `id, pipeline_id, run_id, attempt_number, delay_ms, scheduled_at,
	executed_at, completed_at, outcome, error_type, environment`

const decisionColumns = `id, pipeline_id, run_id, root_run_id, occurrence_index, environment,
	action, reason, threshold, error_type, severity, confidence, suggested_retry_delay_ms,
	rationale, requires_manual_intervention, attempt_id, decided_at`

// -----------------------------------------------------------------------------
// Decisions
// -----------------------------------------------------------------------------

// RecordDecision writes the decision, its attempt and the run state in one transaction.
func (l *Ledger) RecordDecision(ctx context.Context, d *domain.Decision, attempt *domain.AttemptRecord) error {
	err := l.db.withUnitOfWork(ctx, func(tx *sqlx.Tx) error {
		// Attempt first so the decision row only commits alongside it.
		if attempt != nil {
			if _, err := tx.NamedExecContext(ctx, `
				INSERT INTO attempts (`+attemptColumns+`)
				VALUES (:id, :pipeline_id, :run_id, :attempt_number, :delay_ms, :scheduled_at,
					:executed_at, :completed_at, :outcome, :error_type, :environment)
			`, newAttemptRow(attempt)); err != nil {
				return err
			}
		}

		if _, err := tx.NamedExecContext(ctx, `
			INSERT INTO decisions (`+decisionColumns+`)
			VALUES (:id, :pipeline_id, :run_id, :root_run_id, :occurrence_index, :environment,
				:action, :reason, :threshold, :error_type, :severity, :confidence, :suggested_retry_delay_ms,
				:rationale, :requires_manual_intervention, :attempt_id, :decided_at)
		`, newDecisionRow(d)); err != nil {
			return err
		}

		increment := 0
		if attempt != nil {
			increment = 1
		}
		_, err := tx.ExecContext(ctx, `
			INSERT INTO run_state (pipeline_id, run_id, attempt_count, last_decision_at)
			VALUES ($1, $2, $3, $4)
			ON CONFLICT (pipeline_id, run_id) DO UPDATE
			SET attempt_count = run_state.attempt_count + EXCLUDED.attempt_count,
			    last_decision_at = EXCLUDED.last_decision_at
		`, d.PipelineID, d.RootRunID, increment, d.DecidedAt.UTC())
		return err
	})
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == uniqueViolation && pgErr.ConstraintName == decisionEventConstraint {
			return fmt.Errorf("%w: %s", domain.ErrDuplicateEvent, d.EventKey())
		}
		return unavailable("record decision", err)
	}
	return nil
}

func (l *Ledger) HasDecision(ctx context.Context, key domain.EventKey) (bool, error) {
	var exists bool
	err := l.db.GetContext(ctx, &exists, `
		SELECT EXISTS (
			SELECT 1 FROM decisions
			WHERE pipeline_id = $1 AND run_id = $2 AND occurrence_index = $3
		)
	`, key.PipelineID, key.RunID, key.OccurrenceIndex)
	if err != nil {
		return false, unavailable("check decision", err)
	}
	return exists, nil
}

// GetDecision returns nil when no decision exists for key.
func (l *Ledger) GetDecision(ctx context.Context, key domain.EventKey) (*domain.Decision, error) {
	var row decisionRow
	err := l.db.GetContext(ctx, &row, `
		SELECT `+decisionColumns+` FROM decisions
		WHERE pipeline_id = $1 AND run_id = $2 AND occurrence_index = $3
	`, key.PipelineID, key.RunID, key.OccurrenceIndex)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, unavailable("get decision", err)
	}
	return row.toDomain(), nil
}

func (l *Ledger) RecentDecisions(ctx context.Context, limit int) ([]*domain.Decision, error) {
	query := `SELECT ` + decisionColumns + ` FROM decisions ORDER BY decided_at DESC, id DESC`
	args := []any{}
	if limit > 0 {
		query += ` LIMIT $1`
		args = append(args, limit)
	}

	var rows []decisionRow
	if err := l.db.SelectContext(ctx, &rows, query, args...); err != nil {
		return nil, unavailable("list decisions", err)
	}
	out := make([]*domain.Decision, 0, len(rows))
	for _, r := range rows {
		out = append(out, r.toDomain())
	}
	return out, nil
}

// -----------------------------------------------------------------------------
// Attempts
// -----------------------------------------------------------------------------

func (l *Ledger) GetAttempt(ctx context.Context, id string) (*domain.AttemptRecord, error) {
	var row attemptRow
	err := l.db.GetContext(ctx, &row, `SELECT `+attemptColumns+` FROM attempts WHERE id = $1`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", domain.ErrAttemptNotFound, id)
	}
	if err != nil {
		return nil, unavailable("get attempt", err)
	}
	return row.toDomain(), nil
}

func (l *Ledger) MarkExecuting(ctx context.Context, id string, at time.Time) error {
	res, err := l.db.ExecContext(ctx, `
		UPDATE attempts SET executed_at = $2
		WHERE id = $1 AND outcome = 'pending'
	`, id, at.UTC())
	if err != nil {
		return unavailable("mark executing", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return unavailable("mark executing", err)
	}
	if n == 1 {
		return nil
	}

	// Distinguish unknown from finalized.
	a, err := l.GetAttempt(ctx, id)
	if err != nil {
		return err
	}
	return fmt.Errorf("%w: %s is %s", domain.ErrAttemptFinalized, id, a.Outcome)
}

// RecordOutcome locks the attempt row so concurrent reports serialize and
// only the first one reaches rolling_stats.
func (l *Ledger) RecordOutcome(
	ctx context.Context,
	id string,
	outcome domain.AttemptOutcome,
	at time.Time,
) (*domain.AttemptRecord, error) {
	if !outcome.Terminal() {
		return nil, fmt.Errorf("outcome %q is not terminal", outcome)
	}

	var result *domain.AttemptRecord
	err := l.db.withUnitOfWork(ctx, func(tx *sqlx.Tx) error {
		var row attemptRow
		err := tx.GetContext(ctx, &row, `SELECT `+attemptColumns+` FROM attempts WHERE id = $1 FOR UPDATE`, id)
		if errors.Is(err, sql.ErrNoRows) {
			return fmt.Errorf("%w: %s", domain.ErrAttemptNotFound, id)
		}
		if err != nil {
			return err
		}
		if domain.AttemptOutcome(row.Outcome).Terminal() {
			return fmt.Errorf("%w: %s is %s", domain.ErrAttemptFinalized, id, row.Outcome)
		}

		if _, err := tx.ExecContext(ctx, `
			UPDATE attempts SET outcome = $2, completed_at = $3 WHERE id = $1
		`, id, string(outcome), at.UTC()); err != nil {
			return err
		}
		row.Outcome = string(outcome)
		row.CompletedAt = sql.NullTime{Time: at.UTC(), Valid: true}

		if outcome.CountsTowardStats() {
			success := 0
			if outcome == domain.AttemptOutcomeSucceeded {
				success = 1
			}
			if _, err := tx.ExecContext(ctx, `
				INSERT INTO rolling_stats (error_type, environment, retry_count, retry_success_count)
				VALUES ($1, $2, 1, $3)
				ON CONFLICT (error_type, environment) DO UPDATE
				SET retry_count = rolling_stats.retry_count + 1,
				    retry_success_count = rolling_stats.retry_success_count + EXCLUDED.retry_success_count
			`, row.ErrorType, row.Environment, success); err != nil {
				return err
			}
		}

		result = row.toDomain()
		return nil
	})
	if err != nil {
		if errors.Is(err, domain.ErrAttemptNotFound) || errors.Is(err, domain.ErrAttemptFinalized) {
			return nil, err
		}
		return nil, unavailable("record outcome", err)
	}
	return result, nil
}

func (l *Ledger) PendingAttempts(ctx context.Context) ([]*domain.AttemptRecord, error) {
	var rows []attemptRow
	err := l.db.SelectContext(ctx, &rows, `
		SELECT `+attemptColumns+` FROM attempts
		WHERE outcome = 'pending'
		ORDER BY scheduled_at ASC
	`)
	if err != nil {
		return nil, unavailable("list pending attempts", err)
	}
	out := make([]*domain.AttemptRecord, 0, len(rows))
	for _, r := range rows {
		out = append(out, r.toDomain())
	}
	return out, nil
}

// -----------------------------------------------------------------------------
// Runs
// -----------------------------------------------------------------------------

func (l *Ledger) GetAttemptCount(ctx context.Context, key domain.RunKey) (int, error) {
	var count int
	err := l.db.GetContext(ctx, &count, `
		SELECT attempt_count FROM run_state WHERE pipeline_id = $1 AND run_id = $2
	`, key.PipelineID, key.RunID)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, nil
	}
	if err != nil {
		return 0, unavailable("get attempt count", err)
	}
	return count, nil
}

func (l *Ledger) GetRunState(ctx context.Context, key domain.RunKey) (*domain.RunState, error) {
	var dest struct {
		AttemptCount   int       `db:"attempt_count"`
		LastDecisionAt time.Time `db:"last_decision_at"`
	}
	err := l.db.GetContext(ctx, &dest, `
		SELECT attempt_count, last_decision_at FROM run_state
		WHERE pipeline_id = $1 AND run_id = $2
	`, key.PipelineID, key.RunID)
	if errors.Is(err, sql.ErrNoRows) {
		return &domain.RunState{Key: key}, nil
	}
	if err != nil {
		return nil, unavailable("get run state", err)
	}
	return &domain.RunState{Key: key, AttemptCount: dest.AttemptCount, LastDecisionAt: dest.LastDecisionAt}, nil
}

func (l *Ledger) ResolveRun(ctx context.Context, key domain.RunKey) (domain.RunKey, error) {
	var root string
	err := l.db.GetContext(ctx, &root, `
		SELECT root_run_id FROM run_links WHERE pipeline_id = $1 AND run_id = $2
	`, key.PipelineID, key.RunID)
	if errors.Is(err, sql.ErrNoRows) {
		return key, nil
	}
	if err != nil {
		return domain.RunKey{}, unavailable("resolve run", err)
	}
	return domain.RunKey{PipelineID: key.PipelineID, RunID: root}, nil
}

// LinkRun is first-writer-wins: an existing link for child is kept.
func (l *Ledger) LinkRun(ctx context.Context, child, parent domain.RunKey) error {
	if child.PipelineID != parent.PipelineID {
		return fmt.Errorf("cannot link run across pipelines: %s -> %s", child, parent)
	}
	root, err := l.ResolveRun(ctx, parent)
	if err != nil {
		return err
	}
	if root == child {
		return nil
	}
	_, err = l.db.ExecContext(ctx, `
		INSERT INTO run_links (pipeline_id, run_id, root_run_id)
		VALUES ($1, $2, $3)
		ON CONFLICT (pipeline_id, run_id) DO NOTHING
	`, child.PipelineID, child.RunID, root.RunID)
	if err != nil {
		return unavailable("link run", err)
	}
	return nil
}

// -----------------------------------------------------------------------------
// Stats
// -----------------------------------------------------------------------------

type statsRow struct {
	ErrorType         string `db:"error_type"`
	Environment       string `db:"environment"`
	RetryCount        int    `db:"retry_count"`
	RetrySuccessCount int    `db:"retry_success_count"`
}

func (r statsRow) toDomain() domain.RollingStats {
	return domain.RollingStats{
		ErrorType:         domain.ErrorType(r.ErrorType),
		Environment:       domain.Environment(r.Environment),
		RetryCount:        r.RetryCount,
		RetrySuccessCount: r.RetrySuccessCount,
	}
}

func (l *Ledger) GetRollingStats(
	ctx context.Context,
	errorType domain.ErrorType,
	env domain.Environment,
) (domain.RollingStats, error) {
	var row statsRow
	err := l.db.GetContext(ctx, &row, `
		SELECT error_type, environment, retry_count, retry_success_count
		FROM rolling_stats WHERE error_type = $1 AND environment = $2
	`, string(errorType), string(env))
	if errors.Is(err, sql.ErrNoRows) {
		return domain.RollingStats{ErrorType: errorType, Environment: env}, nil
	}
	if err != nil {
		return domain.RollingStats{}, unavailable("get rolling stats", err)
	}
	return row.toDomain(), nil
}

func (l *Ledger) ListRollingStats(ctx context.Context) ([]domain.RollingStats, error) {
	var rows []statsRow
	err := l.db.SelectContext(ctx, &rows, `
		SELECT error_type, environment, retry_count, retry_success_count
		FROM rolling_stats ORDER BY error_type, environment
	`)
	if err != nil {
		return nil, unavailable("list rolling stats", err)
	}
	out := make([]domain.RollingStats, 0, len(rows))
	for _, r := range rows {
		out = append(out, r.toDomain())
	}
	return out, nil
}

func (l *Ledger) Health(ctx context.Context) error {
	return l.db.Health(ctx)
}

func unavailable(op string, err error) error {
	return fmt.Errorf("%w: failed to %s: %w", domain.ErrLedgerUnavailable, op, err)
}
