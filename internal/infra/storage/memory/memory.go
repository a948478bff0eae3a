package memory

import (
	"cmp"
	"context"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/vietddude/triage/internal/core/domain"
	"github.com/vietddude/triage/internal/infra/storage"
)

var _ storage.Ledger = (*Ledger)(nil)

// Ledger is an in-process audit ledger. Decisions are lost on restart.
type Ledger struct {
	decisions map[domain.EventKey]*domain.Decision
	order     []domain.EventKey
	attempts  map[string]*domain.AttemptRecord
	runs      map[domain.RunKey]*domain.RunState
	links     map[domain.RunKey]domain.RunKey
	stats     map[domain.StatsKey]domain.RollingStats
	mu        sync.RWMutex
}

func NewLedger() *Ledger {
	return &Ledger{
		decisions: make(map[domain.EventKey]*domain.Decision),
		attempts:  make(map[string]*domain.AttemptRecord),
		runs:      make(map[domain.RunKey]*domain.RunState),
		links:     make(map[domain.RunKey]domain.RunKey),
		stats:     make(map[domain.StatsKey]domain.RollingStats),
	}
}

// -----------------------------------------------------------------------------
// Decisions
// -----------------------------------------------------------------------------

func (l *Ledger) RecordDecision(ctx context.Context, d *domain.Decision, attempt *domain.AttemptRecord) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	key := d.EventKey()
	if _, ok := l.decisions[key]; ok {
		return fmt.Errorf("%w: %s", domain.ErrDuplicateEvent, key)
	}
	if attempt != nil {
		if _, ok := l.attempts[attempt.ID]; ok {
			return fmt.Errorf("attempt %s already recorded", attempt.ID)
		}
		a := *attempt
		l.attempts[a.ID] = &a
	}

	dc := *d
	l.decisions[key] = &dc
	l.order = append(l.order, key)

	rk := d.RunKey()
	rs, ok := l.runs[rk]
	if !ok {
		rs = &domain.RunState{Key: rk}
		l.runs[rk] = rs
	}
	if attempt != nil {
		rs.AttemptCount++
	}
	rs.LastDecisionAt = d.DecidedAt
	return nil
}

func (l *Ledger) HasDecision(ctx context.Context, key domain.EventKey) (bool, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	_, ok := l.decisions[key]
	return ok, nil
}

func (l *Ledger) GetDecision(ctx context.Context, key domain.EventKey) (*domain.Decision, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	d, ok := l.decisions[key]
	if !ok {
		return nil, nil
	}
	dc := *d
	return &dc, nil
}

func (l *Ledger) RecentDecisions(ctx context.Context, limit int) ([]*domain.Decision, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	var out []*domain.Decision
	for i := len(l.order) - 1; i >= 0 && (limit <= 0 || len(out) < limit); i-- {
		dc := *l.decisions[l.order[i]]
		out = append(out, &dc)
	}
	return out, nil
}

// -----------------------------------------------------------------------------
// Attempts
// -----------------------------------------------------------------------------

func (l *Ledger) GetAttempt(ctx context.Context, id string) (*domain.AttemptRecord, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	a, ok := l.attempts[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", domain.ErrAttemptNotFound, id)
	}
	return cloneAttempt(a), nil
}

func (l *Ledger) MarkExecuting(ctx context.Context, id string, at time.Time) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	a, ok := l.attempts[id]
	if !ok {
		return fmt.Errorf("%w: %s", domain.ErrAttemptNotFound, id)
	}
	if a.Outcome.Terminal() {
		return fmt.Errorf("%w: %s is %s", domain.ErrAttemptFinalized, id, a.Outcome)
	}
	a.ExecutedAt = &at
	return nil
}

func (l *Ledger) RecordOutcome(
	ctx context.Context,
	id string,
	outcome domain.AttemptOutcome,
	at time.Time,
) (*domain.AttemptRecord, error) {
	if !outcome.Terminal() {
		return nil, fmt.Errorf("outcome %q is not terminal", outcome)
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	a, ok := l.attempts[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", domain.ErrAttemptNotFound, id)
	}
	if a.Outcome.Terminal() {
		return nil, fmt.Errorf("%w: %s is %s", domain.ErrAttemptFinalized, id, a.Outcome)
	}

	a.Outcome = outcome
	a.CompletedAt = &at

	sk := domain.StatsKey{ErrorType: a.ErrorType, Environment: a.Environment}
	s, ok := l.stats[sk]
	if !ok {
		s = domain.RollingStats{ErrorType: a.ErrorType, Environment: a.Environment}
	}
	l.stats[sk] = s.Apply(outcome)

	return cloneAttempt(a), nil
}

func (l *Ledger) PendingAttempts(ctx context.Context) ([]*domain.AttemptRecord, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	var out []*domain.AttemptRecord
	for _, a := range l.attempts {
		if !a.Outcome.Terminal() {
			out = append(out, cloneAttempt(a))
		}
	}
	slices.SortFunc(out, func(a, b *domain.AttemptRecord) int {
		return a.ScheduledAt.Compare(b.ScheduledAt)
	})
	return out, nil
}

// -----------------------------------------------------------------------------
// Runs
// -----------------------------------------------------------------------------

func (l *Ledger) GetAttemptCount(ctx context.Context, key domain.RunKey) (int, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	if rs, ok := l.runs[key]; ok {
		return rs.AttemptCount, nil
	}
	return 0, nil
}

func (l *Ledger) GetRunState(ctx context.Context, key domain.RunKey) (*domain.RunState, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	if rs, ok := l.runs[key]; ok {
		c := *rs
		return &c, nil
	}
	return &domain.RunState{Key: key}, nil
}

func (l *Ledger) ResolveRun(ctx context.Context, key domain.RunKey) (domain.RunKey, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.resolve(key), nil
}

func (l *Ledger) LinkRun(ctx context.Context, child, parent domain.RunKey) error {
	if child.PipelineID != parent.PipelineID {
		return fmt.Errorf("cannot link run across pipelines: %s -> %s", child, parent)
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if _, ok := l.links[child]; ok {
		return nil
	}
	root := l.resolve(parent)
	if root == child {
		return nil
	}
	l.links[child] = root
	return nil
}

func (l *Ledger) resolve(key domain.RunKey) domain.RunKey {
	if root, ok := l.links[key]; ok {
		return root
	}
	return key
}

// -----------------------------------------------------------------------------
// Stats
// -----------------------------------------------------------------------------

func (l *Ledger) GetRollingStats(
	ctx context.Context,
	errorType domain.ErrorType,
	env domain.Environment,
) (domain.RollingStats, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	if s, ok := l.stats[domain.StatsKey{ErrorType: errorType, Environment: env}]; ok {
		return s, nil
	}
	return domain.RollingStats{ErrorType: errorType, Environment: env}, nil
}

func (l *Ledger) ListRollingStats(ctx context.Context) ([]domain.RollingStats, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	out := make([]domain.RollingStats, 0, len(l.stats))
	for _, s := range l.stats {
		out = append(out, s)
	}
	slices.SortFunc(out, func(a, b domain.RollingStats) int {
		return cmp.Or(cmp.Compare(a.ErrorType, b.ErrorType), cmp.Compare(a.Environment, b.Environment))
	})
	return out, nil
}

func (l *Ledger) Health(ctx context.Context) error {
	return nil
}

func cloneAttempt(a *domain.AttemptRecord) *domain.AttemptRecord {
	c := *a
	if a.ExecutedAt != nil {
		t := *a.ExecutedAt
		c.ExecutedAt = &t
	}
	if a.CompletedAt != nil {
		t := *a.CompletedAt
		c.CompletedAt = &t
	}
	return &c
}
