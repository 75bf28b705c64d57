package budget

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/modelrelay/modelrelay/internal/ledger"
)

const spendCacheTTL = 30 * time.Second

type window string

const (
	windowDay   window = "day"
	windowMonth window = "month"
)

type cachedSpend struct {
	amount    float64
	expiresAt time.Time
}

// Enforcer applies spending gates before a task is dispatched. Limits are
// hierarchical: a per-project override replaces the global defaults wholesale
// for that project. Window spend reads go through a short cache so admission
// does not hit the ledger on every request; the cache is invalidated after
// each recorded spend.
type Enforcer struct {
	store    ledger.Store
	defaults Limits

	mu        sync.RWMutex
	overrides map[string]Limits
	cache     map[string]cachedSpend // "<project>|<window>" -> spend

	queueDepth func() int
	nowFunc    func() time.Time
}

// NewEnforcer builds an enforcer with global default limits. queueDepth
// reports the dispatcher's current in-flight count; nil disables the queue
// gate.
func NewEnforcer(store ledger.Store, defaults Limits, queueDepth func() int) *Enforcer {
	if defaults.WarnRatio <= 0 || defaults.WarnRatio >= 1 {
		defaults.WarnRatio = defaultWarnRatio
	}
	return &Enforcer{
		store:      store,
		defaults:   defaults,
		overrides:  make(map[string]Limits),
		cache:      make(map[string]cachedSpend),
		queueDepth: queueDepth,
		nowFunc:    time.Now,
	}
}

// SetNowFunc overrides the clock for tests.
func (e *Enforcer) SetNowFunc(f func() time.Time) { e.nowFunc = f }

// SetOverride installs per-project limits, replacing the defaults for that
// project entirely.
func (e *Enforcer) SetOverride(project string, l Limits) {
	if l.WarnRatio <= 0 || l.WarnRatio >= 1 {
		l.WarnRatio = defaultWarnRatio
	}
	e.mu.Lock()
	e.overrides[project] = l
	e.mu.Unlock()
}

// LimitsFor resolves the effective limits for a project.
func (e *Enforcer) LimitsFor(project string) Limits {
	e.mu.RLock()
	defer e.mu.RUnlock()
	if l, ok := e.overrides[project]; ok {
		return l
	}
	return e.defaults
}

// Check runs every gate against the estimated cost of a prospective task.
// Gate order: queue, per-task, daily, monthly. The first rejecting gate wins;
// a Warn from an earlier window gate survives unless a later gate rejects.
func (e *Enforcer) Check(ctx context.Context, project string, estimatedUSD float64) (Verdict, error) {
	limits := e.LimitsFor(project)

	if e.queueDepth != nil && limits.MaxQueueDepth > 0 {
		if depth := e.queueDepth(); depth >= limits.MaxQueueDepth {
			return Verdict{Outcome: Reject, Gate: GateQueue, LimitUSD: 0}, &ExceededError{
				Gate: GateQueue, ProjectID: project,
				QueueDepth: depth, QueueLimit: limits.MaxQueueDepth,
			}
		}
	}

	if limits.PerTaskUSD > 0 && exceeds(estimatedUSD, limits.PerTaskUSD) {
		return Verdict{Outcome: Reject, Gate: GatePerTask, LimitUSD: limits.PerTaskUSD}, &ExceededError{
			Gate: GatePerTask, ProjectID: project,
			LimitUSD: limits.PerTaskUSD, EstimatedUSD: estimatedUSD,
		}
	}

	verdict := Verdict{Outcome: Admit}

	if limits.DailyUSD > 0 {
		v, err := e.checkWindow(ctx, project, windowDay, limits.DailyUSD, limits.WarnRatio, estimatedUSD)
		if err != nil {
			return Verdict{}, err
		}
		if v.Outcome == Reject {
			return v, &ExceededError{
				Gate: GateDaily, ProjectID: project,
				LimitUSD: limits.DailyUSD, SpentUSD: v.SpentUSD, EstimatedUSD: estimatedUSD,
			}
		}
		if v.Outcome == Warn {
			verdict = v
		}
	}

	if limits.MonthlyUSD > 0 {
		v, err := e.checkWindow(ctx, project, windowMonth, limits.MonthlyUSD, limits.WarnRatio, estimatedUSD)
		if err != nil {
			return Verdict{}, err
		}
		if v.Outcome == Reject {
			return v, &ExceededError{
				Gate: GateMonthly, ProjectID: project,
				LimitUSD: limits.MonthlyUSD, SpentUSD: v.SpentUSD, EstimatedUSD: estimatedUSD,
			}
		}
		if v.Outcome == Warn && verdict.Outcome == Admit {
			verdict = v
		}
	}

	return verdict, nil
}

func (e *Enforcer) checkWindow(ctx context.Context, project string, w window, limit, warnRatio, estimatedUSD float64) (Verdict, error) {
	spent, err := e.windowSpend(ctx, project, w)
	if err != nil {
		return Verdict{}, fmt.Errorf("budget check: %w", err)
	}

	gate := GateDaily
	if w == windowMonth {
		gate = GateMonthly
	}

	projected := spent + estimatedUSD
	if exceeds(projected, limit) {
		return Verdict{Outcome: Reject, Gate: gate, LimitUSD: limit, SpentUSD: spent}, nil
	}
	if projected >= limit*warnRatio {
		return Verdict{Outcome: Warn, Gate: gate, LimitUSD: limit, SpentUSD: spent}, nil
	}
	return Verdict{Outcome: Admit}, nil
}

func (e *Enforcer) windowSpend(ctx context.Context, project string, w window) (float64, error) {
	key := project + "|" + string(w)

	e.mu.RLock()
	if c, ok := e.cache[key]; ok && e.nowFunc().Before(c.expiresAt) {
		e.mu.RUnlock()
		return c.amount, nil
	}
	e.mu.RUnlock()

	var spent float64
	var err error
	switch w {
	case windowDay:
		spent, err = e.store.SpendInCurrentDay(ctx, project)
	case windowMonth:
		spent, err = e.store.SpendInCurrentMonth(ctx, project)
	}
	if err != nil {
		return 0, err
	}

	e.mu.Lock()
	e.cache[key] = cachedSpend{amount: spent, expiresAt: e.nowFunc().Add(spendCacheTTL)}
	e.mu.Unlock()
	return spent, nil
}

// Invalidate drops cached spend for a project. Call after recording a spend
// so the next check reads fresh totals.
func (e *Enforcer) Invalidate(project string) {
	e.mu.Lock()
	delete(e.cache, project+"|"+string(windowDay))
	delete(e.cache, project+"|"+string(windowMonth))
	e.mu.Unlock()
}

// Status is the quota snapshot served by the quotas endpoint.
type Status struct {
	ProjectID       string  `json:"project_id,omitempty"`
	DailySpentUSD   float64 `json:"daily_spent_usd"`
	DailyLimitUSD   float64 `json:"daily_limit_usd,omitempty"`
	MonthlySpentUSD float64 `json:"monthly_spent_usd"`
	MonthlyLimitUSD float64 `json:"monthly_limit_usd,omitempty"`
	DailyPercent    float64 `json:"daily_percent,omitempty"`
	MonthlyPercent  float64 `json:"monthly_percent,omitempty"`
	QueueDepth      int     `json:"queue_depth"`
	MaxQueueDepth   int     `json:"max_queue_depth,omitempty"`
}

// StatusFor reads fresh (uncached) spend totals for the quota endpoint.
func (e *Enforcer) StatusFor(ctx context.Context, project string) (Status, error) {
	limits := e.LimitsFor(project)

	day, err := e.store.SpendInCurrentDay(ctx, project)
	if err != nil {
		return Status{}, fmt.Errorf("quota status: %w", err)
	}
	month, err := e.store.SpendInCurrentMonth(ctx, project)
	if err != nil {
		return Status{}, fmt.Errorf("quota status: %w", err)
	}

	st := Status{
		ProjectID:       project,
		DailySpentUSD:   day,
		DailyLimitUSD:   limits.DailyUSD,
		MonthlySpentUSD: month,
		MonthlyLimitUSD: limits.MonthlyUSD,
		MaxQueueDepth:   limits.MaxQueueDepth,
	}
	if e.queueDepth != nil {
		st.QueueDepth = e.queueDepth()
	}
	if limits.DailyUSD > 0 {
		st.DailyPercent = day / limits.DailyUSD * 100
	}
	if limits.MonthlyUSD > 0 {
		st.MonthlyPercent = month / limits.MonthlyUSD * 100
	}
	return st, nil
}
