package budget

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/modelrelay/modelrelay/internal/ledger"
)

func newTestLedger(t *testing.T) *ledger.SQLite {
	t.Helper()
	s, err := ledger.NewSQLite(":memory:")
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	if err := s.Migrate(context.Background()); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	return s
}

func record(t *testing.T, s *ledger.SQLite, project string, cost float64) {
	t.Helper()
	err := s.Record(context.Background(), ledger.SpendRecord{
		Timestamp: time.Now().UTC(), ProjectID: project,
		Tier: "standard", ModelName: "relay-core", CostUSD: cost,
	})
	if err != nil {
		t.Fatal(err)
	}
}

func TestCheckAdmitsUnderAllGates(t *testing.T) {
	s := newTestLedger(t)
	e := NewEnforcer(s, Limits{PerTaskUSD: 1, DailyUSD: 10, MonthlyUSD: 100}, nil)

	v, err := e.Check(context.Background(), "p", 0.05)
	if err != nil {
		t.Fatal(err)
	}
	if v.Outcome != Admit {
		t.Errorf("outcome = %s, want admit", v.Outcome)
	}
}

func TestCheckRejectsPerTask(t *testing.T) {
	s := newTestLedger(t)
	e := NewEnforcer(s, Limits{PerTaskUSD: 0.50}, nil)

	v, err := e.Check(context.Background(), "p", 0.75)
	if v.Outcome != Reject || v.Gate != GatePerTask {
		t.Errorf("verdict = %+v", v)
	}
	var ee *ExceededError
	if !errors.As(err, &ee) {
		t.Fatalf("err = %v, want ExceededError", err)
	}
	if ee.Gate != GatePerTask || ee.LimitUSD != 0.50 {
		t.Errorf("error detail = %+v", ee)
	}
}

func TestCheckRejectsDaily(t *testing.T) {
	s := newTestLedger(t)
	record(t, s, "p", 9.80)
	e := NewEnforcer(s, Limits{DailyUSD: 10}, nil)

	v, err := e.Check(context.Background(), "p", 0.50)
	if v.Outcome != Reject || v.Gate != GateDaily {
		t.Errorf("verdict = %+v", v)
	}
	var ee *ExceededError
	if !errors.As(err, &ee) {
		t.Fatalf("err = %v", err)
	}
	if ee.Gate != GateDaily || ee.SpentUSD != 9.80 {
		t.Errorf("error detail = %+v", ee)
	}
}

func TestCheckRejectsMonthly(t *testing.T) {
	s := newTestLedger(t)
	record(t, s, "p", 99.99)
	e := NewEnforcer(s, Limits{MonthlyUSD: 100}, nil)

	v, err := e.Check(context.Background(), "p", 0.50)
	if v.Outcome != Reject || v.Gate != GateMonthly {
		t.Errorf("verdict = %+v", v)
	}
	if err == nil {
		t.Fatal("expected ExceededError")
	}
}

func TestCheckWarnsNearDailyLimit(t *testing.T) {
	s := newTestLedger(t)
	record(t, s, "p", 8.00)
	e := NewEnforcer(s, Limits{DailyUSD: 10}, nil) // warn at 80%

	v, err := e.Check(context.Background(), "p", 0.10)
	if err != nil {
		t.Fatal(err)
	}
	if v.Outcome != Warn || v.Gate != GateDaily {
		t.Errorf("verdict = %+v, want warn on daily gate", v)
	}
}

func TestCheckQueueGate(t *testing.T) {
	s := newTestLedger(t)
	depth := 5
	e := NewEnforcer(s, Limits{MaxQueueDepth: 5}, func() int { return depth })

	v, err := e.Check(context.Background(), "p", 0.01)
	if v.Outcome != Reject || v.Gate != GateQueue {
		t.Errorf("verdict = %+v", v)
	}
	var ee *ExceededError
	if !errors.As(err, &ee) || ee.QueueDepth != 5 || ee.QueueLimit != 5 {
		t.Errorf("error = %v", err)
	}

	depth = 4
	if v, err := e.Check(context.Background(), "p", 0.01); err != nil || v.Outcome != Admit {
		t.Errorf("below limit: verdict=%+v err=%v", v, err)
	}
}

func TestZeroLimitsAreUnlimited(t *testing.T) {
	s := newTestLedger(t)
	record(t, s, "p", 1000)
	e := NewEnforcer(s, Limits{}, func() int { return 100000 })

	v, err := e.Check(context.Background(), "p", 500)
	if err != nil || v.Outcome != Admit {
		t.Errorf("verdict=%+v err=%v, want unconditional admit", v, err)
	}
}

func TestProjectOverrideReplacesDefaults(t *testing.T) {
	s := newTestLedger(t)
	e := NewEnforcer(s, Limits{PerTaskUSD: 1.00}, nil)
	e.SetOverride("tight", Limits{PerTaskUSD: 0.10})

	if v, _ := e.Check(context.Background(), "loose", 0.50); v.Outcome != Admit {
		t.Errorf("default project rejected: %+v", v)
	}
	if v, _ := e.Check(context.Background(), "tight", 0.50); v.Outcome != Reject {
		t.Errorf("override project admitted: %+v", v)
	}
}

func TestSpendCacheAndInvalidate(t *testing.T) {
	s := newTestLedger(t)
	e := NewEnforcer(s, Limits{DailyUSD: 10}, nil)
	ctx := context.Background()

	// Prime the cache with zero spend.
	if v, err := e.Check(ctx, "p", 0.01); err != nil || v.Outcome != Admit {
		t.Fatalf("prime: %+v %v", v, err)
	}

	// New spend is invisible until the cache is invalidated.
	record(t, s, "p", 9.99)
	if v, err := e.Check(ctx, "p", 0.50); err != nil || v.Outcome != Admit {
		t.Fatalf("stale read should admit: %+v %v", v, err)
	}

	e.Invalidate("p")
	if v, _ := e.Check(ctx, "p", 0.50); v.Outcome != Reject {
		t.Errorf("fresh read should reject: %+v", v)
	}
}

func TestSpendCacheExpires(t *testing.T) {
	s := newTestLedger(t)
	e := NewEnforcer(s, Limits{DailyUSD: 10}, nil)
	ctx := context.Background()

	now := time.Now()
	e.SetNowFunc(func() time.Time { return now })

	if _, err := e.Check(ctx, "p", 0.01); err != nil {
		t.Fatal(err)
	}
	record(t, s, "p", 9.99)

	now = now.Add(31 * time.Second)
	if v, _ := e.Check(ctx, "p", 0.50); v.Outcome != Reject {
		t.Errorf("expired cache still served stale spend: %+v", v)
	}
}

func TestStatusFor(t *testing.T) {
	s := newTestLedger(t)
	record(t, s, "p", 2.50)
	e := NewEnforcer(s, Limits{DailyUSD: 10, MonthlyUSD: 100, MaxQueueDepth: 8}, func() int { return 3 })

	st, err := e.StatusFor(context.Background(), "p")
	if err != nil {
		t.Fatal(err)
	}
	if st.DailySpentUSD != 2.50 || st.MonthlySpentUSD != 2.50 {
		t.Errorf("spend = %+v", st)
	}
	if st.DailyPercent != 25 || st.MonthlyPercent != 2.5 {
		t.Errorf("percents = %+v", st)
	}
	if st.QueueDepth != 3 || st.MaxQueueDepth != 8 {
		t.Errorf("queue = %+v", st)
	}
}
