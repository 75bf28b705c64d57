package budget

import (
	"fmt"

	"github.com/modelrelay/modelrelay/internal/ledger"
)

// Gate names the specific limit a check ran against.
type Gate string

const (
	GatePerTask Gate = "per_task"
	GateDaily   Gate = "daily"
	GateMonthly Gate = "monthly"
	GateQueue   Gate = "queue"
)

// Outcome is the admission decision for one prospective task.
type Outcome string

const (
	Admit  Outcome = "admit"
	Warn   Outcome = "warn"
	Reject Outcome = "reject"
)

// Limits holds the spending gates for a scope. A zero or negative value
// disables that gate.
type Limits struct {
	PerTaskUSD    float64 `json:"per_task_usd"`
	DailyUSD      float64 `json:"daily_usd"`
	MonthlyUSD    float64 `json:"monthly_usd"`
	MaxQueueDepth int     `json:"max_queue_depth"`
	WarnRatio     float64 `json:"warn_ratio"` // fraction of a window limit that triggers Warn
}

const defaultWarnRatio = 0.8

// Verdict is the result of a budget check. On Warn and Reject, Gate names
// the limit involved.
type Verdict struct {
	Outcome  Outcome `json:"outcome"`
	Gate     Gate    `json:"gate,omitempty"`
	LimitUSD float64 `json:"limit_usd,omitempty"`
	SpentUSD float64 `json:"spent_usd,omitempty"`
}

// ExceededError is returned when a gate rejects a task. It carries enough
// context for the HTTP layer to explain the refusal.
type ExceededError struct {
	Gate         Gate
	ProjectID    string
	LimitUSD     float64
	SpentUSD     float64
	EstimatedUSD float64
	QueueDepth   int
	QueueLimit   int
}

func (e *ExceededError) Error() string {
	if e.Gate == GateQueue {
		return fmt.Sprintf("budget gate %s: queue depth %d at limit %d", e.Gate, e.QueueDepth, e.QueueLimit)
	}
	return fmt.Sprintf("budget gate %s: limit=$%.2f spent=$%.2f estimated=$%.4f",
		e.Gate, e.LimitUSD, e.SpentUSD, e.EstimatedUSD)
}

// exceeds compares at two-decimal precision so float noise below a cent
// never flips a verdict.
func exceeds(amount, limit float64) bool {
	return ledger.Cents(amount) > ledger.Cents(limit)
}
