package ledger

import (
	"context"
	"math"
	"time"
)

// SpendRecord is one completed upstream call, priced at actual token usage.
// Records are append-only: nothing updates or deletes them.
type SpendRecord struct {
	ID           int64     `json:"id"`
	Timestamp    time.Time `json:"timestamp"`
	ProjectID    string    `json:"project_id"`
	TaskID       string    `json:"task_id"`
	Tier         string    `json:"tier"`
	ModelName    string    `json:"model_name"`
	InputTokens  int       `json:"input_tokens"`
	OutputTokens int       `json:"output_tokens"`
	CostUSD      float64   `json:"cost_usd"`
}

// Store is the persistence interface for the cost ledger. project == ""
// aggregates across all projects.
type Store interface {
	// Record appends a spend record. Failure to record is a hard error:
	// callers must not swallow it, or enforcement drifts from reality.
	Record(ctx context.Context, rec SpendRecord) error

	// SpendSince sums cost over records with Timestamp >= since.
	SpendSince(ctx context.Context, project string, since time.Time) (float64, error)

	// SpendInCurrentDay sums cost since midnight UTC.
	SpendInCurrentDay(ctx context.Context, project string) (float64, error)

	// SpendInCurrentMonth sums cost since the first of the month, UTC.
	SpendInCurrentMonth(ctx context.Context, project string) (float64, error)

	// RecentRecords returns the newest records, newest first.
	RecentRecords(ctx context.Context, project string, limit int) ([]SpendRecord, error)

	Migrate(ctx context.Context) error
	Close() error
}

// RoundUSD rounds to two decimal places with bankers' rounding, so repeated
// half-cent costs do not accumulate a systematic upward bias.
func RoundUSD(v float64) float64 {
	return math.RoundToEven(v*100) / 100
}

// Cents converts a USD amount to integer cents for comparisons. Budget
// boundaries are evaluated at fixed two-decimal precision, never on raw
// floats.
func Cents(v float64) int64 {
	return int64(math.RoundToEven(v * 100))
}

// DayStartUTC returns midnight UTC of the day containing t.
func DayStartUTC(t time.Time) time.Time {
	t = t.UTC()
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
}

// MonthStartUTC returns the first instant of the month containing t, UTC.
func MonthStartUTC(t time.Time) time.Time {
	t = t.UTC()
	return time.Date(t.Year(), t.Month(), 1, 0, 0, 0, 0, time.UTC)
}
