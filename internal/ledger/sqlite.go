package ledger

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "modernc.org/sqlite"
)

// tsFormat is fixed-width so lexicographic comparison in SQL matches
// chronological order (RFC3339Nano trims zeros and would not).
const tsFormat = "2006-01-02T15:04:05.000000000Z"

// SQLite implements Store on modernc.org/sqlite (pure-Go, no CGO).
type SQLite struct {
	db      *sql.DB
	nowFunc func() time.Time
}

// NewSQLite opens or creates the ledger database at the given DSN.
// Use ":memory:" in tests.
func NewSQLite(dsn string) (*SQLite, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	// Enable WAL mode and set busy timeout.
	if _, err := db.Exec("PRAGMA journal_mode=WAL; PRAGMA busy_timeout=5000;"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("sqlite pragmas: %w", err)
	}
	// SQLite only supports one writer at a time. Limit connections to avoid
	// contention and keep a small idle pool for read concurrency.
	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(time.Hour)
	return &SQLite{db: db, nowFunc: time.Now}, nil
}

// DB returns the underlying handle, shared with the API key manager.
func (s *SQLite) DB() *sql.DB { return s.db }

// SetNowFunc overrides the clock for tests.
func (s *SQLite) SetNowFunc(f func() time.Time) { s.nowFunc = f }

func (s *SQLite) Migrate(ctx context.Context) error {
	queries := []string{
		`CREATE TABLE IF NOT EXISTS spend_records (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			ts TEXT NOT NULL,
			day TEXT NOT NULL,
			project_id TEXT NOT NULL DEFAULT '',
			task_id TEXT NOT NULL DEFAULT '',
			tier TEXT NOT NULL,
			model_name TEXT NOT NULL,
			input_tokens INTEGER NOT NULL DEFAULT 0,
			output_tokens INTEGER NOT NULL DEFAULT 0,
			cost_usd REAL NOT NULL DEFAULT 0
		)`,
		`CREATE INDEX IF NOT EXISTS idx_spend_day_project ON spend_records(day, project_id)`,
		`CREATE INDEX IF NOT EXISTS idx_spend_ts ON spend_records(ts)`,
	}
	for _, q := range queries {
		if _, err := s.db.ExecContext(ctx, q); err != nil {
			return fmt.Errorf("migrate: %w", err)
		}
	}
	return nil
}

func (s *SQLite) Close() error { return s.db.Close() }

func (s *SQLite) Record(ctx context.Context, rec SpendRecord) error {
	ts := rec.Timestamp
	if ts.IsZero() {
		ts = s.nowFunc()
	}
	ts = ts.UTC()
	cost := RoundUSD(rec.CostUSD)
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO spend_records (ts, day, project_id, task_id, tier, model_name, input_tokens, output_tokens, cost_usd)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		ts.Format(tsFormat), ts.Format("2006-01-02"),
		rec.ProjectID, rec.TaskID, rec.Tier, rec.ModelName,
		rec.InputTokens, rec.OutputTokens, cost)
	if err != nil {
		return fmt.Errorf("record spend: %w", err)
	}
	return nil
}

func (s *SQLite) SpendSince(ctx context.Context, project string, since time.Time) (float64, error) {
	q := `SELECT COALESCE(SUM(cost_usd), 0) FROM spend_records WHERE ts >= ?`
	args := []any{since.UTC().Format(tsFormat)}
	if project != "" {
		q += ` AND project_id = ?`
		args = append(args, project)
	}
	var total float64
	if err := s.db.QueryRowContext(ctx, q, args...).Scan(&total); err != nil {
		return 0, fmt.Errorf("sum spend: %w", err)
	}
	return RoundUSD(total), nil
}

func (s *SQLite) SpendInCurrentDay(ctx context.Context, project string) (float64, error) {
	return s.SpendSince(ctx, project, DayStartUTC(s.nowFunc()))
}

func (s *SQLite) SpendInCurrentMonth(ctx context.Context, project string) (float64, error) {
	return s.SpendSince(ctx, project, MonthStartUTC(s.nowFunc()))
}

func (s *SQLite) RecentRecords(ctx context.Context, project string, limit int) ([]SpendRecord, error) {
	if limit <= 0 {
		limit = 100
	}
	q := `SELECT id, ts, project_id, task_id, tier, model_name, input_tokens, output_tokens, cost_usd
	      FROM spend_records`
	args := []any{}
	if project != "" {
		q += ` WHERE project_id = ?`
		args = append(args, project)
	}
	q += ` ORDER BY id DESC LIMIT ?`
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var out []SpendRecord
	for rows.Next() {
		var rec SpendRecord
		var ts string
		if err := rows.Scan(&rec.ID, &ts, &rec.ProjectID, &rec.TaskID, &rec.Tier,
			&rec.ModelName, &rec.InputTokens, &rec.OutputTokens, &rec.CostUSD); err != nil {
			return nil, err
		}
		rec.Timestamp, err = time.Parse(tsFormat, ts)
		if err != nil {
			return nil, fmt.Errorf("parse record timestamp: %w", err)
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}
