package auth

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

// KeyRecord is a stored API key. The plaintext key is never persisted; only
// its bcrypt hash and a display prefix survive generation.
type KeyRecord struct {
	ID         string     `json:"id"`
	KeyHash    string     `json:"-"`
	KeyPrefix  string     `json:"key_prefix"`
	Name       string     `json:"name"`
	ProjectID  string     `json:"project_id"`
	CreatedAt  time.Time  `json:"created_at"`
	ExpiresAt  *time.Time `json:"expires_at,omitempty"`
	LastUsedAt *time.Time `json:"last_used_at,omitempty"`
	Enabled    bool       `json:"enabled"`
}

// Store persists API keys on a shared SQL handle (the ledger's database).
type Store struct {
	db *sql.DB
}

// NewStore wraps an existing database handle.
func NewStore(db *sql.DB) *Store {
	return &Store{db: db}
}

// Migrate creates the api_keys table.
func (s *Store) Migrate(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS api_keys (
			id           TEXT PRIMARY KEY,
			key_hash     TEXT NOT NULL,
			key_prefix   TEXT NOT NULL,
			name         TEXT NOT NULL DEFAULT '',
			project_id   TEXT NOT NULL DEFAULT '',
			created_at   TEXT NOT NULL,
			expires_at   TEXT,
			last_used_at TEXT,
			enabled      INTEGER NOT NULL DEFAULT 1
		)`)
	if err != nil {
		return fmt.Errorf("migrate api_keys: %w", err)
	}
	return nil
}

// Create inserts a new key record.
func (s *Store) Create(ctx context.Context, rec KeyRecord) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO api_keys (id, key_hash, key_prefix, name, project_id, created_at, expires_at, last_used_at, enabled)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		rec.ID, rec.KeyHash, rec.KeyPrefix, rec.Name, rec.ProjectID,
		rec.CreatedAt.UTC().Format(time.RFC3339Nano),
		nullTime(rec.ExpiresAt), nullTime(rec.LastUsedAt), rec.Enabled)
	if err != nil {
		return fmt.Errorf("create api key: %w", err)
	}
	return nil
}

// Get returns a key record by ID, or nil when absent.
func (s *Store) Get(ctx context.Context, id string) (*KeyRecord, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, key_hash, key_prefix, name, project_id, created_at, expires_at, last_used_at, enabled
		FROM api_keys WHERE id = ?`, id)
	rec, err := scanKey(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get api key: %w", err)
	}
	return rec, nil
}

// List returns all key records, newest first.
func (s *Store) List(ctx context.Context) ([]KeyRecord, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, key_hash, key_prefix, name, project_id, created_at, expires_at, last_used_at, enabled
		FROM api_keys ORDER BY created_at DESC`)
	if err != nil {
		return nil, fmt.Errorf("list api keys: %w", err)
	}
	defer rows.Close()

	var out []KeyRecord
	for rows.Next() {
		rec, err := scanKey(rows)
		if err != nil {
			return nil, fmt.Errorf("list api keys: %w", err)
		}
		out = append(out, *rec)
	}
	return out, rows.Err()
}

// Update rewrites a key record in place.
func (s *Store) Update(ctx context.Context, rec KeyRecord) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE api_keys
		SET key_hash = ?, key_prefix = ?, name = ?, project_id = ?, expires_at = ?, last_used_at = ?, enabled = ?
		WHERE id = ?`,
		rec.KeyHash, rec.KeyPrefix, rec.Name, rec.ProjectID,
		nullTime(rec.ExpiresAt), nullTime(rec.LastUsedAt), rec.Enabled, rec.ID)
	if err != nil {
		return fmt.Errorf("update api key: %w", err)
	}
	return nil
}

// Delete removes a key record.
func (s *Store) Delete(ctx context.Context, id string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM api_keys WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("delete api key: %w", err)
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanKey(row rowScanner) (*KeyRecord, error) {
	var rec KeyRecord
	var created string
	var expires, lastUsed sql.NullString
	if err := row.Scan(&rec.ID, &rec.KeyHash, &rec.KeyPrefix, &rec.Name, &rec.ProjectID,
		&created, &expires, &lastUsed, &rec.Enabled); err != nil {
		return nil, err
	}
	t, err := time.Parse(time.RFC3339Nano, created)
	if err != nil {
		return nil, fmt.Errorf("parse created_at: %w", err)
	}
	rec.CreatedAt = t
	if expires.Valid {
		if t, err := time.Parse(time.RFC3339Nano, expires.String); err == nil {
			rec.ExpiresAt = &t
		}
	}
	if lastUsed.Valid {
		if t, err := time.Parse(time.RFC3339Nano, lastUsed.String); err == nil {
			rec.LastUsedAt = &t
		}
	}
	return &rec, nil
}

func nullTime(t *time.Time) any {
	if t == nil {
		return nil
	}
	return t.UTC().Format(time.RFC3339Nano)
}
