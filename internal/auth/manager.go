package auth

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"sync"
	"time"

	"golang.org/x/crypto/bcrypt"
)

const (
	// KeyPrefix marks every issued key; middleware rejects tokens without
	// it before touching the database.
	KeyPrefix = "mr_"

	keyRandBytes = 32
	bcryptCost   = 10
	cacheTTL     = 5 * time.Minute
)

// hashForBcrypt pre-hashes a key with SHA-256 to stay within bcrypt's
// 72-byte input limit.
func hashForBcrypt(key string) []byte {
	h := sha256.Sum256([]byte(key))
	return []byte(hex.EncodeToString(h[:]))
}

type cachedKey struct {
	record    *KeyRecord
	expiresAt time.Time
}

// Manager issues, validates, and rotates API keys. Validation results are
// cached briefly so bcrypt does not run on every request.
type Manager struct {
	store *Store

	mu    sync.RWMutex
	cache map[string]cachedKey // plaintext key -> record
}

// NewManager wraps a key store.
func NewManager(s *Store) *Manager {
	return &Manager{
		store: s,
		cache: make(map[string]cachedKey),
	}
}

// Store exposes the underlying key store for listing.
func (m *Manager) Store() *Store { return m.store }

// Generate mints a new key bound to a project and returns the plaintext
// exactly once; only the bcrypt hash is stored.
func (m *Manager) Generate(ctx context.Context, name, projectID string, expiresAt *time.Time) (string, *KeyRecord, error) {
	raw := make([]byte, keyRandBytes)
	if _, err := rand.Read(raw); err != nil {
		return "", nil, fmt.Errorf("generate random: %w", err)
	}
	plaintext := KeyPrefix + hex.EncodeToString(raw)

	hash, err := bcrypt.GenerateFromPassword(hashForBcrypt(plaintext), bcryptCost)
	if err != nil {
		return "", nil, fmt.Errorf("bcrypt hash: %w", err)
	}

	rec := KeyRecord{
		ID:        hex.EncodeToString(raw[:8]),
		KeyHash:   string(hash),
		KeyPrefix: plaintext[:len(KeyPrefix)+8],
		Name:      name,
		ProjectID: projectID,
		CreatedAt: time.Now().UTC(),
		ExpiresAt: expiresAt,
		Enabled:   true,
	}
	if err := m.store.Create(ctx, rec); err != nil {
		return "", nil, err
	}
	return plaintext, &rec, nil
}

// Validate checks a plaintext key and returns its record.
func (m *Manager) Validate(ctx context.Context, key string) (*KeyRecord, error) {
	m.mu.RLock()
	if cached, ok := m.cache[key]; ok && time.Now().Before(cached.expiresAt) {
		m.mu.RUnlock()
		return cached.record, nil
	}
	m.mu.RUnlock()

	keys, err := m.store.List(ctx)
	if err != nil {
		return nil, fmt.Errorf("list keys: %w", err)
	}

	for i := range keys {
		k := &keys[i]
		if !k.Enabled {
			continue
		}
		if err := bcrypt.CompareHashAndPassword([]byte(k.KeyHash), hashForBcrypt(key)); err != nil {
			continue
		}
		if k.ExpiresAt != nil && time.Now().After(*k.ExpiresAt) {
			return nil, errors.New("api key expired")
		}

		now := time.Now().UTC()
		k.LastUsedAt = &now
		_ = m.store.Update(ctx, *k)

		m.mu.Lock()
		m.cache[key] = cachedKey{record: k, expiresAt: time.Now().Add(cacheTTL)}
		m.mu.Unlock()
		return k, nil
	}
	return nil, errors.New("invalid api key")
}

// Rotate replaces a key's secret, keeping its record and project binding.
// Returns the new plaintext exactly once.
func (m *Manager) Rotate(ctx context.Context, id string) (string, error) {
	rec, err := m.store.Get(ctx, id)
	if err != nil {
		return "", err
	}
	if rec == nil {
		return "", errors.New("api key not found")
	}

	raw := make([]byte, keyRandBytes)
	if _, err := rand.Read(raw); err != nil {
		return "", fmt.Errorf("generate random: %w", err)
	}
	plaintext := KeyPrefix + hex.EncodeToString(raw)

	hash, err := bcrypt.GenerateFromPassword(hashForBcrypt(plaintext), bcryptCost)
	if err != nil {
		return "", fmt.Errorf("bcrypt hash: %w", err)
	}
	rec.KeyHash = string(hash)
	rec.KeyPrefix = plaintext[:len(KeyPrefix)+8]
	if err := m.store.Update(ctx, *rec); err != nil {
		return "", err
	}

	m.mu.Lock()
	for k, v := range m.cache {
		if v.record.ID == id {
			delete(m.cache, k)
		}
	}
	m.mu.Unlock()
	return plaintext, nil
}

// Revoke disables a key without deleting its record.
func (m *Manager) Revoke(ctx context.Context, id string) error {
	rec, err := m.store.Get(ctx, id)
	if err != nil {
		return err
	}
	if rec == nil {
		return errors.New("api key not found")
	}
	rec.Enabled = false
	if err := m.store.Update(ctx, *rec); err != nil {
		return err
	}

	m.mu.Lock()
	for k, v := range m.cache {
		if v.record.ID == id {
			delete(m.cache, k)
		}
	}
	m.mu.Unlock()
	return nil
}
