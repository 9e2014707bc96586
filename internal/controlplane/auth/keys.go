// Package auth provides operator API key management and request auth.
package auth

import (
	"crypto/rand"
	"database/sql"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/crypto/bcrypt"
	_ "modernc.org/sqlite"
)

// Permission defines what an API key can do.
type Permission string

const (
	PermFleetRead  Permission = "fleet:read"
	PermFleetWrite Permission = "fleet:write"
	PermSyncExec   Permission = "sync:exec"
	PermPoolManage Permission = "pool:manage"
	PermAdmin      Permission = "admin" // all permissions
)

// keyPrefixLen covers "ppk_" plus 8 hex chars, enough to identify a key
// without storing any of its secret material in queryable form.
const keyPrefixLen = 12

// APIKey represents a stored operator key.
type APIKey struct {
	ID          string       `json:"id"`
	Name        string       `json:"name"`
	KeyHash     string       `json:"-"`
	KeyPrefix   string       `json:"key_prefix"`
	Permissions []Permission `json:"permissions"`
	CreatedAt   time.Time    `json:"created_at"`
	LastUsedAt  *time.Time   `json:"last_used_at,omitempty"`
	ExpiresAt   *time.Time   `json:"expires_at,omitempty"`
	Enabled     bool         `json:"enabled"`
}

// KeyStore manages operator keys with SQLite backing.
type KeyStore struct {
	db *sql.DB
	mu sync.RWMutex
}

// NewKeyStore opens (or creates) a SQLite-backed key store.
func NewKeyStore(dbPath string) (*KeyStore, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open auth db: %w", err)
	}

	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, err
	}

	if _, err := db.Exec(`CREATE TABLE IF NOT EXISTS api_keys (
		id          TEXT PRIMARY KEY,
		name        TEXT NOT NULL,
		key_hash    TEXT NOT NULL,
		key_prefix  TEXT NOT NULL,
		permissions TEXT NOT NULL DEFAULT '[]',
		created_at  TEXT NOT NULL,
		last_used   TEXT,
		expires_at  TEXT,
		enabled     INTEGER NOT NULL DEFAULT 1
	)`); err != nil {
		db.Close()
		return nil, err
	}

	db.Exec(`CREATE INDEX IF NOT EXISTS idx_keys_prefix ON api_keys(key_prefix)`)

	return &KeyStore{db: db}, nil
}

// Create generates a new key, stores the bcrypt hash, and returns the
// plaintext exactly once.
func (ks *KeyStore) Create(name string, permissions []Permission, expiresAt *time.Time) (*APIKey, string, error) {
	ks.mu.Lock()
	defer ks.mu.Unlock()

	raw := make([]byte, 32)
	if _, err := rand.Read(raw); err != nil {
		return nil, "", fmt.Errorf("generate key: %w", err)
	}
	plainKey := "ppk_" + hex.EncodeToString(raw)

	hash, err := bcrypt.GenerateFromPassword([]byte(plainKey), bcrypt.DefaultCost)
	if err != nil {
		return nil, "", fmt.Errorf("hash key: %w", err)
	}

	now := time.Now().UTC()
	key := &APIKey{
		ID:          uuid.NewString(),
		Name:        name,
		KeyHash:     string(hash),
		KeyPrefix:   plainKey[:keyPrefixLen],
		Permissions: permissions,
		CreatedAt:   now,
		Enabled:     true,
		ExpiresAt:   expiresAt,
	}

	permsJSON, _ := json.Marshal(permissions)
	var expiresStr sql.NullString
	if expiresAt != nil {
		expiresStr = sql.NullString{String: expiresAt.Format(time.RFC3339Nano), Valid: true}
	}

	_, err = ks.db.Exec(`INSERT INTO api_keys (id, name, key_hash, key_prefix, permissions, created_at, expires_at, enabled)
		VALUES (?, ?, ?, ?, ?, ?, ?, 1)`,
		key.ID, key.Name, key.KeyHash, key.KeyPrefix, string(permsJSON),
		now.Format(time.RFC3339Nano), expiresStr)
	if err != nil {
		return nil, "", fmt.Errorf("store key: %w", err)
	}

	return key, plainKey, nil
}

// Validate checks a plaintext key, returning the APIKey if valid.
func (ks *KeyStore) Validate(plainKey string) (*APIKey, error) {
	if len(plainKey) < keyPrefixLen {
		return nil, fmt.Errorf("invalid key format")
	}

	prefix := plainKey[:keyPrefixLen]
	ks.mu.RLock()
	defer ks.mu.RUnlock()

	row := ks.db.QueryRow(`SELECT id, name, key_hash, key_prefix, permissions, created_at, last_used, expires_at, enabled
		FROM api_keys WHERE key_prefix = ?`, prefix)
	key, err := scanKey(row)
	if err != nil {
		return nil, fmt.Errorf("key not found")
	}

	if !key.Enabled {
		return nil, fmt.Errorf("key disabled")
	}
	if key.ExpiresAt != nil && time.Now().UTC().After(*key.ExpiresAt) {
		return nil, fmt.Errorf("key expired")
	}
	if err := bcrypt.CompareHashAndPassword([]byte(key.KeyHash), []byte(plainKey)); err != nil {
		return nil, fmt.Errorf("invalid key")
	}

	now := time.Now().UTC()
	key.LastUsedAt = &now
	go func() {
		ks.mu.Lock()
		defer ks.mu.Unlock()
		ks.db.Exec(`UPDATE api_keys SET last_used = ? WHERE id = ?`,
			now.Format(time.RFC3339Nano), key.ID)
	}()

	return key, nil
}

// List returns all keys (without hashes).
func (ks *KeyStore) List() []APIKey {
	ks.mu.RLock()
	defer ks.mu.RUnlock()

	rows, err := ks.db.Query(`SELECT id, name, key_hash, key_prefix, permissions, created_at, last_used, expires_at, enabled
		FROM api_keys ORDER BY created_at DESC`)
	if err != nil {
		return nil
	}
	defer rows.Close()

	var keys []APIKey
	for rows.Next() {
		key, err := scanKey(rows)
		if err != nil {
			continue
		}
		key.KeyHash = ""
		keys = append(keys, *key)
	}
	return keys
}

// Revoke disables a key.
func (ks *KeyStore) Revoke(id string) error {
	ks.mu.Lock()
	defer ks.mu.Unlock()

	res, err := ks.db.Exec(`UPDATE api_keys SET enabled = 0 WHERE id = ?`, id)
	if err != nil {
		return err
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return fmt.Errorf("key not found: %s", id)
	}
	return nil
}

// Delete removes a key entirely.
func (ks *KeyStore) Delete(id string) error {
	ks.mu.Lock()
	defer ks.mu.Unlock()

	res, err := ks.db.Exec(`DELETE FROM api_keys WHERE id = ?`, id)
	if err != nil {
		return err
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return fmt.Errorf("key not found: %s", id)
	}
	return nil
}

// HasPermission checks whether a key grants a specific permission.
func HasPermission(key *APIKey, perm Permission) bool {
	if key == nil {
		return false
	}
	for _, p := range key.Permissions {
		if p == PermAdmin || p == perm {
			return true
		}
	}
	return false
}

// Close shuts down the store.
func (ks *KeyStore) Close() error {
	return ks.db.Close()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanKey(row rowScanner) (*APIKey, error) {
	var (
		key                  APIKey
		permsJSON, createdAt string
		lastUsed, expiresAt  sql.NullString
		enabled              int
	)
	if err := row.Scan(&key.ID, &key.Name, &key.KeyHash, &key.KeyPrefix, &permsJSON,
		&createdAt, &lastUsed, &expiresAt, &enabled); err != nil {
		return nil, err
	}
	key.Enabled = enabled == 1
	key.CreatedAt, _ = time.Parse(time.RFC3339Nano, createdAt)
	json.Unmarshal([]byte(permsJSON), &key.Permissions)
	if lastUsed.Valid {
		t, _ := time.Parse(time.RFC3339Nano, lastUsed.String)
		key.LastUsedAt = &t
	}
	if expiresAt.Valid {
		t, _ := time.Parse(time.RFC3339Nano, expiresAt.String)
		key.ExpiresAt = &t
	}
	return &key, nil
}
