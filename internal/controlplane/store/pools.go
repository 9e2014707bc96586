package store

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

const defaultMaxHistory = 10

func validatePool(p Pool) error {
	if strings.TrimSpace(p.Name) == "" {
		return fmt.Errorf("%w: pool name is required", ErrValidation)
	}
	switch p.Policy.ConflictResolution {
	case ConflictManual, ConflictNewest, ConflictOldest:
	default:
		return fmt.Errorf("%w: unknown conflict_resolution %q", ErrValidation, p.Policy.ConflictResolution)
	}
	if p.Policy.MaxHistory < 1 {
		return fmt.Errorf("%w: max_history must be >= 1", ErrValidation)
	}
	return nil
}

// CreatePool inserts a new pool. Name must be unique.
func (s *Store) CreatePool(p Pool) (*Pool, error) {
	if p.Policy.ConflictResolution == "" {
		p.Policy.ConflictResolution = ConflictManual
	}
	if p.Policy.MaxHistory == 0 {
		p.Policy.MaxHistory = defaultMaxHistory
	}
	if err := validatePool(p); err != nil {
		return nil, err
	}

	if p.ID == "" {
		p.ID = uuid.NewString()
	}
	now := time.Now().UTC()
	p.CreatedAt = now
	p.UpdatedAt = now

	excludedPkgs, _ := json.Marshal(emptyIfNil(p.Policy.ExcludedPackages))
	excludedRepos, _ := json.Marshal(emptyIfNil(p.Policy.ExcludedRepos))

	_, err := s.db.Exec(`INSERT INTO pools (id, name, auto_sync, conflict_resolution, excluded_packages, excluded_repos, max_history, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		p.ID, p.Name, boolToInt(p.Policy.AutoSync), string(p.Policy.ConflictResolution),
		string(excludedPkgs), string(excludedRepos), p.Policy.MaxHistory,
		fmtTime(now), fmtTime(now))
	if err != nil {
		if isUniqueViolation(err) {
			return nil, fmt.Errorf("%w: pool name %q already exists", ErrConflict, p.Name)
		}
		return nil, fmt.Errorf("insert pool: %w", err)
	}
	return &p, nil
}

// GetPool returns a pool by id.
func (s *Store) GetPool(id string) (*Pool, error) {
	return s.scanPool(s.db.QueryRow(`SELECT id, name, auto_sync, conflict_resolution, excluded_packages, excluded_repos, max_history, created_at, updated_at
		FROM pools WHERE id = ?`, id))
}

// GetPoolByName returns a pool by its unique name.
func (s *Store) GetPoolByName(name string) (*Pool, error) {
	return s.scanPool(s.db.QueryRow(`SELECT id, name, auto_sync, conflict_resolution, excluded_packages, excluded_repos, max_history, created_at, updated_at
		FROM pools WHERE name = ?`, name))
}

// ListPools returns all pools ordered by name.
func (s *Store) ListPools() ([]*Pool, error) {
	rows, err := s.db.Query(`SELECT id, name, auto_sync, conflict_resolution, excluded_packages, excluded_repos, max_history, created_at, updated_at
		FROM pools ORDER BY name`)
	if err != nil {
		return nil, fmt.Errorf("list pools: %w", err)
	}
	defer rows.Close()

	var out []*Pool
	for rows.Next() {
		p, err := s.scanPool(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

// UpdatePool replaces the pool's name and policy.
func (s *Store) UpdatePool(p Pool) (*Pool, error) {
	if err := validatePool(p); err != nil {
		return nil, err
	}

	excludedPkgs, _ := json.Marshal(emptyIfNil(p.Policy.ExcludedPackages))
	excludedRepos, _ := json.Marshal(emptyIfNil(p.Policy.ExcludedRepos))
	now := time.Now().UTC()

	res, err := s.db.Exec(`UPDATE pools SET name = ?, auto_sync = ?, conflict_resolution = ?, excluded_packages = ?, excluded_repos = ?, max_history = ?, updated_at = ?
		WHERE id = ?`,
		p.Name, boolToInt(p.Policy.AutoSync), string(p.Policy.ConflictResolution),
		string(excludedPkgs), string(excludedRepos), p.Policy.MaxHistory,
		fmtTime(now), p.ID)
	if err != nil {
		if isUniqueViolation(err) {
			return nil, fmt.Errorf("%w: pool name %q already exists", ErrConflict, p.Name)
		}
		return nil, fmt.Errorf("update pool: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return nil, fmt.Errorf("%w: pool %s", ErrNotFound, p.ID)
	}
	return s.GetPool(p.ID)
}

// DeletePool removes a pool. Its package states, operations and cached
// report cascade; member endpoints become unassigned.
func (s *Store) DeletePool(id string) error {
	res, err := s.db.Exec(`DELETE FROM pools WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("delete pool: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("%w: pool %s", ErrNotFound, id)
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func (s *Store) scanPool(row rowScanner) (*Pool, error) {
	var (
		p                        Pool
		autoSync                 int
		conflictRes              string
		excludedPkgs, excludedRe string
		createdAt, updatedAt     string
	)
	err := row.Scan(&p.ID, &p.Name, &autoSync, &conflictRes, &excludedPkgs, &excludedRe, &p.Policy.MaxHistory, &createdAt, &updatedAt)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("%w: pool", ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("scan pool: %w", err)
	}
	p.Policy.AutoSync = autoSync != 0
	p.Policy.ConflictResolution = ConflictPolicy(conflictRes)
	_ = json.Unmarshal([]byte(excludedPkgs), &p.Policy.ExcludedPackages)
	_ = json.Unmarshal([]byte(excludedRe), &p.Policy.ExcludedRepos)
	p.CreatedAt = parseTime(createdAt)
	p.UpdatedAt = parseTime(updatedAt)
	return &p, nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func emptyIfNil(ss []string) []string {
	if ss == nil {
		return []string{}
	}
	return ss
}
