package store

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/packpool/packpool/internal/protocol"
)

const stateColumns = `id, pool_id, endpoint_id, packages, is_target, message, created_by, created_at`

// CreatePackageState stores a new historical (non-target) snapshot.
func (s *Store) CreatePackageState(ps PackageState) (*PackageState, error) {
	if ps.PoolID == "" {
		return nil, fmt.Errorf("%w: package state needs a pool", ErrValidation)
	}
	if _, err := s.GetPool(ps.PoolID); err != nil {
		return nil, err
	}

	ps.ID = uuid.NewString()
	ps.IsTarget = false
	ps.CreatedAt = time.Now().UTC()

	pkgs, _ := json.Marshal(ps.Packages)
	var endpoint any
	if ps.EndpointID != "" {
		endpoint = ps.EndpointID
	}
	_, err := s.db.Exec(`INSERT INTO package_states (id, pool_id, endpoint_id, packages, is_target, message, created_by, created_at)
		VALUES (?, ?, ?, ?, 0, ?, ?, ?)`,
		ps.ID, ps.PoolID, endpoint, string(pkgs), ps.Message, ps.CreatedBy, fmtTime(ps.CreatedAt))
	if err != nil {
		return nil, fmt.Errorf("insert package state: %w", err)
	}
	return &ps, nil
}

// CreateTargetState stores a new snapshot and atomically makes it the
// pool's target, demoting the previous target to an ordinary historical
// state. The pool's unique-target invariant holds at every instant the
// transaction is observable.
func (s *Store) CreateTargetState(ps PackageState) (*PackageState, error) {
	if ps.PoolID == "" {
		return nil, fmt.Errorf("%w: package state needs a pool", ErrValidation)
	}
	if _, err := s.GetPool(ps.PoolID); err != nil {
		return nil, err
	}

	ps.ID = uuid.NewString()
	ps.IsTarget = true
	ps.CreatedAt = time.Now().UTC()

	pkgs, _ := json.Marshal(ps.Packages)
	var endpoint any
	if ps.EndpointID != "" {
		endpoint = ps.EndpointID
	}

	tx, err := s.db.Begin()
	if err != nil {
		return nil, fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.Exec(`UPDATE package_states SET is_target = 0 WHERE pool_id = ? AND is_target = 1`, ps.PoolID); err != nil {
		return nil, fmt.Errorf("demote previous target: %w", err)
	}
	if _, err := tx.Exec(`INSERT INTO package_states (id, pool_id, endpoint_id, packages, is_target, message, created_by, created_at)
		VALUES (?, ?, ?, ?, 1, ?, ?, ?)`,
		ps.ID, ps.PoolID, endpoint, string(pkgs), ps.Message, ps.CreatedBy, fmtTime(ps.CreatedAt)); err != nil {
		if isUniqueViolation(err) {
			return nil, fmt.Errorf("%w: pool %s already has a target state", ErrConflict, ps.PoolID)
		}
		return nil, fmt.Errorf("insert target state: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit target swap: %w", err)
	}
	return &ps, nil
}

// GetPackageState returns a snapshot by id.
func (s *Store) GetPackageState(id string) (*PackageState, error) {
	return scanState(s.db.QueryRow(`SELECT `+stateColumns+` FROM package_states WHERE id = ?`, id))
}

// GetTargetState returns the pool's current target state.
func (s *Store) GetTargetState(poolID string) (*PackageState, error) {
	return scanState(s.db.QueryRow(`SELECT `+stateColumns+` FROM package_states WHERE pool_id = ? AND is_target = 1`, poolID))
}

// LatestEndpointState returns the most recent non-target snapshot recorded
// for an endpoint. This is the revert target when no explicit id is given.
func (s *Store) LatestEndpointState(endpointID string) (*PackageState, error) {
	return scanState(s.db.QueryRow(`SELECT `+stateColumns+` FROM package_states
		WHERE endpoint_id = ? AND is_target = 0
		ORDER BY created_at DESC LIMIT 1`, endpointID))
}

// ListPoolStates returns a pool's snapshots, newest first.
func (s *Store) ListPoolStates(poolID string) ([]*PackageState, error) {
	rows, err := s.db.Query(`SELECT `+stateColumns+` FROM package_states
		WHERE pool_id = ? ORDER BY created_at DESC, id`, poolID)
	if err != nil {
		return nil, fmt.Errorf("list states: %w", err)
	}
	defer rows.Close()

	var out []*PackageState
	for rows.Next() {
		ps, err := scanState(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, ps)
	}
	return out, rows.Err()
}

// TrimStateHistory deletes the oldest non-target snapshots beyond keep.
// The current target survives regardless of age. Re-running on an
// already-trimmed pool is a no-op.
func (s *Store) TrimStateHistory(poolID string, keep int) (int, error) {
	if keep < 1 {
		return 0, fmt.Errorf("%w: keep must be >= 1", ErrValidation)
	}
	res, err := s.db.Exec(`DELETE FROM package_states WHERE id IN (
		SELECT id FROM package_states
		WHERE pool_id = ? AND is_target = 0
		ORDER BY created_at DESC, id
		LIMIT -1 OFFSET ?
	)`, poolID, keep)
	if err != nil {
		return 0, fmt.Errorf("trim states: %w", err)
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

func scanState(row rowScanner) (*PackageState, error) {
	var (
		ps        PackageState
		endpoint  sql.NullString
		pkgs      string
		isTarget  int
		createdAt string
	)
	err := row.Scan(&ps.ID, &ps.PoolID, &endpoint, &pkgs, &isTarget, &ps.Message, &ps.CreatedBy, &createdAt)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("%w: package state", ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("scan package state: %w", err)
	}
	ps.EndpointID = endpoint.String
	ps.IsTarget = isTarget != 0
	ps.Packages = protocol.PackageMap{}
	_ = json.Unmarshal([]byte(pkgs), &ps.Packages)
	ps.CreatedAt = parseTime(createdAt)
	return &ps, nil
}
