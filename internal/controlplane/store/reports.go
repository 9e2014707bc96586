package store

import (
	"database/sql"
	"encoding/json"
	"fmt"
)

// SaveReport atomically replaces the pool's cached compatibility report.
// Consumers never observe a half-written report.
func (s *Store) SaveReport(r CompatibilityReport) error {
	if r.PoolID == "" {
		return fmt.Errorf("%w: report needs a pool", ErrValidation)
	}
	data, err := json.Marshal(r)
	if err != nil {
		return fmt.Errorf("marshal report: %w", err)
	}
	_, err = s.db.Exec(`INSERT INTO compat_reports (pool_id, report, computed_at) VALUES (?, ?, ?)
		ON CONFLICT(pool_id) DO UPDATE SET report = excluded.report, computed_at = excluded.computed_at`,
		r.PoolID, string(data), fmtTime(r.ComputedAt))
	if err != nil {
		return fmt.Errorf("save report: %w", err)
	}
	return nil
}

// GetReport returns the pool's latest compatibility report.
func (s *Store) GetReport(poolID string) (*CompatibilityReport, error) {
	var data string
	err := s.db.QueryRow(`SELECT report FROM compat_reports WHERE pool_id = ?`, poolID).Scan(&data)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("%w: report for pool %s", ErrNotFound, poolID)
	}
	if err != nil {
		return nil, fmt.Errorf("get report: %w", err)
	}
	var r CompatibilityReport
	if err := json.Unmarshal([]byte(data), &r); err != nil {
		return nil, fmt.Errorf("decode report: %w", err)
	}
	return &r, nil
}
