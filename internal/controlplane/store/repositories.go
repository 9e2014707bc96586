package store

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/packpool/packpool/internal/protocol"
)

// ReplaceRepositories swaps out an endpoint's entire repository listing in
// one transaction (replace, not merge) and refreshes its last-seen time.
func (s *Store) ReplaceRepositories(endpointID string, listings []protocol.RepositoryListing) error {
	if _, err := s.GetEndpoint(endpointID); err != nil {
		return err
	}

	now := time.Now().UTC()
	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.Exec(`DELETE FROM repositories WHERE endpoint_id = ?`, endpointID); err != nil {
		return fmt.Errorf("clear repositories: %w", err)
	}
	for _, l := range listings {
		if l.Name == "" {
			return fmt.Errorf("%w: repository name is required", ErrValidation)
		}
		mirrors, _ := json.Marshal(emptyIfNil(l.Mirrors))
		pkgs, _ := json.Marshal(l.Packages)
		if _, err := tx.Exec(`INSERT INTO repositories (endpoint_id, name, mirrors, packages, updated_at)
			VALUES (?, ?, ?, ?, ?)`,
			endpointID, l.Name, string(mirrors), string(pkgs), fmtTime(now)); err != nil {
			if isUniqueViolation(err) {
				return fmt.Errorf("%w: duplicate repository %q in submission", ErrValidation, l.Name)
			}
			return fmt.Errorf("insert repository: %w", err)
		}
	}
	if _, err := tx.Exec(`UPDATE endpoints SET last_seen = ?, status = ? WHERE id = ?`,
		fmtTime(now), string(EndpointOnline), endpointID); err != nil {
		return fmt.Errorf("touch endpoint: %w", err)
	}
	return tx.Commit()
}

// ListRepositories returns an endpoint's repositories ordered by name.
func (s *Store) ListRepositories(endpointID string) ([]*Repository, error) {
	rows, err := s.db.Query(`SELECT endpoint_id, name, mirrors, packages, updated_at
		FROM repositories WHERE endpoint_id = ? ORDER BY name`, endpointID)
	if err != nil {
		return nil, fmt.Errorf("list repositories: %w", err)
	}
	defer rows.Close()
	return collectRepositories(rows)
}

// ListPoolRepositories returns the repositories of every endpoint assigned
// to the pool, keyed by endpoint id. Endpoints that have never submitted a
// listing appear with an empty slice.
func (s *Store) ListPoolRepositories(poolID string) (map[string][]*Repository, error) {
	endpoints, err := s.ListPoolEndpoints(poolID)
	if err != nil {
		return nil, err
	}
	out := make(map[string][]*Repository, len(endpoints))
	for _, ep := range endpoints {
		repos, err := s.ListRepositories(ep.ID)
		if err != nil {
			return nil, err
		}
		out[ep.ID] = repos
	}
	return out, nil
}

// StalePoolIDs returns pools whose member repository data changed after
// their last successful analysis (or that have members but no report yet).
func (s *Store) StalePoolIDs() ([]string, error) {
	rows, err := s.db.Query(`
		SELECT p.id
		FROM pools p
		JOIN endpoints e ON e.pool_id = p.id
		JOIN repositories r ON r.endpoint_id = e.id
		LEFT JOIN compat_reports cr ON cr.pool_id = p.id
		GROUP BY p.id
		HAVING cr.pool_id IS NULL OR MAX(r.updated_at) > cr.computed_at`)
	if err != nil {
		return nil, fmt.Errorf("find stale pools: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

func collectRepositories(rows interface {
	Next() bool
	Scan(...any) error
	Err() error
}) ([]*Repository, error) {
	out := []*Repository{}
	for rows.Next() {
		var (
			r             Repository
			mirrors, pkgs string
			updatedAt     string
		)
		if err := rows.Scan(&r.EndpointID, &r.Name, &mirrors, &pkgs, &updatedAt); err != nil {
			return nil, fmt.Errorf("scan repository: %w", err)
		}
		_ = json.Unmarshal([]byte(mirrors), &r.Mirrors)
		r.Packages = map[string]protocol.PackageInfo{}
		_ = json.Unmarshal([]byte(pkgs), &r.Packages)
		r.UpdatedAt = parseTime(updatedAt)
		out = append(out, &r)
	}
	return out, rows.Err()
}
