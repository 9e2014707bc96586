package store

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/packpool/packpool/internal/protocol"
)

const endpointColumns = `id, name, hostname, pool_id, status, sync_status, os, arch, agent_version, api_key, installed, registered, last_seen`

// RegisterEndpoint creates an endpoint on first registration, or refreshes
// the facts of an existing one (matched by unique name).
func (s *Store) RegisterEndpoint(reg protocol.RegisterPayload, apiKey string) (*Endpoint, error) {
	if strings.TrimSpace(reg.Name) == "" {
		return nil, fmt.Errorf("%w: endpoint name is required", ErrValidation)
	}

	now := time.Now().UTC()
	existing, err := s.GetEndpointByName(reg.Name)
	if err == nil {
		_, err = s.db.Exec(`UPDATE endpoints SET hostname = ?, os = ?, arch = ?, agent_version = ?, status = ?, last_seen = ? WHERE id = ?`,
			reg.Hostname, reg.OS, reg.Arch, reg.Version, string(EndpointOnline), fmtTime(now), existing.ID)
		if err != nil {
			return nil, fmt.Errorf("re-register endpoint: %w", err)
		}
		return s.GetEndpoint(existing.ID)
	}

	ep := Endpoint{
		ID:           uuid.NewString(),
		Name:         reg.Name,
		Hostname:     reg.Hostname,
		Status:       EndpointOnline,
		SyncStatus:   SyncUnknown,
		OS:           reg.OS,
		Arch:         reg.Arch,
		AgentVersion: reg.Version,
		APIKey:       apiKey,
		Registered:   now,
		LastSeen:     now,
	}
	_, err = s.db.Exec(`INSERT INTO endpoints (id, name, hostname, status, sync_status, os, arch, agent_version, api_key, installed, registered, last_seen)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, '{}', ?, ?)`,
		ep.ID, ep.Name, ep.Hostname, string(ep.Status), string(ep.SyncStatus),
		ep.OS, ep.Arch, ep.AgentVersion, ep.APIKey, fmtTime(now), fmtTime(now))
	if err != nil {
		if isUniqueViolation(err) {
			return nil, fmt.Errorf("%w: endpoint name %q already exists", ErrConflict, ep.Name)
		}
		return nil, fmt.Errorf("insert endpoint: %w", err)
	}
	s.logger.Info("endpoint registered",
		zap.String("id", ep.ID),
		zap.String("name", ep.Name),
		zap.String("hostname", ep.Hostname),
	)
	return &ep, nil
}

// GetEndpoint returns an endpoint by id.
func (s *Store) GetEndpoint(id string) (*Endpoint, error) {
	return scanEndpoint(s.db.QueryRow(`SELECT `+endpointColumns+` FROM endpoints WHERE id = ?`, id))
}

// GetEndpointByName returns an endpoint by its unique name.
func (s *Store) GetEndpointByName(name string) (*Endpoint, error) {
	return scanEndpoint(s.db.QueryRow(`SELECT `+endpointColumns+` FROM endpoints WHERE name = ?`, name))
}

// ListEndpoints returns all endpoints ordered by name.
func (s *Store) ListEndpoints() ([]*Endpoint, error) {
	return s.queryEndpoints(`SELECT ` + endpointColumns + ` FROM endpoints ORDER BY name`)
}

// ListPoolEndpoints returns the endpoints assigned to a pool.
func (s *Store) ListPoolEndpoints(poolID string) ([]*Endpoint, error) {
	return s.queryEndpoints(`SELECT `+endpointColumns+` FROM endpoints WHERE pool_id = ? ORDER BY name`, poolID)
}

// AssignEndpoint moves an endpoint into a pool (or out of any pool when
// poolID is empty). Sync status resets to unknown until the next analysis.
func (s *Store) AssignEndpoint(endpointID, poolID string) error {
	var pool any
	if poolID != "" {
		if _, err := s.GetPool(poolID); err != nil {
			return err
		}
		pool = poolID
	}
	res, err := s.db.Exec(`UPDATE endpoints SET pool_id = ?, sync_status = ? WHERE id = ?`,
		pool, string(SyncUnknown), endpointID)
	if err != nil {
		return fmt.Errorf("assign endpoint: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("%w: endpoint %s", ErrNotFound, endpointID)
	}
	return nil
}

// Heartbeat refreshes last-seen and brings the endpoint back online.
func (s *Store) Heartbeat(id string) error {
	res, err := s.db.Exec(`UPDATE endpoints SET last_seen = ?, status = ? WHERE id = ?`,
		fmtTime(time.Now().UTC()), string(EndpointOnline), id)
	if err != nil {
		return fmt.Errorf("heartbeat: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("%w: endpoint %s", ErrNotFound, id)
	}
	return nil
}

// SetEndpointStatus updates the liveness status.
func (s *Store) SetEndpointStatus(id string, status EndpointStatus) error {
	res, err := s.db.Exec(`UPDATE endpoints SET status = ? WHERE id = ?`, string(status), id)
	if err != nil {
		return fmt.Errorf("set status: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("%w: endpoint %s", ErrNotFound, id)
	}
	return nil
}

// SetSyncStatus updates the endpoint's relation to its pool target.
func (s *Store) SetSyncStatus(id string, status SyncStatus) error {
	res, err := s.db.Exec(`UPDATE endpoints SET sync_status = ? WHERE id = ?`, string(status), id)
	if err != nil {
		return fmt.Errorf("set sync status: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("%w: endpoint %s", ErrNotFound, id)
	}
	return nil
}

// MarkOffline flags endpoints not seen within threshold as offline and
// resets their sync status to unknown. Returns the ids transitioned.
// Idempotent: already-offline endpoints are untouched.
func (s *Store) MarkOffline(threshold time.Duration) ([]string, error) {
	cutoff := fmtTime(time.Now().UTC().Add(-threshold))
	rows, err := s.db.Query(`SELECT id FROM endpoints WHERE status != ? AND last_seen < ?`,
		string(EndpointOffline), cutoff)
	if err != nil {
		return nil, fmt.Errorf("find stale endpoints: %w", err)
	}
	defer rows.Close()

	var stale []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		stale = append(stale, id)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	for _, id := range stale {
		if _, err := s.db.Exec(`UPDATE endpoints SET status = ?, sync_status = ? WHERE id = ?`,
			string(EndpointOffline), string(SyncUnknown), id); err != nil {
			return nil, fmt.Errorf("mark offline: %w", err)
		}
		s.logger.Warn("endpoint marked offline", zap.String("id", id))
	}
	return stale, nil
}

// DeleteEndpoint removes an endpoint. Its repositories and operations
// cascade; its non-target package states are removed, while a target state
// it produced survives with the endpoint reference cleared.
func (s *Store) DeleteEndpoint(id string) error {
	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.Exec(`DELETE FROM package_states WHERE endpoint_id = ? AND is_target = 0`, id); err != nil {
		return fmt.Errorf("delete endpoint states: %w", err)
	}
	res, err := tx.Exec(`DELETE FROM endpoints WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("delete endpoint: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("%w: endpoint %s", ErrNotFound, id)
	}
	return tx.Commit()
}

// DeleteOfflineBefore removes endpoints that have been offline since before
// cutoff. Returns the ids removed.
func (s *Store) DeleteOfflineBefore(cutoff time.Time) ([]string, error) {
	rows, err := s.db.Query(`SELECT id FROM endpoints WHERE status = ? AND last_seen < ?`,
		string(EndpointOffline), fmtTime(cutoff))
	if err != nil {
		return nil, fmt.Errorf("find offline endpoints: %w", err)
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
	if err := rows.Err(); err != nil {
		return nil, err
	}

	var removed []string
	for _, id := range ids {
		if err := s.DeleteEndpoint(id); err != nil {
			continue
		}
		removed = append(removed, id)
	}
	return removed, nil
}

// CountEndpoints returns endpoint counts by liveness status.
func (s *Store) CountEndpoints() (map[EndpointStatus]int, error) {
	rows, err := s.db.Query(`SELECT status, COUNT(*) FROM endpoints GROUP BY status`)
	if err != nil {
		return nil, fmt.Errorf("count endpoints: %w", err)
	}
	defer rows.Close()

	counts := map[EndpointStatus]int{}
	for rows.Next() {
		var status string
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return nil, err
		}
		counts[EndpointStatus(status)] = n
	}
	return counts, rows.Err()
}

// CountSyncStatuses returns endpoint counts by sync status.
func (s *Store) CountSyncStatuses() (map[SyncStatus]int, error) {
	rows, err := s.db.Query(`SELECT sync_status, COUNT(*) FROM endpoints GROUP BY sync_status`)
	if err != nil {
		return nil, fmt.Errorf("count sync statuses: %w", err)
	}
	defer rows.Close()

	counts := map[SyncStatus]int{}
	for rows.Next() {
		var status string
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return nil, err
		}
		counts[SyncStatus(status)] = n
	}
	return counts, rows.Err()
}

func (s *Store) queryEndpoints(query string, args ...any) ([]*Endpoint, error) {
	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("query endpoints: %w", err)
	}
	defer rows.Close()

	var out []*Endpoint
	for rows.Next() {
		ep, err := scanEndpoint(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, ep)
	}
	return out, rows.Err()
}

// UpdateInstalled replaces the endpoint's live package map.
func (s *Store) UpdateInstalled(id string, installed protocol.PackageMap) error {
	data, _ := json.Marshal(installed)
	res, err := s.db.Exec(`UPDATE endpoints SET installed = ?, last_seen = ? WHERE id = ?`,
		string(data), fmtTime(time.Now().UTC()), id)
	if err != nil {
		return fmt.Errorf("update installed: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("%w: endpoint %s", ErrNotFound, id)
	}
	return nil
}

func scanEndpoint(row rowScanner) (*Endpoint, error) {
	var (
		ep                   Endpoint
		poolID               sql.NullString
		status, syncStatus   string
		installed            string
		registered, lastSeen string
	)
	err := row.Scan(&ep.ID, &ep.Name, &ep.Hostname, &poolID, &status, &syncStatus,
		&ep.OS, &ep.Arch, &ep.AgentVersion, &ep.APIKey, &installed, &registered, &lastSeen)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("%w: endpoint", ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("scan endpoint: %w", err)
	}
	ep.PoolID = poolID.String
	ep.Status = EndpointStatus(status)
	ep.SyncStatus = SyncStatus(syncStatus)
	ep.Installed = protocol.PackageMap{}
	_ = json.Unmarshal([]byte(installed), &ep.Installed)
	ep.Registered = parseTime(registered)
	ep.LastSeen = parseTime(lastSeen)
	return &ep, nil
}
