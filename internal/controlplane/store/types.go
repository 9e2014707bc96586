package store

import (
	"time"

	"github.com/packpool/packpool/internal/protocol"
)

// ConflictPolicy decides how the analyzer resolves version conflicts.
type ConflictPolicy string

const (
	ConflictManual ConflictPolicy = "manual"
	ConflictNewest ConflictPolicy = "newest"
	ConflictOldest ConflictPolicy = "oldest"
)

// EndpointStatus is the liveness state of an endpoint.
type EndpointStatus string

const (
	EndpointOnline  EndpointStatus = "online"
	EndpointOffline EndpointStatus = "offline"
	EndpointError   EndpointStatus = "error"
)

// SyncStatus describes how an endpoint relates to its pool's target state.
type SyncStatus string

const (
	SyncInSync  SyncStatus = "in_sync"
	SyncAhead   SyncStatus = "ahead"
	SyncBehind  SyncStatus = "behind"
	SyncPending SyncStatus = "sync_pending"
	SyncUnknown SyncStatus = "unknown"
)

// OperationType classifies a sync operation.
type OperationType string

const (
	OpSyncToLatest OperationType = "sync_to_latest"
	OpSetAsLatest  OperationType = "set_as_latest"
	OpRevert       OperationType = "revert_to_previous"
	OpAnalysis     OperationType = "repository_analysis"
)

// OperationStatus is the operation state machine position.
type OperationStatus string

const (
	OpPending    OperationStatus = "pending"
	OpInProgress OperationStatus = "in_progress"
	OpCompleted  OperationStatus = "completed"
	OpFailed     OperationStatus = "failed"
	OpCancelled  OperationStatus = "cancelled"
)

// Terminal reports whether the status is a terminal state.
func (s OperationStatus) Terminal() bool {
	switch s {
	case OpCompleted, OpFailed, OpCancelled:
		return true
	}
	return false
}

// SyncPolicy is a pool's synchronization policy.
type SyncPolicy struct {
	AutoSync           bool           `json:"auto_sync"`
	ConflictResolution ConflictPolicy `json:"conflict_resolution"`
	ExcludedPackages   []string       `json:"excluded_packages,omitempty"`
	ExcludedRepos      []string       `json:"excluded_repos,omitempty"`
	MaxHistory         int            `json:"max_history"`
}

// Pool is a named group of endpoints sharing one target package configuration.
type Pool struct {
	ID        string     `json:"id"`
	Name      string     `json:"name"`
	Policy    SyncPolicy `json:"policy"`
	CreatedAt time.Time  `json:"created_at"`
	UpdatedAt time.Time  `json:"updated_at"`
}

// Endpoint is a managed machine reporting its packages and repositories.
type Endpoint struct {
	ID           string              `json:"id"`
	Name         string              `json:"name"`
	Hostname     string              `json:"hostname"`
	PoolID       string              `json:"pool_id,omitempty"` // empty when unassigned
	Status       EndpointStatus      `json:"status"`
	SyncStatus   SyncStatus          `json:"sync_status"`
	OS           string              `json:"os,omitempty"`
	Arch         string              `json:"arch,omitempty"`
	AgentVersion string              `json:"agent_version,omitempty"`
	APIKey       string              `json:"-"`
	Installed    protocol.PackageMap `json:"installed,omitempty"` // live package map from the last facts push
	Registered   time.Time           `json:"registered"`
	LastSeen     time.Time           `json:"last_seen"`
}

// PackageState is an immutable snapshot of a package map. "Updating" state
// means creating a new snapshot; the target flag is swapped atomically under
// the pool's unique-target invariant, never edited in place.
type PackageState struct {
	ID         string              `json:"id"`
	PoolID     string              `json:"pool_id"`
	EndpointID string              `json:"endpoint_id,omitempty"` // empty for pool-level targets
	Packages   protocol.PackageMap `json:"packages"`
	IsTarget   bool                `json:"is_target"`
	Message    string              `json:"message,omitempty"`
	CreatedBy  string              `json:"created_by,omitempty"`
	CreatedAt  time.Time           `json:"created_at"`
}

// Repository is a per-endpoint record of one package repository,
// replaced wholesale on each submission.
type Repository struct {
	EndpointID string                          `json:"endpoint_id"`
	Name       string                          `json:"name"`
	Mirrors    []string                        `json:"mirrors,omitempty"`
	Packages   map[string]protocol.PackageInfo `json:"packages"`
	UpdatedAt  time.Time                       `json:"updated_at"`
}

// SyncPlan is the computed set of actions to converge an endpoint on a
// target state. Nothing is executed until the plan is explicitly confirmed.
type SyncPlan struct {
	PoolID        string            `json:"pool_id"`
	EndpointID    string            `json:"endpoint_id"`
	TargetStateID string            `json:"target_state_id"`
	Actions       []protocol.Action `json:"actions"`
	Installs      int               `json:"installs"`
	Upgrades      int               `json:"upgrades"`
	Removes       int               `json:"removes"`
	Excluded      []string          `json:"excluded,omitempty"` // package names skipped by policy or analysis
	DryRun        bool              `json:"dry_run"`
}

// Empty reports whether the plan has no work.
func (p *SyncPlan) Empty() bool { return p == nil || len(p.Actions) == 0 }

// SyncOperation is one append-only record of the operation state machine.
type SyncOperation struct {
	ID          string            `json:"id"`
	PoolID      string            `json:"pool_id"`
	EndpointID  string            `json:"endpoint_id"`
	Type        OperationType     `json:"type"`
	Status      OperationStatus   `json:"status"`
	Progress    int               `json:"progress"` // 0-100
	Plan        *SyncPlan         `json:"plan,omitempty"`
	Applied     []protocol.Action `json:"applied,omitempty"` // units already executed
	Error       string            `json:"error,omitempty"`
	CreatedAt   time.Time         `json:"created_at"`
	StartedAt   *time.Time        `json:"started_at,omitempty"`
	CompletedAt *time.Time        `json:"completed_at,omitempty"`
}

// ExclusionReason explains why a package was excluded from synchronization.
type ExclusionReason string

const (
	ReasonMissingFromSome ExclusionReason = "missing-from-some-endpoint"
	ReasonVersionConflict ExclusionReason = "version-conflict"
	ReasonPoolPolicy      ExclusionReason = "pool-policy"
	ReasonMalformed       ExclusionReason = "malformed-entry"
)

// Exclusion is one excluded package with its reason.
type Exclusion struct {
	Reason ExclusionReason `json:"reason"`
	Detail string          `json:"detail,omitempty"`
}

// Conflict records a package observed with differing versions across
// endpoints, left for an operator when the pool policy is manual.
type Conflict struct {
	Versions  map[string]string `json:"versions"` // endpoint id -> version
	Suggested string            `json:"suggested,omitempty"`
}

// CompatibilityReport is the per-pool analysis of which packages are safely
// synchronizable. Each run replaces the prior report atomically.
type CompatibilityReport struct {
	PoolID           string               `json:"pool_id"`
	CommonPackages   map[string]string    `json:"common_packages"` // name -> agreed version
	ExcludedPackages map[string]Exclusion `json:"excluded_packages"`
	Conflicts        map[string]Conflict  `json:"conflicts"`
	Endpoints        int                  `json:"endpoints"`
	ComputedAt       time.Time            `json:"computed_at"`
}

// ExclusionSet returns the names currently excluded from synchronization.
func (r *CompatibilityReport) ExclusionSet() map[string]struct{} {
	if r == nil {
		return nil
	}
	out := make(map[string]struct{}, len(r.ExcludedPackages))
	for name := range r.ExcludedPackages {
		out[name] = struct{}{}
	}
	return out
}
