// Package protocol defines the payload types endpoints push to the control
// plane. Both the endpoint agent and the control plane import this package
// to ensure type safety.
package protocol

import "time"

// PackageInfo describes one installed or installable package.
type PackageInfo struct {
	Version      string   `json:"version"`
	Repository   string   `json:"repository,omitempty"`
	SizeBytes    int64    `json:"size_bytes,omitempty"`
	Dependencies []string `json:"dependencies,omitempty"`
}

// PackageMap is the package inventory of an endpoint or target state,
// keyed by package name.
type PackageMap map[string]PackageInfo

// Clone returns a deep copy of the map.
func (m PackageMap) Clone() PackageMap {
	if m == nil {
		return nil
	}
	out := make(PackageMap, len(m))
	for name, info := range m {
		deps := make([]string, len(info.Dependencies))
		copy(deps, info.Dependencies)
		info.Dependencies = deps
		out[name] = info
	}
	return out
}

// RegisterPayload is sent by an endpoint on first contact.
type RegisterPayload struct {
	Name     string `json:"name"`
	Hostname string `json:"hostname"`
	OS       string `json:"os"`
	Arch     string `json:"arch"`
	Version  string `json:"version"` // agent version
}

// RegisteredPayload is the control plane's response to registration.
type RegisteredPayload struct {
	EndpointID string `json:"endpoint_id"`
	APIKey     string `json:"api_key"` // long-lived per-endpoint key
}

// HeartbeatPayload is sent periodically by each endpoint.
type HeartbeatPayload struct {
	EndpointID string `json:"endpoint_id"`
	Uptime     int64  `json:"uptime_seconds,omitempty"`
	Installed  int    `json:"installed_packages,omitempty"`
}

// RepositoryListing is one package repository as seen by an endpoint.
type RepositoryListing struct {
	Name     string                 `json:"name"`
	Mirrors  []string               `json:"mirrors,omitempty"`
	Packages map[string]PackageInfo `json:"packages"`
}

// FactsPayload is the endpoint's full report: its configured repositories
// and its currently installed package map. Repositories replace the prior
// submission wholesale.
type FactsPayload struct {
	EndpointID   string              `json:"endpoint_id"`
	Repositories []RepositoryListing `json:"repositories"`
	Installed    PackageMap          `json:"installed"`
	ReportedAt   time.Time           `json:"reported_at"`
}

// ActionType classifies one unit of a sync plan.
type ActionType string

const (
	ActionInstall ActionType = "install"
	ActionUpgrade ActionType = "upgrade"
	ActionRemove  ActionType = "remove"
)

// Action is one unit of work the package execution collaborator performs.
type Action struct {
	Type        ActionType `json:"type"`
	Package     string     `json:"package"`
	Version     string     `json:"version,omitempty"` // empty for remove
	FromVersion string     `json:"from_version,omitempty"`
	Repository  string     `json:"repository,omitempty"`
}
