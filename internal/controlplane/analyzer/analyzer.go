// Package analyzer reconciles differing package availability across the
// heterogeneous endpoints of a pool into a safe, common, synchronizable
// subset. Its report feeds the sync coordinator's plan computation.
package analyzer

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/packpool/packpool/internal/controlplane/metrics"
	"github.com/packpool/packpool/internal/controlplane/store"
	"github.com/packpool/packpool/internal/telemetry"
)

// observation is one (endpoint, version) sighting of a package.
type observation struct {
	endpointID string
	version    string
	repository string
}

// Analyzer recomputes per-pool compatibility reports. Runs are
// single-flight per pool; each run replaces the cached report atomically.
type Analyzer struct {
	store  *store.Store
	logger *zap.Logger

	mu       sync.Mutex
	inFlight map[string]*sync.Mutex // pool id -> run lock
}

// New creates an analyzer over the given store.
func New(st *store.Store, logger *zap.Logger) *Analyzer {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Analyzer{
		store:    st,
		logger:   logger,
		inFlight: make(map[string]*sync.Mutex),
	}
}

func (a *Analyzer) poolLock(poolID string) *sync.Mutex {
	a.mu.Lock()
	defer a.mu.Unlock()
	l, ok := a.inFlight[poolID]
	if !ok {
		l = &sync.Mutex{}
		a.inFlight[poolID] = l
	}
	return l
}

// Analyze recomputes the compatibility report for a pool and stores it.
// A second call for the same pool waits for the running one to finish
// rather than racing it; given identical repository inputs the result
// content is deterministic.
func (a *Analyzer) Analyze(ctx context.Context, poolID string) (*store.CompatibilityReport, error) {
	lock := a.poolLock(poolID)
	lock.Lock()
	defer lock.Unlock()

	_, span := telemetry.StartAnalysisSpan(ctx, poolID)

	pool, err := a.store.GetPool(poolID)
	if err != nil {
		span.End()
		metrics.RecordAnalysis(poolID, "error", 0)
		return nil, err
	}
	endpoints, err := a.store.ListPoolEndpoints(poolID)
	if err != nil {
		span.End()
		metrics.RecordAnalysis(poolID, "error", 0)
		return nil, err
	}
	poolRepos, err := a.store.ListPoolRepositories(poolID)
	if err != nil {
		span.End()
		metrics.RecordAnalysis(poolID, "error", 0)
		return nil, err
	}

	report := a.compute(pool, endpointIDs(endpoints), poolRepos)
	if err := a.store.SaveReport(*report); err != nil {
		span.End()
		metrics.RecordAnalysis(poolID, "error", 0)
		return nil, fmt.Errorf("store report: %w", err)
	}

	telemetry.EndAnalysisSpan(span,
		len(report.CommonPackages), len(report.ExcludedPackages), len(report.Conflicts))
	metrics.RecordAnalysis(poolID, "ok", len(report.Conflicts))
	a.logger.Info("compatibility report computed",
		zap.String("pool", poolID),
		zap.Int("endpoints", report.Endpoints),
		zap.Int("common", len(report.CommonPackages)),
		zap.Int("excluded", len(report.ExcludedPackages)),
		zap.Int("conflicts", len(report.Conflicts)),
	)
	return report, nil
}

// compute builds the report from repository listings. Pure with respect to
// its inputs apart from the computed_at timestamp.
func (a *Analyzer) compute(pool *store.Pool, endpointIDs []string, repos map[string][]*store.Repository) *store.CompatibilityReport {
	report := &store.CompatibilityReport{
		PoolID:           pool.ID,
		CommonPackages:   map[string]string{},
		ExcludedPackages: map[string]store.Exclusion{},
		Conflicts:        map[string]store.Conflict{},
		Endpoints:        len(endpointIDs),
		ComputedAt:       time.Now().UTC(),
	}
	if len(endpointIDs) == 0 {
		return report
	}

	excludedRepos := toSet(pool.Policy.ExcludedRepos)

	// Collect per-package observations. A malformed entry never fails the
	// whole run; the package is excluded and the anomaly logged.
	observed := map[string][]observation{}
	for _, epID := range endpointIDs {
		perEndpoint := map[string]observation{}
		for _, repo := range repos[epID] {
			for name, info := range repo.Packages {
				if name == "" || info.Version == "" {
					report.ExcludedPackages[name] = store.Exclusion{
						Reason: store.ReasonMalformed,
						Detail: fmt.Sprintf("repository %s on endpoint %s", repo.Name, epID),
					}
					a.logger.Warn("malformed repository entry excluded",
						zap.String("pool", pool.ID),
						zap.String("endpoint", epID),
						zap.String("repository", repo.Name),
						zap.String("package", name),
					)
					continue
				}
				if _, skip := excludedRepos[repo.Name]; skip {
					continue
				}
				// An endpoint seeing a package in several repositories
				// counts once, with its newest version.
				prev, seen := perEndpoint[name]
				if !seen || CompareVersions(info.Version, prev.version) > 0 {
					perEndpoint[name] = observation{endpointID: epID, version: info.Version, repository: repo.Name}
				}
			}
		}
		for name, obs := range perEndpoint {
			observed[name] = append(observed[name], obs)
		}
	}

	for name, obs := range observed {
		if _, malformed := report.ExcludedPackages[name]; malformed {
			continue
		}

		if len(obs) < len(endpointIDs) {
			report.ExcludedPackages[name] = store.Exclusion{
				Reason: store.ReasonMissingFromSome,
				Detail: fmt.Sprintf("available on %d of %d endpoints", len(obs), len(endpointIDs)),
			}
			continue
		}

		versions := map[string]string{} // endpoint id -> version
		distinct := map[string]struct{}{}
		var all []string
		for _, o := range obs {
			versions[o.endpointID] = o.version
			distinct[o.version] = struct{}{}
			all = append(all, o.version)
		}

		if len(distinct) == 1 {
			report.CommonPackages[name] = all[0]
			continue
		}

		switch pool.Policy.ConflictResolution {
		case store.ConflictNewest:
			report.CommonPackages[name] = newestVersion(all)
		case store.ConflictOldest:
			report.CommonPackages[name] = oldestVersion(all)
		default: // manual: excluded until an operator resolves it
			report.Conflicts[name] = store.Conflict{
				Versions:  versions,
				Suggested: newestVersion(all),
			}
			report.ExcludedPackages[name] = store.Exclusion{
				Reason: store.ReasonVersionConflict,
				Detail: fmt.Sprintf("%d distinct versions", len(distinct)),
			}
		}
	}

	// Explicit pool-level exclusions are applied last and always win,
	// overriding any automatic inclusion.
	for _, name := range pool.Policy.ExcludedPackages {
		delete(report.CommonPackages, name)
		delete(report.Conflicts, name)
		report.ExcludedPackages[name] = store.Exclusion{Reason: store.ReasonPoolPolicy}
	}

	return report
}

// Report returns the cached report for a pool, if one exists.
func (a *Analyzer) Report(poolID string) (*store.CompatibilityReport, error) {
	return a.store.GetReport(poolID)
}

func endpointIDs(endpoints []*store.Endpoint) []string {
	ids := make([]string, 0, len(endpoints))
	for _, ep := range endpoints {
		ids = append(ids, ep.ID)
	}
	return ids
}

func toSet(ss []string) map[string]struct{} {
	out := make(map[string]struct{}, len(ss))
	for _, s := range ss {
		out[s] = struct{}{}
	}
	return out
}
