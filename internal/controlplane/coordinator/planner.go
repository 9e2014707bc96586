package coordinator

import (
	"sort"

	"github.com/packpool/packpool/internal/controlplane/analyzer"
	"github.com/packpool/packpool/internal/controlplane/store"
	"github.com/packpool/packpool/internal/protocol"
)

// buildPlan diffs the endpoint's current package map against the target
// snapshot, skipping anything excluded by pool policy or by the pool's
// current compatibility report. The result is deterministic: actions are
// ordered installs, upgrades, removes, each sorted by package name, so an
// unchanged world always yields an identical plan.
func buildPlan(pool *store.Pool, endpoint *store.Endpoint, target *store.PackageState, report *store.CompatibilityReport, dryRun bool) *store.SyncPlan {
	plan := &store.SyncPlan{
		PoolID:        pool.ID,
		EndpointID:    endpoint.ID,
		TargetStateID: target.ID,
		DryRun:        dryRun,
	}

	excludedPkgs := toSet(pool.Policy.ExcludedPackages)
	excludedRepos := toSet(pool.Policy.ExcludedRepos)
	analysisExcluded := report.ExclusionSet()

	excluded := func(name, repo string) bool {
		if _, ok := excludedPkgs[name]; ok {
			return true
		}
		if repo != "" {
			if _, ok := excludedRepos[repo]; ok {
				return true
			}
		}
		if _, ok := analysisExcluded[name]; ok {
			return true
		}
		return false
	}

	var installs, upgrades, removes []protocol.Action
	skipped := map[string]struct{}{}

	for name, want := range target.Packages {
		if excluded(name, want.Repository) {
			skipped[name] = struct{}{}
			continue
		}
		have, ok := endpoint.Installed[name]
		switch {
		case !ok:
			installs = append(installs, protocol.Action{
				Type: protocol.ActionInstall, Package: name,
				Version: want.Version, Repository: want.Repository,
			})
		case have.Version != want.Version:
			// Target version wins. Equal versions produce no action.
			upgrades = append(upgrades, protocol.Action{
				Type: protocol.ActionUpgrade, Package: name,
				Version: want.Version, FromVersion: have.Version,
				Repository: want.Repository,
			})
		}
	}

	for name, have := range endpoint.Installed {
		if _, wanted := target.Packages[name]; wanted {
			continue
		}
		if excluded(name, have.Repository) {
			skipped[name] = struct{}{}
			continue
		}
		removes = append(removes, protocol.Action{
			Type: protocol.ActionRemove, Package: name,
			FromVersion: have.Version,
		})
	}

	sortActions(installs)
	sortActions(upgrades)
	sortActions(removes)

	plan.Actions = append(plan.Actions, installs...)
	plan.Actions = append(plan.Actions, upgrades...)
	plan.Actions = append(plan.Actions, removes...)
	plan.Installs = len(installs)
	plan.Upgrades = len(upgrades)
	plan.Removes = len(removes)

	for name := range skipped {
		plan.Excluded = append(plan.Excluded, name)
	}
	sort.Strings(plan.Excluded)

	return plan
}

// classifySyncStatus derives an endpoint's relation to the target from the
// plan that would converge it: empty plan means in sync; a plan that only
// removes or downgrades what the target lacks means the endpoint is ahead;
// anything else means behind.
func classifySyncStatus(plan *store.SyncPlan) store.SyncStatus {
	if plan.Empty() {
		return store.SyncInSync
	}
	if plan.Installs == 0 {
		ahead := true
		for _, act := range plan.Actions {
			if act.Type == protocol.ActionUpgrade && analyzer.CompareVersions(act.FromVersion, act.Version) < 0 {
				ahead = false
				break
			}
		}
		if ahead {
			return store.SyncAhead
		}
	}
	return store.SyncBehind
}

func sortActions(actions []protocol.Action) {
	sort.Slice(actions, func(i, j int) bool { return actions[i].Package < actions[j].Package })
}

func toSet(ss []string) map[string]struct{} {
	out := make(map[string]struct{}, len(ss))
	for _, s := range ss {
		out[s] = struct{}{}
	}
	return out
}
