package analyzer

import (
	"strings"

	"github.com/Masterminds/semver/v3"
)

// CompareVersions imposes a total order on version strings so conflict
// resolution is deterministic. Semver-parsable versions order by semver;
// an unparsable string is always inferior to a parsable one; two
// unparsable strings (and semver-equal but textually distinct strings)
// order lexically.
func CompareVersions(a, b string) int {
	va, errA := semver.NewVersion(strings.TrimSpace(a))
	vb, errB := semver.NewVersion(strings.TrimSpace(b))

	switch {
	case errA == nil && errB == nil:
		if c := va.Compare(vb); c != 0 {
			return c
		}
		return strings.Compare(a, b)
	case errA == nil:
		return 1
	case errB == nil:
		return -1
	default:
		return strings.Compare(a, b)
	}
}

// newestVersion returns the greatest version in vs under CompareVersions.
func newestVersion(vs []string) string {
	best := ""
	for i, v := range vs {
		if i == 0 || CompareVersions(v, best) > 0 {
			best = v
		}
	}
	return best
}

// oldestVersion returns the least version in vs under CompareVersions.
func oldestVersion(vs []string) string {
	best := ""
	for i, v := range vs {
		if i == 0 || CompareVersions(v, best) < 0 {
			best = v
		}
	}
	return best
}
