package schema

import (
	"regexp"
	"sort"
	"strconv"
	"strings"
)

// versionPattern matches dot-separated numeric versions ("1", "1.0", "1.0.0").
// Anything else (junk files, "v"-prefixed tags, hidden directories) is not a
// version and is excluded from store listings rather than errored.
var versionPattern = regexp.MustCompile(`^\d+(\.\d+)*$`)

// IsVersion reports whether s is a well-formed version string.
func IsVersion(s string) bool {
	return versionPattern.MatchString(s)
}

// CompareVersions orders two version strings by numeric per-segment
// comparison, so 1.9.0 < 1.10.0 < 1.11.0. Missing segments compare as zero
// ("1.0" == "1.0.0"). Both inputs must satisfy IsVersion; junk input sorts
// via a best-effort zero value for the malformed segment.
func CompareVersions(a, b string) int {
	as := strings.Split(a, ".")
	bs := strings.Split(b, ".")
	n := len(as)
	if len(bs) > n {
		n = len(bs)
	}
	for i := 0; i < n; i++ {
		av, bv := 0, 0
		if i < len(as) {
			av, _ = strconv.Atoi(as[i])
		}
		if i < len(bs) {
			bv, _ = strconv.Atoi(bs[i])
		}
		if av != bv {
			if av < bv {
				return -1
			}
			return 1
		}
	}
	return 0
}

// SortVersions sorts version strings ascending by numeric ordering.
func SortVersions(versions []string) {
	sort.Slice(versions, func(i, j int) bool {
		return CompareVersions(versions[i], versions[j]) < 0
	})
}

// SafeVersion substitutes dots with underscores so that artifact basenames
// stay unique when fixtures for several versions are compiled into a single
// build unit.
func SafeVersion(v string) string {
	return strings.ReplaceAll(v, ".", "_")
}
