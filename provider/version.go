package provider

import "fmt"

// Version represents a fabric API semantic version.
type Version struct {
	Major uint
	Minor uint
}

// APIVersion is the interface revision implemented by this module.
var APIVersion = Version{Major: 1, Minor: 6}

func (v Version) String() string {
	return fmt.Sprintf("%d.%d", v.Major, v.Minor)
}

// Compare returns -1 if v < other, 0 if equal, and 1 if v > other.
func (v Version) Compare(other Version) int {
	switch {
	case v.Major < other.Major:
		return -1
	case v.Major > other.Major:
		return 1
	case v.Minor < other.Minor:
		return -1
	case v.Minor > other.Minor:
		return 1
	default:
		return 0
	}
}

// EnsureCompatible ensures a provider implementing have can serve callers
// requesting want: same major release, provider minor at least the request.
func EnsureCompatible(have, want Version) error {
	if want == (Version{}) {
		return nil
	}
	if have.Major != want.Major {
		return fmt.Errorf("fabric major version mismatch: provider %s, requested %s", have, want)
	}
	if have.Minor < want.Minor {
		return fmt.Errorf("fabric provider %s predates requested minor version %s", have, want)
	}
	return nil
}
