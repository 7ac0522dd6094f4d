package nmos

import (
	"fmt"
	"strconv"
	"strings"
)

// APIVersion is a "v<major>.<minor>" API version.
type APIVersion struct {
	Major int
	Minor int
}

// Versions supported by the discovery and registration APIs, most recent last.
var (
	V1_0 = APIVersion{1, 0}
	V1_1 = APIVersion{1, 1}
	V1_2 = APIVersion{1, 2}
	V1_3 = APIVersion{1, 3}

	// DiscoveryVersions are the IS-04 versions this node can speak, in
	// ascending order.
	DiscoveryVersions = []APIVersion{V1_0, V1_1, V1_2, V1_3}
)

// ParseAPIVersion parses "v1.3" style version strings.
func ParseAPIVersion(s string) (APIVersion, error) {
	if !strings.HasPrefix(s, "v") {
		return APIVersion{}, fmt.Errorf("invalid API version %q", s)
	}
	major, minor, ok := strings.Cut(s[1:], ".")
	if !ok {
		return APIVersion{}, fmt.Errorf("invalid API version %q", s)
	}
	maj, err := strconv.Atoi(major)
	if err != nil || maj < 0 {
		return APIVersion{}, fmt.Errorf("invalid API version %q", s)
	}
	min, err := strconv.Atoi(minor)
	if err != nil || min < 0 {
		return APIVersion{}, fmt.Errorf("invalid API version %q", s)
	}
	return APIVersion{Major: maj, Minor: min}, nil
}

// MustParseAPIVersion is ParseAPIVersion for trusted literals.
func MustParseAPIVersion(s string) APIVersion {
	v, err := ParseAPIVersion(s)
	if err != nil {
		panic(err)
	}
	return v
}

// String renders "v<major>.<minor>".
func (v APIVersion) String() string {
	return "v" + strconv.Itoa(v.Major) + "." + strconv.Itoa(v.Minor)
}

// Cmp returns -1, 0 or +1 comparing v against u.
func (v APIVersion) Cmp(u APIVersion) int {
	switch {
	case v.Major < u.Major:
		return -1
	case v.Major > u.Major:
		return 1
	case v.Minor < u.Minor:
		return -1
	case v.Minor > u.Minor:
		return 1
	default:
		return 0
	}
}

// IsZero reports whether v is the unset version.
func (v APIVersion) IsZero() bool { return v.Major == 0 && v.Minor == 0 }

// LatestVersion returns the highest version in vs, or the zero version.
func LatestVersion(vs []APIVersion) APIVersion {
	var latest APIVersion
	for _, v := range vs {
		if latest.Cmp(v) < 0 {
			latest = v
		}
	}
	return latest
}

// ParseVersionList parses a comma-separated version list such as the
// DNS-SD api_ver TXT value "v1.0,v1.1,v1.2,v1.3".
func ParseVersionList(s string) ([]APIVersion, error) {
	var out []APIVersion
	for _, part := range strings.Split(s, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		v, err := ParseAPIVersion(part)
		if err != nil {
			return nil, err
		}
		out = append(out, v)
	}
	return out, nil
}

// FormatVersionList renders versions as a comma-separated list.
func FormatVersionList(vs []APIVersion) string {
	parts := make([]string, 0, len(vs))
	for _, v := range vs {
		parts = append(parts, v.String())
	}
	return strings.Join(parts, ",")
}
