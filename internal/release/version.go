package release

import (
	"fmt"
	"strings"
	"unicode"

	"github.com/blang/semver"
)

// ParseVersion converts a release tag into a semantic version.
//
// Tags may carry a non-numeric prefix ("v2.1.0", "GE-Proton10-26"). Once
// the prefix is stripped, a tag made only of dash-separated numbers is read
// as dotted components, so "GE-Proton10-26" becomes 10.26.0. Anything else
// goes through semver's tolerant parser, which pads missing components and
// keeps pre-release tags ("2.0.3-rc1").
func ParseVersion(tag string) (semver.Version, error) {
	s := strings.TrimSpace(tag)
	i := strings.IndexFunc(s, unicode.IsDigit)
	if i < 0 {
		return semver.Version{}, fmt.Errorf("version %q: no numeric component", tag)
	}
	s = s[i:]

	if dashedNumeric(s) {
		s = strings.ReplaceAll(s, "-", ".")
	}

	v, err := semver.ParseTolerant(s)
	if err != nil {
		return semver.Version{}, fmt.Errorf("version %q: %w", tag, err)
	}
	return v, nil
}

// MustParseVersion is ParseVersion for constants in tests and defaults.
func MustParseVersion(tag string) semver.Version {
	v, err := ParseVersion(tag)
	if err != nil {
		panic(err)
	}
	return v
}

func dashedNumeric(s string) bool {
	if !strings.Contains(s, "-") {
		return false
	}
	for _, part := range strings.Split(s, "-") {
		if part == "" {
			return false
		}
		for _, r := range part {
			if r < '0' || r > '9' {
				return false
			}
		}
	}
	return true
}
