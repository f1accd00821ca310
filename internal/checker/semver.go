package checker

import (
	"strings"

	"golang.org/x/mod/semver"
)

// Canonical returns v in the "vMAJOR.MINOR.PATCH" form x/mod/semver expects,
// or "" when v is not a semantic version.
func Canonical(v string) string {
	v = strings.TrimSpace(v)
	v = strings.TrimPrefix(strings.TrimPrefix(v, "v"), "V")
	if v == "" {
		return ""
	}
	return semver.Canonical("v" + v)
}

// StripV removes a single leading "v" or "V".
func StripV(v string) string {
	v = strings.TrimSpace(v)
	if strings.HasPrefix(v, "v") || strings.HasPrefix(v, "V") {
		return v[1:]
	}
	return v
}

// Compare orders two versions by semantic-version precedence. A string that
// is not a valid version sorts below every valid one; two invalid strings
// compare equal.
func Compare(a, b string) int {
	ca, cb := Canonical(a), Canonical(b)
	switch {
	case ca == "" && cb == "":
		return 0
	case ca == "":
		return -1
	case cb == "":
		return 1
	}
	return semver.Compare(ca, cb)
}

// Newer reports whether candidate is strictly newer than current.
func Newer(candidate, current string) bool {
	return Canonical(candidate) != "" && Compare(candidate, current) > 0
}
