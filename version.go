package pybridge

import (
	"cmp"
	"fmt"
	"strconv"
	"strings"
)

// Version is a dotted interpreter version. Minor and Patch are -1 when the
// source string did not carry them.
type Version struct {
	Major int
	Minor int
	Patch int
}

// ParseVersion accepts "X", "X.Y" or "X.Y.Z". Anything after the last number
// of a component ("3.13.0rc1", "2.1.0-beta") is ignored.
func ParseVersion(s string) (Version, error) {
	v := Version{Minor: -1, Patch: -1}
	parts := strings.SplitN(strings.TrimSpace(s), ".", 3)
	fields := []*int{&v.Major, &v.Minor, &v.Patch}
	for i, part := range parts {
		digits := part
		if j := strings.IndexFunc(part, func(r rune) bool { return r < '0' || r > '9' }); j >= 0 {
			digits = part[:j]
		}
		n, err := strconv.Atoi(digits)
		if err != nil {
			if i == 0 {
				return Version{}, fmt.Errorf("invalid version %q", s)
			}
			break
		}
		*fields[i] = n
		if digits != part {
			break
		}
	}
	return v, nil
}

// ParsePythonVersion parses the output of "python --version".
func ParsePythonVersion(s string) (Version, error) {
	name, rest, ok := strings.Cut(strings.TrimSpace(s), " ")
	if !ok || name != "Python" {
		return Version{}, fmt.Errorf("invalid python version string %q", s)
	}
	return ParseVersion(rest)
}

// Compare returns -1, 0 or 1 as v sorts before, equal to or after other.
func (v Version) Compare(other Version) int {
	if c := cmp.Compare(v.Major, other.Major); c != 0 {
		return c
	}
	if c := cmp.Compare(v.Minor, other.Minor); c != 0 {
		return c
	}
	return cmp.Compare(v.Patch, other.Patch)
}

// AtLeast reports whether v is major.minor or newer.
func (v Version) AtLeast(major, minor int) bool {
	return v.Compare(Version{Major: major, Minor: minor, Patch: -1}) >= 0
}

// IsZero reports whether v was never set.
func (v Version) IsZero() bool { return v == Version{} }

func (v Version) String() string {
	switch {
	case v.Minor < 0:
		return strconv.Itoa(v.Major)
	case v.Patch < 0:
		return fmt.Sprintf("%d.%d", v.Major, v.Minor)
	}
	return fmt.Sprintf("%d.%d.%d", v.Major, v.Minor, v.Patch)
}

// MinorString returns "major.minor", as in "python3.12".
func (v Version) MinorString() string {
	return fmt.Sprintf("%d.%d", v.Major, v.Minor)
}
