// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package semver wraps github.com/Masterminds/semver/v3 with value types
// used by the versioned graph resolver.
package semver

import (
	"fmt"
	"strings"

	mm "github.com/Masterminds/semver/v3"
)

// Version is a semantic version. The zero Version is invalid and sorts
// below every parsed version.
type Version struct {
	v *mm.Version
}

// Constraint is a version range such as ">=1.2.0 <2.0.0", "^1.0.0" or "~1.4".
// The zero Constraint matches nothing.
type Constraint struct {
	c   *mm.Constraints
	raw string
}

// ParseVersion parses a semantic version.
func ParseVersion(raw string) (Version, error) {
	v, err := mm.NewVersion(strings.TrimSpace(raw))
	if err != nil {
		return Version{}, fmt.Errorf("semver: parse version %q: %w", raw, err)
	}
	return Version{v: v}, nil
}

// MustParseVersion is ParseVersion that panics. Intended for tests.
func MustParseVersion(raw string) Version {
	v, err := ParseVersion(raw)
	if err != nil {
		panic(err)
	}
	return v
}

// String returns the version as originally written.
func (v Version) String() string {
	if v.v == nil {
		return ""
	}
	return v.v.Original()
}

// IsZero reports whether v is the zero Version.
func (v Version) IsZero() bool {
	return v.v == nil
}

// Equal reports whether a and b denote the same version.
func (v Version) Equal(o Version) bool {
	return Compare(v, o) == 0
}

// ParseConstraint parses a version range. An empty string or "*" accepts
// every version.
func ParseConstraint(raw string) (Constraint, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		trimmed = "*"
	}
	c, err := mm.NewConstraint(trimmed)
	if err != nil {
		return Constraint{}, fmt.Errorf("semver: parse constraint %q: %w", raw, err)
	}
	return Constraint{c: c, raw: trimmed}, nil
}

// MustParseConstraint is ParseConstraint that panics. Intended for tests.
func MustParseConstraint(raw string) Constraint {
	c, err := ParseConstraint(raw)
	if err != nil {
		panic(err)
	}
	return c
}

// String returns the range as written.
func (c Constraint) String() string {
	return c.raw
}

// Satisfies reports whether v is inside c.
func Satisfies(v Version, c Constraint) bool {
	if v.v == nil || c.c == nil {
		return false
	}
	return c.c.Check(v.v)
}

// SatisfiesAll reports whether v is inside every constraint in cs.
func SatisfiesAll(v Version, cs []Constraint) bool {
	for _, c := range cs {
		if !Satisfies(v, c) {
			return false
		}
	}
	return v.v != nil
}

// Compare returns -1, 0 or 1 as a is less than, equal to or greater than b.
func Compare(a, b Version) int {
	if a.v == nil && b.v == nil {
		return 0
	}
	if a.v == nil {
		return -1
	}
	if b.v == nil {
		return 1
	}
	return a.v.Compare(b.v)
}

// MaxSatisfying returns the highest candidate that satisfies every
// constraint. If several are equal, the first encountered wins.
func MaxSatisfying(cs []Constraint, candidates []Version) (Version, bool) {
	var best Version
	found := false
	for _, candidate := range candidates {
		if !SatisfiesAll(candidate, cs) {
			continue
		}
		if !found || Compare(candidate, best) > 0 {
			best = candidate
			found = true
		}
	}
	return best, found
}
