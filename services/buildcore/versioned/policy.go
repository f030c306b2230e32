// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package versioned

import (
	"context"
	"strings"

	"github.com/AleutianAI/AleutianBuild/services/buildcore/semver"
)

// SelectionPolicy chooses one version for a target.
//
// Select is called exactly once per target per resolution. alternatives is
// sorted ascending and ranges holds every range requested for the target so
// far. The returned version must be one of the alternatives and satisfy all
// ranges; a policy that cannot comply returns *UnsatisfiableError.
type SelectionPolicy interface {
	// Name identifies the policy in cache keys and logs.
	Name() string

	Select(ctx context.Context, target string, alternatives []semver.Version, ranges []semver.Constraint) (semver.Version, error)
}

// HighestSatisfying picks the highest alternative inside every range.
type HighestSatisfying struct{}

// Name returns "highest".
func (HighestSatisfying) Name() string { return "highest" }

// Select implements SelectionPolicy.
func (HighestSatisfying) Select(_ context.Context, target string, alternatives []semver.Version, ranges []semver.Constraint) (semver.Version, error) {
	v, ok := semver.MaxSatisfying(ranges, alternatives)
	if !ok {
		return semver.Version{}, unsatisfiable(target, ranges, alternatives)
	}
	return v, nil
}

// Pinned selects externally fixed versions. Targets without a pin are
// delegated to Fallback, or HighestSatisfying when Fallback is nil.
type Pinned struct {
	// Versions maps target to pinned version.
	Versions map[string]string

	Fallback SelectionPolicy
}

// Name returns "pinned" followed by the sorted pins, so two Pinned policies
// with different pins never share cache entries.
func (p Pinned) Name() string {
	var b strings.Builder
	b.WriteString("pinned")
	for _, t := range sortedKeys(p.Versions) {
		b.WriteString(";")
		b.WriteString(t)
		b.WriteString("=")
		b.WriteString(p.Versions[t])
	}
	if p.Fallback != nil {
		b.WriteString("|")
		b.WriteString(p.Fallback.Name())
	}
	return b.String()
}

// Select implements SelectionPolicy.
func (p Pinned) Select(ctx context.Context, target string, alternatives []semver.Version, ranges []semver.Constraint) (semver.Version, error) {
	raw, ok := p.Versions[target]
	if !ok {
		fallback := p.Fallback
		if fallback == nil {
			fallback = HighestSatisfying{}
		}
		return fallback.Select(ctx, target, alternatives, ranges)
	}

	pin, err := semver.ParseVersion(raw)
	if err != nil {
		return semver.Version{}, err
	}
	for _, alt := range alternatives {
		if alt.Equal(pin) && semver.SatisfiesAll(alt, ranges) {
			return alt, nil
		}
	}
	withPin := append(append([]semver.Constraint(nil), ranges...), semver.MustParseConstraint("="+pin.String()))
	return semver.Version{}, unsatisfiable(target, withPin, alternatives)
}

func unsatisfiable(target string, ranges []semver.Constraint, alternatives []semver.Version) *UnsatisfiableError {
	available := make([]string, len(alternatives))
	for i, a := range alternatives {
		available[i] = a.String()
	}
	return &UnsatisfiableError{
		Target:    target,
		Range:     joinRanges(ranges),
		Available: available,
	}
}

// joinRanges renders ranges as one conjunction, dropping duplicates.
func joinRanges(ranges []semver.Constraint) string {
	if len(ranges) == 0 {
		return "*"
	}
	seen := make(map[string]bool, len(ranges))
	parts := make([]string, 0, len(ranges))
	for _, r := range ranges {
		s := r.String()
		if seen[s] {
			continue
		}
		seen[s] = true
		parts = append(parts, s)
	}
	return strings.Join(parts, " && ")
}
