// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package versioned resolves a graph whose targets may declare several
// acceptable versions into one concrete graph.
//
// Some references in the input graph name a target rather than a node. Each
// such target has a Universe: the versions it can be built at and the node
// that implements each version. Resolution picks exactly one version per
// referenced target and rewrites every reference to point at that version's
// node, so every path through the result agrees on the choice.
//
// # Errors
//
// An empty intersection of ranges is reported as *UnsatisfiableError. A run
// that outlives its deadline is reported as *TimeoutError. The two never
// match each other via errors.Is and neither is returned with a partial
// graph.
package versioned

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

var (
	// ErrVersionConstraintUnsatisfiable matches every *UnsatisfiableError.
	ErrVersionConstraintUnsatisfiable = errors.New("version constraint unsatisfiable")

	// ErrResolutionTimeout matches every *TimeoutError.
	ErrResolutionTimeout = errors.New("version resolution timed out")

	// ErrNilGraph is returned when a request carries no graph.
	ErrNilGraph = errors.New("graph must not be nil")

	// ErrInvalidGraph is returned for malformed graphs: empty or duplicate
	// node IDs, unknown roots, or empty versioned targets.
	ErrInvalidGraph = errors.New("invalid graph")

	// ErrUnknownNode is returned when an edge names a node the graph lacks.
	ErrUnknownNode = errors.New("unknown node")

	// ErrUnknownUniverse is returned when a versioned reference names a
	// target with no universe.
	ErrUnknownUniverse = errors.New("no universe for target")

	// ErrInvalidUniverse is returned for universes with unparsable versions
	// or alternatives that point at missing nodes.
	ErrInvalidUniverse = errors.New("invalid universe")

	// ErrInvalidRange is returned when a declared range does not parse.
	ErrInvalidRange = errors.New("invalid version range")
)

// UnsatisfiableError reports that no alternative of Target lies inside the
// requested range.
type UnsatisfiableError struct {
	// Target is the versioned target that could not be resolved.
	Target string

	// Range is the conjunction of every range requested for Target.
	Range string

	// Available lists the versions the universe offered.
	Available []string
}

// Error returns the error message.
func (e *UnsatisfiableError) Error() string {
	if len(e.Available) == 0 {
		return fmt.Sprintf("version constraint unsatisfiable: %s requires %s; no versions available", e.Target, e.Range)
	}
	return fmt.Sprintf("version constraint unsatisfiable: %s requires %s; available %s",
		e.Target, e.Range, strings.Join(e.Available, ", "))
}

// Unwrap returns ErrVersionConstraintUnsatisfiable.
func (e *UnsatisfiableError) Unwrap() error {
	return ErrVersionConstraintUnsatisfiable
}

// TimeoutError reports that resolution exceeded its deadline.
type TimeoutError struct {
	// Phase is the phase that was running when the deadline passed.
	Phase Phase

	// Elapsed is the time spent before giving up.
	Elapsed time.Duration
}

// Error returns the error message.
func (e *TimeoutError) Error() string {
	return fmt.Sprintf("version resolution timed out during %s after %s", e.Phase, e.Elapsed.Round(time.Millisecond))
}

// Unwrap returns ErrResolutionTimeout.
func (e *TimeoutError) Unwrap() error {
	return ErrResolutionTimeout
}
