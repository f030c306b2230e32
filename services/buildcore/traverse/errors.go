// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package traverse

import (
	"errors"
	"fmt"
	"strings"
)

// Sentinel errors for traversal.
var (
	// ErrCycleDetected matches every *CycleError via errors.Is.
	ErrCycleDetected = errors.New("cycle detected")

	// ErrNilVisit is returned when Traverse is called without a visit function.
	ErrNilVisit = errors.New("visit function must not be nil")
)

// CycleError provides details about a detected cycle.
//
// Chain starts and ends with the colliding node, e.g. [A B C A] for the
// cycle A→B→C→A.
type CycleError[K comparable] struct {
	Chain []K
}

// Error returns the cycle description.
func (e *CycleError[K]) Error() string {
	parts := make([]string, len(e.Chain))
	for i, k := range e.Chain {
		parts[i] = fmt.Sprint(k)
	}
	return fmt.Sprintf("cycle detected: %s", strings.Join(parts, " -> "))
}

// Unwrap returns ErrCycleDetected.
func (e *CycleError[K]) Unwrap() error {
	return ErrCycleDetected
}

// VisitError wraps an error returned by a visit function with the node and
// the dependency stack leading to it.
type VisitError[K comparable] struct {
	Node  K
	Stack []K
	Err   error
}

// Error returns the error message.
func (e *VisitError[K]) Error() string {
	return fmt.Sprintf("visit %v: %v", e.Node, e.Err)
}

// Unwrap returns the underlying error.
func (e *VisitError[K]) Unwrap() error {
	return e.Err
}
