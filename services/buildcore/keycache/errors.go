// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package keycache memoizes per-build key computations by node handle.
//
// A Cache holds one Family per node kind. Each Family maps a generation-tagged
// graph.Handle to the computed value (or the terminal failure) for that
// handle. Entries hold handles and values only, never node pointers, so a
// released node is not retained by the cache; Sweep drops entries whose
// handle has gone stale.
//
// # Lifecycle
//
// A Cache is created at build start and discarded at build end. It is never
// persisted.
//
// # Thread Safety
//
// Family and Cache are safe for concurrent use. A miss runs the compute
// function exactly once per handle regardless of how many callers race for
// it; every waiter receives the shared result.
package keycache

import (
	"errors"
	"fmt"

	"github.com/AleutianAI/AleutianBuild/services/buildcore/graph"
)

// Sentinel errors for cache operations.
var (
	// ErrNilCompute is returned when Get is called without a compute function.
	ErrNilCompute = errors.New("compute function must not be nil")

	// ErrZeroHandle is returned for the zero handle, which is never issued.
	ErrZeroHandle = errors.New("zero handle")
)

// CachedError wraps a failure that was memoized for a handle.
//
// Once a computation fails, every lookup of the same handle returns a
// CachedError, including the one that ran the computation.
type CachedError struct {
	// Handle is the handle whose computation failed.
	Handle graph.Handle

	// Err is the original failure.
	Err error
}

// Error implements the error interface.
func (e *CachedError) Error() string {
	return fmt.Sprintf("memoized failure for %s: %v", e.Handle, e.Err)
}

// Unwrap returns the original failure.
func (e *CachedError) Unwrap() error {
	return e.Err
}
