// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package engine runs one build session over a node arena.
//
// A Session owns the per-build state: the key factory and its cache, an
// optional manifest manager and an optional diagnostics sink. Run computes
// rule keys for every node reachable from the requested roots in dependency
// order, evaluating independent nodes concurrently in ready waves. A node
// whose key cannot be computed fails alone; everything that depends on it
// is skipped.
package engine

import (
	"errors"
	"fmt"
)

var (
	// ErrSessionClosed is returned by Run after Close.
	ErrSessionClosed = errors.New("session is closed")

	// ErrDependencyFailed marks nodes skipped because a dependency failed.
	ErrDependencyFailed = errors.New("dependency failed")

	// ErrNoProgress is returned if no node is ready while some remain.
	ErrNoProgress = errors.New("no nodes ready to execute")
)

// SkippedError explains why a node was not evaluated.
type SkippedError struct {
	Target     string
	Dependency string
}

// Error returns the error message.
func (e *SkippedError) Error() string {
	return fmt.Sprintf("%s skipped: dependency %s failed", e.Target, e.Dependency)
}

// Unwrap returns ErrDependencyFailed.
func (e *SkippedError) Unwrap() error {
	return ErrDependencyFailed
}
