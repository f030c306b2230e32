// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package rulekey computes deterministic fingerprints of build nodes.
//
// Three variants exist, in increasing specificity:
//
//   - Structural key: a node's declared fields combined with the keys (not
//     the raw fields) of its dependencies.
//   - Dependency-file key: the structural inputs narrowed to the static
//     inputs an instrumented execution reported as actually read.
//   - Manifest key: a coarse key addressing a manifest bucket of
//     dependency-file keys.
//
// # Determinism
//
// Every value is written with a type tag and a length prefix. Sets, maps,
// fields and input paths are sorted before hashing. No map iteration order,
// timestamp or address reaches the digest, so equal inputs produce equal
// keys across processes and hosts.
//
// # Thread Safety
//
// Factory is safe for concurrent use. Builder is not.
package rulekey

import (
	"errors"
	"fmt"
)

// Sentinel errors for key computation.
var (
	// ErrInvalidKey is returned when parsing a malformed rule key.
	ErrInvalidKey = errors.New("invalid rule key")

	// ErrDependencyFailed marks a key that could not be computed because a
	// dependency's key failed.
	ErrDependencyFailed = errors.New("dependency key failed")

	// ErrNilContent is returned when a factory is created without a
	// content source.
	ErrNilContent = errors.New("content source must not be nil")
)

// KeyComputationError is a node-local failure to fingerprint one node.
//
// It is terminal for the node within the build and does not affect keys of
// unrelated nodes.
type KeyComputationError struct {
	// Target is the node whose key failed.
	Target string

	// Path is the input that could not be hashed, if any.
	Path string

	// Err is the underlying error.
	Err error
}

// Error implements the error interface.
func (e *KeyComputationError) Error() string {
	if e.Path != "" {
		return fmt.Sprintf("key for %s: input %s: %v", e.Target, e.Path, e.Err)
	}
	return fmt.Sprintf("key for %s: %v", e.Target, e.Err)
}

// Unwrap returns the underlying error.
func (e *KeyComputationError) Unwrap() error {
	return e.Err
}
