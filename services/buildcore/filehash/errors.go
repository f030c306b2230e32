// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package filehash computes content hashes for build inputs.
//
// Hashes are SHA256, rendered as 64 lowercase hexadecimal characters. A
// Loader memoizes hashes for the duration of one build so that every rule
// key computed in that build observes the same file contents.
//
// # Security
//
// All paths are validated against the project root; a path that escapes the
// root is rejected with ErrPathTraversal before the filesystem is touched.
// Symlinks are followed only while their target stays inside the root.
//
// # Thread Safety
//
// SHA256Hasher, GlobMatcher and Loader are safe for concurrent use.
package filehash

import (
	"errors"
	"fmt"
)

// Sentinel errors for hashing operations.
var (
	// ErrPathTraversal is returned when a path escapes the project root.
	ErrPathTraversal = errors.New("path escapes project root")

	// ErrFileTooLarge is returned when a file exceeds the hasher's size limit.
	ErrFileTooLarge = errors.New("file too large to hash")

	// ErrFileUnstable is returned when a file keeps changing while it is
	// being hashed.
	ErrFileUnstable = errors.New("file changed during hashing")

	// ErrInvalidHash is returned when a hash is not 64 lowercase hex chars.
	ErrInvalidHash = errors.New("invalid hash format")

	// ErrInvalidRoot is returned when the project root is not a directory.
	ErrInvalidRoot = errors.New("invalid project root")

	// ErrNotRegular is returned when an input path names a directory or
	// another non-regular file.
	ErrNotRegular = errors.New("not a regular file")
)

// HashError records which input failed to hash.
type HashError struct {
	// Path is the root-relative input path.
	Path string

	// Err is the underlying error.
	Err error
}

// Error implements the error interface.
func (e *HashError) Error() string {
	return fmt.Sprintf("hash %s: %v", e.Path, e.Err)
}

// Unwrap returns the underlying error for errors.Is/As support.
func (e *HashError) Unwrap() error {
	return e.Err
}
