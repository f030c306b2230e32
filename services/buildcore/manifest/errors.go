// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package manifest persists manifest buckets and used-input sets across
// builds.
//
// A manifest maps a coarse manifest key to the dependency-file keys of
// previous executions together with the outputs they produced. Lookup
// recomputes each stored entry's dependency-file key from current file
// contents; the first entry whose key still matches is a hit, which allows
// reuse even when the exact input set differs from the last build.
//
// # Thread Safety
//
// Manager and both Store implementations are safe for concurrent use.
package manifest

import "errors"

// Sentinel errors for manifest operations.
var (
	// ErrManifestNotFound is returned when no manifest exists for a key.
	ErrManifestNotFound = errors.New("manifest not found")

	// ErrUsedInputsNotFound is returned when no used-input set was saved
	// for a target.
	ErrUsedInputsNotFound = errors.New("used inputs not found")

	// ErrCorrupted is returned when a stored record fails its CRC check.
	ErrCorrupted = errors.New("manifest record corrupted (CRC mismatch)")

	// ErrNilStore is returned when a manager is created without a store.
	ErrNilStore = errors.New("store must not be nil")
)
