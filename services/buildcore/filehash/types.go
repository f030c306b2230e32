// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package filehash

import "fmt"

// EmptyContentHash is the SHA256 of zero bytes. Ignored inputs hash to it.
const EmptyContentHash = "e3b0c44298fc1c149afbf4c8996fb92427ae41e4649b934ca495991b7852b855"

// FileEntry is the hash record of one input file.
type FileEntry struct {
	// Path is relative to the project root, using forward slashes.
	Path string `json:"path"`

	// Hash is the SHA256 of the content as 64 lowercase hex chars.
	Hash string `json:"hash"`

	// Mtime is the modification time in Unix nanoseconds.
	Mtime int64 `json:"mtime"`

	// Size is the file size in bytes.
	Size int64 `json:"size"`
}

// Validate checks that the entry's hash is well formed.
func (e FileEntry) Validate() error {
	return ValidateHash(e.Hash)
}

// ValidateHash checks that h is exactly 64 lowercase hexadecimal characters.
func ValidateHash(h string) error {
	if len(h) != 64 {
		return fmt.Errorf("%w: length %d", ErrInvalidHash, len(h))
	}
	for i := 0; i < len(h); i++ {
		c := h[i]
		if !((c >= '0' && c <= '9') || (c >= 'a' && c <= 'f')) {
			return fmt.Errorf("%w: character %q at %d", ErrInvalidHash, c, i)
		}
	}
	return nil
}
