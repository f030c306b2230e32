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

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"os"
)

// DefaultMaxFileSize is the default size limit for hashed inputs (100MB).
const DefaultMaxFileSize int64 = 100 * 1024 * 1024

// Hasher computes content hashes of files.
type Hasher interface {
	// HashFile returns the SHA256 of the file as 64 lowercase hex chars.
	HashFile(path string) (string, error)

	// HashFileAtomic hashes the file and verifies it did not change while
	// being read. retries bounds how many extra stable reads are attempted.
	HashFileAtomic(path string, retries int) (FileEntry, error)
}

// SHA256Hasher implements Hasher with crypto/sha256.
//
// Thread Safety: SHA256Hasher is stateless and safe for concurrent use.
type SHA256Hasher struct {
	maxFileSize int64
}

// NewSHA256Hasher creates a hasher. A maxFileSize of 0 disables the limit.
func NewSHA256Hasher(maxFileSize int64) *SHA256Hasher {
	return &SHA256Hasher{maxFileSize: maxFileSize}
}

// HashFile returns the SHA256 of the file at path.
func (h *SHA256Hasher) HashFile(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return "", err
	}
	if !info.Mode().IsRegular() {
		return "", fmt.Errorf("%w: %s", ErrNotRegular, path)
	}
	if h.maxFileSize > 0 && info.Size() > h.maxFileSize {
		return "", fmt.Errorf("%w: %d bytes", ErrFileTooLarge, info.Size())
	}

	sum := sha256.New()
	if _, err := io.Copy(sum, f); err != nil {
		return "", err
	}
	return hex.EncodeToString(sum.Sum(nil)), nil
}

// HashFileAtomic hashes a file with TOCTOU protection.
//
// Description:
//
//	Stats the file, hashes it, and stats it again. If size or mtime moved
//	in between, the read is discarded and repeated up to retries more
//	times.
//
// Inputs:
//
//	path - Absolute path of the file.
//	retries - Extra attempts after the first. Negative is treated as 0.
//
// Outputs:
//
//	FileEntry - Hash, mtime and size. Path is left for the caller to set.
//	error - ErrFileUnstable when no stable read was observed.
func (h *SHA256Hasher) HashFileAtomic(path string, retries int) (FileEntry, error) {
	if retries < 0 {
		retries = 0
	}
	for attempt := 0; attempt <= retries; attempt++ {
		before, err := os.Stat(path)
		if err != nil {
			return FileEntry{}, err
		}

		hash, err := h.HashFile(path)
		if err != nil {
			return FileEntry{}, err
		}

		after, err := os.Stat(path)
		if err != nil {
			return FileEntry{}, err
		}

		if before.Size() == after.Size() && before.ModTime().Equal(after.ModTime()) {
			return FileEntry{
				Hash:  hash,
				Mtime: after.ModTime().UnixNano(),
				Size:  after.Size(),
			}, nil
		}
	}
	return FileEntry{}, fmt.Errorf("%w: %s after %d attempts", ErrFileUnstable, path, retries+1)
}
