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
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"

	"golang.org/x/sync/singleflight"
)

// DefaultRetries is the number of extra stable-read attempts per file. Zero
// means a file that changes while being read fails with ErrFileUnstable;
// retry policy belongs to the caller.
const DefaultRetries = 0

// LoaderOption is a functional option for configuring Loader.
type LoaderOption func(*Loader)

// WithHasher sets a custom hasher implementation.
func WithHasher(h Hasher) LoaderOption {
	return func(l *Loader) {
		l.hasher = h
	}
}

// WithIgnore sets the ignore patterns. Ignored inputs hash to
// EmptyContentHash without being read.
func WithIgnore(patterns ...string) LoaderOption {
	return func(l *Loader) {
		l.ignore = NewGlobMatcher(patterns...)
	}
}

// WithRetries sets the stable-read retry count for HashFileAtomic.
func WithRetries(n int) LoaderOption {
	return func(l *Loader) {
		l.retries = n
	}
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) LoaderOption {
	return func(l *Loader) {
		l.logger = logger
	}
}

// Loader hashes input files relative to a project root and memoizes the
// results for the lifetime of one build.
//
// Description:
//
//	The first request for a path hashes it; later requests, including
//	concurrent ones, share that result. Memoization pins file contents for
//	the build: every key computed in the build sees the same hash even if
//	the file changes mid-build.
//
// Thread Safety:
//
//	Loader is safe for concurrent use.
type Loader struct {
	root     string
	realRoot string // root with symlinks resolved
	hasher  Hasher
	ignore  *GlobMatcher
	retries int
	logger  *slog.Logger

	memo   sync.Map // root-relative path -> FileEntry
	group  singleflight.Group
	hashed atomic.Int64
}

// NewLoader creates a loader rooted at root.
//
// Outputs:
//
//	*Loader - Ready to use.
//	error - ErrInvalidRoot if root is not an existing directory.
func NewLoader(root string, opts ...LoaderOption) (*Loader, error) {
	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidRoot, err)
	}
	info, err := os.Stat(abs)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidRoot, err)
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("%w: %s is not a directory", ErrInvalidRoot, abs)
	}

	resolved, err := filepath.EvalSymlinks(abs)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidRoot, err)
	}

	l := &Loader{
		root:     abs,
		realRoot: resolved,
		retries:  DefaultRetries,
	}
	for _, opt := range opts {
		opt(l)
	}
	if l.hasher == nil {
		l.hasher = NewSHA256Hasher(DefaultMaxFileSize)
	}
	if l.ignore == nil {
		l.ignore = NewGlobMatcher(DefaultIgnores...)
	}
	if l.logger == nil {
		l.logger = slog.Default()
	}
	return l, nil
}

// Root returns the absolute project root.
func (l *Loader) Root() string {
	return l.root
}

// Normalize validates path against the root and returns its cleaned,
// forward-slash, root-relative form.
func (l *Loader) Normalize(path string) (string, error) {
	var abs string
	if filepath.IsAbs(path) {
		abs = filepath.Clean(path)
	} else {
		abs = filepath.Clean(filepath.Join(l.root, path))
	}
	rel, err := within(l.root, abs)
	if err != nil {
		return "", fmt.Errorf("%w: %s", err, path)
	}
	if rel == "." {
		return "", fmt.Errorf("%w: %s is the project root", ErrNotRegular, path)
	}
	return filepath.ToSlash(rel), nil
}

// Entry returns the memoized hash record for path.
//
// Outputs:
//
//	FileEntry - Path is the normalized root-relative path.
//	error - *HashError wrapping ErrPathTraversal, ErrFileTooLarge,
//	        ErrFileUnstable or the underlying I/O error.
func (l *Loader) Entry(path string) (FileEntry, error) {
	rel, err := l.Normalize(path)
	if err != nil {
		return FileEntry{}, &HashError{Path: path, Err: err}
	}
	if v, ok := l.memo.Load(rel); ok {
		return v.(FileEntry), nil
	}

	v, err, _ := l.group.Do(rel, func() (any, error) {
		if v, ok := l.memo.Load(rel); ok {
			return v, nil
		}
		entry, err := l.load(rel)
		if err != nil {
			return nil, err
		}
		l.memo.Store(rel, entry)
		return entry, nil
	})
	if err != nil {
		return FileEntry{}, &HashError{Path: rel, Err: err}
	}
	return v.(FileEntry), nil
}

func (l *Loader) load(rel string) (FileEntry, error) {
	if l.ignore.Match(rel) {
		l.logger.Debug("input ignored",
			slog.String("path", rel),
		)
		return FileEntry{Path: rel, Hash: EmptyContentHash}, nil
	}

	full := filepath.Join(l.root, filepath.FromSlash(rel))
	resolved, err := filepath.EvalSymlinks(full)
	if err != nil {
		return FileEntry{}, err
	}
	if _, err := within(l.realRoot, resolved); err != nil {
		l.logger.Warn("input resolves outside project root",
			slog.String("path", rel),
			slog.String("target", resolved),
		)
		return FileEntry{}, fmt.Errorf("%w: %s resolves to %s", err, rel, resolved)
	}

	entry, err := l.hasher.HashFileAtomic(resolved, l.retries)
	if err != nil {
		return FileEntry{}, err
	}
	entry.Path = rel
	l.hashed.Add(1)
	return entry, nil
}

// within returns path relative to root, or ErrPathTraversal when path lies
// outside it.
func within(root, path string) (string, error) {
	rel, err := filepath.Rel(root, path)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrPathTraversal, err)
	}
	if rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return "", ErrPathTraversal
	}
	return rel, nil
}

// Hash returns the memoized content hash for path.
func (l *Loader) Hash(path string) (string, error) {
	e, err := l.Entry(path)
	if err != nil {
		return "", err
	}
	return e.Hash, nil
}

// Invalidate drops memoized hashes so the next request re-reads the files.
func (l *Loader) Invalidate(paths ...string) {
	for _, p := range paths {
		if rel, err := l.Normalize(p); err == nil {
			l.memo.Delete(rel)
		}
	}
}

// Reset drops every memoized hash.
func (l *Loader) Reset() {
	l.memo.Clear()
}

// Hashed returns how many files were actually read and hashed.
func (l *Loader) Hashed() int64 {
	return l.hashed.Load()
}
