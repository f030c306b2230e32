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
	"path/filepath"
	"strings"
)

// DefaultIgnores lists inputs whose content never participates in keys.
var DefaultIgnores = []string{
	".git/**",
	"**/.DS_Store",
}

// GlobMatcher matches root-relative paths against glob patterns.
//
// Patterns use glob syntax with ** for recursive matching:
//   - * matches any sequence of non-separator characters
//   - ** matches any sequence of characters including separators
//   - ? matches any single non-separator character
//   - [abc] matches one of the characters in brackets
//
// Thread Safety: GlobMatcher is safe for concurrent use after creation.
type GlobMatcher struct {
	patterns []string
}

// NewGlobMatcher creates a matcher over the given patterns.
func NewGlobMatcher(patterns ...string) *GlobMatcher {
	return &GlobMatcher{patterns: append([]string(nil), patterns...)}
}

// Patterns returns a copy of the configured patterns.
func (m *GlobMatcher) Patterns() []string {
	return append([]string(nil), m.patterns...)
}

// Match reports whether path matches any pattern.
func (m *GlobMatcher) Match(path string) bool {
	if m == nil {
		return false
	}
	path = filepath.ToSlash(path)
	for _, p := range m.patterns {
		if matchGlob(p, path) {
			return true
		}
	}
	return false
}

func matchGlob(pattern, path string) bool {
	if strings.Contains(pattern, "**") {
		return matchDoublestar(pattern, path)
	}
	if matched, _ := filepath.Match(pattern, path); matched {
		return true
	}
	matched, _ := filepath.Match(pattern, filepath.Base(path))
	return matched
}

// matchDoublestar handles "prefix/**/suffix" style patterns.
func matchDoublestar(pattern, path string) bool {
	parts := strings.Split(pattern, "**")
	if len(parts) != 2 {
		// Multiple ** segments: literal parts must appear in order.
		idx := 0
		for i, part := range parts {
			part = strings.Trim(part, "/")
			if part == "" {
				continue
			}
			at := strings.Index(path[idx:], part)
			if at == -1 {
				return false
			}
			if i == 0 && at != 0 {
				return false
			}
			idx += at + len(part)
		}
		return strings.HasSuffix(pattern, "**") || idx == len(path)
	}

	prefix := strings.TrimSuffix(parts[0], "/")
	suffix := strings.TrimPrefix(parts[1], "/")

	if prefix != "" {
		if path != prefix && !strings.HasPrefix(path, prefix+"/") {
			return false
		}
		path = strings.TrimPrefix(strings.TrimPrefix(path, prefix), "/")
	}
	if suffix == "" {
		return true
	}
	return matchSuffix(suffix, path)
}

func matchSuffix(suffix, path string) bool {
	segments := strings.Split(path, "/")
	for i := range segments {
		sub := strings.Join(segments[i:], "/")
		if matched, _ := filepath.Match(suffix, sub); matched {
			return true
		}
	}
	return false
}
