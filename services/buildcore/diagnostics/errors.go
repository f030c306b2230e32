// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package diagnostics records rule key diagnostics during a build.
//
// A Sink accumulates (rule key, diagnostic key) pairs from concurrent
// producers and appends them to a key log in the background. It also
// collects the dependency edges of diagnosed nodes and writes them once, at
// Close, as a compact graph dump that refers to nodes by small integer IDs.
//
// Diagnostics are best-effort. Write and upload failures are logged at a
// limited rate and counted, and never returned to the build.
//
// # File Formats
//
// Key log, one line per record:
//
//	<ruleKey> <diagnosticKey>
//
// Graph dump:
//
//	N
//	<id> <duration_ns> <type> <target> <cacheable 0|1> <defaultKey> <inputKey|null> <depFileKey|null> <manifestKey|null> <outputHash|null>
//	... N node lines
//	M
//	<fromId> <toId>
//	... M edge lines
package diagnostics

import (
	"errors"
	"fmt"
)

var (
	// ErrMalformedDump matches every *DumpParseError.
	ErrMalformedDump = errors.New("malformed graph dump")

	// ErrMalformedKeyLog is returned when a key log line cannot be parsed.
	ErrMalformedKeyLog = errors.New("malformed key log")

	// ErrInvalidNode is returned when a node cannot be written to a dump.
	ErrInvalidNode = errors.New("invalid dump node")

	// ErrEmptyDir is returned when a sink is created without a directory.
	ErrEmptyDir = errors.New("diagnostics directory must not be empty")
)

// DumpParseError reports the line of a graph dump that failed to parse.
type DumpParseError struct {
	Line int
	Err  error
}

// Error returns the error message.
func (e *DumpParseError) Error() string {
	return fmt.Sprintf("graph dump line %d: %v", e.Line, e.Err)
}

// Unwrap returns the underlying error.
func (e *DumpParseError) Unwrap() error {
	return e.Err
}

// Is reports ErrMalformedDump.
func (e *DumpParseError) Is(target error) bool {
	return target == ErrMalformedDump
}
