// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package graphfile reads build graphs from YAML and HCL files.
//
// A node graph file lists nodes by target. Dependencies and Ref fields name
// other targets in the same file and may appear in any order: Build adds
// nodes to the arena dependencies first and rejects cycles.
//
// YAML:
//
//	nodes:
//	  - target: //lib
//	    type: go_library
//	    inputs: [lib/lib.go]
//	    cacheable: true
//	    fields:
//	      flags: [-trimpath]
//	      toolchain: {ref: //go}
//
// HCL:
//
//	node "go_library" "//lib" {
//	  inputs    = ["lib/lib.go"]
//	  cacheable = true
//	  fields = {
//	    flags     = ["-trimpath"]
//	    toolchain = { ref = "//go" }
//	  }
//	}
//
// Field values are strings, integers, booleans, string lists and string
// maps. A single-key map tagged ref, path, set, list or map selects that
// value type explicitly.
package graphfile

import "errors"

var (
	// ErrUnsupportedFormat is returned for a file extension with no parser.
	ErrUnsupportedFormat = errors.New("unsupported graph file format")

	// ErrUnknownTarget is returned when a dependency or Ref names a target
	// that is not declared.
	ErrUnknownTarget = errors.New("unknown target")

	// ErrDuplicateTarget is returned when a target is declared twice.
	ErrDuplicateTarget = errors.New("duplicate target")

	// ErrInvalidValue is returned for a field value outside the supported
	// types.
	ErrInvalidValue = errors.New("invalid field value")
)
