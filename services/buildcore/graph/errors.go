// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package graph provides the node arena that every other build-core package
// operates on.
//
// Nodes are units of buildable work: an action, an appendable value (a
// fingerprintable collection shared between actions) or a plain graph node.
// They are created by the upstream graph builder, added to an Arena, and
// addressed afterwards by generation-tagged Handles.
//
// # Ownership Model
//
// The arena stores pointers to nodes but callers must treat them as frozen:
//   - Nodes MUST NOT be mutated after being added via Add()
//   - Handles, not pointers, are the identity used by caches
//   - Releasing a slot bumps its generation so stale handles are detectable
//
// # Thread Safety
//
// Arena is safe for concurrent use. Reads take a shared lock; Add and Release
// serialize.
package graph

import "errors"

// Sentinel errors for arena operations.
var (
	// ErrDuplicateNode is returned when adding a node whose target already
	// exists in the arena.
	ErrDuplicateNode = errors.New("duplicate node target")

	// ErrNodeNotFound is returned when a handle or target does not resolve
	// to a node.
	ErrNodeNotFound = errors.New("node not found")

	// ErrStaleHandle is returned when a handle refers to a released slot.
	ErrStaleHandle = errors.New("stale node handle")

	// ErrInvalidNode is returned for nil nodes, empty targets, or nodes
	// referencing handles that are not live.
	ErrInvalidNode = errors.New("invalid node")

	// ErrUnknownKind is returned when a node kind outside the closed set is
	// encountered.
	ErrUnknownKind = errors.New("unknown node kind")
)
