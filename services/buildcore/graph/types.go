// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package graph

import (
	"fmt"
	"strconv"
	"strings"
)

// Kind is the closed set of node kinds.
type Kind uint8

const (
	// KindAction is a node that produces outputs by running a build step.
	KindAction Kind = iota + 1

	// KindAppendableValue is a fingerprintable value shared by several
	// actions, such as a classpath or a list of flags.
	KindAppendableValue

	// KindGraphNode is a target-graph node that has no action of its own.
	KindGraphNode
)

// Kinds lists every valid kind in declaration order.
var Kinds = []Kind{KindAction, KindAppendableValue, KindGraphNode}

// String returns the lowercase name of the kind.
func (k Kind) String() string {
	switch k {
	case KindAction:
		return "action"
	case KindAppendableValue:
		return "appendable"
	case KindGraphNode:
		return "graph_node"
	default:
		return "unknown(" + strconv.Itoa(int(k)) + ")"
	}
}

// Valid reports whether k is one of the declared kinds.
func (k Kind) Valid() bool {
	switch k {
	case KindAction, KindAppendableValue, KindGraphNode:
		return true
	default:
		return false
	}
}

// ParseKind converts a kind name back to a Kind.
func ParseKind(s string) (Kind, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "action", "":
		return KindAction, nil
	case "appendable", "appendable_value":
		return KindAppendableValue, nil
	case "graph_node", "graph":
		return KindGraphNode, nil
	default:
		return 0, fmt.Errorf("%w: %q", ErrUnknownKind, s)
	}
}

// Handle addresses a node slot in an Arena.
//
// The zero Handle is never issued. A handle whose generation no longer
// matches its slot is stale: the node it pointed to has been released.
type Handle struct {
	index uint32
	gen   uint32
}

// NewHandle builds a handle from raw parts. Intended for tests and decoders.
func NewHandle(index, gen uint32) Handle {
	return Handle{index: index, gen: gen}
}

// Index returns the slot index.
func (h Handle) Index() uint32 { return h.index }

// Generation returns the slot generation the handle was issued for.
func (h Handle) Generation() uint32 { return h.gen }

// IsZero reports whether h is the zero handle.
func (h Handle) IsZero() bool { return h.gen == 0 }

// String renders the handle as "index@generation".
func (h Handle) String() string {
	return strconv.FormatUint(uint64(h.index), 10) + "@" + strconv.FormatUint(uint64(h.gen), 10)
}

// Field is a named declared value that participates in fingerprinting.
type Field struct {
	Name  string
	Value Value
}

// Node is a unit of work in the build graph.
//
// A Node is immutable once added to an Arena.
type Node struct {
	// Target is the unique, human-readable name (e.g. "//app:server").
	Target string

	// Kind selects how the node is fingerprinted.
	Kind Kind

	// Type is the rule type (e.g. "go_binary"). Must not contain whitespace.
	Type string

	// Deps are ordered dependency references.
	Deps []Handle

	// Fields are the declared values contributing to the node's key.
	Fields []Field

	// Inputs are the declared static input paths, relative to the project
	// root. These are the inputs a dependency file may narrow.
	Inputs []string

	// Cacheable reports whether outputs of this node may be reused.
	Cacheable bool
}

// Refs returns the handles referenced by Ref fields, in field order.
func (n *Node) Refs() []Handle {
	var refs []Handle
	for _, f := range n.Fields {
		if r, ok := f.Value.(Ref); ok {
			refs = append(refs, Handle(r))
		}
	}
	return refs
}
