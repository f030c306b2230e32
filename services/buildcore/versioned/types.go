// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package versioned

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"hash"
	"slices"
	"sort"
)

// VersionedDep is a reference to a target whose version is not yet chosen.
type VersionedDep struct {
	Target string `json:"target" yaml:"target"`

	// Range restricts acceptable versions. Empty accepts any version.
	Range string `json:"range,omitempty" yaml:"range,omitempty"`
}

// Node is one vertex of a versioned graph.
type Node struct {
	// ID uniquely names the node, e.g. "//lib:L@1.0" or "//app:A".
	ID string `json:"id" yaml:"id"`

	// Target is the build target the node implements.
	Target string `json:"target" yaml:"target"`

	// Version is set on nodes that implement one alternative of a universe.
	Version string `json:"version,omitempty" yaml:"version,omitempty"`

	// Deps are concrete edges, by node ID, in declared order.
	Deps []string `json:"deps,omitempty" yaml:"deps,omitempty"`

	// VersionedDeps are edges to targets resolved against a Universe.
	VersionedDeps []VersionedDep `json:"versioned_deps,omitempty" yaml:"versioned_deps,omitempty"`
}

// Graph is a set of nodes reachable from Roots.
//
// A Graph returned by Resolve is shared and must be treated as read-only.
type Graph struct {
	Nodes map[string]*Node
	Roots []string
}

// NewGraph builds a graph and validates that IDs are unique, that every root
// and concrete edge names a node, and that versioned references name a
// target.
func NewGraph(roots []string, nodes ...*Node) (*Graph, error) {
	g := &Graph{
		Nodes: make(map[string]*Node, len(nodes)),
		Roots: slices.Clone(roots),
	}
	for _, n := range nodes {
		if n == nil || n.ID == "" {
			return nil, fmt.Errorf("%w: node with empty ID", ErrInvalidGraph)
		}
		if _, dup := g.Nodes[n.ID]; dup {
			return nil, fmt.Errorf("%w: duplicate node %s", ErrInvalidGraph, n.ID)
		}
		g.Nodes[n.ID] = n
	}
	if err := g.Validate(); err != nil {
		return nil, err
	}
	return g, nil
}

// Validate checks the graph's edges.
func (g *Graph) Validate() error {
	if g == nil {
		return ErrNilGraph
	}
	for _, r := range g.Roots {
		if _, ok := g.Nodes[r]; !ok {
			return fmt.Errorf("%w: root %s", ErrUnknownNode, r)
		}
	}
	for _, id := range g.SortedIDs() {
		n := g.Nodes[id]
		for _, d := range n.Deps {
			if _, ok := g.Nodes[d]; !ok {
				return fmt.Errorf("%w: %s depends on %s", ErrUnknownNode, id, d)
			}
		}
		for _, vd := range n.VersionedDeps {
			if vd.Target == "" {
				return fmt.Errorf("%w: %s has a versioned dependency without a target", ErrInvalidGraph, id)
			}
		}
	}
	return nil
}

// Node returns the node with the given ID.
func (g *Graph) Node(id string) (*Node, bool) {
	n, ok := g.Nodes[id]
	return n, ok
}

// Len returns the number of nodes.
func (g *Graph) Len() int {
	return len(g.Nodes)
}

// ID returns a stable identity for the graph's structure. Two graphs with
// the same roots, nodes and edges have the same ID regardless of the order
// nodes were added.
func (g *Graph) ID() string {
	h := sha256.New()
	writeField(h, "roots")
	for _, r := range g.Roots {
		writeField(h, r)
	}
	for _, id := range g.SortedIDs() {
		n := g.Nodes[id]
		writeField(h, "node")
		writeField(h, n.ID)
		writeField(h, n.Target)
		writeField(h, n.Version)
		for _, d := range n.Deps {
			writeField(h, "dep")
			writeField(h, d)
		}
		for _, vd := range n.VersionedDeps {
			writeField(h, "vdep")
			writeField(h, vd.Target)
			writeField(h, vd.Range)
		}
	}
	return hex.EncodeToString(h.Sum(nil))
}

// SortedIDs returns the node IDs in ascending order.
func (g *Graph) SortedIDs() []string {
	ids := make([]string, 0, len(g.Nodes))
	for id := range g.Nodes {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Universe lists the versions a target can resolve to.
type Universe struct {
	Target string `json:"target" yaml:"target"`

	// Alternatives maps a version to the ID of the node implementing it.
	Alternatives map[string]string `json:"alternatives" yaml:"alternatives"`
}

// RootConstraints restricts versions per root: root node ID to target to
// range. A root's constraint applies only to targets reachable from it.
type RootConstraints map[string]map[string]string

// Request is the input to a resolution.
type Request struct {
	Graph       *Graph
	Universes   []Universe
	Constraints RootConstraints
}

// digest identifies the universe contents and constraints of a request.
func (r Request) digest(policy string) string {
	h := sha256.New()
	writeField(h, "policy")
	writeField(h, policy)

	universes := slices.Clone(r.Universes)
	sort.Slice(universes, func(i, j int) bool { return universes[i].Target < universes[j].Target })
	for _, u := range universes {
		writeField(h, "universe")
		writeField(h, u.Target)
		for _, v := range sortedKeys(u.Alternatives) {
			writeField(h, v)
			writeField(h, u.Alternatives[v])
		}
	}
	for _, root := range sortedKeys(r.Constraints) {
		writeField(h, "root")
		writeField(h, root)
		for _, target := range sortedKeys(r.Constraints[root]) {
			writeField(h, target)
			writeField(h, r.Constraints[root][target])
		}
	}
	return hex.EncodeToString(h.Sum(nil))
}

func writeField(h hash.Hash, s string) {
	fmt.Fprintf(h, "%d:%s;", len(s), s)
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
