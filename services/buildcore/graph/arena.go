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
	"strings"
	"sync"
)

type slot struct {
	node *Node
	gen  uint32
}

// Arena owns the nodes of one build graph.
//
// Description:
//
//	Arena stores nodes in slots addressed by generation-tagged handles.
//	Releasing a node frees its slot and advances the slot's generation, so
//	any handle still held elsewhere (for example by a key cache) becomes
//	detectably stale instead of silently aliasing a new node.
//
// Thread Safety:
//
//	Arena is safe for concurrent use.
type Arena struct {
	mu       sync.RWMutex
	slots    []slot
	free     []uint32
	byTarget map[string]Handle
}

// NewArena creates an empty arena.
func NewArena() *Arena {
	return &Arena{
		byTarget: make(map[string]Handle),
	}
}

// Add validates and stores a node.
//
// Inputs:
//
//	n - The node. Target must be non-empty and unique, Kind valid, and
//	    every dependency or Ref handle must be live.
//
// Outputs:
//
//	Handle - The handle addressing the node.
//	error - ErrInvalidNode, ErrUnknownKind or ErrDuplicateNode.
func (a *Arena) Add(n *Node) (Handle, error) {
	if n == nil {
		return Handle{}, ErrInvalidNode
	}
	if n.Target == "" || strings.ContainsAny(n.Target, " \t\n") {
		return Handle{}, fmt.Errorf("%w: target %q", ErrInvalidNode, n.Target)
	}
	if strings.ContainsAny(n.Type, " \t\n") {
		return Handle{}, fmt.Errorf("%w: type %q of %s contains whitespace", ErrInvalidNode, n.Type, n.Target)
	}
	if !n.Kind.Valid() {
		return Handle{}, fmt.Errorf("%w: %s has kind %d", ErrUnknownKind, n.Target, n.Kind)
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	if _, exists := a.byTarget[n.Target]; exists {
		return Handle{}, fmt.Errorf("%w: %s", ErrDuplicateNode, n.Target)
	}
	for _, dep := range n.Deps {
		if !a.isLiveLocked(dep) {
			return Handle{}, fmt.Errorf("%w: %s depends on non-live handle %s", ErrInvalidNode, n.Target, dep)
		}
	}
	for _, ref := range n.Refs() {
		if !a.isLiveLocked(ref) {
			return Handle{}, fmt.Errorf("%w: %s references non-live handle %s", ErrInvalidNode, n.Target, ref)
		}
	}

	var idx uint32
	if len(a.free) > 0 {
		idx = a.free[len(a.free)-1]
		a.free = a.free[:len(a.free)-1]
	} else {
		idx = uint32(len(a.slots))
		a.slots = append(a.slots, slot{gen: 0})
	}

	s := &a.slots[idx]
	s.gen++
	if s.gen == 0 {
		s.gen = 1
	}
	s.node = n

	h := Handle{index: idx, gen: s.gen}
	a.byTarget[n.Target] = h
	return h, nil
}

// MustAdd is Add that panics on error. Intended for tests and fixtures.
func (a *Arena) MustAdd(n *Node) Handle {
	h, err := a.Add(n)
	if err != nil {
		panic(err)
	}
	return h
}

// Get returns the node for h. Returns false if h is zero or stale.
func (a *Arena) Get(h Handle) (*Node, bool) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	if !a.isLiveLocked(h) {
		return nil, false
	}
	return a.slots[h.index].node, true
}

// Node returns the node for h or an error describing why it is unavailable.
func (a *Arena) Node(h Handle) (*Node, error) {
	n, ok := a.Get(h)
	if ok {
		return n, nil
	}
	if h.IsZero() {
		return nil, ErrNodeNotFound
	}
	return nil, fmt.Errorf("%w: %s", ErrStaleHandle, h)
}

// Lookup finds the live handle for a target.
func (a *Arena) Lookup(target string) (Handle, bool) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	h, ok := a.byTarget[target]
	return h, ok
}

// Release frees the slot addressed by h and advances its generation.
//
// Nodes that depend on the released node keep their (now stale) handles;
// callers release in dependents-first order.
func (a *Arena) Release(h Handle) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if !a.isLiveLocked(h) {
		return fmt.Errorf("%w: %s", ErrStaleHandle, h)
	}
	s := &a.slots[h.index]
	delete(a.byTarget, s.node.Target)
	s.node = nil
	s.gen++
	if s.gen == 0 {
		s.gen = 1
	}
	a.free = append(a.free, h.index)
	return nil
}

// IsLive reports whether h addresses a node that has not been released.
func (a *Arena) IsLive(h Handle) bool {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.isLiveLocked(h)
}

func (a *Arena) isLiveLocked(h Handle) bool {
	if h.gen == 0 || int(h.index) >= len(a.slots) {
		return false
	}
	s := a.slots[h.index]
	return s.node != nil && s.gen == h.gen
}

// Len returns the number of live nodes.
func (a *Arena) Len() int {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return len(a.byTarget)
}

// Handles returns every live handle in ascending slot order.
func (a *Arena) Handles() []Handle {
	a.mu.RLock()
	defer a.mu.RUnlock()
	out := make([]Handle, 0, len(a.byTarget))
	for i, s := range a.slots {
		if s.node != nil {
			out = append(out, Handle{index: uint32(i), gen: s.gen})
		}
	}
	return out
}

// Children returns the deps of h followed by its Ref targets, in declared
// order and without duplicates.
func (a *Arena) Children(h Handle) ([]Handle, error) {
	n, err := a.Node(h)
	if err != nil {
		return nil, err
	}
	refs := n.Refs()
	out := make([]Handle, 0, len(n.Deps)+len(refs))
	seen := make(map[Handle]struct{}, cap(out))
	for _, c := range n.Deps {
		if _, dup := seen[c]; !dup {
			seen[c] = struct{}{}
			out = append(out, c)
		}
	}
	for _, c := range refs {
		if _, dup := seen[c]; !dup {
			seen[c] = struct{}{}
			out = append(out, c)
		}
	}
	return out, nil
}

// Roots returns live nodes that no other live node depends on or references,
// in ascending slot order.
func (a *Arena) Roots() []Handle {
	handles := a.Handles()
	referenced := make(map[Handle]bool, len(handles))
	for _, h := range handles {
		children, err := a.Children(h)
		if err != nil {
			continue
		}
		for _, c := range children {
			referenced[c] = true
		}
	}
	roots := make([]Handle, 0)
	for _, h := range handles {
		if !referenced[h] {
			roots = append(roots, h)
		}
	}
	return roots
}

// Target returns the target name for h, or the handle's text form when the
// handle is not live.
func (a *Arena) Target(h Handle) string {
	if n, ok := a.Get(h); ok {
		return n.Target
	}
	return h.String()
}
