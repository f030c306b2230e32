// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package keycache

import (
	"context"
	"fmt"

	"github.com/AleutianAI/AleutianBuild/services/buildcore/graph"
)

// Cache holds one independently typed Family per node kind.
//
// Thread Safety: Cache is safe for concurrent use.
type Cache[V any] struct {
	actions     *Family[V]
	appendables *Family[V]
	graphNodes  *Family[V]
}

// New creates an empty cache for one build.
func New[V any]() *Cache[V] {
	return &Cache[V]{
		actions:     NewFamily[V](graph.KindAction.String()),
		appendables: NewFamily[V](graph.KindAppendableValue.String()),
		graphNodes:  NewFamily[V](graph.KindGraphNode.String()),
	}
}

// Family returns the family responsible for kind k.
//
// Panics on a kind outside the closed set; arenas reject such nodes, so
// reaching it is a programming error.
func (c *Cache[V]) Family(k graph.Kind) *Family[V] {
	switch k {
	case graph.KindAction:
		return c.actions
	case graph.KindAppendableValue:
		return c.appendables
	case graph.KindGraphNode:
		return c.graphNodes
	default:
		panic(fmt.Sprintf("keycache: %v: %d", graph.ErrUnknownKind, k))
	}
}

// Get is Family(k).Get.
func (c *Cache[V]) Get(ctx context.Context, k graph.Kind, h graph.Handle, compute ComputeFunc[V]) (V, error) {
	return c.Family(k).Get(ctx, h, compute)
}

// Peek is Family(k).Peek.
func (c *Cache[V]) Peek(k graph.Kind, h graph.Handle) (V, bool, error) {
	return c.Family(k).Peek(h)
}

// Sweep evicts stale handles from every family.
func (c *Cache[V]) Sweep(ctx context.Context, isLive func(graph.Handle) bool) int {
	n := 0
	for _, k := range graph.Kinds {
		n += c.Family(k).Sweep(ctx, isLive)
	}
	return n
}

// Reset drops every entry in every family.
func (c *Cache[V]) Reset() {
	for _, k := range graph.Kinds {
		c.Family(k).Reset()
	}
}

// Len returns the total number of memoized handles.
func (c *Cache[V]) Len() int {
	n := 0
	for _, k := range graph.Kinds {
		n += c.Family(k).Len()
	}
	return n
}

// Stats returns the aggregate statistics across families.
func (c *Cache[V]) Stats() Stats {
	var s Stats
	for _, k := range graph.Kinds {
		s = s.add(c.Family(k).Stats())
	}
	return s
}

// StatsByKind returns per-family statistics.
func (c *Cache[V]) StatsByKind() map[graph.Kind]Stats {
	out := make(map[graph.Kind]Stats, len(graph.Kinds))
	for _, k := range graph.Kinds {
		out[k] = c.Family(k).Stats()
	}
	return out
}
