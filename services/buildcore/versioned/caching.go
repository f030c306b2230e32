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
	"container/list"
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"
)

// DefaultCacheCapacity is the number of graphs a CachingResolver keeps.
const DefaultCacheCapacity = 32

// CachingResolver memoizes resolutions by graph identity.
//
// Description:
//
//	Each graph ID holds at most one cached resolution together with the
//	digest of the universes, constraints and policy that produced it. A
//	lookup with a matching digest is a hit. A lookup whose digest differs is
//	a mismatch: the entry is recomputed and replaced. Concurrent lookups of
//	the same request share one computation. Least recently used graphs are
//	evicted beyond the capacity.
//
// Thread Safety: safe for concurrent use. Returned graphs are shared and
// must not be modified.
type CachingResolver struct {
	inner *Resolver
	stats StatsTracker

	flight singleflight.Group

	mu       sync.Mutex
	capacity int
	items    map[string]*list.Element
	order    *list.List // front = most recent
	running  map[string]*resolution
}

type cacheEntry struct {
	graphID string
	digest  string
	graph   *Graph
}

// NewCachingResolver wraps inner. Counters go to inner's stats tracker.
// capacity <= 0 uses DefaultCacheCapacity.
func NewCachingResolver(inner *Resolver, capacity int) *CachingResolver {
	if inner == nil {
		inner = NewResolver()
	}
	if capacity <= 0 {
		capacity = DefaultCacheCapacity
	}
	return &CachingResolver{
		inner:    inner,
		stats:    inner.Stats(),
		capacity: capacity,
		items:    make(map[string]*list.Element, capacity),
		order:    list.New(),
		running:  make(map[string]*resolution),
	}
}

// Resolve returns the cached resolution for req or computes it.
//
// A shared computation runs detached from every caller's context and is
// bounded only by the inner resolver's timeout. Each caller waits under its
// own ctx: its deadline yields a *TimeoutError and its cancellation a
// wrapped context error, without affecting other callers.
func (c *CachingResolver) Resolve(ctx context.Context, req Request) (*Graph, error) {
	if req.Graph == nil {
		return nil, ErrNilGraph
	}
	start := time.Now()
	graphID := req.Graph.ID()
	digest := req.digest(c.inner.Policy().Name())

	g, found, mismatch := c.lookup(graphID, digest)
	if found {
		c.stats.RecordHit()
		return g, nil
	}
	if mismatch {
		c.stats.RecordMismatch()
	} else {
		c.stats.RecordMiss()
	}

	key := graphID + "\x00" + digest
	shared := context.WithoutCancel(ctx)
	ch := c.flight.DoChan(key, func() (any, error) {
		if g, ok, _ := c.lookup(graphID, digest); ok {
			return g, nil
		}
		job := c.inner.newResolution(req)
		c.setRunning(key, job)
		defer c.setRunning(key, nil)

		g, err := c.inner.run(shared, job)
		if err != nil {
			return nil, err
		}
		c.store(cacheEntry{graphID: graphID, digest: digest, graph: g})
		return g, nil
	})

	select {
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Err
		}
		return res.Val.(*Graph), nil
	case <-ctx.Done():
		return nil, c.callerError(ctx, key, start)
	}
}

func (c *CachingResolver) setRunning(key string, job *resolution) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if job == nil {
		delete(c.running, key)
		return
	}
	c.running[key] = job
}

// callerError reports a caller that stopped waiting, naming the phase the
// shared computation was in.
func (c *CachingResolver) callerError(ctx context.Context, key string, start time.Time) error {
	phase := PhaseCollect
	c.mu.Lock()
	if job, ok := c.running[key]; ok {
		phase = job.currentPhase()
	}
	c.mu.Unlock()

	if errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return &TimeoutError{Phase: phase, Elapsed: time.Since(start)}
	}
	return fmt.Errorf("versioned: resolution cancelled during %s: %w", phase, ctx.Err())
}

// lookup returns the cached graph when the digest matches. mismatch
// reports an entry for the same graph built from different inputs.
func (c *CachingResolver) lookup(graphID, digest string) (g *Graph, found, mismatch bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	elem, ok := c.items[graphID]
	if !ok {
		return nil, false, false
	}
	entry := elem.Value.(*cacheEntry)
	if entry.digest != digest {
		return nil, false, true
	}
	c.order.MoveToFront(elem)
	return entry.graph, true, false
}

func (c *CachingResolver) store(e cacheEntry) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if elem, ok := c.items[e.graphID]; ok {
		*elem.Value.(*cacheEntry) = e
		c.order.MoveToFront(elem)
		return
	}
	if c.order.Len() >= c.capacity {
		oldest := c.order.Back()
		if oldest != nil {
			c.order.Remove(oldest)
			delete(c.items, oldest.Value.(*cacheEntry).graphID)
		}
	}
	c.items[e.graphID] = c.order.PushFront(&e)
}

// Len returns the number of cached graphs.
func (c *CachingResolver) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.order.Len()
}

// Purge drops every cached resolution.
func (c *CachingResolver) Purge() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.items = make(map[string]*list.Element, c.capacity)
	c.order.Init()
}
