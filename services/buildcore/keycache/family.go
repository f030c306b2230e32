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
	"sync"
	"sync/atomic"

	"golang.org/x/sync/singleflight"

	"github.com/AleutianAI/AleutianBuild/services/buildcore/graph"
)

// ComputeFunc produces the value for a handle on a miss.
type ComputeFunc[V any] func() (V, error)

type entry[V any] struct {
	value V
	err   error
}

// Stats contains statistics about a family or cache.
type Stats struct {
	// Entries is the number of memoized handles, failures included.
	Entries int

	// Hits is the number of lookups answered from memory.
	Hits int64

	// Misses is the number of lookups that had to wait for a computation.
	Misses int64

	// Computations is the number of times a compute function actually ran.
	Computations int64

	// Failures is the number of computations that returned an error.
	Failures int64

	// Evictions is the number of entries removed by Sweep or Invalidate.
	Evictions int64
}

// HitRate returns the hit rate as a percentage.
func (s Stats) HitRate() float64 {
	total := s.Hits + s.Misses
	if total == 0 {
		return 0
	}
	return float64(s.Hits) / float64(total) * 100
}

func (s Stats) add(o Stats) Stats {
	return Stats{
		Entries:      s.Entries + o.Entries,
		Hits:         s.Hits + o.Hits,
		Misses:       s.Misses + o.Misses,
		Computations: s.Computations + o.Computations,
		Failures:     s.Failures + o.Failures,
		Evictions:    s.Evictions + o.Evictions,
	}
}

// Family is a handle-keyed memo for one kind of fingerprintable entity.
//
// Description:
//
//	Get is an atomic compute-if-absent: the fast path is a lock-free map
//	load, and a miss enters a singleflight group keyed by the handle. The
//	flight re-checks the map before computing, so a caller that missed
//	just before another caller stored the value does not compute again.
//	The compute function therefore runs exactly once per handle.
//
// Thread Safety:
//
//	Family is safe for concurrent use.
type Family[V any] struct {
	name    string
	entries sync.Map // graph.Handle -> *entry[V]
	flight  singleflight.Group
	size    atomic.Int64

	hits         atomic.Int64
	misses       atomic.Int64
	computations atomic.Int64
	failures     atomic.Int64
	evictions    atomic.Int64
}

// NewFamily creates an empty family. name labels metrics and stats.
func NewFamily[V any](name string) *Family[V] {
	return &Family[V]{name: name}
}

// Name returns the family name.
func (f *Family[V]) Name() string {
	return f.name
}

// Get returns the memoized value for h, computing it on first request.
//
// Inputs:
//
//	ctx - Used for metrics only; compute is not cancelled by it.
//	h - The node handle. Must not be zero.
//	compute - Produces the value. Runs at most once per handle.
//
// Outputs:
//
//	V - The shared value.
//	error - A *CachedError wrapping the compute failure. Every caller
//	        sees the same shape, whether it computed, joined or hit.
func (f *Family[V]) Get(ctx context.Context, h graph.Handle, compute ComputeFunc[V]) (V, error) {
	var zero V
	if h.IsZero() {
		return zero, ErrZeroHandle
	}
	if compute == nil {
		return zero, ErrNilCompute
	}

	if e, ok := f.load(h); ok {
		f.hits.Add(1)
		recordHit(ctx, f.name)
		return e.result(h)
	}

	f.misses.Add(1)
	recordMiss(ctx, f.name)

	v, err, _ := f.flight.Do(h.String(), func() (any, error) {
		if e, ok := f.load(h); ok {
			return e, nil
		}
		value, err := compute()
		f.computations.Add(1)
		if err != nil {
			f.failures.Add(1)
		}
		recordComputation(ctx, f.name, err != nil)

		e := &entry[V]{value: value, err: err}
		f.entries.Store(h, e)
		f.size.Add(1)
		return e, nil
	})
	if err != nil {
		return zero, err
	}

	return v.(*entry[V]).result(h)
}

func (f *Family[V]) load(h graph.Handle) (*entry[V], bool) {
	v, ok := f.entries.Load(h)
	if !ok {
		return nil, false
	}
	return v.(*entry[V]), true
}

func (e *entry[V]) result(h graph.Handle) (V, error) {
	if e.err != nil {
		var zero V
		return zero, &CachedError{Handle: h, Err: e.err}
	}
	return e.value, nil
}

// Peek returns the memoized result for h without computing. ok is false if
// nothing is memoized; err is a *CachedError for a memoized failure.
func (f *Family[V]) Peek(h graph.Handle) (value V, ok bool, err error) {
	e, ok := f.load(h)
	if !ok {
		return value, false, nil
	}
	value, err = e.result(h)
	return value, true, err
}

// Invalidate removes the entry for h. Returns true if one was present.
func (f *Family[V]) Invalidate(h graph.Handle) bool {
	if _, loaded := f.entries.LoadAndDelete(h); loaded {
		f.size.Add(-1)
		f.evictions.Add(1)
		return true
	}
	return false
}

// Sweep evicts every entry whose handle is no longer live.
//
// Handles carry their slot generation, so isLive is typically
// (*graph.Arena).IsLive. Returns the number of evicted entries.
func (f *Family[V]) Sweep(ctx context.Context, isLive func(graph.Handle) bool) int {
	evicted := 0
	f.entries.Range(func(k, _ any) bool {
		h := k.(graph.Handle)
		if !isLive(h) && f.Invalidate(h) {
			evicted++
		}
		return true
	})
	recordEvictions(ctx, f.name, evicted)
	return evicted
}

// Len returns the number of memoized handles.
func (f *Family[V]) Len() int {
	return int(f.size.Load())
}

// Reset drops every entry. Counters are kept.
func (f *Family[V]) Reset() {
	f.entries.Range(func(k, _ any) bool {
		if _, loaded := f.entries.LoadAndDelete(k); loaded {
			f.size.Add(-1)
		}
		return true
	})
}

// Stats returns the family's statistics.
func (f *Family[V]) Stats() Stats {
	return Stats{
		Entries:      f.Len(),
		Hits:         f.hits.Load(),
		Misses:       f.misses.Load(),
		Computations: f.computations.Load(),
		Failures:     f.failures.Load(),
		Evictions:    f.evictions.Load(),
	}
}
