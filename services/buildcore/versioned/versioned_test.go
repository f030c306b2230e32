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
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AleutianAI/AleutianBuild/services/buildcore/semver"
	"github.com/AleutianAI/AleutianBuild/services/buildcore/traverse"
)

const libL = "//lib:L"

// diamond builds R -> {A, B}; A and B reference //lib:L with the given
// ranges; L has alternatives 1.0 and 2.0.
func diamond(t *testing.T, aRange, bRange string, extra ...*Node) Request {
	t.Helper()
	nodes := []*Node{
		{ID: "R", Target: "//app:R", Deps: []string{"A", "B"}},
		{ID: "A", Target: "//lib:A", VersionedDeps: []VersionedDep{{Target: libL, Range: aRange}}},
		{ID: "B", Target: "//lib:B", VersionedDeps: []VersionedDep{{Target: libL, Range: bRange}}},
		{ID: "L@1.0", Target: libL, Version: "1.0"},
		{ID: "L@2.0", Target: libL, Version: "2.0"},
	}
	g, err := NewGraph([]string{"R"}, append(nodes, extra...)...)
	require.NoError(t, err)
	return Request{
		Graph: g,
		Universes: []Universe{{
			Target:       libL,
			Alternatives: map[string]string{"1.0": "L@1.0", "2.0": "L@2.0"},
		}},
	}
}

type countingPolicy struct {
	mu    sync.Mutex
	calls map[string]int
}

func newCountingPolicy() *countingPolicy {
	return &countingPolicy{calls: make(map[string]int)}
}

func (p *countingPolicy) Name() string { return "counting" }

func (p *countingPolicy) Select(ctx context.Context, target string, alts []semver.Version, ranges []semver.Constraint) (semver.Version, error) {
	p.mu.Lock()
	p.calls[target]++
	p.mu.Unlock()
	return HighestSatisfying{}.Select(ctx, target, alts, ranges)
}

func (p *countingPolicy) count(target string) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.calls[target]
}

type blockingPolicy struct{}

func (blockingPolicy) Name() string { return "blocking" }

func (blockingPolicy) Select(ctx context.Context, _ string, _ []semver.Version, _ []semver.Constraint) (semver.Version, error) {
	<-ctx.Done()
	return semver.Version{}, ctx.Err()
}

type recordingStats struct {
	mu         sync.Mutex
	hits       int
	misses     int
	mismatches int
	phases     map[Phase]int
}

func newRecordingStats() *recordingStats {
	return &recordingStats{phases: make(map[Phase]int)}
}

func (s *recordingStats) RecordHit() {
	s.mu.Lock()
	s.hits++
	s.mu.Unlock()
}

func (s *recordingStats) RecordMiss() {
	s.mu.Lock()
	s.misses++
	s.mu.Unlock()
}

func (s *recordingStats) RecordMismatch() {
	s.mu.Lock()
	s.mismatches++
	s.mu.Unlock()
}

func (s *recordingStats) RecordPhase(p Phase, _ time.Duration) {
	s.mu.Lock()
	s.phases[p]++
	s.mu.Unlock()
}

func TestResolve_DiamondSharesOneVersion(t *testing.T) {
	policy := newCountingPolicy()
	r := NewResolver(WithPolicy(policy))

	g, err := r.Resolve(context.Background(), diamond(t, "=1.0", ""))
	require.NoError(t, err)

	assert.Equal(t, []string{"R"}, g.Roots)
	assert.Equal(t, 4, g.Len())
	_, ok := g.Node("L@2.0")
	assert.False(t, ok, "rejected alternative must not appear")

	a, b := g.Nodes["A"], g.Nodes["B"]
	assert.Equal(t, []string{"L@1.0"}, a.Deps)
	assert.Equal(t, []string{"L@1.0"}, b.Deps)
	assert.Same(t, g.Nodes[a.Deps[0]], g.Nodes[b.Deps[0]])
	assert.Empty(t, a.VersionedDeps)
	assert.Equal(t, "1.0", g.Nodes["L@1.0"].Version)
	assert.Equal(t, 1, policy.count(libL))
}

func TestResolve_HighestByDefault(t *testing.T) {
	g, err := NewResolver().Resolve(context.Background(), diamond(t, "", "*"))
	require.NoError(t, err)
	assert.Equal(t, []string{"L@2.0"}, g.Nodes["A"].Deps)
	assert.Contains(t, g.Nodes, "L@2.0")
	assert.NotContains(t, g.Nodes, "L@1.0")
}

func TestResolve_RootConstraints(t *testing.T) {
	req := diamond(t, "", "")
	req.Constraints = RootConstraints{"R": {libL: "<2.0", "//lib:unreferenced": ">=9"}}

	g, err := NewResolver().Resolve(context.Background(), req)
	require.NoError(t, err)
	assert.Equal(t, []string{"L@1.0"}, g.Nodes["B"].Deps)
}

func TestResolve_Unsatisfiable(t *testing.T) {
	_, err := NewResolver().Resolve(context.Background(), diamond(t, ">=3.0", ""))
	require.Error(t, err)

	var ue *UnsatisfiableError
	require.True(t, errors.As(err, &ue))
	assert.Equal(t, libL, ue.Target)
	assert.Equal(t, ">=3.0 && *", ue.Range)
	assert.Equal(t, []string{"1.0", "2.0"}, ue.Available)
	assert.ErrorIs(t, err, ErrVersionConstraintUnsatisfiable)
	assert.NotErrorIs(t, err, ErrResolutionTimeout)
	assert.Contains(t, err.Error(), "//lib:L requires >=3.0")
}

func TestResolve_DiamondConflict(t *testing.T) {
	_, err := NewResolver().Resolve(context.Background(), diamond(t, "=1.0", "=2.0"))

	var ue *UnsatisfiableError
	require.True(t, errors.As(err, &ue))
	assert.Equal(t, "=1.0 && =2.0", ue.Range)
}

func TestResolve_RangeFoundAfterChoiceIsChecked(t *testing.T) {
	g, err := NewGraph([]string{"R"},
		&Node{ID: "R", Deps: []string{"A"}},
		&Node{ID: "A", VersionedDeps: []VersionedDep{{Target: libL}, {Target: "//lib:M"}}},
		&Node{ID: "L@1.0", Target: libL},
		&Node{ID: "L@2.0", Target: libL},
		&Node{ID: "M@1.0", Target: "//lib:M", VersionedDeps: []VersionedDep{{Target: libL, Range: "<2.0"}}},
	)
	require.NoError(t, err)
	req := Request{Graph: g, Universes: []Universe{
		{Target: libL, Alternatives: map[string]string{"1.0": "L@1.0", "2.0": "L@2.0"}},
		{Target: "//lib:M", Alternatives: map[string]string{"1.0": "M@1.0"}},
	}}

	_, err = NewResolver().Resolve(context.Background(), req)
	var ue *UnsatisfiableError
	require.True(t, errors.As(err, &ue))
	assert.Equal(t, libL, ue.Target)
	assert.Equal(t, "* && <2.0", ue.Range)
}

func TestResolve_WalksOnlyChosenAlternatives(t *testing.T) {
	// L@2.0 references a target with no universe; choosing 1.0 must never
	// look at it.
	req := diamond(t, "=1.0", "")
	req.Graph.Nodes["L@2.0"].VersionedDeps = []VersionedDep{{Target: "//lib:missing"}}

	g, err := NewResolver().Resolve(context.Background(), req)
	require.NoError(t, err)
	assert.Contains(t, g.Nodes, "L@1.0")
}

func TestResolve_ChosenNodeReferencesAreResolved(t *testing.T) {
	req := diamond(t, "=1.0", "", &Node{ID: "M@1.0", Target: "//lib:M"})
	req.Graph.Nodes["L@1.0"].VersionedDeps = []VersionedDep{{Target: "//lib:M"}}
	req.Universes = append(req.Universes, Universe{Target: "//lib:M", Alternatives: map[string]string{"1.0": "M@1.0"}})

	g, err := NewResolver().Resolve(context.Background(), req)
	require.NoError(t, err)
	assert.Equal(t, []string{"M@1.0"}, g.Nodes["L@1.0"].Deps)
	assert.Equal(t, 5, g.Len())
}

func TestResolve_UnknownUniverse(t *testing.T) {
	req := diamond(t, "", "")
	req.Universes = nil
	_, err := NewResolver().Resolve(context.Background(), req)
	assert.ErrorIs(t, err, ErrUnknownUniverse)
}

func TestResolve_InvalidUniverse(t *testing.T) {
	req := diamond(t, "", "")
	req.Universes[0].Alternatives["3.0"] = "L@3.0"
	_, err := NewResolver().Resolve(context.Background(), req)
	assert.ErrorIs(t, err, ErrInvalidUniverse)

	req = diamond(t, "", "")
	req.Universes[0].Alternatives = map[string]string{"not.a.version": "L@1.0"}
	_, err = NewResolver().Resolve(context.Background(), req)
	assert.ErrorIs(t, err, ErrInvalidUniverse)
}

func TestResolve_InvalidRange(t *testing.T) {
	_, err := NewResolver().Resolve(context.Background(), diamond(t, "not-a-range", ""))
	assert.ErrorIs(t, err, ErrInvalidRange)
}

func TestResolve_CycleThroughChosenVersion(t *testing.T) {
	req := diamond(t, "=1.0", "")
	req.Graph.Nodes["L@1.0"].Deps = []string{"A"}

	_, err := NewResolver().Resolve(context.Background(), req)
	require.ErrorIs(t, err, traverse.ErrCycleDetected)
	var cycle *traverse.CycleError[string]
	require.True(t, errors.As(err, &cycle))
	assert.Equal(t, []string{"A", "L@1.0", "A"}, cycle.Chain)
}

func TestResolve_Timeout(t *testing.T) {
	r := NewResolver(WithPolicy(blockingPolicy{}), WithTimeout(20*time.Millisecond))

	g, err := r.Resolve(context.Background(), diamond(t, "", ""))
	require.Error(t, err)
	assert.Nil(t, g)

	var te *TimeoutError
	require.True(t, errors.As(err, &te))
	assert.Equal(t, PhaseSelect, te.Phase)
	assert.Positive(t, te.Elapsed)
	assert.ErrorIs(t, err, ErrResolutionTimeout)
	assert.NotErrorIs(t, err, ErrVersionConstraintUnsatisfiable)
}

func TestResolve_CallerDeadline(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()

	_, err := NewResolver(WithPolicy(blockingPolicy{})).Resolve(ctx, diamond(t, "", ""))
	assert.ErrorIs(t, err, ErrResolutionTimeout)
}

func TestResolve_CancelIsNotTimeout(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := NewResolver().Resolve(ctx, diamond(t, "", ""))
	require.Error(t, err)
	assert.ErrorIs(t, err, context.Canceled)
	assert.NotErrorIs(t, err, ErrResolutionTimeout)
}

func TestResolve_NilGraph(t *testing.T) {
	_, err := NewResolver().Resolve(context.Background(), Request{})
	assert.ErrorIs(t, err, ErrNilGraph)
}

func TestResolve_RecordsPhases(t *testing.T) {
	stats := newRecordingStats()
	_, err := NewResolver(WithStats(stats)).Resolve(context.Background(), diamond(t, "", ""))
	require.NoError(t, err)

	stats.mu.Lock()
	defer stats.mu.Unlock()
	assert.Positive(t, stats.phases[PhaseCollect])
	assert.Positive(t, stats.phases[PhaseSelect])
	assert.Equal(t, 1, stats.phases[PhaseRebuild])
}

func TestPinned(t *testing.T) {
	ctx := context.Background()

	g, err := NewResolver(WithPolicy(Pinned{Versions: map[string]string{libL: "1.0"}})).
		Resolve(ctx, diamond(t, "", ""))
	require.NoError(t, err)
	assert.Contains(t, g.Nodes, "L@1.0")

	_, err = NewResolver(WithPolicy(Pinned{Versions: map[string]string{libL: "2.0"}})).
		Resolve(ctx, diamond(t, "=1.0", ""))
	assert.ErrorIs(t, err, ErrVersionConstraintUnsatisfiable)

	_, err = NewResolver(WithPolicy(Pinned{Versions: map[string]string{libL: "3.0"}})).
		Resolve(ctx, diamond(t, "", ""))
	assert.ErrorIs(t, err, ErrVersionConstraintUnsatisfiable)

	g, err = NewResolver(WithPolicy(Pinned{Versions: map[string]string{"//lib:other": "1.0"}})).
		Resolve(ctx, diamond(t, "", ""))
	require.NoError(t, err)
	assert.Contains(t, g.Nodes, "L@2.0")

	assert.Equal(t, "pinned;a=2;b=1", Pinned{Versions: map[string]string{"b": "1", "a": "2"}}.Name())
}

func TestNewGraph_Validation(t *testing.T) {
	_, err := NewGraph([]string{"a"}, &Node{ID: "a"}, &Node{ID: "a"})
	assert.ErrorIs(t, err, ErrInvalidGraph)

	_, err = NewGraph([]string{"a"}, &Node{ID: "a", Deps: []string{"b"}})
	assert.ErrorIs(t, err, ErrUnknownNode)

	_, err = NewGraph([]string{"x"}, &Node{ID: "a"})
	assert.ErrorIs(t, err, ErrUnknownNode)

	_, err = NewGraph(nil, &Node{ID: "a", VersionedDeps: []VersionedDep{{Range: "*"}}})
	assert.ErrorIs(t, err, ErrInvalidGraph)
}

func TestGraph_ID(t *testing.T) {
	a := &Node{ID: "a", Deps: []string{"b"}}
	b := &Node{ID: "b"}
	g1, err := NewGraph([]string{"a"}, a, b)
	require.NoError(t, err)
	g2, err := NewGraph([]string{"a"}, b, a)
	require.NoError(t, err)
	assert.Equal(t, g1.ID(), g2.ID())

	g3, err := NewGraph([]string{"a"}, &Node{ID: "a"}, b)
	require.NoError(t, err)
	assert.NotEqual(t, g1.ID(), g3.ID())
}

func TestCachingResolver(t *testing.T) {
	ctx := context.Background()
	stats := newRecordingStats()
	policy := newCountingPolicy()
	c := NewCachingResolver(NewResolver(WithPolicy(policy), WithStats(stats)), 4)

	req := diamond(t, "", "")
	g1, err := c.Resolve(ctx, req)
	require.NoError(t, err)
	g2, err := c.Resolve(ctx, req)
	require.NoError(t, err)
	assert.Same(t, g1, g2)
	assert.Equal(t, 1, policy.count(libL))

	req.Constraints = RootConstraints{"R": {libL: "<2.0"}}
	g3, err := c.Resolve(ctx, req)
	require.NoError(t, err)
	assert.Contains(t, g3.Nodes, "L@1.0")
	assert.Equal(t, 1, c.Len())

	stats.mu.Lock()
	assert.Equal(t, 1, stats.hits)
	assert.Equal(t, 1, stats.misses)
	assert.Equal(t, 1, stats.mismatches)
	stats.mu.Unlock()

	c.Purge()
	assert.Zero(t, c.Len())
}

func TestCachingResolver_Evicts(t *testing.T) {
	ctx := context.Background()
	stats := newRecordingStats()
	c := NewCachingResolver(NewResolver(WithStats(stats)), 1)

	first := diamond(t, "", "")
	second := diamond(t, "", "", &Node{ID: "unrelated"})

	_, err := c.Resolve(ctx, first)
	require.NoError(t, err)
	_, err = c.Resolve(ctx, second)
	require.NoError(t, err)
	_, err = c.Resolve(ctx, first)
	require.NoError(t, err)

	assert.Equal(t, 1, c.Len())
	stats.mu.Lock()
	defer stats.mu.Unlock()
	assert.Equal(t, 3, stats.misses)
	assert.Zero(t, stats.hits)
}

func TestCachingResolver_ConcurrentCallersShareWork(t *testing.T) {
	policy := newCountingPolicy()
	c := NewCachingResolver(NewResolver(WithPolicy(policy)), 0)
	req := diamond(t, "", "")

	const callers = 16
	results := make([]*Graph, callers)
	var wg sync.WaitGroup
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			g, err := c.Resolve(context.Background(), req)
			if err == nil {
				results[i] = g
			}
		}(i)
	}
	wg.Wait()

	require.NotNil(t, results[0])
	for _, g := range results {
		assert.Same(t, results[0], g)
	}
	assert.Equal(t, 1, policy.count(libL))
}

func TestCachingResolver_ErrorsAreNotCached(t *testing.T) {
	stats := newRecordingStats()
	c := NewCachingResolver(NewResolver(WithStats(stats)), 0)
	req := diamond(t, ">=3.0", "")

	_, err := c.Resolve(context.Background(), req)
	assert.ErrorIs(t, err, ErrVersionConstraintUnsatisfiable)
	_, err = c.Resolve(context.Background(), req)
	assert.ErrorIs(t, err, ErrVersionConstraintUnsatisfiable)
	assert.Zero(t, c.Len())
}

type sleepingPolicy struct{ delay time.Duration }

func (sleepingPolicy) Name() string { return "sleeping" }

func (p sleepingPolicy) Select(ctx context.Context, target string, alts []semver.Version, ranges []semver.Constraint) (semver.Version, error) {
	select {
	case <-time.After(p.delay):
	case <-ctx.Done():
		return semver.Version{}, ctx.Err()
	}
	return HighestSatisfying{}.Select(ctx, target, alts, ranges)
}

func TestCachingResolver_CallerDeadlinesAreIndependent(t *testing.T) {
	c := NewCachingResolver(NewResolver(WithPolicy(sleepingPolicy{delay: 200 * time.Millisecond})), 0)
	req := diamond(t, "", "")

	var (
		wg           sync.WaitGroup
		shortErr     error
		patientGraph *Graph
		patientErr   error
	)
	wg.Add(2)
	go func() {
		defer wg.Done()
		ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
		defer cancel()
		_, shortErr = c.Resolve(ctx, req)
	}()
	go func() {
		defer wg.Done()
		time.Sleep(5 * time.Millisecond)
		patientGraph, patientErr = c.Resolve(context.Background(), req)
	}()
	wg.Wait()

	var timeout *TimeoutError
	require.ErrorAs(t, shortErr, &timeout)
	assert.ErrorIs(t, shortErr, ErrResolutionTimeout)
	assert.Less(t, timeout.Elapsed, 200*time.Millisecond)

	require.NoError(t, patientErr)
	assert.Contains(t, patientGraph.Nodes, "L@2.0")
	assert.Equal(t, 1, c.Len())
}

func TestCachingResolver_CancelledCallerLeavesOthersRunning(t *testing.T) {
	c := NewCachingResolver(NewResolver(WithPolicy(sleepingPolicy{delay: 50 * time.Millisecond})), 0)
	req := diamond(t, "", "")

	ctx, cancel := context.WithCancel(context.Background())
	errc := make(chan error, 1)
	go func() {
		_, err := c.Resolve(ctx, req)
		errc <- err
	}()
	time.Sleep(5 * time.Millisecond)
	cancel()

	err := <-errc
	assert.ErrorIs(t, err, context.Canceled)
	assert.NotErrorIs(t, err, ErrResolutionTimeout)

	g, err := c.Resolve(context.Background(), req)
	require.NoError(t, err)
	assert.Contains(t, g.Nodes, "L@2.0")
}

func TestPromStats(t *testing.T) {
	reg := prometheus.NewRegistry()
	s := NewPromStats(reg)

	s.RecordHit()
	s.RecordMiss()
	s.RecordMiss()
	s.RecordMismatch()
	s.RecordPhase(PhaseCollect, time.Millisecond)
	s.RecordPhase(PhaseRebuild, time.Millisecond)

	assert.Equal(t, 1.0, testutil.ToFloat64(s.hits))
	assert.Equal(t, 2.0, testutil.ToFloat64(s.misses))
	assert.Equal(t, 1.0, testutil.ToFloat64(s.mismatches))

	count, err := testutil.GatherAndCount(reg, "aleutian_versioned_phase_duration_seconds")
	require.NoError(t, err)
	assert.Equal(t, 2, count)
}
