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
	"fmt"
	"log/slog"
	"slices"
	"sort"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/AleutianAI/AleutianBuild/services/buildcore/semver"
	"github.com/AleutianAI/AleutianBuild/services/buildcore/traverse"
)

var tracer = otel.Tracer("aleutian.versioned")

// ResolverOption configures a Resolver.
type ResolverOption func(*Resolver)

// WithPolicy sets the selection policy. Default HighestSatisfying.
func WithPolicy(p SelectionPolicy) ResolverOption {
	return func(r *Resolver) {
		if p != nil {
			r.policy = p
		}
	}
}

// WithStats sets the stats tracker. Default NopStats.
func WithStats(s StatsTracker) ResolverOption {
	return func(r *Resolver) {
		if s != nil {
			r.stats = s
		}
	}
}

// WithTimeout bounds every resolution. Zero leaves only the caller's
// deadline in effect.
func WithTimeout(d time.Duration) ResolverOption {
	return func(r *Resolver) {
		r.timeout = d
	}
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) ResolverOption {
	return func(r *Resolver) {
		if l != nil {
			r.logger = l
		}
	}
}

// Resolver turns a versioned graph into a concrete one.
//
// Thread Safety: a Resolver holds no per-call state and may be shared.
type Resolver struct {
	policy  SelectionPolicy
	stats   StatsTracker
	timeout time.Duration
	logger  *slog.Logger
}

// NewResolver creates a resolver.
func NewResolver(opts ...ResolverOption) *Resolver {
	r := &Resolver{
		policy: HighestSatisfying{},
		stats:  NopStats{},
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Policy returns the selection policy.
func (r *Resolver) Policy() SelectionPolicy {
	return r.policy
}

// Stats returns the stats tracker.
func (r *Resolver) Stats() StatsTracker {
	return r.stats
}

// Resolve produces a concrete graph from req.
//
// Description:
//
//	Runs in three phases on its own goroutine, bounded by the context
//	deadline and the resolver timeout:
//	  1. collect: walk from each root through concrete edges, gathering
//	     every versioned reference and its range. Walking continues layer
//	     by layer through the nodes of versions already chosen, never
//	     through rejected alternatives.
//	  2. select: call the policy once per referenced target. A range met
//	     after its target was chosen is checked against the choice; there
//	     is no backtracking.
//	  3. rebuild: walk the graph again from the same roots, replacing every
//	     versioned reference with an edge to the chosen node.
//
// Inputs:
//
//	ctx - Deadline and cancellation.
//	req - Graph, universes and per-root constraints.
//
// Outputs:
//
//	*Graph - The concrete graph. Same roots; only reachable nodes; one
//	         node instance per ID shared by every path.
//	error - *UnsatisfiableError, *TimeoutError, *traverse.CycleError,
//	        or a validation error. Never accompanied by a graph.
func (r *Resolver) Resolve(ctx context.Context, req Request) (*Graph, error) {
	return r.run(ctx, r.newResolution(req))
}

func (r *Resolver) newResolution(req Request) *resolution {
	job := &resolution{resolver: r, req: req, start: time.Now()}
	job.setPhase(PhaseCollect)
	return job
}

func (r *Resolver) run(ctx context.Context, job *resolution) (*Graph, error) {
	req := job.req
	ctx, span := tracer.Start(ctx, "versioned.Resolver.Resolve",
		trace.WithAttributes(
			attribute.Int("roots", lenRoots(req.Graph)),
			attribute.Int("universes", len(req.Universes)),
			attribute.String("policy", r.policy.Name()),
		),
	)
	defer span.End()

	if r.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, r.timeout)
		defer cancel()
	}

	start := job.start

	type outcome struct {
		graph *Graph
		err   error
	}
	done := make(chan outcome, 1)
	go func() {
		g, err := job.execute(ctx)
		done <- outcome{graph: g, err: err}
	}()

	var out outcome
	select {
	case out = <-done:
	case <-ctx.Done():
		out = outcome{err: job.contextError(ctx)}
	}

	if out.err != nil {
		span.RecordError(out.err)
		span.SetStatus(codes.Error, "resolution failed")
		r.logger.Debug("versioned resolution failed",
			slog.String("error", out.err.Error()),
			slog.Duration("elapsed", time.Since(start)),
		)
		return nil, out.err
	}

	span.SetAttributes(attribute.Int("nodes", out.graph.Len()))
	r.logger.Debug("versioned graph resolved",
		slog.Int("nodes", out.graph.Len()),
		slog.Int("targets", job.selected),
		slog.Duration("elapsed", time.Since(start)),
	)
	return out.graph, nil
}

func lenRoots(g *Graph) int {
	if g == nil {
		return 0
	}
	return len(g.Roots)
}

// universe is the parsed form of a Universe.
type universe struct {
	target   string
	versions []semver.Version
	nodes    map[string]string
}

func (u *universe) nodeFor(v semver.Version) (string, bool) {
	for _, candidate := range u.versions {
		if candidate.Equal(v) {
			return u.nodes[candidate.String()], true
		}
	}
	return "", false
}

type rangeUse struct {
	constraint semver.Constraint
	from       string
}

type choice struct {
	version semver.Version
	node    string
}

// resolution is the state of one Resolve call.
type resolution struct {
	resolver *Resolver
	req      Request
	start    time.Time
	phase    atomic.Value
	selected int

	universes map[string]*universe
	ranges    map[string][]rangeUse
	chosen    map[string]choice
	reached   map[string]map[string]bool
	applied   map[string]bool
}

func (x *resolution) setPhase(p Phase) {
	x.phase.Store(string(p))
}

func (x *resolution) currentPhase() Phase {
	p, _ := x.phase.Load().(string)
	return Phase(p)
}

// contextError converts a finished context into the resolution error.
func (x *resolution) contextError(ctx context.Context) error {
	if errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return &TimeoutError{Phase: x.currentPhase(), Elapsed: time.Since(x.start)}
	}
	return fmt.Errorf("versioned: resolution cancelled during %s: %w", x.currentPhase(), ctx.Err())
}

func (x *resolution) execute(ctx context.Context) (*Graph, error) {
	g := x.req.Graph
	if g == nil {
		return nil, ErrNilGraph
	}
	if err := g.Validate(); err != nil {
		return nil, err
	}
	if err := x.indexUniverses(); err != nil {
		return nil, err
	}

	x.ranges = make(map[string][]rangeUse)
	x.chosen = make(map[string]choice)
	x.reached = make(map[string]map[string]bool)
	x.applied = make(map[string]bool)

	visited := make(map[string]map[string]bool, len(g.Roots))
	frontier := make(map[string][]string, len(g.Roots))
	for _, root := range g.Roots {
		frontier[root] = []string{root}
		visited[root] = make(map[string]bool)
	}

	for len(frontier) > 0 {
		if ctx.Err() != nil {
			return nil, x.contextError(ctx)
		}

		x.setPhase(PhaseCollect)
		collectStart := time.Now()
		touched, err := x.collect(frontier, visited)
		if err != nil {
			return nil, err
		}
		x.resolver.stats.RecordPhase(PhaseCollect, time.Since(collectStart))

		x.setPhase(PhaseSelect)
		selectStart := time.Now()
		frontier, err = x.choose(ctx, touched, visited)
		if err != nil {
			return nil, err
		}
		x.resolver.stats.RecordPhase(PhaseSelect, time.Since(selectStart))
	}

	if ctx.Err() != nil {
		return nil, x.contextError(ctx)
	}
	x.setPhase(PhaseRebuild)
	rebuildStart := time.Now()
	out, err := x.rebuild()
	if err != nil {
		return nil, err
	}
	x.resolver.stats.RecordPhase(PhaseRebuild, time.Since(rebuildStart))
	x.selected = len(x.chosen)
	return out, nil
}

func (x *resolution) indexUniverses() error {
	x.universes = make(map[string]*universe, len(x.req.Universes))
	for _, u := range x.req.Universes {
		if u.Target == "" {
			return fmt.Errorf("%w: universe without target", ErrInvalidUniverse)
		}
		if _, dup := x.universes[u.Target]; dup {
			return fmt.Errorf("%w: duplicate universe for %s", ErrInvalidUniverse, u.Target)
		}
		parsed := &universe{target: u.Target, nodes: make(map[string]string, len(u.Alternatives))}
		for raw, nodeID := range u.Alternatives {
			v, err := semver.ParseVersion(raw)
			if err != nil {
				return fmt.Errorf("%w: %s: %w", ErrInvalidUniverse, u.Target, err)
			}
			n, ok := x.req.Graph.Nodes[nodeID]
			if !ok {
				return fmt.Errorf("%w: %s@%s points at missing node %s", ErrInvalidUniverse, u.Target, raw, nodeID)
			}
			if n.Target != "" && n.Target != u.Target {
				return fmt.Errorf("%w: %s@%s points at node %s of target %s", ErrInvalidUniverse, u.Target, raw, nodeID, n.Target)
			}
			parsed.versions = append(parsed.versions, v)
			parsed.nodes[v.String()] = nodeID
		}
		sort.SliceStable(parsed.versions, func(i, j int) bool {
			return semver.Compare(parsed.versions[i], parsed.versions[j]) < 0
		})
		x.universes[u.Target] = parsed
	}
	return nil
}

// collect walks each root's frontier through concrete edges and records the
// versioned references it finds. It returns the referenced targets in
// discovery order.
func (x *resolution) collect(frontier map[string][]string, visited map[string]map[string]bool) ([]string, error) {
	g := x.req.Graph
	var touched []string
	inLayer := make(map[string]bool)

	for _, root := range g.Roots {
		starts := frontier[root]
		if len(starts) == 0 {
			continue
		}
		seen := visited[root]
		res, err := traverse.Traverse(starts, func(id string) (*Node, traverse.Next[string], error) {
			n, ok := g.Nodes[id]
			if !ok {
				return nil, nil, fmt.Errorf("%w: %s", ErrUnknownNode, id)
			}
			return n, traverse.Slice(n.Deps), nil
		}, func(id string) bool {
			return !seen[id]
		})
		if err != nil {
			return nil, err
		}

		for _, id := range res.Order {
			if seen[id] {
				continue
			}
			seen[id] = true
			n := res.Entries[id].Payload
			for _, vd := range n.VersionedDeps {
				c, err := semver.ParseConstraint(vd.Range)
				if err != nil {
					return nil, fmt.Errorf("%w: %s -> %s: %w", ErrInvalidRange, id, vd.Target, err)
				}
				x.ranges[vd.Target] = append(x.ranges[vd.Target], rangeUse{constraint: c, from: id})
				if x.reached[vd.Target] == nil {
					x.reached[vd.Target] = make(map[string]bool)
				}
				x.reached[vd.Target][root] = true
				if !inLayer[vd.Target] {
					inLayer[vd.Target] = true
					touched = append(touched, vd.Target)
				}
			}
		}
	}
	return touched, nil
}

// choose selects a version for every newly referenced target and checks
// new ranges against earlier choices. It returns the next frontier: the
// chosen nodes each root has not walked yet.
func (x *resolution) choose(ctx context.Context, touched []string, visited map[string]map[string]bool) (map[string][]string, error) {
	next := make(map[string][]string)
	queued := make(map[string]bool)

	for _, target := range touched {
		u, ok := x.universes[target]
		if !ok {
			return nil, fmt.Errorf("%w: %s", ErrUnknownUniverse, target)
		}

		roots := sortedKeys(x.reached[target])
		for _, root := range roots {
			key := root + "\x00" + target
			if x.applied[key] {
				continue
			}
			x.applied[key] = true
			raw, ok := x.req.Constraints[root][target]
			if !ok {
				continue
			}
			c, err := semver.ParseConstraint(raw)
			if err != nil {
				return nil, fmt.Errorf("%w: root %s -> %s: %w", ErrInvalidRange, root, target, err)
			}
			x.ranges[target] = append(x.ranges[target], rangeUse{constraint: c, from: root})
		}

		constraints := x.constraints(target)
		picked, done := x.chosen[target]
		if !done {
			v, err := x.resolver.policy.Select(ctx, target, slices.Clone(u.versions), constraints)
			if err != nil {
				if ctx.Err() != nil {
					return nil, x.contextError(ctx)
				}
				return nil, err
			}
			nodeID, ok := u.nodeFor(v)
			if !ok || !semver.SatisfiesAll(v, constraints) {
				return nil, unsatisfiable(target, constraints, u.versions)
			}
			picked = choice{version: v, node: nodeID}
			x.chosen[target] = picked
		} else if !semver.SatisfiesAll(picked.version, constraints) {
			return nil, unsatisfiable(target, constraints, u.versions)
		}

		for _, root := range roots {
			key := root + "\x00" + picked.node
			if visited[root][picked.node] || queued[key] {
				continue
			}
			queued[key] = true
			next[root] = append(next[root], picked.node)
		}
	}
	return next, nil
}

func (x *resolution) constraints(target string) []semver.Constraint {
	uses := x.ranges[target]
	out := make([]semver.Constraint, len(uses))
	for i, u := range uses {
		out[i] = u.constraint
	}
	return out
}

// rebuild walks from the roots through concrete edges and chosen versions,
// copying each reachable node once.
func (x *resolution) rebuild() (*Graph, error) {
	g := x.req.Graph
	chosenVersion := make(map[string]string, len(x.chosen))
	for _, c := range x.chosen {
		chosenVersion[c.node] = c.version.String()
	}

	res, err := traverse.Traverse(g.Roots, func(id string) (*Node, traverse.Next[string], error) {
		n, ok := g.Nodes[id]
		if !ok {
			return nil, nil, fmt.Errorf("%w: %s", ErrUnknownNode, id)
		}
		deps := make([]string, 0, len(n.Deps)+len(n.VersionedDeps))
		seen := make(map[string]bool, cap(deps))
		for _, d := range n.Deps {
			if !seen[d] {
				seen[d] = true
				deps = append(deps, d)
			}
		}
		for _, vd := range n.VersionedDeps {
			c, ok := x.chosen[vd.Target]
			if !ok {
				return nil, nil, fmt.Errorf("%w: %s", ErrUnknownUniverse, vd.Target)
			}
			if !seen[c.node] {
				seen[c.node] = true
				deps = append(deps, c.node)
			}
		}
		version := n.Version
		if v, ok := chosenVersion[id]; ok && version == "" {
			version = v
		}
		concrete := &Node{ID: n.ID, Target: n.Target, Version: version, Deps: deps}
		return concrete, traverse.Slice(deps), nil
	}, nil)
	if err != nil {
		return nil, err
	}

	out := &Graph{
		Nodes: make(map[string]*Node, res.Len()),
		Roots: slices.Clone(g.Roots),
	}
	for _, id := range res.Order {
		out.Nodes[id] = res.Entries[id].Payload
	}
	return out, nil
}
