// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package engine

import (
	"cmp"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"

	"github.com/AleutianAI/AleutianBuild/services/buildcore/diagnostics"
	"github.com/AleutianAI/AleutianBuild/services/buildcore/graph"
	"github.com/AleutianAI/AleutianBuild/services/buildcore/manifest"
	"github.com/AleutianAI/AleutianBuild/services/buildcore/rulekey"
	"github.com/AleutianAI/AleutianBuild/services/buildcore/traverse"
)

var (
	tracer = otel.Tracer("aleutian.engine")
	meter  = otel.Meter("aleutian.engine")
)

// DefaultCloseTimeout bounds diagnostics shutdown when the Close context has
// no deadline.
const DefaultCloseTimeout = 30 * time.Second

// Option configures a Session.
type Option func(*Session)

// WithParallelism caps concurrently evaluated nodes. Default GOMAXPROCS.
func WithParallelism(n int) Option {
	return func(s *Session) {
		if n > 0 {
			s.parallelism = n
		}
	}
}

// WithSink records keys and the node graph to a diagnostics sink. The
// session closes the sink.
func WithSink(sink *diagnostics.Sink) Option {
	return func(s *Session) {
		s.sink = sink
	}
}

// WithManifestStore enables manifest lookups for cacheable actions.
func WithManifestStore(store manifest.Store, opts ...manifest.ManagerOption) Option {
	return func(s *Session) {
		s.manifestStore = store
		s.manifestOpts = opts
	}
}

// WithBuildID overrides the generated build ID.
func WithBuildID(id string) Option {
	return func(s *Session) {
		if id != "" {
			s.buildID = id
		}
	}
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(s *Session) {
		if l != nil {
			s.logger = l
		}
	}
}

// Session is one build over an arena.
//
// Thread Safety: Run may be called concurrently; shared nodes are computed
// once through the key cache. Close must not race with Run.
type Session struct {
	buildID     string
	arena       *graph.Arena
	factory     *rulekey.Factory
	manifests   *manifest.Manager
	sink        *diagnostics.Sink
	parallelism int
	logger      *slog.Logger

	manifestStore manifest.Store
	manifestOpts  []manifest.ManagerOption

	closed    atomic.Bool
	closeOnce sync.Once
	summary   CloseSummary

	metricsOnce  sync.Once
	nodeLatency  metric.Float64Histogram
	nodeOutcomes metric.Int64Counter
	activeNodes  metric.Int64UpDownCounter
	runLatency   metric.Float64Histogram
}

// NewSession creates a session over arena reading input contents from
// content.
func NewSession(arena *graph.Arena, content rulekey.ContentSource, opts ...Option) (*Session, error) {
	s := &Session{
		buildID:     uuid.NewString(),
		arena:       arena,
		parallelism: runtime.GOMAXPROCS(0),
		logger:      slog.Default(),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.logger = s.logger.With(slog.String("build_id", s.buildID))

	factoryOpts := []rulekey.Option{rulekey.WithLogger(s.logger)}
	if s.sink != nil {
		factoryOpts = append(factoryOpts, rulekey.WithDiagnostics(s.sink))
	}
	factory, err := rulekey.NewFactory(arena, content, factoryOpts...)
	if err != nil {
		return nil, err
	}
	s.factory = factory

	if s.manifestStore != nil {
		managerOpts := append([]manifest.ManagerOption{manifest.WithLogger(s.logger)}, s.manifestOpts...)
		m, err := manifest.NewManager(s.manifestStore, factory, arena, managerOpts...)
		if err != nil {
			return nil, err
		}
		s.manifests = m
	}
	return s, nil
}

// BuildID returns the session's build ID.
func (s *Session) BuildID() string {
	return s.buildID
}

// Factory returns the session's key factory.
func (s *Session) Factory() *rulekey.Factory {
	return s.factory
}

// Manifests returns the manifest manager, or nil when disabled.
func (s *Session) Manifests() *manifest.Manager {
	return s.manifests
}

func (s *Session) initMetrics() {
	s.metricsOnce.Do(func() {
		var initErrors []string
		var err error

		s.nodeLatency, err = meter.Float64Histogram("engine_node_duration_seconds",
			metric.WithDescription("Time spent evaluating each node"),
			metric.WithUnit("s"),
		)
		if err != nil {
			initErrors = append(initErrors, "node_latency: "+err.Error())
		}

		s.nodeOutcomes, err = meter.Int64Counter("engine_node_outcomes_total",
			metric.WithDescription("Node evaluations by status"),
		)
		if err != nil {
			initErrors = append(initErrors, "node_outcomes: "+err.Error())
		}

		s.activeNodes, err = meter.Int64UpDownCounter("engine_active_nodes",
			metric.WithDescription("Number of nodes currently being evaluated"),
		)
		if err != nil {
			initErrors = append(initErrors, "active_nodes: "+err.Error())
		}

		s.runLatency, err = meter.Float64Histogram("engine_run_duration_seconds",
			metric.WithDescription("Total time of a Run call"),
			metric.WithUnit("s"),
		)
		if err != nil {
			initErrors = append(initErrors, "run_latency: "+err.Error())
		}

		if len(initErrors) > 0 {
			s.logger.Error("failed to initialize some engine metrics (observability degraded)",
				slog.Int("failed_count", len(initErrors)),
				slog.Any("errors", initErrors),
			)
		}
	})
}

// Run computes keys for every node reachable from roots.
//
// Description:
//
//	Walks the graph once to fix a dependency order and reject cycles, then
//	evaluates nodes in waves: every node whose dependencies are finished is
//	evaluated concurrently, bounded by the session parallelism. A failed
//	node does not stop the run. Its dependents are marked skipped.
//
// Inputs:
//
//	ctx - Cancellation. Checked between waves.
//	roots - Nodes to build. Empty builds every arena root.
//
// Outputs:
//
//	*Result - Per-node outcomes. Returned alongside a context error with
//	          whatever finished before cancellation.
//	error - Cycle, stale root handle, closed session or cancellation.
func (s *Session) Run(ctx context.Context, roots []graph.Handle) (*Result, error) {
	if s.closed.Load() {
		return nil, ErrSessionClosed
	}
	s.initMetrics()
	if len(roots) == 0 {
		roots = s.arena.Roots()
	}

	ctx, span := tracer.Start(ctx, "engine.Session.Run",
		trace.WithAttributes(
			attribute.String("build.id", s.buildID),
			attribute.Int("build.roots", len(roots)),
		),
	)
	defer span.End()

	start := time.Now()
	order, err := s.order(roots)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "invalid graph")
		return nil, err
	}

	s.logger.Info("build started",
		slog.Int("roots", len(roots)),
		slog.Int("nodes", len(order)),
		slog.Int("parallelism", s.parallelism),
	)

	result := &Result{
		BuildID: s.buildID,
		Order:   order,
		Nodes:   make(map[graph.Handle]*NodeResult, len(order)),
	}
	runErr := s.execute(ctx, order, result)
	result.Duration = time.Since(start)

	if s.runLatency != nil {
		s.runLatency.Record(ctx, result.Duration.Seconds())
	}
	span.SetAttributes(
		attribute.Int("build.computed", result.Computed),
		attribute.Int("build.failed", result.Failed),
		attribute.Int("build.skipped", result.Skipped),
	)

	if runErr != nil {
		span.RecordError(runErr)
		span.SetStatus(codes.Error, runErr.Error())
		return result, runErr
	}
	if result.Success() {
		span.SetStatus(codes.Ok, "")
		s.logger.Info("build completed",
			slog.Duration("duration", result.Duration),
			slog.Int("computed", result.Computed),
			slog.Int("manifest_hits", result.Hits),
		)
	} else {
		span.SetStatus(codes.Error, "node failures")
		s.logger.Error("build finished with failures",
			slog.Duration("duration", result.Duration),
			slog.Int("failed", result.Failed),
			slog.Int("skipped", result.Skipped),
		)
	}
	return result, nil
}

// order returns the reachable nodes, dependencies first.
func (s *Session) order(roots []graph.Handle) ([]graph.Handle, error) {
	res, err := traverse.Traverse(roots, func(h graph.Handle) (struct{}, traverse.Next[graph.Handle], error) {
		children, err := s.arena.Children(h)
		if err != nil {
			return struct{}{}, nil, err
		}
		return struct{}{}, traverse.Slice(children), nil
	}, nil)
	if err != nil {
		var cycle *traverse.CycleError[graph.Handle]
		if errors.As(err, &cycle) {
			named := make([]string, len(cycle.Chain))
			for i, h := range cycle.Chain {
				named[i] = s.arena.Target(h)
			}
			return nil, &traverse.CycleError[string]{Chain: named}
		}
		return nil, err
	}
	return res.Order, nil
}

// execute evaluates order in ready waves.
func (s *Session) execute(ctx context.Context, order []graph.Handle, result *Result) error {
	position := make(map[graph.Handle]int, len(order))
	for i, h := range order {
		position[h] = i
	}

	pending := make(map[graph.Handle]int, len(order))
	dependents := make(map[graph.Handle][]graph.Handle, len(order))
	var ready []graph.Handle
	for _, h := range order {
		children, err := s.arena.Children(h)
		if err != nil {
			return err
		}
		pending[h] = len(children)
		for _, c := range children {
			dependents[c] = append(dependents[c], h)
		}
		if len(children) == 0 {
			ready = append(ready, h)
		}
	}

	// blockedBy holds the first failed or skipped dependency of a node.
	blockedBy := make(map[graph.Handle]graph.Handle)

	for len(result.Nodes) < len(order) {
		if err := ctx.Err(); err != nil {
			return err
		}
		if len(ready) == 0 {
			return ErrNoProgress
		}

		wave := s.evaluateWave(ctx, ready)

		var next []graph.Handle
		queue := wave
		for len(queue) > 0 {
			nr := queue[0]
			queue = queue[1:]
			s.account(result, nr)

			for _, d := range dependents[nr.Handle] {
				if nr.Status != StatusComputed {
					if _, ok := blockedBy[d]; !ok {
						blockedBy[d] = nr.Handle
					}
				}
				pending[d]--
				if pending[d] != 0 {
					continue
				}
				if dep, blocked := blockedBy[d]; blocked {
					queue = append(queue, s.skip(d, dep))
					continue
				}
				next = append(next, d)
			}
		}
		sortByPosition(next, position)
		ready = next
	}
	return nil
}

// sortByPosition orders a wave by dependency order.
func sortByPosition(hs []graph.Handle, position map[graph.Handle]int) {
	slices.SortFunc(hs, func(a, b graph.Handle) int {
		return cmp.Compare(position[a], position[b])
	})
}

func (s *Session) account(result *Result, nr *NodeResult) {
	result.Nodes[nr.Handle] = nr
	switch nr.Status {
	case StatusComputed:
		result.Computed++
		if nr.ManifestHit {
			result.Hits++
		}
	case StatusFailed:
		result.Failed++
	case StatusSkipped:
		result.Skipped++
	}
}

func (s *Session) skip(h, dep graph.Handle) *NodeResult {
	target := s.arena.Target(h)
	s.countOutcome(context.Background(), StatusSkipped)
	return &NodeResult{
		Handle: h,
		Target: target,
		Status: StatusSkipped,
		Err:    &SkippedError{Target: target, Dependency: s.arena.Target(dep)},
	}
}

// evaluateWave evaluates independent nodes on an errgroup bounded by the
// session parallelism. Node failures are recorded, never returned, so one
// failure does not cancel its siblings.
func (s *Session) evaluateWave(ctx context.Context, wave []graph.Handle) []*NodeResult {
	results := make([]*NodeResult, len(wave))
	var g errgroup.Group
	g.SetLimit(s.parallelism)
	for i, h := range wave {
		g.Go(func() error {
			results[i] = s.evaluate(ctx, h)
			return nil
		})
	}
	_ = g.Wait()
	return results
}

// evaluate computes one node's key and looks up its manifest.
func (s *Session) evaluate(ctx context.Context, h graph.Handle) *NodeResult {
	target := s.arena.Target(h)
	ctx, span := tracer.Start(ctx, "engine.Session.evaluate",
		trace.WithAttributes(
			attribute.String("node.target", target),
			attribute.String("build.id", s.buildID),
		),
	)
	defer span.End()

	if s.activeNodes != nil {
		s.activeNodes.Add(ctx, 1)
		defer s.activeNodes.Add(ctx, -1)
	}

	start := time.Now()
	nr := &NodeResult{Handle: h, Target: target}
	n, err := s.arena.Node(h)
	if err == nil {
		nr.Key, err = s.factory.Build(ctx, h)
	}
	if err == nil && s.manifests != nil && n.Cacheable && n.Kind == graph.KindAction {
		var (
			hit manifest.Hit
			ok  bool
		)
		hit, ok, err = s.manifests.Lookup(ctx, h)
		if ok {
			nr.ManifestHit = true
			nr.ManifestKey = hit.ManifestKey
			nr.DepFileKey = hit.DepFileKey
			nr.Output = hit.Entry.Output
		}
	}
	nr.Duration = time.Since(start)

	if s.nodeLatency != nil {
		s.nodeLatency.Record(ctx, nr.Duration.Seconds())
	}

	if err != nil {
		nr.Status = StatusFailed
		nr.Err = err
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		s.countOutcome(ctx, StatusFailed)
		s.logger.Error("node failed",
			slog.String("node", target),
			slog.Duration("duration", nr.Duration),
			slog.String("error", err.Error()),
		)
		return nr
	}

	nr.Status = StatusComputed
	s.countOutcome(ctx, StatusComputed)
	s.recordNode(n, nr)
	s.logger.Debug("node computed",
		slog.String("node", target),
		slog.String("key", nr.Key.String()),
		slog.Bool("manifest_hit", nr.ManifestHit),
		slog.Duration("duration", nr.Duration),
	)
	return nr
}

func (s *Session) countOutcome(ctx context.Context, status NodeStatus) {
	if s.nodeOutcomes != nil {
		s.nodeOutcomes.Add(ctx, 1, metric.WithAttributes(attribute.String("status", string(status))))
	}
}

func (s *Session) recordNode(n *graph.Node, nr *NodeResult) {
	if s.sink == nil {
		return
	}
	typ := n.Type
	if typ == "" {
		typ = n.Kind.String()
	}
	deps := make([]string, 0, len(n.Deps))
	for _, d := range n.Deps {
		deps = append(deps, s.arena.Target(d))
	}
	s.sink.RecordNode(diagnostics.NodeInfo{
		Target:      n.Target,
		Type:        typ,
		Duration:    nr.Duration,
		Cacheable:   n.Cacheable,
		DefaultKey:  nr.Key,
		DepFileKey:  nr.DepFileKey,
		ManifestKey: nr.ManifestKey,
		OutputHash:  nr.Output,
	}, deps)
}

// Record stores an execution of h in the manifest: the inputs it used and
// a reference to its output.
func (s *Session) Record(ctx context.Context, h graph.Handle, used []rulekey.DependencyFileEntry, output string) (manifest.Entry, error) {
	if s.manifests == nil {
		return manifest.Entry{}, fmt.Errorf("record %s: manifests are not enabled", s.arena.Target(h))
	}
	return s.manifests.Record(ctx, h, used, output)
}

// CloseSummary reports what Close released.
type CloseSummary struct {
	// Evicted counts cache entries dropped for released nodes.
	Evicted int

	// Diagnostics is set when the session had a sink.
	Diagnostics *diagnostics.CloseResult
}

// Close sweeps the key cache and closes the diagnostics sink. The sink is
// given until ctx's deadline, or DefaultCloseTimeout. Close is idempotent.
func (s *Session) Close(ctx context.Context) CloseSummary {
	s.closeOnce.Do(func() {
		s.closed.Store(true)
		s.summary.Evicted = s.factory.Cache().Sweep(ctx, s.arena.IsLive)

		if s.sink != nil {
			timeout := DefaultCloseTimeout
			if deadline, ok := ctx.Deadline(); ok {
				timeout = max(time.Until(deadline), time.Millisecond)
			}
			res := s.sink.Close(timeout)
			s.summary.Diagnostics = &res
		}
		s.logger.Debug("session closed", slog.Int("evicted", s.summary.Evicted))
	})
	return s.summary
}
