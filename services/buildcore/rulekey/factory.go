// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package rulekey

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/AleutianAI/AleutianBuild/services/buildcore/graph"
	"github.com/AleutianAI/AleutianBuild/services/buildcore/keycache"
	"github.com/AleutianAI/AleutianBuild/services/buildcore/traverse"
)

var tracer = otel.Tracer("aleutian.rulekey")

// ContentSource supplies content hashes of input files.
//
// filehash.Loader is the production implementation; it pins contents for
// the duration of one build.
type ContentSource interface {
	// Hash returns the content hash of a root-relative path.
	Hash(path string) (string, error)

	// Normalize returns the canonical root-relative form of a path.
	Normalize(path string) (string, error)
}

// Recorder receives every computed structural key with its diagnostic
// description.
type Recorder interface {
	RecordKey(key RuleKey, diagnosticKey string)
}

// Option is a functional option for configuring Factory.
type Option func(*Factory)

// WithDiagnostics routes every computed structural key to r.
func WithDiagnostics(r Recorder) Option {
	return func(f *Factory) {
		f.recorder = r
	}
}

// WithCache sets the per-build key cache. A fresh cache is used otherwise.
func WithCache(c *keycache.Cache[RuleKey]) Option {
	return func(f *Factory) {
		f.cache = c
	}
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(f *Factory) {
		f.logger = logger
	}
}

// Factory computes rule keys for nodes of one arena.
//
// Description:
//
//	Structural keys are memoized in a keycache.Cache chosen by node kind.
//	Build walks the unmemoized part of the dependency graph with
//	traverse.Traverse and computes keys bottom-up, so a node's key is
//	always computed after the keys of everything it depends on.
//
// Thread Safety:
//
//	Factory is safe for concurrent use. Concurrent Build calls that reach
//	the same node share one computation.
type Factory struct {
	arena    *graph.Arena
	content  ContentSource
	cache    *keycache.Cache[RuleKey]
	recorder Recorder
	logger   *slog.Logger
}

// NewFactory creates a factory over arena reading file contents from content.
func NewFactory(arena *graph.Arena, content ContentSource, opts ...Option) (*Factory, error) {
	if arena == nil {
		return nil, fmt.Errorf("%w: nil arena", graph.ErrInvalidNode)
	}
	if content == nil {
		return nil, ErrNilContent
	}
	f := &Factory{arena: arena, content: content}
	for _, opt := range opts {
		opt(f)
	}
	if f.cache == nil {
		f.cache = keycache.New[RuleKey]()
	}
	if f.logger == nil {
		f.logger = slog.Default()
	}
	return f, nil
}

// Cache returns the factory's key cache.
func (f *Factory) Cache() *keycache.Cache[RuleKey] {
	return f.cache
}

// Peek returns the memoized structural key of h without computing.
func (f *Factory) Peek(h graph.Handle) (RuleKey, bool, error) {
	n, err := f.arena.Node(h)
	if err != nil {
		return RuleKey{}, false, err
	}
	return f.cache.Peek(n.Kind, h)
}

// Build returns the structural key of h.
//
// Description:
//
//	Traverses from h, exploring only nodes whose key is not yet memoized,
//	then computes keys in post-order. Each key combines the node's kind,
//	type, target and declared fields with the keys of its dependencies and
//	Ref fields. Action keys also cover the content of declared inputs and
//	Path fields; appendable and graph-node keys cover paths by name only.
//
// Inputs:
//
//	ctx - Checked between nodes.
//	h - The node handle.
//
// Outputs:
//
//	RuleKey - The structural key.
//	error - *traverse.CycleError[string] naming targets on a cycle,
//	        *KeyComputationError on an input or dependency failure, or a
//	        graph error for a stale handle.
func (f *Factory) Build(ctx context.Context, h graph.Handle) (RuleKey, error) {
	n, err := f.arena.Node(h)
	if err != nil {
		return RuleKey{}, err
	}
	if k, ok, err := f.cache.Peek(n.Kind, h); ok {
		return k, err
	}

	ctx, span := tracer.Start(ctx, "rulekey.Factory.Build",
		trace.WithAttributes(
			attribute.String("node.target", n.Target),
			attribute.String("node.kind", n.Kind.String()),
		),
	)
	defer span.End()

	res, err := traverse.Traverse([]graph.Handle{h}, f.visit, f.unmemoized)
	if err != nil {
		err = f.describeTraversalError(err)
		span.RecordError(err)
		span.SetStatus(codes.Error, "traversal failed")
		return RuleKey{}, err
	}
	span.SetAttributes(attribute.Int("rulekey.computed_nodes", res.Len()))

	for _, c := range res.Order {
		if err := ctx.Err(); err != nil {
			return RuleKey{}, err
		}
		// Failures are memoized per node; the root reports its own below.
		_, _ = f.structural(ctx, c, res.Entries[c].Payload)
	}

	key, err := f.structural(ctx, h, n)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "key computation failed")
	}
	return key, err
}

func (f *Factory) visit(h graph.Handle) (*graph.Node, traverse.Next[graph.Handle], error) {
	n, err := f.arena.Node(h)
	if err != nil {
		return nil, nil, err
	}
	children, err := f.arena.Children(h)
	if err != nil {
		return nil, nil, err
	}
	return n, traverse.Slice(children), nil
}

func (f *Factory) unmemoized(h graph.Handle) bool {
	n, ok := f.arena.Get(h)
	if !ok {
		return false
	}
	_, memoized, _ := f.cache.Peek(n.Kind, h)
	return !memoized
}

func (f *Factory) describeTraversalError(err error) error {
	var cycle *traverse.CycleError[graph.Handle]
	if errors.As(err, &cycle) {
		chain := make([]string, len(cycle.Chain))
		for i, h := range cycle.Chain {
			chain[i] = f.arena.Target(h)
		}
		return &traverse.CycleError[string]{Chain: chain}
	}
	return err
}

func (f *Factory) structural(ctx context.Context, h graph.Handle, n *graph.Node) (RuleKey, error) {
	return f.cache.Get(ctx, n.Kind, h, func() (RuleKey, error) {
		return f.computeStructural(ctx, n)
	})
}

func (f *Factory) computeStructural(ctx context.Context, n *graph.Node) (RuleKey, error) {
	b := NewBuilder(f.recorder != nil)
	b.Section("structural/" + n.Kind.String())
	writeHeader(b, n)

	withContent, err := contentPolicy(n.Kind)
	if err != nil {
		return RuleKey{}, &KeyComputationError{Target: n.Target, Err: err}
	}
	if err := f.writeFields(ctx, b, n, withContent); err != nil {
		return RuleKey{}, err
	}
	if err := f.writeDeps(ctx, b, n); err != nil {
		return RuleKey{}, err
	}

	inputs, err := f.normalizedInputs(n)
	if err != nil {
		return RuleKey{}, err
	}
	if withContent {
		b.Int("inputs", int64(len(inputs)))
		for _, p := range inputs {
			hash, err := f.content.Hash(p)
			if err != nil {
				return RuleKey{}, &KeyComputationError{Target: n.Target, Path: p, Err: err}
			}
			b.Path("input", p, hash)
		}
	} else {
		b.Set("inputs", inputs)
	}

	key := b.Build()
	if f.recorder != nil {
		f.recorder.RecordKey(key, b.Diagnostic())
	}
	return key, nil
}

// contentPolicy reports whether keys of kind k cover file contents.
func contentPolicy(k graph.Kind) (bool, error) {
	switch k {
	case graph.KindAction:
		return true, nil
	case graph.KindAppendableValue, graph.KindGraphNode:
		return false, nil
	default:
		return false, fmt.Errorf("%w: %d", graph.ErrUnknownKind, k)
	}
}

func writeHeader(b *Builder, n *graph.Node) {
	b.String("target", n.Target)
	b.String("type", n.Type)
	b.Bool("cacheable", n.Cacheable)
}

// writeFields writes declared fields sorted by name.
func (f *Factory) writeFields(ctx context.Context, b *Builder, n *graph.Node, withContent bool) error {
	fields := slices.Clone(n.Fields)
	slices.SortStableFunc(fields, func(a, c graph.Field) int {
		switch {
		case a.Name < c.Name:
			return -1
		case a.Name > c.Name:
			return 1
		default:
			return 0
		}
	})

	b.Int("fields", int64(len(fields)))
	for _, fld := range fields {
		name := "field." + fld.Name
		switch v := fld.Value.(type) {
		case graph.String:
			b.String(name, string(v))
		case graph.Int:
			b.Int(name, int64(v))
		case graph.Bool:
			b.Bool(name, bool(v))
		case graph.List:
			b.List(name, v)
		case graph.Set:
			b.Set(name, v)
		case graph.Map:
			b.Map(name, v)
		case graph.Path:
			p, err := f.content.Normalize(string(v))
			if err != nil {
				return &KeyComputationError{Target: n.Target, Path: string(v), Err: err}
			}
			hash := ""
			if withContent {
				if hash, err = f.content.Hash(p); err != nil {
					return &KeyComputationError{Target: n.Target, Path: p, Err: err}
				}
			}
			b.Path(name, p, hash)
		case graph.Ref:
			key, err := f.depKey(ctx, n, graph.Handle(v))
			if err != nil {
				return err
			}
			b.Key(name, key)
		case nil:
			b.Null(name)
		default:
			return &KeyComputationError{Target: n.Target, Err: fmt.Errorf("field %s: unsupported value %T", fld.Name, v)}
		}
	}
	return nil
}

// writeDeps writes the keys of declared dependencies in declared order.
func (f *Factory) writeDeps(ctx context.Context, b *Builder, n *graph.Node) error {
	b.Int("deps", int64(len(n.Deps)))
	for _, d := range n.Deps {
		key, err := f.depKey(ctx, n, d)
		if err != nil {
			return err
		}
		b.Key("dep", key)
	}
	return nil
}

// depKey returns the memoized key of dependency d of n, computing it if a
// caller skipped the traversal.
func (f *Factory) depKey(ctx context.Context, n *graph.Node, d graph.Handle) (RuleKey, error) {
	dn, err := f.arena.Node(d)
	if err != nil {
		return RuleKey{}, &KeyComputationError{Target: n.Target, Err: err}
	}
	key, ok, err := f.cache.Peek(dn.Kind, d)
	if !ok {
		key, err = f.Build(ctx, d)
	}
	if err != nil {
		return RuleKey{}, &KeyComputationError{
			Target: n.Target,
			Err:    fmt.Errorf("%w %s: %w", ErrDependencyFailed, dn.Target, err),
		}
	}
	return key, nil
}

// normalizedInputs returns the node's declared static inputs, normalized,
// sorted and deduplicated.
func (f *Factory) normalizedInputs(n *graph.Node) ([]string, error) {
	out := make([]string, 0, len(n.Inputs))
	for _, in := range n.Inputs {
		p, err := f.content.Normalize(in)
		if err != nil {
			return nil, &KeyComputationError{Target: n.Target, Path: in, Err: err}
		}
		out = append(out, p)
	}
	slices.Sort(out)
	return slices.Compact(out), nil
}

// BuildDepFileKey returns the dependency-file key of h for the inputs an
// execution reported as used.
//
// Description:
//
//	The key covers the node's header, declared fields and dependency keys,
//	plus the content of used ∩ S where S is the node's declared static
//	inputs. Inputs in S that were not used do not contribute, so changing
//	them leaves the key unchanged. Reported entries outside S cannot be
//	tracked and are ignored.
//
// Inputs:
//
//	ctx - Passed to Build for dependency keys.
//	h - The node handle.
//	used - Entries reported by the execution, in any order.
//
// Outputs:
//
//	RuleKey - The dependency-file key.
//	[]DependencyFileEntry - The canonical used set: normalized, sorted,
//	                        deduplicated and restricted to S. Persist it
//	                        for the next build.
//	error - As for Build.
func (f *Factory) BuildDepFileKey(ctx context.Context, h graph.Handle, used []DependencyFileEntry) (RuleKey, []DependencyFileEntry, error) {
	n, err := f.arena.Node(h)
	if err != nil {
		return RuleKey{}, nil, err
	}
	if _, err := f.Build(ctx, h); err != nil {
		return RuleKey{}, nil, err
	}

	static, err := f.normalizedInputs(n)
	if err != nil {
		return RuleKey{}, nil, err
	}
	canonical := f.restrictToStatic(n, static, used)

	withContent, err := contentPolicy(n.Kind)
	if err != nil {
		return RuleKey{}, nil, &KeyComputationError{Target: n.Target, Err: err}
	}

	b := NewBuilder(false)
	b.Section("depfile/" + n.Kind.String())
	writeHeader(b, n)
	if err := f.writeFields(ctx, b, n, withContent); err != nil {
		return RuleKey{}, nil, err
	}
	if err := f.writeDeps(ctx, b, n); err != nil {
		return RuleKey{}, nil, err
	}

	b.Int("used", int64(len(canonical)))
	for _, p := range canonical {
		hash, err := f.content.Hash(p)
		if err != nil {
			return RuleKey{}, nil, &KeyComputationError{Target: n.Target, Path: p, Err: err}
		}
		b.Path("used", p, hash)
	}

	entries := make([]DependencyFileEntry, len(canonical))
	for i, p := range canonical {
		entries[i] = DependencyFileEntry{Path: p}
	}
	return b.Build(), entries, nil
}

func (f *Factory) restrictToStatic(n *graph.Node, static []string, used []DependencyFileEntry) []string {
	out := make([]string, 0, len(used))
	for _, e := range used {
		p, err := f.content.Normalize(e.Path)
		if err != nil || !slices.Contains(static, p) {
			f.logger.Debug("ignoring dependency file entry outside declared inputs",
				slog.String("target", n.Target),
				slog.String("path", e.Path),
			)
			continue
		}
		out = append(out, p)
	}
	slices.Sort(out)
	return slices.Compact(out)
}

// BuildManifestKey returns the coarse key addressing h's manifest bucket.
//
// The key covers everything the dependency-file key does except input
// contents. The static input paths are included by name, so adding or
// removing a possible input moves the node to a new bucket.
func (f *Factory) BuildManifestKey(ctx context.Context, h graph.Handle) (RuleKey, error) {
	n, err := f.arena.Node(h)
	if err != nil {
		return RuleKey{}, err
	}
	if _, err := f.Build(ctx, h); err != nil {
		return RuleKey{}, err
	}

	static, err := f.normalizedInputs(n)
	if err != nil {
		return RuleKey{}, err
	}
	withContent, err := contentPolicy(n.Kind)
	if err != nil {
		return RuleKey{}, &KeyComputationError{Target: n.Target, Err: err}
	}

	b := NewBuilder(false)
	b.Section("manifest/" + n.Kind.String())
	writeHeader(b, n)
	if err := f.writeFields(ctx, b, n, withContent); err != nil {
		return RuleKey{}, err
	}
	if err := f.writeDeps(ctx, b, n); err != nil {
		return RuleKey{}, err
	}
	b.Set("inputs", static)
	return b.Build(), nil
}
