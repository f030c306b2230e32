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
	"context"
	"fmt"
	"os"
	"path/filepath"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AleutianAI/AleutianBuild/services/buildcore/diagnostics"
	"github.com/AleutianAI/AleutianBuild/services/buildcore/filehash"
	"github.com/AleutianAI/AleutianBuild/services/buildcore/graph"
	"github.com/AleutianAI/AleutianBuild/services/buildcore/manifest"
	"github.com/AleutianAI/AleutianBuild/services/buildcore/rulekey"
)

func writeFile(t *testing.T, root, rel, content string) {
	t.Helper()
	path := filepath.Join(root, filepath.FromSlash(rel))
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
}

func newProject(t *testing.T) string {
	t.Helper()
	root := t.TempDir()
	writeFile(t, root, "base/base.go", "package base")
	writeFile(t, root, "lib/lib.go", "package lib")
	writeFile(t, root, "app/main.go", "package main")
	return root
}

func newLoader(t *testing.T, root string) *filehash.Loader {
	t.Helper()
	l, err := filehash.NewLoader(root)
	require.NoError(t, err)
	return l
}

type chain struct {
	arena          *graph.Arena
	base, lib, app graph.Handle
}

func newChain() chain {
	a := graph.NewArena()
	base := a.MustAdd(&graph.Node{Target: "//base", Kind: graph.KindAction, Type: "go_library",
		Inputs: []string{"base/base.go"}, Cacheable: true})
	lib := a.MustAdd(&graph.Node{Target: "//lib", Kind: graph.KindAction, Type: "go_library",
		Deps: []graph.Handle{base}, Inputs: []string{"lib/lib.go"}, Cacheable: true})
	app := a.MustAdd(&graph.Node{Target: "//app", Kind: graph.KindAction, Type: "go_binary",
		Deps: []graph.Handle{lib}, Inputs: []string{"app/main.go"}, Cacheable: true})
	return chain{arena: a, base: base, lib: lib, app: app}
}

func TestRun_ComputesInDependencyOrder(t *testing.T) {
	root := newProject(t)
	c := newChain()
	s, err := NewSession(c.arena, newLoader(t, root), WithParallelism(2))
	require.NoError(t, err)
	defer s.Close(context.Background())

	res, err := s.Run(context.Background(), nil)
	require.NoError(t, err)

	assert.Equal(t, []graph.Handle{c.base, c.lib, c.app}, res.Order)
	assert.True(t, res.Success())
	assert.Equal(t, 3, res.Computed)
	assert.Equal(t, s.BuildID(), res.BuildID)
	_, err = uuid.Parse(res.BuildID)
	assert.NoError(t, err)

	keys := make(map[rulekey.RuleKey]bool)
	for _, h := range res.Order {
		nr, ok := res.Get(h)
		require.True(t, ok)
		assert.Equal(t, StatusComputed, nr.Status)
		assert.False(t, nr.Key.IsZero())
		keys[nr.Key] = true
	}
	assert.Len(t, keys, 3)
}

func TestRun_DeterministicAcrossSessions(t *testing.T) {
	root := newProject(t)
	c := newChain()

	first, err := NewSession(c.arena, newLoader(t, root))
	require.NoError(t, err)
	second, err := NewSession(c.arena, newLoader(t, root))
	require.NoError(t, err)

	r1, err := first.Run(context.Background(), []graph.Handle{c.app})
	require.NoError(t, err)
	r2, err := second.Run(context.Background(), []graph.Handle{c.app})
	require.NoError(t, err)

	assert.Equal(t, r1.Nodes[c.app].Key, r2.Nodes[c.app].Key)
	assert.NotEqual(t, first.BuildID(), second.BuildID())
}

func TestRun_FailureSkipsDependents(t *testing.T) {
	root := newProject(t)
	a := graph.NewArena()
	base := a.MustAdd(&graph.Node{Target: "//base", Kind: graph.KindAction, Inputs: []string{"base/base.go"}})
	lib := a.MustAdd(&graph.Node{Target: "//lib", Kind: graph.KindAction, Deps: []graph.Handle{base}})
	broken := a.MustAdd(&graph.Node{Target: "//broken", Kind: graph.KindAction, Inputs: []string{"missing.go"}})
	dependent := a.MustAdd(&graph.Node{Target: "//dependent", Kind: graph.KindAction, Deps: []graph.Handle{broken}})
	top := a.MustAdd(&graph.Node{Target: "//top", Kind: graph.KindAction, Deps: []graph.Handle{lib, dependent}})

	s, err := NewSession(a, newLoader(t, root))
	require.NoError(t, err)
	res, err := s.Run(context.Background(), []graph.Handle{top})
	require.NoError(t, err)

	assert.False(t, res.Success())
	assert.Equal(t, 2, res.Computed)
	assert.Equal(t, 1, res.Failed)
	assert.Equal(t, 2, res.Skipped)

	assert.Equal(t, StatusComputed, res.Nodes[lib].Status)
	assert.Equal(t, StatusFailed, res.Nodes[broken].Status)
	var kce *rulekey.KeyComputationError
	assert.ErrorAs(t, res.Nodes[broken].Err, &kce)

	var skipped *SkippedError
	require.ErrorAs(t, res.Nodes[dependent].Err, &skipped)
	assert.Equal(t, "//broken", skipped.Dependency)
	require.ErrorAs(t, res.Nodes[top].Err, &skipped)
	assert.Equal(t, "//dependent", skipped.Dependency)
	assert.ErrorIs(t, res.Nodes[top].Err, ErrDependencyFailed)

	failures := res.Failures()
	require.Len(t, failures, 1)
	assert.Equal(t, "//broken", failures[0].Target)
}

func TestRun_WideGraphComputesEachNodeOnce(t *testing.T) {
	root := newProject(t)
	a := graph.NewArena()
	var leaves []graph.Handle
	for i := 0; i < 40; i++ {
		leaves = append(leaves, a.MustAdd(&graph.Node{
			Target: fmt.Sprintf("//leaf:%d", i),
			Kind:   graph.KindAction,
			Inputs: []string{"base/base.go"},
			Fields: []graph.Field{{Name: "index", Value: graph.Int(i)}},
		}))
	}
	top := a.MustAdd(&graph.Node{Target: "//top", Kind: graph.KindGraphNode, Deps: leaves})

	s, err := NewSession(a, newLoader(t, root), WithParallelism(4))
	require.NoError(t, err)
	res, err := s.Run(context.Background(), []graph.Handle{top})
	require.NoError(t, err)

	assert.Equal(t, 41, res.Computed)
	assert.Equal(t, int64(41), s.Factory().Cache().Stats().Computations)
	assert.Equal(t, top, res.Order[len(res.Order)-1])
}

func TestRun_ManifestHitAcrossSessions(t *testing.T) {
	root := newProject(t)
	c := newChain()
	store := manifest.NewMemoryStore()
	ctx := context.Background()

	first, err := NewSession(c.arena, newLoader(t, root), WithManifestStore(store))
	require.NoError(t, err)
	res, err := first.Run(ctx, nil)
	require.NoError(t, err)
	assert.False(t, res.Nodes[c.app].ManifestHit)
	assert.Zero(t, res.Hits)

	_, err = first.Record(ctx, c.app, []rulekey.DependencyFileEntry{{Path: "app/main.go"}}, "out-1")
	require.NoError(t, err)
	first.Close(ctx)

	second, err := NewSession(c.arena, newLoader(t, root), WithManifestStore(store))
	require.NoError(t, err)
	res, err = second.Run(ctx, nil)
	require.NoError(t, err)

	app := res.Nodes[c.app]
	assert.True(t, app.ManifestHit)
	assert.Equal(t, "out-1", app.Output)
	assert.False(t, app.ManifestKey.IsZero())
	assert.Equal(t, 1, res.Hits)
}

func TestRecord_RequiresManifests(t *testing.T) {
	c := newChain()
	s, err := NewSession(c.arena, newLoader(t, newProject(t)))
	require.NoError(t, err)
	_, err = s.Record(context.Background(), c.app, nil, "x")
	assert.Error(t, err)
	assert.Nil(t, s.Manifests())
}

func TestRun_WritesDiagnostics(t *testing.T) {
	root := newProject(t)
	c := newChain()
	sink, err := diagnostics.NewSink(t.TempDir())
	require.NoError(t, err)

	s, err := NewSession(c.arena, newLoader(t, root), WithSink(sink))
	require.NoError(t, err)
	_, err = s.Run(context.Background(), nil)
	require.NoError(t, err)

	summary := s.Close(context.Background())
	require.NotNil(t, summary.Diagnostics)
	d := summary.Diagnostics
	assert.False(t, d.TimedOut)
	assert.Equal(t, int64(3), d.KeysWritten)
	assert.Equal(t, 3, d.Nodes)
	assert.Equal(t, 2, d.Edges)

	f, err := os.Open(d.GraphDumpPath)
	require.NoError(t, err)
	defer f.Close()
	dump, err := diagnostics.ParseGraphDump(f)
	require.NoError(t, err)
	require.Len(t, dump.Nodes, 3)
	assert.Equal(t, "//app", dump.Nodes[0].Target)
	assert.Equal(t, "go_binary", dump.Nodes[0].Type)
}

func TestRun_Cancelled(t *testing.T) {
	c := newChain()
	s, err := NewSession(c.arena, newLoader(t, newProject(t)))
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	res, err := s.Run(ctx, nil)
	assert.ErrorIs(t, err, context.Canceled)
	require.NotNil(t, res)
	assert.Empty(t, res.Nodes)
}

func TestRun_StaleRoot(t *testing.T) {
	c := newChain()
	s, err := NewSession(c.arena, newLoader(t, newProject(t)))
	require.NoError(t, err)
	require.NoError(t, c.arena.Release(c.app))

	_, err = s.Run(context.Background(), []graph.Handle{c.app})
	assert.ErrorIs(t, err, graph.ErrStaleHandle)
}

func TestSession_Close(t *testing.T) {
	c := newChain()
	s, err := NewSession(c.arena, newLoader(t, newProject(t)), WithBuildID("build-7"))
	require.NoError(t, err)
	assert.Equal(t, "build-7", s.BuildID())

	_, err = s.Run(context.Background(), nil)
	require.NoError(t, err)
	require.NoError(t, c.arena.Release(c.app))

	first := s.Close(context.Background())
	assert.Equal(t, 1, first.Evicted)
	assert.Nil(t, first.Diagnostics)
	assert.Equal(t, first, s.Close(context.Background()))

	_, err = s.Run(context.Background(), nil)
	assert.ErrorIs(t, err, ErrSessionClosed)
}

func TestNewSession_RequiresContent(t *testing.T) {
	_, err := NewSession(graph.NewArena(), nil)
	assert.ErrorIs(t, err, rulekey.ErrNilContent)
}

func TestSortByPosition_WideReversedWave(t *testing.T) {
	const width = 50_000
	position := make(map[graph.Handle]int, width)
	wave := make([]graph.Handle, width)
	for i := 0; i < width; i++ {
		h := graph.NewHandle(uint32(i+1), 1)
		position[h] = i
		wave[width-1-i] = h
	}

	sortByPosition(wave, position)

	for i, h := range wave {
		require.Equal(t, i, position[h])
	}
}
