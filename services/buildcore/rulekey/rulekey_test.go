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
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AleutianAI/AleutianBuild/services/buildcore/filehash"
	"github.com/AleutianAI/AleutianBuild/services/buildcore/graph"
)

type recorder struct {
	mu   sync.Mutex
	keys map[RuleKey]string
}

func (r *recorder) RecordKey(key RuleKey, diagnosticKey string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.keys == nil {
		r.keys = make(map[RuleKey]string)
	}
	r.keys[key] = diagnosticKey
}

func writeFile(t *testing.T, root, rel, content string) {
	t.Helper()
	path := filepath.Join(root, filepath.FromSlash(rel))
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
}

// newFactory starts a fresh "build": new loader, new cache.
func newFactory(t *testing.T, arena *graph.Arena, root string, opts ...Option) *Factory {
	t.Helper()
	loader, err := filehash.NewLoader(root)
	require.NoError(t, err)
	f, err := NewFactory(arena, loader, opts...)
	require.NoError(t, err)
	return f
}

type fixture struct {
	arena *graph.Arena
	lib   graph.Handle
	cp    graph.Handle
	bin   graph.Handle
}

func newFixture(t *testing.T, libFlags graph.List) fixture {
	t.Helper()
	a := graph.NewArena()
	lib := a.MustAdd(&graph.Node{
		Target:    "//lib:core",
		Kind:      graph.KindAction,
		Type:      "go_library",
		Inputs:    []string{"lib/a.go", "lib/b.go", "lib/c.go"},
		Fields:    []graph.Field{{Name: "flags", Value: libFlags}},
		Cacheable: true,
	})
	cp := a.MustAdd(&graph.Node{
		Target: "//lib:classpath",
		Kind:   graph.KindAppendableValue,
		Type:   "classpath",
		Fields: []graph.Field{
			{Name: "entries", Value: graph.Set{"z.jar", "a.jar"}},
			{Name: "manifest", Value: graph.Path("lib/MANIFEST")},
		},
	})
	bin := a.MustAdd(&graph.Node{
		Target: "//app:bin",
		Kind:   graph.KindAction,
		Type:   "go_binary",
		Deps:   []graph.Handle{lib},
		Fields: []graph.Field{
			{Name: "env", Value: graph.Map{"GOOS": "linux", "CGO": "0"}},
			{Name: "classpath", Value: graph.Ref(cp)},
			{Name: "main", Value: graph.String("cmd/main.go")},
		},
		Cacheable: true,
	})
	return fixture{arena: a, lib: lib, cp: cp, bin: bin}
}

func newProject(t *testing.T) string {
	root := t.TempDir()
	writeFile(t, root, "lib/a.go", "package lib // a")
	writeFile(t, root, "lib/b.go", "package lib // b")
	writeFile(t, root, "lib/c.go", "package lib // c")
	writeFile(t, root, "lib/MANIFEST", "v1")
	return root
}

func TestRuleKey_ParseRoundTrip(t *testing.T) {
	b := NewBuilder(false).String("x", "y")
	k := b.Build()
	parsed, err := ParseRuleKey(k.String())
	require.NoError(t, err)
	assert.Equal(t, k, parsed)
	assert.False(t, k.IsZero())
	assert.True(t, RuleKey{}.IsZero())

	_, err = ParseRuleKey("abc")
	assert.ErrorIs(t, err, ErrInvalidKey)
	_, err = ParseRuleKey(strings.Repeat("zz", Size))
	assert.ErrorIs(t, err, ErrInvalidKey)
}

func TestBuilder_CanonicalEncoding(t *testing.T) {
	t.Run("length prefix prevents concatenation collisions", func(t *testing.T) {
		a := NewBuilder(false).List("l", []string{"ab", "c"}).Build()
		b := NewBuilder(false).List("l", []string{"a", "bc"}).Build()
		assert.NotEqual(t, a, b)
	})
	t.Run("set order is irrelevant", func(t *testing.T) {
		a := NewBuilder(false).Set("s", []string{"b", "a", "a"}).Build()
		b := NewBuilder(false).Set("s", []string{"a", "b"}).Build()
		assert.Equal(t, a, b)
	})
	t.Run("list order is significant", func(t *testing.T) {
		a := NewBuilder(false).List("l", []string{"b", "a"}).Build()
		b := NewBuilder(false).List("l", []string{"a", "b"}).Build()
		assert.NotEqual(t, a, b)
	})
	t.Run("type tags distinguish list from set", func(t *testing.T) {
		a := NewBuilder(false).List("v", []string{"a"}).Build()
		b := NewBuilder(false).Set("v", []string{"a"}).Build()
		assert.NotEqual(t, a, b)
	})
	t.Run("diagnostic has no whitespace", func(t *testing.T) {
		b := NewBuilder(true).Section("x").String("name", "has space").Map("m", map[string]string{"k": "v w"})
		assert.NotContains(t, b.Diagnostic(), " ")
		assert.Contains(t, b.Diagnostic(), "name=has+space")
	})
}

func TestFactory_Build_IdempotentAndDeterministic(t *testing.T) {
	root := newProject(t)
	fx1 := newFixture(t, graph.List{"-race"})
	fx2 := newFixture(t, graph.List{"-race"})
	ctx := context.Background()

	f1 := newFactory(t, fx1.arena, root)
	k1, err := f1.Build(ctx, fx1.bin)
	require.NoError(t, err)
	again, err := f1.Build(ctx, fx1.bin)
	require.NoError(t, err)
	assert.Equal(t, k1, again)

	// Independent arena and factory: same declared inputs, same key.
	f2 := newFactory(t, fx2.arena, root)
	k2, err := f2.Build(ctx, fx2.bin)
	require.NoError(t, err)
	assert.Equal(t, k1, k2)

	// Every reachable node was memoized exactly once.
	assert.Equal(t, int64(3), f1.Cache().Stats().Computations)
}

func TestFactory_Build_FieldDeclarationOrderIrrelevant(t *testing.T) {
	root := newProject(t)
	ctx := context.Background()

	build := func(fields []graph.Field) RuleKey {
		a := graph.NewArena()
		h := a.MustAdd(&graph.Node{Target: "//x", Kind: graph.KindGraphNode, Type: "t", Fields: fields})
		k, err := newFactory(t, a, root).Build(ctx, h)
		require.NoError(t, err)
		return k
	}

	k1 := build([]graph.Field{{Name: "a", Value: graph.Int(1)}, {Name: "b", Value: graph.Bool(true)}})
	k2 := build([]graph.Field{{Name: "b", Value: graph.Bool(true)}, {Name: "a", Value: graph.Int(1)}})
	k3 := build([]graph.Field{{Name: "a", Value: graph.Int(2)}, {Name: "b", Value: graph.Bool(true)}})
	assert.Equal(t, k1, k2)
	assert.NotEqual(t, k1, k3)
}

func TestFactory_Build_DependencyKeyPropagates(t *testing.T) {
	root := newProject(t)
	ctx := context.Background()

	fxA := newFixture(t, graph.List{"-race"})
	fxB := newFixture(t, graph.List{"-trimpath"})

	kA, err := newFactory(t, fxA.arena, root).Build(ctx, fxA.bin)
	require.NoError(t, err)
	kB, err := newFactory(t, fxB.arena, root).Build(ctx, fxB.bin)
	require.NoError(t, err)
	assert.NotEqual(t, kA, kB, "a dependency's field change must reach the dependent")
}

func TestFactory_Build_ContentPolicyByKind(t *testing.T) {
	root := newProject(t)
	ctx := context.Background()
	fx := newFixture(t, graph.List{"-race"})

	f := newFactory(t, fx.arena, root)
	libBefore, err := f.Build(ctx, fx.lib)
	require.NoError(t, err)
	cpBefore, err := f.Build(ctx, fx.cp)
	require.NoError(t, err)

	writeFile(t, root, "lib/a.go", "package lib // changed")
	writeFile(t, root, "lib/MANIFEST", "v2")

	f = newFactory(t, fx.arena, root)
	libAfter, err := f.Build(ctx, fx.lib)
	require.NoError(t, err)
	cpAfter, err := f.Build(ctx, fx.cp)
	require.NoError(t, err)

	assert.NotEqual(t, libBefore, libAfter, "action keys cover input content")
	assert.Equal(t, cpBefore, cpAfter, "appendable keys cover paths by name only")
}

func TestFactory_BuildDepFileKey(t *testing.T) {
	root := newProject(t)
	ctx := context.Background()
	fx := newFixture(t, graph.List{"-race"})

	used := []DependencyFileEntry{
		{Path: "lib/b.go"},
		{Path: "./lib/a.go"},
		{Path: "lib/a.go"},
		{Path: "/usr/include/stdio.h"},
		{Path: "lib/undeclared.go"},
	}

	k1, canonical, err := newFactory(t, fx.arena, root).BuildDepFileKey(ctx, fx.lib, used)
	require.NoError(t, err)
	assert.Equal(t, []DependencyFileEntry{{Path: "lib/a.go"}, {Path: "lib/b.go"}}, canonical)

	t.Run("mutating unused static inputs keeps the key", func(t *testing.T) {
		writeFile(t, root, "lib/c.go", "package lib // c changed")
		f := newFactory(t, fx.arena, root)
		k2, _, err := f.BuildDepFileKey(ctx, fx.lib, canonical)
		require.NoError(t, err)
		assert.Equal(t, k1, k2)
	})

	t.Run("mutating used inputs changes the key", func(t *testing.T) {
		writeFile(t, root, "lib/b.go", "package lib // b changed")
		k3, _, err := newFactory(t, fx.arena, root).BuildDepFileKey(ctx, fx.lib, canonical)
		require.NoError(t, err)
		assert.NotEqual(t, k1, k3)
	})
}

func TestFactory_StructuralKeySeesUnusedInputs(t *testing.T) {
	root := newProject(t)
	ctx := context.Background()
	fx := newFixture(t, graph.List{"-race"})
	used := []DependencyFileEntry{{Path: "lib/a.go"}}

	f1 := newFactory(t, fx.arena, root)
	s1, err := f1.Build(ctx, fx.lib)
	require.NoError(t, err)
	d1, _, err := f1.BuildDepFileKey(ctx, fx.lib, used)
	require.NoError(t, err)

	writeFile(t, root, "lib/c.go", "package lib // c changed")

	f2 := newFactory(t, fx.arena, root)
	s2, err := f2.Build(ctx, fx.lib)
	require.NoError(t, err)
	d2, _, err := f2.BuildDepFileKey(ctx, fx.lib, used)
	require.NoError(t, err)

	assert.NotEqual(t, s1, s2)
	assert.Equal(t, d1, d2)
}

func TestFactory_BuildManifestKey(t *testing.T) {
	root := newProject(t)
	ctx := context.Background()
	fx := newFixture(t, graph.List{"-race"})

	m1, err := newFactory(t, fx.arena, root).BuildManifestKey(ctx, fx.lib)
	require.NoError(t, err)

	writeFile(t, root, "lib/a.go", "package lib // content does not matter")
	m2, err := newFactory(t, fx.arena, root).BuildManifestKey(ctx, fx.lib)
	require.NoError(t, err)
	assert.Equal(t, m1, m2)

	a := graph.NewArena()
	lib := a.MustAdd(&graph.Node{
		Target:    "//lib:core",
		Kind:      graph.KindAction,
		Type:      "go_library",
		Inputs:    []string{"lib/a.go", "lib/b.go"},
		Fields:    []graph.Field{{Name: "flags", Value: graph.List{"-race"}}},
		Cacheable: true,
	})
	m3, err := newFactory(t, a, root).BuildManifestKey(ctx, lib)
	require.NoError(t, err)
	assert.NotEqual(t, m1, m3, "removing a possible input moves the bucket")
}

func TestFactory_KeyComputationFailureIsNodeLocal(t *testing.T) {
	root := newProject(t)
	ctx := context.Background()

	a := graph.NewArena()
	broken := a.MustAdd(&graph.Node{Target: "//broken", Kind: graph.KindAction, Inputs: []string{"missing.go"}})
	dependent := a.MustAdd(&graph.Node{Target: "//dependent", Kind: graph.KindAction, Deps: []graph.Handle{broken}})
	fine := a.MustAdd(&graph.Node{Target: "//fine", Kind: graph.KindAction, Inputs: []string{"lib/a.go"}})

	f := newFactory(t, a, root)

	_, err := f.Build(ctx, broken)
	var kce *KeyComputationError
	require.ErrorAs(t, err, &kce)
	assert.Equal(t, "//broken", kce.Target)
	assert.Equal(t, "missing.go", kce.Path)
	assert.ErrorIs(t, err, os.ErrNotExist)

	_, err = f.Build(ctx, dependent)
	assert.ErrorIs(t, err, ErrDependencyFailed)

	k, err := f.Build(ctx, fine)
	require.NoError(t, err)
	assert.False(t, k.IsZero())

	// The failure is memoized: no second attempt at hashing.
	_, err = f.Build(ctx, broken)
	assert.Error(t, err)
	assert.Equal(t, int64(2), f.Cache().Stats().Failures)
}

func TestFactory_RecordsDiagnostics(t *testing.T) {
	root := newProject(t)
	fx := newFixture(t, graph.List{"-race"})
	rec := &recorder{}

	f := newFactory(t, fx.arena, root, WithDiagnostics(rec))
	key, err := f.Build(context.Background(), fx.bin)
	require.NoError(t, err)

	require.Len(t, rec.keys, 3)
	diag, ok := rec.keys[key]
	require.True(t, ok)
	assert.NotContains(t, diag, " ")
	assert.Contains(t, diag, "target=%2F%2Fapp%3Abin")
}

func TestFactory_ConcurrentBuildsShareWork(t *testing.T) {
	root := newProject(t)
	a := graph.NewArena()
	base := a.MustAdd(&graph.Node{Target: "//base", Kind: graph.KindAction, Inputs: []string{"lib/a.go"}})
	var tops []graph.Handle
	for i := 0; i < 16; i++ {
		tops = append(tops, a.MustAdd(&graph.Node{
			Target: "//top" + string(rune('a'+i)),
			Kind:   graph.KindAction,
			Deps:   []graph.Handle{base},
		}))
	}

	f := newFactory(t, a, root)
	var wg sync.WaitGroup
	for _, h := range tops {
		wg.Add(1)
		go func(h graph.Handle) {
			defer wg.Done()
			_, err := f.Build(context.Background(), h)
			assert.NoError(t, err)
		}(h)
	}
	wg.Wait()

	assert.Equal(t, int64(17), f.Cache().Stats().Computations)
}

func TestFactory_StaleHandle(t *testing.T) {
	a := graph.NewArena()
	h := a.MustAdd(&graph.Node{Target: "//x", Kind: graph.KindGraphNode})
	require.NoError(t, a.Release(h))

	_, err := newFactory(t, a, t.TempDir()).Build(context.Background(), h)
	assert.True(t, errors.Is(err, graph.ErrStaleHandle))
}

func TestNewFactory_RequiresContent(t *testing.T) {
	_, err := NewFactory(graph.NewArena(), nil)
	assert.ErrorIs(t, err, ErrNilContent)
}
