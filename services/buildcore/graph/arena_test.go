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
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestArena_AddAndGet(t *testing.T) {
	a := NewArena()
	lib := a.MustAdd(&Node{Target: "//lib:a", Kind: KindAction, Type: "go_library"})
	bin := a.MustAdd(&Node{Target: "//app:bin", Kind: KindAction, Type: "go_binary", Deps: []Handle{lib}})

	n, ok := a.Get(bin)
	require.True(t, ok)
	assert.Equal(t, "//app:bin", n.Target)
	assert.Equal(t, 2, a.Len())

	h, ok := a.Lookup("//lib:a")
	require.True(t, ok)
	assert.Equal(t, lib, h)
	assert.False(t, lib.IsZero())
}

func TestArena_AddRejectsInvalid(t *testing.T) {
	a := NewArena()

	tests := []struct {
		name string
		node *Node
		want error
	}{
		{"nil", nil, ErrInvalidNode},
		{"empty target", &Node{Kind: KindAction}, ErrInvalidNode},
		{"whitespace target", &Node{Target: "//a b", Kind: KindAction}, ErrInvalidNode},
		{"whitespace type", &Node{Target: "//a", Type: "go lib", Kind: KindAction}, ErrInvalidNode},
		{"bad kind", &Node{Target: "//a", Kind: 42}, ErrUnknownKind},
		{"dangling dep", &Node{Target: "//a", Kind: KindAction, Deps: []Handle{NewHandle(7, 1)}}, ErrInvalidNode},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := a.Add(tt.node)
			assert.ErrorIs(t, err, tt.want)
		})
	}
}

func TestArena_DuplicateTarget(t *testing.T) {
	a := NewArena()
	a.MustAdd(&Node{Target: "//a", Kind: KindAction})
	_, err := a.Add(&Node{Target: "//a", Kind: KindGraphNode})
	assert.ErrorIs(t, err, ErrDuplicateNode)
}

func TestArena_ReleaseMakesHandleStale(t *testing.T) {
	a := NewArena()
	h := a.MustAdd(&Node{Target: "//a", Kind: KindAction})
	require.NoError(t, a.Release(h))

	assert.False(t, a.IsLive(h))
	_, err := a.Node(h)
	assert.True(t, errors.Is(err, ErrStaleHandle))

	// Slot is reused with a new generation.
	h2 := a.MustAdd(&Node{Target: "//b", Kind: KindAction})
	assert.Equal(t, h.Index(), h2.Index())
	assert.NotEqual(t, h.Generation(), h2.Generation())
	assert.True(t, a.IsLive(h2))
	assert.False(t, a.IsLive(h))

	assert.ErrorIs(t, a.Release(h), ErrStaleHandle)
}

func TestArena_ChildrenAndRoots(t *testing.T) {
	a := NewArena()
	cp := a.MustAdd(&Node{Target: "//cp", Kind: KindAppendableValue})
	lib := a.MustAdd(&Node{Target: "//lib", Kind: KindAction})
	bin := a.MustAdd(&Node{
		Target: "//bin",
		Kind:   KindAction,
		Deps:   []Handle{lib, lib},
		Fields: []Field{{Name: "classpath", Value: Ref(cp)}, {Name: "again", Value: Ref(lib)}},
	})

	children, err := a.Children(bin)
	require.NoError(t, err)
	assert.Equal(t, []Handle{lib, cp}, children)
	assert.Equal(t, []Handle{bin}, a.Roots())
}

func TestParseKind(t *testing.T) {
	for _, k := range Kinds {
		got, err := ParseKind(k.String())
		require.NoError(t, err)
		assert.Equal(t, k, got)
	}
	_, err := ParseKind("rule")
	assert.ErrorIs(t, err, ErrUnknownKind)
}

func TestSetSortedAndMapKeys(t *testing.T) {
	assert.Equal(t, []string{"a", "b", "c"}, Set{"c", "a", "b", "a"}.Sorted())
	assert.Equal(t, []string{"x", "y"}, Map{"y": "1", "x": "2"}.SortedKeys())
}
