// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package traverse

// Stack is an immutable, append-only chain of ancestor identities.
//
// Pushing returns a new chain that shares its parent, so stacks can be
// handed to every frame by value without copying. A nil *Stack is the empty
// chain.
type Stack[K comparable] struct {
	parent *Stack[K]
	top    K
	depth  int
}

// Push returns a new stack with k on top.
func (s *Stack[K]) Push(k K) *Stack[K] {
	return &Stack[K]{parent: s, top: k, depth: s.Len() + 1}
}

// Len returns the number of entries in the chain.
func (s *Stack[K]) Len() int {
	if s == nil {
		return 0
	}
	return s.depth
}

// Top returns the newest entry. Returns false for the empty chain.
func (s *Stack[K]) Top() (K, bool) {
	if s == nil {
		var zero K
		return zero, false
	}
	return s.top, true
}

// Path returns the chain from the oldest ancestor to the top.
func (s *Stack[K]) Path() []K {
	out := make([]K, s.Len())
	for cur, i := s, s.Len()-1; cur != nil; cur, i = cur.parent, i-1 {
		out[i] = cur.top
	}
	return out
}

// Contains reports whether k appears anywhere in the chain.
func (s *Stack[K]) Contains(k K) bool {
	for cur := s; cur != nil; cur = cur.parent {
		if cur.top == k {
			return true
		}
	}
	return false
}
