// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package traverse provides an acyclic, dependency-order walk over a node set.
//
// Traverse visits every node reachable from a set of roots and returns them
// in post-order: each node appears after all of the dependencies it explored.
// The walk uses an explicit frontier of frames instead of recursion, so its
// stack usage does not grow with graph depth.
//
// # Cycles
//
// A child that is still in progress when encountered again closes a cycle.
// Traverse stops and returns a *CycleError whose chain runs from the
// colliding node back to itself, reconstructed from the live frontier.
//
// # Thread Safety
//
// A single Traverse call is single-threaded. Independent calls may run in
// parallel provided their visit functions are safe to share.
package traverse

// Next yields the next child, or false once the children are exhausted.
type Next[K any] func() (K, bool)

// Slice returns a Next over a slice. The slice must not be mutated while the
// iterator is in use.
func Slice[K any](items []K) Next[K] {
	i := 0
	return func() (K, bool) {
		if i >= len(items) {
			var zero K
			return zero, false
		}
		k := items[i]
		i++
		return k, true
	}
}

// None is a Next that yields nothing.
func None[K any]() Next[K] {
	return func() (K, bool) {
		var zero K
		return zero, false
	}
}

// VisitFunc produces a node's payload and a lazy iterator over its children.
type VisitFunc[K comparable, P any] func(node K) (P, Next[K], error)

// ExploreFunc reports whether a node's children should be walked. A node
// that is not explored still appears in the result.
type ExploreFunc[K comparable] func(node K) bool

// Entry is the traversal result for one node.
type Entry[K comparable, P any] struct {
	Payload P

	// Stack is the dependency stack at entry: the path from the root that
	// first reached the node down to the node itself.
	Stack *Stack[K]
}

// Result is an ordered mapping from node to entry. Order lists nodes so that
// every explored dependency precedes its dependents.
type Result[K comparable, P any] struct {
	Order   []K
	Entries map[K]Entry[K, P]
}

// Get returns the entry for k.
func (r *Result[K, P]) Get(k K) (Entry[K, P], bool) {
	e, ok := r.Entries[k]
	return e, ok
}

// Len returns the number of nodes in the result.
func (r *Result[K, P]) Len() int {
	return len(r.Order)
}

// Payloads returns the payloads in result order.
func (r *Result[K, P]) Payloads() []P {
	out := make([]P, len(r.Order))
	for i, k := range r.Order {
		out[i] = r.Entries[k].Payload
	}
	return out
}

type nodeState uint8

const (
	stateUnseen nodeState = iota
	stateInProgress
	stateDone
)

type frame[K comparable, P any] struct {
	node    K
	stack   *Stack[K]
	payload P
	next    Next[K]
}

// Traverse walks the graph reachable from roots in dependency order.
//
// Description:
//
//	Maintains an explicit frontier of frames. Each step advances the top
//	frame's child iterator by exactly one child: a finished child is
//	skipped, an unseen child is visited and pushed, and an in-progress
//	child closes a cycle. When a frame's iterator is exhausted the frame is
//	popped and its node is appended to the result. Pushing one child at a
//	time keeps declared child order in the result and keeps cycle chains
//	minimal.
//
// Inputs:
//
//	roots - Starting nodes, walked in order. Duplicates are ignored.
//	visit - Produces payload and children for a node. Must not be nil.
//	explore - Optional. When it returns false for a node, the node's
//	          children are not walked. Nil explores everything.
//
// Outputs:
//
//	*Result - Ordered mapping of every reached node.
//	error - *CycleError on a cycle, *VisitError when visit fails.
//
// Complexity:
//
//	O(V+E) time; one cycle check and one child advance per step.
func Traverse[K comparable, P any](roots []K, visit VisitFunc[K, P], explore ExploreFunc[K]) (*Result[K, P], error) {
	if visit == nil {
		return nil, ErrNilVisit
	}

	result := &Result[K, P]{
		Order:   make([]K, 0, len(roots)),
		Entries: make(map[K]Entry[K, P], len(roots)),
	}
	state := make(map[K]nodeState, len(roots))
	frontier := make([]frame[K, P], 0, 16)

	push := func(node K, parent *Stack[K]) error {
		stack := parent.Push(node)
		payload, next, err := visit(node)
		if err != nil {
			return &VisitError[K]{Node: node, Stack: stack.Path(), Err: err}
		}
		if next == nil || (explore != nil && !explore(node)) {
			next = None[K]()
		}
		state[node] = stateInProgress
		frontier = append(frontier, frame[K, P]{node: node, stack: stack, payload: payload, next: next})
		return nil
	}

	for _, root := range roots {
		if state[root] != stateUnseen {
			continue
		}
		if err := push(root, nil); err != nil {
			return nil, err
		}

		for len(frontier) > 0 {
			top := &frontier[len(frontier)-1]
			child, ok := top.next()
			if !ok {
				state[top.node] = stateDone
				result.Order = append(result.Order, top.node)
				result.Entries[top.node] = Entry[K, P]{Payload: top.payload, Stack: top.stack}
				frontier = frontier[:len(frontier)-1]
				continue
			}

			switch state[child] {
			case stateDone:
				continue
			case stateInProgress:
				return nil, &CycleError[K]{Chain: cycleChain(frontier, child)}
			default:
				if err := push(child, top.stack); err != nil {
					return nil, err
				}
			}
		}
	}

	return result, nil
}

// cycleChain scans the frontier for the frame of the colliding node and
// returns the chain from it to the top, closed by the colliding node again.
func cycleChain[K comparable, P any](frontier []frame[K, P], collide K) []K {
	start := len(frontier) - 1
	for i := len(frontier) - 1; i >= 0; i-- {
		if frontier[i].node == collide {
			start = i
			break
		}
	}
	chain := make([]K, 0, len(frontier)-start+1)
	for _, f := range frontier[start:] {
		chain = append(chain, f.node)
	}
	return append(chain, collide)
}

// TopologicalOrder is a convenience wrapper that traverses a graph given as
// an adjacency function and returns only the node order.
func TopologicalOrder[K comparable](roots []K, children func(K) ([]K, error)) ([]K, error) {
	res, err := Traverse(roots, func(k K) (struct{}, Next[K], error) {
		c, err := children(k)
		if err != nil {
			return struct{}{}, nil, err
		}
		return struct{}{}, Slice(c), nil
	}, nil)
	if err != nil {
		return nil, err
	}
	return res.Order, nil
}
