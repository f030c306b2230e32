// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package graphfile

import (
	"errors"
	"fmt"
	"math"
	"slices"

	"github.com/AleutianAI/AleutianBuild/services/buildcore/graph"
	"github.com/AleutianAI/AleutianBuild/services/buildcore/traverse"
)

// Spec is a parsed node graph file.
type Spec struct {
	Nodes []NodeSpec `yaml:"nodes"`
}

// NodeSpec declares one node.
type NodeSpec struct {
	Target string `yaml:"target"`

	// Kind is action, appendable or graph_node. Empty means action.
	Kind string `yaml:"kind"`

	Type      string         `yaml:"type"`
	Deps      []string       `yaml:"deps"`
	Inputs    []string       `yaml:"inputs"`
	Cacheable bool           `yaml:"cacheable"`
	Fields    map[string]any `yaml:"fields"`
}

// field is a converted field. ref is set instead of value for Ref fields,
// which resolve to handles only once their target is added.
type field struct {
	name  string
	value graph.Value
	ref   string
}

type prepared struct {
	spec   *NodeSpec
	kind   graph.Kind
	fields []field
}

// children returns the targets a node must follow: deps, then refs.
func (p *prepared) children() []string {
	out := slices.Clone(p.spec.Deps)
	for _, f := range p.fields {
		if f.ref != "" {
			out = append(out, f.ref)
		}
	}
	return out
}

// Build adds the declared nodes to a new arena.
//
// Description:
//
//	Converts every node's kind and fields, orders targets so each node
//	follows its deps and Ref targets, then adds them. Declared order is kept
//	wherever dependencies allow.
//
// Outputs:
//
//	*graph.Arena - The populated arena.
//	error - ErrDuplicateTarget, ErrUnknownTarget, ErrInvalidValue,
//	        graph.ErrUnknownKind, a graph validation error, or a
//	        *traverse.CycleError[string] naming the targets on a cycle.
func (s *Spec) Build() (*graph.Arena, error) {
	byTarget := make(map[string]*prepared, len(s.Nodes))
	targets := make([]string, 0, len(s.Nodes))
	for i := range s.Nodes {
		p, err := prepare(&s.Nodes[i])
		if err != nil {
			return nil, err
		}
		if _, dup := byTarget[p.spec.Target]; dup {
			return nil, fmt.Errorf("%w: %s", ErrDuplicateTarget, p.spec.Target)
		}
		byTarget[p.spec.Target] = p
		targets = append(targets, p.spec.Target)
	}

	order, err := traverse.TopologicalOrder(targets, func(t string) ([]string, error) {
		p := byTarget[t]
		children := p.children()
		for _, c := range children {
			if _, ok := byTarget[c]; !ok {
				return nil, fmt.Errorf("%w: %s referenced by %s", ErrUnknownTarget, c, t)
			}
		}
		return children, nil
	})
	if err != nil {
		var cycle *traverse.CycleError[string]
		if errors.As(err, &cycle) {
			return nil, cycle
		}
		var visit *traverse.VisitError[string]
		if errors.As(err, &visit) {
			return nil, visit.Err
		}
		return nil, err
	}

	arena := graph.NewArena()
	for _, t := range order {
		if _, err := arena.Add(byTarget[t].node(arena)); err != nil {
			return nil, err
		}
	}
	return arena, nil
}

func prepare(n *NodeSpec) (*prepared, error) {
	kind, err := graph.ParseKind(n.Kind)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", n.Target, err)
	}

	names := make([]string, 0, len(n.Fields))
	for name := range n.Fields {
		names = append(names, name)
	}
	slices.Sort(names)

	fields := make([]field, 0, len(names))
	for _, name := range names {
		f, err := convertField(name, n.Fields[name])
		if err != nil {
			return nil, fmt.Errorf("%s: field %s: %w", n.Target, name, err)
		}
		fields = append(fields, f)
	}
	return &prepared{spec: n, kind: kind, fields: fields}, nil
}

// node builds the graph node. Every dep and ref target is already in arena.
func (p *prepared) node(arena *graph.Arena) *graph.Node {
	n := &graph.Node{
		Target:    p.spec.Target,
		Kind:      p.kind,
		Type:      p.spec.Type,
		Inputs:    slices.Clone(p.spec.Inputs),
		Cacheable: p.spec.Cacheable,
	}
	for _, d := range p.spec.Deps {
		h, _ := arena.Lookup(d)
		n.Deps = append(n.Deps, h)
	}
	for _, f := range p.fields {
		v := f.value
		if f.ref != "" {
			h, _ := arena.Lookup(f.ref)
			v = graph.Ref(h)
		}
		n.Fields = append(n.Fields, graph.Field{Name: f.name, Value: v})
	}
	return n
}

func convertField(name string, raw any) (field, error) {
	if m, ok := raw.(map[string]any); ok && len(m) == 1 {
		for tag, inner := range m {
			switch tag {
			case "ref":
				s, ok := inner.(string)
				if !ok || s == "" {
					return field{}, fmt.Errorf("%w: ref must be a target", ErrInvalidValue)
				}
				return field{name: name, ref: s}, nil
			case "path":
				s, ok := inner.(string)
				if !ok {
					return field{}, fmt.Errorf("%w: path must be a string", ErrInvalidValue)
				}
				return field{name: name, value: graph.Path(s)}, nil
			case "set":
				items, err := stringList(inner)
				if err != nil {
					return field{}, err
				}
				return field{name: name, value: graph.Set(items)}, nil
			case "list":
				items, err := stringList(inner)
				if err != nil {
					return field{}, err
				}
				return field{name: name, value: graph.List(items)}, nil
			case "map":
				m, err := stringMap(inner)
				if err != nil {
					return field{}, err
				}
				return field{name: name, value: m}, nil
			}
		}
	}

	v, err := convertValue(raw)
	if err != nil {
		return field{}, err
	}
	return field{name: name, value: v}, nil
}

func convertValue(raw any) (graph.Value, error) {
	switch v := raw.(type) {
	case string:
		return graph.String(v), nil
	case bool:
		return graph.Bool(v), nil
	case int:
		return graph.Int(v), nil
	case int64:
		return graph.Int(v), nil
	case uint64:
		if v > math.MaxInt64 {
			return nil, fmt.Errorf("%w: %d overflows int64", ErrInvalidValue, v)
		}
		return graph.Int(v), nil
	case []any:
		items, err := stringList(v)
		if err != nil {
			return nil, err
		}
		return graph.List(items), nil
	case map[string]any:
		return stringMap(v)
	default:
		return nil, fmt.Errorf("%w: unsupported type %T", ErrInvalidValue, raw)
	}
}

func stringList(raw any) ([]string, error) {
	items, ok := raw.([]any)
	if !ok {
		return nil, fmt.Errorf("%w: expected a list of strings", ErrInvalidValue)
	}
	out := make([]string, len(items))
	for i, it := range items {
		s, ok := it.(string)
		if !ok {
			return nil, fmt.Errorf("%w: list element %d is %T, not a string", ErrInvalidValue, i, it)
		}
		out[i] = s
	}
	return out, nil
}

func stringMap(raw any) (graph.Map, error) {
	m, ok := raw.(map[string]any)
	if !ok {
		return nil, fmt.Errorf("%w: expected a map of strings", ErrInvalidValue)
	}
	out := make(graph.Map, len(m))
	for k, v := range m {
		s, ok := v.(string)
		if !ok {
			return nil, fmt.Errorf("%w: map value %s is %T, not a string", ErrInvalidValue, k, v)
		}
		out[k] = s
	}
	return out, nil
}
