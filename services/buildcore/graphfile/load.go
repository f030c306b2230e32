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
	"bytes"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/AleutianAI/AleutianBuild/services/buildcore/graph"
	"github.com/AleutianAI/AleutianBuild/services/buildcore/traverse"
	"github.com/AleutianAI/AleutianBuild/services/buildcore/versioned"
)

// Parse reads a node graph file, choosing the parser by extension: .yaml
// and .yml for YAML, .hcl for HCL.
func Parse(path string) (*Spec, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read graph file: %w", err)
	}
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		s, err := ParseYAML(bytes.NewReader(data))
		if err != nil {
			return nil, fmt.Errorf("%s: %w", path, err)
		}
		return s, nil
	case ".hcl":
		return ParseHCL(data, path)
	default:
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedFormat, path)
	}
}

// Load parses path and builds its arena.
func Load(path string) (*graph.Arena, error) {
	s, err := Parse(path)
	if err != nil {
		return nil, err
	}
	arena, err := s.Build()
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return arena, nil
}

// VersionedSpec is a parsed versioned graph file: the unresolved graph, the
// universes of its versioned targets and per-root constraints.
type VersionedSpec struct {
	Roots       []string                  `yaml:"roots"`
	Nodes       []*versioned.Node         `yaml:"nodes"`
	Universes   []versioned.Universe      `yaml:"universes"`
	Constraints versioned.RootConstraints `yaml:"constraints"`
}

// Request validates the file contents and converts them to a resolution request.
// Cycles over concrete edges are rejected here. Cycles that only close
// through a chosen version are found by the resolver.
func (s *VersionedSpec) Request() (versioned.Request, error) {
	g, err := versioned.NewGraph(s.Roots, s.Nodes...)
	if err != nil {
		return versioned.Request{}, err
	}

	ids := g.SortedIDs()
	_, err = traverse.TopologicalOrder(ids, func(id string) ([]string, error) {
		return g.Nodes[id].Deps, nil
	})
	if err != nil {
		var cycle *traverse.CycleError[string]
		if errors.As(err, &cycle) {
			return versioned.Request{}, cycle
		}
		return versioned.Request{}, err
	}

	return versioned.Request{
		Graph:       g,
		Universes:   s.Universes,
		Constraints: s.Constraints,
	}, nil
}

// LoadVersioned reads a YAML versioned graph file.
func LoadVersioned(path string) (versioned.Request, error) {
	f, err := os.Open(path)
	if err != nil {
		return versioned.Request{}, fmt.Errorf("read versioned graph file: %w", err)
	}
	defer f.Close()

	dec := yaml.NewDecoder(f)
	dec.KnownFields(true)
	var s VersionedSpec
	if err := dec.Decode(&s); err != nil {
		return versioned.Request{}, fmt.Errorf("%s: decode yaml: %w", path, err)
	}
	req, err := s.Request()
	if err != nil {
		return versioned.Request{}, fmt.Errorf("%s: %w", path, err)
	}
	return req, nil
}
