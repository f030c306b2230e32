// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package main

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/AleutianAI/AleutianBuild/services/buildcore/graphfile"
	"github.com/AleutianAI/AleutianBuild/services/buildcore/versioned"
)

var (
	resolvePolicy  string
	resolvePins    map[string]string
	resolveTimeout time.Duration
)

type resolvedGraph struct {
	File    string            `json:"file"`
	GraphID string            `json:"graph_id"`
	Roots   []string          `json:"roots"`
	Nodes   []*versioned.Node `json:"nodes"`
}

func newResolver() *versioned.CachingResolver {
	rc := cfg.Resolver
	if resolvePolicy != "" {
		rc.Policy = resolvePolicy
	}
	if len(resolvePins) > 0 {
		rc.Pins = resolvePins
		if resolvePolicy == "" {
			rc.Policy = "pinned"
		}
	}
	if resolveTimeout > 0 {
		rc.Timeout = resolveTimeout
	}

	var stats versioned.StatsTracker = versioned.NopStats{}
	if reg := provider.Registry(); reg != nil {
		stats = versioned.NewPromStats(reg)
	}
	inner := versioned.NewResolver(
		versioned.WithPolicy(rc.SelectionPolicy()),
		versioned.WithTimeout(rc.Timeout),
		versioned.WithStats(stats),
		versioned.WithLogger(logger),
	)
	return versioned.NewCachingResolver(inner, rc.CacheCapacity)
}

func runResolve(cmd *cobra.Command, args []string) error {
	resolver := newResolver()
	out := cmd.OutOrStdout()
	enc := json.NewEncoder(out)

	for _, file := range args {
		req, err := graphfile.LoadVersioned(file)
		if err != nil {
			return err
		}
		g, err := resolver.Resolve(cmd.Context(), req)
		if err != nil {
			return fmt.Errorf("%s: %w", file, err)
		}

		ids := g.SortedIDs()
		if jsonOutput {
			rg := resolvedGraph{File: file, GraphID: req.Graph.ID(), Roots: g.Roots}
			for _, id := range ids {
				rg.Nodes = append(rg.Nodes, g.Nodes[id])
			}
			if err := enc.Encode(rg); err != nil {
				return err
			}
			continue
		}

		fmt.Fprintf(out, "# %s\n", file)
		for _, id := range ids {
			n := g.Nodes[id]
			version := n.Version
			if version == "" {
				version = "-"
			}
			fmt.Fprintf(out, "%s\t%s\t%s\t%s\n", n.ID, n.Target, version, strings.Join(n.Deps, ","))
		}
	}
	return nil
}
