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
	"time"

	"github.com/AleutianAI/AleutianBuild/services/buildcore/graph"
	"github.com/AleutianAI/AleutianBuild/services/buildcore/rulekey"
)

// NodeStatus is the outcome of one node.
type NodeStatus string

const (
	// StatusComputed means the node's key was computed.
	StatusComputed NodeStatus = "computed"

	// StatusFailed means computing the node's key failed.
	StatusFailed NodeStatus = "failed"

	// StatusSkipped means a dependency failed first.
	StatusSkipped NodeStatus = "skipped"
)

// NodeResult is the outcome of one node.
type NodeResult struct {
	Handle graph.Handle
	Target string
	Status NodeStatus

	// Key is the structural rule key.
	Key rulekey.RuleKey

	// ManifestHit reports a reusable previous execution. ManifestKey,
	// DepFileKey and Output describe it.
	ManifestHit bool
	ManifestKey rulekey.RuleKey
	DepFileKey  rulekey.RuleKey
	Output      string

	Err      error
	Duration time.Duration
}

// Result is the outcome of Run.
type Result struct {
	BuildID string

	// Order lists every reached node, dependencies first.
	Order []graph.Handle

	Nodes    map[graph.Handle]*NodeResult
	Duration time.Duration

	Computed int
	Failed   int
	Skipped  int
	Hits     int
}

// Get returns the result for h.
func (r *Result) Get(h graph.Handle) (*NodeResult, bool) {
	n, ok := r.Nodes[h]
	return n, ok
}

// Success reports whether every node was computed.
func (r *Result) Success() bool {
	return r.Failed == 0 && r.Skipped == 0
}

// Failures returns failed nodes in dependency order.
func (r *Result) Failures() []*NodeResult {
	var out []*NodeResult
	for _, h := range r.Order {
		if n := r.Nodes[h]; n != nil && n.Status == StatusFailed {
			out = append(out, n)
		}
	}
	return out
}
