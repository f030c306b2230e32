// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package diagnostics

import (
	"time"

	"github.com/AleutianAI/AleutianBuild/services/buildcore/rulekey"
)

// NodeInfo describes one diagnosed node for the graph dump. Zero keys and
// an empty OutputHash are written as "null".
type NodeInfo struct {
	Target    string
	Type      string
	Duration  time.Duration
	Cacheable bool

	DefaultKey  rulekey.RuleKey
	InputKey    rulekey.RuleKey
	DepFileKey  rulekey.RuleKey
	ManifestKey rulekey.RuleKey
	OutputHash  string
}

// DumpNode is a node line of a graph dump.
type DumpNode struct {
	ID int
	NodeInfo
}

// Edge is an edge line of a graph dump, from dependent to dependency.
type Edge struct {
	From int
	To   int
}

// GraphDump is the parsed form of a graph dump.
type GraphDump struct {
	Nodes []DumpNode
	Edges []Edge
}

// KeyLogEntry is one line of a key log.
type KeyLogEntry struct {
	Key        rulekey.RuleKey
	Diagnostic string
}

// CloseResult summarizes what a Sink wrote.
type CloseResult struct {
	// KeysWritten counts key log lines written successfully.
	KeysWritten int64

	// KeysDropped counts records rejected after Close began.
	KeysDropped int64

	// Nodes and Edges count what the graph dump holds.
	Nodes int
	Edges int

	KeyLogPath    string
	GraphDumpPath string

	// Uploaded lists the object names handed to the uploader.
	Uploaded []string

	// Failures counts swallowed write and upload errors.
	Failures int64

	// TimedOut reports that background writes outlived the close deadline.
	TimedOut bool
}
