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
	"os"

	"github.com/spf13/cobra"

	"github.com/AleutianAI/AleutianBuild/services/buildcore/diagnostics"
	"github.com/AleutianAI/AleutianBuild/services/buildcore/rulekey"
)

var dumpKeyLog string

type dumpReport struct {
	Nodes       int      `json:"nodes"`
	Edges       int      `json:"edges"`
	Keys        int      `json:"keys,omitempty"`
	MissingKeys []string `json:"missing_keys,omitempty"`
}

func runDumpVerify(cmd *cobra.Command, args []string) error {
	f, err := os.Open(args[0])
	if err != nil {
		return err
	}
	defer f.Close()

	dump, err := diagnostics.ParseGraphDump(f)
	if err != nil {
		return fmt.Errorf("%s: %w", args[0], err)
	}
	report := dumpReport{Nodes: len(dump.Nodes), Edges: len(dump.Edges)}

	if dumpKeyLog != "" {
		kf, err := os.Open(dumpKeyLog)
		if err != nil {
			return err
		}
		defer kf.Close()

		entries, err := diagnostics.ParseKeyLog(kf)
		if err != nil {
			return fmt.Errorf("%s: %w", dumpKeyLog, err)
		}
		logged := make(map[rulekey.RuleKey]bool, len(entries))
		for _, e := range entries {
			logged[e.Key] = true
		}
		report.Keys = len(logged)
		for _, n := range dump.Nodes {
			if !logged[n.DefaultKey] {
				report.MissingKeys = append(report.MissingKeys, n.Target)
			}
		}
	}

	out := cmd.OutOrStdout()
	if jsonOutput {
		if err := json.NewEncoder(out).Encode(report); err != nil {
			return err
		}
	} else {
		fmt.Fprintf(out, "nodes %d, edges %d\n", report.Nodes, report.Edges)
		if dumpKeyLog != "" {
			fmt.Fprintf(out, "distinct keys %d\n", report.Keys)
		}
		for _, t := range report.MissingKeys {
			fmt.Fprintf(out, "missing key for %s\n", t)
		}
	}

	if len(report.MissingKeys) > 0 {
		return fmt.Errorf("%d nodes have no key log entry", len(report.MissingKeys))
	}
	return nil
}
