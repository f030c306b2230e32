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
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"path"
	"path/filepath"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/AleutianAI/AleutianBuild/services/buildcore/diagnostics"
	"github.com/AleutianAI/AleutianBuild/services/buildcore/engine"
	"github.com/AleutianAI/AleutianBuild/services/buildcore/filehash"
	"github.com/AleutianAI/AleutianBuild/services/buildcore/graph"
	"github.com/AleutianAI/AleutianBuild/services/buildcore/graphfile"
	"github.com/AleutianAI/AleutianBuild/services/buildcore/manifest"
	"github.com/AleutianAI/AleutianBuild/services/buildcore/rulekey"
	"github.com/AleutianAI/AleutianBuild/services/buildcore/storage/badger"
)

// DefaultGraphFile is read from the project root when --graph is not set.
const DefaultGraphFile = "build.yaml"

var (
	graphPath       string
	withDiagnostics bool
	recordOutput    string
	recordUsed      []string
)

// buildEnv is everything one keys or record invocation opens.
type buildEnv struct {
	arena    *graph.Arena
	session  *engine.Session
	db       *badger.DB
	uploader *diagnostics.GCSUploader
}

func openBuild(ctx context.Context) (*buildEnv, error) {
	file := graphPath
	if file == "" {
		file = filepath.Join(cfg.Project.Root, DefaultGraphFile)
	}
	arena, err := graphfile.Load(file)
	if err != nil {
		return nil, err
	}

	loader, err := filehash.NewLoader(cfg.Project.Root,
		filehash.WithHasher(filehash.NewSHA256Hasher(cfg.Project.MaxFileSize)),
		filehash.WithIgnore(cfg.Project.Ignore...),
		filehash.WithRetries(cfg.Project.HashRetries),
		filehash.WithLogger(logger),
	)
	if err != nil {
		return nil, err
	}

	env := &buildEnv{arena: arena}
	buildID := uuid.NewString()
	opts := []engine.Option{
		engine.WithBuildID(buildID),
		engine.WithParallelism(cfg.Build.Parallelism),
		engine.WithLogger(logger),
	}

	if cfg.Manifest.Enabled {
		storage := cfg.Manifest.Storage
		storage.Logger = logger
		env.db, err = badger.OpenDB(storage)
		if err != nil {
			return nil, fmt.Errorf("open manifest store: %w", err)
		}
		opts = append(opts, engine.WithManifestStore(
			manifest.NewBadgerStore(env.db),
			manifest.WithMaxEntries(cfg.Manifest.MaxEntries),
		))
	}

	if cfg.Diagnostics.Enabled || withDiagnostics {
		sinkOpts := []diagnostics.Option{
			diagnostics.WithMaxKeys(cfg.Diagnostics.MaxKeys),
			diagnostics.WithMaxBytes(cfg.Diagnostics.MaxBytes),
			diagnostics.WithLogger(logger),
		}
		if up := cfg.Diagnostics.Upload; up.Bucket != "" {
			env.uploader, err = diagnostics.NewGCSUploader(ctx, up.Bucket, up.CredentialsFile)
			if err != nil {
				env.close()
				return nil, err
			}
			sinkOpts = append(sinkOpts, diagnostics.WithUploader(env.uploader, path.Join(up.Prefix, buildID)))
		}
		sink, err := diagnostics.NewSink(cfg.Diagnostics.Dir, sinkOpts...)
		if err != nil {
			env.close()
			return nil, err
		}
		opts = append(opts, engine.WithSink(sink))
	}

	env.session, err = engine.NewSession(arena, loader, opts...)
	if err != nil {
		env.close()
		return nil, err
	}
	return env, nil
}

// roots maps target names to handles. No targets means every root.
func (e *buildEnv) roots(targets []string) ([]graph.Handle, error) {
	out := make([]graph.Handle, 0, len(targets))
	for _, t := range targets {
		h, ok := e.arena.Lookup(t)
		if !ok {
			return nil, fmt.Errorf("%w: %s", graph.ErrNodeNotFound, t)
		}
		out = append(out, h)
	}
	return out, nil
}

// close closes the session and then the resources it used.
func (e *buildEnv) close() *engine.CloseSummary {
	var summary *engine.CloseSummary
	if e.session != nil {
		ctx, cancel := context.WithTimeout(context.Background(), cfg.Diagnostics.CloseTimeout)
		s := e.session.Close(ctx)
		cancel()
		summary = &s
	}
	if e.uploader != nil {
		if err := e.uploader.Close(); err != nil {
			logger.Warn("failed to close uploader", slog.String("error", err.Error()))
		}
	}
	if e.db != nil {
		if err := e.db.Close(); err != nil {
			logger.Warn("failed to close manifest store", slog.String("error", err.Error()))
		}
	}
	return summary
}

type keyLine struct {
	Target      string `json:"target"`
	Status      string `json:"status"`
	Key         string `json:"key,omitempty"`
	ManifestHit bool   `json:"manifest_hit,omitempty"`
	Output      string `json:"output,omitempty"`
	Error       string `json:"error,omitempty"`
}

func runKeys(cmd *cobra.Command, args []string) error {
	env, err := openBuild(cmd.Context())
	if err != nil {
		return err
	}
	roots, err := env.roots(args)
	if err != nil {
		env.close()
		return err
	}

	res, runErr := env.session.Run(cmd.Context(), roots)
	summary := env.close()
	if res == nil {
		return runErr
	}

	out := cmd.OutOrStdout()
	enc := json.NewEncoder(out)
	for _, h := range res.Order {
		nr, ok := res.Get(h)
		if !ok {
			continue
		}
		line := keyLine{Target: nr.Target, Status: string(nr.Status), ManifestHit: nr.ManifestHit, Output: nr.Output}
		if nr.Status == engine.StatusComputed {
			line.Key = nr.Key.String()
		}
		if nr.Err != nil {
			line.Error = nr.Err.Error()
		}
		if jsonOutput {
			if err := enc.Encode(line); err != nil {
				return err
			}
			continue
		}
		switch {
		case line.Error != "":
			fmt.Fprintf(out, "%-8s %s  %s\n", line.Status, line.Target, line.Error)
		case line.ManifestHit:
			fmt.Fprintf(out, "%s  %s  (manifest hit: %s)\n", line.Key, line.Target, line.Output)
		default:
			fmt.Fprintf(out, "%s  %s\n", line.Key, line.Target)
		}
	}

	if summary != nil && summary.Diagnostics != nil {
		d := summary.Diagnostics
		logger.Info("diagnostics written",
			slog.String("key_log", d.KeyLogPath),
			slog.String("graph_dump", d.GraphDumpPath),
			slog.Int64("keys", d.KeysWritten),
			slog.Int("uploaded", len(d.Uploaded)),
			slog.Bool("timed_out", d.TimedOut),
		)
	}

	if runErr != nil {
		return runErr
	}
	if !res.Success() {
		return fmt.Errorf("%d failed, %d skipped of %d nodes", res.Failed, res.Skipped, len(res.Order))
	}
	return nil
}

func runRecord(cmd *cobra.Command, args []string) error {
	if !cfg.Manifest.Enabled {
		return errors.New("record requires manifest.enabled in the configuration")
	}
	env, err := openBuild(cmd.Context())
	if err != nil {
		return err
	}
	defer env.close()

	roots, err := env.roots(args)
	if err != nil {
		return err
	}
	used := make([]rulekey.DependencyFileEntry, 0, len(recordUsed))
	for _, p := range recordUsed {
		used = append(used, rulekey.DependencyFileEntry{Path: p})
	}

	entry, err := env.session.Record(cmd.Context(), roots[0], used, recordOutput)
	if err != nil {
		return err
	}
	if jsonOutput {
		return json.NewEncoder(cmd.OutOrStdout()).Encode(map[string]any{
			"target":       args[0],
			"dep_file_key": entry.DepFileKey.String(),
			"inputs":       rulekey.Paths(entry.Inputs),
			"output":       entry.Output,
		})
	}
	fmt.Fprintf(cmd.OutOrStdout(), "%s  %s  recorded %d inputs\n", entry.DepFileKey, args[0], len(entry.Inputs))
	return nil
}
