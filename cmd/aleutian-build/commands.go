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
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"

	"github.com/AleutianAI/AleutianBuild/services/buildcore/config"
	"github.com/AleutianAI/AleutianBuild/services/buildcore/telemetry"
)

// --- Global Command Variables ---
var (
	configPath  string
	logFormat   string
	logLevel    string
	metricsFile string
	jsonOutput  bool

	// Set by the root pre-run.
	cfg      config.Config
	logger   *slog.Logger
	provider *telemetry.Provider

	rootCmd = &cobra.Command{
		Use:           "aleutian-build",
		Short:         "Rule keys, versioned graph resolution and key diagnostics",
		SilenceUsage:  true,
		SilenceErrors: true,
		Long: `aleutian-build fingerprints the nodes of a build graph, resolves
versioned dependency graphs to concrete ones, and inspects the key logs and
graph dumps written by rule key diagnostics.`,
		PersistentPreRunE:  setup,
		PersistentPostRunE: teardown,
	}

	// --- Keys ---
	keysCmd = &cobra.Command{
		Use:   "keys [target...]",
		Short: "Compute rule keys for targets, or every root when none are given",
		RunE:  runKeys, // Defined in cmd_keys.go
	}
	recordCmd = &cobra.Command{
		Use:   "record TARGET",
		Short: "Record an execution of TARGET in the manifest store",
		Args:  cobra.ExactArgs(1),
		RunE:  runRecord, // Defined in cmd_keys.go
	}

	// --- Versioned graphs ---
	resolveCmd = &cobra.Command{
		Use:   "resolve FILE...",
		Short: "Resolve versioned graph files to concrete graphs",
		Args:  cobra.MinimumNArgs(1),
		RunE:  runResolve, // Defined in cmd_resolve.go
	}

	// --- Diagnostics ---
	dumpCmd = &cobra.Command{
		Use:   "dump",
		Short: "Inspect rule key diagnostics output",
	}
	dumpVerifyCmd = &cobra.Command{
		Use:   "verify GRAPH_DUMP",
		Short: "Parse a graph dump and check it against a key log",
		Args:  cobra.ExactArgs(1),
		RunE:  runDumpVerify, // Defined in cmd_dump.go
	}

	// --- Configuration ---
	configCmd = &cobra.Command{
		Use:   "config",
		Short: "Manage the build configuration",
	}
	configInitCmd = &cobra.Command{
		Use:   "init [path]",
		Short: "Write the default configuration",
		Args:  cobra.MaximumNArgs(1),
		RunE:  runConfigInit,
	}
)

func init() {
	pf := rootCmd.PersistentFlags()
	pf.StringVarP(&configPath, "config", "c", "", "configuration file (default ./"+config.DefaultFileName+")")
	pf.StringVar(&logFormat, "log-format", "", "log format: auto, text or json")
	pf.StringVar(&logLevel, "log-level", "", "log level: debug, info, warn or error")
	pf.StringVar(&metricsFile, "metrics-file", "", "write Prometheus metrics to this file on exit")
	pf.BoolVar(&jsonOutput, "json", false, "print results as JSON")

	keysCmd.Flags().StringVarP(&graphPath, "graph", "g", "", "graph file (.yaml, .yml or .hcl); default build.yaml in the project root")
	keysCmd.Flags().BoolVar(&withDiagnostics, "diagnostics", false, "record rule key diagnostics regardless of configuration")
	recordCmd.Flags().StringVarP(&graphPath, "graph", "g", "", "graph file (.yaml, .yml or .hcl); default build.yaml in the project root")
	recordCmd.Flags().StringVar(&recordOutput, "output", "", "reference to the produced output")
	recordCmd.Flags().StringSliceVar(&recordUsed, "used", nil, "input paths the execution read")
	_ = recordCmd.MarkFlagRequired("output")

	resolveCmd.Flags().StringVar(&resolvePolicy, "policy", "", "selection policy: highest or pinned")
	resolveCmd.Flags().StringToStringVar(&resolvePins, "pin", nil, "pin TARGET=VERSION for the pinned policy")
	resolveCmd.Flags().DurationVar(&resolveTimeout, "timeout", 0, "resolution timeout")

	dumpVerifyCmd.Flags().StringVar(&dumpKeyLog, "keys", "", "key log to check node keys against")

	rootCmd.AddCommand(keysCmd, recordCmd, resolveCmd, dumpCmd, configCmd)
	dumpCmd.AddCommand(dumpVerifyCmd)
	configCmd.AddCommand(configInitCmd)
}

// setup loads configuration and starts logging and telemetry.
func setup(cmd *cobra.Command, _ []string) error {
	if cmd == configInitCmd {
		return nil
	}

	var err error
	if configPath != "" {
		cfg, err = config.Load(configPath)
	} else {
		wd, wdErr := os.Getwd()
		if wdErr != nil {
			return wdErr
		}
		cfg, err = config.LoadOrDefault(filepath.Join(wd, config.DefaultFileName), wd)
	}
	if err != nil {
		return err
	}
	if logFormat != "" {
		cfg.Log.Format = logFormat
	}
	if logLevel != "" {
		cfg.Log.Level = logLevel
	}

	logger, err = telemetry.NewLogger(cmd.ErrOrStderr(), cfg.Log.Format, cfg.Log.Level)
	if err != nil {
		return err
	}
	slog.SetDefault(logger)

	var opts []telemetry.Option
	if cfg.Telemetry.MetricExporter == telemetry.ExporterPrometheus {
		opts = append(opts, telemetry.WithRegistry(prometheus.NewRegistry()))
	}
	provider, err = telemetry.Init(cmd.Context(), cfg.Telemetry, opts...)
	if err != nil {
		return fmt.Errorf("init telemetry: %w", err)
	}
	return nil
}

// teardown writes the metrics file and flushes telemetry.
func teardown(cmd *cobra.Command, _ []string) error {
	if provider == nil {
		return nil
	}
	defer func() { provider = nil }()

	if metricsFile != "" && provider.Registry() != nil {
		if err := prometheus.WriteToTextfile(metricsFile, provider.Registry()); err != nil {
			logger.Warn("failed to write metrics file",
				slog.String("path", metricsFile),
				slog.String("error", err.Error()),
			)
		}
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return provider.Shutdown(ctx)
}

func runConfigInit(cmd *cobra.Command, args []string) error {
	path := config.DefaultFileName
	if len(args) == 1 {
		path = args[0]
	}
	if _, err := os.Stat(path); err == nil {
		return fmt.Errorf("%s already exists", path)
	}
	if err := config.WriteDefault(path); err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "wrote %s\n", path)
	return nil
}
