// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package manifest

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/AleutianAI/AleutianBuild/services/buildcore/graph"
	"github.com/AleutianAI/AleutianBuild/services/buildcore/rulekey"
)

var tracer = otel.Tracer("aleutian.manifest")

// KeySource computes the keys a manager needs. *rulekey.Factory implements it.
type KeySource interface {
	BuildManifestKey(ctx context.Context, h graph.Handle) (rulekey.RuleKey, error)
	BuildDepFileKey(ctx context.Context, h graph.Handle, used []rulekey.DependencyFileEntry) (rulekey.RuleKey, []rulekey.DependencyFileEntry, error)
}

// ContentHasher returns content hashes recorded alongside entries.
type ContentHasher interface {
	Hash(path string) (string, error)
}

// ManagerOption is a functional option for configuring Manager.
type ManagerOption func(*Manager)

// WithMaxEntries bounds the entries kept per bucket.
func WithMaxEntries(n int) ManagerOption {
	return func(m *Manager) {
		m.maxEntries = n
	}
}

// WithContentHasher records input hashes on every entry.
func WithContentHasher(h ContentHasher) ManagerOption {
	return func(m *Manager) {
		m.content = h
	}
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) ManagerOption {
	return func(m *Manager) {
		m.logger = logger
	}
}

// WithClock sets the time source used for RecordedAtMilli.
func WithClock(now func() time.Time) ManagerOption {
	return func(m *Manager) {
		m.now = now
	}
}

// Manager looks up and records manifest entries for nodes of one arena.
//
// Thread Safety: Manager is safe for concurrent use. Concurrent Record
// calls for the same bucket may race; the last write wins and no entry
// is corrupted.
type Manager struct {
	store      Store
	keys       KeySource
	arena      *graph.Arena
	content    ContentHasher
	maxEntries int
	logger     *slog.Logger
	now        func() time.Time
}

// NewManager creates a manager.
func NewManager(store Store, keys KeySource, arena *graph.Arena, opts ...ManagerOption) (*Manager, error) {
	if store == nil {
		return nil, ErrNilStore
	}
	if keys == nil || arena == nil {
		return nil, errors.New("key source and arena must not be nil")
	}
	m := &Manager{
		store:      store,
		keys:       keys,
		arena:      arena,
		maxEntries: DefaultMaxEntries,
		now:        time.Now,
	}
	for _, opt := range opts {
		opt(m)
	}
	if m.logger == nil {
		m.logger = slog.Default()
	}
	if m.maxEntries <= 0 {
		m.maxEntries = DefaultMaxEntries
	}
	return m, nil
}

// Lookup finds a reusable entry for h.
//
// Description:
//
//	Computes h's manifest key, loads that bucket, and for each entry
//	(newest first) recomputes the dependency-file key over the entry's
//	used inputs using current file contents. The first entry whose
//	recomputed key equals its stored key is returned. An entry whose
//	inputs can no longer be hashed, e.g. a deleted file, does not match.
//
// Outputs:
//
//	Hit - The matching entry. Valid only when ok is true.
//	ok - False on a miss.
//	error - Key computation failures of h itself or store failures.
func (m *Manager) Lookup(ctx context.Context, h graph.Handle) (Hit, bool, error) {
	target := m.arena.Target(h)
	ctx, span := tracer.Start(ctx, "manifest.Manager.Lookup",
		trace.WithAttributes(attribute.String("node.target", target)),
	)
	defer span.End()

	mkey, err := m.keys.BuildManifestKey(ctx, h)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "manifest key failed")
		return Hit{}, false, err
	}

	bucket, err := m.store.GetManifest(ctx, mkey)
	if errors.Is(err, ErrManifestNotFound) {
		span.SetAttributes(attribute.Bool("manifest.hit", false))
		return Hit{}, false, nil
	}
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "load failed")
		return Hit{}, false, fmt.Errorf("load manifest %s: %w", mkey, err)
	}

	for i, e := range bucket.Entries {
		key, _, err := m.keys.BuildDepFileKey(ctx, h, e.Inputs)
		if err != nil {
			var kce *rulekey.KeyComputationError
			if errors.As(err, &kce) && kce.Path != "" {
				m.logger.Debug("manifest entry inputs unavailable",
					slog.String("target", target),
					slog.Int("entry", i),
					slog.String("path", kce.Path),
				)
				continue
			}
			span.RecordError(err)
			span.SetStatus(codes.Error, "dep file key failed")
			return Hit{}, false, err
		}
		if key == e.DepFileKey {
			span.SetAttributes(
				attribute.Bool("manifest.hit", true),
				attribute.Int("manifest.entry", i),
			)
			return Hit{ManifestKey: mkey, DepFileKey: key, Entry: e}, true, nil
		}
	}

	span.SetAttributes(attribute.Bool("manifest.hit", false))
	return Hit{}, false, nil
}

// Record stores the outcome of an execution of h.
//
// Description:
//
//	Computes the dependency-file key over used, prepends a new entry to
//	h's bucket (replacing any entry with the same key), trims the bucket
//	to the configured maximum, and saves the canonical used-input set for
//	the next build.
//
// Outputs:
//
//	Entry - The recorded entry.
//	error - Key computation or store failures.
func (m *Manager) Record(ctx context.Context, h graph.Handle, used []rulekey.DependencyFileEntry, output string) (Entry, error) {
	target := m.arena.Target(h)
	ctx, span := tracer.Start(ctx, "manifest.Manager.Record",
		trace.WithAttributes(attribute.String("node.target", target)),
	)
	defer span.End()

	mkey, err := m.keys.BuildManifestKey(ctx, h)
	if err != nil {
		span.RecordError(err)
		return Entry{}, err
	}
	dkey, canonical, err := m.keys.BuildDepFileKey(ctx, h, used)
	if err != nil {
		span.RecordError(err)
		return Entry{}, err
	}

	entry := Entry{
		Inputs:          canonical,
		DepFileKey:      dkey,
		Output:          output,
		RecordedAtMilli: m.now().UnixMilli(),
	}
	if m.content != nil {
		entry.InputHashes = make(map[string]string, len(canonical))
		for _, in := range canonical {
			if hash, err := m.content.Hash(in.Path); err == nil {
				entry.InputHashes[in.Path] = hash
			}
		}
	}

	bucket, err := m.store.GetManifest(ctx, mkey)
	switch {
	case errors.Is(err, ErrManifestNotFound):
		bucket = &Manifest{Key: mkey}
	case err != nil:
		span.RecordError(err)
		return Entry{}, fmt.Errorf("load manifest %s: %w", mkey, err)
	}

	entries := slices.DeleteFunc(bucket.Entries, func(e Entry) bool {
		return e.DepFileKey == dkey
	})
	entries = append([]Entry{entry}, entries...)
	if len(entries) > m.maxEntries {
		entries = entries[:m.maxEntries]
	}
	bucket.Entries = entries

	if err := m.store.PutManifest(ctx, bucket); err != nil {
		span.RecordError(err)
		return Entry{}, fmt.Errorf("store manifest %s: %w", mkey, err)
	}
	if err := m.store.PutUsedInputs(ctx, target, canonical); err != nil {
		span.RecordError(err)
		return Entry{}, fmt.Errorf("store used inputs for %s: %w", target, err)
	}

	m.logger.Debug("manifest entry recorded",
		slog.String("target", target),
		slog.String("manifest_key", mkey.String()),
		slog.String("dep_file_key", dkey.String()),
		slog.Int("entries", len(entries)),
	)
	return entry, nil
}

// SaveUsedInputs persists the used-input set returned by BuildDepFileKey.
func (m *Manager) SaveUsedInputs(ctx context.Context, h graph.Handle, used []rulekey.DependencyFileEntry) error {
	n, err := m.arena.Node(h)
	if err != nil {
		return err
	}
	return m.store.PutUsedInputs(ctx, n.Target, used)
}

// LoadUsedInputs returns the used-input set saved by the previous build.
// ok is false when none was saved.
func (m *Manager) LoadUsedInputs(ctx context.Context, h graph.Handle) ([]rulekey.DependencyFileEntry, bool, error) {
	n, err := m.arena.Node(h)
	if err != nil {
		return nil, false, err
	}
	used, err := m.store.GetUsedInputs(ctx, n.Target)
	if errors.Is(err, ErrUsedInputsNotFound) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	return used, true, nil
}
