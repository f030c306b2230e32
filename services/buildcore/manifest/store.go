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
	"slices"
	"sync"

	"github.com/AleutianAI/AleutianBuild/services/buildcore/rulekey"
	"github.com/AleutianAI/AleutianBuild/services/buildcore/storage/badger"
)

// Store persists manifests and used-input sets.
type Store interface {
	// GetManifest returns the bucket for key or ErrManifestNotFound.
	GetManifest(ctx context.Context, key rulekey.RuleKey) (*Manifest, error)

	// PutManifest replaces the bucket m.Key.
	PutManifest(ctx context.Context, m *Manifest) error

	// GetUsedInputs returns the used-input set saved for target or
	// ErrUsedInputsNotFound.
	GetUsedInputs(ctx context.Context, target string) ([]rulekey.DependencyFileEntry, error)

	// PutUsedInputs saves the used-input set for target.
	PutUsedInputs(ctx context.Context, target string, used []rulekey.DependencyFileEntry) error
}

const (
	manifestPrefix = "manifest/"
	usedPrefix     = "used/"
)

func manifestKey(k rulekey.RuleKey) []byte {
	return []byte(manifestPrefix + k.String())
}

func usedKey(target string) []byte {
	return []byte(usedPrefix + target)
}

// BadgerStore is a Store backed by BadgerDB.
type BadgerStore struct {
	db *badger.DB
}

// NewBadgerStore creates a store over an open database. The caller owns db.
func NewBadgerStore(db *badger.DB) *BadgerStore {
	return &BadgerStore{db: db}
}

// GetManifest implements Store.
func (s *BadgerStore) GetManifest(ctx context.Context, key rulekey.RuleKey) (*Manifest, error) {
	data, err := s.db.Get(ctx, manifestKey(key))
	if errors.Is(err, badger.ErrNotFound) {
		return nil, ErrManifestNotFound
	}
	if err != nil {
		return nil, err
	}
	var m Manifest
	if err := decodeRecord(data, &m); err != nil {
		return nil, err
	}
	return &m, nil
}

// PutManifest implements Store.
func (s *BadgerStore) PutManifest(ctx context.Context, m *Manifest) error {
	data, err := encodeRecord(m)
	if err != nil {
		return err
	}
	return s.db.Put(ctx, manifestKey(m.Key), data)
}

// GetUsedInputs implements Store.
func (s *BadgerStore) GetUsedInputs(ctx context.Context, target string) ([]rulekey.DependencyFileEntry, error) {
	data, err := s.db.Get(ctx, usedKey(target))
	if errors.Is(err, badger.ErrNotFound) {
		return nil, ErrUsedInputsNotFound
	}
	if err != nil {
		return nil, err
	}
	var used []rulekey.DependencyFileEntry
	if err := decodeRecord(data, &used); err != nil {
		return nil, err
	}
	return used, nil
}

// PutUsedInputs implements Store.
func (s *BadgerStore) PutUsedInputs(ctx context.Context, target string, used []rulekey.DependencyFileEntry) error {
	data, err := encodeRecord(used)
	if err != nil {
		return err
	}
	return s.db.Put(ctx, usedKey(target), data)
}

// MemoryStore is a Store kept in process memory.
type MemoryStore struct {
	mu        sync.RWMutex
	manifests map[rulekey.RuleKey]*Manifest
	used      map[string][]rulekey.DependencyFileEntry
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		manifests: make(map[rulekey.RuleKey]*Manifest),
		used:      make(map[string][]rulekey.DependencyFileEntry),
	}
}

// GetManifest implements Store. The returned manifest is a copy.
func (s *MemoryStore) GetManifest(_ context.Context, key rulekey.RuleKey) (*Manifest, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	m, ok := s.manifests[key]
	if !ok {
		return nil, ErrManifestNotFound
	}
	return &Manifest{Key: m.Key, Entries: slices.Clone(m.Entries)}, nil
}

// PutManifest implements Store.
func (s *MemoryStore) PutManifest(_ context.Context, m *Manifest) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.manifests[m.Key] = &Manifest{Key: m.Key, Entries: slices.Clone(m.Entries)}
	return nil
}

// GetUsedInputs implements Store.
func (s *MemoryStore) GetUsedInputs(_ context.Context, target string) ([]rulekey.DependencyFileEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	used, ok := s.used[target]
	if !ok {
		return nil, ErrUsedInputsNotFound
	}
	return slices.Clone(used), nil
}

// PutUsedInputs implements Store.
func (s *MemoryStore) PutUsedInputs(_ context.Context, target string, used []rulekey.DependencyFileEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.used[target] = slices.Clone(used)
	return nil
}
