// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package config loads the build tool configuration from YAML.
//
// Load starts from Default and overlays the file, so a file only needs the
// settings it changes. The result is validated with struct tags.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"

	"github.com/AleutianAI/AleutianBuild/services/buildcore/diagnostics"
	"github.com/AleutianAI/AleutianBuild/services/buildcore/manifest"
	"github.com/AleutianAI/AleutianBuild/services/buildcore/semver"
	"github.com/AleutianAI/AleutianBuild/services/buildcore/storage/badger"
	"github.com/AleutianAI/AleutianBuild/services/buildcore/telemetry"
	"github.com/AleutianAI/AleutianBuild/services/buildcore/versioned"
)

// DefaultFileName is the configuration file looked up in the project root.
const DefaultFileName = "aleutian-build.yaml"

var (
	// ErrInvalidConfig wraps validation failures.
	ErrInvalidConfig = errors.New("invalid configuration")

	// ErrNotFound is returned by Load when the file does not exist.
	ErrNotFound = errors.New("configuration file not found")
)

var validate *validator.Validate

func init() {
	validate = validator.New()
	_ = validate.RegisterValidation("semver", validateSemver)
}

// validateSemver accepts strings that parse as a version.
func validateSemver(fl validator.FieldLevel) bool {
	_, err := semver.ParseVersion(fl.Field().String())
	return err == nil
}

// Config is the complete tool configuration.
type Config struct {
	Project     ProjectConfig     `yaml:"project"`
	Build       BuildConfig       `yaml:"build"`
	Manifest    ManifestConfig    `yaml:"manifest"`
	Resolver    ResolverConfig    `yaml:"resolver"`
	Diagnostics DiagnosticsConfig `yaml:"diagnostics"`
	Telemetry   telemetry.Config  `yaml:"telemetry"`
	Log         LogConfig         `yaml:"log"`
}

// ProjectConfig locates and hashes input files.
type ProjectConfig struct {
	// Root is the project root inputs are resolved against. Relative roots
	// are resolved against the configuration file's directory.
	Root string `yaml:"root" validate:"required"`

	// Ignore lists glob patterns excluded from hashing.
	Ignore []string `yaml:"ignore"`

	// MaxFileSize bounds hashed inputs in bytes.
	MaxFileSize int64 `yaml:"max_file_size" validate:"gt=0"`

	// HashRetries re-reads a file whose stat changed while hashing.
	HashRetries int `yaml:"hash_retries" validate:"gte=0,lte=10"`
}

// BuildConfig controls the build session.
type BuildConfig struct {
	// Parallelism caps concurrently evaluated nodes. Zero uses GOMAXPROCS.
	Parallelism int `yaml:"parallelism" validate:"gte=0"`
}

// ManifestConfig controls manifest persistence.
type ManifestConfig struct {
	Enabled bool `yaml:"enabled"`

	// MaxEntries bounds the entries kept per manifest.
	MaxEntries int `yaml:"max_entries" validate:"gt=0"`

	// Storage is the BadgerDB holding manifests and used-input sets.
	Storage badger.Config `yaml:"storage"`
}

// ResolverConfig controls versioned graph resolution.
type ResolverConfig struct {
	// Policy is "highest" or "pinned".
	Policy string `yaml:"policy" validate:"oneof=highest pinned"`

	// Pins maps target to version for the pinned policy.
	Pins map[string]string `yaml:"pins,omitempty" validate:"dive,keys,required,endkeys,semver"`

	// Fallback resolves unpinned targets to the highest satisfying version.
	Fallback bool `yaml:"fallback"`

	// Timeout bounds one resolution. Zero disables it.
	Timeout time.Duration `yaml:"timeout" validate:"gte=0"`

	// CacheCapacity is the number of resolved graphs kept. Zero uses the
	// resolver default.
	CacheCapacity int `yaml:"cache_capacity" validate:"gte=0"`
}

// DiagnosticsConfig controls the rule key diagnostics sink.
type DiagnosticsConfig struct {
	Enabled bool `yaml:"enabled"`

	// Dir receives the key log and graph dump.
	Dir string `yaml:"dir" validate:"required_if=Enabled true"`

	MaxKeys  int   `yaml:"max_keys" validate:"gt=0"`
	MaxBytes int64 `yaml:"max_bytes" validate:"gt=0"`

	// CloseTimeout bounds flushing, the dump write and uploads at exit.
	CloseTimeout time.Duration `yaml:"close_timeout" validate:"gt=0"`

	Upload UploadConfig `yaml:"upload"`
}

// UploadConfig sends diagnostics files to Google Cloud Storage. An empty
// bucket disables uploads.
type UploadConfig struct {
	Bucket          string `yaml:"bucket"`
	CredentialsFile string `yaml:"credentials_file" validate:"required_with=Bucket"`
	Prefix          string `yaml:"prefix"`
}

// LogConfig selects the log handler.
type LogConfig struct {
	Format string `yaml:"format" validate:"oneof=auto text json"`
	Level  string `yaml:"level" validate:"oneof=debug info warn error"`
}

// Default returns the defaults for a build rooted at the working directory.
func Default() Config {
	storage := badger.DefaultConfig()
	storage.Path = filepath.Join(".aleutian", "manifests")

	return Config{
		Project: ProjectConfig{
			Root:        ".",
			Ignore:      []string{".git/**", ".aleutian/**"},
			MaxFileSize: 100 * 1024 * 1024,
		},
		Manifest: ManifestConfig{
			MaxEntries: manifest.DefaultMaxEntries,
			Storage:    storage,
		},
		Resolver: ResolverConfig{
			Policy:        "highest",
			CacheCapacity: versioned.DefaultCacheCapacity,
		},
		Diagnostics: DiagnosticsConfig{
			Dir:          filepath.Join(".aleutian", "diagnostics"),
			MaxKeys:      diagnostics.DefaultMaxKeys,
			MaxBytes:     diagnostics.DefaultMaxBytes,
			CloseTimeout: 30 * time.Second,
		},
		Telemetry: telemetry.DefaultConfig(),
		Log: LogConfig{
			Format: telemetry.FormatAuto,
			Level:  "info",
		},
	}
}

// Validate checks every field constraint.
func (c *Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidConfig, err)
	}
	return nil
}

// Load reads path over Default, resolves relative directories against the
// file's directory and validates the result.
func Load(path string) (Config, error) {
	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return Config{}, fmt.Errorf("%w: %s", ErrNotFound, path)
	}
	if err != nil {
		return Config{}, fmt.Errorf("failed to read the config file: %w", err)
	}

	cfg := Default()
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return Config{}, fmt.Errorf("parse %s: %w", path, err)
	}
	cfg.resolve(filepath.Dir(path))

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// LoadOrDefault loads path, falling back to defaults rooted at dir when it
// does not exist.
func LoadOrDefault(path, dir string) (Config, error) {
	cfg, err := Load(path)
	if errors.Is(err, ErrNotFound) {
		cfg = Default()
		cfg.resolve(dir)
		return cfg, cfg.Validate()
	}
	return cfg, err
}

// resolve makes the project root absolute against base, then anchors the
// manifest and diagnostics directories at the project root.
func (c *Config) resolve(base string) {
	c.Project.Root = absAgainst(base, c.Project.Root)
	if c.Manifest.Storage.Path != "" {
		c.Manifest.Storage.Path = absAgainst(c.Project.Root, c.Manifest.Storage.Path)
	}
	if c.Diagnostics.Dir != "" {
		c.Diagnostics.Dir = absAgainst(c.Project.Root, c.Diagnostics.Dir)
	}
}

func absAgainst(base, p string) string {
	if filepath.IsAbs(p) {
		return filepath.Clean(p)
	}
	return filepath.Clean(filepath.Join(base, p))
}

// WriteDefault writes the default configuration to path, creating parent
// directories.
func WriteDefault(path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("failed to create the config directory: %w", err)
	}
	data, err := yaml.Marshal(Default())
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0o644)
}

// SelectionPolicy returns the configured version selection policy.
func (c ResolverConfig) SelectionPolicy() versioned.SelectionPolicy {
	if c.Policy != "pinned" {
		return versioned.HighestSatisfying{}
	}
	p := versioned.Pinned{Versions: c.Pins}
	if c.Fallback {
		p.Fallback = versioned.HighestSatisfying{}
	}
	return p
}
