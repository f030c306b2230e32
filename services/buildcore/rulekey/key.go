// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package rulekey

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
)

// Size is the length of a rule key in bytes.
const Size = sha256.Size

// RuleKey is a fixed-size, content-derived fingerprint.
type RuleKey [Size]byte

// String returns the key as lowercase hex.
func (k RuleKey) String() string {
	return hex.EncodeToString(k[:])
}

// IsZero reports whether k is the zero key.
func (k RuleKey) IsZero() bool {
	return k == RuleKey{}
}

// Compare orders keys bytewise.
func (k RuleKey) Compare(o RuleKey) int {
	return bytes.Compare(k[:], o[:])
}

// MarshalText implements encoding.TextMarshaler.
func (k RuleKey) MarshalText() ([]byte, error) {
	return []byte(k.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (k *RuleKey) UnmarshalText(b []byte) error {
	parsed, err := ParseRuleKey(string(b))
	if err != nil {
		return err
	}
	*k = parsed
	return nil
}

// ParseRuleKey parses the hex form produced by String.
func ParseRuleKey(s string) (RuleKey, error) {
	var k RuleKey
	if len(s) != 2*Size {
		return k, fmt.Errorf("%w: length %d", ErrInvalidKey, len(s))
	}
	if _, err := hex.Decode(k[:], []byte(s)); err != nil {
		return k, fmt.Errorf("%w: %v", ErrInvalidKey, err)
	}
	return k, nil
}

// DependencyFileEntry records one input an instrumented execution reported
// as actually read.
type DependencyFileEntry struct {
	// Path is the input path relative to the project root.
	Path string `json:"path" yaml:"path"`
}

// Paths returns the entry paths in order.
func Paths(entries []DependencyFileEntry) []string {
	out := make([]string, len(entries))
	for i, e := range entries {
		out[i] = e.Path
	}
	return out
}
