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
	"crypto/sha256"
	"encoding/binary"
	"hash"
	"net/url"
	"slices"
	"strconv"
	"strings"
)

// Type tags written before every value.
const (
	tagSection byte = 'S'
	tagName    byte = 'N'
	tagString  byte = 's'
	tagInt     byte = 'i'
	tagBool    byte = 'b'
	tagList    byte = 'l'
	tagSet     byte = 'e'
	tagMap     byte = 'm'
	tagPath    byte = 'p'
	tagKey     byte = 'k'
	tagNull    byte = '0'
)

// Builder accumulates a canonical encoding of values into a SHA256 digest.
//
// Every write is a one-byte type tag followed by a big-endian uint64 length
// and the payload, so distinct value sequences never collide by
// concatenation. Callers are responsible for writing unordered collections
// in sorted order; the typed helpers here do so.
//
// When diagnostics are enabled, Builder also renders a single-token
// description of what it hashed for the key log.
//
// Thread Safety: Builder is not safe for concurrent use.
type Builder struct {
	h     hash.Hash
	diag  []string
	diags bool
	buf   [9]byte
}

// NewBuilder creates a builder. diagnose enables the diagnostic description.
func NewBuilder(diagnose bool) *Builder {
	return &Builder{h: sha256.New(), diags: diagnose}
}

func (b *Builder) write(tag byte, data []byte) {
	b.buf[0] = tag
	binary.BigEndian.PutUint64(b.buf[1:], uint64(len(data)))
	b.h.Write(b.buf[:])
	b.h.Write(data)
}

func (b *Builder) note(name, value string) {
	if !b.diags {
		return
	}
	b.diag = append(b.diag, url.QueryEscape(name)+"="+url.QueryEscape(value))
}

// Section starts a named section, e.g. the key family.
func (b *Builder) Section(name string) *Builder {
	b.write(tagSection, []byte(name))
	if b.diags {
		b.diag = append(b.diag, "["+url.QueryEscape(name)+"]")
	}
	return b
}

// String writes a named string.
func (b *Builder) String(name, v string) *Builder {
	b.write(tagName, []byte(name))
	b.write(tagString, []byte(v))
	b.note(name, v)
	return b
}

// Int writes a named integer.
func (b *Builder) Int(name string, v int64) *Builder {
	var raw [8]byte
	binary.BigEndian.PutUint64(raw[:], uint64(v))
	b.write(tagName, []byte(name))
	b.write(tagInt, raw[:])
	b.note(name, strconv.FormatInt(v, 10))
	return b
}

// Bool writes a named boolean.
func (b *Builder) Bool(name string, v bool) *Builder {
	raw := []byte{0}
	if v {
		raw[0] = 1
	}
	b.write(tagName, []byte(name))
	b.write(tagBool, raw)
	b.note(name, strconv.FormatBool(v))
	return b
}

// List writes a named ordered list of strings. Order is significant.
func (b *Builder) List(name string, vs []string) *Builder {
	var count [8]byte
	binary.BigEndian.PutUint64(count[:], uint64(len(vs)))
	b.write(tagName, []byte(name))
	b.write(tagList, count[:])
	for _, v := range vs {
		b.write(tagString, []byte(v))
	}
	b.note(name, "["+strings.Join(vs, ",")+"]")
	return b
}

// Set writes a named unordered collection. Members are sorted and
// deduplicated first.
func (b *Builder) Set(name string, vs []string) *Builder {
	sorted := slices.Clone(vs)
	slices.Sort(sorted)
	sorted = slices.Compact(sorted)

	var count [8]byte
	binary.BigEndian.PutUint64(count[:], uint64(len(sorted)))
	b.write(tagName, []byte(name))
	b.write(tagSet, count[:])
	for _, v := range sorted {
		b.write(tagString, []byte(v))
	}
	b.note(name, "{"+strings.Join(sorted, ",")+"}")
	return b
}

// Map writes a named string map in ascending key order.
func (b *Builder) Map(name string, m map[string]string) *Builder {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	slices.Sort(keys)

	var count [8]byte
	binary.BigEndian.PutUint64(count[:], uint64(len(keys)))
	b.write(tagName, []byte(name))
	b.write(tagMap, count[:])
	pairs := make([]string, 0, len(keys))
	for _, k := range keys {
		b.write(tagString, []byte(k))
		b.write(tagString, []byte(m[k]))
		pairs = append(pairs, k+":"+m[k])
	}
	b.note(name, "{"+strings.Join(pairs, ",")+"}")
	return b
}

// Path writes a named source path and, when non-empty, its content hash.
func (b *Builder) Path(name, path, contentHash string) *Builder {
	b.write(tagName, []byte(name))
	b.write(tagPath, []byte(path))
	if contentHash == "" {
		b.write(tagNull, nil)
		b.note(name, path)
		return b
	}
	b.write(tagString, []byte(contentHash))
	b.note(name, path+"@"+contentHash)
	return b
}

// Key writes a named rule key.
func (b *Builder) Key(name string, k RuleKey) *Builder {
	b.write(tagName, []byte(name))
	b.write(tagKey, k[:])
	b.note(name, k.String())
	return b
}

// Null writes a named absent value.
func (b *Builder) Null(name string) *Builder {
	b.write(tagName, []byte(name))
	b.write(tagNull, nil)
	b.note(name, "null")
	return b
}

// Build returns the digest of everything written so far.
func (b *Builder) Build() RuleKey {
	var k RuleKey
	copy(k[:], b.h.Sum(nil))
	return k
}

// Diagnostic returns the description of everything written so far. It
// contains no whitespace, so it fits the key log's second column. Empty if
// diagnostics are disabled.
func (b *Builder) Diagnostic() string {
	return strings.Join(b.diag, ";")
}
