// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package graph

import (
	"slices"
	"sort"
)

// Value is a declared field value.
//
// The set of implementations is closed: String, Int, Bool, List, Set, Map,
// Path and Ref. Consumers switch over them exhaustively.
type Value interface {
	isValue()
}

// String is a scalar string value.
type String string

// Int is a scalar integer value.
type Int int64

// Bool is a scalar boolean value.
type Bool bool

// List is an ordered list of strings. Order is significant.
type List []string

// Set is an unordered collection of strings. Order is not significant.
type Set []string

// Map is a string-to-string mapping.
type Map map[string]string

// Path is a source path relative to the project root. Structural keys of
// actions include the file's content hash.
type Path string

// Ref references another node in the same arena.
type Ref Handle

func (String) isValue() {}
func (Int) isValue()    {}
func (Bool) isValue()   {}
func (List) isValue()   {}
func (Set) isValue()    {}
func (Map) isValue()    {}
func (Path) isValue()   {}
func (Ref) isValue()    {}

// Sorted returns the set's members sorted and deduplicated.
func (s Set) Sorted() []string {
	out := slices.Clone([]string(s))
	sort.Strings(out)
	return slices.Compact(out)
}

// SortedKeys returns the map keys in ascending order.
func (m Map) SortedKeys() []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
