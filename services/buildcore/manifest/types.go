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
	"github.com/AleutianAI/AleutianBuild/services/buildcore/rulekey"
)

// DefaultMaxEntries bounds how many entries a manifest bucket keeps.
const DefaultMaxEntries = 16

// Entry is one previous execution recorded in a manifest bucket.
type Entry struct {
	// Inputs is the canonical used-input set of the execution.
	Inputs []rulekey.DependencyFileEntry

	// InputHashes are the content hashes of Inputs at record time, keyed
	// by path. Kept for diagnostics; matching recomputes from disk.
	InputHashes map[string]string

	// DepFileKey is the dependency-file key at record time.
	DepFileKey rulekey.RuleKey

	// Output references the cached result, e.g. an output hash or
	// artifact address.
	Output string

	// RecordedAtMilli is when the entry was recorded.
	RecordedAtMilli int64
}

// Manifest is a bucket of entries addressed by a manifest key.
type Manifest struct {
	Key     rulekey.RuleKey
	Entries []Entry
}

// Hit is a successful manifest lookup.
type Hit struct {
	// ManifestKey is the bucket that matched.
	ManifestKey rulekey.RuleKey

	// DepFileKey is the recomputed dependency-file key that matched.
	DepFileKey rulekey.RuleKey

	// Entry is the matching entry.
	Entry Entry
}
