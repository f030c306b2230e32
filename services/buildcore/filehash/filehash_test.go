// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package filehash

import (
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeFile(t *testing.T, root, rel, content string) {
	t.Helper()
	path := filepath.Join(root, filepath.FromSlash(rel))
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
}

func TestSHA256Hasher_HashFile(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "hello.txt", "hello world")

	h := NewSHA256Hasher(0)
	hash, err := h.HashFile(filepath.Join(dir, "hello.txt"))
	require.NoError(t, err)
	assert.Equal(t, "b94d27b9934d3e08a52e52d7da7dabfac484efe37a5380ee9088f7ace2efcde9", hash)
	assert.NoError(t, ValidateHash(hash))

	t.Run("size limit", func(t *testing.T) {
		writeFile(t, dir, "large.bin", string(make([]byte, 100)))
		_, err := NewSHA256Hasher(50).HashFile(filepath.Join(dir, "large.bin"))
		assert.ErrorIs(t, err, ErrFileTooLarge)
	})

	t.Run("directory", func(t *testing.T) {
		_, err := h.HashFile(dir)
		assert.ErrorIs(t, err, ErrNotRegular)
	})

	t.Run("missing", func(t *testing.T) {
		_, err := h.HashFile(filepath.Join(dir, "nope"))
		assert.ErrorIs(t, err, os.ErrNotExist)
	})
}

func TestSHA256Hasher_HashFileAtomic(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "a.txt", "abc")

	entry, err := NewSHA256Hasher(0).HashFileAtomic(filepath.Join(dir, "a.txt"), 0)
	require.NoError(t, err)
	assert.Equal(t, int64(3), entry.Size)
	assert.NotZero(t, entry.Mtime)
	assert.Equal(t, "ba7816bf8f01cfea414140de5dae2223b00361a396177a9cb410ff61f20015ad", entry.Hash)
}

func TestValidateHash(t *testing.T) {
	tests := []struct {
		name string
		hash string
		ok   bool
	}{
		{"valid", EmptyContentHash, true},
		{"short", "abc", false},
		{"uppercase", "E3B0C44298FC1C149AFBF4C8996FB92427AE41E4649B934CA495991B7852B855", false},
		{"non hex", "g3b0c44298fc1c149afbf4c8996fb92427ae41e4649b934ca495991b7852b855", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := FileEntry{Hash: tt.hash}.Validate()
			if tt.ok {
				assert.NoError(t, err)
			} else {
				assert.ErrorIs(t, err, ErrInvalidHash)
			}
		})
	}
}

func TestGlobMatcher(t *testing.T) {
	tests := []struct {
		pattern string
		path    string
		want    bool
	}{
		{"*.go", "main.go", true},
		{"*.go", "pkg/main.go", true},
		{"*.go", "main.py", false},
		{"**/*.go", "a/b/c/main.go", true},
		{"**/*.go", "main.go", true},
		{".git/**", ".git/objects/ab", true},
		{".git/**", "src/.git", false},
		{"gen/**/*.pb.go", "gen/api/v1/x.pb.go", true},
		{"gen/**/*.pb.go", "src/api/x.pb.go", false},
		{"**/.DS_Store", "a/b/.DS_Store", true},
	}
	for _, tt := range tests {
		t.Run(tt.pattern+"|"+tt.path, func(t *testing.T) {
			assert.Equal(t, tt.want, NewGlobMatcher(tt.pattern).Match(tt.path))
		})
	}

	var nilMatcher *GlobMatcher
	assert.False(t, nilMatcher.Match("anything"))
}

func TestLoader_MemoizesPerBuild(t *testing.T) {
	root := t.TempDir()
	writeFile(t, root, "src/a.txt", "one")

	l, err := NewLoader(root)
	require.NoError(t, err)

	first, err := l.Hash("src/a.txt")
	require.NoError(t, err)

	writeFile(t, root, "src/a.txt", "two")
	second, err := l.Hash("./src/../src/a.txt")
	require.NoError(t, err)
	assert.Equal(t, first, second, "contents are pinned for the build")
	assert.Equal(t, int64(1), l.Hashed())

	l.Invalidate("src/a.txt")
	third, err := l.Hash("src/a.txt")
	require.NoError(t, err)
	assert.NotEqual(t, first, third)
	assert.Equal(t, int64(2), l.Hashed())
}

func TestLoader_ConcurrentSingleRead(t *testing.T) {
	root := t.TempDir()
	writeFile(t, root, "x.txt", "shared")
	l, err := NewLoader(root)
	require.NoError(t, err)

	var wg sync.WaitGroup
	hashes := make([]string, 32)
	for i := range hashes {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			h, err := l.Hash("x.txt")
			assert.NoError(t, err)
			hashes[i] = h
		}(i)
	}
	wg.Wait()

	for _, h := range hashes {
		assert.Equal(t, hashes[0], h)
	}
	assert.Equal(t, int64(1), l.Hashed())
}

func TestLoader_RejectsTraversal(t *testing.T) {
	root := t.TempDir()
	l, err := NewLoader(root)
	require.NoError(t, err)

	for _, p := range []string{"../etc/passwd", "a/../../b", "/etc/passwd"} {
		_, err := l.Hash(p)
		assert.ErrorIs(t, err, ErrPathTraversal, p)
	}
}

func TestLoader_SymlinksConfinedToRoot(t *testing.T) {
	root := t.TempDir()
	outside := t.TempDir()
	writeFile(t, root, "src/a.txt", "inside")
	writeFile(t, outside, "secret.txt", "secret")
	require.NoError(t, os.Symlink(filepath.Join(outside, "secret.txt"), filepath.Join(root, "link.txt")))
	require.NoError(t, os.Symlink(outside, filepath.Join(root, "ext")))
	require.NoError(t, os.Symlink(filepath.Join(root, "src", "a.txt"), filepath.Join(root, "alias.txt")))

	l, err := NewLoader(root)
	require.NoError(t, err)

	for _, p := range []string{"link.txt", "ext/secret.txt"} {
		_, err := l.Hash(p)
		assert.ErrorIs(t, err, ErrPathTraversal, p)
	}
	assert.Zero(t, l.Hashed())

	direct, err := l.Hash("src/a.txt")
	require.NoError(t, err)
	aliased, err := l.Hash("alias.txt")
	require.NoError(t, err)
	assert.Equal(t, direct, aliased)
}

func TestLoader_IgnoredInputsHashEmpty(t *testing.T) {
	root := t.TempDir()
	writeFile(t, root, "build/out.log", "noise")
	l, err := NewLoader(root, WithIgnore("build/**"))
	require.NoError(t, err)

	h, err := l.Hash("build/out.log")
	require.NoError(t, err)
	assert.Equal(t, EmptyContentHash, h)
	assert.Zero(t, l.Hashed())
}

func TestLoader_MissingInput(t *testing.T) {
	l, err := NewLoader(t.TempDir())
	require.NoError(t, err)

	_, err = l.Hash("gone.txt")
	var he *HashError
	require.ErrorAs(t, err, &he)
	assert.Equal(t, "gone.txt", he.Path)
	assert.ErrorIs(t, err, os.ErrNotExist)
}

func TestNewLoader_InvalidRoot(t *testing.T) {
	_, err := NewLoader(filepath.Join(t.TempDir(), "missing"))
	assert.ErrorIs(t, err, ErrInvalidRoot)
}
