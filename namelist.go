// SPDX-License-Identifier: MIT
// Copyright (c) 2026 WoozyMasta
// Source: github.com/woozymasta/kpka

package kpka

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
)

// unknownPathPrefix is the directory synthetic paths of unresolved entries
// are placed under.
const unknownPathPrefix = "_Unknown"

// NameTable maps mixed path hashes to candidate path strings loaded from a
// file list. Collisions are kept as ordered buckets rather than overwritten;
// lookups are pure and safe for concurrent use once the table is built.
type NameTable struct {
	buckets map[uint64][]string
}

// NewNameTable returns an empty table.
func NewNameTable() *NameTable {
	return &NameTable{buckets: make(map[uint64][]string)}
}

// Add hashes one candidate path and inserts it into its bucket. Duplicate
// path strings within a bucket are dropped; distinct colliding paths append
// in insertion order.
func (t *NameTable) Add(path string) {
	normalized := NormalizePath(path)
	if normalized == "" {
		return
	}

	hash := HashMixed(normalized)
	for _, existing := range t.buckets[hash] {
		if existing == normalized {
			return
		}
	}

	t.buckets[hash] = append(t.buckets[hash], normalized)
}

// Len returns the number of distinct hashes in the table.
func (t *NameTable) Len() int {
	if t == nil {
		return 0
	}

	return len(t.buckets)
}

// Lookup returns the candidate bucket for a mixed hash in file-list order.
func (t *NameTable) Lookup(hash uint64) []string {
	if t == nil {
		return nil
	}

	return t.buckets[hash]
}

// Resolve pairs one entry with its path. Exactly one candidate is used
// directly; multiple candidates pick the first in file-list order and mark
// the resolution ambiguous; no candidate yields the deterministic
// placeholder path. Resolution never fails.
func (t *NameTable) Resolve(entry EntryInfo) Resolution {
	candidates := t.Lookup(entry.Hash())
	if len(candidates) == 0 {
		return Resolution{
			Entry: entry,
			Path:  UnknownPath(entry.Hash()),
		}
	}

	res := Resolution{
		Entry: entry,
		Path:  candidates[0],
		Known: true,
	}
	if len(candidates) > 1 {
		res.Ambiguous = true
		res.Candidates = append([]string(nil), candidates...)
	}

	return res
}

// UnknownPath returns the deterministic synthetic path for an unresolved
// entry hash.
func UnknownPath(hash uint64) string {
	return fmt.Sprintf("%s/%08X", unknownPathPrefix, hash)
}

// NameTableFromReader builds a table from newline-delimited candidate paths.
// Blank lines are skipped; no escaping is applied.
func NameTableFromReader(r io.Reader) (*NameTable, error) {
	table := NewNameTable()

	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}

		table.Add(line)
	}

	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("read file list: %w", err)
	}

	return table, nil
}

// NameTableFromFile builds a table from a file-list path.
func NameTableFromFile(path string) (*NameTable, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open file list: %w", err)
	}
	defer func() { _ = f.Close() }()

	return NameTableFromReader(f)
}

// NameTableForProject builds a table from the project-named list file
// `<dir>/<project>.list`.
func NameTableForProject(dir, project string) (*NameTable, error) {
	return NameTableFromFile(filepath.Join(dir, project+".list"))
}
