// SPDX-License-Identifier: MIT
// Copyright (c) 2026 WoozyMasta
// Source: github.com/woozymasta/kpka

package kpka

import (
	"fmt"
	"testing"
)

func TestBuildReport_Counts(t *testing.T) {
	known := "natives/stm/quest/supplydata/supplydata.user.2"
	names := NewNameTable()
	names.Add(known)

	entries := []EntryInfo{
		{
			HashLower:        HashLower(known),
			HashUpper:        HashUpper(known),
			Offset:           64,
			CompressedSize:   10,
			UncompressedSize: 32,
			Attributes:       int64(MethodZstd),
		},
		{
			HashLower:        0xDEADBEEF,
			HashUpper:        0x01020304,
			Offset:           128,
			CompressedSize:   5,
			UncompressedSize: 5,
		},
	}

	header := Header{MajorVersion: 4, MinorVersion: 0, TotalFiles: 2}
	report := BuildReport(header, entries, names)

	if report.Known != 1 || report.Unknown != 1 || report.Ambiguous != 0 {
		t.Fatalf("counts: known=%d unknown=%d ambiguous=%d",
			report.Known, report.Unknown, report.Ambiguous)
	}
	if len(report.Entries) != 2 {
		t.Fatalf("entries: %d", len(report.Entries))
	}

	first := report.Entries[0]
	if first.Path != known || !first.Known {
		t.Errorf("resolved row: %+v", first)
	}
	if first.Method != "zstd" {
		t.Errorf("method: %q", first.Method)
	}
	wantHash := fmt.Sprintf("%016X", MixHash(HashLower(known), HashUpper(known)))
	if first.Hash != wantHash {
		t.Errorf("hash: %q != %q", first.Hash, wantHash)
	}

	second := report.Entries[1]
	if second.Known {
		t.Error("unresolved entry marked known")
	}
	if second.Path != "_Unknown/01020304DEADBEEF" {
		t.Errorf("placeholder path: %q", second.Path)
	}
	if second.Method != "store" {
		t.Errorf("method: %q", second.Method)
	}
}

func TestBuildReport_NilNames(t *testing.T) {
	entries := []EntryInfo{{HashLower: 0xAB, UncompressedSize: 1}}
	report := BuildReport(Header{MajorVersion: 2, TotalFiles: 1}, entries, nil)

	if report.Known != 0 || report.Unknown != 1 {
		t.Fatalf("counts: known=%d unknown=%d", report.Known, report.Unknown)
	}
	if report.Entries[0].Path != "_Unknown/000000AB" {
		t.Errorf("path: %q", report.Entries[0].Path)
	}
}
