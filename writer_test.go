// SPDX-License-Identifier: MIT
// Copyright (c) 2026 WoozyMasta
// Source: github.com/woozymasta/kpka

package kpka

import (
	"bytes"
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/woozymasta/pathrules"
)

// memInputs builds pack inputs from an in-memory file map.
func memInputs(files map[string][]byte) []Input {
	inputs := make([]Input, 0, len(files))
	for path, data := range files {
		payload := data
		inputs = append(inputs, Input{
			Path:     path,
			SizeHint: int64(len(payload)),
			Open: func() (io.ReadCloser, error) {
				return io.NopCloser(bytes.NewReader(payload)), nil
			},
		})
	}

	return inputs
}

// testPackFiles is a mixed fixture: compressible, small, and binary-ish.
func testPackFiles() map[string][]byte {
	return map[string][]byte{
		"natives/stm/text/long.user.2":   []byte(strings.Repeat("compressible payload line\n", 200)),
		"natives/stm/small/tiny.cfil.7":  []byte("tiny"),
		"natives/x64/mixed/blob.mesh.17": bytes.Repeat([]byte{0x00, 0xFF, 0x10, 0x20}, 300),
	}
}

// packToFile packs inputs to a temp container and returns its path.
func packToFile(t *testing.T, files map[string][]byte, opts PackOptions) (string, *PackResult) {
	t.Helper()

	path := filepath.Join(t.TempDir(), "out.pak")
	opts.Override = true
	res, err := PackFile(context.Background(), path, memInputs(files), opts)
	if err != nil {
		t.Fatalf("PackFile: %v", err)
	}

	return path, res
}

// TestPack_RoundTrip packs and re-reads every payload byte-for-byte.
func TestPack_RoundTrip(t *testing.T) {
	files := testPackFiles()
	path, res := packToFile(t, files, PackOptions{})

	if res.WrittenEntries != len(files) {
		t.Errorf("WrittenEntries: %d", res.WrittenEntries)
	}
	if res.CompressedEntries == 0 {
		t.Error("expected at least one compressed entry")
	}

	r, err := Open(path)
	if err != nil {
		t.Fatal(err)
	}
	defer func() { _ = r.Close() }()

	if r.Header().MajorVersion != 4 {
		t.Errorf("major: %d", r.Header().MajorVersion)
	}
	if int(r.Header().TotalFiles) != len(files) {
		t.Errorf("TotalFiles: %d", r.Header().TotalFiles)
	}

	for p, want := range files {
		entry, err := r.EntryByPath(p)
		if err != nil {
			t.Fatalf("EntryByPath(%q): %v", p, err)
		}
		got, err := r.ReadEntry(entry)
		if err != nil {
			t.Fatalf("ReadEntry(%q): %v", p, err)
		}
		if !bytes.Equal(got, want) {
			t.Errorf("payload %q: %d bytes, want %d", p, len(got), len(want))
		}
	}
}

// TestPack_Deterministic verifies byte-identical repacks, including across
// worker counts.
func TestPack_Deterministic(t *testing.T) {
	files := testPackFiles()

	pathA, _ := packToFile(t, files, PackOptions{MaxWorkers: 1})
	pathB, _ := packToFile(t, files, PackOptions{MaxWorkers: 4})

	a, err := os.ReadFile(pathA)
	if err != nil {
		t.Fatal(err)
	}
	b, err := os.ReadFile(pathB)
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(a, b) {
		t.Error("repack output differs between worker counts")
	}
}

// TestPack_Alignment verifies payload offsets honor the alignment option.
func TestPack_Alignment(t *testing.T) {
	path, _ := packToFile(t, testPackFiles(), PackOptions{Alignment: 16})

	entries, err := ListEntries(path)
	if err != nil {
		t.Fatal(err)
	}
	for _, e := range entries {
		if e.Offset%16 != 0 {
			t.Errorf("entry %016X offset %d not aligned", e.Hash(), e.Offset)
		}
	}
}

// TestPack_Version2 verifies the legacy layout stores raw payloads.
func TestPack_Version2(t *testing.T) {
	files := testPackFiles()
	path, res := packToFile(t, files, PackOptions{Version: 2})

	if res.CompressedEntries != 0 {
		t.Errorf("v2 must not compress, got %d entries", res.CompressedEntries)
	}

	r, err := Open(path)
	if err != nil {
		t.Fatal(err)
	}
	defer func() { _ = r.Close() }()

	if r.Header().MajorVersion != 2 {
		t.Errorf("major: %d", r.Header().MajorVersion)
	}
	for p, want := range files {
		entry, err := r.EntryByPath(p)
		if err != nil {
			t.Fatalf("EntryByPath(%q): %v", p, err)
		}
		if entry.CompressedSize != uint64(len(want)) {
			t.Errorf("%q stored size: %d", p, entry.CompressedSize)
		}
		got, err := r.ReadEntry(entry)
		if err != nil {
			t.Fatal(err)
		}
		if !bytes.Equal(got, want) {
			t.Errorf("payload %q mismatch", p)
		}
	}
}

// TestPack_CompressRules verifies path rules limit the candidate set.
func TestPack_CompressRules(t *testing.T) {
	files := testPackFiles()
	path, _ := packToFile(t, files, PackOptions{
		Compress: []pathrules.Rule{
			{Action: pathrules.ActionInclude, Pattern: "natives/stm/text/**"},
		},
	})

	r, err := Open(path)
	if err != nil {
		t.Fatal(err)
	}
	defer func() { _ = r.Close() }()

	text, err := r.EntryByPath("natives/stm/text/long.user.2")
	if err != nil {
		t.Fatal(err)
	}
	if text.Method() != MethodZstd {
		t.Errorf("rule-included entry method: %v", text.Method())
	}

	blob, err := r.EntryByPath("natives/x64/mixed/blob.mesh.17")
	if err != nil {
		t.Fatal(err)
	}
	if blob.Method() != MethodStore {
		t.Errorf("rule-excluded entry method: %v", blob.Method())
	}
}

// TestPack_InputValidation covers empty, duplicate, and bad-version inputs.
func TestPack_InputValidation(t *testing.T) {
	outPath := filepath.Join(t.TempDir(), "out.pak")
	f, err := os.Create(outPath)
	if err != nil {
		t.Fatal(err)
	}
	defer func() { _ = f.Close() }()

	ctx := context.Background()
	if _, err := Pack(ctx, f, nil, PackOptions{}); !errors.Is(err, ErrEmptyInputs) {
		t.Errorf("empty inputs: got %v", err)
	}

	dup := memInputs(map[string][]byte{"natives/a.user.2": []byte("x")})
	dup = append(dup, Input{
		Path: "NATIVES/A.USER.2",
		Open: func() (io.ReadCloser, error) { return io.NopCloser(bytes.NewReader([]byte("y"))), nil },
	})
	if _, err := Pack(ctx, f, dup, PackOptions{}); !errors.Is(err, ErrDuplicateEntryPath) {
		t.Errorf("case-insensitive duplicate: got %v", err)
	}

	single := memInputs(map[string][]byte{"natives/a.user.2": []byte("x")})
	if _, err := Pack(ctx, f, single, PackOptions{Version: 3}); !errors.Is(err, ErrUnsupportedPackVersion) {
		t.Errorf("version 3: got %v", err)
	}

	if _, err := Pack(ctx, nil, single, PackOptions{}); !errors.Is(err, ErrNilWriter) {
		t.Errorf("nil writer: got %v", err)
	}
}

// TestPackFile_Override verifies existing-file handling.
func TestPackFile_Override(t *testing.T) {
	outPath := filepath.Join(t.TempDir(), "out.pak")
	inputs := map[string][]byte{"natives/a.user.2": []byte("x")}

	if _, err := PackFile(context.Background(), outPath, memInputs(inputs), PackOptions{}); err != nil {
		t.Fatalf("first pack: %v", err)
	}

	if _, err := PackFile(context.Background(), outPath, memInputs(inputs), PackOptions{}); err == nil {
		t.Error("existing file without Override should fail")
	}

	if _, err := PackFile(context.Background(), outPath, memInputs(inputs), PackOptions{Override: true}); err != nil {
		t.Errorf("Override repack: %v", err)
	}
}

// TestScanDir_Anchor verifies canonicalization and missing-anchor warnings.
func TestScanDir_Anchor(t *testing.T) {
	src := t.TempDir()
	mustWriteFile(t, filepath.Join(src, "junk", "natives", "stm", "a.user.2"), []byte("anchored"))
	mustWriteFile(t, filepath.Join(src, "loose.txt"), []byte("unanchored"))

	inputs, warnings, err := ScanDir(src, "natives")
	if err != nil {
		t.Fatal(err)
	}
	if len(inputs) != 2 {
		t.Fatalf("inputs: %d", len(inputs))
	}
	if len(warnings) != 1 || !strings.Contains(warnings[0], "loose.txt") {
		t.Errorf("warnings: %v", warnings)
	}

	paths := make(map[string]bool, len(inputs))
	for _, in := range inputs {
		paths[in.Path] = true
	}
	if !paths["natives/stm/a.user.2"] {
		t.Errorf("anchored path missing: %v", paths)
	}
	if !paths["loose.txt"] {
		t.Errorf("unanchored path should stay as scanned: %v", paths)
	}
}

// TestPackDir_RoundTrip packs a tree and re-reads it.
func TestPackDir_RoundTrip(t *testing.T) {
	src := t.TempDir()
	want := []byte(strings.Repeat("tree payload\n", 100))
	mustWriteFile(t, filepath.Join(src, "mod", "natives", "stm", "a.user.2"), want)

	outPath := filepath.Join(t.TempDir(), "dir.pak")
	res, err := PackDir(context.Background(), outPath, src, "natives", PackOptions{})
	if err != nil {
		t.Fatal(err)
	}
	if res.WrittenEntries != 1 {
		t.Errorf("WrittenEntries: %d", res.WrittenEntries)
	}

	r, err := Open(outPath)
	if err != nil {
		t.Fatal(err)
	}
	defer func() { _ = r.Close() }()

	entry, err := r.EntryByPath("natives/stm/a.user.2")
	if err != nil {
		t.Fatal(err)
	}
	got, err := r.ReadEntry(entry)
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(got, want) {
		t.Error("payload mismatch after PackDir")
	}
}

// mustWriteFile writes a file creating parent directories.
func mustWriteFile(t *testing.T, path string, data []byte) {
	t.Helper()

	if err := os.MkdirAll(filepath.Dir(path), 0o750); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(path, data, 0o600); err != nil {
		t.Fatal(err)
	}
}

// closeTrackReader reports when its Close is reached.
type closeTrackReader struct {
	io.Reader
	onClose func()
}

func (r *closeTrackReader) Close() error {
	r.onClose()
	return nil
}

// TestPack_AbortClosesQueuedStreams verifies that a source stream parked in a
// not-yet-consumed encode result is closed when an earlier entry aborts the
// run. The failing input waits for the oversized one to open so the encoder
// is guaranteed to be in flight when the writer bails out.
func TestPack_AbortClosesQueuedStreams(t *testing.T) {
	opened := make(chan struct{})

	var mu sync.Mutex
	closed := false

	big := bytes.Repeat([]byte{0xAB}, 256)
	inputs := []Input{
		{
			Path: "natives/stm/aaa/first.user.2",
			Open: func() (io.ReadCloser, error) {
				<-opened
				return nil, errors.New("backing store gone")
			},
		},
		{
			// No size hint: stays a compression candidate and the encoder
			// discovers the overflow only after opening the stream.
			Path: "natives/stm/zzz/last.user.2",
			Open: func() (io.ReadCloser, error) {
				close(opened)
				rc := &closeTrackReader{
					Reader: bytes.NewReader(big),
					onClose: func() {
						mu.Lock()
						closed = true
						mu.Unlock()
					},
				}

				return rc, nil
			},
		},
	}

	out, err := os.Create(filepath.Join(t.TempDir(), "abort.pak"))
	if err != nil {
		t.Fatal(err)
	}
	defer func() { _ = out.Close() }()

	_, err = Pack(context.Background(), out, inputs, PackOptions{
		MaxWorkers:      2,
		MinCompressSize: 1,
		MaxCompressSize: 16,
	})
	if err == nil {
		t.Fatal("expected pack failure")
	}

	mu.Lock()
	defer mu.Unlock()
	if !closed {
		t.Error("queued oversized stream was not closed on abort")
	}
}
