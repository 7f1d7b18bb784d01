// SPDX-License-Identifier: MIT
// Copyright (c) 2026 WoozyMasta
// Source: github.com/woozymasta/kpka

package kpka

import (
	"bytes"
	"encoding/binary"
	"errors"
	"os"
	"path/filepath"
	"testing"
)

// manualEntry describes one entry for hand-built test containers.
type manualEntry struct {
	path     string
	stored   []byte
	usize    uint64
	attrs    int64
	checksum uint64
}

// buildManualContainer assembles container bytes without the production
// writer so parser tests do not depend on Pack.
func buildManualContainer(t *testing.T, major uint8, feature uint16, encKey []byte, entries []manualEntry) []byte {
	t.Helper()

	header := Header{MajorVersion: major, Feature: feature, TotalFiles: uint32(len(entries))}
	entrySize := header.entrySize()
	dataStart := uint64(headerSize) + uint64(header.tableSize())
	if feature == featureEncryptedTable {
		dataStart += keyBlobSize
	}

	table := make([]byte, header.tableSize())
	offset := dataStart
	for i, e := range entries {
		record := table[int64(i)*entrySize : (int64(i)+1)*entrySize]
		lower, upper := HashLower(e.path), HashUpper(e.path)
		if major == 2 {
			binary.LittleEndian.PutUint64(record[0:8], offset)
			binary.LittleEndian.PutUint64(record[8:16], e.usize)
			binary.LittleEndian.PutUint32(record[16:20], lower)
			binary.LittleEndian.PutUint32(record[20:24], upper)
		} else {
			binary.LittleEndian.PutUint32(record[0:4], lower)
			binary.LittleEndian.PutUint32(record[4:8], upper)
			binary.LittleEndian.PutUint64(record[8:16], offset)
			binary.LittleEndian.PutUint64(record[16:24], uint64(len(e.stored)))
			binary.LittleEndian.PutUint64(record[24:32], e.usize)
			binary.LittleEndian.PutUint64(record[32:40], uint64(e.attrs))
			binary.LittleEndian.PutUint64(record[40:48], e.checksum)
		}
		offset += uint64(len(e.stored))
	}

	if feature == featureEncryptedTable {
		// The keystream XOR is an involution, so encrypting reuses the
		// decrypt path with the same embedded key blob.
		decryptEntryTable(table, encKey)
	}

	var buf bytes.Buffer
	raw := make([]byte, headerSize)
	copy(raw[0:4], pakMagic[:])
	raw[4] = major
	binary.LittleEndian.PutUint16(raw[6:8], feature)
	binary.LittleEndian.PutUint32(raw[8:12], header.TotalFiles)
	buf.Write(raw)
	buf.Write(table)
	if feature == featureEncryptedTable {
		buf.Write(encKey)
	}
	for _, e := range entries {
		buf.Write(e.stored)
	}

	return buf.Bytes()
}

func openManual(t *testing.T, data []byte) *Reader {
	t.Helper()

	r, err := NewReaderFromReaderAt(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		t.Fatalf("parse container: %v", err)
	}

	return r
}

// TestParse_ManualV4 verifies parsing and payload reads of a hand-built
// major 4 container.
func TestParse_ManualV4(t *testing.T) {
	payload := []byte("hello container")
	data := buildManualContainer(t, 4, 0, nil, []manualEntry{
		{path: "natives/stm/a.user.2", stored: payload, usize: uint64(len(payload))},
	})

	r := openManual(t, data)
	header := r.Header()
	if header.MajorVersion != 4 || header.TotalFiles != 1 {
		t.Errorf("header: %+v", header)
	}

	entries := r.Entries()
	if len(entries) != 1 {
		t.Fatalf("entries: %d", len(entries))
	}
	e := entries[0]
	if e.Method() != MethodStore || e.Encryption() != EncryptionNone {
		t.Errorf("attributes decode: method=%v encryption=%v", e.Method(), e.Encryption())
	}
	if e.Hash() != HashMixed("natives/stm/a.user.2") {
		t.Errorf("hash: %016X", e.Hash())
	}

	got, err := r.ReadEntry(e)
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(got, payload) {
		t.Errorf("payload: %q", got)
	}

	byPath, err := r.EntryByPath("NATIVES/STM/A.USER.2")
	if err != nil {
		t.Fatalf("EntryByPath: %v", err)
	}
	if byPath.Offset != e.Offset {
		t.Errorf("EntryByPath offset: %d", byPath.Offset)
	}
}

// TestParse_ManualV2 verifies the 24-byte descriptor layout.
func TestParse_ManualV2(t *testing.T) {
	payload := []byte("legacy payload")
	data := buildManualContainer(t, 2, 0, nil, []manualEntry{
		{path: "natives/x64/a.tex.10", stored: payload, usize: uint64(len(payload))},
	})

	r := openManual(t, data)
	entries := r.Entries()
	if len(entries) != 1 {
		t.Fatalf("entries: %d", len(entries))
	}
	e := entries[0]
	if e.CompressedSize != e.UncompressedSize {
		t.Errorf("v2 sizes must match: %d != %d", e.CompressedSize, e.UncompressedSize)
	}
	if e.Attributes != 0 || e.Method() != MethodStore {
		t.Errorf("v2 attributes: %d", e.Attributes)
	}

	got, err := r.ReadEntry(e)
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(got, payload) {
		t.Errorf("payload: %q", got)
	}
}

// TestParse_EncryptedTable verifies the embedded key blob path.
func TestParse_EncryptedTable(t *testing.T) {
	encKey := make([]byte, keyBlobSize)
	for i := range encKey {
		encKey[i] = byte(i*7 + 3)
	}

	payload := []byte("secret table, plain payload")
	data := buildManualContainer(t, 4, featureEncryptedTable, encKey, []manualEntry{
		{path: "natives/stm/a.user.2", stored: payload, usize: uint64(len(payload))},
	})

	r := openManual(t, data)
	if r.Header().Feature != featureEncryptedTable {
		t.Errorf("feature: %d", r.Header().Feature)
	}

	e, err := r.EntryByPath("natives/stm/a.user.2")
	if err != nil {
		t.Fatalf("EntryByPath after table decrypt: %v", err)
	}

	got, err := r.ReadEntry(e)
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(got, payload) {
		t.Errorf("payload: %q", got)
	}
}

// TestParse_BadMagic rejects containers without the magic.
func TestParse_BadMagic(t *testing.T) {
	data := buildManualContainer(t, 4, 0, nil, []manualEntry{
		{path: "a", stored: []byte("x"), usize: 1},
	})
	copy(data[0:4], "JUNK")

	if _, err := NewReaderFromReaderAt(bytes.NewReader(data), int64(len(data))); !errors.Is(err, ErrBadMagic) {
		t.Errorf("got %v, want ErrBadMagic", err)
	}
}

// TestParse_UnsupportedVersionAndFeature covers header validation.
func TestParse_UnsupportedVersionAndFeature(t *testing.T) {
	data := buildManualContainer(t, 4, 0, nil, []manualEntry{
		{path: "a", stored: []byte("x"), usize: 1},
	})

	bad := append([]byte(nil), data...)
	bad[4] = 3
	if _, err := NewReaderFromReaderAt(bytes.NewReader(bad), int64(len(bad))); !errors.Is(err, ErrUnsupportedVersion) {
		t.Errorf("major 3: got %v, want ErrUnsupportedVersion", err)
	}

	bad = append([]byte(nil), data...)
	bad[5] = 2
	if _, err := NewReaderFromReaderAt(bytes.NewReader(bad), int64(len(bad))); !errors.Is(err, ErrUnsupportedVersion) {
		t.Errorf("minor 2: got %v, want ErrUnsupportedVersion", err)
	}

	bad = append([]byte(nil), data...)
	binary.LittleEndian.PutUint16(bad[6:8], 1)
	if _, err := NewReaderFromReaderAt(bytes.NewReader(bad), int64(len(bad))); !errors.Is(err, ErrUnsupportedFeature) {
		t.Errorf("feature 1: got %v, want ErrUnsupportedFeature", err)
	}
}

// TestParse_Truncated covers short header, short table, and payload bounds.
func TestParse_Truncated(t *testing.T) {
	data := buildManualContainer(t, 4, 0, nil, []manualEntry{
		{path: "a", stored: []byte("payload"), usize: 7},
	})

	short := data[:8]
	if _, err := NewReaderFromReaderAt(bytes.NewReader(short), int64(len(short))); !errors.Is(err, ErrTruncated) {
		t.Errorf("short header: got %v, want ErrTruncated", err)
	}

	cutTable := data[:headerSize+10]
	if _, err := NewReaderFromReaderAt(bytes.NewReader(cutTable), int64(len(cutTable))); !errors.Is(err, ErrTruncated) {
		t.Errorf("short table: got %v, want ErrTruncated", err)
	}

	cutPayload := data[:len(data)-3]
	if _, err := NewReaderFromReaderAt(bytes.NewReader(cutPayload), int64(len(cutPayload))); !errors.Is(err, ErrTruncated) {
		t.Errorf("short payload: got %v, want ErrTruncated", err)
	}
}

// TestReader_EntryByHashNotFound returns the sentinel for unknown hashes.
func TestReader_EntryByHashNotFound(t *testing.T) {
	data := buildManualContainer(t, 4, 0, nil, []manualEntry{
		{path: "a", stored: []byte("x"), usize: 1},
	})

	r := openManual(t, data)
	if _, err := r.EntryByHash(0x1234); !errors.Is(err, ErrEntryNotFound) {
		t.Errorf("got %v, want ErrEntryNotFound", err)
	}
}

// TestReader_ClosedRejectsReads verifies post-Close behavior.
func TestReader_ClosedRejectsReads(t *testing.T) {
	data := buildManualContainer(t, 4, 0, nil, []manualEntry{
		{path: "a", stored: []byte("x"), usize: 1},
	})

	r := openManual(t, data)
	entry := r.Entries()[0]
	if err := r.Close(); err != nil {
		t.Fatal(err)
	}
	if err := r.Close(); err != nil {
		t.Errorf("double close: %v", err)
	}

	if _, err := r.OpenEntry(entry); !errors.Is(err, ErrClosed) {
		t.Errorf("got %v, want ErrClosed", err)
	}
}

// TestOpen_File verifies the file-backed constructor.
func TestOpen_File(t *testing.T) {
	data := buildManualContainer(t, 4, 0, nil, []manualEntry{
		{path: "natives/stm/a.user.2", stored: []byte("file-backed"), usize: 11},
	})

	path := filepath.Join(t.TempDir(), "manual.pak")
	if err := os.WriteFile(path, data, 0o600); err != nil {
		t.Fatal(err)
	}

	r, err := Open(path)
	if err != nil {
		t.Fatal(err)
	}
	defer func() { _ = r.Close() }()

	got, err := r.ReadEntry(r.Entries()[0])
	if err != nil {
		t.Fatal(err)
	}
	if string(got) != "file-backed" {
		t.Errorf("payload: %q", got)
	}

	if _, err := Open(filepath.Join(t.TempDir(), "missing.pak")); err == nil {
		t.Error("missing file should fail")
	}
}

// TestParse_DropInvalidEntries verifies lenient parsing of containers whose
// payload section was cut short.
func TestParse_DropInvalidEntries(t *testing.T) {
	good := []byte("survives truncation")
	bad := []byte("this payload gets cut")
	data := buildManualContainer(t, 4, 0, nil, []manualEntry{
		{path: "natives/stm/good.user.2", stored: good, usize: uint64(len(good))},
		{path: "natives/stm/bad.user.2", stored: bad, usize: uint64(len(bad))},
	})
	data = data[:len(data)-5]

	if _, err := NewReaderFromReaderAt(bytes.NewReader(data), int64(len(data))); !errors.Is(err, ErrTruncated) {
		t.Fatalf("strict parse: %v", err)
	}

	r, err := NewReaderFromReaderAtWithOptions(bytes.NewReader(data), int64(len(data)), ReaderOptions{
		DropInvalidEntries: true,
	})
	if err != nil {
		t.Fatalf("lenient parse: %v", err)
	}

	entries := r.Entries()
	if len(entries) != 1 {
		t.Fatalf("entries: %d", len(entries))
	}
	if entries[0].Hash() != HashMixed("natives/stm/good.user.2") {
		t.Errorf("kept entry: %016X", entries[0].Hash())
	}

	got, err := r.ReadEntry(entries[0])
	if err != nil {
		t.Fatal(err)
	}
	if string(got) != string(good) {
		t.Errorf("payload: %q", got)
	}
}
