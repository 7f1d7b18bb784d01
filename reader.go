// SPDX-License-Identifier: MIT
// Copyright (c) 2026 WoozyMasta
// Source: github.com/woozymasta/kpka

package kpka

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"math"
	"os"
	"sync"
)

// Reader provides read-only access to a parsed PAK container.
type Reader struct {
	// ra is the underlying random-access reader used for payload reads.
	ra io.ReaderAt
	// file is set when Reader owns an *os.File opened via Open.
	file *os.File
	// header is the parsed fixed header block.
	header Header
	// entries stores parsed immutable entry metadata in table order.
	entries []EntryInfo
	// byHash maps mixed path hash to entry index for direct lookups.
	byHash map[uint64]int
	// size is total source size in bytes.
	size int64
	// mu guards closed state and close operation.
	mu sync.Mutex
	// closed reports whether Close was already called.
	closed bool
}

// Open opens a PAK file by path and parses its header and entry table.
func Open(path string) (*Reader, error) {
	return OpenWithOptions(path, ReaderOptions{})
}

// OpenWithOptions opens a PAK file by path and parses its header and entry
// table using explicit reader options.
func OpenWithOptions(path string, opts ReaderOptions) (*Reader, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open PAK: %w", err)
	}

	fi, err := f.Stat()
	if err != nil {
		_ = f.Close()
		return nil, fmt.Errorf("stat: %w", err)
	}

	r, err := NewReaderFromReaderAtWithOptions(f, fi.Size(), opts)
	if err != nil {
		_ = f.Close()
		return nil, err
	}

	r.file = f
	return r, nil
}

// NewReaderFromReaderAt parses a PAK container from an existing ReaderAt and
// known size.
func NewReaderFromReaderAt(ra io.ReaderAt, size int64) (*Reader, error) {
	return NewReaderFromReaderAtWithOptions(ra, size, ReaderOptions{})
}

// NewReaderFromReaderAtWithOptions parses a PAK container from an existing
// ReaderAt and known size using explicit reader options.
func NewReaderFromReaderAtWithOptions(ra io.ReaderAt, size int64, opts ReaderOptions) (*Reader, error) {
	if ra == nil {
		return nil, ErrNilReader
	}

	r := &Reader{ra: ra, size: size}
	if err := r.parse(opts); err != nil {
		return nil, err
	}

	return r, nil
}

// Header returns the parsed container header.
func (r *Reader) Header() Header {
	if r == nil {
		return Header{}
	}

	return r.header
}

// Entries returns a copy of parsed entries in descriptor table order.
func (r *Reader) Entries() []EntryInfo {
	if r == nil {
		return nil
	}

	entries := make([]EntryInfo, len(r.entries))
	copy(entries, r.entries)
	return entries
}

// EntryByHash returns the entry whose mixed path hash equals hash.
func (r *Reader) EntryByHash(hash uint64) (EntryInfo, error) {
	if r == nil {
		return EntryInfo{}, ErrNilReader
	}

	idx, ok := r.byHash[hash]
	if !ok {
		return EntryInfo{}, fmt.Errorf("%w: hash %016X", ErrEntryNotFound, hash)
	}

	return r.entries[idx], nil
}

// EntryByPath hashes path and returns the matching entry when present.
func (r *Reader) EntryByPath(path string) (EntryInfo, error) {
	normalized := NormalizePath(path)
	if normalized == "" {
		return EntryInfo{}, fmt.Errorf("%w: %q", ErrInvalidEntryPath, path)
	}

	entry, err := r.EntryByHash(HashMixed(normalized))
	if err != nil {
		return EntryInfo{}, fmt.Errorf("%w: path %q", ErrEntryNotFound, path)
	}

	return entry, nil
}

// Close closes the underlying file if reader owns one.
func (r *Reader) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closed {
		return nil
	}

	r.closed = true
	if r.file != nil {
		return r.file.Close()
	}

	return nil
}

// parse reads and validates the container structure from the ReaderAt.
func (r *Reader) parse(opts ReaderOptions) error {
	header, err := parseHeader(r.ra, r.size)
	if err != nil {
		return err
	}
	r.header = header

	table, err := readEntryTable(r.ra, header, r.size)
	if err != nil {
		return err
	}

	entries, err := decodeEntryTable(table, header)
	if err != nil {
		return err
	}

	if opts.DropInvalidEntries {
		entries = dropInvalidEntries(entries, r.size)
	} else if err := validateEntryBounds(entries, r.size); err != nil {
		return err
	}

	r.entries = entries
	r.byHash = make(map[uint64]int, len(entries))
	for i := range entries {
		hash := entries[i].Hash()
		if _, seen := r.byHash[hash]; !seen {
			r.byHash[hash] = i
		}
	}

	return nil
}

// parseHeader reads and validates the fixed header block.
func parseHeader(ra io.ReaderAt, size int64) (Header, error) {
	if size < headerSize {
		return Header{}, fmt.Errorf("%w: file of %d bytes is shorter than header", ErrTruncated, size)
	}

	var raw [headerSize]byte
	if _, err := ra.ReadAt(raw[:], 0); err != nil {
		if errors.Is(err, io.EOF) {
			return Header{}, fmt.Errorf("%w: short header", ErrTruncated)
		}

		return Header{}, fmt.Errorf("read header: %w", err)
	}

	if !bytes.Equal(raw[0:4], pakMagic[:]) {
		return Header{}, fmt.Errorf("%w: got % X", ErrBadMagic, raw[0:4])
	}

	header := Header{
		MajorVersion: raw[4],
		MinorVersion: raw[5],
		Feature:      binary.LittleEndian.Uint16(raw[6:8]),
		TotalFiles:   binary.LittleEndian.Uint32(raw[8:12]),
		Hash:         binary.LittleEndian.Uint32(raw[12:16]),
	}

	if header.MajorVersion != 2 && header.MajorVersion != 4 {
		return Header{}, fmt.Errorf("%w: major %d", ErrUnsupportedVersion, header.MajorVersion)
	}
	if header.MinorVersion != 0 && header.MinorVersion != 1 {
		return Header{}, fmt.Errorf("%w: minor %d", ErrUnsupportedVersion, header.MinorVersion)
	}
	if header.Feature != 0 && header.Feature != featureEncryptedTable {
		return Header{}, fmt.Errorf("%w: feature flags %#04x", ErrUnsupportedFeature, header.Feature)
	}

	return header, nil
}

// readEntryTable reads the raw descriptor table, removing the table
// keystream when the container carries an encrypted table.
func readEntryTable(ra io.ReaderAt, header Header, size int64) ([]byte, error) {
	tableSize := header.tableSize()
	need := int64(headerSize) + tableSize
	if header.Feature == featureEncryptedTable {
		need += keyBlobSize
	}
	if need > size {
		return nil, fmt.Errorf("%w: descriptor table for %d entries does not fit in %d bytes",
			ErrTruncated, header.TotalFiles, size)
	}

	table := make([]byte, tableSize)
	sr := io.NewSectionReader(ra, headerSize, size-headerSize)
	if _, err := io.ReadFull(sr, table); err != nil {
		if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
			return nil, fmt.Errorf("%w: short descriptor table", ErrTruncated)
		}

		return nil, fmt.Errorf("read descriptor table: %w", err)
	}

	if header.Feature == featureEncryptedTable {
		var encKey [keyBlobSize]byte
		if _, err := io.ReadFull(sr, encKey[:]); err != nil {
			if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
				return nil, fmt.Errorf("%w: short table key blob", ErrTruncated)
			}

			return nil, fmt.Errorf("read table key blob: %w", err)
		}

		decryptEntryTable(table, encKey[:])
	}

	return table, nil
}

// decodeEntryTable parses descriptor records from the decrypted table bytes.
func decodeEntryTable(table []byte, header Header) ([]EntryInfo, error) {
	entries := make([]EntryInfo, 0, header.TotalFiles)
	entrySize := header.entrySize()

	for i := uint32(0); i < header.TotalFiles; i++ {
		record := table[int64(i)*entrySize : (int64(i)+1)*entrySize]

		var entry EntryInfo
		if header.MajorVersion == 2 {
			entry = EntryInfo{
				Offset:           binary.LittleEndian.Uint64(record[0:8]),
				UncompressedSize: binary.LittleEndian.Uint64(record[8:16]),
				HashLower:        binary.LittleEndian.Uint32(record[16:20]),
				HashUpper:        binary.LittleEndian.Uint32(record[20:24]),
			}
			entry.CompressedSize = entry.UncompressedSize
		} else {
			entry = EntryInfo{
				HashLower:        binary.LittleEndian.Uint32(record[0:4]),
				HashUpper:        binary.LittleEndian.Uint32(record[4:8]),
				Offset:           binary.LittleEndian.Uint64(record[8:16]),
				CompressedSize:   binary.LittleEndian.Uint64(record[16:24]),
				UncompressedSize: binary.LittleEndian.Uint64(record[24:32]),
				Attributes:       int64(binary.LittleEndian.Uint64(record[32:40])),
				Checksum:         binary.LittleEndian.Uint64(record[40:48]),
			}
		}

		entries = append(entries, entry)
	}

	return entries, nil
}

// validateEntryBounds rejects descriptors whose payload extends past the end
// of the source.
func validateEntryBounds(entries []EntryInfo, totalSize int64) error {
	for i := range entries {
		e := &entries[i]
		if e.Offset > math.MaxInt64 || e.CompressedSize > math.MaxInt64 {
			return fmt.Errorf("%w: entry %016X offset %d size %d", ErrSizeOverflow, e.Hash(), e.Offset, e.CompressedSize)
		}

		end := e.Offset + e.CompressedSize
		if end < e.Offset || end > uint64(totalSize) {
			return fmt.Errorf("%w: entry %016X payload [%d..%d) exceeds source of %d bytes",
				ErrTruncated, e.Hash(), e.Offset, end, totalSize)
		}
	}

	return nil
}

// dropInvalidEntries removes descriptors whose payload does not fit in the
// source, keeping the rest available for inspection.
func dropInvalidEntries(entries []EntryInfo, totalSize int64) []EntryInfo {
	kept := entries[:0]
	for i := range entries {
		e := &entries[i]
		if e.Offset > math.MaxInt64 || e.CompressedSize > math.MaxInt64 {
			continue
		}

		end := e.Offset + e.CompressedSize
		if end < e.Offset || end > uint64(totalSize) {
			continue
		}

		kept = append(kept, *e)
	}

	return kept
}
