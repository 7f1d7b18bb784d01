// SPDX-License-Identifier: MIT
// Copyright (c) 2026 WoozyMasta
// Source: github.com/woozymasta/kpka

package kpka

import (
	"fmt"
	"io"
)

// OpenEntry opens a decoded payload stream for one entry. The stream yields
// exactly entry.UncompressedSize bytes; callers must Close it to release
// codec resources.
func (r *Reader) OpenEntry(entry EntryInfo) (io.ReadCloser, error) {
	if r == nil || r.ra == nil {
		return nil, ErrNilReader
	}

	r.mu.Lock()
	closed := r.closed
	r.mu.Unlock()
	if closed {
		return nil, ErrClosed
	}

	sr := io.NewSectionReader(r.ra, int64(entry.Offset), int64(entry.CompressedSize)) //nolint:gosec // bounds validated at parse time

	return newDecodeReader(entry, sr)
}

// OpenEntryRaw opens the stored payload bytes without decoding.
func (r *Reader) OpenEntryRaw(entry EntryInfo) (io.Reader, error) {
	if r == nil || r.ra == nil {
		return nil, ErrNilReader
	}

	r.mu.Lock()
	closed := r.closed
	r.mu.Unlock()
	if closed {
		return nil, ErrClosed
	}

	return io.NewSectionReader(r.ra, int64(entry.Offset), int64(entry.CompressedSize)), nil //nolint:gosec // bounds validated at parse time
}

// ReadEntry decodes one entry payload fully into memory.
func (r *Reader) ReadEntry(entry EntryInfo) ([]byte, error) {
	rc, err := r.OpenEntry(entry)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rc.Close() }()

	data := make([]byte, entry.UncompressedSize)
	if _, err := io.ReadFull(rc, data); err != nil {
		return nil, fmt.Errorf("read entry %016X: %w", entry.Hash(), err)
	}

	return data, nil
}
