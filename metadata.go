// SPDX-License-Identifier: MIT
// Copyright (c) 2026 WoozyMasta
// Source: github.com/woozymasta/kpka

package kpka

// ReadHeader opens path just long enough to parse the container header.
func ReadHeader(path string) (Header, error) {
	r, err := Open(path)
	if err != nil {
		return Header{}, err
	}
	defer func() { _ = r.Close() }()

	return r.Header(), nil
}

// ListEntries opens path and returns its parsed entry table.
func ListEntries(path string) ([]EntryInfo, error) {
	r, err := Open(path)
	if err != nil {
		return nil, err
	}
	defer func() { _ = r.Close() }()

	return r.Entries(), nil
}
