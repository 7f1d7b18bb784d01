// SPDX-License-Identifier: MIT
// Copyright (c) 2026 WoozyMasta
// Source: github.com/woozymasta/kpka

package kpka

import (
	"encoding/json"
	"fmt"
	"io"
)

// Report is a human-readable summary of one container, suitable for JSON
// output. Hashes are rendered as hex strings so 64-bit values survive
// consumers that parse numbers as floats.
type Report struct {
	MajorVersion uint8         `json:"major_version" yaml:"major_version"`
	MinorVersion uint8         `json:"minor_version" yaml:"minor_version"`
	Feature      uint16        `json:"feature" yaml:"feature"`
	HeaderHash   uint32        `json:"header_hash" yaml:"header_hash"`
	TotalFiles   uint32        `json:"total_files" yaml:"total_files"`
	Known        int           `json:"known" yaml:"known"`
	Unknown      int           `json:"unknown" yaml:"unknown"`
	Ambiguous    int           `json:"ambiguous" yaml:"ambiguous"`
	Entries      []ReportEntry `json:"entries" yaml:"entries"`
}

// ReportEntry is one descriptor row paired with its resolved path.
type ReportEntry struct {
	Path             string   `json:"path" yaml:"path"`
	Hash             string   `json:"hash" yaml:"hash"`
	Method           string   `json:"method" yaml:"method"`
	Candidates       []string `json:"candidates,omitempty" yaml:"candidates,omitempty"`
	Offset           uint64   `json:"offset" yaml:"offset"`
	CompressedSize   uint64   `json:"compressed_size" yaml:"compressed_size"`
	UncompressedSize uint64   `json:"uncompressed_size" yaml:"uncompressed_size"`
	Attributes       int64    `json:"attributes" yaml:"attributes"`
	Checksum         string   `json:"checksum" yaml:"checksum"`
	Encryption       uint8    `json:"encryption,omitempty" yaml:"encryption,omitempty"`
	Known            bool     `json:"known" yaml:"known"`
}

// BuildReport resolves every entry against names and assembles the summary.
// A nil name table leaves every entry unknown.
func BuildReport(header Header, entries []EntryInfo, names *NameTable) *Report {
	report := &Report{
		MajorVersion: header.MajorVersion,
		MinorVersion: header.MinorVersion,
		Feature:      header.Feature,
		HeaderHash:   header.Hash,
		TotalFiles:   header.TotalFiles,
		Entries:      make([]ReportEntry, 0, len(entries)),
	}

	for _, entry := range entries {
		res := names.Resolve(entry)

		row := ReportEntry{
			Path:             res.Path,
			Hash:             fmt.Sprintf("%016X", entry.Hash()),
			Offset:           entry.Offset,
			CompressedSize:   entry.CompressedSize,
			UncompressedSize: entry.UncompressedSize,
			Attributes:       entry.Attributes,
			Checksum:         fmt.Sprintf("%016X", entry.Checksum),
			Method:           entry.Method().String(),
			Encryption:       uint8(entry.Encryption()),
			Known:            res.Known,
			Candidates:       res.Candidates,
		}

		if res.Known {
			report.Known++
		} else {
			report.Unknown++
		}
		if res.Ambiguous {
			report.Ambiguous++
		}

		report.Entries = append(report.Entries, row)
	}

	return report
}

// DumpInfo writes an indented JSON report of the container to w.
func (r *Reader) DumpInfo(w io.Writer, names *NameTable) error {
	if r == nil {
		return ErrNilReader
	}
	if w == nil {
		return ErrNilWriter
	}

	report := BuildReport(r.header, r.entries, names)
	data, err := json.MarshalIndent(report, "", "  ")
	if err != nil {
		return fmt.Errorf("encode report: %w", err)
	}

	if _, err := w.Write(append(data, '\n')); err != nil {
		return fmt.Errorf("write report: %w", err)
	}

	return nil
}
