// SPDX-License-Identifier: MIT
// Copyright (c) 2026 WoozyMasta
// Source: github.com/woozymasta/kpka

package kpka

import (
	"fmt"
	"io"
	"time"

	"github.com/woozymasta/pathrules"
)

// Internal binary layout and format limits.
const (
	headerSize  = 16  // fixed KPKA header size in bytes
	entrySizeV1 = 24  // descriptor size for major version 2
	entrySizeV2 = 48  // descriptor size for major version 4
	keyBlobSize = 128 // encrypted entry-table key blob size

	// featureEncryptedTable marks containers whose entry table is encrypted
	// with an embedded key blob.
	featureEncryptedTable = 8
)

// Default pack tuning values.
const (
	DefaultWriteBuffer     = 16 * 1024 * 1024
	DefaultMinCompressSize = 512
	DefaultMaxCompressSize = 64 * 1024 * 1024
)

// pakMagic identifies a KPKA container.
var pakMagic = [4]byte{'K', 'P', 'K', 'A'}

// CompressionMethod is the per-entry payload transform tag stored in the
// low bits of the descriptor attributes field.
type CompressionMethod uint8

// Per-entry compression methods. The set is closed: unrecognized values
// fail with ErrUnsupportedMethod rather than being guessed at.
const (
	MethodStore   CompressionMethod = 0
	MethodDeflate CompressionMethod = 1
	MethodZstd    CompressionMethod = 2
)

// String returns the method name used in reports.
func (m CompressionMethod) String() string {
	switch m {
	case MethodStore:
		return "store"
	case MethodDeflate:
		return "deflate"
	case MethodZstd:
		return "zstd"
	default:
		return fmt.Sprintf("unknown(%d)", uint8(m))
	}
}

// EncryptionType is the per-entry cipher selector stored in attribute bits
// 16..19. Non-zero values are surfaced as unsupported: the codec never
// attempts undocumented payload decryption.
type EncryptionType uint8

// EncryptionNone marks an entry without an additional payload cipher.
const EncryptionNone EncryptionType = 0

// Header is the fixed 16-byte KPKA container header.
type Header struct {
	// MajorVersion selects the descriptor layout (2 or 4).
	MajorVersion uint8 `json:"major_version" yaml:"major_version"`
	// MinorVersion is the format revision within a major version (0 or 1).
	MinorVersion uint8 `json:"minor_version" yaml:"minor_version"`
	// Feature holds container feature bits; only 0 and 8 are recognized.
	Feature uint16 `json:"feature" yaml:"feature"`
	// TotalFiles is the declared entry count.
	TotalFiles uint32 `json:"total_files" yaml:"total_files"`
	// Hash is an opaque header field preserved verbatim for reporting.
	Hash uint32 `json:"hash" yaml:"hash"`
}

// entrySize returns the descriptor size for this header's major version.
func (h *Header) entrySize() int64 {
	if h.MajorVersion == 2 {
		return entrySizeV1
	}

	return entrySizeV2
}

// tableSize returns the declared entry table size in bytes.
func (h *Header) tableSize() int64 {
	return h.entrySize() * int64(h.TotalFiles)
}

// EntryInfo describes a single parsed container entry. Payloads are
// addressed by a hash of their original path; the path itself is not stored.
type EntryInfo struct {
	// HashLower is the murmur3 hash of the lowercased UTF-16LE path.
	HashLower uint32 `json:"hash_lower" yaml:"hash_lower"`
	// HashUpper is the murmur3 hash of the uppercased UTF-16LE path.
	HashUpper uint32 `json:"hash_upper" yaml:"hash_upper"`
	// Offset is the absolute payload offset in the container.
	Offset uint64 `json:"offset" yaml:"offset"`
	// CompressedSize is the stored payload size in bytes.
	CompressedSize uint64 `json:"compressed_size" yaml:"compressed_size"`
	// UncompressedSize is the decoded payload size in bytes.
	UncompressedSize uint64 `json:"uncompressed_size" yaml:"uncompressed_size"`
	// Attributes is the raw descriptor bitfield, preserved verbatim.
	// Interpreted views are Method and Encryption.
	Attributes int64 `json:"attributes,omitempty" yaml:"attributes,omitempty"`
	// Checksum is the raw descriptor checksum field, preserved verbatim.
	Checksum uint64 `json:"checksum,omitempty" yaml:"checksum,omitempty"`
}

// Hash returns the mixed 64-bit path hash (upper<<32 | lower).
func (e *EntryInfo) Hash() uint64 {
	return MixHash(e.HashLower, e.HashUpper)
}

// Method returns the compression method tag from the attributes field.
func (e *EntryInfo) Method() CompressionMethod {
	return CompressionMethod(e.Attributes & 0xF)
}

// Encryption returns the payload cipher selector from the attributes field.
func (e *EntryInfo) Encryption() EncryptionType {
	return EncryptionType((e.Attributes >> 16) & 0xF)
}

// Resolution pairs an entry with either its resolved path or a generated
// placeholder when the hash matches no file-list candidate.
type Resolution struct {
	// Path is the resolved path, or the deterministic placeholder for
	// unknown entries.
	Path string `json:"path" yaml:"path"`
	// Candidates holds all file-list paths sharing the entry hash when the
	// lookup was ambiguous.
	Candidates []string `json:"candidates,omitempty" yaml:"candidates,omitempty"`
	// Entry is the resolved descriptor.
	Entry EntryInfo `json:"entry" yaml:"entry"`
	// Known reports whether the hash matched at least one candidate.
	Known bool `json:"known" yaml:"known"`
	// Ambiguous reports whether more than one candidate matched.
	Ambiguous bool `json:"ambiguous,omitempty" yaml:"ambiguous,omitempty"`
}

// Input describes one source stream to be packed into a container entry.
type Input struct {
	// ModTime is kept for callers that track source freshness; the container
	// format itself stores no timestamps.
	ModTime time.Time `json:"mod_time,omitzero" yaml:"mod_time,omitempty"`
	// Open returns the raw source stream for this entry.
	Open func() (io.ReadCloser, error) `json:"-" yaml:"-"`
	// Path is the canonical archive path; it is hashed, not stored.
	Path string `json:"path" yaml:"path"`
	// SizeHint is the expected size in bytes (zero when unknown).
	SizeHint int64 `json:"size_hint,omitempty" yaml:"size_hint,omitempty"`
}

// PackEntryProgress contains one completed entry write event from pack flow.
type PackEntryProgress struct {
	// Path is the canonical archive path of the written entry.
	Path string `json:"path" yaml:"path"`
	// Hash is the mixed path hash written to the descriptor.
	Hash uint64 `json:"hash" yaml:"hash"`
	// Offset is the payload offset in the resulting container.
	Offset uint64 `json:"offset" yaml:"offset"`
	// CompressedSize is the stored payload size in bytes.
	CompressedSize uint64 `json:"compressed_size" yaml:"compressed_size"`
	// UncompressedSize is the original payload size in bytes.
	UncompressedSize uint64 `json:"uncompressed_size" yaml:"uncompressed_size"`
	// Method is the compression method actually written.
	Method CompressionMethod `json:"method" yaml:"method"`
	// CompressionCandidate reports whether the entry entered the
	// compression path at all.
	CompressionCandidate bool `json:"compression_candidate,omitempty" yaml:"compression_candidate,omitempty"`
}

// PackOptions configures pack behavior.
type PackOptions struct {
	// OnEntryDone is called after one entry payload is fully written.
	OnEntryDone func(entry PackEntryProgress) `json:"-" yaml:"-"`
	// Compress defines ordered path rules for compression candidate selection.
	// An empty rule set makes every size-eligible entry a candidate.
	Compress []pathrules.Rule `json:"compress,omitempty" yaml:"compress,omitempty"`
	// CompressMatcherOptions control compression path rule matching.
	CompressMatcherOptions pathrules.MatcherOptions `json:"compress_matcher_options,omitzero" yaml:"compress_matcher_options,omitempty"`
	// Method is the codec used for compression candidates (deflate or zstd).
	// Default is zstd.
	Method CompressionMethod `json:"method,omitempty" yaml:"method,omitempty"`
	// Version selects the container major version to write (2 or 4).
	// Default is 4. Version 2 containers store every payload raw.
	Version uint8 `json:"version,omitempty" yaml:"version,omitempty"`
	// Alignment is the payload block alignment in bytes. It is a per-project
	// constant of the target game; default is 1 (packed tight).
	Alignment uint64 `json:"alignment,omitempty" yaml:"alignment,omitempty"`
	// MaxWorkers bounds parallel payload encoding (zero means GOMAXPROCS).
	MaxWorkers int `json:"max_workers,omitempty" yaml:"max_workers,omitempty"`
	// WriterBufferSize is the buffered writer size in bytes.
	WriterBufferSize int `json:"writer_buffer_size,omitempty" yaml:"writer_buffer_size,omitempty"`
	// MinCompressSize disables compression for entries smaller than this size.
	MinCompressSize uint64 `json:"min_compress_size,omitempty" yaml:"min_compress_size,omitempty"`
	// MaxCompressSize disables compression for entries larger than this size
	// and bounds the in-memory compression path.
	MaxCompressSize uint64 `json:"max_compress_size,omitempty" yaml:"max_compress_size,omitempty"`
	// Override controls whether PackFile replaces an existing output file.
	Override bool `json:"override,omitempty" yaml:"override,omitempty"`
}

// PackResult contains pack output statistics.
type PackResult struct {
	// Warnings holds non-fatal pack diagnostics such as missing anchors.
	Warnings []string `json:"warnings,omitempty" yaml:"warnings,omitempty"`
	// WrittenEntries is the number of entries written to the container.
	WrittenEntries int `json:"written_entries" yaml:"written_entries"`
	// DataSize is total payload bytes written, padding included.
	DataSize int64 `json:"data_size" yaml:"data_size"`
	// TableSize is the entry table size in bytes.
	TableSize int64 `json:"table_size" yaml:"table_size"`
	// RawBytes is total bytes written for uncompressed payload entries.
	RawBytes int64 `json:"raw_bytes,omitempty" yaml:"raw_bytes,omitempty"`
	// CompressedBytes is total bytes written for compressed payload entries.
	CompressedBytes int64 `json:"compressed_bytes,omitempty" yaml:"compressed_bytes,omitempty"`
	// CompressedEntries is the number of entries written compressed.
	CompressedEntries int `json:"compressed_entries,omitempty" yaml:"compressed_entries,omitempty"`
	// SkippedCompressionEntries is the number of compression candidates
	// stored raw because compression did not shrink them.
	SkippedCompressionEntries int `json:"skipped_compression_entries,omitempty" yaml:"skipped_compression_entries,omitempty"`
	// Duration is end-to-end pack core duration.
	Duration time.Duration `json:"duration,omitempty" yaml:"duration,omitempty"`
}

// ReaderOptions configures reader parse compatibility behavior.
type ReaderOptions struct {
	// DropInvalidEntries removes descriptors whose payload extends past the
	// end of the source instead of failing the parse. Useful for inspecting
	// truncated dumps; extraction of a dropped entry is impossible anyway.
	DropInvalidEntries bool `json:"drop_invalid_entries,omitempty" yaml:"drop_invalid_entries,omitempty"`
}

// ExtractOptions configures Extract behavior.
type ExtractOptions struct {
	// OnEntryDone is called after one entry reaches a terminal outcome.
	OnEntryDone func(res EntryResult) `json:"-" yaml:"-"`
	// Names is the file-list index used to resolve entry hashes to paths.
	// A nil table leaves every entry unknown.
	Names *NameTable `json:"-" yaml:"-"`
	// Filter holds ordered path rules applied to resolved paths before any
	// decode work begins. An empty rule set selects every entry.
	Filter []pathrules.Rule `json:"filter,omitempty" yaml:"filter,omitempty"`
	// FilterMatcherOptions control filter rule matching.
	FilterMatcherOptions pathrules.MatcherOptions `json:"filter_matcher_options,omitzero" yaml:"filter_matcher_options,omitempty"`
	// MaxWorkers is the number of extraction workers (zero means GOMAXPROCS).
	MaxWorkers int `json:"max_workers,omitempty" yaml:"max_workers,omitempty"`
	// SkipUnknown omits entries whose hash resolves to no candidate.
	SkipUnknown bool `json:"skip_unknown,omitempty" yaml:"skip_unknown,omitempty"`
	// IgnoreError records per-entry failures and continues instead of
	// aborting the run on the first failure.
	IgnoreError bool `json:"ignore_error,omitempty" yaml:"ignore_error,omitempty"`
	// Override replaces existing output files; when false an existing file
	// skips the entry with a recorded notice.
	Override bool `json:"override,omitempty" yaml:"override,omitempty"`
}

// EntryOutcome is the terminal state of one entry during extraction.
type EntryOutcome string

// Entry outcomes reported by Extract.
const (
	OutcomeExtracted   EntryOutcome = "extracted"
	OutcomeSkipped     EntryOutcome = "skipped"
	OutcomeExists      EntryOutcome = "exists"
	OutcomeFailed      EntryOutcome = "failed"
	OutcomeUnsupported EntryOutcome = "unsupported"
)

// EntryResult describes one entry's terminal outcome with enough identifying
// information to locate the entry without re-running.
type EntryResult struct {
	// Path is the resolved or placeholder output path.
	Path string `json:"path" yaml:"path"`
	// Error holds the failure message for failed or unsupported entries.
	Error string `json:"error,omitempty" yaml:"error,omitempty"`
	// Outcome is the terminal state.
	Outcome EntryOutcome `json:"outcome" yaml:"outcome"`
	// Hash is the mixed path hash of the entry.
	Hash uint64 `json:"hash" yaml:"hash"`
	// Offset is the entry payload offset.
	Offset uint64 `json:"offset" yaml:"offset"`
	// Written is the number of decoded bytes written to disk.
	Written int64 `json:"written,omitempty" yaml:"written,omitempty"`
	// Known reports whether the path was resolved from the file list.
	Known bool `json:"known" yaml:"known"`
}

// ExtractReport aggregates per-entry outcomes of one extraction run.
type ExtractReport struct {
	// Results holds every terminal per-entry outcome in completion order.
	Results []EntryResult `json:"results,omitempty" yaml:"results,omitempty"`
	// Ambiguities records hash collisions resolved by file-list order.
	Ambiguities []Resolution `json:"ambiguities,omitempty" yaml:"ambiguities,omitempty"`
	// Extracted is the number of entries written to disk.
	Extracted int `json:"extracted" yaml:"extracted"`
	// Skipped counts filtered, unknown-skipped, and existing-file entries.
	Skipped int `json:"skipped" yaml:"skipped"`
	// Failed is the number of entries with read/decode/write failures.
	Failed int `json:"failed" yaml:"failed"`
}

// applyDefaults fills zero-valued pack options with defaults.
func (opts *PackOptions) applyDefaults() {
	if opts.Method == MethodStore {
		opts.Method = MethodZstd
	}

	if opts.Version == 0 {
		opts.Version = 4
	}

	if opts.Alignment == 0 {
		opts.Alignment = 1
	}

	if opts.WriterBufferSize < 4096 {
		opts.WriterBufferSize = DefaultWriteBuffer
	}

	if opts.MinCompressSize == 0 {
		opts.MinCompressSize = DefaultMinCompressSize
	}

	if opts.MaxCompressSize == 0 || opts.MaxCompressSize <= opts.MinCompressSize {
		opts.MaxCompressSize = DefaultMaxCompressSize
	}

	if opts.CompressMatcherOptions == (pathrules.MatcherOptions{}) {
		opts.CompressMatcherOptions = pathrules.MatcherOptions{
			CaseInsensitive: true,
			DefaultAction:   pathrules.ActionExclude,
		}
	}

	if opts.CompressMatcherOptions.DefaultAction == pathrules.ActionUnknown {
		opts.CompressMatcherOptions.DefaultAction = pathrules.ActionExclude
	}
}

// applyDefaults fills zero-valued extract options with defaults.
func (opts *ExtractOptions) applyDefaults() {
	if opts.FilterMatcherOptions == (pathrules.MatcherOptions{}) {
		opts.FilterMatcherOptions = pathrules.MatcherOptions{
			CaseInsensitive: true,
			DefaultAction:   pathrules.ActionInclude,
		}
	}

	if opts.FilterMatcherOptions.DefaultAction == pathrules.ActionUnknown {
		opts.FilterMatcherOptions.DefaultAction = pathrules.ActionInclude
	}
}
