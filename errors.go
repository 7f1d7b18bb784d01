// SPDX-License-Identifier: MIT
// Copyright (c) 2026 WoozyMasta
// Source: github.com/woozymasta/kpka

package kpka

import "errors"

// Sentinel errors for KPKA operations. Use errors.Is in callers.
var (
	// ErrBadMagic means the container does not start with the KPKA magic.
	ErrBadMagic = errors.New("invalid KPKA file: bad magic")
	// ErrUnsupportedVersion means the container version is not recognized.
	ErrUnsupportedVersion = errors.New("unsupported KPKA version")
	// ErrUnsupportedFeature means the header carries unrecognized feature bits.
	ErrUnsupportedFeature = errors.New("unsupported KPKA feature bits")
	// ErrTruncated means the byte stream is shorter than the header or
	// entry table declares.
	ErrTruncated = errors.New("truncated KPKA file")
	// ErrUnsupportedMethod means the entry compression method tag is not
	// part of the recognized set.
	ErrUnsupportedMethod = errors.New("unsupported compression method")
	// ErrUnsupportedEncryption means the entry payload carries an additional
	// cipher this codec does not attempt to decrypt.
	ErrUnsupportedEncryption = errors.New("unsupported payload encryption")
	// ErrSizeMismatch means the decoded payload length does not match the
	// declared uncompressed size.
	ErrSizeMismatch = errors.New("decoded size mismatch")
	// ErrNilReader means the reader is nil.
	ErrNilReader = errors.New("reader is nil")
	// ErrNilWriter means the writer is nil.
	ErrNilWriter = errors.New("writer is nil")
	// ErrClosed means the reader or resource is already closed.
	ErrClosed = errors.New("reader or resource already closed")
	// ErrEntryNotFound means no entry carries the requested hash.
	ErrEntryNotFound = errors.New("entry not found")
	// ErrEmptyInputs means no inputs provided for pack.
	ErrEmptyInputs = errors.New("no inputs provided for pack")
	// ErrInvalidEntryPath means one of the input entry paths is empty or
	// invalid after normalization.
	ErrInvalidEntryPath = errors.New("invalid entry path")
	// ErrDuplicateEntryPath means two inputs resolve to the same path hash.
	ErrDuplicateEntryPath = errors.New("duplicate entry path")
	// ErrInvalidExtractPath means a resolved path is invalid as an
	// extraction destination.
	ErrInvalidExtractPath = errors.New("invalid extract path")
	// ErrSizeOverflow means a size or offset exceeds addressable range.
	ErrSizeOverflow = errors.New("size exceeds addressable range")
	// ErrInvalidFilterPattern means one or more filter rules are invalid.
	ErrInvalidFilterPattern = errors.New("invalid filter rules")
	// ErrInvalidCompressPattern means one or more compression rules are invalid.
	ErrInvalidCompressPattern = errors.New("invalid compress rules")
	// ErrUnsupportedPackVersion means the requested output version cannot
	// be written.
	ErrUnsupportedPackVersion = errors.New("unsupported pack output version")
)
