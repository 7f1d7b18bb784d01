// SPDX-License-Identifier: MIT
// Copyright (c) 2026 WoozyMasta
// Source: github.com/woozymasta/kpka

package kpka

import (
	"encoding/binary"
	"unicode/utf16"

	"github.com/twmb/murmur3"
)

// hashSeed is the murmur3 seed the target engine hashes paths with.
const hashSeed = 0xFFFFFFFF

// Entry hashes are murmur3-32 over the UTF-16LE encoding of the path.
// Case folding is ASCII-only: the engine hashes asset paths, which are
// ASCII in practice, and non-ASCII units pass through unchanged.

// HashLower returns the hash of the lowercased path.
func HashLower(path string) uint32 {
	return hashUTF16(path, false)
}

// HashUpper returns the hash of the uppercased path.
func HashUpper(path string) uint32 {
	return hashUTF16(path, true)
}

// HashMixed returns the combined 64-bit hash used for entry addressing.
func HashMixed(path string) uint64 {
	return MixHash(HashLower(path), HashUpper(path))
}

// MixHash combines the lower and upper hash halves (upper<<32 | lower).
func MixHash(lower, upper uint32) uint64 {
	return uint64(upper)<<32 | uint64(lower)
}

// hashUTF16 encodes path as UTF-16LE with ASCII case folding applied per
// unit and hashes the resulting byte stream.
func hashUTF16(path string, upper bool) uint32 {
	units := utf16.Encode([]rune(path))
	buf := make([]byte, 2*len(units))
	for i, u := range units {
		binary.LittleEndian.PutUint16(buf[2*i:], foldASCIIUnit(u, upper))
	}

	return murmur3.SeedSum32(hashSeed, buf)
}

// foldASCIIUnit applies ASCII-only case folding to one UTF-16 unit.
func foldASCIIUnit(u uint16, upper bool) uint16 {
	if upper {
		if u >= 'a' && u <= 'z' {
			return u - 32
		}

		return u
	}

	if u >= 'A' && u <= 'Z' {
		return u + 32
	}

	return u
}
