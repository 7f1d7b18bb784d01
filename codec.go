// SPDX-License-Identifier: MIT
// Copyright (c) 2026 WoozyMasta
// Source: github.com/woozymasta/kpka

package kpka

import (
	"bytes"
	"fmt"
	"io"
	"sync"

	"github.com/klauspost/compress/flate"
	"github.com/klauspost/compress/zstd"
)

var (
	// zstdDecoderPool reuses zstd decoders between entry reads.
	zstdDecoderPool = sync.Pool{
		New: func() any {
			dec, err := zstd.NewReader(nil)
			if err != nil {
				return nil
			}

			return dec
		},
	}

	zstdEncoderOnce sync.Once
	zstdEncoder     *zstd.Encoder
)

// sharedZstdEncoder returns the package-wide zstd encoder. EncodeAll on a
// shared encoder is safe for concurrent use.
func sharedZstdEncoder() *zstd.Encoder {
	zstdEncoderOnce.Do(func() {
		zstdEncoder, _ = zstd.NewWriter(nil)
	})

	return zstdEncoder
}

// acquireZstdDecoder returns a pooled decoder reading from r and a release
// callback that must be called exactly once.
func acquireZstdDecoder(r io.Reader) (*zstd.Decoder, func(), error) {
	value := zstdDecoderPool.Get()
	dec, ok := value.(*zstd.Decoder)
	if !ok || dec == nil {
		dec, err := zstd.NewReader(r)
		if err != nil {
			return nil, nil, err
		}

		return dec, dec.Close, nil
	}

	if err := dec.Reset(r); err != nil {
		dec.Close()

		fresh, freshErr := zstd.NewReader(r)
		if freshErr != nil {
			return nil, nil, freshErr
		}

		return fresh, fresh.Close, nil
	}

	return dec, func() {
		_ = dec.Reset(nil)
		zstdDecoderPool.Put(dec)
	}, nil
}

// decodeCloser pairs a decode stream with its release logic.
type decodeCloser struct {
	io.Reader
	close func() error
}

// Close releases the underlying decode resources.
func (d *decodeCloser) Close() error {
	if d.close == nil {
		return nil
	}

	return d.close()
}

// sizeCheckedReader enforces that the decoded stream produces exactly
// `remaining` bytes: short streams and overlong streams both fail with
// ErrSizeMismatch, signalling a corrupt descriptor upstream.
type sizeCheckedReader struct {
	src       io.Reader
	remaining uint64
}

// Read reads up to the declared size and verifies stream boundaries.
func (s *sizeCheckedReader) Read(p []byte) (int, error) {
	if s.remaining == 0 {
		var probe [1]byte
		n, err := s.src.Read(probe[:])
		if n > 0 {
			return 0, fmt.Errorf("%w: stream longer than declared", ErrSizeMismatch)
		}
		if err != nil && err != io.EOF {
			return 0, err
		}

		return 0, io.EOF
	}

	if uint64(len(p)) > s.remaining {
		p = p[:s.remaining]
	}

	n, err := s.src.Read(p)
	s.remaining -= uint64(n)
	if err == io.EOF && s.remaining > 0 {
		return n, fmt.Errorf("%w: stream shorter than declared (%d bytes missing)", ErrSizeMismatch, s.remaining)
	}

	return n, err
}

// newDecodeReader opens a decode stream for one entry payload. The stored
// bytes are read from src (already bounded to the entry's compressed size);
// the returned stream yields exactly the declared uncompressed size or fails
// with ErrSizeMismatch.
func newDecodeReader(entry EntryInfo, src io.Reader) (io.ReadCloser, error) {
	if entry.Encryption() != EncryptionNone {
		return nil, fmt.Errorf("%w: entry %016X encryption type %d",
			ErrUnsupportedEncryption, entry.Hash(), entry.Encryption())
	}

	switch entry.Method() {
	case MethodStore:
		if entry.CompressedSize != entry.UncompressedSize {
			return nil, fmt.Errorf("%w: stored entry %016X declares %d packed / %d unpacked bytes",
				ErrSizeMismatch, entry.Hash(), entry.CompressedSize, entry.UncompressedSize)
		}

		return &decodeCloser{
			Reader: &sizeCheckedReader{src: src, remaining: entry.UncompressedSize},
		}, nil
	case MethodDeflate:
		fr := flate.NewReader(src)
		return &decodeCloser{
			Reader: &sizeCheckedReader{src: fr, remaining: entry.UncompressedSize},
			close:  fr.Close,
		}, nil
	case MethodZstd:
		dec, release, err := acquireZstdDecoder(src)
		if err != nil {
			return nil, fmt.Errorf("open zstd stream for entry %016X: %w", entry.Hash(), err)
		}

		return &decodeCloser{
			Reader: &sizeCheckedReader{src: dec, remaining: entry.UncompressedSize},
			close: func() error {
				release()
				return nil
			},
		}, nil
	default:
		return nil, fmt.Errorf("%w: entry %016X method tag %d",
			ErrUnsupportedMethod, entry.Hash(), uint8(entry.Method()))
	}
}

// encodePayload transforms one raw payload with the requested method.
// It stores the payload uncompressed when compression would not shrink it;
// the returned method tag always reflects the actual transform.
func encodePayload(raw []byte, method CompressionMethod) ([]byte, CompressionMethod, error) {
	switch method {
	case MethodStore:
		return raw, MethodStore, nil
	case MethodDeflate:
		var buf bytes.Buffer
		w, err := flate.NewWriter(&buf, flate.DefaultCompression)
		if err != nil {
			return nil, MethodStore, fmt.Errorf("create deflate writer: %w", err)
		}
		if _, err := w.Write(raw); err != nil {
			return nil, MethodStore, fmt.Errorf("deflate payload: %w", err)
		}
		if err := w.Close(); err != nil {
			return nil, MethodStore, fmt.Errorf("finish deflate payload: %w", err)
		}

		if buf.Len() >= len(raw) {
			return raw, MethodStore, nil
		}

		return buf.Bytes(), MethodDeflate, nil
	case MethodZstd:
		compressed := sharedZstdEncoder().EncodeAll(raw, nil)
		if len(compressed) >= len(raw) {
			return raw, MethodStore, nil
		}

		return compressed, MethodZstd, nil
	default:
		return nil, MethodStore, fmt.Errorf("%w: method tag %d", ErrUnsupportedMethod, uint8(method))
	}
}
