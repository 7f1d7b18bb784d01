// SPDX-License-Identifier: MIT
// Copyright (c) 2026 WoozyMasta
// Source: github.com/woozymasta/kpka

package kpka

import (
	"bufio"
	"bytes"
	"context"
	"encoding/binary"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"runtime"
	"sort"
	"sync"
	"time"
)

var (
	// defaultPackWriterPool reuses default-sized bufio writers between Pack calls.
	defaultPackWriterPool = sync.Pool{
		New: func() any {
			return bufio.NewWriterSize(io.Discard, DefaultWriteBuffer)
		},
	}
	// defaultPackCopyBufferPool reuses payload copy buffers between Pack calls.
	defaultPackCopyBufferPool = sync.Pool{
		New: func() any {
			return new([packCopyBufferSize]byte)
		},
	}
)

// packCopyBufferSize is per-pack temporary buffer used by streaming payload copy.
const packCopyBufferSize = 64 * 1024

// packPlanItem is one normalized, sorted pack input.
type packPlanItem struct {
	input     Input
	path      string
	hashLower uint32
	hashUpper uint32
	candidate bool
	// resCh delivers the encoded payload for compression candidates.
	resCh chan encodedPayload
}

// encodedPayload is the outcome of one background payload encode.
type encodedPayload struct {
	data    []byte
	rawSize int64
	method  CompressionMethod
	err     error
	// overflow holds the still-open source stream when the payload turned
	// out larger than the in-memory window; the writer streams the rest.
	overflow io.ReadCloser
}

// writtenEntry stores concrete descriptor values produced during payload write.
type writtenEntry struct {
	offset           uint64
	compressedSize   uint64
	uncompressedSize uint64
	method           CompressionMethod
	candidate        bool
}

// Pack writes a PAK container to out from the given inputs.
// Inputs are sorted by path for deterministic output; payload compression is
// parallelized by MaxWorkers with entry order preserved in the output.
func Pack(ctx context.Context, out io.WriteSeeker, inputs []Input, opts PackOptions) (*PackResult, error) {
	startedAt := time.Now()

	if out == nil {
		return nil, ErrNilWriter
	}
	if len(inputs) == 0 {
		return nil, ErrEmptyInputs
	}
	if ctx == nil {
		ctx = context.Background()
	}

	opts.applyDefaults()
	if opts.Version != 2 && opts.Version != 4 {
		return nil, fmt.Errorf("%w: major %d", ErrUnsupportedPackVersion, opts.Version)
	}

	matcher, err := newCompressMatcher(opts.Compress, opts.CompressMatcherOptions)
	if err != nil {
		return nil, err
	}

	plan, err := preparePackPlan(inputs, opts, matcher)
	if err != nil {
		return nil, err
	}

	header := Header{
		MajorVersion: opts.Version,
		TotalFiles:   uint32(len(plan)), //nolint:gosec // bounded by preparePackPlan
	}

	w, releaseWriter := acquirePackWriter(out, opts.WriterBufferSize)
	defer releaseWriter()

	if err := writePackHeader(w, header); err != nil {
		return nil, err
	}

	// Descriptor values are not known until payloads are written; reserve
	// the table now and patch it through a seek at the end.
	tableSize := header.tableSize()
	if err := writeZeros(w, tableSize); err != nil {
		return nil, fmt.Errorf("reserve descriptor table: %w", err)
	}

	if err := w.Flush(); err != nil {
		return nil, fmt.Errorf("flush table placeholder: %w", err)
	}

	dataStart, err := out.Seek(0, io.SeekCurrent)
	if err != nil {
		return nil, fmt.Errorf("seek after table: %w", err)
	}

	written, stats, err := writePackPayloads(ctx, w, plan, opts, dataStart)
	if err != nil {
		return nil, err
	}

	if err := w.Flush(); err != nil {
		return nil, fmt.Errorf("flush payloads: %w", err)
	}

	dataEnd, err := out.Seek(0, io.SeekCurrent)
	if err != nil {
		return nil, fmt.Errorf("seek after payloads: %w", err)
	}

	if err := patchDescriptorTable(out, header, plan, written); err != nil {
		return nil, err
	}

	stats.WrittenEntries = len(written)
	stats.DataSize = dataEnd - dataStart
	stats.TableSize = tableSize
	stats.Duration = time.Since(startedAt)

	return stats, nil
}

// PackFile writes a PAK container to outPath, creating parent directories.
// Unless Override is set an existing file fails the call.
func PackFile(ctx context.Context, outPath string, inputs []Input, opts PackOptions) (*PackResult, error) {
	if dir := filepath.Dir(outPath); dir != "" && dir != "." {
		if err := os.MkdirAll(dir, 0o750); err != nil {
			return nil, fmt.Errorf("create output dir: %w", err)
		}
	}

	flags := os.O_RDWR | os.O_CREATE
	if opts.Override {
		flags |= os.O_TRUNC
	} else {
		flags |= os.O_EXCL
	}

	f, err := os.OpenFile(outPath, flags, 0o600)
	if err != nil {
		return nil, fmt.Errorf("create PAK file: %w", err)
	}
	defer func() {
		if f != nil {
			_ = f.Close()
		}
	}()

	res, err := Pack(ctx, f, inputs, opts)
	if err != nil {
		return nil, err
	}

	if err := f.Sync(); err != nil {
		return nil, fmt.Errorf("sync PAK file: %w", err)
	}

	if err := f.Close(); err != nil {
		return nil, fmt.Errorf("close PAK file: %w", err)
	}
	f = nil

	return res, nil
}

// ScanDir walks dir and prepares pack inputs whose archive paths are
// canonicalized against anchor. Paths without the anchor segment are kept as
// scanned and reported in warnings.
func ScanDir(dir, anchor string) ([]Input, []string, error) {
	root, err := filepath.Abs(dir)
	if err != nil {
		return nil, nil, fmt.Errorf("resolve source dir: %w", err)
	}

	var (
		inputs   []Input
		warnings []string
	)
	err = filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return nil
		}

		rel, err := filepath.Rel(root, path)
		if err != nil {
			return err
		}

		archivePath, found := CanonicalizeAnchor(filepath.ToSlash(rel), anchor)
		if !found {
			warnings = append(warnings, fmt.Sprintf("path %q has no %q segment, kept as-is", filepath.ToSlash(rel), anchor))
		}

		info, err := d.Info()
		if err != nil {
			return err
		}

		src := path
		inputs = append(inputs, Input{
			Path:     archivePath,
			SizeHint: info.Size(),
			ModTime:  info.ModTime(),
			Open: func() (io.ReadCloser, error) {
				return os.Open(src)
			},
		})

		return nil
	})
	if err != nil {
		return nil, nil, fmt.Errorf("scan source dir: %w", err)
	}

	return inputs, warnings, nil
}

// PackDir scans srcDir and writes the resulting container to outPath.
func PackDir(ctx context.Context, outPath, srcDir, anchor string, opts PackOptions) (*PackResult, error) {
	inputs, warnings, err := ScanDir(srcDir, anchor)
	if err != nil {
		return nil, err
	}

	res, err := PackFile(ctx, outPath, inputs, opts)
	if err != nil {
		return nil, err
	}

	res.Warnings = append(warnings, res.Warnings...)
	return res, nil
}

// acquirePackWriter returns a buffered writer and release callback for Pack.
func acquirePackWriter(out io.Writer, size int) (*bufio.Writer, func()) {
	if size == DefaultWriteBuffer {
		w := defaultPackWriterPool.Get().(*bufio.Writer) //nolint:forcetypeassert // pool contains only *bufio.Writer
		w.Reset(out)

		return w, func() {
			w.Reset(io.Discard)
			defaultPackWriterPool.Put(w)
		}
	}

	return bufio.NewWriterSize(out, size), func() {}
}

// acquirePackCopyBuffer returns reusable payload copy buffer and release callback.
func acquirePackCopyBuffer() ([]byte, func()) {
	arr := defaultPackCopyBufferPool.Get().(*[packCopyBufferSize]byte) //nolint:forcetypeassert // pool contains only fixed-size buffers
	buf := arr[:]

	return buf, func() {
		defaultPackCopyBufferPool.Put(arr)
	}
}

// preparePackPlan normalizes, sorts, and validates pack inputs.
func preparePackPlan(inputs []Input, opts PackOptions, matcher *compressMatcher) ([]packPlanItem, error) {
	plan := make([]packPlanItem, 0, len(inputs))
	for i := range inputs {
		normalizedPath, err := normalizeArchiveEntryPath(inputs[i].Path)
		if err != nil {
			return nil, err
		}

		item := packPlanItem{
			input:     inputs[i],
			path:      normalizedPath,
			hashLower: HashLower(normalizedPath),
			hashUpper: HashUpper(normalizedPath),
		}
		if opts.Version != 2 {
			item.candidate = shouldCompressInput(opts, matcher, normalizedPath, inputs[i].SizeHint)
		}

		plan = append(plan, item)
	}

	sort.Slice(plan, func(i, j int) bool {
		return plan[i].path < plan[j].path
	})

	seen := make(map[uint64]string, len(plan))
	for _, item := range plan {
		hash := MixHash(item.hashLower, item.hashUpper)
		if existing, ok := seen[hash]; ok {
			return nil, fmt.Errorf("%w: %q conflicts with %q", ErrDuplicateEntryPath, item.path, existing)
		}

		seen[hash] = item.path
	}

	if len(plan) > int(^uint32(0)) {
		return nil, fmt.Errorf("%w: %d entries exceed descriptor count field", ErrSizeOverflow, len(plan))
	}

	return plan, nil
}

// shouldCompressInput reports whether an input enters the compression path.
// Unknown-size inputs are decided by rules alone and size-checked once read.
func shouldCompressInput(opts PackOptions, matcher *compressMatcher, path string, sizeHint int64) bool {
	if sizeHint > 0 {
		return shouldCompress(opts, matcher, path, uint64(sizeHint))
	}

	if matcher == nil {
		return true
	}

	return matcher.Match(path)
}

// writePackHeader writes the fixed header block.
func writePackHeader(w io.Writer, header Header) error {
	var raw [headerSize]byte
	copy(raw[0:4], pakMagic[:])
	raw[4] = header.MajorVersion
	raw[5] = header.MinorVersion
	binary.LittleEndian.PutUint16(raw[6:8], header.Feature)
	binary.LittleEndian.PutUint32(raw[8:12], header.TotalFiles)
	binary.LittleEndian.PutUint32(raw[12:16], header.Hash)

	if _, err := w.Write(raw[:]); err != nil {
		return fmt.Errorf("write header: %w", err)
	}

	return nil
}

// writeZeros writes n zero bytes to w.
func writeZeros(w io.Writer, n int64) error {
	var zeros [4096]byte
	for n > 0 {
		chunk := int64(len(zeros))
		if chunk > n {
			chunk = n
		}

		if _, err := w.Write(zeros[:chunk]); err != nil {
			return err
		}

		n -= chunk
	}

	return nil
}

// writePackPayloads writes every payload in plan order. Compression
// candidates are encoded by a bounded worker pool ahead of the writer; the
// semaphore is released only after the writer consumed a result, which keeps
// at most MaxWorkers encoded payloads in memory.
func writePackPayloads(
	ctx context.Context,
	w *bufio.Writer,
	plan []packPlanItem,
	opts PackOptions,
	dataStart int64,
) ([]writtenEntry, *PackResult, error) {
	workers := opts.MaxWorkers
	if workers <= 0 {
		workers = runtime.GOMAXPROCS(0)
	}
	if workers < 1 {
		workers = 1
	}

	sem := make(chan struct{}, workers)

	for i := range plan {
		if plan[i].candidate {
			plan[i].resCh = make(chan encodedPayload, 1)
		}
	}

	// Cleanup order on any return: cancel so the feeder and encoders wind
	// down, wait for them, then close source streams still parked in
	// unconsumed encode results.
	var wg sync.WaitGroup
	defer drainPendingPayloads(plan)
	defer wg.Wait()
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	// Feeder launches encoders in plan order so the writer's in-order wait
	// is always on an already-scheduled task. The semaphore token is held
	// until the writer consumed the result, bounding buffered payloads to
	// the worker count.
	wg.Go(func() {
		for i := range plan {
			if !plan[i].candidate {
				continue
			}

			select {
			case <-ctx.Done():
				return
			case sem <- struct{}{}:
			}

			item := &plan[i]
			wg.Go(func() {
				item.resCh <- encodeCandidatePayload(item.input, opts)
			})
		}
	})

	copyBuf, releaseCopyBuffer := acquirePackCopyBuffer()
	defer releaseCopyBuffer()

	stats := &PackResult{}
	written := make([]writtenEntry, 0, len(plan))
	currentOffset := dataStart

	for i := range plan {
		if err := ctx.Err(); err != nil {
			return nil, nil, err
		}

		item := &plan[i]

		padding, err := alignPayload(w, currentOffset, opts.Alignment)
		if err != nil {
			return nil, nil, err
		}
		currentOffset += padding

		var record writtenEntry
		if item.candidate {
			record, err = writeCandidatePayload(ctx, w, item, uint64(currentOffset), copyBuf)
			if err == nil || ctx.Err() == nil {
				<-sem
			}
		} else {
			record, err = writeRawPayload(w, item, uint64(currentOffset), copyBuf)
		}
		if err != nil {
			cancel()
			return nil, nil, err
		}

		written = append(written, record)
		currentOffset += int64(record.compressedSize) //nolint:gosec // produced from int64 write counts

		if record.method == MethodStore {
			stats.RawBytes += int64(record.compressedSize) //nolint:gosec // produced from int64 write counts
		} else {
			stats.CompressedBytes += int64(record.compressedSize) //nolint:gosec // produced from int64 write counts
			stats.CompressedEntries++
		}
		if record.candidate && record.method == MethodStore {
			stats.SkippedCompressionEntries++
		}

		if opts.OnEntryDone != nil {
			opts.OnEntryDone(PackEntryProgress{
				Path:                 item.path,
				Hash:                 MixHash(item.hashLower, item.hashUpper),
				Offset:               record.offset,
				CompressedSize:       record.compressedSize,
				UncompressedSize:     record.uncompressedSize,
				Method:               record.method,
				CompressionCandidate: record.candidate,
			})
		}
	}

	return written, stats, nil
}

// drainPendingPayloads closes overflow source streams left in encode result
// slots the writer never consumed. Must run after the encoder goroutines
// finished; every scheduled encoder delivers exactly one buffered result.
func drainPendingPayloads(plan []packPlanItem) {
	for i := range plan {
		if plan[i].resCh == nil {
			continue
		}

		select {
		case res := <-plan[i].resCh:
			if res.overflow != nil {
				_ = res.overflow.Close()
			}
		default:
		}
	}
}

// alignPayload pads the stream with zeros up to the next alignment boundary.
func alignPayload(w io.Writer, offset int64, alignment uint64) (int64, error) {
	if alignment <= 1 {
		return 0, nil
	}

	rem := uint64(offset) % alignment //nolint:gosec // offsets are non-negative write positions
	if rem == 0 {
		return 0, nil
	}

	padding := int64(alignment - rem) //nolint:gosec // bounded by alignment
	if err := writeZeros(w, padding); err != nil {
		return 0, fmt.Errorf("write alignment padding: %w", err)
	}

	return padding, nil
}

// encodeCandidatePayload reads one candidate source into memory and encodes
// it. Payloads that outgrow the in-memory window are handed back raw with
// the source stream still open for streamed completion.
func encodeCandidatePayload(in Input, opts PackOptions) encodedPayload {
	rc, err := openInputReader(in)
	if err != nil {
		return encodedPayload{err: err}
	}

	limit := int64(opts.MaxCompressSize) //nolint:gosec // bounded default
	var buf bytes.Buffer
	if in.SizeHint > 0 && in.SizeHint <= limit {
		buf.Grow(int(in.SizeHint))
	}

	n, err := io.CopyN(&buf, rc, limit+1)
	if err != nil && err != io.EOF {
		_ = rc.Close()
		return encodedPayload{err: fmt.Errorf("read input %s: %w", in.Path, err)}
	}

	if n > limit {
		// Larger than the compression window: store raw, rest streamed.
		return encodedPayload{
			data:     buf.Bytes(),
			rawSize:  n,
			method:   MethodStore,
			overflow: rc,
		}
	}

	if err := rc.Close(); err != nil {
		return encodedPayload{err: fmt.Errorf("close input %s: %w", in.Path, err)}
	}

	raw := buf.Bytes()
	if uint64(n) < opts.MinCompressSize {
		return encodedPayload{data: raw, rawSize: n, method: MethodStore}
	}

	data, method, err := encodePayload(raw, opts.Method)
	if err != nil {
		return encodedPayload{err: fmt.Errorf("compress input %s: %w", in.Path, err)}
	}

	return encodedPayload{data: data, rawSize: n, method: method}
}

// writeCandidatePayload consumes one background encode result and writes it.
func writeCandidatePayload(ctx context.Context, w io.Writer, item *packPlanItem, offset uint64, copyBuf []byte) (writtenEntry, error) {
	var res encodedPayload
	select {
	case res = <-item.resCh:
	case <-ctx.Done():
		return writtenEntry{}, ctx.Err()
	}
	if res.err != nil {
		return writtenEntry{}, res.err
	}

	if _, err := w.Write(res.data); err != nil {
		if res.overflow != nil {
			_ = res.overflow.Close()
		}

		return writtenEntry{}, fmt.Errorf("write payload %s: %w", item.path, err)
	}

	total := int64(len(res.data))
	if res.overflow != nil {
		streamed, copyErr := copyPayload(w, res.overflow, copyBuf)
		closeErr := res.overflow.Close()
		if copyErr != nil {
			return writtenEntry{}, fmt.Errorf("stream input %s: %w", item.path, copyErr)
		}
		if closeErr != nil {
			return writtenEntry{}, fmt.Errorf("close input %s: %w", item.path, closeErr)
		}

		total += streamed
		res.rawSize = total
	}

	return writtenEntry{
		offset:           offset,
		compressedSize:   uint64(total),       //nolint:gosec // write counts are non-negative
		uncompressedSize: uint64(res.rawSize), //nolint:gosec // read counts are non-negative
		method:           res.method,
		candidate:        true,
	}, nil
}

// writeRawPayload streams one non-candidate source directly into the output.
func writeRawPayload(w io.Writer, item *packPlanItem, offset uint64, copyBuf []byte) (writtenEntry, error) {
	rc, err := openInputReader(item.input)
	if err != nil {
		return writtenEntry{}, err
	}

	streamed, copyErr := copyPayload(w, rc, copyBuf)
	closeErr := rc.Close()
	if copyErr != nil {
		return writtenEntry{}, fmt.Errorf("stream input %s: %w", item.path, copyErr)
	}
	if closeErr != nil {
		return writtenEntry{}, fmt.Errorf("close input %s: %w", item.path, closeErr)
	}

	return writtenEntry{
		offset:           offset,
		compressedSize:   uint64(streamed), //nolint:gosec // write counts are non-negative
		uncompressedSize: uint64(streamed), //nolint:gosec // write counts are non-negative
		method:           MethodStore,
	}, nil
}

// openInputReader opens source stream for one input.
func openInputReader(in Input) (io.ReadCloser, error) {
	if in.Open == nil {
		return nil, fmt.Errorf("input %s: Open is nil", in.Path)
	}

	rc, err := in.Open()
	if err != nil {
		return nil, fmt.Errorf("open input %s: %w", in.Path, err)
	}

	return rc, nil
}

// copyPayload streams src to dst until EOF using the worker buffer.
func copyPayload(dst io.Writer, src io.Reader, buf []byte) (int64, error) {
	if len(buf) == 0 {
		buf = make([]byte, 32*1024)
	}

	var written int64
	for {
		n, readErr := src.Read(buf)
		if n > 0 {
			nw, writeErr := dst.Write(buf[:n])
			written += int64(nw)

			if writeErr != nil {
				return written, writeErr
			}
			if nw != n {
				return written, io.ErrShortWrite
			}
		}

		if readErr != nil {
			if readErr == io.EOF {
				return written, nil
			}

			return written, readErr
		}
	}
}

// patchDescriptorTable seeks back to the reserved table and writes final
// descriptor values.
func patchDescriptorTable(out io.WriteSeeker, header Header, plan []packPlanItem, written []writtenEntry) error {
	table := make([]byte, header.tableSize())
	entrySize := header.entrySize()

	for i := range written {
		record := table[int64(i)*entrySize : (int64(i)+1)*entrySize]
		if header.MajorVersion == 2 {
			binary.LittleEndian.PutUint64(record[0:8], written[i].offset)
			binary.LittleEndian.PutUint64(record[8:16], written[i].uncompressedSize)
			binary.LittleEndian.PutUint32(record[16:20], plan[i].hashLower)
			binary.LittleEndian.PutUint32(record[20:24], plan[i].hashUpper)
			continue
		}

		binary.LittleEndian.PutUint32(record[0:4], plan[i].hashLower)
		binary.LittleEndian.PutUint32(record[4:8], plan[i].hashUpper)
		binary.LittleEndian.PutUint64(record[8:16], written[i].offset)
		binary.LittleEndian.PutUint64(record[16:24], written[i].compressedSize)
		binary.LittleEndian.PutUint64(record[24:32], written[i].uncompressedSize)
		binary.LittleEndian.PutUint64(record[32:40], uint64(written[i].method))
		binary.LittleEndian.PutUint64(record[40:48], 0)
	}

	if _, err := out.Seek(headerSize, io.SeekStart); err != nil {
		return fmt.Errorf("seek to descriptor table: %w", err)
	}

	if _, err := out.Write(table); err != nil {
		return fmt.Errorf("patch descriptor table: %w", err)
	}

	return nil
}
