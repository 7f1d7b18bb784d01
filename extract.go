// SPDX-License-Identifier: MIT
// Copyright (c) 2026 WoozyMasta
// Source: github.com/woozymasta/kpka

package kpka

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"sync"
)

// extractCopyBufferSize defines per-worker buffer size for file copy during extraction.
const extractCopyBufferSize = 64 * 1024

// extractWorkItem stores one selected entry with prepared output relative paths.
type extractWorkItem struct {
	relPath  string
	relDir   string
	path     string
	entry    EntryInfo
	known    bool
	sniffExt bool
}

// extractCollector aggregates per-entry outcomes from concurrent workers.
type extractCollector struct {
	mu     sync.Mutex
	report ExtractReport
	onDone func(res EntryResult)
}

// record stores one terminal outcome and fires the completion callback.
func (c *extractCollector) record(res EntryResult) {
	c.mu.Lock()
	c.report.Results = append(c.report.Results, res)
	switch res.Outcome {
	case OutcomeExtracted:
		c.report.Extracted++
	case OutcomeFailed:
		c.report.Failed++
	default:
		c.report.Skipped++
	}
	c.mu.Unlock()

	if c.onDone != nil {
		c.onDone(res)
	}
}

// Extract resolves, filters, and writes container entries under dstDir.
// Extraction is parallelized by MaxWorkers; with IgnoreError unset the first
// entry failure cancels the run and is returned alongside the partial report.
func (r *Reader) Extract(ctx context.Context, dstDir string, opts ExtractOptions) (*ExtractReport, error) {
	if r == nil || r.ra == nil {
		return nil, ErrNilReader
	}

	r.mu.Lock()
	closed := r.closed
	r.mu.Unlock()
	if closed {
		return nil, ErrClosed
	}
	if ctx == nil {
		ctx = context.Background()
	}

	opts.applyDefaults()

	workers := opts.MaxWorkers
	if workers <= 0 {
		workers = runtime.GOMAXPROCS(0)
	}
	if workers < 1 {
		workers = 1
	}

	matcher, err := newEntryMatcher(opts.Filter, opts.FilterMatcherOptions)
	if err != nil {
		return nil, err
	}

	collector := &extractCollector{onDone: opts.OnEntryDone}

	workItems := prepareExtractWorkItems(r.entries, opts, matcher, collector)
	if len(workItems) == 0 {
		report := collector.snapshot()
		return &report, nil
	}

	dstRootAbs, err := filepath.Abs(dstDir)
	if err != nil {
		return nil, fmt.Errorf("resolve output dir: %w", err)
	}

	if err := os.MkdirAll(dstRootAbs, 0o750); err != nil {
		return nil, fmt.Errorf("create output dir: %w", err)
	}

	if err := prepareExtractDirs(dstRootAbs, workItems); err != nil {
		return nil, err
	}

	taskCh := make(chan extractWorkItem, len(workItems))
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	var (
		firstErrMu sync.Mutex
		firstErr   error
	)
	fail := func(err error) {
		firstErrMu.Lock()
		if firstErr == nil {
			firstErr = err
		}
		firstErrMu.Unlock()

		if !opts.IgnoreError {
			cancel()
		}
	}

	var wg sync.WaitGroup
	for w := 0; w < workers; w++ {
		wg.Go(func() {
			copyBuf := make([]byte, extractCopyBufferSize)
			for task := range taskCh {
				r.extractPreparedEntry(ctx, dstRootAbs, task, copyBuf, opts, collector, fail)
			}
		})
	}

	for _, task := range workItems {
		select {
		case <-ctx.Done():
		case taskCh <- task:
		}
	}

	close(taskCh)
	wg.Wait()

	report := collector.snapshot()
	if !opts.IgnoreError && firstErr != nil {
		return &report, firstErr
	}
	if ctxErr := ctx.Err(); ctxErr != nil && firstErr == nil {
		return &report, ctxErr
	}

	return &report, nil
}

// snapshot returns a copy of the aggregated report.
func (c *extractCollector) snapshot() ExtractReport {
	c.mu.Lock()
	defer c.mu.Unlock()

	report := c.report
	report.Results = append([]EntryResult(nil), c.report.Results...)
	report.Ambiguities = append([]Resolution(nil), c.report.Ambiguities...)
	return report
}

// addAmbiguity records a hash collision resolved by file-list order.
func (c *extractCollector) addAmbiguity(res Resolution) {
	c.mu.Lock()
	c.report.Ambiguities = append(c.report.Ambiguities, res)
	c.mu.Unlock()
}

// prepareExtractWorkItems resolves every entry, applies selection policy,
// and prepares output relative paths. Rejected entries are recorded as
// skipped before any payload byte is read.
func prepareExtractWorkItems(
	entries []EntryInfo,
	opts ExtractOptions,
	matcher *entryMatcher,
	collector *extractCollector,
) []extractWorkItem {
	workItems := make([]extractWorkItem, 0, len(entries))
	for _, entry := range entries {
		res := opts.Names.Resolve(entry)
		if res.Ambiguous {
			collector.addAmbiguity(res)
		}

		skip := EntryResult{
			Path:    res.Path,
			Outcome: OutcomeSkipped,
			Hash:    entry.Hash(),
			Offset:  entry.Offset,
			Known:   res.Known,
		}

		if !res.Known && opts.SkipUnknown {
			collector.record(skip)
			continue
		}

		if !matcher.Included(res.Path) {
			collector.record(skip)
			continue
		}

		normalizedPath, err := normalizeExtractEntryPath(res.Path)
		if err != nil {
			skip.Outcome = OutcomeFailed
			skip.Error = fmt.Sprintf("normalize entry path %s: %v", res.Path, err)
			collector.record(skip)
			continue
		}

		relPath := filepath.FromSlash(normalizedPath)
		relDir := filepath.Dir(relPath)
		if relDir == "." || relDir == "" {
			relDir = ""
		}

		workItems = append(workItems, extractWorkItem{
			entry:    entry,
			path:     res.Path,
			relPath:  relPath,
			relDir:   relDir,
			known:    res.Known,
			sniffExt: !strings.Contains(filepath.Base(relPath), "."),
		})
	}

	return workItems
}

// prepareExtractDirs creates all unique parent directories needed by work items.
func prepareExtractDirs(dstRootAbs string, workItems []extractWorkItem) error {
	seen := make(map[string]struct{}, len(workItems))
	for _, task := range workItems {
		if task.relDir == "" {
			continue
		}

		dirPath := filepath.Join(dstRootAbs, task.relDir)
		key := strings.ToLower(dirPath)
		if _, exists := seen[key]; exists {
			continue
		}

		seen[key] = struct{}{}
		if err := os.MkdirAll(dirPath, 0o750); err != nil {
			return fmt.Errorf("create output directory %s: %w", dirPath, err)
		}
	}

	return nil
}

// extractPreparedEntry writes one prepared work item to destination root.
// Output is staged through a temp file in the target directory and renamed
// into place once the full payload decoded cleanly.
func (r *Reader) extractPreparedEntry(
	ctx context.Context,
	dstRootAbs string,
	task extractWorkItem,
	copyBuf []byte,
	opts ExtractOptions,
	collector *extractCollector,
	fail func(error),
) {
	result := EntryResult{
		Path:   task.path,
		Hash:   task.entry.Hash(),
		Offset: task.entry.Offset,
		Known:  task.known,
	}

	select {
	case <-ctx.Done():
		result.Outcome = OutcomeSkipped
		result.Error = ctx.Err().Error()
		collector.record(result)
		return
	default:
	}

	outPath := filepath.Join(dstRootAbs, task.relPath)
	if !opts.Override && !task.sniffExt {
		if _, err := os.Lstat(outPath); err == nil {
			result.Outcome = OutcomeExists
			collector.record(result)
			return
		}
	}

	rc, err := r.OpenEntry(task.entry)
	if err != nil {
		if errors.Is(err, ErrUnsupportedEncryption) || errors.Is(err, ErrUnsupportedMethod) {
			// Container-level limitation rather than an I/O fault, but still
			// a run failure in strict mode: the output tree is incomplete.
			result.Outcome = OutcomeUnsupported
			result.Error = err.Error()
			collector.record(result)
			fail(fmt.Errorf("open %s: %w", task.path, err))
			return
		}

		result.Outcome = OutcomeFailed
		result.Error = err.Error()
		collector.record(result)
		fail(fmt.Errorf("open %s: %w", task.path, err))
		return
	}
	defer func() { _ = rc.Close() }()

	var src io.Reader = rc
	var sniffer *extensionSniffer
	if task.sniffExt {
		sniffer = newExtensionSniffer(rc)
		src = sniffer
	}

	outDir := filepath.Dir(outPath)
	tmp, err := os.CreateTemp(outDir, ".kpka-*")
	if err != nil {
		result.Outcome = OutcomeFailed
		result.Error = err.Error()
		collector.record(result)
		fail(fmt.Errorf("stage %s: %w", task.path, err))
		return
	}
	tmpPath := tmp.Name()
	discard := func() {
		_ = tmp.Close()
		_ = os.Remove(tmpPath)
	}

	written, copyErr := copyExtractData(ctx, tmp, src, copyBuf)
	if copyErr != nil {
		discard()
		result.Outcome = OutcomeFailed
		result.Error = copyErr.Error()
		collector.record(result)
		fail(fmt.Errorf("write %s: %w", task.path, copyErr))
		return
	}

	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmpPath)
		result.Outcome = OutcomeFailed
		result.Error = err.Error()
		collector.record(result)
		fail(fmt.Errorf("close %s: %w", task.path, err))
		return
	}

	if task.sniffExt {
		if ext := sniffer.Extension(); ext != "" {
			outPath += "." + ext
			result.Path = task.path + "." + ext
		}
		if !opts.Override {
			if _, err := os.Lstat(outPath); err == nil {
				_ = os.Remove(tmpPath)
				result.Outcome = OutcomeExists
				collector.record(result)
				return
			}
		}
	}

	if err := os.Rename(tmpPath, outPath); err != nil {
		_ = os.Remove(tmpPath)
		result.Outcome = OutcomeFailed
		result.Error = err.Error()
		collector.record(result)
		fail(fmt.Errorf("finalize %s: %w", task.path, err))
		return
	}

	result.Outcome = OutcomeExtracted
	result.Written = written
	collector.record(result)
}

// copyExtractData copies one entry stream to the staged file using a fixed
// worker buffer, checking for cancellation between chunks.
func copyExtractData(ctx context.Context, dst *os.File, src io.Reader, buf []byte) (int64, error) {
	if len(buf) == 0 {
		return 0, io.ErrShortBuffer
	}

	var total int64
	for {
		select {
		case <-ctx.Done():
			return total, ctx.Err()
		default:
		}

		readN, readErr := src.Read(buf)
		if readN > 0 {
			writeN, writeErr := dst.Write(buf[:readN])
			total += int64(writeN)

			if writeErr != nil {
				return total, writeErr
			}

			if writeN != readN {
				return total, io.ErrShortWrite
			}
		}

		if readErr == nil {
			continue
		}

		if readErr == io.EOF {
			return total, nil
		}

		return total, readErr
	}
}
