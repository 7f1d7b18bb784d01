// SPDX-License-Identifier: MIT
// Copyright (c) 2026 WoozyMasta
// Source: github.com/woozymasta/kpka

/*
Package kpka provides read, extract, pack, and inspect operations for
RE Engine PAK containers. Entries are addressed by a case-folded murmur3
hash of their UTF-16 path rather than by stored names, so reading pairs the
container with an external file list (NameTable) to recover paths. The
package is designed for streaming workflows: packing accepts caller-provided
streams (Input.Open), and reading/extracting works without loading full
container payload into memory.

Compression rules (summary):
  - with no PackOptions.Compress rules, every entry is a candidate;
  - final entry size must be within [MinCompressSize, MaxCompressSize];
  - candidates are encoded in memory by a bounded worker pool;
  - compression is written only when result is smaller than source;
  - major version 2 containers store every payload raw.

# Reading

Open a container, resolve names, and read entries:

	r, err := kpka.Open("re_chunk_000.pak")
	if err != nil {
	    return err
	}
	defer r.Close()

	names, err := kpka.NameTableFromFile("re_chunk_000.list")
	if err != nil {
	    return err
	}
	for _, e := range r.Entries() {
	    res := names.Resolve(e)
	    data, _ := r.ReadEntry(e)
	    _, _ = res.Path, data
	}

For metadata-only scans, use fast helpers without keeping a reader:

	header, err := kpka.ReadHeader("re_chunk_000.pak")
	if err != nil {
	    return err
	}
	entries, err := kpka.ListEntries("re_chunk_000.pak")
	if err != nil {
	    return err
	}
	_, _ = header, entries

# Extracting

Extract selected entries to a directory (parallel workers). Unresolved
entries land under "_Unknown/" named by hash, with an extension guessed
from payload magic bytes:

	report, err := r.Extract(ctx, "out/", kpka.ExtractOptions{
	    Names:      names,
	    MaxWorkers: 4,
	    Filter: []pathrules.Rule{
	        {Action: pathrules.ActionInclude, Pattern: "natives/stm/**"},
	    },
	})
	if err != nil {
	    return err
	}
	_ = report.Extracted

# Packing

Pack a source tree; archive paths are canonicalized against the "natives"
anchor segment and sorted for deterministic output:

	res, err := kpka.PackDir(ctx, "mod.pak", "mod-src/", "natives", kpka.PackOptions{
	    Method:     kpka.MethodZstd,
	    MaxWorkers: 4,
	})
	if err != nil {
	    return err
	}
	_ = res.CompressedEntries

Or pack from stream-oriented inputs:

	inputs := []kpka.Input{
	    {Path: "natives/stm/sound.user.2", Open: func() (io.ReadCloser, error) {
	        return os.Open("src/sound.user.2")
	    }},
	}
	res, err := kpka.Pack(ctx, outFile, inputs, kpka.PackOptions{})

# Inspecting

Dump a JSON report of header and resolved entries:

	if err := r.DumpInfo(os.Stdout, names); err != nil {
	    return err
	}
*/
package kpka
