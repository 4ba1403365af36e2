// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Backup License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

package scan

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/syncr-dev/syncr/internal/metacache"
	"github.com/syncr-dev/syncr/internal/model"
	"github.com/syncr-dev/syncr/internal/store"
)

func writeFile(t *testing.T, root, rel, content string) {
	t.Helper()
	abs := filepath.Join(root, rel)
	if err := os.MkdirAll(filepath.Dir(abs), 0o755); err != nil {
		t.Fatalf("MkdirAll: %v", err)
	}
	if err := os.WriteFile(abs, []byte(content), 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
}

func runScan(t *testing.T, s *Scanner) ([]model.FileEntry, []model.ErrorEntry) {
	t.Helper()
	var entries []model.FileEntry
	var errs []model.ErrorEntry
	err := s.Scan(context.Background(), func(r Result) error {
		if r.Error != nil {
			errs = append(errs, *r.Error)
		} else {
			entries = append(entries, *r.Entry)
		}
		return nil
	})
	if err != nil {
		t.Fatalf("Scan: %v", err)
	}
	return entries, errs
}

func TestScanProducesSortedEntries(t *testing.T) {
	root := t.TempDir()
	writeFile(t, root, "b.txt", "bbb")
	writeFile(t, root, "a.txt", "aaa")
	writeFile(t, root, "sub/c.txt", "ccc")

	st, err := store.Open(t.TempDir())
	if err != nil {
		t.Fatalf("store.Open: %v", err)
	}
	defer st.Close()

	s := New(root, st, nil, nil)
	entries, errs := runScan(t, s)
	if len(errs) != 0 {
		t.Fatalf("unexpected errors: %v", errs)
	}

	var relpaths []string
	for _, e := range entries {
		relpaths = append(relpaths, e.RelPath)
	}
	want := []string{"a.txt", "b.txt", "sub", "sub/c.txt"}
	if len(relpaths) != len(want) {
		t.Fatalf("got %v, want %v", relpaths, want)
	}
	for i := range want {
		if relpaths[i] != want[i] {
			t.Fatalf("entry %d: got %q want %q (full: %v)", i, relpaths[i], want[i], relpaths)
		}
	}
}

func TestScanChunksAreInstalledInStore(t *testing.T) {
	root := t.TempDir()
	writeFile(t, root, "f.txt", "hello world")

	st, err := store.Open(t.TempDir())
	if err != nil {
		t.Fatalf("store.Open: %v", err)
	}
	defer st.Close()

	s := New(root, st, nil, nil)
	entries, _ := runScan(t, s)

	var f *model.FileEntry
	for i := range entries {
		if entries[i].RelPath == "f.txt" {
			f = &entries[i]
		}
	}
	if f == nil {
		t.Fatalf("f.txt not found in scan results")
	}
	if len(f.Chunks) == 0 {
		t.Fatalf("expected at least one chunk")
	}
	for _, d := range f.Chunks {
		if !st.Has(d) {
			t.Fatalf("chunk %s not installed in store", d)
		}
	}

	got, err := st.Read(f.Chunks[0])
	if err != nil {
		t.Fatalf("Read: %v", err)
	}
	if !bytes.Equal(got, []byte("hello world")) {
		t.Fatalf("unexpected chunk content: %q", got)
	}
}

func TestScanFilterExcludesSubtree(t *testing.T) {
	root := t.TempDir()
	writeFile(t, root, "keep.txt", "keep")
	writeFile(t, root, "skip/inside.txt", "skip me")

	st, err := store.Open(t.TempDir())
	if err != nil {
		t.Fatalf("store.Open: %v", err)
	}
	defer st.Close()

	filter := func(relpath string) bool { return relpath != "skip" }
	s := New(root, st, nil, filter)
	entries, _ := runScan(t, s)

	for _, e := range entries {
		if e.RelPath == "skip" || e.RelPath == "skip/inside.txt" {
			t.Fatalf("excluded subtree leaked into results: %q", e.RelPath)
		}
	}
	if len(entries) != 1 || entries[0].RelPath != "keep.txt" {
		t.Fatalf("unexpected entries: %v", entries)
	}
}

func TestScanSymlink(t *testing.T) {
	root := t.TempDir()
	writeFile(t, root, "target.txt", "target content")
	if err := os.Symlink("target.txt", filepath.Join(root, "link.txt")); err != nil {
		t.Skipf("symlinks unsupported on this platform: %v", err)
	}

	st, err := store.Open(t.TempDir())
	if err != nil {
		t.Fatalf("store.Open: %v", err)
	}
	defer st.Close()

	s := New(root, st, nil, nil)
	entries, errs := runScan(t, s)
	if len(errs) != 0 {
		t.Fatalf("unexpected errors: %v", errs)
	}

	var link *model.FileEntry
	for i := range entries {
		if entries[i].RelPath == "link.txt" {
			link = &entries[i]
		}
	}
	if link == nil {
		t.Fatalf("link.txt not found")
	}
	if link.Kind != model.KindSymlink {
		t.Fatalf("expected KindSymlink, got %v", link.Kind)
	}
	if link.LinkTarget != "target.txt" {
		t.Fatalf("unexpected link target: %q", link.LinkTarget)
	}
}

func TestScanUsesMetacacheToSkipRehash(t *testing.T) {
	root := t.TempDir()
	writeFile(t, root, "cached.txt", "cached content")

	st, err := store.Open(t.TempDir())
	if err != nil {
		t.Fatalf("store.Open: %v", err)
	}
	defer st.Close()

	cache, err := metacache.Open(filepath.Join(t.TempDir(), "cache.db"))
	if err != nil {
		t.Fatalf("metacache.Open: %v", err)
	}
	defer cache.Close()

	s := New(root, st, cache, nil)
	first, _ := runScan(t, s)
	second, _ := runScan(t, s)

	if len(first) != len(second) {
		t.Fatalf("entry count mismatch between scans: %d vs %d", len(first), len(second))
	}
	for i := range first {
		if !first[i].SameContent(second[i]) {
			t.Fatalf("entry %d changed across cached scan: %+v vs %+v", i, first[i], second[i])
		}
	}
}
