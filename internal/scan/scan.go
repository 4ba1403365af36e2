// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Backup License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

// Package scan walks a synced root in deterministic (lexicographic)
// relpath order, consulting the metadata cache before rehashing, and
// chunking + digesting + installing any file whose content has changed.
//
// Grounded on the teacher's internal/agent/scanner.go filepath.WalkDir
// shape, generalized from tar-entry collection to FileEntry production
// and extended with the chunker/hasher/store pipeline spec.md §4.4
// requires. Per spec.md §1 Non-goals, gitignore-style pattern compilation
// is not this package's concern — callers inject a Filter predicate.
package scan

import (
	"context"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"sort"

	"github.com/syncr-dev/syncr/internal/chunker"
	"github.com/syncr-dev/syncr/internal/digest"
	"github.com/syncr-dev/syncr/internal/metacache"
	"github.com/syncr-dev/syncr/internal/model"
	"github.com/syncr-dev/syncr/internal/store"
)

// Filter decides whether relpath should be included in the scan. true
// means include.
type Filter func(relpath string) bool

// IncludeAll is the default Filter: everything is included.
func IncludeAll(string) bool { return true }

// Scanner walks one root, producing FileEntry or ErrorEntry records.
type Scanner struct {
	root   string
	store  *store.Store
	cache  *metacache.Cache
	filter Filter
}

// New returns a Scanner over root, backed by store for chunk staging and
// cache for skipping rehashes (cache may be nil to force rehashing of
// every file).
func New(root string, st *store.Store, cache *metacache.Cache, filter Filter) *Scanner {
	if filter == nil {
		filter = IncludeAll
	}
	return &Scanner{root: root, store: st, cache: cache, filter: filter}
}

// Result is one item the scanner yielded: either a FileEntry or an
// ErrorEntry, never both.
type Result struct {
	Entry *model.FileEntry
	Error *model.ErrorEntry
}

// Scan walks the root and calls fn once per entry, in sorted relpath
// order. A per-file I/O error is surfaced as an ErrorEntry via fn and does
// not abort the walk — only fn returning a non-nil error, or ctx
// cancellation, aborts it.
func (s *Scanner) Scan(ctx context.Context, fn func(Result) error) error {
	paths, err := s.collectSortedPaths()
	if err != nil {
		return fmt.Errorf("listing scan root: %w", err)
	}

	for _, p := range paths {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		res := s.scanOne(p)
		if err := fn(res); err != nil {
			return err
		}
	}
	return nil
}

// collectSortedPaths walks the tree once to gather relpaths in
// deterministic order; directories are included so empty directories
// round-trip, and excluded subtrees are pruned without descending.
func (s *Scanner) collectSortedPaths() ([]pathInfo, error) {
	var all []pathInfo

	err := filepath.WalkDir(s.root, func(p string, d fs.DirEntry, walkErr error) error {
		if p == s.root {
			return nil
		}
		rel, relErr := filepath.Rel(s.root, p)
		if relErr != nil {
			return nil
		}
		rel = filepath.ToSlash(rel)

		if walkErr != nil {
			all = append(all, pathInfo{relpath: rel, walkErr: walkErr})
			if d != nil && d.IsDir() {
				return filepath.SkipDir
			}
			return nil
		}

		isDir := d.IsDir()
		if !s.filter(rel) {
			if isDir {
				return filepath.SkipDir
			}
			return nil
		}

		all = append(all, pathInfo{relpath: rel, dirEntry: d})
		return nil
	})
	if err != nil {
		return nil, err
	}

	sort.Slice(all, func(i, j int) bool { return all[i].relpath < all[j].relpath })
	return all, nil
}

type pathInfo struct {
	relpath  string
	dirEntry fs.DirEntry
	walkErr  error
}

func (s *Scanner) scanOne(p pathInfo) Result {
	if p.walkErr != nil {
		return errResult(p.relpath, model.ErrorKindUnreadable, p.walkErr)
	}

	abs := filepath.Join(s.root, filepath.FromSlash(p.relpath))
	info, err := p.dirEntry.Info()
	if err != nil {
		return errResult(p.relpath, model.ErrorKindTransient, err)
	}

	switch {
	case info.IsDir():
		return Result{Entry: &model.FileEntry{
			RelPath: p.relpath,
			Kind:    model.KindDirectory,
			Mode:    uint32(info.Mode().Perm()),
			MTime:   info.ModTime(),
		}}
	case info.Mode()&os.ModeSymlink != 0:
		return s.scanSymlink(p.relpath, abs, info)
	case info.Mode().IsRegular():
		return s.scanRegular(p.relpath, abs, info)
	default:
		return errResult(p.relpath, model.ErrorKindUnreadable, fmt.Errorf("unsupported file type"))
	}
}

func (s *Scanner) scanSymlink(relpath, abs string, info fs.FileInfo) Result {
	target, err := os.Readlink(abs)
	if err != nil {
		return errResult(relpath, model.ErrorKindBrokenSymlink, err)
	}
	d := digest.Sum([]byte(target))
	return Result{Entry: &model.FileEntry{
		RelPath:    relpath,
		Kind:       model.KindSymlink,
		Mode:       uint32(info.Mode().Perm()),
		MTime:      info.ModTime(),
		Chunks:     []digest.Digest{d},
		LinkTarget: target,
	}}
}

func (s *Scanner) scanRegular(relpath, abs string, info fs.FileInfo) Result {
	key, ok := metaKey(relpath, info)
	if ok && s.cache != nil {
		if chunks, hit := s.cache.Lookup(key); hit {
			return Result{Entry: &model.FileEntry{
				RelPath: relpath,
				Kind:    model.KindRegular,
				Mode:    uint32(info.Mode().Perm()),
				Size:    info.Size(),
				MTime:   info.ModTime(),
				Chunks:  chunks,
			}}
		}
	}

	f, err := os.Open(abs)
	if err != nil {
		return errResult(relpath, model.ErrorKindUnreadable, err)
	}
	defer f.Close()

	chunks, err := s.chunkAndInstall(f)
	if err != nil {
		return errResult(relpath, model.ErrorKindTransient, err)
	}

	if ok && s.cache != nil {
		_ = s.cache.Store(key, chunks)
	}

	return Result{Entry: &model.FileEntry{
		RelPath: relpath,
		Kind:    model.KindRegular,
		Mode:    uint32(info.Mode().Perm()),
		Size:    info.Size(),
		MTime:   info.ModTime(),
		Chunks:  chunks,
	}}
}

// chunkAndInstall runs a file through the rolling-hash chunker, hashes and
// stages+installs every new chunk, and returns the ordered digest list.
func (s *Scanner) chunkAndInstall(r io.Reader) ([]digest.Digest, error) {
	c := chunker.New(r)
	var chunks []digest.Digest

	for {
		data, err := c.Next()
		if err == io.EOF {
			return chunks, nil
		}
		if err != nil {
			return nil, err
		}

		d := digest.Sum(data)
		chunks = append(chunks, d)

		if s.store.Has(d) {
			continue
		}
		h, err := s.store.Stage(d, data)
		if err != nil {
			return nil, fmt.Errorf("staging chunk %s: %w", d, err)
		}
		if err := s.store.Install(h); err != nil {
			return nil, fmt.Errorf("installing chunk %s: %w", d, err)
		}
	}
}

func errResult(relpath string, kind model.ErrorKind, err error) Result {
	return Result{Error: &model.ErrorEntry{RelPath: relpath, Kind: kind, Err: err}}
}

// LiveRelpaths returns the set of every relpath currently present under
// root, in the form metacache.Cache.Compact takes; nothing in the module
// currently calls it.
func LiveRelpaths(root string, filter Filter) (map[string]struct{}, error) {
	live := make(map[string]struct{})
	err := filepath.WalkDir(root, func(p string, d fs.DirEntry, walkErr error) error {
		if walkErr != nil || p == root {
			return nil
		}
		rel, err := filepath.Rel(root, p)
		if err != nil {
			return nil
		}
		rel = filepath.ToSlash(rel)
		if filter != nil && !filter(rel) {
			if d.IsDir() {
				return filepath.SkipDir
			}
			return nil
		}
		live[rel] = struct{}{}
		return nil
	})
	return live, err
}

func metaKey(relpath string, info fs.FileInfo) (metacache.Key, bool) {
	inode, ok := inodeOf(info)
	if !ok {
		return metacache.Key{}, false
	}
	return metacache.Key{
		RelPath: relpath,
		Size:    info.Size(),
		MTimeNS: info.ModTime().UnixNano(),
		Inode:   inode,
	}, true
}
