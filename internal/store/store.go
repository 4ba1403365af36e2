// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Backup License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

// Package store implements the content-addressed chunk repository that
// backs the wire protocol: chunks are written once, addressed solely by
// their digest, sharded by digest prefix to bound per-directory entries.
//
// Grounded on the teacher's internal/server/storage.go atomic-write shape
// (temp file on the same filesystem, rename into place) generalized from
// one backup archive per commit to one chunk per digest.
package store

import (
	"bytes"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"

	"github.com/google/uuid"
	"github.com/klauspost/compress/zstd"

	"github.com/syncr-dev/syncr/internal/digest"
)

// ErrNotFound is returned by Read when no chunk exists at the given digest.
var ErrNotFound = fmt.Errorf("store: chunk not found")

// ErrDigestMismatch is returned by Stage when the bytes written don't hash
// to the digest the caller claimed. This is always fatal for the chunk.
var ErrDigestMismatch = fmt.Errorf("store: digest mismatch")

const (
	chunksDirName  = "chunks"
	stagingDirName = "tmp"
)

// Store is the content-addressed blob repository rooted under
// <root>/.syncr/chunks/, sharded by the first two hex characters of each
// chunk's digest.
type Store struct {
	chunksDir  string
	stagingDir string
	encoder    *zstd.Encoder
	decoder    *zstd.Decoder
}

// Open prepares the chunk store under controlDir (conventionally
// <root>/.syncr), creating its shard and staging directories.
func Open(controlDir string) (*Store, error) {
	chunksDir := filepath.Join(controlDir, chunksDirName)
	stagingDir := filepath.Join(chunksDir, stagingDirName)
	if err := os.MkdirAll(stagingDir, 0o755); err != nil {
		return nil, fmt.Errorf("creating chunk store directories: %w", err)
	}

	enc, err := zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedFastest))
	if err != nil {
		return nil, fmt.Errorf("creating zstd encoder: %w", err)
	}
	dec, err := zstd.NewReader(nil)
	if err != nil {
		enc.Close()
		return nil, fmt.Errorf("creating zstd decoder: %w", err)
	}

	return &Store{
		chunksDir:  chunksDir,
		stagingDir: stagingDir,
		encoder:    enc,
		decoder:    dec,
	}, nil
}

// Close releases the store's compression workers.
func (s *Store) Close() error {
	s.encoder.Close()
	s.decoder.Close()
	return nil
}

func (s *Store) finalPath(d digest.Digest) string {
	return filepath.Join(s.chunksDir, d.ShardPrefix(), d.String())
}

// Has reports whether a chunk is installed at digest d.
func (s *Store) Has(d digest.Digest) bool {
	_, err := os.Stat(s.finalPath(d))
	return err == nil
}

// Read returns the plaintext bytes of the chunk addressed by d.
func (s *Store) Read(d digest.Digest) ([]byte, error) {
	raw, err := os.ReadFile(s.finalPath(d))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("reading chunk %s: %w", d, err)
	}
	plain, err := s.decoder.DecodeAll(raw, nil)
	if err != nil {
		return nil, fmt.Errorf("decompressing chunk %s: %w", d, err)
	}
	return plain, nil
}

// StagedHandle is a chunk written to a temp file on the store's filesystem
// but not yet visible at its final address.
type StagedHandle struct {
	digest  digest.Digest
	tmpPath string
}

// Digest returns the digest this staged chunk will install under.
func (h *StagedHandle) Digest() digest.Digest { return h.digest }

// Stage verifies that data hashes to d, compresses it, and writes it to a
// temp file inside the store's filesystem. The chunk is not visible at its
// final address until Install is called. A hash mismatch is always fatal
// for the chunk — it means the wire (or an upstream bug) corrupted data in
// transit, and no further inference about that chunk can be trusted.
func (s *Store) Stage(d digest.Digest, data []byte) (*StagedHandle, error) {
	if got := digest.Sum(data); got != d {
		return nil, fmt.Errorf("%w: claimed %s, computed %s", ErrDigestMismatch, d, got)
	}

	compressed := s.encoder.EncodeAll(data, make([]byte, 0, len(data)))

	tmpName := fmt.Sprintf("stage-%s.tmp", uuid.NewString())
	tmpPath := filepath.Join(s.stagingDir, tmpName)
	if err := os.WriteFile(tmpPath, compressed, 0o644); err != nil {
		return nil, fmt.Errorf("writing staged chunk: %w", err)
	}

	return &StagedHandle{digest: d, tmpPath: tmpPath}, nil
}

// Install atomically renames a staged chunk to its final address. A
// reader either sees a fully written chunk at its address or sees nothing.
// Idempotent: if the target already exists (another node's chunk with the
// same digest installed first), the temp file is discarded.
func (s *Store) Install(h *StagedHandle) error {
	final := s.finalPath(h.digest)
	if err := os.MkdirAll(filepath.Dir(final), 0o755); err != nil {
		return fmt.Errorf("creating shard directory: %w", err)
	}

	if _, err := os.Stat(final); err == nil {
		return os.Remove(h.tmpPath)
	}

	if err := os.Rename(h.tmpPath, final); err != nil {
		return fmt.Errorf("installing chunk %s: %w", h.digest, err)
	}
	return nil
}

// Abort discards a staged chunk without installing it.
func (s *Store) Abort(h *StagedHandle) error {
	err := os.Remove(h.tmpPath)
	if os.IsNotExist(err) {
		return nil
	}
	return err
}

// ListPrefix returns, in sorted order, every digest whose hex string
// starts with prefix. A diagnostic helper; the sync pipeline and the
// `dump` CLI mode do not call it.
func (s *Store) ListPrefix(prefix string) ([]digest.Digest, error) {
	var out []digest.Digest

	shards, err := os.ReadDir(s.chunksDir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("listing chunk shards: %w", err)
	}

	for _, shard := range shards {
		if !shard.IsDir() || shard.Name() == stagingDirName {
			continue
		}
		if len(prefix) >= 2 && shard.Name() != prefix[:2] {
			continue
		}
		entries, err := os.ReadDir(filepath.Join(s.chunksDir, shard.Name()))
		if err != nil {
			return nil, fmt.Errorf("listing shard %s: %w", shard.Name(), err)
		}
		for _, e := range entries {
			if !hasPrefix(e.Name(), prefix) {
				continue
			}
			d, err := digest.Parse(e.Name())
			if err != nil {
				continue
			}
			out = append(out, d)
		}
	}

	sort.Slice(out, func(i, j int) bool { return out[i].String() < out[j].String() })
	return out, nil
}

func hasPrefix(name, prefix string) bool {
	if len(prefix) > len(name) {
		return false
	}
	return name[:len(prefix)] == prefix
}

// CopyChunk writes the decompressed chunk addressed by d to w. The whole
// chunk body is read into memory first (via Read).
func (s *Store) CopyChunk(w io.Writer, d digest.Digest) error {
	plain, err := s.Read(d)
	if err != nil {
		return err
	}
	_, err = io.Copy(w, bytes.NewReader(plain))
	return err
}
