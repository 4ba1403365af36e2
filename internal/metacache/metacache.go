// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Backup License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

// Package metacache implements the advisory metadata cache (spec.md §4.5):
// a single-table embedded key-value store mapping (relpath, size, mtime,
// inode) to a chunk digest list, so the tree scanner can skip rehashing
// files it has already chunked. Correctness never depends on this cache —
// it only elides work when the key matches exactly.
package metacache

import (
	"encoding/binary"
	"fmt"
	"hash/fnv"
	"time"

	"go.etcd.io/bbolt"

	"github.com/syncr-dev/syncr/internal/digest"
)

var bucketName = []byte("chunks")

// Key identifies one cache entry. Two scans of the same relpath with an
// identical Key are assumed (not proven) to have identical content.
type Key struct {
	RelPath string
	Size    int64
	MTimeNS int64
	Inode   uint64
}

func (k Key) bucketKey() []byte {
	h := fnv.New64a()
	h.Write([]byte(k.RelPath))
	buf := make([]byte, 8)
	binary.BigEndian.PutUint64(buf, h.Sum64())
	return buf
}

// Cache is the metadata cache, opened exclusively for the duration of one
// run (spec.md §5 Shared resources).
type Cache struct {
	db *bbolt.DB
}

// Open opens (creating if absent) the cache file at path.
func Open(path string) (*Cache, error) {
	db, err := bbolt.Open(path, 0o644, &bbolt.Options{Timeout: 5 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("opening metadata cache: %w", err)
	}
	err = db.Update(func(tx *bbolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(bucketName)
		return err
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("initializing metadata cache bucket: %w", err)
	}
	return &Cache{db: db}, nil
}

// Close releases the cache's file lock.
func (c *Cache) Close() error {
	return c.db.Close()
}

// Lookup returns the cached chunk list for key, if any. A miss is not an
// error: it means the scanner must rehash the file.
func (c *Cache) Lookup(key Key) ([]digest.Digest, bool) {
	var chunks []digest.Digest
	var found bool

	_ = c.db.View(func(tx *bbolt.Tx) error {
		b := tx.Bucket(bucketName)
		raw := b.Get(key.bucketKey())
		if raw == nil {
			return nil
		}
		decoded, ok, err := decodeEntry(raw, key)
		if err != nil || !ok {
			return nil
		}
		chunks = decoded
		found = true
		return nil
	})

	return chunks, found
}

// Store records key → chunks, overwriting any previous entry under the
// same bucket key (including one for a different relpath that happened to
// collide — the relpath stored inside the value resolves that on lookup).
func (c *Cache) Store(key Key, chunks []digest.Digest) error {
	return c.db.Update(func(tx *bbolt.Tx) error {
		b := tx.Bucket(bucketName)
		return b.Put(key.bucketKey(), encodeEntry(key, chunks))
	})
}

// Compact drops entries whose relpath is not in live. It is an optional
// optimization; the scanner and serve engine do not call it, so stale
// entries stay in the cache until overwritten.
func (c *Cache) Compact(live map[string]struct{}) error {
	return c.db.Update(func(tx *bbolt.Tx) error {
		b := tx.Bucket(bucketName)
		var stale [][]byte
		err := b.ForEach(func(k, v []byte) error {
			relpath, ok := peekRelPath(v)
			if !ok {
				return nil
			}
			if _, ok := live[relpath]; !ok {
				stale = append(stale, append([]byte(nil), k...))
			}
			return nil
		})
		if err != nil {
			return err
		}
		for _, k := range stale {
			if err := b.Delete(k); err != nil {
				return err
			}
		}
		return nil
	})
}

func encodeEntry(key Key, chunks []digest.Digest) []byte {
	relBytes := []byte(key.RelPath)
	buf := make([]byte, 0, 2+len(relBytes)+8+8+8+4+len(chunks)*digest.Size)

	var u16 [2]byte
	binary.BigEndian.PutUint16(u16[:], uint16(len(relBytes)))
	buf = append(buf, u16[:]...)
	buf = append(buf, relBytes...)

	var u64 [8]byte
	binary.BigEndian.PutUint64(u64[:], uint64(key.Size))
	buf = append(buf, u64[:]...)
	binary.BigEndian.PutUint64(u64[:], uint64(key.MTimeNS))
	buf = append(buf, u64[:]...)
	binary.BigEndian.PutUint64(u64[:], key.Inode)
	buf = append(buf, u64[:]...)

	var u32 [4]byte
	binary.BigEndian.PutUint32(u32[:], uint32(len(chunks)))
	buf = append(buf, u32[:]...)
	for _, d := range chunks {
		buf = append(buf, d[:]...)
	}
	return buf
}

// decodeEntry parses a stored value and reports whether it matches want
// exactly (relpath, size, mtime and inode all agree).
func decodeEntry(raw []byte, want Key) ([]digest.Digest, bool, error) {
	if len(raw) < 2 {
		return nil, false, fmt.Errorf("metacache: truncated entry")
	}
	relLen := int(binary.BigEndian.Uint16(raw[0:2]))
	off := 2
	if len(raw) < off+relLen+24+4 {
		return nil, false, fmt.Errorf("metacache: truncated entry")
	}
	relpath := string(raw[off : off+relLen])
	off += relLen

	size := int64(binary.BigEndian.Uint64(raw[off : off+8]))
	off += 8
	mtimeNS := int64(binary.BigEndian.Uint64(raw[off : off+8]))
	off += 8
	inode := binary.BigEndian.Uint64(raw[off : off+8])
	off += 8

	if relpath != want.RelPath || size != want.Size || mtimeNS != want.MTimeNS || inode != want.Inode {
		return nil, false, nil
	}

	n := int(binary.BigEndian.Uint32(raw[off : off+4]))
	off += 4
	if len(raw) < off+n*digest.Size {
		return nil, false, fmt.Errorf("metacache: truncated chunk list")
	}

	chunks := make([]digest.Digest, n)
	for i := 0; i < n; i++ {
		copy(chunks[i][:], raw[off:off+digest.Size])
		off += digest.Size
	}
	return chunks, true, nil
}

func peekRelPath(raw []byte) (string, bool) {
	if len(raw) < 2 {
		return "", false
	}
	relLen := int(binary.BigEndian.Uint16(raw[0:2]))
	if len(raw) < 2+relLen {
		return "", false
	}
	return string(raw[2 : 2+relLen]), true
}
