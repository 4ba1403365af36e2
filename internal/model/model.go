// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Backup License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

// Package model holds the data types shared across scanning, diffing,
// the wire protocol, and the orchestrator pipeline: FileEntry, NodeListing
// and SyncPlan, as defined in spec.md §3.
package model

import (
	"time"

	"github.com/syncr-dev/syncr/internal/digest"
)

// Kind classifies a FileEntry.
type Kind int

const (
	KindRegular Kind = iota
	KindDirectory
	KindSymlink
)

func (k Kind) String() string {
	switch k {
	case KindRegular:
		return "regular"
	case KindDirectory:
		return "directory"
	case KindSymlink:
		return "symlink"
	default:
		return "unknown"
	}
}

// FileEntry is one path's full state: relpath, kind, mode, size, mtime and
// (for regular files) its ordered chunk digests.
//
// Invariant: concatenating Chunks in order reproduces the file's bytes
// exactly. Two entries with identical Chunks are content-identical
// regardless of Size (Size is redundant information and must agree).
type FileEntry struct {
	RelPath string          `json:"relpath"`
	Kind    Kind            `json:"kind"`
	Mode    uint32          `json:"mode"`
	Size    int64           `json:"size"`
	MTime   time.Time       `json:"mtime"`
	Chunks  []digest.Digest `json:"chunks,omitempty"`

	// LinkTarget holds the symlink target for KindSymlink entries; Chunks
	// for a symlink is the single synthetic digest of this string.
	LinkTarget string `json:"link_target,omitempty"`
}

// SameContent reports whether two entries are content-identical: same
// chunk sequence, same kind. Size is not compared (chunks are
// authoritative).
func (e FileEntry) SameContent(o FileEntry) bool {
	if e.Kind != o.Kind {
		return false
	}
	if len(e.Chunks) != len(o.Chunks) {
		return false
	}
	for i := range e.Chunks {
		if e.Chunks[i] != o.Chunks[i] {
			return false
		}
	}
	return true
}

// ErrorKind classifies a per-file scan failure (spec.md §4.4/§7 File
// severity).
type ErrorKind int

const (
	ErrorKindUnreadable ErrorKind = iota
	ErrorKindTransient
	ErrorKindBrokenSymlink
)

// ErrorEntry replaces a FileEntry the scanner could not produce. It is
// surfaced, not swallowed: the orchestrator decides its disposition.
type ErrorEntry struct {
	RelPath string
	Kind    ErrorKind
	Err     error
}

func (e ErrorEntry) Error() string {
	return e.RelPath + ": " + e.Err.Error()
}

// NodeCapabilities is what a Serve advertises during CAP negotiation.
type NodeCapabilities struct {
	ProtocolVersions []int
	SupportsDelete   bool
}

// NodeListing is one node's complete FileEntry set plus its declared
// capabilities, as collected during the orchestrator's List phase.
type NodeListing struct {
	NodeID       int
	Entries      map[string]FileEntry
	Errors       []ErrorEntry
	Capabilities NodeCapabilities
}

// PlanEntry is one file a node must create or replace, along with the
// ordered list of chunk digests that node is missing for it.
type PlanEntry struct {
	Entry          FileEntry
	MissingDigests []digest.Digest
}

// SyncPlan is one node's share of a cross-node diff: files to write,
// relpaths to delete, discarded once COMMIT succeeds.
type SyncPlan struct {
	NodeID  int
	Writes  map[string]PlanEntry
	Deletes []string
}

// RequiredDigests returns the union of every digest this plan's writes
// depend on, used to compute the distribution phase's fetch set.
// Directory and Symlink entries are excluded: a directory carries no
// chunks, and a symlink's Chunks holds only the synthetic digest of its
// target string, which is carried inline on the entry rather than
// transferred as a chunk.
func (p SyncPlan) RequiredDigests() []digest.Digest {
	seen := make(map[digest.Digest]struct{})
	var out []digest.Digest
	for _, w := range p.Writes {
		if w.Entry.Kind != KindRegular {
			continue
		}
		for _, d := range w.Entry.Chunks {
			if _, ok := seen[d]; ok {
				continue
			}
			seen[d] = struct{}{}
			out = append(out, d)
		}
	}
	return out
}
