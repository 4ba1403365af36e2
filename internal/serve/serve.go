// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Backup License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

// Package serve implements the per-node request handler (C8, spec.md
// §4.8): a single-threaded state machine driven by the orchestrator's
// commands, running one instance per synced root.
//
// Grounded on the teacher's internal/server/handler.go one-goroutine-per-
// connection shape and internal/server/assembler.go mixed local/incoming
// chunk assembly, adapted from the teacher's binary session protocol to
// the text/JSON5 command set spec.md §4.8 defines.
package serve

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/google/uuid"

	"github.com/syncr-dev/syncr/internal/digest"
	"github.com/syncr-dev/syncr/internal/metacache"
	"github.com/syncr-dev/syncr/internal/model"
	"github.com/syncr-dev/syncr/internal/protocol"
	"github.com/syncr-dev/syncr/internal/scan"
	"github.com/syncr-dev/syncr/internal/store"
	"github.com/syncr-dev/syncr/internal/syncerr"
	"github.com/syncr-dev/syncr/internal/synclock"
)

// State names the serve engine's position in the spec.md §4.8 state
// machine: Greeted → Negotiated → Capable → Ready → Committing → Closed.
// Listing, writing and reading have no states of their own; the engine
// stays in its current state while serving them.
type State int

const (
	Greeted State = iota
	Negotiated
	Capable
	Ready
	Committing
	Closed
)

// Engine is one node's request handler, bound to a single root for the
// duration of one connection.
type Engine struct {
	root   string
	filter scan.Filter

	store   *store.Store
	cache   *metacache.Cache
	lock    *synclock.Lock
	staging string

	state State
}

// New opens the store and metadata cache under root's control directory
// (<root>/.syncr) and returns an Engine ready to handle VER.
func New(root string, filter scan.Filter) (*Engine, error) {
	controlDir := filepath.Join(root, ".syncr")
	if err := os.MkdirAll(controlDir, 0o755); err != nil {
		return nil, fmt.Errorf("creating control dir %s: %w", controlDir, err)
	}

	st, err := store.Open(controlDir)
	if err != nil {
		return nil, fmt.Errorf("opening chunk store: %w", err)
	}

	cache, err := metacache.Open(filepath.Join(controlDir, "cache.db"))
	if err != nil {
		st.Close()
		return nil, fmt.Errorf("opening metadata cache: %w", err)
	}

	staging := filepath.Join(controlDir, "staging")
	if err := os.MkdirAll(staging, 0o755); err != nil {
		st.Close()
		cache.Close()
		return nil, fmt.Errorf("creating staging dir: %w", err)
	}

	return &Engine{root: root, filter: filter, store: st, cache: cache, staging: staging, state: Greeted}, nil
}

// Close releases the engine's lock (if held) and closes its store and
// cache.
func (e *Engine) Close() error {
	if e.lock != nil {
		_ = e.lock.Release()
	}
	e.cache.Close()
	return e.store.Close()
}

// Dump scans the engine's root and calls fn once per entry or per-file
// error, in sorted relpath order — used by the "dump" CLI diagnostic mode
// to inspect a root without going through the wire protocol.
func (e *Engine) Dump(ctx context.Context, fn func(scan.Result) error) error {
	s := scan.New(e.root, e.store, e.cache, e.filter)
	return s.Scan(ctx, fn)
}

// inFlightWrite tracks one WRITE-FILE command's staged state between its
// opening WRITE-FILE line and the END that terminates its DATA frames.
// f and stagingPath stay nil/empty for Directory and Symlink entries,
// which carry no chunk content to stage — only the manifest is written,
// and handleCommit recreates the path directly from it.
type inFlightWrite struct {
	entry        model.FileEntry
	missing      map[digest.Digest]struct{}
	stagingPath  string
	manifestPath string
	f            *os.File
	staged       []*store.StagedHandle
}

// stagingManifest is the sidecar recorded alongside every WRITE-FILE at
// stage time, so handleCommit knows each staged entry's destination
// relpath and kind without re-deriving it from the staging filename.
type stagingManifest struct {
	RelPath    string     `json:"relpath"`
	Kind       model.Kind `json:"kind"`
	LinkTarget string     `json:"link_target,omitempty"`
}

// Run drives the engine's command loop until QUIT, EOF, or ctx
// cancellation.
func (e *Engine) Run(ctx context.Context, r *protocol.Reader, w *protocol.Writer) error {
	var write *inFlightWrite

	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}

		frame, err := r.ReadFrame()
		if err != nil {
			if err == io.EOF {
				return nil
			}
			return fmt.Errorf("serve: reading frame: %w", err)
		}

		if frame.Kind == protocol.KindData {
			if write == nil {
				_ = w.WriteErr("unexpected-data", syncerr.Fatal, "", fmt.Errorf("DATA frame outside WRITE-FILE"))
				continue
			}
			if err := e.consumeData(write, frame); err != nil {
				_ = w.WriteErr("data-error", syncerr.Fatal, write.entry.RelPath, err)
				return err
			}
			continue
		}

		switch frame.Command {
		case "VER":
			if err := e.handleVer(frame, w); err != nil {
				return err
			}
		case "CAP":
			if err := e.handleCap(frame, w); err != nil {
				return err
			}
		case "LOCK":
			if err := e.handleLock(w); err != nil {
				return err
			}
		case "LIST":
			if err := e.handleList(ctx, w); err != nil {
				return err
			}
		case "HAS":
			if err := e.handleHas(frame, w); err != nil {
				return err
			}
		case "READ":
			if err := e.handleRead(frame, w); err != nil {
				return err
			}
		case "WRITE-FILE":
			wf, err := e.handleWriteFileStart(frame, w)
			if err != nil {
				return err
			}
			write = wf
		case "END":
			if write != nil {
				if err := e.finishWriteFile(write, w); err != nil {
					return err
				}
				write = nil
			}
		case "COMMIT":
			if err := e.handleCommit(w); err != nil {
				return err
			}
		case "QUIT":
			e.state = Closed
			return nil
		default:
			_ = w.WriteErr("unknown-command", syncerr.Fatal, "", fmt.Errorf("unknown command %q", frame.Command))
		}
	}
}

func (e *Engine) handleVer(frame *protocol.Frame, w *protocol.Writer) error {
	var offered []int
	if err := frame.Arg(0, &offered); err != nil {
		return w.WriteErr("bad-ver", syncerr.Fatal, "", err)
	}
	chosen := -1
	for _, v := range offered {
		if v == protocol.Version && v > chosen {
			chosen = v
		}
	}
	if chosen < 0 {
		_ = w.WriteErr("version-mismatch", syncerr.Fatal, "", fmt.Errorf("no mutually supported version in %v", offered))
		return fmt.Errorf("serve: version negotiation failed")
	}
	e.state = Negotiated
	return w.WriteCommand("VER", chosen)
}

func (e *Engine) handleCap(frame *protocol.Frame, w *protocol.Writer) error {
	e.state = Capable
	return w.WriteCommand("CAP", model.NodeCapabilities{
		ProtocolVersions: []int{protocol.Version},
		SupportsDelete:   true,
	})
}

func (e *Engine) handleLock(w *protocol.Writer) error {
	lock, err := synclock.Acquire(e.root)
	if err != nil {
		return w.WriteErr("lock-busy", syncerr.Fatal, "", err)
	}
	e.lock = lock
	e.state = Ready
	return w.WriteOK()
}

func (e *Engine) handleList(ctx context.Context, w *protocol.Writer) error {
	s := scan.New(e.root, e.store, e.cache, e.filter)
	var entries []model.FileEntry
	err := s.Scan(ctx, func(r scan.Result) error {
		if r.Error != nil {
			return nil // per-file errors are dropped: the path is left out of the listing and nothing is sent to the orchestrator
		}
		entries = append(entries, *r.Entry)
		return nil
	})
	if err != nil {
		return w.WriteErr("list-failed", syncerr.Fatal, "", err)
	}

	sort.Slice(entries, func(i, j int) bool { return entries[i].RelPath < entries[j].RelPath })
	for _, e := range entries {
		if err := w.WriteCommand("ENTRY", e); err != nil {
			return err
		}
	}
	return w.WriteEnd()
}

func (e *Engine) handleHas(frame *protocol.Frame, w *protocol.Writer) error {
	var digests []digest.Digest
	if err := frame.Arg(0, &digests); err != nil {
		return w.WriteErr("bad-has", syncerr.Fatal, "", err)
	}
	var held []digest.Digest
	for _, d := range digests {
		if e.store.Has(d) {
			held = append(held, d)
		}
	}
	return w.WriteCommand("HAS", held)
}

func (e *Engine) handleRead(frame *protocol.Frame, w *protocol.Writer) error {
	var digests []digest.Digest
	if err := frame.Arg(0, &digests); err != nil {
		return w.WriteErr("bad-read", syncerr.Fatal, "", err)
	}
	for _, d := range digests {
		data, err := e.store.Read(d)
		if err != nil {
			return w.WriteErr("chunk-missing", syncerr.Fatal, "", err)
		}
		if err := w.WriteData(d, data); err != nil {
			return err
		}
	}
	return w.WriteEnd()
}

func (e *Engine) handleWriteFileStart(frame *protocol.Frame, w *protocol.Writer) (*inFlightWrite, error) {
	var payload struct {
		Entry   model.FileEntry `json:"entry"`
		Missing []digest.Digest `json:"missing"`
	}
	if err := frame.Arg(0, &payload); err != nil {
		return nil, w.WriteErr("bad-write-file", syncerr.Fatal, "", err)
	}

	missing := make(map[digest.Digest]struct{}, len(payload.Missing))
	for _, d := range payload.Missing {
		missing[d] = struct{}{}
	}

	id := uuid.NewString()
	manifestPath := filepath.Join(e.staging, id+".json")
	manifest, err := json.Marshal(stagingManifest{
		RelPath:    payload.Entry.RelPath,
		Kind:       payload.Entry.Kind,
		LinkTarget: payload.Entry.LinkTarget,
	})
	if err != nil {
		return nil, w.WriteErr("manifest-encode-failed", syncerr.File, payload.Entry.RelPath, err)
	}
	if err := os.WriteFile(manifestPath, manifest, 0o644); err != nil {
		return nil, w.WriteErr("manifest-write-failed", syncerr.File, payload.Entry.RelPath, err)
	}

	write := &inFlightWrite{
		entry:        payload.Entry,
		missing:      missing,
		manifestPath: manifestPath,
	}

	// Directory and symlink entries carry no chunk content: the manifest
	// above is all handleCommit needs to recreate them.
	if payload.Entry.Kind != model.KindRegular {
		return write, nil
	}

	stagingPath := filepath.Join(e.staging, id)
	f, err := os.Create(stagingPath)
	if err != nil {
		_ = os.Remove(manifestPath)
		return nil, w.WriteErr("stage-open-failed", syncerr.File, payload.Entry.RelPath, err)
	}
	write.stagingPath = stagingPath
	write.f = f
	return write, nil
}

func (e *Engine) consumeData(write *inFlightWrite, frame *protocol.Frame) error {
	if write.f == nil {
		return fmt.Errorf("received DATA for non-regular entry %s", write.entry.RelPath)
	}
	if _, wanted := write.missing[frame.Digest]; wanted {
		h, err := e.store.Stage(frame.Digest, frame.Data)
		if err != nil {
			return fmt.Errorf("staging incoming chunk %s: %w", frame.Digest, err)
		}
		write.staged = append(write.staged, h)
	}

	data := frame.Data
	if _, wanted := write.missing[frame.Digest]; !wanted {
		var err error
		data, err = e.store.Read(frame.Digest)
		if err != nil {
			return fmt.Errorf("reading already-held chunk %s: %w", frame.Digest, err)
		}
	}

	if _, err := write.f.Write(data); err != nil {
		return fmt.Errorf("writing staged file %s: %w", write.stagingPath, err)
	}
	return nil
}

func (e *Engine) finishWriteFile(write *inFlightWrite, w *protocol.Writer) error {
	if write.f == nil {
		// Directory/symlink: nothing staged, manifest alone drives commit.
		return w.WriteOK()
	}
	if err := write.f.Close(); err != nil {
		return w.WriteErr("stage-close-failed", syncerr.File, write.entry.RelPath, err)
	}
	for _, h := range write.staged {
		if err := e.store.Install(h); err != nil {
			return w.WriteErr("chunk-install-failed", syncerr.Fatal, write.entry.RelPath, err)
		}
	}
	// DATA frames carry only the chunks this node was missing, so the
	// staged file is assembled here in the entry's chunk order from the
	// store, which now holds both the chunks installed above and the ones
	// this node already had.
	f, err := os.Create(write.stagingPath)
	if err != nil {
		return w.WriteErr("stage-open-failed", syncerr.File, write.entry.RelPath, err)
	}
	for _, d := range write.entry.Chunks {
		data, err := e.store.Read(d)
		if err == nil {
			_, err = f.Write(data)
		}
		if err != nil {
			f.Close()
			return w.WriteErr("stage-assemble-failed", syncerr.File, write.entry.RelPath, err)
		}
	}
	if err := f.Close(); err != nil {
		return w.WriteErr("stage-close-failed", syncerr.File, write.entry.RelPath, err)
	}
	return w.WriteOK()
}

// handleCommit walks the staging area by manifest (every WRITE-FILE
// leaves one, regardless of kind) and recreates each entry at its final
// path: a Directory is MkdirAll'd directly, a Symlink is relinked from
// its inline target, and only a Regular entry has staged chunk content
// to rename into place. Driving this off the manifest rather than the
// staged content file is what lets Directory/Symlink entries (which
// stage no content file at all) commit through the same loop.
func (e *Engine) handleCommit(w *protocol.Writer) error {
	e.state = Committing

	entries, err := os.ReadDir(e.staging)
	if err != nil {
		return w.WriteErr("commit-read-staging-failed", syncerr.Fatal, "", err)
	}

	for _, dirEntry := range entries {
		if filepath.Ext(dirEntry.Name()) != ".json" {
			continue // staged content file, consumed alongside its manifest below
		}
		manifestPath := filepath.Join(e.staging, dirEntry.Name())
		manifest, err := e.readStagedManifest(manifestPath)
		if err != nil {
			_ = w.WriteErr("commit-entry-failed", syncerr.File, dirEntry.Name(), err)
			continue
		}
		dest := filepath.Join(e.root, filepath.FromSlash(manifest.RelPath))
		if err := os.MkdirAll(filepath.Dir(dest), 0o755); err != nil {
			_ = w.WriteErr("commit-mkdir-failed", syncerr.File, manifest.RelPath, err)
			continue
		}

		switch manifest.Kind {
		case model.KindDirectory:
			if err := os.MkdirAll(dest, 0o755); err != nil {
				_ = w.WriteErr("commit-mkdir-failed", syncerr.File, manifest.RelPath, err)
				continue
			}
		case model.KindSymlink:
			_ = os.Remove(dest) // replacing whatever (if anything) currently occupies dest
			if err := os.Symlink(manifest.LinkTarget, dest); err != nil {
				_ = w.WriteErr("commit-symlink-failed", syncerr.File, manifest.RelPath, err)
				continue
			}
		default:
			stagingPath := strings.TrimSuffix(manifestPath, ".json")
			if err := os.Rename(stagingPath, dest); err != nil {
				_ = w.WriteErr("commit-rename-failed", syncerr.File, manifest.RelPath, err)
				continue
			}
		}

		_ = os.Remove(manifestPath)
	}

	e.state = Closed
	return w.WriteOK()
}

// readStagedManifest recovers a staged entry's destination relpath, kind
// and (for a symlink) link target from the manifest sidecar written
// alongside it at WRITE-FILE time.
func (e *Engine) readStagedManifest(manifestPath string) (stagingManifest, error) {
	data, err := os.ReadFile(manifestPath)
	if err != nil {
		return stagingManifest{}, fmt.Errorf("reading staging manifest: %w", err)
	}
	var m stagingManifest
	if err := json.Unmarshal(data, &m); err != nil {
		return stagingManifest{}, fmt.Errorf("decoding staging manifest: %w", err)
	}
	return m, nil
}
