// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Backup License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

// Package orchestrator implements the phase sequencer (C9, spec.md §4.9):
// connect, handshake, acquire locks, list, diff & resolve, plan,
// distribute chunks, commit. It is the hub every chunk transfer passes
// through — Serve engines never talk to each other directly.
//
// Grounded on the teacher's cmd/nbackup-server/main.go signal-aware run
// loop and internal/agent/dispatcher.go fan-out-with-backpressure shape,
// generalized from a single agent/server pair to N Serve connections.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/syncr-dev/syncr/internal/diff"
	"github.com/syncr-dev/syncr/internal/digest"
	"github.com/syncr-dev/syncr/internal/model"
	"github.com/syncr-dev/syncr/internal/protocol"
	"github.com/syncr-dev/syncr/internal/shutdown"
	"github.com/syncr-dev/syncr/internal/syncerr"
	"github.com/syncr-dev/syncr/internal/transport"
)

// InFlightWindow bounds the number of in-flight READ requests the
// distribution phase issues per source connection before awaiting DATA
// replies (spec.md §5 Backpressure, default W = 16).
const InFlightWindow = 16

// ErrLockBusy is wrapped into the acquire-locks phase error when a node
// refuses LOCK, letting callers map it onto spec.md §6's exit code 3.
var ErrLockBusy = errors.New("orchestrator: path lock busy")

// ErrVersionMismatch is wrapped into the handshake phase error when no
// mutually supported protocol version exists, mapping onto exit code 4.
var ErrVersionMismatch = errors.New("orchestrator: protocol version mismatch")

// Node is one participant the orchestrator coordinates.
type Node struct {
	ID     int
	Dialer transport.Dialer
}

// Config configures one orchestrator run.
type Config struct {
	Nodes       []Node
	Policy      diff.ConflictPolicy
	Delete      diff.DeleteOptions
	DryRun      bool
	BandwidthHz float64 // bytes/sec limit for chunk reads; 0 disables throttling
	Logger      *slog.Logger
	Coordinator *shutdown.Coordinator
}

// Report summarizes one completed (or aborted) run.
type Report struct {
	FileErrors     []model.ErrorEntry
	Conflicts      []diff.Conflict
	ChunksTransferred int
	Cancelled      bool
}

// conn bundles one node's live connection.
type conn struct {
	node   Node
	stream transport.Stream
	r      *protocol.Reader
	w      *protocol.Writer
}

// Orchestrator runs the 8-phase pipeline over a Config's nodes.
type Orchestrator struct {
	cfg     Config
	logger  *slog.Logger
	limiter *rate.Limiter

	connMu sync.Mutex
	conns  map[int]*conn
}

// New validates cfg and returns a ready Orchestrator.
func New(cfg Config) (*Orchestrator, error) {
	if len(cfg.Nodes) < 2 {
		return nil, fmt.Errorf("orchestrator: need at least 2 nodes, got %d", len(cfg.Nodes))
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	var limiter *rate.Limiter
	if cfg.BandwidthHz > 0 {
		limiter = rate.NewLimiter(rate.Limit(cfg.BandwidthHz), int(cfg.BandwidthHz))
	}
	return &Orchestrator{cfg: cfg, logger: logger, limiter: limiter}, nil
}

// Run executes all 8 phases in order, aborting on the first fatal error or
// cancellation.
func (o *Orchestrator) Run(ctx context.Context) (*Report, error) {
	report := &Report{}

	conns, err := o.connect(ctx)
	if err != nil {
		return report, fmt.Errorf("connect phase: %w", err)
	}
	o.connMu.Lock()
	o.conns = conns
	o.connMu.Unlock()
	defer o.closeAll(conns)

	if o.cancelled(report) {
		return report, nil
	}

	if err := o.handshake(conns); err != nil {
		return report, fmt.Errorf("handshake phase: %w", err)
	}

	if o.cancelled(report) {
		return report, nil
	}

	locked, err := o.acquireLocks(conns)
	defer o.releaseLocks(locked)
	if err != nil {
		return report, fmt.Errorf("acquire locks phase: %w", err)
	}

	if o.cancelled(report) {
		return report, nil
	}

	listings, listErrs := o.list(ctx, conns)
	report.FileErrors = append(report.FileErrors, listErrs...)

	if o.cancelled(report) {
		return report, nil
	}

	result, err := diff.Resolve(listings, o.cfg.Policy, o.cfg.Delete)
	if err != nil {
		return report, fmt.Errorf("diff phase: %w", err)
	}
	report.Conflicts = result.Conflicts

	if err := o.fillMissingDigests(conns, result); err != nil {
		return report, fmt.Errorf("plan phase: %w", err)
	}

	if o.cancelled(report) {
		return report, nil
	}

	if o.cfg.DryRun {
		return report, nil
	}

	transferred, err := o.distribute(ctx, conns, result)
	report.ChunksTransferred = transferred
	if err != nil {
		return report, fmt.Errorf("distribute phase: %w", err)
	}

	if o.thresholdExceeded(report, result) {
		return report, fmt.Errorf("file-error rate exceeded threshold, promoting to fatal")
	}

	if o.cancelled(report) {
		return report, nil
	}

	if err := o.commit(conns); err != nil {
		return report, fmt.Errorf("commit phase: %w", err)
	}

	return report, nil
}

func (o *Orchestrator) cancelled(report *Report) bool {
	if o.cfg.Coordinator != nil && o.cfg.Coordinator.Cancelled() {
		report.Cancelled = true
		return true
	}
	return false
}

// thresholdExceeded implements spec.md §7: a file-error rate over 10% of
// planned operations promotes the run to fatal before COMMIT.
func (o *Orchestrator) thresholdExceeded(report *Report, result *diff.Result) bool {
	total := 0
	for _, p := range result.Plans {
		total += len(p.Writes) + len(p.Deletes)
	}
	if total == 0 {
		return false
	}
	return float64(len(report.FileErrors))/float64(total) > 0.10
}

func (o *Orchestrator) connect(ctx context.Context) (map[int]*conn, error) {
	conns := make(map[int]*conn, len(o.cfg.Nodes))
	for _, n := range o.cfg.Nodes {
		stream, err := dialWithRetry(ctx, n.Dialer)
		if err != nil {
			o.closeAll(conns)
			return nil, fmt.Errorf("dialing node %d (%s): %w", n.ID, n.Dialer.String(), err)
		}
		conns[n.ID] = &conn{
			node:   n,
			stream: stream,
			r:      protocol.NewReader(stream),
			w:      protocol.NewWriter(stream),
		}
	}
	return conns, nil
}

// dialWithRetry retries connection establishment up to 3 times with
// exponential backoff (spec.md §7 Retries).
func dialWithRetry(ctx context.Context, d transport.Dialer) (transport.Stream, error) {
	var lastErr error
	backoff := 200 * time.Millisecond
	for attempt := 0; attempt < 3; attempt++ {
		stream, err := d.Dial(ctx)
		if err == nil {
			return stream, nil
		}
		lastErr = err
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(backoff):
		}
		backoff *= 2
	}
	return nil, fmt.Errorf("after 3 attempts: %w", lastErr)
}

func (o *Orchestrator) closeAll(conns map[int]*conn) {
	for _, c := range conns {
		_ = c.stream.Close()
	}
}

func (o *Orchestrator) handshake(conns map[int]*conn) error {
	for _, n := range sortedIDs(conns) {
		c := conns[n]
		if err := c.w.WriteCommand("VER", []int{protocol.Version}); err != nil {
			return fmt.Errorf("node %d: sending VER: %w", n, err)
		}
		f, err := c.r.ReadFrame()
		if err != nil {
			return fmt.Errorf("node %d: reading VER response: %w", n, err)
		}
		if f.Command == "ERR" {
			return versionErr(n, f)
		}
		var chosen int
		if err := f.Arg(0, &chosen); err != nil {
			return fmt.Errorf("node %d: decoding VER response: %w", n, err)
		}
		if chosen != protocol.Version {
			return fmt.Errorf("node %d: chose version %d, expected %d: %w", n, chosen, protocol.Version, ErrVersionMismatch)
		}

		if err := c.w.WriteCommand("CAP", model.NodeCapabilities{ProtocolVersions: []int{protocol.Version}}); err != nil {
			return fmt.Errorf("node %d: sending CAP: %w", n, err)
		}
		if _, err := c.r.ReadFrame(); err != nil {
			return fmt.Errorf("node %d: reading CAP response: %w", n, err)
		}
	}
	return nil
}

func versionErr(n int, f *protocol.Frame) error {
	var payload protocol.ErrPayload
	_ = f.Arg(0, &payload)
	return fmt.Errorf("node %d: %s: %w", n, payload.Msg, ErrVersionMismatch)
}

// acquireLocks requests each node's path lock in turn. On any failure it
// returns the set of locks acquired so far for the caller to release.
func (o *Orchestrator) acquireLocks(conns map[int]*conn) (map[int]*conn, error) {
	locked := make(map[int]*conn)
	for _, n := range sortedIDs(conns) {
		c := conns[n]
		if err := c.w.WriteCommand("LOCK"); err != nil {
			return locked, fmt.Errorf("node %d: sending LOCK: %w", n, err)
		}
		f, err := c.r.ReadFrame()
		if err != nil {
			return locked, fmt.Errorf("node %d: reading LOCK response: %w", n, err)
		}
		if f.Command != "OK" {
			return locked, fmt.Errorf("node %d: %w", n, ErrLockBusy)
		}
		locked[n] = c
	}
	return locked, nil
}

func (o *Orchestrator) releaseLocks(locked map[int]*conn) {
	// Locks are released server-side when the connection closes (Close
	// calls synclock.Lock.Release); nothing further is needed here beyond
	// the defer in Run closing every connection.
}

func (o *Orchestrator) list(ctx context.Context, conns map[int]*conn) (map[int]model.NodeListing, []model.ErrorEntry) {
	listings := make(map[int]model.NodeListing, len(conns))
	var allErrs []model.ErrorEntry
	var mu sync.Mutex
	var wg sync.WaitGroup

	for _, n := range sortedIDs(conns) {
		n, c := n, conns[n]
		wg.Add(1)
		go func() {
			defer wg.Done()
			listing, errs := o.listOne(n, c)
			mu.Lock()
			listings[n] = listing
			allErrs = append(allErrs, errs...)
			mu.Unlock()
		}()
	}
	wg.Wait()
	return listings, allErrs
}

func (o *Orchestrator) listOne(n int, c *conn) (model.NodeListing, []model.ErrorEntry) {
	listing := model.NodeListing{NodeID: n, Entries: make(map[string]model.FileEntry)}

	if err := c.w.WriteCommand("LIST"); err != nil {
		return listing, []model.ErrorEntry{{Kind: model.ErrorKindTransient, Err: err}}
	}

	for {
		f, err := c.r.ReadFrame()
		if err != nil {
			return listing, []model.ErrorEntry{{Kind: model.ErrorKindTransient, Err: err}}
		}
		if f.Command == "END" {
			return listing, nil
		}
		if f.Command == "ERR" {
			var payload protocol.ErrPayload
			_ = f.Arg(0, &payload)
			return listing, []model.ErrorEntry{{RelPath: payload.Path, Kind: model.ErrorKindTransient, Err: fmt.Errorf("%s", payload.Msg)}}
		}
		var e model.FileEntry
		if err := f.Arg(0, &e); err != nil {
			return listing, []model.ErrorEntry{{Kind: model.ErrorKindTransient, Err: err}}
		}
		listing.Entries[e.RelPath] = e
	}
}

// fillMissingDigests asks every node with pending writes which of the
// required digests it already holds, completing each PlanEntry's
// MissingDigests field.
func (o *Orchestrator) fillMissingDigests(conns map[int]*conn, result *diff.Result) error {
	for _, n := range sortedIDs(conns) {
		plan := result.Plans[n]
		if len(plan.Writes) == 0 {
			continue
		}
		required := plan.RequiredDigests()
		if len(required) == 0 {
			continue
		}

		c := conns[n]
		if err := c.w.WriteCommand("HAS", required); err != nil {
			return fmt.Errorf("node %d: sending HAS: %w", n, err)
		}
		f, err := c.r.ReadFrame()
		if err != nil {
			return fmt.Errorf("node %d: reading HAS response: %w", n, err)
		}
		var held []digest.Digest
		if err := f.Arg(0, &held); err != nil {
			return fmt.Errorf("node %d: decoding HAS response: %w", n, err)
		}
		heldSet := make(map[digest.Digest]struct{}, len(held))
		for _, d := range held {
			heldSet[d] = struct{}{}
		}

		for relpath, entry := range plan.Writes {
			if entry.Entry.Kind != model.KindRegular {
				// Directories and symlinks carry no transferable chunk
				// content; they are recreated from the entry itself at
				// commit time (see serve.Engine.handleCommit).
				continue
			}
			var missing []digest.Digest
			for _, d := range entry.Entry.Chunks {
				if _, ok := heldSet[d]; !ok {
					missing = append(missing, d)
				}
			}
			entry.MissingDigests = missing
			plan.Writes[relpath] = entry
		}
	}
	return nil
}

// distribute issues READ on a source holding each missing digest and
// WRITE-FILE/DATA on the destination, relaying bytes through the
// orchestrator hub. It returns the total number of chunks transferred.
func (o *Orchestrator) distribute(ctx context.Context, conns map[int]*conn, result *diff.Result) (int, error) {
	sources, err := o.locateSources(conns, result)
	if err != nil {
		return 0, err
	}

	transferred := 0
	sem := make(chan struct{}, InFlightWindow)

	for _, n := range sortedIDs(conns) {
		plan := result.Plans[n]
		relpaths := make([]string, 0, len(plan.Writes))
		for relpath := range plan.Writes {
			relpaths = append(relpaths, relpath)
		}
		sort.Strings(relpaths)

		for _, relpath := range relpaths {
			if ctx.Err() != nil {
				return transferred, ctx.Err()
			}
			entry := plan.Writes[relpath]
			count, err := o.writeOneFile(ctx, conns[n], entry, sources, sem)
			transferred += count
			if err != nil {
				return transferred, fmt.Errorf("node %d: writing %s: %w", n, relpath, err)
			}
		}
	}
	return transferred, nil
}

// locateSources asks every node HAS for the full set of digests anyone
// needs, so each missing digest can be matched to a holder.
func (o *Orchestrator) locateSources(conns map[int]*conn, result *diff.Result) (map[digest.Digest]int, error) {
	allMissing := make(map[digest.Digest]struct{})
	for _, plan := range result.Plans {
		for _, entry := range plan.Writes {
			for _, d := range entry.MissingDigests {
				allMissing[d] = struct{}{}
			}
		}
	}
	if len(allMissing) == 0 {
		return nil, nil
	}
	needed := make([]digest.Digest, 0, len(allMissing))
	for d := range allMissing {
		needed = append(needed, d)
	}

	sources := make(map[digest.Digest]int)
	for _, n := range sortedIDs(conns) {
		c := conns[n]
		if err := c.w.WriteCommand("HAS", needed); err != nil {
			return nil, fmt.Errorf("node %d: sending HAS: %w", n, err)
		}
		f, err := c.r.ReadFrame()
		if err != nil {
			return nil, fmt.Errorf("node %d: reading HAS response: %w", n, err)
		}
		var held []digest.Digest
		if err := f.Arg(0, &held); err != nil {
			return nil, fmt.Errorf("node %d: decoding HAS response: %w", n, err)
		}
		for _, d := range held {
			if _, taken := sources[d]; !taken {
				sources[d] = n
			}
		}
	}
	return sources, nil
}

func (o *Orchestrator) writeOneFile(ctx context.Context, dest *conn, entry model.PlanEntry, sources map[digest.Digest]int, sem chan struct{}) (int, error) {
	payload := struct {
		Entry   model.FileEntry  `json:"entry"`
		Missing []digest.Digest `json:"missing"`
	}{Entry: entry.Entry, Missing: entry.MissingDigests}

	if err := dest.w.WriteCommand("WRITE-FILE", payload); err != nil {
		return 0, fmt.Errorf("sending WRITE-FILE: %w", err)
	}

	transferred := 0
	for _, d := range entry.MissingDigests {
		if ctx.Err() != nil {
			return transferred, ctx.Err()
		}
		srcID, ok := sources[d]
		if !ok {
			return transferred, fmt.Errorf("no node holds digest %s", d)
		}

		select {
		case sem <- struct{}{}:
		case <-ctx.Done():
			return transferred, ctx.Err()
		}
		data, err := o.readChunkFromSource(srcID, d)
		<-sem
		if err != nil {
			return transferred, err
		}

		if o.limiter != nil {
			if err := o.limiter.WaitN(ctx, len(data)); err != nil {
				return transferred, err
			}
		}

		if err := dest.w.WriteData(d, data); err != nil {
			return transferred, fmt.Errorf("relaying chunk %s: %w", d, err)
		}
		transferred++
	}

	if err := dest.w.WriteEnd(); err != nil {
		return transferred, fmt.Errorf("sending END: %w", err)
	}
	f, err := dest.r.ReadFrame()
	if err != nil {
		return transferred, fmt.Errorf("reading WRITE-FILE response: %w", err)
	}
	if f.Command != "OK" {
		var payload protocol.ErrPayload
		_ = f.Arg(0, &payload)
		return transferred, syncerr.Filef(entry.Entry.RelPath, "write-file failed: %s", payload.Msg)
	}
	return transferred, nil
}

func (o *Orchestrator) readChunkFromSource(srcID int, d digest.Digest) ([]byte, error) {
	c := o.sourceConn(srcID)
	if c == nil {
		return nil, fmt.Errorf("no connection for source node %d", srcID)
	}
	if err := c.w.WriteCommand("READ", []digest.Digest{d}); err != nil {
		return nil, fmt.Errorf("node %d: sending READ: %w", srcID, err)
	}
	f, err := c.r.ReadFrame()
	if err != nil {
		return nil, fmt.Errorf("node %d: reading DATA: %w", srcID, err)
	}
	if f.Kind != protocol.KindData || f.Digest != d {
		return nil, fmt.Errorf("node %d: expected DATA for %s, got %v", srcID, d, f)
	}
	data := f.Data

	end, err := c.r.ReadFrame()
	if err != nil {
		return nil, fmt.Errorf("node %d: reading READ END: %w", srcID, err)
	}
	if end.Command != "END" {
		return nil, fmt.Errorf("node %d: expected END after DATA, got %q", srcID, end.Command)
	}
	return data, nil
}

func (o *Orchestrator) sourceConn(id int) *conn {
	o.connMu.Lock()
	defer o.connMu.Unlock()
	return o.conns[id]
}

func (o *Orchestrator) commit(conns map[int]*conn) error {
	for _, n := range sortedIDs(conns) {
		c := conns[n]
		if err := c.w.WriteCommand("COMMIT"); err != nil {
			return fmt.Errorf("node %d: sending COMMIT: %w", n, err)
		}
		f, err := c.r.ReadFrame()
		if err != nil {
			return fmt.Errorf("node %d: reading COMMIT response: %w", n, err)
		}
		if f.Command != "OK" {
			var payload protocol.ErrPayload
			_ = f.Arg(0, &payload)
			return fmt.Errorf("node %d: commit failed: %s", n, payload.Msg)
		}
		_ = c.w.WriteCommand("QUIT")
	}
	return nil
}

func sortedIDs(conns map[int]*conn) []int {
	ids := make([]int, 0, len(conns))
	for id := range conns {
		ids = append(ids, id)
	}
	sort.Ints(ids)
	return ids
}
