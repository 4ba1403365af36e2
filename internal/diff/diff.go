// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Backup License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

// Package diff implements the cross-node comparison, conflict
// classification and policy application spec.md §4.10 describes: given
// every node's listing, decide per relpath which entry wins and build
// each node's SyncPlan.
package diff

import (
	"fmt"
	"sort"

	"github.com/syncr-dev/syncr/internal/model"
)

// Strategy is a conflict resolution policy tag (spec.md §4.10).
type Strategy int

const (
	PreferFirst Strategy = iota
	PreferLast
	PreferNewest
	PreferOldest
	PreferLargest
	Interactive
)

// Decide is the callback an Interactive policy consults: given the
// relpath and the competing entries keyed by node id, return the winning
// node id. The default (nil callback) skips the path.
type Decide func(relpath string, entries map[int]model.FileEntry) (winner int, ok bool)

// ConflictPolicy is a tagged Strategy plus its optional Interactive
// callback (spec.md §9 Polymorphism).
type ConflictPolicy struct {
	Strategy Strategy
	Decide   Decide
}

// DeleteOptions configures delete-sync (spec.md §4.10).
type DeleteOptions struct {
	Enabled bool
	// MaxDeletes and MaxDeleteFraction bound how many deletes one run may
	// apply before it is treated as a mistake and promoted to fatal.
	MaxDeletes        int
	MaxDeleteFraction float64
}

// ErrTooManyDeletes is returned when a run's deletes exceed the
// configured protection thresholds.
type ErrTooManyDeletes struct {
	Deletes int
	Total   int
}

func (e *ErrTooManyDeletes) Error() string {
	return fmt.Sprintf("diff: %d deletes exceeds protection threshold over %d entries", e.Deletes, e.Total)
}

// Conflict records a relpath for which multiple nodes disagreed and the
// resolver's chosen winner.
type Conflict struct {
	RelPath string
	Entries map[int]model.FileEntry
	Winner  int
}

// Result is the outcome of diffing N listings: a SyncPlan per node plus
// the conflicts seen along the way (for reporting).
type Result struct {
	Plans     map[int]*model.SyncPlan
	Conflicts []Conflict
}

// Resolve computes the per-node plans from every node's listing.
// listings must be keyed by node id 0..N-1.
func Resolve(listings map[int]model.NodeListing, policy ConflictPolicy, del DeleteOptions) (*Result, error) {
	nodeIDs := sortedNodeIDs(listings)
	relpaths := unionRelpaths(listings)

	res := &Result{Plans: make(map[int]*model.SyncPlan, len(nodeIDs))}
	for _, n := range nodeIDs {
		res.Plans[n] = &model.SyncPlan{NodeID: n, Writes: make(map[string]model.PlanEntry)}
	}

	var deletes []string
	totalConsidered := 0

	for _, relpath := range relpaths {
		present := presentEntries(listings, nodeIDs, relpath)
		totalConsidered++

		if len(present) == 0 {
			continue
		}

		if len(present) < len(nodeIDs) && del.Enabled && isIntentionalDelete(present, nodeIDs) {
			deletes = append(deletes, relpath)
			continue
		}

		winner, conflict, ok := chooseWinner(relpath, present, policy)
		if !ok {
			continue // Interactive policy declined; skip this path.
		}
		if conflict != nil {
			res.Conflicts = append(res.Conflicts, *conflict)
		}

		winningEntry := present[winner]
		for _, n := range nodeIDs {
			current, hasCurrent := present[n]
			if hasCurrent && current.SameContent(winningEntry) {
				continue
			}
			res.Plans[n].Writes[relpath] = model.PlanEntry{Entry: winningEntry}
		}
	}

	if del.Enabled && len(deletes) > 0 {
		if err := checkDeleteProtection(len(deletes), totalConsidered, del); err != nil {
			return nil, err
		}
		sort.Strings(deletes)
		for _, n := range nodeIDs {
			// Only nodes that currently have the path need the delete applied.
			var nodeDeletes []string
			for _, relpath := range deletes {
				if _, has := listings[n].Entries[relpath]; has {
					nodeDeletes = append(nodeDeletes, relpath)
				}
			}
			res.Plans[n].Deletes = nodeDeletes
		}
	}

	return res, nil
}

func sortedNodeIDs(listings map[int]model.NodeListing) []int {
	ids := make([]int, 0, len(listings))
	for id := range listings {
		ids = append(ids, id)
	}
	sort.Ints(ids)
	return ids
}

func unionRelpaths(listings map[int]model.NodeListing) []string {
	seen := make(map[string]struct{})
	for _, l := range listings {
		for relpath := range l.Entries {
			seen[relpath] = struct{}{}
		}
	}
	out := make([]string, 0, len(seen))
	for relpath := range seen {
		out = append(out, relpath)
	}
	sort.Strings(out)
	return out
}

func presentEntries(listings map[int]model.NodeListing, nodeIDs []int, relpath string) map[int]model.FileEntry {
	present := make(map[int]model.FileEntry)
	for _, n := range nodeIDs {
		if e, ok := listings[n].Entries[relpath]; ok {
			present[n] = e
		}
	}
	return present
}

// isIntentionalDelete reports whether an absent-on-some-nodes relpath
// should be read as a delete rather than a fresh create: every node
// currently missing it previously had it evicted on purpose, signalled
// here simply by the fact it's a strict subset (orchestrator-level
// history tracking is out of scope for this core; presence asymmetry
// alone triggers delete consideration when delete-sync is enabled).
func isIntentionalDelete(present map[int]model.FileEntry, nodeIDs []int) bool {
	return len(present) > 0 && len(present) < len(nodeIDs)
}

func checkDeleteProtection(deletes, total int, opts DeleteOptions) error {
	if opts.MaxDeletes > 0 && deletes > opts.MaxDeletes {
		return &ErrTooManyDeletes{Deletes: deletes, Total: total}
	}
	if opts.MaxDeleteFraction > 0 && total > 0 {
		if float64(deletes)/float64(total) > opts.MaxDeleteFraction {
			return &ErrTooManyDeletes{Deletes: deletes, Total: total}
		}
	}
	return nil
}

// chooseWinner applies policy across present (already filtered to nodes
// that have relpath). ok is false only for an Interactive policy with no
// callback result, meaning skip.
func chooseWinner(relpath string, present map[int]model.FileEntry, policy ConflictPolicy) (int, *Conflict, bool) {
	if allIdentical(present) {
		return anyKey(present), nil, true
	}

	ids := make([]int, 0, len(present))
	for n := range present {
		ids = append(ids, n)
	}
	sort.Ints(ids)

	if len(ids) == 1 {
		return ids[0], nil, true
	}

	var winner int
	switch policy.Strategy {
	case PreferFirst:
		winner = ids[0]
	case PreferLast:
		winner = ids[len(ids)-1]
	case PreferNewest:
		winner = pickByMTime(present, ids, true)
	case PreferOldest:
		winner = pickByMTime(present, ids, false)
	case PreferLargest:
		winner = pickLargest(present, ids)
	case Interactive:
		if policy.Decide == nil {
			return 0, nil, false
		}
		w, ok := policy.Decide(relpath, present)
		if !ok {
			return 0, nil, false
		}
		winner = w
	default:
		winner = pickByMTime(present, ids, true)
	}

	return winner, &Conflict{RelPath: relpath, Entries: present, Winner: winner}, true
}

func allIdentical(present map[int]model.FileEntry) bool {
	var first model.FileEntry
	firstSet := false
	for _, e := range present {
		if !firstSet {
			first = e
			firstSet = true
			continue
		}
		if !e.SameContent(first) {
			return false
		}
	}
	return true
}

func anyKey(present map[int]model.FileEntry) int {
	min := -1
	for n := range present {
		if min == -1 || n < min {
			min = n
		}
	}
	return min
}

func pickByMTime(present map[int]model.FileEntry, ids []int, newest bool) int {
	winner := ids[0]
	for _, n := range ids[1:] {
		e, w := present[n], present[winner]
		if newest && e.MTime.After(w.MTime) {
			winner = n
		} else if !newest && e.MTime.Before(w.MTime) {
			winner = n
		}
	}
	return winner
}

func pickLargest(present map[int]model.FileEntry, ids []int) int {
	winner := ids[0]
	for _, n := range ids[1:] {
		e, w := present[n], present[winner]
		if e.Size > w.Size {
			winner = n
		} else if e.Size == w.Size && e.MTime.After(w.MTime) {
			winner = n
		}
	}
	return winner
}
