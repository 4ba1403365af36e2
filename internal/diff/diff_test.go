// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Backup License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

package diff

import (
	"testing"
	"time"

	"github.com/syncr-dev/syncr/internal/digest"
	"github.com/syncr-dev/syncr/internal/model"
)

func entry(content string, mtime time.Time) model.FileEntry {
	return model.FileEntry{
		Kind:   model.KindRegular,
		Chunks: []digest.Digest{digest.Sum([]byte(content))},
		Size:   int64(len(content)),
		MTime:  mtime,
	}
}

func TestResolvePropagatesToMissingNode(t *testing.T) {
	t0 := time.Now()
	listings := map[int]model.NodeListing{
		0: {NodeID: 0, Entries: map[string]model.FileEntry{"foo": entry("hello", t0)}},
		1: {NodeID: 1, Entries: map[string]model.FileEntry{}},
	}

	res, err := Resolve(listings, ConflictPolicy{Strategy: PreferNewest}, DeleteOptions{})
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if len(res.Plans[0].Writes) != 0 {
		t.Fatalf("node 0 already has the winning content, expected no write")
	}
	if _, ok := res.Plans[1].Writes["foo"]; !ok {
		t.Fatalf("expected node 1 to receive a write for foo")
	}
}

func TestResolveIdenticalContentSkipped(t *testing.T) {
	t0 := time.Now()
	listings := map[int]model.NodeListing{
		0: {NodeID: 0, Entries: map[string]model.FileEntry{"foo": entry("same", t0)}},
		1: {NodeID: 1, Entries: map[string]model.FileEntry{"foo": entry("same", t0.Add(time.Hour))}},
	}

	res, err := Resolve(listings, ConflictPolicy{Strategy: PreferNewest}, DeleteOptions{})
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if len(res.Plans[0].Writes) != 0 || len(res.Plans[1].Writes) != 0 {
		t.Fatalf("expected no writes for identical content despite differing mtime")
	}
	if len(res.Conflicts) != 0 {
		t.Fatalf("identical content must not be reported as a conflict")
	}
}

func TestResolvePreferNewestThreeWay(t *testing.T) {
	t0 := time.Now()
	listings := map[int]model.NodeListing{
		0: {NodeID: 0, Entries: map[string]model.FileEntry{"x": entry("v1", t0)}},
		1: {NodeID: 1, Entries: map[string]model.FileEntry{"x": entry("v2", t0.Add(time.Second))}},
		2: {NodeID: 2, Entries: map[string]model.FileEntry{"x": entry("v3", t0.Add(-time.Second))}},
	}

	res, err := Resolve(listings, ConflictPolicy{Strategy: PreferNewest}, DeleteOptions{})
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}

	want := digest.Sum([]byte("v2"))
	for _, n := range []int{0, 2} {
		w, ok := res.Plans[n].Writes["x"]
		if !ok {
			t.Fatalf("node %d: expected a write for x", n)
		}
		if w.Entry.Chunks[0] != want {
			t.Fatalf("node %d: expected v2's digest, got %s", n, w.Entry.Chunks[0])
		}
	}
	if _, ok := res.Plans[1].Writes["x"]; ok {
		t.Fatalf("node 1 already holds the winner, expected no write")
	}
}

func TestResolvePreferFirstAndLast(t *testing.T) {
	t0 := time.Now()
	listings := map[int]model.NodeListing{
		0: {NodeID: 0, Entries: map[string]model.FileEntry{"x": entry("a", t0)}},
		1: {NodeID: 1, Entries: map[string]model.FileEntry{"x": entry("b", t0)}},
	}

	res, err := Resolve(listings, ConflictPolicy{Strategy: PreferFirst}, DeleteOptions{})
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if _, ok := res.Plans[1].Writes["x"]; !ok {
		t.Fatalf("PreferFirst: expected node 1 to be overwritten with node 0's content")
	}

	res, err = Resolve(listings, ConflictPolicy{Strategy: PreferLast}, DeleteOptions{})
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if _, ok := res.Plans[0].Writes["x"]; !ok {
		t.Fatalf("PreferLast: expected node 0 to be overwritten with node 1's content")
	}
}

func TestResolveInteractiveDefaultSkipsWithoutCallback(t *testing.T) {
	t0 := time.Now()
	listings := map[int]model.NodeListing{
		0: {NodeID: 0, Entries: map[string]model.FileEntry{"x": entry("a", t0)}},
		1: {NodeID: 1, Entries: map[string]model.FileEntry{"x": entry("b", t0)}},
	}

	res, err := Resolve(listings, ConflictPolicy{Strategy: Interactive}, DeleteOptions{})
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if len(res.Plans[0].Writes) != 0 || len(res.Plans[1].Writes) != 0 {
		t.Fatalf("expected no writes when Interactive has no callback")
	}
}

func TestResolveDeleteProtectionTriggersFatal(t *testing.T) {
	t0 := time.Now()
	entries0 := map[string]model.FileEntry{}
	entries1 := map[string]model.FileEntry{}
	for _, name := range []string{"a", "b", "c"} {
		entries1[name] = entry(name, t0)
	}
	listings := map[int]model.NodeListing{
		0: {NodeID: 0, Entries: entries0},
		1: {NodeID: 1, Entries: entries1},
	}

	_, err := Resolve(listings, ConflictPolicy{Strategy: PreferNewest}, DeleteOptions{
		Enabled:           true,
		MaxDeleteFraction: 0.5,
	})
	if err == nil {
		t.Fatalf("expected delete protection to trigger")
	}
	if _, ok := err.(*ErrTooManyDeletes); !ok {
		t.Fatalf("expected *ErrTooManyDeletes, got %T", err)
	}
}
