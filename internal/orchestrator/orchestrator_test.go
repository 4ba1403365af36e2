// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Backup License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

package orchestrator

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/syncr-dev/syncr/internal/diff"
	"github.com/syncr-dev/syncr/internal/protocol"
	"github.com/syncr-dev/syncr/internal/serve"
	"github.com/syncr-dev/syncr/internal/transport"
)

// spawnNode starts a serve.Engine over an in-process loopback pair and
// returns the orchestrator Node that dials the client half.
func spawnNode(t *testing.T, id int, root string) Node {
	t.Helper()

	e, err := serve.New(root, nil)
	if err != nil {
		t.Fatalf("serve.New: %v", err)
	}
	t.Cleanup(func() { _ = e.Close() })

	client, server := transport.NewInProcessPair(root)
	t.Cleanup(func() {
		_ = client.Close()
		_ = server.Close()
	})

	go func() {
		_ = e.Run(context.Background(), protocol.NewReader(server), protocol.NewWriter(server))
	}()

	return Node{ID: id, Dialer: &transport.LoopbackDialer{Stream: client}}
}

func TestOrchestratorSyncsMissingFileToOtherNode(t *testing.T) {
	rootA := t.TempDir()
	rootB := t.TempDir()

	if err := os.WriteFile(filepath.Join(rootA, "shared.txt"), []byte("same everywhere"), 0o644); err != nil {
		t.Fatalf("WriteFile shared: %v", err)
	}
	if err := os.WriteFile(filepath.Join(rootB, "shared.txt"), []byte("same everywhere"), 0o644); err != nil {
		t.Fatalf("WriteFile shared: %v", err)
	}
	if err := os.WriteFile(filepath.Join(rootB, "only-on-b.txt"), []byte("b's own file"), 0o644); err != nil {
		t.Fatalf("WriteFile only-on-b: %v", err)
	}

	nodeA := spawnNode(t, 0, rootA)
	nodeB := spawnNode(t, 1, rootB)

	o, err := New(Config{
		Nodes:  []Node{nodeA, nodeB},
		Policy: diff.ConflictPolicy{Strategy: diff.PreferNewest},
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	report, err := o.Run(ctx)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if report.Cancelled {
		t.Fatalf("run unexpectedly cancelled")
	}

	got, err := os.ReadFile(filepath.Join(rootA, "only-on-b.txt"))
	if err != nil {
		t.Fatalf("expected only-on-b.txt propagated to node A: %v", err)
	}
	if string(got) != "b's own file" {
		t.Fatalf("got %q, want %q", got, "b's own file")
	}
}

func TestOrchestratorSyncsDirectoryAndSymlink(t *testing.T) {
	rootA := t.TempDir()
	rootB := t.TempDir()

	nestedDir := filepath.Join(rootB, "nested", "deeper")
	if err := os.MkdirAll(nestedDir, 0o755); err != nil {
		t.Fatalf("MkdirAll: %v", err)
	}
	if err := os.WriteFile(filepath.Join(nestedDir, "leaf.txt"), []byte("deep content"), 0o644); err != nil {
		t.Fatalf("WriteFile leaf: %v", err)
	}
	if err := os.Symlink("leaf.txt", filepath.Join(nestedDir, "leaf-link")); err != nil {
		t.Fatalf("Symlink: %v", err)
	}

	nodeA := spawnNode(t, 0, rootA)
	nodeB := spawnNode(t, 1, rootB)

	o, err := New(Config{
		Nodes:  []Node{nodeA, nodeB},
		Policy: diff.ConflictPolicy{Strategy: diff.PreferNewest},
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	report, err := o.Run(ctx)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if report.Cancelled {
		t.Fatalf("run unexpectedly cancelled")
	}

	gotDir := filepath.Join(rootA, "nested", "deeper")
	info, err := os.Stat(gotDir)
	if err != nil {
		t.Fatalf("expected nested/deeper propagated to node A: %v", err)
	}
	if !info.IsDir() {
		t.Fatalf("nested/deeper propagated as a %v, not a directory", info.Mode())
	}

	leafPath := filepath.Join(gotDir, "leaf.txt")
	got, err := os.ReadFile(leafPath)
	if err != nil {
		t.Fatalf("expected leaf.txt inside propagated directory: %v", err)
	}
	if string(got) != "deep content" {
		t.Fatalf("got %q, want %q", got, "deep content")
	}

	linkPath := filepath.Join(gotDir, "leaf-link")
	linkInfo, err := os.Lstat(linkPath)
	if err != nil {
		t.Fatalf("expected leaf-link propagated: %v", err)
	}
	if linkInfo.Mode()&os.ModeSymlink == 0 {
		t.Fatalf("leaf-link propagated as a %v, not a symlink", linkInfo.Mode())
	}
	target, err := os.Readlink(linkPath)
	if err != nil {
		t.Fatalf("Readlink: %v", err)
	}
	if target != "leaf.txt" {
		t.Fatalf("got symlink target %q, want %q", target, "leaf.txt")
	}
}

func TestOrchestratorRequiresAtLeastTwoNodes(t *testing.T) {
	root := t.TempDir()
	node := spawnNode(t, 0, root)

	if _, err := New(Config{Nodes: []Node{node}}); err == nil {
		t.Fatalf("expected error for single-node config")
	}
}

func TestOrchestratorDryRunMakesNoChanges(t *testing.T) {
	rootA := t.TempDir()
	rootB := t.TempDir()

	if err := os.WriteFile(filepath.Join(rootB, "new.txt"), []byte("fresh"), 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}

	nodeA := spawnNode(t, 0, rootA)
	nodeB := spawnNode(t, 1, rootB)

	o, err := New(Config{
		Nodes:  []Node{nodeA, nodeB},
		Policy: diff.ConflictPolicy{Strategy: diff.PreferNewest},
		DryRun: true,
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if _, err := o.Run(ctx); err != nil {
		t.Fatalf("Run: %v", err)
	}

	if _, err := os.Stat(filepath.Join(rootA, "new.txt")); !os.IsNotExist(err) {
		t.Fatalf("dry run must not write new.txt, stat err = %v", err)
	}
}
