// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Backup License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

package cli

import (
	"os"
	"path/filepath"
	"testing"
)

func TestExecuteSyncRejectsSingleNode(t *testing.T) {
	root := t.TempDir()
	code := Execute([]string{"sync", root})
	if code != ExitInvalidArgs {
		t.Fatalf("got exit code %d, want %d", code, ExitInvalidArgs)
	}
}

func TestExecuteSyncRejectsBadStrategy(t *testing.T) {
	a, b := t.TempDir(), t.TempDir()
	code := Execute([]string{"sync", "--conflict=bogus", a, b})
	if code != ExitInvalidArgs {
		t.Fatalf("got exit code %d, want %d", code, ExitInvalidArgs)
	}
}

func TestExecuteDumpListsEntries(t *testing.T) {
	root := t.TempDir()
	if err := os.WriteFile(filepath.Join(root, "a.txt"), []byte("alpha"), 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}

	code := Execute([]string{"dump", root})
	if code != ExitOK {
		t.Fatalf("got exit code %d, want %d", code, ExitOK)
	}
}

func TestExecuteDumpMissingRoot(t *testing.T) {
	code := Execute([]string{"dump"})
	if code == ExitOK {
		t.Fatalf("expected non-zero exit for missing argument")
	}
}

func TestExecuteUnknownSubcommand(t *testing.T) {
	code := Execute([]string{"frobnicate"})
	if code == ExitOK {
		t.Fatalf("expected non-zero exit for unknown subcommand")
	}
}
