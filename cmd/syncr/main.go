// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Backup License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

// Command syncr is the SyncR CLI: sync runs the multi-node orchestrator
// pipeline, serve runs the single-root Serve engine over stdin/stdout,
// and dump scans a root and prints its entries for diagnostics.
package main

import (
	"os"

	"github.com/syncr-dev/syncr/internal/cli"
)

func main() {
	os.Exit(cli.Execute(os.Args[1:]))
}
