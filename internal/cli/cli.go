// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Backup License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

// Package cli wires the cobra command tree for the syncr binary: sync,
// serve and dump, sharing one exit-code table (spec.md §6); sync and serve
// build their logger from SYNCR_LOG.
package cli

import (
	"os"
	"strings"

	"github.com/spf13/cobra"
)

// Exit codes, fixed by spec.md §6.
const (
	ExitOK                   = 0
	ExitGeneric              = 1
	ExitInvalidArgs          = 2
	ExitLockBusy             = 3
	ExitProtocolIncompatible = 4
	ExitCancelled            = 5
)

// Execute parses args and runs the selected subcommand, returning the
// process exit code.
func Execute(args []string) int {
	code := ExitOK
	root := newRootCommand(&code)
	root.SetArgs(args)

	if err := root.Execute(); err != nil {
		if code == ExitOK {
			code = ExitGeneric
		}
	}
	return code
}

func newRootCommand(code *int) *cobra.Command {
	var syncrBinary string

	root := &cobra.Command{
		Use:          "syncr",
		Short:        "SyncR synchronizes directory trees across nodes via content-addressed chunking",
		SilenceUsage: true,
	}
	root.PersistentFlags().StringVar(&syncrBinary, "syncr-binary", "", `path to the syncr binary to spawn for local/SSH targets (defaults to "syncr" on PATH)`)

	root.AddCommand(newSyncCommand(code, &syncrBinary))
	root.AddCommand(newServeCommand(code))
	root.AddCommand(newDumpCommand(code))
	return root
}

// logLevelFromEnv reads the log level for "sync"/"serve" from SYNCR_LOG
// (spec.md §6), defaulting to "info"; the CLI reads no config file.
func logLevelFromEnv() string {
	v := strings.TrimSpace(os.Getenv("SYNCR_LOG"))
	if v == "" {
		return "info"
	}
	return v
}
