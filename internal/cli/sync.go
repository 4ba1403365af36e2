// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Backup License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

package cli

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/syncr-dev/syncr/internal/config"
	"github.com/syncr-dev/syncr/internal/diff"
	"github.com/syncr-dev/syncr/internal/logging"
	"github.com/syncr-dev/syncr/internal/orchestrator"
	"github.com/syncr-dev/syncr/internal/shutdown"
	"github.com/syncr-dev/syncr/internal/transport"
)

func newSyncCommand(code *int, syncrBinary *string) *cobra.Command {
	var (
		progress  bool
		quiet     bool
		delete_   bool
		dryRun    bool
		conflict  string
		bwlimit   string
		runLogDir string
	)

	cmd := &cobra.Command{
		Use:   "sync <spec>...",
		Short: "Synchronize N directory trees (local paths or host[:port]:path SSH targets)",
		Args: func(cmd *cobra.Command, args []string) error {
			if err := cobra.MinimumNArgs(2)(cmd, args); err != nil {
				*code = ExitInvalidArgs
				return err
			}
			return nil
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			strategy, err := parseStrategy(conflict)
			if err != nil {
				*code = ExitInvalidArgs
				return err
			}

			var bwHz float64
			if bwlimit != "" {
				raw, err := config.ParseByteSize(bwlimit)
				if err != nil {
					*code = ExitInvalidArgs
					return fmt.Errorf("--bwlimit: %w", err)
				}
				bwHz = float64(raw)
			}

			baseLogger, closer := logging.NewLogger(logLevelFromEnv(), "json", "")
			defer closer.Close()

			runID := uuid.NewString()
			logger, sessionCloser, sessionLogPath, err := logging.NewSessionLogger(baseLogger, runLogDir, "sync", runID)
			if err != nil {
				*code = ExitGeneric
				return err
			}
			defer sessionCloser.Close()

			coord := shutdown.New(logger)

			nodes := make([]orchestrator.Node, 0, len(args))
			for i, spec := range args {
				dialer, err := transport.ParseTarget(spec, *syncrBinary)
				if err != nil {
					*code = ExitInvalidArgs
					return err
				}
				nodes = append(nodes, orchestrator.Node{ID: i, Dialer: dialer})
			}

			o, err := orchestrator.New(orchestrator.Config{
				Nodes:  nodes,
				Policy: diff.ConflictPolicy{Strategy: strategy},
				Delete: diff.DeleteOptions{
					Enabled:           delete_,
					MaxDeleteFraction: 0.5,
				},
				DryRun:      dryRun,
				BandwidthHz: bwHz,
				Logger:      logger,
				Coordinator: coord,
			})
			if err != nil {
				*code = ExitInvalidArgs
				return err
			}

			report, err := o.Run(context.Background())
			if report != nil && report.Cancelled {
				*code = ExitCancelled
				if !quiet {
					logger.Warn("sync cancelled")
				}
				return nil
			}
			if err != nil {
				switch {
				case errors.Is(err, orchestrator.ErrLockBusy):
					*code = ExitLockBusy
				case errors.Is(err, orchestrator.ErrVersionMismatch):
					*code = ExitProtocolIncompatible
				default:
					*code = ExitGeneric
				}
				if sessionLogPath != "" {
					logger.Error("sync failed, run log kept for inspection", "path", sessionLogPath)
				}
				return err
			}

			if progress && !quiet {
				logger.Info("sync complete",
					"chunks_transferred", report.ChunksTransferred,
					"conflicts", len(report.Conflicts),
					"file_errors", len(report.FileErrors),
				)
			}
			// A clean run's dedicated log adds nothing once the base
			// logger has already reported completion.
			logging.RemoveSessionLog(runLogDir, "sync", runID)
			return nil
		},
	}

	cmd.Flags().BoolVar(&progress, "progress", false, "print progress summary on completion")
	cmd.Flags().BoolVar(&quiet, "quiet", false, "suppress non-error output")
	cmd.Flags().BoolVar(&delete_, "delete", false, "propagate deletes between nodes")
	cmd.Flags().BoolVar(&dryRun, "dry-run", false, "compute the plan without transferring or committing")
	cmd.Flags().StringVar(&runLogDir, "session-log-dir", "", "write a dedicated debug-level log file per run under this directory, removed on clean completion")
	cmd.Flags().StringVar(&conflict, "conflict", "newest", "conflict strategy: first|last|newest|oldest|largest")
	cmd.Flags().StringVar(&bwlimit, "bwlimit", "", "cap chunk transfer rate, e.g. \"10mb\" for 10MB/s")

	return cmd
}

func parseStrategy(s string) (diff.Strategy, error) {
	switch s {
	case "", "newest":
		return diff.PreferNewest, nil
	case "first":
		return diff.PreferFirst, nil
	case "last":
		return diff.PreferLast, nil
	case "oldest":
		return diff.PreferOldest, nil
	case "largest":
		return diff.PreferLargest, nil
	case "interactive":
		return diff.Interactive, nil
	default:
		return 0, fmt.Errorf("unknown --conflict strategy %q", s)
	}
}
