// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Backup License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

package cli

import (
	"context"
	"os"

	"github.com/spf13/cobra"

	"github.com/syncr-dev/syncr/internal/logging"
	"github.com/syncr-dev/syncr/internal/protocol"
	"github.com/syncr-dev/syncr/internal/serve"
)

func newServeCommand(code *int) *cobra.Command {
	return &cobra.Command{
		Use:   "serve <path>",
		Short: "Run the Serve engine against a root, speaking SYNCR/3 on stdin/stdout",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			root := args[0]

			logger, closer := logging.NewLogger(logLevelFromEnv(), "json", "")
			defer closer.Close()

			e, err := serve.New(root, nil)
			if err != nil {
				*code = ExitGeneric
				return err
			}
			defer e.Close()

			r := protocol.NewReader(os.Stdin)
			w := protocol.NewWriter(os.Stdout)

			if err := e.Run(context.Background(), r, w); err != nil {
				logger.Error("serve ended with error", "root", root, "error", err)
				*code = ExitGeneric
				return err
			}
			return nil
		},
	}
}
