// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Backup License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

package cli

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/syncr-dev/syncr/internal/scan"
	"github.com/syncr-dev/syncr/internal/serve"
)

func newDumpCommand(code *int) *cobra.Command {
	return &cobra.Command{
		Use:   "dump <path>",
		Short: "Scan a root and print its entries, for diagnostics",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			root := args[0]

			e, err := serve.New(root, nil)
			if err != nil {
				*code = ExitGeneric
				return err
			}
			defer e.Close()

			out := cmd.OutOrStdout()
			err = e.Dump(context.Background(), func(r scan.Result) error {
				if r.Error != nil {
					fmt.Fprintf(out, "ERROR %s: %v\n", r.Error.RelPath, r.Error.Err)
					return nil
				}
				fmt.Fprintf(out, "%s\t%s\t%d\t%d chunks\n", r.Entry.Kind, r.Entry.RelPath, r.Entry.Size, len(r.Entry.Chunks))
				return nil
			})
			if err != nil {
				*code = ExitGeneric
				return err
			}
			return nil
		},
	}
}
