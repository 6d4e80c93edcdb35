package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/mohammad-safakhou/satlog/internal/memsync"
)

func workspaceIDCMD() *cobra.Command {
	var maxLen int
	var cmd = &cobra.Command{
		Use:   "workspace-id <external-id>",
		Short: "Print the workspace id derived from an external session identifier",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			_, err := fmt.Fprintln(cmd.OutOrStdout(), memsync.WorkspaceKey(args[0], maxLen))
			return err
		},
	}
	cmd.Flags().IntVar(&maxLen, "max-length", 64, "maximum id length (at least 16)")
	return cmd
}
