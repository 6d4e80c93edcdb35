package main

import (
	"encoding/json"

	"github.com/spf13/cobra"
)

func replayCMD(cfgPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "replay <workspace>",
		Short: "Rebuild a workspace's derived state from its stored events",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := openApp(cmd.Context(), *cfgPath, "replay")
			if err != nil {
				return err
			}
			defer a.Close()

			engine, err := a.engine()
			if err != nil {
				return err
			}
			res, err := engine.Replay(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			return enc.Encode(res)
		},
	}
}
