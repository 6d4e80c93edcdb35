package main

import (
	"os"

	"github.com/spf13/cobra"
)

func main() {
	var cfgPath string
	var root = &cobra.Command{
		Use:           "satlog",
		Short:         "Shared event log and governed memory for agent satellites",
		SilenceUsage:  true,
		SilenceErrors: false,
	}
	root.PersistentFlags().StringVarP(&cfgPath, "config", "c", "", "config file (default is ./config/config.json)")

	root.AddCommand(
		serveCMD(&cfgPath),
		migrateCMD(&cfgPath),
		replayCMD(&cfgPath),
		syncCMD(&cfgPath),
		workspaceIDCMD(),
	)
	if err := root.Execute(); err != nil {
		os.Exit(1)
	}
}
