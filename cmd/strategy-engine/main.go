package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var configPath string

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "strategy-engine",
		Short:         "Aggregate and normalize progressive strategy analyses",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVarP(&configPath, "config", "c", "", "YAML config file (defaults and STRATEGY_* env apply without it)")
	root.AddCommand(newServeCmd(), newWatchCmd(), newNormalizeCmd())
	return root
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}
