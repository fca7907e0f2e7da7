package main

import (
	"os"

	"github.com/spf13/cobra"
)

func main() {
	var cfgPath string
	root := &cobra.Command{
		Use:          "scholar",
		Short:        "Plan, research, write and edit research reports",
		SilenceUsage: true,
	}
	root.PersistentFlags().StringVarP(&cfgPath, "config", "c", "", "config file (JSON or YAML)")

	root.AddCommand(serveCMD(&cfgPath), runCMD(&cfgPath))
	if err := root.Execute(); err != nil {
		os.Exit(1)
	}
}
