package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

// Version is overridden at link time.
var Version = "dev"

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Show version information",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Fprintf(cmd.OutOrStdout(), "hellodev %s\n", Version)
	},
}

func init() {
	rootCmd.AddCommand(versionCmd)
}
