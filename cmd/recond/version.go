package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

var (
	// Version is overridden by ldflags at release build time.
	Version = "0.4.0"
	// Commit is the git revision the binary was built from (optional ldflag).
	Commit = ""
)

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	Run: func(cmd *cobra.Command, args []string) {
		if Commit != "" {
			fmt.Printf("recond version %s (%s)\n", Version, shortCommit(Commit))
			return
		}
		fmt.Printf("recond version %s\n", Version)
	},
}

func shortCommit(commit string) string {
	if len(commit) > 12 {
		return commit[:12]
	}
	return commit
}

func init() {
	rootCmd.AddCommand(versionCmd)
}
