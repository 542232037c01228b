// recond is the transaction reconciliation daemon: it consumes
// per-source transaction views from the stream, groups them by
// transaction id, reconciles each group once enough sources have
// reported, and serves the dashboard API over HTTP.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var rootCmd = &cobra.Command{
	Use:   "recond",
	Short: "Multi-source transaction reconciliation daemon",
	Long: `recond reconciles transaction views reported independently by
multiple upstream systems (core banking, payment gateway, mobile
backend). Views sharing a transaction id are compared field by field;
disagreements are recorded as typed mismatches with severities and a
triage lifecycle, and the verdicts are served over an HTTP API.`,
	SilenceUsage:  true,
	SilenceErrors: true,
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
