// Package main implements the seglog binary: an HTTP server and operational
// subcommands over the embedded write-ahead log.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

func main() {
	root := &cobra.Command{
		Use:          "seglog",
		Short:        "Segmented write-ahead log",
		SilenceUsage: true,
	}
	root.AddCommand(
		newServeCmd(),
		newAppendCmd(),
		newReadCmd(),
		newSegmentsCmd(),
		newRolloverCmd(),
		newCleanupCmd(),
	)
	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
