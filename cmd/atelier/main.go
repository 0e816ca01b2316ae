// Package main is the entry point for the atelier CLI.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

// version is stamped by the build; local builds report dev.
var version = "dev"

var rootCmd = &cobra.Command{
	Use:   "atelier",
	Short: "Multi-agent coding orchestration",
	Long: `Atelier runs a coordinator, crafters, and a verifier over a workspace:
the coordinator plans the prompt into tasks, crafters implement them in
parallel waves, and a verifier gates each wave until every task is approved
or the wave budget runs out.`,
	Version: version,
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the atelier version",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Printf("atelier %s\n", version)
	},
}

func init() {
	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(sessionsCmd)
	rootCmd.AddCommand(versionCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
