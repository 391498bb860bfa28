package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var (
	// Version information (set via ldflags during build)
	Version   = "dev"
	Commit    = "unknown"
	BuildTime = "unknown"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "bastion",
	Short: "Bastion - Unified security enforcement engine",
	Long: `Bastion gates every inbound request behind a layered security
pipeline: mutual TLS transport validation, role-based and attribute-based
authorization, and online threat analysis with automated response.

All layers compose deterministically and fail toward denial.`,
	Version: Version,
}

func init() {
	// Set version template
	rootCmd.SetVersionTemplate(fmt.Sprintf(
		"Bastion version %s\nCommit: %s\nBuilt: %s\n",
		Version, Commit, BuildTime,
	))

	// Add subcommands
	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(certCmd)
	rootCmd.AddCommand(policyCmd)
	rootCmd.AddCommand(rolesCmd)
}
