// Package main provides the CLI entry point for the sandboxd service.
package main

import (
	"fmt"
	"os"

	"github.com/scooter-lacroix/swiss-sandbox/internal/cmd"
)

// Version is the current version of sandboxd, reported by --version. It
// is a compile-time constant and overrides cmd.Version.
const Version = "1.0.0"

func main() {
	rootCmd := cmd.NewRootCommand()
	rootCmd.Version = Version

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
