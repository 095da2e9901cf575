// Package cmd assembles the sandboxd CLI: a cobra command tree whose
// subcommands each call one method on a toolserver.Server and print its
// Result as JSON, mirroring spec.md §6's named tool surface. There is no
// get_execution_history subcommand: the tool server has no such tool.
package cmd

import (
	"encoding/json"
	"fmt"

	"github.com/scooter-lacroix/swiss-sandbox/internal/config"
	"github.com/scooter-lacroix/swiss-sandbox/internal/logging"
	"github.com/scooter-lacroix/swiss-sandbox/internal/toolserver"
	"github.com/spf13/cobra"
)

// Version is injected at build time via -ldflags.
var Version = "dev"

// ConfigPath is the default YAML overlay path, injected at build time;
// --config overrides it, and an empty path disables the overlay.
var ConfigPath = ""

// NewRootCommand creates and returns the root cobra command for sandboxd.
func NewRootCommand() *cobra.Command {
	var configPath string

	root := &cobra.Command{
		Use:   "sandboxd",
		Short: "Intelligent sandbox host-side service",
		Long: `sandboxd hosts isolated code-analysis and task-execution workspaces.

It clones a source tree into an exclusive sandbox, analyzes it, decomposes
a plain-language request into a dependency-ordered task plan, runs that
plan to completion or first failure, and enforces the resource and
connection limits described in its configuration.`,
		Version:      Version,
		SilenceUsage: true,
	}
	root.PersistentFlags().StringVar(&configPath, "config", ConfigPath, "path to a YAML config overlay")

	newServer := func() (*toolserver.Server, error) {
		cfg := config.Default()
		if configPath != "" {
			if err := config.LoadYAML(cfg, configPath); err != nil {
				return nil, err
			}
		}
		config.ApplyEnvOverrides(cfg)
		logger := logging.NewConsole(root.ErrOrStderr(), logging.ParseLevel(cfg.LogLevel))
		return toolserver.New(cfg, logger)
	}

	root.AddCommand(newServeCommand(newServer))
	root.AddCommand(newWorkspaceCommand(newServer))
	root.AddCommand(newAnalyzeCommand(newServer))
	root.AddCommand(newPlanCommand(newServer))
	root.AddCommand(newExecuteCommand(newServer))
	root.AddCommand(newTaskCommand(newServer))
	root.AddCommand(newStatsCommand(newServer))

	return root
}

type serverFactory func() (*toolserver.Server, error)

func printResult(cmd *cobra.Command, result toolserver.Result) error {
	data, err := json.MarshalIndent(result, "", "  ")
	if err != nil {
		return err
	}
	fmt.Fprintln(cmd.OutOrStdout(), string(data))
	return nil
}
