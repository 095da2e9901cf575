package cmd

import (
	"github.com/spf13/cobra"
)

func newWorkspaceCommand(newServer serverFactory) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "workspace",
		Short: "Create or destroy sandbox workspaces",
	}
	cmd.AddCommand(newWorkspaceCreateCommand(newServer))
	cmd.AddCommand(newWorkspaceDestroyCommand(newServer))
	return cmd
}

func newWorkspaceCreateCommand(newServer serverFactory) *cobra.Command {
	var workspaceID string

	cmd := &cobra.Command{
		Use:   "create <source-path>",
		Short: "Clone a source tree into a fresh sandbox workspace",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			srv, err := newServer()
			if err != nil {
				return err
			}
			defer srv.Close()

			result, err := srv.CreateWorkspace(args[0], workspaceID)
			if err != nil {
				return err
			}
			return printResult(cmd, result)
		},
	}
	cmd.Flags().StringVar(&workspaceID, "id", "", "explicit workspace id (generated when omitted)")
	return cmd
}

func newWorkspaceDestroyCommand(newServer serverFactory) *cobra.Command {
	return &cobra.Command{
		Use:   "destroy <workspace-id>",
		Short: "Tear down a sandbox workspace",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			srv, err := newServer()
			if err != nil {
				return err
			}
			defer srv.Close()

			return printResult(cmd, srv.DestroyWorkspace(args[0]))
		},
	}
}
