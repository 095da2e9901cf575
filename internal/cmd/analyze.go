package cmd

import (
	"github.com/spf13/cobra"
)

func newAnalyzeCommand(newServer serverFactory) *cobra.Command {
	return &cobra.Command{
		Use:   "analyze <workspace-id>",
		Short: "Run structural analysis over a workspace",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			srv, err := newServer()
			if err != nil {
				return err
			}
			defer srv.Close()

			result, err := srv.AnalyzeCodebase(args[0])
			if err != nil {
				return err
			}
			return printResult(cmd, result)
		},
	}
}
