package cmd

import (
	"github.com/spf13/cobra"
)

func newExecuteCommand(newServer serverFactory) *cobra.Command {
	return &cobra.Command{
		Use:   "execute <plan-id>",
		Short: "Run an approved task plan to completion or first failure",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			srv, err := newServer()
			if err != nil {
				return err
			}
			defer srv.Close()

			result, err := srv.ExecuteTaskPlan(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			return printResult(cmd, result)
		},
	}
}
