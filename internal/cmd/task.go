package cmd

import (
	"github.com/scooter-lacroix/swiss-sandbox/internal/models"
	"github.com/spf13/cobra"
)

func newTaskCommand(newServer serverFactory) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "task",
		Short: "Inspect or manually transition task status",
	}
	cmd.AddCommand(newTaskUpdateStatusCommand(newServer))
	return cmd
}

func newTaskUpdateStatusCommand(newServer serverFactory) *cobra.Command {
	return &cobra.Command{
		Use:   "update-status <task-id> <not_started|in_progress|completed|error>",
		Short: "Force a task's status outside the normal execution flow",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			srv, err := newServer()
			if err != nil {
				return err
			}
			defer srv.Close()

			result, err := srv.UpdateTaskStatus(args[0], models.TaskStatus(args[1]))
			if err != nil {
				return err
			}
			return printResult(cmd, result)
		},
	}
}
