package cmd

import (
	"github.com/spf13/cobra"
)

func newPlanCommand(newServer serverFactory) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "plan",
		Short: "Create and move task plans through approval",
	}
	cmd.AddCommand(newPlanCreateCommand(newServer))
	cmd.AddCommand(newPlanSubmitCommand(newServer))
	cmd.AddCommand(newPlanApproveCommand(newServer))
	cmd.AddCommand(newPlanRejectCommand(newServer))
	cmd.AddCommand(newPlanReviseCommand(newServer))
	return cmd
}

func newPlanCreateCommand(newServer serverFactory) *cobra.Command {
	return &cobra.Command{
		Use:   "create <workspace-id> <description>",
		Short: "Decompose a plain-language request into a dependency-ordered task plan",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			srv, err := newServer()
			if err != nil {
				return err
			}
			defer srv.Close()

			result, err := srv.CreateTaskPlan(args[0], args[1])
			if err != nil {
				return err
			}
			return printResult(cmd, result)
		},
	}
}

func newPlanSubmitCommand(newServer serverFactory) *cobra.Command {
	return &cobra.Command{
		Use:   "submit <plan-id>",
		Short: "Submit a plan for approval",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			srv, err := newServer()
			if err != nil {
				return err
			}
			defer srv.Close()

			result, err := srv.SubmitPlanForApproval(args[0])
			if err != nil {
				return err
			}
			return printResult(cmd, result)
		},
	}
}

func newPlanApproveCommand(newServer serverFactory) *cobra.Command {
	return &cobra.Command{
		Use:   "approve <request-id>",
		Short: "Approve a pending plan",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			srv, err := newServer()
			if err != nil {
				return err
			}
			defer srv.Close()

			result, err := srv.ApprovePlan(args[0])
			if err != nil {
				return err
			}
			return printResult(cmd, result)
		},
	}
}

func newPlanRejectCommand(newServer serverFactory) *cobra.Command {
	var feedback string

	cmd := &cobra.Command{
		Use:   "reject <request-id>",
		Short: "Reject a pending plan",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			srv, err := newServer()
			if err != nil {
				return err
			}
			defer srv.Close()

			result, err := srv.RejectPlan(args[0], feedback)
			if err != nil {
				return err
			}
			return printResult(cmd, result)
		},
	}
	cmd.Flags().StringVar(&feedback, "feedback", "", "why the plan was rejected")
	return cmd
}

func newPlanReviseCommand(newServer serverFactory) *cobra.Command {
	var feedback string
	var modifications []string

	cmd := &cobra.Command{
		Use:   "revise <request-id>",
		Short: "Request a revision of a pending plan",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			srv, err := newServer()
			if err != nil {
				return err
			}
			defer srv.Close()

			result, err := srv.RequestPlanRevision(args[0], feedback, modifications)
			if err != nil {
				return err
			}
			return printResult(cmd, result)
		},
	}
	cmd.Flags().StringVar(&feedback, "feedback", "", "why a revision is needed")
	cmd.Flags().StringArrayVar(&modifications, "modification", nil, "one modification line (repeatable), e.g. \"remove task 3\"")
	return cmd
}
