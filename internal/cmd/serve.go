package cmd

import (
	"bufio"
	"context"
	"encoding/json"
	"io"

	"github.com/scooter-lacroix/swiss-sandbox/internal/connection"
	"github.com/scooter-lacroix/swiss-sandbox/internal/errs"
	"github.com/scooter-lacroix/swiss-sandbox/internal/models"
	"github.com/scooter-lacroix/swiss-sandbox/internal/toolserver"
	"github.com/spf13/cobra"
)

// toolCall is one line of a serve session's request stream: the tool
// name from spec.md §6 plus its JSON-encoded arguments.
type toolCall struct {
	Tool string          `json:"tool"`
	Args json.RawMessage `json:"args"`
}

type toolCallResponse struct {
	Result toolserver.Result `json:"result,omitempty"`
	Error  string            `json:"error,omitempty"`
}

func newServeCommand(newServer serverFactory) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run sandboxd as a persistent stdio tool server",
		Long: `Serve keeps one sandboxd instance alive across calls, reading one
JSON tool call per line from stdin ({"tool": "create_workspace", "args": {...}})
and writing one JSON result per line to stdout. This is how a caller
drives the multi-step create_workspace -> create_task_plan ->
submit_plan_for_approval -> approve_plan -> execute_task_plan sequence
against state that must persist between calls, something separate CLI
invocations of the other subcommands cannot do.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			srv, err := newServer()
			if err != nil {
				return err
			}
			defer srv.Close()

			return runServeLoop(cmd.Context(), srv, cmd.InOrStdin(), cmd.OutOrStdout())
		},
	}
}

func runServeLoop(ctx context.Context, srv *toolserver.Server, in io.Reader, out io.Writer) error {
	scanner := bufio.NewScanner(in)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	encoder := json.NewEncoder(out)

	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}

		var call toolCall
		if err := json.Unmarshal(line, &call); err != nil {
			_ = encoder.Encode(toolCallResponse{Error: err.Error()})
			continue
		}

		result, err := dispatch(ctx, srv, call)
		if err != nil {
			_ = encoder.Encode(toolCallResponse{Error: err.Error()})
			continue
		}
		_ = encoder.Encode(toolCallResponse{Result: result})
	}
	return scanner.Err()
}

func dispatch(ctx context.Context, srv *toolserver.Server, call toolCall) (toolserver.Result, error) {
	switch call.Tool {
	case "create_workspace":
		var args struct {
			SourcePath  string `json:"source_path"`
			WorkspaceID string `json:"workspace_id"`
		}
		if err := json.Unmarshal(call.Args, &args); err != nil {
			return nil, err
		}
		return srv.CreateWorkspace(args.SourcePath, args.WorkspaceID)

	case "destroy_workspace":
		var args struct {
			WorkspaceID string `json:"workspace_id"`
		}
		if err := json.Unmarshal(call.Args, &args); err != nil {
			return nil, err
		}
		return srv.DestroyWorkspace(args.WorkspaceID), nil

	case "analyze_codebase":
		var args struct {
			WorkspaceID string `json:"workspace_id"`
		}
		if err := json.Unmarshal(call.Args, &args); err != nil {
			return nil, err
		}
		return srv.AnalyzeCodebase(args.WorkspaceID)

	case "create_task_plan":
		var args struct {
			WorkspaceID string `json:"workspace_id"`
			Description string `json:"description"`
		}
		if err := json.Unmarshal(call.Args, &args); err != nil {
			return nil, err
		}
		return srv.CreateTaskPlan(args.WorkspaceID, args.Description)

	case "submit_plan_for_approval":
		var args struct {
			PlanID string `json:"plan_id"`
		}
		if err := json.Unmarshal(call.Args, &args); err != nil {
			return nil, err
		}
		return srv.SubmitPlanForApproval(args.PlanID)

	case "approve_plan":
		var args struct {
			RequestID string `json:"request_id"`
		}
		if err := json.Unmarshal(call.Args, &args); err != nil {
			return nil, err
		}
		return srv.ApprovePlan(args.RequestID)

	case "reject_plan":
		var args struct {
			RequestID string `json:"request_id"`
			Feedback  string `json:"feedback"`
		}
		if err := json.Unmarshal(call.Args, &args); err != nil {
			return nil, err
		}
		return srv.RejectPlan(args.RequestID, args.Feedback)

	case "request_plan_revision":
		var args struct {
			RequestID     string   `json:"request_id"`
			Feedback      string   `json:"feedback"`
			Modifications []string `json:"modifications"`
		}
		if err := json.Unmarshal(call.Args, &args); err != nil {
			return nil, err
		}
		return srv.RequestPlanRevision(args.RequestID, args.Feedback, args.Modifications)

	case "execute_task_plan":
		var args struct {
			PlanID string `json:"plan_id"`
		}
		if err := json.Unmarshal(call.Args, &args); err != nil {
			return nil, err
		}
		return srv.ExecuteTaskPlan(ctx, args.PlanID)

	case "update_task_status":
		var args struct {
			TaskID string `json:"task_id"`
			Status string `json:"status"`
		}
		if err := json.Unmarshal(call.Args, &args); err != nil {
			return nil, err
		}
		return srv.UpdateTaskStatus(args.TaskID, models.TaskStatus(args.Status))

	case "get_resource_stats":
		return srv.GetResourceStats(), nil

	case "get_connection_stats":
		return srv.GetConnectionStats(), nil

	case "configure_rate_limits":
		var args connection.Limits
		if err := json.Unmarshal(call.Args, &args); err != nil {
			return nil, err
		}
		return srv.ConfigureRateLimits(args), nil

	case "configure_connection_limits":
		var args connection.Limits
		if err := json.Unmarshal(call.Args, &args); err != nil {
			return nil, err
		}
		return srv.ConfigureConnectionLimits(args), nil

	case "emergency_cleanup":
		return srv.EmergencyCleanup(), nil

	default:
		return nil, errs.New(errs.Validation, "unknown tool").WithContext("tool", call.Tool)
	}
}
