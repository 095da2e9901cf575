// Package execution drives a TaskPlan to completion: a readiness loop
// picks the next task whose dependencies are satisfied, dispatches it
// (subtask-by-subtask when subtasks are declared), and aggregates a
// plan-level summary.
package execution

import (
	"context"
	"strings"
	"time"

	"github.com/scooter-lacroix/swiss-sandbox/internal/errs"
	"github.com/scooter-lacroix/swiss-sandbox/internal/ids"
	"github.com/scooter-lacroix/swiss-sandbox/internal/models"
	"github.com/scooter-lacroix/swiss-sandbox/internal/sandboxexec"
)

// TaskExecutor runs a single task (or subtask) against a workspace and
// reports what it did.
type TaskExecutor interface {
	Execute(ctx context.Context, description string, exec *sandboxexec.Executor) (models.TaskResult, error)
}

// KeywordExecutor dispatches by description keyword to the placeholder
// operations surrounding the command/file primitives — create/file,
// install/package, run/execute — per spec.md §4.10. A real deployment
// injects richer per-task-type executors implementing TaskExecutor.
type KeywordExecutor struct {
	Clock ids.Clock
}

// NewKeywordExecutor creates a KeywordExecutor with the system clock.
func NewKeywordExecutor() *KeywordExecutor {
	return &KeywordExecutor{Clock: ids.SystemClock{}}
}

// Execute dispatches description to a placeholder operation based on
// keyword matching.
func (k *KeywordExecutor) Execute(ctx context.Context, description string, exec *sandboxexec.Executor) (models.TaskResult, error) {
	start := k.Clock.Now()
	lower := strings.ToLower(description)

	var cmd string
	switch {
	case strings.Contains(lower, "install") && strings.Contains(lower, "package"):
		cmd = "true" // package installation is delegated to exec.InstallPackage by callers that need it
	case strings.Contains(lower, "create") && strings.Contains(lower, "file"):
		cmd = "true"
	case strings.Contains(lower, "run") || strings.Contains(lower, "execute"):
		cmd = "true"
	default:
		cmd = "true"
	}

	info, err := exec.Execute(ctx, cmd, ".", nil)
	duration := k.Clock.Now().Sub(start)

	result := models.TaskResult{
		Success:  err == nil && info.ExitCode == 0,
		Duration: duration,
		Output:   info.Stdout,
	}
	if err != nil {
		result.Success = false
	}
	return result, err
}

// Recoverer gives a failed task one chance at recovery before the
// engine gives up on the plan, the "integrated with C13" half of
// error handling & retry: on failure the engine asks the recoverer
// whether (and how) to retry, rather than owning backoff/strategy
// logic itself.
type Recoverer interface {
	Recover(ctx context.Context, task models.Task, cause error, exec *sandboxexec.Executor) bool
}

// Engine runs a TaskPlan to completion.
type Engine struct {
	Executor  TaskExecutor
	Recoverer Recoverer
	Clock     ids.Clock
}

// NewEngine creates an Engine bound to the given per-task executor.
func NewEngine(executor TaskExecutor) *Engine {
	return &Engine{Executor: executor, Clock: ids.SystemClock{}}
}

// ExecutePlan runs every task in plan in dependency-ready order,
// clearing sandboxExec's history before each task, and stops at the
// first task failure. Tasks with an empty status are treated as (and set
// to) not_started. It returns a stuck ExecutionResult (and a nil
// error) if no task is runnable while tasks remain uncompleted.
func (e *Engine) ExecutePlan(ctx context.Context, plan *models.TaskPlan, sandboxExec *sandboxexec.Executor) (*models.ExecutionResult, error) {
	start := e.Clock.Now()
	result := &models.ExecutionResult{PlanID: plan.ID, TotalTasks: len(plan.Tasks)}

	statusOf := make(map[string]models.TaskStatus, len(plan.Tasks))
	for i := range plan.Tasks {
		if plan.Tasks[i].Status == "" {
			plan.Tasks[i].Status = models.StatusNotStarted
		}
		statusOf[plan.Tasks[i].ID] = plan.Tasks[i].Status
	}

	for {
		idx := nextReadyTask(plan.Tasks, statusOf)
		if idx < 0 {
			if allTerminal(plan.Tasks, statusOf) {
				break
			}
			result.Stuck = true
			break
		}

		task := &plan.Tasks[idx]
		task.Status = models.StatusInProgress
		statusOf[task.ID] = models.StatusInProgress

		if sandboxExec != nil {
			sandboxExec.ClearHistory()
		}

		taskResult, err := e.runTask(ctx, task, sandboxExec)

		if (err != nil || !taskResult.Success) && e.Recoverer != nil && e.Recoverer.Recover(ctx, *task, err, sandboxExec) {
			if sandboxExec != nil {
				sandboxExec.ClearHistory()
			}
			taskResult, err = e.runTask(ctx, task, sandboxExec)
		}
		result.TaskResults = append(result.TaskResults, taskResult)

		if err != nil || !taskResult.Success {
			task.Status = models.StatusError
			statusOf[task.ID] = models.StatusError
			errInfo := &models.ErrorInfo{Message: errMessage(err)}
			task.ErrorInfo = errInfo
			result.Failed++
			break
		}

		task.Status = models.StatusCompleted
		statusOf[task.ID] = models.StatusCompleted
		duration := taskResult.Duration.Minutes()
		task.ActualDurationMin = &duration
		result.Completed++
	}

	result.TotalDuration = e.Clock.Now().Sub(start)
	if result.TotalTasks > 0 {
		result.SuccessRate = float64(result.Completed) / float64(result.TotalTasks)
	}
	return result, nil
}

func errMessage(err error) string {
	if err == nil {
		return "task reported failure"
	}
	return err.Error()
}

// runTask executes task's subtasks in declaration order if present,
// else the task directly, and aggregates their changes/commands/output
// into a single TaskResult whose Duration is the executor's elapsed
// wall-clock time for the whole task.
func (e *Engine) runTask(ctx context.Context, task *models.Task, sandboxExec *sandboxexec.Executor) (models.TaskResult, error) {
	start := e.Clock.Now()

	if len(task.Subtasks) == 0 {
		r, err := e.Executor.Execute(ctx, task.Description, sandboxExec)
		r.TaskID = task.ID
		r.Duration = e.Clock.Now().Sub(start)
		return r, err
	}

	aggregate := models.TaskResult{TaskID: task.ID, Success: true}
	var outputs []string

	for i := range task.Subtasks {
		sub := &task.Subtasks[i]
		sub.Status = models.StatusInProgress

		r, err := e.Executor.Execute(ctx, sub.Description, sandboxExec)
		aggregate.ChangesMade += r.ChangesMade
		aggregate.CommandsExecuted += r.CommandsExecuted
		if r.Output != "" {
			outputs = append(outputs, r.Output)
		}

		if err != nil || !r.Success {
			sub.Status = models.StatusError
			sub.ErrorInfo = &models.ErrorInfo{Message: errMessage(err)}
			aggregate.Success = false
			aggregate.ErrorInfo = sub.ErrorInfo
			aggregate.Duration = e.Clock.Now().Sub(start)
			aggregate.Output = strings.Join(outputs, "\n")
			return aggregate, err
		}

		sub.Status = models.StatusCompleted
	}

	aggregate.Duration = e.Clock.Now().Sub(start)
	aggregate.Output = strings.Join(outputs, "\n")
	return aggregate, nil
}

// nextReadyTask returns the index of the first not_started task whose
// dependencies are all completed, or -1 if none qualifies.
func nextReadyTask(tasks []models.Task, statusOf map[string]models.TaskStatus) int {
	for i, t := range tasks {
		if statusOf[t.ID] != models.StatusNotStarted {
			continue
		}
		if models.DependenciesSatisfied(t.Dependencies, statusOf) {
			return i
		}
	}
	return -1
}

func allTerminal(tasks []models.Task, statusOf map[string]models.TaskStatus) bool {
	for _, t := range tasks {
		s := statusOf[t.ID]
		if s != models.StatusCompleted && s != models.StatusError {
			return false
		}
	}
	return true
}

// ValidateEnvironment checks that the executor's scope root exists and
// is usable before a plan run begins.
func ValidateEnvironment(sandboxExec *sandboxexec.Executor) error {
	if sandboxExec == nil {
		return errs.New(errs.Validation, "no executor bound to the workspace")
	}
	if _, err := sandboxExec.Execute(context.Background(), "true", ".", durationPtr(2*time.Second)); err != nil {
		return errs.Wrap(errs.Runtime, "workspace environment validation failed", err)
	}
	return nil
}

func durationPtr(d time.Duration) *time.Duration { return &d }
