// Package retry builds an ErrorInfo and RetryContext from a task
// failure, attaches recovery strategies by error kind, and drives the
// retry loop: interruptible backoff sleep, recovery application,
// history reset, and re-execution.
package retry

import (
	"context"
	"os"
	"path/filepath"
	"time"

	"github.com/scooter-lacroix/swiss-sandbox/internal/errs"
	"github.com/scooter-lacroix/swiss-sandbox/internal/ids"
	"github.com/scooter-lacroix/swiss-sandbox/internal/models"
	"github.com/scooter-lacroix/swiss-sandbox/internal/sandboxexec"
)

// RecoverKind is a closed set of recovery actions. Strategies dispatch
// by this tag rather than storing an arbitrary closure, so a registry
// built from configuration stays serializable and auditable.
type RecoverKind string

const (
	RecoverFixPermissions RecoverKind = "fix_permissions"
	RecoverRaiseTimeout   RecoverKind = "raise_timeout"
	RecoverCustom         RecoverKind = "custom"
	RecoverNone           RecoverKind = "none"
)

// CustomRecoverFn is the escape hatch for a caller-supplied recovery
// action; only used when Kind == RecoverCustom.
type CustomRecoverFn func(ctx context.Context, rc *models.RetryContext, exec *sandboxexec.Executor) error

// RecoveryStrategy describes one way to react to a given error kind.
type RecoveryStrategy struct {
	Kind               errs.Kind
	Recover            RecoverKind
	Custom             CustomRecoverFn
	Description        string
	SuggestedActions   []string
	SuccessProbability float64
}

// Registry maps an error kind to its registered recovery strategies.
type Registry struct {
	strategies map[errs.Kind][]RecoveryStrategy
}

// NewRegistry builds a registry with the default strategy covering
// every error kind named in the taxonomy.
func NewRegistry() *Registry {
	r := &Registry{strategies: make(map[errs.Kind][]RecoveryStrategy)}
	r.register(errs.Permission, RecoveryStrategy{
		Kind: errs.Permission, Recover: RecoverFixPermissions,
		Description:        "restore read/write access to the workspace and recently modified files",
		SuggestedActions:   []string{"chmod the workspace tree", "verify the sandbox user owns the path"},
		SuccessProbability: 0.7,
	})
	r.register(errs.Timeout, RecoveryStrategy{
		Kind: errs.Timeout, Recover: RecoverRaiseTimeout,
		Description:        "raise the per-command timeout for subsequent attempts",
		SuggestedActions:   []string{"double the timeout", "split the command into smaller steps"},
		SuccessProbability: 0.5,
	})
	r.register(errs.CommandNotFound, RecoveryStrategy{
		Kind: errs.CommandNotFound, Recover: RecoverNone,
		Description:        "install the missing executable before retrying",
		SuggestedActions:   []string{"check PATH", "install the required package"},
		SuccessProbability: 0.3,
	})
	r.register(errs.FileNotFound, RecoveryStrategy{
		Kind: errs.FileNotFound, Recover: RecoverNone,
		Description:        "verify the referenced path exists in the workspace",
		SuggestedActions:   []string{"re-check the working directory", "re-run the step that should have created it"},
		SuccessProbability: 0.4,
	})
	r.register(errs.Syntax, RecoveryStrategy{
		Kind: errs.Syntax, Recover: RecoverNone,
		Description:        "fix the malformed command or source before retrying",
		SuggestedActions:   []string{"review the generated command"},
		SuccessProbability: 0.2,
	})
	r.register(errs.Value, RecoveryStrategy{
		Kind: errs.Value, Recover: RecoverNone,
		Description:        "correct the invalid argument before retrying",
		SuggestedActions:   []string{"validate input values"},
		SuccessProbability: 0.3,
	})
	r.register(errs.Runtime, RecoveryStrategy{
		Kind: errs.Runtime, Recover: RecoverNone,
		Description:        "inspect stderr for the underlying cause",
		SuggestedActions:   []string{"review command output", "retry with more logging"},
		SuccessProbability: 0.3,
	})
	r.register(errs.Validation, RecoveryStrategy{
		Kind: errs.Validation, Recover: RecoverNone,
		Description:        "correct the plan or task definition before retrying",
		SuggestedActions:   []string{"re-validate the task plan"},
		SuccessProbability: 0.2,
	})
	r.register(errs.Security, RecoveryStrategy{
		Kind: errs.Security, Recover: RecoverNone,
		Description:        "this failure is not retried automatically",
		SuggestedActions:   []string{"escalate to a human reviewer"},
		SuccessProbability: 0.0,
	})
	r.register(errs.RateLimited, RecoveryStrategy{
		Kind: errs.RateLimited, Recover: RecoverNone,
		Description:        "wait out the rate limit window before retrying",
		SuggestedActions:   []string{"back off and retry later"},
		SuccessProbability: 0.6,
	})
	r.register(errs.ResourceExhausted, RecoveryStrategy{
		Kind: errs.ResourceExhausted, Recover: RecoverNone,
		Description:        "free resources before retrying",
		SuggestedActions:   []string{"reduce concurrency", "clean up temp files"},
		SuccessProbability: 0.4,
	})
	r.register(errs.MaxRetriesExceeded, RecoveryStrategy{
		Kind: errs.MaxRetriesExceeded, Recover: RecoverNone,
		Description:        "exhausted retries; this task requires manual intervention",
		SuggestedActions:   []string{"escalate to a human reviewer"},
		SuccessProbability: 0.0,
	})
	r.register(errs.Internal, RecoveryStrategy{
		Kind: errs.Internal, Recover: RecoverNone,
		Description:        "an unexpected internal error occurred",
		SuggestedActions:   []string{"file a bug report"},
		SuccessProbability: 0.1,
	})
	return r
}

func (r *Registry) register(kind errs.Kind, strategy RecoveryStrategy) {
	r.strategies[kind] = append(r.strategies[kind], strategy)
}

// Register adds an additional strategy for kind (e.g. a caller-supplied
// RecoverCustom strategy), without replacing the defaults.
func (r *Registry) Register(kind errs.Kind, strategy RecoveryStrategy) {
	r.register(kind, strategy)
}

// For returns every registered strategy for kind, best (highest success
// probability) first.
func (r *Registry) For(kind errs.Kind) []RecoveryStrategy {
	strategies := append([]RecoveryStrategy(nil), r.strategies[kind]...)
	for i := 1; i < len(strategies); i++ {
		for j := i; j > 0 && strategies[j].SuccessProbability > strategies[j-1].SuccessProbability; j-- {
			strategies[j], strategies[j-1] = strategies[j-1], strategies[j]
		}
	}
	return strategies
}

// Manager builds RetryContexts from failures and drives the retry loop
// against a sandboxexec.Executor.
type Manager struct {
	Registry   *Registry
	Clock      ids.Clock
	MaxRetries int
	BaseDelay  time.Duration
	Backoff    float64
}

// NewManager creates a Manager with the default strategy registry.
func NewManager(maxRetries int, baseDelay time.Duration, backoff float64) *Manager {
	return &Manager{
		Registry:   NewRegistry(),
		Clock:      ids.SystemClock{},
		MaxRetries: maxRetries,
		BaseDelay:  baseDelay,
		Backoff:    backoff,
	}
}

// HandleError builds an ErrorInfo and a fresh or continued RetryContext
// for task, capturing the workspace snapshot and attaching recovery
// strategies for the error's kind.
func (m *Manager) HandleError(task models.Task, cause error, exec *sandboxexec.Executor, existing *models.RetryContext) *models.RetryContext {
	kind := errs.KindOf(cause)

	errInfo := models.ErrorInfo{
		Kind:      models.ErrorKind(kind),
		Message:   cause.Error(),
		Timestamp: m.Clock.Now(),
		Context:   m.snapshot(task, exec),
	}

	ctx := existing
	if ctx == nil {
		ctx = &models.RetryContext{
			Task:              task,
			MaxRetries:        m.MaxRetries,
			BaseDelay:         m.BaseDelay,
			BackoffMultiplier: m.Backoff,
		}
	}
	ctx.LatestError = errInfo
	ctx.RecoveryStrategies = refsFor(m.Registry.For(kind))
	return ctx
}

func refsFor(strategies []RecoveryStrategy) []models.RecoveryStrategyRef {
	refs := make([]models.RecoveryStrategyRef, len(strategies))
	for i, s := range strategies {
		refs[i] = models.RecoveryStrategyRef{
			Kind:               string(s.Kind),
			Description:        s.Description,
			SuggestedActions:   s.SuggestedActions,
			SuccessProbability: s.SuccessProbability,
		}
	}
	return refs
}

func (m *Manager) snapshot(task models.Task, exec *sandboxexec.Executor) map[string]any {
	ctx := map[string]any{
		"task_id":          task.ID,
		"task_description": task.Description,
	}
	if exec == nil {
		return ctx
	}

	ctx["workspace_path"] = exec.Scope.Root
	if info, err := os.Stat(exec.Scope.Root); err == nil {
		ctx["workspace_exists"] = true
		ctx["workspace_writable"] = info.Mode().Perm()&0o200 != 0
	} else {
		ctx["workspace_exists"] = false
	}

	changes := exec.Changes
	if len(changes) > 5 {
		changes = changes[len(changes)-5:]
	}
	ctx["recent_file_changes"] = changes

	commands := exec.History
	if len(commands) > 3 {
		commands = commands[len(commands)-3:]
	}
	ctx["recent_commands"] = commands

	return ctx
}

// TaskRunner executes a single task and reports whether it succeeded.
type TaskRunner func(ctx context.Context) (changesMade int, commandsExecuted int, err error)

// RetryTask drives the full retry cycle for rc: refuse if exhausted,
// sleep the backoff delay (cancellable via ctx), apply recovery
// strategies, clear the executor's history, and re-run the task via
// run. An AttemptInfo is appended to rc regardless of outcome.
func (m *Manager) RetryTask(ctx context.Context, rc *models.RetryContext, exec *sandboxexec.Executor, run TaskRunner) error {
	if !rc.CanRetry() {
		return errs.New(errs.MaxRetriesExceeded, "exhausted retry attempts").WithContext("task_id", rc.Task.ID)
	}

	delay := rc.NextDelay()
	if err := m.sleep(ctx, delay); err != nil {
		return err
	}

	m.applyRecovery(ctx, rc, exec)

	if exec != nil {
		exec.ClearHistory()
	}

	start := m.Clock.Now()
	changes, commands, runErr := run(ctx)
	duration := m.Clock.Now().Sub(start)

	attempt := models.AttemptInfo{
		AttemptNumber:    len(rc.PreviousAttempts) + 1,
		Timestamp:        start,
		Duration:         duration,
		Success:          runErr == nil,
		ChangesMade:      changes,
		CommandsExecuted: commands,
	}
	if runErr != nil {
		errInfo := models.ErrorInfo{
			Kind:      models.ErrorKind(errs.KindOf(runErr)),
			Message:   runErr.Error(),
			Timestamp: m.Clock.Now(),
		}
		attempt.ErrorInfo = &errInfo
	}
	rc.PreviousAttempts = append(rc.PreviousAttempts, attempt)

	return runErr
}

// PrepareRetry performs the can-retry check, interruptible backoff
// sleep, and recovery-strategy application steps of the retry cycle
// without re-running the task itself — for callers (such as an
// execution engine's own retry loop) that re-execute the task
// themselves and only need this package's backoff/recovery mechanics.
// RetryTask remains the all-in-one entry point for callers that don't
// drive their own execution loop.
func (m *Manager) PrepareRetry(ctx context.Context, rc *models.RetryContext, exec *sandboxexec.Executor) error {
	if !rc.CanRetry() {
		return errs.New(errs.MaxRetriesExceeded, "exhausted retry attempts").WithContext("task_id", rc.Task.ID)
	}

	delay := rc.NextDelay()
	if err := m.sleep(ctx, delay); err != nil {
		return err
	}

	m.applyRecovery(ctx, rc, exec)
	return nil
}

// sleep blocks for d, or returns ctx.Err() early if ctx is cancelled
// first, mirroring the teacher's interruptible rate-limit wait.
func (m *Manager) sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (m *Manager) applyRecovery(ctx context.Context, rc *models.RetryContext, exec *sandboxexec.Executor) {
	kind := errs.Kind(rc.LatestError.Kind)
	for _, strategy := range m.Registry.For(kind) {
		switch strategy.Recover {
		case RecoverFixPermissions:
			m.fixPermissions(exec)
		case RecoverRaiseTimeout:
			m.raiseTimeout(exec)
		case RecoverCustom:
			if strategy.Custom != nil {
				_ = strategy.Custom(ctx, rc, exec)
			}
		}
	}
}

func (m *Manager) fixPermissions(exec *sandboxexec.Executor) {
	if exec == nil {
		return
	}
	_ = os.Chmod(exec.Scope.Root, 0o755)
	for _, change := range exec.Changes {
		full := filepath.Join(exec.Scope.Root, change.FilePath)
		if info, err := os.Stat(full); err == nil {
			_ = os.Chmod(full, info.Mode().Perm()|0o600)
		}
	}
}

func (m *Manager) raiseTimeout(exec *sandboxexec.Executor) {
	if exec == nil {
		return
	}
	if exec.DefaultTimeout <= 0 {
		exec.DefaultTimeout = 30 * time.Second
		return
	}
	exec.DefaultTimeout *= 2
}
