// Package toolserver exposes the sandbox's component graph as a named
// set of tools: each public method on Server corresponds to one entry
// in the tool surface, takes its arguments as parameters, and returns a
// JSON-shaped result map so a caller-side transport (stdio, RPC, CLI)
// only has to marshal the return value.
package toolserver

import (
	"context"
	"fmt"
	"time"

	"github.com/scooter-lacroix/swiss-sandbox/internal/analyzer"
	"github.com/scooter-lacroix/swiss-sandbox/internal/approval"
	"github.com/scooter-lacroix/swiss-sandbox/internal/cache"
	"github.com/scooter-lacroix/swiss-sandbox/internal/config"
	"github.com/scooter-lacroix/swiss-sandbox/internal/connection"
	"github.com/scooter-lacroix/swiss-sandbox/internal/errs"
	"github.com/scooter-lacroix/swiss-sandbox/internal/execution"
	"github.com/scooter-lacroix/swiss-sandbox/internal/fsutil"
	"github.com/scooter-lacroix/swiss-sandbox/internal/ids"
	"github.com/scooter-lacroix/swiss-sandbox/internal/logging"
	"github.com/scooter-lacroix/swiss-sandbox/internal/models"
	"github.com/scooter-lacroix/swiss-sandbox/internal/planner"
	"github.com/scooter-lacroix/swiss-sandbox/internal/resource"
	"github.com/scooter-lacroix/swiss-sandbox/internal/retry"
	"github.com/scooter-lacroix/swiss-sandbox/internal/sandboxexec"
	"github.com/scooter-lacroix/swiss-sandbox/internal/status"
	"github.com/scooter-lacroix/swiss-sandbox/internal/workspace"
)

// Result is the JSON-shaped structure every tool returns.
type Result map[string]any

// Server wires every sandbox component into the named tool surface
// described in spec.md §6. One Server instance owns the process-wide
// state (caches, resource limits, connection table); sessions and
// plans are looked up by id on each call.
type Server struct {
	Config *config.Config
	Logger logging.Logger

	Workspaces  *workspace.Manager
	Analyzer    analyzer.Analyzer
	Planner     *planner.Planner
	Status      *status.Manager
	Approval    *approval.Manager
	RetryMgr    *retry.Manager
	Cache       *cache.Manager
	Resources   *resource.ProcessRegistry
	Scheduler   *resource.Scheduler
	Connections *connection.Manager

	plans           map[string]*models.TaskPlan
	executors       map[string]*sandboxexec.Executor
	planForApproval map[string]string
}

// New assembles a Server from cfg, rooting workspaces at
// cfg.SandboxRoot and the cache at cfg.Cache.DBPath (empty disables
// SQLite write-through).
func New(cfg *config.Config, logger logging.Logger) (*Server, error) {
	wsMgr, err := workspace.NewManager(cfg.SandboxRoot)
	if err != nil {
		return nil, err
	}

	var store *cache.Store
	if cfg.Cache.DBPath != "" {
		store, err = cache.NewStore(cfg.Cache.DBPath)
		if err != nil {
			return nil, err
		}
	}
	cacheCfg := cache.DefaultConfig()
	cacheCfg.AnalysisTTL = cfg.Cache.AnalysisTTL
	cacheCfg.MaxEntriesPerPart = cfg.Cache.MaxEntriesPerPart
	cacheCfg.MaxMemoryMB = cfg.Cache.MaxMemoryMB
	cacheMgr := cache.NewManager(cacheCfg, store)

	registry := resource.NewProcessRegistry(cfg.Resource.MaxProcesses)

	connLimits := connection.Limits{
		MaxRequestsPerMinute:     cfg.RateLimit.MaxRequestsPerMinute,
		MaxRequestsPerHour:       cfg.RateLimit.MaxRequestsPerHour,
		BurstLimit:               cfg.RateLimit.BurstLimit,
		BurstWindow:              cfg.RateLimit.BurstWindow,
		MaxConcurrentConnections: cfg.Connection.MaxConcurrentConnections,
		MaxConnectionsPerIP:      cfg.Connection.MaxConnectionsPerIP,
	}
	connMgr := connection.NewManager(connLimits)
	for _, ip := range cfg.Connection.AllowList {
		connMgr.AllowIP(ip)
	}
	for _, ip := range cfg.Connection.DenyList {
		connMgr.DenyIP(ip)
	}

	scheduler := resource.NewScheduler(resource.Limits{
		MaxMemoryMB:         cfg.Resource.MaxMemoryMB,
		MaxArtifactsMB:      cfg.Resource.MaxArtifactsMB,
		MaxExecutionTimeSec: int(cfg.Resource.MaxExecutionTime.Seconds()),
		MaxCacheSize:        cfg.Resource.MaxCacheSize,
		MaxSessions:         cfg.Resource.MaxSessions,
		MaxProcesses:        cfg.Resource.MaxProcesses,
		MaxThreads:          cfg.Resource.MaxThreads,
	})
	scheduler.Registry = registry
	scheduler.Sessions = wsMgr
	scheduler.SessionLister = wsMgr
	scheduler.Cache = cacheMgr
	scheduler.ArtifactsRoot = cfg.SandboxRoot
	scheduler.Logger = logger
	scheduler.Start(cfg.Resource.CleanupInterval)

	return &Server{
		Config:      cfg,
		Logger:      logger,
		Workspaces:  wsMgr,
		Analyzer:    analyzer.NewStructuralAnalyzer(),
		Planner:     planner.NewPlanner(cfg.Planner.MaxWorkflowTasks),
		Status:      status.NewManager(),
		Approval:    approval.NewManager(),
		RetryMgr:    retry.NewManager(cfg.Retry.MaxRetries, cfg.Retry.BaseDelay, cfg.Retry.BackoffMultiplier),
		Cache:       cacheMgr,
		Resources:   registry,
		Scheduler:   scheduler,
		Connections: connMgr,
		plans:           make(map[string]*models.TaskPlan),
		executors:       make(map[string]*sandboxexec.Executor),
		planForApproval: make(map[string]string),
	}, nil
}

// Close stops the background scheduler.
func (s *Server) Close() {
	s.Scheduler.Stop()
}

// CreateWorkspace clones sourcePath into a fresh sandbox, enforcing
// max_sessions before allocating.
func (s *Server) CreateWorkspace(sourcePath, workspaceID string) (Result, error) {
	if err := resource.CheckResourceLimits(s.Scheduler.Limits, len(s.Workspaces.SessionIDs()), s.Resources.Count(), 0); err != nil {
		return nil, err
	}

	session, err := s.Workspaces.CreateWorkspace(sourcePath, workspaceID, models.Isolation{
		ContainerBacked: s.Config.Isolation.ContainerBacked,
		ResourceLimits: models.ResourceLimits{
			MemoryMB: s.Config.Isolation.ResourceLimits.MemoryMB,
			CPUCores: s.Config.Isolation.ResourceLimits.CPUCores,
			DiskMB:   s.Config.Isolation.ResourceLimits.DiskMB,
		},
	})
	if err != nil {
		return nil, err
	}

	scope, err := fsutil.NewScope(session.Workspace.SandboxPath)
	if err != nil {
		return nil, err
	}
	s.executors[session.SessionID] = sandboxexec.NewExecutor(scope, s.Config.Resource.CommandTimeout)

	return Result{
		"workspace_id":     session.SessionID,
		"sandbox_path":     session.Workspace.SandboxPath,
		"isolation_enabled": session.Workspace.Isolation.ContainerBacked,
	}, nil
}

// DestroyWorkspace tears down a session's workspace idempotently.
func (s *Server) DestroyWorkspace(workspaceID string) Result {
	success := s.Workspaces.DestroyWorkspace(workspaceID)
	delete(s.executors, workspaceID)
	return Result{"success": success}
}

// AnalyzeCodebase runs the structural analyzer over a workspace,
// caching by content hash.
func (s *Server) AnalyzeCodebase(workspaceID string) (Result, error) {
	session, err := s.Workspaces.GetSession(workspaceID)
	if err != nil {
		return nil, err
	}

	if cached, ok := s.Cache.GetAnalysis(session.Workspace.ContentHash); ok {
		if a, ok := cached.(analyzer.Analysis); ok {
			return analysisResult(a), nil
		}
	}

	scope, err := fsutil.NewScope(session.Workspace.SandboxPath)
	if err != nil {
		return nil, err
	}
	analysis, err := s.Analyzer.Analyze(scope)
	if err != nil {
		return nil, err
	}
	s.Cache.PutAnalysis(session.Workspace.ContentHash, session.Workspace.SandboxPath, analysis, int64(analysis.Metrics.LOC))
	return analysisResult(analysis), nil
}

func analysisResult(a analyzer.Analysis) Result {
	return Result{
		"languages":         a.Languages,
		"frameworks":        a.Frameworks,
		"dependencies_count": len(a.Dependencies.List),
		"files_count":       len(a.FileTree),
		"lines_of_code":     a.Metrics.LOC,
	}
}

// CreateTaskPlan analyzes the workspace, decomposes description into a
// dependency-ordered plan, and registers it (and every task) with the
// status manager.
func (s *Server) CreateTaskPlan(workspaceID, description string) (Result, error) {
	session, err := s.Workspaces.GetSession(workspaceID)
	if err != nil {
		return nil, err
	}
	scope, err := fsutil.NewScope(session.Workspace.SandboxPath)
	if err != nil {
		return nil, err
	}
	analysis, err := s.Analyzer.Analyze(scope)
	if err != nil {
		return nil, err
	}

	ctx := models.CodebaseContext{
		WorkspaceID: workspaceID,
		SandboxPath: session.Workspace.SandboxPath,
		Languages:   analysis.Languages,
		Frameworks:  analysis.Frameworks,
		LinesOfCode: analysis.Metrics.LOC,
		FilesCount:  len(analysis.FileTree),
	}

	plan, err := s.Planner.CreatePlan(description, analysis, ctx)
	if err != nil {
		return nil, err
	}
	plan.ID = ids.New("plan")
	s.plans[plan.ID] = &plan

	for i := range plan.Tasks {
		t := plan.Tasks[i]
		var estimated *time.Duration
		if t.EstimatedDurationMin != nil {
			d := time.Duration(*t.EstimatedDurationMin * float64(time.Minute))
			estimated = &d
		}
		s.Status.Register(t.ID, estimated, t.Dependencies)
	}

	tasks := make([]Result, 0, len(plan.Tasks))
	for _, t := range plan.Tasks {
		tasks = append(tasks, Result{
			"id":           t.ID,
			"description":  t.Description,
			"status":       t.Status,
			"dependencies": t.Dependencies,
		})
	}

	return Result{
		"plan_id":     plan.ID,
		"tasks_count": len(plan.Tasks),
		"tasks":       tasks,
	}, nil
}

// SubmitPlanForApproval transitions a plan to pending_approval.
func (s *Server) SubmitPlanForApproval(planID string) (Result, error) {
	plan, ok := s.plans[planID]
	if !ok {
		return nil, errs.New(errs.Validation, "unknown plan").WithContext("plan_id", planID)
	}
	requestID, err := s.Approval.SubmitForApproval(plan)
	if err != nil {
		return nil, err
	}
	s.planForApproval[requestID] = planID
	return Result{"request_id": requestID}, nil
}

// ApprovePlan, RejectPlan, and RequestPlanRevision respond to an
// approval request with the matching verdict.
func (s *Server) ApprovePlan(requestID string) (Result, error) {
	return s.respond(requestID, approval.Response{Status: approval.ResponseApproved})
}

func (s *Server) RejectPlan(requestID, feedback string) (Result, error) {
	return s.respond(requestID, approval.Response{Status: approval.ResponseRejected, Feedback: feedback})
}

func (s *Server) RequestPlanRevision(requestID, feedback string, modifications []string) (Result, error) {
	return s.respond(requestID, approval.Response{
		Status:        approval.ResponseNeedsRevision,
		Feedback:      feedback,
		Modifications: modifications,
	})
}

func (s *Server) respond(requestID string, resp approval.Response) (Result, error) {
	planID, ok := s.planForApproval[requestID]
	if !ok {
		return nil, errs.New(errs.Validation, "unknown approval request").WithContext("request_id", requestID)
	}
	plan, ok := s.plans[planID]
	if !ok {
		return nil, errs.New(errs.Validation, "unknown plan").WithContext("plan_id", planID)
	}
	if err := s.Approval.Respond(requestID, resp, plan); err != nil {
		return nil, err
	}
	return Result{"success": true}, nil
}

// ExecuteTaskPlan runs a plan's tasks to completion or first failure,
// publishing status transitions through the status manager as it goes.
func (s *Server) ExecuteTaskPlan(ctx context.Context, planID string) (Result, error) {
	plan, ok := s.plans[planID]
	if !ok {
		return nil, errs.New(errs.Validation, "unknown plan").WithContext("plan_id", planID)
	}
	exec, ok := s.executors[plan.CodebaseContext.WorkspaceID]
	if !ok {
		return nil, errs.New(errs.Validation, "workspace has no active executor").WithContext("workspace_id", plan.CodebaseContext.WorkspaceID)
	}

	if err := execution.ValidateEnvironment(exec); err != nil {
		return nil, err
	}

	engine := execution.NewEngine(execution.NewKeywordExecutor())
	engine.Recoverer = newRetryRecoverer(s.RetryMgr)
	result, err := engine.ExecutePlan(ctx, plan, exec)
	if err != nil {
		return nil, err
	}

	return Result{
		"tasks_completed": result.Completed,
		"tasks_failed":    result.Failed,
		"execution_time":  result.TotalDuration.Seconds(),
		"summary":         fmt.Sprintf("%d/%d tasks completed", result.Completed, result.TotalTasks),
	}, nil
}

// UpdateTaskStatus forwards a manual status transition to the status
// manager.
func (s *Server) UpdateTaskStatus(taskID string, newStatus models.TaskStatus) (Result, error) {
	if err := s.Status.UpdateTaskStatus(taskID, newStatus, "manual update", nil, nil); err != nil {
		return nil, err
	}
	return Result{"success": true}, nil
}

// GetResourceStats reports the current process registry and scheduler
// configuration.
func (s *Server) GetResourceStats() Result {
	return Result{
		"tracked_processes": s.Resources.Count(),
		"max_processes":     s.Scheduler.Limits.MaxProcesses,
		"max_sessions":      s.Scheduler.Limits.MaxSessions,
		"memory_mb":         resource.DefaultMemoryUsage(),
	}
}

// GetConnectionStats reports the current connection table size.
func (s *Server) GetConnectionStats() Result {
	return Result{"active_connections": s.Connections.ConnectionCount()}
}

// ConfigureRateLimits replaces the connection manager at runtime with a
// fresh one built from limits. Existing connections, their accumulated
// windows, and the configured IP allow/deny lists are discarded.
func (s *Server) ConfigureRateLimits(limits connection.Limits) Result {
	s.Connections = connection.NewManager(limits)
	return Result{"success": true}
}

// ConfigureConnectionLimits is an alias over ConfigureRateLimits kept
// separate to mirror the two distinct tool names in spec.md §6; caps
// and rate limits share one Limits struct internally.
func (s *Server) ConfigureConnectionLimits(limits connection.Limits) Result {
	return s.ConfigureRateLimits(limits)
}

// EmergencyCleanup runs one scheduler maintenance pass (RunOnce) on
// demand; its cache cleanup and GC step runs only when memory use is
// above 90% of the budget. It does not call EmergencyShutdown, so live
// sessions and tracked processes are left running.
func (s *Server) EmergencyCleanup() Result {
	s.Scheduler.RunOnce()
	return Result{"success": true}
}

// retryRecoverer adapts retry.Manager to execution.Recoverer: on a
// task failure it builds (or continues) that task's RetryContext,
// applies backoff and recovery strategies, and tells the engine
// whether to re-run the task. The actual re-run stays the engine's
// job — this only decides and prepares.
type retryRecoverer struct {
	mgr      *retry.Manager
	contexts map[string]*models.RetryContext
}

func newRetryRecoverer(mgr *retry.Manager) *retryRecoverer {
	return &retryRecoverer{mgr: mgr, contexts: make(map[string]*models.RetryContext)}
}

func (r *retryRecoverer) Recover(ctx context.Context, task models.Task, cause error, exec *sandboxexec.Executor) bool {
	if cause == nil {
		cause = errs.New(errs.Runtime, "task reported failure")
	}

	rc := r.mgr.HandleError(task, cause, exec, r.contexts[task.ID])
	r.contexts[task.ID] = rc

	if err := r.mgr.PrepareRetry(ctx, rc, exec); err != nil {
		return false
	}
	return true
}

