// Package resource governs the sandbox's shared, process-wide
// resources: spawned subprocesses, a bounded async worker pool, and a
// background scheduler that reaps finished work and enforces hard
// limits on memory, artifacts, and session count.
package resource

import (
	"os"
	"os/exec"
	"path/filepath"
	"runtime"
	"strconv"
	"sync"
	"time"

	"github.com/scooter-lacroix/swiss-sandbox/internal/errs"
	"github.com/scooter-lacroix/swiss-sandbox/internal/ids"
	"github.com/scooter-lacroix/swiss-sandbox/internal/logging"
)

// Limits are the hard resource ceilings, each overridable by
// environment variable per spec.md §4.12.
type Limits struct {
	MaxMemoryMB         int
	MaxArtifactsMB       int
	MaxExecutionTimeSec int
	MaxCacheSize        int
	MaxSessions         int
	MaxProcesses        int
	MaxThreads          int
}

// DefaultLimits returns spec.md's stated defaults.
func DefaultLimits() Limits {
	return Limits{
		MaxMemoryMB:         512,
		MaxArtifactsMB:      100,
		MaxExecutionTimeSec: 300,
		MaxCacheSize:        1000,
		MaxSessions:         20,
		MaxProcesses:        10,
		MaxThreads:          5,
	}
}

// LimitsFromEnv starts from DefaultLimits and overrides any field whose
// corresponding SANDBOX_* environment variable parses as an integer.
func LimitsFromEnv() Limits {
	l := DefaultLimits()
	overrideInt(&l.MaxMemoryMB, "SANDBOX_MAX_MEMORY_MB")
	overrideInt(&l.MaxArtifactsMB, "SANDBOX_MAX_ARTIFACTS_MB")
	overrideInt(&l.MaxExecutionTimeSec, "SANDBOX_MAX_EXECUTION_TIME_SEC")
	overrideInt(&l.MaxCacheSize, "SANDBOX_MAX_CACHE_SIZE")
	overrideInt(&l.MaxSessions, "SANDBOX_MAX_SESSIONS")
	overrideInt(&l.MaxProcesses, "SANDBOX_MAX_PROCESSES")
	overrideInt(&l.MaxThreads, "SANDBOX_MAX_THREADS")
	return l
}

func overrideInt(field *int, envVar string) {
	raw := os.Getenv(envVar)
	if raw == "" {
		return
	}
	if v, err := strconv.Atoi(raw); err == nil {
		*field = v
	}
}

// ProcessInfo is the metadata tracked for one registered subprocess.
type ProcessInfo struct {
	PID         int
	SessionID   string
	Description string
	StartedAt   time.Time
}

type trackedProcess struct {
	info ProcessInfo
	cmd  *exec.Cmd
}

// ProcessRegistry tracks every subprocess the sandbox has spawned,
// reaps finished ones, and terminates the rest gracefully.
type ProcessRegistry struct {
	mu        sync.Mutex
	processes map[int]*trackedProcess
	Max       int
	Clock     ids.Clock
}

// NewProcessRegistry creates a registry capped at max concurrently
// tracked processes.
func NewProcessRegistry(max int) *ProcessRegistry {
	return &ProcessRegistry{processes: make(map[int]*trackedProcess), Max: max, Clock: ids.SystemClock{}}
}

// Register adds cmd (already started) to the registry under sessionID,
// refusing once the hard process cap is reached.
func (r *ProcessRegistry) Register(cmd *exec.Cmd, sessionID, description string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.Max > 0 && len(r.processes) >= r.Max {
		return errs.New(errs.ResourceExhausted, "max_processes limit reached").WithContext("max_processes", r.Max)
	}

	pid := cmd.Process.Pid
	r.processes[pid] = &trackedProcess{
		cmd: cmd,
		info: ProcessInfo{
			PID:         pid,
			SessionID:   sessionID,
			Description: description,
			StartedAt:   r.Clock.Now(),
		},
	}
	return nil
}

// Count returns the number of currently tracked processes.
func (r *ProcessRegistry) Count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.processes)
}

// CleanupFinished removes every tracked process whose command has
// already exited, returning how many were reaped.
func (r *ProcessRegistry) CleanupFinished() int {
	r.mu.Lock()
	defer r.mu.Unlock()

	reaped := 0
	for pid, tp := range r.processes {
		if tp.cmd.ProcessState != nil {
			delete(r.processes, pid)
			reaped++
		}
	}
	return reaped
}

// Terminate signals pid to interrupt, waits up to grace before killing
// it outright, and removes it from the registry either way.
func (r *ProcessRegistry) Terminate(pid int, grace time.Duration) error {
	r.mu.Lock()
	tp, ok := r.processes[pid]
	r.mu.Unlock()
	if !ok {
		return nil
	}

	_ = tp.cmd.Process.Signal(os.Interrupt)

	done := make(chan struct{})
	go func() {
		_ = tp.cmd.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(grace):
		_ = tp.cmd.Process.Kill()
	}

	r.mu.Lock()
	delete(r.processes, pid)
	r.mu.Unlock()
	return nil
}

// TerminateAll gracefully terminates every tracked process.
func (r *ProcessRegistry) TerminateAll(grace time.Duration) {
	r.mu.Lock()
	pids := make([]int, 0, len(r.processes))
	for pid := range r.processes {
		pids = append(pids, pid)
	}
	r.mu.Unlock()

	for _, pid := range pids {
		_ = r.Terminate(pid, grace)
	}
}

// ThreadPool is a bounded worker pool for async helper work, built on a
// buffered-channel semaphore (the teacher's own wave executor uses the
// same pattern rather than an errgroup dependency).
type ThreadPool struct {
	sem chan struct{}
	wg  sync.WaitGroup
}

// NewThreadPool creates a pool that runs at most max submitted
// functions concurrently.
func NewThreadPool(max int) *ThreadPool {
	if max <= 0 {
		max = 1
	}
	return &ThreadPool{sem: make(chan struct{}, max)}
}

// Submit blocks until a worker slot is free, then runs fn in the
// background.
func (p *ThreadPool) Submit(fn func()) {
	p.sem <- struct{}{}
	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		defer func() { <-p.sem }()
		fn()
	}()
}

// Wait blocks until every submitted function has returned.
func (p *ThreadPool) Wait() {
	p.wg.Wait()
}

// Shutdown waits for in-flight functions to finish if block is true,
// otherwise it returns immediately and lets them drain in the
// background. It does not stop later Submit calls from running.
func (p *ThreadPool) Shutdown(block bool) {
	if block {
		p.Wait()
	}
}

// SessionDestroyer tears down a single session's workspace; satisfied
// by *workspace.Manager without this package importing it directly.
type SessionDestroyer interface {
	DestroyWorkspace(sessionID string) bool
}

// SessionLister reports every session id currently known to the
// workspace manager, used to find orphaned artifact directories.
type SessionLister interface {
	SessionIDs() []string
}

// CacheClearer drops expired entries from every cache partition during
// an emergency cleanup; satisfied by *cache.Manager without a direct
// import.
type CacheClearer interface {
	CleanupExpired() map[string]int
}

// MemoryUsageFunc reports current process memory usage in MB. The
// default implementation reads runtime.MemStats.
type MemoryUsageFunc func() int

// DefaultMemoryUsage reports the Go runtime's current heap allocation
// in megabytes.
func DefaultMemoryUsage() int {
	var stats runtime.MemStats
	runtime.ReadMemStats(&stats)
	return int(stats.Alloc / (1024 * 1024))
}

// Scheduler runs periodic maintenance: process reaping, artifact and
// orphaned-session cleanup, and emergency cleanup under memory
// pressure.
type Scheduler struct {
	Limits        Limits
	Registry      *ProcessRegistry
	Sessions      SessionDestroyer
	SessionLister SessionLister
	Cache         CacheClearer
	ArtifactsRoot string
	MemoryUsage   MemoryUsageFunc
	Clock         ids.Clock
	Logger        logging.Logger

	stop chan struct{}
	done chan struct{}
}

// NewScheduler creates a Scheduler with the given limits; Registry,
// Sessions, SessionLister, Cache, and Logger may all be nil (each
// maintenance step is skipped when its collaborator is absent).
func NewScheduler(limits Limits) *Scheduler {
	return &Scheduler{
		Limits:      limits,
		MemoryUsage: DefaultMemoryUsage,
		Clock:       ids.SystemClock{},
	}
}

// Start runs RunOnce every interval in the background until Stop is
// called.
func (s *Scheduler) Start(interval time.Duration) {
	s.stop = make(chan struct{})
	s.done = make(chan struct{})
	go func() {
		defer close(s.done)
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				s.RunOnce()
			case <-s.stop:
				return
			}
		}
	}()
}

// Stop halts the background loop and waits for it to exit.
func (s *Scheduler) Stop() {
	if s.stop == nil {
		return
	}
	close(s.stop)
	<-s.done
}

// RunOnce performs a single maintenance pass: reap finished processes,
// delete stale artifact directories, delete orphaned session
// directories, and run an emergency cleanup if memory pressure exceeds
// 90% of the configured budget.
func (s *Scheduler) RunOnce() {
	if s.Registry != nil {
		s.Registry.CleanupFinished()
	}

	if s.ArtifactsRoot != "" {
		s.deleteOldArtifacts()
	}

	if s.ArtifactsRoot != "" && s.SessionLister != nil {
		s.deleteOrphanedSessions()
	}

	if s.Limits.MaxMemoryMB > 0 && s.MemoryUsage != nil {
		usage := s.MemoryUsage()
		threshold := s.Limits.MaxMemoryMB * 9 / 10
		if usage > threshold {
			s.emergencyCleanup()
		}
	}
}

func (s *Scheduler) deleteOldArtifacts() {
	entries, err := os.ReadDir(s.ArtifactsRoot)
	if err != nil {
		return
	}
	cutoff := s.Clock.Now().Add(-24 * time.Hour)
	for _, entry := range entries {
		info, err := entry.Info()
		if err != nil {
			continue
		}
		if info.ModTime().Before(cutoff) {
			_ = os.RemoveAll(filepath.Join(s.ArtifactsRoot, entry.Name()))
		}
	}
}

func (s *Scheduler) deleteOrphanedSessions() {
	known := make(map[string]bool)
	for _, id := range s.SessionLister.SessionIDs() {
		known[id] = true
	}

	entries, err := os.ReadDir(s.ArtifactsRoot)
	if err != nil {
		return
	}
	for _, entry := range entries {
		if !entry.IsDir() || known[entry.Name()] {
			continue
		}
		_ = os.RemoveAll(filepath.Join(s.ArtifactsRoot, entry.Name()))
	}
}

func (s *Scheduler) emergencyCleanup() {
	if s.Cache != nil {
		s.Cache.CleanupExpired()
	}
	runtime.GC()
	if s.Logger != nil {
		s.Logger.Warnf("resource: emergency cleanup triggered by memory pressure")
	}
}

// CheckResourceLimits validates the current resource state against
// limits, returning a ResourceExhausted error naming the breached
// limit. The tool server calls it before creating a workspace;
// ProcessRegistry.Register enforces the process cap on its own.
func CheckResourceLimits(limits Limits, currentSessions, currentProcesses, currentCacheEntries int) error {
	if limits.MaxSessions > 0 && currentSessions >= limits.MaxSessions {
		return errs.New(errs.ResourceExhausted, "max_sessions limit reached").WithContext("max_sessions", limits.MaxSessions)
	}
	if limits.MaxProcesses > 0 && currentProcesses >= limits.MaxProcesses {
		return errs.New(errs.ResourceExhausted, "max_processes limit reached").WithContext("max_processes", limits.MaxProcesses)
	}
	if limits.MaxCacheSize > 0 && currentCacheEntries >= limits.MaxCacheSize {
		return errs.New(errs.ResourceExhausted, "max_cache_size limit reached").WithContext("max_cache_size", limits.MaxCacheSize)
	}
	return nil
}

// EmergencyShutdown stops the scheduler, destroys every known session,
// terminates every tracked process, and shuts the thread pool down
// without blocking on in-flight work.
func (s *Scheduler) EmergencyShutdown(pool *ThreadPool, grace time.Duration) {
	s.Stop()

	if s.SessionLister != nil && s.Sessions != nil {
		for _, id := range s.SessionLister.SessionIDs() {
			s.Sessions.DestroyWorkspace(id)
		}
	}

	if s.Registry != nil {
		s.Registry.TerminateAll(grace)
	}

	if pool != nil {
		pool.Shutdown(false)
	}
}
