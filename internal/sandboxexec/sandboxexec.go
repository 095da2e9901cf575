// Package sandboxexec runs shell commands and direct file mutations
// against a scoped workspace, recording a command history and a file
// change log for every invocation.
package sandboxexec

import (
	"context"
	"errors"
	"os/exec"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/scooter-lacroix/swiss-sandbox/internal/errs"
	"github.com/scooter-lacroix/swiss-sandbox/internal/fsutil"
	"github.com/scooter-lacroix/swiss-sandbox/internal/ids"
	"github.com/scooter-lacroix/swiss-sandbox/internal/models"
)

// PackageManager names a supported package installer.
type PackageManager string

const (
	ManagerPip  PackageManager = "pip"
	ManagerNpm  PackageManager = "npm"
	ManagerYarn PackageManager = "yarn"
	ManagerAuto PackageManager = "auto"
)

// Executor runs commands and file mutations within a scoped workspace,
// accumulating history the way the teacher's session runner does.
type Executor struct {
	Scope          fsutil.Scope
	DefaultTimeout time.Duration
	Clock          ids.Clock

	mu      sync.Mutex
	History []models.CommandInfo
	Changes []models.FileChange
}

// NewExecutor creates an Executor bound to scope with a default command
// timeout (0 disables the default; Execute's explicit timeout always
// wins when given).
func NewExecutor(scope fsutil.Scope, defaultTimeout time.Duration) *Executor {
	return &Executor{Scope: scope, DefaultTimeout: defaultTimeout, Clock: ids.SystemClock{}}
}

// ClearHistory resets both the command history and the file change log,
// called by the execution engine and the retry manager before every
// attempt.
func (e *Executor) ClearHistory() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.History = nil
	e.Changes = nil
}

// Execute runs command via "sh -c" inside workDir (relative to the
// scope), honoring the given timeout (nil uses DefaultTimeout; a
// pointer to 0 disables timeout entirely).
func (e *Executor) Execute(ctx context.Context, command, workDir string, timeout *time.Duration) (models.CommandInfo, error) {
	absDir, err := e.Scope.Resolve(workDir)
	if err != nil {
		info := models.CommandInfo{
			Command:          command,
			WorkingDirectory: workDir,
			ExitCode:         models.ExitInternalFailure,
			Stderr:           err.Error(),
			Timestamp:        e.Clock.Now(),
		}
		e.record(info, nil)
		return info, err
	}

	effective := e.DefaultTimeout
	if timeout != nil {
		effective = *timeout
	}

	runCtx := ctx
	var cancel context.CancelFunc
	if effective > 0 {
		runCtx, cancel = context.WithTimeout(ctx, effective)
		defer cancel()
	}

	watcher, events := e.startWatch(absDir)

	start := e.Clock.Now()
	cmd := exec.CommandContext(runCtx, "sh", "-c", command)
	cmd.Dir = absDir

	var stdout, stderr strings.Builder
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	runErr := cmd.Run()
	duration := e.Clock.Since(start)

	info := models.CommandInfo{
		Command:          command,
		WorkingDirectory: workDir,
		Stdout:           stdout.String(),
		Stderr:           stderr.String(),
		DurationSeconds:  duration.Seconds(),
		Timestamp:        start,
	}

	var sideEffects []models.FileChange
	if watcher != nil {
		sideEffects = e.drainWatch(watcher, events, absDir)
	}

	switch {
	case runCtx.Err() == context.DeadlineExceeded:
		info.ExitCode = models.ExitTimeout
		if info.Stderr == "" {
			info.Stderr = "Command timed out"
		}
		e.record(info, sideEffects)
		return info, errs.New(errs.Timeout, "command timed out").WithContext("command", command)
	case runErr != nil:
		var exitErr *exec.ExitError
		if errors.As(runErr, &exitErr) {
			info.ExitCode = exitErr.ExitCode()
			e.record(info, sideEffects)
			return info, nil
		}
		info.ExitCode = models.ExitInternalFailure
		e.record(info, sideEffects)
		return info, errs.Wrap(errs.Runtime, "spawn command", runErr).WithContext("command", command)
	default:
		info.ExitCode = 0
		e.record(info, sideEffects)
		return info, nil
	}
}

func (e *Executor) record(info models.CommandInfo, sideEffects []models.FileChange) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.History = append(e.History, info)
	e.Changes = append(e.Changes, sideEffects...)
}

func (e *Executor) startWatch(dir string) (*fsnotify.Watcher, chan fsnotify.Event) {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, nil
	}
	if err := watcher.Add(dir); err != nil {
		watcher.Close()
		return nil, nil
	}
	events := make(chan fsnotify.Event, 256)
	go func() {
		for ev := range watcher.Events {
			select {
			case events <- ev:
			default:
			}
		}
	}()
	return watcher, events
}

func (e *Executor) drainWatch(watcher *fsnotify.Watcher, events chan fsnotify.Event, dir string) []models.FileChange {
	defer watcher.Close()
	// allow the goroutine started in startWatch to flush buffered events
	time.Sleep(10 * time.Millisecond)

	var changes []models.FileChange
	for {
		select {
		case ev := <-events:
			changes = append(changes, models.FileChange{
				FilePath:   ev.Name,
				ChangeType: changeTypeOf(ev),
				Timestamp:  e.Clock.Now(),
			})
		default:
			return changes
		}
	}
}

func changeTypeOf(ev fsnotify.Event) models.ChangeType {
	switch {
	case ev.Op&fsnotify.Create != 0:
		return models.ChangeCreate
	case ev.Op&fsnotify.Remove != 0:
		return models.ChangeDelete
	case ev.Op&fsnotify.Rename != 0:
		return models.ChangeMove
	default:
		return models.ChangeModify
	}
}

// CreateFile writes content to path (relative to the scope) and records
// a create FileChange.
func (e *Executor) CreateFile(path string, content []byte) error {
	if err := e.Scope.Write(path, content); err != nil {
		return err
	}
	e.mu.Lock()
	e.Changes = append(e.Changes, models.FileChange{
		FilePath: path, ChangeType: models.ChangeCreate, AfterContent: content, Timestamp: e.Clock.Now(),
	})
	e.mu.Unlock()
	return nil
}

// ModifyFile overwrites path with content, recording the prior content
// as BeforeContent when it existed.
func (e *Executor) ModifyFile(path string, content []byte) error {
	before, _ := e.Scope.Read(path)
	if err := e.Scope.Write(path, content); err != nil {
		return err
	}
	e.mu.Lock()
	e.Changes = append(e.Changes, models.FileChange{
		FilePath: path, ChangeType: models.ChangeModify, BeforeContent: before, AfterContent: content, Timestamp: e.Clock.Now(),
	})
	e.mu.Unlock()
	return nil
}

// DeleteFile removes path, recording its prior content as BeforeContent.
func (e *Executor) DeleteFile(path string) error {
	before, _ := e.Scope.Read(path)
	if err := e.Scope.Delete(path); err != nil {
		return err
	}
	e.mu.Lock()
	e.Changes = append(e.Changes, models.FileChange{
		FilePath: path, ChangeType: models.ChangeDelete, BeforeContent: before, Timestamp: e.Clock.Now(),
	})
	e.mu.Unlock()
	return nil
}

// InstallPackage runs the package manager's install command for name.
// manager == ManagerAuto inspects the workspace root for package.json,
// requirements.txt, or pyproject.toml to pick a manager.
func (e *Executor) InstallPackage(ctx context.Context, name string, manager PackageManager) (models.CommandInfo, error) {
	resolved := manager
	if resolved == ManagerAuto {
		resolved = e.detectManager()
		if resolved == ManagerAuto {
			resolved = ManagerPip
		}
	}

	var command string
	switch resolved {
	case ManagerNpm:
		command = "npm install " + name
	case ManagerYarn:
		command = "yarn add " + name
	case ManagerPip:
		command = "pip install " + name
	default:
		return models.CommandInfo{}, errs.New(errs.Validation, "could not determine a package manager").
			WithContext("name", name)
	}

	return e.Execute(ctx, command, ".", nil)
}

func (e *Executor) detectManager() PackageManager {
	if _, err := e.Scope.Read("package.json"); err == nil {
		if _, err := e.Scope.Read("yarn.lock"); err == nil {
			return ManagerYarn
		}
		return ManagerNpm
	}
	if _, err := e.Scope.Read("requirements.txt"); err == nil {
		return ManagerPip
	}
	if _, err := e.Scope.Read("pyproject.toml"); err == nil {
		return ManagerPip
	}
	return ManagerAuto
}
