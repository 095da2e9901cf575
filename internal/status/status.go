// Package status tracks live progress for every registered task and
// subtask, fans out status transitions to listeners, and aggregates
// plan-level completion and remaining-time estimates.
package status

import (
	"fmt"
	"sync"
	"time"

	"github.com/scooter-lacroix/swiss-sandbox/internal/errs"
	"github.com/scooter-lacroix/swiss-sandbox/internal/ids"
	"github.com/scooter-lacroix/swiss-sandbox/internal/models"
)

// TaskProgress is the live state the manager owns for one registered
// task or subtask id.
type TaskProgress struct {
	ID                 string
	Status             models.TaskStatus
	StartTime          *time.Time
	EndTime            *time.Time
	ProgressPercentage float64
	EstimatedDuration  *time.Duration
	ActualDuration     *time.Duration
	ErrorInfo          *models.ErrorInfo
	Dependencies       []string
}

// ElapsedTime returns the time between StartTime and EndTime (or now,
// if still running). Zero if the task has not started.
func (p *TaskProgress) ElapsedTime(now time.Time) time.Duration {
	if p.StartTime == nil {
		return 0
	}
	end := now
	if p.EndTime != nil {
		end = *p.EndTime
	}
	return end.Sub(*p.StartTime)
}

// RemainingTime estimates the time left: bounded below by zero against
// the estimated duration, or extrapolated from current progress.
func (p *TaskProgress) RemainingTime(now time.Time) time.Duration {
	elapsed := p.ElapsedTime(now)

	if p.ProgressPercentage > 0 {
		total := time.Duration(float64(elapsed) / (p.ProgressPercentage / 100))
		remaining := total - elapsed
		if remaining < 0 {
			return 0
		}
		return remaining
	}

	if p.EstimatedDuration != nil {
		remaining := *p.EstimatedDuration - elapsed
		if remaining < 0 {
			return 0
		}
		return remaining
	}
	return 0
}

// StatusUpdate is emitted to every listener on a transition.
type StatusUpdate struct {
	ID        string
	Old       models.TaskStatus
	New       models.TaskStatus
	Message   string
	Timestamp time.Time
}

// Listener receives status updates. Implementations must not panic;
// panics are recovered and swallowed by the manager so one faulty
// listener cannot break a mutation for every other caller.
type Listener func(StatusUpdate)

// PlanProgress is the aggregated view over every tracked task.
type PlanProgress struct {
	CountsByStatus       map[models.TaskStatus]int
	CompletionPercentage float64
	RemainingTime        time.Duration
}

// Manager serializes every progress mutation behind a single lock. The
// lock is a sync.Mutex, which is not reentrant: listeners run while it
// is held, so a listener that calls back into the Manager deadlocks.
type Manager struct {
	mu        sync.Mutex
	progress  map[string]*TaskProgress
	listeners []Listener
	Clock     ids.Clock
}

// NewManager creates an empty Manager.
func NewManager() *Manager {
	return &Manager{progress: make(map[string]*TaskProgress), Clock: ids.SystemClock{}}
}

// Register creates a TaskProgress entry for id if one does not already
// exist.
func (m *Manager) Register(id string, estimatedDuration *time.Duration, dependencies []string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.progress[id]; exists {
		return
	}
	m.progress[id] = &TaskProgress{
		ID:                id,
		Status:            models.StatusNotStarted,
		EstimatedDuration: estimatedDuration,
		Dependencies:      dependencies,
	}
}

// AddListener registers a listener invoked on every status transition.
func (m *Manager) AddListener(l Listener) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.listeners = append(m.listeners, l)
}

// Get returns the tracked progress for id.
func (m *Manager) Get(id string) (*TaskProgress, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.progress[id]
	if !ok {
		return nil, errs.New(errs.Validation, "unknown task id").WithContext("id", id)
	}
	cp := *p
	return &cp, nil
}

// UpdateTaskStatus transitions id to newStatus, setting start/end times
// and progress per spec.md §4.7, then notifies every listener inside
// the lock.
func (m *Manager) UpdateTaskStatus(id string, newStatus models.TaskStatus, message string, progress *float64, errInfo *models.ErrorInfo) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	p, ok := m.progress[id]
	if !ok {
		return errs.New(errs.Validation, "unknown task id").WithContext("id", id)
	}

	now := m.Clock.Now()
	old := p.Status
	p.Status = newStatus

	switch newStatus {
	case models.StatusInProgress:
		if old == models.StatusNotStarted {
			p.StartTime = &now
			p.ProgressPercentage = 5
		}
	case models.StatusCompleted:
		p.EndTime = &now
		p.ProgressPercentage = 100
		if p.StartTime != nil {
			actual := now.Sub(*p.StartTime)
			p.ActualDuration = &actual
		}
	case models.StatusError:
		p.EndTime = &now
		p.ErrorInfo = errInfo
	}

	if progress != nil {
		p.ProgressPercentage = *progress
	}

	update := StatusUpdate{ID: id, Old: old, New: newStatus, Message: message, Timestamp: now}
	m.notifyLocked(update)
	return nil
}

func (m *Manager) notifyLocked(update StatusUpdate) {
	for _, l := range m.listeners {
		m.invokeSafely(l, update)
	}
}

func (m *Manager) invokeSafely(l Listener, update StatusUpdate) {
	defer func() {
		_ = recover()
	}()
	l(update)
}

// ModifyTask updates the estimated duration and dependencies (each only
// when non-nil) on the tracked progress entry and reports whether the plan needs
// revalidation (always true: any modification invalidates prior
// dependency resolution).
func (m *Manager) ModifyTask(id string, estimatedDuration *time.Duration, dependencies []string) (needsRevalidation bool, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	p, ok := m.progress[id]
	if !ok {
		return false, errs.New(errs.Validation, "unknown task id").WithContext("id", id)
	}
	if estimatedDuration != nil {
		p.EstimatedDuration = estimatedDuration
	}
	if dependencies != nil {
		p.Dependencies = dependencies
	}
	return true, nil
}

// ReplanFromTask drops the tracked progress for every subtask of
// taskID, registering fresh entries for newSubtasks instead.
func (m *Manager) ReplanFromTask(taskID string, newSubtasks []models.Subtask) {
	m.mu.Lock()
	defer m.mu.Unlock()

	prefix := taskID + "."
	for id := range m.progress {
		if len(id) > len(prefix) && id[:len(prefix)] == prefix {
			delete(m.progress, id)
		}
	}

	for _, st := range newSubtasks {
		m.progress[st.ID] = &TaskProgress{
			ID:           st.ID,
			Status:       models.StatusNotStarted,
			Dependencies: st.Dependencies,
		}
	}
}

// PlanProgressFor aggregates counts, completion percentage, and a
// best-effort remaining-time sum across the given task ids.
func (m *Manager) PlanProgressFor(ids []string) PlanProgress {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.Clock.Now()
	counts := make(map[models.TaskStatus]int)
	var remaining time.Duration
	var completed int

	for _, id := range ids {
		p, ok := m.progress[id]
		if !ok {
			continue
		}
		counts[p.Status]++
		if p.Status == models.StatusCompleted {
			completed++
		} else {
			remaining += p.RemainingTime(now)
		}
	}

	completion := 0.0
	if len(ids) > 0 {
		completion = float64(completed) / float64(len(ids)) * 100
	}

	return PlanProgress{CountsByStatus: counts, CompletionPercentage: completion, RemainingTime: remaining}
}

// RenderBar formats a fixed-width textual progress bar, in the style of
// the teacher's console progress indicator.
func RenderBar(percentage float64, width int) string {
	if width <= 0 {
		width = 20
	}
	if percentage < 0 {
		percentage = 0
	}
	if percentage > 100 {
		percentage = 100
	}
	filled := int(percentage / 100 * float64(width))
	return fmt.Sprintf("[%s%s] %.0f%%", repeat("#", filled), repeat("-", width-filled), percentage)
}

func repeat(s string, n int) string {
	if n <= 0 {
		return ""
	}
	out := make([]byte, 0, n*len(s))
	for i := 0; i < n; i++ {
		out = append(out, s...)
	}
	return string(out)
}
