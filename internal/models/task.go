// Package models holds the sandbox's core data structures: the workspace
// and session entities, file/command records, the task/plan graph, and
// the cache and connection entries every other component operates on.
//
// Tasks and subtasks are represented as a flat arena keyed by id plus an
// explicit dependency-id list, rather than a parent/child object graph
// (spec.md §9): this keeps ownership acyclic and lets the status manager
// store progress in a single map keyed by id.
package models

import (
	"time"
)

// TaskStatus is the lifecycle state of a Task or Subtask.
type TaskStatus string

const (
	StatusNotStarted TaskStatus = "not_started"
	StatusInProgress TaskStatus = "in_progress"
	StatusCompleted  TaskStatus = "completed"
	StatusError      TaskStatus = "error"
)

// ErrorKind mirrors errs.Kind without importing internal/errs, so the
// data model stays free of a dependency on the error-handling package.
type ErrorKind string

// ErrorInfo is the structured error record attached to a failed task.
type ErrorInfo struct {
	Kind       ErrorKind
	Message    string
	StackTrace string
	Context    map[string]any
	Timestamp  time.Time
}

// Subtask is a unit of work owned by exactly one Task. Dependency ids
// are scoped to sibling subtasks within the same parent task.
type Subtask struct {
	ID                   string
	Description          string
	Status               TaskStatus
	Dependencies         []string
	EstimatedDurationMin *float64
	ActualDurationMin    *float64
	ErrorInfo            *ErrorInfo
	Metadata             map[string]any
}

// Task is a single unit of work in a TaskPlan.
type Task struct {
	ID                   string
	Description          string
	Status               TaskStatus
	Dependencies         []string
	EstimatedDurationMin *float64
	ActualDurationMin    *float64
	ErrorInfo            *ErrorInfo
	Metadata             map[string]any
	Subtasks             []Subtask
}

// IsTerminal reports whether the task has reached a status it will not
// leave without external intervention (completed or error).
func (t *Task) IsTerminal() bool {
	return t.Status == StatusCompleted || t.Status == StatusError
}

// DependenciesSatisfied reports whether every dependency id in deps is
// marked completed in the given status lookup.
func DependenciesSatisfied(deps []string, statusOf map[string]TaskStatus) bool {
	for _, d := range deps {
		if statusOf[d] != StatusCompleted {
			return false
		}
	}
	return true
}
