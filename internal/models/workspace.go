package models

import "time"

// WorkspaceStatus is the lifecycle state of a Workspace.
type WorkspaceStatus string

const (
	WorkspaceCreating   WorkspaceStatus = "creating"
	WorkspaceActive     WorkspaceStatus = "active"
	WorkspaceSuspended  WorkspaceStatus = "suspended"
	WorkspaceCleaningUp WorkspaceStatus = "cleaning_up"
	WorkspaceDestroyed  WorkspaceStatus = "destroyed"
)

// ResourceLimits bounds a workspace's footprint.
type ResourceLimits struct {
	MemoryMB int
	CPUCores int
	DiskMB   int
}

// Isolation describes a workspace's isolation envelope.
type Isolation struct {
	ContainerBacked bool
	ResourceLimits  ResourceLimits
}

// Workspace is an isolated copy of a source tree owned by one session.
type Workspace struct {
	ID           string
	SourcePath   string
	SandboxPath  string
	Isolation    Isolation
	Status       WorkspaceStatus
	ContentHash  string
}

// Session is the lifetime of one workspace plus its caches and listeners.
type Session struct {
	SessionID   string
	Workspace   *Workspace
	CreatedAt   time.Time
	Metadata    map[string]any
}
