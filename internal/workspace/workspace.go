// Package workspace clones a source tree into an isolated sandbox
// directory and manages its lifecycle: every session owns an exclusive
// sandbox path, destroyed only after its in-flight work drains.
package workspace

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"sync"

	"github.com/scooter-lacroix/swiss-sandbox/internal/errs"
	"github.com/scooter-lacroix/swiss-sandbox/internal/fsutil"
	"github.com/scooter-lacroix/swiss-sandbox/internal/ids"
	"github.com/scooter-lacroix/swiss-sandbox/internal/models"
)

// Manager allocates and tears down sandbox workspaces under Root,
// guaranteeing no two sessions ever share a sandbox_path.
type Manager struct {
	Root  string
	Clock ids.Clock

	mu       sync.Mutex
	sessions map[string]*trackedSession
}

type trackedSession struct {
	session *models.Session
	wg      sync.WaitGroup
}

// NewManager creates a Manager rooted at root, which must already exist
// or be creatable via os.MkdirAll.
func NewManager(root string) (*Manager, error) {
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, errs.Wrap(errs.Internal, "create sandbox root", err)
	}
	return &Manager{Root: root, Clock: ids.SystemClock{}, sessions: make(map[string]*trackedSession)}, nil
}

// CreateWorkspace validates sourcePath, deep-copies it into a new
// exclusive sandbox directory, and returns the active Session.
func (m *Manager) CreateWorkspace(sourcePath string, sessionID string, isolation models.Isolation) (*models.Session, error) {
	info, err := os.Stat(sourcePath)
	if err != nil {
		return nil, errs.Wrap(errs.FileNotFound, "source path does not exist", err).WithContext("source_path", sourcePath)
	}
	if !info.IsDir() {
		return nil, errs.New(errs.Validation, "source path is not a directory").WithContext("source_path", sourcePath)
	}

	if sessionID == "" {
		sessionID = ids.New("session")
	}

	m.mu.Lock()
	if _, exists := m.sessions[sessionID]; exists {
		m.mu.Unlock()
		return nil, errs.New(errs.Validation, "session already has a workspace").WithContext("session_id", sessionID)
	}
	m.mu.Unlock()

	sandboxPath := filepath.Join(m.Root, sessionID, "workspace")
	if err := os.MkdirAll(sandboxPath, 0o755); err != nil {
		return nil, errs.Wrap(errs.Internal, "allocate sandbox directory", err).WithContext("sandbox_path", sandboxPath)
	}

	limit := isolation.ResourceLimits.DiskMB
	if err := copyTree(sourcePath, sandboxPath, limit); err != nil {
		_ = os.RemoveAll(sandboxPath)
		return nil, err
	}

	hash, err := contentHash(sandboxPath)
	if err != nil {
		_ = os.RemoveAll(sandboxPath)
		return nil, err
	}

	ws := &models.Workspace{
		ID:          sessionID,
		SourcePath:  sourcePath,
		SandboxPath: sandboxPath,
		Isolation:   isolation,
		Status:      models.WorkspaceActive,
		ContentHash: hash,
	}
	session := &models.Session{
		SessionID: sessionID,
		Workspace: ws,
		CreatedAt: m.Clock.Now(),
		Metadata:  make(map[string]any),
	}

	m.mu.Lock()
	m.sessions[sessionID] = &trackedSession{session: session}
	m.mu.Unlock()

	return session, nil
}

// BeginTask registers one unit of in-flight work against sessionID,
// returning a function to call when that work completes. DestroyWorkspace
// waits for every registered unit before removing the sandbox tree.
func (m *Manager) BeginTask(sessionID string) (func(), error) {
	m.mu.Lock()
	tracked, ok := m.sessions[sessionID]
	m.mu.Unlock()
	if !ok {
		return nil, errs.New(errs.Validation, "unknown session").WithContext("session_id", sessionID)
	}
	tracked.wg.Add(1)
	return tracked.wg.Done, nil
}

// GetSession returns the session tracked for sessionID.
func (m *Manager) GetSession(sessionID string) (*models.Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	tracked, ok := m.sessions[sessionID]
	if !ok {
		return nil, errs.New(errs.Validation, "unknown session").WithContext("session_id", sessionID)
	}
	return tracked.session, nil
}

// SessionIDs returns every session id currently tracked by the manager,
// used by the cleanup scheduler to recognize non-orphaned artifact
// directories.
func (m *Manager) SessionIDs() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	ids := make([]string, 0, len(m.sessions))
	for id := range m.sessions {
		ids = append(ids, id)
	}
	return ids
}

// DestroyWorkspace transitions the session to cleaning_up, waits for any
// in-flight tasks (BeginTask) to finish, removes the sandbox directory
// idempotently, then marks it destroyed. Returns false for an unknown
// session rather than an error, matching spec.md's boolean-success
// contract.
func (m *Manager) DestroyWorkspace(sessionID string) bool {
	m.mu.Lock()
	tracked, ok := m.sessions[sessionID]
	m.mu.Unlock()
	if !ok {
		return false
	}

	tracked.session.Workspace.Status = models.WorkspaceCleaningUp
	tracked.wg.Wait()

	_ = os.RemoveAll(tracked.session.Workspace.SandboxPath)
	tracked.session.Workspace.Status = models.WorkspaceDestroyed

	m.mu.Lock()
	delete(m.sessions, sessionID)
	m.mu.Unlock()
	return true
}

func copyTree(src, dst string, maxDiskMB int) error {
	scope, err := fsutil.NewScope(dst)
	if err != nil {
		return err
	}

	var total int64
	var limitBytes int64 = -1
	if maxDiskMB > 0 {
		limitBytes = int64(maxDiskMB) * 1024 * 1024
	}

	return filepath.WalkDir(src, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			return errs.Wrap(errs.Runtime, "walk source tree", err).WithContext("path", path)
		}

		rel, relErr := filepath.Rel(src, path)
		if relErr != nil {
			return errs.Wrap(errs.Internal, "compute relative path", relErr)
		}
		if rel == "." {
			return nil
		}
		if d.IsDir() {
			if name := d.Name(); name == ".git" || name == ".hg" || name == ".svn" {
				return filepath.SkipDir
			}
			return nil
		}

		info, infoErr := d.Info()
		if infoErr != nil {
			return errs.Wrap(errs.Runtime, "stat source file", infoErr).WithContext("path", path)
		}
		total += info.Size()
		if limitBytes >= 0 && total > limitBytes {
			return errs.New(errs.ResourceExhausted, "workspace clone exceeds configured disk limit").
				WithContext("max_disk_mb", maxDiskMB)
		}

		data, readErr := os.ReadFile(path)
		if readErr != nil {
			return errs.Wrap(errs.Runtime, "read source file", readErr).WithContext("path", path)
		}
		return scope.Write(rel, data)
	})
}

func contentHash(root string) (string, error) {
	var files []string
	err := filepath.WalkDir(root, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if !d.IsDir() {
			files = append(files, path)
		}
		return nil
	})
	if err != nil {
		return "", errs.Wrap(errs.Runtime, "walk sandbox tree for content hash", err)
	}
	sort.Strings(files)

	h := sha256.New()
	for _, f := range files {
		rel, _ := filepath.Rel(root, f)
		fmt.Fprintf(h, "%s\x00", rel)
		file, openErr := os.Open(f)
		if openErr != nil {
			return "", errs.Wrap(errs.Runtime, "open file for content hash", openErr).WithContext("path", f)
		}
		_, copyErr := io.Copy(h, file)
		file.Close()
		if copyErr != nil {
			return "", errs.Wrap(errs.Runtime, "hash file contents", copyErr).WithContext("path", f)
		}
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}
