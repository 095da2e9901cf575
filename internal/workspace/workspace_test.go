package workspace

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/scooter-lacroix/swiss-sandbox/internal/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newSourceTree(t *testing.T) string {
	t.Helper()
	src := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(src, "main.go"), []byte("package main"), 0o644))
	require.NoError(t, os.MkdirAll(filepath.Join(src, ".git"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(src, ".git", "HEAD"), []byte("ref"), 0o644))
	return src
}

func TestCreateWorkspaceClonesExcludingVCS(t *testing.T) {
	mgr, err := NewManager(t.TempDir())
	require.NoError(t, err)
	src := newSourceTree(t)

	session, err := mgr.CreateWorkspace(src, "", models.Isolation{})
	require.NoError(t, err)
	assert.Equal(t, models.WorkspaceActive, session.Workspace.Status)
	assert.NotEmpty(t, session.Workspace.ContentHash)

	_, err = os.Stat(filepath.Join(session.Workspace.SandboxPath, "main.go"))
	require.NoError(t, err)
	_, err = os.Stat(filepath.Join(session.Workspace.SandboxPath, ".git"))
	assert.True(t, os.IsNotExist(err))
}

func TestCreateWorkspaceRejectsDuplicateSession(t *testing.T) {
	mgr, err := NewManager(t.TempDir())
	require.NoError(t, err)
	src := newSourceTree(t)

	_, err = mgr.CreateWorkspace(src, "sess-1", models.Isolation{})
	require.NoError(t, err)

	_, err = mgr.CreateWorkspace(src, "sess-1", models.Isolation{})
	require.Error(t, err)
}

func TestCreateWorkspaceZeroDiskLimitIsUnlimited(t *testing.T) {
	mgr, err := NewManager(t.TempDir())
	require.NoError(t, err)
	src := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(src, "big.bin"), make([]byte, 2048), 0o644))

	_, err = mgr.CreateWorkspace(src, "", models.Isolation{ResourceLimits: models.ResourceLimits{DiskMB: 0}})
	// zero DiskMB means no limit is enforced; this should succeed.
	require.NoError(t, err)
}

func TestDestroyWorkspaceIsIdempotentAndWaitsForTasks(t *testing.T) {
	mgr, err := NewManager(t.TempDir())
	require.NoError(t, err)
	src := newSourceTree(t)

	session, err := mgr.CreateWorkspace(src, "sess-2", models.Isolation{})
	require.NoError(t, err)

	done, err := mgr.BeginTask("sess-2")
	require.NoError(t, err)
	done()

	assert.True(t, mgr.DestroyWorkspace("sess-2"))
	assert.Equal(t, models.WorkspaceDestroyed, session.Workspace.Status)
	_, statErr := os.Stat(session.Workspace.SandboxPath)
	assert.True(t, os.IsNotExist(statErr))

	assert.False(t, mgr.DestroyWorkspace("sess-2"))
}

func TestSessionIDsListsActiveSessions(t *testing.T) {
	mgr, err := NewManager(t.TempDir())
	require.NoError(t, err)
	src := newSourceTree(t)

	_, err = mgr.CreateWorkspace(src, "sess-a", models.Isolation{})
	require.NoError(t, err)
	_, err = mgr.CreateWorkspace(src, "sess-b", models.Isolation{})
	require.NoError(t, err)

	assert.ElementsMatch(t, []string{"sess-a", "sess-b"}, mgr.SessionIDs())

	mgr.DestroyWorkspace("sess-a")
	assert.Equal(t, []string{"sess-b"}, mgr.SessionIDs())
}

func TestTwoSessionsNeverShareSandboxPath(t *testing.T) {
	mgr, err := NewManager(t.TempDir())
	require.NoError(t, err)
	src := newSourceTree(t)

	s1, err := mgr.CreateWorkspace(src, "", models.Isolation{})
	require.NoError(t, err)
	s2, err := mgr.CreateWorkspace(src, "", models.Isolation{})
	require.NoError(t, err)

	assert.NotEqual(t, s1.Workspace.SandboxPath, s2.Workspace.SandboxPath)
}
