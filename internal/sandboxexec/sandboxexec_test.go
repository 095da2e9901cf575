package sandboxexec

import (
	"context"
	"testing"
	"time"

	"github.com/scooter-lacroix/swiss-sandbox/internal/errs"
	"github.com/scooter-lacroix/swiss-sandbox/internal/fsutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newExecutor(t *testing.T) *Executor {
	t.Helper()
	scope, err := fsutil.NewScope(t.TempDir())
	require.NoError(t, err)
	return NewExecutor(scope, 5*time.Second)
}

func TestExecuteSuccess(t *testing.T) {
	exec := newExecutor(t)

	info, err := exec.Execute(context.Background(), "echo hi", ".", nil)
	require.NoError(t, err)
	assert.Equal(t, 0, info.ExitCode)
	assert.Contains(t, info.Stdout, "hi")
	assert.Len(t, exec.History, 1)
}

func TestExecuteNonZeroExit(t *testing.T) {
	exec := newExecutor(t)

	info, err := exec.Execute(context.Background(), "exit 3", ".", nil)
	require.NoError(t, err)
	assert.Equal(t, 3, info.ExitCode)
}

func TestExecuteTimeout(t *testing.T) {
	exec := newExecutor(t)
	timeout := 50 * time.Millisecond

	info, err := exec.Execute(context.Background(), "sleep 5", ".", &timeout)
	require.Error(t, err)
	assert.True(t, errs.Is(err, errs.Timeout))
	assert.Equal(t, -2, info.ExitCode)
}

func TestExecuteRejectsEscapedWorkDir(t *testing.T) {
	exec := newExecutor(t)

	_, err := exec.Execute(context.Background(), "echo hi", "../outside", nil)
	require.Error(t, err)
	assert.True(t, errs.Is(err, errs.Permission))
}

func TestCreateModifyDeleteFileTracksChanges(t *testing.T) {
	exec := newExecutor(t)

	require.NoError(t, exec.CreateFile("a.txt", []byte("1")))
	require.NoError(t, exec.ModifyFile("a.txt", []byte("2")))
	require.NoError(t, exec.DeleteFile("a.txt"))

	require.Len(t, exec.Changes, 3)
	assert.Equal(t, "1", string(exec.Changes[1].BeforeContent))
	assert.Equal(t, "2", string(exec.Changes[2].BeforeContent))
}

func TestClearHistory(t *testing.T) {
	exec := newExecutor(t)
	_, _ = exec.Execute(context.Background(), "echo hi", ".", nil)
	require.NoError(t, exec.CreateFile("a.txt", []byte("1")))

	exec.ClearHistory()
	assert.Empty(t, exec.History)
	assert.Empty(t, exec.Changes)
}

func TestInstallPackageAutoDefaultsToPipWithNoMarkerFile(t *testing.T) {
	exec := newExecutor(t)

	info, err := exec.InstallPackage(context.Background(), "requests", ManagerAuto)
	require.NoError(t, err)
	assert.Equal(t, "pip install requests", info.Command)
}

func TestInstallPackageAutoDetectsPip(t *testing.T) {
	exec := newExecutor(t)
	require.NoError(t, exec.CreateFile("requirements.txt", []byte("requests\n")))

	assert.Equal(t, ManagerPip, exec.detectManager())
}
