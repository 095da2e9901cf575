package fsutil

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/scooter-lacroix/swiss-sandbox/internal/errs"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestScope(t *testing.T) Scope {
	t.Helper()
	root := t.TempDir()
	scope, err := NewScope(root)
	require.NoError(t, err)
	return scope
}

func TestResolveRejectsEscape(t *testing.T) {
	scope := newTestScope(t)

	_, err := scope.Resolve("../outside")
	require.Error(t, err)
	assert.True(t, errs.Is(err, errs.Permission))

	abs, err := scope.Resolve("nested/file.txt")
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(scope.Root, "nested", "file.txt"), abs)
}

func TestWriteReadDelete(t *testing.T) {
	scope := newTestScope(t)

	require.NoError(t, scope.Write("a/b.txt", []byte("hello")))

	data, err := scope.Read("a/b.txt")
	require.NoError(t, err)
	assert.Equal(t, "hello", string(data))

	require.NoError(t, scope.Delete("a"))
	_, err = scope.Read("a/b.txt")
	require.Error(t, err)
	assert.True(t, errs.Is(err, errs.FileNotFound))
}

func TestCopyTreeSkipsVCSByDefault(t *testing.T) {
	scope := newTestScope(t)

	require.NoError(t, scope.Write("src/keep.txt", []byte("keep")))
	require.NoError(t, scope.Write("src/.git/HEAD", []byte("ref: refs/heads/main")))

	require.NoError(t, scope.CopyTree("src", "dst", CopyOptions{}))

	_, err := os.Stat(filepath.Join(scope.Root, "dst", "keep.txt"))
	require.NoError(t, err)

	_, err = os.Stat(filepath.Join(scope.Root, "dst", ".git"))
	assert.True(t, os.IsNotExist(err))
}

func TestCopyTreeIncludesVCSWhenRequested(t *testing.T) {
	scope := newTestScope(t)
	require.NoError(t, scope.Write("src/.git/HEAD", []byte("ref")))

	require.NoError(t, scope.CopyTree("src", "dst", CopyOptions{IncludeVCS: true}))

	_, err := os.Stat(filepath.Join(scope.Root, "dst", ".git", "HEAD"))
	require.NoError(t, err)
}

func TestWalkVisitsFilesWithRelativePaths(t *testing.T) {
	scope := newTestScope(t)
	require.NoError(t, scope.Write("a.txt", []byte("1")))
	require.NoError(t, scope.Write("sub/b.txt", []byte("2")))
	require.NoError(t, scope.Write(".git/HEAD", []byte("ref")))

	var visited []string
	err := scope.Walk(".", func(relPath string, info os.FileInfo) error {
		visited = append(visited, relPath)
		return nil
	})
	require.NoError(t, err)

	assert.Contains(t, visited, "a.txt")
	assert.Contains(t, visited, filepath.Join("sub", "b.txt"))
	assert.NotContains(t, visited, filepath.Join(".git", "HEAD"))
}
