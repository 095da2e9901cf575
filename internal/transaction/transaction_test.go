package transaction

import (
	"context"
	"testing"

	"github.com/scooter-lacroix/swiss-sandbox/internal/fsutil"
	"github.com/scooter-lacroix/swiss-sandbox/internal/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newCoordinator(t *testing.T) *Coordinator {
	t.Helper()
	scope, err := fsutil.NewScope(t.TempDir())
	require.NoError(t, err)
	return NewCoordinator(scope)
}

func TestCreateTransactionDetectsDeleteConflict(t *testing.T) {
	c := newCoordinator(t)

	tx, err := c.CreateTransaction("tx1", []models.FileOperation{
		{OpType: models.OpDelete, FilePath: "a.txt"},
		{OpType: models.OpModify, FilePath: "a.txt", Content: []byte("x")},
	})
	require.NoError(t, err)
	require.Len(t, tx.Conflicts, 1)
	assert.Equal(t, models.SeverityCritical, tx.Conflicts[0].Severity)
	assert.Equal(t, models.ConflictContent, tx.Conflicts[0].Type)
}

func TestCreateTransactionDetectsMultiModifyConflict(t *testing.T) {
	c := newCoordinator(t)

	tx, err := c.CreateTransaction("tx1", []models.FileOperation{
		{OpType: models.OpModify, FilePath: "a.txt", Content: []byte("x")},
		{OpType: models.OpModify, FilePath: "a.txt", Content: []byte("y")},
	})
	require.NoError(t, err)
	require.Len(t, tx.Conflicts, 1)
	assert.Equal(t, models.SeverityHigh, tx.Conflicts[0].Severity)
	assert.Equal(t, "merge or sequential", tx.Conflicts[0].SuggestedResolution)
}

func TestCreateTransactionDetectsCreateVsModifyConflict(t *testing.T) {
	c := newCoordinator(t)

	tx, err := c.CreateTransaction("tx1", []models.FileOperation{
		{OpType: models.OpCreate, FilePath: "a.txt", Content: []byte("x")},
		{OpType: models.OpModify, FilePath: "a.txt", Content: []byte("y")},
	})
	require.NoError(t, err)
	require.Len(t, tx.Conflicts, 1)
	assert.Equal(t, "sequential", tx.Conflicts[0].SuggestedResolution)
}

func TestCreateTransactionDetectsCircularDependency(t *testing.T) {
	c := newCoordinator(t)

	tx, err := c.CreateTransaction("tx1", []models.FileOperation{
		{OpType: models.OpCreate, FilePath: "a.txt", Dependencies: []string{"b.txt"}},
		{OpType: models.OpCreate, FilePath: "b.txt", Dependencies: []string{"a.txt"}},
	})
	require.NoError(t, err)

	var found bool
	for _, conflict := range tx.Conflicts {
		if conflict.Type == models.ConflictCircular {
			found = true
			assert.Equal(t, models.SeverityCritical, conflict.Severity)
		}
	}
	assert.True(t, found, "expected a circular conflict")
}

func TestCreateTransactionDetectsDanglingDependency(t *testing.T) {
	c := newCoordinator(t)

	tx, err := c.CreateTransaction("tx1", []models.FileOperation{
		{OpType: models.OpCreate, FilePath: "a.txt", Dependencies: []string{"missing.txt"}},
	})
	require.NoError(t, err)
	require.Len(t, tx.Conflicts, 1)
	assert.Equal(t, models.ConflictDependency, tx.Conflicts[0].Type)
}

func TestExecuteTransactionRefusesOnCriticalConflict(t *testing.T) {
	c := newCoordinator(t)

	_, err := c.CreateTransaction("tx1", []models.FileOperation{
		{OpType: models.OpDelete, FilePath: "a.txt"},
		{OpType: models.OpModify, FilePath: "a.txt", Content: []byte("x")},
	})
	require.NoError(t, err)

	err = c.ExecuteTransaction(context.Background(), "tx1")
	require.Error(t, err)
}

func TestExecuteTransactionAppliesInDependencyOrder(t *testing.T) {
	c := newCoordinator(t)

	_, err := c.CreateTransaction("tx1", []models.FileOperation{
		{OpType: models.OpCreate, FilePath: "b.txt", Content: []byte("b"), Dependencies: []string{"a.txt"}},
		{OpType: models.OpCreate, FilePath: "a.txt", Content: []byte("a")},
	})
	require.NoError(t, err)

	require.NoError(t, c.ExecuteTransaction(context.Background(), "tx1"))

	data, err := c.Scope.Read("a.txt")
	require.NoError(t, err)
	assert.Equal(t, "a", string(data))

	data, err = c.Scope.Read("b.txt")
	require.NoError(t, err)
	assert.Equal(t, "b", string(data))
}

func TestExecuteTransactionRollsBackOnFailure(t *testing.T) {
	c := newCoordinator(t)
	require.NoError(t, c.Scope.Write("existing.txt", []byte("original")))

	_, err := c.CreateTransaction("tx1", []models.FileOperation{
		{OpType: models.OpModify, FilePath: "existing.txt", Content: []byte("changed")},
		{OpType: models.OpDelete, FilePath: "does-not-exist.txt"},
	})
	require.NoError(t, err)

	err = c.ExecuteTransaction(context.Background(), "tx1")
	require.Error(t, err)

	data, readErr := c.Scope.Read("existing.txt")
	require.NoError(t, readErr)
	assert.Equal(t, "original", string(data))
}

func TestResolveConflictMerge(t *testing.T) {
	c := newCoordinator(t)

	tx, err := c.CreateTransaction("tx1", []models.FileOperation{
		{OpType: models.OpModify, FilePath: "a.txt", Content: []byte("first")},
		{OpType: models.OpModify, FilePath: "a.txt", Content: []byte("second")},
	})
	require.NoError(t, err)
	require.Len(t, tx.Conflicts, 1)

	require.NoError(t, c.ResolveConflict("tx1", 0, StrategyMerge))
	assert.Equal(t, "firstsecond", string(tx.Operations[0].Content))
	assert.True(t, tx.Operations[1].Skip)
}

func TestResolveConflictSequential(t *testing.T) {
	c := newCoordinator(t)

	tx, err := c.CreateTransaction("tx1", []models.FileOperation{
		{OpType: models.OpModify, FilePath: "a.txt", Content: []byte("first")},
		{OpType: models.OpModify, FilePath: "a.txt", Content: []byte("second")},
	})
	require.NoError(t, err)

	require.NoError(t, c.ResolveConflict("tx1", 0, StrategySequential))
	assert.Contains(t, tx.Operations[1].Dependencies, "a.txt")
}
