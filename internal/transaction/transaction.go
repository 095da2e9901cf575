// Package transaction coordinates atomic groups of file operations:
// conflict detection ahead of time, dependency-ordered application with
// a backup-and-rollback safety net, and conflict resolution strategies
// for operations an operator chooses to reconcile rather than block on.
package transaction

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/scooter-lacroix/swiss-sandbox/internal/errs"
	"github.com/scooter-lacroix/swiss-sandbox/internal/fsutil"
	"github.com/scooter-lacroix/swiss-sandbox/internal/ids"
	"github.com/scooter-lacroix/swiss-sandbox/internal/models"
)

const backupDirPrefix = ".sandbox_backups"

// ResolutionStrategy names a resolve_conflict strategy.
type ResolutionStrategy string

const (
	StrategyMerge      ResolutionStrategy = "merge"
	StrategySequential ResolutionStrategy = "sequential"
)

// Coordinator tracks in-flight transactions against a scoped workspace.
type Coordinator struct {
	Scope fsutil.Scope
	Clock ids.Clock

	mu           sync.Mutex
	transactions map[string]*models.MultiFileTransaction
}

// NewCoordinator creates an empty Coordinator bound to scope.
func NewCoordinator(scope fsutil.Scope) *Coordinator {
	return &Coordinator{Scope: scope, Clock: ids.SystemClock{}, transactions: make(map[string]*models.MultiFileTransaction)}
}

// CreateTransaction registers a new transaction, running conflict
// detection over ops per spec: same-file-path grouping, dependency
// cycle detection, and dangling-dependency detection.
func (c *Coordinator) CreateTransaction(id string, ops []models.FileOperation) (*models.MultiFileTransaction, error) {
	tx := &models.MultiFileTransaction{
		TransactionID: id,
		Operations:    ops,
		BackupPaths:   make(map[string]string),
	}
	tx.Conflicts = c.detectConflicts(ops)

	c.mu.Lock()
	c.transactions[id] = tx
	c.mu.Unlock()
	return tx, nil
}

// GetTransactionStatus returns the tracked transaction for id.
func (c *Coordinator) GetTransactionStatus(id string) (*models.MultiFileTransaction, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	tx, ok := c.transactions[id]
	if !ok {
		return nil, errs.New(errs.Validation, "unknown transaction").WithContext("transaction_id", id)
	}
	return tx, nil
}

func (c *Coordinator) detectConflicts(ops []models.FileOperation) []models.FileConflict {
	var conflicts []models.FileConflict

	byPath := make(map[string][]int)
	for i, op := range ops {
		byPath[op.FilePath] = append(byPath[op.FilePath], i)
	}

	paths := make([]string, 0, len(byPath))
	for p := range byPath {
		paths = append(paths, p)
	}
	sort.Strings(paths)

	for _, path := range paths {
		idxs := byPath[path]
		if len(idxs) < 2 {
			continue
		}

		hasDelete, modifyCount, hasCreate, hasModifyOrDelete := false, 0, false, false
		for _, i := range idxs {
			switch ops[i].OpType {
			case models.OpDelete:
				hasDelete = true
				hasModifyOrDelete = true
			case models.OpModify:
				modifyCount++
				hasModifyOrDelete = true
			case models.OpCreate:
				hasCreate = true
			}
		}

		switch {
		case hasDelete:
			conflicts = append(conflicts, models.FileConflict{
				Severity: models.SeverityCritical, Type: models.ConflictContent, FilePath: path,
				OperationIndexes: idxs,
				Description:      fmt.Sprintf("operation deletes %q while other operations also target it", path),
			})
		case modifyCount > 1:
			conflicts = append(conflicts, models.FileConflict{
				Severity: models.SeverityHigh, Type: models.ConflictContent, FilePath: path,
				OperationIndexes:    idxs,
				Description:         fmt.Sprintf("%d operations modify %q", modifyCount, path),
				SuggestedResolution: "merge or sequential",
			})
		case hasCreate && hasModifyOrDelete:
			conflicts = append(conflicts, models.FileConflict{
				Severity: models.SeverityHigh, Type: models.ConflictContent, FilePath: path,
				OperationIndexes:    idxs,
				Description:         fmt.Sprintf("operation creates %q while another modifies or deletes it", path),
				SuggestedResolution: "sequential",
			})
		}
	}

	conflicts = append(conflicts, c.detectCycles(ops)...)
	conflicts = append(conflicts, c.detectDanglingDependencies(ops, byPath)...)
	return conflicts
}

// detectCycles generalizes the teacher's DFS color-marking cycle
// detector from task dependencies to FileOperation.Dependencies.
func (c *Coordinator) detectCycles(ops []models.FileOperation) []models.FileConflict {
	const (
		white = 0
		gray  = 1
		black = 2
	)

	opByPath := make(map[string]int)
	for i, op := range ops {
		opByPath[op.FilePath] = i
	}

	colors := make([]int, len(ops))
	var conflicts []models.FileConflict
	var stack []string

	var dfs func(i int) bool
	dfs = func(i int) bool {
		colors[i] = gray
		stack = append(stack, ops[i].FilePath)

		for _, dep := range ops[i].Dependencies {
			j, ok := opByPath[dep]
			if !ok {
				continue
			}
			if colors[j] == gray {
				cycle := append(append([]string{}, stack...), ops[j].FilePath)
				conflicts = append(conflicts, models.FileConflict{
					Severity:         models.SeverityCritical,
					Type:             models.ConflictCircular,
					OperationIndexes: []int{i, j},
					Description:      fmt.Sprintf("circular dependency: %s", strings.Join(cycle, " -> ")),
				})
				return true
			}
			if colors[j] == white && dfs(j) {
				return true
			}
		}

		stack = stack[:len(stack)-1]
		colors[i] = black
		return false
	}

	for i := range ops {
		if colors[i] == white {
			dfs(i)
		}
		stack = nil
	}
	return conflicts
}

func (c *Coordinator) detectDanglingDependencies(ops []models.FileOperation, byPath map[string][]int) []models.FileConflict {
	var conflicts []models.FileConflict
	for i, op := range ops {
		for _, dep := range op.Dependencies {
			if _, inTx := byPath[dep]; inTx {
				continue
			}
			if _, err := c.Scope.Read(dep); err == nil {
				continue
			}
			conflicts = append(conflicts, models.FileConflict{
				Severity:         models.SeverityHigh,
				Type:             models.ConflictDependency,
				FilePath:         op.FilePath,
				OperationIndexes: []int{i},
				Description:      fmt.Sprintf("operation on %q depends on %q, which is neither in the transaction nor an existing file", op.FilePath, dep),
			})
		}
	}
	return conflicts
}

// ResolveConflict applies a resolution strategy to the conflict at idx.
func (c *Coordinator) ResolveConflict(id string, idx int, strategy ResolutionStrategy) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	tx, ok := c.transactions[id]
	if !ok {
		return errs.New(errs.Validation, "unknown transaction").WithContext("transaction_id", id)
	}
	if idx < 0 || idx >= len(tx.Conflicts) {
		return errs.New(errs.Validation, "conflict index out of range").WithContext("index", idx)
	}

	conflict := tx.Conflicts[idx]
	if len(conflict.OperationIndexes) < 2 {
		return nil
	}
	first := conflict.OperationIndexes[0]

	switch strategy {
	case StrategyMerge:
		var merged []byte
		for _, opIdx := range conflict.OperationIndexes {
			merged = append(merged, tx.Operations[opIdx].Content...)
		}
		tx.Operations[first].Content = merged
		for _, opIdx := range conflict.OperationIndexes[1:] {
			tx.Operations[opIdx].Skip = true
		}
	case StrategySequential:
		for i := 1; i < len(conflict.OperationIndexes); i++ {
			prev := conflict.OperationIndexes[i-1]
			cur := conflict.OperationIndexes[i]
			tx.Operations[cur].Dependencies = append(tx.Operations[cur].Dependencies, tx.Operations[prev].FilePath)
		}
	default:
		return errs.New(errs.Validation, "unknown resolution strategy").WithContext("strategy", strategy)
	}

	return nil
}

// ExecuteTransaction applies a transaction's operations in dependency
// order, backing up affected files first and rolling back on failure.
func (c *Coordinator) ExecuteTransaction(ctx context.Context, id string) error {
	c.mu.Lock()
	tx, ok := c.transactions[id]
	c.mu.Unlock()
	if !ok {
		return errs.New(errs.Validation, "unknown transaction").WithContext("transaction_id", id)
	}

	if tx.HasCriticalConflict() {
		return errs.New(errs.Validation, "transaction has unresolved critical conflicts").WithContext("transaction_id", id)
	}

	backupDir := fmt.Sprintf("%s/%s_%d", backupDirPrefix, id, c.Clock.Now().UnixNano())
	if err := c.backupAffectedFiles(tx, backupDir); err != nil {
		return err
	}

	order, err := c.topologicalOrder(tx.Operations)
	if err != nil {
		return err
	}

	for _, i := range order {
		if ctx.Err() != nil {
			return c.rollback(tx, backupDir, i, errs.Wrap(errs.Runtime, "transaction cancelled", ctx.Err()))
		}

		op := tx.Operations[i]
		if op.Skip {
			tx.CompletedOperations = append(tx.CompletedOperations, i)
			continue
		}

		if err := c.applyOperation(op); err != nil {
			return c.rollback(tx, backupDir, i, err)
		}
		tx.CompletedOperations = append(tx.CompletedOperations, i)
	}

	_ = c.Scope.Delete(backupDir)
	return nil
}

func (c *Coordinator) backupAffectedFiles(tx *models.MultiFileTransaction, backupDir string) error {
	for _, op := range tx.Operations {
		if op.OpType != models.OpModify && op.OpType != models.OpDelete {
			continue
		}
		content, err := c.Scope.Read(op.FilePath)
		if err != nil {
			continue // nothing to back up, target doesn't exist yet
		}
		backupPath := backupDir + "/" + op.FilePath
		if err := c.Scope.Write(backupPath, content); err != nil {
			return errs.Wrap(errs.Runtime, "back up file before transaction", err).WithContext("path", op.FilePath)
		}
		tx.BackupPaths[op.FilePath] = backupPath
	}
	return nil
}

func (c *Coordinator) topologicalOrder(ops []models.FileOperation) ([]int, error) {
	opByPath := make(map[string]int)
	for i, op := range ops {
		opByPath[op.FilePath] = i
	}

	inDegree := make([]int, len(ops))
	edges := make(map[int][]int)
	for i, op := range ops {
		for _, dep := range op.Dependencies {
			if j, ok := opByPath[dep]; ok {
				edges[j] = append(edges[j], i)
				inDegree[i]++
			}
		}
	}

	var queue []int
	for i := range ops {
		if inDegree[i] == 0 {
			queue = append(queue, i)
		}
	}
	sort.Ints(queue)

	var order []int
	for len(queue) > 0 {
		n := queue[0]
		queue = queue[1:]
		order = append(order, n)

		var unlocked []int
		for _, m := range edges[n] {
			inDegree[m]--
			if inDegree[m] == 0 {
				unlocked = append(unlocked, m)
			}
		}
		sort.Ints(unlocked)
		queue = append(queue, unlocked...)
	}

	if len(order) != len(ops) {
		return nil, errs.New(errs.Internal, "transaction graph has an unresolved cycle")
	}
	return order, nil
}

func (c *Coordinator) applyOperation(op models.FileOperation) error {
	_, exists := c.Scope.Read(op.FilePath)
	fileExists := exists == nil

	switch op.OpType {
	case models.OpCreate:
		if fileExists {
			return errs.New(errs.Validation, "create operation target already exists").WithContext("path", op.FilePath)
		}
		return c.Scope.Write(op.FilePath, op.Content)
	case models.OpModify:
		if !fileExists {
			return errs.New(errs.FileNotFound, "modify operation target does not exist").WithContext("path", op.FilePath)
		}
		return c.Scope.Write(op.FilePath, op.Content)
	case models.OpDelete:
		if !fileExists {
			return errs.New(errs.FileNotFound, "delete operation target does not exist").WithContext("path", op.FilePath)
		}
		return c.Scope.Delete(op.FilePath)
	case models.OpMove:
		if op.TargetPath == "" {
			return errs.New(errs.Validation, "move operation requires a target path").WithContext("path", op.FilePath)
		}
		content, err := c.Scope.Read(op.FilePath)
		if err != nil {
			return errs.Wrap(errs.FileNotFound, "move operation source does not exist", err).WithContext("path", op.FilePath)
		}
		if err := c.Scope.Write(op.TargetPath, content); err != nil {
			return err
		}
		return c.Scope.Delete(op.FilePath)
	default:
		return errs.New(errs.Validation, "unknown file operation type").WithContext("op_type", op.OpType)
	}
}

func (c *Coordinator) rollback(tx *models.MultiFileTransaction, backupDir string, failedIdx int, cause error) error {
	tx.FailedOperations = append(tx.FailedOperations, failedIdx)

	for path, backupPath := range tx.BackupPaths {
		content, err := c.Scope.Read(backupPath)
		if err != nil {
			continue
		}
		_ = c.Scope.Write(path, content)
	}

	for _, i := range tx.CompletedOperations {
		if tx.Operations[i].OpType == models.OpCreate {
			_ = c.Scope.Delete(tx.Operations[i].FilePath)
		}
	}

	_ = c.Scope.Delete(backupDir)
	return errs.Wrap(errs.Runtime, "transaction rolled back", cause).WithContext("transaction_id", tx.TransactionID)
}
