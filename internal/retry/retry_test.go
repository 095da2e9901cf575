package retry

import (
	"context"
	"testing"
	"time"

	"github.com/scooter-lacroix/swiss-sandbox/internal/errs"
	"github.com/scooter-lacroix/swiss-sandbox/internal/fsutil"
	"github.com/scooter-lacroix/swiss-sandbox/internal/models"
	"github.com/scooter-lacroix/swiss-sandbox/internal/sandboxexec"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newExecutor(t *testing.T) *sandboxexec.Executor {
	t.Helper()
	scope, err := fsutil.NewScope(t.TempDir())
	require.NoError(t, err)
	return sandboxexec.NewExecutor(scope, 5*time.Second)
}

func TestRegistryCoversEveryErrorKind(t *testing.T) {
	r := NewRegistry()
	kinds := []errs.Kind{
		errs.Permission, errs.CommandNotFound, errs.Timeout, errs.Syntax, errs.Value,
		errs.FileNotFound, errs.Runtime, errs.Validation, errs.MaxRetriesExceeded,
		errs.Security, errs.RateLimited, errs.ResourceExhausted, errs.Internal,
	}
	for _, k := range kinds {
		assert.NotEmpty(t, r.For(k), "missing registered strategy for %s", k)
	}
}

func TestRegistryForOrdersBySuccessProbability(t *testing.T) {
	r := NewRegistry()
	r.Register(errs.Timeout, RecoveryStrategy{Kind: errs.Timeout, Recover: RecoverCustom, SuccessProbability: 0.9})

	strategies := r.For(errs.Timeout)
	require.Len(t, strategies, 2)
	assert.Equal(t, 0.9, strategies[0].SuccessProbability)
}

func TestHandleErrorBuildsContextSnapshot(t *testing.T) {
	m := NewManager(3, time.Second, 2.0)
	exec := newExecutor(t)
	require.NoError(t, exec.Scope.Write("a.txt", []byte("hi")))
	_, err := exec.Execute(context.Background(), "true", ".", nil)
	require.NoError(t, err)

	task := models.Task{ID: "1", Description: "do the thing"}
	rc := m.HandleError(task, errs.New(errs.Permission, "denied"), exec, nil)

	assert.Equal(t, models.ErrorKind(errs.Permission), rc.LatestError.Kind)
	assert.NotEmpty(t, rc.RecoveryStrategies)
	assert.Equal(t, task.ID, rc.LatestError.Context["task_id"])
	assert.Equal(t, true, rc.LatestError.Context["workspace_exists"])
}

func TestHandleErrorReusesExistingContext(t *testing.T) {
	m := NewManager(3, time.Second, 2.0)
	task := models.Task{ID: "1"}
	existing := &models.RetryContext{Task: task, MaxRetries: 3, BaseDelay: time.Second, BackoffMultiplier: 2.0}
	existing.PreviousAttempts = append(existing.PreviousAttempts, models.AttemptInfo{AttemptNumber: 1})

	rc := m.HandleError(task, errs.New(errs.Timeout, "too slow"), nil, existing)
	assert.Same(t, existing, rc)
	assert.Len(t, rc.PreviousAttempts, 1)
}

func TestRetryTaskRefusesWhenExhausted(t *testing.T) {
	m := NewManager(1, time.Millisecond, 2.0)
	rc := &models.RetryContext{
		Task:             models.Task{ID: "1"},
		MaxRetries:       1,
		BaseDelay:        time.Millisecond,
		PreviousAttempts: []models.AttemptInfo{{AttemptNumber: 1}},
	}

	err := m.RetryTask(context.Background(), rc, nil, func(ctx context.Context) (int, int, error) {
		t.Fatal("run should not be called when exhausted")
		return 0, 0, nil
	})
	assert.True(t, errs.Is(err, errs.MaxRetriesExceeded))
}

func TestRetryTaskAppliesRecoveryAndRecordsAttempt(t *testing.T) {
	m := NewManager(3, time.Millisecond, 2.0)
	exec := newExecutor(t)
	exec.DefaultTimeout = 5 * time.Second

	rc := &models.RetryContext{
		Task:              models.Task{ID: "1"},
		MaxRetries:        3,
		BaseDelay:         time.Millisecond,
		BackoffMultiplier: 2.0,
		LatestError:       models.ErrorInfo{Kind: models.ErrorKind(errs.Timeout)},
	}
	rc.RecoveryStrategies = refsFor(m.Registry.For(errs.Timeout))

	called := false
	err := m.RetryTask(context.Background(), rc, exec, func(ctx context.Context) (int, int, error) {
		called = true
		return 2, 1, nil
	})

	require.NoError(t, err)
	assert.True(t, called)
	require.Len(t, rc.PreviousAttempts, 1)
	assert.True(t, rc.PreviousAttempts[0].Success)
	assert.Equal(t, 2, rc.PreviousAttempts[0].ChangesMade)
	assert.Equal(t, 10*time.Second, exec.DefaultTimeout) // raised timeout doubles from 5s
}

func TestRetryTaskRecordsFailedAttempt(t *testing.T) {
	m := NewManager(3, time.Millisecond, 2.0)
	rc := &models.RetryContext{MaxRetries: 3, BaseDelay: time.Millisecond, BackoffMultiplier: 2.0}

	runErr := errs.New(errs.Runtime, "boom")
	err := m.RetryTask(context.Background(), rc, nil, func(ctx context.Context) (int, int, error) {
		return 0, 0, runErr
	})

	assert.Equal(t, runErr, err)
	require.Len(t, rc.PreviousAttempts, 1)
	assert.False(t, rc.PreviousAttempts[0].Success)
	require.NotNil(t, rc.PreviousAttempts[0].ErrorInfo)
}

func TestRetryTaskSleepIsInterruptibleByContext(t *testing.T) {
	m := NewManager(3, time.Hour, 1.0)
	rc := &models.RetryContext{MaxRetries: 3, BaseDelay: time.Hour, BackoffMultiplier: 1.0}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := m.RetryTask(ctx, rc, nil, func(ctx context.Context) (int, int, error) {
		t.Fatal("run should not be reached before the cancelled sleep returns")
		return 0, 0, nil
	})
	assert.ErrorIs(t, err, context.Canceled)
}

func TestPrepareRetryRefusesWhenExhausted(t *testing.T) {
	m := NewManager(1, time.Millisecond, 2.0)
	rc := &models.RetryContext{
		Task:             models.Task{ID: "1"},
		MaxRetries:       1,
		BaseDelay:        time.Millisecond,
		PreviousAttempts: []models.AttemptInfo{{AttemptNumber: 1}},
	}

	err := m.PrepareRetry(context.Background(), rc, nil)
	assert.True(t, errs.Is(err, errs.MaxRetriesExceeded))
}

func TestPrepareRetryAppliesRecoveryWithoutRunningTask(t *testing.T) {
	m := NewManager(3, time.Millisecond, 2.0)
	exec := newExecutor(t)
	exec.DefaultTimeout = 5 * time.Second

	rc := &models.RetryContext{
		Task:              models.Task{ID: "1"},
		MaxRetries:        3,
		BaseDelay:         time.Millisecond,
		BackoffMultiplier: 2.0,
		LatestError:       models.ErrorInfo{Kind: models.ErrorKind(errs.Timeout)},
	}
	rc.RecoveryStrategies = refsFor(m.Registry.For(errs.Timeout))

	err := m.PrepareRetry(context.Background(), rc, exec)
	require.NoError(t, err)
	assert.Equal(t, 10*time.Second, exec.DefaultTimeout)
	assert.Empty(t, rc.PreviousAttempts)
}

func TestPrepareRetrySleepIsInterruptibleByContext(t *testing.T) {
	m := NewManager(3, time.Hour, 1.0)
	rc := &models.RetryContext{MaxRetries: 3, BaseDelay: time.Hour, BackoffMultiplier: 1.0}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := m.PrepareRetry(ctx, rc, nil)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestNextDelayBacksOffExponentially(t *testing.T) {
	rc := &models.RetryContext{BaseDelay: time.Second, BackoffMultiplier: 2.0}
	assert.Equal(t, time.Second, rc.NextDelay())

	rc.PreviousAttempts = append(rc.PreviousAttempts, models.AttemptInfo{})
	assert.Equal(t, 2*time.Second, rc.NextDelay())

	rc.PreviousAttempts = append(rc.PreviousAttempts, models.AttemptInfo{})
	assert.Equal(t, 4*time.Second, rc.NextDelay())
}
