package status

import (
	"testing"
	"time"

	"github.com/scooter-lacroix/swiss-sandbox/internal/ids"
	"github.com/scooter-lacroix/swiss-sandbox/internal/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newManagerAt(t *testing.T, at time.Time) (*Manager, *ids.FakeClock) {
	t.Helper()
	clock := ids.NewFakeClock(at)
	m := NewManager()
	m.Clock = clock
	return m, clock
}

func TestUpdateTaskStatusNotStartedToInProgressSetsStartTime(t *testing.T) {
	start := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	m, _ := newManagerAt(t, start)
	m.Register("1", nil, nil)

	require.NoError(t, m.UpdateTaskStatus("1", models.StatusInProgress, "starting", nil, nil))

	p, err := m.Get("1")
	require.NoError(t, err)
	require.NotNil(t, p.StartTime)
	assert.Equal(t, start, *p.StartTime)
	assert.Equal(t, 5.0, p.ProgressPercentage)
}

func TestUpdateTaskStatusCompletedSetsEndTimeAndActualDuration(t *testing.T) {
	start := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	m, clock := newManagerAt(t, start)
	m.Register("1", nil, nil)
	require.NoError(t, m.UpdateTaskStatus("1", models.StatusInProgress, "", nil, nil))

	clock.Advance(10 * time.Minute)
	require.NoError(t, m.UpdateTaskStatus("1", models.StatusCompleted, "done", nil, nil))

	p, err := m.Get("1")
	require.NoError(t, err)
	require.NotNil(t, p.EndTime)
	require.NotNil(t, p.ActualDuration)
	assert.Equal(t, 10*time.Minute, *p.ActualDuration)
	assert.Equal(t, 100.0, p.ProgressPercentage)
}

func TestUpdateTaskStatusErrorRecordsErrorInfo(t *testing.T) {
	m, _ := newManagerAt(t, time.Now())
	m.Register("1", nil, nil)
	require.NoError(t, m.UpdateTaskStatus("1", models.StatusInProgress, "", nil, nil))

	errInfo := &models.ErrorInfo{Message: "boom"}
	require.NoError(t, m.UpdateTaskStatus("1", models.StatusError, "failed", nil, errInfo))

	p, err := m.Get("1")
	require.NoError(t, err)
	require.NotNil(t, p.EndTime)
	assert.Equal(t, errInfo, p.ErrorInfo)
}

func TestUpdateTaskStatusUnknownIDErrors(t *testing.T) {
	m, _ := newManagerAt(t, time.Now())
	err := m.UpdateTaskStatus("missing", models.StatusInProgress, "", nil, nil)
	assert.Error(t, err)
}

func TestListenerPanicIsRecoveredAndDoesNotBlockOtherListeners(t *testing.T) {
	m, _ := newManagerAt(t, time.Now())
	m.Register("1", nil, nil)

	var secondCalled bool
	m.AddListener(func(StatusUpdate) { panic("listener blew up") })
	m.AddListener(func(StatusUpdate) { secondCalled = true })

	require.NoError(t, m.UpdateTaskStatus("1", models.StatusInProgress, "", nil, nil))
	assert.True(t, secondCalled)
}

func TestListenerReceivesOldAndNewStatus(t *testing.T) {
	m, _ := newManagerAt(t, time.Now())
	m.Register("1", nil, nil)

	var got StatusUpdate
	m.AddListener(func(u StatusUpdate) { got = u })

	require.NoError(t, m.UpdateTaskStatus("1", models.StatusInProgress, "go", nil, nil))
	assert.Equal(t, models.StatusNotStarted, got.Old)
	assert.Equal(t, models.StatusInProgress, got.New)
	assert.Equal(t, "go", got.Message)
}

func TestRemainingTimeExtrapolatesFromProgress(t *testing.T) {
	start := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	p := &TaskProgress{StartTime: &start, ProgressPercentage: 50}
	now := start.Add(10 * time.Minute)

	assert.Equal(t, 10*time.Minute, p.RemainingTime(now))
}

func TestRemainingTimeFallsBackToEstimate(t *testing.T) {
	start := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	estimate := 30 * time.Minute
	p := &TaskProgress{StartTime: &start, EstimatedDuration: &estimate}
	now := start.Add(10 * time.Minute)

	assert.Equal(t, 20*time.Minute, p.RemainingTime(now))
}

func TestRemainingTimeNeverNegative(t *testing.T) {
	start := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	estimate := 5 * time.Minute
	p := &TaskProgress{StartTime: &start, EstimatedDuration: &estimate}
	now := start.Add(10 * time.Minute)

	assert.Equal(t, time.Duration(0), p.RemainingTime(now))
}

func TestModifyTaskFlagsRevalidation(t *testing.T) {
	m, _ := newManagerAt(t, time.Now())
	m.Register("1", nil, nil)

	estimate := 20 * time.Minute
	needsRevalidation, err := m.ModifyTask("1", &estimate, []string{"2"})
	require.NoError(t, err)
	assert.True(t, needsRevalidation)

	p, err := m.Get("1")
	require.NoError(t, err)
	assert.Equal(t, []string{"2"}, p.Dependencies)
}

func TestReplanFromTaskDropsOldSubtasksAndInstallsNew(t *testing.T) {
	m, _ := newManagerAt(t, time.Now())
	m.Register("1", nil, nil)
	m.Register("1.1", nil, nil)
	m.Register("1.2", nil, nil)

	m.ReplanFromTask("1", []models.Subtask{{ID: "1.3", Dependencies: []string{"1"}}})

	_, err := m.Get("1.1")
	assert.Error(t, err)
	_, err = m.Get("1.2")
	assert.Error(t, err)
	p, err := m.Get("1.3")
	require.NoError(t, err)
	assert.Equal(t, []string{"1"}, p.Dependencies)
}

func TestPlanProgressForAggregatesCompletion(t *testing.T) {
	m, _ := newManagerAt(t, time.Now())
	m.Register("1", nil, nil)
	m.Register("2", nil, nil)
	require.NoError(t, m.UpdateTaskStatus("1", models.StatusInProgress, "", nil, nil))
	require.NoError(t, m.UpdateTaskStatus("1", models.StatusCompleted, "", nil, nil))

	progress := m.PlanProgressFor([]string{"1", "2"})
	assert.Equal(t, 50.0, progress.CompletionPercentage)
	assert.Equal(t, 1, progress.CountsByStatus[models.StatusCompleted])
	assert.Equal(t, 1, progress.CountsByStatus[models.StatusNotStarted])
}

func TestRenderBar(t *testing.T) {
	assert.Equal(t, "[##########----------] 50%", RenderBar(50, 20))
	assert.Equal(t, "[--------------------] 0%", RenderBar(-10, 20))
	assert.Equal(t, "[####################] 100%", RenderBar(150, 20))
}
