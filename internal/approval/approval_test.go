package approval

import (
	"testing"

	"github.com/scooter-lacroix/swiss-sandbox/internal/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSubmitForApprovalTransitionsPlan(t *testing.T) {
	m := NewManager()
	plan := &models.TaskPlan{ID: "plan-1", Status: models.PlanDraft}

	requestID, err := m.SubmitForApproval(plan)
	require.NoError(t, err)
	assert.NotEmpty(t, requestID)
	assert.Equal(t, models.PlanPendingApproval, plan.Status)
	assert.Equal(t, models.ApprovalPending, plan.ApprovalStatus)
}

func TestRespondApproved(t *testing.T) {
	m := NewManager()
	plan := &models.TaskPlan{ID: "plan-1"}
	requestID, err := m.SubmitForApproval(plan)
	require.NoError(t, err)

	require.NoError(t, m.Respond(requestID, Response{Status: ResponseApproved}, plan))
	assert.Equal(t, models.PlanApproved, plan.Status)
	assert.Equal(t, models.ApprovalApproved, plan.ApprovalStatus)
}

func TestRespondRejected(t *testing.T) {
	m := NewManager()
	plan := &models.TaskPlan{ID: "plan-1"}
	requestID, err := m.SubmitForApproval(plan)
	require.NoError(t, err)

	require.NoError(t, m.Respond(requestID, Response{Status: ResponseRejected}, plan))
	assert.Equal(t, models.PlanFailed, plan.Status)
	assert.Equal(t, models.ApprovalRejected, plan.ApprovalStatus)
}

func TestRespondNeedsRevisionParsesModificationsAndRecordsFeedback(t *testing.T) {
	m := NewManager()
	plan := &models.TaskPlan{ID: "plan-1"}
	requestID, err := m.SubmitForApproval(plan)
	require.NoError(t, err)

	resp := Response{
		Status:   ResponseNeedsRevision,
		Feedback: "This plan needs **more detail** on task 1.2.",
		Modifications: []string{
			"add task for database migration",
			"remove task 1.3",
			"change duration of task 1.1 to 45 minutes",
			"rephrase description of task 1.1",
			"consider using a different library",
		},
	}
	require.NoError(t, m.Respond(requestID, resp, plan))

	assert.Equal(t, models.PlanDraft, plan.Status)
	assert.Equal(t, models.ApprovalNeedsRevision, plan.ApprovalStatus)
	assert.Equal(t, true, plan.Metadata["needs_revalidation"])

	summary, ok := plan.Metadata["feedback_summary"].(string)
	require.True(t, ok)
	assert.Contains(t, summary, "more detail")
	assert.Contains(t, summary, "task 1.2")

	mods, ok := plan.Metadata["pending_modifications"].([]ModificationRequest)
	require.True(t, ok)
	require.Len(t, mods, 5)
	assert.Equal(t, ModifyAddTask, mods[0].Kind)
	assert.Equal(t, ModifyRemoveTask, mods[1].Kind)
	assert.Equal(t, "1.3", mods[1].TaskID)
	assert.Equal(t, ModifyDuration, mods[2].Kind)
	require.NotNil(t, mods[2].Minutes)
	assert.Equal(t, 45.0, *mods[2].Minutes)
	assert.Equal(t, ModifyDescription, mods[3].Kind)
	assert.Equal(t, ModifyGeneric, mods[4].Kind)
}

func TestRespondUnknownRequestErrors(t *testing.T) {
	m := NewManager()
	plan := &models.TaskPlan{ID: "plan-1"}
	err := m.Respond("missing", Response{Status: ResponseApproved}, plan)
	assert.Error(t, err)
}

func TestListenerNotifiedOnResponse(t *testing.T) {
	m := NewManager()
	plan := &models.TaskPlan{ID: "plan-1"}
	requestID, err := m.SubmitForApproval(plan)
	require.NoError(t, err)

	var gotStatus ResponseStatus
	m.AddListener(func(req Request) { gotStatus = req.Status })

	require.NoError(t, m.Respond(requestID, Response{Status: ResponseApproved}, plan))
	assert.Equal(t, ResponseApproved, gotStatus)
}

func TestListenerPanicDoesNotPropagate(t *testing.T) {
	m := NewManager()
	plan := &models.TaskPlan{ID: "plan-1"}
	requestID, err := m.SubmitForApproval(plan)
	require.NoError(t, err)

	m.AddListener(func(Request) { panic("boom") })

	assert.NotPanics(t, func() {
		require.NoError(t, m.Respond(requestID, Response{Status: ResponseApproved}, plan))
	})
}

func TestApplyModificationAccumulates(t *testing.T) {
	plan := &models.TaskPlan{ID: "plan-1"}
	ApplyModification(plan, ModificationRequest{Kind: ModifyGeneric, Text: "first"})
	ApplyModification(plan, ModificationRequest{Kind: ModifyGeneric, Text: "second"})

	applied, ok := plan.Metadata["applied_modifications"].([]ModificationRequest)
	require.True(t, ok)
	require.Len(t, applied, 2)
	assert.Equal(t, "first", applied[0].Text)
	assert.Equal(t, "second", applied[1].Text)
}
