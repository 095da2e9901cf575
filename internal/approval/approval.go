// Package approval implements the plan approval workflow: submitting a
// plan for review, recording a reviewer's response, and folding
// revision feedback back onto the plan as recorded intent for the
// planner to act on.
package approval

import (
	"regexp"
	"strconv"
	"strings"
	"sync"

	"github.com/yuin/goldmark"
	"github.com/yuin/goldmark/ast"
	"github.com/yuin/goldmark/text"

	"github.com/scooter-lacroix/swiss-sandbox/internal/errs"
	"github.com/scooter-lacroix/swiss-sandbox/internal/ids"
	"github.com/scooter-lacroix/swiss-sandbox/internal/models"
)

// ModificationKind classifies a single piece of revision feedback.
type ModificationKind string

const (
	ModifyDescription ModificationKind = "description"
	ModifyDuration    ModificationKind = "duration"
	ModifyAddTask     ModificationKind = "add_task"
	ModifyRemoveTask  ModificationKind = "remove_task"
	ModifyGeneric     ModificationKind = "generic"
)

// ModificationRequest is a single parsed instruction extracted from a
// reviewer's free-text modification list.
type ModificationRequest struct {
	Kind    ModificationKind
	TaskID  string
	Text    string
	Minutes *float64
}

// ResponseStatus is the reviewer's verdict on a submitted plan.
type ResponseStatus string

const (
	ResponsePending       ResponseStatus = "pending"
	ResponseApproved      ResponseStatus = "approved"
	ResponseRejected      ResponseStatus = "rejected"
	ResponseNeedsRevision ResponseStatus = "needs_revision"
)

// Response is what a reviewer submits against a pending request.
type Response struct {
	Status        ResponseStatus
	Feedback      string
	Modifications []string
}

// Request tracks a single plan submitted for approval.
type Request struct {
	ID       string
	PlanID   string
	Status   ResponseStatus
	Feedback string
	Parsed   []ModificationRequest
}

// Listener is notified whenever a request receives a response.
type Listener func(Request)

// Manager tracks outstanding approval requests and serializes every
// mutation behind a single lock, matching the status manager's
// concurrency model.
type Manager struct {
	mu        sync.Mutex
	requests  map[string]*Request
	listeners []Listener
	Clock     ids.Clock
}

// NewManager creates an empty approval Manager.
func NewManager() *Manager {
	return &Manager{requests: make(map[string]*Request), Clock: ids.SystemClock{}}
}

// AddListener registers a listener invoked whenever a request is
// responded to.
func (m *Manager) AddListener(l Listener) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.listeners = append(m.listeners, l)
}

// SubmitForApproval transitions plan to pending_approval and returns a
// fresh request id tracking it.
func (m *Manager) SubmitForApproval(plan *models.TaskPlan) (string, error) {
	if plan == nil {
		return "", errs.New(errs.Validation, "plan is nil")
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	plan.Status = models.PlanPendingApproval
	plan.ApprovalStatus = models.ApprovalPending

	requestID := ids.New("approval")
	m.requests[requestID] = &Request{ID: requestID, PlanID: plan.ID, Status: ResponsePending}
	return requestID, nil
}

// Respond records a reviewer's decision against requestID, applies the
// resulting plan status transition, and — on needs_revision — parses
// the free-text modification list into typed ModificationRequests.
func (m *Manager) Respond(requestID string, resp Response, plan *models.TaskPlan) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	req, ok := m.requests[requestID]
	if !ok {
		return errs.New(errs.Validation, "unknown approval request").WithContext("request_id", requestID)
	}

	req.Status = resp.Status
	req.Feedback = resp.Feedback

	switch resp.Status {
	case ResponseApproved:
		plan.ApprovalStatus = models.ApprovalApproved
		plan.Status = models.PlanApproved
	case ResponseRejected:
		plan.ApprovalStatus = models.ApprovalRejected
		plan.Status = models.PlanFailed
	case ResponseNeedsRevision:
		plan.ApprovalStatus = models.ApprovalNeedsRevision
		plan.Status = models.PlanDraft
		req.Parsed = parseModifications(resp.Modifications)
		recordFeedback(plan, req.Feedback, req.Parsed)
	default:
		return errs.New(errs.Validation, "unrecognized response status").WithContext("status", string(resp.Status))
	}

	for _, l := range m.listeners {
		m.invokeSafely(l, *req)
	}
	return nil
}

func (m *Manager) invokeSafely(l Listener, req Request) {
	defer func() { _ = recover() }()
	l(req)
}

var (
	durationPattern = regexp.MustCompile(`(?i)\b(\d+(?:\.\d+)?)\s*(?:min|minutes?)\b`)
	taskRefPattern  = regexp.MustCompile(`(?i)\btask\s+([a-zA-Z0-9_.\-]+)\b`)
)

// parseModifications classifies each free-text modification line into a
// typed ModificationRequest per spec.md §4.8.
func parseModifications(raw []string) []ModificationRequest {
	parsed := make([]ModificationRequest, 0, len(raw))
	for _, line := range raw {
		parsed = append(parsed, parseModification(line))
	}
	return parsed
}

func parseModification(line string) ModificationRequest {
	lower := strings.ToLower(line)
	taskID := ""
	if m := taskRefPattern.FindStringSubmatch(line); len(m) == 2 {
		taskID = m[1]
	}

	switch {
	case strings.Contains(lower, "add task") || strings.Contains(lower, "add a task") || strings.Contains(lower, "insert task"):
		return ModificationRequest{Kind: ModifyAddTask, TaskID: taskID, Text: line}
	case strings.Contains(lower, "remove task") || strings.Contains(lower, "delete task") || strings.Contains(lower, "drop task"):
		return ModificationRequest{Kind: ModifyRemoveTask, TaskID: taskID, Text: line}
	case strings.Contains(lower, "duration") || strings.Contains(lower, "estimate") || durationPattern.MatchString(line):
		mins := parseMinutes(line)
		return ModificationRequest{Kind: ModifyDuration, TaskID: taskID, Text: line, Minutes: mins}
	case strings.Contains(lower, "description") || strings.Contains(lower, "rename") || strings.Contains(lower, "rephrase") || strings.Contains(lower, "reword"):
		return ModificationRequest{Kind: ModifyDescription, TaskID: taskID, Text: line}
	default:
		return ModificationRequest{Kind: ModifyGeneric, TaskID: taskID, Text: line}
	}
}

func parseMinutes(line string) *float64 {
	m := durationPattern.FindStringSubmatch(line)
	if len(m) != 2 {
		return nil
	}
	v, err := strconv.ParseFloat(m[1], 64)
	if err != nil {
		return nil
	}
	return &v
}

// recordFeedback stores the reviewer's feedback — rendered to a plain
// text summary via goldmark's AST — plus the parsed modification list
// on the plan's metadata, as a non-destructive audit trail. Applying
// the modifications to the task graph itself is the planner's job.
func recordFeedback(plan *models.TaskPlan, feedback string, mods []ModificationRequest) {
	if plan.Metadata == nil {
		plan.Metadata = make(map[string]any)
	}
	plan.Metadata["needs_revalidation"] = true
	plan.Metadata["feedback_summary"] = renderPlainText(feedback)
	plan.Metadata["pending_modifications"] = mods
}

// renderPlainText walks the goldmark AST of markdown feedback text and
// concatenates every text node, producing a summary fit for a log line
// or an audit record rather than rendered markdown.
func renderPlainText(markdown string) string {
	if strings.TrimSpace(markdown) == "" {
		return ""
	}

	source := []byte(markdown)
	md := goldmark.New()
	doc := md.Parser().Parse(text.NewReader(source))

	var sb strings.Builder
	_ = ast.Walk(doc, func(n ast.Node, entering bool) (ast.WalkStatus, error) {
		if !entering {
			return ast.WalkContinue, nil
		}
		if t, ok := n.(*ast.Text); ok {
			sb.Write(t.Segment.Value(source))
			if t.SoftLineBreak() || t.HardLineBreak() {
				sb.WriteByte(' ')
			}
		}
		return ast.WalkContinue, nil
	})

	return strings.TrimSpace(sb.String())
}

// ApplyModification applies a single parsed modification onto plan's
// metadata-recorded intent. It never mutates the task graph directly —
// that remains the planner's responsibility once it revisits the plan.
func ApplyModification(plan *models.TaskPlan, mod ModificationRequest) {
	if plan.Metadata == nil {
		plan.Metadata = make(map[string]any)
	}
	applied, _ := plan.Metadata["applied_modifications"].([]ModificationRequest)
	plan.Metadata["applied_modifications"] = append(applied, mod)
}
