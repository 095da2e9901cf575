// Package planner turns a free-text task description and a codebase
// Analysis into a dependency-ordered TaskPlan: it classifies the work,
// estimates its complexity and duration, decomposes it into tasks (and
// each task into subtasks), and validates the result before handing it
// to the approval workflow.
package planner

import (
	"sort"
	"strconv"
	"strings"

	"github.com/scooter-lacroix/swiss-sandbox/internal/analyzer"
	"github.com/scooter-lacroix/swiss-sandbox/internal/errs"
	"github.com/scooter-lacroix/swiss-sandbox/internal/ids"
	"github.com/scooter-lacroix/swiss-sandbox/internal/models"
)

// TaskType is the classification catalogue of spec.md §4.6 step 1.
type TaskType string

const (
	TypeImplementation TaskType = "implementation"
	TypeRefactoring    TaskType = "refactoring"
	TypeDebugging      TaskType = "debugging"
	TypeTesting        TaskType = "testing"
	TypeGeneric        TaskType = "generic"
)

// Complexity is the coarse sizing bucket of spec.md §4.6 step 2.
type Complexity string

const (
	ComplexityLow    Complexity = "low"
	ComplexityMedium Complexity = "medium"
	ComplexityHigh   Complexity = "high"
)

// Planner holds the configuration that bounds plan generation.
type Planner struct {
	MaxWorkflowTasks int
	Clock            ids.Clock
}

// NewPlanner creates a Planner with the given workflow task cap.
func NewPlanner(maxWorkflowTasks int) *Planner {
	return &Planner{MaxWorkflowTasks: maxWorkflowTasks, Clock: ids.SystemClock{}}
}

var classifyKeywords = map[TaskType][]string{
	TypeDebugging:      {"fix", "bug", "debug", "broken", "error", "crash"},
	TypeRefactoring:    {"refactor", "restructure", "reorganize", "clean up", "cleanup"},
	TypeTesting:        {"test", "spec", "coverage"},
	TypeImplementation: {"implement", "add", "create", "build", "feature"},
}

// ClassifyTask assigns a TaskType by keyword match against description,
// checked in priority order so "fix the failing test" classifies as
// debugging rather than testing.
func ClassifyTask(description string) TaskType {
	lower := strings.ToLower(description)
	for _, t := range []TaskType{TypeDebugging, TypeRefactoring, TypeTesting, TypeImplementation} {
		for _, kw := range classifyKeywords[t] {
			if strings.Contains(lower, kw) {
				return t
			}
		}
	}
	return TypeGeneric
}

// EstimateComplexity combines keyword signals with codebase size
// thresholds (>50k LOC -> high, >10k LOC -> medium).
func EstimateComplexity(description string, analysis analyzer.Analysis) Complexity {
	lower := strings.ToLower(description)
	keywordHigh := strings.Contains(lower, "architecture") || strings.Contains(lower, "migration") || strings.Contains(lower, "rewrite")
	keywordMedium := strings.Contains(lower, "refactor") || strings.Contains(lower, "integrate")

	switch {
	case analysis.Metrics.LOC > 50000 || keywordHigh:
		return ComplexityHigh
	case analysis.Metrics.LOC > 10000 || keywordMedium:
		return ComplexityMedium
	default:
		return ComplexityLow
	}
}

var workflowIntentKeywords = []string{"workflow", "pipeline", "complete"}
var setupIntentKeywords = []string{"install", "setup", "dependencies"}
var testIntentKeywords = []string{"test"}
var buildIntentKeywords = []string{"build"}

type languageCommands struct {
	setup, test, build string
}

var perLanguageCommands = map[string]languageCommands{
	"Python":     {"Install Python dependencies: pip install -r requirements.txt", "Run the Python test suite", "Build the Python package"},
	"JavaScript": {"Run npm/yarn install", "Run the JavaScript test suite", "Run the JavaScript build"},
	"TypeScript": {"Run npm/yarn install", "Run the TypeScript test suite", "Run the TypeScript build"},
	"Java":       {"Resolve Maven/Gradle dependencies", "Run the Java test suite", "Build the Java artifact"},
	"Rust":       {"Fetch Cargo dependencies", "Run the Rust test suite", "Build the Rust crate"},
	"Go":         {"Run go mod download", "Run go test ./...", "Run go build ./..."},
}

var complexFrameworks = map[string]bool{"django": true, "react": true, "angular": true, "spring": true}
var complexLanguages = map[string]bool{"Rust": true, "Java": true, "C++": true}

func frameworkStep(framework string) (string, bool) {
	switch strings.ToLower(framework) {
	case "django", "flask":
		return "Run database migrations", true
	case "react", "angular":
		return "Verify frontend component build", true
	case "node":
		return "", false
	}
	return "", false
}

// Decompose implements spec.md §4.6 step 3: either a per-language
// workflow-intent sequence or the generic template for the classified
// type, enhanced with per-language hints.
func (p *Planner) Decompose(description string, analysis analyzer.Analysis) []models.Task {
	lower := strings.ToLower(description)

	hasWorkflow := containsAny(lower, workflowIntentKeywords)
	hasSetup := containsAny(lower, setupIntentKeywords)
	hasTest := containsAny(lower, testIntentKeywords)
	hasBuild := containsAny(lower, buildIntentKeywords)

	if hasWorkflow || hasSetup || hasTest || hasBuild {
		return p.decomposeWorkflow(analysis, hasWorkflow, hasSetup, hasTest, hasBuild)
	}

	return p.decomposeGeneric(description, analysis)
}

func containsAny(haystack string, needles []string) bool {
	for _, n := range needles {
		if strings.Contains(haystack, n) {
			return true
		}
	}
	return false
}

func (p *Planner) decomposeWorkflow(analysis analyzer.Analysis, workflow, setup, test, build bool) []models.Task {
	languages := analysis.Languages
	if len(languages) == 0 {
		languages = []string{"Go"}
	}

	var tasks []models.Task
	nextID := 1
	capLimit := p.MaxWorkflowTasks
	if capLimit <= 0 {
		capLimit = 1 << 30
	}

	addTask := func(desc string, deps []string) *models.Task {
		if len(tasks) >= capLimit {
			return nil
		}
		task := models.Task{
			ID:           strconv.Itoa(nextID),
			Description:  desc,
			Status:       models.StatusNotStarted,
			Dependencies: deps,
		}
		nextID++
		tasks = append(tasks, task)
		return &tasks[len(tasks)-1]
	}

	for _, lang := range languages {
		cmds, ok := perLanguageCommands[lang]
		if !ok {
			continue
		}

		var setupID, testID string

		if workflow {
			setupTask := addTask(cmds.setup, nil)
			if setupTask == nil {
				break
			}
			setupID = setupTask.ID

			for _, framework := range analysis.Frameworks {
				if step, has := frameworkStep(framework); has {
					addTask(step, []string{setupID})
				}
			}

			testTask := addTask(cmds.test, []string{setupID})
			if testTask == nil {
				break
			}
			testID = testTask.ID

			addTask(cmds.build, []string{testID})
			continue
		}

		if setup {
			addTask(cmds.setup, nil)
		}
		if test {
			addTask(cmds.test, nil)
		}
		if build {
			addTask(cmds.build, nil)
		}
	}

	return tasks
}

var languageHints = map[string]string{
	"Go":         "use idiomatic error handling and context propagation",
	"Python":     "follow PEP 8 and add type hints",
	"JavaScript": "keep to the project's existing module style",
	"TypeScript": "keep types precise, avoid any",
	"Java":       "follow the project's existing package conventions",
	"Rust":       "respect ownership/borrow checker constraints",
}

func (p *Planner) decomposeGeneric(description string, analysis analyzer.Analysis) []models.Task {
	taskType := ClassifyTask(description)

	enhanced := description
	var hints []string
	for _, lang := range analysis.Languages {
		if hint, ok := languageHints[lang]; ok {
			hints = append(hints, lang+": "+hint)
		}
	}
	if len(hints) > 0 {
		enhanced = description + " (" + strings.Join(hints, "; ") + ")"
	}

	verb := map[TaskType]string{
		TypeImplementation: "Implement",
		TypeRefactoring:    "Refactor",
		TypeDebugging:      "Fix",
		TypeTesting:        "Test",
		TypeGeneric:        "Complete",
	}[taskType]

	return []models.Task{{
		ID:          "1",
		Description: verb + ": " + enhanced,
		Status:      models.StatusNotStarted,
		Metadata:    map[string]any{"task_type": string(taskType)},
	}}
}

// ResolveDependencies orders tasks by Kahn's algorithm, generalized
// from the teacher's wave-building CalculateWaves to a flat order. If a
// cycle is detected, the original declaration order is kept and ok is
// false, flagging the plan invalid rather than panicking.
func ResolveDependencies(tasks []models.Task) (ordered []models.Task, ok bool) {
	byID := make(map[string]models.Task, len(tasks))
	inDegree := make(map[string]int, len(tasks))
	edges := make(map[string][]string)

	for _, t := range tasks {
		byID[t.ID] = t
		if _, exists := inDegree[t.ID]; !exists {
			inDegree[t.ID] = 0
		}
	}
	for _, t := range tasks {
		for _, dep := range t.Dependencies {
			if _, exists := byID[dep]; !exists {
				continue
			}
			edges[dep] = append(edges[dep], t.ID)
			inDegree[t.ID]++
		}
	}

	var queue []string
	for id, degree := range inDegree {
		if degree == 0 {
			queue = append(queue, id)
		}
	}
	sort.Strings(queue)

	var order []string
	for len(queue) > 0 {
		n := queue[0]
		queue = queue[1:]
		order = append(order, n)

		var unlocked []string
		for _, m := range edges[n] {
			inDegree[m]--
			if inDegree[m] == 0 {
				unlocked = append(unlocked, m)
			}
		}
		sort.Strings(unlocked)
		queue = append(queue, unlocked...)
	}

	if len(order) != len(tasks) {
		return tasks, false
	}

	result := make([]models.Task, 0, len(tasks))
	for _, id := range order {
		result = append(result, byID[id])
	}
	return result, true
}

var implementationVerbs = []string{"implement", "create"}
var refactorVerbs = []string{"refactor"}
var debugVerbs = []string{"fix", "debug"}
var testVerbs = []string{"test"}

// BreakDownTask implements spec.md §4.6's break_down_task dispatch,
// chaining subtasks linearly via dependencies.
func (p *Planner) BreakDownTask(task models.Task, context analyzer.Analysis) []models.Subtask {
	lower := strings.ToLower(task.Description)

	var names []string
	isImplementation := false

	switch {
	case containsAny(lower, debugVerbs):
		names = []string{"reproduce", "diagnose", "fix"}
	case containsAny(lower, refactorVerbs):
		names = []string{"analyse", "plan", "refactor"}
	case containsAny(lower, implementationVerbs):
		names = []string{"analysis", "setup", "core", "validation"}
		isImplementation = true
	case containsAny(lower, testVerbs):
		names = []string{"plan", "implement"}
	default:
		names = []string{"prepare", "execute"}
	}

	if isImplementation && !strings.Contains(lower, "test") {
		names = append(names, "_testing")
	}
	if isImplementation {
		names = append(names, "_docs")
	}

	subtasks := make([]models.Subtask, 0, len(names))
	var prevID string
	for i, name := range names {
		id := task.ID + "." + strconv.Itoa(i+1)
		var deps []string
		if prevID != "" {
			deps = []string{prevID}
		}
		subtasks = append(subtasks, models.Subtask{
			ID:           id,
			Description:  name,
			Status:       models.StatusNotStarted,
			Dependencies: deps,
		})
		prevID = id
	}
	return subtasks
}

// EstimateDuration implements spec.md §4.6's factor table, bounded
// below by 15 minutes per subtask.
func (p *Planner) EstimateDuration(task models.Task, context analyzer.Analysis) float64 {
	const base = 30.0

	typeFactor := 1.0
	switch ClassifyTask(task.Description) {
	case TypeImplementation:
		typeFactor = 2.0
	case TypeRefactoring:
		typeFactor = 1.8
	case TypeDebugging:
		typeFactor = 1.5
	case TypeTesting:
		typeFactor = 1.2
	}

	sizeFactor := 1.0
	switch {
	case context.Metrics.LOC > 50000:
		sizeFactor = 2.0
	case context.Metrics.LOC > 10000:
		sizeFactor = 1.5
	}

	frameworkFactor := 1.0
	for _, f := range context.Frameworks {
		if complexFrameworks[strings.ToLower(f)] {
			frameworkFactor = 1.3
			break
		}
	}

	languageFactor := 1.0
	for _, l := range context.Languages {
		if complexLanguages[l] {
			languageFactor = 1.4
			break
		}
	}

	estimate := base * typeFactor * sizeFactor * frameworkFactor * languageFactor

	floor := 15.0 * float64(len(task.Subtasks))
	if estimate < floor {
		estimate = floor
	}
	return estimate
}

// ValidatePlan implements spec.md §4.6's validate_plan checks.
func ValidatePlan(plan models.TaskPlan) error {
	if len(plan.Tasks) == 0 {
		return errs.New(errs.Validation, "plan has no tasks")
	}

	seenTasks := make(map[string]bool, len(plan.Tasks))
	for _, t := range plan.Tasks {
		if seenTasks[t.ID] {
			return errs.New(errs.Validation, "duplicate task id").WithContext("task_id", t.ID)
		}
		seenTasks[t.ID] = true

		seenSubtasks := make(map[string]bool, len(t.Subtasks))
		for _, st := range t.Subtasks {
			if seenSubtasks[st.ID] {
				return errs.New(errs.Validation, "duplicate subtask id").WithContext("subtask_id", st.ID)
			}
			seenSubtasks[st.ID] = true
		}
	}

	for _, t := range plan.Tasks {
		for _, dep := range t.Dependencies {
			if !seenTasks[dep] {
				return errs.New(errs.Validation, "dependency does not resolve").WithContext("task_id", t.ID).WithContext("dependency", dep)
			}
		}
	}

	if _, ok := ResolveDependencies(plan.Tasks); !ok {
		return errs.New(errs.Validation, "plan has a dependency cycle")
	}

	return nil
}

// CreatePlan runs the full classify -> estimate -> decompose ->
// resolve-dependencies pipeline and returns the resulting TaskPlan.
func (p *Planner) CreatePlan(description string, analysis analyzer.Analysis, codebaseContext models.CodebaseContext) (models.TaskPlan, error) {
	tasks := p.Decompose(description, analysis)

	ordered, ok := ResolveDependencies(tasks)
	if !ok {
		ordered = tasks // keep original declaration order per spec.md §4.6 step 4
	}

	for i := range ordered {
		ordered[i].Subtasks = p.BreakDownTask(ordered[i], analysis)
		duration := p.EstimateDuration(ordered[i], analysis)
		ordered[i].EstimatedDurationMin = &duration
	}

	plan := models.TaskPlan{
		ID:              ids.New("plan"),
		Description:     description,
		Tasks:           ordered,
		CodebaseContext: codebaseContext,
		CreatedAt:       p.Clock.Now(),
		Status:          models.PlanDraft,
		ApprovalStatus:  models.ApprovalPending,
	}

	if err := ValidatePlan(plan); err != nil {
		plan.Status = models.PlanFailed
		return plan, err
	}
	return plan, nil
}
