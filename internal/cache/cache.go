// Package cache implements the sandbox's three-partition caching
// layer: workspace analysis results, reusable plan templates, and
// individual execution results, each TTL-bounded and capped by entry
// count. Memory use across the partitions is measured against a shared
// budget and reported by HealthReport; exceeding it does not evict.
package cache

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/scooter-lacroix/swiss-sandbox/internal/ids"
	"github.com/scooter-lacroix/swiss-sandbox/internal/models"
)

// HealthStatus is the coarse health bucket reported for the cache.
type HealthStatus string

const (
	HealthHealthy HealthStatus = "healthy"
	HealthInfo    HealthStatus = "info"
	HealthWarning HealthStatus = "warning"
)

// HealthReport summarises the manager's current state.
type HealthReport struct {
	Status        HealthStatus
	MemoryUsagePct float64
	HitRate       float64
	Issues        []string
}

// Config bounds every partition's size and the manager's total memory
// budget.
type Config struct {
	AnalysisTTL        time.Duration
	PlanTemplateTTL    time.Duration
	ExecutionTTL       time.Duration
	MaxEntriesPerPart  int
	MaxMemoryMB        int
}

// DefaultConfig mirrors spec.md's stated defaults (24h analysis TTL,
// generous per-partition caps).
func DefaultConfig() Config {
	return Config{
		AnalysisTTL:       24 * time.Hour,
		PlanTemplateTTL:   30 * 24 * time.Hour,
		ExecutionTTL:      time.Hour,
		MaxEntriesPerPart: 1000,
		MaxMemoryMB:       256,
	}
}

// partition is the shared TTL-bounded, entry-capped table every cache
// partition is built from. Over the cap it evicts by lowest hit count
// (not by recency or by memory size).
type partition struct {
	mu      sync.Mutex
	entries map[string]*models.CacheEntry
	hits    int64
	misses  int64
}

func newPartition() *partition {
	return &partition{entries: make(map[string]*models.CacheEntry)}
}

func (p *partition) get(key string, now time.Time) (*models.CacheEntry, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()

	entry, ok := p.entries[key]
	if !ok || entry.Expired(now) {
		p.misses++
		return nil, false
	}
	entry.HitCount++
	p.hits++
	return entry, true
}

func (p *partition) put(entry *models.CacheEntry, maxEntries int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.entries[entry.Key] = entry
	p.evictOverCapacity(maxEntries)
}

// evictOverCapacity drops the lowest hit_count entries (oldest
// inserted_at breaking ties) until the partition is within maxEntries,
// per spec.md §4.11's eviction order.
func (p *partition) evictOverCapacity(maxEntries int) {
	if maxEntries <= 0 || len(p.entries) <= maxEntries {
		return
	}
	keys := make([]string, 0, len(p.entries))
	for k := range p.entries {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool {
		a, b := p.entries[keys[i]], p.entries[keys[j]]
		if a.HitCount != b.HitCount {
			return a.HitCount < b.HitCount
		}
		return a.InsertedAt.Before(b.InsertedAt)
	})
	for _, k := range keys {
		if len(p.entries) <= maxEntries {
			break
		}
		delete(p.entries, k)
	}
}

func (p *partition) cleanupExpired(now time.Time) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	removed := 0
	for k, e := range p.entries {
		if e.Expired(now) {
			delete(p.entries, k)
			removed++
		}
	}
	return removed
}

func (p *partition) deleteIf(match func(*models.CacheEntry) bool) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	removed := 0
	for k, e := range p.entries {
		if match(e) {
			delete(p.entries, k)
			removed++
		}
	}
	return removed
}

func (p *partition) memoryBytes() int64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	var total int64
	for _, e := range p.entries {
		total += e.SizeBytesEstimate
	}
	return total
}

func (p *partition) size() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.entries)
}

func (p *partition) hitRate() float64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	total := p.hits + p.misses
	if total == 0 {
		return 0
	}
	return float64(p.hits) / float64(total)
}

// TemplateUsage tracks how often a plan template has been reused.
type TemplateUsage struct {
	SuccessCount int
	TotalCount   int
	LastUsed     time.Time
}

// TemplateCharacteristics is the feature vector find_similar matches
// plan templates against, per spec.md §4.11's weighted Jaccard match.
type TemplateCharacteristics struct {
	Languages       []string
	Frameworks      []string
	Patterns        []string
	TaskCount       int
	HasTests        bool
	ComplexityLevel string
	ProjectSize     string
}

// templateEntry is the value stored inside a plan-template CacheEntry.
type templateEntry struct {
	Plan            models.TaskPlan
	Usage           TemplateUsage
	Characteristics TemplateCharacteristics
}

// SimilarTemplate is one find_similar match.
type SimilarTemplate struct {
	Key        string
	Plan       models.TaskPlan
	Similarity float64
}

// Manager owns the three cache partitions and measures their combined
// memory against MaxMemoryMB for HealthReport. Eviction happens only
// when a partition exceeds MaxEntriesPerPart; the memory budget is not
// enforced by eviction.
type Manager struct {
	cfg Config

	analysis      *partition
	planTemplates *partition
	execution     *partition

	store *Store
	Clock ids.Clock
}

// NewManager creates a Manager with the given configuration and an
// optional durable Store (pass nil for pure in-memory operation).
func NewManager(cfg Config, store *Store) *Manager {
	return &Manager{
		cfg:           cfg,
		analysis:      newPartition(),
		planTemplates: newPartition(),
		execution:     newPartition(),
		store:         store,
		Clock:         ids.SystemClock{},
	}
}

// --- Analysis cache -------------------------------------------------

// AnalysisContentHash computes the cache key for a workspace: SHA-256
// over its sorted relative file paths and contents (mirrors
// internal/workspace's content hash so the same tree hashes the same
// key in both places).
func AnalysisContentHash(paths []string, contents [][]byte) string {
	h := sha256.New()
	type pair struct {
		path    string
		content []byte
	}
	pairs := make([]pair, len(paths))
	for i := range paths {
		pairs[i] = pair{paths[i], contents[i]}
	}
	sort.Slice(pairs, func(i, j int) bool { return pairs[i].path < pairs[j].path })
	for _, p := range pairs {
		h.Write([]byte(p.path))
		h.Write([]byte{0})
		h.Write(p.content)
	}
	return hex.EncodeToString(h.Sum(nil))
}

// GetAnalysis looks up a cached analysis by workspace content hash.
func (m *Manager) GetAnalysis(key string) (any, bool) {
	entry, ok := m.analysis.get(key, m.Clock.Now())
	if !ok {
		return nil, false
	}
	return entry.Value, true
}

// PutAnalysis stores an analysis result for workspacePath, keyed by
// contentHash, using the manager's default analysis TTL.
func (m *Manager) PutAnalysis(contentHash string, workspacePath string, value any, sizeBytes int64) {
	now := m.Clock.Now()
	entry := &models.CacheEntry{
		Key:               contentHash,
		Value:             value,
		InsertedAt:        now,
		ExpiresAt:         now.Add(m.cfg.AnalysisTTL),
		SizeBytesEstimate: sizeBytes,
		Metadata:          map[string]any{"workspace_path": workspacePath},
	}
	m.analysis.put(entry, m.cfg.MaxEntriesPerPart)
	if m.store != nil {
		_ = m.store.PutAnalysis(contentHash, value, now, entry.ExpiresAt, workspacePath)
	}
}

// InvalidateAnalysisByWorkspace drops every analysis entry whose
// workspace path starts with prefix.
func (m *Manager) InvalidateAnalysisByWorkspace(prefix string) int {
	removed := m.analysis.deleteIf(func(e *models.CacheEntry) bool {
		path, _ := e.Metadata["workspace_path"].(string)
		return strings.HasPrefix(path, prefix)
	})
	if m.store != nil {
		_ = m.store.DeleteAnalysisByWorkspacePrefix(prefix)
	}
	return removed
}

// --- Plan-template cache --------------------------------------------

// GetPlanTemplate looks up a plan template by name, bumping its usage.
func (m *Manager) GetPlanTemplate(name string) (models.TaskPlan, bool) {
	entry, ok := m.planTemplates.get(name, m.Clock.Now())
	if !ok {
		return models.TaskPlan{}, false
	}
	return entry.Value.(templateEntry).Plan, true
}

// PutPlanTemplate stores a reusable plan template under name along with
// its feature characteristics for later similarity search.
func (m *Manager) PutPlanTemplate(name string, plan models.TaskPlan, characteristics TemplateCharacteristics) {
	now := m.Clock.Now()
	value := templateEntry{Plan: plan, Characteristics: characteristics, Usage: TemplateUsage{LastUsed: now}}
	entry := &models.CacheEntry{
		Key:        name,
		Value:      value,
		InsertedAt: now,
		ExpiresAt:  now.Add(m.cfg.PlanTemplateTTL),
	}
	m.planTemplates.put(entry, m.cfg.MaxEntriesPerPart)
	if m.store != nil {
		_ = m.store.PutPlanTemplate(name, plan, value.Usage, characteristics)
	}
}

// RecordTemplateOutcome updates a template's usage statistics after it
// has been applied, recording whether that application succeeded.
func (m *Manager) RecordTemplateOutcome(name string, success bool) {
	m.planTemplates.mu.Lock()
	defer m.planTemplates.mu.Unlock()

	entry, ok := m.planTemplates.entries[name]
	if !ok {
		return
	}
	te := entry.Value.(templateEntry)
	te.Usage.TotalCount++
	if success {
		te.Usage.SuccessCount++
	}
	te.Usage.LastUsed = m.Clock.Now()
	entry.Value = te
}

// FindSimilarTemplates returns every cached plan template whose
// weighted Jaccard similarity to characteristics exceeds zero, sorted
// highest similarity first, truncated to maxResults.
func (m *Manager) FindSimilarTemplates(characteristics TemplateCharacteristics, maxResults int) []SimilarTemplate {
	now := m.Clock.Now()
	m.planTemplates.mu.Lock()
	candidates := make([]SimilarTemplate, 0, len(m.planTemplates.entries))
	for key, entry := range m.planTemplates.entries {
		if entry.Expired(now) {
			continue
		}
		te := entry.Value.(templateEntry)
		sim := similarity(characteristics, te.Characteristics)
		if sim > 0 {
			candidates = append(candidates, SimilarTemplate{Key: key, Plan: te.Plan, Similarity: sim})
		}
	}
	m.planTemplates.mu.Unlock()

	sort.Slice(candidates, func(i, j int) bool { return candidates[i].Similarity > candidates[j].Similarity })
	if maxResults > 0 && len(candidates) > maxResults {
		candidates = candidates[:maxResults]
	}
	return candidates
}

// weights mirror spec.md §4.11's characteristics set; set-valued fields
// use Jaccard overlap, task_count uses relative closeness, and the other
// scalar fields exact-match.
var similarityWeights = map[string]float64{
	"languages":        0.3,
	"frameworks":       0.25,
	"patterns":         0.15,
	"task_count":       0.1,
	"has_tests":        0.05,
	"complexity_level": 0.1,
	"project_size":     0.05,
}

func similarity(a, b TemplateCharacteristics) float64 {
	var score float64
	score += similarityWeights["languages"] * jaccard(a.Languages, b.Languages)
	score += similarityWeights["frameworks"] * jaccard(a.Frameworks, b.Frameworks)
	score += similarityWeights["patterns"] * jaccard(a.Patterns, b.Patterns)
	score += similarityWeights["task_count"] * closeness(a.TaskCount, b.TaskCount)
	if a.HasTests == b.HasTests {
		score += similarityWeights["has_tests"]
	}
	if a.ComplexityLevel == b.ComplexityLevel && a.ComplexityLevel != "" {
		score += similarityWeights["complexity_level"]
	}
	if a.ProjectSize == b.ProjectSize && a.ProjectSize != "" {
		score += similarityWeights["project_size"]
	}
	return score
}

func jaccard(a, b []string) float64 {
	if len(a) == 0 && len(b) == 0 {
		return 1
	}
	setA := toSet(a)
	setB := toSet(b)
	intersection := 0
	for k := range setA {
		if setB[k] {
			intersection++
		}
	}
	union := len(setA)
	for k := range setB {
		if !setA[k] {
			union++
		}
	}
	if union == 0 {
		return 0
	}
	return float64(intersection) / float64(union)
}

func toSet(items []string) map[string]bool {
	set := make(map[string]bool, len(items))
	for _, it := range items {
		set[it] = true
	}
	return set
}

func closeness(a, b int) float64 {
	if a == 0 && b == 0 {
		return 1
	}
	diff := a - b
	if diff < 0 {
		diff = -diff
	}
	maxVal := a
	if b > maxVal {
		maxVal = b
	}
	if maxVal == 0 {
		return 1
	}
	return 1 - float64(diff)/float64(maxVal)
}

// --- Execution cache --------------------------------------------------

// uncacheableOps are operation types that always carry side effects.
var uncacheableOps = map[string]bool{
	"file_write":  true,
	"git_commit":  true,
	"git_push":    true,
	"delete_file": true,
}

// IsCacheable reports whether an operation's result may be cached,
// rejecting known side-effecting operation types and any params that
// declare themselves a write.
func IsCacheable(opType string, params map[string]any) bool {
	if uncacheableOps[opType] {
		return false
	}
	if write, ok := params["write"].(bool); ok && write {
		return false
	}
	return true
}

// ExecutionCacheKey canonicalises (opType, params) into a stable cache
// key: sorted "key=value" pairs joined with the operation type.
func ExecutionCacheKey(opType string, params map[string]any) string {
	keys := make([]string, 0, len(params))
	for k := range params {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var sb strings.Builder
	sb.WriteString(opType)
	for _, k := range keys {
		sb.WriteByte('|')
		sb.WriteString(k)
		sb.WriteByte('=')
		sb.WriteString(fmt.Sprintf("%v", params[k]))
	}
	return sb.String()
}

// fileDependencies extracts the file paths an execution result depends
// on from its params, per spec.md §4.11 (file_path, file_paths, files).
func fileDependencies(params map[string]any) []string {
	var deps []string
	if fp, ok := params["file_path"].(string); ok && fp != "" {
		deps = append(deps, fp)
	}
	if fps, ok := params["file_paths"].([]string); ok {
		deps = append(deps, fps...)
	}
	if fs, ok := params["files"].([]string); ok {
		deps = append(deps, fs...)
	}
	return deps
}

// GetExecution looks up a cached execution result by its canonical key.
func (m *Manager) GetExecution(key string) (any, bool) {
	entry, ok := m.execution.get(key, m.Clock.Now())
	if !ok {
		return nil, false
	}
	return entry.Value, true
}

// PutExecution stores value for (opType, params) if the operation is
// cacheable, recording its file dependencies for later invalidation.
func (m *Manager) PutExecution(opType string, params map[string]any, value any) bool {
	if !IsCacheable(opType, params) {
		return false
	}
	key := ExecutionCacheKey(opType, params)
	deps := fileDependencies(params)
	now := m.Clock.Now()
	entry := &models.CacheEntry{
		Key:        key,
		Value:      value,
		InsertedAt: now,
		ExpiresAt:  now.Add(m.cfg.ExecutionTTL),
		Metadata:   map[string]any{"dependencies": deps},
	}
	m.execution.put(entry, m.cfg.MaxEntriesPerPart)
	if m.store != nil {
		_ = m.store.PutExecution(key, value, now, entry.ExpiresAt, deps)
	}
	return true
}

// InvalidateRelated removes every execution-cache entry whose recorded
// file dependencies intersect changedFiles.
func (m *Manager) InvalidateRelated(changedFiles []string) int {
	changed := toSet(changedFiles)
	var removedKeys []string
	removed := m.execution.deleteIf(func(e *models.CacheEntry) bool {
		deps, _ := e.Metadata["dependencies"].([]string)
		for _, d := range deps {
			if changed[d] {
				removedKeys = append(removedKeys, e.Key)
				return true
			}
		}
		return false
	})
	if m.store != nil {
		for _, k := range removedKeys {
			_ = m.store.DeleteExecution(k)
		}
	}
	return removed
}

// --- Shared maintenance ------------------------------------------------

// CleanupExpired sweeps every partition and returns the count of
// entries removed, per partition.
func (m *Manager) CleanupExpired() map[string]int {
	now := m.Clock.Now()
	return map[string]int{
		"analysis":       m.analysis.cleanupExpired(now),
		"plan_templates": m.planTemplates.cleanupExpired(now),
		"execution":      m.execution.cleanupExpired(now),
	}
}

// InvalidateWorkspaceCaches fans an invalidation for the given
// workspace path out across every partition that can be scoped to a
// path: analysis entries by prefix, execution entries whose
// dependencies live under the path.
func (m *Manager) InvalidateWorkspaceCaches(path string) int {
	removed := m.InvalidateAnalysisByWorkspace(path)
	removed += m.execution.deleteIf(func(e *models.CacheEntry) bool {
		deps, _ := e.Metadata["dependencies"].([]string)
		for _, d := range deps {
			if strings.HasPrefix(d, path) {
				return true
			}
		}
		return false
	})
	return removed
}

// HealthReport summarises memory pressure and hit rate across every
// partition.
func (m *Manager) HealthReport() HealthReport {
	totalBytes := m.analysis.memoryBytes() + m.planTemplates.memoryBytes() + m.execution.memoryBytes()
	maxBytes := int64(m.cfg.MaxMemoryMB) * 1024 * 1024
	var usagePct float64
	if maxBytes > 0 {
		usagePct = float64(totalBytes) / float64(maxBytes) * 100
	}

	totalHits := m.analysis.hits + m.planTemplates.hits + m.execution.hits
	totalMisses := m.analysis.misses + m.planTemplates.misses + m.execution.misses
	var hitRate float64
	if totalHits+totalMisses > 0 {
		hitRate = float64(totalHits) / float64(totalHits+totalMisses)
	}

	var issues []string
	status := HealthHealthy
	if usagePct >= 90 {
		status = HealthWarning
		issues = append(issues, "memory usage above 90% of budget ("+strconv.FormatFloat(usagePct, 'f', 1, 64)+"%)")
	} else if usagePct >= 70 {
		status = HealthInfo
		issues = append(issues, "memory usage above 70% of budget")
	}

	return HealthReport{Status: status, MemoryUsagePct: usagePct, HitRate: hitRate, Issues: issues}
}
