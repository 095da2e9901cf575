// Package analyzer produces a read-only Analysis of a workspace for
// consumption by the planner and cache manager. Analyzer is an
// interface so a richer external collaborator can replace the built-in
// structural analyzer without touching either consumer.
package analyzer

import (
	"bufio"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/scooter-lacroix/swiss-sandbox/internal/fsutil"
	"github.com/scooter-lacroix/swiss-sandbox/internal/ids"
)

// DependencyInfo summarizes a workspace's dependency manifest state.
type DependencyInfo struct {
	List      []string
	Files     []string
	Conflicts []string
	Outdated  []string
}

// Metrics carries the quantitative summary of a workspace.
type Metrics struct {
	LOC              int
	Cyclomatic       float64
	Maintainability  float64
	TestCoverage     float64
	Duplication      float64
}

// Analysis is the opaque read-only result the core treats as a black
// box when feeding C9 (planner) and C14 (cache).
type Analysis struct {
	Languages       []string
	Frameworks      []string
	FileTree        []string
	EntryPoints     []string
	TestDirectories []string
	ConfigFiles     []string
	Dependencies    DependencyInfo
	Patterns        []string
	Metrics         Metrics
	Summary         string
	Timestamp       time.Time
}

// Analyzer is the C7 contract: any implementation, built-in or an
// external collaborator, can satisfy the planner and cache manager.
type Analyzer interface {
	Analyze(scope fsutil.Scope) (Analysis, error)
}

var languageByExt = map[string]string{
	".go":   "Go",
	".py":   "Python",
	".js":   "JavaScript",
	".jsx":  "JavaScript",
	".ts":   "TypeScript",
	".tsx":  "TypeScript",
	".rb":   "Ruby",
	".java": "Java",
	".rs":   "Rust",
	".c":    "C",
	".h":    "C",
	".cpp":  "C++",
	".cc":   "C++",
}

var testDirNames = map[string]bool{"test": true, "tests": true, "__tests__": true, "spec": true}

var configFileNames = map[string]bool{
	"go.mod": true, "go.sum": true, "package.json": true, "package-lock.json": true,
	"yarn.lock": true, "requirements.txt": true, "pyproject.toml": true, "setup.py": true,
	"Cargo.toml": true, "Gemfile": true,
}

// StructuralAnalyzer walks a workspace tree, classifying languages by
// extension histogram, frameworks by marker files, and counting lines,
// the way a human running `find`/`wc -l` over an unfamiliar repo would.
type StructuralAnalyzer struct {
	Clock ids.Clock
}

// NewStructuralAnalyzer creates a StructuralAnalyzer with a real clock.
func NewStructuralAnalyzer() *StructuralAnalyzer {
	return &StructuralAnalyzer{Clock: ids.SystemClock{}}
}

// Analyze walks scope.Root and produces an Analysis.
func (a *StructuralAnalyzer) Analyze(scope fsutil.Scope) (Analysis, error) {
	langCounts := make(map[string]int)
	var fileTree, entryPoints, testDirs, configFiles []string
	var loc int
	markers := make(map[string]bool)

	err := scope.Walk(".", func(relPath string, info os.FileInfo) error {
		fileTree = append(fileTree, relPath)

		base := filepath.Base(relPath)
		if configFileNames[base] {
			configFiles = append(configFiles, relPath)
			markers[base] = true
		}

		for _, dir := range strings.Split(filepath.Dir(relPath), string(filepath.Separator)) {
			if testDirNames[strings.ToLower(dir)] {
				testDirs = append(testDirs, relPath)
				break
			}
		}

		ext := strings.ToLower(filepath.Ext(relPath))
		if lang, ok := languageByExt[ext]; ok {
			langCounts[lang]++
			if base == "main.go" || base == "main.py" || base == "index.js" || base == "index.ts" || base == "app.py" {
				entryPoints = append(entryPoints, relPath)
			}
		}

		if data, readErr := scope.Read(relPath); readErr == nil {
			loc += countLines(data)
		}
		return nil
	})
	if err != nil {
		return Analysis{}, err
	}

	languages := make([]string, 0, len(langCounts))
	for lang := range langCounts {
		languages = append(languages, lang)
	}
	sort.Slice(languages, func(i, j int) bool { return langCounts[languages[i]] > langCounts[languages[j]] })

	frameworks := detectFrameworks(markers)
	sort.Strings(fileTree)
	sort.Strings(testDirs)
	sort.Strings(configFiles)
	sort.Strings(entryPoints)

	return Analysis{
		Languages:       languages,
		Frameworks:      frameworks,
		FileTree:        fileTree,
		EntryPoints:      entryPoints,
		TestDirectories: dedupe(testDirs),
		ConfigFiles:     configFiles,
		Metrics:         Metrics{LOC: loc},
		Summary:         summarize(languages, frameworks, loc, len(fileTree)),
		Timestamp:       a.Clock.Now(),
	}, nil
}

func detectFrameworks(markers map[string]bool) []string {
	var frameworks []string
	switch {
	case markers["package.json"]:
		frameworks = append(frameworks, "node")
	case markers["requirements.txt"], markers["pyproject.toml"], markers["setup.py"]:
		frameworks = append(frameworks, "python")
	case markers["go.mod"]:
		frameworks = append(frameworks, "go")
	case markers["Cargo.toml"]:
		frameworks = append(frameworks, "rust")
	case markers["Gemfile"]:
		frameworks = append(frameworks, "ruby")
	}
	return frameworks
}

func countLines(data []byte) int {
	if len(data) == 0 {
		return 0
	}
	scanner := bufio.NewScanner(strings.NewReader(string(data)))
	n := 0
	for scanner.Scan() {
		n++
	}
	return n
}

func dedupe(items []string) []string {
	seen := make(map[string]bool, len(items))
	var out []string
	for _, item := range items {
		if !seen[item] {
			seen[item] = true
			out = append(out, item)
		}
	}
	return out
}

func summarize(languages, frameworks []string, loc, fileCount int) string {
	var b strings.Builder
	if len(languages) > 0 {
		b.WriteString(strings.Join(languages, "/"))
	} else {
		b.WriteString("unknown language")
	}
	if len(frameworks) > 0 {
		b.WriteString(" (" + strings.Join(frameworks, ", ") + ")")
	}
	b.WriteString(": ")
	b.WriteString(strconv.Itoa(fileCount) + " files, " + strconv.Itoa(loc) + " lines")
	return b.String()
}
