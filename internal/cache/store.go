package cache

import (
	_ "embed"
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"gopkg.in/yaml.v3"
)

//go:embed schema.sql
var schemaSQL string

// Store is the optional durable backing for a Manager's three
// partitions. A Manager works perfectly well with a nil Store (pure
// in-memory); attaching one makes Put calls survive a restart.
type Store struct {
	db *sql.DB
}

// NewStore opens (creating if necessary) a SQLite-backed cache store at
// dbPath, or an in-memory database when dbPath is ":memory:".
func NewStore(dbPath string) (*Store, error) {
	if dbPath != ":memory:" {
		if dir := filepath.Dir(dbPath); dir != "." {
			if err := os.MkdirAll(dir, 0o755); err != nil {
				return nil, fmt.Errorf("create cache database directory: %w", err)
			}
		}
	}

	db, err := sql.Open("sqlite3", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open cache database: %w", err)
	}

	store := &Store{db: db}
	if err := store.initSchema(); err != nil {
		db.Close()
		return nil, err
	}
	return store, nil
}

func (s *Store) initSchema() error {
	if _, err := s.db.Exec(schemaSQL); err != nil {
		return fmt.Errorf("init cache schema: %w", err)
	}
	return nil
}

// Close closes the underlying database connection.
func (s *Store) Close() error {
	if s.db == nil {
		return nil
	}
	return s.db.Close()
}

// PutAnalysis persists one analysis-cache entry, keyed by workspace
// content hash.
func (s *Store) PutAnalysis(key string, value any, insertedAt, expiresAt time.Time, workspacePath string) error {
	payload, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("marshal analysis cache value: %w", err)
	}
	_, err = s.db.Exec(
		`INSERT INTO analysis_cache (key, value_json, inserted_at, expires_at, hit_count, workspace_path)
		 VALUES (?, ?, ?, ?, 0, ?)
		 ON CONFLICT(key) DO UPDATE SET value_json=excluded.value_json, inserted_at=excluded.inserted_at,
		   expires_at=excluded.expires_at, workspace_path=excluded.workspace_path`,
		key, string(payload), insertedAt.Unix(), expiresAt.Unix(), workspacePath,
	)
	return err
}

// DeleteAnalysisByWorkspacePrefix removes every analysis entry whose
// workspace path starts with prefix.
func (s *Store) DeleteAnalysisByWorkspacePrefix(prefix string) error {
	_, err := s.db.Exec(`DELETE FROM analysis_cache WHERE workspace_path LIKE ? || '%'`, prefix)
	return err
}

// PutPlanTemplate persists one plan-template entry as YAML, the way the
// teacher's learning store persists structured blobs alongside relational
// columns used for querying.
func (s *Store) PutPlanTemplate(key string, plan any, usage TemplateUsage, characteristics TemplateCharacteristics) error {
	planYAML, err := yaml.Marshal(plan)
	if err != nil {
		return fmt.Errorf("marshal plan template: %w", err)
	}
	charsJSON, err := json.Marshal(characteristics)
	if err != nil {
		return fmt.Errorf("marshal template characteristics: %w", err)
	}
	_, err = s.db.Exec(
		`INSERT INTO plan_template_cache
		   (key, value_yaml, inserted_at, expires_at, hit_count, success_count, total_count, last_used, characteristics_json)
		 VALUES (?, ?, ?, ?, 0, ?, ?, ?, ?)
		 ON CONFLICT(key) DO UPDATE SET value_yaml=excluded.value_yaml, success_count=excluded.success_count,
		   total_count=excluded.total_count, last_used=excluded.last_used, characteristics_json=excluded.characteristics_json`,
		key, string(planYAML), time.Now().Unix(), time.Now().Add(365*24*time.Hour).Unix(),
		usage.SuccessCount, usage.TotalCount, usage.LastUsed.Unix(), string(charsJSON),
	)
	return err
}

// PutExecution persists one execution-cache entry along with its file
// dependencies, keyed by (operation_type, canonicalised parameters).
func (s *Store) PutExecution(key string, value any, insertedAt, expiresAt time.Time, dependencies []string) error {
	payload, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("marshal execution cache value: %w", err)
	}
	depsJSON, err := json.Marshal(dependencies)
	if err != nil {
		return fmt.Errorf("marshal execution cache dependencies: %w", err)
	}
	_, err = s.db.Exec(
		`INSERT INTO execution_cache (key, value_json, inserted_at, expires_at, hit_count, dependencies_json)
		 VALUES (?, ?, ?, ?, 0, ?)
		 ON CONFLICT(key) DO UPDATE SET value_json=excluded.value_json, inserted_at=excluded.inserted_at,
		   expires_at=excluded.expires_at, dependencies_json=excluded.dependencies_json`,
		key, string(payload), insertedAt.Unix(), expiresAt.Unix(), string(depsJSON),
	)
	return err
}

// DeleteExecution removes a single execution-cache row by key.
func (s *Store) DeleteExecution(key string) error {
	_, err := s.db.Exec(`DELETE FROM execution_cache WHERE key = ?`, key)
	return err
}
