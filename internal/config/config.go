// Package config loads sandbox configuration from environment variables
// and an optional YAML overlay, following the same env-override-wins
// pattern the wider ecosystem uses: built-in defaults, then a YAML file,
// then environment variables applied last.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// IsolationConfig describes the resource envelope a workspace is
// cloned into.
type IsolationConfig struct {
	ContainerBacked bool           `yaml:"container_backed"`
	ResourceLimits  ResourceLimits `yaml:"resource_limits"`
}

// ResourceLimits bounds a single workspace's footprint.
type ResourceLimits struct {
	MemoryMB int `yaml:"memory_mb"`
	CPUCores int `yaml:"cpu_cores"`
	DiskMB   int `yaml:"disk_mb"`
}

// ResourceConfig holds the hard limits enforced by internal/resource.
type ResourceConfig struct {
	MaxMemoryMB     int           `yaml:"max_memory_mb"`
	MaxProcesses    int           `yaml:"max_processes"`
	MaxArtifactsMB  int           `yaml:"max_artifacts_mb"`
	MaxExecutionTime time.Duration `yaml:"max_execution_time"`
	MaxCacheSize    int           `yaml:"max_cache_size"`
	MaxThreads      int           `yaml:"max_threads"`
	MaxSessions     int           `yaml:"max_sessions"`
	CleanupInterval time.Duration `yaml:"cleanup_interval"`
	ArtifactMaxAge  time.Duration `yaml:"artifact_max_age"`
	CommandTimeout  time.Duration `yaml:"command_timeout"`
}

// RateLimitConfig configures internal/connection's per-connection budgets.
type RateLimitConfig struct {
	MaxRequestsPerMinute int           `yaml:"max_requests_per_minute"`
	MaxRequestsPerHour   int           `yaml:"max_requests_per_hour"`
	BurstLimit           int           `yaml:"burst_limit"` // 0 disables burst checking
	BurstWindow          time.Duration `yaml:"burst_window"`
}

// ConnectionLimitConfig configures internal/connection's caps.
type ConnectionLimitConfig struct {
	MaxConcurrentConnections int      `yaml:"max_concurrent_connections"`
	MaxConnectionsPerIP      int      `yaml:"max_connections_per_ip"`
	AllowList                []string `yaml:"allow_list"`
	DenyList                 []string `yaml:"deny_list"`
}

// PlannerConfig bounds the task planner's decomposition.
type PlannerConfig struct {
	MaxWorkflowTasks int `yaml:"max_workflow_tasks"`
}

// CacheConfig bounds the cache manager.
type CacheConfig struct {
	AnalysisTTL       time.Duration `yaml:"analysis_ttl"`
	MaxEntriesPerPart int           `yaml:"max_entries_per_partition"`
	MaxMemoryMB       int           `yaml:"max_memory_mb"`
	DBPath            string        `yaml:"db_path"`
}

// RetryConfig parameterizes internal/retry's backoff.
type RetryConfig struct {
	MaxRetries        int           `yaml:"max_retries"`
	BaseDelay         time.Duration `yaml:"base_delay"`
	BackoffMultiplier float64       `yaml:"backoff_multiplier"`
}

// Config is the full sandbox configuration.
type Config struct {
	LogLevel    string                `yaml:"log_level"`
	LogDir      string                `yaml:"log_dir"`
	SandboxRoot string                `yaml:"sandbox_root"`
	Isolation   IsolationConfig       `yaml:"isolation"`
	Resource    ResourceConfig        `yaml:"resource"`
	RateLimit   RateLimitConfig       `yaml:"rate_limit"`
	Connection  ConnectionLimitConfig `yaml:"connection"`
	Planner     PlannerConfig         `yaml:"planner"`
	Cache       CacheConfig           `yaml:"cache"`
	Retry       RetryConfig           `yaml:"retry"`
}

// Default returns a Config populated with the built-in defaults from
// spec.md's §4.12/§4.13/§6.
func Default() *Config {
	return &Config{
		LogLevel:    "info",
		LogDir:      ".sandbox/logs",
		SandboxRoot: ".sandbox/workspaces",
		Isolation: IsolationConfig{
			ContainerBacked: false,
			ResourceLimits: ResourceLimits{
				MemoryMB: 512,
				CPUCores: 2,
				DiskMB:   1024,
			},
		},
		Resource: ResourceConfig{
			MaxMemoryMB:      512,
			MaxProcesses:     10,
			MaxArtifactsMB:   100,
			MaxExecutionTime: 300 * time.Second,
			MaxCacheSize:     1000,
			MaxThreads:       5,
			MaxSessions:      20,
			CleanupInterval:  300 * time.Second,
			ArtifactMaxAge:   24 * time.Hour,
			CommandTimeout:   300 * time.Second,
		},
		RateLimit: RateLimitConfig{
			MaxRequestsPerMinute: 60,
			MaxRequestsPerHour:   1000,
			BurstLimit:           0,
			BurstWindow:          time.Second,
		},
		Connection: ConnectionLimitConfig{
			MaxConcurrentConnections: 100,
			MaxConnectionsPerIP:      10,
		},
		Planner: PlannerConfig{
			MaxWorkflowTasks: 12,
		},
		Cache: CacheConfig{
			AnalysisTTL:       24 * time.Hour,
			MaxEntriesPerPart: 1000,
			MaxMemoryMB:       64,
			DBPath:            ".sandbox/cache/cache.db",
		},
		Retry: RetryConfig{
			MaxRetries:        3,
			BaseDelay:         2 * time.Second,
			BackoffMultiplier: 2.0,
		},
	}
}

// LoadYAML overlays a YAML config file on top of cfg, mutating cfg in
// place. A missing file is not an error.
func LoadYAML(cfg *Config, path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("read config %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return fmt.Errorf("parse config %s: %w", path, err)
	}
	return nil
}

// ApplyEnvOverrides applies the environment variables named in spec.md
// §6 to cfg, taking precedence over any YAML-loaded value.
func ApplyEnvOverrides(cfg *Config) {
	applyInt(&cfg.Resource.MaxMemoryMB, "SANDBOX_MAX_MEMORY_MB")
	applyInt(&cfg.Resource.MaxProcesses, "SANDBOX_MAX_PROCESSES")
	applyInt(&cfg.Resource.MaxArtifactsMB, "SANDBOX_MAX_ARTIFACTS_MB")
	applyDurationSeconds(&cfg.Resource.MaxExecutionTime, "SANDBOX_MAX_EXECUTION_TIME")
	applyInt(&cfg.Resource.MaxCacheSize, "SANDBOX_MAX_CACHE_SIZE")
	applyInt(&cfg.Resource.MaxThreads, "SANDBOX_MAX_THREADS")
	applyInt(&cfg.Resource.MaxSessions, "SANDBOX_MAX_SESSIONS")
	applyDurationSeconds(&cfg.Resource.CleanupInterval, "SANDBOX_CLEANUP_INTERVAL")
	applyDurationHours(&cfg.Resource.ArtifactMaxAge, "SANDBOX_ARTIFACT_MAX_AGE")
	applyDurationSeconds(&cfg.Resource.CommandTimeout, "SANDBOX_COMMAND_TIMEOUT")
}

func applyInt(dst *int, env string) {
	v, ok := os.LookupEnv(env)
	if !ok {
		return
	}
	if n, err := strconv.Atoi(v); err == nil {
		*dst = n
	}
}

// applyDurationSeconds parses env as a count of seconds. A value of 0 or
// less disables the timeout (spec.md §6: "a configured value of
// none/0 disables the timeout").
func applyDurationSeconds(dst *time.Duration, env string) {
	v, ok := os.LookupEnv(env)
	if !ok {
		return
	}
	if v == "none" {
		*dst = 0
		return
	}
	if n, err := strconv.Atoi(v); err == nil {
		if n <= 0 {
			*dst = 0
			return
		}
		*dst = time.Duration(n) * time.Second
	}
}

func applyDurationHours(dst *time.Duration, env string) {
	v, ok := os.LookupEnv(env)
	if !ok {
		return
	}
	if n, err := strconv.Atoi(v); err == nil {
		*dst = time.Duration(n) * time.Hour
	}
}

// Load builds a Config from defaults, an optional YAML overlay at
// yamlPath (ignored if empty or missing), and environment overrides
// applied last.
func Load(yamlPath string) (*Config, error) {
	cfg := Default()
	if yamlPath != "" {
		if err := LoadYAML(cfg, yamlPath); err != nil {
			return nil, err
		}
	}
	ApplyEnvOverrides(cfg)
	return cfg, nil
}
