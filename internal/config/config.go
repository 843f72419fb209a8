package config

import (
	"fmt"
	"hash/fnv"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/basket/netmend/internal/otel"
)

// SchedulerConfig tunes the dispatch loop.
type SchedulerConfig struct {
	// TickMillis is the dispatch loop interval. Default 500.
	TickMillis int `yaml:"tick_millis"`
	// MaxRetries is the per-task retry budget. Default 3.
	MaxRetries int `yaml:"max_retries"`
	// MaxQueueDepth caps pending tasks across all lanes before
	// submissions are rejected. 0 = unlimited.
	MaxQueueDepth int `yaml:"max_queue_depth"`
	// EventLogCap bounds the in-memory event log. Default 1000.
	EventLogCap int `yaml:"event_log_cap"`
}

// AgentEntry declares one agent in the startup roster.
type AgentEntry struct {
	AgentID string `yaml:"agent_id"`
	Type    string `yaml:"type"`
	Name    string `yaml:"name"`
}

// CronConfig holds schedules for background sweeps, in cron expression form.
type CronConfig struct {
	// MonitorSweep enqueues a monitor task for the whole device roster.
	// Default "@every 30s".
	MonitorSweep string `yaml:"monitor_sweep"`
	// MetricSample persists a telemetry sample per device. Default "@every 15s".
	MetricSample string `yaml:"metric_sample"`
}

// PlaybookConfig locates the remediation playbook catalog.
type PlaybookConfig struct {
	// Dir holds the playbook YAML files. Default <home>/playbooks.
	Dir string `yaml:"dir"`
	// HotReload re-reads the catalog when files change.
	HotReload bool `yaml:"hot_reload"`
}

// WorkflowConfig tunes the incident workflow engine.
type WorkflowConfig struct {
	// AutoRemediate allows diagnosed incidents to proceed to remediation
	// without an operator approval step.
	AutoRemediate bool `yaml:"auto_remediate"`
	// ConfidenceThreshold is the diagnosis confidence (0-100) required
	// before remediation is enqueued. Default 80.
	ConfidenceThreshold int `yaml:"confidence_threshold"`
	// StageTimeoutSeconds bounds any single workflow stage. Default 120.
	StageTimeoutSeconds int `yaml:"stage_timeout_seconds"`
}

type Config struct {
	HomeDir string `yaml:"-"`

	BindAddr string `yaml:"bind_addr"`
	LogLevel string `yaml:"log_level"`

	// AuthToken, when set, is required as a Bearer token on mutating
	// gateway endpoints.
	AuthToken string `yaml:"auth_token"`

	// AllowOrigins controls which Origin headers are accepted for browser
	// WS connections. Empty means local-only.
	AllowOrigins []string `yaml:"allow_origins"`

	// DrainTimeoutSeconds bounds shutdown drain. 0 uses default (5s).
	DrainTimeoutSeconds int `yaml:"drain_timeout_seconds"`

	// DBPath locates the sqlite datastore. Default <home>/netmend.db.
	DBPath string `yaml:"db_path"`

	Scheduler SchedulerConfig `yaml:"scheduler"`
	Agents    []AgentEntry    `yaml:"agents"`
	Cron      CronConfig      `yaml:"cron"`
	Playbooks PlaybookConfig  `yaml:"playbooks"`
	Workflow  WorkflowConfig  `yaml:"workflow"`
	OTel      otel.Config     `yaml:"otel"`

	NeedsGenesis bool `yaml:"-"`
}

// ConfigPath returns the path to config.yaml within the given home directory.
func ConfigPath(homeDir string) string {
	return filepath.Join(homeDir, "config.yaml")
}

// Fingerprint returns a stable hash of the active config, logged at startup
// so operators can tell which settings a running process was launched with.
func (c Config) Fingerprint() string {
	h := fnv.New64a()
	fmt.Fprintf(h, "bind=%s|log=%s|tick=%d|retries=%d|queue=%d|events=%d|agents=%d|origins=%v",
		c.BindAddr, c.LogLevel, c.Scheduler.TickMillis, c.Scheduler.MaxRetries,
		c.Scheduler.MaxQueueDepth, c.Scheduler.EventLogCap, len(c.Agents), c.AllowOrigins)
	return fmt.Sprintf("cfg-%x", h.Sum64())
}

// DefaultAgents is the roster created when the config names none: one agent
// per capability type.
func DefaultAgents() []AgentEntry {
	return []AgentEntry{
		{AgentID: "monitor-01", Type: "monitor", Name: "Network Monitor"},
		{AgentID: "anomaly-01", Type: "anomaly", Name: "Anomaly Detector"},
		{AgentID: "rootcause-01", Type: "rootcause", Name: "Root Cause Analyzer"},
		{AgentID: "remediation-01", Type: "remediation", Name: "Remediation Executor"},
		{AgentID: "verification-01", Type: "verification", Name: "Fix Verifier"},
		{AgentID: "learning-01", Type: "learning", Name: "Pattern Learner"},
		{AgentID: "telemetry-01", Type: "telemetry", Name: "Telemetry Collector"},
		{AgentID: "compliance-01", Type: "compliance", Name: "Compliance Auditor"},
	}
}

func defaultConfig() Config {
	return Config{
		BindAddr:            "127.0.0.1:18890",
		LogLevel:            "info",
		DrainTimeoutSeconds: 5,
		Scheduler: SchedulerConfig{
			TickMillis:    500,
			MaxRetries:    3,
			MaxQueueDepth: 1000,
			EventLogCap:   1000,
		},
		Cron: CronConfig{
			MonitorSweep: "@every 30s",
			MetricSample: "@every 15s",
		},
		Playbooks: PlaybookConfig{
			HotReload: true,
		},
		Workflow: WorkflowConfig{
			AutoRemediate:       true,
			ConfidenceThreshold: 80,
			StageTimeoutSeconds: 120,
		},
	}
}

func HomeDir() string {
	if override := os.Getenv("NETMEND_HOME"); override != "" {
		return override
	}
	home, err := os.UserHomeDir()
	if err != nil || home == "" {
		home = "."
	}
	return filepath.Join(home, ".netmend")
}

func Load() (Config, error) {
	cfg := defaultConfig()
	cfg.HomeDir = HomeDir()

	if err := os.MkdirAll(cfg.HomeDir, 0o755); err != nil {
		return cfg, fmt.Errorf("create netmend home: %w", err)
	}

	configPath := ConfigPath(cfg.HomeDir)
	data, err := os.ReadFile(configPath)
	if err != nil {
		if os.IsNotExist(err) {
			cfg.NeedsGenesis = true
		} else {
			return cfg, fmt.Errorf("read config.yaml: %w", err)
		}
	} else if len(data) > 0 {
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("parse config.yaml: %w", err)
		}
	}

	applyEnvOverrides(&cfg)
	normalize(&cfg)
	if err := validate(&cfg); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func normalize(cfg *Config) {
	if cfg.BindAddr == "" {
		cfg.BindAddr = "127.0.0.1:18890"
	}
	if cfg.LogLevel == "" {
		cfg.LogLevel = "info"
	}
	if cfg.DrainTimeoutSeconds <= 0 {
		cfg.DrainTimeoutSeconds = 5
	}
	if cfg.Scheduler.TickMillis <= 0 {
		cfg.Scheduler.TickMillis = 500
	}
	if cfg.Scheduler.MaxRetries < 0 {
		cfg.Scheduler.MaxRetries = 3
	}
	if cfg.Scheduler.EventLogCap <= 0 {
		cfg.Scheduler.EventLogCap = 1000
	}
	if strings.TrimSpace(cfg.Cron.MonitorSweep) == "" {
		cfg.Cron.MonitorSweep = "@every 30s"
	}
	if strings.TrimSpace(cfg.Cron.MetricSample) == "" {
		cfg.Cron.MetricSample = "@every 15s"
	}
	if strings.TrimSpace(cfg.Playbooks.Dir) == "" {
		cfg.Playbooks.Dir = filepath.Join(cfg.HomeDir, "playbooks")
	}
	if strings.TrimSpace(cfg.DBPath) == "" {
		cfg.DBPath = filepath.Join(cfg.HomeDir, "netmend.db")
	}
	if cfg.Workflow.ConfidenceThreshold <= 0 || cfg.Workflow.ConfidenceThreshold > 100 {
		cfg.Workflow.ConfidenceThreshold = 80
	}
	if cfg.Workflow.StageTimeoutSeconds <= 0 {
		cfg.Workflow.StageTimeoutSeconds = 120
	}
	if len(cfg.Agents) == 0 {
		cfg.Agents = DefaultAgents()
	}
}

func validate(cfg *Config) error {
	seen := make(map[string]struct{}, len(cfg.Agents))
	for _, a := range cfg.Agents {
		if strings.TrimSpace(a.AgentID) == "" {
			return fmt.Errorf("agent entry missing agent_id")
		}
		if _, dup := seen[a.AgentID]; dup {
			return fmt.Errorf("duplicate agent_id %q in roster", a.AgentID)
		}
		seen[a.AgentID] = struct{}{}
		switch a.Type {
		case "monitor", "anomaly", "rootcause", "remediation", "verification", "learning", "telemetry", "compliance":
		default:
			return fmt.Errorf("agent %s: unknown type %q", a.AgentID, a.Type)
		}
	}
	return nil
}

// StageTimeout returns the workflow stage timeout as a duration.
func (c Config) StageTimeout() time.Duration {
	return time.Duration(c.Workflow.StageTimeoutSeconds) * time.Second
}

// DispatchTick returns the scheduler tick as a duration.
func (c Config) DispatchTick() time.Duration {
	return time.Duration(c.Scheduler.TickMillis) * time.Millisecond
}

func applyEnvOverrides(cfg *Config) {
	if raw := os.Getenv("NETMEND_BIND_ADDR"); raw != "" {
		cfg.BindAddr = raw
	}
	if raw := os.Getenv("NETMEND_LOG_LEVEL"); raw != "" {
		cfg.LogLevel = raw
	}
	if raw := os.Getenv("NETMEND_AUTH_TOKEN"); raw != "" {
		cfg.AuthToken = raw
	}
	if raw := os.Getenv("NETMEND_DB_PATH"); raw != "" {
		cfg.DBPath = raw
	}
	if raw := os.Getenv("NETMEND_TICK_MILLIS"); raw != "" {
		if v, err := strconv.Atoi(raw); err == nil {
			cfg.Scheduler.TickMillis = v
		}
	}
	if raw := os.Getenv("NETMEND_MAX_RETRIES"); raw != "" {
		if v, err := strconv.Atoi(raw); err == nil {
			cfg.Scheduler.MaxRetries = v
		}
	}
	if raw := os.Getenv("NETMEND_DRAIN_TIMEOUT_SECONDS"); raw != "" {
		if v, err := strconv.Atoi(raw); err == nil {
			cfg.DrainTimeoutSeconds = v
		}
	}
}
