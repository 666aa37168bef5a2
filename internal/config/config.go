package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Environment variables read by Load.
const (
	EnvUserToken = "USERTOKEN"
	EnvQueue     = "EXECMGR_QUEUE"
)

// Config is the complete sandbox configuration of the execution manager.
// The identity fields are opaque to the manager; they are carried for logging
// and for the collaborators that need them.
type Config struct {
	UserID                    string         `yaml:"userid"`
	StorageUserID             string         `yaml:"storageuserid"`
	SandboxID                 string         `yaml:"sandboxid"`
	WorkflowID                string         `yaml:"workflowid"`
	WorkflowName              string         `yaml:"workflowname"`
	Hostname                  string         `yaml:"hostname"`
	Queue                     string         `yaml:"queue"` // Message channel address: redis:// URL or host:port
	DataLayer                 string         `yaml:"datalayer"`
	ExternalEndpoint          string         `yaml:"externalendpoint"`
	InternalEndpoint          string         `yaml:"internalendpoint"`
	ManagementEndpoints       []string       `yaml:"managementendpoints"`
	WorkflowFunctions         []Function     `yaml:"workflowfunctionlist"` // Includes the workflow end point
	WorkflowExit              string         `yaml:"workflowexit"`
	SessionWorkflow           bool           `yaml:"sessionworkflow"`
	SessionFunction           bool           `yaml:"sessionfunction"`
	SessionFunctionParameters map[string]any `yaml:"sessionfunctionparameters,omitempty"`
	ShouldCheckpoint          bool           `yaml:"shouldcheckpoint"`

	// UserToken is never read from the file, only from USERTOKEN.
	UserToken string `yaml:"-"`

	Manager ManagerConfig `yaml:"manager"`
	Limits  LimitsConfig  `yaml:"limits"`
	Logging LoggingConfig `yaml:"logging"`
	Health  HealthConfig  `yaml:"health"`
}

// Function is one entry of the workflow function list.
type Function struct {
	Name  string `yaml:"name"`
	Topic string `yaml:"topic"`
}

// ManagerConfig tunes the control loop, pool growth and shutdown.
type ManagerConfig struct {
	PollTimeout         time.Duration  `yaml:"poll_timeout"`          // Default 10s
	PollMaxMessages     int            `yaml:"poll_max_messages"`     // Default 500
	MaxGrowAttempts     int            `yaml:"max_grow_attempts"`     // Default 3
	GrowWait            time.Duration  `yaml:"grow_wait"`             // Default 5s
	ShutdownBusyWorkers bool           `yaml:"shutdown_busy_workers"` // Also stop allocated workers on shutdown
	Dispatch            DispatchConfig `yaml:"dispatch"`
}

// DispatchConfig is the retry policy of worker commands.
// A nil field takes its default; an explicit zero is kept, so
// max_attempts: 0 and max_elapsed: 0s together mean retry forever.
type DispatchConfig struct {
	InitialInterval *time.Duration `yaml:"initial_interval,omitempty"` // Default 10ms, 0 = immediate retries
	MaxInterval     *time.Duration `yaml:"max_interval,omitempty"`     // Default 1s
	MaxAttempts     *int           `yaml:"max_attempts,omitempty"`     // Default 0 (no cap)
	MaxElapsed      *time.Duration `yaml:"max_elapsed,omitempty"`      // Default 30s
}

// LimitsConfig locates the memory cgroup and sets the swap parameters.
type LimitsConfig struct {
	CgroupRoot        string `yaml:"cgroup_root"`
	PoolLimitBytes    int64  `yaml:"pool_limit_bytes"`
	SwapOutStartBytes int64  `yaml:"swap_out_start_bytes"`
	MinResidentBytes  int64  `yaml:"min_resident_bytes"`
	SwapInSwappiness  *int   `yaml:"swap_in_swappiness,omitempty"`  // Default 60, 0 is kept
	SwapOutSwappiness *int   `yaml:"swap_out_swappiness,omitempty"` // Default 100, 0 is kept
}

// LoggingConfig selects level, encoding and an optional log file.
type LoggingConfig struct {
	Level  string `yaml:"level"`  // DEBUG, INFO, WARN, ERROR
	Format string `yaml:"format"` // JSON or CONSOLE
	File   string `yaml:"file,omitempty"`
}

// HealthConfig controls the health and metrics HTTP server.
type HealthConfig struct {
	Addr     string `yaml:"addr"`
	Disabled bool   `yaml:"disabled"`
}

// Validate checks required fields and applies defaults. It is called once by Load.
func (c *Config) Validate() error {
	required := []struct {
		name  string
		value string
	}{
		{"userid", c.UserID},
		{"sandboxid", c.SandboxID},
		{"workflowid", c.WorkflowID},
		{"workflowname", c.WorkflowName},
		{"hostname", c.Hostname},
		{"queue", c.Queue},
	}
	for _, r := range required {
		if strings.TrimSpace(r.value) == "" {
			return fmt.Errorf("%s is required", r.name)
		}
	}

	if c.UserToken == "" {
		return fmt.Errorf("%s environment variable is required", EnvUserToken)
	}

	topics := make(map[string]string)
	for i, fn := range c.WorkflowFunctions {
		if fn.Name == "" {
			return fmt.Errorf("workflowfunctionlist[%d]: name is required", i)
		}
		if fn.Topic == "" {
			return fmt.Errorf("workflowfunctionlist[%d] (%s): topic is required", i, fn.Name)
		}
		if other, exists := topics[fn.Topic]; exists {
			return fmt.Errorf("duplicate function topic '%s' (functions '%s' and '%s')", fn.Topic, other, fn.Name)
		}
		topics[fn.Topic] = fn.Name
	}

	if err := c.Manager.validate(); err != nil {
		return fmt.Errorf("manager: %w", err)
	}
	if err := c.Limits.validate(); err != nil {
		return fmt.Errorf("limits: %w", err)
	}
	if err := c.Logging.validate(); err != nil {
		return fmt.Errorf("logging: %w", err)
	}

	if c.Health.Addr == "" && !c.Health.Disabled {
		c.Health.Addr = ":8080"
	}

	return nil
}

func (m *ManagerConfig) validate() error {
	if m.PollTimeout == 0 {
		m.PollTimeout = 10 * time.Second
	}
	if m.PollTimeout < 0 {
		return fmt.Errorf("poll_timeout must be positive, got %s", m.PollTimeout)
	}

	if m.PollMaxMessages == 0 {
		m.PollMaxMessages = 500
	}
	if m.PollMaxMessages < 0 {
		return fmt.Errorf("poll_max_messages must be >= 1, got %d", m.PollMaxMessages)
	}

	if m.MaxGrowAttempts == 0 {
		m.MaxGrowAttempts = 3
	}
	if m.MaxGrowAttempts < 0 {
		return fmt.Errorf("max_grow_attempts must be >= 1, got %d", m.MaxGrowAttempts)
	}

	if m.GrowWait == 0 {
		m.GrowWait = 5 * time.Second
	}
	if m.GrowWait < 0 {
		return fmt.Errorf("grow_wait must be positive, got %s", m.GrowWait)
	}

	return m.Dispatch.validate()
}

func (d *DispatchConfig) validate() error {
	if d.InitialInterval == nil {
		d.InitialInterval = durationPtr(10 * time.Millisecond)
	}
	if d.MaxInterval == nil {
		d.MaxInterval = durationPtr(time.Second)
	}
	if d.MaxAttempts == nil {
		d.MaxAttempts = intPtr(0)
	}
	if d.MaxElapsed == nil {
		d.MaxElapsed = durationPtr(30 * time.Second)
	}

	if *d.InitialInterval < 0 || *d.MaxInterval < 0 || *d.MaxElapsed < 0 {
		return fmt.Errorf("dispatch intervals must be >= 0")
	}
	if *d.MaxAttempts < 0 {
		return fmt.Errorf("dispatch.max_attempts must be >= 0, got %d", *d.MaxAttempts)
	}
	return nil
}

func (l *LimitsConfig) validate() error {
	if l.CgroupRoot == "" {
		l.CgroupRoot = "/sys/fs/cgroup/memory"
	}
	if l.PoolLimitBytes == 0 {
		l.PoolLimitBytes = 17179869184
	}
	if l.SwapOutStartBytes == 0 {
		l.SwapOutStartBytes = 1073741824
	}
	if l.MinResidentBytes == 0 {
		l.MinResidentBytes = 262144
	}
	if l.SwapInSwappiness == nil {
		l.SwapInSwappiness = intPtr(60)
	}
	if l.SwapOutSwappiness == nil {
		l.SwapOutSwappiness = intPtr(100)
	}

	if l.PoolLimitBytes < 0 || l.SwapOutStartBytes < 0 || l.MinResidentBytes < 0 {
		return fmt.Errorf("byte sizes must be positive")
	}
	if l.MinResidentBytes > l.SwapOutStartBytes {
		return fmt.Errorf("min_resident_bytes (%d) exceeds swap_out_start_bytes (%d)", l.MinResidentBytes, l.SwapOutStartBytes)
	}
	for name, v := range map[string]int{"swap_in_swappiness": *l.SwapInSwappiness, "swap_out_swappiness": *l.SwapOutSwappiness} {
		if v < 0 || v > 100 {
			return fmt.Errorf("%s must be within 0-100, got %d", name, v)
		}
	}
	return nil
}

func (l *LoggingConfig) validate() error {
	if l.Level == "" {
		l.Level = "INFO"
	}
	if l.Format == "" {
		l.Format = "JSON"
	}

	l.Level = strings.ToUpper(l.Level)
	l.Format = strings.ToUpper(l.Format)

	switch l.Level {
	case "DEBUG", "INFO", "WARN", "ERROR":
	default:
		return fmt.Errorf("invalid level: %s (must be 'DEBUG', 'INFO', 'WARN' or 'ERROR')", l.Level)
	}
	switch l.Format {
	case "JSON", "CONSOLE":
	default:
		return fmt.Errorf("invalid format: %s (must be 'JSON' or 'CONSOLE')", l.Format)
	}
	return nil
}

// FunctionTopics returns the topics of the workflow function list.
func (c *Config) FunctionTopics() []string {
	topics := make([]string, 0, len(c.WorkflowFunctions))
	for _, fn := range c.WorkflowFunctions {
		topics = append(topics, fn.Topic)
	}
	return topics
}

// Parse decodes and validates a YAML document, reading the user token and
// queue override from the environment.
func Parse(data []byte) (*Config, error) {
	var config Config
	if err := yaml.Unmarshal(data, &config); err != nil {
		return nil, fmt.Errorf("failed to parse YAML: %w", err)
	}

	config.UserToken = os.Getenv(EnvUserToken)
	if q := os.Getenv(EnvQueue); q != "" {
		config.Queue = q
	}

	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return &config, nil
}

// Load reads and validates the configuration file at path.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config: %w", err)
	}
	return Parse(data)
}

func durationPtr(d time.Duration) *time.Duration {
	return &d
}

func intPtr(v int) *int {
	return &v
}
