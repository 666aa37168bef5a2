package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const validConfig = `userid: user-1
storageuserid: storage-1
sandboxid: sb-42
workflowid: wf-7
workflowname: resize-images
hostname: node-3
queue: redis://localhost:6379/0
datalayer: datalayer:4998
workflowfunctionlist:
  - name: resize
    topic: fn-resize
  - name: upload
    topic: fn-upload
workflowexit: wf-exit
manager:
  poll_timeout: 2s
  grow_wait: 250ms
  dispatch:
    max_attempts: 5
logging:
  level: debug
  format: console
`

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "execmgr.yml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))
	return path
}

func TestLoad_ValidConfig(t *testing.T) {
	t.Setenv(EnvUserToken, "token-abc")
	t.Setenv(EnvQueue, "")

	config, err := Load(writeConfig(t, validConfig))
	require.NoError(t, err)

	assert.Equal(t, "sb-42", config.SandboxID)
	assert.Equal(t, "token-abc", config.UserToken)
	assert.Equal(t, []string{"fn-resize", "fn-upload"}, config.FunctionTopics())

	assert.Equal(t, 2*time.Second, config.Manager.PollTimeout)
	assert.Equal(t, 250*time.Millisecond, config.Manager.GrowWait)
	assert.Equal(t, 500, config.Manager.PollMaxMessages)
	assert.Equal(t, 3, config.Manager.MaxGrowAttempts)
	assert.False(t, config.Manager.ShutdownBusyWorkers)

	assert.Equal(t, 5, *config.Manager.Dispatch.MaxAttempts)
	assert.Equal(t, 10*time.Millisecond, *config.Manager.Dispatch.InitialInterval)
	assert.Equal(t, 30*time.Second, *config.Manager.Dispatch.MaxElapsed)

	assert.Equal(t, "/sys/fs/cgroup/memory", config.Limits.CgroupRoot)
	assert.Equal(t, int64(17179869184), config.Limits.PoolLimitBytes)
	assert.Equal(t, int64(262144), config.Limits.MinResidentBytes)

	assert.Equal(t, "DEBUG", config.Logging.Level)
	assert.Equal(t, "CONSOLE", config.Logging.Format)
	assert.Equal(t, ":8080", config.Health.Addr)
}

func TestLoad_QueueOverride(t *testing.T) {
	t.Setenv(EnvUserToken, "token-abc")
	t.Setenv(EnvQueue, "queue-host:6380")

	config, err := Load(writeConfig(t, validConfig))
	require.NoError(t, err)
	assert.Equal(t, "queue-host:6380", config.Queue)
}

func TestLoad_FileNotFound(t *testing.T) {
	config, err := Load("/nonexistent/execmgr.yml")
	assert.Error(t, err)
	assert.Nil(t, config)
	assert.Contains(t, err.Error(), "failed to read config")
}

func TestLoad_InvalidYAML(t *testing.T) {
	config, err := Load(writeConfig(t, "userid: [unterminated\n"))
	assert.Error(t, err)
	assert.Nil(t, config)
	assert.Contains(t, err.Error(), "failed to parse YAML")
}

func TestLoad_MissingUserToken(t *testing.T) {
	t.Setenv(EnvUserToken, "")

	_, err := Load(writeConfig(t, validConfig))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "USERTOKEN environment variable is required")
}

func newValidConfig() *Config {
	return &Config{
		UserID:       "user-1",
		SandboxID:    "sb-1",
		WorkflowID:   "wf-1",
		WorkflowName: "wf",
		Hostname:     "host",
		Queue:        "localhost:6379",
		UserToken:    "token",
	}
}

func TestValidate_RequiredFields(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(c *Config)
		wantErr string
	}{
		{"missing userid", func(c *Config) { c.UserID = "" }, "userid is required"},
		{"missing sandboxid", func(c *Config) { c.SandboxID = " " }, "sandboxid is required"},
		{"missing workflowid", func(c *Config) { c.WorkflowID = "" }, "workflowid is required"},
		{"missing workflowname", func(c *Config) { c.WorkflowName = "" }, "workflowname is required"},
		{"missing hostname", func(c *Config) { c.Hostname = "" }, "hostname is required"},
		{"missing queue", func(c *Config) { c.Queue = "" }, "queue is required"},
		{"missing token", func(c *Config) { c.UserToken = "" }, "USERTOKEN"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := newValidConfig()
			tt.mutate(c)
			err := c.Validate()
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestValidate_FunctionList(t *testing.T) {
	t.Run("duplicate topic", func(t *testing.T) {
		c := newValidConfig()
		c.WorkflowFunctions = []Function{{Name: "a", Topic: "t"}, {Name: "b", Topic: "t"}}
		err := c.Validate()
		require.Error(t, err)
		assert.Contains(t, err.Error(), "duplicate function topic 't'")
	})

	t.Run("missing topic", func(t *testing.T) {
		c := newValidConfig()
		c.WorkflowFunctions = []Function{{Name: "a"}}
		err := c.Validate()
		require.Error(t, err)
		assert.Contains(t, err.Error(), "topic is required")
	})
}

func TestValidate_DispatchExplicitZeroKept(t *testing.T) {
	c := newValidConfig()
	zero := time.Duration(0)
	c.Manager.Dispatch.InitialInterval = &zero
	c.Manager.Dispatch.MaxElapsed = &zero

	require.NoError(t, c.Validate())
	assert.Equal(t, time.Duration(0), *c.Manager.Dispatch.InitialInterval)
	assert.Equal(t, time.Duration(0), *c.Manager.Dispatch.MaxElapsed)
	assert.Equal(t, time.Second, *c.Manager.Dispatch.MaxInterval)
}

func TestValidate_Limits(t *testing.T) {
	t.Run("min resident above swap start", func(t *testing.T) {
		c := newValidConfig()
		c.Limits.MinResidentBytes = 2 << 30
		err := c.Validate()
		require.Error(t, err)
		assert.Contains(t, err.Error(), "exceeds swap_out_start_bytes")
	})

	t.Run("defaults swappiness when unset", func(t *testing.T) {
		c := newValidConfig()
		require.NoError(t, c.Validate())
		assert.Equal(t, 60, *c.Limits.SwapInSwappiness)
		assert.Equal(t, 100, *c.Limits.SwapOutSwappiness)
	})

	t.Run("explicit zero swappiness is kept", func(t *testing.T) {
		t.Setenv(EnvUserToken, "token-abc")
		t.Setenv(EnvQueue, "")
		cfg, err := Parse([]byte(validConfig + `
limits:
  swap_in_swappiness: 0
  swap_out_swappiness: 0
`))
		require.NoError(t, err)
		assert.Equal(t, 0, *cfg.Limits.SwapInSwappiness)
		assert.Equal(t, 0, *cfg.Limits.SwapOutSwappiness)
	})

	t.Run("swappiness out of range", func(t *testing.T) {
		c := newValidConfig()
		c.Limits.SwapOutSwappiness = intPtr(150)
		err := c.Validate()
		require.Error(t, err)
		assert.Contains(t, err.Error(), "swap_out_swappiness must be within 0-100")
	})
}

func TestValidate_Logging(t *testing.T) {
	c := newValidConfig()
	c.Logging.Format = "xml"
	err := c.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "invalid format: XML")
}

func TestValidate_HealthDisabled(t *testing.T) {
	c := newValidConfig()
	c.Health.Disabled = true
	require.NoError(t, c.Validate())
	assert.Empty(t, c.Health.Addr)
}
