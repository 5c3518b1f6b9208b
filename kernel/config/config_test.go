package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"strideos/kernel/task"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefault(t *testing.T) {
	cfg := Default()
	require.NoError(t, cfg.Validate())

	assert.Equal(t, uint32(4096), cfg.MemoryFrames)
	assert.Equal(t, []string{"initproc"}, cfg.Init)
	assert.Equal(t, 10*time.Millisecond, cfg.GetTimerInterval())

	tc := cfg.TaskConfig()
	assert.Equal(t, int64(task.DefaultPriority), tc.DefaultPriority)
	assert.Equal(t, task.IdleHalt, tc.IdlePolicy)
	assert.Equal(t, uint64(10000), tc.TimeSlice)
}

func TestLoad(t *testing.T) {
	t.Setenv("STRIDEOS_LOG_LEVEL", "")
	t.Setenv("STRIDEOS_IDLE_POLICY", "")

	path := filepath.Join(t.TempDir(), "strideos.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
log_level: debug
time_slice: 0
timer_interval: "0"
idle_policy: poll
idle_poll: 5ms
default_priority: 8
init: [hello, forktest]
`), 0644))

	cfg, err := Load(path)
	require.NoError(t, err)
	require.NoError(t, cfg.Validate())

	assert.Equal(t, "debug", cfg.LogLevel)
	assert.Equal(t, "console", cfg.LogFormat, "unset keys keep their defaults")
	assert.Equal(t, uint32(4096), cfg.MemoryFrames)
	assert.Equal(t, time.Duration(0), cfg.GetTimerInterval())
	assert.Equal(t, []string{"hello", "forktest"}, cfg.Init)

	tc := cfg.TaskConfig()
	assert.Equal(t, task.IdlePoll, tc.IdlePolicy)
	assert.Equal(t, 5*time.Millisecond, tc.IdlePoll)
	assert.Equal(t, int64(8), tc.DefaultPriority)
	assert.Zero(t, tc.TimeSlice)
}

func TestLoadMissingFile(t *testing.T) {
	t.Setenv("STRIDEOS_LOG_LEVEL", "")
	t.Setenv("STRIDEOS_IDLE_POLICY", "")

	cfg, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	require.NoError(t, err)
	assert.Equal(t, Default(), cfg)
}

func TestLoadMalformed(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bad.yaml")
	require.NoError(t, os.WriteFile(path, []byte("memory_frames: [1, 2"), 0644))

	_, err := Load(path)
	assert.Error(t, err)
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("STRIDEOS_LOG_LEVEL", "warn")
	t.Setenv("STRIDEOS_IDLE_POLICY", "poll")

	cfg, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	require.NoError(t, err)
	assert.Equal(t, "warn", cfg.LogLevel)
	assert.Equal(t, "poll", cfg.IdlePolicy)
}

func TestSaveLoad(t *testing.T) {
	t.Setenv("STRIDEOS_LOG_LEVEL", "")
	t.Setenv("STRIDEOS_IDLE_POLICY", "")

	path := filepath.Join(t.TempDir(), "nested", "strideos.yaml")
	cfg := Default()
	cfg.Init = []string{"stride"}
	cfg.MemoryFrames = 512
	require.NoError(t, cfg.Save(path))

	loaded, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, cfg, loaded)
}

func TestValidate(t *testing.T) {
	specs := map[string]func(c *Config){
		"log level":        func(c *Config) { c.LogLevel = "loud" },
		"log format":       func(c *Config) { c.LogFormat = "xml" },
		"memory":           func(c *Config) { c.MemoryFrames = 4 },
		"priority":         func(c *Config) { c.DefaultPriority = 1 },
		"idle policy":      func(c *Config) { c.IdlePolicy = "spin" },
		"timer interval":   func(c *Config) { c.TimerInterval = "soon" },
		"negative timer":   func(c *Config) { c.TimerInterval = "-1s" },
		"idle poll":        func(c *Config) { c.IdlePoll = "0" },
		"no init programs": func(c *Config) { c.Init = nil },
	}

	for name, mutate := range specs {
		t.Run(name, func(t *testing.T) {
			cfg := Default()
			mutate(cfg)
			assert.Error(t, cfg.Validate())
		})
	}
}
