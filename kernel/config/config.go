// Package config loads the boot configuration of the kernel from YAML.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"strideos/kernel/kfmt"
	"strideos/kernel/task"

	"gopkg.in/yaml.v3"
)

// Config is the boot configuration of the kernel.
type Config struct {
	LogLevel  string `yaml:"log_level"`
	LogFormat string `yaml:"log_format"`

	// MemoryFrames is the size of the simulated physical memory in frames.
	MemoryFrames uint32 `yaml:"memory_frames"`

	// TimeSlice is the number of instructions a task may retire before it
	// is preempted. Zero disables the instruction budget.
	TimeSlice uint64 `yaml:"time_slice"`

	// TimerInterval is the period of the wall-clock timer interrupt. "0"
	// disables the ticker.
	TimerInterval string `yaml:"timer_interval"`

	IdlePolicy string `yaml:"idle_policy"`
	IdlePoll   string `yaml:"idle_poll"`

	DefaultPriority int64 `yaml:"default_priority"`

	// Init lists the programs started as root tasks.
	Init []string `yaml:"init"`
}

// Default returns the configuration used when no file is supplied.
func Default() *Config {
	return &Config{
		LogLevel:        "info",
		LogFormat:       "console",
		MemoryFrames:    4096,
		TimeSlice:       10000,
		TimerInterval:   "10ms",
		IdlePolicy:      string(task.IdleHalt),
		IdlePoll:        "10ms",
		DefaultPriority: task.DefaultPriority,
		Init:            []string{"initproc"},
	}
}

// Load reads the configuration at path over the defaults. A missing file
// yields the defaults.
func Load(path string) (*Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			cfg.applyEnvOverrides()
			return cfg, nil
		}
		return nil, fmt.Errorf("failed to read config: %w", err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	cfg.applyEnvOverrides()
	return cfg, nil
}

// Save writes the configuration to path as YAML.
func (c *Config) Save(path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("failed to write config: %w", err)
	}
	return nil
}

func (c *Config) applyEnvOverrides() {
	if level := os.Getenv("STRIDEOS_LOG_LEVEL"); level != "" {
		c.LogLevel = level
	}
	if policy := os.Getenv("STRIDEOS_IDLE_POLICY"); policy != "" {
		c.IdlePolicy = policy
	}
}

// Validate rejects configurations the kernel cannot boot with.
func (c *Config) Validate() error {
	if _, err := kfmt.ParseLevel(c.LogLevel); err != nil {
		return fmt.Errorf("invalid log_level %q", c.LogLevel)
	}
	if c.LogFormat != "console" && c.LogFormat != "json" {
		return fmt.Errorf("invalid log_format %q (valid: console, json)", c.LogFormat)
	}
	if c.MemoryFrames < minMemoryFrames {
		return fmt.Errorf("memory_frames must be at least %d; got %d", minMemoryFrames, c.MemoryFrames)
	}
	if c.DefaultPriority < task.MinPriority {
		return fmt.Errorf("default_priority must be at least %d; got %d", task.MinPriority, c.DefaultPriority)
	}

	switch task.IdlePolicy(c.IdlePolicy) {
	case task.IdleHalt, task.IdlePoll:
	default:
		return fmt.Errorf("invalid idle_policy %q (valid: halt, poll)", c.IdlePolicy)
	}

	if d, err := time.ParseDuration(c.TimerInterval); err != nil || d < 0 {
		return fmt.Errorf("invalid timer_interval %q", c.TimerInterval)
	}
	if d, err := time.ParseDuration(c.IdlePoll); err != nil || d <= 0 {
		return fmt.Errorf("invalid idle_poll %q", c.IdlePoll)
	}

	if len(c.Init) == 0 {
		return fmt.Errorf("init must name at least one program")
	}
	return nil
}

// minMemoryFrames leaves room for the page tables, image and stack of a
// single task.
const minMemoryFrames = 16

// GetTimerInterval returns the timer interrupt period. Zero disables the
// ticker.
func (c *Config) GetTimerInterval() time.Duration {
	d, err := time.ParseDuration(c.TimerInterval)
	if err != nil {
		return 10 * time.Millisecond
	}
	return d
}

// GetIdlePoll returns the interval at which an idle processor polls the
// ready queue.
func (c *Config) GetIdlePoll() time.Duration {
	d, err := time.ParseDuration(c.IdlePoll)
	if err != nil || d <= 0 {
		return 10 * time.Millisecond
	}
	return d
}

// TaskConfig returns the scheduling parameters of the kernel.
func (c *Config) TaskConfig() task.Config {
	return task.Config{
		DefaultPriority: c.DefaultPriority,
		TimeSlice:       c.TimeSlice,
		IdlePolicy:      task.IdlePolicy(c.IdlePolicy),
		IdlePoll:        c.GetIdlePoll(),
	}
}
