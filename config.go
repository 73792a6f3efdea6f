package conductor

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds configuration for the orchestration engine and its
// background scheduler.
type Config struct {
	// LockTTL is the age after which a held evaluation lock is considered
	// abandoned by a crashed holder and may be taken over.
	LockTTL time.Duration `yaml:"lock_ttl"`

	// DefaultQueue is used for steps and compensations that do not name a queue.
	DefaultQueue string `yaml:"default_queue"`

	// DispatchConcurrency bounds how many fan-out jobs are handed to the
	// job dispatcher in parallel.
	DispatchConcurrency int `yaml:"dispatch_concurrency"`

	// DispatchTimeout bounds a single hand-off to the job dispatcher.
	// Zero disables the bound.
	DispatchTimeout time.Duration `yaml:"dispatch_timeout"`

	// DefaultCompensationAttempts is the max attempts of a compensation run
	// whose step does not configure one.
	DefaultCompensationAttempts int `yaml:"default_compensation_attempts"`

	// TickBatchSize limits how many workflows or runs one scheduler task
	// processes per tick.
	TickBatchSize int `yaml:"tick_batch_size"`

	// Schedules are cron expressions (robfig/cron syntax, "@every" allowed)
	// for each scheduler task.
	Schedules ScheduleConfig `yaml:"schedules"`
}

// ScheduleConfig holds one schedule expression per timer task.
type ScheduleConfig struct {
	AutoRetries   string `yaml:"auto_retries"`
	DuePolls      string `yaml:"due_polls"`
	PauseTimeouts string `yaml:"pause_timeouts"`
	StepTimeouts  string `yaml:"step_timeouts"`
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() Config {
	return Config{
		LockTTL:                     2 * time.Minute,
		DefaultQueue:                "default",
		DispatchConcurrency:         8,
		DispatchTimeout:             10 * time.Second,
		DefaultCompensationAttempts: 3,
		TickBatchSize:               100,
		Schedules: ScheduleConfig{
			AutoRetries:   "@every 5s",
			DuePolls:      "@every 1s",
			PauseTimeouts: "@every 10s",
			StepTimeouts:  "@every 10s",
		},
	}
}

// LoadConfig reads a YAML config file over DefaultConfig. Fields missing
// from the file keep their defaults.
func LoadConfig(path string) (Config, error) {
	cfg := DefaultConfig()
	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("conductor: read config %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("conductor: parse config %s: %w", path, err)
	}
	if err := cfg.Validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

// Validate checks the config for values the engine cannot run with.
func (c Config) Validate() error {
	if c.LockTTL <= 0 {
		return fmt.Errorf("conductor: lock_ttl must be positive, got %s", c.LockTTL)
	}
	if c.DispatchConcurrency < 1 {
		return fmt.Errorf("conductor: dispatch_concurrency must be at least 1, got %d", c.DispatchConcurrency)
	}
	if c.DefaultCompensationAttempts < 1 {
		return fmt.Errorf("conductor: default_compensation_attempts must be at least 1, got %d", c.DefaultCompensationAttempts)
	}
	return nil
}
