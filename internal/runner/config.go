package runner

import (
	"fmt"
	"time"

	"github.com/livinlefevreloca/stepcron/internal/timer"
	"github.com/livinlefevreloca/stepcron/lib/cron"
)

// Config controls how the runner arms waits and hands fires to executions
type Config struct {
	// Longest single countdown; longer waits are chained
	MaxWait time.Duration `toml:"max_wait"`

	// Inbox buffer size
	InboxBufferSize int `toml:"inbox_buffer_size"`

	// Timeout for sending to inbox
	InboxSendTimeout time.Duration `toml:"inbox_send_timeout"`

	// Fire occurrences missed while the process was down on start-up
	CatchUp bool `toml:"catch_up"`
}

// JobConfig describes one scheduled command
type JobConfig struct {
	Name     string        `toml:"name"`
	Schedule string        `toml:"schedule"`
	Command  []string      `toml:"command"`
	Timeout  time.Duration `toml:"timeout"`
}

// DefaultConfig returns the runner defaults
func DefaultConfig() Config {
	return Config{
		MaxWait:          timer.DefaultMaxWait,
		InboxBufferSize:  1000,
		InboxSendTimeout: 5 * time.Second,
		CatchUp:          false,
	}
}

// Validate checks the runner settings
func (c Config) Validate() error {
	if c.MaxWait <= 0 {
		return fmt.Errorf("MaxWait must be positive, got %v", c.MaxWait)
	}

	if c.InboxBufferSize <= 0 {
		return fmt.Errorf("InboxBufferSize must be positive, got %d", c.InboxBufferSize)
	}

	if c.InboxSendTimeout <= 0 {
		return fmt.Errorf("InboxSendTimeout must be positive, got %v", c.InboxSendTimeout)
	}

	return nil
}

// Validate checks a job definition, including its schedule expression
func (j JobConfig) Validate() error {
	if j.Name == "" {
		return fmt.Errorf("job name must be specified")
	}

	if _, err := cron.Parse(j.Schedule); err != nil {
		return fmt.Errorf("job %q: %w", j.Name, err)
	}

	if j.Timeout < 0 {
		return fmt.Errorf("job %q: timeout must not be negative, got %v", j.Name, j.Timeout)
	}

	return nil
}

// ValidateJobs checks every job and rejects duplicate names
func ValidateJobs(jobs []JobConfig) error {
	seen := make(map[string]bool, len(jobs))
	for _, job := range jobs {
		if err := job.Validate(); err != nil {
			return err
		}
		if seen[job.Name] {
			return fmt.Errorf("duplicate job name: %s", job.Name)
		}
		seen[job.Name] = true
	}
	return nil
}
