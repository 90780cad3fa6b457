package runner

import (
	"context"
	"fmt"
	"log/slog"
	"os/exec"
	"strings"
)

// Executor runs the command behind a job
type Executor interface {
	Execute(ctx context.Context, job JobConfig) error
}

// CommandExecutor runs job commands as local processes
type CommandExecutor struct {
	logger *slog.Logger
}

// NewCommandExecutor creates an executor that logs command output at debug level
func NewCommandExecutor(logger *slog.Logger) *CommandExecutor {
	if logger == nil {
		logger = slog.Default()
	}
	return &CommandExecutor{logger: logger}
}

// Execute runs the job's command and waits for it. Jobs without a command
// succeed immediately.
func (e *CommandExecutor) Execute(ctx context.Context, job JobConfig) error {
	if len(job.Command) == 0 {
		return nil
	}

	cmd := exec.CommandContext(ctx, job.Command[0], job.Command[1:]...)
	output, err := cmd.CombinedOutput()

	e.logger.Debug("command finished",
		"job", job.Name,
		"command", strings.Join(job.Command, " "),
		"output", strings.TrimSpace(string(output)))

	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return fmt.Errorf("command interrupted: %w", ctxErr)
		}
		return fmt.Errorf("command failed: %w", err)
	}
	return nil
}
