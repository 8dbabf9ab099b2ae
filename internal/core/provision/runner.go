package provision

import (
	"context"
	"fmt"
	"strings"

	"github.com/wphive/backend/internal/core/ports"
	"github.com/wphive/backend/internal/domain"
	"github.com/wphive/backend/internal/infrastructure/logger"
)

// EventSink receives the typed event stream of one run. Implementations must
// not block step execution.
type EventSink interface {
	Emit(event domain.Event)
}

// StepError reports a single failed step. The whole attempt stops at the
// first failing step; the step itself is never retried in isolation.
type StepError struct {
	StepID  string
	Name    string
	Message string
}

func (e *StepError) Error() string {
	return fmt.Sprintf("step %s failed: %s", e.StepID, e.Message)
}

// Runner executes an ordered step list over one connected channel, strictly
// sequentially.
type Runner struct {
	log *logger.Logger
}

func NewRunner(log *logger.Logger) *Runner {
	return &Runner{log: log}
}

func (r *Runner) Run(ctx context.Context, installationID uint, channel ports.CommandChannel, steps []Step, sink EventSink) error {
	for i, step := range steps {
		sink.Emit(domain.NewStepStartEvent(installationID, step.ID, step.Name))
		r.log.Infow("step_start", "installation_id", installationID, "step", step.ID)

		if err := r.runStep(ctx, installationID, channel, step, sink); err != nil {
			stepErr := asStepError(step, err)
			sink.Emit(domain.NewStepErrorEvent(installationID, step.ID, step.Name, stepErr.Message))
			r.log.Errorw("step_failed", "installation_id", installationID, "step", step.ID, "error", stepErr.Message)
			return stepErr
		}

		progress := (i + 1) * 100 / len(steps)
		sink.Emit(domain.NewStepCompleteEvent(installationID, step.ID, step.Name, progress, ""))
		r.log.Infow("step_complete", "installation_id", installationID, "step", step.ID, "progress", progress)
	}
	return nil
}

// runStep uploads the step's commands as one script and executes it. The
// script aborts at the first failing command, matching sequential execution,
// and is removed afterwards because rendered commands carry credentials.
func (r *Runner) runStep(ctx context.Context, installationID uint, channel ports.CommandChannel, step Step, sink EventSink) error {
	if ctx.Err() != nil {
		return ctx.Err()
	}

	path := StepScriptPath(installationID, step.ID)
	if err := channel.Upload(ctx, path, []byte(stepScript(step))); err != nil {
		return err
	}
	defer func() {
		_, _ = channel.Exec(ctx, "rm -f "+path)
	}()

	result, err := channel.ExecStream(ctx, "/bin/bash "+path, func(line string) {
		sink.Emit(domain.NewOutputEvent(installationID, step.ID, line))
	})
	if err != nil {
		return err
	}
	if result.ExitCode != 0 {
		msg := strings.TrimSpace(result.Stderr)
		if msg == "" {
			msg = strings.TrimSpace(result.Stdout)
		}
		if msg == "" {
			msg = fmt.Sprintf("command exited with code %d", result.ExitCode)
		} else {
			msg = fmt.Sprintf("exit code %d: %s", result.ExitCode, lastLine(msg))
		}
		return &StepError{StepID: step.ID, Name: step.Name, Message: msg}
	}
	return nil
}

// StepScriptPath is where a step's rendered script lands on the target host.
func StepScriptPath(installationID uint, stepID string) string {
	return fmt.Sprintf("/tmp/wp-provision-%d-%s.sh", installationID, stepID)
}

func stepScript(step Step) string {
	return "set -euo pipefail\n" + strings.Join(step.Commands, "\n") + "\n"
}

func asStepError(step Step, err error) *StepError {
	if stepErr, ok := err.(*StepError); ok {
		return stepErr
	}
	return &StepError{StepID: step.ID, Name: step.Name, Message: err.Error()}
}

func lastLine(s string) string {
	lines := strings.Split(strings.TrimSpace(s), "\n")
	return strings.TrimSpace(lines[len(lines)-1])
}
