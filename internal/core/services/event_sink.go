package services

import (
	"context"
	"fmt"

	"github.com/wphive/backend/internal/core/ports"
	"github.com/wphive/backend/internal/domain"
	"github.com/wphive/backend/internal/infrastructure/logger"
)

// RecordSink persists provisioning events onto the installation record.
// It runs on the broadcaster's dispatch goroutine, so a persisted event is
// always recorded before any later event from the same installation.
type RecordSink struct {
	installations ports.InstallationService
	log           *logger.Logger
}

func NewRecordSink(installations ports.InstallationService, log *logger.Logger) *RecordSink {
	return &RecordSink{installations: installations, log: log}
}

func (s *RecordSink) Persist(ctx context.Context, event domain.Event) {
	id := event.InstallationID()

	switch e := event.(type) {
	case domain.OutputEvent:
		s.installations.AddLog(ctx, id, domain.LogLevelInfo, e.Line, e.StepID)

	case domain.StepStartEvent:
		err := s.installations.UpdateStep(ctx, id, e.StepID, domain.StepStatusRunning, -1, "")
		if err != nil {
			s.log.Warnw("step_start_persist_failed", "installation_id", id, "step", e.StepID, "error", err)
		}
		s.installations.AddLog(ctx, id, domain.LogLevelInfo, fmt.Sprintf("Starting: %s", e.Name), e.StepID)

	case domain.StepCompleteEvent:
		err := s.installations.UpdateStep(ctx, id, e.StepID, domain.StepStatusCompleted, e.Progress, e.Message)
		if err != nil {
			s.log.Warnw("step_complete_persist_failed", "installation_id", id, "step", e.StepID, "error", err)
		}

	case domain.StepErrorEvent:
		err := s.installations.UpdateStep(ctx, id, e.StepID, domain.StepStatusError, -1, e.Message)
		if err != nil {
			s.log.Warnw("step_error_persist_failed", "installation_id", id, "step", e.StepID, "error", err)
		}
		s.installations.AddLog(ctx, id, domain.LogLevelError, e.Message, e.StepID)

	case domain.DoneEvent:
		// Cancellation writes its terminal state before the event is
		// emitted; nothing is left to persist.
		if e.Cancelled {
			return
		}

		// Terminal writes happen here so they are ordered after every
		// step event that preceded them.
		var err error
		if e.Success {
			err = s.installations.MarkCompleted(ctx, id, e.Result)
		} else {
			err = s.installations.MarkFailed(ctx, id, e.Error)
		}
		if err != nil {
			s.log.Errorw("terminal_persist_failed", "installation_id", id, "success", e.Success, "error", err)
		}
	}
}
