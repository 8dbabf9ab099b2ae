package realtime

import (
	"encoding/json"

	"github.com/wphive/backend/internal/domain"
)

// Frame renders one event as the JSON wire format delivered to live
// subscribers (websocket frames and the redis topic payload).
func Frame(event domain.Event) ([]byte, error) {
	switch e := event.(type) {
	case domain.OutputEvent:
		frame := map[string]interface{}{
			"output": e.Line,
		}
		if e.StepID != "" {
			frame["step"] = e.StepID
		}
		return json.Marshal(frame)
	case domain.StepStartEvent:
		return json.Marshal(map[string]interface{}{
			"step":    e.StepID,
			"status":  string(domain.StepStatusRunning),
			"message": e.Name,
		})
	case domain.StepCompleteEvent:
		return json.Marshal(map[string]interface{}{
			"step":     e.StepID,
			"status":   string(domain.StepStatusCompleted),
			"progress": e.Progress,
			"message":  e.Message,
		})
	case domain.StepErrorEvent:
		return json.Marshal(map[string]interface{}{
			"step":   e.StepID,
			"status": string(domain.StepStatusError),
			"error":  e.Message,
		})
	case domain.DoneEvent:
		frame := map[string]interface{}{
			"complete": true,
			"success":  e.Success,
		}
		if e.Cancelled {
			frame["cancelled"] = true
		}
		if e.Success {
			frame["result"] = e.Result
		} else {
			frame["error"] = e.Error
		}
		return json.Marshal(frame)
	}
	return json.Marshal(event)
}
