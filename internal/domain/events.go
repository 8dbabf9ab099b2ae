package domain

// Event is one typed runtime event emitted while provisioning an
// installation. Events for a single installation are strictly ordered;
// nothing is guaranteed across installations.
type Event interface {
	InstallationID() uint
	eventMarker()
}

type baseEvent struct {
	Installation uint `json:"installation_id"`
}

func (e baseEvent) InstallationID() uint { return e.Installation }
func (baseEvent) eventMarker()           {}

// OutputEvent carries one raw output line from the remote host. StepID is
// empty for lines not produced by a step, such as retry notices.
type OutputEvent struct {
	baseEvent
	StepID string `json:"step,omitempty"`
	Line   string `json:"output"`
}

// StepStartEvent marks a step transitioning to running.
type StepStartEvent struct {
	baseEvent
	StepID string `json:"step"`
	Name   string `json:"name"`
}

// StepCompleteEvent marks a step finishing successfully.
type StepCompleteEvent struct {
	baseEvent
	StepID   string `json:"step"`
	Name     string `json:"name"`
	Progress int    `json:"progress"`
	Message  string `json:"message,omitempty"`
}

// StepErrorEvent marks a step failing; no further steps run in this attempt.
type StepErrorEvent struct {
	baseEvent
	StepID  string `json:"step"`
	Name    string `json:"name"`
	Message string `json:"error"`
}

// DoneEvent is the terminal event of a run: success with a result payload,
// failure with the final error, or a cancellation marker.
type DoneEvent struct {
	baseEvent
	Success   bool   `json:"success"`
	Cancelled bool   `json:"cancelled,omitempty"`
	Result    JSONB  `json:"result,omitempty"`
	Error     string `json:"error,omitempty"`
}

func NewOutputEvent(installationID uint, stepID, line string) OutputEvent {
	return OutputEvent{baseEvent{installationID}, stepID, line}
}

func NewStepStartEvent(installationID uint, stepID, name string) StepStartEvent {
	return StepStartEvent{baseEvent{installationID}, stepID, name}
}

func NewStepCompleteEvent(installationID uint, stepID, name string, progress int, message string) StepCompleteEvent {
	return StepCompleteEvent{baseEvent{installationID}, stepID, name, progress, message}
}

func NewStepErrorEvent(installationID uint, stepID, name, message string) StepErrorEvent {
	return StepErrorEvent{baseEvent{installationID}, stepID, name, message}
}

func NewDoneEvent(installationID uint, success bool, result JSONB, errMsg string) DoneEvent {
	return DoneEvent{baseEvent: baseEvent{installationID}, Success: success, Result: result, Error: errMsg}
}

// NewCancelledEvent is the terminal event for a run stopped by a cancel
// request. The cancelled status is already durable when this is emitted.
func NewCancelledEvent(installationID uint) DoneEvent {
	return DoneEvent{baseEvent: baseEvent{installationID}, Cancelled: true, Error: "installation cancelled"}
}
