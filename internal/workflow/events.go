package workflow

import "time"

// EventSink receives lifecycle events emitted by the executor. The
// concrete implementation (internal/telemetry.Sink, component L) fans
// these into a debounced state.json and an append-only event log; tests
// use a simple slice-collecting sink.
type EventSink interface {
	Emit(event Event)
}

// EventKind discriminates the four event shapes the executor emits.
type EventKind string

const (
	EventWorkflowStarted  EventKind = "workflow_started"
	EventStepState        EventKind = "step_state"
	EventStepPhase        EventKind = "step_phase"
	EventWorkflowFinished EventKind = "workflow_finished"
)

// Event is a single point-in-time executor observation.
type Event struct {
	Kind      EventKind      `json:"kind"`
	At        time.Time      `json:"at"`
	Workflow  string         `json:"workflow"`
	StepID    string         `json:"step_id,omitempty"`
	Status    StepStatus     `json:"status,omitempty"`
	Phase     string         `json:"phase,omitempty"`
	WorkflowStatus WorkflowStatus `json:"workflow_status,omitempty"`
	Error     string         `json:"error,omitempty"`
}

// NopSink discards every event. Useful when a caller of Execute doesn't
// care about telemetry (e.g. the `run` CLI subcommand for a one-shot step).
type NopSink struct{}

// Emit implements EventSink.
func (NopSink) Emit(Event) {}

// CollectingSink appends every event to a slice; used by tests.
type CollectingSink struct {
	Events []Event
}

// Emit implements EventSink.
func (s *CollectingSink) Emit(e Event) {
	s.Events = append(s.Events, e)
}
