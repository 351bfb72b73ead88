package plan

import "time"

// EventKind identifies a progress event.
type EventKind string

const (
	EventStepStarted   EventKind = "step_started"
	EventStepToken     EventKind = "step_token"
	EventStepCompleted EventKind = "step_completed"
	EventStepFailed    EventKind = "step_failed"
	EventPlanCompleted EventKind = "plan_completed"
	EventPlanError     EventKind = "plan_error"
)

// GapMarker is set in a plan_error payload when buffered events were evicted
// before an observer attached. Observers use it to detect loss instead of
// silently missing data.
const GapMarker = "gap"

// ProgressEvent is the wire envelope streamed to observers. Sequence numbers
// are strictly increasing per plan; observers must be idempotent on
// Sequence to support replay after reconnect.
type ProgressEvent struct {
	PlanID    string            `json:"plan_id"`
	Sequence  uint64            `json:"sequence_number"`
	Kind      EventKind         `json:"type"`
	Step      string            `json:"step,omitempty"`       // capability ref for step events
	Payload   string            `json:"data,omitempty"`       // token text, result summary, or error summary
	Marker    string            `json:"marker,omitempty"`     // GapMarker on synthetic loss events
	Fields    map[string]string `json:"fields,omitempty"`     // structured details (retry counts, durations)
	Timestamp time.Time         `json:"timestamp,omitzero"`
}
