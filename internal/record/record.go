// Package record is the external read model: an append-only log of plan and
// step changes for audit and UI resume. It is distinct from the engine's
// checkpoint store, which holds resumption state only.
package record

import (
	"sync/atomic"
	"time"
)

// Entry types for the plan record.
const (
	EntryPlanCreated        = "plan_created"
	EntryPlanStatus         = "plan_status"
	EntryStepStarted        = "step_started"
	EntryStepCompleted      = "step_completed"
	EntryStepFailed         = "step_failed"
	EntryRevisionSubmitted  = "revision_submitted"
	EntryRevisionClassified = "revision_classified"
	EntryPlanCompleted      = "plan_completed"
	EntryPlanError          = "plan_error"
)

// Entry is a single record in a plan's history. Entries are append-only;
// a revision pass adds new entries rather than rewriting old ones.
type Entry struct {
	Seq        uint64    `json:"seq"`
	Type       string    `json:"type"`
	Timestamp  time.Time `json:"timestamp"`
	PlanID     string    `json:"plan_id"`
	StepID     string    `json:"step_id,omitempty"`
	Capability string    `json:"capability,omitempty"`
	Status     string    `json:"status,omitempty"`
	Pass       int       `json:"pass,omitempty"`
	Content    string    `json:"content,omitempty"`
	Error      string    `json:"error,omitempty"`
	DurationMs int64     `json:"duration_ms,omitempty"`
}

// Header describes a plan at record-creation time.
type Header struct {
	PlanID      string    `json:"plan_id"`
	SessionID   string    `json:"session_id,omitempty"`
	Description string    `json:"description"`
	CreatedAt   time.Time `json:"created_at"`
}

// Log is the persistence interface for plan records.
type Log interface {
	Create(h Header) error
	Append(planID string, e Entry) error
	Read(planID string) (Header, []Entry, error)
	List() ([]Header, error)
}

// Recorder stamps sequence numbers and timestamps onto entries before
// appending them. One recorder per plan; entries from a single recorder are
// totally ordered.
type Recorder struct {
	log    Log
	planID string
	seq    uint64
}

// NewRecorder creates the record for a plan and returns its recorder.
func NewRecorder(log Log, h Header) (*Recorder, error) {
	if h.CreatedAt.IsZero() {
		h.CreatedAt = time.Now()
	}
	if err := log.Create(h); err != nil {
		return nil, err
	}
	return &Recorder{log: log, planID: h.PlanID}, nil
}

// ResumeRecorder reopens the record for an existing plan, continuing the
// sequence from the last persisted entry.
func ResumeRecorder(log Log, planID string) (*Recorder, error) {
	_, entries, err := log.Read(planID)
	if err != nil {
		return nil, err
	}
	r := &Recorder{log: log, planID: planID}
	if n := len(entries); n > 0 {
		r.seq = entries[n-1].Seq
	}
	return r, nil
}

// Append stamps and persists an entry. Failures are returned for the caller
// to log; the read model is advisory and never blocks execution.
func (r *Recorder) Append(e Entry) error {
	e.Seq = atomic.AddUint64(&r.seq, 1)
	e.PlanID = r.planID
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now()
	}
	return r.log.Append(r.planID, e)
}
