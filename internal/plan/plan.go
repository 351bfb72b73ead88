// Package plan defines the unit of work the workflow engine executes: a plan
// with an ordered step history that survives revision passes.
package plan

import (
	"time"

	"github.com/google/uuid"

	"github.com/opspilot-ai/opspilot/internal/capability"
)

// Status constants for plans.
type Status string

const (
	StatusPending          Status = "pending"
	StatusRunning          Status = "running"
	StatusAwaitingRevision Status = "awaiting_revision"
	StatusCompleted        Status = "completed"
	StatusFailed           Status = "failed"
)

// Terminal reports whether a plan in this status has finished executing.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

// StepStatus constants for steps.
type StepStatus string

const (
	StepPending   StepStatus = "pending"
	StepRunning   StepStatus = "running"
	StepSucceeded StepStatus = "succeeded"
	StepFailed    StepStatus = "failed"
	StepSkipped   StepStatus = "skipped"
)

// Step is one executed (or pending) capability invocation within a plan.
// Steps are never deleted; revision passes append new steps so the full
// audit trail survives.
type Step struct {
	ID         string             `json:"id"`
	Capability capability.Ref     `json:"capability"`
	Status     StepStatus         `json:"status"`
	Result     *capability.Result `json:"result,omitempty"`
	Error      string             `json:"error,omitempty"`
	Attempts   int                `json:"attempts,omitempty"`
	Pass       int                `json:"pass"` // 0 for the initial pass, 1+ for revisions
	StartedAt  time.Time          `json:"started_at,omitzero"`
	FinishedAt time.Time          `json:"finished_at,omitzero"`
}

// Plan is one end-to-end execution of a decomposed task.
type Plan struct {
	ID          string    `json:"id"`
	SessionID   string    `json:"session_id,omitempty"`
	Description string    `json:"description"`
	Status      Status    `json:"status"`
	Steps       []*Step   `json:"steps"`
	Error       string    `json:"error,omitempty"` // non-empty whenever Status is failed
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// New creates a pending plan for a task description.
func New(sessionID, description string) *Plan {
	now := time.Now()
	return &Plan{
		ID:          uuid.NewString(),
		SessionID:   sessionID,
		Description: description,
		Status:      StatusPending,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
}

// AppendStep adds a pending step for a capability and returns it.
func (p *Plan) AppendStep(ref capability.Ref, pass int) *Step {
	step := &Step{
		ID:         uuid.NewString(),
		Capability: ref,
		Status:     StepPending,
		Pass:       pass,
	}
	p.Steps = append(p.Steps, step)
	p.UpdatedAt = time.Now()
	return step
}

// LatestResult returns the most recent successful result for a capability,
// scanning the step history from newest to oldest.
func (p *Plan) LatestResult(ref capability.Ref) *capability.Result {
	for i := len(p.Steps) - 1; i >= 0; i-- {
		s := p.Steps[i]
		if s.Capability == ref && s.Status == StepSucceeded && s.Result != nil {
			return s.Result
		}
	}
	return nil
}

// ExecutedRefs returns the capabilities with at least one succeeded step, in
// first-execution order. The revision engine scores feedback against these.
func (p *Plan) ExecutedRefs() []capability.Ref {
	seen := make(map[capability.Ref]bool)
	var refs []capability.Ref
	for _, s := range p.Steps {
		if s.Status != StepSucceeded || seen[s.Capability] {
			continue
		}
		seen[s.Capability] = true
		refs = append(refs, s.Capability)
	}
	return refs
}

// Context assembles the accumulated step outputs keyed by capability, the
// input each subsequent capability receives.
func (p *Plan) Context() map[capability.Ref]string {
	ctx := make(map[capability.Ref]string)
	for _, s := range p.Steps {
		if s.Status == StepSucceeded && s.Result != nil {
			ctx[s.Capability] = s.Result.Output
		}
	}
	return ctx
}
