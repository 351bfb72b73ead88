package engine

import (
	"context"
	"fmt"
	"sync"

	"github.com/vinayprograms/agentkit/logging"

	"github.com/opspilot-ai/opspilot/internal/analyzer"
	"github.com/opspilot-ai/opspilot/internal/broadcast"
	"github.com/opspilot-ai/opspilot/internal/capability"
	"github.com/opspilot-ai/opspilot/internal/checkpoint"
	"github.com/opspilot-ai/opspilot/internal/plan"
	"github.com/opspilot-ai/opspilot/internal/planner"
	"github.com/opspilot-ai/opspilot/internal/record"
	"github.com/opspilot-ai/opspilot/internal/revision"
)

// Deps collects the collaborators a Manager wires into each engine. All of
// them are injected; the manager creates nothing global.
type Deps struct {
	Analyzer    *analyzer.Analyzer
	Planner     *planner.Planner
	Reviser     *revision.Engine
	Registry    *capability.Registry
	Checkpoints checkpoint.Store
	Broadcaster *broadcast.Broadcaster
	RecordLog   record.Log // optional read model; nil disables recording
	Config      Config
}

// Manager is the process-wide registry of plan engines. It analyzes and
// plans new tasks, routes revision feedback, and rebuilds engines from
// checkpoints on resume.
type Manager struct {
	mu      sync.Mutex
	engines map[string]*Engine

	deps   Deps
	logger *logging.Logger
}

// NewManager creates a manager with the given collaborators.
func NewManager(deps Deps) *Manager {
	return &Manager{
		engines: make(map[string]*Engine),
		deps:    deps,
		logger:  logging.New().WithComponent("manager"),
	}
}

// Launch analyzes a task description, plans its agent sequence, and returns
// a registered engine ready to Run. The plan is not executed yet.
func (m *Manager) Launch(ctx context.Context, sessionID, description string) (*Engine, error) {
	analysis := m.deps.Analyzer.Analyze(ctx, description)
	seq := m.deps.Planner.Plan(ctx, analysis)
	if !seq.Valid() {
		return nil, fmt.Errorf("planner produced no usable sequence for task")
	}

	p := plan.New(sessionID, description)

	var rec *record.Recorder
	if m.deps.RecordLog != nil {
		var err error
		rec, err = record.NewRecorder(m.deps.RecordLog, record.Header{
			PlanID:      p.ID,
			SessionID:   sessionID,
			Description: description,
			CreatedAt:   p.CreatedAt,
		})
		if err != nil {
			return nil, fmt.Errorf("creating plan record: %w", err)
		}
		if err := rec.Append(record.Entry{
			Type:    record.EntryPlanCreated,
			Status:  string(plan.StatusPending),
			Content: fmt.Sprintf("kind=%s complexity=%s steps=%d", analysis.Kind, analysis.Complexity, len(seq.Steps)),
		}); err != nil {
			return nil, fmt.Errorf("recording plan creation: %w", err)
		}
	}

	e := New(p, seq, m.deps.Registry, m.deps.Checkpoints, m.deps.Broadcaster, rec, m.deps.Config)

	m.mu.Lock()
	m.engines[p.ID] = e
	m.mu.Unlock()

	m.logger.Info("plan launched", map[string]interface{}{
		"plan_id": p.ID,
		"kind":    string(analysis.Kind),
		"steps":   len(seq.Steps),
	})
	return e, nil
}

// Get returns the engine for a plan, if it is loaded in this process.
func (m *Manager) Get(planID string) (*Engine, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.engines[planID]
	return e, ok
}

// SubmitRevision classifies human feedback against a completed plan and, if
// the classification calls for it, re-executes the targeted steps. Feedback
// for plans in any other state is rejected with a reason. The returned
// instruction reflects the classification even when execution then fails.
func (m *Manager) SubmitRevision(ctx context.Context, planID, feedback string) (revision.Instruction, error) {
	e, err := m.Load(planID)
	if err != nil {
		return revision.Instruction{}, err
	}
	if st := e.Status(); st != plan.StatusCompleted {
		return revision.Instruction{}, fmt.Errorf("plan %s is %s; revision feedback is only accepted for completed plans", planID, st)
	}

	e.recordEntry(record.Entry{Type: record.EntryRevisionSubmitted, Content: feedback})

	instr := m.deps.Reviser.Classify(feedback, e.Sequence(), e.Plan().ExecutedRefs())
	m.logger.Info("revision classified", map[string]interface{}{
		"plan_id":    planID,
		"type":       string(instr.Type),
		"scope":      string(instr.Scope),
		"targets":    len(instr.Targets),
		"confidence": instr.Confidence,
	})

	if err := e.Revise(ctx, instr); err != nil {
		return instr, err
	}
	return instr, nil
}

// Cancel interrupts a running plan with a reason.
func (m *Manager) Cancel(planID, reason string) error {
	e, ok := m.Get(planID)
	if !ok {
		return fmt.Errorf("plan %s is not loaded", planID)
	}
	e.Cancel(reason)
	return nil
}

// Load rebuilds an engine from its checkpoint without executing anything.
// Used to reattach to a plan from a fresh process, e.g. to accept revision
// feedback for a completed plan.
func (m *Manager) Load(planID string) (*Engine, error) {
	if e, ok := m.Get(planID); ok {
		return e, nil
	}

	snap, err := m.deps.Checkpoints.Load(planID)
	if err != nil {
		return nil, fmt.Errorf("loading checkpoint for plan %s: %w", planID, err)
	}

	var rec *record.Recorder
	if m.deps.RecordLog != nil {
		rec, err = record.ResumeRecorder(m.deps.RecordLog, planID)
		if err != nil {
			m.logger.Warn("record unavailable, continuing without", map[string]interface{}{
				"plan_id": planID,
				"error":   err.Error(),
			})
			rec = nil
		}
	}

	e := fromSnapshot(snap, m.deps.Registry, m.deps.Checkpoints, m.deps.Broadcaster, rec, m.deps.Config)

	m.mu.Lock()
	m.engines[planID] = e
	m.mu.Unlock()
	return e, nil
}

// Resume rebuilds an engine from its checkpoint and continues execution.
// Completed steps are not re-run; a step interrupted mid-flight is.
func (m *Manager) Resume(ctx context.Context, planID string) (*Engine, error) {
	e, err := m.Load(planID)
	if err != nil {
		return nil, err
	}
	if err := e.Resume(ctx); err != nil {
		return e, err
	}
	return e, nil
}

// Release drops a terminal plan from the registry and clears its checkpoint
// and event buffers. Safe to call for plans that are not loaded.
func (m *Manager) Release(planID string) error {
	m.mu.Lock()
	e, ok := m.engines[planID]
	if ok {
		delete(m.engines, planID)
	}
	m.mu.Unlock()

	if ok && !e.Status().Terminal() {
		m.mu.Lock()
		m.engines[planID] = e
		m.mu.Unlock()
		return fmt.Errorf("plan %s is %s; only terminal plans can be released", planID, e.Status())
	}

	m.deps.Broadcaster.Release(planID)
	if err := m.deps.Checkpoints.Clear(planID); err != nil {
		return fmt.Errorf("clearing checkpoint for plan %s: %w", planID, err)
	}
	return nil
}

// fromSnapshot reconstructs an engine's execution state from a checkpoint.
// The planned sequence is recovered from the initial pass's step history so
// later revisions classify against the original order.
func fromSnapshot(snap *checkpoint.Snapshot, registry *capability.Registry, store checkpoint.Store, bcast *broadcast.Broadcaster, rec *record.Recorder, cfg Config) *Engine {
	original := snap.Sequence
	if snap.Pass > 0 {
		original = pass0Order(snap.Plan)
	}
	e := New(snap.Plan, planner.AgentSequence{Steps: original}, registry, store, bcast, rec, cfg)
	e.passOrder = snap.Sequence
	e.cursor = snap.Cursor
	e.pass = snap.Pass
	e.seq = snap.NextSeq
	return e
}

// pass0Order returns the step order of the initial execution pass.
func pass0Order(p *plan.Plan) []capability.Ref {
	seen := make(map[capability.Ref]bool)
	var refs []capability.Ref
	for _, s := range p.Steps {
		if s.Pass != 0 || seen[s.Capability] {
			continue
		}
		seen[s.Capability] = true
		refs = append(refs, s.Capability)
	}
	return refs
}
