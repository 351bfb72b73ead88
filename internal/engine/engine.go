// Package engine advances a plan through its agent sequence one step at a
// time, recording results, emitting progress events, and persisting
// resumable checkpoints.
package engine

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/vinayprograms/agentkit/logging"

	"github.com/opspilot-ai/opspilot/internal/broadcast"
	"github.com/opspilot-ai/opspilot/internal/capability"
	"github.com/opspilot-ai/opspilot/internal/checkpoint"
	"github.com/opspilot-ai/opspilot/internal/plan"
	"github.com/opspilot-ai/opspilot/internal/planner"
	"github.com/opspilot-ai/opspilot/internal/record"
	"github.com/opspilot-ai/opspilot/internal/revision"
)

// Config holds the engine's execution policy. The retry bound and timeouts
// are deliberately configuration, not constants.
type Config struct {
	StepTimeout        time.Duration                         // per-step default
	CapabilityTimeouts map[capability.Ref]time.Duration      // per-capability overrides
	MaxAttempts        int                                   // total attempts per step
	RetryBackoff       time.Duration                         // initial backoff, doubled per retry
	CheckpointRetries  int                                   // extra attempts for checkpoint writes
}

// DefaultConfig returns the stock execution policy.
func DefaultConfig() Config {
	return Config{
		StepTimeout:       60 * time.Second,
		MaxAttempts:       3,
		RetryBackoff:      2 * time.Second,
		CheckpointRetries: 2,
	}
}

// Engine owns one plan for the duration of its execution. All state
// transitions happen on the goroutine holding mu; concurrent starts and
// revision submissions for the same plan serialize on it.
type Engine struct {
	mu sync.Mutex // execution lock; held for the whole of a pass

	p         *plan.Plan
	sequence  planner.AgentSequence // original planned sequence
	passOrder []capability.Ref      // step order for the current pass
	cursor    int                   // next step to execute within passOrder
	pass      int
	seq       uint64 // progress event sequence counter

	registry *capability.Registry
	store    checkpoint.Store
	bcast    *broadcast.Broadcaster
	rec      *record.Recorder // may be nil
	cfg      Config
	logger   *logging.Logger

	stateMu sync.RWMutex // guards status reads from other goroutines

	cancelMu     sync.Mutex
	cancelFn     context.CancelFunc
	cancelReason string
}

// New creates an engine for a freshly planned task.
func New(p *plan.Plan, seq planner.AgentSequence, registry *capability.Registry, store checkpoint.Store, bcast *broadcast.Broadcaster, rec *record.Recorder, cfg Config) *Engine {
	return &Engine{
		p:         p,
		sequence:  seq,
		passOrder: seq.Steps,
		registry:  registry,
		store:     store,
		bcast:     bcast,
		rec:       rec,
		cfg:       cfg,
		logger:    logging.New().WithComponent("engine"),
	}
}

// Plan returns the engine's plan. Treat as read-only outside the engine.
func (e *Engine) Plan() *plan.Plan { return e.p }

// Status returns the plan's current status, safe for concurrent readers.
func (e *Engine) Status() plan.Status {
	e.stateMu.RLock()
	defer e.stateMu.RUnlock()
	return e.p.Status
}

// Sequence returns the originally planned step order.
func (e *Engine) Sequence() []capability.Ref {
	return append([]capability.Ref{}, e.sequence.Steps...)
}

// Run executes the plan from the beginning.
func (e *Engine) Run(ctx context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.p.Status != plan.StatusPending {
		return fmt.Errorf("plan %s is %s, expected pending", e.p.ID, e.p.Status)
	}
	return e.run(ctx)
}

// Resume continues execution after a crash or restart. The interrupted step,
// if any, is re-executed; completed steps are never replayed.
func (e *Engine) Resume(ctx context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	switch e.p.Status {
	case plan.StatusPending:
	case plan.StatusRunning, plan.StatusAwaitingRevision:
		// A step was in flight when the process died. Its record is closed
		// out and the step re-executes from the checkpoint cursor.
		for _, s := range e.p.Steps {
			if s.Status == plan.StepRunning {
				s.Status = plan.StepFailed
				s.Error = "interrupted by restart"
				s.FinishedAt = time.Now()
			}
		}
	default:
		return fmt.Errorf("plan %s is %s and cannot be resumed", e.p.ID, e.p.Status)
	}
	return e.run(ctx)
}

// Revise applies a revision instruction to a completed plan. Approval is a
// no-op; otherwise the rerun set executes as a new pass, with preserved
// results carried forward untouched.
func (e *Engine) Revise(ctx context.Context, instr revision.Instruction) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.p.Status != plan.StatusCompleted {
		return fmt.Errorf("plan %s is %s and does not accept revision", e.p.ID, e.p.Status)
	}

	e.recordEntry(record.Entry{
		Type:    record.EntryRevisionClassified,
		Status:  string(instr.Scope),
		Content: fmt.Sprintf("type=%s targets=%d confidence=%.2f", instr.Type, len(instr.Targets), instr.Confidence),
		Pass:    e.pass,
	})

	if instr.Type == revision.TypeApproval || len(instr.Rerun) == 0 {
		e.logger.Info("revision approved, no re-execution", map[string]interface{}{
			"plan_id": e.p.ID,
		})
		return nil
	}

	e.setStatus(plan.StatusAwaitingRevision)
	e.recordEntry(record.Entry{Type: record.EntryPlanStatus, Status: string(plan.StatusAwaitingRevision), Pass: e.pass})
	e.pass++
	e.passOrder = instr.Rerun
	e.cursor = 0
	if err := e.saveCheckpoint(); err != nil {
		return e.failPlan(fmt.Sprintf("checkpoint write failed entering revision: %v", err))
	}
	return e.run(ctx)
}

// run drives the current pass to a terminal state. Caller holds mu.
func (e *Engine) run(ctx context.Context) error {
	ctx, span := e.startPlanSpan(ctx)
	ctx = e.armCancel(ctx)
	defer e.disarmCancel()

	e.setStatus(plan.StatusRunning)
	e.recordEntry(record.Entry{Type: record.EntryPlanStatus, Status: string(plan.StatusRunning), Pass: e.pass})
	if err := e.saveCheckpoint(); err != nil {
		ferr := e.failPlan(fmt.Sprintf("checkpoint write failed: %v", err))
		e.endPlanSpan(span, ferr)
		return ferr
	}

	for e.cursor < len(e.passOrder) {
		if err := e.runStep(ctx, e.passOrder[e.cursor]); err != nil {
			e.endPlanSpan(span, err)
			return err
		}
	}

	e.setStatus(plan.StatusCompleted)
	e.publish(plan.ProgressEvent{
		Kind:    plan.EventPlanCompleted,
		Payload: fmt.Sprintf("plan completed in %d steps", len(e.p.Steps)),
		Fields:  map[string]string{"pass": strconv.Itoa(e.pass)},
	})
	if err := e.saveCheckpoint(); err != nil {
		ferr := e.failPlan(fmt.Sprintf("checkpoint write failed after completion: %v", err))
		e.endPlanSpan(span, ferr)
		return ferr
	}
	e.recordEntry(record.Entry{Type: record.EntryPlanCompleted, Status: string(plan.StatusCompleted), Pass: e.pass})
	e.endPlanSpan(span, nil)
	return nil
}

// runStep executes one capability with retry and timeout accounting.
func (e *Engine) runStep(ctx context.Context, ref capability.Ref) error {
	step := e.p.AppendStep(ref, e.pass)
	step.Status = plan.StepRunning
	step.StartedAt = time.Now()

	e.publish(plan.ProgressEvent{
		Kind: plan.EventStepStarted,
		Step: string(ref),
	})
	e.recordEntry(record.Entry{Type: record.EntryStepStarted, StepID: step.ID, Capability: string(ref), Pass: e.pass})
	if err := e.saveCheckpoint(); err != nil {
		return e.failPlan(fmt.Sprintf("checkpoint write failed before step %s: %v", ref, err))
	}

	ctx, span := e.startStepSpan(ctx, ref, step.Pass)

	impl, err := e.registry.Get(ref)
	if err != nil {
		e.endStepSpan(span, err)
		return e.failStep(step, 0, err)
	}

	var result *capability.Result
	var lastErr error
	for attempt := 1; attempt <= e.cfg.MaxAttempts; attempt++ {
		step.Attempts = attempt
		result, lastErr = e.invoke(ctx, impl, ref)
		if lastErr == nil {
			break
		}
		if ctx.Err() != nil {
			// Cancellation uses the timeout path but never retries.
			lastErr = e.cancellationError(ctx)
			break
		}
		var capErr *capability.Error
		if errors.As(lastErr, &capErr) && !capErr.Retryable {
			break
		}
		e.logger.Warn("step attempt failed", map[string]interface{}{
			"plan_id":    e.p.ID,
			"capability": string(ref),
			"attempt":    attempt,
			"error":      lastErr.Error(),
		})
		if attempt < e.cfg.MaxAttempts {
			backoff := e.cfg.RetryBackoff << (attempt - 1)
			select {
			case <-time.After(backoff):
			case <-ctx.Done():
				lastErr = e.cancellationError(ctx)
			}
			if ctx.Err() != nil {
				break
			}
		}
	}

	if lastErr != nil {
		e.endStepSpan(span, lastErr)
		return e.failStep(step, step.Attempts, lastErr)
	}

	step.Status = plan.StepSucceeded
	step.Result = result
	step.FinishedAt = time.Now()
	e.cursor++

	e.publish(plan.ProgressEvent{
		Kind:    plan.EventStepCompleted,
		Step:    string(ref),
		Payload: result.Output,
		Fields:  map[string]string{"attempts": strconv.Itoa(step.Attempts)},
	})
	e.recordEntry(record.Entry{
		Type:       record.EntryStepCompleted,
		StepID:     step.ID,
		Capability: string(ref),
		Status:     string(plan.StepSucceeded),
		Content:    result.Output,
		Pass:       e.pass,
		DurationMs: time.Since(step.StartedAt).Milliseconds(),
	})
	e.endStepSpan(span, nil)

	if err := e.saveCheckpoint(); err != nil {
		return e.failPlan(fmt.Sprintf("checkpoint write failed after step %s: %v", ref, err))
	}
	return nil
}

// invoke calls the capability with the step's bounded timeout, forwarding
// incremental output as step_token events.
func (e *Engine) invoke(ctx context.Context, impl capability.Capability, ref capability.Ref) (*capability.Result, error) {
	timeout := e.cfg.StepTimeout
	if t, ok := e.cfg.CapabilityTimeouts[ref]; ok && t > 0 {
		timeout = t
	}
	stepCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	req := capability.Request{
		Task:    e.p.Description,
		Context: e.p.Context(),
		Emit: func(token string) {
			e.publish(plan.ProgressEvent{
				Kind:    plan.EventStepToken,
				Step:    string(ref),
				Payload: token,
			})
		},
	}

	result, err := impl.Execute(stepCtx, req)
	if err != nil {
		if stepCtx.Err() == context.DeadlineExceeded && ctx.Err() == nil {
			// Attempt timed out; retryable under the step's retry budget.
			return nil, capability.NewRetryableError(ref, fmt.Sprintf("timed out after %s", timeout), err)
		}
		return nil, err
	}
	return result, nil
}

// failStep marks the step failed and fails the plan, publishing exactly one
// plan_error event with retry context.
func (e *Engine) failStep(step *plan.Step, attempts int, cause error) error {
	step.Status = plan.StepFailed
	step.Error = cause.Error()
	step.FinishedAt = time.Now()

	e.publish(plan.ProgressEvent{
		Kind:    plan.EventStepFailed,
		Step:    string(step.Capability),
		Payload: summarize(step.Capability, cause),
		Fields:  map[string]string{"attempts": strconv.Itoa(attempts)},
	})
	e.recordEntry(record.Entry{
		Type:       record.EntryStepFailed,
		StepID:     step.ID,
		Capability: string(step.Capability),
		Status:     string(plan.StepFailed),
		Error:      cause.Error(),
		Pass:       e.pass,
	})

	e.logger.Error("step failed", map[string]interface{}{
		"plan_id":    e.p.ID,
		"capability": string(step.Capability),
		"attempts":   attempts,
		"error":      cause.Error(),
	})

	summary := fmt.Sprintf("step %s failed after %d attempts: %s", step.Capability, attempts, summarize(step.Capability, cause))
	return e.failPlan(summary)
}

// failPlan transitions the plan to failed with a displayable summary and
// flushes the final plan_error event.
func (e *Engine) failPlan(summary string) error {
	e.setStatus(plan.StatusFailed)
	e.p.Error = summary

	e.publish(plan.ProgressEvent{
		Kind:    plan.EventPlanError,
		Payload: summary,
	})
	e.recordEntry(record.Entry{Type: record.EntryPlanError, Status: string(plan.StatusFailed), Error: summary, Pass: e.pass})

	if err := e.saveCheckpoint(); err != nil {
		e.logger.Error("checkpoint write failed recording plan failure", map[string]interface{}{
			"plan_id": e.p.ID,
			"error":   err.Error(),
		})
	}
	return errors.New(summary)
}

// summarize keeps raw backend detail out of observer-facing payloads; the
// full error goes to the log and the record instead. Cancellation reasons
// are operator-supplied text and pass through verbatim.
func summarize(ref capability.Ref, err error) string {
	var capErr *capability.Error
	if errors.As(err, &capErr) {
		return fmt.Sprintf("%s: %s", ref, capErr.Reason)
	}
	if errors.Is(err, errCanceled) {
		return fmt.Sprintf("%s: %s", ref, err)
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return fmt.Sprintf("%s: timed out", ref)
	}
	if errors.Is(err, context.Canceled) {
		return fmt.Sprintf("%s: canceled", ref)
	}
	return fmt.Sprintf("%s: execution failed", ref)
}

// publish emits one progress event with the next sequence number.
func (e *Engine) publish(ev plan.ProgressEvent) {
	e.seq++
	ev.PlanID = e.p.ID
	ev.Sequence = e.seq
	ev.Timestamp = time.Now()
	e.bcast.Publish(e.p.ID, ev)
}

// saveCheckpoint writes the whole snapshot, retrying before giving up. A
// lost write would silently corrupt resumability, so failure propagates as
// fatal for the transition that triggered it.
func (e *Engine) saveCheckpoint() error {
	snap := &checkpoint.Snapshot{
		Plan:     e.p,
		Sequence: e.passOrder,
		Cursor:   e.cursor,
		Pass:     e.pass,
		NextSeq:  e.seq,
	}

	var err error
	for attempt := 0; attempt <= e.cfg.CheckpointRetries; attempt++ {
		if err = e.store.Save(e.p.ID, snap); err == nil {
			return nil
		}
	}
	return err
}

// setStatus updates plan status under the read lock used by Status().
func (e *Engine) setStatus(s plan.Status) {
	e.stateMu.Lock()
	e.p.Status = s
	e.p.UpdatedAt = time.Now()
	e.stateMu.Unlock()
}

// recordEntry appends to the external read model, best-effort.
func (e *Engine) recordEntry(entry record.Entry) {
	if e.rec == nil {
		return
	}
	if err := e.rec.Append(entry); err != nil {
		e.logger.Warn("record append failed", map[string]interface{}{
			"plan_id": e.p.ID,
			"type":    entry.Type,
			"error":   err.Error(),
		})
	}
}

// Cancel interrupts a running plan. The in-flight capability call observes
// context cancellation; the plan fails with the given reason.
func (e *Engine) Cancel(reason string) {
	e.cancelMu.Lock()
	defer e.cancelMu.Unlock()
	if e.cancelFn != nil {
		if reason == "" {
			reason = "canceled"
		}
		e.cancelReason = reason
		e.cancelFn()
	}
}

// armCancel installs a cancelable context for the current pass.
func (e *Engine) armCancel(ctx context.Context) context.Context {
	ctx, cancel := context.WithCancel(ctx)
	e.cancelMu.Lock()
	e.cancelFn = cancel
	e.cancelReason = ""
	e.cancelMu.Unlock()
	return ctx
}

func (e *Engine) disarmCancel() {
	e.cancelMu.Lock()
	if e.cancelFn != nil {
		e.cancelFn()
		e.cancelFn = nil
	}
	e.cancelMu.Unlock()
}

var errCanceled = errors.New("canceled")

// cancellationError folds the externally supplied reason into the error.
func (e *Engine) cancellationError(ctx context.Context) error {
	e.cancelMu.Lock()
	reason := e.cancelReason
	e.cancelMu.Unlock()
	if reason != "" {
		return fmt.Errorf("%w: %s", errCanceled, reason)
	}
	return ctx.Err()
}
