package engine

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/opspilot-ai/opspilot/internal/broadcast"
	"github.com/opspilot-ai/opspilot/internal/capability"
	"github.com/opspilot-ai/opspilot/internal/checkpoint"
	"github.com/opspilot-ai/opspilot/internal/plan"
	"github.com/opspilot-ai/opspilot/internal/planner"
	"github.com/opspilot-ai/opspilot/internal/record"
	"github.com/opspilot-ai/opspilot/internal/revision"
)

// fastConfig keeps retry backoff out of test wall time.
func fastConfig() Config {
	return Config{
		StepTimeout:       time.Second,
		MaxAttempts:       3,
		RetryBackoff:      time.Millisecond,
		CheckpointRetries: 1,
	}
}

func testRegistry(t *testing.T) *capability.Registry {
	t.Helper()
	r := capability.NewRegistry()
	if err := capability.RegisterBuiltins(r); err != nil {
		t.Fatal(err)
	}
	return r
}

func testStore(t *testing.T) *checkpoint.FileStore {
	t.Helper()
	store, err := checkpoint.NewFileStore(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	return store
}

func sequence(refs ...capability.Ref) planner.AgentSequence {
	return planner.AgentSequence{Steps: refs}
}

// drain collects every event published so far. Publishing happens on the
// engine's goroutine, so after Run returns the channel holds everything.
func drain(b *broadcast.Broadcaster, sub *broadcast.Subscription) []plan.ProgressEvent {
	b.Unsubscribe(sub)
	var events []plan.ProgressEvent
	for ev := range sub.Events() {
		events = append(events, ev)
	}
	return events
}

func countKind(events []plan.ProgressEvent, kind plan.EventKind) int {
	n := 0
	for _, ev := range events {
		if ev.Kind == kind {
			n++
		}
	}
	return n
}

// failingStore fails the first failTimes Save calls, or every call when
// failTimes is negative.
type failingStore struct {
	saves     int
	failTimes int
}

func (f *failingStore) Save(string, *checkpoint.Snapshot) error {
	f.saves++
	if f.failTimes < 0 || f.saves <= f.failTimes {
		return errors.New("disk full")
	}
	return nil
}

func (f *failingStore) Load(string) (*checkpoint.Snapshot, error) {
	return nil, checkpoint.ErrNotFound
}

func (f *failingStore) Clear(string) error { return nil }

// blockingCap parks until its context is done.
type blockingCap struct{ ref capability.Ref }

func (b *blockingCap) Ref() capability.Ref { return b.ref }

func (b *blockingCap) Execute(ctx context.Context, _ capability.Request) (*capability.Result, error) {
	<-ctx.Done()
	return nil, ctx.Err()
}

func TestRunCompletesPlan(t *testing.T) {
	bcast := broadcast.New()
	p := plan.New("sess", "verify the invoice")
	e := New(p, sequence(capability.RefCoordinate, capability.RefFetchEmail, capability.RefExtractInvoice),
		testRegistry(t), testStore(t), bcast, nil, fastConfig())

	sub := bcast.Subscribe(p.ID)
	if err := e.Run(context.Background()); err != nil {
		t.Fatalf("Run failed: %v", err)
	}

	if e.Status() != plan.StatusCompleted {
		t.Errorf("status %s, want completed", e.Status())
	}
	if len(p.Steps) != 3 {
		t.Fatalf("%d steps recorded, want 3", len(p.Steps))
	}
	for _, s := range p.Steps {
		if s.Status != plan.StepSucceeded {
			t.Errorf("step %s is %s", s.Capability, s.Status)
		}
	}

	events := drain(bcast, sub)
	if countKind(events, plan.EventStepStarted) != 3 {
		t.Errorf("step_started count %d, want 3", countKind(events, plan.EventStepStarted))
	}
	if countKind(events, plan.EventStepCompleted) != 3 {
		t.Errorf("step_completed count %d, want 3", countKind(events, plan.EventStepCompleted))
	}
	if countKind(events, plan.EventPlanCompleted) != 1 {
		t.Errorf("plan_completed count %d, want 1", countKind(events, plan.EventPlanCompleted))
	}
	var last uint64
	for _, ev := range events {
		if ev.Sequence <= last {
			t.Fatalf("sequence not strictly increasing: %d after %d", ev.Sequence, last)
		}
		last = ev.Sequence
	}
}

func TestRunRejectsNonPendingPlan(t *testing.T) {
	p := plan.New("", "task")
	p.Status = plan.StatusCompleted
	e := New(p, sequence(capability.RefCoordinate, capability.RefFetchEmail),
		testRegistry(t), testStore(t), broadcast.New(), nil, fastConfig())

	if err := e.Run(context.Background()); err == nil {
		t.Error("expected error running a completed plan")
	}
}

func TestStepRetriesWithinBudget(t *testing.T) {
	registry := testRegistry(t)
	flaky := capability.NewScripted(capability.RefExtractInvoice, "recovered on the last attempt")
	flaky.FailTimes = 2
	if err := registry.Register(flaky); err != nil {
		t.Fatal(err)
	}

	p := plan.New("", "task")
	e := New(p, sequence(capability.RefCoordinate, capability.RefExtractInvoice),
		registry, testStore(t), broadcast.New(), nil, fastConfig())

	if err := e.Run(context.Background()); err != nil {
		t.Fatalf("Run failed: %v", err)
	}

	step := p.Steps[len(p.Steps)-1]
	if step.Attempts != 3 {
		t.Errorf("attempts %d, want 3", step.Attempts)
	}
	if step.Status != plan.StepSucceeded {
		t.Errorf("step status %s, want succeeded", step.Status)
	}
}

func TestStepExhaustsRetriesAndFailsPlan(t *testing.T) {
	registry := testRegistry(t)
	broken := capability.NewScripted(capability.RefExtractInvoice, "never reached")
	broken.FailTimes = 10
	if err := registry.Register(broken); err != nil {
		t.Fatal(err)
	}

	bcast := broadcast.New()
	store := testStore(t)
	p := plan.New("", "task")
	e := New(p, sequence(capability.RefCoordinate, capability.RefFetchEmail, capability.RefExtractInvoice),
		registry, store, bcast, nil, fastConfig())

	sub := bcast.Subscribe(p.ID)
	err := e.Run(context.Background())
	if err == nil {
		t.Fatal("expected Run to fail")
	}

	if e.Status() != plan.StatusFailed {
		t.Errorf("status %s, want failed", e.Status())
	}
	if p.Error == "" {
		t.Error("plan error summary empty")
	}

	events := drain(bcast, sub)
	if n := countKind(events, plan.EventPlanError); n != 1 {
		t.Fatalf("plan_error count %d, want exactly 1", n)
	}
	for _, ev := range events {
		if ev.Kind == plan.EventPlanError && !strings.Contains(ev.Payload, "3 attempts") {
			t.Errorf("plan_error payload %q lacks retry context", ev.Payload)
		}
	}

	// The failure state must be recoverable from the checkpoint.
	snap, serr := store.Load(p.ID)
	if serr != nil {
		t.Fatal(serr)
	}
	if snap.Plan.Status != plan.StatusFailed {
		t.Errorf("checkpointed status %s, want failed", snap.Plan.Status)
	}
}

func TestStepTimeoutRetriesThenFails(t *testing.T) {
	registry := testRegistry(t)
	if err := registry.Register(&blockingCap{ref: capability.RefTrackPayment}); err != nil {
		t.Fatal(err)
	}

	cfg := fastConfig()
	cfg.StepTimeout = 20 * time.Millisecond
	cfg.MaxAttempts = 2

	bcast := broadcast.New()
	p := plan.New("", "task")
	e := New(p, sequence(capability.RefCoordinate, capability.RefTrackPayment),
		registry, testStore(t), bcast, nil, cfg)

	sub := bcast.Subscribe(p.ID)
	if err := e.Run(context.Background()); err == nil {
		t.Fatal("expected timeout failure")
	}

	step := p.Steps[len(p.Steps)-1]
	if step.Attempts != 2 {
		t.Errorf("attempts %d, want 2", step.Attempts)
	}

	events := drain(bcast, sub)
	if n := countKind(events, plan.EventPlanError); n != 1 {
		t.Errorf("plan_error count %d, want 1", n)
	}
}

func TestPerCapabilityTimeoutOverride(t *testing.T) {
	registry := testRegistry(t)
	if err := registry.Register(&blockingCap{ref: capability.RefTrackPayment}); err != nil {
		t.Fatal(err)
	}

	cfg := fastConfig()
	cfg.StepTimeout = time.Minute // would hang the test if used
	cfg.CapabilityTimeouts = map[capability.Ref]time.Duration{
		capability.RefTrackPayment: 20 * time.Millisecond,
	}
	cfg.MaxAttempts = 1

	p := plan.New("", "task")
	e := New(p, sequence(capability.RefCoordinate, capability.RefTrackPayment),
		registry, testStore(t), broadcast.New(), nil, cfg)

	done := make(chan error, 1)
	go func() { done <- e.Run(context.Background()) }()
	select {
	case err := <-done:
		if err == nil {
			t.Error("expected timeout failure")
		}
	case <-time.After(5 * time.Second):
		t.Fatal("per-capability timeout not applied")
	}
}

func TestCheckpointWriteRetriedWithinBudget(t *testing.T) {
	cfg := fastConfig()
	cfg.CheckpointRetries = 2

	store := &failingStore{failTimes: cfg.CheckpointRetries}
	p := plan.New("", "task")
	e := New(p, sequence(capability.RefCoordinate, capability.RefFetchEmail),
		testRegistry(t), store, broadcast.New(), nil, cfg)

	if err := e.Run(context.Background()); err != nil {
		t.Fatalf("Run failed despite retries covering the write errors: %v", err)
	}
	if e.Status() != plan.StatusCompleted {
		t.Errorf("status %s, want completed", e.Status())
	}
	if store.saves <= cfg.CheckpointRetries {
		t.Errorf("%d saves recorded, expected the failed attempts plus successes", store.saves)
	}
}

func TestCheckpointWriteFailureFailsPlan(t *testing.T) {
	cfg := fastConfig()
	cfg.CheckpointRetries = 1

	store := &failingStore{failTimes: -1}
	bcast := broadcast.New()
	p := plan.New("", "task")
	e := New(p, sequence(capability.RefCoordinate, capability.RefFetchEmail),
		testRegistry(t), store, bcast, nil, cfg)

	sub := bcast.Subscribe(p.ID)
	err := e.Run(context.Background())
	if err == nil {
		t.Fatal("expected Run to fail when the checkpoint cannot be written")
	}
	if !strings.Contains(err.Error(), "checkpoint write failed") {
		t.Errorf("error %q does not name the checkpoint failure", err)
	}

	if e.Status() != plan.StatusFailed {
		t.Errorf("status %s, want failed", e.Status())
	}
	if !strings.Contains(p.Error, "checkpoint write failed") {
		t.Errorf("plan error %q does not name the checkpoint failure", p.Error)
	}
	if len(p.Steps) != 0 {
		t.Errorf("%d steps executed, want none before the first persisted transition", len(p.Steps))
	}

	// The first transition retries the write, then the failure path saves
	// once more best-effort.
	wantSaves := 2 * (cfg.CheckpointRetries + 1)
	if store.saves != wantSaves {
		t.Errorf("%d save attempts, want %d", store.saves, wantSaves)
	}

	events := drain(bcast, sub)
	if n := countKind(events, plan.EventPlanError); n != 1 {
		t.Errorf("plan_error count %d, want exactly 1", n)
	}
}

func TestRunRecordsStatusTransitions(t *testing.T) {
	log, err := record.NewFileLog(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}

	p := plan.New("", "verify the invoice")
	rec, err := record.NewRecorder(log, record.Header{
		PlanID:      p.ID,
		Description: p.Description,
		CreatedAt:   p.CreatedAt,
	})
	if err != nil {
		t.Fatal(err)
	}

	e := New(p, sequence(capability.RefCoordinate, capability.RefFetchEmail),
		testRegistry(t), testStore(t), broadcast.New(), rec, fastConfig())
	if err := e.Run(context.Background()); err != nil {
		t.Fatal(err)
	}
	if err := e.Revise(context.Background(), revision.Instruction{
		Type:  revision.TypeDataCorrection,
		Scope: revision.ScopeSingleAgent,
		Rerun: []capability.Ref{capability.RefFetchEmail},
	}); err != nil {
		t.Fatal(err)
	}

	_, entries, err := log.Read(p.ID)
	if err != nil {
		t.Fatal(err)
	}

	var statuses []string
	for _, en := range entries {
		if en.Type == record.EntryPlanStatus {
			statuses = append(statuses, en.Status)
		}
	}
	want := []string{
		string(plan.StatusRunning),
		string(plan.StatusAwaitingRevision),
		string(plan.StatusRunning),
	}
	if len(statuses) != len(want) {
		t.Fatalf("status entries %v, want %v", statuses, want)
	}
	for i := range want {
		if statuses[i] != want[i] {
			t.Fatalf("status entries %v, want %v", statuses, want)
		}
	}

	if n := countEntries(entries, record.EntryPlanCompleted); n != 2 {
		t.Errorf("plan_completed entries %d, want 2 (initial pass and revision pass)", n)
	}
}

func countEntries(entries []record.Entry, typ string) int {
	n := 0
	for _, e := range entries {
		if e.Type == typ {
			n++
		}
	}
	return n
}

func TestResumeReExecutesOnlyInterruptedStep(t *testing.T) {
	registry := testRegistry(t)
	store := testStore(t)
	bcast := broadcast.New()

	// State as a crash would leave it: coordinator done, fetch_email mid-flight.
	p := plan.New("", "crm sync")
	p.Status = plan.StatusRunning
	s0 := p.AppendStep(capability.RefCoordinate, 0)
	s0.Status = plan.StepSucceeded
	s0.Result = &capability.Result{Output: "plan recorded"}
	s1 := p.AppendStep(capability.RefFetchEmail, 0)
	s1.Status = plan.StepRunning

	snap := &checkpoint.Snapshot{
		Plan:     p,
		Sequence: []capability.Ref{capability.RefCoordinate, capability.RefFetchEmail, capability.RefExtractInvoice},
		Cursor:   1,
		NextSeq:  4,
	}

	e := fromSnapshot(snap, registry, store, bcast, nil, fastConfig())
	sub := bcast.Subscribe(p.ID)
	if err := e.Resume(context.Background()); err != nil {
		t.Fatalf("Resume failed: %v", err)
	}

	if e.Status() != plan.StatusCompleted {
		t.Errorf("status %s, want completed", e.Status())
	}

	coordinateRuns := 0
	for _, s := range p.Steps {
		if s.Capability == capability.RefCoordinate {
			coordinateRuns++
		}
	}
	if coordinateRuns != 1 {
		t.Errorf("coordinator ran %d times, want 1 (completed steps are not replayed)", coordinateRuns)
	}

	if s1.Status != plan.StepFailed || s1.Error == "" {
		t.Errorf("interrupted step left as %s (%q)", s1.Status, s1.Error)
	}
	if res := p.LatestResult(capability.RefFetchEmail); res == nil {
		t.Error("interrupted step was not re-executed")
	}

	// Event numbering continues after the persisted high-water mark.
	events := drain(bcast, sub)
	if len(events) == 0 {
		t.Fatal("no events after resume")
	}
	if events[0].Sequence != 5 {
		t.Errorf("first post-resume sequence %d, want 5", events[0].Sequence)
	}
}

func TestResumeRejectsTerminalPlan(t *testing.T) {
	p := plan.New("", "task")
	p.Status = plan.StatusFailed
	e := New(p, sequence(capability.RefCoordinate, capability.RefFetchEmail),
		testRegistry(t), testStore(t), broadcast.New(), nil, fastConfig())

	if err := e.Resume(context.Background()); err == nil {
		t.Error("expected error resuming a failed plan")
	}
}

func TestReviseApprovalLeavesPlanUntouched(t *testing.T) {
	p := plan.New("", "task")
	e := New(p, sequence(capability.RefCoordinate, capability.RefFetchEmail),
		testRegistry(t), testStore(t), broadcast.New(), nil, fastConfig())
	if err := e.Run(context.Background()); err != nil {
		t.Fatal(err)
	}
	stepsBefore := len(p.Steps)

	err := e.Revise(context.Background(), revision.Instruction{
		Type:  revision.TypeApproval,
		Scope: revision.ScopeNone,
	})
	if err != nil {
		t.Fatalf("Revise failed: %v", err)
	}
	if e.Status() != plan.StatusCompleted {
		t.Errorf("status %s, want completed", e.Status())
	}
	if len(p.Steps) != stepsBefore {
		t.Errorf("approval added steps: %d -> %d", stepsBefore, len(p.Steps))
	}
}

func TestReviseRerunsOnlyTargetedSteps(t *testing.T) {
	bcast := broadcast.New()
	p := plan.New("", "verify invoice and update crm")
	e := New(p, sequence(capability.RefCoordinate, capability.RefFetchEmail, capability.RefExtractInvoice, capability.RefUpdateCRM),
		testRegistry(t), testStore(t), bcast, nil, fastConfig())
	if err := e.Run(context.Background()); err != nil {
		t.Fatal(err)
	}

	fetchSteps := stepsFor(p, capability.RefFetchEmail)

	err := e.Revise(context.Background(), revision.Instruction{
		Type:     revision.TypeDataCorrection,
		Scope:    revision.ScopeSingleAgent,
		Rerun:    []capability.Ref{capability.RefExtractInvoice},
		Preserve: []capability.Ref{capability.RefCoordinate, capability.RefFetchEmail, capability.RefUpdateCRM},
	})
	if err != nil {
		t.Fatalf("Revise failed: %v", err)
	}

	if e.Status() != plan.StatusCompleted {
		t.Errorf("status %s, want completed", e.Status())
	}
	if got := stepsFor(p, capability.RefFetchEmail); got != fetchSteps {
		t.Errorf("preserved step re-executed: %d -> %d runs", fetchSteps, got)
	}
	if got := stepsFor(p, capability.RefExtractInvoice); got != 2 {
		t.Errorf("targeted step ran %d times, want 2", got)
	}

	last := p.Steps[len(p.Steps)-1]
	if last.Pass != 1 {
		t.Errorf("revision step pass %d, want 1", last.Pass)
	}
}

func TestReviseRejectedWhileNotCompleted(t *testing.T) {
	p := plan.New("", "task")
	e := New(p, sequence(capability.RefCoordinate, capability.RefFetchEmail),
		testRegistry(t), testStore(t), broadcast.New(), nil, fastConfig())

	err := e.Revise(context.Background(), revision.Instruction{Type: revision.TypeRejection})
	if err == nil {
		t.Error("expected revision rejection for a pending plan")
	}
}

func TestCancelFailsRunningPlan(t *testing.T) {
	registry := testRegistry(t)
	if err := registry.Register(&blockingCap{ref: capability.RefTrackPayment}); err != nil {
		t.Fatal(err)
	}

	bcast := broadcast.New()
	p := plan.New("", "task")
	e := New(p, sequence(capability.RefCoordinate, capability.RefTrackPayment),
		registry, testStore(t), bcast, nil, fastConfig())

	sub := bcast.Subscribe(p.ID)
	done := make(chan error, 1)
	go func() { done <- e.Run(context.Background()) }()

	// Wait for the blocking step to start before canceling.
	deadline := time.After(5 * time.Second)
	for started := false; !started; {
		select {
		case ev := <-sub.Events():
			if ev.Kind == plan.EventStepStarted && ev.Step == string(capability.RefTrackPayment) {
				started = true
			}
		case <-deadline:
			t.Fatal("blocking step never started")
		}
	}
	e.Cancel("operator canceled the run")

	select {
	case err := <-done:
		if err == nil || !strings.Contains(err.Error(), "operator canceled") {
			t.Errorf("Run returned %v, want cancellation reason", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not return after Cancel")
	}
	if e.Status() != plan.StatusFailed {
		t.Errorf("status %s, want failed", e.Status())
	}
	bcast.Unsubscribe(sub)
}

func stepsFor(p *plan.Plan, ref capability.Ref) int {
	n := 0
	for _, s := range p.Steps {
		if s.Capability == ref {
			n++
		}
	}
	return n
}
