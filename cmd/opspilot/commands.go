// Package main implements the opspilot subcommands.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/charmbracelet/lipgloss"

	"github.com/opspilot-ai/opspilot/internal/broadcast"
	"github.com/opspilot-ai/opspilot/internal/capability"
	"github.com/opspilot-ai/opspilot/internal/engine"
	"github.com/opspilot-ai/opspilot/internal/plan"
	"github.com/opspilot-ai/opspilot/internal/record"
	"github.com/opspilot-ai/opspilot/internal/replay"
	"github.com/opspilot-ai/opspilot/internal/revision"
	"github.com/opspilot-ai/opspilot/internal/setup"
)

var (
	okStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("10"))
	errStyle  = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("9"))
	stepTag   = lipgloss.NewStyle().Foreground(lipgloss.Color("12"))
	faintText = lipgloss.NewStyle().Foreground(lipgloss.Color("8"))
)

// Run analyzes, plans, and executes a task.
func (c *RunCmd) Run() error {
	rt, err := newRuntime(c.Config)
	if err != nil {
		return err
	}
	if err := rt.setup(); err != nil {
		return err
	}
	defer rt.close()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	eng, err := rt.mgr.Launch(ctx, c.Session, c.Task)
	if err != nil {
		return err
	}
	p := eng.Plan()
	fmt.Printf("%s %s\n", faintText.Render("plan"), p.ID)
	fmt.Printf("%s %s\n", faintText.Render("sequence"), formatSequence(eng.Sequence()))

	return executePlan(ctx, rt, eng, c.Quiet, func(runCtx context.Context) error {
		return eng.Run(runCtx)
	})
}

// Run continues an interrupted plan from its checkpoint.
func (c *ResumeCmd) Run() error {
	rt, err := newRuntime(c.Config)
	if err != nil {
		return err
	}
	if err := rt.setup(); err != nil {
		return err
	}
	defer rt.close()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	eng, err := rt.mgr.Load(c.PlanID)
	if err != nil {
		return err
	}
	fmt.Printf("%s %s\n", faintText.Render("resuming plan"), c.PlanID)

	return executePlan(ctx, rt, eng, c.Quiet, func(runCtx context.Context) error {
		return eng.Resume(runCtx)
	})
}

// Run submits feedback for a completed plan.
func (c *ReviseCmd) Run() error {
	rt, err := newRuntime(c.Config)
	if err != nil {
		return err
	}
	if err := rt.setup(); err != nil {
		return err
	}
	defer rt.close()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	eng, err := rt.mgr.Load(c.PlanID)
	if err != nil {
		return err
	}

	var streamDone func()
	if !c.Quiet {
		streamDone = streamProgress(rt.bcast, c.PlanID)
	}

	instr, err := rt.mgr.SubmitRevision(ctx, c.PlanID, c.Feedback)
	if streamDone != nil {
		streamDone()
	}
	if err != nil {
		return err
	}
	printInstruction(instr)
	fmt.Printf("%s %s\n", faintText.Render("status"), statusText(eng.Status()))
	return nil
}

// Run releases a terminal plan's checkpoint and event buffers.
func (c *CancelCmd) Run() error {
	rt, err := newRuntime(c.Config)
	if err != nil {
		return err
	}
	if err := rt.setup(); err != nil {
		return err
	}
	defer rt.close()

	if _, err := rt.mgr.Load(c.PlanID); err != nil {
		return err
	}
	if err := rt.mgr.Release(c.PlanID); err != nil {
		return err
	}
	fmt.Printf("released plan %s\n", c.PlanID)
	return nil
}

// Run shows one plan's checkpointed state, or lists all recorded plans.
func (c *StatusCmd) Run() error {
	rt, err := newRuntime(c.Config)
	if err != nil {
		return err
	}
	if err := rt.setup(); err != nil {
		return err
	}
	defer rt.close()

	if c.PlanID == "" {
		return listPlans(rt.recordLog)
	}

	eng, err := rt.mgr.Load(c.PlanID)
	if err != nil {
		return err
	}
	p := eng.Plan()
	fmt.Printf("%s %s\n", faintText.Render("plan"), p.ID)
	fmt.Printf("%s %s\n", faintText.Render("task"), p.Description)
	fmt.Printf("%s %s\n", faintText.Render("status"), statusText(p.Status))
	if p.Error != "" {
		fmt.Printf("%s %s\n", faintText.Render("error"), p.Error)
	}
	for _, s := range p.Steps {
		mark := stepMark(s.Status)
		dur := ""
		if !s.FinishedAt.IsZero() && !s.StartedAt.IsZero() {
			dur = faintText.Render(fmt.Sprintf(" (%s)", s.FinishedAt.Sub(s.StartedAt).Round(time.Millisecond)))
		}
		fmt.Printf("  %s %s%s%s\n", mark, s.Capability, passNote(s.Pass), dur)
	}
	return nil
}

// Run renders a plan record as a timeline.
func (c *ReplayCmd) Run() error {
	rt, err := newRuntime(c.Config)
	if err != nil {
		return err
	}
	if err := rt.setupRecord(); err != nil {
		return err
	}
	defer rt.close()

	if rt.recordLog == nil {
		return fmt.Errorf("record backend is disabled in config")
	}

	r := replay.New(os.Stdout, c.Verbose)
	if c.Live {
		fileLog, ok := rt.recordLog.(*record.FileLog)
		if !ok {
			return fmt.Errorf("--live requires the file record backend")
		}
		return r.Follow(fileLog, c.PlanID)
	}
	if c.NoPager {
		return r.RenderPlan(rt.recordLog, c.PlanID)
	}
	return r.RenderInteractive(rt.recordLog, c.PlanID)
}

// Run follows a plan's record live. Equivalent to replay --live.
func (c *TailCmd) Run() error {
	rt, err := newRuntime(c.Config)
	if err != nil {
		return err
	}
	if err := rt.setupRecord(); err != nil {
		return err
	}
	defer rt.close()

	fileLog, ok := rt.recordLog.(*record.FileLog)
	if !ok {
		return fmt.Errorf("tail requires the file record backend")
	}
	return replay.New(os.Stdout, 0).Follow(fileLog, c.PlanID)
}

// Run sweeps terminal plans whose checkpoints are older than the window.
func (c *CleanCmd) Run() error {
	rt, err := newRuntime(c.Config)
	if err != nil {
		return err
	}
	if err := rt.setupCheckpoints(); err != nil {
		return err
	}

	retention, err := time.ParseDuration(c.OlderThan)
	if err != nil {
		return fmt.Errorf("invalid --older-than value %q: %w", c.OlderThan, err)
	}

	removed, err := rt.checkpoints.Sweep(retention)
	if err != nil {
		return err
	}
	if len(removed) == 0 {
		fmt.Println("nothing to clean")
		return nil
	}
	for _, planID := range removed {
		fmt.Printf("removed plan %s\n", planID)
	}
	return nil
}

// Run launches the configuration wizard.
func (c *SetupCmd) Run() error {
	written, err := setup.Run()
	if err != nil {
		return err
	}
	if !written {
		fmt.Println("setup aborted, nothing written")
	}
	return nil
}

// executePlan runs fn with live progress streaming and signal-driven
// cancellation.
func executePlan(ctx context.Context, rt *runtime, eng *engine.Engine, quiet bool, fn func(context.Context) error) error {
	planID := eng.Plan().ID

	var streamDone func()
	if !quiet {
		streamDone = streamProgress(rt.bcast, planID)
	}

	go func() {
		<-ctx.Done()
		eng.Cancel("interrupted by user")
	}()

	err := fn(ctx)
	if streamDone != nil {
		streamDone()
	}

	fmt.Printf("%s %s\n", faintText.Render("status"), statusText(eng.Status()))
	return err
}

// streamProgress prints progress events until the returned stop function is
// called. Already-buffered events replay first, in order.
func streamProgress(bcast *broadcast.Broadcaster, planID string) (stop func()) {
	sub := bcast.Subscribe(planID)
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		for ev := range sub.Events() {
			printEvent(ev)
		}
	}()
	return func() {
		bcast.Unsubscribe(sub)
		wg.Wait()
	}
}

func printEvent(ev plan.ProgressEvent) {
	seq := faintText.Render(fmt.Sprintf("%4d", ev.Sequence))
	switch ev.Kind {
	case plan.EventStepStarted:
		fmt.Printf("%s %s %s\n", seq, stepTag.Render("▶"), ev.Step)
	case plan.EventStepToken:
		// Tokens stream inline without sequence prefixes.
		fmt.Print(ev.Payload)
	case plan.EventStepCompleted:
		fmt.Printf("\n%s %s %s\n", seq, okStyle.Render("✓"), ev.Step)
	case plan.EventStepFailed:
		fmt.Printf("\n%s %s %s: %s\n", seq, errStyle.Render("✗"), ev.Step, ev.Payload)
	case plan.EventPlanCompleted:
		fmt.Printf("%s %s\n", seq, okStyle.Render(ev.Payload))
	case plan.EventPlanError:
		if ev.Marker == plan.GapMarker {
			fmt.Printf("%s %s %s\n", seq, errStyle.Render("gap:"), ev.Payload)
			return
		}
		fmt.Printf("%s %s %s\n", seq, errStyle.Render("error:"), ev.Payload)
	}
}

func printInstruction(instr revision.Instruction) {
	fmt.Printf("%s %s (%s, confidence %.2f)\n",
		faintText.Render("feedback"), instr.Type, instr.Scope, instr.Confidence)
	for _, t := range instr.Targets {
		fmt.Printf("  %s %s %s\n", stepTag.Render("↻"), t.Capability, faintText.Render(t.Reason))
	}
}

func listPlans(log record.Log) error {
	if log == nil {
		return fmt.Errorf("record backend is disabled in config")
	}
	headers, err := log.List()
	if err != nil {
		return err
	}
	if len(headers) == 0 {
		fmt.Println("no plans recorded")
		return nil
	}
	for _, h := range headers {
		desc := h.Description
		if len(desc) > 60 {
			desc = desc[:60] + "…"
		}
		fmt.Printf("%s  %s  %s\n", h.PlanID, faintText.Render(h.CreatedAt.Format("2006-01-02 15:04")), desc)
	}
	return nil
}

func formatSequence(refs []capability.Ref) string {
	parts := make([]string, len(refs))
	for i, r := range refs {
		parts[i] = string(r)
	}
	return strings.Join(parts, " > ")
}

func statusText(s plan.Status) string {
	switch s {
	case plan.StatusCompleted:
		return okStyle.Render(string(s))
	case plan.StatusFailed:
		return errStyle.Render(string(s))
	default:
		return string(s)
	}
}

func stepMark(s plan.StepStatus) string {
	switch s {
	case plan.StepSucceeded:
		return okStyle.Render("✓")
	case plan.StepFailed:
		return errStyle.Render("✗")
	case plan.StepRunning:
		return stepTag.Render("▶")
	default:
		return faintText.Render("·")
	}
}

func passNote(pass int) string {
	if pass == 0 {
		return ""
	}
	return faintText.Render(fmt.Sprintf(" [pass %d]", pass))
}
