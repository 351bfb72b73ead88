package replay

import (
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/opspilot-ai/opspilot/internal/capability"
	"github.com/opspilot-ai/opspilot/internal/record"
)

// Renderer formats a plan record as a readable timeline.
type Renderer struct {
	output         io.Writer
	verbosity      int // 0=normal, 1=verbose (-v)
	maxContentSize int // Maximum size for content fields (0 = unlimited)
}

// Option configures a Renderer.
type Option func(*Renderer)

// WithMaxContentSize limits rendered content size for very large records.
func WithMaxContentSize(size int) Option {
	return func(r *Renderer) {
		r.maxContentSize = size
	}
}

// New creates a Renderer writing to output.
func New(output io.Writer, verbosity int, opts ...Option) *Renderer {
	r := &Renderer{
		output:         output,
		verbosity:      verbosity,
		maxContentSize: 50 * 1024,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Render writes the header, timeline, and summary for one plan record.
func (r *Renderer) Render(h record.Header, entries []record.Entry) error {
	r.printHeader(h)
	r.printTimeline(entries)
	r.printSummary(entries)
	return nil
}

// RenderPlan loads a plan from a record log and renders it.
func (r *Renderer) RenderPlan(log record.Log, planID string) error {
	h, entries, err := log.Read(planID)
	if err != nil {
		return fmt.Errorf("failed to read record for plan %s: %w", planID, err)
	}
	return r.Render(h, entries)
}

func (r *Renderer) printHeader(h record.Header) {
	fmt.Fprintln(r.output)
	fmt.Fprintf(r.output, "%s %s\n", titleStyle.Render("PLAN"), valueStyle.Render(h.PlanID))
	fmt.Fprintln(r.output, divider)
	fmt.Fprintf(r.output, "%s %s\n", labelStyle.Render("Task:    "), valueStyle.Render(h.Description))
	if h.SessionID != "" {
		fmt.Fprintf(r.output, "%s %s\n", labelStyle.Render("Session: "), valueStyle.Render(h.SessionID))
	}
	fmt.Fprintf(r.output, "%s %s\n", labelStyle.Render("Created: "), valueStyle.Render(h.CreatedAt.Format(time.RFC3339)))
	fmt.Fprintln(r.output)
}

func (r *Renderer) printTimeline(entries []record.Entry) {
	fmt.Fprintf(r.output, "%s %s\n", titleStyle.Render("TIMELINE"), dimStyle.Render(fmt.Sprintf("(%d entries)", len(entries))))
	fmt.Fprintln(r.output, divider)

	for _, e := range entries {
		r.printEntry(e)
	}
}

func (r *Renderer) printEntry(e record.Entry) {
	prefix := fmt.Sprintf("%s %s",
		dimStyle.Render(fmt.Sprintf("%4d", e.Seq)),
		dimStyle.Render(e.Timestamp.Format("15:04:05")))

	switch e.Type {
	case record.EntryPlanCreated:
		fmt.Fprintf(r.output, "%s %s %s\n", prefix, coordStyle.Render("plan created"), dimStyle.Render(e.Content))
	case record.EntryPlanStatus:
		fmt.Fprintf(r.output, "%s %s %s\n", prefix, labelStyle.Render("status"), r.statusStyle(e.Status).Render(e.Status))
	case record.EntryStepStarted:
		fmt.Fprintf(r.output, "%s %s %s%s\n", prefix, r.capStyle(e.Capability).Render("▶ "+e.Capability), dimStyle.Render("started"), passSuffix(e.Pass))
	case record.EntryStepCompleted:
		dur := ""
		if e.DurationMs > 0 {
			dur = dimStyle.Render(fmt.Sprintf(" (%dms)", e.DurationMs))
		}
		fmt.Fprintf(r.output, "%s %s %s%s\n", prefix, r.capStyle(e.Capability).Render("✓ "+e.Capability), r.content(e.Content), dur)
	case record.EntryStepFailed:
		fmt.Fprintf(r.output, "%s %s %s\n", prefix, errorStyle.Render("✗ "+e.Capability), valueStyle.Render(e.Error))
	case record.EntryRevisionSubmitted:
		fmt.Fprintf(r.output, "%s %s %s\n", prefix, revisionStyle.Render("feedback"), valueStyle.Render(e.Content))
	case record.EntryRevisionClassified:
		fmt.Fprintf(r.output, "%s %s %s %s\n", prefix, revisionStyle.Render("revision"), valueStyle.Render(e.Status), dimStyle.Render(e.Content))
	case record.EntryPlanCompleted:
		fmt.Fprintf(r.output, "%s %s\n", prefix, successStyle.Render("plan completed"))
	case record.EntryPlanError:
		fmt.Fprintf(r.output, "%s %s %s\n", prefix, errorStyle.Render("plan failed"), valueStyle.Render(e.Error))
	default:
		if r.verbosity > 0 {
			fmt.Fprintf(r.output, "%s %s %s\n", prefix, labelStyle.Render(e.Type), dimStyle.Render(e.Content))
		}
	}
}

func (r *Renderer) printSummary(entries []record.Entry) {
	fmt.Fprintln(r.output)
	fmt.Fprintln(r.output, divider)

	var completed, failed int
	final := ""
	for _, e := range entries {
		switch e.Type {
		case record.EntryStepCompleted:
			completed++
		case record.EntryStepFailed:
			failed++
		case record.EntryPlanCompleted:
			final = "completed"
		case record.EntryPlanError:
			final = "failed"
		}
	}

	switch final {
	case "completed":
		fmt.Fprintln(r.output, successStyle.Render("COMPLETED"))
	case "failed":
		fmt.Fprintln(r.output, errorStyle.Render("FAILED"))
	default:
		fmt.Fprintln(r.output, warnStyle.Render("RUNNING"))
	}
	fmt.Fprintf(r.output, "%s %s\n", labelStyle.Render("Steps:"),
		valueStyle.Render(fmt.Sprintf("%d completed, %d failed", completed, failed)))
}

func (r *Renderer) statusStyle(status string) (s interface{ Render(...string) string }) {
	switch status {
	case "completed", "succeeded":
		return successStyle
	case "failed":
		return errorStyle
	case "running", "awaiting_revision":
		return warnStyle
	default:
		return valueStyle
	}
}

func (r *Renderer) capStyle(cap string) interface{ Render(...string) string } {
	if cap == string(capability.RefCoordinate) {
		return coordStyle
	}
	return stepStyle
}

func (r *Renderer) content(s string) string {
	if r.maxContentSize > 0 && len(s) > r.maxContentSize {
		s = s[:r.maxContentSize] + "…"
	}
	if r.verbosity == 0 {
		if i := strings.IndexByte(s, '\n'); i >= 0 {
			s = s[:i] + " …"
		}
	}
	return valueStyle.Render(s)
}

func passSuffix(pass int) string {
	if pass == 0 {
		return ""
	}
	return dimStyle.Render(fmt.Sprintf(" [revision pass %d]", pass))
}
