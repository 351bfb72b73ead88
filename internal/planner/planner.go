// Package planner converts a task analysis into an ordered agent sequence.
package planner

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/vinayprograms/agentkit/logging"

	"github.com/opspilot-ai/opspilot/internal/analyzer"
	"github.com/opspilot-ai/opspilot/internal/capability"
	"github.com/opspilot-ai/opspilot/internal/reasoning"
)

// AgentSequence is the ordered list of capabilities chosen for a task.
// Invariant: non-empty, and the first element is the coordination capability
// so every execution trace is self-describing.
type AgentSequence struct {
	Steps             []capability.Ref            `json:"steps"`
	Reasoning         map[capability.Ref]string   `json:"reasoning"`
	EstimatedDuration time.Duration               `json:"estimated_duration"`
	ComplexityScore   float64                     `json:"complexity_score"`
	SourceAnalysis    analyzer.TaskAnalysis       `json:"source_analysis"`
}

// Valid reports whether the sequence satisfies its invariant.
func (s *AgentSequence) Valid() bool {
	return len(s.Steps) > 0 && s.Steps[0] == capability.RefCoordinate
}

// perStepEstimate is the planning-time duration guess per step.
const perStepEstimate = 30 * time.Second

// Planner builds agent sequences from task analyses.
type Planner struct {
	registry *capability.Registry
	engine   reasoning.Engine
	logger   *logging.Logger
}

// New creates a planner.
func New(registry *capability.Registry, engine reasoning.Engine) *Planner {
	return &Planner{
		registry: registry,
		engine:   engine,
		logger:   logging.New().WithComponent("planner"),
	}
}

const orderingPrompt = `Order these business capabilities for the task below.

Task kind: %s
Capabilities: %s

Respond with only a JSON array of capability names in execution order.`

// Plan converts an analysis into an agent sequence. It never returns an
// error: an invalid resolution falls back to the deterministic sequence for
// the task kind.
func (p *Planner) Plan(ctx context.Context, a analyzer.TaskAnalysis) AgentSequence {
	refs := p.resolve(a)
	refs = p.applySuggestedOrder(ctx, a, refs)

	// Declared dependency rules always win over any suggested ordering.
	refs = p.registry.OrderByDependencies(refs)
	refs = prependCoordinator(dedupe(refs))

	seq := p.assemble(refs, a)
	// A coordinator with nothing to coordinate means resolution failed.
	if !seq.Valid() || len(seq.Steps) < 2 {
		p.logger.Warn("planned sequence failed validation, using fallback", map[string]interface{}{
			"task_kind": string(a.Kind),
			"steps":     len(seq.Steps),
		})
		return p.Fallback(a)
	}
	return seq
}

// resolve maps each required category to capability refs via the registry,
// deduplicating while preserving first-seen order.
func (p *Planner) resolve(a analyzer.TaskAnalysis) []capability.Ref {
	var refs []capability.Ref
	for _, cat := range a.RequiredCategories {
		refs = append(refs, p.registry.Resolve(cat)...)
	}
	return dedupe(refs)
}

// applySuggestedOrder asks the reasoning engine to order the resolved refs.
// A suggestion is accepted only when it is a permutation of the input; it is
// advisory and dependency rules are re-applied afterwards regardless.
func (p *Planner) applySuggestedOrder(ctx context.Context, a analyzer.TaskAnalysis, refs []capability.Ref) []capability.Ref {
	if len(refs) < 2 {
		return refs
	}

	names := make([]string, len(refs))
	for i, r := range refs {
		names[i] = string(r)
	}
	raw, err := p.engine.Complete(ctx, fmt.Sprintf(orderingPrompt, a.Kind, strings.Join(names, ", ")), nil)
	if err != nil {
		return refs
	}

	suggested, ok := parseOrdering(raw)
	if !ok || !samePermutation(refs, suggested) {
		if ok {
			p.logger.Debug("discarding non-permutation ordering suggestion", map[string]interface{}{
				"suggested": len(suggested),
				"resolved":  len(refs),
			})
		}
		return refs
	}
	return suggested
}

// parseOrdering extracts a JSON array of capability names.
func parseOrdering(raw string) ([]capability.Ref, bool) {
	start := strings.Index(raw, "[")
	end := strings.LastIndex(raw, "]")
	if start < 0 || end <= start {
		return nil, false
	}

	var names []string
	if err := json.Unmarshal([]byte(raw[start:end+1]), &names); err != nil {
		return nil, false
	}

	refs := make([]capability.Ref, 0, len(names))
	for _, n := range names {
		ref := capability.Ref(strings.TrimSpace(n))
		if !ref.Valid() {
			return nil, false
		}
		refs = append(refs, ref)
	}
	return refs, true
}

// samePermutation reports whether b contains exactly the elements of a.
func samePermutation(a, b []capability.Ref) bool {
	if len(a) != len(b) {
		return false
	}
	counts := make(map[capability.Ref]int)
	for _, r := range a {
		counts[r]++
	}
	for _, r := range b {
		counts[r]--
		if counts[r] < 0 {
			return false
		}
	}
	return true
}

// assemble builds the sequence with per-step rationale.
func (p *Planner) assemble(refs []capability.Ref, a analyzer.TaskAnalysis) AgentSequence {
	rationale := make(map[capability.Ref]string, len(refs))
	for _, ref := range refs {
		if ref == capability.RefCoordinate {
			rationale[ref] = "records the execution plan so the trace is self-describing"
			continue
		}
		if deps := p.registry.DependsOn(ref); len(deps) > 0 {
			names := make([]string, len(deps))
			for i, d := range deps {
				names[i] = string(d)
			}
			rationale[ref] = fmt.Sprintf("required for %s task; runs after %s", a.Kind, strings.Join(names, ", "))
		} else {
			rationale[ref] = fmt.Sprintf("required for %s task", a.Kind)
		}
	}

	return AgentSequence{
		Steps:             refs,
		Reasoning:         rationale,
		EstimatedDuration: time.Duration(len(refs)) * perStepEstimate,
		ComplexityScore:   complexityScore(a, len(refs)),
		SourceAnalysis:    a,
	}
}

// complexityScore blends analysis complexity with sequence length into [0,1].
func complexityScore(a analyzer.TaskAnalysis, steps int) float64 {
	base := 0.3
	switch a.Complexity {
	case analyzer.ComplexityMedium:
		base = 0.5
	case analyzer.ComplexityHigh:
		base = 0.7
	}
	score := base + float64(steps)*0.04
	if score > 1 {
		score = 1
	}
	return score
}

// fallbackSequences are the deterministic per-kind sequences used when
// resolution or validation fails. The coordinator is prepended on use.
var fallbackSequences = map[analyzer.TaskKind][]capability.Ref{
	analyzer.KindInvoiceVerification: {capability.RefFetchEmail, capability.RefExtractInvoice, capability.RefVerifyInvoice, capability.RefWriteReport},
	analyzer.KindPaymentTracking:     {capability.RefFetchEmail, capability.RefExtractInvoice, capability.RefVerifyInvoice, capability.RefTrackPayment},
	analyzer.KindCRMSync:             {capability.RefFetchEmail, capability.RefExtractInvoice, capability.RefUpdateCRM},
	analyzer.KindReporting:           {capability.RefFetchEmail, capability.RefExtractInvoice, capability.RefWriteReport},
}

// Fallback returns the deterministic sequence for the analysis's task kind.
// Unknown or general kinds get the full canonical order.
func (p *Planner) Fallback(a analyzer.TaskAnalysis) AgentSequence {
	refs, ok := fallbackSequences[a.Kind]
	if !ok {
		refs = capability.All[1:] // everything except the coordinator
	}
	seq := p.assemble(prependCoordinator(refs), a)
	for ref := range seq.Reasoning {
		if ref != capability.RefCoordinate {
			seq.Reasoning[ref] = fmt.Sprintf("deterministic fallback for %s task", a.Kind)
		}
	}
	return seq
}

// dedupe removes duplicate refs, preserving first-seen order.
func dedupe(refs []capability.Ref) []capability.Ref {
	seen := make(map[capability.Ref]bool, len(refs))
	out := refs[:0:0]
	for _, r := range refs {
		if seen[r] {
			continue
		}
		seen[r] = true
		out = append(out, r)
	}
	return out
}

// prependCoordinator ensures the coordination capability leads the sequence.
func prependCoordinator(refs []capability.Ref) []capability.Ref {
	for i, r := range refs {
		if r == capability.RefCoordinate {
			if i == 0 {
				return refs
			}
			refs = append(refs[:i], refs[i+1:]...)
			break
		}
	}
	return append([]capability.Ref{capability.RefCoordinate}, refs...)
}
