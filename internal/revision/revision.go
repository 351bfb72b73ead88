// Package revision classifies human feedback on a completed plan and maps it
// to a minimal re-execution set. The policy is deliberately asymmetric:
// failing to re-run a defective step silently keeps a bad result, while
// re-running a good step only costs redundant work, so ambiguity always
// resolves toward the wider scope.
package revision

import (
	"fmt"
	"sort"
	"strings"

	"github.com/vinayprograms/agentkit/logging"

	"github.com/opspilot-ai/opspilot/internal/capability"
)

// Type classifies the intent of a feedback submission.
type Type string

const (
	TypeApproval            Type = "approval"
	TypeRejection           Type = "rejection"
	TypeDataCorrection      Type = "data_correction"
	TypeParameterAdjustment Type = "parameter_adjustment"
	TypeSpecificAgents      Type = "specific_agents"
)

// Scope describes how much of the plan a revision touches.
type Scope string

const (
	ScopeNone           Scope = "none"
	ScopeSingleAgent    Scope = "single_agent"
	ScopeMultipleAgents Scope = "multiple_agents"
	ScopeFullRestart    Scope = "full_restart"
)

// Target links a classified problem area to one previously executed step.
type Target struct {
	Capability capability.Ref `json:"capability"`
	Reason     string         `json:"revision_reason"`
}

// Instruction is the immutable result of classifying one feedback
// submission. Consumed exactly once by the workflow engine.
type Instruction struct {
	Type       Type             `json:"revision_type"`
	Scope      Scope            `json:"revision_scope"`
	Targets    []Target         `json:"targets"`
	Confidence float64          `json:"confidence_score"`
	Preserve   []capability.Ref `json:"preserve_results"`
	Rerun      []capability.Ref `json:"rerun_agents"`
}

// Defaults for the classifier thresholds.
const (
	DefaultConfidenceFloor = 0.4
	DefaultTargetThreshold = 0.3
	matchWeight            = 0.35 // per matched vocabulary term
)

// Engine classifies feedback against a plan's executed steps.
type Engine struct {
	registry  *capability.Registry
	floor     float64 // below this, force full_restart
	threshold float64 // minimum domain score for a step to become a target
	logger    *logging.Logger
}

// Option configures an Engine.
type Option func(*Engine)

// WithConfidenceFloor overrides the conservative-fallback floor.
func WithConfidenceFloor(f float64) Option {
	return func(e *Engine) { e.floor = f }
}

// WithTargetThreshold overrides the per-step targeting threshold.
func WithTargetThreshold(t float64) Option {
	return func(e *Engine) { e.threshold = t }
}

// New creates a revision engine.
func New(registry *capability.Registry, opts ...Option) *Engine {
	e := &Engine{
		registry:  registry,
		floor:     DefaultConfidenceFloor,
		threshold: DefaultTargetThreshold,
		logger:    logging.New().WithComponent("revision"),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// approvalMarkers short-circuit classification to approval.
var approvalMarkers = []string{
	"looks good", "lgtm", "approved", "approve", "all good", "perfect",
	"ship it", "no changes", "that's correct", "thats correct", "well done",
}

// rejectionMarkers short-circuit classification to a full restart.
var rejectionMarkers = []string{
	"start over", "start from scratch", "redo everything", "all wrong",
	"completely wrong", "rejected", "reject this", "do it all again",
	"scrap it", "none of this is right",
}

// correctiveMarkers indicate the feedback wants something changed even when
// no step's vocabulary matches.
var correctiveMarkers = []string{
	"wrong", "incorrect", "error", "mistake", "fix", "redo", "not right",
	"doesn't match", "does not match", "missing", "change",
}

// rerunMarkers indicate the user is naming steps to run again.
var rerunMarkers = []string{"rerun", "re-run", "run again", "repeat the"}

// adjustmentMarkers indicate a parameter change rather than bad data.
var adjustmentMarkers = []string{"instead of", "instead", "use the", "switch to", "adjust", "set the"}

// Classify produces a revision instruction from feedback text and the
// executed sequence. sequence is the plan's original capability order;
// executed is the subset with recorded results.
func (e *Engine) Classify(feedback string, sequence, executed []capability.Ref) Instruction {
	lower := strings.ToLower(feedback)

	if matchesAny(lower, approvalMarkers) && !matchesAny(lower, correctiveMarkers) {
		return Instruction{
			Type:       TypeApproval,
			Scope:      ScopeNone,
			Confidence: 1.0,
			Preserve:   append([]capability.Ref{}, sequence...),
		}
	}

	if matchesAny(lower, rejectionMarkers) {
		return Instruction{
			Type:       TypeRejection,
			Scope:      ScopeFullRestart,
			Confidence: 1.0,
			Rerun:      append([]capability.Ref{}, sequence...),
		}
	}

	targets, confidence := e.scoreSteps(lower, executed)
	instr := e.derive(lower, sequence, targets, confidence)

	e.logger.Info("feedback classified", map[string]interface{}{
		"type":       string(instr.Type),
		"scope":      string(instr.Scope),
		"targets":    len(instr.Targets),
		"confidence": instr.Confidence,
	})
	return instr
}

// scoreSteps scores the feedback against each executed step's domain
// vocabulary. Confidence is the best score achieved, clamped to [0,1].
func (e *Engine) scoreSteps(lower string, executed []capability.Ref) ([]Target, float64) {
	var targets []Target
	var best float64

	for _, ref := range executed {
		if ref == capability.RefCoordinate {
			continue
		}
		var matched []string
		for _, term := range e.registry.Vocabulary(ref) {
			if strings.Contains(lower, strings.ToLower(term)) {
				matched = append(matched, term)
			}
		}
		score := float64(len(matched)) * matchWeight
		if score > 1 {
			score = 1
		}
		if score > best {
			best = score
		}
		if score >= e.threshold {
			sort.Strings(matched)
			targets = append(targets, Target{
				Capability: ref,
				Reason:     fmt.Sprintf("matched terms: %s", strings.Join(matched, ", ")),
			})
		}
	}
	return targets, best
}

// derive applies the scope rules and the conservative low-confidence default.
func (e *Engine) derive(lower string, sequence []capability.Ref, targets []Target, confidence float64) Instruction {
	corrective := matchesAny(lower, correctiveMarkers)

	// No step cleared the threshold.
	if len(targets) == 0 {
		if !corrective {
			// Nothing matched and nothing reads as a complaint: treat as approval.
			return Instruction{
				Type:       TypeApproval,
				Scope:      ScopeNone,
				Confidence: confidence,
				Preserve:   append([]capability.Ref{}, sequence...),
			}
		}
		// Clearly corrective but untargetable: full restart, penalized.
		return Instruction{
			Type:       TypeDataCorrection,
			Scope:      ScopeFullRestart,
			Confidence: confidence / 2,
			Rerun:      append([]capability.Ref{}, sequence...),
		}
	}

	// Under-scoping drops a real defect; below the floor, re-run everything.
	if confidence < e.floor {
		return Instruction{
			Type:       classifyType(lower, corrective),
			Scope:      ScopeFullRestart,
			Targets:    targets,
			Confidence: confidence,
			Rerun:      append([]capability.Ref{}, sequence...),
		}
	}

	rerun := orderBySequence(targets, sequence)
	scope := ScopeSingleAgent
	if len(rerun) > 1 {
		scope = ScopeMultipleAgents
	}

	return Instruction{
		Type:       classifyType(lower, corrective),
		Scope:      scope,
		Targets:    targets,
		Confidence: confidence,
		Preserve:   subtract(sequence, rerun),
		Rerun:      rerun,
	}
}

// classifyType picks the revision type for targeted feedback.
func classifyType(lower string, corrective bool) Type {
	if matchesAny(lower, rerunMarkers) {
		return TypeSpecificAgents
	}
	if matchesAny(lower, adjustmentMarkers) && !corrective {
		return TypeParameterAdjustment
	}
	return TypeDataCorrection
}

// orderBySequence returns the targets' capabilities in original sequence
// order, not feedback order, so re-execution respects dependencies.
func orderBySequence(targets []Target, sequence []capability.Ref) []capability.Ref {
	targeted := make(map[capability.Ref]bool, len(targets))
	for _, t := range targets {
		targeted[t.Capability] = true
	}
	var rerun []capability.Ref
	for _, ref := range sequence {
		if targeted[ref] {
			rerun = append(rerun, ref)
		}
	}
	return rerun
}

// subtract returns the refs of sequence not present in rerun.
func subtract(sequence, rerun []capability.Ref) []capability.Ref {
	drop := make(map[capability.Ref]bool, len(rerun))
	for _, r := range rerun {
		drop[r] = true
	}
	var keep []capability.Ref
	for _, ref := range sequence {
		if !drop[ref] {
			keep = append(keep, ref)
		}
	}
	return keep
}

func matchesAny(s string, markers []string) bool {
	for _, m := range markers {
		if strings.Contains(s, m) {
			return true
		}
	}
	return false
}
