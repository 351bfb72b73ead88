// Package analyzer classifies a free-text business task into a structured
// analysis consumed by the sequence planner.
package analyzer

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/vinayprograms/agentkit/logging"

	"github.com/opspilot-ai/opspilot/internal/capability"
	"github.com/opspilot-ai/opspilot/internal/reasoning"
)

// TaskKind classifies the overall shape of a task.
type TaskKind string

const (
	KindInvoiceVerification TaskKind = "invoice_verification"
	KindPaymentTracking     TaskKind = "payment_tracking"
	KindCRMSync             TaskKind = "crm_sync"
	KindReporting           TaskKind = "reporting"
	KindGeneral             TaskKind = "general"
)

// Complexity levels for a task.
type Complexity string

const (
	ComplexityLow    Complexity = "low"
	ComplexityMedium Complexity = "medium"
	ComplexityHigh   Complexity = "high"
)

// TaskAnalysis is the immutable classification of a task. Input to the
// sequence planner only.
type TaskAnalysis struct {
	Kind               TaskKind              `json:"task_kind"`
	Complexity         Complexity            `json:"complexity_level"`
	RequiredCategories []capability.Category `json:"required_capabilities"`
	EstimatedSteps     int                   `json:"estimated_step_count"`
	Heuristic          bool                  `json:"heuristic,omitempty"` // true when the keyword fallback produced this
}

// Analyzer turns task text into a TaskAnalysis. It never returns an error:
// reasoning failures degrade to the keyword heuristic, and an unmatchable
// task degrades to the broadest analysis so downstream planning stays safe.
type Analyzer struct {
	engine reasoning.Engine
	logger *logging.Logger
}

// New creates an analyzer backed by a reasoning engine.
func New(engine reasoning.Engine) *Analyzer {
	return &Analyzer{
		engine: engine,
		logger: logging.New().WithComponent("analyzer"),
	}
}

const analysisPrompt = `Classify the following business task.

Task: %s

Respond with only a JSON object:
{
  "task_kind": one of "invoice_verification", "payment_tracking", "crm_sync", "reporting", "general",
  "complexity_level": one of "low", "medium", "high",
  "required_capabilities": subset of ["email", "invoicing", "payments", "crm", "reporting"] in execution order,
  "estimated_step_count": integer
}`

// Analyze classifies task text.
func (a *Analyzer) Analyze(ctx context.Context, task string) TaskAnalysis {
	raw, err := a.engine.Complete(ctx, fmt.Sprintf(analysisPrompt, task), nil)
	if err == nil {
		if analysis, ok := parseAnalysis(raw); ok {
			return analysis
		}
		a.logger.Warn("malformed analysis from reasoning backend, using heuristic", map[string]interface{}{
			"response_len": len(raw),
		})
	} else if err != reasoning.ErrDisabled {
		a.logger.Warn("reasoning analysis failed, using heuristic", map[string]interface{}{
			"error": err.Error(),
		})
	}

	return a.heuristic(task)
}

// parseAnalysis extracts and validates the JSON object in a reasoning
// response. Models wrap JSON in prose often enough that the braces are
// located explicitly rather than trusting the whole response.
func parseAnalysis(raw string) (TaskAnalysis, bool) {
	start := strings.Index(raw, "{")
	end := strings.LastIndex(raw, "}")
	if start < 0 || end <= start {
		return TaskAnalysis{}, false
	}

	var analysis TaskAnalysis
	if err := json.Unmarshal([]byte(raw[start:end+1]), &analysis); err != nil {
		return TaskAnalysis{}, false
	}

	switch analysis.Kind {
	case KindInvoiceVerification, KindPaymentTracking, KindCRMSync, KindReporting, KindGeneral:
	default:
		return TaskAnalysis{}, false
	}
	switch analysis.Complexity {
	case ComplexityLow, ComplexityMedium, ComplexityHigh:
	default:
		analysis.Complexity = ComplexityMedium
	}
	if len(analysis.RequiredCategories) == 0 {
		return TaskAnalysis{}, false
	}
	for _, cat := range analysis.RequiredCategories {
		switch cat {
		case capability.CategoryEmail, capability.CategoryInvoicing, capability.CategoryPayments,
			capability.CategoryCRM, capability.CategoryReporting, capability.CategoryCoordination:
		default:
			return TaskAnalysis{}, false
		}
	}
	if analysis.EstimatedSteps <= 0 {
		analysis.EstimatedSteps = len(analysis.RequiredCategories) + 1
	}
	return analysis, true
}

// keyword tables for the heuristic fallback.
var kindKeywords = map[TaskKind][]string{
	KindInvoiceVerification: {"invoice", "billing", "total", "tax", "line item"},
	KindPaymentTracking:     {"payment", "paid", "transfer", "outstanding", "reconcile", "due"},
	KindCRMSync:             {"crm", "contact", "account", "customer record", "salesforce"},
	KindReporting:           {"report", "summary", "summarize", "overview"},
}

var categoryKeywords = map[capability.Category][]string{
	capability.CategoryEmail:     {"email", "mail", "inbox", "attachment", "message"},
	capability.CategoryInvoicing: {"invoice", "billing", "total", "tax", "line item", "verify"},
	capability.CategoryPayments:  {"payment", "paid", "transfer", "reconcile", "outstanding", "due"},
	capability.CategoryCRM:       {"crm", "contact", "account", "customer", "record"},
	capability.CategoryReporting: {"report", "summary", "summarize", "overview"},
}

// broadest is the degraded outcome: every category, highest complexity. An
// over-scoped plan only costs redundant work; an under-scoped one drops a
// required capability.
func broadest() TaskAnalysis {
	return TaskAnalysis{
		Kind:       KindGeneral,
		Complexity: ComplexityHigh,
		RequiredCategories: []capability.Category{
			capability.CategoryEmail,
			capability.CategoryInvoicing,
			capability.CategoryPayments,
			capability.CategoryCRM,
			capability.CategoryReporting,
		},
		EstimatedSteps: len(capability.All),
		Heuristic:      true,
	}
}

// heuristic classifies by keyword matching.
func (a *Analyzer) heuristic(task string) TaskAnalysis {
	lower := strings.ToLower(task)

	kind := KindGeneral
	best := 0
	for k, words := range kindKeywords {
		score := 0
		for _, w := range words {
			if strings.Contains(lower, w) {
				score++
			}
		}
		if score > best || (score == best && score > 0 && k < kind) {
			kind = k
			best = score
		}
	}

	var cats []capability.Category
	for _, cat := range []capability.Category{
		capability.CategoryEmail,
		capability.CategoryInvoicing,
		capability.CategoryPayments,
		capability.CategoryCRM,
		capability.CategoryReporting,
	} {
		for _, w := range categoryKeywords[cat] {
			if strings.Contains(lower, w) {
				cats = append(cats, cat)
				break
			}
		}
	}

	if len(cats) == 0 {
		return broadest()
	}

	complexity := ComplexityLow
	switch {
	case len(cats) >= 4:
		complexity = ComplexityHigh
	case len(cats) >= 2:
		complexity = ComplexityMedium
	}

	return TaskAnalysis{
		Kind:               kind,
		Complexity:         complexity,
		RequiredCategories: cats,
		EstimatedSteps:     len(cats) + 1, // +1 for coordination
		Heuristic:          true,
	}
}
