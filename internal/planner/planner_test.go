package planner

import (
	"context"
	"reflect"
	"testing"

	"github.com/opspilot-ai/opspilot/internal/analyzer"
	"github.com/opspilot-ai/opspilot/internal/capability"
	"github.com/opspilot-ai/opspilot/internal/reasoning"
)

type fakeEngine struct {
	response string
	err      error
}

func (f *fakeEngine) Complete(context.Context, string, reasoning.TokenSink) (string, error) {
	if f.err != nil {
		return "", f.err
	}
	return f.response, nil
}

func invoiceAnalysis() analyzer.TaskAnalysis {
	return analyzer.TaskAnalysis{
		Kind:       analyzer.KindInvoiceVerification,
		Complexity: analyzer.ComplexityMedium,
		RequiredCategories: []capability.Category{
			capability.CategoryEmail,
			capability.CategoryInvoicing,
		},
		EstimatedSteps: 4,
	}
}

func TestPlanCoordinatorFirst(t *testing.T) {
	p := New(capability.NewRegistry(), reasoning.Disabled{})

	seq := p.Plan(context.Background(), invoiceAnalysis())
	if !seq.Valid() {
		t.Fatalf("sequence invalid: %v", seq.Steps)
	}
	if seq.Steps[0] != capability.RefCoordinate {
		t.Errorf("first step is %s, want %s", seq.Steps[0], capability.RefCoordinate)
	}
}

func TestPlanResolvesCategoriesInDependencyOrder(t *testing.T) {
	p := New(capability.NewRegistry(), reasoning.Disabled{})

	seq := p.Plan(context.Background(), invoiceAnalysis())
	want := []capability.Ref{
		capability.RefCoordinate,
		capability.RefFetchEmail,
		capability.RefExtractInvoice,
		capability.RefVerifyInvoice,
	}
	if !reflect.DeepEqual(seq.Steps, want) {
		t.Errorf("Steps = %v, want %v", seq.Steps, want)
	}
	if seq.EstimatedDuration <= 0 {
		t.Error("expected positive duration estimate")
	}
	for _, ref := range seq.Steps {
		if seq.Reasoning[ref] == "" {
			t.Errorf("missing rationale for %s", ref)
		}
	}
}

func TestPlanAcceptsPermutationSuggestion(t *testing.T) {
	// Suggestion reverses the invoicing pair; dependency rules must put
	// extraction back before verification.
	engine := &fakeEngine{response: `["verify_invoice","extract_invoice","fetch_email"]`}
	p := New(capability.NewRegistry(), engine)

	seq := p.Plan(context.Background(), invoiceAnalysis())
	want := []capability.Ref{
		capability.RefCoordinate,
		capability.RefFetchEmail,
		capability.RefExtractInvoice,
		capability.RefVerifyInvoice,
	}
	if !reflect.DeepEqual(seq.Steps, want) {
		t.Errorf("Steps = %v, want %v", seq.Steps, want)
	}
}

func TestPlanDiscardsNonPermutationSuggestion(t *testing.T) {
	tests := []struct {
		name     string
		response string
	}{
		{"extra capability", `["fetch_email","extract_invoice","verify_invoice","write_report"]`},
		{"unknown name", `["fetch_email","teleport","verify_invoice"]`},
		{"not json", `run them in any order you like`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := New(capability.NewRegistry(), &fakeEngine{response: tt.response})
			seq := p.Plan(context.Background(), invoiceAnalysis())
			want := []capability.Ref{
				capability.RefCoordinate,
				capability.RefFetchEmail,
				capability.RefExtractInvoice,
				capability.RefVerifyInvoice,
			}
			if !reflect.DeepEqual(seq.Steps, want) {
				t.Errorf("Steps = %v, want %v", seq.Steps, want)
			}
		})
	}
}

func TestPlanUnknownCategoriesFallBack(t *testing.T) {
	p := New(capability.NewRegistry(), reasoning.Disabled{})

	a := analyzer.TaskAnalysis{
		Kind:               analyzer.KindInvoiceVerification,
		Complexity:         analyzer.ComplexityLow,
		RequiredCategories: []capability.Category{capability.Category("astrology")},
	}
	seq := p.Plan(context.Background(), a)
	want := []capability.Ref{
		capability.RefCoordinate,
		capability.RefFetchEmail,
		capability.RefExtractInvoice,
		capability.RefVerifyInvoice,
		capability.RefWriteReport,
	}
	if !reflect.DeepEqual(seq.Steps, want) {
		t.Errorf("fallback Steps = %v, want %v", seq.Steps, want)
	}
}

func TestFallbackSequences(t *testing.T) {
	p := New(capability.NewRegistry(), reasoning.Disabled{})

	tests := []struct {
		kind analyzer.TaskKind
		last capability.Ref
	}{
		{analyzer.KindInvoiceVerification, capability.RefWriteReport},
		{analyzer.KindPaymentTracking, capability.RefTrackPayment},
		{analyzer.KindCRMSync, capability.RefUpdateCRM},
		{analyzer.KindReporting, capability.RefWriteReport},
		{analyzer.KindGeneral, capability.RefWriteReport},
	}
	for _, tt := range tests {
		seq := p.Fallback(analyzer.TaskAnalysis{Kind: tt.kind})
		if !seq.Valid() {
			t.Errorf("%s: fallback invalid: %v", tt.kind, seq.Steps)
			continue
		}
		if got := seq.Steps[len(seq.Steps)-1]; got != tt.last {
			t.Errorf("%s: last step %s, want %s", tt.kind, got, tt.last)
		}
	}
}

func TestComplexityScoreBounded(t *testing.T) {
	for _, c := range []analyzer.Complexity{analyzer.ComplexityLow, analyzer.ComplexityMedium, analyzer.ComplexityHigh} {
		for steps := 1; steps <= len(capability.All); steps++ {
			score := complexityScore(analyzer.TaskAnalysis{Complexity: c}, steps)
			if score < 0 || score > 1 {
				t.Fatalf("complexityScore(%s, %d) = %f out of range", c, steps, score)
			}
		}
	}
}
