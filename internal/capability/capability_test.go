package capability

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"reflect"
	"strings"
	"testing"
)

func TestRegistryRegisterAndGet(t *testing.T) {
	r := NewRegistry()

	if err := r.Register(NewScripted(RefFetchEmail, "ok")); err != nil {
		t.Fatalf("Register failed: %v", err)
	}

	impl, err := r.Get(RefFetchEmail)
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if impl.Ref() != RefFetchEmail {
		t.Errorf("expected ref %s, got %s", RefFetchEmail, impl.Ref())
	}

	if _, err := r.Get(RefUpdateCRM); err == nil {
		t.Error("expected error for unregistered capability")
	}
}

func TestRegistryRejectsUnknownRef(t *testing.T) {
	r := NewRegistry()
	if err := r.Register(NewScripted(Ref("launch_rocket"), "no")); err == nil {
		t.Error("expected error registering unknown ref")
	}
}

func TestRegisterBuiltinsCoversAll(t *testing.T) {
	r := NewRegistry()
	if err := RegisterBuiltins(r); err != nil {
		t.Fatalf("RegisterBuiltins failed: %v", err)
	}
	for _, ref := range All {
		if _, err := r.Get(ref); err != nil {
			t.Errorf("no builtin for %s: %v", ref, err)
		}
	}
}

func TestResolveCategory(t *testing.T) {
	r := NewRegistry()

	refs := r.Resolve(CategoryInvoicing)
	want := []Ref{RefExtractInvoice, RefVerifyInvoice}
	if !reflect.DeepEqual(refs, want) {
		t.Errorf("Resolve(invoicing) = %v, want %v", refs, want)
	}

	if refs := r.Resolve(Category("astrology")); len(refs) != 0 {
		t.Errorf("unknown category resolved to %v", refs)
	}
}

func TestOrderByDependencies(t *testing.T) {
	r := NewRegistry()

	tests := []struct {
		name string
		in   []Ref
		want []Ref
	}{
		{
			name: "reversed pair",
			in:   []Ref{RefExtractInvoice, RefFetchEmail},
			want: []Ref{RefFetchEmail, RefExtractInvoice},
		},
		{
			name: "already ordered",
			in:   []Ref{RefFetchEmail, RefExtractInvoice, RefUpdateCRM},
			want: []Ref{RefFetchEmail, RefExtractInvoice, RefUpdateCRM},
		},
		{
			name: "chain fully reversed",
			in:   []Ref{RefTrackPayment, RefVerifyInvoice, RefExtractInvoice, RefFetchEmail},
			want: []Ref{RefFetchEmail, RefExtractInvoice, RefVerifyInvoice, RefTrackPayment},
		},
		{
			name: "unconstrained order preserved",
			in:   []Ref{RefFetchEmail, RefExtractInvoice, RefWriteReport, RefUpdateCRM},
			want: []Ref{RefFetchEmail, RefExtractInvoice, RefWriteReport, RefUpdateCRM},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := r.OrderByDependencies(tt.in)
			if !reflect.DeepEqual(got, tt.want) {
				t.Errorf("got %v, want %v", got, tt.want)
			}
		})
	}
}

func TestLoadVocabulary(t *testing.T) {
	r := NewRegistry()

	path := filepath.Join(t.TempDir(), "vocab.yaml")
	content := `capabilities:
  extract_invoice:
    - "purchase order"
    - "Invoice"
  update_crm:
    - "hubspot"
`
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatal(err)
	}

	if err := r.LoadVocabulary(path); err != nil {
		t.Fatalf("LoadVocabulary failed: %v", err)
	}

	vocab := r.Vocabulary(RefExtractInvoice)
	if !containsTerm(vocab, "purchase order") {
		t.Errorf("expected merged term, got %v", vocab)
	}
	// Duplicate of a built-in term must not be added twice.
	count := 0
	for _, term := range vocab {
		if strings.EqualFold(term, "invoice") {
			count++
		}
	}
	if count != 1 {
		t.Errorf("term %q appears %d times", "invoice", count)
	}

	if !containsTerm(r.Vocabulary(RefUpdateCRM), "hubspot") {
		t.Error("expected hubspot in update_crm vocabulary")
	}
}

func TestLoadVocabularyUnknownCapability(t *testing.T) {
	r := NewRegistry()

	path := filepath.Join(t.TempDir(), "vocab.yaml")
	os.WriteFile(path, []byte("capabilities:\n  send_fax:\n    - fax\n"), 0644)

	if err := r.LoadVocabulary(path); err == nil {
		t.Error("expected error for unknown capability name")
	}
}

func containsTerm(terms []string, want string) bool {
	for _, t := range terms {
		if t == want {
			return true
		}
	}
	return false
}

func TestScriptedStreamsTokens(t *testing.T) {
	s := NewScripted(RefWriteReport, "three word output")

	var tokens []string
	res, err := s.Execute(context.Background(), Request{
		Emit: func(tok string) { tokens = append(tokens, tok) },
	})
	if err != nil {
		t.Fatalf("Execute failed: %v", err)
	}
	if res.Output != "three word output" {
		t.Errorf("unexpected output %q", res.Output)
	}
	if len(tokens) != 3 {
		t.Errorf("expected 3 tokens, got %d: %v", len(tokens), tokens)
	}
}

func TestScriptedFailTimes(t *testing.T) {
	s := NewScripted(RefFetchEmail, "ok")
	s.FailTimes = 2

	for i := 0; i < 2; i++ {
		_, err := s.Execute(context.Background(), Request{})
		if err == nil {
			t.Fatalf("call %d: expected failure", i+1)
		}
		var capErr *Error
		if !errors.As(err, &capErr) || !capErr.Retryable {
			t.Fatalf("call %d: expected retryable capability error, got %v", i+1, err)
		}
	}

	if _, err := s.Execute(context.Background(), Request{}); err != nil {
		t.Fatalf("third call should succeed, got %v", err)
	}
}
