package capability

import (
	"fmt"
	"os"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"
)

// Registry is the explicit lookup table from capability categories to
// concrete refs, plus the dependency rules and domain vocabulary the planner
// and revision engine consult. Constructed once at process start and passed
// by handle; there is no package-level registry.
type Registry struct {
	byCategory map[Category][]Ref
	implsByRef map[Ref]Capability
	deps       map[Ref][]Ref // ref -> refs that must run earlier
	vocabulary map[Ref][]string
}

// NewRegistry creates a registry with the built-in capability table.
func NewRegistry() *Registry {
	r := &Registry{
		byCategory: map[Category][]Ref{
			CategoryCoordination: {RefCoordinate},
			CategoryEmail:        {RefFetchEmail},
			CategoryInvoicing:    {RefExtractInvoice, RefVerifyInvoice},
			CategoryPayments:     {RefTrackPayment},
			CategoryCRM:          {RefUpdateCRM},
			CategoryReporting:    {RefWriteReport},
		},
		implsByRef: make(map[Ref]Capability),
		deps: map[Ref][]Ref{
			RefExtractInvoice: {RefFetchEmail},
			RefVerifyInvoice:  {RefExtractInvoice},
			RefTrackPayment:   {RefVerifyInvoice},
			RefUpdateCRM:      {RefExtractInvoice},
			RefWriteReport:    {RefExtractInvoice},
		},
		vocabulary: map[Ref][]string{
			RefCoordinate:     {"plan", "sequence", "order", "steps", "coordination"},
			RefFetchEmail:     {"email", "mail", "inbox", "attachment", "message", "sender", "mailbox"},
			RefExtractInvoice: {"invoice", "total", "amount", "line item", "tax", "vat", "number", "extraction", "parsed", "billing"},
			RefVerifyInvoice:  {"verify", "verification", "mismatch", "incorrect", "wrong total", "arithmetic", "sum", "discrepancy"},
			RefTrackPayment:   {"payment", "paid", "transfer", "bank", "reconcile", "outstanding", "due", "balance"},
			RefUpdateCRM:      {"crm", "contact", "account", "customer", "record", "field", "company", "salesforce"},
			RefWriteReport:    {"report", "summary", "writeup", "document", "formatting"},
		},
	}
	return r
}

// Register attaches an implementation for a ref. Unknown refs are rejected so
// a typo cannot introduce an unroutable capability.
func (r *Registry) Register(c Capability) error {
	if !c.Ref().Valid() {
		return fmt.Errorf("unknown capability ref: %s", c.Ref())
	}
	r.implsByRef[c.Ref()] = c
	return nil
}

// Get returns the implementation for a ref.
func (r *Registry) Get(ref Ref) (Capability, error) {
	impl, ok := r.implsByRef[ref]
	if !ok {
		return nil, fmt.Errorf("no implementation registered for capability %s", ref)
	}
	return impl, nil
}

// Resolve maps a category to its capability refs in table order. Unknown
// categories resolve to nothing; the planner treats an empty overall result
// as a validation failure and falls back.
func (r *Registry) Resolve(cat Category) []Ref {
	return r.byCategory[cat]
}

// DependsOn returns the refs that must execute before ref.
func (r *Registry) DependsOn(ref Ref) []Ref {
	return r.deps[ref]
}

// Vocabulary returns the domain terms associated with a capability. Used by
// the revision engine to score human feedback against executed steps.
func (r *Registry) Vocabulary(ref Ref) []string {
	return r.vocabulary[ref]
}

// OrderByDependencies sorts refs so every capability follows its declared
// dependencies, keeping the incoming order for unconstrained pairs. Declared
// rules always win over whatever ordering the reasoning engine suggested.
func (r *Registry) OrderByDependencies(refs []Ref) []Ref {
	ordered := make([]Ref, len(refs))
	copy(ordered, refs)

	// Move any capability that precedes one of its dependencies to just after
	// that dependency. The table is acyclic and tiny, so this settles quickly.
	for pass := 0; pass < len(ordered); pass++ {
		moved := false
		for i, ref := range ordered {
			latest := i
			for _, dep := range r.deps[ref] {
				for j := i + 1; j < len(ordered); j++ {
					if ordered[j] == dep && j > latest {
						latest = j
					}
				}
			}
			if latest > i {
				next := append([]Ref{}, ordered[:i]...)
				next = append(next, ordered[i+1:latest+1]...)
				next = append(next, ref)
				next = append(next, ordered[latest+1:]...)
				ordered = next
				moved = true
				break
			}
		}
		if !moved {
			break
		}
	}
	return ordered
}

// vocabularyFile is the YAML shape for vocabulary extensions.
type vocabularyFile struct {
	Capabilities map[string][]string `yaml:"capabilities"`
}

// LoadVocabulary merges additional domain terms from a YAML file. Deployments
// use this to teach the revision engine customer-specific phrasing without a
// rebuild.
func (r *Registry) LoadVocabulary(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read vocabulary file: %w", err)
	}

	var file vocabularyFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return fmt.Errorf("invalid vocabulary file: %w", err)
	}

	for name, terms := range file.Capabilities {
		ref := Ref(name)
		if !ref.Valid() {
			return fmt.Errorf("vocabulary file references unknown capability %q", name)
		}
		existing := make(map[string]bool)
		for _, t := range r.vocabulary[ref] {
			existing[strings.ToLower(t)] = true
		}
		for _, t := range terms {
			t = strings.ToLower(strings.TrimSpace(t))
			if t == "" || existing[t] {
				continue
			}
			r.vocabulary[ref] = append(r.vocabulary[ref], t)
			existing[t] = true
		}
	}
	return nil
}

// Categories returns all known categories, sorted for stable iteration.
func (r *Registry) Categories() []Category {
	cats := make([]Category, 0, len(r.byCategory))
	for c := range r.byCategory {
		cats = append(cats, c)
	}
	sort.Slice(cats, func(i, j int) bool { return cats[i] < cats[j] })
	return cats
}
