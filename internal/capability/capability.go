// Package capability defines the closed set of business capabilities and the
// interface the workflow engine uses to invoke them.
package capability

import (
	"context"
	"fmt"
	"time"
)

// Ref identifies a capability. The set is closed: routing decisions are made
// against these constants, never raw strings, so an unknown capability is a
// load-time error instead of a silent fallthrough.
type Ref string

const (
	RefCoordinate     Ref = "coordinate"      // bookkeeping; first step of every sequence
	RefFetchEmail     Ref = "fetch_email"     // pull source documents from a mailbox
	RefExtractInvoice Ref = "extract_invoice" // parse invoice fields from a document
	RefVerifyInvoice  Ref = "verify_invoice"  // check totals, tax, and line items
	RefTrackPayment   Ref = "track_payment"   // reconcile against payment records
	RefUpdateCRM      Ref = "update_crm"      // write results to the CRM record
	RefWriteReport    Ref = "write_report"    // produce the human-readable summary
)

// All lists every known capability in canonical execution order.
var All = []Ref{
	RefCoordinate,
	RefFetchEmail,
	RefExtractInvoice,
	RefVerifyInvoice,
	RefTrackPayment,
	RefUpdateCRM,
	RefWriteReport,
}

// Valid reports whether r is a known capability.
func (r Ref) Valid() bool {
	for _, known := range All {
		if r == known {
			return true
		}
	}
	return false
}

// Category tags a group of capabilities. Task analysis produces categories;
// the planner resolves them to concrete refs through the registry.
type Category string

const (
	CategoryCoordination Category = "coordination"
	CategoryEmail        Category = "email"
	CategoryInvoicing    Category = "invoicing"
	CategoryPayments     Category = "payments"
	CategoryCRM          Category = "crm"
	CategoryReporting    Category = "reporting"
)

// Request carries the inputs for one capability invocation.
type Request struct {
	Task    string         // original task description
	Context map[Ref]string // outputs of previously completed steps
	Inputs  map[string]string
	Emit    EmitFunc // optional; nil when the caller does not want tokens
}

// EmitFunc receives incremental output from a capability that supports
// streaming. It must not block for long; the engine forwards tokens to
// observers on the caller's goroutine.
type EmitFunc func(token string)

// Result is the outcome of a successful invocation.
type Result struct {
	Output   string            `json:"output"`
	Fields   map[string]string `json:"fields,omitempty"`
	Duration time.Duration     `json:"duration"`
}

// Capability is the external interface to a unit of business work. Concrete
// implementations call third-party invoicing/CRM/email backends; the engine
// only sequences, checkpoints, and observes them.
type Capability interface {
	Ref() Ref
	Execute(ctx context.Context, req Request) (*Result, error)
}

// Error is a capability invocation failure. Retryable errors are retried up
// to the engine's retry budget; others fail the step immediately.
type Error struct {
	Capability Ref
	Reason     string
	Retryable  bool
	Err        error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("capability %s: %s: %v", e.Capability, e.Reason, e.Err)
	}
	return fmt.Sprintf("capability %s: %s", e.Capability, e.Reason)
}

func (e *Error) Unwrap() error { return e.Err }

// NewError creates a non-retryable capability error.
func NewError(ref Ref, reason string, err error) *Error {
	return &Error{Capability: ref, Reason: reason, Err: err}
}

// NewRetryableError creates a retryable capability error.
func NewRetryableError(ref Ref, reason string, err error) *Error {
	return &Error{Capability: ref, Reason: reason, Err: err, Retryable: true}
}
