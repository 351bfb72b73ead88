package capability

import (
	"context"
	"fmt"
	"strings"
	"time"
)

// Scripted is a capability backed by a fixed output template. The production
// deployment registers real connector-backed capabilities; scripted ones back
// the demo flow and tests, and exercise the same streaming path.
type Scripted struct {
	ref    Ref
	output string
	fields map[string]string

	// FailTimes makes the first n invocations fail with a retryable error,
	// for exercising the engine's retry accounting.
	FailTimes int
	calls     int
}

// NewScripted creates a scripted capability for ref.
func NewScripted(ref Ref, output string) *Scripted {
	return &Scripted{ref: ref, output: output}
}

// WithFields attaches structured fields to the scripted result.
func (s *Scripted) WithFields(fields map[string]string) *Scripted {
	s.fields = fields
	return s
}

func (s *Scripted) Ref() Ref { return s.ref }

// Execute renders the scripted output, streaming it word by word when the
// request carries an emit callback.
func (s *Scripted) Execute(ctx context.Context, req Request) (*Result, error) {
	start := time.Now()

	s.calls++
	if s.calls <= s.FailTimes {
		return nil, NewRetryableError(s.ref, fmt.Sprintf("scripted failure %d of %d", s.calls, s.FailTimes), nil)
	}

	if err := ctx.Err(); err != nil {
		return nil, err
	}

	if req.Emit != nil {
		for _, word := range strings.Fields(s.output) {
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			default:
			}
			req.Emit(word + " ")
		}
	}

	return &Result{
		Output:   s.output,
		Fields:   s.fields,
		Duration: time.Since(start),
	}, nil
}

// RegisterBuiltins registers a scripted implementation for every known
// capability so a fresh checkout runs end to end without external backends.
func RegisterBuiltins(r *Registry) error {
	builtins := []*Scripted{
		NewScripted(RefCoordinate, "Execution plan recorded; steps will run in dependency order."),
		NewScripted(RefFetchEmail, "Fetched 2 messages with invoice attachments from the billing mailbox.").
			WithFields(map[string]string{"messages": "2"}),
		NewScripted(RefExtractInvoice, "Extracted invoice INV-1042: total 1840.00, tax 340.00, 3 line items.").
			WithFields(map[string]string{"invoice": "INV-1042", "total": "1840.00"}),
		NewScripted(RefVerifyInvoice, "Invoice totals verified: line items sum to stated total, tax rate consistent."),
		NewScripted(RefTrackPayment, "Payment matched: bank transfer 1840.00 received, nothing outstanding."),
		NewScripted(RefUpdateCRM, "CRM account updated with invoice status and payment reference."),
		NewScripted(RefWriteReport, "Summary report written covering extraction, verification, and payment status."),
	}
	for _, b := range builtins {
		if err := r.Register(b); err != nil {
			return err
		}
	}
	return nil
}
