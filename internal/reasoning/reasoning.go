// Package reasoning wraps the text-completion backend behind a small,
// cancellable interface. Planning components treat it as best-effort: every
// caller has a deterministic fallback for timeouts, malformed output, or a
// disabled backend.
package reasoning

import (
	"context"
	"errors"
	"time"

	"github.com/vinayprograms/agentkit/llm"
	"github.com/vinayprograms/agentkit/logging"
)

// ErrDisabled is returned when no reasoning backend is configured.
var ErrDisabled = errors.New("reasoning backend disabled")

// DefaultTimeout bounds a single reasoning call.
const DefaultTimeout = 30 * time.Second

// TokenSink receives incremental output. May be nil when the caller only
// wants the final text.
type TokenSink func(token string)

// Engine is the reasoning interface consumed by the analyzer and planner.
type Engine interface {
	Complete(ctx context.Context, prompt string, sink TokenSink) (string, error)
}

// Provider adapts an LLM provider to the Engine interface, bounding every
// call with a timeout so callers never block indefinitely.
type Provider struct {
	provider llm.Provider
	system   string
	timeout  time.Duration
	logger   *logging.Logger
}

// NewProvider creates a reasoning engine backed by an LLM provider.
func NewProvider(p llm.Provider, system string, timeout time.Duration) *Provider {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &Provider{
		provider: p,
		system:   system,
		timeout:  timeout,
		logger:   logging.New().WithComponent("reasoning"),
	}
}

// Complete sends the prompt and returns the final text. The sink, when set,
// receives the response once it is available; token granularity depends on
// the provider and is not guaranteed.
func (p *Provider) Complete(ctx context.Context, prompt string, sink TokenSink) (string, error) {
	if p.provider == nil {
		return "", ErrDisabled
	}

	ctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	messages := []llm.Message{
		{Role: "system", Content: p.system},
		{Role: "user", Content: prompt},
	}

	start := time.Now()
	resp, err := p.provider.Chat(ctx, llm.ChatRequest{Messages: messages})
	if err != nil {
		p.logger.Warn("reasoning call failed", map[string]interface{}{
			"error":      err.Error(),
			"latency_ms": time.Since(start).Milliseconds(),
		})
		return "", err
	}

	if sink != nil {
		sink(resp.Content)
	}
	return resp.Content, nil
}

// Disabled is an Engine that always reports the backend as unavailable,
// forcing deterministic fallbacks everywhere.
type Disabled struct{}

func (Disabled) Complete(context.Context, string, TokenSink) (string, error) {
	return "", ErrDisabled
}
