package ai

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/phrazzld/tailor-api/internal/domain"
)

// Error definitions for the ai package.
var (
	// ErrNilProvider is returned when the client is built without a primary provider.
	ErrNilProvider = errors.New("provider cannot be nil")

	// ErrNilPrompts is returned when the client is built without a prompt resolver.
	ErrNilPrompts = errors.New("prompt resolver cannot be nil")

	// ErrEmptyContent is wrapped in a ContentError when a provider returns no text.
	ErrEmptyContent = errors.New("provider returned empty content")

	// ErrCallTimeout is wrapped in a TransientError when a single call exceeds its timeout.
	ErrCallTimeout = errors.New("provider call timed out")
)

// Provider sends a fully resolved prompt to a generation backend.
// Implementations return domain.PipelineError values for failures they can
// classify (for example a safety block is a ContentError); any other error
// is treated as transient.
type Provider interface {
	Name() string
	Generate(ctx context.Context, prompt string) (string, error)
}

// PromptResolver renders a named template.
type PromptResolver interface {
	Resolve(key string, vars map[string]string) (string, error)
}

// Completion is the raw text returned by a provider.
type Completion struct {
	Text     string
	Provider string
	Degraded bool
	Latency  time.Duration
}

// Client wraps a primary provider and an optional fallback.
type Client struct {
	primary     Provider
	fallback    Provider
	prompts     PromptResolver
	callTimeout time.Duration
	logger      *slog.Logger
}

// NewClient creates a Client. fallback may be nil.
func NewClient(
	primary Provider,
	fallback Provider,
	prompts PromptResolver,
	callTimeout time.Duration,
	logger *slog.Logger,
) (*Client, error) {
	if primary == nil {
		return nil, ErrNilProvider
	}
	if prompts == nil {
		return nil, ErrNilPrompts
	}
	if callTimeout <= 0 {
		return nil, fmt.Errorf("call timeout must be positive, got %s", callTimeout)
	}
	if logger == nil {
		logger = slog.Default()
	}

	return &Client{
		primary:     primary,
		fallback:    fallback,
		prompts:     prompts,
		callTimeout: callTimeout,
		logger:      logger.With("component", "ai_client"),
	}, nil
}

// Prepare resolves a prompt template. The returned text is what Complete
// sends, so retries can reuse it unchanged.
func (c *Client) Prepare(key string, vars map[string]string) (string, error) {
	prompt, err := c.prompts.Resolve(key, vars)
	if err != nil {
		return "", fmt.Errorf("failed to resolve prompt %s: %w", key, err)
	}
	return prompt, nil
}

// Invoke resolves a template and completes it.
func (c *Client) Invoke(ctx context.Context, key string, vars map[string]string) (*Completion, error) {
	prompt, err := c.Prepare(key, vars)
	if err != nil {
		return nil, err
	}
	return c.Complete(ctx, prompt)
}

// Complete sends prompt to the primary provider. When that fails with a
// TransientError and a fallback is configured, the same prompt is sent to
// the fallback once, under its own call timeout.
func (c *Client) Complete(ctx context.Context, prompt string) (*Completion, error) {
	completion, err := c.call(ctx, c.primary, prompt)
	if err == nil {
		return completion, nil
	}

	if c.fallback == nil || domain.KindOf(err) != domain.KindTransient || ctx.Err() != nil {
		return nil, err
	}

	c.logger.WarnContext(ctx, "primary provider failed, degrading to fallback",
		"primary", c.primary.Name(),
		"fallback", c.fallback.Name(),
		"error", err)

	completion, fbErr := c.call(ctx, c.fallback, prompt)
	if fbErr != nil {
		return nil, fmt.Errorf("fallback provider failed: %w (primary: %v)", fbErr, err)
	}
	completion.Degraded = true
	return completion, nil
}

// call runs one provider request under the per-call timeout. The provider
// runs in its own goroutine so a provider that ignores its context still
// cannot hold the caller past the timeout.
func (c *Client) call(ctx context.Context, p Provider, prompt string) (*Completion, error) {
	callCtx, cancel := context.WithTimeout(ctx, c.callTimeout)
	defer cancel()

	type outcome struct {
		text string
		err  error
	}
	done := make(chan outcome, 1)
	start := time.Now()

	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- outcome{err: fmt.Errorf("provider panicked: %v", r)}
			}
		}()
		text, err := p.Generate(callCtx, prompt)
		done <- outcome{text: text, err: err}
	}()

	var out outcome
	select {
	case <-callCtx.Done():
		out.err = fmt.Errorf("%w after %s: %v", ErrCallTimeout, c.callTimeout, callCtx.Err())
	case out = <-done:
	}
	latency := time.Since(start)

	log := c.logger.With("provider", p.Name(), "latency_ms", latency.Milliseconds())

	if out.err != nil {
		var pe *domain.PipelineError
		if !errors.As(out.err, &pe) {
			out.err = domain.NewTransientError(p.Name(), out.err)
		}
		log.WarnContext(ctx, "provider call failed",
			"error_kind", domain.KindOf(out.err),
			"error", out.err)
		return nil, out.err
	}

	if strings.TrimSpace(out.text) == "" {
		log.WarnContext(ctx, "provider returned empty content")
		return nil, domain.NewContentError(p.Name(), ErrEmptyContent)
	}

	log.DebugContext(ctx, "provider call succeeded", "response_length", len(out.text))

	return &Completion{
		Text:     out.text,
		Provider: p.Name(),
		Latency:  latency,
	}, nil
}
