package gemini

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/phrazzld/tailor-api/internal/domain"
	"google.golang.org/genai"
)

// Error definitions for the gemini package.
var (
	// ErrMissingAPIKey is returned when no API key is configured.
	ErrMissingAPIKey = errors.New("gemini api key cannot be empty")

	// ErrMissingModel is returned when no model name is configured.
	ErrMissingModel = errors.New("gemini model name cannot be empty")

	// ErrBlocked is wrapped in a ContentError when Gemini refuses the prompt or stops for safety.
	ErrBlocked = errors.New("response blocked by gemini")

	// ErrNoCandidates is wrapped in a ContentError when the response carries no candidates.
	ErrNoCandidates = errors.New("gemini returned no candidates")
)

// contentGenerator is the subset of *genai.Models used by the provider.
type contentGenerator interface {
	GenerateContent(
		ctx context.Context,
		model string,
		contents []*genai.Content,
		config *genai.GenerateContentConfig,
	) (*genai.GenerateContentResponse, error)
}

// Config holds the Gemini settings.
type Config struct {
	APIKey      string
	Model       string
	Temperature float32
}

// Provider implements ai.Provider with Gemini.
type Provider struct {
	models contentGenerator
	config Config
	logger *slog.Logger
}

// NewProvider creates a Gemini client and wraps it.
func NewProvider(ctx context.Context, cfg Config, logger *slog.Logger) (*Provider, error) {
	if cfg.APIKey == "" {
		return nil, ErrMissingAPIKey
	}
	if cfg.Model == "" {
		return nil, ErrMissingModel
	}

	client, err := genai.NewClient(ctx, &genai.ClientConfig{
		APIKey:  cfg.APIKey,
		Backend: genai.BackendGeminiAPI,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create gemini client: %w", err)
	}

	return newProvider(client.Models, cfg, logger), nil
}

func newProvider(models contentGenerator, cfg Config, logger *slog.Logger) *Provider {
	if logger == nil {
		logger = slog.Default()
	}
	return &Provider{
		models: models,
		config: cfg,
		logger: logger.With("component", "gemini_provider", "model", cfg.Model),
	}
}

// Name implements ai.Provider.
func (p *Provider) Name() string {
	return "gemini"
}

// Generate implements ai.Provider. The request asks for a JSON response.
func (p *Provider) Generate(ctx context.Context, prompt string) (string, error) {
	temperature := p.config.Temperature
	resp, err := p.models.GenerateContent(ctx, p.config.Model, genai.Text(prompt), &genai.GenerateContentConfig{
		Temperature:      &temperature,
		ResponseMIMEType: "application/json",
	})
	if err != nil {
		return "", fmt.Errorf("gemini generate content: %w", err)
	}

	return p.extractText(ctx, resp)
}

func (p *Provider) extractText(ctx context.Context, resp *genai.GenerateContentResponse) (string, error) {
	if resp == nil {
		return "", domain.NewContentError(p.Name(), ErrNoCandidates)
	}

	if resp.PromptFeedback != nil && resp.PromptFeedback.BlockReason != "" {
		p.logger.WarnContext(ctx, "prompt blocked", "block_reason", resp.PromptFeedback.BlockReason)
		return "", domain.NewContentError(p.Name(),
			fmt.Errorf("%w: prompt blocked (%s)", ErrBlocked, resp.PromptFeedback.BlockReason))
	}

	if len(resp.Candidates) == 0 || resp.Candidates[0] == nil {
		return "", domain.NewContentError(p.Name(), ErrNoCandidates)
	}

	candidate := resp.Candidates[0]
	if candidate.FinishReason == genai.FinishReasonSafety {
		p.logger.WarnContext(ctx, "candidate stopped for safety")
		return "", domain.NewContentError(p.Name(), fmt.Errorf("%w: finish reason %s", ErrBlocked, candidate.FinishReason))
	}

	if candidate.Content == nil {
		return "", domain.NewContentError(p.Name(), ErrNoCandidates)
	}

	var b strings.Builder
	for _, part := range candidate.Content.Parts {
		if part != nil {
			b.WriteString(part.Text)
		}
	}

	p.logger.DebugContext(ctx, "gemini response received",
		"finish_reason", candidate.FinishReason,
		"response_length", b.Len())

	return b.String(), nil
}
