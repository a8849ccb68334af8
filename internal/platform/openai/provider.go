// Package openai provides an ai.Provider for OpenAI-compatible chat
// completion APIs (OpenAI, OpenRouter, local gateways). It is typically
// configured as the fallback provider.
package openai

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/phrazzld/tailor-api/internal/domain"
	goopenai "github.com/sashabaranov/go-openai"
)

// Error definitions for the openai package.
var (
	// ErrMissingAPIKey is returned when no API key is configured.
	ErrMissingAPIKey = errors.New("openai api key cannot be empty")

	// ErrNoChoices is wrapped in a ContentError when the response has no choices.
	ErrNoChoices = errors.New("completion returned no choices")

	// ErrContentFiltered is wrapped in a ContentError when the provider filtered the output.
	ErrContentFiltered = errors.New("completion stopped by content filter")
)

const systemPrompt = "You convert résumé material into JSON. Reply with a single JSON object and nothing else."

// chatCompleter is the subset of *goopenai.Client used by the provider.
type chatCompleter interface {
	CreateChatCompletion(ctx context.Context, req goopenai.ChatCompletionRequest) (goopenai.ChatCompletionResponse, error)
}

// Config holds the OpenAI-compatible endpoint settings. An empty BaseURL
// uses the public OpenAI API.
type Config struct {
	APIKey      string
	BaseURL     string
	Model       string
	Temperature float32
}

// Provider implements ai.Provider with a chat completion endpoint.
type Provider struct {
	client chatCompleter
	config Config
	logger *slog.Logger
}

// NewProvider creates a Provider for cfg.
func NewProvider(cfg Config, logger *slog.Logger) (*Provider, error) {
	if cfg.APIKey == "" {
		return nil, ErrMissingAPIKey
	}

	clientCfg := goopenai.DefaultConfig(cfg.APIKey)
	if cfg.BaseURL != "" {
		clientCfg.BaseURL = cfg.BaseURL
	}

	return newProvider(goopenai.NewClientWithConfig(clientCfg), cfg, logger), nil
}

func newProvider(client chatCompleter, cfg Config, logger *slog.Logger) *Provider {
	if logger == nil {
		logger = slog.Default()
	}
	return &Provider{
		client: client,
		config: cfg,
		logger: logger.With("component", "openai_provider", "model", cfg.Model),
	}
}

// Name implements ai.Provider.
func (p *Provider) Name() string {
	return "openai"
}

// Generate implements ai.Provider.
func (p *Provider) Generate(ctx context.Context, prompt string) (string, error) {
	resp, err := p.client.CreateChatCompletion(ctx, goopenai.ChatCompletionRequest{
		Model:       p.config.Model,
		Temperature: p.config.Temperature,
		Messages: []goopenai.ChatCompletionMessage{
			{Role: goopenai.ChatMessageRoleSystem, Content: systemPrompt},
			{Role: goopenai.ChatMessageRoleUser, Content: prompt},
		},
		ResponseFormat: &goopenai.ChatCompletionResponseFormat{
			Type: goopenai.ChatCompletionResponseFormatTypeJSONObject,
		},
	})
	if err != nil {
		var apiErr *goopenai.APIError
		if errors.As(err, &apiErr) {
			p.logger.WarnContext(ctx, "chat completion rejected",
				"status_code", apiErr.HTTPStatusCode,
				"error_type", apiErr.Type)
		}
		return "", fmt.Errorf("openai chat completion: %w", err)
	}

	if len(resp.Choices) == 0 {
		return "", domain.NewContentError(p.Name(), ErrNoChoices)
	}

	choice := resp.Choices[0]
	if choice.FinishReason == goopenai.FinishReasonContentFilter {
		return "", domain.NewContentError(p.Name(), ErrContentFiltered)
	}

	p.logger.DebugContext(ctx, "chat completion received",
		"finish_reason", choice.FinishReason,
		"total_tokens", resp.Usage.TotalTokens)

	return choice.Message.Content, nil
}
