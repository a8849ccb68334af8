package ai

import "context"

// ProviderFunc adapts a function to the Provider interface.
type ProviderFunc struct {
	ProviderName string
	Fn           func(ctx context.Context, prompt string) (string, error)
}

// Name implements Provider.
func (p ProviderFunc) Name() string {
	if p.ProviderName == "" {
		return "func"
	}
	return p.ProviderName
}

// Generate implements Provider.
func (p ProviderFunc) Generate(ctx context.Context, prompt string) (string, error) {
	return p.Fn(ctx, prompt)
}
