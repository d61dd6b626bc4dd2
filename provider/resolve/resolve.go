// Package resolve routes model ids to configured provider adapters. Model ids
// carry an optional vendor prefix ("anthropic/claude-sonnet-4-5",
// "openai/gpt-4.1", "groq/llama-3.3-70b"); the router strips the prefix and
// delegates to the matching adapter, so one stride.Provider serves every
// agent template regardless of vendor.
package resolve

import (
	"context"
	"fmt"
	"strings"

	stride "github.com/nevindra/stride"
	"github.com/nevindra/stride/provider/anthropic"
	"github.com/nevindra/stride/provider/openaicompat"
)

// Credentials holds the API key and optional base URL for one vendor.
type Credentials struct {
	APIKey  string
	BaseURL string
}

// Config declares which vendors the router can reach. At least one of
// Anthropic or OpenAI must carry an API key.
type Config struct {
	Anthropic Credentials
	OpenAI    Credentials

	// Compat adds extra OpenAI-compatible vendors keyed by their model-id
	// prefix ("groq", "deepseek", "together", "mistral", "ollama", ...).
	// Known vendors get a default base URL; others must set one.
	Compat map[string]Credentials

	// Default names the vendor used for model ids without a prefix.
	// Empty picks anthropic when configured, openai otherwise.
	Default string
}

// Router implements stride.Provider by dispatching each request to the
// adapter its model id names.
type Router struct {
	providers  map[string]stride.Provider
	defaultKey string
}

// New builds a router from the configured credentials.
func New(cfg Config) (*Router, error) {
	providers := make(map[string]stride.Provider)

	if cfg.Anthropic.APIKey != "" {
		var opts []anthropic.Option
		if cfg.Anthropic.BaseURL != "" {
			opts = append(opts, anthropic.WithBaseURL(cfg.Anthropic.BaseURL))
		}
		providers["anthropic"] = anthropic.NewProvider(cfg.Anthropic.APIKey, opts...)
	}
	if cfg.OpenAI.APIKey != "" {
		baseURL := cfg.OpenAI.BaseURL
		if baseURL == "" {
			baseURL = defaultBaseURL("openai")
		}
		providers["openai"] = openaicompat.NewProvider(cfg.OpenAI.APIKey, baseURL)
	}
	for vendor, creds := range cfg.Compat {
		baseURL := creds.BaseURL
		if baseURL == "" {
			baseURL = defaultBaseURL(vendor)
		}
		if baseURL == "" {
			return nil, fmt.Errorf("resolve: vendor %q needs a base URL", vendor)
		}
		providers[vendor] = openaicompat.NewProvider(creds.APIKey, baseURL,
			openaicompat.WithName(vendor))
	}

	if len(providers) == 0 {
		return nil, fmt.Errorf("resolve: no provider configured")
	}

	defaultKey := cfg.Default
	if defaultKey == "" {
		if _, ok := providers["anthropic"]; ok {
			defaultKey = "anthropic"
		} else if _, ok := providers["openai"]; ok {
			defaultKey = "openai"
		} else {
			for k := range providers {
				defaultKey = k
				break
			}
		}
	}
	if _, ok := providers[defaultKey]; !ok {
		return nil, fmt.Errorf("resolve: default vendor %q is not configured", defaultKey)
	}

	return &Router{providers: providers, defaultKey: defaultKey}, nil
}

// Resolve returns the adapter and stripped model id for a model id. Unknown
// prefixes are treated as part of the model id and routed to the default
// vendor.
func (r *Router) Resolve(model string) (stride.Provider, string, error) {
	if model == "" {
		return nil, "", fmt.Errorf("resolve: empty model id")
	}
	if vendor, rest, ok := strings.Cut(model, "/"); ok {
		if p, found := r.providers[vendor]; found {
			return p, rest, nil
		}
	}
	return r.providers[r.defaultKey], model, nil
}

// Generate dispatches one blocking completion to the adapter the model id
// names.
func (r *Router) Generate(ctx context.Context, req stride.Request) (stride.ModelResponse, error) {
	p, model, err := r.Resolve(req.Model)
	if err != nil {
		return stride.ModelResponse{}, err
	}
	req.Model = model
	return p.Generate(ctx, req)
}

// GenerateStream dispatches one streaming completion. On resolution failure
// the channel is closed before returning, per the Provider contract.
func (r *Router) GenerateStream(ctx context.Context, req stride.Request, ch chan<- stride.Part) (stride.ModelResponse, error) {
	p, model, err := r.Resolve(req.Model)
	if err != nil {
		close(ch)
		return stride.ModelResponse{}, err
	}
	req.Model = model
	return p.GenerateStream(ctx, req, ch)
}

// Name identifies the router in logs.
func (r *Router) Name() string { return "resolve" }

func defaultBaseURL(vendor string) string {
	switch vendor {
	case "openai":
		return "https://api.openai.com/v1"
	case "groq":
		return "https://api.groq.com/openai/v1"
	case "deepseek":
		return "https://api.deepseek.com/v1"
	case "together":
		return "https://api.together.xyz/v1"
	case "mistral":
		return "https://api.mistral.ai/v1"
	case "ollama":
		return "http://localhost:11434/v1"
	default:
		return ""
	}
}

// Compile-time interface check.
var _ stride.Provider = (*Router)(nil)
