// Package anthropic implements stride.Provider on the official Anthropic
// Messages API via github.com/anthropics/anthropic-sdk-go. It translates the
// engine's message model into content blocks, carries prompt-cache markers
// from provider options into native cache_control fields, and maps responses
// (text, tool use, thinking, usage) back into parts.
package anthropic

import (
	"context"
	"errors"

	sdk "github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
	"github.com/anthropics/anthropic-sdk-go/packages/ssestream"

	stride "github.com/nevindra/stride"
)

const defaultMaxTokens = 8192

// MessagesClient is the subset of the SDK client the adapter uses. Satisfied
// by *sdk.MessageService; tests substitute a mock.
type MessagesClient interface {
	New(ctx context.Context, body sdk.MessageNewParams, opts ...option.RequestOption) (*sdk.Message, error)
	NewStreaming(ctx context.Context, body sdk.MessageNewParams, opts ...option.RequestOption) *ssestream.Stream[sdk.MessageStreamEventUnion]
}

// Provider implements stride.Provider for Anthropic Claude models. The model
// id comes from each request, so one provider serves every agent template.
type Provider struct {
	msg       MessagesClient
	maxTokens int64
	temp      *float64
	thinking  int64
}

// Option configures the provider.
type Option func(*providerConfig)

type providerConfig struct {
	baseURL   string
	client    MessagesClient
	maxTokens int64
	temp      *float64
	thinking  int64
}

// WithBaseURL overrides the API base URL.
func WithBaseURL(url string) Option {
	return func(c *providerConfig) { c.baseURL = url }
}

// WithMaxTokens sets the completion cap (default 8192).
func WithMaxTokens(n int64) Option {
	return func(c *providerConfig) { c.maxTokens = n }
}

// WithTemperature sets the sampling temperature for every request.
func WithTemperature(t float64) Option {
	return func(c *providerConfig) { c.temp = &t }
}

// WithThinking enables extended thinking with the given token budget.
// Budgets below 1024 are raised to 1024.
func WithThinking(budget int64) Option {
	return func(c *providerConfig) {
		if budget < 1024 {
			budget = 1024
		}
		c.thinking = budget
	}
}

// WithMessagesClient substitutes the SDK messages client. Used in tests.
func WithMessagesClient(mc MessagesClient) Option {
	return func(c *providerConfig) { c.client = mc }
}

// NewProvider creates an Anthropic provider authenticated with apiKey.
func NewProvider(apiKey string, opts ...Option) *Provider {
	cfg := providerConfig{maxTokens: defaultMaxTokens}
	for _, opt := range opts {
		opt(&cfg)
	}
	msg := cfg.client
	if msg == nil {
		clientOpts := []option.RequestOption{option.WithAPIKey(apiKey)}
		if cfg.baseURL != "" {
			clientOpts = append(clientOpts, option.WithBaseURL(cfg.baseURL))
		}
		ac := sdk.NewClient(clientOpts...)
		msg = &ac.Messages
	}
	return &Provider{
		msg:       msg,
		maxTokens: cfg.maxTokens,
		temp:      cfg.temp,
		thinking:  cfg.thinking,
	}
}

// Name identifies the provider in logs and errors.
func (p *Provider) Name() string { return "anthropic" }

// Generate performs one blocking completion.
func (p *Provider) Generate(ctx context.Context, req stride.Request) (stride.ModelResponse, error) {
	params, err := p.buildParams(req)
	if err != nil {
		return stride.ModelResponse{}, err
	}
	msg, err := p.msg.New(ctx, params)
	if err != nil {
		return stride.ModelResponse{}, wrapErr(err)
	}
	return decodeMessage(msg), nil
}

// GenerateStream streams parts into ch and returns the accumulated response.
// Text and reasoning arrive as deltas; tool calls arrive whole once their
// input JSON is fully assembled. ch is closed when streaming completes,
// including on error.
func (p *Provider) GenerateStream(ctx context.Context, req stride.Request, ch chan<- stride.Part) (stride.ModelResponse, error) {
	params, err := p.buildParams(req)
	if err != nil {
		close(ch)
		return stride.ModelResponse{}, err
	}
	stream := p.msg.NewStreaming(ctx, params)
	return decodeStream(ctx, stream, ch)
}

// wrapErr converts SDK errors into the engine's typed errors so retry
// middleware can classify them.
func wrapErr(err error) error {
	var apiErr *sdk.Error
	if errors.As(err, &apiErr) {
		out := &stride.ErrHTTP{
			Status: apiErr.StatusCode,
			Body:   apiErr.RawJSON(),
		}
		if apiErr.Response != nil {
			out.RetryAfter = stride.ParseRetryAfter(apiErr.Response.Header.Get("Retry-After"))
		}
		return out
	}
	return &stride.ErrLLM{Provider: "anthropic", Message: err.Error()}
}

// Compile-time interface check.
var _ stride.Provider = (*Provider)(nil)
