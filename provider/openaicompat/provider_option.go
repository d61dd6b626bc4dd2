package openaicompat

import "net/http"

// ProviderOption configures a Provider at construction time.
type ProviderOption func(*Provider)

// WithName overrides the name reported by Name. The name tags credit ledger
// entries and error values, so give each compatible backend (groq, openrouter,
// a local server) its own.
func WithName(name string) ProviderOption {
	return func(p *Provider) { p.name = name }
}

// WithHTTPClient swaps the underlying HTTP client, typically to set timeouts
// or route through a proxy.
func WithHTTPClient(c *http.Client) ProviderOption {
	return func(p *Provider) { p.client = c }
}

// WithOptions attaches request options applied to every chat call this
// provider issues.
func WithOptions(opts ...Option) ProviderOption {
	return func(p *Provider) { p.opts = append(p.opts, opts...) }
}
