// Package provider holds the execution adapters for LLM backends. Every
// backend sits behind the Provider interface and returns text plus token
// usage and latency, so the runner never sees provider-specific shapes.
package provider

import (
	"context"
	"sync"

	"dispatch/internal/derr"
)

// Request is a single prompt execution against a concrete model.
type Request struct {
	Model     string `json:"model"`
	Prompt    string `json:"prompt"`
	MaxTokens int    `json:"max_tokens,omitempty"`
}

// Usage is the token accounting reported by a provider.
type Usage struct {
	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`
}

// Response is the uniform execution result.
type Response struct {
	Content   string `json:"content"`
	Usage     Usage  `json:"usage"`
	LatencyMs int64  `json:"latency_ms"`
}

// Provider is the uniform interface over LLM backends.
type Provider interface {
	Name() string
	Generate(ctx context.Context, req *Request) (*Response, error)
}

// Pool maps provider names to adapters. The registry's Model.Provider field
// selects which adapter executes a given model.
type Pool struct {
	mu        sync.RWMutex
	providers map[string]Provider
}

// NewPool creates an empty pool.
func NewPool() *Pool {
	return &Pool{providers: make(map[string]Provider)}
}

// Register adds a provider adapter, replacing any previous one of the same
// name.
func (p *Pool) Register(prov Provider) {
	p.mu.Lock()
	p.providers[prov.Name()] = prov
	p.mu.Unlock()
}

// Get returns the adapter for a provider name.
func (p *Pool) Get(name string) (Provider, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	prov, ok := p.providers[name]
	return prov, ok
}

// Execute runs a request on the named provider. A missing provider or a
// failed call surfaces as an execution error.
func (p *Pool) Execute(ctx context.Context, providerName string, req *Request) (*Response, error) {
	prov, ok := p.Get(providerName)
	if !ok {
		return nil, derr.Newf(derr.CodeExecution, "no provider registered for %q", providerName)
	}
	resp, err := prov.Generate(ctx, req)
	if err != nil {
		return nil, derr.Wrap(derr.CodeExecution, "provider call failed", err)
	}
	return resp, nil
}

// Names returns the registered provider names.
func (p *Pool) Names() []string {
	p.mu.RLock()
	defer p.mu.RUnlock()
	names := make([]string, 0, len(p.providers))
	for name := range p.providers {
		names = append(names, name)
	}
	return names
}
