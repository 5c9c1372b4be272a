// Package mock provides a scripted Provider used wherever a stage needs
// a text backend but no real model is configured.
package mock

import (
	"context"

	"github.com/GoCodeAlone/ratchet/provider"
)

const defaultResponse = "Task acknowledged. Working on it."

// Provider implements provider.Provider by cycling through a fixed list
// of scripted responses, or by echoing a constant one if none is given.
type Provider struct {
	responses []string
	idx       int
}

// New creates a Provider that cycles through the given responses.
func New(responses ...string) *Provider {
	return &Provider{responses: responses}
}

// Name returns the provider identifier.
func (p *Provider) Name() string { return "mock" }

// Chat returns the next scripted response, cycling through the queue.
func (p *Provider) Chat(_ context.Context, _ []provider.Message) (*provider.Response, error) {
	if len(p.responses) == 0 {
		return &provider.Response{Content: defaultResponse}, nil
	}
	resp := p.responses[p.idx%len(p.responses)]
	p.idx++
	return &provider.Response{Content: resp}, nil
}
