// internal/models/registry.go
package models

import (
	"context"

	"council/internal/config"
)

// Registry routes each model to the endpoint that serves it
type Registry struct {
	endpoints map[string]Endpoint
	fallback  Endpoint
}

// NewRegistry creates a registry from config. Models with an override in
// cfg.Endpoints get their own HTTP endpoint; the rest share the default one.
func NewRegistry(cfg *config.Config) *Registry {
	timeouts := TimeoutConfig{Connect: cfg.ConnectTimeout(), Request: cfg.RequestTimeout()}
	r := &Registry{
		endpoints: make(map[string]Endpoint),
		fallback:  NewHTTPEndpoint(cfg.Endpoint.BaseURL, cfg.Endpoint.APIKey, timeouts),
	}

	shared := make(map[config.EndpointConfig]Endpoint)
	for model := range cfg.Endpoints {
		ep := cfg.EndpointFor(model)
		if _, ok := shared[ep]; !ok {
			shared[ep] = NewHTTPEndpoint(ep.BaseURL, ep.APIKey, timeouts)
		}
		r.endpoints[model] = shared[ep]
	}
	return r
}

// Get returns the endpoint serving model
func (r *Registry) Get(model string) Endpoint {
	if ep, ok := r.endpoints[model]; ok {
		return ep
	}
	return r.fallback
}

func (r *Registry) Query(ctx context.Context, model string, messages []Message, params Params) (Response, error) {
	return r.Get(model).Query(ctx, model, messages, params)
}

func (r *Registry) Stream(ctx context.Context, model string, messages []Message, params Params) <-chan Chunk {
	return r.Get(model).Stream(ctx, model, messages, params)
}
