package secrets

import (
	"context"
	"fmt"
)

// CompositeProvider dispatches handles to providers by scheme.
// Unknown schemes fail with ErrHandleNotFound rather than being tried
// against every backend, so a malformed handle cannot probe providers
// it was never meant for.
type CompositeProvider struct {
	providers map[string]Provider
}

// NewCompositeProvider creates a scheme-dispatching provider.
// Later providers with the same scheme override earlier ones.
func NewCompositeProvider(providers ...Provider) *CompositeProvider {
	byScheme := make(map[string]Provider, len(providers))
	for _, p := range providers {
		byScheme[p.Scheme()] = p
	}
	return &CompositeProvider{providers: byScheme}
}

func (p *CompositeProvider) Scheme() string { return "composite" }

func (p *CompositeProvider) Resolve(ctx context.Context, handle string) (*Secret, error) {
	scheme := handleScheme(handle)
	if scheme == "" {
		return nil, fmt.Errorf("%w: malformed credential handle %q", ErrHandleNotFound, handle)
	}
	provider, ok := p.providers[scheme]
	if !ok {
		return nil, fmt.Errorf("%w: no provider for scheme %q", ErrHandleNotFound, scheme)
	}
	return provider.Resolve(ctx, handle)
}
