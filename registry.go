package idman

import (
	goerrors "github.com/goliatone/go-errors"
)

// ProviderRegistry maps each auth mode to the provider that handles it. It is
// built once at startup and read-only afterwards.
type ProviderRegistry struct {
	providers map[AuthMode]AuthenticationProvider
}

// NewProviderRegistry indexes the given providers by mode. A repeated mode is
// a wiring bug and panics.
func NewProviderRegistry(providers ...AuthenticationProvider) *ProviderRegistry {
	r := &ProviderRegistry{
		providers: make(map[AuthMode]AuthenticationProvider, len(providers)),
	}

	for _, p := range providers {
		if p == nil {
			continue
		}
		if _, ok := r.providers[p.Mode()]; ok {
			panic("IDMAN: duplicate authentication provider for mode " + p.Mode())
		}
		r.providers[p.Mode()] = p
	}

	return r
}

// Provider returns the provider registered for the mode.
func (r *ProviderRegistry) Provider(mode AuthMode) (AuthenticationProvider, error) {
	p, ok := r.providers[mode]
	if !ok {
		return nil, goerrors.New("no provider for auth mode", goerrors.CategoryBadInput).
			WithTextCode("UNKNOWN_AUTH_MODE").
			WithMetadata(map[string]any{"mode": mode})
	}
	return p, nil
}

// Modes lists the registered auth modes.
func (r *ProviderRegistry) Modes() []AuthMode {
	modes := make([]AuthMode, 0, len(r.providers))
	for mode := range r.providers {
		modes = append(modes, mode)
	}
	return modes
}
