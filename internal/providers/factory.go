package providers

import (
	"fmt"

	domainErrors "github.com/tablestack/payproc/internal/domain/errors"
)

// Factory resolves providers by name.
type Factory struct {
	providers map[string]Provider
}

// NewFactory creates a Factory. With no providers given it registers the
// mock networks used in local development.
func NewFactory(providersList ...Provider) *Factory {
	f := &Factory{providers: make(map[string]Provider)}

	if len(providersList) == 0 {
		f.Register(NewMockProvider("cardstream"))
		f.Register(NewMockProvider("vantiv"))
	} else {
		for _, p := range providersList {
			f.Register(p)
		}
	}
	return f
}

// Register adds a provider under its own name.
func (f *Factory) Register(p Provider) {
	f.providers[p.Name()] = p
}

// Get resolves a provider by name.
func (f *Factory) Get(name string) (Provider, error) {
	p, ok := f.providers[name]
	if !ok {
		return nil, fmt.Errorf("unknown provider %q: %w", name, domainErrors.ErrProviderNotFound)
	}
	return p, nil
}

// Names lists the registered provider names.
func (f *Factory) Names() []string {
	names := make([]string, 0, len(f.providers))
	for n := range f.providers {
		names = append(names, n)
	}
	return names
}
