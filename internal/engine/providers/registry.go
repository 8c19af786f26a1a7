package providers

import (
	"fmt"
	"net/http"
	"sort"
	"strings"

	"msggateway/internal/platform/config"
)

// Registry resolves provider names to adapters. It is the only place that
// knows which concrete adapters exist.
type Registry struct {
	adapters map[string]Adapter
}

func NewRegistry(cfg config.ProvidersConfig, client *http.Client) *Registry {
	if client == nil {
		client = &http.Client{Timeout: cfg.HTTPTimeout}
	}

	r := &Registry{adapters: make(map[string]Adapter)}
	for _, name := range []string{NameEvolution, NameMeta, NameZAPI} {
		r.adapters[name] = newAdapter(name, cfg, client)
	}
	return r
}

// NewRegistryWith builds a registry from explicit adapters.
func NewRegistryWith(adapters ...Adapter) *Registry {
	r := &Registry{adapters: make(map[string]Adapter, len(adapters))}
	for _, a := range adapters {
		r.adapters[normalizeName(a.Name())] = a
	}
	return r
}

func newAdapter(name string, cfg config.ProvidersConfig, client *http.Client) Adapter {
	switch name {
	case NameEvolution:
		return NewEvolution(cfg.Evolution, client)
	case NameMeta:
		return NewMeta(cfg.Meta, client)
	case NameZAPI:
		return NewZAPI(cfg.ZAPI, client)
	}
	return nil
}

func normalizeName(name string) string {
	return strings.ToLower(strings.TrimSpace(name))
}

func (r *Registry) Resolve(name string) (Adapter, error) {
	a, ok := r.adapters[normalizeName(name)]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnsupportedProvider, name)
	}
	return a, nil
}

func (r *Registry) Supported(name string) bool {
	_, ok := r.adapters[normalizeName(name)]
	return ok
}

func (r *Registry) Names() []string {
	names := make([]string, 0, len(r.adapters))
	for name := range r.adapters {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
