// Package provider routes prompt requests to AI providers by model id.
package provider

import (
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"time"

	"github.com/digkill/promptor/internal/config"
)

type Kind string

const (
	OpenAI    Kind = "openai"
	Anthropic Kind = "anthropic"
	Mistral   Kind = "mistral"
)

func ParseKind(s string) (Kind, bool) {
	switch k := Kind(strings.ToLower(strings.TrimSpace(s))); k {
	case OpenAI, Anthropic, Mistral:
		return k, true
	}
	return "", false
}

// Capability is a bit set of what a provider may be used for.
type Capability uint8

const (
	CapGenerate Capability = 1 << iota
	CapSuggest
)

func (c Capability) Has(other Capability) bool {
	return c&other == other
}

var (
	ErrUnknownModel          = errors.New("unknown model")
	ErrProviderUnavailable   = errors.New("provider not configured")
	ErrCapabilityUnsupported = errors.New("provider does not support this operation")
)

type entry struct {
	client       Completer
	capabilities Capability
}

// Registry maps models to provider kinds and kinds to configured clients.
type Registry struct {
	providers map[Kind]entry
	models    map[string]Kind
}

func NewRegistry() *Registry {
	return &Registry{providers: map[Kind]entry{}, models: map[string]Kind{}}
}

func (r *Registry) Register(kind Kind, caps Capability, client Completer) {
	r.providers[kind] = entry{client: client, capabilities: caps}
}

func (r *Registry) MapModel(model string, kind Kind) {
	r.models[model] = kind
}

// Resolve returns the client serving model for the requested capability.
func (r *Registry) Resolve(model string, capability Capability) (Completer, Kind, error) {
	kind, ok := r.models[model]
	if !ok {
		return nil, "", fmt.Errorf("%q: %w", model, ErrUnknownModel)
	}
	e, ok := r.providers[kind]
	if !ok {
		return nil, kind, fmt.Errorf("%s: %w", kind, ErrProviderUnavailable)
	}
	if !e.capabilities.Has(capability) {
		return nil, kind, fmt.Errorf("%s: %w", kind, ErrCapabilityUnsupported)
	}
	return e.client, kind, nil
}

// Models lists the model ids whose provider is configured.
func (r *Registry) Models() []string {
	var out []string
	for model, kind := range r.models {
		if _, ok := r.providers[kind]; ok {
			out = append(out, model)
		}
	}
	sort.Strings(out)
	return out
}

// FromConfig registers an HTTP client for every provider with credentials and
// maps the catalog's models onto them.
func FromConfig(cfg config.Config, pricing config.Pricing, log *slog.Logger) (*Registry, error) {
	r := NewRegistry()
	for name, pc := range cfg.Providers {
		kind, ok := ParseKind(name)
		if !ok {
			return nil, fmt.Errorf("unknown provider %q", name)
		}
		r.Register(kind, CapGenerate|CapSuggest, NewClient(kind, pc.APIKey, pc.BaseURL, 2*time.Minute, log))
	}
	for _, m := range pricing.Models {
		kind, ok := ParseKind(m.Provider)
		if !ok {
			return nil, fmt.Errorf("model %s: unknown provider %q", m.ID, m.Provider)
		}
		r.MapModel(m.ID, kind)
	}
	return r, nil
}
