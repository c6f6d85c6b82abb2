// Package registry resolves a model name to the adapter that serves it.
// Remote providers claim models through their configured membership lists;
// a model no remote provider claims belongs to the local model server.
package registry

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"chatrelay/internal/credentials"
	"chatrelay/internal/providers"
	"chatrelay/internal/providers/anthropic"
	"chatrelay/internal/providers/gemini"
	"chatrelay/internal/providers/ollama"
	"chatrelay/internal/providers/openai_compat"
)

var ErrProviderUnavailable = errors.New("provider unavailable")

// ProviderSource lists the configured remote providers with decrypted
// credentials. Implemented by the credentials store.
type ProviderSource interface {
	List(ctx context.Context) ([]credentials.Provider, error)
}

type Config struct {
	Source       ProviderSource
	LocalBaseURL string
	HTTPClient   *http.Client
	IdleTimeout  time.Duration
	TotalTimeout time.Duration
}

type Registry struct {
	cfg Config
}

func New(cfg Config) *Registry {
	if cfg.HTTPClient == nil {
		cfg.HTTPClient = providers.StreamingHTTPClient()
	}
	return &Registry{cfg: cfg}
}

// Resolve returns the adapter serving modelName. A provider that claims the
// model but is disabled or missing a required credential is a configuration
// error; the caller rejects the turn before persisting anything.
func (r *Registry) Resolve(ctx context.Context, modelName string) (providers.Adapter, error) {
	if r.cfg.Source != nil {
		provs, err := r.cfg.Source.List(ctx)
		if err != nil {
			return nil, fmt.Errorf("list providers: %w", err)
		}
		for _, p := range provs {
			if !claims(p, modelName) {
				continue
			}
			if !p.Enabled {
				return nil, fmt.Errorf("%w: provider %q is disabled", ErrProviderUnavailable, p.Name)
			}
			if p.APIKey == "" {
				return nil, fmt.Errorf("%w: provider %q has no stored credential", ErrProviderUnavailable, p.Name)
			}
			adapter, err := r.build(p)
			if err != nil {
				return nil, err
			}
			return r.withTimeouts(adapter), nil
		}
	}

	if r.cfg.LocalBaseURL == "" {
		return nil, fmt.Errorf("%w: no remote provider claims model %q and no local server is configured", ErrProviderUnavailable, modelName)
	}
	return r.withTimeouts(ollama.New(ollama.Config{
		BaseURL:    r.cfg.LocalBaseURL,
		HTTPClient: r.cfg.HTTPClient,
	})), nil
}

func (r *Registry) build(p credentials.Provider) (providers.Adapter, error) {
	switch p.Kind {
	case "openai_compat", "openai-compatible", "openai", "groq", "lmstudio":
		return openai_compat.New(openai_compat.Config{
			BaseURL:    p.BaseURL,
			APIKey:     p.APIKey,
			HTTPClient: r.cfg.HTTPClient,
		}), nil
	case "anthropic":
		return anthropic.New(anthropic.Config{
			BaseURL:    p.BaseURL,
			APIKey:     p.APIKey,
			HTTPClient: r.cfg.HTTPClient,
		}), nil
	case "gemini", "google":
		return gemini.New(gemini.Config{
			BaseURL:    p.BaseURL,
			APIKey:     p.APIKey,
			HTTPClient: r.cfg.HTTPClient,
		}), nil
	default:
		return nil, fmt.Errorf("unsupported provider kind %q", p.Kind)
	}
}

func (r *Registry) withTimeouts(a providers.Adapter) providers.Adapter {
	return providers.WithTimeouts(a, r.cfg.IdleTimeout, r.cfg.TotalTimeout)
}

func claims(p credentials.Provider, modelName string) bool {
	for _, m := range p.Models {
		if m == modelName {
			return true
		}
	}
	return false
}
