// Package credentials is the read side of the credential store: provider
// configurations from storage with API keys unsealed on the way out.
package credentials

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"chatrelay/internal/crypto"
	"chatrelay/internal/storage"
)

// Provider is a decrypted provider configuration. APIKey is empty when no
// credential is stored.
type Provider struct {
	Name    string
	Kind    string
	BaseURL string
	APIKey  string
	Models  []string
	Enabled bool
}

type Store struct {
	store   *storage.Store
	keyring *crypto.Keyring
}

func New(store *storage.Store, keyring *crypto.Keyring) *Store {
	return &Store{store: store, keyring: keyring}
}

func (s *Store) List(ctx context.Context) ([]Provider, error) {
	rows, err := s.store.ListProviderConfigs(ctx)
	if err != nil {
		return nil, err
	}
	out := make([]Provider, 0, len(rows))
	for _, row := range rows {
		p, err := s.decode(row)
		if err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, nil
}

func (s *Store) Get(ctx context.Context, name string) (Provider, error) {
	row, err := s.store.GetProviderConfigByName(ctx, name)
	if err != nil {
		return Provider{}, err
	}
	return s.decode(row)
}

// Key returns the decrypted API key for a provider, or empty when none is
// stored.
func (s *Store) Key(ctx context.Context, name string) (string, error) {
	p, err := s.Get(ctx, name)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return "", nil
		}
		return "", err
	}
	return p.APIKey, nil
}

func (s *Store) BaseURL(ctx context.Context, name string) (string, error) {
	p, err := s.Get(ctx, name)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return "", nil
		}
		return "", err
	}
	return p.BaseURL, nil
}

// Save seals the API key and writes the provider configuration. An empty
// APIKey clears the stored credential.
func (s *Store) Save(ctx context.Context, p Provider) error {
	var encKey *string
	if strings.TrimSpace(p.APIKey) != "" {
		sealed, err := s.keyring.SealString(p.APIKey)
		if err != nil {
			return fmt.Errorf("seal api key: %w", err)
		}
		encKey = &sealed
	}
	modelsJSON, err := json.Marshal(p.Models)
	if err != nil {
		return fmt.Errorf("marshal models: %w", err)
	}
	return s.store.UpsertProviderConfig(ctx, storage.ProviderConfig{
		Name:       p.Name,
		Kind:       p.Kind,
		BaseURL:    p.BaseURL,
		EncAPIKey:  encKey,
		ModelsJSON: string(modelsJSON),
		Enabled:    p.Enabled,
	})
}

func (s *Store) decode(row storage.ProviderConfig) (Provider, error) {
	p := Provider{
		Name:    row.Name,
		Kind:    row.Kind,
		BaseURL: row.BaseURL,
		Enabled: row.Enabled,
	}
	if row.EncAPIKey != nil && strings.TrimSpace(*row.EncAPIKey) != "" {
		key, err := s.keyring.OpenString(*row.EncAPIKey)
		if err != nil {
			return Provider{}, fmt.Errorf("unseal api key for provider %q: %w", row.Name, err)
		}
		p.APIKey = key
	}
	if strings.TrimSpace(row.ModelsJSON) != "" {
		if err := json.Unmarshal([]byte(row.ModelsJSON), &p.Models); err != nil {
			return Provider{}, fmt.Errorf("parse models for provider %q: %w", row.Name, err)
		}
	}
	return p, nil
}
