// Package credentials keeps provider API keys in the database so operators
// can rotate them without redeploying.
package credentials

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/Poz83/Myjoe-CBS-sub001/internal/infra"
	"github.com/Poz83/Myjoe-CBS-sub001/internal/sqlinline"
)

const (
	ProviderAI = "ai"
)

type Store struct {
	sql infra.SQLExecutor
}

func NewStore(sql infra.SQLExecutor) *Store {
	return &Store{sql: sql}
}

// AIAPIKey returns the stored generation provider key, or "" when unset.
func (s *Store) AIAPIKey(ctx context.Context) (string, error) {
	return s.Token(ctx, ProviderAI)
}

func (s *Store) Token(ctx context.Context, provider string) (string, error) {
	row := s.sql.QueryRow(ctx, sqlinline.QSelectProviderToken, provider)
	var token string
	if err := row.Scan(&token); err != nil {
		if infra.IsNoRows(err) {
			return "", nil
		}
		return "", fmt.Errorf("load %s credential: %w", provider, err)
	}
	return strings.TrimSpace(token), nil
}

func (s *Store) SetAIAPIKey(ctx context.Context, key string) error {
	return s.Set(ctx, ProviderAI, key, nil)
}

// Set stores token for provider, replacing any previous value.
func (s *Store) Set(ctx context.Context, provider, token string, props map[string]any) error {
	provider = strings.ToLower(strings.TrimSpace(provider))
	token = strings.TrimSpace(token)
	if provider == "" {
		return errors.New("provider is required")
	}
	if token == "" {
		return fmt.Errorf("%s api key is required", provider)
	}
	payload := props
	if payload == nil {
		payload = map[string]any{}
	}
	raw, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	_, err = s.sql.Exec(ctx, sqlinline.QUpsertProviderToken, provider, token, raw)
	return err
}

// ResolveAIKey prefers the configured key and falls back to the stored one.
func ResolveAIKey(ctx context.Context, configured string, store *Store) (string, error) {
	if key := strings.TrimSpace(configured); key != "" || store == nil {
		return key, nil
	}
	return store.AIAPIKey(ctx)
}
