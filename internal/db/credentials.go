package db

import (
	"context"
	"fmt"

	"github.com/Multiproject-EJ/futurefunds-site-sub000/internal/credentials"
	"github.com/Multiproject-EJ/futurefunds-site-sub000/internal/llm"
)

// GetModel returns the ai_models row for slug, nil when unknown
func (db *DB) GetModel(ctx context.Context, slug string) (*credentials.Model, error) {
	var m credentials.Model
	var provider string
	err := db.pool.QueryRow(ctx,
		`SELECT slug, provider, provider_model, input_cost_per_mtok::float8, output_cost_per_mtok::float8, active
		 FROM ai_models WHERE slug = $1`,
		slug,
	).Scan(&m.Slug, &provider, &m.ProviderModel, &m.InputCostPerMTok, &m.OutputCostPerMTok, &m.Active)
	if err != nil {
		if isNoRows(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to get model %s: %w", slug, err)
	}
	m.Provider = llm.Provider(provider)
	return &m, nil
}

// GetCredential returns the api_credentials row with id, nil when unknown
func (db *DB) GetCredential(ctx context.Context, id string) (*credentials.Credential, error) {
	var c credentials.Credential
	var provider string
	err := db.pool.QueryRow(ctx,
		`SELECT id::text, provider, scopes, api_key, active
		 FROM api_credentials WHERE id::text = $1`,
		id,
	).Scan(&c.ID, &provider, &c.Scopes, &c.APIKey, &c.Active)
	if err != nil {
		if isNoRows(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to get credential: %w", err)
	}
	c.Provider = llm.Provider(provider)
	return &c, nil
}

// ListActiveCredentials lists a provider's active credentials, oldest first
func (db *DB) ListActiveCredentials(ctx context.Context, provider llm.Provider) ([]credentials.Credential, error) {
	rows, err := db.pool.Query(ctx,
		`SELECT id::text, provider, scopes, api_key, active
		 FROM api_credentials
		 WHERE provider = $1 AND active
		 ORDER BY created_at, id`,
		string(provider),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to list credentials: %w", err)
	}
	defer rows.Close()

	var creds []credentials.Credential
	for rows.Next() {
		var c credentials.Credential
		var p string
		if err := rows.Scan(&c.ID, &p, &c.Scopes, &c.APIKey, &c.Active); err != nil {
			return nil, fmt.Errorf("failed to scan credential: %w", err)
		}
		c.Provider = llm.Provider(p)
		creds = append(creds, c)
	}
	return creds, rows.Err()
}
