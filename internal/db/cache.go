package db

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/Multiproject-EJ/futurefunds-site-sub000/internal/cache"
)

// GetCachedCompletion returns the record for (model, key), nil when absent.
// Expiry is left to the caller.
func (db *DB) GetCachedCompletion(ctx context.Context, modelSlug, cacheKey string) (*cache.Record, error) {
	var rec cache.Record
	var usageJSON, contextJSON []byte
	err := db.pool.QueryRow(ctx,
		`SELECT model_slug, cache_key, prompt_hash, scope, response, usage, context,
		        expires_at, hit_count, last_hit_at, created_at
		 FROM cached_completions WHERE model_slug = $1 AND cache_key = $2`,
		modelSlug, cacheKey,
	).Scan(&rec.ModelSlug, &rec.CacheKey, &rec.PromptHash, &rec.Scope, &rec.Response, &usageJSON, &contextJSON,
		&rec.ExpiresAt, &rec.HitCount, &rec.LastHitAt, &rec.CreatedAt)
	if err != nil {
		if isNoRows(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to get cached completion: %w", err)
	}

	if usageJSON != nil {
		if err := json.Unmarshal(usageJSON, &rec.Usage); err != nil {
			return nil, fmt.Errorf("failed to unmarshal cached usage: %w", err)
		}
	}
	if contextJSON != nil {
		rec.Context = contextJSON
	}
	return &rec, nil
}

// DeleteCachedCompletion removes an expired record
func (db *DB) DeleteCachedCompletion(ctx context.Context, modelSlug, cacheKey string) error {
	_, err := db.pool.Exec(ctx,
		`DELETE FROM cached_completions WHERE model_slug = $1 AND cache_key = $2`,
		modelSlug, cacheKey,
	)
	if err != nil {
		return fmt.Errorf("failed to delete cached completion: %w", err)
	}
	return nil
}

// TouchCachedCompletion counts a hit
func (db *DB) TouchCachedCompletion(ctx context.Context, modelSlug, cacheKey string, at time.Time) error {
	_, err := db.pool.Exec(ctx,
		`UPDATE cached_completions SET hit_count = hit_count + 1, last_hit_at = $3
		 WHERE model_slug = $1 AND cache_key = $2`,
		modelSlug, cacheKey, at,
	)
	if err != nil {
		return fmt.Errorf("failed to touch cached completion: %w", err)
	}
	return nil
}

// PutCachedCompletion upserts a record, resetting hit statistics
func (db *DB) PutCachedCompletion(ctx context.Context, rec *cache.Record) error {
	usageJSON, err := json.Marshal(rec.Usage)
	if err != nil {
		return fmt.Errorf("failed to marshal usage: %w", err)
	}
	var contextJSON []byte
	if len(rec.Context) > 0 {
		contextJSON = rec.Context
	}

	_, err = db.pool.Exec(ctx,
		`INSERT INTO cached_completions (model_slug, cache_key, prompt_hash, scope, response, usage, context, expires_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		 ON CONFLICT (model_slug, cache_key) DO UPDATE SET
		   prompt_hash = $3, scope = $4, response = $5, usage = $6, context = $7,
		   expires_at = $8, hit_count = 0, last_hit_at = NULL, created_at = NOW()`,
		rec.ModelSlug, rec.CacheKey, rec.PromptHash, rec.Scope, rec.Response, usageJSON, contextJSON, rec.ExpiresAt,
	)
	if err != nil {
		return fmt.Errorf("failed to put cached completion: %w", err)
	}
	return nil
}

// PurgeExpiredCompletions deletes every expired record and reports how many
func (db *DB) PurgeExpiredCompletions(ctx context.Context, now time.Time) (int64, error) {
	tag, err := db.pool.Exec(ctx, `DELETE FROM cached_completions WHERE expires_at <= $1`, now)
	if err != nil {
		return 0, fmt.Errorf("failed to purge cached completions: %w", err)
	}
	return tag.RowsAffected(), nil
}
