// Package cache implements the content-addressed completion cache. Identical
// request bodies hash to the same key, so replays are served from storage at
// zero cost.
package cache

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/Multiproject-EJ/futurefunds-site-sub000/internal/llm"
	"github.com/Multiproject-EJ/futurefunds-site-sub000/internal/metrics"
	"go.uber.org/zap"
)

// DefaultTTL applies to scopes without an explicit TTL
const DefaultTTL = 7 * 24 * time.Hour

// Model is a resolved completion model bound to a client
type Model struct {
	Slug   string
	Name   string
	Client llm.Client
	Price  func(llm.Usage) float64
}

// Call describes one cached completion
type Call struct {
	Scope   string
	Stage   int
	Ticker  string
	Purpose string
	Model   Model
	Request llm.Request
	// Context is stored alongside the response (e.g. citations used)
	Context any
}

// Result is what a completion returned, from cache or upstream
type Result struct {
	Text       string
	Usage      llm.Usage
	Cost       float64
	CacheHit   bool
	CacheKey   string
	PromptHash string
}

// Record is a persisted cache row
type Record struct {
	ModelSlug  string
	CacheKey   string
	PromptHash string
	Scope      string
	Response   string
	Usage      llm.Usage
	Context    json.RawMessage
	ExpiresAt  time.Time
	HitCount   int
	LastHitAt  *time.Time
	CreatedAt  time.Time
}

// Store persists cache records
type Store interface {
	// GetCachedCompletion returns nil, nil when no record exists
	GetCachedCompletion(ctx context.Context, modelSlug, cacheKey string) (*Record, error)
	DeleteCachedCompletion(ctx context.Context, modelSlug, cacheKey string) error
	TouchCachedCompletion(ctx context.Context, modelSlug, cacheKey string, at time.Time) error
	PutCachedCompletion(ctx context.Context, rec *Record) error
}

// Config controls cache behavior
type Config struct {
	Disabled   bool
	DefaultTTL time.Duration
	ScopeTTL   map[string]time.Duration
}

// TTL returns the lifetime of entries written under scope
func (c Config) TTL(scope string) time.Duration {
	if ttl, ok := c.ScopeTTL[scope]; ok && ttl > 0 {
		return ttl
	}
	if c.DefaultTTL > 0 {
		return c.DefaultTTL
	}
	return DefaultTTL
}

// Cache wraps model calls with a content-addressed lookup
type Cache struct {
	store  Store
	config Config
	logger *zap.Logger
	now    func() time.Time
}

// New creates a cache backed by store
func New(store Store, config Config, logger *zap.Logger) *Cache {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Cache{
		store:  store,
		config: config,
		logger: logger,
		now:    time.Now,
	}
}

// Complete serves call from cache when a live record exists, otherwise invokes
// the model and stores the response. Cache hits carry zero cost.
func (c *Cache) Complete(ctx context.Context, call Call) (*Result, error) {
	if call.Model.Client == nil {
		return nil, fmt.Errorf("no client for model %q", call.Model.Slug)
	}
	if call.Request.Model == "" {
		call.Request.Model = call.Model.Name
	}

	hash, err := PromptHash(call.Request)
	if err != nil {
		return nil, fmt.Errorf("failed to hash request: %w", err)
	}
	key := Key(call.Scope, call.Stage, call.Ticker, call.Purpose, hash)
	log := c.logger.With(
		zap.String("model", call.Model.Slug),
		zap.String("purpose", call.Purpose),
		zap.String("ticker", call.Ticker))

	if !c.config.Disabled && c.store != nil {
		if res := c.lookup(ctx, call.Model.Slug, key, hash, log); res != nil {
			return res, nil
		}
	}

	resp, err := call.Model.Client.Generate(ctx, call.Request)
	if err != nil {
		return nil, err
	}

	cost := 0.0
	if call.Model.Price != nil {
		cost = call.Model.Price(resp.Usage)
	}

	if !c.config.Disabled && c.store != nil {
		c.save(ctx, call, key, hash, resp, log)
	}

	return &Result{
		Text:       resp.Text,
		Usage:      resp.Usage,
		Cost:       cost,
		CacheKey:   key,
		PromptHash: hash,
	}, nil
}

// Evict drops a stored completion whose reply was rejected downstream, so the
// next identical call goes back to the model.
func (c *Cache) Evict(ctx context.Context, modelSlug, cacheKey string) error {
	if c.config.Disabled || c.store == nil || cacheKey == "" {
		return nil
	}
	if err := c.store.DeleteCachedCompletion(ctx, modelSlug, cacheKey); err != nil {
		return fmt.Errorf("failed to evict cache entry: %w", err)
	}
	metrics.ObserveCacheLookup("evict")
	return nil
}

// lookup returns nil on miss. Store failures are treated as misses.
func (c *Cache) lookup(ctx context.Context, slug, key, hash string, log *zap.Logger) *Result {
	rec, err := c.store.GetCachedCompletion(ctx, slug, key)
	if err != nil {
		log.Warn("cache read failed", zap.Error(err))
		metrics.ObserveCacheLookup("error")
		return nil
	}
	if rec == nil {
		metrics.ObserveCacheLookup("miss")
		return nil
	}

	now := c.now()
	if !rec.ExpiresAt.IsZero() && rec.ExpiresAt.Before(now) {
		if err := c.store.DeleteCachedCompletion(ctx, slug, key); err != nil {
			log.Warn("failed to evict expired cache entry", zap.Error(err))
		}
		metrics.ObserveCacheLookup("expired")
		return nil
	}

	if err := c.store.TouchCachedCompletion(ctx, slug, key, now); err != nil {
		log.Warn("failed to record cache hit", zap.Error(err))
	}
	metrics.ObserveCacheLookup("hit")
	log.Debug("cache hit", zap.String("cache_key", key))

	return &Result{
		Text:       rec.Response,
		Usage:      rec.Usage,
		Cost:       0,
		CacheHit:   true,
		CacheKey:   key,
		PromptHash: hash,
	}
}

func (c *Cache) save(ctx context.Context, call Call, key, hash string, resp *llm.Response, log *zap.Logger) {
	var ctxJSON json.RawMessage
	if call.Context != nil {
		raw, err := json.Marshal(call.Context)
		if err != nil {
			log.Warn("failed to encode cache context", zap.Error(err))
		} else {
			ctxJSON = raw
		}
	}

	now := c.now()
	rec := &Record{
		ModelSlug:  call.Model.Slug,
		CacheKey:   key,
		PromptHash: hash,
		Scope:      call.Scope,
		Response:   resp.Text,
		Usage:      resp.Usage,
		Context:    ctxJSON,
		ExpiresAt:  now.Add(c.config.TTL(call.Scope)),
		CreatedAt:  now,
	}
	if err := c.store.PutCachedCompletion(ctx, rec); err != nil {
		log.Warn("cache write failed", zap.Error(err))
		return
	}
	metrics.ObserveCacheLookup("store")
}
