package pipeline

import (
	"context"
	"fmt"
	"io"
	"sync"

	"go.uber.org/zap"

	"github.com/Multiproject-EJ/futurefunds-site-sub000/internal/cache"
	"github.com/Multiproject-EJ/futurefunds-site-sub000/internal/credentials"
	"github.com/Multiproject-EJ/futurefunds-site-sub000/internal/db"
	"github.com/Multiproject-EJ/futurefunds-site-sub000/internal/ensemble"
	"github.com/Multiproject-EJ/futurefunds-site-sub000/internal/llm"
	"github.com/Multiproject-EJ/futurefunds-site-sub000/internal/questions"
	"github.com/Multiproject-EJ/futurefunds-site-sub000/internal/retrieval"
	"github.com/Multiproject-EJ/futurefunds-site-sub000/internal/summary"
)

// ClientFactory builds provider clients for resolved models
type ClientFactory interface {
	Client(ctx context.Context, m *credentials.ResolvedModel) (llm.Client, error)
	Embedder(ctx context.Context, m *credentials.ResolvedModel) (EmbeddingClient, error)
}

// EmbeddingClient is an embedder holding provider resources
type EmbeddingClient interface {
	llm.Embedder
	io.Closer
}

// GeminiFactory creates Gemini clients wrapped with the retry policy
type GeminiFactory struct {
	Retry  llm.RetryPolicy
	Logger *zap.Logger
}

// Client creates a retrying completion client
func (f GeminiFactory) Client(ctx context.Context, m *credentials.ResolvedModel) (llm.Client, error) {
	client, err := llm.NewClient(ctx, m.Provider, m.APIKey)
	if err != nil {
		return nil, err
	}
	return llm.WithRetry(client, f.Retry, f.Logger), nil
}

// Embedder creates an embedding client
func (f GeminiFactory) Embedder(ctx context.Context, m *credentials.ResolvedModel) (EmbeddingClient, error) {
	client, err := llm.NewClient(ctx, m.Provider, m.APIKey)
	if err != nil {
		return nil, err
	}
	return client, nil
}

// batchContext is everything built once per invocation and shared by the
// tickers of that invocation. Nothing here outlives Run.
type batchContext struct {
	run       *db.Run
	model     cache.Model
	registry  *questions.Registry
	links     []ensemble.FactorLink
	augmenter *retrieval.Augmenter
	evaluator *questions.Evaluator
	composer  *summary.Composer
	logger    *zap.Logger

	mu        sync.Mutex
	overrides map[string]cache.Model
	closers   []io.Closer
	resolve   func(ctx context.Context, slug string) (cache.Model, error)
}

func (c *Consumer) newBatch(ctx context.Context, run *db.Run, log *zap.Logger) (*batchContext, error) {
	b := &batchContext{
		run:       run,
		logger:    log,
		overrides: make(map[string]cache.Model),
	}

	resolved, err := c.deps.Resolver.Resolve(ctx, credentials.Request{
		ModelSlug:       c.opts.ModelSlug,
		FallbackSlug:    c.opts.FallbackModelSlug,
		PreferredScopes: c.opts.PreferredScopes,
	})
	if err != nil {
		return nil, err
	}
	model, err := c.cacheModel(ctx, b, resolved)
	if err != nil {
		b.close()
		return nil, &credentials.ConfigError{Slug: resolved.Slug, Reason: "client unavailable", Err: err}
	}
	b.model = model
	log.Info("resolved completion model",
		zap.String("model", resolved.Slug),
		zap.String("credential_source", resolved.CredentialSource))

	b.resolve = func(ctx context.Context, slug string) (cache.Model, error) {
		m, err := c.deps.Resolver.Resolve(ctx, credentials.Request{
			ModelSlug:       slug,
			PreferredScopes: c.opts.PreferredScopes,
		})
		if err != nil {
			return cache.Model{}, err
		}
		return c.cacheModel(ctx, b, m)
	}

	dims, err := c.deps.Store.ListDimensions(ctx)
	if err != nil {
		b.close()
		return nil, fmt.Errorf("failed to load dimensions: %w", err)
	}
	qs, err := c.deps.Store.ListQuestions(ctx, questions.DeepDiveStage)
	if err != nil {
		b.close()
		return nil, fmt.Errorf("failed to load questions: %w", err)
	}
	registry, err := questions.NewRegistry(dims, qs)
	if err != nil {
		b.close()
		return nil, err
	}
	for _, w := range registry.Warnings {
		log.Warn("question registry warning", zap.String("warning", w.String()))
	}
	if registry.Len() == 0 {
		log.Warn("no active stage-3 questions; tickers will be summarized from factors only")
	}
	b.registry = registry

	links, err := c.deps.Store.ListFactorLinks(ctx)
	if err != nil {
		log.Warn("factor links unavailable, scoring from answers only", zap.Error(err))
	}
	b.links = links

	var recorder questions.Recorder
	if c.deps.Ledger != nil {
		recorder = c.deps.Ledger
	}
	b.augmenter = retrieval.NewAugmenter(c.embedder(ctx, b), c.deps.Searcher, c.retrievalOptions(), log)
	b.evaluator = questions.NewEvaluator(c.deps.Cache, c.deps.Prompts, c.deps.Answers, recorder, c.opts.Evaluator, log)
	b.composer = summary.NewComposer(c.deps.Cache, c.deps.Prompts, c.deps.Summaries, recorder, c.opts.Evaluator, log)
	return b, nil
}

// embedder resolves the embedding model. Failures degrade retrieval.
func (c *Consumer) embedder(ctx context.Context, b *batchContext) llm.Embedder {
	if c.opts.EmbeddingModelSlug == "" || c.deps.Clients == nil {
		return nil
	}
	resolved, err := c.deps.Resolver.Resolve(ctx, credentials.Request{
		ModelSlug:       c.opts.EmbeddingModelSlug,
		PreferredScopes: c.opts.PreferredScopes,
	})
	if err != nil {
		b.logger.Warn("embedding model unavailable, retrieval disabled", zap.Error(err))
		return nil
	}
	emb, err := c.deps.Clients.Embedder(ctx, resolved)
	if err != nil {
		b.logger.Warn("embedding client unavailable, retrieval disabled", zap.Error(err))
		return nil
	}
	b.track(emb)
	return emb
}

func (c *Consumer) retrievalOptions() retrieval.Options {
	opts := c.opts.Retrieval
	if opts.EmbeddingModel == "" {
		opts.EmbeddingModel = c.opts.EmbeddingModelSlug
	}
	return opts
}

func (c *Consumer) cacheModel(ctx context.Context, b *batchContext, m *credentials.ResolvedModel) (cache.Model, error) {
	if c.deps.Clients == nil {
		return cache.Model{}, fmt.Errorf("no client factory configured")
	}
	client, err := c.deps.Clients.Client(ctx, m)
	if err != nil {
		return cache.Model{}, err
	}
	b.track(client)
	return cache.Model{Slug: m.Slug, Name: m.ProviderModel, Client: client, Price: m.Cost}, nil
}

// modelFor serves per-question model overrides, resolving each slug once
func (b *batchContext) modelFor(ctx context.Context, slug string) (cache.Model, error) {
	b.mu.Lock()
	m, ok := b.overrides[slug]
	b.mu.Unlock()
	if ok {
		return m, nil
	}

	m, err := b.resolve(ctx, slug)
	if err != nil {
		return cache.Model{}, err
	}
	b.mu.Lock()
	b.overrides[slug] = m
	b.mu.Unlock()
	return m, nil
}

func (b *batchContext) track(c io.Closer) {
	if c == nil {
		return
	}
	b.mu.Lock()
	b.closers = append(b.closers, c)
	b.mu.Unlock()
}

func (b *batchContext) close() {
	b.mu.Lock()
	closers := b.closers
	b.closers = nil
	b.mu.Unlock()
	for _, c := range closers {
		if err := c.Close(); err != nil {
			b.logger.Debug("failed to close client", zap.Error(err))
		}
	}
}
