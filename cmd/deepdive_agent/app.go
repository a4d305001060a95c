package main

import (
	"context"
	"fmt"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/Multiproject-EJ/futurefunds-site-sub000/internal/cache"
	"github.com/Multiproject-EJ/futurefunds-site-sub000/internal/config"
	"github.com/Multiproject-EJ/futurefunds-site-sub000/internal/credentials"
	"github.com/Multiproject-EJ/futurefunds-site-sub000/internal/db"
	"github.com/Multiproject-EJ/futurefunds-site-sub000/internal/fetch"
	"github.com/Multiproject-EJ/futurefunds-site-sub000/internal/ledger"
	"github.com/Multiproject-EJ/futurefunds-site-sub000/internal/logging"
	"github.com/Multiproject-EJ/futurefunds-site-sub000/internal/metrics"
	"github.com/Multiproject-EJ/futurefunds-site-sub000/internal/notify"
	"github.com/Multiproject-EJ/futurefunds-site-sub000/internal/pipeline"
	"github.com/Multiproject-EJ/futurefunds-site-sub000/internal/prompts"
)

// app holds the wired components shared by serve and consume
type app struct {
	cfg      *config.Config
	logger   *zap.Logger
	db       *db.DB
	consumer *pipeline.Consumer
}

// loadConfig reads and validates configuration. serve adds the HTTP
// requirements on top of the base checks.
func loadConfig(serve bool) (*config.Config, error) {
	cfg, err := config.LoadConfig(configPath)
	if err != nil {
		return nil, err
	}
	if serve {
		err = cfg.ValidateServe()
	} else {
		err = cfg.Validate()
	}
	if err != nil {
		return nil, err
	}
	return cfg, nil
}

// newApp connects to the database and wires every component of a batch
func newApp(ctx context.Context, cfg *config.Config) (*app, error) {
	if cfg.Database.URL == "" {
		return nil, fmt.Errorf("DATABASE_URL environment variable is required")
	}

	logger, err := logging.New(cfg.Logging.Level, cfg.Logging.JSON)
	if err != nil {
		return nil, fmt.Errorf("failed to create logger: %w", err)
	}
	if err := metrics.Register(prometheus.DefaultRegisterer); err != nil {
		return nil, fmt.Errorf("failed to register metrics: %w", err)
	}

	database, err := db.Connect(ctx, cfg.Database.URL)
	if err != nil {
		return nil, err
	}
	database.SetClaimLease(cfg.Batch.ClaimLease)

	return &app{
		cfg:      cfg,
		logger:   logger,
		db:       database,
		consumer: newConsumer(cfg, database, logger),
	}, nil
}

// Close releases the pool and flushes logs
func (a *app) Close() {
	a.db.Close()
	_ = a.logger.Sync()
}

// newConsumer builds the batch consumer on top of database
func newConsumer(cfg *config.Config, database *db.DB, logger *zap.Logger) *pipeline.Consumer {
	resolver := credentials.NewResolver(database, credentials.Options{
		DefaultSlug:     cfg.Models.Default,
		PreferredScopes: cfg.Models.PreferredScopes,
		EnvKeys:         cfg.EnvKeys(),
	}, logger.Named("credentials"))

	dispatcher := notify.NewDispatcher(database, senders(cfg), cfg.Notify.DedupWindow, logger.Named("notify"))

	return pipeline.NewConsumer(pipeline.Deps{
		Store:      database,
		Answers:    database,
		Summaries:  database,
		Ledger:     ledger.New(database, logger.Named("ledger")),
		Cache:      cache.New(database, cfg.CacheConfig(), logger.Named("cache")),
		Resolver:   resolver,
		Clients:    pipeline.GeminiFactory{Retry: cfg.RetryPolicy(), Logger: logger.Named("llm")},
		Searcher:   database,
		Dispatcher: dispatcher,
		Prompts:    prompts.NewLibrary(),
	}, consumerOptions(cfg), logger.Named("pipeline"))
}

// consumerOptions maps configuration onto batch options
func consumerOptions(cfg *config.Config) pipeline.Options {
	return pipeline.Options{
		ModelSlug:          cfg.Models.Default,
		FallbackModelSlug:  cfg.Models.Fallback,
		EmbeddingModelSlug: cfg.Models.Embedding,
		PreferredScopes:    cfg.Models.PreferredScopes,
		MaxBatch:           cfg.Batch.MaxLimit,
		Retrieval:          cfg.RetrievalOptions(),
		ScopeRetrieval:     cfg.Retrieval.ScopeToTicker,
		Evaluator:          cfg.EvaluatorOptions(),
	}
}

// senders returns the delivery backends keyed by channel type. Email is
// only registered when an API key is configured.
func senders(cfg *config.Config) map[string]notify.Sender {
	opts := fetch.DefaultOptions()
	if cfg.Notify.Timeout > 0 {
		opts.Timeout = cfg.Notify.Timeout
	}

	out := map[string]notify.Sender{
		notify.ChannelWebhook: &notify.WebhookSender{Opts: opts},
	}
	if cfg.Notify.EmailAPIKey != "" {
		out[notify.ChannelEmail] = &notify.EmailSender{
			APIURL: cfg.Notify.EmailAPIURL,
			APIKey: cfg.Notify.EmailAPIKey,
			From:   cfg.Notify.EmailFrom,
			Opts:   opts,
		}
	}
	return out
}
