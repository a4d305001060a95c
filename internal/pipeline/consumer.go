// Package pipeline provides the stage-3 batch consumer: it claims pending
// tickers of a run and takes each one through retrieval, question
// evaluation, ensemble scoring, summary composition and notification.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/Multiproject-EJ/futurefunds-site-sub000/internal/credentials"
	"github.com/Multiproject-EJ/futurefunds-site-sub000/internal/db"
	"github.com/Multiproject-EJ/futurefunds-site-sub000/internal/ensemble"
	"github.com/Multiproject-EJ/futurefunds-site-sub000/internal/ledger"
	"github.com/Multiproject-EJ/futurefunds-site-sub000/internal/metrics"
	"github.com/Multiproject-EJ/futurefunds-site-sub000/internal/notify"
	"github.com/Multiproject-EJ/futurefunds-site-sub000/internal/prompts"
	"github.com/Multiproject-EJ/futurefunds-site-sub000/internal/questions"
	"github.com/Multiproject-EJ/futurefunds-site-sub000/internal/retrieval"
	"github.com/Multiproject-EJ/futurefunds-site-sub000/internal/summary"
)

// Batch limits
const (
	DefaultLimit    = 1
	DefaultMaxBatch = 6
)

// ErrRunNotFound is returned when the requested run does not exist
var ErrRunNotFound = errors.New("run not found")

// Store is the read side the consumer needs beyond the component stores
type Store interface {
	GetRun(ctx context.Context, runID uuid.UUID) (*db.Run, error)
	RunStageMetrics(ctx context.Context, runID uuid.UUID, stage int) (*db.StageMetrics, error)
	ListPendingTickers(ctx context.Context, runID uuid.UUID, stage, limit int) ([]string, error)
	ListDimensions(ctx context.Context) ([]questions.Dimension, error)
	ListQuestions(ctx context.Context, stage int) ([]questions.Question, error)
	GetTicker(ctx context.Context, ticker string) (*retrieval.TickerMeta, error)
	ListPriorAnswers(ctx context.Context, runID uuid.UUID, ticker string, stage int) ([]db.PriorAnswer, error)
	GetSectorNotes(ctx context.Context, sector string) (string, error)
	ListFactorLinks(ctx context.Context) ([]ensemble.FactorLink, error)
	LatestSnapshots(ctx context.Context, ticker string) (map[string]ensemble.Snapshot, error)
	SaveDimensionScores(ctx context.Context, runID uuid.UUID, ticker string, scores []ensemble.DimensionScore) error
}

// ModelResolver resolves a model slug to a callable model and credential
type ModelResolver interface {
	Resolve(ctx context.Context, req credentials.Request) (*credentials.ResolvedModel, error)
}

// Deps are the collaborators of a Consumer
type Deps struct {
	Store      Store
	Answers    questions.Store
	Summaries  summary.Store
	Ledger     *ledger.Ledger
	Cache      questions.Completer
	Resolver   ModelResolver
	Clients    ClientFactory
	Searcher   retrieval.Searcher
	Dispatcher *notify.Dispatcher
	Prompts    *prompts.Library
}

// Options configure model selection and batch behavior
type Options struct {
	ModelSlug          string
	FallbackModelSlug  string
	EmbeddingModelSlug string
	PreferredScopes    []string
	MaxBatch           int
	Retrieval          retrieval.Options
	ScopeRetrieval     bool
	Evaluator          questions.EvaluatorOptions
}

// ProgressEvent represents a progress update during batch execution
type ProgressEvent struct {
	Ticker  string `json:"ticker"`
	Step    string `json:"step"`
	Message string `json:"message"`
	RunID   string `json:"run_id,omitempty"`
}

// ProgressCallback is called when batch progress occurs
type ProgressCallback func(event ProgressEvent)

// Request is one batch invocation
type Request struct {
	RunID      uuid.UUID        `json:"run_id" validate:"required"`
	Limit      int              `json:"limit,omitempty" validate:"gte=0"`
	ClientMeta map[string]any   `json:"client_meta,omitempty"`
	OnProgress ProgressCallback `json:"-"`
}

// TickerRetrieval reports what retrieval contributed to a ticker
type TickerRetrieval struct {
	Hits            int  `json:"hits"`
	EmbeddingTokens int  `json:"embedding_tokens"`
	Degraded        bool `json:"degraded"`
}

// TickerResult is the outcome of one ticker
type TickerResult struct {
	Ticker        string           `json:"ticker"`
	Verdict       string           `json:"verdict,omitempty"`
	Summary       string           `json:"summary,omitempty"`
	UpdatedAt     time.Time        `json:"updated_at"`
	Status        string           `json:"status"`
	Retrieval     *TickerRetrieval `json:"retrieval,omitempty"`
	CacheHit      *bool            `json:"cache_hit,omitempty"`
	Notifications *notify.Report   `json:"notifications,omitempty"`
	Error         string           `json:"error,omitempty"`
}

// RetrievalTotals sums retrieval across a batch
type RetrievalTotals struct {
	TotalHits       int `json:"total_hits"`
	EmbeddingTokens int `json:"embedding_tokens"`
}

// Response summarizes a batch invocation. Interrupted is set when
// cancellation stopped the batch before every listed ticker was claimed.
type Response struct {
	RunID       uuid.UUID       `json:"run_id"`
	Processed   int             `json:"processed"`
	Failed      int             `json:"failed"`
	Model       string          `json:"model"`
	Metrics     db.StageMetrics `json:"metrics"`
	Results     []TickerResult  `json:"results"`
	Message     string          `json:"message"`
	CacheHits   int             `json:"cache_hits"`
	Retrieval   RetrievalTotals `json:"retrieval"`
	Interrupted bool            `json:"interrupted,omitempty"`
}

// Consumer runs stage-3 batches
type Consumer struct {
	deps   Deps
	opts   Options
	logger *zap.Logger
	now    func() time.Time
}

// NewConsumer creates a consumer
func NewConsumer(deps Deps, opts Options, logger *zap.Logger) *Consumer {
	if logger == nil {
		logger = zap.NewNop()
	}
	if opts.MaxBatch <= 0 {
		opts.MaxBatch = DefaultMaxBatch
	}
	if deps.Prompts == nil {
		deps.Prompts = prompts.NewLibrary()
	}
	return &Consumer{deps: deps, opts: opts, logger: logger, now: time.Now}
}

// ClampLimit bounds a requested limit to [1, max]; zero selects the default
func ClampLimit(limit, max int) int {
	if limit <= 0 {
		limit = DefaultLimit
	}
	if max > 0 && limit > max {
		limit = max
	}
	return limit
}

// Run processes up to req.Limit pending tickers. Configuration problems
// (unknown run, unresolvable model, cyclic registry) fail the batch; any
// per-ticker failure is recorded on that ticker and the batch continues.
// Cancellation stops the loop between tickers and the partial response is
// still returned.
func (c *Consumer) Run(ctx context.Context, req Request) (*Response, error) {
	start := c.now()
	defer func() { metrics.ObserveBatch(c.now().Sub(start)) }()

	log := c.logger.With(zap.String("run_id", req.RunID.String()))
	if len(req.ClientMeta) > 0 {
		log = log.With(zap.Any("client_meta", req.ClientMeta))
	}

	run, err := c.deps.Store.GetRun(ctx, req.RunID)
	if err != nil {
		return nil, fmt.Errorf("failed to load run: %w", err)
	}
	if run == nil {
		return nil, ErrRunNotFound
	}

	resp := &Response{RunID: run.ID, Results: []TickerResult{}}

	if run.StopRequested {
		if err := c.loadMetrics(ctx, resp); err != nil {
			return nil, err
		}
		resp.Message = "Run has been stopped; no tickers were processed."
		log.Info("stop requested, batch not started")
		return resp, nil
	}

	batch, err := c.newBatch(ctx, run, log)
	if err != nil {
		return nil, err
	}
	defer batch.close()
	resp.Model = batch.model.Slug

	limit := ClampLimit(req.Limit, c.opts.MaxBatch)
	tickers, err := c.deps.Store.ListPendingTickers(ctx, run.ID, questions.DeepDiveStage, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list pending tickers: %w", err)
	}

	for _, ticker := range tickers {
		if err := ctx.Err(); err != nil {
			resp.Interrupted = true
			log.Warn("batch interrupted, leaving remaining tickers unclaimed",
				zap.Int("remaining", len(tickers)-len(resp.Results)),
				zap.Error(err))
			break
		}
		result, outcome, hits := c.processTicker(ctx, batch, ticker, req.OnProgress)
		metrics.ObserveTicker(outcome)
		switch outcome {
		case metrics.OutcomeOK:
			resp.Processed++
		case metrics.OutcomeFailed:
			resp.Failed++
		}
		resp.CacheHits += hits
		if result.Retrieval != nil {
			resp.Retrieval.TotalHits += result.Retrieval.Hits
			resp.Retrieval.EmbeddingTokens += result.Retrieval.EmbeddingTokens
		}
		resp.Results = append(resp.Results, result)
	}

	settleCtx, cancel := settleContext(ctx)
	defer cancel()
	if err := c.loadMetrics(settleCtx, resp); err != nil {
		return nil, err
	}
	resp.Message = batchMessage(len(tickers), resp.Processed, resp.Failed)
	if resp.Interrupted {
		resp.Message += fmt.Sprintf(" Interrupted; %d tickers left pending.", len(tickers)-len(resp.Results))
	}

	log.Info("batch finished",
		zap.Int("processed", resp.Processed),
		zap.Int("failed", resp.Failed),
		zap.Int("cache_hits", resp.CacheHits))
	return resp, nil
}

func (c *Consumer) loadMetrics(ctx context.Context, resp *Response) error {
	m, err := c.deps.Store.RunStageMetrics(ctx, resp.RunID, questions.DeepDiveStage)
	if err != nil {
		return fmt.Errorf("failed to load run metrics: %w", err)
	}
	if m != nil {
		resp.Metrics = *m
	}
	return nil
}

func batchMessage(attempted, processed, failed int) string {
	if attempted == 0 {
		return "No pending tickers for stage 3."
	}
	msg := fmt.Sprintf("Processed %d of %d tickers", processed, attempted)
	if failed > 0 {
		msg += fmt.Sprintf(", %d failed", failed)
	}
	return msg + "."
}
