package pipeline

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/Multiproject-EJ/futurefunds-site-sub000/internal/db"
	"github.com/Multiproject-EJ/futurefunds-site-sub000/internal/ensemble"
	"github.com/Multiproject-EJ/futurefunds-site-sub000/internal/ledger"
	"github.com/Multiproject-EJ/futurefunds-site-sub000/internal/metrics"
	"github.com/Multiproject-EJ/futurefunds-site-sub000/internal/notify"
	"github.com/Multiproject-EJ/futurefunds-site-sub000/internal/questions"
	"github.com/Multiproject-EJ/futurefunds-site-sub000/internal/retrieval"
	"github.com/Multiproject-EJ/futurefunds-site-sub000/internal/summary"
)

// Ticker result statuses
const (
	StatusOK      = "ok"
	StatusFailed  = "failed"
	StatusSkipped = "skipped"
)

// Progress steps
const (
	StepClaim     = "claim"
	StepRetrieve  = "retrieve"
	StepQuestions = "questions"
	StepEnsemble  = "ensemble"
	StepSummary   = "summary"
	StepNotify    = "notify"
	StepComplete  = "complete"
)

// settleTimeout bounds run item transitions written after the batch context ends
const settleTimeout = 10 * time.Second

// settleContext outlives cancellation of ctx so a claimed ticker always
// leaves in_progress.
func settleContext(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.WithoutCancel(ctx), settleTimeout)
}

// tickerRun is what analyze produced, possibly partial on failure
type tickerRun struct {
	thesis    *summary.Thesis
	report    *notify.Report
	retrieval *retrieval.Context
	calls     int
	hits      int
}

// priorContext holds earlier-stage material for a ticker
type priorContext struct {
	meta   retrieval.TickerMeta
	stage1 string
	stage2 string
}

// processTicker takes one ticker through the whole stage. It never returns an
// error: failures are recorded on the run item and reported in the result.
func (c *Consumer) processTicker(ctx context.Context, b *batchContext, ticker string, onProgress ProgressCallback) (TickerResult, string, int) {
	runID := b.run.ID
	log := b.logger.With(zap.String("ticker", ticker))
	result := TickerResult{Ticker: ticker}
	progress := func(step, format string, args ...any) {
		if onProgress != nil {
			onProgress(ProgressEvent{
				Ticker:  ticker,
				Step:    step,
				Message: fmt.Sprintf(format, args...),
				RunID:   runID.String(),
			})
		}
	}

	if c.deps.Ledger != nil {
		if err := c.deps.Ledger.Claim(ctx, runID, ticker, questions.DeepDiveStage); err != nil {
			result.UpdatedAt = c.now()
			if errors.Is(err, ledger.ErrNotClaimed) {
				log.Info("ticker already claimed by another invocation")
				result.Status = StatusSkipped
				progress(StepClaim, "already claimed, skipping")
				return result, metrics.OutcomeSkipped, 0
			}
			log.Error("failed to claim ticker", zap.Error(err))
			result.Status = StatusFailed
			result.Error = err.Error()
			return result, metrics.OutcomeFailed, 0
		}
	}
	progress(StepClaim, "claimed")

	tr, err := c.analyze(ctx, b, ticker, log, progress)
	hits := tr.hits
	result.UpdatedAt = c.now()
	if rc := tr.retrieval; rc != nil {
		result.Retrieval = &TickerRetrieval{Hits: rc.Hits, EmbeddingTokens: rc.EmbeddingTokens, Degraded: rc.Degraded}
	}
	if err != nil {
		log.Error("ticker failed", zap.Error(err))
		c.fail(ctx, b, ticker, err)
		result.Status = StatusFailed
		result.Error = err.Error()
		return result, metrics.OutcomeFailed, hits
	}

	if c.deps.Ledger != nil {
		settleCtx, cancel := settleContext(ctx)
		err := c.deps.Ledger.Complete(settleCtx, runID, ticker, questions.DeepDiveStage)
		cancel()
		if err != nil {
			log.Error("failed to complete ticker", zap.Error(err))
			c.fail(ctx, b, ticker, err)
			result.Status = StatusFailed
			result.Error = err.Error()
			return result, metrics.OutcomeFailed, hits
		}
	}
	progress(StepComplete, "verdict %s", tr.thesis.Verdict)

	allHit := tr.calls > 0 && tr.hits == tr.calls
	result.Status = StatusOK
	result.Verdict = string(tr.thesis.Verdict)
	result.Summary = tr.thesis.Summary
	result.CacheHit = &allHit
	result.Notifications = tr.report
	return result, metrics.OutcomeOK, hits
}

// analyze runs retrieval through notification. The returned tickerRun is
// never nil and carries retrieval and cache stats even on failure.
func (c *Consumer) analyze(ctx context.Context, b *batchContext, ticker string, log *zap.Logger, progress func(string, string, ...any)) (*tickerRun, error) {
	runID := b.run.ID
	tr := &tickerRun{}

	prior, snapshots, err := c.loadTicker(ctx, b, ticker, log)
	if err != nil {
		return tr, err
	}

	rc := b.augmenter.Retrieve(ctx, retrieval.Input{
		Meta:          prior.meta,
		Stage1:        prior.stage1,
		Stage2:        prior.stage2,
		ScopeToTicker: c.opts.ScopeRetrieval,
	})
	tr.retrieval = rc
	progress(StepRetrieve, "%d excerpts", rc.Hits)

	sectorNotes, err := c.deps.Store.GetSectorNotes(ctx, prior.meta.Sector)
	if err != nil {
		log.Warn("sector notes unavailable", zap.Error(err))
		sectorNotes = ""
	}

	pass, err := b.evaluator.EvaluateTicker(ctx, questions.TickerInput{
		RunID:        runID,
		Ticker:       ticker,
		Meta:         prior.meta,
		Registry:     b.registry,
		Model:        b.model,
		ModelFor:     b.modelFor,
		Retrieval:    rc,
		PriorContext: formatPrior(prior),
		SectorNotes:  sectorNotes,
	})
	if pass != nil {
		tr.calls, tr.hits = pass.Calls, pass.CacheHits
	}
	if err != nil {
		return tr, err
	}
	progress(StepQuestions, "%d questions answered (%d cached)", pass.Calls, pass.CacheHits)

	scores := ensemble.Score(ensemble.Input{
		Dimensions: b.registry.Dimensions(),
		Outcomes:   pass.Outcomes,
		Links:      b.links,
		Snapshots:  snapshots,
	})
	if err := c.deps.Store.SaveDimensionScores(ctx, runID, ticker, scores); err != nil {
		return tr, err
	}
	progress(StepEnsemble, "%d dimensions scored", len(scores))

	thesis, err := b.composer.Compose(ctx, summary.Input{
		RunID:      runID,
		Ticker:     ticker,
		Meta:       prior.meta,
		Model:      b.model,
		Dimensions: scores,
		Retrieval:  rc,
	})
	if err != nil {
		return tr, err
	}
	tr.thesis = thesis
	tr.calls++
	if thesis.CacheHit {
		tr.hits++
	}
	progress(StepSummary, "%s", thesis.Verdict)

	if c.deps.Dispatcher != nil {
		r := c.deps.Dispatcher.Dispatch(ctx, notify.Alert{
			RunID:        runID,
			Ticker:       ticker,
			Name:         prior.meta.Name,
			Stage:        questions.DeepDiveStage,
			WatchlistID:  b.run.WatchlistID,
			Verdict:      string(thesis.Verdict),
			Conviction:   thesis.Conviction,
			Thesis:       thesis.Thesis,
			Summary:      thesis.Summary,
			OverallScore: thesis.OverallScore,
			Dimensions:   scores,
			Risks:        thesis.Risks,
			Catalysts:    thesis.Catalysts,
		})
		tr.report = &r
		progress(StepNotify, "%d sent, %d failed, %d skipped", r.Sent, r.Failed, r.Skipped)
	}
	return tr, nil
}

// loadTicker fetches metadata, prior answers and factor snapshots
// concurrently. Missing metadata and snapshots degrade; a prior-answer read
// failure fails the ticker.
func (c *Consumer) loadTicker(ctx context.Context, b *batchContext, ticker string, log *zap.Logger) (*priorContext, map[string]ensemble.Snapshot, error) {
	g, gCtx := errgroup.WithContext(ctx)

	var mu sync.Mutex
	prior := &priorContext{meta: retrieval.TickerMeta{Ticker: ticker}}
	var snapshots map[string]ensemble.Snapshot

	g.Go(func() error {
		meta, err := c.deps.Store.GetTicker(gCtx, ticker)
		if err != nil {
			log.Warn("ticker metadata unavailable", zap.Error(err))
			return nil
		}
		if meta != nil {
			mu.Lock()
			prior.meta = *meta
			mu.Unlock()
		}
		return nil
	})

	g.Go(func() error {
		answers, err := c.deps.Store.ListPriorAnswers(gCtx, b.run.ID, ticker, questions.DeepDiveStage)
		if err != nil {
			return fmt.Errorf("failed to load prior answers: %w", err)
		}
		stage1, stage2 := splitPrior(answers)
		mu.Lock()
		prior.stage1, prior.stage2 = stage1, stage2
		mu.Unlock()
		return nil
	})

	g.Go(func() error {
		snaps, err := c.deps.Store.LatestSnapshots(gCtx, ticker)
		if err != nil {
			log.Warn("factor snapshots unavailable", zap.Error(err))
			return nil
		}
		mu.Lock()
		snapshots = snaps
		mu.Unlock()
		return nil
	})

	if err := g.Wait(); err != nil {
		return nil, nil, err
	}
	if prior.meta.Ticker == "" {
		prior.meta.Ticker = ticker
	}
	return prior, snapshots, nil
}

// splitPrior renders stage-1 and stage-2 answers as plain text
func splitPrior(answers []db.PriorAnswer) (string, string) {
	var stage1, stage2 []string
	for _, a := range answers {
		line := a.QuestionSlug
		if a.Verdict != nil && *a.Verdict != "" {
			line += " [" + *a.Verdict + "]"
		}
		if a.Summary != nil && *a.Summary != "" {
			line += ": " + *a.Summary
		} else if len(a.Answer) > 0 {
			line += ": " + string(a.Answer)
		}
		switch a.Stage {
		case 1:
			stage1 = append(stage1, line)
		case 2:
			stage2 = append(stage2, line)
		}
	}
	return strings.Join(stage1, "\n"), strings.Join(stage2, "\n")
}

func formatPrior(p *priorContext) string {
	var parts []string
	if p.stage1 != "" {
		parts = append(parts, "Stage 1 triage:\n"+p.stage1)
	}
	if p.stage2 != "" {
		parts = append(parts, "Stage 2 scoring:\n"+p.stage2)
	}
	return strings.Join(parts, "\n\n")
}

func (c *Consumer) fail(ctx context.Context, b *batchContext, ticker string, cause error) {
	if c.deps.Ledger == nil {
		return
	}
	ctx, cancel := settleContext(ctx)
	defer cancel()
	c.deps.Ledger.Fail(ctx, b.run.ID, ticker, cause)
	c.deps.Ledger.LogError(ctx, ledger.ErrorLog{
		RunID:   b.run.ID,
		Ticker:  ticker,
		Stage:   questions.DeepDiveStage,
		Source:  "deep_dive",
		Message: cause.Error(),
	})
}
