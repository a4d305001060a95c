// Package summary composes the final deep-dive thesis from the scoreboard.
package summary

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"

	"github.com/Multiproject-EJ/futurefunds-site-sub000/internal/cache"
	"github.com/Multiproject-EJ/futurefunds-site-sub000/internal/ensemble"
	"github.com/Multiproject-EJ/futurefunds-site-sub000/internal/ledger"
	"github.com/Multiproject-EJ/futurefunds-site-sub000/internal/llm"
	"github.com/Multiproject-EJ/futurefunds-site-sub000/internal/prompts"
	"github.com/Multiproject-EJ/futurefunds-site-sub000/internal/questions"
	"github.com/Multiproject-EJ/futurefunds-site-sub000/internal/retrieval"
	"github.com/Multiproject-EJ/futurefunds-site-sub000/internal/schemas"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Purpose is the cache purpose and answer question slug of the summary row
const Purpose = "summary"

// Thesis is the composed final answer for a ticker
type Thesis struct {
	Verdict      questions.Verdict         `json:"verdict"`
	Conviction   string                    `json:"conviction"`
	Thesis       string                    `json:"thesis"`
	Summary      string                    `json:"summary"`
	Tags         []string                  `json:"tags"`
	Risks        []string                  `json:"risks"`
	Catalysts    []string                  `json:"catalysts"`
	OverallScore *float64                  `json:"overall_score"`
	Dimensions   []ensemble.DimensionScore `json:"dimensions"`
	Citations    []retrieval.Citation      `json:"citations"`
	Answer       json.RawMessage           `json:"answer"`
	Model        string                    `json:"model"`
	Usage        llm.Usage                 `json:"usage"`
	Cost         float64                   `json:"cost"`
	CacheHit     bool                      `json:"cache_hit"`
}

// Store persists the summary answer row
type Store interface {
	SaveSummary(ctx context.Context, runID uuid.UUID, ticker string, t *Thesis) error
}

// Input is the scoreboard and context for one ticker
type Input struct {
	RunID      uuid.UUID
	Ticker     string
	Meta       retrieval.TickerMeta
	Model      cache.Model
	Dimensions []ensemble.DimensionScore
	Retrieval  *retrieval.Context
}

// Composer renders the scoreboard prompt and validates the thesis
type Composer struct {
	completer questions.Completer
	prompts   *prompts.Library
	store     Store
	recorder  questions.Recorder
	opts      questions.EvaluatorOptions
	logger    *zap.Logger
}

// NewComposer creates a composer
func NewComposer(completer questions.Completer, lib *prompts.Library, store Store, recorder questions.Recorder, opts questions.EvaluatorOptions, logger *zap.Logger) *Composer {
	if logger == nil {
		logger = zap.NewNop()
	}
	if lib == nil {
		lib = prompts.NewLibrary()
	}
	if opts.Scope == "" {
		opts.Scope = "deep-dive"
	}
	return &Composer{completer: completer, prompts: lib, store: store, recorder: recorder, opts: opts, logger: logger}
}

// Compose asks the model for the final thesis and persists it
func (c *Composer) Compose(ctx context.Context, in Input) (*Thesis, error) {
	if in.Retrieval == nil {
		in.Retrieval = retrieval.Empty()
	}
	log := c.logger.With(zap.String("ticker", in.Ticker))

	var overall *float64
	if score, ok := ensemble.Overall(in.Dimensions); ok {
		overall = &score
	}

	schema := schemas.MustLoad(schemas.Summary)
	system, err := c.prompts.Get(prompts.DeepDive, prompts.SummarySystem)
	if err != nil {
		return nil, err
	}
	user, err := c.prompts.Render(prompts.DeepDive, prompts.SummaryUser, map[string]string{
		"Ticker":       in.Ticker,
		"Name":         dash(in.Meta.Name),
		"Sector":       dash(in.Meta.Sector),
		"Industry":     dash(in.Meta.Industry),
		"OverallScore": formatScore(overall),
		"Scoreboard":   Scoreboard(in.Dimensions),
		"Excerpts":     in.Retrieval.Block,
		"Schema":       schema,
	})
	if err != nil {
		return nil, err
	}

	res, err := c.completer.Complete(ctx, cache.Call{
		Scope:   c.opts.Scope,
		Stage:   questions.DeepDiveStage,
		Ticker:  in.Ticker,
		Purpose: Purpose,
		Model:   in.Model,
		Request: llm.Request{
			Model:           in.Model.Name,
			System:          system,
			Prompt:          user,
			Temperature:     c.opts.Temperature,
			MaxOutputTokens: c.opts.MaxOutputTokens,
			JSON:            true,
		},
		Context: map[string]any{"citations": in.Retrieval.Citations},
	})
	if err != nil {
		return nil, fmt.Errorf("summary: %w", err)
	}

	if c.recorder != nil {
		if err := c.recorder.Record(ctx, ledger.Entry{
			RunID:    in.RunID,
			Ticker:   in.Ticker,
			Stage:    questions.DeepDiveStage,
			Model:    in.Model.Slug,
			Purpose:  Purpose,
			Usage:    res.Usage,
			Cost:     res.Cost,
			CacheHit: res.CacheHit,
		}); err != nil {
			log.Warn("failed to record spend", zap.Error(err))
		}
	}

	thesis, err := parse(schema, res.Text)
	if err != nil {
		if evictErr := c.completer.Evict(ctx, in.Model.Slug, res.CacheKey); evictErr != nil {
			log.Warn("failed to evict rejected summary", zap.Error(evictErr))
		}
		c.report(ctx, in, res.Text, err, log)
		return nil, err
	}

	thesis.OverallScore = overall
	thesis.Dimensions = in.Dimensions
	thesis.Citations = in.Retrieval.Citations
	thesis.Model = in.Model.Slug
	thesis.Usage = res.Usage
	thesis.Cost = res.Cost
	thesis.CacheHit = res.CacheHit

	if c.store != nil {
		if err := c.store.SaveSummary(ctx, in.RunID, in.Ticker, thesis); err != nil {
			return nil, fmt.Errorf("failed to save summary: %w", err)
		}
	}
	return thesis, nil
}

func parse(schema, text string) (*Thesis, error) {
	cleaned := llm.CleanJSONBlock(text)

	var fields map[string]json.RawMessage
	if err := json.Unmarshal([]byte(cleaned), &fields); err != nil {
		return nil, &questions.ParseFailure{Question: Purpose, Raw: text, Err: err}
	}

	result, err := schemas.Check(schema, cleaned)
	if err != nil {
		return nil, &questions.ParseFailure{Question: Purpose, Raw: text, Err: err}
	}
	if !result.Valid {
		return nil, &questions.ValidationFailure{Question: Purpose, Raw: text, Errors: result.Errors}
	}

	var raw struct {
		Verdict    string   `json:"verdict"`
		Conviction *string  `json:"conviction"`
		Thesis     string   `json:"thesis"`
		Summary    string   `json:"summary"`
		Tags       []string `json:"tags"`
		Risks      []string `json:"risks"`
		Catalysts  []string `json:"catalysts"`
	}
	if err := json.Unmarshal([]byte(cleaned), &raw); err != nil {
		return nil, &questions.ParseFailure{Question: Purpose, Raw: text, Err: err}
	}

	t := &Thesis{
		Verdict:   questions.NormalizeVerdict(raw.Verdict),
		Thesis:    strings.TrimSpace(raw.Thesis),
		Summary:   strings.TrimSpace(raw.Summary),
		Tags:      raw.Tags,
		Risks:     raw.Risks,
		Catalysts: raw.Catalysts,
		Answer:    json.RawMessage(cleaned),
	}
	if raw.Conviction != nil {
		t.Conviction = strings.TrimSpace(*raw.Conviction)
	}
	return t, nil
}

func (c *Composer) report(ctx context.Context, in Input, raw string, cause error, log *zap.Logger) {
	log.Error("summary rejected", zap.String("raw", llm.Truncate(raw, 8000)), zap.Error(cause))
	if c.recorder == nil {
		return
	}
	details := map[string]any{"raw": llm.Truncate(raw, 8000)}
	if vf, ok := cause.(*questions.ValidationFailure); ok {
		details["errors"] = vf.Errors
	}
	c.recorder.LogError(ctx, ledger.ErrorLog{
		RunID:   in.RunID,
		Ticker:  in.Ticker,
		Stage:   questions.DeepDiveStage,
		Source:  "summary",
		Message: cause.Error(),
		Context: details,
	})
}

// Scoreboard renders dimension scores as prompt text
func Scoreboard(dims []ensemble.DimensionScore) string {
	if len(dims) == 0 {
		return "No dimension scores available."
	}

	var sb strings.Builder
	for i, d := range dims {
		if i > 0 {
			sb.WriteByte('\n')
		}
		name := d.Name
		if name == "" {
			name = d.DimensionSlug
		}
		fmt.Fprintf(&sb, "- %s (weight %s): verdict %s | ensemble %s | llm %s | factor %s",
			name, trim(d.Weight), d.Verdict, fmt1(d.EnsembleScore), formatScore(d.LLMScore), formatScore(d.FactorScore))
		if len(d.Tags) > 0 {
			fmt.Fprintf(&sb, "\n  tags: %s", strings.Join(d.Tags, ", "))
		}
		if len(d.Factors) > 0 {
			parts := make([]string, 0, len(d.Factors))
			for _, f := range d.Factors {
				parts = append(parts, fmt.Sprintf("%s=%s (score %s, weight %s)", f.Slug, trim(f.Value), fmt1(f.Score), trim(f.Weight)))
			}
			fmt.Fprintf(&sb, "\n  factors: %s", strings.Join(parts, "; "))
		}
	}
	return sb.String()
}

func formatScore(v *float64) string {
	if v == nil {
		return "n/a"
	}
	return fmt1(*v)
}

func fmt1(v float64) string {
	return strconv.FormatFloat(v, 'f', 1, 64)
}

func trim(v float64) string {
	return strconv.FormatFloat(v, 'f', -1, 64)
}

func dash(s string) string {
	if strings.TrimSpace(s) == "" {
		return "-"
	}
	return s
}
