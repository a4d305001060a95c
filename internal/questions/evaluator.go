package questions

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/Multiproject-EJ/futurefunds-site-sub000/internal/cache"
	"github.com/Multiproject-EJ/futurefunds-site-sub000/internal/ledger"
	"github.com/Multiproject-EJ/futurefunds-site-sub000/internal/llm"
	"github.com/Multiproject-EJ/futurefunds-site-sub000/internal/prompts"
	"github.com/Multiproject-EJ/futurefunds-site-sub000/internal/retrieval"
	"github.com/Multiproject-EJ/futurefunds-site-sub000/internal/schemas"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

// maxRawLogLength bounds the raw response kept in error logs
const maxRawLogLength = 8000

// ParseFailure reports a response that is not a JSON object
type ParseFailure struct {
	Question string
	Raw      string
	Err      error
}

func (e *ParseFailure) Error() string {
	return fmt.Sprintf("question %s: response is not valid JSON: %v", e.Question, e.Err)
}

func (e *ParseFailure) Unwrap() error {
	return e.Err
}

// ValidationFailure reports a response that does not match the answer schema
type ValidationFailure struct {
	Question string
	Raw      string
	Errors   []schemas.FieldError
}

func (e *ValidationFailure) Error() string {
	msgs := make([]string, 0, len(e.Errors))
	for _, fe := range e.Errors {
		msgs = append(msgs, fe.Field+": "+fe.Message)
	}
	return fmt.Sprintf("question %s: answer failed schema validation: %s", e.Question, strings.Join(msgs, "; "))
}

// Completer runs a model call through the completion cache
type Completer interface {
	Complete(ctx context.Context, call cache.Call) (*cache.Result, error)
	// Evict drops a stored reply that failed parsing or validation
	Evict(ctx context.Context, modelSlug, cacheKey string) error
}

// Store persists question outcomes
type Store interface {
	// SaveQuestionOutcome upserts by (run, ticker, question)
	SaveQuestionOutcome(ctx context.Context, runID uuid.UUID, ticker string, q Question, o *Outcome) error
}

// Recorder receives spend entries and failure diagnostics
type Recorder interface {
	Record(ctx context.Context, e ledger.Entry) error
	LogError(ctx context.Context, entry ledger.ErrorLog)
}

// ModelLookup resolves a per-question model override
type ModelLookup func(ctx context.Context, slug string) (cache.Model, error)

// TickerInput is everything needed to answer one ticker's questions
type TickerInput struct {
	RunID        uuid.UUID
	Ticker       string
	Meta         retrieval.TickerMeta
	Registry     *Registry
	Model        cache.Model
	ModelFor     ModelLookup
	Retrieval    *retrieval.Context
	PriorContext string
	SectorNotes  string
}

// EvaluatorOptions configure an Evaluator
type EvaluatorOptions struct {
	Scope           string
	Temperature     float32
	MaxOutputTokens int32
}

// Evaluator answers questions in registry order
type Evaluator struct {
	completer Completer
	prompts   *prompts.Library
	store     Store
	recorder  Recorder
	opts      EvaluatorOptions
	logger    *zap.Logger
}

// NewEvaluator creates an evaluator
func NewEvaluator(completer Completer, lib *prompts.Library, store Store, recorder Recorder, opts EvaluatorOptions, logger *zap.Logger) *Evaluator {
	if logger == nil {
		logger = zap.NewNop()
	}
	if lib == nil {
		lib = prompts.NewLibrary()
	}
	if opts.Scope == "" {
		opts.Scope = "deep-dive"
	}
	return &Evaluator{
		completer: completer,
		prompts:   lib,
		store:     store,
		recorder:  recorder,
		opts:      opts,
		logger:    logger,
	}
}

// EvaluateTicker answers every question for one ticker. Questions see only
// outcomes produced earlier in the same pass. The first failure aborts the
// ticker and is returned.
func (e *Evaluator) EvaluateTicker(ctx context.Context, in TickerInput) (*Pass, error) {
	if in.Registry == nil {
		return nil, errors.New("no question registry")
	}
	if in.Retrieval == nil {
		in.Retrieval = retrieval.Empty()
	}

	order := in.Registry.Order()
	pass := &Pass{
		Outcomes: make([]Outcome, 0, len(order)),
		BySlug:   make(map[string]*Outcome, len(order)),
	}
	log := e.logger.With(zap.String("run_id", in.RunID.String()), zap.String("ticker", in.Ticker))

	for _, q := range order {
		if err := ctx.Err(); err != nil {
			return pass, err
		}

		outcome, err := e.answer(ctx, in, q, pass, log)
		if err != nil {
			return pass, err
		}

		pass.Outcomes = append(pass.Outcomes, *outcome)
		pass.BySlug[q.Slug] = &pass.Outcomes[len(pass.Outcomes)-1]
		pass.Usage = pass.Usage.Add(outcome.Usage)
		pass.Cost += outcome.Cost
		pass.Calls++
		if outcome.CacheHit {
			pass.CacheHits++
		}
	}
	return pass, nil
}

func (e *Evaluator) answer(ctx context.Context, in TickerInput, q Question, pass *Pass, log *zap.Logger) (*Outcome, error) {
	log = log.With(zap.String("question", q.Slug))

	model := in.Model
	if q.ModelSlug != "" && in.ModelFor != nil && q.ModelSlug != model.Slug {
		override, err := in.ModelFor(ctx, q.ModelSlug)
		if err != nil {
			log.Warn("question model override unavailable, using batch model",
				zap.String("model_slug", q.ModelSlug), zap.Error(err))
		} else {
			model = override
		}
	}

	schema := string(q.AnswerSchema)
	if strings.TrimSpace(schema) == "" {
		schema = schemas.MustLoad(schemas.QuestionAnswer)
	}

	system, user, err := e.render(in, q, schema, pass)
	if err != nil {
		return nil, err
	}

	res, err := e.completer.Complete(ctx, cache.Call{
		Scope:   e.opts.Scope,
		Stage:   DeepDiveStage,
		Ticker:  in.Ticker,
		Purpose: "question:" + q.Slug,
		Model:   model,
		Request: llm.Request{
			Model:           model.Name,
			System:          system,
			Prompt:          user,
			Temperature:     e.opts.Temperature,
			MaxOutputTokens: e.opts.MaxOutputTokens,
			JSON:            true,
		},
		Context: map[string]any{"citations": in.Retrieval.Citations},
	})
	if err != nil {
		return nil, fmt.Errorf("question %s: %w", q.Slug, err)
	}

	if e.recorder != nil {
		if err := e.recorder.Record(ctx, ledger.Entry{
			RunID:    in.RunID,
			Ticker:   in.Ticker,
			Stage:    DeepDiveStage,
			Model:    model.Slug,
			Purpose:  "question:" + q.Slug,
			Usage:    res.Usage,
			Cost:     res.Cost,
			CacheHit: res.CacheHit,
		}); err != nil {
			log.Warn("failed to record spend", zap.Error(err))
		}
	}

	outcome, err := e.parse(q, schema, res.Text)
	if err != nil {
		if evictErr := e.completer.Evict(ctx, model.Slug, res.CacheKey); evictErr != nil {
			log.Warn("failed to evict rejected answer", zap.Error(evictErr))
		}
		e.reportFailure(ctx, in, q, res.Text, err, log)
		return nil, err
	}

	outcome.Citations = in.Retrieval.Citations
	outcome.Model = model.Slug
	outcome.Usage = res.Usage
	outcome.Cost = res.Cost
	outcome.CacheHit = res.CacheHit

	if e.store != nil {
		if err := e.store.SaveQuestionOutcome(ctx, in.RunID, in.Ticker, q, outcome); err != nil {
			return nil, fmt.Errorf("failed to save answer for %s: %w", q.Slug, err)
		}
	}

	log.Debug("question answered",
		zap.String("verdict", string(outcome.Verdict)),
		zap.Bool("cache_hit", outcome.CacheHit))
	return outcome, nil
}

func (e *Evaluator) render(in TickerInput, q Question, schema string, pass *Pass) (string, string, error) {
	system, err := e.prompts.Get(prompts.DeepDive, prompts.QuestionSystem)
	if err != nil {
		return "", "", err
	}

	dimension := q.DimensionSlug
	if d, ok := in.Registry.Dimension(q.DimensionSlug); ok && d.Name != "" {
		dimension = d.Name
	}

	user, err := e.prompts.Render(prompts.DeepDive, prompts.QuestionUser, map[string]string{
		"Ticker":       in.Ticker,
		"Name":         orDash(in.Meta.Name),
		"Exchange":     orDash(in.Meta.Exchange),
		"Country":      orDash(in.Meta.Country),
		"Sector":       orDash(in.Meta.Sector),
		"Industry":     orDash(in.Meta.Industry),
		"Dimension":    dimension,
		"QuestionSlug": q.Slug,
		"Question":     q.Prompt,
		"PriorContext": orNone(in.PriorContext),
		"Dependencies": DependencyDigest(in.Registry, q, pass.BySlug),
		"SectorNotes":  orNone(in.SectorNotes),
		"Excerpts":     in.Retrieval.Block,
		"Schema":       schema,
	})
	if err != nil {
		return "", "", err
	}
	return system, user, nil
}

// DependencyDigest summarizes already-answered dependencies of q
func DependencyDigest(reg *Registry, q Question, answered map[string]*Outcome) string {
	deps := reg.Dependencies(q.Slug)
	if len(deps) == 0 {
		return "None."
	}

	var sb strings.Builder
	for i, slug := range deps {
		if i > 0 {
			sb.WriteByte('\n')
		}
		label := slug
		if dq, ok := reg.Question(slug); ok && dq.Title != "" {
			label = dq.Title
		}
		o, ok := answered[slug]
		if !ok {
			fmt.Fprintf(&sb, "- %s: not answered yet", label)
			continue
		}
		fmt.Fprintf(&sb, "- %s [%s", label, o.Verdict)
		if o.Score != nil {
			fmt.Fprintf(&sb, ", score %s", strconv.FormatFloat(*o.Score, 'f', -1, 64))
		}
		fmt.Fprintf(&sb, "]: %s", o.Summary)
	}
	return sb.String()
}

func (e *Evaluator) parse(q Question, schema, text string) (*Outcome, error) {
	cleaned := llm.CleanJSONBlock(text)

	var fields map[string]json.RawMessage
	if err := json.Unmarshal([]byte(cleaned), &fields); err != nil {
		return nil, &ParseFailure{Question: q.Slug, Raw: text, Err: err}
	}

	result, err := schemas.Check(schema, cleaned)
	if err != nil {
		return nil, &ParseFailure{Question: q.Slug, Raw: text, Err: err}
	}
	if !result.Valid {
		return nil, &ValidationFailure{Question: q.Slug, Raw: text, Errors: result.Errors}
	}

	// Custom schemas may type these fields differently; read what fits.
	var verdict, summary string
	var tags []string
	_ = json.Unmarshal(fields["verdict"], &verdict)
	_ = json.Unmarshal(fields["summary"], &summary)
	_ = json.Unmarshal(fields["tags"], &tags)

	weight := q.Weight
	if weight <= 0 {
		weight = 1
	}

	return &Outcome{
		QuestionSlug:  q.Slug,
		DimensionSlug: q.DimensionSlug,
		Verdict:       NormalizeVerdict(verdict),
		Score:         ParseScore(fields["score"]),
		Summary:       strings.TrimSpace(summary),
		Tags:          cleanTags(tags),
		Answer:        json.RawMessage(cleaned),
		Weight:        weight,
	}, nil
}

func (e *Evaluator) reportFailure(ctx context.Context, in TickerInput, q Question, raw string, cause error, log *zap.Logger) {
	details := map[string]any{
		"question": q.Slug,
		"raw":      llm.Truncate(raw, maxRawLogLength),
	}
	source := "question_parse"
	var vf *ValidationFailure
	if errors.As(cause, &vf) {
		source = "question_validation"
		details["errors"] = vf.Errors
	}

	log.Error("answer rejected",
		zap.String("source", source),
		zap.String("raw", llm.Truncate(raw, maxRawLogLength)),
		zap.Error(cause))

	if e.recorder != nil {
		e.recorder.LogError(ctx, ledger.ErrorLog{
			RunID:   in.RunID,
			Ticker:  in.Ticker,
			Stage:   DeepDiveStage,
			Source:  source,
			Message: cause.Error(),
			Context: details,
		})
	}
}

func cleanTags(tags []string) []string {
	seen := make(map[string]bool, len(tags))
	out := make([]string, 0, len(tags))
	for _, t := range tags {
		t = strings.ToLower(strings.TrimSpace(t))
		if t == "" || seen[t] {
			continue
		}
		seen[t] = true
		out = append(out, t)
	}
	return out
}

func orDash(s string) string {
	if strings.TrimSpace(s) == "" {
		return "-"
	}
	return s
}

func orNone(s string) string {
	if strings.TrimSpace(s) == "" {
		return "None."
	}
	return s
}
