package db

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/Multiproject-EJ/futurefunds-site-sub000/internal/ensemble"
	"github.com/Multiproject-EJ/futurefunds-site-sub000/internal/questions"
	"github.com/Multiproject-EJ/futurefunds-site-sub000/internal/summary"
	"github.com/google/uuid"
)

// SaveQuestionOutcome upserts the answer row and the per-question analysis row
func (db *DB) SaveQuestionOutcome(ctx context.Context, runID uuid.UUID, ticker string, q questions.Question, o *questions.Outcome) error {
	citations, err := json.Marshal(o.Citations)
	if err != nil {
		return fmt.Errorf("failed to marshal citations: %w", err)
	}
	answer := []byte(o.Answer)
	if len(answer) == 0 {
		answer = []byte("{}")
	}

	_, err = db.pool.Exec(ctx,
		`INSERT INTO answers (run_id, ticker, stage, question_slug, answer, verdict, score, summary, tags,
		                      citations, model, tokens_in, tokens_out, cost_usd)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)
		 ON CONFLICT (run_id, ticker, stage, question_slug) DO UPDATE SET
		   answer = $5, verdict = $6, score = $7, summary = $8, tags = $9, citations = $10,
		   model = $11, tokens_in = $12, tokens_out = $13, cost_usd = $14, updated_at = NOW()`,
		runID, ticker, questions.DeepDiveStage, q.Slug, answer, string(o.Verdict), o.Score, o.Summary, nonNil(o.Tags),
		citations, o.Model, o.Usage.InputTokens, o.Usage.OutputTokens, o.Cost,
	)
	if err != nil {
		return fmt.Errorf("failed to save answer %s: %w", q.Slug, err)
	}

	_, err = db.pool.Exec(ctx,
		`INSERT INTO analysis_question_results (run_id, ticker, question_slug, dimension_slug, verdict, score,
		                                        weight, summary, tags, answer, citations, model, cache_hit)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)
		 ON CONFLICT (run_id, ticker, question_slug) DO UPDATE SET
		   dimension_slug = $4, verdict = $5, score = $6, weight = $7, summary = $8, tags = $9,
		   answer = $10, citations = $11, model = $12, cache_hit = $13, updated_at = NOW()`,
		runID, ticker, q.Slug, o.DimensionSlug, string(o.Verdict), o.Score, o.Weight, o.Summary, nonNil(o.Tags),
		answer, citations, o.Model, o.CacheHit,
	)
	if err != nil {
		return fmt.Errorf("failed to save question result %s: %w", q.Slug, err)
	}
	return nil
}

// SaveSummary upserts the stage-3 summary answer row
func (db *DB) SaveSummary(ctx context.Context, runID uuid.UUID, ticker string, t *summary.Thesis) error {
	citations, err := json.Marshal(t.Citations)
	if err != nil {
		return fmt.Errorf("failed to marshal citations: %w", err)
	}
	answer, err := json.Marshal(t)
	if err != nil {
		return fmt.Errorf("failed to marshal thesis: %w", err)
	}

	_, err = db.pool.Exec(ctx,
		`INSERT INTO answers (run_id, ticker, stage, question_slug, answer, verdict, score, summary, tags,
		                      citations, model, tokens_in, tokens_out, cost_usd)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)
		 ON CONFLICT (run_id, ticker, stage, question_slug) DO UPDATE SET
		   answer = $5, verdict = $6, score = $7, summary = $8, tags = $9, citations = $10,
		   model = $11, tokens_in = $12, tokens_out = $13, cost_usd = $14, updated_at = NOW()`,
		runID, ticker, questions.DeepDiveStage, summary.Purpose, answer, string(t.Verdict), t.OverallScore, t.Summary,
		nonNil(t.Tags), citations, t.Model, t.Usage.InputTokens, t.Usage.OutputTokens, t.Cost,
	)
	if err != nil {
		return fmt.Errorf("failed to save summary: %w", err)
	}
	return nil
}

// SaveDimensionScores upserts one analysis_dimension_scores row per dimension
func (db *DB) SaveDimensionScores(ctx context.Context, runID uuid.UUID, ticker string, scores []ensemble.DimensionScore) error {
	for _, s := range scores {
		factors, err := json.Marshal(s.Factors)
		if err != nil {
			return fmt.Errorf("failed to marshal factors: %w", err)
		}
		_, err = db.pool.Exec(ctx,
			`INSERT INTO analysis_dimension_scores (run_id, ticker, dimension_slug, verdict, llm_verdict, llm_score,
			                                        factor_score, ensemble_score, weight, question_weight, factor_weight,
			                                        factors, missing_factors, tags, color)
			 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, NULLIF($15, ''))
			 ON CONFLICT (run_id, ticker, dimension_slug) DO UPDATE SET
			   verdict = $4, llm_verdict = $5, llm_score = $6, factor_score = $7, ensemble_score = $8,
			   weight = $9, question_weight = $10, factor_weight = $11, factors = $12,
			   missing_factors = $13, tags = $14, color = NULLIF($15, ''), updated_at = NOW()`,
			runID, ticker, s.DimensionSlug, string(s.Verdict), string(s.LLMVerdict), s.LLMScore,
			s.FactorScore, s.EnsembleScore, s.Weight, s.QuestionWeight, s.FactorWeight,
			factors, nonNil(s.MissingFactors), nonNil(s.Tags), s.Color,
		)
		if err != nil {
			return fmt.Errorf("failed to save dimension score %s: %w", s.DimensionSlug, err)
		}
	}
	return nil
}

// ListPriorAnswers returns a ticker's answers from stages before stage
func (db *DB) ListPriorAnswers(ctx context.Context, runID uuid.UUID, ticker string, stage int) ([]PriorAnswer, error) {
	rows, err := db.pool.Query(ctx,
		`SELECT stage, question_slug, verdict, summary, answer, updated_at
		 FROM answers
		 WHERE run_id = $1 AND ticker = $2 AND stage < $3
		 ORDER BY stage, question_slug`,
		runID, ticker, stage,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to list prior answers: %w", err)
	}
	defer rows.Close()

	var answers []PriorAnswer
	for rows.Next() {
		var a PriorAnswer
		var raw []byte
		if err := rows.Scan(&a.Stage, &a.QuestionSlug, &a.Verdict, &a.Summary, &raw, &a.UpdatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan prior answer: %w", err)
		}
		if len(raw) > 0 {
			a.Answer = raw
		}
		answers = append(answers, a)
	}
	return answers, rows.Err()
}

func nonNil(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}
