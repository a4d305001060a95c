package db

import (
	"context"
	"fmt"

	"github.com/Multiproject-EJ/futurefunds-site-sub000/internal/questions"
)

// ListDimensions returns active dimensions in display order
func (db *DB) ListDimensions(ctx context.Context) ([]questions.Dimension, error) {
	rows, err := db.pool.Query(ctx,
		`SELECT slug, name, weight::float8, display_order, color_bad, color_neutral, color_good
		 FROM dimensions
		 WHERE active
		 ORDER BY display_order, slug`,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to list dimensions: %w", err)
	}
	defer rows.Close()

	var dims []questions.Dimension
	for rows.Next() {
		var d questions.Dimension
		var bad, neutral, good *string
		if err := rows.Scan(&d.Slug, &d.Name, &d.Weight, &d.Order, &bad, &neutral, &good); err != nil {
			return nil, fmt.Errorf("failed to scan dimension: %w", err)
		}
		d.ColorBands = colorBands(bad, neutral, good)
		dims = append(dims, d)
	}
	return dims, rows.Err()
}

func colorBands(bad, neutral, good *string) map[questions.Verdict]string {
	bands := make(map[questions.Verdict]string)
	if bad != nil && *bad != "" {
		bands[questions.VerdictBad] = *bad
	}
	if neutral != nil && *neutral != "" {
		bands[questions.VerdictNeutral] = *neutral
	}
	if good != nil && *good != "" {
		bands[questions.VerdictGood] = *good
	}
	if len(bands) == 0 {
		return nil
	}
	return bands
}

// ListQuestions returns every question of a stage, active or not. The
// registry filters inactive rows so it can flag dependencies on them.
func (db *DB) ListQuestions(ctx context.Context, stage int) ([]questions.Question, error) {
	rows, err := db.pool.Query(ctx,
		`SELECT slug, dimension_slug, title, prompt, weight::float8, answer_schema,
		        depends_on, tags, stage, display_order, active, COALESCE(model_slug, '')
		 FROM questions
		 WHERE stage = $1
		 ORDER BY display_order, slug`,
		stage,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to list questions: %w", err)
	}
	defer rows.Close()

	var qs []questions.Question
	for rows.Next() {
		var q questions.Question
		var schema []byte
		if err := rows.Scan(&q.Slug, &q.DimensionSlug, &q.Title, &q.Prompt, &q.Weight, &schema,
			&q.DependsOn, &q.Tags, &q.Stage, &q.Order, &q.Active, &q.ModelSlug); err != nil {
			return nil, fmt.Errorf("failed to scan question: %w", err)
		}
		if len(schema) > 0 {
			q.AnswerSchema = schema
		}
		qs = append(qs, q)
	}
	return qs, rows.Err()
}
