// Package questions holds the deep-dive question registry and the evaluator
// that answers a ticker's questions in dependency order.
package questions

import (
	"encoding/json"

	"github.com/Multiproject-EJ/futurefunds-site-sub000/internal/llm"
	"github.com/Multiproject-EJ/futurefunds-site-sub000/internal/retrieval"
)

// Verdict is the three-way classification of an answer or dimension
type Verdict string

// Verdict values
const (
	VerdictBad     Verdict = "bad"
	VerdictNeutral Verdict = "neutral"
	VerdictGood    Verdict = "good"
)

// DeepDiveStage is the pipeline stage answered by this package
const DeepDiveStage = 3

// Dimension groups questions into a scoring axis
type Dimension struct {
	Slug       string
	Name       string
	Weight     float64
	Order      int
	ColorBands map[Verdict]string
}

// Question is one admin-defined deep-dive question
type Question struct {
	Slug          string
	DimensionSlug string
	Title         string
	Prompt        string
	Weight        float64
	// AnswerSchema is a JSON Schema document; empty means the default shape
	AnswerSchema json.RawMessage
	DependsOn    []string
	Tags         []string
	Stage        int
	Order        int
	Active       bool
	// ModelSlug overrides the batch model for this question
	ModelSlug string
}

// Outcome is a validated, normalized answer to one question
type Outcome struct {
	QuestionSlug  string               `json:"question_slug"`
	DimensionSlug string               `json:"dimension_slug"`
	Verdict       Verdict              `json:"verdict"`
	Score         *float64             `json:"score"`
	Summary       string               `json:"summary"`
	Tags          []string             `json:"tags"`
	Answer        json.RawMessage      `json:"answer"`
	Citations     []retrieval.Citation `json:"citations"`
	Weight        float64              `json:"weight"`
	Model         string               `json:"model"`
	Usage         llm.Usage            `json:"usage"`
	Cost          float64              `json:"cost"`
	CacheHit      bool                 `json:"cache_hit"`
}

// Pass is the result of evaluating every question for one ticker
type Pass struct {
	Outcomes  []Outcome
	BySlug    map[string]*Outcome
	Usage     llm.Usage
	Cost      float64
	Calls     int
	CacheHits int
}

// ByDimension groups outcomes by dimension slug
func (p *Pass) ByDimension() map[string][]Outcome {
	out := make(map[string][]Outcome)
	for _, o := range p.Outcomes {
		out[o.DimensionSlug] = append(out[o.DimensionSlug], o)
	}
	return out
}
