// Package ensemble blends LLM-derived dimension scores with deterministic
// factor scores and re-derives the verdict band.
package ensemble

import (
	"math"
	"sort"
	"time"

	"github.com/Multiproject-EJ/futurefunds-site-sub000/internal/questions"
)

// Band thresholds, inclusive
const (
	BadMax  = 33.0
	GoodMin = 67.0
)

// Verdict heuristic scores used when no outcome supplied a numeric score
const (
	goodScore    = 80.0
	neutralScore = 50.0
	badScore     = 20.0
)

// Factor directions
const (
	HigherBetter = "higher_better"
	LowerBetter  = "lower_better"
)

// Factor is a deterministic quantitative metric definition
type Factor struct {
	Slug      string   `json:"slug"`
	Name      string   `json:"name"`
	Direction string   `json:"direction"`
	ScaleMin  *float64 `json:"scale_min,omitempty"`
	ScaleMax  *float64 `json:"scale_max,omitempty"`
	Ideal     *float64 `json:"ideal,omitempty"`
	Tolerance *float64 `json:"tolerance,omitempty"`
	Weight    float64  `json:"weight"`
}

// FactorLink attaches a factor to a dimension
type FactorLink struct {
	DimensionSlug string
	Factor        Factor
	Weight        float64
}

// Snapshot is the latest observed value of a factor for a ticker
type Snapshot struct {
	FactorSlug string
	Value      float64
	AsOf       time.Time
}

// FactorContribution is one factor's part in a dimension's factor score
type FactorContribution struct {
	Slug   string    `json:"slug"`
	Name   string    `json:"name"`
	Value  float64   `json:"value"`
	Score  float64   `json:"score"`
	Weight float64   `json:"weight"`
	AsOf   time.Time `json:"as_of"`
}

// DimensionScore is the blended result for one dimension
type DimensionScore struct {
	DimensionSlug  string               `json:"dimension"`
	Name           string               `json:"name"`
	Weight         float64              `json:"weight"`
	Verdict        questions.Verdict    `json:"verdict"`
	LLMVerdict     questions.Verdict    `json:"llm_verdict"`
	LLMScore       *float64             `json:"llm_score"`
	FactorScore    *float64             `json:"factor_score"`
	EnsembleScore  float64              `json:"ensemble_score"`
	QuestionWeight float64              `json:"question_weight"`
	FactorWeight   float64              `json:"factor_weight"`
	Factors        []FactorContribution `json:"factors"`
	MissingFactors []string             `json:"missing_factors"`
	Tags           []string             `json:"tags"`
	Color          string               `json:"color,omitempty"`
}

// Input is everything the scorer needs for one ticker
type Input struct {
	Dimensions []questions.Dimension
	Outcomes   []questions.Outcome
	Links      []FactorLink
	Snapshots  map[string]Snapshot
}

// Score computes a DimensionScore for every dimension that has at least one
// outcome or factor value. Order follows Dimensions.
func Score(in Input) []DimensionScore {
	outcomes := make(map[string][]questions.Outcome)
	for _, o := range in.Outcomes {
		outcomes[o.DimensionSlug] = append(outcomes[o.DimensionSlug], o)
	}
	links := make(map[string][]FactorLink)
	for _, l := range in.Links {
		links[l.DimensionSlug] = append(links[l.DimensionSlug], l)
	}

	var out []DimensionScore
	for _, dim := range in.Dimensions {
		ds := DimensionScore{
			DimensionSlug: dim.Slug,
			Name:          dim.Name,
			Weight:        dim.Weight,
		}

		llmScore, qWeight, llmVerdict, tags := llmComponent(outcomes[dim.Slug])
		ds.LLMScore = llmScore
		ds.QuestionWeight = qWeight
		ds.LLMVerdict = llmVerdict
		ds.Tags = tags

		factorScore, fWeight, contributions, missing := factorComponent(links[dim.Slug], in.Snapshots)
		ds.FactorScore = factorScore
		ds.FactorWeight = fWeight
		ds.Factors = contributions
		ds.MissingFactors = missing

		score, ok := blend(llmScore, qWeight, factorScore, fWeight)
		if !ok {
			continue
		}
		ds.EnsembleScore = score
		ds.Verdict = Band(score)
		ds.Color = dim.ColorBands[ds.Verdict]
		out = append(out, ds)
	}
	return out
}

// blend returns the weighted average of the available components. With no
// factor weight the LLM score is returned unchanged.
func blend(llm *float64, wq float64, factor *float64, wf float64) (float64, bool) {
	hasLLM := llm != nil && wq > 0
	hasFactor := factor != nil && wf > 0
	switch {
	case hasLLM && hasFactor:
		return (*llm*wq + *factor*wf) / (wq + wf), true
	case hasLLM:
		return *llm, true
	case hasFactor:
		return *factor, true
	default:
		return 0, false
	}
}

// llmComponent averages supplied scores by question weight, falling back to
// the verdict heuristic when no outcome carried a score.
func llmComponent(outcomes []questions.Outcome) (*float64, float64, questions.Verdict, []string) {
	if len(outcomes) == 0 {
		return nil, 0, "", nil
	}

	var total, scored, scoredWeight, heuristic float64
	anyScore := false
	counts := map[questions.Verdict]float64{}
	seen := map[string]bool{}
	var tags []string

	for _, o := range outcomes {
		w := o.Weight
		if w <= 0 {
			w = 1
		}
		total += w
		counts[o.Verdict] += w
		heuristic += VerdictScore(o.Verdict) * w
		if o.Score != nil {
			anyScore = true
			scored += *o.Score * w
			scoredWeight += w
		}
		for _, t := range o.Tags {
			if !seen[t] {
				seen[t] = true
				tags = append(tags, t)
			}
		}
	}

	var score float64
	if anyScore {
		score = scored / scoredWeight
	} else {
		score = heuristic / total
	}
	return &score, total, dominantVerdict(counts), tags
}

func dominantVerdict(counts map[questions.Verdict]float64) questions.Verdict {
	best := questions.VerdictNeutral
	bestWeight := -1.0
	for _, v := range []questions.Verdict{questions.VerdictNeutral, questions.VerdictGood, questions.VerdictBad} {
		if counts[v] > bestWeight {
			best, bestWeight = v, counts[v]
		}
	}
	return best
}

func factorComponent(links []FactorLink, snapshots map[string]Snapshot) (*float64, float64, []FactorContribution, []string) {
	var sum, weight float64
	var contributions []FactorContribution
	var missing []string

	for _, l := range links {
		f := l.Factor
		snap, ok := snapshots[f.Slug]
		if !ok {
			missing = append(missing, f.Slug)
			continue
		}
		score, ok := NormalizeFactor(f, snap.Value)
		if !ok {
			missing = append(missing, f.Slug)
			continue
		}
		lw := l.Weight
		if lw <= 0 {
			lw = 1
		}
		fw := f.Weight
		if fw <= 0 {
			fw = 1
		}
		w := lw * fw
		sum += score * w
		weight += w
		contributions = append(contributions, FactorContribution{
			Slug:   f.Slug,
			Name:   f.Name,
			Value:  snap.Value,
			Score:  score,
			Weight: w,
			AsOf:   snap.AsOf,
		})
	}

	sort.Strings(missing)
	if weight == 0 {
		return nil, 0, contributions, missing
	}
	score := sum / weight
	return &score, weight, contributions, missing
}

// NormalizeFactor maps a raw factor value to 0..100. Linear min/max scaling is
// used when both bounds are set (inverted for lower_better); otherwise the
// distance from the ideal value in units of tolerance.
func NormalizeFactor(f Factor, value float64) (float64, bool) {
	if math.IsNaN(value) || math.IsInf(value, 0) {
		return 0, false
	}

	if f.ScaleMin != nil && f.ScaleMax != nil && *f.ScaleMax != *f.ScaleMin {
		lo, hi := *f.ScaleMin, *f.ScaleMax
		score := (value - lo) / (hi - lo) * 100
		if f.Direction == LowerBetter {
			score = 100 - score
		}
		return clamp(score), true
	}

	if f.Ideal != nil {
		tol := 0.0
		if f.Tolerance != nil {
			tol = math.Abs(*f.Tolerance)
		}
		if tol == 0 {
			if value == *f.Ideal {
				return 100, true
			}
			return 0, true
		}
		return clamp(100 - 50*math.Abs(value-*f.Ideal)/tol), true
	}

	return 0, false
}

// VerdictScore is the heuristic score of a verdict
func VerdictScore(v questions.Verdict) float64 {
	switch v {
	case questions.VerdictGood:
		return goodScore
	case questions.VerdictBad:
		return badScore
	default:
		return neutralScore
	}
}

// Band maps a 0..100 score to a verdict: <=33 bad, >=67 good, else neutral
func Band(score float64) questions.Verdict {
	switch {
	case score <= BadMax:
		return questions.VerdictBad
	case score >= GoodMin:
		return questions.VerdictGood
	default:
		return questions.VerdictNeutral
	}
}

// Overall is the dimension-weighted mean of ensemble scores. Dimensions with
// no weight count once.
func Overall(dims []DimensionScore) (float64, bool) {
	var sum, weight float64
	for _, d := range dims {
		w := d.Weight
		if w <= 0 {
			w = 1
		}
		sum += d.EnsembleScore * w
		weight += w
	}
	if weight == 0 {
		return 0, false
	}
	return sum / weight, true
}

func clamp(v float64) float64 {
	return math.Max(0, math.Min(100, v))
}
