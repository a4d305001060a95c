package questions

import (
	"encoding/json"
	"math"
	"strconv"
	"strings"
)

var (
	neutralKeywords = []string{"not bad", "not good", "mixed", "neutral", "hold", "balanced", "fair", "average", "moderate", "unclear", "uncertain"}
	badKeywords     = []string{"negative", "bear", "sell", "weak", "poor", "avoid", "bad", "risky", "concern", "deteriorat", "decline"}
	goodKeywords    = []string{"positive", "bull", "buy", "strong", "good", "attractive", "favorable", "favourable", "excellent", "robust", "improv"}
)

// NormalizeVerdict maps a free-form verdict to bad, neutral or good.
// Exact values win; otherwise hedged phrases are neutral, then bad keywords,
// then good keywords. Anything else is neutral.
func NormalizeVerdict(raw string) Verdict {
	v := strings.ToLower(strings.TrimSpace(raw))
	switch Verdict(v) {
	case VerdictBad, VerdictNeutral, VerdictGood:
		return Verdict(v)
	}

	for _, k := range neutralKeywords {
		if strings.Contains(v, k) {
			return VerdictNeutral
		}
	}
	for _, k := range badKeywords {
		if strings.Contains(v, k) {
			return VerdictBad
		}
	}
	for _, k := range goodKeywords {
		if strings.Contains(v, k) {
			return VerdictGood
		}
	}
	return VerdictNeutral
}

// ParseScore reads a JSON score value and clamps it to [0, 100].
// Missing, null, non-numeric and non-finite values yield nil.
func ParseScore(raw json.RawMessage) *float64 {
	s := strings.TrimSpace(string(raw))
	if s == "" || s == "null" {
		return nil
	}
	s = strings.Trim(s, `"`)
	f, err := strconv.ParseFloat(strings.TrimSpace(s), 64)
	if err != nil || math.IsNaN(f) || math.IsInf(f, 0) {
		return nil
	}
	f = math.Max(0, math.Min(100, f))
	return &f
}
