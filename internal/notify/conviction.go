package notify

import (
	"regexp"
	"strings"
)

// Conviction is a normalized conviction level
type Conviction string

// Conviction levels, strongest first
const (
	ConvictionVeryHigh Conviction = "very_high"
	ConvictionHigh     Conviction = "high"
	ConvictionMedium   Conviction = "medium"
	ConvictionLow      Conviction = "low"
	ConvictionUnknown  Conviction = "unknown"
)

var (
	veryHighText = regexp.MustCompile(`\b(very[\s_-]*high|extremely\s+high|highest)\s+conviction\b|\bconviction\s*(:|is|of)?\s*(very[\s_-]*high|extremely\s+high)\b`)
	highText     = regexp.MustCompile(`\b(high|strong)\s+conviction\b|\bconviction\s*(:|is|of)?\s*(high|strong)\b`)
	mediumText   = regexp.MustCompile(`\b(medium|moderate)\s+conviction\b|\bconviction\s*(:|is|of)?\s*(medium|moderate)\b`)
	lowText      = regexp.MustCompile(`\b(low|weak)\s+conviction\b|\bconviction\s*(:|is|of)?\s*(low|weak)\b`)
)

// NormalizeConviction maps an explicit conviction field to a level, falling
// back to phrases like "high conviction" in free text.
func NormalizeConviction(field, freeText string) Conviction {
	if c := parseLevel(field); c != ConvictionUnknown {
		return c
	}

	text := strings.ToLower(freeText)
	switch {
	case veryHighText.MatchString(text):
		return ConvictionVeryHigh
	case highText.MatchString(text):
		return ConvictionHigh
	case mediumText.MatchString(text):
		return ConvictionMedium
	case lowText.MatchString(text):
		return ConvictionLow
	}
	return ConvictionUnknown
}

func parseLevel(raw string) Conviction {
	v := strings.ToLower(strings.TrimSpace(raw))
	v = strings.NewReplacer("-", "_", " ", "_").Replace(v)
	switch v {
	case "very_high", "veryhigh", "extremely_high", "highest":
		return ConvictionVeryHigh
	case "high", "strong":
		return ConvictionHigh
	case "medium", "moderate", "mid", "average":
		return ConvictionMedium
	case "low", "weak", "very_low":
		return ConvictionLow
	}
	return ConvictionUnknown
}

// Allows reports whether an allow-list admits level. An empty list admits
// everything; "high" also admits "very_high".
func Allows(levels []string, level Conviction) bool {
	if len(levels) == 0 {
		return true
	}
	for _, raw := range levels {
		allowed := parseLevel(raw)
		if strings.EqualFold(strings.TrimSpace(raw), string(ConvictionUnknown)) {
			allowed = ConvictionUnknown
		}
		if allowed == level {
			return true
		}
		if allowed == ConvictionHigh && level == ConvictionVeryHigh {
			return true
		}
	}
	return false
}
