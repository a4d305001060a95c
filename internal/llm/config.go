// Package llm provides the model client abstraction used by every stage of the
// research pipeline: structured completions, embeddings, and retry handling.
package llm

import "unicode/utf8"

// Provider represents an LLM provider
type Provider string

// Provider constants define supported LLM providers
const (
	// ProviderGoogle is the Google Gemini provider
	ProviderGoogle Provider = "google"
	// ProviderOpenAI is the OpenAI provider (credentials only, no client yet)
	ProviderOpenAI Provider = "openai"
	// ProviderAnthropic is the Anthropic provider (credentials only, no client yet)
	ProviderAnthropic Provider = "anthropic"
)

// DefaultTemperature keeps structured answers stable across replays.
const DefaultTemperature float32 = 0.1

// Request is the outbound body of a completion call. Its JSON encoding is the
// value hashed by the completion cache, so every field that changes the answer
// must live here.
type Request struct {
	Model           string  `json:"model"`
	System          string  `json:"system"`
	Prompt          string  `json:"prompt"`
	Temperature     float32 `json:"temperature"`
	MaxOutputTokens int32   `json:"max_output_tokens,omitempty"`
	JSON            bool    `json:"json"`
}

// Usage reports token consumption of a single call
type Usage struct {
	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`
}

// Add returns the sum of two usages
func (u Usage) Add(o Usage) Usage {
	return Usage{
		InputTokens:  u.InputTokens + o.InputTokens,
		OutputTokens: u.OutputTokens + o.OutputTokens,
	}
}

// Total returns input plus output tokens
func (u Usage) Total() int {
	return u.InputTokens + u.OutputTokens
}

// Response is the text and usage returned by a completion call
type Response struct {
	Text  string
	Usage Usage
	Model string
}

// Embedding is a dense vector plus the tokens spent producing it
type Embedding struct {
	Values []float32
	Tokens int
}

// EstimateTokens approximates token count for providers that do not report
// usage (roughly four characters per token).
func EstimateTokens(text string) int {
	n := utf8.RuneCountInString(text)
	if n == 0 {
		return 0
	}
	return (n + 3) / 4
}
