package llm

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestUsage_Add(t *testing.T) {
	a := Usage{InputTokens: 100, OutputTokens: 20}
	b := Usage{InputTokens: 50, OutputTokens: 5}

	sum := a.Add(b)
	assert.Equal(t, 150, sum.InputTokens)
	assert.Equal(t, 25, sum.OutputTokens)
	assert.Equal(t, 175, sum.Total())
}

func TestEstimateTokens(t *testing.T) {
	assert.Equal(t, 0, EstimateTokens(""))
	assert.Equal(t, 1, EstimateTokens("abc"))
	assert.Equal(t, 1, EstimateTokens("abcd"))
	assert.Equal(t, 2, EstimateTokens("abcde"))
}

func TestNewClient_UnsupportedProvider(t *testing.T) {
	_, err := NewClient(t.Context(), ProviderAnthropic, "key")
	assert.Error(t, err)
}

func TestNewGeminiClient_RequiresKey(t *testing.T) {
	_, err := NewGeminiClient(t.Context(), "")
	assert.Error(t, err)
}
