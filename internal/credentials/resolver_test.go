package credentials

import (
	"context"
	"errors"
	"testing"

	"github.com/Multiproject-EJ/futurefunds-site-sub000/internal/llm"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

// MockStore is a mock implementation of Store for testing
type MockStore struct {
	Models      map[string]*Model
	Credentials []Credential
	ListErr     error
}

func (m *MockStore) GetModel(_ context.Context, slug string) (*Model, error) {
	return m.Models[slug], nil
}

func (m *MockStore) GetCredential(_ context.Context, id string) (*Credential, error) {
	for i := range m.Credentials {
		if m.Credentials[i].ID == id {
			c := m.Credentials[i]
			return &c, nil
		}
	}
	return nil, nil
}

func (m *MockStore) ListActiveCredentials(_ context.Context, provider llm.Provider) ([]Credential, error) {
	if m.ListErr != nil {
		return nil, m.ListErr
	}
	var out []Credential
	for _, c := range m.Credentials {
		if c.Active && c.Provider == provider {
			out = append(out, c)
		}
	}
	return out, nil
}

func env(values map[string]string) func(string) string {
	return func(k string) string { return values[k] }
}

func newStore() *MockStore {
	return &MockStore{
		Models: map[string]*Model{
			"gemini-pro":   {Slug: "gemini-pro", Provider: llm.ProviderGoogle, ProviderModel: "gemini-2.5-pro", InputCostPerMTok: 1.25, OutputCostPerMTok: 10, Active: true},
			"gemini-flash": {Slug: "gemini-flash", Provider: llm.ProviderGoogle, ProviderModel: "gemini-2.5-flash", InputCostPerMTok: 0.3, OutputCostPerMTok: 2.5, Active: true},
			"retired":      {Slug: "retired", Provider: llm.ProviderGoogle, Active: false},
		},
		Credentials: []Credential{
			{ID: "editor-key", Provider: llm.ProviderGoogle, Scopes: []string{"editor"}, APIKey: "k-editor", Active: true},
			{ID: "auto-key", Provider: llm.ProviderGoogle, Scopes: []string{"automation"}, APIKey: "k-auto", Active: true},
			{ID: "openai-key", Provider: llm.ProviderOpenAI, Scopes: []string{"automation"}, APIKey: "k-openai", Active: true},
		},
	}
}

func TestResolve_ExplicitCredential(t *testing.T) {
	r := NewResolver(newStore(), Options{Getenv: env(nil)}, zaptest.NewLogger(t))

	got, err := r.Resolve(t.Context(), Request{ModelSlug: "gemini-pro", CredentialID: "editor-key"})
	require.NoError(t, err)
	assert.Equal(t, "gemini-2.5-pro", got.ProviderModel)
	assert.Equal(t, "k-editor", got.APIKey)
	assert.Equal(t, SourceExplicit, got.CredentialSource)
}

func TestResolve_ExplicitCredentialWrongProviderFallsBackToScope(t *testing.T) {
	r := NewResolver(newStore(), Options{Getenv: env(nil)}, zaptest.NewLogger(t))

	got, err := r.Resolve(t.Context(), Request{ModelSlug: "gemini-pro", CredentialID: "openai-key"})
	require.NoError(t, err)
	assert.Equal(t, "k-auto", got.APIKey)
	assert.Equal(t, SourceScoped, got.CredentialSource)
}

func TestResolve_AutomationScopePreferredOverEditor(t *testing.T) {
	r := NewResolver(newStore(), Options{Getenv: env(nil)}, zaptest.NewLogger(t))

	got, err := r.Resolve(t.Context(), Request{ModelSlug: "gemini-flash"})
	require.NoError(t, err)
	assert.Equal(t, "auto-key", got.CredentialID)
}

func TestResolve_EnvFallback(t *testing.T) {
	store := newStore()
	store.Credentials = nil
	r := NewResolver(store, Options{Getenv: env(map[string]string{"GOOGLE_API_KEY": "k-env"})}, zaptest.NewLogger(t))

	got, err := r.Resolve(t.Context(), Request{ModelSlug: "gemini-flash"})
	require.NoError(t, err)
	assert.Equal(t, "k-env", got.APIKey)
	assert.Equal(t, SourceEnv, got.CredentialSource)
	assert.Equal(t, "https://generativelanguage.googleapis.com", got.Endpoint)
}

func TestResolve_ModelFallbackChain(t *testing.T) {
	r := NewResolver(newStore(), Options{DefaultSlug: "gemini-flash", Getenv: env(nil)}, zaptest.NewLogger(t))

	got, err := r.Resolve(t.Context(), Request{ModelSlug: "retired", FallbackSlug: "missing"})
	require.NoError(t, err)
	assert.Equal(t, "gemini-flash", got.Slug)
}

func TestResolve_ConfigErrorNamesSlug(t *testing.T) {
	r := NewResolver(newStore(), Options{Getenv: env(nil)}, zaptest.NewLogger(t))

	_, err := r.Resolve(t.Context(), Request{ModelSlug: "missing"})

	var cfgErr *ConfigError
	require.ErrorAs(t, err, &cfgErr)
	assert.Equal(t, "missing", cfgErr.Slug)
	assert.Contains(t, err.Error(), "missing")
}

func TestResolve_NoCredentialIsConfigError(t *testing.T) {
	store := newStore()
	store.Credentials = nil
	r := NewResolver(store, Options{Getenv: env(nil)}, zaptest.NewLogger(t))

	_, err := r.Resolve(t.Context(), Request{ModelSlug: "gemini-pro"})

	var cfgErr *ConfigError
	require.ErrorAs(t, err, &cfgErr)
	assert.Equal(t, "gemini-pro", cfgErr.Slug)
}

func TestResolve_MissingCredentialFallsThroughChain(t *testing.T) {
	store := newStore()
	store.Models["claude"] = &Model{Slug: "claude", Provider: llm.ProviderAnthropic, ProviderModel: "claude-sonnet", Active: true}

	r := NewResolver(store, Options{DefaultSlug: "gemini-pro", Getenv: env(nil)}, zaptest.NewLogger(t))

	got, err := r.Resolve(t.Context(), Request{ModelSlug: "claude", FallbackSlug: "gemini-flash"})
	require.NoError(t, err)
	assert.Equal(t, "gemini-flash", got.Slug)
	assert.Equal(t, llm.ProviderGoogle, got.Provider)
	assert.Equal(t, "k-auto", got.APIKey)

	got, err = r.Resolve(t.Context(), Request{ModelSlug: "claude"})
	require.NoError(t, err)
	assert.Equal(t, "gemini-pro", got.Slug)
}

func TestResolve_ChainExhaustedNamesEverySlug(t *testing.T) {
	store := newStore()
	store.Models["claude"] = &Model{Slug: "claude", Provider: llm.ProviderAnthropic, Active: true}
	store.Credentials = nil

	r := NewResolver(store, Options{DefaultSlug: "gemini-flash", Getenv: env(nil)}, zaptest.NewLogger(t))

	_, err := r.Resolve(t.Context(), Request{ModelSlug: "claude", FallbackSlug: "retired"})

	var cfgErr *ConfigError
	require.ErrorAs(t, err, &cfgErr)
	assert.Equal(t, "claude", cfgErr.Slug)
	assert.Contains(t, cfgErr.Reason, "claude -> retired -> gemini-flash")
	assert.Contains(t, cfgErr.Reason, `claude: no credential available for provider "anthropic"`)
	assert.Contains(t, cfgErr.Reason, "retired: not active")
}

func TestResolve_ProviderMismatchTriesNextSlug(t *testing.T) {
	store := newStore()
	store.Models["gpt"] = &Model{Slug: "gpt", Provider: llm.ProviderOpenAI, Active: true}
	r := NewResolver(store, Options{Getenv: env(nil)}, zaptest.NewLogger(t))

	got, err := r.Resolve(t.Context(), Request{ModelSlug: "gemini-pro", FallbackSlug: "gpt", Provider: llm.ProviderOpenAI})
	require.NoError(t, err)
	assert.Equal(t, "gpt", got.Slug)
	assert.Equal(t, "k-openai", got.APIKey)
}

func TestResolve_StoreErrorIsConfigError(t *testing.T) {
	store := newStore()
	store.ListErr = errors.New("db down")
	r := NewResolver(store, Options{Getenv: env(nil)}, zaptest.NewLogger(t))

	_, err := r.Resolve(t.Context(), Request{ModelSlug: "gemini-pro"})

	var cfgErr *ConfigError
	require.ErrorAs(t, err, &cfgErr)
	assert.ErrorContains(t, err, "db down")
}

func TestResolvedModel_Cost(t *testing.T) {
	m := &ResolvedModel{InputCostPerMTok: 1.25, OutputCostPerMTok: 10}
	assert.InDelta(t, 0.00225, m.Cost(llm.Usage{InputTokens: 1000, OutputTokens: 100}), 1e-9)
}
