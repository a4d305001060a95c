// Package credentials resolves a logical model slug and an optional explicit
// credential into a concrete provider model, endpoint and API key.
package credentials

import (
	"context"
	"fmt"
	"os"
	"strings"

	"github.com/Multiproject-EJ/futurefunds-site-sub000/internal/llm"
	"go.uber.org/zap"
)

// Scope constants tag what a stored credential may be used for
const (
	ScopeAutomation = "automation"
	ScopeEditor     = "editor"
)

// Credential source labels reported on a resolved model
const (
	SourceExplicit = "explicit"
	SourceScoped   = "scoped"
	SourceEnv      = "env"
)

// Model is a configured model record
type Model struct {
	Slug              string
	Provider          llm.Provider
	ProviderModel     string
	InputCostPerMTok  float64
	OutputCostPerMTok float64
	Active            bool
}

// Credential is a stored provider secret
type Credential struct {
	ID       string
	Provider llm.Provider
	Scopes   []string
	APIKey   string
	Active   bool
}

// HasScope reports whether the credential carries scope
func (c Credential) HasScope(scope string) bool {
	for _, s := range c.Scopes {
		if strings.EqualFold(s, scope) {
			return true
		}
	}
	return false
}

// Store reads model and credential records
type Store interface {
	// GetModel returns nil, nil when the slug is unknown
	GetModel(ctx context.Context, slug string) (*Model, error)
	// GetCredential returns nil, nil when the id is unknown
	GetCredential(ctx context.Context, id string) (*Credential, error)
	ListActiveCredentials(ctx context.Context, provider llm.Provider) ([]Credential, error)
}

// Options configure the resolver's fallbacks
type Options struct {
	DefaultSlug     string
	PreferredScopes []string
	// EnvKeys lists environment variables consulted per provider, in order
	EnvKeys   map[llm.Provider][]string
	Endpoints map[llm.Provider]string
	Getenv    func(string) string
}

// DefaultEnvKeys returns the environment fallbacks per provider
func DefaultEnvKeys() map[llm.Provider][]string {
	return map[llm.Provider][]string{
		llm.ProviderGoogle:    {"GEMINI_API_KEY", "GOOGLE_API_KEY"},
		llm.ProviderOpenAI:    {"OPENAI_API_KEY"},
		llm.ProviderAnthropic: {"ANTHROPIC_API_KEY"},
	}
}

// DefaultEndpoints returns the base URL per provider
func DefaultEndpoints() map[llm.Provider]string {
	return map[llm.Provider]string{
		llm.ProviderGoogle:    "https://generativelanguage.googleapis.com",
		llm.ProviderOpenAI:    "https://api.openai.com/v1",
		llm.ProviderAnthropic: "https://api.anthropic.com/v1",
	}
}

// Request names what to resolve
type Request struct {
	ModelSlug       string
	FallbackSlug    string
	CredentialID    string
	Provider        llm.Provider
	PreferredScopes []string
}

// ResolvedModel is a model ready to call
type ResolvedModel struct {
	Slug              string
	Provider          llm.Provider
	ProviderModel     string
	Endpoint          string
	APIKey            string
	CredentialID      string
	CredentialSource  string
	InputCostPerMTok  float64
	OutputCostPerMTok float64
}

// Cost prices usage at the model's per-million-token rates
func (m *ResolvedModel) Cost(u llm.Usage) float64 {
	return float64(u.InputTokens)*m.InputCostPerMTok/1e6 +
		float64(u.OutputTokens)*m.OutputCostPerMTok/1e6
}

// ConfigError reports a model or credential that could not be resolved.
// It is fatal for the whole batch.
type ConfigError struct {
	Slug   string
	Reason string
	Err    error
}

func (e *ConfigError) Error() string {
	msg := fmt.Sprintf("cannot resolve model %q: %s", e.Slug, e.Reason)
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *ConfigError) Unwrap() error {
	return e.Err
}

// Resolver walks the model and credential fallback chains
type Resolver struct {
	store  Store
	opts   Options
	logger *zap.Logger
}

// NewResolver creates a resolver
func NewResolver(store Store, opts Options, logger *zap.Logger) *Resolver {
	if logger == nil {
		logger = zap.NewNop()
	}
	if len(opts.PreferredScopes) == 0 {
		opts.PreferredScopes = []string{ScopeAutomation, ScopeEditor}
	}
	if opts.EnvKeys == nil {
		opts.EnvKeys = DefaultEnvKeys()
	}
	if opts.Endpoints == nil {
		opts.Endpoints = DefaultEndpoints()
	}
	if opts.Getenv == nil {
		opts.Getenv = os.Getenv
	}
	return &Resolver{store: store, opts: opts, logger: logger}
}

// Resolve walks the slug chain (requested, fallback, default) and returns the
// first active model whose provider has a usable credential. A ConfigError is
// returned only once every slug in the chain has been tried.
func (r *Resolver) Resolve(ctx context.Context, req Request) (*ResolvedModel, error) {
	chain := r.chain(req)
	if len(chain) == 0 {
		return nil, &ConfigError{Slug: "", Reason: "no model slug requested and no default configured"}
	}

	var skipped []string
	for _, slug := range chain {
		model, err := r.store.GetModel(ctx, slug)
		if err != nil {
			return nil, &ConfigError{Slug: slug, Reason: "model lookup failed", Err: err}
		}
		if model == nil || !model.Active {
			r.logger.Debug("model unavailable, trying next", zap.String("slug", slug))
			skipped = append(skipped, slug+": not active")
			continue
		}
		if model.Provider == "" {
			model.Provider = llm.ProviderGoogle
		}
		if req.Provider != "" && req.Provider != model.Provider {
			r.logger.Debug("model provider mismatch, trying next",
				zap.String("slug", slug),
				zap.String("provider", string(model.Provider)))
			skipped = append(skipped, fmt.Sprintf("%s: provider %q does not match requested provider %q", slug, model.Provider, req.Provider))
			continue
		}

		cred, source, err := r.resolveCredential(ctx, model.Provider, req)
		if err != nil {
			return nil, &ConfigError{Slug: slug, Reason: "credential lookup failed", Err: err}
		}
		if cred == nil {
			r.logger.Warn("no credential for model provider, trying next",
				zap.String("slug", slug),
				zap.String("provider", string(model.Provider)))
			skipped = append(skipped, fmt.Sprintf("%s: no credential available for provider %q", slug, model.Provider))
			continue
		}
		return r.resolved(model, cred, source), nil
	}

	return nil, &ConfigError{
		Slug:   chain[0],
		Reason: fmt.Sprintf("no usable model in chain %s (%s)", strings.Join(chain, " -> "), strings.Join(skipped, "; ")),
	}
}

func (r *Resolver) chain(req Request) []string {
	var chain []string
	seen := map[string]bool{}
	for _, slug := range []string{req.ModelSlug, req.FallbackSlug, r.opts.DefaultSlug} {
		slug = strings.TrimSpace(slug)
		if slug == "" || seen[slug] {
			continue
		}
		seen[slug] = true
		chain = append(chain, slug)
	}
	return chain
}

func (r *Resolver) resolved(model *Model, cred *Credential, source string) *ResolvedModel {
	providerModel := model.ProviderModel
	if providerModel == "" {
		providerModel = model.Slug
	}

	r.logger.Debug("resolved model",
		zap.String("slug", model.Slug),
		zap.String("provider", string(model.Provider)),
		zap.String("credential_source", source))

	return &ResolvedModel{
		Slug:              model.Slug,
		Provider:          model.Provider,
		ProviderModel:     providerModel,
		Endpoint:          r.opts.Endpoints[model.Provider],
		APIKey:            cred.APIKey,
		CredentialID:      cred.ID,
		CredentialSource:  source,
		InputCostPerMTok:  model.InputCostPerMTok,
		OutputCostPerMTok: model.OutputCostPerMTok,
	}
}

func (r *Resolver) resolveCredential(ctx context.Context, provider llm.Provider, req Request) (*Credential, string, error) {
	if req.CredentialID != "" {
		cred, err := r.store.GetCredential(ctx, req.CredentialID)
		if err != nil {
			return nil, "", err
		}
		if cred != nil && cred.Active && cred.Provider == provider && cred.APIKey != "" {
			return cred, SourceExplicit, nil
		}
		r.logger.Warn("explicit credential unusable, falling back",
			zap.String("credential_id", req.CredentialID),
			zap.String("provider", string(provider)))
	}

	scopes := req.PreferredScopes
	if len(scopes) == 0 {
		scopes = r.opts.PreferredScopes
	}
	creds, err := r.store.ListActiveCredentials(ctx, provider)
	if err != nil {
		return nil, "", err
	}
	for _, scope := range scopes {
		for i := range creds {
			c := creds[i]
			if c.Active && c.APIKey != "" && c.HasScope(scope) {
				return &c, SourceScoped, nil
			}
		}
	}

	for _, key := range r.opts.EnvKeys[provider] {
		if v := strings.TrimSpace(r.opts.Getenv(key)); v != "" {
			return &Credential{ID: "env:" + key, Provider: provider, APIKey: v, Active: true}, SourceEnv, nil
		}
	}

	return nil, "", nil
}
