package main

import (
	"bytes"
	"strings"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Multiproject-EJ/futurefunds-site-sub000/internal/config"
	"github.com/Multiproject-EJ/futurefunds-site-sub000/internal/notify"
	"github.com/Multiproject-EJ/futurefunds-site-sub000/internal/pipeline"
	"github.com/Multiproject-EJ/futurefunds-site-sub000/internal/server"
)

const testSecret = "cli-test-secret-0123456789"

// isolateEnv clears variables that feed config loading
func isolateEnv(t *testing.T) {
	t.Helper()
	for _, key := range []string{
		config.EnvConfigPath, "DATABASE_URL", "AUTOMATION_SECRET", "JWT_SECRET",
		"RESEND_API_KEY", "NOTIFY_EMAIL_FROM", "DEEPDIVE_MODEL", "DEEPDIVE_FALLBACK_MODEL",
		"DEEPDIVE_EMBEDDING_MODEL", "LOG_LEVEL", "PORT", "DEEPDIVE_MAX_BATCH", "RATE_LIMIT_ENABLED",
	} {
		t.Setenv(key, "")
	}
	configPath = ""
}

func TestRootCommand_Subcommands(t *testing.T) {
	names := map[string]bool{}
	for _, cmd := range rootCmd.Commands() {
		names[cmd.Name()] = true
	}
	for _, want := range []string{"serve", "consume", "migrate", "token", "cache"} {
		assert.True(t, names[want], "missing subcommand %s", want)
	}

	assert.NotNil(t, rootCmd.PersistentFlags().Lookup("config"))
	assert.NotNil(t, consumeCmd.Flags().Lookup("run-id"))
	assert.NotNil(t, consumeCmd.Flags().Lookup("limit"))
	assert.NotNil(t, serveCmd.Flags().Lookup("port"))
}

func TestConsumeRequest(t *testing.T) {
	id := uuid.New()

	req, err := consumeRequest(id.String(), 3)
	require.NoError(t, err)
	assert.Equal(t, id, req.RunID)
	assert.Equal(t, 3, req.Limit)
	assert.Equal(t, "cli", req.ClientMeta["source"])

	_, err = consumeRequest("not-a-uuid", 1)
	assert.ErrorContains(t, err, "must be a UUID")

	_, err = consumeRequest(id.String(), -1)
	assert.ErrorContains(t, err, "non-negative")
}

func TestProgressPrinter(t *testing.T) {
	var buf bytes.Buffer
	emit := progressPrinter(&buf)

	emit(pipeline.ProgressEvent{Step: "claim", Message: "2 tickers pending"})
	emit(pipeline.ProgressEvent{Ticker: "ACME", Step: "complete", Message: "done"})

	assert.Equal(t, "[claim] 2 tickers pending\n[complete] ACME: done\n", buf.String())
}

func TestSenders(t *testing.T) {
	cfg := config.Default()
	out := senders(cfg)
	assert.Contains(t, out, notify.ChannelWebhook)
	assert.NotContains(t, out, notify.ChannelEmail, "email needs an API key")

	cfg.Notify.EmailAPIKey = "re_test"
	cfg.Notify.EmailFrom = "alerts@example.com"
	out = senders(cfg)
	require.Contains(t, out, notify.ChannelEmail)
	email, ok := out[notify.ChannelEmail].(*notify.EmailSender)
	require.True(t, ok)
	assert.Equal(t, "alerts@example.com", email.From)
	assert.Equal(t, cfg.Notify.Timeout, email.Opts.Timeout)
}

func TestConsumerOptions(t *testing.T) {
	cfg := config.Default()
	cfg.Models.Fallback = "gemini-2.5-pro"
	cfg.Retrieval.ScopeToTicker = true

	opts := consumerOptions(cfg)
	assert.Equal(t, "gemini-2.5-flash", opts.ModelSlug)
	assert.Equal(t, "gemini-2.5-pro", opts.FallbackModelSlug)
	assert.Equal(t, "text-embedding-004", opts.EmbeddingModelSlug)
	assert.Equal(t, 6, opts.MaxBatch)
	assert.True(t, opts.ScopeRetrieval)
	assert.Equal(t, "deep-dive", opts.Evaluator.Scope)
}

func TestLoadConfig_Serve(t *testing.T) {
	isolateEnv(t)

	_, err := loadConfig(false)
	require.NoError(t, err)

	_, err = loadConfig(true)
	assert.ErrorContains(t, err, "DATABASE_URL")

	t.Setenv("DATABASE_URL", "postgres://localhost/deepdive")
	t.Setenv("AUTOMATION_SECRET", "s3cret")
	cfg, err := loadConfig(true)
	require.NoError(t, err)
	assert.Equal(t, "s3cret", cfg.Server.AutomationSecret)
}

func TestTokenCommand(t *testing.T) {
	isolateEnv(t)
	t.Setenv("JWT_SECRET", testSecret)
	userID := uuid.New()
	t.Cleanup(func() { tokenUserID, tokenRole = "", "" })

	var out bytes.Buffer
	rootCmd.SetOut(&out)
	rootCmd.SetArgs([]string{"token", "--user-id", userID.String()})
	t.Cleanup(func() { rootCmd.SetOut(nil); rootCmd.SetArgs(nil) })
	require.NoError(t, rootCmd.Execute())

	jwtConfig, err := config.NewJWTConfig(testSecret, config.DefaultTokenHours, "admin")
	require.NoError(t, err)
	claims, err := server.NewJWTService(jwtConfig).ValidateToken(strings.TrimSpace(out.String()))
	require.NoError(t, err)
	assert.Equal(t, userID, claims.GetUserID())
	assert.Equal(t, "admin", claims.GetRole())
}

func TestTokenCommand_RequiresSecret(t *testing.T) {
	isolateEnv(t)

	rootCmd.SetArgs([]string{"token"})
	t.Cleanup(func() { rootCmd.SetArgs(nil) })
	err := rootCmd.Execute()
	assert.ErrorContains(t, err, "JWT_SECRET")
}
