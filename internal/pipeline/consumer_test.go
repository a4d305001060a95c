package pipeline

import (
	"context"
	"errors"
	"sort"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
	"go.uber.org/zap/zaptest"

	"github.com/Multiproject-EJ/futurefunds-site-sub000/internal/cache"
	"github.com/Multiproject-EJ/futurefunds-site-sub000/internal/credentials"
	"github.com/Multiproject-EJ/futurefunds-site-sub000/internal/db"
	"github.com/Multiproject-EJ/futurefunds-site-sub000/internal/ensemble"
	"github.com/Multiproject-EJ/futurefunds-site-sub000/internal/ledger"
	"github.com/Multiproject-EJ/futurefunds-site-sub000/internal/llm"
	"github.com/Multiproject-EJ/futurefunds-site-sub000/internal/notify"
	"github.com/Multiproject-EJ/futurefunds-site-sub000/internal/questions"
	"github.com/Multiproject-EJ/futurefunds-site-sub000/internal/retrieval"
	"github.com/Multiproject-EJ/futurefunds-site-sub000/internal/summary"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

const (
	questionJSON = `{"verdict":"good","score":80,"summary":"Strong brand.","tags":["moat"]}`
	summaryJSON  = `{"verdict":"good","conviction":"high","thesis":"Durable compounder.","summary":"Good business.","risks":["valuation"],"catalysts":["buyback"]}`
)

// -----------------------------------------------------------------------------
// In-memory store
// -----------------------------------------------------------------------------

type runItem struct {
	stage     int
	status    string
	spend     float64
	lastError string
}

type memoryStore struct {
	mu        sync.Mutex
	run       *db.Run
	items     map[string]*runItem
	dims      []questions.Dimension
	questions []questions.Question
	meta      map[string]retrieval.TickerMeta
	links     []ensemble.FactorLink
	snapshots map[string]map[string]ensemble.Snapshot

	outcomes   map[string]*questions.Outcome
	summaries  map[string]*summary.Thesis
	dimScores  map[string][]ensemble.DimensionScore
	costs      []ledger.Entry
	errorLogs  []ledger.ErrorLog
	claims     int
	stealFirst bool

	channels []notify.Channel
	events   []notify.Event
}

func newMemoryStore(tickers ...string) *memoryStore {
	s := &memoryStore{
		run:   &db.Run{ID: uuid.New(), Status: "running"},
		items: make(map[string]*runItem),
		dims: []questions.Dimension{
			{Slug: "moat", Name: "Moat", Weight: 2, Order: 1},
			{Slug: "financials", Name: "Financials", Weight: 1, Order: 2},
		},
		questions: []questions.Question{
			{Slug: "moat-brand", Title: "Brand strength", DimensionSlug: "moat", Prompt: "How strong is the brand?", Active: true, Stage: 3, Order: 1, Weight: 1},
			{Slug: "moat-durability", Title: "Durability", DimensionSlug: "moat", Prompt: "Will the moat last?", Active: true, Stage: 3, Order: 2, Weight: 1, DependsOn: []string{"moat-brand"}},
			{Slug: "fin-margin", Title: "Margins", DimensionSlug: "financials", Prompt: "Are margins healthy?", Active: true, Stage: 3, Order: 1, Weight: 1},
		},
		meta:      make(map[string]retrieval.TickerMeta),
		snapshots: make(map[string]map[string]ensemble.Snapshot),
		outcomes:  make(map[string]*questions.Outcome),
		summaries: make(map[string]*summary.Thesis),
		dimScores: make(map[string][]ensemble.DimensionScore),
	}
	for _, t := range tickers {
		s.items[t] = &runItem{stage: 2, status: db.ItemStatusOK}
		s.meta[t] = retrieval.TickerMeta{Ticker: t, Name: t + " Inc", Sector: "Technology"}
	}
	return s
}

func (s *memoryStore) GetRun(_ context.Context, runID uuid.UUID) (*db.Run, error) {
	if s.run == nil || s.run.ID != runID {
		return nil, nil
	}
	return s.run, nil
}

func (s *memoryStore) RunStageMetrics(_ context.Context, _ uuid.UUID, stage int) (*db.StageMetrics, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var m db.StageMetrics
	for _, it := range s.items {
		if it.stage >= stage-1 {
			m.Finalists++
		}
		switch {
		case it.stage == stage-1 && it.status != db.ItemStatusFailed:
			m.Pending++
		case it.stage >= stage && it.status == db.ItemStatusOK:
			m.Completed++
		case it.stage == stage-1 && it.status == db.ItemStatusFailed:
			m.Failed++
		}
		m.Spend += it.spend
	}
	return &m, nil
}

func (s *memoryStore) ListPendingTickers(_ context.Context, _ uuid.UUID, stage, limit int) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []string
	for t, it := range s.items {
		if it.stage == stage-1 && (it.status == db.ItemStatusOK || it.status == db.ItemStatusPending) {
			out = append(out, t)
		}
	}
	sort.Strings(out)
	if len(out) > limit {
		out = out[:limit]
	}
	if s.stealFirst && len(out) > 0 {
		s.items[out[0]].status = db.ItemStatusInProgress
	}
	return out, nil
}

func (s *memoryStore) ListDimensions(context.Context) ([]questions.Dimension, error) {
	return s.dims, nil
}

func (s *memoryStore) ListQuestions(context.Context, int) ([]questions.Question, error) {
	return s.questions, nil
}

func (s *memoryStore) GetTicker(_ context.Context, ticker string) (*retrieval.TickerMeta, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.meta[ticker]
	if !ok {
		return nil, nil
	}
	return &m, nil
}

func (s *memoryStore) ListPriorAnswers(_ context.Context, _ uuid.UUID, ticker string, _ int) ([]db.PriorAnswer, error) {
	summaryText := ticker + " passed scoring"
	return []db.PriorAnswer{{Stage: 2, QuestionSlug: "summary", Summary: &summaryText}}, nil
}

func (s *memoryStore) GetSectorNotes(context.Context, string) (string, error) {
	return "", nil
}

func (s *memoryStore) ListFactorLinks(context.Context) ([]ensemble.FactorLink, error) {
	return s.links, nil
}

func (s *memoryStore) LatestSnapshots(_ context.Context, ticker string) (map[string]ensemble.Snapshot, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.snapshots[ticker], nil
}

func (s *memoryStore) SaveDimensionScores(_ context.Context, _ uuid.UUID, ticker string, scores []ensemble.DimensionScore) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.dimScores[ticker] = scores
	return nil
}

func (s *memoryStore) SaveQuestionOutcome(_ context.Context, _ uuid.UUID, ticker string, q questions.Question, o *questions.Outcome) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.outcomes[ticker+"/"+q.Slug] = o
	return nil
}

func (s *memoryStore) SaveSummary(_ context.Context, _ uuid.UUID, ticker string, t *summary.Thesis) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.summaries[ticker] = t
	return nil
}

func (s *memoryStore) InsertCostEntry(_ context.Context, e ledger.Entry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.costs = append(s.costs, e)
	return nil
}

func (s *memoryStore) AddRunItemSpend(_ context.Context, _ uuid.UUID, ticker string, cost float64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.items[ticker].spend += cost
	return nil
}

func (s *memoryStore) ClaimRunItem(ctx context.Context, _ uuid.UUID, ticker string, stage int) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := ctx.Err(); err != nil {
		return false, err
	}
	s.claims++
	it := s.items[ticker]
	if it == nil || it.stage != stage-1 || (it.status != db.ItemStatusOK && it.status != db.ItemStatusPending) {
		return false, nil
	}
	it.status = db.ItemStatusInProgress
	return true, nil
}

func (s *memoryStore) CompleteRunItem(ctx context.Context, _ uuid.UUID, ticker string, stage int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := ctx.Err(); err != nil {
		return err
	}
	s.items[ticker].stage = stage
	s.items[ticker].status = db.ItemStatusOK
	return nil
}

func (s *memoryStore) FailRunItem(ctx context.Context, _ uuid.UUID, ticker string, message string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := ctx.Err(); err != nil {
		return err
	}
	s.items[ticker].status = db.ItemStatusFailed
	s.items[ticker].lastError = message
	return nil
}

func (s *memoryStore) InsertErrorLog(ctx context.Context, log ledger.ErrorLog) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := ctx.Err(); err != nil {
		return err
	}
	s.errorLogs = append(s.errorLogs, log)
	return nil
}

func (s *memoryStore) ListActiveChannels(context.Context) ([]notify.Channel, error) {
	return s.channels, nil
}

func (s *memoryStore) HasRecentSentEvent(_ context.Context, channelID, runID uuid.UUID, ticker string, stage int, since time.Time) (bool, error) {
	for _, e := range s.events {
		if e.ChannelID == channelID && e.RunID == runID && e.Ticker == ticker && e.Stage == stage &&
			e.Status == notify.StatusSent && !e.CreatedAt.Before(since) {
			return true, nil
		}
	}
	return false, nil
}

func (s *memoryStore) RecordEvent(_ context.Context, e notify.Event) error {
	s.events = append(s.events, e)
	return nil
}

// memoryCache is an in-memory cache.Store
type memoryCache struct {
	mu      sync.Mutex
	records map[string]*cache.Record
}

func (c *memoryCache) GetCachedCompletion(_ context.Context, slug, key string) (*cache.Record, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.records[slug+"|"+key], nil
}

func (c *memoryCache) DeleteCachedCompletion(_ context.Context, slug, key string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.records, slug+"|"+key)
	return nil
}

func (c *memoryCache) TouchCachedCompletion(_ context.Context, slug, key string, at time.Time) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if rec := c.records[slug+"|"+key]; rec != nil {
		rec.HitCount++
		rec.LastHitAt = &at
	}
	return nil
}

func (c *memoryCache) PutCachedCompletion(_ context.Context, rec *cache.Record) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.records[rec.ModelSlug+"|"+rec.CacheKey] = rec
	return nil
}

// -----------------------------------------------------------------------------
// Model fakes
// -----------------------------------------------------------------------------

// scriptedClient answers questions and summaries. Prompts for tickers in
// badTickers get a non-JSON reply; tickers in offSchema get JSON that misses
// required answer fields.
type scriptedClient struct {
	mu         sync.Mutex
	badTickers map[string]bool
	offSchema  map[string]bool
	prompts    []string
}

func (c *scriptedClient) Generate(_ context.Context, req llm.Request) (*llm.Response, error) {
	c.mu.Lock()
	c.prompts = append(c.prompts, req.Prompt)
	c.mu.Unlock()

	for ticker := range c.badTickers {
		if strings.HasPrefix(req.Prompt, "Company: "+ticker+" ") {
			return &llm.Response{Text: "I am unable to assess this company.", Usage: llm.Usage{InputTokens: 50, OutputTokens: 8}}, nil
		}
	}
	for ticker := range c.offSchema {
		if strings.HasPrefix(req.Prompt, "Company: "+ticker+" ") {
			return &llm.Response{Text: `{"verdict":"good"}`, Usage: llm.Usage{InputTokens: 50, OutputTokens: 8}}, nil
		}
	}
	text := questionJSON
	if strings.Contains(req.Prompt, "Scoreboard by dimension:") {
		text = summaryJSON
	}
	return &llm.Response{Text: text, Usage: llm.Usage{InputTokens: 1000, OutputTokens: 200}, Model: req.Model}, nil
}

func (c *scriptedClient) Close() error { return nil }

func (c *scriptedClient) Prompts() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.prompts...)
}

// cancellingClient cancels the batch context on its first call, the way a
// deadline or SIGTERM lands in the middle of a ticker
type cancellingClient struct {
	cancel context.CancelFunc
	calls  int
}

func (c *cancellingClient) Generate(ctx context.Context, _ llm.Request) (*llm.Response, error) {
	c.calls++
	c.cancel()
	return nil, ctx.Err()
}

func (c *cancellingClient) Close() error { return nil }

type fakeEmbedder struct{}

func (fakeEmbedder) Embed(_ context.Context, _, text string) (*llm.Embedding, error) {
	return &llm.Embedding{Values: []float32{1, 0, 0}, Tokens: llm.EstimateTokens(text)}, nil
}

func (fakeEmbedder) Close() error { return nil }

// MockFactory is a mock implementation of ClientFactory for testing
type MockFactory struct {
	client   llm.Client
	embedder EmbeddingClient
}

func (f *MockFactory) Client(context.Context, *credentials.ResolvedModel) (llm.Client, error) {
	return f.client, nil
}

func (f *MockFactory) Embedder(context.Context, *credentials.ResolvedModel) (EmbeddingClient, error) {
	if f.embedder == nil {
		return nil, errors.New("no embedder")
	}
	return f.embedder, nil
}

type fakeResolver struct {
	models map[string]*credentials.ResolvedModel
	calls  int
}

func (r *fakeResolver) Resolve(_ context.Context, req credentials.Request) (*credentials.ResolvedModel, error) {
	r.calls++
	for _, slug := range []string{req.ModelSlug, req.FallbackSlug} {
		if m, ok := r.models[slug]; ok {
			return m, nil
		}
	}
	return nil, &credentials.ConfigError{Slug: req.ModelSlug, Reason: "no active model"}
}

func defaultResolver() *fakeResolver {
	return &fakeResolver{models: map[string]*credentials.ResolvedModel{
		"flash": {Slug: "flash", Provider: llm.ProviderGoogle, ProviderModel: "gemini-flash", InputCostPerMTok: 0.3, OutputCostPerMTok: 2.5},
	}}
}

type mockSearcher struct {
	chunks []retrieval.Chunk
}

func (m *mockSearcher) SearchChunks(_ context.Context, _ []float32, k int, _ string) ([]retrieval.Chunk, error) {
	if len(m.chunks) > k {
		return m.chunks[:k], nil
	}
	return m.chunks, nil
}

// MockSender is a mock implementation of notify.Sender for testing
type MockSender struct {
	mu   sync.Mutex
	sent []notify.Message
}

func (m *MockSender) Send(_ context.Context, _ notify.Channel, msg notify.Message) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sent = append(m.sent, msg)
	return nil
}

type harness struct {
	store    *memoryStore
	client   *scriptedClient
	resolver *fakeResolver
	factory  *MockFactory
	searcher *mockSearcher
	sender   *MockSender
	opts     Options
}

func newHarness(tickers ...string) *harness {
	return &harness{
		store:    newMemoryStore(tickers...),
		client:   &scriptedClient{badTickers: map[string]bool{}, offSchema: map[string]bool{}},
		resolver: defaultResolver(),
		searcher: &mockSearcher{},
		sender:   &MockSender{},
		opts:     Options{ModelSlug: "flash", MaxBatch: DefaultMaxBatch},
	}
}

func (h *harness) consumer(t *testing.T) *Consumer {
	t.Helper()
	logger := zaptest.NewLogger(t)
	if h.factory == nil {
		h.factory = &MockFactory{client: h.client}
	}
	completions := cache.New(&memoryCache{records: map[string]*cache.Record{}}, cache.Config{}, logger)
	return NewConsumer(Deps{
		Store:      h.store,
		Answers:    h.store,
		Summaries:  h.store,
		Ledger:     ledger.New(h.store, logger),
		Cache:      completions,
		Resolver:   h.resolver,
		Clients:    h.factory,
		Searcher:   h.searcher,
		Dispatcher: notify.NewDispatcher(h.store, map[string]notify.Sender{notify.ChannelWebhook: h.sender}, 0, logger),
	}, h.opts, logger)
}

// -----------------------------------------------------------------------------
// Tests
// -----------------------------------------------------------------------------

func TestRun_ProcessesTicker(t *testing.T) {
	h := newHarness("AAA")
	h.store.channels = []notify.Channel{{ID: uuid.New(), Type: notify.ChannelWebhook, Target: "https://hooks.example/x", Active: true}}

	resp, err := h.consumer(t).Run(t.Context(), Request{RunID: h.store.run.ID, Limit: 5})
	require.NoError(t, err)

	assert.Equal(t, 1, resp.Processed)
	assert.Equal(t, 0, resp.Failed)
	assert.Equal(t, "flash", resp.Model)
	require.Len(t, resp.Results, 1)
	assert.Equal(t, StatusOK, resp.Results[0].Status)
	assert.Equal(t, "good", resp.Results[0].Verdict)
	assert.Equal(t, "Good business.", resp.Results[0].Summary)
	require.NotNil(t, resp.Results[0].CacheHit)
	assert.False(t, *resp.Results[0].CacheHit)
	assert.Equal(t, 1, resp.Metrics.Completed)
	assert.Equal(t, "Processed 1 of 1 tickers.", resp.Message)

	// Three questions, one summary
	assert.Len(t, h.client.Prompts(), 4)
	assert.Len(t, h.store.outcomes, 3)
	require.Contains(t, h.store.summaries, "AAA")
	assert.Equal(t, "high", h.store.summaries["AAA"].Conviction)
	require.Len(t, h.store.dimScores["AAA"], 2)
	assert.Equal(t, questions.VerdictGood, h.store.dimScores["AAA"][0].Verdict)

	assert.Equal(t, 3, h.store.items["AAA"].stage)
	assert.Equal(t, db.ItemStatusOK, h.store.items["AAA"].status)
	assert.Len(t, h.store.costs, 4)
	assert.Greater(t, h.store.items["AAA"].spend, 0.0)

	require.NotNil(t, resp.Results[0].Notifications)
	assert.Equal(t, 1, resp.Results[0].Notifications.Sent)
	assert.Len(t, h.sender.sent, 1)
}

func TestRun_DependencyAnswersReachLaterPrompts(t *testing.T) {
	h := newHarness("AAA")

	_, err := h.consumer(t).Run(t.Context(), Request{RunID: h.store.run.ID})
	require.NoError(t, err)

	var durability string
	for _, p := range h.client.Prompts() {
		if strings.Contains(p, "(moat-durability)") {
			durability = p
		}
	}
	require.NotEmpty(t, durability)
	assert.Contains(t, durability, "Brand strength [good, score 80]: Strong brand.")
	assert.Contains(t, durability, "Stage 2 scoring:\nsummary: AAA passed scoring")
}

func TestRun_StopRequested(t *testing.T) {
	h := newHarness("AAA", "BBB")
	h.store.run.StopRequested = true
	before, err := h.store.RunStageMetrics(t.Context(), h.store.run.ID, questions.DeepDiveStage)
	require.NoError(t, err)

	resp, err := h.consumer(t).Run(t.Context(), Request{RunID: h.store.run.ID, Limit: 6})
	require.NoError(t, err)

	assert.Equal(t, 0, resp.Processed)
	assert.Empty(t, resp.Results)
	assert.Equal(t, *before, resp.Metrics)
	assert.Contains(t, resp.Message, "stopped")
	assert.Equal(t, 0, h.store.claims)
	assert.Equal(t, 0, h.resolver.calls)
	assert.Empty(t, h.client.Prompts())
}

func TestRun_PartialFailureIsolation(t *testing.T) {
	h := newHarness("AAA", "BAD", "CCC")
	h.client.badTickers["BAD"] = true

	resp, err := h.consumer(t).Run(t.Context(), Request{RunID: h.store.run.ID, Limit: 3})
	require.NoError(t, err)

	assert.Equal(t, 2, resp.Processed)
	assert.Equal(t, 1, resp.Failed)
	require.Len(t, resp.Results, 3)
	assert.Equal(t, StatusOK, resp.Results[0].Status)
	assert.Equal(t, StatusFailed, resp.Results[1].Status)
	assert.NotEmpty(t, resp.Results[1].Error)
	assert.Equal(t, StatusOK, resp.Results[2].Status)
	assert.Equal(t, "Processed 2 of 3 tickers, 1 failed.", resp.Message)

	assert.Equal(t, db.ItemStatusFailed, h.store.items["BAD"].status)
	assert.Equal(t, 2, h.store.items["BAD"].stage)
	assert.NotEmpty(t, h.store.items["BAD"].lastError)
	assert.Equal(t, 3, h.store.items["CCC"].stage)

	sources := map[string]bool{}
	for _, l := range h.store.errorLogs {
		sources[l.Source] = true
	}
	assert.True(t, sources["question_parse"])
	assert.True(t, sources["deep_dive"])
	assert.NotContains(t, h.store.summaries, "BAD")
}

func TestRun_SchemaInvalidAnswerIsolation(t *testing.T) {
	h := newHarness("AAA", "BAD", "CCC")
	h.client.offSchema["BAD"] = true

	resp, err := h.consumer(t).Run(t.Context(), Request{RunID: h.store.run.ID, Limit: 3})
	require.NoError(t, err)

	assert.Equal(t, 2, resp.Processed)
	assert.Equal(t, 1, resp.Failed)
	require.Len(t, resp.Results, 3)
	assert.Equal(t, StatusFailed, resp.Results[1].Status)
	assert.Contains(t, resp.Results[1].Error, "failed schema validation")
	assert.Equal(t, db.ItemStatusFailed, h.store.items["BAD"].status)
	assert.Equal(t, 3, h.store.items["AAA"].stage)
	assert.Equal(t, 3, h.store.items["CCC"].stage)

	var validation *ledger.ErrorLog
	for i, l := range h.store.errorLogs {
		if l.Source == "question_validation" {
			validation = &h.store.errorLogs[i]
		}
	}
	require.NotNil(t, validation)
	assert.Equal(t, "BAD", validation.Ticker)
	assert.Equal(t, `{"verdict":"good"}`, validation.Context["raw"])
	assert.NotContains(t, h.store.summaries, "BAD")
}

func TestRun_RejectedReplyIsNotServedFromCache(t *testing.T) {
	h := newHarness("BAD")
	h.client.badTickers["BAD"] = true
	c := h.consumer(t)

	resp, err := c.Run(t.Context(), Request{RunID: h.store.run.ID})
	require.NoError(t, err)
	require.Equal(t, 1, resp.Failed)
	first := h.client.Prompts()
	require.Len(t, first, 1)

	// Model recovers and the operator requeues the ticker
	delete(h.client.badTickers, "BAD")
	h.store.items["BAD"] = &runItem{stage: 2, status: db.ItemStatusPending}

	resp, err = c.Run(t.Context(), Request{RunID: h.store.run.ID})
	require.NoError(t, err)

	assert.Equal(t, 1, resp.Processed)
	assert.Equal(t, 0, resp.Failed)
	assert.Equal(t, 0, resp.CacheHits)
	prompts := h.client.Prompts()
	require.Greater(t, len(prompts), 1)
	assert.Equal(t, first[0], prompts[1])
	assert.Equal(t, db.ItemStatusOK, h.store.items["BAD"].status)
	assert.Equal(t, 3, h.store.items["BAD"].stage)
}

func TestRun_CancellationSettlesClaimedTicker(t *testing.T) {
	h := newHarness("AAA", "BBB")
	ctx, cancel := context.WithCancel(t.Context())
	defer cancel()
	client := &cancellingClient{cancel: cancel}
	h.factory = &MockFactory{client: client}

	resp, err := h.consumer(t).Run(ctx, Request{RunID: h.store.run.ID, Limit: 2})
	require.NoError(t, err)
	require.NotNil(t, resp)

	assert.True(t, resp.Interrupted)
	assert.Equal(t, 0, resp.Processed)
	assert.Equal(t, 1, resp.Failed)
	require.Len(t, resp.Results, 1)
	assert.Equal(t, "AAA", resp.Results[0].Ticker)
	assert.Equal(t, StatusFailed, resp.Results[0].Status)
	assert.Contains(t, resp.Message, "1 tickers left pending")
	assert.Equal(t, 1, client.calls)

	// The claimed ticker is settled, the rest stay unclaimed
	assert.Equal(t, db.ItemStatusFailed, h.store.items["AAA"].status)
	assert.Equal(t, 2, h.store.items["AAA"].stage)
	assert.Equal(t, db.ItemStatusOK, h.store.items["BBB"].status)
	assert.Equal(t, 1, resp.Metrics.Failed)
	assert.Equal(t, 1, resp.Metrics.Pending)

	pending, err := h.store.ListPendingTickers(t.Context(), h.store.run.ID, questions.DeepDiveStage, 10)
	require.NoError(t, err)
	assert.Equal(t, []string{"BBB"}, pending)

	var settled bool
	for _, l := range h.store.errorLogs {
		if l.Source == "deep_dive" && l.Ticker == "AAA" {
			settled = true
		}
	}
	assert.True(t, settled)
}

func TestRun_RetrievalDegradation(t *testing.T) {
	h := newHarness("AAA")
	h.opts.EmbeddingModelSlug = "embedding-unknown"

	resp, err := h.consumer(t).Run(t.Context(), Request{RunID: h.store.run.ID})
	require.NoError(t, err)

	assert.Equal(t, 1, resp.Processed)
	assert.Equal(t, 0, resp.Retrieval.TotalHits)
	require.NotNil(t, resp.Results[0].Retrieval)
	assert.True(t, resp.Results[0].Retrieval.Degraded)
	for _, p := range h.client.Prompts() {
		assert.Contains(t, p, retrieval.NoExcerpts)
	}
}

func TestRun_RetrievalHits(t *testing.T) {
	h := newHarness("AAA")
	h.opts.EmbeddingModelSlug = "embed"
	h.resolver.models["embed"] = &credentials.ResolvedModel{Slug: "embed", Provider: llm.ProviderGoogle, ProviderModel: "text-embedding-004"}
	h.factory = &MockFactory{client: h.client, embedder: fakeEmbedder{}}
	h.searcher.chunks = []retrieval.Chunk{
		{ID: "1", Title: "Annual report", SourceType: "filing", Content: "<p>Pricing power intact.</p>", Similarity: 0.91},
		{ID: "2", Title: "Call notes", SourceType: "transcript", Content: "Margins expanding.", Similarity: 0.84},
	}

	resp, err := h.consumer(t).Run(t.Context(), Request{RunID: h.store.run.ID})
	require.NoError(t, err)

	assert.Equal(t, 2, resp.Retrieval.TotalHits)
	assert.Greater(t, resp.Retrieval.EmbeddingTokens, 0)
	require.NotNil(t, resp.Results[0].Retrieval)
	assert.False(t, resp.Results[0].Retrieval.Degraded)
	assert.Contains(t, h.client.Prompts()[0], "[D1] Annual report")
	assert.Len(t, h.store.summaries["AAA"].Citations, 2)
}

func TestRun_LimitClamped(t *testing.T) {
	h := newHarness("A1", "A2", "A3", "A4", "A5", "A6", "A7", "A8")

	resp, err := h.consumer(t).Run(t.Context(), Request{RunID: h.store.run.ID, Limit: 50})
	require.NoError(t, err)
	assert.Equal(t, DefaultMaxBatch, resp.Processed)

	resp, err = h.consumer(t).Run(t.Context(), Request{RunID: h.store.run.ID})
	require.NoError(t, err)
	assert.Equal(t, 1, resp.Processed)
}

func TestRun_ClaimLostIsSkipped(t *testing.T) {
	h := newHarness("AAA", "BBB")
	h.store.stealFirst = true

	resp, err := h.consumer(t).Run(t.Context(), Request{RunID: h.store.run.ID, Limit: 2})
	require.NoError(t, err)

	assert.Equal(t, 1, resp.Processed)
	assert.Equal(t, 0, resp.Failed)
	assert.Equal(t, StatusSkipped, resp.Results[0].Status)
	assert.Equal(t, db.ItemStatusInProgress, h.store.items["AAA"].status)
}

func TestRun_NoPendingTickers(t *testing.T) {
	h := newHarness()

	resp, err := h.consumer(t).Run(t.Context(), Request{RunID: h.store.run.ID})
	require.NoError(t, err)
	assert.Equal(t, "No pending tickers for stage 3.", resp.Message)
	assert.Empty(t, resp.Results)
}

func TestRun_Errors(t *testing.T) {
	t.Run("run not found", func(t *testing.T) {
		h := newHarness("AAA")
		_, err := h.consumer(t).Run(t.Context(), Request{RunID: uuid.New()})
		assert.ErrorIs(t, err, ErrRunNotFound)
	})

	t.Run("model not resolvable", func(t *testing.T) {
		h := newHarness("AAA")
		h.opts.ModelSlug = "missing"
		_, err := h.consumer(t).Run(t.Context(), Request{RunID: h.store.run.ID})
		var cfgErr *credentials.ConfigError
		require.ErrorAs(t, err, &cfgErr)
		assert.Equal(t, db.ItemStatusOK, h.store.items["AAA"].status)
	})

	t.Run("dependency cycle", func(t *testing.T) {
		h := newHarness("AAA")
		h.store.questions[0].DependsOn = []string{"moat-durability"}
		_, err := h.consumer(t).Run(t.Context(), Request{RunID: h.store.run.ID})
		var cycle *questions.CycleError
		require.ErrorAs(t, err, &cycle)
		assert.Equal(t, 0, h.store.claims)
	})
}

func TestRun_CacheServesRepeatCalls(t *testing.T) {
	h := newHarness("AAA")
	c := h.consumer(t)

	_, err := c.Run(t.Context(), Request{RunID: h.store.run.ID})
	require.NoError(t, err)
	calls := len(h.client.Prompts())

	// Reset the item so the same ticker is processed again with identical prompts
	h.store.items["AAA"] = &runItem{stage: 2, status: db.ItemStatusOK}
	resp, err := c.Run(t.Context(), Request{RunID: h.store.run.ID})
	require.NoError(t, err)

	assert.Equal(t, calls, len(h.client.Prompts()))
	assert.Equal(t, 4, resp.CacheHits)
	require.NotNil(t, resp.Results[0].CacheHit)
	assert.True(t, *resp.Results[0].CacheHit)
}

func TestClampLimit(t *testing.T) {
	assert.Equal(t, 1, ClampLimit(0, 6))
	assert.Equal(t, 1, ClampLimit(-3, 6))
	assert.Equal(t, 4, ClampLimit(4, 6))
	assert.Equal(t, 6, ClampLimit(9, 6))
}

func TestSplitPrior(t *testing.T) {
	verdict, s1, s2 := "good", "Clean triage", "Scored 72"
	stage1, stage2 := splitPrior([]db.PriorAnswer{
		{Stage: 1, QuestionSlug: "triage", Verdict: &verdict, Summary: &s1},
		{Stage: 2, QuestionSlug: "score", Summary: &s2},
		{Stage: 2, QuestionSlug: "raw", Answer: []byte(`{"x":1}`)},
	})
	assert.Equal(t, "triage [good]: Clean triage", stage1)
	assert.Equal(t, "score: Scored 72\nraw: {\"x\":1}", stage2)
}
