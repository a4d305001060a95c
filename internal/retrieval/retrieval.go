// Package retrieval assembles external document excerpts for prompt injection.
package retrieval

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/Multiproject-EJ/futurefunds-site-sub000/internal/fetch"
	"github.com/Multiproject-EJ/futurefunds-site-sub000/internal/llm"
	"go.uber.org/zap"
)

// NoExcerpts is the context block used when retrieval produced nothing
const NoExcerpts = "No external excerpts supplied."

// Retrieval limits
const (
	DefaultTopK          = 8
	MaxTopK              = 20
	DefaultSnippetLength = 600
	maxQueryRunes        = 2000
)

// Citation is a normalized reference to a retrieved excerpt. It is stored
// unchanged alongside persisted answers.
type Citation struct {
	Ref         string     `json:"ref"`
	Title       string     `json:"title"`
	SourceType  string     `json:"source_type"`
	PublishedAt *time.Time `json:"published_at,omitempty"`
	URL         string     `json:"url,omitempty"`
	Similarity  float64    `json:"similarity"`
}

// Chunk is one nearest-neighbor hit from the document store
type Chunk struct {
	ID          string
	Title       string
	SourceType  string
	PublishedAt *time.Time
	URL         string
	Content     string
	Similarity  float64
}

// Searcher runs a nearest-neighbor lookup over document chunks
type Searcher interface {
	// SearchChunks returns at most k chunks; ticker may be empty for an unscoped search
	SearchChunks(ctx context.Context, embedding []float32, k int, ticker string) ([]Chunk, error)
}

// TickerMeta is the subset of ticker metadata used to build a query
type TickerMeta struct {
	Ticker   string
	Name     string
	Exchange string
	Country  string
	Sector   string
	Industry string
}

// Input describes one retrieval request
type Input struct {
	Meta   TickerMeta
	Stage1 string
	Stage2 string
	// ScopeToTicker restricts the search to documents tagged with the ticker
	ScopeToTicker bool
}

// Context is what retrieval produced for a ticker
type Context struct {
	Block           string
	Citations       []Citation
	Hits            int
	EmbeddingTokens int
	Degraded        bool
}

// Empty returns the degraded, clearly labeled context
func Empty() *Context {
	return &Context{Block: NoExcerpts, Degraded: true}
}

// Options configure an Augmenter
type Options struct {
	EmbeddingModel string
	TopK           int
	SnippetLength  int
}

// Augmenter embeds a synthesized query and collects matching excerpts
type Augmenter struct {
	embedder llm.Embedder
	searcher Searcher
	opts     Options
	logger   *zap.Logger
}

// NewAugmenter creates an augmenter. A nil embedder yields an augmenter that
// always degrades.
func NewAugmenter(embedder llm.Embedder, searcher Searcher, opts Options, logger *zap.Logger) *Augmenter {
	if logger == nil {
		logger = zap.NewNop()
	}
	if opts.TopK <= 0 {
		opts.TopK = DefaultTopK
	}
	if opts.TopK > MaxTopK {
		opts.TopK = MaxTopK
	}
	if opts.SnippetLength <= 0 {
		opts.SnippetLength = DefaultSnippetLength
	}
	return &Augmenter{embedder: embedder, searcher: searcher, opts: opts, logger: logger}
}

// Retrieve never fails: any problem with the embedder or search degrades to
// the empty context.
func (a *Augmenter) Retrieve(ctx context.Context, in Input) *Context {
	if a == nil || a.embedder == nil || a.searcher == nil || a.opts.EmbeddingModel == "" {
		return Empty()
	}
	log := a.logger.With(zap.String("ticker", in.Meta.Ticker))

	query := BuildQuery(in.Meta, in.Stage1, in.Stage2)
	emb, err := a.embedder.Embed(ctx, a.opts.EmbeddingModel, query)
	if err != nil {
		log.Warn("embedding unavailable, continuing without excerpts", zap.Error(err))
		return Empty()
	}

	scope := ""
	if in.ScopeToTicker {
		scope = in.Meta.Ticker
	}
	chunks, err := a.searcher.SearchChunks(ctx, emb.Values, a.opts.TopK, scope)
	if err != nil {
		log.Warn("document search failed, continuing without excerpts", zap.Error(err))
		out := Empty()
		out.EmbeddingTokens = emb.Tokens
		return out
	}

	if len(chunks) > a.opts.TopK {
		chunks = chunks[:a.opts.TopK]
	}
	out := Format(chunks, a.opts.SnippetLength)
	out.EmbeddingTokens = emb.Tokens
	log.Debug("retrieved excerpts", zap.Int("hits", out.Hits))
	return out
}

// Format renders chunks into a labeled block and citation list
func Format(chunks []Chunk, snippetLength int) *Context {
	if len(chunks) == 0 {
		return Empty()
	}

	var sb strings.Builder
	citations := make([]Citation, 0, len(chunks))
	for i, c := range chunks {
		ref := fmt.Sprintf("D%d", i+1)
		title := strings.TrimSpace(c.Title)
		if title == "" {
			title = "Untitled document"
		}
		sourceType := c.SourceType
		if sourceType == "" {
			sourceType = "document"
		}

		if i > 0 {
			sb.WriteString("\n\n")
		}
		fmt.Fprintf(&sb, "[%s] %s (%s", ref, title, sourceType)
		if c.PublishedAt != nil {
			fmt.Fprintf(&sb, ", %s", c.PublishedAt.Format("2006-01-02"))
		}
		fmt.Fprintf(&sb, ", similarity %.2f)\n", c.Similarity)
		sb.WriteString(Snippet(c.Content, snippetLength))

		citations = append(citations, Citation{
			Ref:         ref,
			Title:       title,
			SourceType:  sourceType,
			PublishedAt: c.PublishedAt,
			URL:         c.URL,
			Similarity:  c.Similarity,
		})
	}

	return &Context{Block: sb.String(), Citations: citations, Hits: len(chunks)}
}

// Snippet strips markup, collapses whitespace and truncates to limit runes
func Snippet(content string, limit int) string {
	return llm.Truncate(fetch.HTMLText(content), limit)
}

// BuildQuery synthesizes a plain-text search query from ticker metadata and
// condensed earlier-stage outputs
func BuildQuery(meta TickerMeta, stage1, stage2 string) string {
	var parts []string
	head := strings.TrimSpace(meta.Ticker + " " + meta.Name)
	if head != "" {
		parts = append(parts, head)
	}
	for _, v := range []string{meta.Sector, meta.Industry, meta.Exchange, meta.Country} {
		if v = strings.TrimSpace(v); v != "" {
			parts = append(parts, v)
		}
	}
	if s := strings.TrimSpace(stage1); s != "" {
		parts = append(parts, "Triage: "+s)
	}
	if s := strings.TrimSpace(stage2); s != "" {
		parts = append(parts, "Scoring: "+s)
	}
	return llm.Truncate(strings.Join(parts, "\n"), maxQueryRunes)
}
