// Package observability provides formatted output utilities for verbose CLI mode.
package observability

import (
	"fmt"
	"io"
	"strings"

	"github.com/Multiproject-EJ/futurefunds-site-sub000/internal/pipeline"
)

const (
	// boxWidth is the default width for formatted output boxes
	boxWidth = 60
	// maxItemsToShow is the default number of items to display in lists
	maxItemsToShow = 5
	// summaryPreview bounds the summary excerpt shown per ticker
	summaryPreview = 160
)

// Printer handles formatted output for verbose mode
type Printer struct {
	out io.Writer
}

// NewPrinter creates a new Printer that writes to the given writer
func NewPrinter(out io.Writer) *Printer {
	return &Printer{out: out}
}

// printBox prints a formatted box with a title and content
//
//nolint:errcheck // writing to stdout; errors are not recoverable
func (p *Printer) printBox(title string, content string) {
	border := strings.Repeat("─", boxWidth-2)
	fmt.Fprintf(p.out, "┌%s┐\n", border)
	fmt.Fprintf(p.out, "│ %-*s │\n", boxWidth-4, title)
	fmt.Fprintf(p.out, "├%s┤\n", border)

	for _, line := range strings.Split(content, "\n") {
		// Truncate long lines
		if len([]rune(line)) > boxWidth-4 {
			line = string([]rune(line)[:boxWidth-7]) + "..."
		}
		fmt.Fprintf(p.out, "│ %-*s │\n", boxWidth-4, line)
	}

	fmt.Fprintf(p.out, "└%s┘\n", border)
}

// PrintBatch outputs the batch totals and stage metrics of a consume call.
func (p *Printer) PrintBatch(resp *pipeline.Response) {
	if resp == nil {
		return
	}

	var sb strings.Builder
	sb.WriteString(fmt.Sprintf("Run:        %s\n", resp.RunID))
	sb.WriteString(fmt.Sprintf("Model:      %s\n", resp.Model))
	sb.WriteString(fmt.Sprintf("Processed:  %d  Failed: %d\n", resp.Processed, resp.Failed))
	sb.WriteString(fmt.Sprintf("Cache hits: %d\n", resp.CacheHits))
	sb.WriteString(fmt.Sprintf("Retrieval:  %d hits, %d embedding tokens\n", resp.Retrieval.TotalHits, resp.Retrieval.EmbeddingTokens))
	sb.WriteString("\n")

	m := resp.Metrics
	sb.WriteString(fmt.Sprintf("Stage 3:    %d finalists, %d pending, %d completed, %d failed\n", m.Finalists, m.Pending, m.Completed, m.Failed))
	sb.WriteString(fmt.Sprintf("Spend:      $%.4f\n", m.Spend))
	if resp.Message != "" {
		sb.WriteString("\n" + resp.Message + "\n")
	}

	p.printBox("DEEP DIVE BATCH", strings.TrimSuffix(sb.String(), "\n"))
}

// PrintTickerResults outputs one block per ticker with its verdict,
// retrieval and delivery details.
func (p *Printer) PrintTickerResults(results []pipeline.TickerResult) {
	if len(results) == 0 {
		return
	}

	var sb strings.Builder
	for i, r := range results {
		if i > 0 {
			sb.WriteString("\n")
		}
		sb.WriteString(fmt.Sprintf("%s [%s]\n", r.Ticker, r.Status))
		if r.Error != "" {
			sb.WriteString(fmt.Sprintf("  error: %s\n", r.Error))
			continue
		}
		if r.Verdict != "" {
			sb.WriteString(fmt.Sprintf("  verdict: %s\n", r.Verdict))
		}
		if r.Retrieval != nil {
			if r.Retrieval.Degraded {
				sb.WriteString("  retrieval: unavailable\n")
			} else {
				sb.WriteString(fmt.Sprintf("  retrieval: %d hits\n", r.Retrieval.Hits))
			}
		}
		if r.CacheHit != nil && *r.CacheHit {
			sb.WriteString("  cache: hit\n")
		}
		if n := r.Notifications; n != nil && n.Matched > 0 {
			sb.WriteString(fmt.Sprintf("  notifications: %d sent, %d failed, %d skipped\n", n.Sent, n.Failed, n.Skipped))
		}
		for _, line := range previewLines(r.Summary) {
			sb.WriteString("  " + line + "\n")
		}
	}

	p.printBox("TICKER RESULTS", strings.TrimSuffix(sb.String(), "\n"))
}

// previewLines returns the first lines of a summary, capped by length
func previewLines(summary string) []string {
	summary = strings.TrimSpace(summary)
	if summary == "" {
		return nil
	}
	if r := []rune(summary); len(r) > summaryPreview {
		summary = string(r[:summaryPreview]) + "..."
	}

	var out []string
	for _, line := range strings.Split(summary, "\n") {
		if line = strings.TrimSpace(line); line == "" {
			continue
		}
		out = append(out, line)
		if len(out) == maxItemsToShow {
			break
		}
	}
	return out
}
