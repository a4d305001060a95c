package notify

import (
	"fmt"
	"html"
	"strconv"
	"strings"
)

// Render builds the email and chat renderings of an alert
func Render(alert Alert, conviction Conviction) Message {
	name := alert.Ticker
	if alert.Name != "" {
		name = fmt.Sprintf("%s (%s)", alert.Ticker, alert.Name)
	}
	score := "n/a"
	if alert.OverallScore != nil {
		score = strconv.FormatFloat(*alert.OverallScore, 'f', 1, 64)
	}
	level := strings.ReplaceAll(string(conviction), "_", " ")

	subject := fmt.Sprintf("Deep dive: %s rated %s (%s conviction, score %s)", alert.Ticker, alert.Verdict, level, score)

	var text strings.Builder
	fmt.Fprintf(&text, "%s: %s, %s conviction, score %s", name, alert.Verdict, level, score)
	if alert.Thesis != "" {
		fmt.Fprintf(&text, "\n%s", alert.Thesis)
	}
	for _, d := range alert.Dimensions {
		label := d.Name
		if label == "" {
			label = d.DimensionSlug
		}
		fmt.Fprintf(&text, "\n• %s: %s (%s)", label, d.Verdict, strconv.FormatFloat(d.EnsembleScore, 'f', 0, 64))
	}
	if len(alert.Risks) > 0 {
		fmt.Fprintf(&text, "\nRisks: %s", strings.Join(alert.Risks, "; "))
	}
	if len(alert.Catalysts) > 0 {
		fmt.Fprintf(&text, "\nCatalysts: %s", strings.Join(alert.Catalysts, "; "))
	}

	var body strings.Builder
	fmt.Fprintf(&body, "<h2>%s</h2>", html.EscapeString(name))
	fmt.Fprintf(&body, "<p><strong>Verdict:</strong> %s &middot; <strong>Conviction:</strong> %s &middot; <strong>Score:</strong> %s</p>",
		html.EscapeString(alert.Verdict), html.EscapeString(level), score)
	if alert.Thesis != "" {
		fmt.Fprintf(&body, "<p>%s</p>", html.EscapeString(alert.Thesis))
	}
	if alert.Summary != "" {
		fmt.Fprintf(&body, "<p>%s</p>", html.EscapeString(alert.Summary))
	}
	if len(alert.Dimensions) > 0 {
		body.WriteString("<ul>")
		for _, d := range alert.Dimensions {
			label := d.Name
			if label == "" {
				label = d.DimensionSlug
			}
			fmt.Fprintf(&body, "<li>%s: %s (%s)</li>", html.EscapeString(label), d.Verdict, strconv.FormatFloat(d.EnsembleScore, 'f', 0, 64))
		}
		body.WriteString("</ul>")
	}
	writeList(&body, "Risks", alert.Risks)
	writeList(&body, "Catalysts", alert.Catalysts)

	return Message{Subject: subject, Text: text.String(), HTML: body.String()}
}

func writeList(sb *strings.Builder, title string, items []string) {
	if len(items) == 0 {
		return
	}
	fmt.Fprintf(sb, "<h3>%s</h3><ul>", title)
	for _, item := range items {
		fmt.Fprintf(sb, "<li>%s</li>", html.EscapeString(item))
	}
	sb.WriteString("</ul>")
}
