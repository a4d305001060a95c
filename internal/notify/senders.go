package notify

import (
	"context"
	"errors"
	"strings"

	"github.com/Multiproject-EJ/futurefunds-site-sub000/internal/fetch"
)

// DefaultEmailAPIURL is the transactional email endpoint (Resend-compatible)
const DefaultEmailAPIURL = "https://api.resend.com/emails"

// EmailSender delivers through a transactional email HTTP API
type EmailSender struct {
	APIURL string
	APIKey string
	From   string
	Opts   *fetch.Options
}

// Send posts one email to the channel target; comma-separated targets are split
func (s *EmailSender) Send(ctx context.Context, ch Channel, msg Message) error {
	if s.APIKey == "" {
		return errors.New("email delivery is not configured")
	}
	var to []string
	for _, addr := range strings.Split(ch.Target, ",") {
		if addr = strings.TrimSpace(addr); addr != "" {
			to = append(to, addr)
		}
	}
	if len(to) == 0 {
		return errors.New("email channel has no recipients")
	}

	apiURL := s.APIURL
	if apiURL == "" {
		apiURL = DefaultEmailAPIURL
	}

	opts := fetch.DefaultOptions()
	if s.Opts != nil {
		*opts = *s.Opts
	}
	headers := map[string]string{"Authorization": "Bearer " + s.APIKey}
	for k, v := range opts.Headers {
		headers[k] = v
	}
	opts.Headers = headers

	_, err := fetch.PostJSON(ctx, apiURL, map[string]any{
		"from":    s.From,
		"to":      to,
		"subject": msg.Subject,
		"html":    msg.HTML,
		"text":    msg.Text,
	}, opts)
	return err
}

// WebhookSender posts a chat-compatible {"text": ...} body
type WebhookSender struct {
	Opts *fetch.Options
}

// Send posts the condensed text rendering to the channel target URL
func (s *WebhookSender) Send(ctx context.Context, ch Channel, msg Message) error {
	if strings.TrimSpace(ch.Target) == "" {
		return errors.New("webhook channel has no target URL")
	}
	_, err := fetch.PostJSON(ctx, ch.Target, map[string]string{"text": msg.Text}, s.Opts)
	return err
}
