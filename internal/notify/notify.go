// Package notify delivers conviction alerts to configured channels with
// de-duplication against recently sent events.
package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/Multiproject-EJ/futurefunds-site-sub000/internal/ensemble"
	"github.com/Multiproject-EJ/futurefunds-site-sub000/internal/metrics"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Channel types
const (
	ChannelEmail   = "email"
	ChannelWebhook = "webhook"
)

// Event statuses
const (
	StatusSent   = "sent"
	StatusFailed = "failed"
)

// DefaultDedupWindow suppresses repeat deliveries for the same ticker
const DefaultDedupWindow = 12 * time.Hour

// Filters narrow which alerts a channel receives
type Filters struct {
	MinScore         *float64    `json:"min_score,omitempty"`
	ConvictionLevels []string    `json:"conviction_levels,omitempty"`
	WatchlistIDs     []uuid.UUID `json:"watchlist_ids,omitempty"`
}

// Channel is a delivery destination
type Channel struct {
	ID      uuid.UUID
	Name    string
	Type    string
	Target  string
	Active  bool
	Filters Filters
}

// Event is one delivery attempt
type Event struct {
	ChannelID uuid.UUID
	RunID     uuid.UUID
	Ticker    string
	Stage     int
	Status    string
	Payload   json.RawMessage
	Error     string
	CreatedAt time.Time
}

// Store reads channels and records delivery events
type Store interface {
	ListActiveChannels(ctx context.Context) ([]Channel, error)
	HasRecentSentEvent(ctx context.Context, channelID, runID uuid.UUID, ticker string, stage int, since time.Time) (bool, error)
	RecordEvent(ctx context.Context, e Event) error
}

// Message is the rendered alert
type Message struct {
	Subject string
	Text    string
	HTML    string
}

// Sender delivers a message to one channel
type Sender interface {
	Send(ctx context.Context, ch Channel, msg Message) error
}

// Alert is the composed result for a ticker
type Alert struct {
	RunID        uuid.UUID
	Ticker       string
	Name         string
	Stage        int
	WatchlistID  *uuid.UUID
	Verdict      string
	Conviction   string
	Thesis       string
	Summary      string
	OverallScore *float64
	Dimensions   []ensemble.DimensionScore
	Risks        []string
	Catalysts    []string
}

// Report summarizes one dispatch
type Report struct {
	Matched int `json:"matched"`
	Sent    int `json:"sent"`
	Failed  int `json:"failed"`
	Skipped int `json:"skipped"`
}

// Dispatcher evaluates channels against an alert and delivers
type Dispatcher struct {
	store   Store
	senders map[string]Sender
	window  time.Duration
	logger  *zap.Logger
	now     func() time.Time
}

// NewDispatcher creates a dispatcher. senders is keyed by channel type.
func NewDispatcher(store Store, senders map[string]Sender, window time.Duration, logger *zap.Logger) *Dispatcher {
	if logger == nil {
		logger = zap.NewNop()
	}
	if window <= 0 {
		window = DefaultDedupWindow
	}
	return &Dispatcher{store: store, senders: senders, window: window, logger: logger, now: time.Now}
}

// Dispatch delivers alert to every matching channel. Delivery failures are
// recorded as failed events and never returned.
func (d *Dispatcher) Dispatch(ctx context.Context, alert Alert) Report {
	var report Report
	if d == nil || d.store == nil {
		return report
	}
	if alert.Stage == 0 {
		alert.Stage = 3
	}
	log := d.logger.With(zap.String("ticker", alert.Ticker), zap.String("run_id", alert.RunID.String()))

	channels, err := d.store.ListActiveChannels(ctx)
	if err != nil {
		log.Warn("failed to list notification channels", zap.Error(err))
		return report
	}

	conviction := NormalizeConviction(alert.Conviction, alert.Thesis+"\n"+alert.Summary)
	msg := Render(alert, conviction)

	for _, ch := range channels {
		if !ch.Active || !Matches(ch.Filters, alert, conviction) {
			continue
		}
		report.Matched++
		chLog := log.With(zap.String("channel_id", ch.ID.String()), zap.String("channel_type", ch.Type))

		since := d.now().Add(-d.window)
		recent, err := d.store.HasRecentSentEvent(ctx, ch.ID, alert.RunID, alert.Ticker, alert.Stage, since)
		if err != nil {
			chLog.Warn("dedup check failed, skipping channel", zap.Error(err))
			report.Skipped++
			continue
		}
		if recent {
			chLog.Debug("alert already sent within window")
			report.Skipped++
			continue
		}

		event := Event{
			ChannelID: ch.ID,
			RunID:     alert.RunID,
			Ticker:    alert.Ticker,
			Stage:     alert.Stage,
			Payload:   payload(ch, alert, conviction, msg),
			CreatedAt: d.now(),
		}

		if sendErr := d.send(ctx, ch, msg); sendErr != nil {
			chLog.Warn("notification delivery failed", zap.Error(sendErr))
			event.Status = StatusFailed
			event.Error = sendErr.Error()
			report.Failed++
		} else {
			event.Status = StatusSent
			report.Sent++
		}
		metrics.ObserveNotification(event.Status)

		if err := d.store.RecordEvent(ctx, event); err != nil {
			chLog.Error("failed to record notification event", zap.Error(err))
		}
	}
	return report
}

func (d *Dispatcher) send(ctx context.Context, ch Channel, msg Message) error {
	sender, ok := d.senders[ch.Type]
	if !ok || sender == nil {
		return fmt.Errorf("no sender for channel type %q", ch.Type)
	}
	return sender.Send(ctx, ch, msg)
}

// Matches applies the score, conviction and watchlist filters
func Matches(f Filters, alert Alert, conviction Conviction) bool {
	if f.MinScore != nil {
		if alert.OverallScore == nil || *alert.OverallScore < *f.MinScore {
			return false
		}
	}
	if !Allows(f.ConvictionLevels, conviction) {
		return false
	}
	if len(f.WatchlistIDs) > 0 {
		if alert.WatchlistID == nil {
			return false
		}
		found := false
		for _, id := range f.WatchlistIDs {
			if id == *alert.WatchlistID {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	return true
}

func payload(ch Channel, alert Alert, conviction Conviction, msg Message) json.RawMessage {
	raw, err := json.Marshal(map[string]any{
		"channel_type":  ch.Type,
		"ticker":        alert.Ticker,
		"verdict":       alert.Verdict,
		"conviction":    conviction,
		"overall_score": alert.OverallScore,
		"thesis":        alert.Thesis,
		"subject":       msg.Subject,
		"text":          msg.Text,
	})
	if err != nil {
		return json.RawMessage(`{}`)
	}
	return raw
}
