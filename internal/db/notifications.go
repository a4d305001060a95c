package db

import (
	"context"
	"fmt"
	"time"

	"github.com/Multiproject-EJ/futurefunds-site-sub000/internal/notify"
	"github.com/google/uuid"
)

// ListActiveChannels returns every active notification channel
func (db *DB) ListActiveChannels(ctx context.Context) ([]notify.Channel, error) {
	rows, err := db.pool.Query(ctx,
		`SELECT id, COALESCE(name, ''), type, target, active, min_score::float8, conviction_levels, watchlist_ids
		 FROM notification_channels
		 WHERE active
		 ORDER BY created_at, id`,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to list notification channels: %w", err)
	}
	defer rows.Close()

	var channels []notify.Channel
	for rows.Next() {
		var ch notify.Channel
		if err := rows.Scan(&ch.ID, &ch.Name, &ch.Type, &ch.Target, &ch.Active,
			&ch.Filters.MinScore, &ch.Filters.ConvictionLevels, &ch.Filters.WatchlistIDs); err != nil {
			return nil, fmt.Errorf("failed to scan notification channel: %w", err)
		}
		channels = append(channels, ch)
	}
	return channels, rows.Err()
}

// HasRecentSentEvent reports whether a sent event exists for the key since the given time
func (db *DB) HasRecentSentEvent(ctx context.Context, channelID, runID uuid.UUID, ticker string, stage int, since time.Time) (bool, error) {
	var exists bool
	err := db.pool.QueryRow(ctx,
		`SELECT EXISTS (
		   SELECT 1 FROM notification_events
		   WHERE channel_id = $1 AND run_id = $2 AND ticker = $3 AND stage = $4
		     AND status = 'sent' AND created_at >= $5
		 )`,
		channelID, runID, ticker, stage, since,
	).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("failed to check notification events: %w", err)
	}
	return exists, nil
}

// RecordEvent inserts a delivery attempt
func (db *DB) RecordEvent(ctx context.Context, e notify.Event) error {
	createdAt := e.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now()
	}
	_, err := db.pool.Exec(ctx,
		`INSERT INTO notification_events (channel_id, run_id, ticker, stage, status, payload, error, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, NULLIF($7, ''), $8)`,
		e.ChannelID, e.RunID, e.Ticker, e.Stage, e.Status, []byte(e.Payload), e.Error, createdAt,
	)
	if err != nil {
		return fmt.Errorf("failed to record notification event: %w", err)
	}
	return nil
}
