package db

import (
	"context"
	"fmt"

	"github.com/Multiproject-EJ/futurefunds-site-sub000/internal/retrieval"
)

// GetTicker returns ticker metadata, nil when the ticker is unknown
func (db *DB) GetTicker(ctx context.Context, ticker string) (*retrieval.TickerMeta, error) {
	var m retrieval.TickerMeta
	err := db.pool.QueryRow(ctx,
		`SELECT ticker, COALESCE(name, ''), COALESCE(exchange, ''), COALESCE(country, ''),
		        COALESCE(sector, ''), COALESCE(industry, '')
		 FROM tickers WHERE ticker = $1`,
		ticker,
	).Scan(&m.Ticker, &m.Name, &m.Exchange, &m.Country, &m.Sector, &m.Industry)
	if err != nil {
		if isNoRows(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to get ticker %s: %w", ticker, err)
	}
	return &m, nil
}

// UpsertTicker writes ticker metadata. Used by operators and tests.
func (db *DB) UpsertTicker(ctx context.Context, m retrieval.TickerMeta) error {
	_, err := db.pool.Exec(ctx,
		`INSERT INTO tickers (ticker, name, exchange, country, sector, industry)
		 VALUES ($1, $2, $3, $4, $5, $6)
		 ON CONFLICT (ticker) DO UPDATE SET name = $2, exchange = $3, country = $4, sector = $5, industry = $6`,
		m.Ticker, m.Name, m.Exchange, m.Country, m.Sector, m.Industry,
	)
	if err != nil {
		return fmt.Errorf("failed to upsert ticker %s: %w", m.Ticker, err)
	}
	return nil
}

// GetSectorNotes returns analyst notes for a sector, empty when none exist
func (db *DB) GetSectorNotes(ctx context.Context, sector string) (string, error) {
	if sector == "" {
		return "", nil
	}
	var notes string
	err := db.pool.QueryRow(ctx,
		`SELECT notes FROM sector_notes WHERE lower(sector) = lower($1)`,
		sector,
	).Scan(&notes)
	if err != nil {
		if isNoRows(err) {
			return "", nil
		}
		return "", fmt.Errorf("failed to get sector notes: %w", err)
	}
	return notes, nil
}
