package db

import (
	"context"
	"fmt"

	"github.com/google/uuid"
)

// -----------------------------------------------------------------------------
// Runs
// -----------------------------------------------------------------------------

// GetRun retrieves a run by ID, nil when it does not exist
func (db *DB) GetRun(ctx context.Context, runID uuid.UUID) (*Run, error) {
	var run Run
	err := db.pool.QueryRow(ctx,
		`SELECT id, status, stop_requested, notes, watchlist_id, created_at, updated_at
		 FROM runs WHERE id = $1`,
		runID,
	).Scan(&run.ID, &run.Status, &run.StopRequested, &run.Notes, &run.WatchlistID, &run.CreatedAt, &run.UpdatedAt)
	if err != nil {
		if isNoRows(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to get run: %w", err)
	}
	return &run, nil
}

// CreateRun inserts a run. The planner owns run creation; this exists for
// operators and tests.
func (db *DB) CreateRun(ctx context.Context, watchlistID *uuid.UUID, notes string) (uuid.UUID, error) {
	var id uuid.UUID
	err := db.pool.QueryRow(ctx,
		`INSERT INTO runs (status, watchlist_id, notes)
		 VALUES ('running', $1, NULLIF($2, ''))
		 RETURNING id`,
		watchlistID, notes,
	).Scan(&id)
	if err != nil {
		return uuid.Nil, fmt.Errorf("failed to create run: %w", err)
	}
	return id, nil
}

// RequestStop sets the stop flag on a run
func (db *DB) RequestStop(ctx context.Context, runID uuid.UUID) error {
	_, err := db.pool.Exec(ctx,
		`UPDATE runs SET stop_requested = TRUE, updated_at = NOW() WHERE id = $1`,
		runID,
	)
	if err != nil {
		return fmt.Errorf("failed to request stop: %w", err)
	}
	return nil
}

// RunStageMetrics reads the aggregate counts for a stage and the run's spend
func (db *DB) RunStageMetrics(ctx context.Context, runID uuid.UUID, stage int) (*StageMetrics, error) {
	var m StageMetrics
	err := db.pool.QueryRow(ctx,
		`SELECT finalists, pending, completed, failed FROM run_stage_metrics($1, $2)`,
		runID, stage,
	).Scan(&m.Finalists, &m.Pending, &m.Completed, &m.Failed)
	if err != nil && !isNoRows(err) {
		return nil, fmt.Errorf("failed to read stage metrics: %w", err)
	}

	err = db.pool.QueryRow(ctx,
		`SELECT COALESCE(SUM(spend_est_usd), 0)::float8 FROM run_items WHERE run_id = $1`,
		runID,
	).Scan(&m.Spend)
	if err != nil {
		return nil, fmt.Errorf("failed to read run spend: %w", err)
	}
	return &m, nil
}

// -----------------------------------------------------------------------------
// Run items
// -----------------------------------------------------------------------------

// UpsertRunItem creates or resets a run item. Used by operators and tests.
func (db *DB) UpsertRunItem(ctx context.Context, runID uuid.UUID, ticker string, stage int, status string) error {
	_, err := db.pool.Exec(ctx,
		`INSERT INTO run_items (run_id, ticker, stage, status)
		 VALUES ($1, $2, $3, $4)
		 ON CONFLICT (run_id, ticker) DO UPDATE SET stage = $3, status = $4, updated_at = NOW()`,
		runID, ticker, stage, status,
	)
	if err != nil {
		return fmt.Errorf("failed to upsert run item %s: %w", ticker, err)
	}
	return nil
}

// GetRunItem retrieves one run item, nil when missing
func (db *DB) GetRunItem(ctx context.Context, runID uuid.UUID, ticker string) (*RunItem, error) {
	var item RunItem
	err := db.pool.QueryRow(ctx,
		`SELECT run_id, ticker, stage, status, spend_est_usd::float8, last_error, updated_at
		 FROM run_items WHERE run_id = $1 AND ticker = $2`,
		runID, ticker,
	).Scan(&item.RunID, &item.Ticker, &item.Stage, &item.Status, &item.SpendUSD, &item.LastError, &item.UpdatedAt)
	if err != nil {
		if isNoRows(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to get run item: %w", err)
	}
	return &item, nil
}

// ListPendingTickers returns up to limit tickers that finished stage-1 of the
// given stage and are unclaimed or hold an expired claim
func (db *DB) ListPendingTickers(ctx context.Context, runID uuid.UUID, stage, limit int) ([]string, error) {
	rows, err := db.pool.Query(ctx,
		`SELECT ticker FROM run_items
		 WHERE run_id = $1 AND stage = $2 AND `+claimableSQL("$4")+`
		 ORDER BY updated_at, ticker
		 LIMIT $3`,
		runID, stage-1, limit, db.claimLease.Seconds(),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to list pending tickers: %w", err)
	}
	defer rows.Close()

	var tickers []string
	for rows.Next() {
		var ticker string
		if err := rows.Scan(&ticker); err != nil {
			return nil, fmt.Errorf("failed to scan ticker: %w", err)
		}
		tickers = append(tickers, ticker)
	}
	return tickers, rows.Err()
}
