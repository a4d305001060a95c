package db

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/Multiproject-EJ/futurefunds-site-sub000/internal/ledger"
	"github.com/google/uuid"
)

// InsertCostEntry appends a cost_ledger row
func (db *DB) InsertCostEntry(ctx context.Context, e ledger.Entry) error {
	_, err := db.pool.Exec(ctx,
		`INSERT INTO cost_ledger (run_id, ticker, stage, model, purpose, tokens_in, tokens_out, cost_usd, cache_hit)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
		e.RunID, e.Ticker, e.Stage, e.Model, e.Purpose, e.Usage.InputTokens, e.Usage.OutputTokens, e.Cost, e.CacheHit,
	)
	if err != nil {
		return fmt.Errorf("failed to insert cost entry: %w", err)
	}
	return nil
}

// AddRunItemSpend accumulates estimated spend on a run item
func (db *DB) AddRunItemSpend(ctx context.Context, runID uuid.UUID, ticker string, cost float64) error {
	_, err := db.pool.Exec(ctx,
		`UPDATE run_items SET spend_est_usd = spend_est_usd + $3, updated_at = NOW()
		 WHERE run_id = $1 AND ticker = $2`,
		runID, ticker, cost,
	)
	if err != nil {
		return fmt.Errorf("failed to add run item spend: %w", err)
	}
	return nil
}

// ClaimRunItem moves an item that finished the previous stage into
// in_progress. The conditional update makes the claim atomic across
// overlapping invocations. A claim older than the lease is considered
// abandoned and can be taken again.
func (db *DB) ClaimRunItem(ctx context.Context, runID uuid.UUID, ticker string, stage int) (bool, error) {
	tag, err := db.pool.Exec(ctx,
		`UPDATE run_items SET status = 'in_progress', claimed_at = NOW(), last_error = NULL, updated_at = NOW()
		 WHERE run_id = $1 AND ticker = $2 AND stage = $3 AND `+claimableSQL("$4"),
		runID, ticker, stage-1, db.claimLease.Seconds(),
	)
	if err != nil {
		return false, fmt.Errorf("failed to claim run item: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

// claimableSQL matches unclaimed items and claims whose lease, in seconds
// bound to param, has expired
func claimableSQL(param string) string {
	return `(status IN ('pending', 'ok') OR (status = 'in_progress' AND
		COALESCE(claimed_at, updated_at) < NOW() - make_interval(secs => ` + param + `)))`
}

// CompleteRunItem advances an item to stage with status ok
func (db *DB) CompleteRunItem(ctx context.Context, runID uuid.UUID, ticker string, stage int) error {
	_, err := db.pool.Exec(ctx,
		`UPDATE run_items SET stage = $3, status = 'ok', last_error = NULL, claimed_at = NULL, updated_at = NOW()
		 WHERE run_id = $1 AND ticker = $2`,
		runID, ticker, stage,
	)
	if err != nil {
		return fmt.Errorf("failed to complete run item: %w", err)
	}
	return nil
}

// FailRunItem marks an item failed at its current stage
func (db *DB) FailRunItem(ctx context.Context, runID uuid.UUID, ticker string, message string) error {
	_, err := db.pool.Exec(ctx,
		`UPDATE run_items SET status = 'failed', last_error = $3, claimed_at = NULL, updated_at = NOW()
		 WHERE run_id = $1 AND ticker = $2`,
		runID, ticker, message,
	)
	if err != nil {
		return fmt.Errorf("failed to mark run item failed: %w", err)
	}
	return nil
}

// InsertErrorLog writes a diagnostic row
func (db *DB) InsertErrorLog(ctx context.Context, log ledger.ErrorLog) error {
	var contextJSON []byte
	if log.Context != nil {
		var err error
		contextJSON, err = json.Marshal(log.Context)
		if err != nil {
			return fmt.Errorf("failed to marshal error context: %w", err)
		}
	}

	var runID *uuid.UUID
	if log.RunID != uuid.Nil {
		runID = &log.RunID
	}

	_, err := db.pool.Exec(ctx,
		`INSERT INTO error_logs (run_id, ticker, stage, source, message, context)
		 VALUES ($1, NULLIF($2, ''), $3, $4, $5, $6)`,
		runID, log.Ticker, log.Stage, log.Source, log.Message, contextJSON,
	)
	if err != nil {
		return fmt.Errorf("failed to insert error log: %w", err)
	}
	return nil
}
