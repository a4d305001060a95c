// Package ledger tracks model spend and advances per-ticker run item state.
package ledger

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/Multiproject-EJ/futurefunds-site-sub000/internal/llm"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Run item statuses
const (
	StatusPending    = "pending"
	StatusInProgress = "in_progress"
	StatusOK         = "ok"
	StatusFailed     = "failed"
)

// maxErrorLength bounds the error text stored on a run item
const maxErrorLength = 1000

// ErrNotClaimed is returned when another invocation already holds the ticker
var ErrNotClaimed = errors.New("run item already claimed")

// Entry is one model call's spend
type Entry struct {
	RunID    uuid.UUID
	Ticker   string
	Stage    int
	Model    string
	Purpose  string
	Usage    llm.Usage
	Cost     float64
	CacheHit bool
}

// ErrorLog is a diagnostic row with the full context of a failure
type ErrorLog struct {
	RunID   uuid.UUID
	Ticker  string
	Stage   int
	Source  string
	Message string
	Context map[string]any
}

// Store persists ledger rows and run item transitions
type Store interface {
	InsertCostEntry(ctx context.Context, e Entry) error
	AddRunItemSpend(ctx context.Context, runID uuid.UUID, ticker string, cost float64) error
	// ClaimRunItem moves a stage-(stage-1) item that is pending or ok to in_progress.
	// It reports false when the item was not in a claimable state.
	ClaimRunItem(ctx context.Context, runID uuid.UUID, ticker string, stage int) (bool, error)
	CompleteRunItem(ctx context.Context, runID uuid.UUID, ticker string, stage int) error
	FailRunItem(ctx context.Context, runID uuid.UUID, ticker string, message string) error
	InsertErrorLog(ctx context.Context, log ErrorLog) error
}

// Ledger records spend and drives run item state
type Ledger struct {
	store  Store
	logger *zap.Logger
}

// New creates a ledger
func New(store Store, logger *zap.Logger) *Ledger {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Ledger{store: store, logger: logger}
}

// Record appends a cost row and accumulates run item spend. Calls with no cost,
// including cache hits, are not recorded.
func (l *Ledger) Record(ctx context.Context, e Entry) error {
	if e.Cost <= 0 {
		return nil
	}
	if err := l.store.InsertCostEntry(ctx, e); err != nil {
		return fmt.Errorf("failed to insert cost entry: %w", err)
	}
	if err := l.store.AddRunItemSpend(ctx, e.RunID, e.Ticker, e.Cost); err != nil {
		return fmt.Errorf("failed to add run item spend: %w", err)
	}
	return nil
}

// Claim atomically takes a ticker for stage processing
func (l *Ledger) Claim(ctx context.Context, runID uuid.UUID, ticker string, stage int) error {
	ok, err := l.store.ClaimRunItem(ctx, runID, ticker, stage)
	if err != nil {
		return fmt.Errorf("failed to claim %s: %w", ticker, err)
	}
	if !ok {
		return ErrNotClaimed
	}
	return nil
}

// Complete advances the ticker to stage with status ok
func (l *Ledger) Complete(ctx context.Context, runID uuid.UUID, ticker string, stage int) error {
	if err := l.store.CompleteRunItem(ctx, runID, ticker, stage); err != nil {
		return fmt.Errorf("failed to complete %s: %w", ticker, err)
	}
	return nil
}

// Fail marks the ticker failed at its current stage. Errors are logged, not returned.
func (l *Ledger) Fail(ctx context.Context, runID uuid.UUID, ticker string, cause error) {
	msg := "unknown error"
	if cause != nil {
		msg = llm.Truncate(cause.Error(), maxErrorLength)
	}
	if err := l.store.FailRunItem(ctx, runID, ticker, msg); err != nil {
		l.logger.Error("failed to mark run item failed",
			zap.String("run_id", runID.String()),
			zap.String("ticker", ticker),
			zap.Error(err))
	}
}

// LogError writes a diagnostic row. Failures to write are logged only.
func (l *Ledger) LogError(ctx context.Context, entry ErrorLog) {
	if entry.Context == nil {
		entry.Context = map[string]any{}
	}
	if _, err := json.Marshal(entry.Context); err != nil {
		entry.Context = map[string]any{"unencodable_context": err.Error()}
	}
	if err := l.store.InsertErrorLog(ctx, entry); err != nil {
		l.logger.Error("failed to write error log",
			zap.String("ticker", entry.Ticker),
			zap.String("source", entry.Source),
			zap.Error(err))
	}
}
