package db

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// Run item statuses stored in run_items.status
const (
	ItemStatusPending    = "pending"
	ItemStatusInProgress = "in_progress"
	ItemStatusOK         = "ok"
	ItemStatusFailed     = "failed"
)

// Run represents a planner run record
type Run struct {
	ID            uuid.UUID  `json:"id"`
	Status        string     `json:"status"`
	StopRequested bool       `json:"stop_requested"`
	Notes         *string    `json:"notes,omitempty"`
	WatchlistID   *uuid.UUID `json:"watchlist_id,omitempty"`
	CreatedAt     time.Time  `json:"created_at"`
	UpdatedAt     time.Time  `json:"updated_at"`
}

// RunItem is the per-ticker progress row of a run
type RunItem struct {
	RunID     uuid.UUID `json:"run_id"`
	Ticker    string    `json:"ticker"`
	Stage     int       `json:"stage"`
	Status    string    `json:"status"`
	SpendUSD  float64   `json:"spend_est_usd"`
	LastError *string   `json:"last_error,omitempty"`
	UpdatedAt time.Time `json:"updated_at"`
}

// StageMetrics mirrors run_stage_metrics plus accumulated run spend
type StageMetrics struct {
	Finalists int     `json:"finalists"`
	Pending   int     `json:"pending"`
	Completed int     `json:"completed"`
	Failed    int     `json:"failed"`
	Spend     float64 `json:"spend"`
}

// PriorAnswer is an answer row from an earlier stage
type PriorAnswer struct {
	Stage        int             `json:"stage"`
	QuestionSlug string          `json:"question_slug"`
	Verdict      *string         `json:"verdict,omitempty"`
	Summary      *string         `json:"summary,omitempty"`
	Answer       json.RawMessage `json:"answer,omitempty"`
	UpdatedAt    time.Time       `json:"updated_at"`
}
