package repository

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/joseph-ayodele/invoice-extractor/constants"
)

// Run is the persisted record of one finished extraction request.
type Run struct {
	ID               uuid.UUID             `json:"id"`
	SessionID        uuid.UUID             `json:"sessionId"`
	DocumentName     string                `json:"documentName"`
	Model            string                `json:"model"`
	State            constants.StreamState `json:"state"`
	Pages            []int                 `json:"pages"`
	ServiceSessionID string                `json:"serviceSessionId,omitempty"`
	ItemCount        int                   `json:"itemCount"`
	GrandTotal       decimal.Decimal       `json:"grandTotal"`
	WarningCount     int                   `json:"warningCount"`
	Error            string                `json:"error,omitempty"`
	Result           json.RawMessage       `json:"result,omitempty"`
	StartedAt        time.Time             `json:"startedAt"`
	FinishedAt       time.Time             `json:"finishedAt"`
}

// RunRepository stores finished runs.
type RunRepository interface {
	SaveRun(ctx context.Context, run *Run) error
	GetRun(ctx context.Context, id uuid.UUID) (*Run, error)
	// ListRuns returns the most recently finished runs first, without their
	// Result payloads.
	ListRuns(ctx context.Context, limit int) ([]Run, error)
}

// RuleRepository stores the operator's custom extraction rules, in order.
type RuleRepository interface {
	ListRules(ctx context.Context) ([]string, error)
	// SaveRules replaces the full rule list.
	SaveRules(ctx context.Context, rules []string) error
}

// Store is a complete persistence backend.
type Store interface {
	RunRepository
	RuleRepository
	Ping(ctx context.Context) error
	Close() error
}

const defaultListLimit = 50

func listLimit(limit int) int {
	if limit <= 0 || limit > 500 {
		return defaultListLimit
	}
	return limit
}
