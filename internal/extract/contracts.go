package extract

import (
	"context"
	"errors"

	"github.com/joseph-ayodele/invoice-extractor/constants"
	"github.com/joseph-ayodele/invoice-extractor/internal/consolidate"
	"github.com/joseph-ayodele/invoice-extractor/internal/llm"
)

// ErrCancelled is returned by Controller.Err after an operator cancel.
var ErrCancelled = errors.New("extraction cancelled")

// Transport submits a request and returns its event stream.
type Transport interface {
	Submit(ctx context.Context, req llm.Request) (*llm.Stream, error)
}

// UpdateKind says what changed in an Update.
type UpdateKind string

const (
	UpdateState    UpdateKind = "state"
	UpdateStatus   UpdateKind = "status"
	UpdateProgress UpdateKind = "progress"
	UpdatePage     UpdateKind = "page"
)

// Update is fanned out to subscribers as the stream advances.
type Update struct {
	Kind      UpdateKind              `json:"kind"`
	State     constants.StreamState   `json:"state"`
	Message   string                  `json:"message,omitempty"`
	Completed int                     `json:"completed,omitempty"`
	Total     int                     `json:"total,omitempty"`
	Page      *consolidate.PageResult `json:"page,omitempty"`
	Error     string                  `json:"error,omitempty"`
}

// Snapshot is a point-in-time copy of the controller.
type Snapshot struct {
	State            constants.StreamState    `json:"state"`
	Message          string                   `json:"message,omitempty"`
	Completed        int                      `json:"completed"`
	Total            int                      `json:"total"`
	Requested        []int                    `json:"requested"`
	Results          []consolidate.PageResult `json:"results"`
	Error            string                   `json:"error,omitempty"`
	ServiceSessionID string                   `json:"serviceSessionId,omitempty"`
}
