package async

import (
	"context"
	"errors"
	"time"

	"github.com/joseph-ayodele/invoice-extractor/internal/repository"
)

// ErrQueueClosed is returned by Enqueue after Shutdown has begun.
var ErrQueueClosed = errors.New("queue is shutting down")

// Job asks for one finished run to be persisted.
type Job struct {
	Run         *repository.Run
	SubmittedAt time.Time
	TraceID     string
}

type Queue interface {
	Enqueue(ctx context.Context, job Job) error
	Shutdown(ctx context.Context)
}
