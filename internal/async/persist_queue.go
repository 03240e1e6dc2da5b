package async

import (
	"context"
	"sync"
	"time"

	"log/slog"

	"github.com/joseph-ayodele/invoice-extractor/internal/repository"
)

// PersistQueue saves finished runs on a small worker pool so request
// handlers never wait on the database.
type PersistQueue struct {
	repo    repository.RunRepository
	logger  *slog.Logger
	workers int
	timeout time.Duration

	ch   chan Job
	wg   sync.WaitGroup
	once sync.Once

	// senders hold mu for reading while they may block on ch
	mu     sync.RWMutex
	closed bool
}

type Option func(*PersistQueue)

func WithWorkers(n int) Option {
	return func(q *PersistQueue) {
		if n > 0 {
			q.workers = n
		}
	}
}

func WithQueueSize(n int) Option {
	return func(q *PersistQueue) {
		if n > 0 {
			q.ch = make(chan Job, n)
		}
	}
}

func WithSaveTimeout(d time.Duration) Option {
	return func(q *PersistQueue) {
		if d > 0 {
			q.timeout = d
		}
	}
}

func NewPersistQueue(repo repository.RunRepository, logger *slog.Logger, opts ...Option) *PersistQueue {
	if logger == nil {
		logger = slog.Default()
	}
	q := &PersistQueue{
		repo:    repo,
		logger:  logger,
		workers: 2,
		timeout: 30 * time.Second,
		ch:      make(chan Job, 64),
	}
	for _, o := range opts {
		o(q)
	}
	q.start()
	return q
}

func (q *PersistQueue) start() {
	q.once.Do(func() {
		for i := 0; i < q.workers; i++ {
			q.wg.Add(1)
			go func(workerID int) {
				defer q.wg.Done()
				q.logger.Debug("persist worker started", "worker_id", workerID)

				for job := range q.ch {
					q.save(workerID, job)
				}

				q.logger.Debug("persist worker stopped", "worker_id", workerID)
			}(i + 1)
		}
	})
}

func (q *PersistQueue) save(workerID int, job Job) {
	ctx, cancel := context.WithTimeout(context.Background(), q.timeout)
	defer cancel()

	start := time.Now()
	if err := q.repo.SaveRun(ctx, job.Run); err != nil {
		q.logger.Error("run persist failed",
			"worker_id", workerID,
			"run_id", job.Run.ID,
			"trace_id", job.TraceID,
			"error", err,
		)
		return
	}
	q.logger.Info("run persisted",
		"worker_id", workerID,
		"run_id", job.Run.ID,
		"queued_ms", start.Sub(job.SubmittedAt).Milliseconds(),
		"elapsed_ms", time.Since(start).Milliseconds(),
	)
}

// Enqueue hands job to a worker, blocking while the queue is full until ctx
// is done.
func (q *PersistQueue) Enqueue(ctx context.Context, job Job) error {
	if job.SubmittedAt.IsZero() {
		job.SubmittedAt = time.Now()
	}

	q.mu.RLock()
	defer q.mu.RUnlock()
	if q.closed {
		q.logger.Warn("cannot enqueue: queue is shutting down", "run_id", job.Run.ID)
		return ErrQueueClosed
	}
	select {
	case q.ch <- job:
		return nil
	default:
	}

	q.logger.Warn("persist queue full, applying backpressure", "run_id", job.Run.ID)
	select {
	case q.ch <- job:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Shutdown stops accepting jobs and waits for queued ones to be saved.
func (q *PersistQueue) Shutdown(ctx context.Context) {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return
	}
	q.closed = true
	close(q.ch)
	q.mu.Unlock()

	done := make(chan struct{})
	go func() { defer close(done); q.wg.Wait() }()

	select {
	case <-ctx.Done():
		q.logger.Warn("shutdown interrupted by context")
	case <-done:
		q.logger.Info("queue drained, shutdown complete")
	}
}
