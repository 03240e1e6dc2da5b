package async

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/joseph-ayodele/invoice-extractor/internal/repository"
)

type recordingRepo struct {
	repository.RunRepository
	mu    sync.Mutex
	saved []uuid.UUID
	gate  chan struct{}
	err   error
}

func (r *recordingRepo) SaveRun(ctx context.Context, run *repository.Run) error {
	if r.gate != nil {
		select {
		case <-r.gate:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	if r.err != nil {
		return r.err
	}
	r.mu.Lock()
	r.saved = append(r.saved, run.ID)
	r.mu.Unlock()
	return nil
}

func (r *recordingRepo) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.saved)
}

func TestPersistQueue_SavesAndDrainsOnShutdown(t *testing.T) {
	repo := &recordingRepo{}
	q := NewPersistQueue(repo, nil, WithWorkers(3), WithQueueSize(16))

	for i := 0; i < 10; i++ {
		require.NoError(t, q.Enqueue(context.Background(), Job{Run: &repository.Run{ID: uuid.New()}}))
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	q.Shutdown(ctx)
	assert.Equal(t, 10, repo.count())

	err := q.Enqueue(context.Background(), Job{Run: &repository.Run{ID: uuid.New()}})
	assert.ErrorIs(t, err, ErrQueueClosed)
	q.Shutdown(ctx) // second call is a no-op
}

func TestPersistQueue_BackpressureHonoursContext(t *testing.T) {
	repo := &recordingRepo{gate: make(chan struct{})}
	q := NewPersistQueue(repo, nil, WithWorkers(1), WithQueueSize(1))

	// one job held by the worker, one filling the buffer
	require.NoError(t, q.Enqueue(context.Background(), Job{Run: &repository.Run{ID: uuid.New()}}))
	require.Eventually(t, func() bool { return len(q.ch) == 0 }, time.Second, time.Millisecond)
	require.NoError(t, q.Enqueue(context.Background(), Job{Run: &repository.Run{ID: uuid.New()}}))

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	err := q.Enqueue(ctx, Job{Run: &repository.Run{ID: uuid.New()}})
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	close(repo.gate)
	q.Shutdown(context.Background())
	assert.Equal(t, 2, repo.count())
}

func TestPersistQueue_FailedSaveDoesNotStopWorker(t *testing.T) {
	repo := &recordingRepo{err: errors.New("disk full")}
	q := NewPersistQueue(repo, nil, WithWorkers(1))
	require.NoError(t, q.Enqueue(context.Background(), Job{Run: &repository.Run{ID: uuid.New()}}))
	require.NoError(t, q.Enqueue(context.Background(), Job{Run: &repository.Run{ID: uuid.New()}}))
	q.Shutdown(context.Background())
	assert.Zero(t, repo.count())
}
