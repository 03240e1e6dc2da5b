package server

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"github.com/joseph-ayodele/invoice-extractor/internal/repository"
)

type flakyStore struct {
	*repository.MemoryStore
	down atomic.Bool
}

func (s *flakyStore) Ping(context.Context) error {
	if s.down.Load() {
		return errors.New("connection refused")
	}
	return nil
}

func healthStatus(hs *health.Server) healthpb.HealthCheckResponse_ServingStatus {
	resp, err := hs.Check(context.Background(), &healthpb.HealthCheckRequest{Service: HealthService})
	if err != nil {
		return healthpb.HealthCheckResponse_UNKNOWN
	}
	return resp.GetStatus()
}

func TestWatchHealth_MirrorsStore(t *testing.T) {
	srv, hs := NewGRPCServer()
	defer srv.Stop()
	assert.Equal(t, healthpb.HealthCheckResponse_SERVING, healthStatus(hs))

	store := &flakyStore{MemoryStore: repository.NewMemoryStore()}
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		WatchHealth(ctx, hs, store, 10*time.Millisecond, nil)
	}()

	store.down.Store(true)
	require.Eventually(t, func() bool {
		return healthStatus(hs) == healthpb.HealthCheckResponse_NOT_SERVING
	}, time.Second, 5*time.Millisecond)

	store.down.Store(false)
	require.Eventually(t, func() bool {
		return healthStatus(hs) == healthpb.HealthCheckResponse_SERVING
	}, time.Second, 5*time.Millisecond)

	cancel()
	<-done
	assert.Equal(t, healthpb.HealthCheckResponse_NOT_SERVING, healthStatus(hs))
}
