package server

import (
	"context"
	"log/slog"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/reflection"

	"github.com/joseph-ayodele/invoice-extractor/internal/repository"
)

// HealthService is the service name reported alongside the overall ("") status.
const HealthService = "invoice-extractor"

// NewGRPCServer builds the gRPC server used by orchestrators: the standard
// health service plus reflection for grpcurl.
func NewGRPCServer() (*grpc.Server, *health.Server) {
	srv := grpc.NewServer()
	hs := health.NewServer()
	healthpb.RegisterHealthServer(srv, hs)
	reflection.Register(srv)
	setServing(hs, healthpb.HealthCheckResponse_SERVING)
	return srv, hs
}

func setServing(hs *health.Server, status healthpb.HealthCheckResponse_ServingStatus) {
	hs.SetServingStatus("", status)
	hs.SetServingStatus(HealthService, status)
}

// WatchHealth pings the store every interval and mirrors the outcome into
// the gRPC health status until ctx is done. On return everything reports
// NOT_SERVING.
func WatchHealth(ctx context.Context, hs *health.Server, store repository.Store, interval time.Duration, logger *slog.Logger) {
	if logger == nil {
		logger = slog.Default()
	}
	if interval <= 0 {
		interval = 30 * time.Second
	}
	check := func() {
		pctx, cancel := context.WithTimeout(ctx, interval/2)
		defer cancel()
		if err := store.Ping(pctx); err != nil {
			logger.Warn("health.store_unreachable", "error", err)
			setServing(hs, healthpb.HealthCheckResponse_NOT_SERVING)
			return
		}
		setServing(hs, healthpb.HealthCheckResponse_SERVING)
	}

	check()
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			hs.Shutdown()
			return
		case <-ticker.C:
			check()
		}
	}
}
