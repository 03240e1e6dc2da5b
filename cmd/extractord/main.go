package main

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/joseph-ayodele/invoice-extractor/internal/async"
	"github.com/joseph-ayodele/invoice-extractor/internal/common"
	"github.com/joseph-ayodele/invoice-extractor/internal/export"
	"github.com/joseph-ayodele/invoice-extractor/internal/llm"
	"github.com/joseph-ayodele/invoice-extractor/internal/raster"
	"github.com/joseph-ayodele/invoice-extractor/internal/repository"
	"github.com/joseph-ayodele/invoice-extractor/internal/server"
	"github.com/joseph-ayodele/invoice-extractor/internal/session"
)

const healthInterval = 30 * time.Second

func main() {
	cfg := common.LoadConfig()
	logger := cfg.Log.NewLogger()
	slog.SetDefault(logger)

	if err := cfg.Validate(); err != nil {
		logger.Error("invalid configuration", "error", err)
		os.Exit(2)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, logger); err != nil {
		logger.Error("extractord stopped", "error", err)
		os.Exit(1)
	}
	logger.Info("extractord stopped")
}

func run(ctx context.Context, cfg *common.Config, logger *slog.Logger) error {
	store, err := repository.Open(ctx, cfg.Storage, logger)
	if err != nil {
		return err
	}
	defer func() {
		if err := store.Close(); err != nil {
			logger.Error("failed to close store", "error", err)
		}
	}()

	hints, err := llm.LoadHints(cfg.Prompt.HintsFile)
	if err != nil {
		return common.NewAppError(common.CodeConfig, "PROMPT_HINTS_FILE could not be loaded", err)
	}

	client := llm.NewClient(llm.Config{
		BaseURL: cfg.Extraction.BaseURL,
		Token:   cfg.Extraction.APIToken,
		Retry: llm.RetryConfig{
			MaxRetries:     cfg.Extraction.ModelsRetry,
			InitialBackoff: time.Second,
			MaxBackoff:     30 * time.Second,
		},
	}, nil, logger)

	rasterizer := raster.New(raster.NewFitzRenderer(), raster.Options{
		Scale:       cfg.Raster.Scale,
		Format:      cfg.Raster.Format,
		JPEGQuality: cfg.Raster.JPEGQuality,
		BatchSize:   cfg.Raster.BatchSize,
	}, logger)

	queue := async.NewPersistQueue(store, logger,
		async.WithWorkers(cfg.Queue.Workers),
		async.WithQueueSize(cfg.Queue.Size),
		async.WithSaveTimeout(cfg.Queue.Timeout),
	)

	manager := session.NewManager(rasterizer, client, logger,
		session.WithTTL(cfg.Server.SessionTTL),
		session.WithQueue(queue),
		session.WithHints(&hints),
		session.WithDefaultModel(cfg.Extraction.DefaultModel),
		session.WithRequestTimeout(cfg.Extraction.Timeout),
	)

	api := server.New(server.Deps{
		Sessions:       manager,
		Store:          store,
		Models:         client,
		Workbook:       export.NewWorkbookWriter(logger),
		MaxUploadBytes: int64(cfg.Server.MaxUploadMB) << 20,
		Logger:         logger,
	})
	httpSrv := &http.Server{
		Addr:              cfg.Server.HTTPAddr,
		Handler:           api.Routes(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	grpcSrv, hs := server.NewGRPCServer()
	lis, err := net.Listen("tcp", cfg.Server.GRPCAddr)
	if err != nil {
		logger.Error("failed to listen on address", "addr", cfg.Server.GRPCAddr, "error", err)
		return err
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logger.Info("http listening", "addr", cfg.Server.HTTPAddr, "storage", cfg.Storage.Driver)
		if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		logger.Info("grpc health listening", "addr", cfg.Server.GRPCAddr)
		return grpcSrv.Serve(lis)
	})
	g.Go(func() error {
		manager.Run(gctx)
		return nil
	})
	g.Go(func() error {
		server.WatchHealth(gctx, hs, store, healthInterval, logger)
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		logger.Info("shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
		defer cancel()

		// cancelling sessions first ends open event streams and queues their runs
		manager.Close()
		err := httpSrv.Shutdown(shutdownCtx)
		grpcSrv.GracefulStop()
		queue.Shutdown(shutdownCtx)
		return err
	})
	return g.Wait()
}
