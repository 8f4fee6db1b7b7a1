// Copyright 2025 James Ross

// Command spine-admin-api serves the admin HTTP surface (internal/adminapi)
// as its own process, separate from the dispatcher in cmd/spine.
//
// Because the dispatcher keeps its stats and dead-letter store in process
// memory, this binary never observes a peer dispatcher's counters or DLQ
// entries: it connects to the same backend for connectivity checks but
// runs no organs of its own. For a DLQ/stats view that reflects real
// dispatch activity, prefer "spine -role=run -admin-api", which serves the
// same HTTP surface from inside the dispatcher process itself. This binary
// exists for deployments that want the admin surface on its own container
// regardless, e.g. fronted by a different network policy than the worker.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/flyingrobots/spine/internal/adminapi"
	"github.com/flyingrobots/spine/internal/backend"
	"github.com/flyingrobots/spine/internal/backend/memory"
	"github.com/flyingrobots/spine/internal/backend/streams"
	"github.com/flyingrobots/spine/internal/config"
	"github.com/flyingrobots/spine/internal/dlq"
	"github.com/flyingrobots/spine/internal/obs"
	"github.com/flyingrobots/spine/internal/organ"
	"github.com/flyingrobots/spine/internal/spine"
)

var version = "dev"

func main() {
	var configPath string
	var showVersion bool

	fs := flag.NewFlagSet(os.Args[0], flag.ExitOnError)
	fs.StringVar(&configPath, "config", "config/config.yaml", "Path to YAML config")
	fs.BoolVar(&showVersion, "version", false, "Print version and exit")
	_ = fs.Parse(os.Args[1:])

	if showVersion {
		fmt.Println(version)
		return
	}

	cfg, err := config.Load(configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}

	logger, err := obs.NewLogger(cfg.Observability.LogLevel, &cfg.Observability)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to init logger: %v\n", err)
		os.Exit(1)
	}
	defer func() { _ = logger.Sync() }()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go handleSignals(cancel, logger)

	be, closeBackend, err := buildObserverBackend(ctx, cfg)
	if err != nil {
		logger.Fatal("failed to build backend", obs.Err(err))
	}
	defer closeBackend()

	store := dlq.New(cfg.DLQ.MaxSize)
	sp, err := spine.New(be, []organ.Organ{}, spine.WithFailedEventStore(store), spine.WithLogger(logger))
	if err != nil {
		logger.Fatal("failed to build spine", obs.Err(err))
	}

	srv := adminapi.NewServer(cfg.AdminAPI.Addr, sp, be, logger, cfg.AdminAPI.RateLimitPerSecond, cfg.AdminAPI.RateLimitBurst)
	srv.Start()
	logger.Info("admin api listening", obs.String("addr", cfg.AdminAPI.Addr))

	<-ctx.Done()
	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancelShutdown()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Warn("admin api shutdown error", obs.Err(err))
	}
}

// buildObserverBackend connects to cfg's backend for health checks; Pull
// and Ack are never called on it here, and Enqueue only through a DLQ
// requeue, which finds nothing in this process's empty store.
func buildObserverBackend(ctx context.Context, cfg *config.Config) (backend.Backend, func(), error) {
	switch cfg.Backend.Kind {
	case config.BackendMemory:
		return memory.New(cfg.Backend.Memory.MaxSize), func() {}, nil
	case config.BackendStreams:
		sb := cfg.Backend.Streams
		be, err := streams.New(ctx, streams.Config{
			URL:                     sb.URL,
			StreamKey:               sb.StreamKey,
			ConsumerGroup:           sb.ConsumerGroup,
			ConsumerName:            sb.ConsumerName + "-admin-api",
			MaxRetries:              sb.MaxRetries,
			ClaimMinIdle:            sb.ClaimMinIdle(),
			ClaimCount:              100,
			DLQStream:               sb.DLQStreamKey(),
			PoolSize:                sb.PoolSize,
			BreakerWindow:           sb.BreakerWindow,
			BreakerCooldown:         sb.BreakerCooldown,
			BreakerFailureThreshold: 0.5,
			BreakerMinSamples:       10,
		})
		if err != nil {
			return nil, nil, fmt.Errorf("streams backend: %w", err)
		}
		return be, func() { _ = be.Close() }, nil
	default:
		return nil, nil, fmt.Errorf("unknown backend.kind %q", cfg.Backend.Kind)
	}
}

func handleSignals(cancel context.CancelFunc, logger *zap.Logger) {
	sigCh := make(chan os.Signal, 2)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	sig := <-sigCh
	logger.Info("signal received, shutting down", obs.String("signal", sig.String()))
	cancel()

	select {
	case sig2 := <-sigCh:
		logger.Warn("second signal received, forcing exit", obs.String("signal", sig2.String()))
		os.Exit(1)
	case <-time.After(5 * time.Second):
	}
}
