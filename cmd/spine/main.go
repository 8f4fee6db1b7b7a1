// Copyright 2025 James Ross
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"github.com/flyingrobots/spine/internal/admin"
	"github.com/flyingrobots/spine/internal/adminapi"
	"github.com/flyingrobots/spine/internal/backend"
	"github.com/flyingrobots/spine/internal/backend/memory"
	"github.com/flyingrobots/spine/internal/backend/streams"
	"github.com/flyingrobots/spine/internal/config"
	"github.com/flyingrobots/spine/internal/dlq"
	"github.com/flyingrobots/spine/internal/event"
	"github.com/flyingrobots/spine/internal/obs"
	"github.com/flyingrobots/spine/internal/organ"
	"github.com/flyingrobots/spine/internal/pipeline/etl"
	"github.com/flyingrobots/spine/internal/pipeline/notify"
	"github.com/flyingrobots/spine/internal/pipeline/orderbook"
	"github.com/flyingrobots/spine/internal/pipeline/seance"
	"github.com/flyingrobots/spine/internal/spine"
)

var version = "dev"

func main() {
	var role string
	var configPath string
	var demoName string
	var adminCmd string
	var adminOffset int
	var adminLimit int
	var adminQuery string
	var adminEventIDs string
	var withAdminAPI bool
	var showVersion bool

	fs := flag.NewFlagSet(os.Args[0], flag.ExitOnError)
	fs.StringVar(&role, "role", "run", "Role to run: run|demo|admin")
	fs.StringVar(&configPath, "config", "config/config.yaml", "Path to YAML config")
	fs.StringVar(&demoName, "demo", "notify", "Reference pipeline to wire up: notify|etl|orderbook|seance (used by -role=run and -role=demo)")
	fs.StringVar(&adminCmd, "admin-cmd", "", "Admin command: stats|peek|search|purge-dlq|requeue")
	fs.IntVar(&adminOffset, "offset", 0, "Admin peek: pagination offset")
	fs.IntVar(&adminLimit, "limit", 50, "Admin peek/search: max entries returned")
	fs.StringVar(&adminQuery, "query", "", "Admin search: fuzzy query against DLQ event type and reason")
	fs.StringVar(&adminEventIDs, "event-ids", "", "Admin requeue: comma-separated event IDs")
	fs.BoolVar(&withAdminAPI, "admin-api", false, "Serve the admin HTTP API alongside -role=run")
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

	tp, err := obs.MaybeInitTracing(cfg)
	if err != nil {
		logger.Warn("tracing init failed", obs.Err(err))
	}
	if tp != nil {
		defer func() { _ = tp.Shutdown(context.Background()) }()
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	be, closeBackend, err := buildBackend(ctx, cfg)
	if err != nil {
		logger.Fatal("failed to build backend", obs.Err(err))
	}
	defer closeBackend()

	if role != "admin" {
		readyCheck := func(c context.Context) error {
			if hc, ok := be.(interface{ Health(context.Context) error }); ok {
				return hc.Health(c)
			}
			return nil
		}
		httpSrv := obs.StartHTTPServer(cfg, readyCheck)
		defer func() { _ = httpSrv.Shutdown(context.Background()) }()
	}

	sigCh := make(chan os.Signal, 2)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		logger.Info("signal received, shutting down", obs.String("signal", sig.String()))
		cancel()
		select {
		case sig2 := <-sigCh:
			logger.Warn("second signal received, exiting immediately", obs.String("signal", sig2.String()))
			os.Exit(1)
		case <-time.After(5 * time.Second):
		}
	}()

	if prober, ok := be.(obs.BacklogProber); ok && role != "admin" {
		obs.StartBacklogUpdater(ctx, 2*time.Second, prober, logger)
	}

	switch role {
	case "demo":
		runDemo(ctx, cfg, be, logger, demoName, withAdminAPI)
	case "run":
		organs, _, err := buildDemoPipeline(demoName)
		if err != nil {
			logger.Fatal("failed to build pipeline", obs.Err(err))
		}
		runDispatcher(ctx, cfg, be, logger, organs, withAdminAPI)
	case "admin":
		runAdmin(ctx, cfg, be, logger, adminCmd, adminOffset, adminLimit, adminQuery, adminEventIDs)
	default:
		logger.Fatal("unknown role", obs.String("role", role))
	}
}

// buildBackend constructs the Backend selected by cfg.Backend.Kind and
// returns a cleanup func that closes any underlying connection.
func buildBackend(ctx context.Context, cfg *config.Config) (backend.Backend, func(), error) {
	switch cfg.Backend.Kind {
	case config.BackendMemory:
		be := memory.New(cfg.Backend.Memory.MaxSize)
		return be, func() {}, nil
	case config.BackendStreams:
		sb := cfg.Backend.Streams
		be, err := streams.New(ctx, streams.Config{
			URL:                     sb.URL,
			StreamKey:               sb.StreamKey,
			ConsumerGroup:           sb.ConsumerGroup,
			ConsumerName:            sb.ConsumerName,
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

func toSpineEnqueueMode(m config.EnqueueFailureMode) spine.EnqueueFailureMode {
	switch m {
	case config.EnqueueRetry:
		return spine.EnqueueRetry
	case config.EnqueueStore:
		return spine.EnqueueStore
	default:
		return spine.EnqueueFail
	}
}

func toSpineHandlerMode(m config.HandlerFailureMode) spine.HandlerFailureMode {
	switch m {
	case config.HandlerStore:
		return spine.HandlerStore
	case config.HandlerNack:
		return spine.HandlerNack
	default:
		return spine.HandlerLog
	}
}

// buildSpineOptions translates the Spine section of cfg into spine.Options,
// shared by every role that constructs a *spine.Spine.
func buildSpineOptions(cfg *config.Config, logger *zap.Logger, store *dlq.Store) []spine.Option {
	return []spine.Option{
		spine.WithMaxSteps(cfg.Spine.MaxSteps),
		spine.WithRetryAttempts(cfg.Spine.RetryAttempts),
		spine.WithRetryBaseDelay(cfg.Spine.RetryBaseDelay),
		spine.WithHandlerTimeout(cfg.Spine.HandlerTimeout),
		spine.WithMaxConsecutiveBackendFailures(cfg.Spine.MaxConsecutiveBackendFailures),
		spine.WithEnqueueFailureMode(toSpineEnqueueMode(cfg.Spine.EnqueueFailureMode)),
		spine.WithHandlerFailureMode(toSpineHandlerMode(cfg.Spine.HandlerFailureMode)),
		spine.WithFailedEventStore(store),
		spine.WithLogger(logger),
	}
}

// runDispatcher runs organs against be until ctx is canceled, pulling
// whatever events the backend already holds or receives from producers
// outside this process (or from the cron trigger below). When withAdminAPI
// is set the admin HTTP surface is served alongside the dispatch loop for
// the lifetime of the run.
func runDispatcher(ctx context.Context, cfg *config.Config, be backend.Backend, logger *zap.Logger, organs []organ.Organ, withAdminAPI bool) {
	store := dlq.New(cfg.DLQ.MaxSize)
	opts := buildSpineOptions(cfg, logger, store)

	sp, err := spine.New(be, organs, opts...)
	if err != nil {
		logger.Fatal("failed to build spine", obs.Err(err))
	}

	if withAdminAPI {
		srv := adminapi.NewServer(cfg.AdminAPI.Addr, sp, be, logger, cfg.AdminAPI.RateLimitPerSecond, cfg.AdminAPI.RateLimitBurst)
		srv.Start()
		defer func() { _ = srv.Shutdown(context.Background()) }()
	}

	if cfg.Demo.CronSpec != "" {
		startTrigger(ctx, cfg, be, logger)
	}

	stats, err := sp.Run(ctx)
	if err != nil && ctx.Err() == nil {
		logger.Error("dispatcher exited with error", obs.Err(err))
	}
	logger.Info("dispatcher stopped",
		obs.Int("events_processed", int(stats.EventsProcessed)),
		obs.Int("events_emitted", int(stats.EventsEmitted)),
	)
}

// startTrigger runs a cron schedule that re-enqueues a NOTIFICATION_REQUESTED
// heartbeat event, letting an operator observe the dispatcher staying warm
// between real traffic without writing a separate load generator.
func startTrigger(ctx context.Context, cfg *config.Config, be backend.Backend, logger *zap.Logger) {
	c := cron.New()
	_, err := c.AddFunc(cfg.Demo.CronSpec, func() {
		evt, err := event.New("NOTIFICATION_REQUESTED", map[string]any{
			"user_id":  "scheduler",
			"channels": []any{"email"},
			"message":  "scheduled heartbeat",
			"priority": "low",
		})
		if err != nil {
			logger.Warn("scheduled trigger: failed to build event", obs.Err(err))
			return
		}
		if err := be.Enqueue(ctx, evt); err != nil {
			logger.Warn("scheduled trigger: failed to enqueue", obs.Err(err))
		}
	})
	if err != nil {
		logger.Warn("failed to register scheduled trigger", obs.Err(err))
		return
	}
	c.Start()
	go func() {
		<-ctx.Done()
		<-c.Stop().Done()
	}()
}

// runDemo wires one of the reference pipelines to a fresh start event and
// runs it for up to 30 seconds; the etl and seance pipelines print their
// terminal organ's rendered output.
func runDemo(ctx context.Context, cfg *config.Config, be backend.Backend, logger *zap.Logger, name string, withAdminAPI bool) {
	organs, startEvt, err := buildDemoPipeline(name)
	if err != nil {
		logger.Fatal("failed to build demo pipeline", obs.Err(err))
	}

	store := dlq.New(cfg.DLQ.MaxSize)
	opts := append(buildSpineOptions(cfg, logger, store), spine.WithStartEvent(startEvt))

	sp, err := spine.New(be, organs, opts...)
	if err != nil {
		logger.Fatal("failed to build spine", obs.Err(err))
	}

	if withAdminAPI {
		srv := adminapi.NewServer(cfg.AdminAPI.Addr, sp, be, logger, cfg.AdminAPI.RateLimitPerSecond, cfg.AdminAPI.RateLimitBurst)
		srv.Start()
		defer func() { _ = srv.Shutdown(context.Background()) }()
	}

	demoCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()
	stats, err := sp.Run(demoCtx)
	if err != nil && demoCtx.Err() == nil {
		logger.Error("demo pipeline exited with error", obs.Err(err))
	}
	logger.Info("demo pipeline complete",
		obs.String("demo", name),
		obs.Int("events_processed", int(stats.EventsProcessed)),
	)
}

func buildDemoPipeline(name string) ([]organ.Organ, *event.Event, error) {
	switch name {
	case "notify":
		evt, err := event.New("NOTIFICATION_REQUESTED", map[string]any{
			"user_id":  "demo-user",
			"channels": []any{"email", "sms"},
			"message":  "your order has shipped",
			"priority": "normal",
		})
		if err != nil {
			return nil, nil, err
		}
		return []organ.Organ{
			notify.ValidateOrgan{},
			notify.RouterOrgan{},
			notify.NewEmailSenderOrgan(3),
			notify.SmsSenderOrgan{},
			notify.PushSenderOrgan{},
			notify.NewAuditOrgan(),
		}, evt, nil
	case "etl":
		evt, err := event.New("ETL_START", map[string]any{
			"source_name": "demo",
			"csv_data":    "name,amount\nwidget,10\ngadget,20\n",
		})
		if err != nil {
			return nil, nil, err
		}
		return []organ.Organ{
			etl.ExtractCSVOrgan{},
			etl.CleanDataOrgan{},
			etl.TransformDataOrgan{},
			&etl.ExportSummaryOrgan{OutputFunc: func(s string) { fmt.Println(s) }},
		}, evt, nil
	case "orderbook":
		evt, err := event.New("ORDER_SUBMITTED", map[string]any{
			"order_id":   "demo-order",
			"trader_id":  "trader_1",
			"symbol":     "AAPL",
			"side":       "BUY",
			"order_type": "MARKET",
			"quantity":   10,
		})
		if err != nil {
			return nil, nil, err
		}
		return []organ.Organ{
			orderbook.ValidateOrderOrgan{},
			orderbook.NewMatchingEngineOrgan(),
			&orderbook.SettlementOrgan{},
			orderbook.NewRiskManagerOrgan(),
			orderbook.NewAuditTrailOrgan(1000),
		}, evt, nil
	case "seance":
		evt, err := event.New("SUMMON_RITUAL", map[string]any{
			"spirit_name": "Ancient One",
			"summoned_by": "demo-user",
			"question":    "what does the future hold?",
		})
		if err != nil {
			return nil, nil, err
		}
		return []organ.Organ{
			seance.SummonSpiritOrgan{},
			seance.AskQuestionOrgan{},
			seance.InterpretResponseOrgan{},
			&seance.ManifestEffectOrgan{OutputFunc: func(s string) { fmt.Println(s) }},
		}, evt, nil
	default:
		return nil, nil, fmt.Errorf("unknown demo %q (want notify|etl|orderbook|seance)", name)
	}
}

func runAdmin(ctx context.Context, cfg *config.Config, be backend.Backend, logger *zap.Logger, cmd string, offset, limit int, query, eventIDs string) {
	store := dlq.New(cfg.DLQ.MaxSize)
	opts := buildSpineOptions(cfg, logger, store)
	sp, err := spine.New(be, []organ.Organ{}, opts...)
	if err != nil {
		logger.Fatal("failed to build spine", obs.Err(err))
	}

	switch cmd {
	case "stats":
		printJSON(admin.Stats(ctx, sp, be))
	case "peek":
		res, err := admin.Peek(store, offset, limit)
		if err != nil {
			logger.Fatal("admin peek error", obs.Err(err))
		}
		printJSON(res)
	case "search":
		printJSON(admin.Search(store, query, limit))
	case "purge-dlq":
		printJSON(map[string]int{"purged": admin.Purge(store)})
	case "requeue":
		ids := splitNonEmpty(eventIDs, ",")
		if len(ids) == 0 {
			logger.Fatal("admin requeue requires -event-ids")
		}
		requeued, notFound, err := admin.Requeue(ctx, store, be, ids)
		if err != nil {
			logger.Fatal("admin requeue error", obs.Err(err))
		}
		printJSON(map[string]any{"requeued": requeued, "not_found": notFound})
	default:
		logger.Fatal("unknown admin command", obs.String("cmd", cmd))
	}
}

func printJSON(v any) {
	b, _ := json.MarshalIndent(v, "", "  ")
	fmt.Println(string(b))
}

func splitNonEmpty(s, sep string) []string {
	var out []string
	for _, part := range strings.Split(s, sep) {
		part = strings.TrimSpace(part)
		if part != "" {
			out = append(out, part)
		}
	}
	return out
}
