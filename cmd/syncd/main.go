package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/aluiziolira/go-catalog-sync/commerce"
	"github.com/aluiziolira/go-catalog-sync/config"
	"github.com/aluiziolira/go-catalog-sync/events"
	"github.com/aluiziolira/go-catalog-sync/models"
	"github.com/aluiziolira/go-catalog-sync/ratelimit"
	"github.com/aluiziolira/go-catalog-sync/reconcile"
	"github.com/aluiziolira/go-catalog-sync/remote"
	"github.com/aluiziolira/go-catalog-sync/retry"
	"github.com/aluiziolira/go-catalog-sync/scheduler"
	"github.com/aluiziolira/go-catalog-sync/server"
	"github.com/aluiziolira/go-catalog-sync/store"
)

func main() {
	tokenDefault, _ := config.EnvString("SYNC_TOKEN")
	redisDefault, _ := config.EnvString("SYNC_REDIS_URL")
	postgresDefault, _ := config.EnvString("SYNC_POSTGRES_DSN")
	listenDefault := ":8080"
	if value, ok := config.EnvString("SYNC_LISTEN_ADDR"); ok {
		listenDefault = value
	}
	kafkaDefault := ""
	if brokers, ok := config.EnvStrings("SYNC_KAFKA_BROKERS"); ok {
		kafkaDefault = strings.Join(brokers, ",")
	}

	configPath := flag.String("config", "", "Path to YAML configuration file")
	baseURL := flag.String("base-url", "", "Remote catalog API base URL (with version path)")
	token := flag.String("token", tokenDefault, "Bearer token for the remote API")
	listenAddr := flag.String("listen", listenDefault, "HTTP listen address")
	redisURL := flag.String("redis", redisDefault, "Redis URL for durable state (empty: in-memory)")
	postgresDSN := flag.String("postgres", postgresDefault, "Postgres DSN for the commerce store (empty: in-memory)")
	kafkaBrokers := flag.String("kafka", kafkaDefault, "Comma-separated Kafka brokers for lifecycle events")
	verbose := flag.Bool("v", false, "Enable verbose logging")

	flag.Parse()

	logger, level := newLogger(*verbose)
	slog.SetDefault(logger)
	slog.SetLogLoggerLevel(level.Level())

	cfg := config.DefaultConfig()
	if *configPath != "" {
		if err := cfg.LoadFile(*configPath); err != nil {
			slog.Error("loading configuration", slog.Any("error", err))
			os.Exit(1)
		}
	}
	applyFlags(cfg, *baseURL, *token, *listenAddr, *redisURL, *postgresDSN, *kafkaBrokers, *verbose)
	if err := cfg.Validate(); err != nil {
		slog.Error("invalid configuration", slog.Any("error", err))
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	engine, err := buildEngine(ctx, cfg)
	if err != nil {
		slog.Error("initialising sync engine", slog.Any("error", err))
		os.Exit(1)
	}
	defer engine.close()

	slog.Info("sync engine started",
		slog.String("remote", cfg.RemoteBaseURL),
		slog.String("listen", cfg.ListenAddr),
		slog.Bool("redis", cfg.RedisURL != ""),
		slog.Bool("postgres", cfg.PostgresDSN != ""),
		slog.Bool("kafka", len(cfg.KafkaBrokers) > 0),
	)

	httpServer := &http.Server{
		Addr:    cfg.ListenAddr,
		Handler: server.NewRouter(server.NewHandler(engine.scheduler), engine.metrics.Registry),
	}
	go func() {
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("http server failed", slog.Any("error", err))
			stop()
		}
	}()

	go engine.runLoop(ctx)

	<-ctx.Done()
	slog.Info("shutdown signal received, draining in-flight work")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		slog.Error("http server shutdown failed", slog.Any("error", err))
	}
}

// engine bundles the wired components and their background loop.
type engine struct {
	scheduler *scheduler.Scheduler
	drainer   *retry.Drainer
	metrics   *scheduler.Metrics
	publisher events.Publisher
}

func buildEngine(ctx context.Context, cfg *config.Config) (*engine, error) {
	var kv store.KV
	if cfg.RedisURL != "" {
		redis, err := store.ConnectRedis(ctx, cfg.RedisURL)
		if err != nil {
			return nil, fmt.Errorf("connect redis: %w", err)
		}
		kv = redis
	} else {
		slog.Warn("no redis configured, state will not survive restarts")
		kv = store.NewMemory()
	}

	var local commerce.Store
	if cfg.PostgresDSN != "" {
		pg, err := commerce.ConnectPostgres(cfg.PostgresDSN)
		if err != nil {
			return nil, fmt.Errorf("connect postgres: %w", err)
		}
		local = pg
	} else {
		slog.Warn("no postgres configured, commerce records are in-memory only")
		local = commerce.NewMemoryStore()
	}

	var publisher events.Publisher = events.Nop{}
	if len(cfg.KafkaBrokers) > 0 {
		kafka, err := events.NewKafkaPublisher(cfg.KafkaBrokers)
		if err != nil {
			return nil, fmt.Errorf("kafka publisher: %w", err)
		}
		publisher = kafka
	}

	client, err := remote.NewClient(cfg)
	if err != nil {
		return nil, fmt.Errorf("remote client: %w", err)
	}

	queue := retry.NewQueue(kv, cfg)
	tracker := ratelimit.NewTracker(kv, cfg)
	governor := ratelimit.NewGovernor(tracker, queue, cfg)

	fetcher, err := reconcile.NewCollyFetcher(cfg)
	if err != nil {
		return nil, fmt.Errorf("image fetcher: %w", err)
	}
	images, err := reconcile.NewImageStore(kv, local, fetcher, cfg.DedupCacheSize)
	if err != nil {
		return nil, fmt.Errorf("image store: %w", err)
	}
	mappings := reconcile.NewMappings(kv)
	reconciler := reconcile.NewReconciler(local, mappings, images)

	metrics := scheduler.NewMetrics()
	sched := scheduler.New(
		kv, client, tracker, governor, reconciler,
		store.NewLease(kv, "import", cfg.LeaseTTL),
		publisher, metrics, cfg,
	)

	registry := retry.NewRegistry()
	sched.RegisterReplayHandlers(registry, images)
	drainer := retry.NewDrainer(
		queue, registry, tracker, governor,
		store.NewLease(kv, "drain", cfg.LeaseTTL),
		cfg,
	)
	drainer.OnDrop(func(item models.RetryItem, reason string) {
		payload, err := json.Marshal(events.RetryDroppedEvent{
			ItemID:   item.ID,
			Kind:     string(item.Kind),
			Endpoint: item.Endpoint,
			Attempts: item.Attempts,
			At:       time.Now().UTC(),
		})
		if err != nil {
			return
		}
		if err := publisher.Publish(ctx, events.TypeRetryDropped, payload, reason); err != nil {
			slog.Error("publish retry drop event", slog.Any("error", err))
		}
	})

	return &engine{
		scheduler: sched,
		drainer:   drainer,
		metrics:   metrics,
		publisher: publisher,
	}, nil
}

func (e *engine) close() {
	if err := e.publisher.Close(); err != nil {
		slog.Error("close event publisher", slog.Any("error", err))
	}
}

// runLoop ticks the two periodic duties: batch processing and retry
// draining. A persisted non-empty queue is due immediately on startup.
func (e *engine) runLoop(ctx context.Context) {
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		if _, err := e.scheduler.ProcessDue(ctx); err != nil {
			slog.Error("batch processing pass failed", slog.Any("error", err))
		}

		due, err := e.drainer.Due(ctx)
		if err != nil {
			slog.Error("checking retry queue", slog.Any("error", err))
			continue
		}
		if !due {
			continue
		}
		processed, remaining, err := e.drainer.Drain(ctx)
		if err != nil {
			slog.Error("drain pass failed", slog.Any("error", err))
			continue
		}
		if processed > 0 || remaining > 0 {
			slog.Info("drain pass finished",
				slog.Int("processed", processed),
				slog.Int("remaining", remaining),
			)
		}
	}
}

func applyFlags(cfg *config.Config, baseURL, token, listenAddr, redisURL, postgresDSN, kafkaBrokers string, verbose bool) {
	if baseURL != "" {
		cfg.RemoteBaseURL = baseURL
	}
	if token != "" {
		cfg.RemoteToken = token
	}
	if listenAddr != "" {
		cfg.ListenAddr = listenAddr
	}
	if redisURL != "" {
		cfg.RedisURL = redisURL
	}
	if postgresDSN != "" {
		cfg.PostgresDSN = postgresDSN
	}
	if kafkaBrokers != "" {
		var brokers []string
		for _, part := range strings.Split(kafkaBrokers, ",") {
			if trimmed := strings.TrimSpace(part); trimmed != "" {
				brokers = append(brokers, trimmed)
			}
		}
		cfg.KafkaBrokers = brokers
	}
	cfg.Verbose = verbose
}

func newLogger(verbose bool) (*slog.Logger, *slog.LevelVar) {
	level := &slog.LevelVar{}
	if verbose {
		level.Set(slog.LevelDebug)
	} else {
		level.Set(slog.LevelInfo)
	}

	opts := &slog.HandlerOptions{Level: level}
	var handler slog.Handler
	if isTerminal(os.Stdout) {
		handler = slog.NewTextHandler(os.Stdout, opts)
	} else {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	}

	return slog.New(handler), level
}

func isTerminal(f *os.File) bool {
	info, err := f.Stat()
	if err != nil {
		return false
	}
	return (info.Mode() & os.ModeCharDevice) != 0
}
