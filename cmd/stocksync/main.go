package main

import (
	"context"
	"errors"
	"flag"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/livinlefevreloca/stocksync/internal/batch"
	"github.com/livinlefevreloca/stocksync/internal/config"
	"github.com/livinlefevreloca/stocksync/internal/db"
	"github.com/livinlefevreloca/stocksync/internal/ingest"
	"github.com/livinlefevreloca/stocksync/internal/job"
	"github.com/livinlefevreloca/stocksync/internal/orchestrator"
	"github.com/livinlefevreloca/stocksync/internal/queue"
	"github.com/livinlefevreloca/stocksync/internal/stats"
	"github.com/livinlefevreloca/stocksync/internal/syncer"
	"github.com/livinlefevreloca/stocksync/internal/worker"
	_ "github.com/mattn/go-sqlite3"
)

func main() {
	// Parse command-line flags
	configFile := flag.String("config", "", "Path to configuration file (TOML)")
	envFile := flag.String("env", ".env", "Path to an optional .env file")
	scheduleID := flag.String("schedule", "", "Run one schedule by ID and exit")
	enqueue := flag.String("enqueue", "", "Queue an inventory sync of all active targets (manual, batch, webhook or retry)")
	runWorker := flag.Bool("worker", false, "Run the job worker until interrupted")
	flag.Parse()

	// Load configuration
	cfg, err := config.LoadConfig(*configFile, *envFile)
	if err != nil {
		slog.Error("failed to load configuration", "error", err, "config_file", *configFile)
		os.Exit(1)
	}

	// Validate configuration
	if err := cfg.Validate(); err != nil {
		slog.Error("invalid configuration", "error", err)
		os.Exit(1)
	}

	logger := newLogger(cfg.Logging)
	slog.SetDefault(logger)

	slog.Info("starting stocksync", "config_file", *configFile)

	if *scheduleID == "" && *enqueue == "" && !*runWorker {
		slog.Error("nothing to do", "hint", "pass -schedule <id>, -enqueue <type> or -worker")
		os.Exit(2)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// Open database connection with pool settings
	slog.Info("connecting to database", "driver", cfg.Database.Driver, "dsn", cfg.Database.DSN)
	database, err := db.OpenWithConfig(cfg.Database)
	if err != nil {
		slog.Error("failed to connect to database", "error", err, "driver", cfg.Database.Driver)
		os.Exit(1)
	}
	defer database.Close()

	// Run migrations
	if !cfg.Database.SkipMigrations {
		version, err := database.Migrate()
		if err != nil {
			slog.Error("failed to run migrations", "error", err)
			os.Exit(1)
		}
		slog.Info("database schema ready", "version", version)
	} else {
		slog.Info("skipping migrations", "reason", "configured to skip")
	}

	recorder := stats.NewPrometheusRecorder()
	if cfg.Metrics.Enabled {
		srv := serveMetrics(cfg.Metrics, recorder, logger)
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = srv.Shutdown(shutdownCtx)
		}()
	}

	progress, err := syncer.NewSyncer(cfg.Syncer, database, recorder, logger.With("component", "syncer"))
	if err != nil {
		slog.Error("failed to create progress syncer", "error", err)
		os.Exit(1)
	}
	progress.Start()
	defer func() {
		if err := progress.Shutdown(); err != nil {
			slog.Warn("progress syncer shutdown left unwritten updates", "error", err)
		}
	}()

	pool := ingest.NewPool(cfg.Ingest.ChunkSize, cfg.Ingest.Workers, recorder, logger.With("component", "ingest"))
	executor := ingest.NewExecutor(database, database, database, pool, logger.With("component", "ingest"))
	engine := batch.NewEngine(executor, recorder, logger.With("component", "engine"))
	engine.SetDefaults(cfg.Engine.Strategy, cfg.Engine.Concurrency)

	orch := orchestrator.New(orchestrator.Deps{
		Schedules: database,
		Stores:    database,
		Vendors:   database,
		Mappings:  database,
		Engine:    engine,
		Jobs:      database,
		Progress:  progress,
		Recorder:  recorder,
		Queue:     cfg.Engine.ScheduleQueue,

		MaxConcurrency: cfg.Engine.Concurrency,
	}, logger.With("component", "orchestrator"))

	if *scheduleID != "" {
		res, err := orch.RunIfDue(ctx, *scheduleID)
		if err != nil {
			slog.Error("scheduled run failed", "schedule_id", *scheduleID, "error", err)
			os.Exit(1)
		}
		if res.Skipped {
			slog.Info("scheduled run skipped", "schedule_id", res.ScheduleID, "reason", res.Reason)
		} else if res.Result != nil {
			slog.Info("scheduled run finished",
				"schedule_id", res.ScheduleID,
				"job_id", res.JobID,
				"successful_pairs", res.Result.SuccessfulPairs,
				"failed_pairs", res.Result.FailedPairs)
		}
		if *enqueue == "" && !*runWorker {
			return
		}
	}

	q, err := openQueue(ctx, cfg)
	if err != nil {
		slog.Error("failed to open job queue", "error", err, "backend", cfg.Queue.Backend)
		os.Exit(1)
	}
	defer q.Close()

	svc, err := worker.NewService(cfg.Worker, q, database, progress, recorder, logger.With("component", "worker"))
	if err != nil {
		slog.Error("failed to create worker", "error", err)
		os.Exit(1)
	}
	for _, t := range []job.Type{job.TypeManual, job.TypeBatch, job.TypeWebhook, job.TypeRetry} {
		if err := svc.Register(t, worker.SyncHandler(orch)); err != nil {
			slog.Error("failed to register handler", "job_type", t, "error", err)
			os.Exit(1)
		}
	}
	if err := svc.Init(ctx); err != nil {
		slog.Error("failed to initialize worker", "error", err)
		os.Exit(1)
	}

	if *enqueue != "" {
		req := orchestrator.SyncRequest{SyncType: "inventory"}
		rec, err := svc.Enqueue(ctx, worker.SyncJob(job.Type(*enqueue), req, "cli"))
		if err != nil {
			slog.Error("failed to enqueue sync", "job_type", *enqueue, "error", err)
			os.Exit(1)
		}
		slog.Info("sync enqueued", "job_id", rec.ID, "job_type", rec.Type, "priority", rec.PriorityLevel)
	}

	if !*runWorker {
		return
	}

	slog.Info("stocksync worker is running", "queue", cfg.Worker.Queue, "workers", cfg.Worker.Workers)
	if err := svc.Run(ctx); err != nil {
		slog.Error("worker stopped", "error", err)
		os.Exit(1)
	}
	slog.Info("shutting down gracefully")
}

func newLogger(cfg config.LoggingConfig) *slog.Logger {
	var level slog.Level
	switch strings.ToLower(cfg.Level) {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}

	opts := &slog.HandlerOptions{Level: level}
	if cfg.Format == "json" {
		return slog.New(slog.NewJSONHandler(os.Stdout, opts))
	}
	return slog.New(slog.NewTextHandler(os.Stdout, opts))
}

func openQueue(ctx context.Context, cfg *config.Config) (queue.Queue, error) {
	if cfg.Queue.Backend != config.QueueRedis {
		return queue.NewMemoryQueue(), nil
	}
	rq, err := queue.NewRedisQueue(ctx, queue.RedisConfig{
		Addr:      cfg.Queue.Address,
		Password:  cfg.Queue.Password,
		DB:        cfg.Queue.DB,
		KeyPrefix: cfg.Queue.KeyPrefix,
		Name:      cfg.Worker.Queue,
	})
	if err != nil {
		return nil, err
	}
	return rq, nil
}

func serveMetrics(cfg config.MetricsConfig, recorder *stats.PrometheusRecorder, logger *slog.Logger) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", recorder.Handler())

	srv := &http.Server{
		Addr:              stats.ListenAddr(cfg.Address, cfg.Port),
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		logger.Info("metrics enabled", "address", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("metrics server failed", "error", err)
		}
	}()
	return srv
}
