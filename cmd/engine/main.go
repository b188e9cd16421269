package main

import (
	"context"
	"math/rand"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"

	"github.com/driplinehq/dripline/internal/admin"
	"github.com/driplinehq/dripline/internal/channel"
	"github.com/driplinehq/dripline/internal/config"
	"github.com/driplinehq/dripline/internal/db"
	"github.com/driplinehq/dripline/internal/distributor"
	"github.com/driplinehq/dripline/internal/health"
	"github.com/driplinehq/dripline/internal/jobs"
	"github.com/driplinehq/dripline/internal/logging"
	"github.com/driplinehq/dripline/internal/metrics"
	"github.com/driplinehq/dripline/internal/pool"
	"github.com/driplinehq/dripline/internal/queue"
	"github.com/driplinehq/dripline/internal/selector"
	"github.com/driplinehq/dripline/internal/tracing"
	"github.com/driplinehq/dripline/internal/worker"
)

func main() {
	// .env is a local-dev convenience; absence is fine.
	_ = godotenv.Load()

	cfg := config.FromEnv()
	ctx := context.Background()

	logger := logging.New("dripline-engine")

	shutdown, err := tracing.InitTracing(ctx, "dripline-engine")
	if err != nil {
		logger.Plain().WithError(err).Fatal("Failed to initialize tracing")
	}
	defer shutdown()

	// Control-plane DB connect
	dbpool, err := db.Connect(ctx, cfg.DSN(), 10)
	if err != nil {
		logger.Plain().WithError(err).Fatal("db connect failed")
	}
	defer dbpool.Close()

	// Prom metrics
	reg := prometheus.NewRegistry()
	metrics.MustRegister(reg)

	// Single-flight guard: Redis lease when configured, in-process otherwise.
	var locker jobs.Locker = jobs.NewLocalLock()
	if cfg.Redis.Addr != "" {
		rdb := redis.NewClient(&redis.Options{Addr: cfg.Redis.Addr})
		if err := rdb.Ping(ctx).Err(); err != nil {
			logger.Plain().WithError(err).Fatal("redis connect failed")
		}
		defer rdb.Close()
		locker = jobs.NewRedisLock(rdb, cfg.Redis.LockTTL)
		logger.Plain().WithField("addr", cfg.Redis.Addr).Info("using redis job lock")
	}

	// Per-tenant DB pool
	tenants := pool.New(cfg.Pool.MaxPools, cfg.Pool.ProbeTimeout, pool.PGConnector(cfg.TenantDSN, logger), logger)
	defer tenants.Close()

	store := queue.NewStore(dbpool)
	settings := &channel.PGSettings{Pools: tenants}
	resolver := &channel.Resolver{
		Source: settings,
		Client: &http.Client{Timeout: cfg.Worker.SendTimeout},
	}

	sel := &selector.Selector{
		Store:    &selector.PGCandidates{Pool: dbpool},
		Settings: settings,
		Log:      logger,
	}

	loc, err := time.LoadLocation(cfg.Window.Timezone)
	if err != nil {
		logger.Plain().WithError(err).WithField("tz", cfg.Window.Timezone).Fatal("bad timezone")
	}
	window := distributor.Window{
		StartHour: cfg.Window.StartHour,
		EndHour:   cfg.Window.EndHour,
		Weekdays:  cfg.Window.Weekdays,
		Location:  loc,
		Jitter:    time.Duration(cfg.Window.JitterSec) * time.Second,
		PerHour:   cfg.Window.PerHour,
	}
	if err := window.Validate(); err != nil {
		logger.Plain().WithError(err).Fatal("bad send window")
	}

	// Jobs
	runner := jobs.NewRunner(loc, locker, logger)
	scheduleJob := &jobs.ScheduleJob{
		Selector: sel,
		Criteria: selector.Criteria{
			Kind:              cfg.Campaign.Kind,
			InterestConfirmed: cfg.Campaign.InterestConfirmed,
			ExcludeQualified:  cfg.Campaign.ExcludeQualified,
			ActivityWindow:    time.Duration(cfg.Selector.ActivityWindowMinutes) * time.Minute,
			BatchSize:         cfg.Selector.BatchSize,
		},
		Window:     window,
		Queue:      store,
		TemplateID: cfg.Campaign.TemplateID,
		Payload:    cfg.Campaign.Message,
		Rand:       rand.New(rand.NewSource(time.Now().UnixNano())),
	}
	reapJob := &jobs.ReapJob{
		Queue:      store,
		After:      cfg.Jobs.ReapAfter,
		MaxRetries: cfg.Worker.MaxRetries,
	}
	if err := runner.Register("schedule", cfg.Jobs.ScheduleSpec, scheduleJob.Run); err != nil {
		logger.Plain().WithError(err).Fatal("register schedule job failed")
	}
	if err := runner.Register("reap", cfg.Jobs.ReapSpec, reapJob.Run); err != nil {
		logger.Plain().WithError(err).Fatal("register reap job failed")
	}
	runner.Start()

	// Delivery worker
	w := worker.New(store, resolver, worker.Config{
		PollInterval:   cfg.Worker.PollInterval,
		BatchSize:      cfg.Worker.BatchSize,
		MaxRetries:     cfg.Worker.MaxRetries,
		BackoffBase:    cfg.Worker.BackoffBase,
		BackoffCap:     cfg.Worker.BackoffCap,
		RetryCooldown:  cfg.Worker.RetryCooldown,
		SendTimeout:    cfg.Worker.SendTimeout,
		SendsPerSecond: cfg.Worker.SendsPerSecond,
	}, logger)

	workerCtx, cancelWorker := context.WithCancel(ctx)
	workerDone := make(chan struct{})
	go func() {
		defer close(workerDone)
		w.Run(workerCtx)
	}()

	// Admin HTTP
	srv := admin.NewServer(runner, store, health.HTTPHandler(dbpool, tenants), reg, logger)
	httpSrv := &http.Server{Addr: cfg.AdminAddr, Handler: srv.Router()}
	go func() {
		logger.Plain().WithField("addr", httpSrv.Addr).Info("admin HTTP server starting")
		if err := httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Plain().WithError(err).Fatal("admin HTTP server failed")
		}
	}()

	logger.Plain().Info("engine started")

	// Graceful stop
	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGTERM, syscall.SIGINT)
	<-stop

	logger.Plain().Info("Shutting down engine")
	runner.Stop()
	cancelWorker()
	<-workerDone
	shutCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	_ = httpSrv.Shutdown(shutCtx)
	logger.Plain().Info("engine stopped")
}
