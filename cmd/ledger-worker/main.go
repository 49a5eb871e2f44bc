package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"
	"golang.org/x/sync/errgroup"

	"github.com/angelmondragon/unilevel-ledger/api/routes"
	"github.com/angelmondragon/unilevel-ledger/internal/consumers/accountevents"
	"github.com/angelmondragon/unilevel-ledger/internal/cron"
	"github.com/angelmondragon/unilevel-ledger/pkg/config"
	"github.com/angelmondragon/unilevel-ledger/pkg/db"
	"github.com/angelmondragon/unilevel-ledger/pkg/idempotency"
	"github.com/angelmondragon/unilevel-ledger/pkg/instance"
	"github.com/angelmondragon/unilevel-ledger/pkg/logger"
	"github.com/angelmondragon/unilevel-ledger/pkg/metrics"
	"github.com/angelmondragon/unilevel-ledger/pkg/migrate"
	"github.com/angelmondragon/unilevel-ledger/pkg/pubsub"
	"github.com/angelmondragon/unilevel-ledger/pkg/redis"
)

const (
	serviceName     = "ledger-worker"
	shutdownTimeout = 10 * time.Second
)

func main() {
	logg := logger.New(logger.Options{ServiceName: serviceName})

	if err := godotenv.Load(); err != nil {
		logg.Warn(context.Background(), ".env file not found, relying on environment")
	}

	cfg, err := config.Load()
	if err != nil {
		logg.Error(context.Background(), "failed to load config", err)
		os.Exit(1)
	}
	cfg.Service.Kind = serviceName

	logg = logger.New(logger.Options{
		ServiceName: serviceName,
		Level:       logger.ParseLevel(cfg.App.LogLevel),
		WarnStack:   cfg.App.LogWarnStack,
		Console:     strings.EqualFold(cfg.App.LogFormat, "console"),
	})

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	ctx = logg.WithFields(ctx, map[string]any{
		"env":         cfg.App.Env,
		"serviceKind": cfg.Service.Kind,
		"instance":    instance.GetID(),
	})

	if err := run(ctx, cfg, logg); err != nil && !errors.Is(err, context.Canceled) {
		logg.Error(ctx, "ledger worker stopped unexpectedly", err)
		os.Exit(1)
	}
	logg.Info(ctx, "ledger worker shutting down gracefully")
}

func run(ctx context.Context, cfg *config.Config, logg *logger.Logger) error {
	dbClient, err := db.New(ctx, cfg.DB, db.Options{UseSQLite: cfg.FeatureFlags.UseSQLite}, logg)
	if err != nil {
		return err
	}
	defer func() {
		if err := dbClient.Close(); err != nil {
			logg.Error(context.Background(), "error closing database", err)
		}
	}()

	if err := migrate.MaybeRunDev(ctx, cfg, logg, dbClient); err != nil {
		return err
	}

	redisClient, err := redis.New(ctx, cfg.Redis, logg)
	if err != nil {
		return err
	}
	defer func() {
		if err := redisClient.Close(); err != nil {
			logg.Error(context.Background(), "error closing redis", err)
		}
	}()

	psClient, err := pubsub.NewClient(ctx, cfg.GCP, pubsub.ResourcesFrom(cfg), logg)
	if err != nil {
		return err
	}
	defer func() {
		if err := psClient.Close(); err != nil {
			logg.Error(context.Background(), "error closing pubsub", err)
		}
	}()

	manager, err := idempotency.NewManager(redisClient, cfg.Eventing.IdempotencyTTL)
	if err != nil {
		return err
	}

	// The ledger lives in memory, so only one process may own it.
	lease, err := cron.NewRedisLock(redisClient, redisClient.LockKey("ledger-writer"), cfg.Writer.LeaseTTL)
	if err != nil {
		return err
	}
	logg.Info(ctx, "waiting for ledger writer lease")
	if err := lease.AcquireWait(ctx, cfg.Writer.LeaseRefresh); err != nil {
		return err
	}
	defer func() {
		if err := lease.Release(context.WithoutCancel(ctx)); err != nil {
			logg.Error(context.Background(), "error releasing ledger writer lease", err)
		}
	}()
	logg.Info(ctx, "ledger writer lease acquired")

	reg := prometheus.DefaultRegisterer
	a, err := newApp(ctx, appParams{
		Config:     cfg,
		Logger:     logg,
		DB:         dbClient,
		Redis:      redisClient,
		Publisher:  psClient.SettlementPublisher(),
		Registerer: reg,
	})
	if err != nil {
		return err
	}

	lock, err := cron.NewRedisLock(redisClient, redisClient.LockKey("cron"), cfg.Cron.LockTTL)
	if err != nil {
		return err
	}
	cronService, err := cron.NewService(cron.ServiceParams{
		Logger:   logg,
		Registry: a.jobs,
		Lock:     lock,
		Metrics:  metrics.NewCronJobMetrics(reg),
		Interval: cfg.Cron.Interval,
	})
	if err != nil {
		return err
	}

	subscription := psClient.AccountEventsSubscription()
	if subscription == nil {
		return errors.New("account events subscription not configured")
	}
	consumer, err := accountevents.NewConsumer(a.engine, subscription, manager, logg)
	if err != nil {
		return err
	}

	srv := &http.Server{
		Addr: cfg.App.MetricsAddr,
		Handler: routes.NewOpsRouter(routes.RouterParams{
			Config:   cfg,
			Logger:   logg,
			DB:       dbClient,
			Redis:    redisClient,
			PubSub:   psClient,
			Gatherer: prometheus.DefaultGatherer,
			Ledger:   a.engine,
		}),
		ReadHeaderTimeout: 5 * time.Second,
	}

	logg.Info(logg.WithField(ctx, "addr", cfg.App.MetricsAddr), "starting ledger worker")

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return lease.Hold(gctx, cfg.Writer.LeaseRefresh) })
	g.Go(func() error { return cronService.Run(gctx) })
	g.Go(func() error { return consumer.Run(gctx) })
	g.Go(func() error {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(gctx), shutdownTimeout)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})
	return g.Wait()
}
