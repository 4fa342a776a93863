// Command relayd wires the run/event orchestration core: the run task store,
// the event bus with its delivery gate, the built-in subscribers, the command
// dispatcher, and the stale-run reaper.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus"
	"golang.org/x/sync/errgroup"

	"relay/internal/bus"
	"relay/internal/command"
	"relay/internal/config"
	"relay/internal/gate"
	"relay/internal/lock"
	"relay/internal/logging"
	"relay/internal/reaper"
	"relay/internal/run"
	"relay/internal/run/memory"
	"relay/internal/run/postgres"
	"relay/internal/subscribers"
)

func main() {
	configPath := flag.String("config", "", "path to YAML config file")
	flag.Parse()

	if err := realMain(*configPath); err != nil && !errors.Is(err, context.Canceled) {
		fmt.Fprintf(os.Stderr, "relayd: %v\n", err)
		os.Exit(1)
	}
}

func realMain(configPath string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	logger := logging.NewComponentLogger("relayd")

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	var (
		store    run.Store
		appender subscribers.EventAppender
		pool     *pgxpool.Pool
	)
	if cfg.DatabaseURL != "" {
		pool, err = pgxpool.New(ctx, cfg.DatabaseURL)
		if err != nil {
			return fmt.Errorf("connect database: %w", err)
		}
		defer pool.Close()

		pgStore := postgres.NewStore(pool)
		if err := pgStore.EnsureSchema(ctx); err != nil {
			return err
		}
		if err := lock.EnsureSchema(ctx, pool); err != nil {
			return err
		}
		store = pgStore
		appender = pgStore
		logger.Info("Using Postgres run store")
	} else {
		store = memory.NewStore()
		logger.Info("Using in-memory run store")
	}

	locks, err := lock.New(lock.Config{
		Distributed: cfg.DistributedLocks,
		Pool:        pool,
		DefaultTTL:  cfg.LockTTL,
	})
	if err != nil {
		return err
	}

	admission := gate.New(store, gate.Config{
		AllowedTypes: cfg.AllowedTypes,
		CacheTTL:     cfg.GateCacheTTL,
	})

	eventBus := bus.New(bus.WithGate(admission))
	defer eventBus.Close()

	broadcaster := subscribers.NewBroadcaster(cfg.ClientBuffer)
	eventBus.Subscribe(broadcaster)
	eventBus.Subscribe(subscribers.NewHistory(0))
	eventBus.Subscribe(subscribers.NewMetrics(prometheus.DefaultRegisterer))
	if appender != nil {
		eventBus.Subscribe(subscribers.NewPersister(appender))
	}

	dispatcher := command.NewDispatcher(logger)
	dispatcher.Register(command.NewStartRunHandler(store, eventBus, locks, cfg.LockTTL))
	dispatcher.Register(command.NewCancelRunHandler(store, eventBus, admission))
	dispatcher.Register(command.NewRunStatusHandler(store, eventBus))

	sweeper := reaper.New(store, eventBus, reaper.Config{
		Timeout:     cfg.RunTimeout,
		Interval:    cfg.ReapInterval,
		BatchSize:   cfg.ReapBatchSize,
		MaxPerSweep: cfg.ReapMaxPerSweep,
		Logger:      logging.NewComponentLogger("Reaper"),
	})

	group, groupCtx := errgroup.WithContext(ctx)
	group.Go(func() error {
		return sweeper.Run(groupCtx)
	})

	logger.Info("relayd up: run_timeout=%s reap_interval=%s distributed_locks=%t",
		cfg.RunTimeout, cfg.ReapInterval, cfg.DistributedLocks)

	// Close drains each subscriber's queue before the workers exit.
	return group.Wait()
}
