// Command dispatcher runs the supervisor loop and the per-account workers
// in one process.
package main

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/fairyhunter13/scrape-orchestrator/internal/adapter/executor/stub"
	"github.com/fairyhunter13/scrape-orchestrator/internal/adapter/observability"
	"github.com/fairyhunter13/scrape-orchestrator/internal/adapter/queue/kafka"
	"github.com/fairyhunter13/scrape-orchestrator/internal/adapter/queue/local"
	"github.com/fairyhunter13/scrape-orchestrator/internal/adapter/repo/postgres"
	"github.com/fairyhunter13/scrape-orchestrator/internal/config"
	"github.com/fairyhunter13/scrape-orchestrator/internal/dispatcher"
	"github.com/fairyhunter13/scrape-orchestrator/internal/domain"
	"github.com/fairyhunter13/scrape-orchestrator/internal/router"
	"github.com/fairyhunter13/scrape-orchestrator/internal/service/dmlimiter"
	"github.com/fairyhunter13/scrape-orchestrator/internal/worker"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		panic(err)
	}
	slog.SetDefault(observability.SetupLogger(cfg, "dispatcher"))

	if len(cfg.WorkerAccounts) == 0 {
		slog.Error("no worker accounts configured, set WORKER_ACCOUNTS")
		os.Exit(1)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	pool, err := postgres.NewPool(ctx, cfg.DBURL)
	if err != nil {
		slog.Error("db connect failed", slog.Any("error", err))
		os.Exit(1)
	}
	defer pool.Close()

	store := postgres.NewStore(pool)
	if err := store.EnsureSchema(ctx); err != nil {
		slog.Error("schema setup failed", slog.Any("error", err))
		os.Exit(1)
	}
	locker := postgres.NewAdvisory(pool)
	cleanup := postgres.NewCleanupService(pool, cfg.CleanupStaleDays, cfg.CleanupFinishedDays)

	taskQueues, dispatcherResults, workerResults, closeQueues, err := buildTransport(cfg)
	if err != nil {
		slog.Error("transport setup failed", slog.Any("error", err))
		os.Exit(1)
	}
	defer closeQueues()

	rt := router.New(router.Config{
		MaxInflightPerAccount:   cfg.MaxInflightPerAccount,
		TokensCapacity:          cfg.TokensCapacity,
		TokensRefillPerSec:      cfg.TokensRefillPerSec,
		BaseBackoff:             cfg.BaseBackoff,
		MaxBackoff:              cfg.MaxBackoff,
		Jitter:                  cfg.BackoffJitter,
		AgingStep:               cfg.AgingStep,
		AgingCap:                cfg.AgingCap,
		LoadBalanceWeight:       cfg.LoadBalanceWeight,
		TokenAvailabilityWeight: cfg.TokenAvailabilityWeight,
		UrgencyWeight:           cfg.UrgencyWeight,
		DefaultBatchSize:        cfg.DefaultBatchSize,
		MaxAttempts:             cfg.MaxAttempts,
	}, store, taskQueues)

	d, err := dispatcher.New(dispatcher.Config{
		Accounts:             cfg.WorkerAccounts,
		TickSleep:            cfg.TickSleep,
		ScanInterval:         cfg.ScanInterval,
		LeaseCleanupInterval: cfg.LeaseCleanupInterval,
		CleanupInterval:      cfg.CleanupInterval,
		MaxReclaimedPerRun:   cfg.MaxReclaimedPerRun,
		AnalyzeSkipRecent:    cfg.AnalyzeSkipRecent,
	}, store, locker, rt, dispatcherResults, cleanup)
	if err != nil {
		slog.Error("dispatcher setup failed", slog.Any("error", err))
		os.Exit(1)
	}

	dm := dmlimiter.New()
	var wg sync.WaitGroup
	for _, acc := range cfg.WorkerAccounts {
		w := worker.New(worker.Config{
			AccountID:         acc,
			PollInterval:      cfg.WorkerPollInterval,
			HeartbeatInterval: cfg.WorkerHeartbeat,
		}, store, taskQueues[acc], workerResults, stub.Factory(acc))
		w.UseDMLimiter(dm)
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := w.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
				slog.Error("worker exited", slog.Any("error", err))
			}
		}()
	}

	go func() {
		stop := make(chan os.Signal, 1)
		signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
		sig := <-stop
		slog.Info("shutting down", slog.String("signal", sig.String()))
		cancel()
	}()

	if err := d.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		slog.Error("dispatcher failed", slog.Any("error", err))
	}

	done := make(chan struct{})
	go func() { wg.Wait(); close(done) }()
	select {
	case <-done:
	case <-time.After(cfg.ShutdownTimeout):
		slog.Warn("workers did not stop in time")
	}
}

// buildTransport wires the task/result queues for the configured backend.
// With the local backend the dispatcher and workers share in-process FIFOs;
// with kafka each account gets a single-partition topic and results flow
// through a shared topic.
func buildTransport(cfg config.Config) (map[string]domain.TaskQueue, domain.ResultQueue, domain.ResultQueue, func(), error) {
	taskQueues := map[string]domain.TaskQueue{}

	if cfg.QueueBackend != "kafka" {
		results := local.NewResultQueue(0)
		for _, acc := range cfg.WorkerAccounts {
			taskQueues[acc] = local.NewTaskQueue(0)
		}
		return taskQueues, results, results, func() {}, nil
	}

	var closers []func()
	closeAll := func() {
		for _, c := range closers {
			c()
		}
	}
	for _, acc := range cfg.WorkerAccounts {
		q, err := kafka.NewTaskQueue(cfg.KafkaBrokers, cfg.KafkaTaskPrefix, acc)
		if err != nil {
			closeAll()
			return nil, nil, nil, nil, err
		}
		closers = append(closers, q.Close)
		taskQueues[acc] = q
	}
	consumer, err := kafka.NewResultConsumer(cfg.KafkaBrokers, cfg.KafkaResultTopic, "scrape-dispatcher")
	if err != nil {
		closeAll()
		return nil, nil, nil, nil, err
	}
	closers = append(closers, consumer.Close)
	producer, err := kafka.NewResultProducer(cfg.KafkaBrokers, cfg.KafkaResultTopic)
	if err != nil {
		closeAll()
		return nil, nil, nil, nil, err
	}
	closers = append(closers, producer.Close)
	return taskQueues, consumer, producer, closeAll, nil
}
