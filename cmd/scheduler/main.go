package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/dedezza1D/hookflow/internal/bootstrap"
	"github.com/dedezza1D/hookflow/internal/config"
	"github.com/dedezza1D/hookflow/internal/scheduler"
	"github.com/joho/godotenv"
	"go.uber.org/zap"
)

func main() {
	_ = godotenv.Load()

	cfg := config.Load()
	if err := cfg.Validate(); err != nil {
		panic(err)
	}

	logger, err := bootstrap.Logger(cfg, "hookflow-scheduler")
	if err != nil {
		panic(err)
	}
	defer func() { _ = logger.Sync() }()

	shutdownTracing, err := bootstrap.Tracing(context.Background(), cfg, "scheduler")
	if err != nil {
		logger.Fatal("otel init failed", zap.Error(err))
	}
	defer func() { _ = shutdownTracing(context.Background()) }()

	bootstrap.ServeMetrics(cfg, logger)

	st, err := bootstrap.OpenStore(context.Background(), cfg)
	if err != nil {
		logger.Fatal("db connection failed", zap.Error(err))
	}
	defer st.Close()

	q, err := bootstrap.OpenQueue(context.Background(), cfg, logger)
	if err != nil {
		logger.Fatal("queue connection failed", zap.Error(err))
	}
	defer q.Close()

	sched := scheduler.New(bootstrap.SchedulerConfig(cfg), logger, st, q)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-stop
		logger.Info("shutdown signal received")
		cancel()
	}()

	logger.Info("scheduler started",
		zap.Int("concurrency", cfg.ConsumerConcurrency),
		zap.Int("max_retries", cfg.TaskMaxRetries),
		zap.Duration("retry_base_delay", cfg.TaskRetryBaseDelay),
	)
	if err := sched.Run(ctx); err != nil {
		logger.Error("scheduler stopped with error", zap.Error(err))
		return
	}
	logger.Info("scheduler stopped")
}
