package main

import (
	"context"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/dedezza1D/hookflow/internal/bootstrap"
	"github.com/dedezza1D/hookflow/internal/cannon"
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

	logger, err := bootstrap.Logger(cfg, "hookflow-cannon")
	if err != nil {
		panic(err)
	}
	defer func() { _ = logger.Sync() }()

	shutdownTracing, err := bootstrap.Tracing(context.Background(), cfg, "cannon")
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

	seen, closeDedup, err := bootstrap.OpenDedup(context.Background(), cfg, logger)
	if err != nil {
		logger.Fatal("redis connection failed", zap.Error(err))
	}
	defer closeDedup()

	notifier, err := bootstrap.Notifier(context.Background(), cfg, logger)
	if err != nil {
		logger.Fatal("notifier init failed", zap.Error(err))
	}

	c := cannon.New(bootstrap.CannonConfig(cfg), cannon.Deps{
		Logger:     logger,
		Store:      st,
		Queue:      q,
		Resolver:   net.DefaultResolver,
		HTTPClient: &http.Client{},
		Notifier:   notifier,
		Scheduler:  scheduler.New(bootstrap.SchedulerConfig(cfg), logger, st, q),
		Dedup:      seen,
	})

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-stop
		logger.Info("shutdown signal received")
		c.Stop()
	}()

	if err := c.Start(context.Background()); err != nil {
		logger.Error("cannon stopped with error", zap.Error(err))
		return
	}
	logger.Info("cannon stopped")
}
