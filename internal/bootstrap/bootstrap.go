// Package bootstrap wires config into the concrete dependencies every binary
// needs.
package bootstrap

import (
	"context"
	"fmt"
	"net/http"

	"github.com/dedezza1D/hookflow/internal/cannon"
	"github.com/dedezza1D/hookflow/internal/config"
	"github.com/dedezza1D/hookflow/internal/dedup"
	"github.com/dedezza1D/hookflow/internal/logging"
	"github.com/dedezza1D/hookflow/internal/notify"
	"github.com/dedezza1D/hookflow/internal/observability"
	"github.com/dedezza1D/hookflow/internal/queue"
	"github.com/dedezza1D/hookflow/internal/retry"
	"github.com/dedezza1D/hookflow/internal/scheduler"
	"github.com/dedezza1D/hookflow/internal/store"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

func Logger(cfg *config.Config, service string) (*zap.Logger, error) {
	return logging.New(logging.Config{Level: cfg.LogLevel, Env: cfg.Env, Service: service})
}

// Tracing sets up tracing for one binary. role is api, scheduler or cannon.
func Tracing(ctx context.Context, cfg *config.Config, role string) (func(context.Context) error, error) {
	return observability.InitTracing(ctx, observability.OTelConfig{
		Role:        role,
		ServiceName: cfg.OTELServiceName,
		Endpoint:    cfg.OTELExporterOTLPEndpoint,
		Env:         cfg.Env,
		SampleRatio: cfg.OTELSampleRatio,
	})
}

// ServeMetrics registers the collectors and serves /metrics on the metrics
// port in the background.
func ServeMetrics(cfg *config.Config, logger *zap.Logger) {
	observability.RegisterMetrics()
	go func() {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.Handler())
		addr := fmt.Sprintf(":%d", cfg.MetricsPort)
		logger.Info("metrics server starting", zap.String("addr", addr))
		if err := http.ListenAndServe(addr, mux); err != nil {
			logger.Warn("metrics server stopped", zap.Error(err))
		}
	}()
}

func OpenStore(ctx context.Context, cfg *config.Config) (*store.Store, error) {
	if cfg.StoreDriver == "memory" {
		return store.NewMemory(), nil
	}
	return store.New(ctx, cfg.DatabaseURL)
}

func OpenQueue(ctx context.Context, cfg *config.Config, logger *zap.Logger) (queue.Queue, error) {
	return queue.New(ctx, QueueConfig(cfg), logger)
}

func QueueConfig(cfg *config.Config) queue.Config {
	return queue.Config{
		Driver:           cfg.QueueDriver,
		NATSURL:          cfg.NATSURL,
		StreamName:       cfg.NATSStreamName,
		AckWait:          cfg.QueueAckWait,
		PollTimeout:      cfg.ConsumerPollTimeout,
		KafkaBrokers:     cfg.KafkaBrokers,
		KafkaGroupPrefix: cfg.KafkaGroupPrefix,
	}
}

// OpenDedup returns the Redis cache when REDIS_ADDR is set and a no-op cache
// otherwise. The returned func releases the connection.
func OpenDedup(ctx context.Context, cfg *config.Config, logger *zap.Logger) (dedup.Cache, func(), error) {
	if cfg.RedisAddr == "" {
		logger.Info("REDIS_ADDR not set; consumer dedup relies on broker redelivery rules only")
		return dedup.Nop{}, func() {}, nil
	}
	r, err := dedup.NewRedis(ctx, cfg.RedisAddr, cfg.DedupTTL)
	if err != nil {
		return nil, nil, err
	}
	return r, func() { _ = r.Close() }, nil
}

// Notifier sends through SES when SES_FROM_EMAIL is set and only logs
// otherwise.
func Notifier(ctx context.Context, cfg *config.Config, logger *zap.Logger) (notify.Sender, error) {
	if cfg.SESFromEmail == "" {
		return notify.LogSender{Logger: logger}, nil
	}
	return notify.NewSESSenderFromEnv(ctx, cfg.AWSRegion, cfg.SESFromEmail)
}

func SchedulerConfig(cfg *config.Config) scheduler.Config {
	return scheduler.Config{
		MaxRetries:        cfg.TaskMaxRetries,
		RetryBaseDelay:    cfg.TaskRetryBaseDelay,
		MaxScheduledTasks: cfg.MaxScheduledTasksPerUser,
		Concurrency:       cfg.ConsumerConcurrency,
		NackDelay:         cfg.NackDelay,
	}
}

func CannonConfig(cfg *config.Config) cannon.Config {
	return cannon.Config{
		VerifyURLs: cfg.WebhookVerifyURLs,
		Timeout:    cfg.WebhookTimeout,
		Retry: retry.Webhook{
			Base:       cfg.WebhookBaseInterval,
			Max:        cfg.WebhookMaxBackoff,
			MaxRetries: cfg.WebhookMaxRetries,
		},
		FailureNotifyInterval:       cfg.WebhookFailureNotifyInterval,
		SessionActivityTimeout:      cfg.SessionActivityTimeout,
		RecordingRecheckDelay:       cfg.RecordingRecheckDelay,
		VODObjectStoreID:            cfg.VODObjectStoreID,
		RecordCatalystObjectStoreID: cfg.RecordCatalystObjectStoreID,
		RecordingBaseURL:            cfg.RecordingBaseURL,
		FrontendDomain:              cfg.FrontendDomain,
		Concurrency:                 cfg.ConsumerConcurrency,
		NackDelay:                   cfg.NackDelay,
	}
}
