package main

import (
	"context"
	"encoding/json"
	"os"
	"os/signal"
	"syscall"

	"github.com/dedezza1D/hookflow/internal/bootstrap"
	"github.com/dedezza1D/hookflow/internal/config"
	"github.com/dedezza1D/hookflow/internal/events"
	"github.com/dedezza1D/hookflow/internal/queue"
	"github.com/joho/godotenv"
	"go.uber.org/zap"
)

func main() {
	_ = godotenv.Load()

	cfg := config.Load()
	if err := cfg.Validate(); err != nil {
		panic(err)
	}

	logger, err := bootstrap.Logger(cfg, "hookflow-dlq-reader")
	if err != nil {
		panic(err)
	}
	defer func() { _ = logger.Sync() }()

	q, err := bootstrap.OpenQueue(context.Background(), cfg, logger)
	if err != nil {
		logger.Fatal("queue connection failed", zap.Error(err))
	}
	defer q.Close()

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	logger.Info("listening for dead-lettered webhooks", zap.String("routing_key", events.WebhookDeadLetterKey))

	err = q.Consume(ctx, queue.ConsumerConfig{
		Name:        "dlq-reader",
		Topic:       events.TopicWebhooks,
		Pattern:     events.WebhookDeadLetterKey,
		Concurrency: 1,
	}, func(_ context.Context, m queue.Message) queue.Action {
		var trigger events.WebhookTrigger
		if err := json.Unmarshal(m.Data, &trigger); err != nil {
			logger.Error("bad dead letter JSON", zap.Error(err))
			return queue.Ack()
		}
		if trigger.Webhook != nil {
			trigger.Webhook.SharedSecret = ""
		}

		pretty, _ := json.MarshalIndent(trigger, "", "  ")
		logger.Info("dead letter", zap.String("json", string(pretty)))
		return queue.Ack()
	})
	if err != nil {
		logger.Fatal("consume failed", zap.Error(err))
	}
}
