package main

import (
	"context"
	"fmt"

	"github.com/dedezza1D/hookflow/internal/bootstrap"
	"github.com/dedezza1D/hookflow/internal/config"
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

	logger, err := bootstrap.Logger(cfg, "hookflow-js-info")
	if err != nil {
		panic(err)
	}
	defer func() { _ = logger.Sync() }()

	q, err := queue.NewJetStream(context.Background(), bootstrap.QueueConfig(cfg), logger)
	if err != nil {
		logger.Fatal("nats connection failed", zap.Error(err))
	}
	defer q.Close()

	info, err := q.StreamInfo()
	if err != nil {
		logger.Fatal("StreamInfo failed", zap.Error(err))
	}

	fmt.Println("STREAM:", info.Config.Name)
	fmt.Println("SUBJECTS:")
	for _, s := range info.Config.Subjects {
		fmt.Println(" -", s)
	}
	fmt.Println("STATE:", "msgs=", info.State.Msgs, "bytes=", info.State.Bytes, "consumers=", info.State.Consumers)
}
