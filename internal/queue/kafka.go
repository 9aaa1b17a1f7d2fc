package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/dedezza1D/hookflow/internal/events"
	"github.com/dedezza1D/hookflow/internal/observability"
	kgo "github.com/segmentio/kafka-go"
	"go.opentelemetry.io/otel"
	"go.uber.org/zap"
)

const (
	headerRoutingKey  = "routing-key"
	kafkaDelayedTopic = "-delayed"
)

// Kafka maps each logical topic onto a Kafka topic of the same name and
// carries the routing key in a header. Delays and nacks go through
// <topic>-delayed, drained by RunDelayRelay.
type Kafka struct {
	writer  *kgo.Writer
	cfg     Config
	logger  *zap.Logger
	timeout time.Duration

	// relayIdle is the shortest time between two passes of the relay over
	// the same not yet due message.
	relayIdle  time.Duration
	retryEvery time.Duration
}

func NewKafka(cfg Config, logger *zap.Logger) (*Kafka, error) {
	if len(cfg.KafkaBrokers) == 0 {
		return nil, errors.New("kafka brokers are required")
	}
	if cfg.KafkaGroupPrefix == "" {
		cfg.KafkaGroupPrefix = "hookflow"
	}

	w := &kgo.Writer{
		Addr:                   kgo.TCP(cfg.KafkaBrokers...),
		Balancer:               &kgo.Hash{},
		RequiredAcks:           kgo.RequireAll,
		AllowAutoTopicCreation: true,
	}

	return &Kafka{
		writer:  w,
		cfg:     cfg,
		logger:  logger.With(zap.String("component", "kafka")),
		timeout: 5 * time.Second,

		relayIdle:  time.Second,
		retryEvery: time.Second,
	}, nil
}

func (q *Kafka) Close() {
	if err := q.writer.Close(); err != nil {
		q.logger.Warn("close writer", zap.Error(err))
	}
}

func (q *Kafka) Publish(ctx context.Context, routingKey string, v any) error {
	b, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return q.publishRaw(ctx, events.Topic(routingKey), routingKey, b, nil)
}

func (q *Kafka) PublishDelayed(ctx context.Context, routingKey string, v any, delay time.Duration) error {
	if delay <= 0 {
		return q.Publish(ctx, routingKey, v)
	}
	b, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return q.publishDelayedRaw(ctx, routingKey, b, delay)
}

func (q *Kafka) publishDelayedRaw(ctx context.Context, routingKey string, data []byte, delay time.Duration) error {
	topic := events.Topic(routingKey) + kafkaDelayedTopic
	return q.publishRaw(ctx, topic, routingKey, data, dueHeaders(routingKey, time.Now().Add(delay)))
}

func (q *Kafka) publishRaw(ctx context.Context, topic, routingKey string, data []byte, extra map[string]string) error {
	headers := []kgo.Header{{Key: headerRoutingKey, Value: []byte(routingKey)}}
	otel.GetTextMapPropagator().Inject(ctx, observability.KafkaHeaderCarrier{H: &headers})
	for k, v := range extra {
		headers = append(headers, kgo.Header{Key: k, Value: []byte(v)})
	}

	// small timeout so callers don't hang forever if Kafka is down
	cctx, cancel := context.WithTimeout(ctx, q.timeout)
	defer cancel()

	return q.writer.WriteMessages(cctx, kgo.Message{
		Topic:   topic,
		Key:     []byte(routingKey),
		Value:   data,
		Headers: headers,
		Time:    time.Now(),
	})
}

func (q *Kafka) reader(group, topic string) *kgo.Reader {
	return kgo.NewReader(kgo.ReaderConfig{
		Brokers:        q.cfg.KafkaBrokers,
		GroupID:        q.cfg.KafkaGroupPrefix + "-" + group,
		Topic:          topic,
		MinBytes:       1,
		MaxBytes:       10e6,
		CommitInterval: 0, // manual commits
	})
}

// Consume handles one message at a time so commits stay in partition order.
// A nack re-publishes the message through the delayed topic and commits the
// original.
func (q *Kafka) Consume(ctx context.Context, cfg ConsumerConfig, h Handler) error {
	r := q.reader(cfg.Name, cfg.Topic)
	defer r.Close()

	logger := q.logger.With(zap.String("consumer", cfg.Name), zap.String("filter", cfg.filter()))
	logger.Info("kafka consumer ready", zap.String("topic", cfg.Topic))

	for {
		m, err := r.FetchMessage(ctx)
		if err != nil {
			if ctx.Err() != nil {
				logger.Info("consumer stopped")
				return nil
			}
			logger.Warn("fetch error", zap.Error(err))
			time.Sleep(500 * time.Millisecond)
			continue
		}

		hdr := kafkaHeaders(m.Headers)
		key := hdr[headerRoutingKey]
		if !events.Match(cfg.filter(), key) {
			q.commit(ctx, logger, r, m)
			continue
		}

		mctx := otel.GetTextMapPropagator().Extract(ctx, observability.KafkaHeaderCarrier{H: &m.Headers})
		action := h(mctx, Message{Subject: key, Data: m.Value, Header: hdr, Delivered: 1})
		observability.QueueActionsTotal.WithLabelValues(cfg.Name, action.String()).Inc()

		if !action.IsAck() {
			delay := action.Delay(cfg.NackDelay)
			ok := q.retryPublish(ctx, logger.With(zap.String("routing_key", key)), func() error {
				return q.publishDelayedRaw(mctx, key, m.Value, delay)
			})
			if !ok {
				// uncommitted, so the group hands m out again after a restart
				logger.Info("consumer stopped")
				return nil
			}
		}
		q.commit(ctx, logger, r, m)
	}
}

// retryPublish calls publish until it succeeds or ctx is done. Callers have
// already fetched past the message and must not commit beyond it before it
// is published.
func (q *Kafka) retryPublish(ctx context.Context, logger *zap.Logger, publish func() error) bool {
	for {
		err := publish()
		if err == nil {
			return true
		}
		logger.Warn("publish failed; retrying", zap.Duration("every", q.retryEvery), zap.Error(err))
		t := time.NewTimer(q.retryEvery)
		select {
		case <-ctx.Done():
			t.Stop()
			return false
		case <-t.C:
		}
	}
}

func (q *Kafka) commit(ctx context.Context, logger *zap.Logger, r *kgo.Reader, m kgo.Message) {
	cctx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()
	if err := r.CommitMessages(cctx, m); err != nil {
		logger.Warn("commit error", zap.Error(err))
	}
}

// RunDelayRelay drains <topic>-delayed for each topic. Due messages go to
// their target; the rest are requeued at the back of the delayed topic.
func (q *Kafka) RunDelayRelay(ctx context.Context, topics ...string) error {
	topics = relayTopics(topics)

	wg := &sync.WaitGroup{}
	errs := make(chan error, len(topics))
	for _, topic := range topics {
		wg.Add(1)
		go func(topic string) {
			defer wg.Done()
			if err := q.relayTopic(ctx, topic+kafkaDelayedTopic); err != nil {
				errs <- fmt.Errorf("relay %s: %w", topic, err)
			}
		}(topic)
	}
	wg.Wait()
	close(errs)
	return <-errs
}

func (q *Kafka) relayTopic(ctx context.Context, topic string) error {
	r := q.reader("delay-relay", topic)
	defer r.Close()

	logger := q.logger.With(zap.String("relay", topic))
	for {
		m, err := r.FetchMessage(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			logger.Warn("fetch error", zap.Error(err))
			time.Sleep(500 * time.Millisecond)
			continue
		}

		hdr := kafkaHeaders(m.Headers)
		step, pause := planRelay(hdr, time.Now(), q.relayIdle)
		if pause > 0 {
			t := time.NewTimer(pause)
			select {
			case <-ctx.Done():
				t.Stop()
				return nil
			case <-t.C:
			}
		}

		target := hdr[HeaderTarget]
		mctx := otel.GetTextMapPropagator().Extract(ctx, observability.KafkaHeaderCarrier{H: &m.Headers})
		var publish func() error
		switch step {
		case relayDrop:
			logger.Error("delayed message without target; dropping", zap.Int64("offset", m.Offset))
		case relayPublish:
			publish = func() error {
				return q.publishRaw(mctx, events.Topic(target), target, m.Value, nil)
			}
		case relayRequeue:
			publish = func() error {
				return q.publishRaw(mctx, topic, target, m.Value, requeueHeaders(hdr, time.Now()))
			}
		}
		if publish != nil && !q.retryPublish(ctx, logger.With(zap.String("target", target), zap.Stringer("step", step)), publish) {
			return nil
		}
		q.commit(ctx, logger, r, m)
	}
}

func kafkaHeaders(hs []kgo.Header) map[string]string {
	out := make(map[string]string, len(hs))
	for _, h := range hs {
		out[h.Key] = string(h.Value)
	}
	return out
}
