package queue

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/dedezza1D/hookflow/internal/events"
	"go.uber.org/zap"
)

// Headers used by delayed publishing.
const (
	HeaderTarget = "Hookflow-Target"
	HeaderDue    = "Hookflow-Due"

	// HeaderRequeued is when a relay last put a not yet due message back.
	HeaderRequeued = "Hookflow-Requeued"
)

var ErrClosed = errors.New("queue closed")

// Message is one delivery handed to a Handler.
type Message struct {
	Subject   string
	Data      []byte
	Header    map[string]string
	Delivered int
}

// Action tells the consumer loop what to do with a message once the handler
// returns.
type Action struct {
	nack  bool
	delay time.Duration
}

func Ack() Action { return Action{} }

// Nack redelivers after the consumer's configured NackDelay.
func Nack() Action { return Action{nack: true, delay: -1} }

func NackAfter(d time.Duration) Action { return Action{nack: true, delay: d} }

func (a Action) IsAck() bool { return !a.nack }

func (a Action) Delay(def time.Duration) time.Duration {
	if a.delay < 0 {
		return def
	}
	return a.delay
}

func (a Action) String() string {
	if a.nack {
		return "nack"
	}
	return "ack"
}

type Handler func(ctx context.Context, m Message) Action

type ConsumerConfig struct {
	// Name is the durable consumer (NATS) or group suffix (Kafka).
	Name  string
	Topic string
	// Pattern filters routing keys with NATS wildcards. Empty means the
	// whole topic.
	Pattern     string
	Concurrency int
	NackDelay   time.Duration
	MaxDeliver  int
}

func (c ConsumerConfig) filter() string {
	if c.Pattern != "" {
		return c.Pattern
	}
	return c.Topic + ".>"
}

// Queue is the durable pub/sub the scheduler and the cannon run on.
type Queue interface {
	Publish(ctx context.Context, routingKey string, v any) error
	// PublishDelayed hands v to the broker now and makes it visible on
	// routingKey once delay has passed.
	PublishDelayed(ctx context.Context, routingKey string, v any, delay time.Duration) error
	// Consume blocks until ctx is done.
	Consume(ctx context.Context, cfg ConsumerConfig, h Handler) error
	// RunDelayRelay moves due delayed messages of the given topics, or of
	// every topic when none are given, to their target. Blocks until ctx is
	// done.
	RunDelayRelay(ctx context.Context, topics ...string) error
	Close()
}

type Config struct {
	Driver string

	NATSURL     string
	StreamName  string
	AckWait     time.Duration
	PollTimeout time.Duration

	KafkaBrokers     []string
	KafkaGroupPrefix string
}

func New(ctx context.Context, cfg Config, logger *zap.Logger) (Queue, error) {
	switch cfg.Driver {
	case "", "nats":
		return NewJetStream(ctx, cfg, logger)
	case "kafka":
		return NewKafka(cfg, logger)
	default:
		return nil, fmt.Errorf("unknown queue driver %q", cfg.Driver)
	}
}

// envelopeID lets brokers deduplicate publishes of the same envelope.
type envelopeID interface {
	EnvelopeID() string
}

// AllTopics are the logical topics the stream carries.
var AllTopics = []string{events.TopicTask, events.TopicEvents, events.TopicWebhooks}

func relayTopics(topics []string) []string {
	if len(topics) == 0 {
		return AllTopics
	}
	return topics
}

func idOf(v any) string {
	if e, ok := v.(envelopeID); ok {
		return e.EnvelopeID()
	}
	return ""
}
