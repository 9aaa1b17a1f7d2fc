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
	"github.com/nats-io/nats.go"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

const delayedSuffix = ".delayedEmits"

// JetStream runs every topic as subjects of one stream: task.>, events.>
// and webhooks.>. Delayed messages wait on <topic>.delayedEmits.
type JetStream struct {
	nc     *nats.Conn
	js     nats.JetStreamContext
	cfg    Config
	logger *zap.Logger
}

func NewJetStream(ctx context.Context, cfg Config, logger *zap.Logger) (*JetStream, error) {
	if cfg.AckWait == 0 {
		cfg.AckWait = 30 * time.Second
	}
	if cfg.PollTimeout == 0 {
		cfg.PollTimeout = 2 * time.Second
	}
	if cfg.StreamName == "" {
		cfg.StreamName = "HOOKFLOW"
	}

	nc, err := nats.Connect(cfg.NATSURL,
		nats.Timeout(5*time.Second),
		nats.RetryOnFailedConnect(true),
		nats.MaxReconnects(-1),
	)
	if err != nil {
		return nil, err
	}

	js, err := nc.JetStream()
	if err != nil {
		nc.Close()
		return nil, err
	}

	q := &JetStream{nc: nc, js: js, cfg: cfg, logger: logger.With(zap.String("component", "jetstream"))}
	if err := q.ensureStream(ctx); err != nil {
		nc.Close()
		return nil, err
	}
	return q, nil
}

func (q *JetStream) Close() {
	if q.nc != nil {
		q.nc.Close()
	}
}

func (q *JetStream) StreamInfo() (*nats.StreamInfo, error) {
	return q.js.StreamInfo(q.cfg.StreamName)
}

func desiredSubjects() []string {
	return []string{
		events.TopicTask + ".>",
		events.TopicEvents + ".>",
		events.TopicWebhooks + ".>",
	}
}

func (q *JetStream) ensureStream(ctx context.Context) error {
	desired := desiredSubjects()

	// If stream exists: merge subjects safely and update only if needed.
	if info, err := q.js.StreamInfo(q.cfg.StreamName); err == nil && info != nil {
		merged, changed := mergeSubjects(info.Config.Subjects, desired)
		if !changed {
			return nil
		}

		sc := info.Config
		sc.Subjects = merged
		sc.Name = q.cfg.StreamName

		if _, err := q.js.UpdateStream(&sc); err != nil {
			return fmt.Errorf("update stream: %w", err)
		}
		return nil
	}

	sc := &nats.StreamConfig{
		Name:       q.cfg.StreamName,
		Subjects:   desired,
		Storage:    nats.FileStorage,
		Retention:  nats.LimitsPolicy,
		MaxAge:     7 * 24 * time.Hour,
		Duplicates: 2 * time.Minute,
	}
	if _, err := q.js.AddStream(sc); err != nil {
		return fmt.Errorf("add stream: %w", err)
	}
	return nil
}

func mergeSubjects(existing, desired []string) ([]string, bool) {
	set := make(map[string]struct{}, len(existing)+len(desired))
	out := make([]string, 0, len(existing)+len(desired))

	// keep existing order
	for _, s := range existing {
		if _, ok := set[s]; ok {
			continue
		}
		set[s] = struct{}{}
		out = append(out, s)
	}

	changed := false
	for _, s := range desired {
		if _, ok := set[s]; ok {
			continue
		}
		set[s] = struct{}{}
		out = append(out, s)
		changed = true
	}

	return out, changed
}

func (q *JetStream) Publish(ctx context.Context, routingKey string, v any) error {
	b, err := json.Marshal(v)
	if err != nil {
		return err
	}
	var opts []nats.PubOpt
	if id := idOf(v); id != "" {
		opts = append(opts, nats.MsgId(id))
	}
	return q.publishRaw(ctx, routingKey, b, nil, opts...)
}

func (q *JetStream) PublishDelayed(ctx context.Context, routingKey string, v any, delay time.Duration) error {
	if delay <= 0 {
		return q.Publish(ctx, routingKey, v)
	}
	b, err := json.Marshal(v)
	if err != nil {
		return err
	}
	var opts []nats.PubOpt
	if id := idOf(v); id != "" {
		opts = append(opts, nats.MsgId("delayed:"+id))
	}
	hdr := dueHeaders(routingKey, time.Now().Add(delay))
	return q.publishRaw(ctx, events.Topic(routingKey)+delayedSuffix, b, hdr, opts...)
}

func (q *JetStream) publishRaw(ctx context.Context, subject string, data []byte, extra map[string]string, opts ...nats.PubOpt) error {
	msg := nats.NewMsg(subject)
	msg.Data = data
	otel.GetTextMapPropagator().Inject(ctx, observability.NATSHeaderCarrier{H: msg.Header})
	for k, v := range extra {
		msg.Header.Set(k, v)
	}
	_, err := q.js.PublishMsg(msg, opts...)
	return err
}

// Consume pulls from a durable consumer and runs h on up to cfg.Concurrency
// messages at once.
func (q *JetStream) Consume(ctx context.Context, cfg ConsumerConfig, h Handler) error {
	subOpts := []nats.SubOpt{
		nats.BindStream(q.cfg.StreamName),
		nats.ManualAck(),
		nats.AckExplicit(),
		nats.AckWait(q.cfg.AckWait),
	}
	if cfg.MaxDeliver > 0 {
		subOpts = append(subOpts, nats.MaxDeliver(cfg.MaxDeliver))
	}

	sub, err := q.js.PullSubscribe(cfg.filter(), cfg.Name, subOpts...)
	if err != nil {
		return fmt.Errorf("pull subscribe %s: %w", cfg.Name, err)
	}

	concurrency := cfg.Concurrency
	if concurrency < 1 {
		concurrency = 1
	}

	logger := q.logger.With(zap.String("consumer", cfg.Name), zap.String("filter", cfg.filter()))
	logger.Info("pull subscription ready", zap.String("stream", q.cfg.StreamName), zap.Int("concurrency", concurrency))

	wg := &sync.WaitGroup{}
	sem := make(chan struct{}, concurrency)

	for {
		select {
		case <-ctx.Done():
			wg.Wait()
			logger.Info("consumer stopped")
			return nil
		default:
		}

		msgs, err := sub.Fetch(concurrency, nats.MaxWait(q.cfg.PollTimeout))
		if err != nil {
			if errors.Is(err, nats.ErrTimeout) || errors.Is(err, context.DeadlineExceeded) {
				continue
			}
			if errors.Is(err, nats.ErrConnectionClosed) {
				wg.Wait()
				return ErrClosed
			}
			logger.Warn("fetch error", zap.Error(err))
			continue
		}

		for _, m := range msgs {
			sem <- struct{}{}
			wg.Add(1)

			go func(m *nats.Msg) {
				defer wg.Done()
				defer func() { <-sem }()
				q.dispatch(ctx, logger, cfg, h, m)
			}(m)
		}
	}
}

func (q *JetStream) dispatch(ctx context.Context, logger *zap.Logger, cfg ConsumerConfig, h Handler, m *nats.Msg) {
	if m.Header != nil {
		ctx = otel.GetTextMapPropagator().Extract(ctx, observability.NATSHeaderCarrier{H: m.Header})
	}
	ctx, span := otel.Tracer("hookflow/queue").Start(ctx, "hookflow.consume "+cfg.Name)
	defer span.End()

	delivered := 1
	if md, err := m.Metadata(); err == nil && md != nil && md.NumDelivered > 0 {
		delivered = int(md.NumDelivered)
	}
	span.SetAttributes(
		attribute.String("messaging.subject", m.Subject),
		attribute.Int("messaging.delivered", delivered),
	)

	msg := Message{
		Subject:   m.Subject,
		Data:      m.Data,
		Header:    flattenHeader(m.Header),
		Delivered: delivered,
	}

	stop := q.keepAlive(logger, m)
	action := h(ctx, msg)
	stop()
	observability.QueueActionsTotal.WithLabelValues(cfg.Name, action.String()).Inc()

	var err error
	if action.IsAck() {
		err = m.Ack()
	} else {
		span.SetStatus(codes.Error, "nack")
		err = m.NakWithDelay(action.Delay(cfg.NackDelay))
	}
	if err != nil {
		logger.Warn("settle message failed", zap.String("subject", m.Subject), zap.String("action", action.String()), zap.Error(err))
	}
}

// keepAlive pushes m's ack deadline out every half AckWait until the
// returned stop is called, so a slow handler is not raced by a redelivery.
func (q *JetStream) keepAlive(logger *zap.Logger, m *nats.Msg) (stop func()) {
	every := q.cfg.AckWait / 2
	done := make(chan struct{})
	exited := make(chan struct{})
	go func() {
		defer close(exited)
		t := time.NewTicker(every)
		defer t.Stop()
		for {
			select {
			case <-done:
				return
			case <-t.C:
				if err := m.InProgress(); err != nil {
					logger.Debug("extend ack deadline failed", zap.String("subject", m.Subject), zap.Error(err))
				}
			}
		}
	}()
	return func() {
		close(done)
		<-exited
	}
}

// RunDelayRelay runs one relay consumer per topic so every filter stays a
// literal subset of the stream subjects.
func (q *JetStream) RunDelayRelay(ctx context.Context, topics ...string) error {
	g, ctx := errgroup.WithContext(ctx)
	for _, topic := range relayTopics(topics) {
		topic := topic
		g.Go(func() error {
			return q.Consume(ctx, ConsumerConfig{
				Name:        "delay-relay-" + topic,
				Pattern:     topic + delayedSuffix,
				Concurrency: 16,
				NackDelay:   time.Second,
			}, q.relay)
		})
	}
	return g.Wait()
}

func (q *JetStream) relay(ctx context.Context, m Message) Action {
	if wait := untilDue(m.Header, time.Now()); wait > 0 {
		return NackAfter(wait)
	}
	target := m.Header[HeaderTarget]
	if target == "" {
		q.logger.Error("delayed message without target; dropping", zap.String("subject", m.Subject))
		return Ack()
	}
	if err := q.publishRaw(ctx, target, m.Data, nil); err != nil {
		q.logger.Warn("relay publish failed", zap.String("target", target), zap.Error(err))
		return Nack()
	}
	return Ack()
}

func flattenHeader(h nats.Header) map[string]string {
	out := make(map[string]string, len(h))
	for k := range h {
		out[k] = h.Get(k)
	}
	return out
}
