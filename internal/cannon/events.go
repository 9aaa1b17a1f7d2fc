package cannon

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/dedezza1D/hookflow/internal/apierr"
	"github.com/dedezza1D/hookflow/internal/events"
	"github.com/dedezza1D/hookflow/internal/queue"
	"github.com/dedezza1D/hookflow/internal/store"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// HandleEventsQueue fans one business event out to every webhook subscribed
// to it. It acks only once every trigger is durably published.
func (c *Cannon) HandleEventsQueue(ctx context.Context, m queue.Message) queue.Action {
	if strings.HasSuffix(m.Subject, ".delayedEmits") {
		return queue.Ack()
	}

	var ev events.WebhookEvent
	if err := json.Unmarshal(m.Data, &ev); err != nil {
		c.logger.Error("malformed event; dropping", zap.String("routing_key", m.Subject), zap.Error(err))
		return queue.Ack()
	}
	if ev.Type != events.TypeWebhookEvent {
		c.logger.Warn("unexpected message on events topic", zap.String("routing_key", m.Subject), zap.String("type", string(ev.Type)))
		return queue.Ack()
	}
	if !ev.Event.Valid() {
		c.logger.Warn("unknown event key; dropping", zap.String("event", string(ev.Event)), zap.String("event_id", ev.ID))
		return queue.Ack()
	}

	// in-flight work outlives Stop
	ctx = context.WithoutCancel(ctx)

	if c.seen(ctx, ev.ID) {
		c.logger.Debug("duplicate event", zap.String("event_id", ev.ID))
		return queue.Ack()
	}

	err := c.processEvent(ctx, &ev)
	if err == nil {
		c.markDone(ctx, ev.ID)
		return queue.Ack()
	}
	if apierr.IsUnprocessable(err) {
		c.logger.Info("event not deliverable; dropping", zap.String("event", string(ev.Event)), zap.String("event_id", ev.ID), zap.Error(err))
		return queue.Ack()
	}

	c.logger.Error("process event", zap.String("event", string(ev.Event)), zap.String("event_id", ev.ID), zap.Int("delivered", m.Delivered), zap.Error(err))
	return queue.Nack()
}

// seen treats a failing cache as a miss.
func (c *Cannon) seen(ctx context.Context, id string) bool {
	ok, err := c.dedup.Seen(ctx, id)
	if err != nil {
		c.logger.Warn("dedup lookup failed; processing anyway", zap.String("envelope_id", id), zap.Error(err))
		return false
	}
	return ok
}

func (c *Cannon) markDone(ctx context.Context, id string) {
	if err := c.dedup.MarkDone(ctx, id); err != nil {
		c.logger.Warn("dedup mark failed", zap.String("envelope_id", id), zap.Error(err))
	}
}

func (c *Cannon) processEvent(ctx context.Context, ev *events.WebhookEvent) error {
	switch ev.Event {
	case events.PlaybackAccessControl:
		// answered synchronously elsewhere, never a webhook
		return nil
	case events.RecordingWaiting:
		if err := c.HandleRecordingWaitingChecks(ctx, ev.SessionID, false); err != nil {
			return err
		}
	}

	hooks, err := c.store.Webhooks.Find(ctx, store.Query{
		Where: []store.Cond{
			store.Eq("userId", ev.UserID),
			store.Eq("event", string(ev.Event)),
			store.Not(store.Eq("deleted", "true")),
		},
		Limit: store.MaxLimit,
	})
	if err != nil {
		return fmt.Errorf("find webhooks: %w", err)
	}
	if len(hooks) == store.MaxLimit {
		c.logger.Warn("webhook fan-out capped",
			zap.String("user_id", ev.UserID),
			zap.String("event", string(ev.Event)),
			zap.Int("limit", store.MaxLimit),
		)
	}
	if len(hooks) == 0 {
		return nil
	}

	var stream *store.Stream
	if ev.StreamID != "" {
		s, err := c.store.Streams.Get(ctx, ev.StreamID)
		if errors.Is(err, store.ErrNotFound) {
			return apierr.Unprocessable(fmt.Sprintf("stream %s not found", ev.StreamID))
		}
		if err != nil {
			return fmt.Errorf("get stream: %w", err)
		}
		sanitized := s.Sanitized()
		stream = &sanitized
	}

	user, err := c.store.Users.Get(ctx, ev.UserID)
	if errors.Is(err, store.ErrNotFound) {
		return fmt.Errorf("user %s not found", ev.UserID)
	}
	if err != nil {
		return fmt.Errorf("get user: %w", err)
	}
	if user.Suspended {
		return fmt.Errorf("user %s is suspended", ev.UserID)
	}

	g, gctx := errgroup.WithContext(ctx)
	for i := range hooks {
		hook := hooks[i]
		g.Go(func() error {
			trigger := events.WebhookTrigger{
				Envelope:                events.NewEnvelope(events.TypeWebhookTrigger, c.now()),
				Event:                   ev,
				Webhook:                 &hook,
				Stream:                  stream,
				User:                    user,
				LastFailureNotification: hook.Status.LastFailureNotification,
			}
			if err := c.queue.Publish(gctx, events.WebhookTriggersKey, trigger); err != nil {
				return fmt.Errorf("publish trigger for webhook %s: %w", hook.ID, err)
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}

	c.logger.Debug("event fanned out", zap.String("event", string(ev.Event)), zap.String("event_id", ev.ID), zap.Int("webhooks", len(hooks)))
	return nil
}
