package cannon

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/dedezza1D/hookflow/internal/events"
	"github.com/dedezza1D/hookflow/internal/notify"
	"github.com/dedezza1D/hookflow/internal/observability"
	"go.uber.org/zap"
)

// Retry re-publishes trigger with a fresh envelope after the next backoff
// interval. Once the retry budget is spent it abandons the delivery instead.
func (c *Cannon) Retry(ctx context.Context, trigger *events.WebhookTrigger, errMsg string) error {
	if c.cfg.Retry.Exhausted(trigger.Retries) {
		c.abandon(ctx, trigger, errMsg)
		return nil
	}

	next := c.cfg.Retry.Next(time.Duration(trigger.LastInterval) * time.Millisecond)
	nt := *trigger
	nt.Envelope = events.NewEnvelope(events.TypeWebhookTrigger, c.now())
	nt.Retries = trigger.Retries + 1
	nt.LastInterval = next.Milliseconds()

	if err := c.queue.PublishDelayed(ctx, events.WebhookTriggersKey, nt, next); err != nil {
		return fmt.Errorf("publish webhook retry: %w", err)
	}
	observability.WebhookRetriesTotal.Inc()
	c.logger.Info("webhook retry scheduled",
		zap.String("webhook_id", trigger.Webhook.ID),
		zap.Int("retries", nt.Retries),
		zap.Duration("delay", next),
		zap.String("error", errMsg),
	)
	return nil
}

// abandon parks the trigger on the dead-letter key and tells the owner, at
// most once per notify interval.
func (c *Cannon) abandon(ctx context.Context, trigger *events.WebhookTrigger, errMsg string) {
	hook := trigger.Webhook
	logger := c.logger.With(zap.String("webhook_id", hook.ID), zap.Int("retries", trigger.Retries))
	logger.Warn("webhook retries exhausted; giving up", zap.String("error", errMsg))

	dead := *trigger
	dead.Envelope = events.NewEnvelope(events.TypeWebhookTrigger, c.now())
	if err := c.queue.Publish(ctx, events.WebhookDeadLetterKey, dead); err != nil {
		logger.Warn("publish dead letter", zap.Error(err))
	}

	if err := c.NotifyFailedWebhook(ctx, trigger, errMsg); err != nil {
		logger.Warn("webhook failure notification", zap.Error(err))
	}
}

// NotifyFailedWebhook mails the webhook owner unless a notification already
// went out within the notify interval, then records when it did.
func (c *Cannon) NotifyFailedWebhook(ctx context.Context, trigger *events.WebhookTrigger, errMsg string) error {
	hook := trigger.Webhook
	now := c.now()

	last := trigger.LastFailureNotification
	current, err := c.store.Webhooks.Get(ctx, hook.ID)
	if err == nil && current.Status.LastFailureNotification > last {
		last = current.Status.LastFailureNotification
	}
	if last != 0 && now.Sub(time.UnixMilli(last)) <= c.cfg.FailureNotifyInterval {
		return nil
	}
	if trigger.User.Email == "" {
		return errors.New("webhook owner has no email")
	}

	failure := notify.WebhookFailure{
		UserName:    trigger.User.FirstName,
		WebhookName: hook.Name,
		WebhookURL:  hook.URL,
		WebhookID:   hook.ID,
		Event:       string(trigger.Event.Event),
		Error:       errMsg,
		Retries:     trigger.Retries,
		At:          now,
	}
	if current != nil && current.Status.LastFailure != nil {
		failure.StatusCode = current.Status.LastFailure.StatusCode
		failure.Response = current.Status.LastFailure.Response
	}
	subject, body := notify.WebhookFailureEmail(c.cfg.FrontendDomain, failure)
	if err := c.notifier.Send(ctx, trigger.User.Email, subject, body); err != nil {
		return fmt.Errorf("send notification: %w", err)
	}

	if current != nil {
		status := current.Status
		status.LastFailureNotification = now.UnixMilli()
		if _, err := c.store.Webhooks.Update(ctx, hook.ID, map[string]any{"status": status}); err != nil {
			return fmt.Errorf("persist notification time: %w", err)
		}
	}
	c.logger.Info("webhook failure notification sent", zap.String("webhook_id", hook.ID), zap.String("user_id", trigger.User.ID))
	return nil
}
