package cannon

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/dedezza1D/hookflow/internal/events"
	"github.com/dedezza1D/hookflow/internal/observability"
	"github.com/dedezza1D/hookflow/internal/queue"
	"github.com/dedezza1D/hookflow/internal/store"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.uber.org/zap"
)

const (
	SignatureHeader = "Livepeer-Signature"
	userAgent       = "livepeer.studio"

	maxResponseBody = 1 << 20
	maxFailureBody  = 1024
	maxRedirects    = 10
)

// deliveryBody is the JSON document POSTed to receivers.
type deliveryBody struct {
	ID        string          `json:"id"`
	WebhookID string          `json:"webhookId"`
	CreatedAt int64           `json:"createdAt"`
	Timestamp int64           `json:"timestamp"`
	Event     events.EventKey `json:"event"`
	Stream    *store.Stream   `json:"stream,omitempty"`
	Payload   json.RawMessage `json:"payload,omitempty"`
}

// Sign returns the hex HMAC-SHA256 of payload keyed by secret.
func Sign(payload []byte, secret string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(payload)
	return hex.EncodeToString(mac.Sum(nil))
}

// SignatureHeaders returns the signature header for payload, or nil when the
// webhook has no shared secret.
func SignatureHeaders(payload []byte, secret string, ts time.Time) map[string]string {
	if secret == "" {
		return nil
	}
	return map[string]string{
		SignatureHeader: "t=" + strconv.FormatInt(ts.UnixMilli(), 10) + ",v1=" + Sign(payload, secret),
	}
}

// HandleWebhooksQueue makes one delivery attempt and always acks. Retries
// travel as new delayed triggers, never as redeliveries.
func (c *Cannon) HandleWebhooksQueue(ctx context.Context, m queue.Message) queue.Action {
	var trigger events.WebhookTrigger
	if err := json.Unmarshal(m.Data, &trigger); err != nil {
		c.logger.Error("malformed webhook trigger; dropping", zap.String("routing_key", m.Subject), zap.Error(err))
		return queue.Ack()
	}
	if trigger.Type != events.TypeWebhookTrigger {
		c.logger.Warn("unexpected message on webhooks topic", zap.String("routing_key", m.Subject), zap.String("type", string(trigger.Type)))
		return queue.Ack()
	}

	ctx = context.WithoutCancel(ctx)
	if c.seen(ctx, trigger.ID) {
		return queue.Ack()
	}

	c.FireHook(ctx, &trigger)
	c.markDone(ctx, trigger.ID)
	return queue.Ack()
}

type attempt struct {
	start      time.Time
	duration   time.Duration
	reqHeaders http.Header
	body       []byte

	status     int
	statusText string
	respHeader http.Header
	respBody   []byte
	redirected bool
	err        error
}

// FireHook delivers trigger once and reports whether the receiver accepted
// it with a 2xx. Server errors and transport failures schedule a retry;
// other rejections do not. Blocked URLs are skipped without a request or
// audit row.
func (c *Cannon) FireHook(ctx context.Context, trigger *events.WebhookTrigger) bool {
	if trigger.Event == nil || trigger.Webhook == nil || trigger.User == nil {
		c.logger.Warn("incomplete webhook trigger; dropping", zap.String("trigger_id", trigger.ID))
		return false
	}
	hook := trigger.Webhook
	ev := trigger.Event
	logger := c.logger.With(
		zap.String("webhook_id", hook.ID),
		zap.String("event", string(ev.Event)),
		zap.String("event_id", ev.ID),
		zap.Int("retries", trigger.Retries),
	)

	ctx, span := otel.Tracer("hookflow/cannon").Start(ctx, "webhook.deliver")
	defer span.End()
	span.SetAttributes(
		attribute.String("webhook.id", hook.ID),
		attribute.String("webhook.event", string(ev.Event)),
		attribute.Int("webhook.retries", trigger.Retries),
	)

	if err := c.CheckURL(ctx, trigger.User, hook.URL); err != nil {
		reason := "invalid_url"
		var be *BlockedError
		if errors.As(err, &be) {
			reason = be.Reason
		}
		observability.WebhookBlockedTotal.WithLabelValues(reason).Inc()
		logger.Warn("webhook not fired", zap.Error(err))
		span.SetStatus(codes.Error, "blocked")
		return false
	}

	now := c.now()
	body, err := json.Marshal(deliveryBody{
		ID:        ev.ID,
		WebhookID: hook.ID,
		CreatedAt: ev.Timestamp,
		Timestamp: now.UnixMilli(),
		Event:     ev.Event,
		Stream:    trigger.Stream,
		Payload:   ev.Payload,
	})
	if err != nil {
		logger.Error("encode webhook body", zap.Error(err))
		return false
	}

	at := c.post(ctx, trigger, body, now)
	span.SetAttributes(attribute.Int("http.status_code", at.status))
	observability.WebhookDeliveryDuration.WithLabelValues(string(ev.Event)).Observe(at.duration.Seconds())

	ok := false
	retryMsg := ""
	switch {
	case at.err != nil:
		retryMsg = at.err.Error()
		observability.WebhookDeliveriesTotal.WithLabelValues(string(ev.Event), "error").Inc()
		logger.Warn("webhook delivery failed", zap.Error(at.err))
	case at.status >= 500:
		retryMsg = fmt.Sprintf("receiver returned %d", at.status)
		observability.WebhookDeliveriesTotal.WithLabelValues(string(ev.Event), "server_error").Inc()
		logger.Warn("webhook receiver error", zap.Int("status", at.status))
	case at.status >= 200 && at.status < 300:
		ok = true
		observability.WebhookDeliveriesTotal.WithLabelValues(string(ev.Event), "success").Inc()
		logger.Debug("webhook delivered", zap.Int("status", at.status), zap.Duration("duration", at.duration))
	default:
		observability.WebhookDeliveriesTotal.WithLabelValues(string(ev.Event), "rejected").Inc()
		logger.Warn("webhook rejected by receiver; not retrying", zap.Int("status", at.status))
	}
	if !ok {
		span.SetStatus(codes.Error, "not delivered")
	}

	c.recordAttempt(ctx, logger, trigger, at, now)

	if retryMsg != "" {
		if err := c.Retry(ctx, trigger, retryMsg); err != nil {
			logger.Error("schedule webhook retry", zap.Error(err))
		}
	}
	return ok
}

func (c *Cannon) post(ctx context.Context, trigger *events.WebhookTrigger, body []byte, now time.Time) attempt {
	at := attempt{start: time.Now(), body: body}

	rctx, cancel := context.WithTimeout(ctx, c.cfg.Timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(rctx, http.MethodPost, trigger.Webhook.URL, bytes.NewReader(body))
	if err != nil {
		at.err = err
		return at
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", userAgent)
	for k, v := range SignatureHeaders(body, trigger.Webhook.SharedSecret, now) {
		req.Header.Set(k, v)
	}
	at.reqHeaders = req.Header.Clone()

	client := *c.http
	client.CheckRedirect = func(r *http.Request, via []*http.Request) error {
		if len(via) >= maxRedirects {
			return fmt.Errorf("stopped after %d redirects", maxRedirects)
		}
		return c.CheckURL(r.Context(), trigger.User, r.URL.String())
	}

	resp, err := client.Do(req)
	at.duration = time.Since(at.start)
	if err != nil {
		at.err = err
		return at
	}
	defer resp.Body.Close()

	at.status = resp.StatusCode
	at.statusText = http.StatusText(resp.StatusCode)
	at.respHeader = resp.Header
	at.redirected = resp.Request != nil && resp.Request.URL.String() != trigger.Webhook.URL
	at.respBody, err = io.ReadAll(io.LimitReader(resp.Body, maxResponseBody))
	if err != nil {
		c.logger.Debug("read webhook response body", zap.Error(err))
	}
	return at
}

// recordAttempt writes the audit row and the webhook status. Both are best
// effort.
func (c *Cannon) recordAttempt(ctx context.Context, logger *zap.Logger, trigger *events.WebhookTrigger, at attempt, now time.Time) {
	hook := trigger.Webhook

	row := &store.WebhookResponse{
		ID:         uuid.NewString(),
		WebhookID:  hook.ID,
		EventID:    trigger.Event.ID,
		UserID:     hook.UserID,
		CreatedAt:  now.UnixMilli(),
		Duration:   at.duration.Seconds(),
		StatusCode: at.status,
		Request: store.WebhookRequestRecord{
			URL:     hook.URL,
			Method:  http.MethodPost,
			Headers: at.reqHeaders,
			Body:    string(at.body),
		},
		Response: store.WebhookResponseRecord{
			Body:       base64.StdEncoding.EncodeToString(at.respBody),
			Headers:    at.respHeader,
			Redirected: at.redirected,
			Status:     at.status,
			StatusText: at.statusText,
		},
	}
	if err := c.store.WebhookResponses.Create(ctx, row); err != nil {
		logger.Error("store webhook response", zap.Error(err))
	}

	status := hook.Status
	if current, err := c.store.Webhooks.Get(ctx, hook.ID); err == nil {
		status = current.Status
	}
	status.LastTriggeredAt = now.UnixMilli()
	if at.status == 0 || at.status >= 300 {
		f := &store.WebhookFailure{Timestamp: now.UnixMilli(), StatusCode: at.status}
		if at.err != nil {
			f.Error = at.err.Error()
		}
		if len(at.respBody) > 0 {
			f.Response = string(truncate(at.respBody, maxFailureBody))
		}
		status.LastFailure = f
	}
	if _, err := c.store.Webhooks.Update(ctx, hook.ID, map[string]any{"status": status}); err != nil {
		logger.Error("update webhook status", zap.Error(err))
	}
}

func truncate(b []byte, n int) []byte {
	if len(b) <= n {
		return b
	}
	return b[:n]
}
