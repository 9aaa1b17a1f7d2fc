package retry

import "time"

const (
	TaskMaxRetries     = 2
	TaskRetryBaseDelay = 30 * time.Second

	WebhookBaseInterval = 5 * time.Second
	WebhookBackoffCoef  = 2
	WebhookMaxBackoff   = time.Hour
	WebhookMaxRetries   = 33
)

// TaskRetryDelay is the wait before the n-th task retry is re-enqueued.
func TaskRetryDelay(retries int, base time.Duration) time.Duration {
	if retries < 1 {
		retries = 1
	}
	return time.Duration(retries) * base
}

// Capped doubles base once per attempt after the first, never exceeding max.
func Capped(base, max time.Duration, attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	d := base
	for i := 1; i < attempt; i++ {
		d *= 2
		if d >= max {
			return max
		}
	}
	if d > max {
		return max
	}
	return d
}

// Webhook is the delivery retry policy.
type Webhook struct {
	Base       time.Duration
	Max        time.Duration
	MaxRetries int
}

func DefaultWebhook() Webhook {
	return Webhook{Base: WebhookBaseInterval, Max: WebhookMaxBackoff, MaxRetries: WebhookMaxRetries}
}

// Next returns the interval following last; a zero last starts at Base.
func (p Webhook) Next(last time.Duration) time.Duration {
	if last <= 0 {
		return p.Base
	}
	next := last * WebhookBackoffCoef
	if next > p.Max || next < last {
		return p.Max
	}
	return next
}

func (p Webhook) Exhausted(retries int) bool {
	return retries >= p.MaxRetries
}
