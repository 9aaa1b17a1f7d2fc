package notify

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestWebhookFailureEmail(t *testing.T) {
	subject, body := WebhookFailureEmail("livepeer.studio", WebhookFailure{
		UserName:    "Ada",
		WebhookName: "prod hook",
		WebhookURL:  "https://example.com/hook",
		WebhookID:   "wh1",
		Event:       "stream.started",
		StatusCode:  503,
		Retries:     33,
		At:          time.Date(2024, 1, 2, 3, 4, 5, 0, time.UTC),
	})

	assert.Equal(t, "Your webhook prod hook is failing", subject)
	assert.Contains(t, body, "Hi Ada,")
	assert.Contains(t, body, `"stream.started"`)
	assert.Contains(t, body, "after 33 attempts")
	assert.Contains(t, body, "Response status: 503")
	assert.Contains(t, body, "https://livepeer.studio/dashboard/developers/webhooks/wh1")
	assert.NotContains(t, body, "Error:")
}

func TestWebhookFailureEmail_FallsBackToURL(t *testing.T) {
	subject, body := WebhookFailureEmail("example.org", WebhookFailure{
		WebhookURL: "https://example.com/hook",
		Error:      "connection refused",
	})
	assert.Equal(t, "Your webhook https://example.com/hook is failing", subject)
	assert.Contains(t, body, "Hi there,")
	assert.Contains(t, body, "Error: connection refused")
}
