package events

import (
	"encoding/json"
	"time"

	"github.com/dedezza1D/hookflow/internal/store"
	"github.com/google/uuid"
)

type MessageType string

const (
	TypeTaskTrigger    MessageType = "task_trigger"
	TypeTaskResult     MessageType = "task_result"
	TypeTaskProgress   MessageType = "task_progress"
	TypeWebhookEvent   MessageType = "webhook_event"
	TypeWebhookTrigger MessageType = "webhook_trigger"
)

// Envelope is shared by every message on the bus. ID is fresh per instance,
// including each retry, and is what receivers deduplicate on.
type Envelope struct {
	Type      MessageType `json:"type"`
	ID        string      `json:"id"`
	Timestamp int64       `json:"timestamp"`
}

func NewEnvelope(t MessageType, now time.Time) Envelope {
	return Envelope{Type: t, ID: uuid.NewString(), Timestamp: now.UnixMilli()}
}

func (e Envelope) EnvelopeID() string { return e.ID }

// PeekType decodes only the discriminant.
func PeekType(data []byte) (MessageType, error) {
	var e struct {
		Type MessageType `json:"type"`
	}
	if err := json.Unmarshal(data, &e); err != nil {
		return "", err
	}
	return e.Type, nil
}

type TaskInfo struct {
	ID       string         `json:"id"`
	Type     store.TaskType `json:"type"`
	Snapshot *store.Task    `json:"snapshot,omitempty"`
}

func InfoOf(t *store.Task) TaskInfo {
	return TaskInfo{ID: t.ID, Type: t.Type, Snapshot: t}
}

type TaskTrigger struct {
	Envelope
	Task TaskInfo `json:"task"`
}

type TaskError struct {
	Message     string `json:"message"`
	Unretriable bool   `json:"unretriable,omitempty"`
}

type TaskResult struct {
	Envelope
	Task   TaskInfo          `json:"task"`
	Error  *TaskError        `json:"error,omitempty"`
	Output *store.TaskOutput `json:"output,omitempty"`
}

type TaskProgress struct {
	Envelope
	Task     TaskInfo `json:"task"`
	Progress float64  `json:"progress"`
	Step     string   `json:"step,omitempty"`
}

type WebhookEvent struct {
	Envelope
	Event     EventKey        `json:"event"`
	UserID    string          `json:"userId"`
	StreamID  string          `json:"streamId,omitempty"`
	SessionID string          `json:"sessionId,omitempty"`
	Payload   json.RawMessage `json:"payload,omitempty"`
}

func NewWebhookEvent(key EventKey, userID string, payload any, now time.Time) (WebhookEvent, error) {
	ev := WebhookEvent{
		Envelope: NewEnvelope(TypeWebhookEvent, now),
		Event:    key,
		UserID:   userID,
	}
	if payload != nil {
		raw, err := json.Marshal(payload)
		if err != nil {
			return WebhookEvent{}, err
		}
		ev.Payload = raw
	}
	return ev, nil
}

// WebhookTrigger pairs one event with one subscribed webhook. Retries thread
// the same trigger through the queue with a new envelope each time.
type WebhookTrigger struct {
	Envelope
	Event                   *WebhookEvent  `json:"event"`
	Webhook                 *store.Webhook `json:"webhook"`
	Stream                  *store.Stream  `json:"stream,omitempty"`
	User                    *store.User    `json:"user"`
	Retries                 int            `json:"retries"`
	LastInterval            int64          `json:"lastInterval"`
	LastFailureNotification int64          `json:"lastFailureNotification,omitempty"`
}

type TaskPayload struct {
	Task TaskInfo `json:"task"`
}

type AssetPayload struct {
	Asset struct {
		ID       string       `json:"id"`
		Snapshot *store.Asset `json:"snapshot"`
	} `json:"asset"`
}

func AssetPayloadOf(a *store.Asset) AssetPayload {
	var p AssetPayload
	p.Asset.ID = a.ID
	p.Asset.Snapshot = a
	return p
}
