package events

import (
	"fmt"
	"strings"

	"github.com/dedezza1D/hookflow/internal/store"
)

// Logical topics. On the broker a topic is the first token of a routing key.
const (
	TopicTask     = "task"
	TopicEvents   = "events"
	TopicWebhooks = "webhooks"
)

const (
	WebhookTriggersKey   = "webhooks.triggers"
	WebhookDelayedKey    = "webhooks.delayedEmits"
	WebhookDeadLetterKey = "webhooks.deadLetter"
)

type EventKey string

const (
	StreamStarted EventKey = "stream.started"
	StreamIdle    EventKey = "stream.idle"

	RecordingReady   EventKey = "recording.ready"
	RecordingStarted EventKey = "recording.started"
	RecordingWaiting EventKey = "recording.waiting"

	MultistreamConnected    EventKey = "multistream.connected"
	MultistreamError        EventKey = "multistream.error"
	MultistreamDisconnected EventKey = "multistream.disconnected"

	PlaybackAccessControl EventKey = "playback.accessControl"

	AssetCreated EventKey = "asset.created"
	AssetUpdated EventKey = "asset.updated"
	AssetFailed  EventKey = "asset.failed"
	AssetReady   EventKey = "asset.ready"
	AssetDeleted EventKey = "asset.deleted"

	TaskSpawned   EventKey = "task.spawned"
	TaskUpdated   EventKey = "task.updated"
	TaskCompleted EventKey = "task.completed"
	TaskFailed    EventKey = "task.failed"
)

var EventKeys = []EventKey{
	StreamStarted, StreamIdle,
	RecordingReady, RecordingStarted, RecordingWaiting,
	MultistreamConnected, MultistreamError, MultistreamDisconnected,
	PlaybackAccessControl,
	AssetCreated, AssetUpdated, AssetFailed, AssetReady, AssetDeleted,
	TaskSpawned, TaskUpdated, TaskCompleted, TaskFailed,
}

func (k EventKey) Valid() bool {
	for _, v := range EventKeys {
		if v == k {
			return true
		}
	}
	return false
}

func EventRoutingKey(key EventKey) string {
	return "events." + string(key)
}

func TaskTriggerKey(typ store.TaskType, id string) string {
	return fmt.Sprintf("task.trigger.%s.%s", typ, id)
}

func TaskResultKey(typ store.TaskType, id string) string {
	return fmt.Sprintf("task.result.%s.%s", typ, id)
}

func TaskProgressKey(typ store.TaskType, id string) string {
	return fmt.Sprintf("task.progress.%s.%s", typ, id)
}

// Topic returns the first token of a routing key.
func Topic(routingKey string) string {
	if i := strings.IndexByte(routingKey, '.'); i >= 0 {
		return routingKey[:i]
	}
	return routingKey
}

// Match reports whether key matches pattern, using NATS wildcards:
// "*" matches exactly one token and a trailing ">" matches one or more.
func Match(pattern, key string) bool {
	pt := strings.Split(pattern, ".")
	kt := strings.Split(key, ".")
	for i, p := range pt {
		if p == ">" {
			return i == len(pt)-1 && len(kt) > i
		}
		if i >= len(kt) {
			return false
		}
		if p != "*" && p != kt[i] {
			return false
		}
	}
	return len(pt) == len(kt)
}
