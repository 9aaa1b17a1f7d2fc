package queue

import (
	"strconv"
	"time"
)

func dueHeaders(target string, due time.Time) map[string]string {
	return map[string]string{
		HeaderTarget: target,
		HeaderDue:    strconv.FormatInt(due.UnixMilli(), 10),
	}
}

// untilDue returns how long a delayed message still has to wait. Malformed
// due headers count as due.
func untilDue(h map[string]string, now time.Time) time.Duration {
	ms, err := strconv.ParseInt(h[HeaderDue], 10, 64)
	if err != nil {
		return 0
	}
	if d := time.UnixMilli(ms).Sub(now); d > 0 {
		return d
	}
	return 0
}

type relayStep int

const (
	relayDrop relayStep = iota
	relayPublish
	relayRequeue
)

func (s relayStep) String() string {
	switch s {
	case relayPublish:
		return "publish"
	case relayRequeue:
		return "requeue"
	default:
		return "drop"
	}
}

// planRelay decides what a log-based relay does with a delayed message at
// now, and how long it pauses first. A message that is not due goes to the
// back of the delayed topic so it never holds up the ones behind it. The
// relay only pauses on a message it requeued less than idle ago, which
// means it has gone round the whole backlog.
func planRelay(h map[string]string, now time.Time, idle time.Duration) (relayStep, time.Duration) {
	if h[HeaderTarget] == "" {
		return relayDrop, 0
	}

	var pause time.Duration
	if ms, err := strconv.ParseInt(h[HeaderRequeued], 10, 64); err == nil {
		if d := time.UnixMilli(ms).Add(idle).Sub(now); d > 0 {
			pause = d
		}
	}

	if wait := untilDue(h, now); wait <= pause {
		return relayPublish, wait
	}
	return relayRequeue, pause
}

func requeueHeaders(h map[string]string, now time.Time) map[string]string {
	return map[string]string{
		HeaderTarget:   h[HeaderTarget],
		HeaderDue:      h[HeaderDue],
		HeaderRequeued: strconv.FormatInt(now.UnixMilli(), 10),
	}
}
