// Package queuetest provides an in-process queue.Queue that records what was
// published, for handler tests that never reach a broker.
package queuetest

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/dedezza1D/hookflow/internal/queue"
)

type Published struct {
	Key   string
	Data  []byte
	Delay time.Duration
}

// Decode unmarshals the recorded payload into v.
func (p Published) Decode(v any) error {
	return json.Unmarshal(p.Data, v)
}

type Recorder struct {
	mu      sync.Mutex
	msgs    []Published
	relayed []string

	// Fail, when set, is consulted before each publish.
	Fail func(key string) error
}

func NewRecorder() *Recorder { return &Recorder{} }

func (r *Recorder) Publish(ctx context.Context, routingKey string, v any) error {
	return r.PublishDelayed(ctx, routingKey, v, 0)
}

func (r *Recorder) PublishDelayed(_ context.Context, routingKey string, v any, delay time.Duration) error {
	if r.Fail != nil {
		if err := r.Fail(routingKey); err != nil {
			return err
		}
	}
	b, err := json.Marshal(v)
	if err != nil {
		return err
	}
	r.mu.Lock()
	r.msgs = append(r.msgs, Published{Key: routingKey, Data: b, Delay: delay})
	r.mu.Unlock()
	return nil
}

func (r *Recorder) Consume(ctx context.Context, _ queue.ConsumerConfig, _ queue.Handler) error {
	<-ctx.Done()
	return nil
}

func (r *Recorder) RunDelayRelay(ctx context.Context, topics ...string) error {
	r.mu.Lock()
	r.relayed = append(r.relayed, topics...)
	r.mu.Unlock()
	<-ctx.Done()
	return nil
}

// Relayed lists the topics RunDelayRelay was asked to drain.
func (r *Recorder) Relayed() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.relayed...)
}

func (r *Recorder) Close() {}

func (r *Recorder) All() []Published {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Published(nil), r.msgs...)
}

// Keys lists routing keys in publish order.
func (r *Recorder) Keys() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, 0, len(r.msgs))
	for _, m := range r.msgs {
		out = append(out, m.Key)
	}
	return out
}

// Find returns the published messages whose routing key is key.
func (r *Recorder) Find(key string) []Published {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []Published
	for _, m := range r.msgs {
		if m.Key == key {
			out = append(out, m)
		}
	}
	return out
}

func (r *Recorder) Reset() {
	r.mu.Lock()
	r.msgs = nil
	r.mu.Unlock()
}

var _ queue.Queue = (*Recorder)(nil)
