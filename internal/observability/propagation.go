package observability

import (
	"github.com/nats-io/nats.go"
	kgo "github.com/segmentio/kafka-go"
)

// NATSHeaderCarrier adapts nats.Header to the OpenTelemetry TextMapCarrier interface.
type NATSHeaderCarrier struct {
	H nats.Header
}

func (c NATSHeaderCarrier) Get(key string) string {
	return c.H.Get(key)
}

func (c NATSHeaderCarrier) Set(key string, value string) {
	c.H.Set(key, value)
}

func (c NATSHeaderCarrier) Keys() []string {
	keys := make([]string, 0, len(c.H))
	for k := range c.H {
		keys = append(keys, k)
	}
	return keys
}

// KafkaHeaderCarrier does the same for kafka record headers. Set replaces an
// existing key in place.
type KafkaHeaderCarrier struct {
	H *[]kgo.Header
}

func (c KafkaHeaderCarrier) Get(key string) string {
	for _, h := range *c.H {
		if h.Key == key {
			return string(h.Value)
		}
	}
	return ""
}

func (c KafkaHeaderCarrier) Set(key string, value string) {
	for i, h := range *c.H {
		if h.Key == key {
			(*c.H)[i].Value = []byte(value)
			return
		}
	}
	*c.H = append(*c.H, kgo.Header{Key: key, Value: []byte(value)})
}

func (c KafkaHeaderCarrier) Keys() []string {
	keys := make([]string, 0, len(*c.H))
	for _, h := range *c.H {
		keys = append(keys, h.Key)
	}
	return keys
}
