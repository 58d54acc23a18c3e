package pubsub

import (
	"context"
	"encoding/json"
	"fmt"
)

// Topic[T] binds a topic name to its JSON payload type.
type Topic[T any] struct {
	name string
}

// NewTopic creates a typed topic.
func NewTopic[T any](name string) Topic[T] {
	return Topic[T]{name: name}
}

// Name returns the topic name.
func (t Topic[T]) Name() string {
	return t.name
}

// Labeled payloads copy their labels into the message metadata, where the
// tracing middleware records them as span attributes
type Labeled interface {
	Labels() map[string]string
}

// Publish sends a typed payload. The compiler ensures 'payload' matches 'T'.
func Publish[T any](ctx context.Context, p Publisher, topic Topic[T], source string, payload T) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to encode %s payload: %w", topic.name, err)
	}
	msg := Message{
		Topic:   topic.name,
		Source:  source,
		Payload: data,
	}
	if labeled, ok := any(payload).(Labeled); ok {
		msg.Metadata = labeled.Labels()
	}
	return p.Publish(ctx, msg)
}

// Decode reads a message published on the topic
func (t Topic[T]) Decode(msg Message) (T, error) {
	var out T
	if msg.Topic != "" && msg.Topic != t.name {
		return out, fmt.Errorf("message for topic %q decoded as %q", msg.Topic, t.name)
	}
	if err := json.Unmarshal(msg.Payload, &out); err != nil {
		return out, fmt.Errorf("failed to decode %s payload: %w", t.name, err)
	}
	return out, nil
}

// Subscribe decodes each message before handing it to fn. Payloads that do
// not decode are reported as handler errors.
func Subscribe[T any](ctx context.Context, s Subscriber, topic Topic[T], fn func(ctx context.Context, source string, payload T) error) error {
	return s.Subscribe(ctx, topic.name, func(ctx context.Context, msg Message) error {
		payload, err := topic.Decode(msg)
		if err != nil {
			return err
		}
		return fn(ctx, msg.Source, payload)
	})
}
