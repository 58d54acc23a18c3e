package pubsub

import (
	"context"
)

// Topics used by the scripting subsystem
const (
	// TopicLifecycle carries asynchronous domain lifecycle events (after_*
	// and on_commit) for the lifecycle listener
	TopicLifecycle = "script.lifecycle"
	// TopicNotifications carries notify() calls made by scripts
	TopicNotifications = "script.notifications"
)

// Message is the structure passed between components on the bus.
type Message struct {
	// Topic identifies the channel the message belongs to (e.g., "script.lifecycle").
	Topic string
	// Source names the component or script that produced the message.
	Source string
	// Payload contains the raw message data, JSON for typed topics.
	Payload []byte
	// Metadata can contain arbitrary key-value pairs for context.
	Metadata map[string]string
}

// Handler defines the function signature for processing a received message.
type Handler func(ctx context.Context, msg Message) error

// Publisher defines the contract for sending messages to the Pub/Sub system.
type Publisher interface {
	Publish(ctx context.Context, msg Message) error
	Close() error
}

// Subscriber defines the contract for receiving messages from the Pub/Sub system.
type Subscriber interface {
	// Subscribe starts listening to the given topic and processes messages
	// with the handler in the background until ctx is canceled.
	Subscribe(ctx context.Context, topic string, handler Handler) error
	Close() error
}
