package pubsub

import (
	"context"
	"log/slog"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/ThreeDotsLabs/watermill/pubsub/gochannel"
	"go.opentelemetry.io/otel/trace"
)

// WatermillBridge implements the Publisher and Subscriber interfaces using watermill's GoChannel.
type WatermillBridge struct {
	pub     message.Publisher
	sub     message.Subscriber
	process func(message.HandlerFunc) message.HandlerFunc
	logger  watermill.LoggerAdapter
}

const (
	// Metadata keys used to carry Message fields through watermill
	metaKeySource = "source"
	metaKeyTopic  = "topic"
)

// BridgeOption configures a WatermillBridge
type BridgeOption func(*bridgeOptions)

type bridgeOptions struct {
	tracer trace.Tracer
	buffer int64
}

// WithTracer traces every publish and every handled message
func WithTracer(tracer trace.Tracer) BridgeOption {
	return func(o *bridgeOptions) {
		o.tracer = tracer
	}
}

// WithBuffer sets the per-subscriber output buffer
func WithBuffer(size int64) BridgeOption {
	return func(o *bridgeOptions) {
		o.buffer = size
	}
}

// NewWatermillBridge initializes an in-memory Pub/Sub system.
func NewWatermillBridge(opts ...BridgeOption) *WatermillBridge {
	options := bridgeOptions{buffer: 64}
	for _, opt := range opts {
		opt(&options)
	}

	logger := watermill.NewStdLogger(false, false)
	goChannel := gochannel.NewGoChannel(
		gochannel.Config{OutputChannelBuffer: options.buffer},
		logger,
	)

	wb := &WatermillBridge{
		pub:     goChannel,
		sub:     goChannel,
		process: func(h message.HandlerFunc) message.HandlerFunc { return h },
		logger:  logger,
	}
	if options.tracer != nil {
		wb.pub = NewPublisherTracingMiddleware(goChannel, options.tracer)
		wb.process = TracingMiddleware(options.tracer)
	}
	return wb
}

func mapToWatermillMessage(ctx context.Context, msg Message) *message.Message {
	wmMsg := message.NewMessage(watermill.NewUUID(), msg.Payload)
	wmMsg.SetContext(ctx)

	for k, v := range msg.Metadata {
		wmMsg.Metadata.Set(k, v)
	}
	wmMsg.Metadata.Set(metaKeySource, msg.Source)
	wmMsg.Metadata.Set(metaKeyTopic, msg.Topic)

	return wmMsg
}

func mapToPubSubMessage(wmMsg *message.Message) Message {
	metadata := make(map[string]string)
	for k, v := range wmMsg.Metadata {
		if k != metaKeySource && k != metaKeyTopic {
			metadata[k] = v
		}
	}

	return Message{
		Topic:    wmMsg.Metadata.Get(metaKeyTopic),
		Source:   wmMsg.Metadata.Get(metaKeySource),
		Payload:  wmMsg.Payload,
		Metadata: metadata,
	}
}

// Publish implements the Publisher interface.
func (wb *WatermillBridge) Publish(ctx context.Context, msg Message) error {
	return wb.pub.Publish(msg.Topic, mapToWatermillMessage(ctx, msg))
}

// Subscribe implements the Subscriber interface. Messages are handled in a
// background goroutine until ctx is canceled; cancelling ctx ends the
// subscription but does not cancel a handler that is already running.
func (wb *WatermillBridge) Subscribe(ctx context.Context, topic string, handler Handler) error {
	messages, err := wb.sub.Subscribe(ctx, topic)
	if err != nil {
		return err
	}

	handle := wb.process(func(wmMsg *message.Message) ([]*message.Message, error) {
		return nil, handler(wmMsg.Context(), mapToPubSubMessage(wmMsg))
	})

	handlerCtx := context.WithoutCancel(ctx)
	go func() {
		for wmMsg := range messages {
			wmMsg.SetContext(handlerCtx)
			if _, err := handle(wmMsg); err != nil {
				slog.Error("Failed to handle message", "topic", topic, "msg_id", wmMsg.UUID, "error", err)
			}
			// gochannel redelivers nacked messages until acked, so failures
			// are acked after logging
			wmMsg.Ack()
		}
		slog.Debug("Subscription message loop ended", "topic", topic)
	}()

	return nil
}

// Close shuts the bridge down; running subscriptions end.
func (wb *WatermillBridge) Close() error {
	return wb.sub.Close()
}

// Shutdown lets the DI container close the bridge
func (wb *WatermillBridge) Shutdown() error {
	return wb.Close()
}
