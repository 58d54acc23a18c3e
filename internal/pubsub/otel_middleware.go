package pubsub

import (
	"context"
	"sort"

	"github.com/ThreeDotsLabs/watermill/message"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// labelPrefix namespaces message labels on spans, e.g. hookscript.entity_type
const labelPrefix = "hookscript."

// TracingMiddleware wraps message handling in a span per message. The
// handler sees the span through the message context.
func TracingMiddleware(tracer trace.Tracer) func(message.HandlerFunc) message.HandlerFunc {
	return func(h message.HandlerFunc) message.HandlerFunc {
		return func(msg *message.Message) ([]*message.Message, error) {
			topic := msg.Metadata.Get(metaKeyTopic)
			spanCtx, span := startMessageSpan(tracer, msg, "process", topic)
			defer span.End()

			msg.SetContext(spanCtx)
			produced, err := h(msg)
			if err != nil {
				markFailed(span, err)
				return nil, err
			}
			span.SetAttributes(attribute.Int("messaging.messages_produced", len(produced)))
			return produced, nil
		}
	}
}

// PublisherTracingMiddleware wraps a publisher with a span per published
// message
type PublisherTracingMiddleware struct {
	publisher message.Publisher
	tracer    trace.Tracer
}

func NewPublisherTracingMiddleware(publisher message.Publisher, tracer trace.Tracer) *PublisherTracingMiddleware {
	return &PublisherTracingMiddleware{
		publisher: publisher,
		tracer:    tracer,
	}
}

// Publish starts a span per message, hands the batch to the wrapped
// publisher and ends every span once it returns
func (p *PublisherTracingMiddleware) Publish(topic string, messages ...*message.Message) error {
	spans := make([]trace.Span, 0, len(messages))
	for _, msg := range messages {
		spanCtx, span := startMessageSpan(p.tracer, msg, "publish", topic)
		msg.SetContext(spanCtx)
		spans = append(spans, span)
	}

	err := p.publisher.Publish(topic, messages...)
	for _, span := range spans {
		if err != nil {
			markFailed(span, err)
		}
		span.End()
	}
	return err
}

// Close closes the underlying publisher
func (p *PublisherTracingMiddleware) Close() error {
	return p.publisher.Close()
}

func startMessageSpan(tracer trace.Tracer, msg *message.Message, operation, topic string) (context.Context, trace.Span) {
	ctx := msg.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	kind := trace.SpanKindProducer
	if operation == "process" {
		kind = trace.SpanKindConsumer
	}
	return tracer.Start(ctx, "pubsub."+operation+"."+topic,
		trace.WithSpanKind(kind),
		trace.WithAttributes(messageAttributes(msg, operation, topic)...),
	)
}

// messageAttributes describes the message with the messaging conventions
// plus one hookscript.* attribute per label. Labels are sorted so spans of
// the same message kind line up.
func messageAttributes(msg *message.Message, operation, topic string) []attribute.KeyValue {
	attrs := []attribute.KeyValue{
		attribute.String("messaging.system", "watermill"),
		attribute.String("messaging.operation", operation),
		attribute.String("messaging.destination", topic),
		attribute.String("messaging.message_id", msg.UUID),
		attribute.Int("messaging.message_payload_size_bytes", len(msg.Payload)),
		attribute.String("messaging.message_payload_preview", payloadPreview(msg.Payload)),
		attribute.String(labelPrefix+"source", msg.Metadata.Get(metaKeySource)),
	}

	keys := make([]string, 0, len(msg.Metadata))
	for k := range msg.Metadata {
		if k == metaKeySource || k == metaKeyTopic {
			continue
		}
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		attrs = append(attrs, attribute.String(labelPrefix+k, msg.Metadata.Get(k)))
	}
	return attrs
}

func markFailed(span trace.Span, err error) {
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
}

// payloadPreview keeps span attributes small
func payloadPreview(payload []byte) string {
	if len(payload) > 100 {
		return string(payload[:100]) + "..."
	}
	return string(payload)
}
