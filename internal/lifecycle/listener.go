// Package lifecycle feeds domain lifecycle events published on the bus to the
// script orchestrator.
package lifecycle

import (
	"context"
	"fmt"
	"log/slog"
	"math"

	"github.com/nfrund/hookscript/internal/pubsub"
	"github.com/nfrund/hookscript/internal/script"
)

// Event is the payload of pubsub.TopicLifecycle
type Event struct {
	EntityType string           `json:"entity_type"`
	Event      script.EventType `json:"event"`
	Entity     map[string]any   `json:"entity,omitempty"`
}

// Labels tags the bus message and its spans with the entity type and event
func (e Event) Labels() map[string]string {
	return map[string]string{
		"entity_type": e.EntityType,
		"event":       string(e.Event),
	}
}

// Events is the typed lifecycle topic
var Events = pubsub.NewTopic[Event](pubsub.TopicLifecycle)

// Emit publishes a lifecycle event for asynchronous processing. Before events
// are rejected: their outcome decides whether the host proceeds, so the host
// must call the orchestrator directly.
func Emit(ctx context.Context, pub pubsub.Publisher, source string, ev Event) error {
	if err := validateEvent(ev); err != nil {
		return err
	}
	return pubsub.Publish(ctx, pub, Events, source, ev)
}

func validateEvent(ev Event) error {
	if ev.EntityType == "" {
		return fmt.Errorf("lifecycle event requires entity_type")
	}
	phase, err := ev.Event.Phase()
	if err != nil {
		return err
	}
	if phase == script.PhaseBefore {
		return fmt.Errorf("%s events must run synchronously", ev.Event)
	}
	return nil
}

// PhaseRunner runs the scripts of one lifecycle phase. *script.Orchestrator
// satisfies it.
type PhaseRunner interface {
	RunPhase(ctx context.Context, entityType string, event script.EventType, snapshot map[string]any) (*script.PhaseResult, error)
}

// Listener subscribes to lifecycle events and runs their scripts
type Listener struct {
	sub    pubsub.Subscriber
	runner PhaseRunner
	log    *slog.Logger
	onDone func(Event, *script.PhaseResult)
}

// Option configures a Listener
type Option func(*Listener)

// WithResultHook observes every completed phase
func WithResultHook(fn func(Event, *script.PhaseResult)) Option {
	return func(l *Listener) {
		l.onDone = fn
	}
}

func NewListener(sub pubsub.Subscriber, runner PhaseRunner, opts ...Option) *Listener {
	l := &Listener{
		sub:    sub,
		runner: runner,
		log:    slog.Default().With("component", "lifecycle"),
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Start subscribes until ctx is canceled
func (l *Listener) Start(ctx context.Context) error {
	if err := pubsub.Subscribe(ctx, l.sub, Events, l.handle); err != nil {
		return fmt.Errorf("failed to subscribe to %s: %w", Events.Name(), err)
	}
	l.log.Info("Lifecycle listener started", "topic", Events.Name())
	return nil
}

func (l *Listener) handle(ctx context.Context, source string, ev Event) error {
	if err := validateEvent(ev); err != nil {
		return err
	}

	result, err := l.runner.RunPhase(ctx, ev.EntityType, ev.Event, NormalizeNumbers(ev.Entity))
	if err != nil {
		return fmt.Errorf("failed to run %s.%s scripts: %w", ev.EntityType, ev.Event, err)
	}

	failures := result.Failures()
	attrs := []any{
		"entity_type", ev.EntityType,
		"event", ev.Event,
		"source", source,
		"scripts", len(result.Results),
		"failures", len(failures),
	}
	if len(failures) > 0 {
		l.log.Warn("Lifecycle scripts finished with failures", attrs...)
	} else {
		l.log.Debug("Lifecycle scripts finished", attrs...)
	}

	if l.onDone != nil {
		l.onDone(ev, result)
	}
	return nil
}

// NormalizeNumbers turns whole JSON numbers back into integers so scripts
// keep integer arithmetic
func NormalizeNumbers(m map[string]any) map[string]any {
	if m == nil {
		return nil
	}
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = normalizeValue(v)
	}
	return out
}

func normalizeValue(v any) any {
	switch val := v.(type) {
	case float64:
		if val == math.Trunc(val) && math.Abs(val) < 1<<53 {
			return int64(val)
		}
		return val
	case map[string]any:
		return NormalizeNumbers(val)
	case []any:
		out := make([]any, len(val))
		for i, item := range val {
			out[i] = normalizeValue(item)
		}
		return out
	default:
		return v
	}
}
