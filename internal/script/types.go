package script

import (
	"fmt"
	"strings"
	"time"
)

// ScriptID identifies a script record in the catalogue
type ScriptID string

// ScriptStatus is the publication state of a script
type ScriptStatus string

const (
	StatusActive   ScriptStatus = "active"
	StatusDisabled ScriptStatus = "disabled"
	StatusDraft    ScriptStatus = "draft"
)

// EventType enumerates the lifecycle moments a domain event can represent
type EventType string

const (
	EventBeforeCreate EventType = "before_create"
	EventAfterCreate  EventType = "after_create"
	EventBeforeUpdate EventType = "before_update"
	EventAfterUpdate  EventType = "after_update"
	EventBeforeDelete EventType = "before_delete"
	EventAfterDelete  EventType = "after_delete"
	EventOnCommit     EventType = "on_commit"
)

// ExecutionPhase is the capability tier a running script executes under
type ExecutionPhase string

const (
	PhaseBefore    ExecutionPhase = "before"
	PhaseAfter     ExecutionPhase = "after"
	PhaseOnCommit  ExecutionPhase = "on_commit"
	PhaseManual    ExecutionPhase = "manual"
	PhaseScheduled ExecutionPhase = "scheduled"
)

// AllPhases lists every execution phase in binding-table order
var AllPhases = []ExecutionPhase{PhaseBefore, PhaseAfter, PhaseOnCommit, PhaseManual, PhaseScheduled}

// eventPhases is the one-to-one table from event moments to execution phases.
// The on_commit event and the on_commit phase are distinct values that happen
// to denote the same point; the table keeps that link explicit.
var eventPhases = map[EventType]ExecutionPhase{
	EventBeforeCreate: PhaseBefore,
	EventBeforeUpdate: PhaseBefore,
	EventBeforeDelete: PhaseBefore,
	EventAfterCreate:  PhaseAfter,
	EventAfterUpdate:  PhaseAfter,
	EventAfterDelete:  PhaseAfter,
	EventOnCommit:     PhaseOnCommit,
}

// Phase returns the execution phase a lifecycle event runs under
func (e EventType) Phase() (ExecutionPhase, error) {
	phase, ok := eventPhases[e]
	if !ok {
		return "", fmt.Errorf("unknown event type: %q", string(e))
	}
	return phase, nil
}

// Valid reports whether the event type is one of the known lifecycle moments
func (e EventType) Valid() bool {
	_, ok := eventPhases[e]
	return ok
}

// Valid reports whether the phase is known
func (p ExecutionPhase) Valid() bool {
	for _, known := range AllPhases {
		if p == known {
			return true
		}
	}
	return false
}

// TriggerKind discriminates the Trigger variants
type TriggerKind string

const (
	TriggerEvent  TriggerKind = "event"
	TriggerCron   TriggerKind = "cron"
	TriggerManual TriggerKind = "manual"
	TriggerAPI    TriggerKind = "api"
)

// Trigger is the condition under which a script runs. Exactly one variant is
// populated, selected by Kind.
type Trigger struct {
	Kind TriggerKind `json:"kind" yaml:"kind" validate:"required,oneof=event cron manual api"`

	// Event variant
	EntityType string    `json:"entity_type,omitempty" yaml:"entity_type,omitempty"`
	Event      EventType `json:"event,omitempty" yaml:"event,omitempty"`

	// Cron variant
	Expression string `json:"expression,omitempty" yaml:"expression,omitempty"`

	// Api variant
	Path   string `json:"path,omitempty" yaml:"path,omitempty"`
	Method string `json:"method,omitempty" yaml:"method,omitempty"`
}

// EventTrigger fires on a lifecycle moment for a named entity kind
func EventTrigger(entityType string, event EventType) Trigger {
	return Trigger{Kind: TriggerEvent, EntityType: entityType, Event: event}
}

// CronTrigger fires on a schedule
func CronTrigger(expression string) Trigger {
	return Trigger{Kind: TriggerCron, Expression: expression}
}

// ManualTrigger fires only on explicit invocation
func ManualTrigger() Trigger {
	return Trigger{Kind: TriggerManual}
}

// APITrigger fires on an inbound request mapped by the host
func APITrigger(path, method string) Trigger {
	return Trigger{Kind: TriggerAPI, Path: path, Method: strings.ToUpper(method)}
}

// Validate checks that the fields of exactly one variant are populated.
// A cron expression is only checked for presence here; schedulability is
// decided by the scheduler.
func (t Trigger) Validate() error {
	eventSet := t.EntityType != "" || t.Event != ""
	cronSet := t.Expression != ""
	apiSet := t.Path != "" || t.Method != ""

	switch t.Kind {
	case TriggerEvent:
		if cronSet || apiSet {
			return fmt.Errorf("event trigger carries fields of another variant")
		}
		if t.EntityType == "" {
			return fmt.Errorf("event trigger requires entity_type")
		}
		if !t.Event.Valid() {
			return fmt.Errorf("event trigger has unknown event %q", string(t.Event))
		}
	case TriggerCron:
		if eventSet || apiSet {
			return fmt.Errorf("cron trigger carries fields of another variant")
		}
		if strings.TrimSpace(t.Expression) == "" {
			return fmt.Errorf("cron trigger requires an expression")
		}
	case TriggerManual:
		if eventSet || cronSet || apiSet {
			return fmt.Errorf("manual trigger carries fields of another variant")
		}
	case TriggerAPI:
		if eventSet || cronSet {
			return fmt.Errorf("api trigger carries fields of another variant")
		}
		if t.Path == "" || t.Method == "" {
			return fmt.Errorf("api trigger requires path and method")
		}
	default:
		return fmt.Errorf("unknown trigger kind %q", string(t.Kind))
	}
	return nil
}

// Phase returns the execution phase a script with this trigger runs under.
// API routes run with manual capabilities.
func (t Trigger) Phase() (ExecutionPhase, error) {
	switch t.Kind {
	case TriggerEvent:
		return t.Event.Phase()
	case TriggerCron:
		return PhaseScheduled, nil
	case TriggerManual, TriggerAPI:
		return PhaseManual, nil
	default:
		return "", fmt.Errorf("unknown trigger kind %q", string(t.Kind))
	}
}

// String renders the trigger for logs
func (t Trigger) String() string {
	switch t.Kind {
	case TriggerEvent:
		return fmt.Sprintf("event(%s.%s)", t.EntityType, t.Event)
	case TriggerCron:
		return fmt.Sprintf("cron(%s)", t.Expression)
	case TriggerAPI:
		return fmt.Sprintf("api(%s %s)", t.Method, t.Path)
	default:
		return string(t.Kind)
	}
}

// Script is a stored, named, triggerable unit of tenant-authored code
type Script struct {
	ID          ScriptID     `json:"id" yaml:"id" validate:"required"`
	Name        string       `json:"name" yaml:"name" validate:"required,max=128"`
	Description string       `json:"description,omitempty" yaml:"description,omitempty"`
	Code        string       `json:"code" yaml:"code"`
	Status      ScriptStatus `json:"status" yaml:"status" validate:"required,oneof=active disabled draft"`
	Trigger     Trigger      `json:"trigger" yaml:"trigger"`
	ErrorCount  int64        `json:"error_count" yaml:"-"`
	UpdatedAt   time.Time    `json:"updated_at" yaml:"-"`
}

// IsActive reports whether the script may be dispatched
func (s *Script) IsActive() bool {
	return s.Status == StatusActive
}

// QueryKind discriminates catalogue queries
type QueryKind string

const (
	QueryByStatus  QueryKind = "by_status"
	QueryByEvent   QueryKind = "by_event"
	QueryScheduled QueryKind = "scheduled"
	QueryByAPI     QueryKind = "by_api"
)

// Query selects scripts from the catalogue
type Query struct {
	Kind       QueryKind
	Status     ScriptStatus
	EntityType string
	Event      EventType
	Path       string
	Method     string
}

// ByStatus selects every script with the given status
func ByStatus(status ScriptStatus) Query {
	return Query{Kind: QueryByStatus, Status: status}
}

// ByEvent selects active scripts triggered by the given lifecycle event
func ByEvent(entityType string, event EventType) Query {
	return Query{Kind: QueryByEvent, EntityType: entityType, Event: event}
}

// Scheduled selects all active cron-triggered scripts
func Scheduled() Query {
	return Query{Kind: QueryScheduled}
}

// ByAPI selects active scripts bound to an inbound route
func ByAPI(path, method string) Query {
	return Query{Kind: QueryByAPI, Path: path, Method: strings.ToUpper(method)}
}

// Matches applies the query to a single script. Backends without a native
// query language filter with it.
func (q Query) Matches(s *Script) bool {
	switch q.Kind {
	case QueryByStatus:
		return s.Status == q.Status
	case QueryByEvent:
		return s.IsActive() && s.Trigger.Kind == TriggerEvent &&
			s.Trigger.EntityType == q.EntityType && s.Trigger.Event == q.Event
	case QueryScheduled:
		return s.IsActive() && s.Trigger.Kind == TriggerCron
	case QueryByAPI:
		return s.IsActive() && s.Trigger.Kind == TriggerAPI &&
			s.Trigger.Path == q.Path && strings.EqualFold(s.Trigger.Method, q.Method)
	default:
		return false
	}
}

// OutcomeKind discriminates ExecutionOutcome variants
type OutcomeKind string

const (
	OutcomeSuccess OutcomeKind = "success"
	OutcomeAborted OutcomeKind = "aborted"
	OutcomeFailed  OutcomeKind = "failed"
)

// ExecutionOutcome is the typed result of running one script
type ExecutionOutcome struct {
	Kind OutcomeKind

	// Success
	ReturnValue   any
	EntityChanges map[string]any

	// Aborted
	Reason string

	// Failed
	Err *ScriptError
}

// Success builds a success outcome
func Success(value any, changes map[string]any) ExecutionOutcome {
	if changes == nil {
		changes = map[string]any{}
	}
	return ExecutionOutcome{Kind: OutcomeSuccess, ReturnValue: value, EntityChanges: changes}
}

// Aborted builds an abort outcome
func Aborted(reason string) ExecutionOutcome {
	return ExecutionOutcome{Kind: OutcomeAborted, Reason: reason}
}

// Failed builds a failure outcome
func Failed(err *ScriptError) ExecutionOutcome {
	return ExecutionOutcome{Kind: OutcomeFailed, Err: err}
}

// ExecutionResult wraps an outcome with identity and timing
type ExecutionResult struct {
	ScriptID    ScriptID
	ScriptName  string
	ExecutionID uint64
	Phase       ExecutionPhase
	Outcome     ExecutionOutcome
	StartedAt   time.Time
	FinishedAt  time.Time
}

// Duration is the wall-clock time the execution took
func (r *ExecutionResult) Duration() time.Duration {
	return r.FinishedAt.Sub(r.StartedAt)
}

// Succeeded reports whether the outcome is a success
func (r *ExecutionResult) Succeeded() bool {
	return r.Outcome.Kind == OutcomeSuccess
}
