package script

import (
	"context"
	"fmt"
	"maps"
)

// PhaseStatus is the aggregate verdict of one phase run
type PhaseStatus string

const (
	PhaseCompleted PhaseStatus = "completed"
	PhaseAborted   PhaseStatus = "aborted"
	PhaseFailed    PhaseStatus = "failed"
)

// PhaseResult aggregates the scripts run for one lifecycle event
type PhaseResult struct {
	EntityType string
	Event      EventType
	Phase      ExecutionPhase
	Status     PhaseStatus
	Results    []*ExecutionResult

	// Reason explains an aborted or failed before phase
	Reason string

	// Unapplied is the overlay of the script that stopped a before phase.
	// It is reported for auditing and must not be written by the host.
	Unapplied map[string]any

	changes map[string]any
}

// Proceed reports whether the host may continue with the triggering write
func (r *PhaseResult) Proceed() bool {
	return r.Status == PhaseCompleted
}

// Changes is the merged overlay of every script that succeeded, in run order
func (r *PhaseResult) Changes() map[string]any {
	out := make(map[string]any, len(r.changes))
	maps.Copy(out, r.changes)
	return out
}

// Failures returns the results that did not succeed
func (r *PhaseResult) Failures() []*ExecutionResult {
	var out []*ExecutionResult
	for _, res := range r.Results {
		if res.Outcome.Kind == OutcomeFailed {
			out = append(out, res)
		}
	}
	return out
}

// Orchestrator runs every script bound to a lifecycle event and folds their
// outcomes into a PhaseResult. It holds no state of its own.
type Orchestrator struct {
	catalogue Catalogue
	executor  *Executor
}

// NewOrchestrator creates an orchestrator
func NewOrchestrator(catalogue Catalogue, executor *Executor) *Orchestrator {
	return &Orchestrator{
		catalogue: catalogue,
		executor:  executor,
	}
}

// RunPhase runs the active scripts triggered by event on entityType, in
// catalogue order. Each script sees the snapshot with the changes of the
// scripts before it applied.
//
// In the before phase the first abort or failure stops the run and the
// host must not proceed. In the after and on_commit phases every script
// runs; failures are recorded on the result.
func (o *Orchestrator) RunPhase(ctx context.Context, entityType string, event EventType, snapshot map[string]any) (*PhaseResult, error) {
	phase, err := event.Phase()
	if err != nil {
		return nil, err
	}

	scripts, err := o.catalogue.Find(ctx, ByEvent(entityType, event))
	if err != nil {
		return nil, fmt.Errorf("failed to find scripts for %s.%s: %w", entityType, event, err)
	}

	result := &PhaseResult{
		EntityType: entityType,
		Event:      event,
		Phase:      phase,
		Status:     PhaseCompleted,
		changes:    make(map[string]any),
	}

	for _, script := range scripts {
		view := make(map[string]any, len(snapshot)+len(result.changes))
		maps.Copy(view, snapshot)
		maps.Copy(view, result.changes)
		proxy := NewEntityProxy(view)

		res := o.executor.Execute(ctx, script, NewExecutionContext(phase), proxy)
		result.Results = append(result.Results, res)

		switch res.Outcome.Kind {
		case OutcomeSuccess:
			maps.Copy(result.changes, res.Outcome.EntityChanges)
		case OutcomeAborted:
			if phase == PhaseBefore {
				result.Status = PhaseAborted
				result.Reason = res.Outcome.Reason
				result.Unapplied = proxy.Changes()
				return result, nil
			}
		case OutcomeFailed:
			if phase == PhaseBefore {
				result.Status = PhaseFailed
				result.Reason = res.Outcome.Err.Error()
				result.Unapplied = proxy.Changes()
				return result, nil
			}
		}
	}

	return result, nil
}

// RunManual runs an active, manually triggered script by name. entity may
// be nil.
func (o *Orchestrator) RunManual(ctx context.Context, name string, entity map[string]any) (*ExecutionResult, error) {
	script, err := o.catalogue.GetByName(ctx, name)
	if err != nil {
		return nil, err
	}
	if !script.IsActive() {
		return nil, NewScriptError(ErrorTypeInvalidScript, name,
			fmt.Sprintf("script %s is %s", name, script.Status), nil)
	}
	if script.Trigger.Kind != TriggerManual {
		return nil, NewScriptError(ErrorTypeInvalidScript, name,
			fmt.Sprintf("script %s is triggered by %s, not manually", name, script.Trigger), nil)
	}

	var proxy *EntityProxy
	if entity != nil {
		proxy = NewEntityProxy(entity)
	}
	return o.executor.Execute(ctx, script, NewExecutionContext(PhaseManual), proxy), nil
}

// RunAPI runs the first active script bound to the route. The request body
// is exposed as the entity so the script can shape a response through its
// overlay or its result.
func (o *Orchestrator) RunAPI(ctx context.Context, path, method string, request map[string]any) (*ExecutionResult, error) {
	scripts, err := o.catalogue.Find(ctx, ByAPI(path, method))
	if err != nil {
		return nil, fmt.Errorf("failed to find scripts for %s %s: %w", method, path, err)
	}
	if len(scripts) == 0 {
		return nil, NewNotFoundError(fmt.Sprintf("%s %s", method, path))
	}

	if request == nil {
		request = map[string]any{}
	}
	return o.executor.Execute(ctx, scripts[0], NewExecutionContext(PhaseManual), NewEntityProxy(request)), nil
}
