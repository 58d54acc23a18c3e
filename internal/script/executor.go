package script

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// DefaultMaxChainDepth is how deep scripts may invoke other scripts
const DefaultMaxChainDepth = 3

const defaultRecordErrorTimeout = 5 * time.Second

// Executor runs one script against one context and turns whatever the
// interpreter did into an ExecutionOutcome
type Executor struct {
	catalogue     Catalogue
	engines       EngineSelector
	reporter      *ErrorReporter
	maxChainDepth int
	recordTimeout time.Duration

	pending sync.WaitGroup
}

// ExecutorOption configures an Executor
type ExecutorOption func(*Executor)

// WithMaxChainDepth overrides DefaultMaxChainDepth
func WithMaxChainDepth(depth int) ExecutorOption {
	return func(x *Executor) {
		x.maxChainDepth = depth
	}
}

// WithErrorReporter shares a reporter between executors
func WithErrorReporter(reporter *ErrorReporter) ExecutorOption {
	return func(x *Executor) {
		x.reporter = reporter
	}
}

// WithRecordErrorTimeout bounds each background RecordError call
func WithRecordErrorTimeout(timeout time.Duration) ExecutorOption {
	return func(x *Executor) {
		x.recordTimeout = timeout
	}
}

// NewExecutor creates an executor over a catalogue and a per-phase engine
// selector
func NewExecutor(catalogue Catalogue, engines EngineSelector, opts ...ExecutorOption) *Executor {
	x := &Executor{
		catalogue:     catalogue,
		engines:       engines,
		maxChainDepth: DefaultMaxChainDepth,
		recordTimeout: defaultRecordErrorTimeout,
	}
	for _, opt := range opts {
		opt(x)
	}
	if x.reporter == nil {
		x.reporter = NewErrorReporter()
	}
	return x
}

// Reporter returns the executor's error reporter
func (x *Executor) Reporter() *ErrorReporter {
	return x.reporter
}

// MaxChainDepth returns the configured chain depth limit
func (x *Executor) MaxChainDepth() int {
	return x.maxChainDepth
}

// Execute runs the script. It never returns nil and never panics: every
// path ends in a Success, Aborted or Failed outcome with both timestamps set.
func (x *Executor) Execute(ctx context.Context, script *Script, execCtx ExecutionContext, entity *EntityProxy) *ExecutionResult {
	result := &ExecutionResult{
		ScriptID:    script.ID,
		ScriptName:  script.Name,
		ExecutionID: execCtx.ExecutionID,
		Phase:       execCtx.Phase,
		StartedAt:   time.Now(),
	}
	defer func() {
		result.FinishedAt = time.Now()
		LogResult(result)
	}()

	if execCtx.CallDepth > x.maxChainDepth {
		err := NewMaxDepthError(script.Name, execCtx.CallDepth)
		result.Outcome = Failed(err)
		x.recordFailure(ctx, script, &execCtx, err)
		return result
	}

	if entity != nil {
		execCtx = execCtx.WithEntityProxy(entity)
	}

	interpreter := x.engines.EngineFor(execCtx.Phase)
	if interpreter == nil {
		err := NewScriptError(ErrorTypeInvalidScript, script.Name,
			fmt.Sprintf("no interpreter for phase %s", execCtx.Phase), nil)
		result.Outcome = Failed(err)
		x.recordFailure(ctx, script, &execCtx, err)
		return result
	}

	value, err := interpreter.Execute(ctx, script.Name, script.Code, &execCtx)
	if err == nil {
		changes := map[string]any{}
		if execCtx.Entity != nil {
			changes = execCtx.Entity.Changes()
		}
		result.Outcome = Success(value, changes)
		return result
	}

	var scriptErr *ScriptError
	if !errors.As(err, &scriptErr) {
		scriptErr = NewScriptError(ErrorTypeRuntime, script.Name, "script execution failed", err)
	}

	if scriptErr.Type == ErrorTypeAborted {
		result.Outcome = Aborted(scriptErr.Reason)
		return result
	}

	result.Outcome = Failed(scriptErr)
	x.recordFailure(ctx, script, &execCtx, scriptErr)
	return result
}

// Invoke runs a named script as a child of parent. It backs the invoke()
// host function.
func (x *Executor) Invoke(ctx context.Context, name string, parent ExecutionContext) (*ExecutionResult, error) {
	script, err := x.catalogue.GetByName(ctx, name)
	if err != nil {
		return nil, err
	}
	if !script.IsActive() {
		return nil, NewScriptError(ErrorTypeInvalidScript, name,
			fmt.Sprintf("script %s is %s", name, script.Status), nil)
	}
	return x.Execute(ctx, script, parent.Child(), nil), nil
}

// recordFailure reports the failure and bumps the catalogue counter in the
// background. A RecordError failure is logged and otherwise dropped.
func (x *Executor) recordFailure(ctx context.Context, script *Script, execCtx *ExecutionContext, err *ScriptError) {
	x.reporter.ReportError(ctx, err, execCtx)

	x.pending.Add(1)
	go func() {
		defer x.pending.Done()

		recordCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), x.recordTimeout)
		defer cancel()

		if recordErr := x.catalogue.RecordError(recordCtx, script.ID); recordErr != nil {
			slog.Warn("Failed to record script error",
				"script", script.Name,
				"script_id", script.ID,
				"error_type", err.Type,
				"error", recordErr,
			)
		}
	}()
}

// Wait blocks until background RecordError calls have finished
func (x *Executor) Wait() {
	x.pending.Wait()
}
