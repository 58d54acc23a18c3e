package script

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestExecutor_ExecuteSuccess(t *testing.T) {
	script := activeScript("s1", "double", "", EventTrigger("invoice", EventBeforeCreate))
	spy := &spyInterpreter{
		value: int64(7),
		run: func(execCtx *ExecutionContext) {
			execCtx.Entity.Set("amount", int64(20))
		},
	}
	executor := NewExecutor(newStubCatalogue(script), spySelector{spy})
	proxy := NewEntityProxy(map[string]any{"amount": int64(10)})

	result := executor.Execute(context.Background(), script, NewExecutionContext(PhaseBefore), proxy)

	require.Equal(t, OutcomeSuccess, result.Outcome.Kind)
	assert.Equal(t, int64(7), result.Outcome.ReturnValue)
	assert.Equal(t, map[string]any{"amount": int64(20)}, result.Outcome.EntityChanges)
	assert.Equal(t, ScriptID("s1"), result.ScriptID)
	assert.Equal(t, PhaseBefore, result.Phase)
	assert.False(t, result.StartedAt.IsZero())
	assert.False(t, result.FinishedAt.Before(result.StartedAt))
}

func TestExecutor_ExecuteWithoutEntityHasEmptyChanges(t *testing.T) {
	script := activeScript("s1", "noop", "", ManualTrigger())
	executor := NewExecutor(newStubCatalogue(script), spySelector{&spyInterpreter{}})

	result := executor.Execute(context.Background(), script, NewExecutionContext(PhaseManual), nil)

	require.Equal(t, OutcomeSuccess, result.Outcome.Kind)
	assert.NotNil(t, result.Outcome.EntityChanges)
	assert.Empty(t, result.Outcome.EntityChanges)
}

func TestExecutor_AbortIsNotAFailure(t *testing.T) {
	script := activeScript("s1", "guard", "", EventTrigger("invoice", EventBeforeCreate))
	abortErr := NewScriptError(ErrorTypeAborted, "guard", "script aborted: negative", nil)
	abortErr.Reason = "negative"
	catalogue := newStubCatalogue(script)
	executor := NewExecutor(catalogue, spySelector{&spyInterpreter{err: abortErr}})

	result := executor.Execute(context.Background(), script, NewExecutionContext(PhaseBefore), nil)
	executor.Wait()

	assert.Equal(t, Aborted("negative"), result.Outcome)
	assert.Zero(t, catalogue.errorCount("s1"))
	assert.Zero(t, executor.Reporter().GetErrorSummary().TotalErrors)
}

func TestExecutor_FailureIsRecorded(t *testing.T) {
	script := activeScript("s1", "looper", "", ManualTrigger())
	catalogue := newStubCatalogue(script)
	executor := NewExecutor(catalogue, spySelector{&spyInterpreter{err: NewOperationLimitError("looper", 100)}})

	result := executor.Execute(context.Background(), script, NewExecutionContext(PhaseManual), nil)
	executor.Wait()

	require.Equal(t, OutcomeFailed, result.Outcome.Kind)
	assert.Equal(t, ErrorTypeOperationLimit, result.Outcome.Err.Type)
	assert.Equal(t, int64(100), result.Outcome.Err.Limit)
	assert.Equal(t, 1, catalogue.errorCount("s1"))
	assert.Equal(t, 1, executor.Reporter().GetErrorSummary().ErrorsByType[ErrorTypeOperationLimit])
}

func TestExecutor_PlainErrorBecomesRuntimeFailure(t *testing.T) {
	script := activeScript("s1", "broken", "", ManualTrigger())
	executor := NewExecutor(newStubCatalogue(script), spySelector{&spyInterpreter{err: errors.New("boom")}})

	result := executor.Execute(context.Background(), script, NewExecutionContext(PhaseManual), nil)
	executor.Wait()

	require.Equal(t, OutcomeFailed, result.Outcome.Kind)
	assert.Equal(t, ErrorTypeRuntime, result.Outcome.Err.Type)
	assert.Contains(t, result.Outcome.Err.Error(), "boom")
}

func TestExecutor_RecordErrorFailureDoesNotMaskOutcome(t *testing.T) {
	script := activeScript("s1", "broken", "", ManualTrigger())
	catalogue := newStubCatalogue(script)
	catalogue.recordErr = errors.New("catalogue unavailable")
	executor := NewExecutor(catalogue, spySelector{&spyInterpreter{err: NewScriptError(ErrorTypeRuntime, "broken", "boom", nil)}})

	result := executor.Execute(context.Background(), script, NewExecutionContext(PhaseManual), nil)
	executor.Wait()

	require.Equal(t, OutcomeFailed, result.Outcome.Kind)
	assert.Equal(t, ErrorTypeRuntime, result.Outcome.Err.Type)
	assert.Equal(t, 1, catalogue.errorCount("s1"))
}

func TestExecutor_DepthGuardRunsBeforeInterpreter(t *testing.T) {
	script := activeScript("s1", "deep", "", ManualTrigger())
	catalogue := newStubCatalogue(script)
	spy := &spyInterpreter{}
	executor := NewExecutor(catalogue, spySelector{spy}, WithMaxChainDepth(2))

	execCtx := NewExecutionContext(PhaseManual).Child().Child().Child()
	result := executor.Execute(context.Background(), script, execCtx, nil)
	executor.Wait()

	require.Equal(t, OutcomeFailed, result.Outcome.Kind)
	assert.Equal(t, ErrorTypeMaxDepthExceeded, result.Outcome.Err.Type)
	assert.Equal(t, 3, result.Outcome.Err.Depth)
	assert.Zero(t, spy.callCount(), "interpreter must not run past the depth limit")
	assert.Equal(t, 1, catalogue.errorCount("s1"))
}

func TestExecutor_DepthAtLimitStillRuns(t *testing.T) {
	script := activeScript("s1", "deep", "", ManualTrigger())
	spy := &spyInterpreter{}
	executor := NewExecutor(newStubCatalogue(script), spySelector{spy}, WithMaxChainDepth(2))

	execCtx := NewExecutionContext(PhaseManual).Child().Child()
	result := executor.Execute(context.Background(), script, execCtx, nil)

	assert.Equal(t, OutcomeSuccess, result.Outcome.Kind)
	assert.Equal(t, 1, spy.callCount())
}

func TestExecutor_MissingInterpreter(t *testing.T) {
	script := activeScript("s1", "orphan", "", ManualTrigger())
	executor := NewExecutor(newStubCatalogue(script), spySelector{})

	result := executor.Execute(context.Background(), script, NewExecutionContext(PhaseManual), nil)
	executor.Wait()

	require.Equal(t, OutcomeFailed, result.Outcome.Kind)
	assert.Equal(t, ErrorTypeInvalidScript, result.Outcome.Err.Type)
}

func TestExecutor_Invoke(t *testing.T) {
	child := activeScript("c1", "child", "", ManualTrigger())
	var seen ExecutionContext
	spy := &spyInterpreter{
		value: "done",
		run: func(execCtx *ExecutionContext) {
			seen = *execCtx
		},
	}
	executor := NewExecutor(newStubCatalogue(child), spySelector{spy})
	parent := NewExecutionContext(PhaseScheduled)

	result, err := executor.Invoke(context.Background(), "child", parent)
	require.NoError(t, err)

	assert.Equal(t, OutcomeSuccess, result.Outcome.Kind)
	assert.Equal(t, "done", result.Outcome.ReturnValue)
	assert.Equal(t, 1, seen.CallDepth)
	assert.Equal(t, PhaseScheduled, seen.Phase)
	assert.NotEqual(t, parent.ExecutionID, seen.ExecutionID)
	assert.Nil(t, seen.Entity)
}

func TestExecutor_InvokeErrors(t *testing.T) {
	disabled := activeScript("d1", "disabled", "", ManualTrigger())
	disabled.Status = StatusDisabled
	executor := NewExecutor(newStubCatalogue(disabled), spySelector{&spyInterpreter{}})

	_, err := executor.Invoke(context.Background(), "missing", NewExecutionContext(PhaseManual))
	assert.True(t, IsNotFound(err))

	_, err = executor.Invoke(context.Background(), "disabled", NewExecutionContext(PhaseManual))
	requireScriptError(t, err, ErrorTypeInvalidScript)
}

func TestExecutor_RecursiveInvokeStopsAtChainDepth(t *testing.T) {
	recursive := activeScript("r1", "recursive", `result := invoke("recursive")`, ManualTrigger())
	catalogue := newStubCatalogue(recursive)
	bridge := NewBridge(nil, nil)
	engines := NewSingleEngineSet(newTestEngine(t, DefaultEngineConfig(), bridge))
	executor := NewExecutor(catalogue, engines, WithMaxChainDepth(2))
	bridge.SetInvoker(executor)

	result := executor.Execute(context.Background(), recursive, NewExecutionContext(PhaseManual), nil)
	executor.Wait()

	require.Equal(t, OutcomeSuccess, result.Outcome.Kind)

	// depth 0 -> 1 -> 2 succeed; the invocation at depth 3 fails and that
	// failure is handed back to depth 2 as data
	level1 := result.Outcome.ReturnValue.(map[string]any)
	assert.Equal(t, "success", level1["status"])
	level2 := level1["value"].(map[string]any)
	assert.Equal(t, "success", level2["status"])
	level3 := level2["value"].(map[string]any)
	assert.Equal(t, "failed", level3["status"])
	assert.Equal(t, string(ErrorTypeMaxDepthExceeded), level3["error_type"])
	assert.Equal(t, 1, catalogue.errorCount("r1"))
}

func TestExecutor_EndToEndWithEngine(t *testing.T) {
	script := activeScript("s1", "discount", `
		if entity.amount > 100 {
			entity.discount = entity.amount / 10
		}
		result := entity.amount
	`, EventTrigger("order", EventBeforeCreate))
	engines, err := NewEngineSet(NewBridge(nil, nil), DefaultPhaseConfigs())
	require.NoError(t, err)
	executor := NewExecutor(newStubCatalogue(script), engines)

	result := executor.Execute(context.Background(), script, NewExecutionContext(PhaseBefore),
		NewEntityProxy(map[string]any{"amount": int64(250)}))

	require.Equal(t, OutcomeSuccess, result.Outcome.Kind)
	assert.Equal(t, int64(250), result.Outcome.ReturnValue)
	assert.Equal(t, map[string]any{"discount": int64(25)}, result.Outcome.EntityChanges)
}
