package script

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestErrorReporter_ReportError(t *testing.T) {
	reporter := NewErrorReporter()

	scriptErr := NewScriptError(ErrorTypeRuntime, "test_script", "test error message", nil)
	execCtx := NewExecutionContext(PhaseAfter).Child()

	report := reporter.ReportError(context.Background(), scriptErr, &execCtx)

	assert.Equal(t, scriptErr, report.Error)
	assert.Equal(t, SeverityMedium, report.Severity)
	assert.True(t, report.FirstOccurrence)
	assert.Equal(t, 1, report.Occurrences)
	assert.False(t, report.Unhealthy)
	assert.NotEmpty(t, report.SuggestedAction)

	require.NotNil(t, report.Context)
	assert.Equal(t, "test_script", report.Context.ScriptName)
	assert.Equal(t, execCtx.ExecutionID, report.Context.ExecutionID)
	assert.Equal(t, PhaseAfter, report.Context.Phase)
	assert.Equal(t, 1, report.Context.CallDepth)
	assert.NotEmpty(t, report.Context.SystemInfo.GoVersion)
}

func TestErrorReporter_ReportErrorWithoutContext(t *testing.T) {
	reporter := NewErrorReporter()

	report := reporter.ReportError(context.Background(), NewNotFoundError("missing"), nil)

	assert.Equal(t, SeverityLow, report.Severity)
	assert.Equal(t, uint64(0), report.Context.ExecutionID)
}

func TestErrorReporter_DetermineSeverity(t *testing.T) {
	policy := ReportingPolicy{EscalateAfter: 3, AlertThreshold: 5}

	testCases := []struct {
		name     string
		err      *ScriptError
		count    int
		expected ErrorSeverity
	}{
		{"timeout", NewTimeoutError("s", time.Second, nil), 1, SeverityHigh},
		{"operation limit", NewOperationLimitError("s", 100), 1, SeverityHigh},
		{"resource limit", NewResourceLimitError("s", ResourceArraySize, 10), 1, SeverityHigh},
		{"max depth", NewMaxDepthError("s", 4), 1, SeverityHigh},
		{"repeated ceiling", NewOperationLimitError("s", 100), 5, SeverityCritical},
		{"compilation", NewScriptError(ErrorTypeCompilation, "s", "bad", nil), 10, SeverityMedium},
		{"invalid script", NewScriptError(ErrorTypeInvalidScript, "s", "bad", nil), 1, SeverityMedium},
		{"runtime", NewScriptError(ErrorTypeRuntime, "s", "bad", nil), 3, SeverityMedium},
		{"escalated runtime", NewScriptError(ErrorTypeRuntime, "s", "bad", nil), 4, SeverityHigh},
		{"not found", NewNotFoundError("s"), 1, SeverityLow},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.expected, determineSeverity(tc.err, tc.count, policy))
		})
	}
}

func TestErrorReporter_SuggestedActionsMentionLimits(t *testing.T) {
	assert.Contains(t, suggestAction(NewTimeoutError("s", 250*time.Millisecond, nil)), "250ms")
	assert.Contains(t, suggestAction(NewOperationLimitError("s", 100)), "100")
	assert.Contains(t, suggestAction(NewResourceLimitError("s", ResourceStringSize, 16)), ResourceStringSize)
}

func TestErrorReporter_OccurrencesAndHealth(t *testing.T) {
	reporter := NewErrorReporter()
	reporter.SetPolicy(ReportingPolicy{EscalateAfter: 1, AlertThreshold: 3})

	var report *ErrorReport
	for i := 0; i < 3; i++ {
		report = reporter.ReportError(context.Background(), NewOperationLimitError("looper", 100), nil)
	}

	assert.Equal(t, 3, report.Occurrences)
	assert.False(t, report.FirstOccurrence)
	assert.True(t, report.Unhealthy)
	assert.Equal(t, SeverityCritical, report.Severity)

	other := reporter.ReportError(context.Background(), NewScriptError(ErrorTypeRuntime, "looper", "boom", nil), nil)
	assert.True(t, other.FirstOccurrence, "counts are kept per script and error type")
}

func TestErrorReporter_GetErrorSummary(t *testing.T) {
	reporter := NewErrorReporter()
	ctx := context.Background()

	reporter.ReportError(ctx, NewScriptError(ErrorTypeRuntime, "a", "boom", nil), nil)
	reporter.ReportError(ctx, NewScriptError(ErrorTypeRuntime, "a", "boom", nil), nil)
	reporter.ReportError(ctx, NewOperationLimitError("b", 100), nil)

	summary := reporter.GetErrorSummary()
	assert.Equal(t, 3, summary.TotalErrors)
	assert.Equal(t, 2, summary.ErrorsByType[ErrorTypeRuntime])
	assert.Equal(t, 1, summary.ErrorsByType[ErrorTypeOperationLimit])
	assert.Equal(t, 2, summary.ErrorsByScript["a"])
	assert.Equal(t, 1, summary.ErrorsByScript["b"])
	require.NotNil(t, summary.MostCommonError)
	assert.Equal(t, "a", summary.MostCommonError.ScriptName)
	assert.False(t, summary.LastErrorTime.IsZero())
}

func TestErrorReporter_SummaryListsUnhealthyScripts(t *testing.T) {
	reporter := NewErrorReporter()
	reporter.SetPolicy(ReportingPolicy{EscalateAfter: 1, AlertThreshold: 2})
	ctx := context.Background()

	for _, name := range []string{"zeta", "zeta", "alpha", "alpha", "alpha", "once"} {
		reporter.ReportError(ctx, NewScriptError(ErrorTypeRuntime, name, "boom", nil), nil)
	}

	assert.Equal(t, []string{"alpha", "zeta"}, reporter.GetErrorSummary().UnhealthyScripts)
}

func TestErrorReporter_ClearErrorHistory(t *testing.T) {
	reporter := NewErrorReporter()
	reporter.ReportError(context.Background(), NewNotFoundError("x"), nil)

	reporter.ClearErrorHistory()

	summary := reporter.GetErrorSummary()
	assert.Zero(t, summary.TotalErrors)
	assert.Nil(t, summary.MostCommonError)
}

func TestErrorReporter_ConcurrentReports(t *testing.T) {
	reporter := NewErrorReporter()

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			reporter.ReportError(context.Background(), NewScriptError(ErrorTypeRuntime, "shared", "boom", nil), nil)
		}()
	}
	wg.Wait()

	assert.Equal(t, 50, reporter.GetErrorSummary().ErrorsByScript["shared"])
}

func TestScriptError_IsResourceCeiling(t *testing.T) {
	assert.True(t, NewTimeoutError("s", time.Second, nil).IsResourceCeiling())
	assert.True(t, NewMaxDepthError("s", 4).IsResourceCeiling())
	assert.False(t, NewNotFoundError("s").IsResourceCeiling())
	assert.False(t, NewScriptError(ErrorTypeAborted, "s", "stop", nil).IsResourceCeiling())
}

func TestIsNotFound(t *testing.T) {
	assert.True(t, IsNotFound(NewNotFoundError("x")))
	assert.False(t, IsNotFound(NewScriptError(ErrorTypeRuntime, "x", "boom", nil)))
	assert.False(t, IsNotFound(nil))
}
