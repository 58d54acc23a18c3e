package script

import (
	"context"
	"fmt"
	"log/slog"
	"runtime"
	"sort"
	"sync"
	"time"
)

// ErrorReporter tracks script failures and logs them with a severity.
// Failures are never retried; the reporter only meters them.
type ErrorReporter struct {
	mu          sync.Mutex
	errorCounts map[errorKey]int
	lastErrors  map[errorKey]*ScriptError
	policy      ReportingPolicy
}

type errorKey struct {
	script    string
	errorType ErrorType
}

// ReportingPolicy tunes how failures are escalated
type ReportingPolicy struct {
	// EscalateAfter is the count of same-kind failures after which a runtime
	// error is treated as high severity
	EscalateAfter int

	// AlertThreshold is the count of same-kind failures that flags the
	// script as unhealthy
	AlertThreshold int
}

// ErrorContext provides additional context for error analysis
type ErrorContext struct {
	ScriptName  string
	ExecutionID uint64
	Phase       ExecutionPhase
	CallDepth   int
	Timestamp   time.Time
	SystemInfo  SystemInfo
}

// SystemInfo captures system state at time of error
type SystemInfo struct {
	GoVersion     string
	NumGoroutines int
	MemoryUsage   int64
}

// ErrorSummary provides aggregated error information
type ErrorSummary struct {
	TotalErrors     int
	ErrorsByType    map[ErrorType]int
	ErrorsByScript  map[string]int
	MostCommonError *ScriptError
	LastErrorTime   time.Time
	// UnhealthyScripts have reached the policy's alert threshold for at least
	// one error type, sorted by name
	UnhealthyScripts []string
}

// ErrorReport contains comprehensive information about a script error
type ErrorReport struct {
	Error           *ScriptError
	Context         *ErrorContext
	Severity        ErrorSeverity
	SuggestedAction string
	Occurrences     int
	FirstOccurrence bool
	Unhealthy       bool
}

// ErrorSeverity categorizes the impact of errors
type ErrorSeverity string

const (
	SeverityCritical ErrorSeverity = "critical" // Sandbox ceilings hit repeatedly
	SeverityHigh     ErrorSeverity = "high"     // Resource ceilings
	SeverityMedium   ErrorSeverity = "medium"   // Author mistakes
	SeverityLow      ErrorSeverity = "low"      // Lookup misses
)

// NewErrorReporter creates a new error reporter with the default policy
func NewErrorReporter() *ErrorReporter {
	return &ErrorReporter{
		errorCounts: make(map[errorKey]int),
		lastErrors:  make(map[errorKey]*ScriptError),
		policy: ReportingPolicy{
			EscalateAfter:  3,
			AlertThreshold: 5,
		},
	}
}

// ReportError records and logs a script failure
func (er *ErrorReporter) ReportError(ctx context.Context, err *ScriptError, execCtx *ExecutionContext) *ErrorReport {
	key := errorKey{script: err.ScriptName, errorType: err.Type}

	er.mu.Lock()
	er.errorCounts[key]++
	er.lastErrors[key] = err
	count := er.errorCounts[key]
	policy := er.policy
	er.mu.Unlock()

	report := &ErrorReport{
		Error:           err,
		Context:         er.createErrorContext(err, execCtx),
		Severity:        determineSeverity(err, count, policy),
		SuggestedAction: suggestAction(err),
		Occurrences:     count,
		FirstOccurrence: count == 1,
		Unhealthy:       policy.AlertThreshold > 0 && count >= policy.AlertThreshold,
	}

	er.logError(ctx, report)

	if report.Unhealthy {
		slog.WarnContext(ctx, "Script marked unhealthy",
			"script", err.ScriptName,
			"error_type", err.Type,
			"error_count", count,
		)
	}

	return report
}

func (er *ErrorReporter) createErrorContext(err *ScriptError, execCtx *ExecutionContext) *ErrorContext {
	var memStats runtime.MemStats
	runtime.ReadMemStats(&memStats)

	errorCtx := &ErrorContext{
		ScriptName: err.ScriptName,
		Timestamp:  err.Timestamp,
		SystemInfo: SystemInfo{
			GoVersion:     runtime.Version(),
			NumGoroutines: runtime.NumGoroutine(),
			MemoryUsage:   int64(memStats.Alloc),
		},
	}

	if execCtx != nil {
		errorCtx.ExecutionID = execCtx.ExecutionID
		errorCtx.Phase = execCtx.Phase
		errorCtx.CallDepth = execCtx.CallDepth
	}

	return errorCtx
}

func determineSeverity(err *ScriptError, count int, policy ReportingPolicy) ErrorSeverity {
	switch err.Type {
	case ErrorTypeTimeout, ErrorTypeOperationLimit, ErrorTypeResourceLimit, ErrorTypeMaxDepthExceeded:
		if policy.AlertThreshold > 0 && count >= policy.AlertThreshold {
			return SeverityCritical
		}
		return SeverityHigh
	case ErrorTypeCompilation, ErrorTypeInvalidScript:
		return SeverityMedium
	case ErrorTypeRuntime:
		if count > policy.EscalateAfter {
			return SeverityHigh
		}
		return SeverityMedium
	case ErrorTypeNotFound:
		return SeverityLow
	default:
		return SeverityMedium
	}
}

func suggestAction(err *ScriptError) string {
	switch err.Type {
	case ErrorTypeCompilation:
		return "Fix the script syntax; it will not run until it compiles."
	case ErrorTypeRuntime:
		return "Review script logic and the entity data it reads."
	case ErrorTypeTimeout:
		return fmt.Sprintf("Script ran past %dms. Look for unbounded loops or slow host calls.", err.Limit)
	case ErrorTypeOperationLimit:
		return fmt.Sprintf("Script used more than %d operations. Reduce loop work.", err.Limit)
	case ErrorTypeResourceLimit:
		return fmt.Sprintf("Script exceeded the %s ceiling of %d.", err.Resource, err.Limit)
	case ErrorTypeMaxDepthExceeded:
		return "Scripts invoke each other too deeply. Check for invocation cycles."
	case ErrorTypeNotFound:
		return "Ensure the referenced script exists and is active."
	default:
		return "Review error details and script implementation."
	}
}

func (er *ErrorReporter) logError(ctx context.Context, report *ErrorReport) {
	baseFields := []any{
		"script", report.Error.ScriptName,
		"error_type", report.Error.Type,
		"severity", report.Severity,
		"occurrences", report.Occurrences,
		"first_occurrence", report.FirstOccurrence,
		"error_message", report.Error.Message,
		"suggestion", report.SuggestedAction,
	}

	if report.Context != nil {
		baseFields = append(baseFields,
			"execution_id", report.Context.ExecutionID,
			"phase", report.Context.Phase,
			"call_depth", report.Context.CallDepth,
			"goroutines", report.Context.SystemInfo.NumGoroutines,
		)
	}
	if report.Error.Cause != nil {
		baseFields = append(baseFields, "underlying_error", report.Error.Cause.Error())
	}

	switch report.Severity {
	case SeverityCritical:
		slog.ErrorContext(ctx, "Critical script error", baseFields...)
	case SeverityHigh:
		slog.ErrorContext(ctx, "High severity script error", baseFields...)
	case SeverityMedium:
		slog.WarnContext(ctx, "Medium severity script error", baseFields...)
	case SeverityLow:
		slog.InfoContext(ctx, "Low severity script error", baseFields...)
	}
}

// GetErrorSummary returns aggregated error statistics
func (er *ErrorReporter) GetErrorSummary() *ErrorSummary {
	er.mu.Lock()
	defer er.mu.Unlock()

	summary := &ErrorSummary{
		ErrorsByType:   make(map[ErrorType]int),
		ErrorsByScript: make(map[string]int),
	}

	var mostCommonCount int
	unhealthy := make(map[string]bool)
	for key, count := range er.errorCounts {
		if er.policy.AlertThreshold > 0 && count >= er.policy.AlertThreshold && !unhealthy[key.script] {
			unhealthy[key.script] = true
			summary.UnhealthyScripts = append(summary.UnhealthyScripts, key.script)
		}
		summary.TotalErrors += count
		summary.ErrorsByType[key.errorType] += count
		summary.ErrorsByScript[key.script] += count

		lastErr := er.lastErrors[key]
		if count > mostCommonCount {
			mostCommonCount = count
			summary.MostCommonError = lastErr
		}
		if lastErr != nil && lastErr.Timestamp.After(summary.LastErrorTime) {
			summary.LastErrorTime = lastErr.Timestamp
		}
	}
	sort.Strings(summary.UnhealthyScripts)

	return summary
}

// ClearErrorHistory clears error tracking history
func (er *ErrorReporter) ClearErrorHistory() {
	er.mu.Lock()
	er.errorCounts = make(map[errorKey]int)
	er.lastErrors = make(map[errorKey]*ScriptError)
	er.mu.Unlock()
	slog.Info("Error history cleared")
}

// SetPolicy updates the reporting policy
func (er *ErrorReporter) SetPolicy(policy ReportingPolicy) {
	er.mu.Lock()
	er.policy = policy
	er.mu.Unlock()
	slog.Info("Error reporting policy updated",
		"escalate_after", policy.EscalateAfter,
		"alert_threshold", policy.AlertThreshold,
	)
}
