package script

import (
	"context"
	"log/slog"
)

// ScriptLogger provides centralized logging for the script system
type ScriptLogger struct {
	baseFields []slog.Attr
}

// NewScriptLogger creates a new script logger with base fields
func NewScriptLogger() *ScriptLogger {
	return &ScriptLogger{
		baseFields: []slog.Attr{
			slog.String("component", "script_engine"),
		},
	}
}

// LogScriptExecution logs script execution events with consistent structure
func (sl *ScriptLogger) LogScriptExecution(level slog.Level, message string, scriptName string, additionalFields ...slog.Attr) {
	fields := make([]slog.Attr, 0, len(sl.baseFields)+2+len(additionalFields))
	fields = append(fields, sl.baseFields...)
	fields = append(fields,
		slog.String("script", scriptName),
		slog.String("event_type", "script_execution"),
	)
	fields = append(fields, additionalFields...)

	slog.LogAttrs(context.TODO(), level, message, fields...)
}

// LogScriptLifecycle logs script lifecycle events (loading, reloading, scheduling)
func (sl *ScriptLogger) LogScriptLifecycle(level slog.Level, message string, scriptName string, additionalFields ...slog.Attr) {
	fields := make([]slog.Attr, 0, len(sl.baseFields)+2+len(additionalFields))
	fields = append(fields, sl.baseFields...)
	fields = append(fields,
		slog.String("script", scriptName),
		slog.String("event_type", "script_lifecycle"),
	)
	fields = append(fields, additionalFields...)

	slog.LogAttrs(context.TODO(), level, message, fields...)
}

// LogSystemEvent logs system-level script events
func (sl *ScriptLogger) LogSystemEvent(level slog.Level, message string, additionalFields ...slog.Attr) {
	fields := make([]slog.Attr, 0, len(sl.baseFields)+1+len(additionalFields))
	fields = append(fields, sl.baseFields...)
	fields = append(fields, slog.String("event_type", "script_system"))
	fields = append(fields, additionalFields...)

	slog.LogAttrs(context.TODO(), level, message, fields...)
}

// LogExecutionResult logs the outcome and timing of one execution
func (sl *ScriptLogger) LogExecutionResult(result *ExecutionResult) {
	fields := make([]slog.Attr, 0, len(sl.baseFields)+7)
	fields = append(fields, sl.baseFields...)
	fields = append(fields,
		slog.String("script", result.ScriptName),
		slog.String("event_type", "script_performance"),
		slog.Uint64("execution_id", result.ExecutionID),
		slog.String("phase", string(result.Phase)),
		slog.String("outcome", string(result.Outcome.Kind)),
		slog.Duration("execution_time", result.Duration()),
	)

	level := slog.LevelDebug
	switch result.Outcome.Kind {
	case OutcomeAborted:
		fields = append(fields, slog.String("reason", result.Outcome.Reason))
		level = slog.LevelInfo
	case OutcomeFailed:
		if result.Outcome.Err != nil {
			fields = append(fields, slog.String("error_type", string(result.Outcome.Err.Type)))
		}
		level = slog.LevelWarn
	}

	slog.LogAttrs(context.TODO(), level, "Script execution finished", fields...)
}

// LogHotReload logs catalogue hot-reload events
func (sl *ScriptLogger) LogHotReload(action string, scriptName, filePath string, success bool, err error) {
	fields := make([]slog.Attr, 0, len(sl.baseFields)+6)
	fields = append(fields, sl.baseFields...)
	fields = append(fields,
		slog.String("script", scriptName),
		slog.String("file_path", filePath),
		slog.String("action", action),
		slog.String("event_type", "hot_reload"),
		slog.Bool("success", success),
	)

	if err != nil {
		fields = append(fields, slog.String("error", err.Error()))
	}

	level := slog.LevelInfo
	if !success {
		level = slog.LevelError
	}

	message := "Script hot-reload " + action
	slog.LogAttrs(context.TODO(), level, message, fields...)
}

// Global script logger instance
var scriptLogger = NewScriptLogger()

// Convenience functions for common logging operations

// LogExecution logs a script execution event
func LogExecution(level slog.Level, message string, scriptName string, additionalFields ...slog.Attr) {
	scriptLogger.LogScriptExecution(level, message, scriptName, additionalFields...)
}

// LogLifecycle logs a script lifecycle event
func LogLifecycle(level slog.Level, message string, scriptName string, additionalFields ...slog.Attr) {
	scriptLogger.LogScriptLifecycle(level, message, scriptName, additionalFields...)
}

// LogSystem logs a system-level event
func LogSystem(level slog.Level, message string, additionalFields ...slog.Attr) {
	scriptLogger.LogSystemEvent(level, message, additionalFields...)
}

// LogResult logs the outcome of an execution
func LogResult(result *ExecutionResult) {
	scriptLogger.LogExecutionResult(result)
}

// LogHotReloadEvent logs hot-reload events
func LogHotReloadEvent(action string, scriptName, filePath string, success bool, err error) {
	scriptLogger.LogHotReload(action, scriptName, filePath, success, err)
}
