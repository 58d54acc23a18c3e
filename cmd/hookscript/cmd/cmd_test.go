package cmd

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"os"
	"path/filepath"
	"testing"

	"github.com/nfrund/hookscript/internal/script"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	doubleScript = `
name: double
status: active
trigger: {kind: manual}
code: |
  entity.doubled = true
  result := entity.n * 2
`
	guardScript = `
name: invoice_guard
status: active
trigger: {kind: event, entity_type: invoice, event: before_create}
code: |
  if entity.amount < 0 { abort("negative amount") }
`
	nightlyScript = `
name: nightly_cleanup
status: active
trigger: {kind: cron, expression: "0 3 * * *"}
code: |
  log("cleanup")
`
	sneakyGuard = `
name: sneaky_guard
status: active
trigger: {kind: event, entity_type: invoice, event: before_update}
code: |
  records.get("invoice", entity.id)
`
)

func scriptsDir(t *testing.T, files map[string]string) string {
	t.Helper()
	dir := t.TempDir()
	for name, content := range files {
		require.NoError(t, os.WriteFile(filepath.Join(dir, name), []byte(content), 0644))
	}
	return dir
}

func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	buf := new(bytes.Buffer)
	rootCmd.SetOut(buf)
	rootCmd.SetErr(io.Discard)
	rootCmd.SetArgs(args)
	err := rootCmd.Execute()
	return buf.String(), err
}

func TestVersionCommand(t *testing.T) {
	out, err := execute(t, "version")
	require.NoError(t, err)
	assert.Contains(t, out, "hookscript v"+version)
}

func TestRunCommand(t *testing.T) {
	dir := scriptsDir(t, map[string]string{"double.yaml": doubleScript})

	out, err := execute(t, "run", "double",
		"--catalogue", "file", "--scripts-dir", dir,
		"--entity", `{"n": 21}`, "--format", "json")
	require.NoError(t, err)

	var got ResultDisplay
	require.NoError(t, json.Unmarshal([]byte(out), &got))
	assert.Equal(t, "double", got.Script)
	assert.Equal(t, "manual", got.Phase)
	assert.Equal(t, "success", got.Outcome)
	assert.Equal(t, float64(42), got.Result)
	assert.Equal(t, map[string]any{"doubled": true}, got.Changes)

	_, err = execute(t, "run", "missing", "--catalogue", "file", "--scripts-dir", dir, "--entity", "", "--format", "table")
	assert.Error(t, err)
}

func TestRunCommand_RejectsBadEntity(t *testing.T) {
	_, err := execute(t, "run", "double", "--catalogue", "memory", "--entity", `[1, 2]`)
	assert.ErrorContains(t, err, "JSON object")
}

func TestPhaseCommand(t *testing.T) {
	dir := scriptsDir(t, map[string]string{"guard.yaml": guardScript})

	out, err := execute(t, "phase", "invoice", "before_create",
		"--catalogue", "file", "--scripts-dir", dir,
		"--entity", `{"amount": -5}`, "--format", "json")
	require.NoError(t, err)

	var got PhaseDisplay
	require.NoError(t, json.Unmarshal([]byte(out), &got))
	assert.Equal(t, "aborted", got.Status)
	assert.False(t, got.Proceed)
	assert.Equal(t, "negative amount", got.Reason)
	require.Len(t, got.Results, 1)
	assert.Equal(t, "aborted", got.Results[0].Outcome)
}

func TestPhaseCommand_ReportsErrors(t *testing.T) {
	dir := scriptsDir(t, map[string]string{"sneaky.yaml": sneakyGuard})

	out, err := execute(t, "phase", "invoice", "before_update",
		"--catalogue", "file", "--scripts-dir", dir,
		"--entity", `{"id": "inv-1"}`, "--format", "json")
	require.NoError(t, err)

	var got PhaseDisplay
	require.NoError(t, json.Unmarshal([]byte(out), &got))
	require.NotNil(t, got.Errors)
	assert.Equal(t, 1, got.Errors.Total)
	assert.Equal(t, 1, got.Errors.ByScript["sneaky_guard"])
	assert.Equal(t, 1, got.Errors.ByType["compilation"])

	out, err = execute(t, "phase", "invoice", "before_update",
		"--catalogue", "file", "--scripts-dir", dir,
		"--entity", `{"id": "inv-1"}`, "--format", "table")
	require.NoError(t, err)
	assert.Contains(t, out, "Errors: 1")
	assert.Contains(t, out, "sneaky_guard")
}

func TestLogErrorWindow(t *testing.T) {
	reporter := script.NewErrorReporter()
	reporter.SetPolicy(script.ReportingPolicy{EscalateAfter: 1, AlertThreshold: 2})
	assert.Nil(t, logErrorWindow(reporter))

	ctx := context.Background()
	reporter.ReportError(ctx, script.NewScriptError(script.ErrorTypeRuntime, "flaky", "boom", nil), nil)
	reporter.ReportError(ctx, script.NewScriptError(script.ErrorTypeRuntime, "flaky", "boom", nil), nil)

	d := logErrorWindow(reporter)
	require.NotNil(t, d)
	assert.Equal(t, 2, d.Total)
	assert.Equal(t, []string{"flaky"}, d.Unhealthy)
	assert.Zero(t, reporter.GetErrorSummary().TotalErrors, "each window starts empty")

	buf := new(bytes.Buffer)
	writeErrorsTable(buf, d)
	assert.Contains(t, buf.String(), "flaky")
	assert.Contains(t, buf.String(), "unhealthy")
}

func TestValidateCommand(t *testing.T) {
	good := scriptsDir(t, map[string]string{
		"guard.yaml":   guardScript,
		"nightly.yaml": nightlyScript,
	})
	out, err := execute(t, "validate", good, "--catalogue", "memory")
	require.NoError(t, err)
	assert.Contains(t, out, "✅ invoice_guard")
	assert.Contains(t, out, "2 scripts checked, 0 failed")

	bad := scriptsDir(t, map[string]string{
		"sneaky.yaml":  sneakyGuard,
		"broken.yaml":  "name: [oops",
		"weekly.yaml":  "name: weekly\nstatus: active\ntrigger: {kind: cron, expression: every tuesday}\ncode: x := 1\n",
		"nightly.yaml": nightlyScript,
	})
	out, err = execute(t, "validate", bad, "--catalogue", "memory")
	assert.Error(t, err)
	assert.Contains(t, out, "❌ sneaky_guard")
	assert.Contains(t, out, "❌ weekly")
	assert.Contains(t, out, "broken.yaml")
	assert.Contains(t, out, "✅ nightly_cleanup")
	assert.Contains(t, out, "4 scripts checked, 3 failed")
}

func TestJobsAndScriptsCommands(t *testing.T) {
	dir := scriptsDir(t, map[string]string{
		"guard.yaml":   guardScript,
		"nightly.yaml": nightlyScript,
	})

	out, err := execute(t, "jobs", "--catalogue", "file", "--scripts-dir", dir, "--format", "table")
	require.NoError(t, err)
	assert.Contains(t, out, "nightly_cleanup")
	assert.Contains(t, out, "0 3 * * *")
	assert.NotContains(t, out, "invoice_guard")

	out, err = execute(t, "scripts", "--catalogue", "file", "--scripts-dir", dir, "--format", "table")
	require.NoError(t, err)
	assert.Contains(t, out, "invoice_guard")
	assert.Contains(t, out, "event(invoice.before_create)")
	assert.Contains(t, out, "cron(0 3 * * *)")
}

func TestTruncateString(t *testing.T) {
	assert.Equal(t, "short", truncateString("short", 10))
	assert.Equal(t, "a b", truncateString("a\nb", 10))
	assert.Equal(t, "abcdefg...", truncateString("abcdefghijklmnop", 10))
}
