package script

import (
	"context"
	"errors"
	"testing"

	"github.com/d5/tengo/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recordingRegistrar struct {
	names map[string]bool
}

func (r *recordingRegistrar) Register(namespace, name string, fn HostFunc) {
	if namespace != "" {
		name = namespace + "." + name
	}
	r.names[name] = true
}

func registeredFor(bridge *Bridge, phase ExecutionPhase) map[string]bool {
	reg := &recordingRegistrar{names: make(map[string]bool)}
	bridge.RegisterForPhase(reg, phase)
	return reg.names
}

func TestBridge_RegisterForPhase(t *testing.T) {
	bridge := NewBridge(newMemoryRecords(), &fakeNotifier{})

	before := registeredFor(bridge, PhaseBefore)
	assert.True(t, before["validate"])
	assert.True(t, before["abort"])
	assert.False(t, before["records.get"])
	assert.False(t, before["notify"])

	after := registeredFor(bridge, PhaseAfter)
	assert.True(t, after["records.update"])
	assert.True(t, after["invoke"])
	assert.False(t, after["webhook"])
	assert.False(t, after["is_email"])

	onCommit := registeredFor(bridge, PhaseOnCommit)
	assert.True(t, onCommit["webhook"])
	assert.False(t, onCommit["records.create"])
	assert.False(t, onCommit["invoke"])

	for _, phase := range []ExecutionPhase{PhaseManual, PhaseScheduled} {
		names := registeredFor(bridge, phase)
		assert.True(t, names["records.find"], phase)
		assert.True(t, names["notify"], phase)
		assert.False(t, names["validate"], phase)
	}
}

func TestBridge_Validation(t *testing.T) {
	engine := newTestEngine(t, DefaultEngineConfig(), nil)

	tests := []struct {
		source string
		want   any
	}{
		{`result := is_email("someone@example.com")`, true},
		{`result := is_email("not-an-email")`, false},
		{`result := validate(5, "min=1,max=10")`, true},
		{`result := validate("", "required")`, false},
		{`result := matches("INV-0042", "^INV-[0-9]{4}$")`, true},
		{`result := matches("inv-42", "^INV-")`, false},
		{`result := is_blank("   ")`, true},
		{`result := is_blank(undefined)`, true},
		{`result := is_blank("x")`, false},
	}

	for _, tt := range tests {
		t.Run(tt.source, func(t *testing.T) {
			result, err := execute(t, engine, PhaseBefore, tt.source, nil)
			require.NoError(t, err)
			assert.Equal(t, tt.want, result)
		})
	}
}

func TestBridge_ValidationErrors(t *testing.T) {
	engine := newTestEngine(t, DefaultEngineConfig(), nil)

	for _, source := range []string{
		`validate("x", "no_such_tag")`,
		`matches("x", "(")`,
		`is_email(42)`,
	} {
		t.Run(source, func(t *testing.T) {
			_, err := execute(t, engine, PhaseBefore, source, nil)
			requireScriptError(t, err, ErrorTypeRuntime)
		})
	}
}

func TestBridge_AbortDefaultReason(t *testing.T) {
	engine := newTestEngine(t, DefaultEngineConfig(), nil)

	_, err := execute(t, engine, PhaseBefore, `abort()`, nil)
	scriptErr := requireScriptError(t, err, ErrorTypeAborted)
	assert.Equal(t, "aborted by script", scriptErr.Reason)
}

func TestBridge_Records(t *testing.T) {
	records := newMemoryRecords()
	bridge := NewBridge(records, nil)
	engine := newTestEngine(t, DefaultEngineConfig(), bridge)

	result, err := execute(t, engine, PhaseAfter, `
		created := records.create("customer", {name: "Ada", tier: "gold"})
		records.update("customer", created.id, {tier: "platinum"})
		fetched := records.get("customer", created.id)
		found := records.find("customer", {tier: "platinum"})
		missing := records.get("customer", "nope")
		result := {name: fetched.name, tier: fetched.tier, found: len(found), missing: is_undefined(missing)}
	`, nil)
	require.NoError(t, err)

	assert.Equal(t, map[string]any{
		"name":    "Ada",
		"tier":    "platinum",
		"found":   int64(1),
		"missing": true,
	}, result)
}

func TestBridge_RecordFindLimit(t *testing.T) {
	records := newMemoryRecords()
	for i := 0; i < 5; i++ {
		_, err := records.Create(context.Background(), "task", map[string]any{"open": true})
		require.NoError(t, err)
	}
	engine := newTestEngine(t, DefaultEngineConfig(), NewBridge(records, nil))

	result, err := execute(t, engine, PhaseAfter, `result := len(records.find("task", {open: true}, 2))`, nil)
	require.NoError(t, err)
	assert.Equal(t, int64(2), result)

	_, err = execute(t, engine, PhaseAfter, `records.find("task", {}, 0)`, nil)
	requireScriptError(t, err, ErrorTypeRuntime)
}

type failingRecords struct {
	memoryRecords
}

func (f *failingRecords) Get(ctx context.Context, entityType, id string) (map[string]any, error) {
	return nil, errors.New("connection refused")
}

func TestBridge_RecordStoreErrorFailsScript(t *testing.T) {
	engine := newTestEngine(t, DefaultEngineConfig(), NewBridge(&failingRecords{}, nil))

	_, err := execute(t, engine, PhaseAfter, `records.get("customer", "1")`, nil)
	scriptErr := requireScriptError(t, err, ErrorTypeRuntime)
	assert.Contains(t, scriptErr.Error(), "connection refused")
}

func TestBridge_NotifyAndWebhook(t *testing.T) {
	notifier := &fakeNotifier{status: 202}
	engine := newTestEngine(t, DefaultEngineConfig(), NewBridge(nil, notifier))

	result, err := execute(t, engine, PhaseOnCommit, `
		notify("billing", "invoice paid", {id: entity.id})
		result := webhook("https://hooks.example.com/paid", {id: entity.id})
	`, NewEntityProxy(map[string]any{"id": "inv-1"}))
	require.NoError(t, err)

	assert.Equal(t, int64(202), result)
	require.Len(t, notifier.sent, 1)
	assert.Equal(t, "billing", notifier.sent[0].channel)
	assert.Equal(t, "invoice paid", notifier.sent[0].message)
	assert.Equal(t, map[string]any{"id": "inv-1"}, notifier.sent[0].payload)
	assert.Equal(t, []string{"https://hooks.example.com/paid"}, notifier.webhooks)
}

func TestBridge_HostArgumentsAreSizeChecked(t *testing.T) {
	config := DefaultEngineConfig()
	config.MaxMapDepth = 2
	notifier := &fakeNotifier{}
	engine := newTestEngine(t, config, NewBridge(nil, notifier))

	_, err := execute(t, engine, PhaseOnCommit, `
		p := {}
		p.a = {}
		p.a.b = {}
		notify("ops", "deep", p)
	`, nil)
	requireScriptError(t, err, ErrorTypeResourceLimit)
	assert.Empty(t, notifier.sent)
}

func TestBridge_InvokeWithoutInvoker(t *testing.T) {
	engine := newTestEngine(t, DefaultEngineConfig(), NewBridge(nil, nil))

	_, err := execute(t, engine, PhaseManual, `invoke("other")`, nil)
	scriptErr := requireScriptError(t, err, ErrorTypeRuntime)
	assert.Contains(t, scriptErr.Error(), "not available")
}

func TestBridge_InvokeHandsBackNestedAbort(t *testing.T) {
	guard := activeScript("g1", "guard", `abort("not today")`, ManualTrigger())
	bridge := NewBridge(nil, nil)
	engines := NewSingleEngineSet(newTestEngine(t, DefaultEngineConfig(), bridge))
	executor := NewExecutor(newStubCatalogue(guard), engines)
	bridge.SetInvoker(executor)

	engine, err := engines.Engine(PhaseManual)
	require.NoError(t, err)

	result, err := execute(t, engine, PhaseManual, `
		out := invoke("guard")
		result := out.ok ? "ran" : out.reason
	`, nil)
	require.NoError(t, err)
	assert.Equal(t, "not today", result)
}

func TestOutcomeObject(t *testing.T) {
	obj, err := outcomeObject(Failed(NewOperationLimitError("s", 10)))
	require.NoError(t, err)

	m, ok := obj.(*tengo.Map)
	require.True(t, ok)
	assert.Equal(t, tengo.FalseValue, m.Value["ok"])
	assert.Equal(t, &tengo.String{Value: string(ErrorTypeOperationLimit)}, m.Value["error_type"])
}
