package script

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEngineSet_UsesPhasePresets(t *testing.T) {
	engines, err := NewEngineSet(NewBridge(nil, nil), DefaultPhaseConfigs())
	require.NoError(t, err)

	before, err := engines.Engine(PhaseBefore)
	require.NoError(t, err)
	manual, err := engines.Engine(PhaseManual)
	require.NoError(t, err)

	assert.Equal(t, StrictEngineConfig(), before.Config())
	assert.Equal(t, RelaxedEngineConfig(), manual.Config())
	assert.NotNil(t, engines.EngineFor(PhaseScheduled))
}

func TestEngineSet_Check(t *testing.T) {
	engines, err := NewEngineSet(NewBridge(newMemoryRecords(), &fakeNotifier{}), DefaultPhaseConfigs())
	require.NoError(t, err)

	tests := []struct {
		name    string
		script  *Script
		errType ErrorType
	}{
		{"after hook reads records", activeScript("1", "a", `records.get("x", "1")`, EventTrigger("invoice", EventAfterCreate)), ""},
		{"before hook cannot read records", activeScript("2", "b", `records.get("x", "1")`, EventTrigger("invoice", EventBeforeCreate)), ErrorTypeCompilation},
		{"syntax error", activeScript("3", "c", `x := `, ManualTrigger()), ErrorTypeCompilation},
		{"cron script notifies", activeScript("4", "d", `notify("ops", "hi")`, CronTrigger("@daily")), ""},
		{"unknown trigger", activeScript("5", "e", `x := 1`, Trigger{Kind: "webhook"}), ErrorTypeInvalidScript},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := engines.Check(tt.script)
			if tt.errType == "" {
				assert.NoError(t, err)
				return
			}
			requireScriptError(t, err, tt.errType)
		})
	}
}
