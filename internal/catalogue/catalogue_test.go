package catalogue

import (
	"context"
	"sync/atomic"
	"testing"

	"github.com/nfrund/hookscript/internal/script"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newScript(id, name string, trigger script.Trigger) *script.Script {
	return &script.Script{
		ID:      script.ScriptID(id),
		Name:    name,
		Code:    `result := 1`,
		Status:  script.StatusActive,
		Trigger: trigger,
	}
}

// runStoreContract exercises the behaviour every backend shares
func runStoreContract(t *testing.T, store Store) {
	ctx := context.Background()

	var changes atomic.Int32
	store.OnChange(func() { changes.Add(1) })

	seed := []*script.Script{
		newScript("s-beta", "beta", script.EventTrigger("invoice", script.EventBeforeCreate)),
		newScript("s-alpha", "alpha", script.EventTrigger("invoice", script.EventBeforeCreate)),
		newScript("s-other", "other_type", script.EventTrigger("order", script.EventBeforeCreate)),
		newScript("s-nightly", "nightly", script.CronTrigger("0 2 * * *")),
		newScript("s-route", "route", script.APITrigger("/greet", "post")),
		newScript("s-manual", "manual", script.ManualTrigger()),
	}
	disabled := newScript("s-off", "off", script.CronTrigger("@hourly"))
	disabled.Status = script.StatusDisabled
	seed = append(seed, disabled)

	for _, s := range seed {
		_, err := store.Put(ctx, s)
		require.NoError(t, err, s.Name)
	}
	assert.Equal(t, int32(len(seed)), changes.Load())

	t.Run("get", func(t *testing.T) {
		got, err := store.Get(ctx, "s-alpha")
		require.NoError(t, err)
		assert.Equal(t, "alpha", got.Name)
		assert.Equal(t, script.EventTrigger("invoice", script.EventBeforeCreate), got.Trigger)
		assert.False(t, got.UpdatedAt.IsZero())

		byName, err := store.GetByName(ctx, "nightly")
		require.NoError(t, err)
		assert.Equal(t, script.ScriptID("s-nightly"), byName.ID)
	})

	t.Run("misses are not found", func(t *testing.T) {
		_, err := store.Get(ctx, "nope")
		assert.True(t, script.IsNotFound(err))
		_, err = store.GetByName(ctx, "nope")
		assert.True(t, script.IsNotFound(err))
		assert.True(t, script.IsNotFound(store.RecordError(ctx, "nope")))
		assert.True(t, script.IsNotFound(store.Delete(ctx, "nope")))
	})

	t.Run("by event in name order", func(t *testing.T) {
		found, err := store.Find(ctx, script.ByEvent("invoice", script.EventBeforeCreate))
		require.NoError(t, err)
		require.Len(t, found, 2)
		assert.Equal(t, "alpha", found[0].Name)
		assert.Equal(t, "beta", found[1].Name)
	})

	t.Run("scheduled excludes disabled", func(t *testing.T) {
		found, err := store.Find(ctx, script.Scheduled())
		require.NoError(t, err)
		require.Len(t, found, 1)
		assert.Equal(t, "nightly", found[0].Name)
	})

	t.Run("by status", func(t *testing.T) {
		found, err := store.Find(ctx, script.ByStatus(script.StatusDisabled))
		require.NoError(t, err)
		require.Len(t, found, 1)
		assert.Equal(t, "off", found[0].Name)
	})

	t.Run("by api ignores method case", func(t *testing.T) {
		found, err := store.Find(ctx, script.ByAPI("/greet", "POST"))
		require.NoError(t, err)
		require.Len(t, found, 1)

		found, err = store.Find(ctx, script.ByAPI("/greet", "GET"))
		require.NoError(t, err)
		assert.Empty(t, found)
	})

	t.Run("record error", func(t *testing.T) {
		require.NoError(t, store.RecordError(ctx, "s-beta"))
		require.NoError(t, store.RecordError(ctx, "s-beta"))
		got, err := store.Get(ctx, "s-beta")
		require.NoError(t, err)
		assert.Equal(t, int64(2), got.ErrorCount)

		// an edit keeps the counter
		got.Code = `result := 2`
		_, err = store.Put(ctx, got)
		require.NoError(t, err)
		got, err = store.Get(ctx, "s-beta")
		require.NoError(t, err)
		assert.Equal(t, int64(2), got.ErrorCount)
		assert.Equal(t, `result := 2`, got.Code)
	})

	t.Run("duplicate name rejected", func(t *testing.T) {
		_, err := store.Put(ctx, newScript("s-new", "alpha", script.ManualTrigger()))
		assert.ErrorIs(t, err, ErrDuplicateName)
	})

	t.Run("invalid script rejected", func(t *testing.T) {
		bad := newScript("s-bad", "bad", script.Trigger{Kind: script.TriggerCron})
		_, err := store.Put(ctx, bad)
		assert.Error(t, err)
		_, err = store.Get(ctx, "s-bad")
		assert.True(t, script.IsNotFound(err))
	})

	t.Run("generated id", func(t *testing.T) {
		created, err := store.Put(ctx, newScript("", "generated", script.ManualTrigger()))
		require.NoError(t, err)
		assert.NotEmpty(t, created.ID)

		got, err := store.Get(ctx, created.ID)
		require.NoError(t, err)
		assert.Equal(t, "generated", got.Name)
	})

	t.Run("delete and list", func(t *testing.T) {
		require.NoError(t, store.Delete(ctx, "s-manual"))
		_, err := store.Get(ctx, "s-manual")
		assert.True(t, script.IsNotFound(err))

		all, err := store.List(ctx)
		require.NoError(t, err)
		names := make([]string, 0, len(all))
		for _, s := range all {
			names = append(names, s.Name)
		}
		assert.Equal(t, []string{"alpha", "beta", "generated", "nightly", "off", "other_type", "route"}, names)
	})
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		script  *script.Script
		wantErr bool
	}{
		{"valid", newScript("1", "ok", script.ManualTrigger()), false},
		{"nil", nil, true},
		{"missing name", newScript("1", "", script.ManualTrigger()), true},
		{"bad status", &script.Script{ID: "1", Name: "x", Status: "paused", Trigger: script.ManualTrigger()}, true},
		{"mixed trigger", newScript("1", "x", script.Trigger{Kind: script.TriggerManual, Expression: "@hourly"}), true},
		{"unparseable cron is still a valid record", newScript("1", "x", script.CronTrigger("every tuesday")), false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := Validate(tt.script)
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}
