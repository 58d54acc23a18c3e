package catalogue

import (
	"context"
	"testing"

	"github.com/nfrund/hookscript/internal/script"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemory_Contract(t *testing.T) {
	store, err := NewMemory()
	require.NoError(t, err)
	runStoreContract(t, store)
}

func TestMemory_ReturnsCopies(t *testing.T) {
	store, err := NewMemory(newScript("1", "guard", script.ManualTrigger()))
	require.NoError(t, err)

	got, err := store.Get(context.Background(), "1")
	require.NoError(t, err)
	got.Code = "mutated"

	again, err := store.Get(context.Background(), "1")
	require.NoError(t, err)
	assert.Equal(t, `result := 1`, again.Code)
}

func TestNewMemory_RejectsInvalid(t *testing.T) {
	_, err := NewMemory(newScript("1", "", script.ManualTrigger()))
	assert.Error(t, err)

	_, err = NewMemory(
		newScript("1", "same", script.ManualTrigger()),
		newScript("2", "same", script.ManualTrigger()),
	)
	assert.ErrorIs(t, err, ErrDuplicateName)
}
