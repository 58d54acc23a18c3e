package catalogue

import (
	"context"
	"testing"

	"github.com/nfrund/hookscript/internal/database"
	"github.com/nfrund/hookscript/internal/testutils"
	"github.com/stretchr/testify/require"
)

func TestSurreal_Contract(t *testing.T) {
	cfg := testutils.SurrealConfig(t)

	ctx := context.Background()
	db, err := database.NewDB(ctx, cfg)
	require.NoError(t, err)
	t.Cleanup(func() {
		_ = database.Execute(context.Background(), db, "DELETE script", nil)
		db.Close(context.Background())
	})
	require.NoError(t, database.Execute(ctx, db, "DELETE script", nil))

	store, err := NewSurreal(ctx, db)
	require.NoError(t, err)
	runStoreContract(t, store)
}
