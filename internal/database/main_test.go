package database

import (
	"context"
	"testing"

	"github.com/nfrund/hookscript/internal/testutils"
	"github.com/stretchr/testify/require"
	"github.com/surrealdb/surrealdb.go"
)

// setupTestDB connects to the test database, skipping when none is
// configured.
func setupTestDB(t *testing.T, tables ...string) *surrealdb.DB {
	t.Helper()
	cfg := testutils.SurrealConfig(t)

	ctx := context.Background()
	db, err := NewDB(ctx, cfg)
	require.NoError(t, err, "failed to connect to test database")

	t.Cleanup(func() {
		for _, table := range tables {
			_ = Execute(context.Background(), db, "DELETE type::table($tb)", map[string]any{"tb": table})
		}
		db.Close(context.Background())
	})
	return db
}
