//go:build integration

package catalog_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/pgtrickle/trickled/internal/catalog"
	"github.com/pgtrickle/trickled/internal/catalog/migrations"
	"github.com/pgtrickle/trickled/internal/dag"
	"github.com/pgtrickle/trickled/internal/errkind"
	"github.com/pgtrickle/trickled/internal/testhelpers"
)

// TestStoreInsertAndLifecycle exercises the full happy path of a catalog
// row: insert, lookup by name and id, status transition, and delete,
// against a real Postgres instance rather than mocked query results, the
// way the pack's own testcontainers-backed suites do for their storage
// layers.
func TestStoreInsertAndLifecycle(t *testing.T) {
	ctx := context.Background()
	pc := testhelpers.StartPostgres(t)
	require.NoError(t, migrations.Run(ctx, pc.Pool))

	store := catalog.NewStore(pc.Pool)

	id, err := store.Insert(ctx, &catalog.StreamTableMeta{
		Relid:         12345,
		Name:          "orders_rollup",
		Schema:        "public",
		DefiningQuery: "SELECT customer_id, count(*) FROM orders GROUP BY customer_id",
		OriginalQuery: "SELECT customer_id, count(*) FROM orders GROUP BY customer_id",
		RefreshMode:   dag.RefreshDifferential,
	})
	require.NoError(t, err)
	require.NotZero(t, id)

	byName, err := store.GetByName(ctx, "public", "orders_rollup")
	require.NoError(t, err)
	require.Equal(t, id, byName.ID)
	require.Equal(t, dag.StatusInitializing, byName.Status)

	require.NoError(t, store.UpdateStatus(ctx, id, dag.StatusActive))

	byID, err := store.GetByID(ctx, id)
	require.NoError(t, err)
	require.Equal(t, dag.StatusActive, byID.Status)

	require.NoError(t, store.UpdateSchedule(ctx, id, "5m"))
	rescheduled, err := store.GetByID(ctx, id)
	require.NoError(t, err)
	require.Equal(t, "5m", rescheduled.Schedule)

	require.NoError(t, store.Delete(ctx, id))
	_, err = store.GetByID(ctx, id)
	require.Error(t, err)
}

// TestStoreInsertRejectsDuplicateName confirms the unique (schema, name)
// constraint surfaces as errkind.AlreadyExists rather than a raw pgx error.
func TestStoreInsertRejectsDuplicateName(t *testing.T) {
	ctx := context.Background()
	pc := testhelpers.StartPostgres(t)
	require.NoError(t, migrations.Run(ctx, pc.Pool))

	store := catalog.NewStore(pc.Pool)
	meta := &catalog.StreamTableMeta{
		Relid:         1,
		Name:          "dup",
		Schema:        "public",
		DefiningQuery: "SELECT 1",
		RefreshMode:   dag.RefreshFull,
	}
	_, err := store.Insert(ctx, meta)
	require.NoError(t, err)

	meta.Relid = 2
	_, err = store.Insert(ctx, meta)
	require.Error(t, err)
	require.True(t, errkind.Is(err, errkind.AlreadyExists))
}
