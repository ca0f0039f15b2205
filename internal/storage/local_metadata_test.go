package storage_test

import (
	"context"
	"testing"

	"github.com/ipfs/go-datastore"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/subconsciousnetwork/noosphere-sub001/internal/storage"
)

func TestLocalMetadata_SetAndGetRoundTrip(t *testing.T) {
	ctx := context.Background()
	db, err := storage.OpenSphereDB(ctx, datastore.NewMapDatastore())
	require.NoError(t, err)

	md := db.LocalMetadata()
	_, ok, err := md.GatewayURL(ctx)
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, md.SetGatewayURL(ctx, "https://gateway.example"))
	v, ok, err := md.GatewayURL(ctx)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "https://gateway.example", v)
}

func TestMigrate_AppliesOnlyUnappliedStepsInOrder(t *testing.T) {
	ctx := context.Background()
	db, err := storage.OpenSphereDB(ctx, datastore.NewMapDatastore())
	require.NoError(t, err)

	var ran []string
	steps := []storage.MigrationStep{
		{Name: "001-init", Run: func(ctx context.Context, db *storage.SphereDB) error {
			ran = append(ran, "001-init")
			return nil
		}},
		{Name: "002-add-index", Run: func(ctx context.Context, db *storage.SphereDB) error {
			ran = append(ran, "002-add-index")
			return nil
		}},
	}

	require.NoError(t, storage.Migrate(ctx, db, steps))
	assert.Equal(t, []string{"001-init", "002-add-index"}, ran)

	ran = nil
	steps = append(steps, storage.MigrationStep{
		Name: "003-backfill",
		Run: func(ctx context.Context, db *storage.SphereDB) error {
			ran = append(ran, "003-backfill")
			return nil
		},
	})
	require.NoError(t, storage.Migrate(ctx, db, steps))
	assert.Equal(t, []string{"003-backfill"}, ran)
}
