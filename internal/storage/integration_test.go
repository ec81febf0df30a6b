package storage

import (
	"context"
	"fmt"
	"os"
	"testing"

	"github.com/docker/go-connections/nat"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/example/storymap-studio/internal/ordering"
	"github.com/example/storymap-studio/internal/types"
)

// setupTestContainer starts Postgres and applies the embedded migrations. It
// skips unless STORYMAP_INTEGRATION=1.
func setupTestContainer(t *testing.T) *DB {
	t.Helper()
	if os.Getenv("STORYMAP_INTEGRATION") != "1" {
		t.Skip("set STORYMAP_INTEGRATION=1 to run Postgres integration tests")
	}

	ctx := context.Background()
	req := testcontainers.ContainerRequest{
		Image:        "postgres:17-alpine",
		ExposedPorts: []string{"5432/tcp"},
		Env: map[string]string{
			"POSTGRES_USER":     "test",
			"POSTGRES_PASSWORD": "test",
			"POSTGRES_DB":       "testdb",
		},
		WaitingFor: wait.ForSQL("5432/tcp", "pgx", func(host string, port nat.Port) string {
			return fmt.Sprintf("postgres://test:test@%s:%s/testdb?sslmode=disable", host, port.Port())
		}),
	}

	container, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: req,
		Started:          true,
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = container.Terminate(ctx) })

	host, err := container.Host(ctx)
	require.NoError(t, err)
	port, err := container.MappedPort(ctx, "5432")
	require.NoError(t, err)

	pool, err := pgxpool.New(ctx, fmt.Sprintf("postgres://test:test@%s:%s/testdb?sslmode=disable", host, port.Port()))
	require.NoError(t, err)
	t.Cleanup(pool.Close)

	version, err := Migrate(ctx, pool)
	require.NoError(t, err)
	require.EqualValues(t, 1, version)

	return NewDB(pool)
}

func TestStoresRoundTrip(t *testing.T) {
	db := setupTestContainer(t)
	ctx := context.Background()

	sites := NewSiteStore(db)
	checkpoints := NewCheckpointStore(db)
	memories := NewMemoryStore(db)

	site, err := sites.Create(ctx, types.DefaultSite("user-1", "ana-and-joao"))
	require.NoError(t, err)

	_, err = sites.Create(ctx, types.DefaultSite("user-2", "ana-and-joao"))
	assert.ErrorIs(t, err, ErrConflict)

	available, err := sites.PathAvailable(ctx, "ana-and-joao")
	require.NoError(t, err)
	assert.False(t, available)

	titles := []string{"A", "B", "C"}
	ids := make([]string, len(titles))
	for i, title := range titles {
		cp := types.NewCheckpoint(site.ID)
		cp.Title = title
		ids[i], err = checkpoints.CreateOne(ctx, ordering.Item[*types.Checkpoint]{Position: i, Value: cp})
		require.NoError(t, err)
	}

	list, err := checkpoints.ListBySite(ctx, site.ID)
	require.NoError(t, err)
	require.Len(t, list, 3)

	// drag C to the front
	order := []*types.Checkpoint{list[2], list[0], list[1]}
	batch := make([]ordering.Item[*types.Checkpoint], len(order))
	for i, cp := range order {
		batch[i] = ordering.Item[*types.Checkpoint]{ID: cp.ID, Position: i, Value: cp}
	}
	require.NoError(t, checkpoints.UpsertBatch(ctx, batch))

	list, err = checkpoints.ListBySite(ctx, site.ID)
	require.NoError(t, err)
	assert.Equal(t, []string{"C", "A", "B"}, []string{list[0].Title, list[1].Title, list[2].Title})

	inView, err := checkpoints.ListInBounds(ctx, site.ID, types.Bounds{MinLng: -1, MinLat: -1, MaxLng: 1, MaxLat: 1})
	require.NoError(t, err)
	assert.Len(t, inView, 3)

	memID, err := memories.CreateOne(ctx, ordering.Item[*types.Memory]{Value: &types.Memory{
		SiteID: site.ID, CheckpointID: ids[0], ImageURL: "https://cdn/x.jpg", ObjectPath: "optimized/1-x.jpg",
	}})
	require.NoError(t, err)

	refs, err := memories.ReferencedObjectPaths(ctx)
	require.NoError(t, err)
	assert.Contains(t, refs, "optimized/1-x.jpg")

	free, err := memories.UnreferencedPaths(ctx, []string{"optimized/1-x.jpg", "optimized/2-gone.jpg"})
	require.NoError(t, err)
	assert.Equal(t, []string{"optimized/2-gone.jpg"}, free)

	paths, err := checkpoints.Delete(ctx, ids[0])
	require.NoError(t, err)
	assert.Equal(t, []string{"optimized/1-x.jpg"}, paths)

	_, err = memories.Delete(ctx, memID)
	assert.ErrorIs(t, err, ErrNotFound, "memories cascade with their checkpoint")

	updated, err := sites.UpdateSettings(ctx, site.ID, types.Settings{
		HeroTitle: "Our story", HeroBlurAmount: 4, TextColor: types.TextColorBlack, MapStyle: "dark", MapZoomLevel: 10,
	})
	require.NoError(t, err)
	assert.Equal(t, "Our story", updated.HeroTitle)

	previous, err := sites.SetHeroBackground(ctx, site.ID, "https://cdn/brand/hero.jpg", "brand/hero.jpg")
	require.NoError(t, err)
	assert.Empty(t, previous)

	fetched, err := sites.GetByPath(ctx, "ana-and-joao")
	require.NoError(t, err)
	assert.Equal(t, "brand/hero.jpg", fetched.HeroBgPath)

	free, err = memories.UnreferencedPaths(ctx, []string{"brand/hero.jpg", "optimized/1-x.jpg"})
	require.NoError(t, err)
	assert.Equal(t, []string{"optimized/1-x.jpg"}, free, "hero backgrounds count as references")
}
