package cache

import (
	"context"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"

	"github.com/Rjrtgarcia/consultease/internal/model"
)

func newTestCoordinator(t *testing.T) *Coordinator {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })
	return New(rdb)
}

func TestGetFacultyMissThenHit(t *testing.T) {
	c := newTestCoordinator(t)
	ctx := context.Background()

	_, found, err := c.GetFaculty(ctx, 1)
	require.NoError(t, err)
	require.False(t, found)

	f := model.Faculty{ID: 1, Name: "Dr. Santos", Present: true}
	require.NoError(t, c.PutFaculty(ctx, f))

	got, found, err := c.GetFaculty(ctx, 1)
	require.NoError(t, err)
	require.True(t, found)
	require.Equal(t, f.Name, got.Name)
}

func TestInvalidateFacultyRemovesEntryAndListTogether(t *testing.T) {
	c := newTestCoordinator(t)
	ctx := context.Background()

	require.NoError(t, c.PutFaculty(ctx, model.Faculty{ID: 2, Name: "Dr. Cruz"}))
	require.NoError(t, c.PutFacultyList(ctx, []model.Faculty{{ID: 2, Name: "Dr. Cruz"}}))

	require.NoError(t, c.InvalidateFaculty(ctx, 2))

	_, found, err := c.GetFaculty(ctx, 2)
	require.NoError(t, err)
	require.False(t, found)

	_, found, err = c.GetFacultyList(ctx)
	require.NoError(t, err)
	require.False(t, found)
}

func TestInvalidateAllClearsEveryFacultyEntry(t *testing.T) {
	c := newTestCoordinator(t)
	ctx := context.Background()

	require.NoError(t, c.PutFaculty(ctx, model.Faculty{ID: 1}))
	require.NoError(t, c.PutFaculty(ctx, model.Faculty{ID: 2}))
	require.NoError(t, c.PutFacultyList(ctx, []model.Faculty{{ID: 1}, {ID: 2}}))

	require.NoError(t, c.InvalidateAll(ctx))

	for _, id := range []int64{1, 2} {
		_, found, err := c.GetFaculty(ctx, id)
		require.NoError(t, err)
		require.False(t, found)
	}
	_, found, err := c.GetFacultyList(ctx)
	require.NoError(t, err)
	require.False(t, found)
}

func TestConfigSnapshotRoundTrip(t *testing.T) {
	c := newTestCoordinator(t)
	ctx := context.Background()

	type snap struct {
		BatchSize int `json:"batch_size"`
	}
	require.NoError(t, c.PutConfigSnapshot(ctx, snap{BatchSize: 10}))

	var got snap
	found, err := c.GetConfigSnapshot(ctx, &got)
	require.NoError(t, err)
	require.True(t, found)
	require.Equal(t, 10, got.BatchSize)
}
