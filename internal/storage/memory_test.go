package storage_test

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"solarcms/internal/models"
	"solarcms/internal/storage"
)

func newAsset(created time.Time, status models.Status) *models.Asset {
	return &models.Asset{
		ID:             uuid.New(),
		SourceFilename: "panel",
		Status:         status,
		Variants:       map[string]models.Variant{},
		CreatedAt:      created,
		UpdatedAt:      created,
	}
}

func TestMemoryStorage_CRUD(t *testing.T) {
	// given
	ctx := context.Background()
	store := storage.NewMemoryStorage()
	now := time.Now()
	older := newAsset(now.Add(-time.Hour), models.StatusReady)
	newer := newAsset(now, models.StatusProcessing)

	// when
	require.NoError(t, store.Create(ctx, older))
	require.NoError(t, store.Create(ctx, newer))

	// then
	list, err := store.List(ctx)
	require.NoError(t, err)
	require.Len(t, list, 2)
	require.Equal(t, newer.ID, list[0].ID, "most recent first")
	require.Equal(t, older.ID, list[1].ID)

	t.Run("should isolate stored copies", func(t *testing.T) {
		got, err := store.Get(ctx, older.ID)
		require.NoError(t, err)
		got.Variants["large"] = models.Variant{URL: "/x"}

		again, err := store.Get(ctx, older.ID)
		require.NoError(t, err)
		require.Empty(t, again.Variants)
	})

	t.Run("should update in place", func(t *testing.T) {
		got, err := store.Get(ctx, newer.ID)
		require.NoError(t, err)
		got.Status = models.StatusReady
		require.NoError(t, store.Update(ctx, got))

		again, err := store.Get(ctx, newer.ID)
		require.NoError(t, err)
		require.Equal(t, models.StatusReady, again.Status)
	})

	t.Run("should report not found", func(t *testing.T) {
		_, err := store.Get(ctx, uuid.New())
		require.ErrorIs(t, err, models.ErrNotFound)
		require.ErrorIs(t, store.Update(ctx, newAsset(now, models.StatusReady)), models.ErrNotFound)
		require.ErrorIs(t, store.Delete(ctx, uuid.New()), models.ErrNotFound)
	})

	t.Run("should delete", func(t *testing.T) {
		require.NoError(t, store.Delete(ctx, older.ID))
		list, err := store.List(ctx)
		require.NoError(t, err)
		require.Len(t, list, 1)
	})
}

func TestMemoryStorage_ListStale(t *testing.T) {
	ctx := context.Background()
	store := storage.NewMemoryStorage()
	now := time.Now()

	stale := newAsset(now.Add(-time.Hour), models.StatusProcessing)
	fresh := newAsset(now, models.StatusProcessing)
	done := newAsset(now.Add(-time.Hour), models.StatusReady)
	for _, a := range []*models.Asset{stale, fresh, done} {
		require.NoError(t, store.Create(ctx, a))
	}

	got, err := store.ListStale(ctx, models.StatusProcessing, now.Add(-time.Minute))
	require.NoError(t, err)
	require.Len(t, got, 1)
	require.Equal(t, stale.ID, got[0].ID)
}
