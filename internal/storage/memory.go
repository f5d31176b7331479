package storage

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"solarcms/internal/models"
)

// MemoryStorage is an in-process record store for local runs and tests.
// Records are copied in and out so callers never share state with the store.
type MemoryStorage struct {
	mu     sync.RWMutex
	assets map[uuid.UUID]*models.Asset
}

func NewMemoryStorage() *MemoryStorage {
	return &MemoryStorage{assets: make(map[uuid.UUID]*models.Asset)}
}

func (m *MemoryStorage) Create(_ context.Context, a *models.Asset) error {
	const op = "storage.MemoryStorage.Create"
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.assets[a.ID]; ok {
		return fmt.Errorf("%s: duplicate id %s", op, a.ID)
	}
	m.assets[a.ID] = a.Clone()
	return nil
}

func (m *MemoryStorage) Get(_ context.Context, id uuid.UUID) (*models.Asset, error) {
	const op = "storage.MemoryStorage.Get"
	m.mu.RLock()
	defer m.mu.RUnlock()
	a, ok := m.assets[id]
	if !ok {
		return nil, fmt.Errorf("%s: %w", op, models.ErrNotFound)
	}
	return a.Clone(), nil
}

func (m *MemoryStorage) Update(_ context.Context, a *models.Asset) error {
	const op = "storage.MemoryStorage.Update"
	m.mu.Lock()
	defer m.mu.Unlock()
	prev, ok := m.assets[a.ID]
	if !ok {
		return fmt.Errorf("%s: %w", op, models.ErrNotFound)
	}
	c := a.Clone()
	c.CreatedAt = prev.CreatedAt
	m.assets[a.ID] = c
	return nil
}

func (m *MemoryStorage) Delete(_ context.Context, id uuid.UUID) error {
	const op = "storage.MemoryStorage.Delete"
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.assets[id]; !ok {
		return fmt.Errorf("%s: %w", op, models.ErrNotFound)
	}
	delete(m.assets, id)
	return nil
}

func (m *MemoryStorage) List(_ context.Context) ([]*models.Asset, error) {
	m.mu.RLock()
	out := make([]*models.Asset, 0, len(m.assets))
	for _, a := range m.assets {
		out = append(out, a.Clone())
	}
	m.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID.String() < out[j].ID.String()
		}
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})
	return out, nil
}

func (m *MemoryStorage) ListStale(_ context.Context, status models.Status, before time.Time) ([]*models.Asset, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*models.Asset
	for _, a := range m.assets {
		if a.Status == status && a.UpdatedAt.Before(before) {
			out = append(out, a.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UpdatedAt.Before(out[j].UpdatedAt) })
	return out, nil
}
