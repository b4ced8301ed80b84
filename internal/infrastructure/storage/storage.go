package storage

import (
	"context"
	"sync"

	"livefeed/internal/application/port"
	"livefeed/internal/domain/model"
)

// MemoryRepository keeps the latest update per key in memory
type MemoryRepository struct {
	mu     sync.RWMutex
	latest map[model.Key]model.Update
	saves  int
}

var _ port.UpdateRepository = (*MemoryRepository)(nil)

// NewMemoryRepository creates an empty repository
func NewMemoryRepository() *MemoryRepository {
	return &MemoryRepository{latest: make(map[model.Key]model.Update)}
}

func (r *MemoryRepository) SaveLatest(ctx context.Context, u model.Update) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if prev, ok := r.latest[u.Key()]; ok && u.Timestamp.Before(prev.Timestamp) {
		return nil
	}
	r.latest[u.Key()] = u
	r.saves++
	return nil
}

// Latest returns the stored update for key
func (r *MemoryRepository) Latest(key model.Key) (model.Update, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	u, ok := r.latest[key]
	return u, ok
}

// Len returns the number of keys stored
func (r *MemoryRepository) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.latest)
}

// Saves returns how many updates were accepted
func (r *MemoryRepository) Saves() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.saves
}

func (r *MemoryRepository) Close() error { return nil }
