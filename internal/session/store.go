package session

import (
	"context"
	"sync"
)

// Store persists terminal session snapshots. Load returns ErrNotFound for
// unknown ids.
type Store interface {
	Save(ctx context.Context, snap Snapshot) error
	Load(ctx context.Context, id string) (Snapshot, error)
}

// MemoryStore is an in-process Store. Snapshots are copied on the way in
// and out.
type MemoryStore struct {
	mu        sync.RWMutex
	snapshots map[string]Snapshot
}

// NewMemoryStore creates an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{snapshots: make(map[string]Snapshot)}
}

func (m *MemoryStore) Save(ctx context.Context, snap Snapshot) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.snapshots[snap.ID] = copySnapshot(snap)
	return nil
}

func (m *MemoryStore) Load(ctx context.Context, id string) (Snapshot, error) {
	if err := ctx.Err(); err != nil {
		return Snapshot{}, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	snap, ok := m.snapshots[id]
	if !ok {
		return Snapshot{}, ErrNotFound
	}
	return copySnapshot(snap), nil
}

// Len returns the number of stored snapshots.
func (m *MemoryStore) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.snapshots)
}

func copySnapshot(snap Snapshot) Snapshot {
	events := make([]GenerationEvent, len(snap.Events))
	copy(events, snap.Events)
	snap.Events = events
	snap.Config = snap.Config.Clone()
	if snap.ClosedAt != nil {
		t := *snap.ClosedAt
		snap.ClosedAt = &t
	}
	return snap
}
