package history

import (
	"context"
	"sort"
	"sync"
	"time"
)

// MemoryStore implements Store in memory. Used in tests and when no
// DATABASE_URL is configured.
type MemoryStore struct {
	mu        sync.RWMutex
	snapshots []*Snapshot
	nextID    int
}

// NewMemoryStore creates an in-memory snapshot store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{nextID: 1}
}

func (m *MemoryStore) Save(_ context.Context, snap *Snapshot) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	snap.ID = m.nextID
	m.nextID++
	if snap.CreatedAt.IsZero() {
		snap.CreatedAt = time.Now()
	}
	m.snapshots = append(m.snapshots, snap)
	return nil
}

func (m *MemoryStore) SaveBatch(ctx context.Context, snaps []*Snapshot) error {
	for _, s := range snaps {
		if err := m.Save(ctx, s); err != nil {
			return err
		}
	}
	return nil
}

func (m *MemoryStore) History(_ context.Context, q Query) ([]*Snapshot, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var results []*Snapshot
	for _, s := range m.snapshots {
		if s.AgentID != q.AgentID {
			continue
		}
		if !q.From.IsZero() && s.CreatedAt.Before(q.From) {
			continue
		}
		if !q.To.IsZero() && s.CreatedAt.After(q.To) {
			continue
		}
		if !q.Before.IsZero() && !s.CreatedAt.Before(q.Before) {
			continue
		}
		results = append(results, s)
	}

	sort.Slice(results, func(i, j int) bool {
		return results[i].CreatedAt.After(results[j].CreatedAt)
	})

	limit := q.Limit
	if limit <= 0 {
		limit = 100
	}
	if len(results) > limit {
		results = results[:limit]
	}

	return results, nil
}

func (m *MemoryStore) Latest(_ context.Context, agentID string) (*Snapshot, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var latest *Snapshot
	for _, s := range m.snapshots {
		if s.AgentID != agentID {
			continue
		}
		if latest == nil || s.CreatedAt.After(latest.CreatedAt) {
			latest = s
		}
	}
	return latest, nil
}
