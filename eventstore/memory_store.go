package eventstore

import (
	"context"
	"sync"

	"coreflow-backend/models"
)

type aggregateKey struct {
	typ string
	id  string
}

// MemoryStore is a process-local Store for tests.
type MemoryStore struct {
	mu          sync.Mutex
	events      []models.DomainEvent
	versions    map[aggregateKey]int
	snapshots   map[aggregateKey]models.EventSnapshot
	checkpoints map[string]int64
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		versions:    make(map[aggregateKey]int),
		snapshots:   make(map[aggregateKey]models.EventSnapshot),
		checkpoints: make(map[string]int64),
	}
}

func (m *MemoryStore) Append(_ context.Context, events []models.DomainEvent) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	next := make(map[aggregateKey]int)
	for _, ev := range events {
		k := aggregateKey{ev.AggregateType, ev.AggregateID}
		cur, ok := next[k]
		if !ok {
			cur = m.versions[k]
		}
		if ev.Version != cur+1 {
			return ErrVersionConflict
		}
		next[k] = ev.Version
	}
	for i := range events {
		events[i].Position = int64(len(m.events) + 1)
		m.events = append(m.events, events[i])
	}
	for k, v := range next {
		m.versions[k] = v
	}
	return nil
}

func (m *MemoryStore) Load(_ context.Context, aggregateType, aggregateID string, afterVersion int) ([]models.DomainEvent, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []models.DomainEvent
	for _, ev := range m.events {
		if ev.AggregateType == aggregateType && ev.AggregateID == aggregateID && ev.Version > afterVersion {
			out = append(out, ev)
		}
	}
	return out, nil
}

func (m *MemoryStore) Version(_ context.Context, aggregateType, aggregateID string) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.versions[aggregateKey{aggregateType, aggregateID}], nil
}

func (m *MemoryStore) ReadAll(_ context.Context, afterPosition int64, limit int) ([]models.DomainEvent, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []models.DomainEvent
	for _, ev := range m.events {
		if ev.Position <= afterPosition {
			continue
		}
		out = append(out, ev)
		if limit > 0 && len(out) == limit {
			break
		}
	}
	return out, nil
}

func (m *MemoryStore) SaveSnapshot(_ context.Context, snap *models.EventSnapshot) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	k := aggregateKey{snap.AggregateType, snap.AggregateID}
	if cur, ok := m.snapshots[k]; ok && cur.Version > snap.Version {
		return nil
	}
	m.snapshots[k] = *snap
	return nil
}

func (m *MemoryStore) LatestSnapshot(_ context.Context, aggregateType, aggregateID string) (*models.EventSnapshot, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	snap, ok := m.snapshots[aggregateKey{aggregateType, aggregateID}]
	if !ok {
		return nil, ErrNoSnapshot
	}
	return &snap, nil
}

func (m *MemoryStore) Checkpoint(_ context.Context, name string) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.checkpoints[name], nil
}

func (m *MemoryStore) SaveCheckpoint(_ context.Context, name string, position int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if position > m.checkpoints[name] {
		m.checkpoints[name] = position
	}
	return nil
}
