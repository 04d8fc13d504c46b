package saga

import (
	"context"
	"sort"
	"sync"
	"time"

	"coreflow-backend/models"
)

// MemoryStore is a process-local Store for tests.
type MemoryStore struct {
	mu   sync.Mutex
	seq  uint
	logs map[string]models.TransactionLog
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{logs: make(map[string]models.TransactionLog)}
}

func (m *MemoryStore) Create(_ context.Context, tx *models.TransactionLog) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.seq++
	tx.ID = m.seq
	m.logs[tx.TransactionID] = tx.Clone()
	return nil
}

func (m *MemoryStore) Get(_ context.Context, transactionID string) (*models.TransactionLog, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	tx, ok := m.logs[transactionID]
	if !ok {
		return nil, ErrNotFound
	}
	cp := tx.Clone()
	return &cp, nil
}

func (m *MemoryStore) Save(_ context.Context, next, prev *models.TransactionLog) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cur, ok := m.logs[prev.TransactionID]
	if !ok || cur.Status != prev.Status || cur.CurrentStep != prev.CurrentStep || !cur.UpdatedAt.Equal(prev.UpdatedAt) {
		return ErrConcurrentUpdate
	}
	m.logs[prev.TransactionID] = next.Clone()
	return nil
}

func (m *MemoryStore) ListStale(_ context.Context, before time.Time, limit int) ([]models.TransactionLog, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []models.TransactionLog
	for _, tx := range m.logs {
		if !tx.Status.Terminal() && tx.UpdatedAt.Before(before) {
			out = append(out, tx.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UpdatedAt.Before(out[j].UpdatedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}
