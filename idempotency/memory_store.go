package idempotency

import (
	"context"
	"sync"
	"time"

	"gorm.io/datatypes"

	"coreflow-backend/models"
)

// MemoryStore is a process-local Store used by tests and single-node development.
type MemoryStore struct {
	mu      sync.Mutex
	records map[string]*models.IdempotencyKey
}

// NewMemoryStore returns an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{records: make(map[string]*models.IdempotencyKey)}
}

// Acquire implements Store.
func (m *MemoryStore) Acquire(_ context.Context, rec *models.IdempotencyKey, now time.Time) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if existing, ok := m.records[rec.Key]; ok && !existing.Expired(now) {
		return false, nil
	}
	cp := *rec
	m.records[rec.Key] = &cp
	return true, nil
}

// Get implements Store.
func (m *MemoryStore) Get(_ context.Context, key string) (*models.IdempotencyKey, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.records[key]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *rec
	cp.ResponseBody = append([]byte(nil), rec.ResponseBody...)
	return &cp, nil
}

// Reacquire implements Store.
func (m *MemoryStore) Reacquire(_ context.Context, key string, now, staleBefore time.Time, maxAttempts int) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.records[key]
	if !ok || rec.Expired(now) || rec.ResponseStatus != 0 {
		return false, nil
	}
	failed := !rec.IsProcessing && rec.AttemptCount < maxAttempts
	stale := rec.IsProcessing && rec.LockedAt != nil && rec.LockedAt.Before(staleBefore)
	if !failed && !stale {
		return false, nil
	}
	rec.IsProcessing = true
	rec.LockedAt = &now
	rec.UpdatedAt = now
	return true, nil
}

// Complete implements Store.
func (m *MemoryStore) Complete(_ context.Context, key string, resp Response, now time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.records[key]
	if !ok || !rec.IsProcessing {
		return ErrNotProcessing
	}
	rec.IsProcessing = false
	rec.ResponseStatus = resp.Status
	rec.ResponseBody = append([]byte(nil), resp.Body...)
	rec.ResponseHeaders = datatypes.NewJSONType(copyHeaders(resp.Headers))
	rec.ProcessedAt = &now
	rec.UpdatedAt = now
	return nil
}

// Fail implements Store.
func (m *MemoryStore) Fail(_ context.Context, key string, reason string, now time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.records[key]
	if !ok || !rec.IsProcessing {
		return ErrNotProcessing
	}
	rec.IsProcessing = false
	rec.AttemptCount++
	rec.LastError = &reason
	rec.UpdatedAt = now
	return nil
}

// DeleteExpired implements Store.
func (m *MemoryStore) DeleteExpired(_ context.Context, before time.Time) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var n int64
	for key, rec := range m.records {
		if rec.ExpiresAt.Before(before) {
			delete(m.records, key)
			n++
		}
	}
	return n, nil
}

func copyHeaders(in map[string]string) map[string]string {
	out := make(map[string]string, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}
