package webhooks

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
	rows map[string]models.WebhookFailure
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{rows: make(map[string]models.WebhookFailure)}
}

func (m *MemoryStore) Create(_ context.Context, f *models.WebhookFailure) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.rows[f.ID] = *f
	return nil
}

func (m *MemoryStore) Get(_ context.Context, id string) (*models.WebhookFailure, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	f, ok := m.rows[id]
	if !ok {
		return nil, ErrNotFound
	}
	return &f, nil
}

func (m *MemoryStore) Update(_ context.Context, f *models.WebhookFailure, from models.WebhookStatus) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cur, ok := m.rows[f.ID]
	if !ok || cur.Status != from {
		return ErrConcurrentUpdate
	}
	cur.Status = f.Status
	cur.AttemptCount = f.AttemptCount
	cur.FailureReason = f.FailureReason
	cur.StackTrace = f.StackTrace
	cur.LastAttemptAt = f.LastAttemptAt
	cur.ScheduledRetryAt = f.ScheduledRetryAt
	cur.RecoveredAt = f.RecoveredAt
	cur.AbandonedAt = f.AbandonedAt
	cur.UpdatedAt = f.UpdatedAt
	m.rows[f.ID] = cur
	return nil
}

func (m *MemoryStore) Due(_ context.Context, now time.Time, limit int) ([]models.WebhookFailure, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []models.WebhookFailure
	for _, f := range m.rows {
		if f.Status == models.WebhookPending && f.ScheduledRetryAt != nil && !f.ScheduledRetryAt.After(now) {
			out = append(out, f)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if ri, rj := out[i].Priority.Rank(), out[j].Priority.Rank(); ri != rj {
			return ri < rj
		}
		return out[i].ScheduledRetryAt.Before(*out[j].ScheduledRetryAt)
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *MemoryStore) List(_ context.Context, filter Filter) ([]models.WebhookFailure, int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []models.WebhookFailure
	for _, f := range m.rows {
		if filter.Status != "" && f.Status != filter.Status {
			continue
		}
		if filter.Provider != "" && f.SourceProvider != filter.Provider {
			continue
		}
		if filter.TenantID != "" && (f.TenantID == nil || *f.TenantID != filter.TenantID) {
			continue
		}
		out = append(out, f)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	total := int64(len(out))
	if filter.Offset >= len(out) {
		return nil, total, nil
	}
	out = out[filter.Offset:]
	if filter.Limit > 0 && len(out) > filter.Limit {
		out = out[:filter.Limit]
	}
	return out, total, nil
}

func (m *MemoryStore) ReleaseStale(_ context.Context, before, now time.Time) ([]models.WebhookFailure, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var released []models.WebhookFailure
	for id, f := range m.rows {
		if f.Status != models.WebhookProcessing || !f.UpdatedAt.Before(before) {
			continue
		}
		at := now
		if f.AttemptCount > f.MaxRetries {
			f.Status = models.WebhookAbandoned
			f.AbandonedAt = &at
			f.ScheduledRetryAt = nil
		} else {
			f.Status = models.WebhookPending
			f.ScheduledRetryAt = &at
		}
		f.UpdatedAt = now
		m.rows[id] = f
		released = append(released, f)
	}
	return released, nil
}
