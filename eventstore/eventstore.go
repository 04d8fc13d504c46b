package eventstore

import (
	"context"
	"errors"
	"fmt"
	"time"

	json "github.com/goccy/go-json"
	"github.com/google/uuid"
	"gorm.io/datatypes"

	"coreflow-backend/models"
)

// Aggregate identifies the stream an event belongs to.
type Aggregate struct {
	TenantID string
	Type     string
	ID       string
}

// NewEvent is an event before it is stored.
type NewEvent struct {
	Type     string
	Payload  any
	Metadata map[string]any
}

// EventStore appends and reads domain events.
type EventStore struct {
	store Store
	now   func() time.Time
}

func New(store Store) *EventStore {
	return &EventStore{store: store, now: time.Now}
}

// Store exposes the underlying storage.
func (s *EventStore) Store() Store {
	return s.store
}

// Append writes events after expectedVersion. Versions expectedVersion+1.. are assigned in order.
func (s *EventStore) Append(ctx context.Context, agg Aggregate, expectedVersion int, events ...NewEvent) ([]models.DomainEvent, error) {
	if agg.Type == "" || agg.ID == "" {
		return nil, fmt.Errorf("append: aggregate type and id are required")
	}
	now := s.now().UTC()
	out := make([]models.DomainEvent, 0, len(events))
	for i, e := range events {
		payload, err := encode(e.Payload)
		if err != nil {
			return nil, fmt.Errorf("encode %s payload: %w", e.Type, err)
		}
		var meta datatypes.JSON
		if len(e.Metadata) > 0 {
			if meta, err = encode(e.Metadata); err != nil {
				return nil, fmt.Errorf("encode %s metadata: %w", e.Type, err)
			}
		}
		out = append(out, models.DomainEvent{
			ID:            uuid.NewString(),
			TenantID:      agg.TenantID,
			AggregateType: agg.Type,
			AggregateID:   agg.ID,
			Version:       expectedVersion + i + 1,
			EventType:     e.Type,
			Payload:       payload,
			Metadata:      meta,
			OccurredAt:    now,
		})
	}
	if err := s.store.Append(ctx, out); err != nil {
		return nil, err
	}
	return out, nil
}

// AppendNext appends after the current version, retrying a few times when another writer wins.
func (s *EventStore) AppendNext(ctx context.Context, agg Aggregate, events ...NewEvent) ([]models.DomainEvent, error) {
	var lastErr error
	for attempt := 0; attempt < 3; attempt++ {
		v, err := s.store.Version(ctx, agg.Type, agg.ID)
		if err != nil {
			return nil, fmt.Errorf("read %s/%s version: %w", agg.Type, agg.ID, err)
		}
		out, err := s.Append(ctx, agg, v, events...)
		if !errors.Is(err, ErrVersionConflict) {
			return out, err
		}
		lastErr = err
	}
	return nil, lastErr
}

// Load returns the events of one aggregate after afterVersion in version order.
func (s *EventStore) Load(ctx context.Context, aggregateType, aggregateID string, afterVersion int) ([]models.DomainEvent, error) {
	return s.store.Load(ctx, aggregateType, aggregateID, afterVersion)
}

// ReadAll returns up to limit events after afterPosition in global order.
func (s *EventStore) ReadAll(ctx context.Context, afterPosition int64, limit int) ([]models.DomainEvent, error) {
	if limit <= 0 {
		limit = 500
	}
	return s.store.ReadAll(ctx, afterPosition, limit)
}

// SaveSnapshot stores state as the aggregate's state at version.
func (s *EventStore) SaveSnapshot(ctx context.Context, agg Aggregate, version int, state any) error {
	raw, err := encode(state)
	if err != nil {
		return fmt.Errorf("encode snapshot: %w", err)
	}
	return s.store.SaveSnapshot(ctx, &models.EventSnapshot{
		TenantID:      agg.TenantID,
		AggregateType: agg.Type,
		AggregateID:   agg.ID,
		Version:       version,
		State:         raw,
		CreatedAt:     s.now().UTC(),
	})
}

// Applier folds one event into state.
type Applier func(state any, ev models.DomainEvent) error

// Rehydrate rebuilds state from the latest snapshot plus the events after it. It returns the
// aggregate version reached and how many events were replayed on top of the snapshot.
func (s *EventStore) Rehydrate(ctx context.Context, aggregateType, aggregateID string, state any, apply Applier) (version, replayed int, err error) {
	snap, err := s.store.LatestSnapshot(ctx, aggregateType, aggregateID)
	switch {
	case errors.Is(err, ErrNoSnapshot):
	case err != nil:
		return 0, 0, fmt.Errorf("load snapshot: %w", err)
	default:
		if err := json.Unmarshal(snap.State, state); err != nil {
			return 0, 0, fmt.Errorf("decode snapshot: %w", err)
		}
		version = snap.Version
	}

	events, err := s.store.Load(ctx, aggregateType, aggregateID, version)
	if err != nil {
		return 0, 0, fmt.Errorf("load events: %w", err)
	}
	for _, ev := range events {
		if err := apply(state, ev); err != nil {
			return 0, 0, fmt.Errorf("apply %s v%d: %w", ev.EventType, ev.Version, err)
		}
		version = ev.Version
	}
	return version, len(events), nil
}

// Decode unmarshals an event payload.
func Decode(ev models.DomainEvent, v any) error {
	return json.Unmarshal(ev.Payload, v)
}

func encode(v any) (datatypes.JSON, error) {
	if v == nil {
		return datatypes.JSON("{}"), nil
	}
	if raw, ok := v.(datatypes.JSON); ok {
		return raw, nil
	}
	b, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	return datatypes.JSON(b), nil
}
