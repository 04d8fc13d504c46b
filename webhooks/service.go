package webhooks

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/gofiber/fiber/v2/log"
	"github.com/google/uuid"
	"gorm.io/datatypes"

	"coreflow-backend/alerts"
	"coreflow-backend/apperr"
	"coreflow-backend/models"
	"coreflow-backend/telemetry"
)

// DefaultMaxRetries applies when a failure carries no explicit limit.
const DefaultMaxRetries = 5

// FailureInput describes a delivery that could not be processed.
type FailureInput struct {
	EventType      string
	SourceProvider string
	Payload        []byte
	Headers        map[string]string
	Reason         string
	StackTrace     string
	TenantID       string
	ImpactLevel    string
	BusinessImpact string
	// Priority overrides the priority derived from ImpactLevel.
	Priority   models.Priority
	MaxRetries int
}

// Options tunes the Service.
type Options struct {
	Backoff        Backoff
	MaxRetries     int
	AttemptTimeout time.Duration
	Alerter        alerts.Alerter
	Now            func() time.Time
}

// Service owns the dead-letter lifecycle of failed webhooks.
type Service struct {
	store          Store
	processor      Processor
	backoff        Backoff
	maxRetries     int
	attemptTimeout time.Duration
	alerter        alerts.Alerter
	now            func() time.Time
}

func NewService(store Store, processor Processor, opts Options) *Service {
	s := &Service{
		store:          store,
		processor:      processor,
		backoff:        opts.Backoff,
		maxRetries:     opts.MaxRetries,
		attemptTimeout: opts.AttemptTimeout,
		alerter:        opts.Alerter,
		now:            opts.Now,
	}
	if s.maxRetries <= 0 {
		s.maxRetries = DefaultMaxRetries
	}
	if s.attemptTimeout <= 0 {
		s.attemptTimeout = 15 * time.Second
	}
	if s.alerter == nil {
		s.alerter = alerts.LogAlerter{}
	}
	if s.now == nil {
		s.now = time.Now
	}
	return s
}

func (s *Service) stamp() time.Time {
	return s.now().UTC().Truncate(time.Microsecond)
}

// PriorityFor maps an impact level to a retry priority.
func PriorityFor(impactLevel string) models.Priority {
	if strings.EqualFold(strings.TrimSpace(impactLevel), "critical") {
		return models.PriorityCritical
	}
	return models.PriorityMedium
}

// Ingest processes an inbound delivery and captures it in the queue when processing fails.
// It returns the stored failure, or nil when the delivery was processed.
func (s *Service) Ingest(ctx context.Context, d Delivery, impactLevel, businessImpact string) (*models.WebhookFailure, error) {
	err := s.attempt(ctx, d)
	if err == nil {
		telemetry.Add(ctx, telemetry.Counters().WebhookOutcomes, "outcome", "processed", "provider", d.Provider)
		return nil, nil
	}
	log.Warnw("webhook processing failed", "provider", d.Provider, "event_type", d.EventType, "tenant_id", d.TenantID, "error", err)

	in := FailureInput{
		EventType:      d.EventType,
		SourceProvider: d.Provider,
		Payload:        d.Payload,
		Headers:        d.Headers,
		Reason:         err.Error(),
		TenantID:       d.TenantID,
		ImpactLevel:    impactLevel,
		BusinessImpact: businessImpact,
	}
	var pe *PanicError
	if errors.As(err, &pe) {
		in.StackTrace = pe.Stack
	}
	return s.RecordFailure(ctx, in)
}

// RecordFailure stores a new pending failure scheduled for its first retry.
func (s *Service) RecordFailure(ctx context.Context, in FailureInput) (*models.WebhookFailure, error) {
	if strings.TrimSpace(in.SourceProvider) == "" {
		return nil, apperr.New(apperr.CodeInvalid, apperr.WithMessage("source provider is required"))
	}
	priority := in.Priority
	if !priority.Valid() {
		priority = PriorityFor(in.ImpactLevel)
	}
	maxRetries := in.MaxRetries
	if maxRetries <= 0 {
		maxRetries = s.maxRetries
	}

	now := s.stamp()
	next := now.Add(s.backoff.Delay(1))
	f := &models.WebhookFailure{
		ID:               uuid.NewString(),
		EventType:        in.EventType,
		SourceProvider:   in.SourceProvider,
		Payload:          in.Payload,
		OriginalHeaders:  datatypes.NewJSONType(cloneHeaders(in.Headers)),
		FailureReason:    in.Reason,
		StackTrace:       optional(in.StackTrace),
		AttemptCount:     1,
		MaxRetries:       maxRetries,
		Status:           models.WebhookPending,
		Priority:         priority,
		TenantID:         optional(in.TenantID),
		ImpactLevel:      optional(in.ImpactLevel),
		BusinessImpact:   optional(in.BusinessImpact),
		LastAttemptAt:    &now,
		ScheduledRetryAt: &next,
		CreatedAt:        now,
		UpdatedAt:        now,
	}
	if err := s.store.Create(ctx, f); err != nil {
		return nil, fmt.Errorf("record webhook failure: %w", err)
	}
	telemetry.Add(ctx, telemetry.Counters().WebhookOutcomes, "outcome", "captured", "provider", f.SourceProvider)
	log.Infow("webhook failure captured", "id", f.ID, "provider", f.SourceProvider, "event_type", f.EventType,
		"priority", string(f.Priority), "scheduled_retry_at", next)
	return f, nil
}

// DueForRetry lists pending failures whose retry time has come, in scheduling order.
func (s *Service) DueForRetry(ctx context.Context, now time.Time, limit int) ([]models.WebhookFailure, error) {
	if limit <= 0 {
		limit = 100
	}
	return s.store.Due(ctx, now, limit)
}

// Retry re-runs a pending failure. On failure the attempt is counted and the row is either
// rescheduled or, past MaxRetries, abandoned.
func (s *Service) Retry(ctx context.Context, id string) (*models.WebhookFailure, error) {
	f, err := s.claim(ctx, id, models.WebhookPending)
	if err != nil {
		return nil, err
	}

	procErr := s.attempt(ctx, delivery(f))
	now := s.stamp()
	f.AttemptCount++
	f.LastAttemptAt = &now
	f.UpdatedAt = now

	if procErr == nil {
		f.Status = models.WebhookRecovered
		f.RecoveredAt = &now
		f.ScheduledRetryAt = nil
		if err := s.store.Update(ctx, f, models.WebhookProcessing); err != nil {
			return nil, fmt.Errorf("mark webhook %s recovered: %w", id, err)
		}
		telemetry.Add(ctx, telemetry.Counters().WebhookOutcomes, "outcome", "recovered", "provider", f.SourceProvider)
		log.Infow("webhook recovered", "id", id, "attempts", f.AttemptCount)
		return f, nil
	}

	f.FailureReason = procErr.Error()
	var pe *PanicError
	if errors.As(procErr, &pe) {
		f.StackTrace = &pe.Stack
	}
	if f.AttemptCount > f.MaxRetries {
		f.Status = models.WebhookAbandoned
		f.AbandonedAt = &now
		f.ScheduledRetryAt = nil
		if err := s.store.Update(ctx, f, models.WebhookProcessing); err != nil {
			return nil, fmt.Errorf("abandon webhook %s: %w", id, err)
		}
		s.abandoned(ctx, f, "retries exhausted")
		return f, nil
	}

	next := now.Add(s.backoff.Delay(f.AttemptCount))
	f.Status = models.WebhookPending
	f.ScheduledRetryAt = &next
	if err := s.store.Update(ctx, f, models.WebhookProcessing); err != nil {
		return nil, fmt.Errorf("reschedule webhook %s: %w", id, err)
	}
	telemetry.Add(ctx, telemetry.Counters().WebhookOutcomes, "outcome", "rescheduled", "provider", f.SourceProvider)
	log.Infow("webhook retry rescheduled", "id", id, "attempts", f.AttemptCount, "scheduled_retry_at", next, "error", procErr)
	return f, nil
}

// Abandon stops retries of a pending failure.
func (s *Service) Abandon(ctx context.Context, id, reason string) (*models.WebhookFailure, error) {
	f, err := s.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if f.Status != models.WebhookPending {
		return nil, apperr.New(apperr.CodeInvalid, apperr.WithHTTP(409),
			apperr.WithMessage(fmt.Sprintf("cannot abandon a %s webhook failure", f.Status)))
	}
	now := s.stamp()
	f.Status = models.WebhookAbandoned
	f.AbandonedAt = &now
	f.ScheduledRetryAt = nil
	f.UpdatedAt = now
	if strings.TrimSpace(reason) != "" {
		f.FailureReason = reason
	}
	if err := s.store.Update(ctx, f, models.WebhookPending); err != nil {
		return nil, fmt.Errorf("abandon webhook %s: %w", id, err)
	}
	s.abandoned(ctx, f, "abandoned by operator")
	return f, nil
}

// Replay re-runs an abandoned failure once. The attempt count is left unchanged; a failed
// replay returns the row to abandoned.
func (s *Service) Replay(ctx context.Context, id string) (*models.WebhookFailure, error) {
	f, err := s.claim(ctx, id, models.WebhookAbandoned)
	if err != nil {
		return nil, err
	}
	procErr := s.attempt(ctx, delivery(f))
	now := s.stamp()
	f.LastAttemptAt = &now
	f.UpdatedAt = now
	if procErr == nil {
		f.Status = models.WebhookRecovered
		f.RecoveredAt = &now
	} else {
		f.Status = models.WebhookAbandoned
		f.FailureReason = procErr.Error()
	}
	if err := s.store.Update(ctx, f, models.WebhookProcessing); err != nil {
		return nil, fmt.Errorf("record replay of webhook %s: %w", id, err)
	}
	telemetry.Add(ctx, telemetry.Counters().WebhookOutcomes, "outcome", "replay_"+string(f.Status), "provider", f.SourceProvider)
	log.Infow("webhook replayed", "id", id, "status", string(f.Status))
	return f, nil
}

// Get returns one failure.
func (s *Service) Get(ctx context.Context, id string) (*models.WebhookFailure, error) {
	return s.store.Get(ctx, id)
}

// List returns failures matching filter, newest first, with the total match count.
func (s *Service) List(ctx context.Context, filter Filter) ([]models.WebhookFailure, int64, error) {
	if filter.Limit <= 0 || filter.Limit > 200 {
		filter.Limit = 50
	}
	if filter.Offset < 0 {
		filter.Offset = 0
	}
	return s.store.List(ctx, filter)
}

// ReleaseStale hands processing rows left behind by a crashed worker back to the scheduler.
// Rows without retries left are abandoned and alerted like any other abandonment.
func (s *Service) ReleaseStale(ctx context.Context, olderThan time.Duration) (int64, error) {
	now := s.stamp()
	released, err := s.store.ReleaseStale(ctx, now.Add(-olderThan), now)
	if err != nil {
		return 0, fmt.Errorf("release stale webhooks: %w", err)
	}
	for i := range released {
		f := &released[i]
		if f.Status != models.WebhookAbandoned {
			continue
		}
		log.Warnw("stale webhook abandoned", "id", f.ID, "provider", f.SourceProvider, "attempts", f.AttemptCount)
		s.abandoned(ctx, f, "processing lock expired with no retries left")
	}
	return int64(len(released)), nil
}

func (s *Service) claim(ctx context.Context, id string, from models.WebhookStatus) (*models.WebhookFailure, error) {
	f, err := s.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if f.Status != from {
		return nil, fmt.Errorf("webhook %s is %s, want %s: %w", id, f.Status, from, ErrConcurrentUpdate)
	}
	f.Status = models.WebhookProcessing
	f.UpdatedAt = s.stamp()
	if err := s.store.Update(ctx, f, from); err != nil {
		return nil, fmt.Errorf("claim webhook %s: %w", id, err)
	}
	return f, nil
}

func (s *Service) attempt(ctx context.Context, d Delivery) error {
	ctx, cancel := context.WithTimeout(ctx, s.attemptTimeout)
	defer cancel()
	return s.processor.Process(ctx, d)
}

func (s *Service) abandoned(ctx context.Context, f *models.WebhookFailure, why string) {
	telemetry.Add(ctx, telemetry.Counters().WebhookOutcomes, "outcome", "abandoned", "provider", f.SourceProvider)
	tenant := ""
	if f.TenantID != nil {
		tenant = *f.TenantID
	}
	s.alerter.Notify(ctx, alerts.Alert{
		Code:     apperr.CodeWebhookAbandoned,
		Subject:  f.ID,
		TenantID: tenant,
		Message:  why,
		Fields: map[string]any{
			"provider":       f.SourceProvider,
			"event_type":     f.EventType,
			"attempts":       f.AttemptCount,
			"failure_reason": f.FailureReason,
		},
		RaisedAt: s.stamp(),
	})
}

func delivery(f *models.WebhookFailure) Delivery {
	d := Delivery{
		Provider:  f.SourceProvider,
		EventType: f.EventType,
		Payload:   f.Payload,
		Headers:   cloneHeaders(f.OriginalHeaders.Data()),
	}
	if f.TenantID != nil {
		d.TenantID = *f.TenantID
	}
	return d
}

func cloneHeaders(in map[string]string) map[string]string {
	out := make(map[string]string, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}

func optional(s string) *string {
	if strings.TrimSpace(s) == "" {
		return nil
	}
	return &s
}
