package idempotency

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"coreflow-backend/apperr"
	"coreflow-backend/models"
	"coreflow-backend/telemetry"
)

// MaxKeyLength bounds the header value.
const MaxKeyLength = 128

// Outcome names the branch Begin took.
type Outcome string

const (
	OutcomeProceed    Outcome = "proceed"
	OutcomeInProgress Outcome = "in_progress"
	OutcomeReplay     Outcome = "replay"
)

// Request identifies one mutating call.
type Request struct {
	Key         string
	Method      string
	Endpoint    string
	RequestHash string
	TenantID    string
	UserID      string
}

// BeginResult tells the caller whether to run the operation.
// Cached is set only for OutcomeReplay.
type BeginResult struct {
	Proceed bool
	Outcome Outcome
	Cached  *Response
}

// Options tunes the service.
type Options struct {
	TTL         time.Duration
	LockTimeout time.Duration
	MaxAttempts int
	Now         func() time.Time
}

// Service implements begin/complete/fail over a Store.
type Service struct {
	store       Store
	ttl         time.Duration
	lockTimeout time.Duration
	maxAttempts int
	now         func() time.Time
}

// NewService builds a Service. Zero options fall back to 24h TTL, 5m lock timeout, 3 attempts.
func NewService(store Store, opts Options) *Service {
	s := &Service{
		store:       store,
		ttl:         opts.TTL,
		lockTimeout: opts.LockTimeout,
		maxAttempts: opts.MaxAttempts,
		now:         opts.Now,
	}
	if s.ttl <= 0 {
		s.ttl = 24 * time.Hour
	}
	if s.lockTimeout <= 0 {
		s.lockTimeout = 5 * time.Minute
	}
	if s.maxAttempts <= 0 {
		s.maxAttempts = 3
	}
	if s.now == nil {
		s.now = func() time.Time { return time.Now().UTC() }
	}
	return s
}

// Begin decides whether the operation for req.Key may run.
func (s *Service) Begin(ctx context.Context, req Request) (BeginResult, error) {
	key := strings.TrimSpace(req.Key)
	if key == "" {
		return BeginResult{}, apperr.New(apperr.CodeInvalid, apperr.WithMessage("Idempotency-Key is empty"))
	}
	if len(key) > MaxKeyLength {
		return BeginResult{}, apperr.New(apperr.CodeInvalid, apperr.WithMessage("Idempotency-Key too long"))
	}

	// Two passes cover a record that expires or gets purged between Acquire and Get.
	for pass := 0; pass < 2; pass++ {
		res, retry, err := s.begin(ctx, key, req)
		if err != nil || !retry {
			if err == nil {
				telemetry.Add(ctx, telemetry.Counters().IdempotencyOutcomes, "outcome", string(res.Outcome))
			}
			return res, err
		}
	}
	return BeginResult{Outcome: OutcomeInProgress}, nil
}

func (s *Service) begin(ctx context.Context, key string, req Request) (BeginResult, bool, error) {
	now := s.now()
	rec := &models.IdempotencyKey{
		Key:          key,
		TenantID:     optional(req.TenantID),
		Method:       strings.ToUpper(req.Method),
		Endpoint:     req.Endpoint,
		UserID:       optional(req.UserID),
		RequestHash:  req.RequestHash,
		IsProcessing: true,
		LockedAt:     &now,
		ExpiresAt:    now.Add(s.ttl),
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	owned, err := s.store.Acquire(ctx, rec, now)
	if err != nil {
		return BeginResult{}, false, fmt.Errorf("acquire idempotency key: %w", err)
	}
	if owned {
		return BeginResult{Proceed: true, Outcome: OutcomeProceed}, false, nil
	}

	existing, err := s.store.Get(ctx, key)
	if errors.Is(err, ErrNotFound) {
		return BeginResult{}, true, nil
	}
	if err != nil {
		return BeginResult{}, false, fmt.Errorf("load idempotency key: %w", err)
	}
	if existing.Expired(now) {
		return BeginResult{}, true, nil
	}
	if req.RequestHash != "" && existing.RequestHash != req.RequestHash {
		return BeginResult{}, false, apperr.New(apperr.CodeKeyReuse,
			apperr.WithMessage("Idempotency-Key reuse with different request"))
	}

	switch {
	case existing.Completed():
		return BeginResult{Outcome: OutcomeReplay, Cached: responseOf(existing)}, false, nil
	case existing.IsProcessing:
		if existing.LockedAt != nil && existing.LockedAt.Before(now.Add(-s.lockTimeout)) {
			ok, err := s.store.Reacquire(ctx, key, now, now.Add(-s.lockTimeout), s.maxAttempts)
			if err != nil {
				return BeginResult{}, false, fmt.Errorf("reacquire stale idempotency key: %w", err)
			}
			if ok {
				return BeginResult{Proceed: true, Outcome: OutcomeProceed}, false, nil
			}
		}
		return BeginResult{Outcome: OutcomeInProgress}, false, nil
	case existing.AttemptCount >= s.maxAttempts:
		return BeginResult{}, false, apperr.New(apperr.CodeKeyExhausted,
			apperr.WithMessage("Idempotency-Key exhausted its retry attempts"),
			apperr.WithDetail("attempts", existing.AttemptCount))
	}

	ok, err := s.store.Reacquire(ctx, key, now, now.Add(-s.lockTimeout), s.maxAttempts)
	if err != nil {
		return BeginResult{}, false, fmt.Errorf("reacquire idempotency key: %w", err)
	}
	if ok {
		return BeginResult{Proceed: true, Outcome: OutcomeProceed}, false, nil
	}
	return BeginResult{Outcome: OutcomeInProgress}, false, nil
}

// Complete stores resp for key and releases it.
func (s *Service) Complete(ctx context.Context, key string, resp Response) error {
	body := make([]byte, len(resp.Body))
	copy(body, resp.Body)
	resp.Body = body
	if err := s.store.Complete(ctx, key, resp, s.now()); err != nil {
		return fmt.Errorf("complete idempotency key: %w", err)
	}
	return nil
}

// Fail records cause for key and releases it so the same key can be retried.
func (s *Service) Fail(ctx context.Context, key string, cause error) error {
	reason := "unknown error"
	if cause != nil {
		reason = cause.Error()
	}
	if err := s.store.Fail(ctx, key, reason, s.now()); err != nil {
		return fmt.Errorf("fail idempotency key: %w", err)
	}
	return nil
}

// Await polls key until a response is stored, the holder fails, or timeout passes.
// It returns nil when no response became available.
func (s *Service) Await(ctx context.Context, key string, poll, timeout time.Duration) (*Response, error) {
	if timeout <= 0 {
		return nil, nil
	}
	if poll <= 0 {
		poll = 50 * time.Millisecond
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	ticker := time.NewTicker(poll)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil, nil
		case <-ticker.C:
		}
		rec, err := s.store.Get(ctx, key)
		if errors.Is(err, ErrNotFound) {
			return nil, nil
		}
		if err != nil {
			if ctx.Err() != nil {
				return nil, nil
			}
			return nil, fmt.Errorf("poll idempotency key: %w", err)
		}
		if rec.Completed() {
			return responseOf(rec), nil
		}
		if !rec.IsProcessing {
			return nil, nil
		}
	}
}

// Purge deletes expired records.
func (s *Service) Purge(ctx context.Context) (int64, error) {
	n, err := s.store.DeleteExpired(ctx, s.now())
	if err != nil {
		return 0, fmt.Errorf("purge idempotency keys: %w", err)
	}
	return n, nil
}

func responseOf(rec *models.IdempotencyKey) *Response {
	headers := rec.ResponseHeaders.Data()
	out := &Response{Status: rec.ResponseStatus, Headers: make(map[string]string, len(headers))}
	for k, v := range headers {
		out.Headers[k] = v
	}
	out.Body = append([]byte(nil), rec.ResponseBody...)
	return out
}

func optional(s string) *string {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil
	}
	return &s
}
