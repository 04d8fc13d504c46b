package webhooks

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/gofiber/fiber/v2/log"
	"github.com/sourcegraph/conc/pool"
	"golang.org/x/time/rate"

	"coreflow-backend/config"
	"coreflow-backend/models"
)

// Report summarizes one retry pass.
type Report struct {
	Released    int64 `json:"released"`
	Due         int   `json:"due"`
	Recovered   int   `json:"recovered"`
	Rescheduled int   `json:"rescheduled"`
	Abandoned   int   `json:"abandoned"`
	Skipped     int   `json:"skipped"`
	Errors      int   `json:"errors"`
}

// Sweeper runs one retry pass over due failures with bounded concurrency.
type Sweeper struct {
	svc       *Service
	workers   int
	batchSize int
	staleLock time.Duration
	limiter   *rate.Limiter
}

// NewSweeper builds a Sweeper from the webhook configuration. RetryRate is retries per second;
// zero disables pacing.
func NewSweeper(svc *Service, cfg config.Webhooks) *Sweeper {
	s := &Sweeper{
		svc:       svc,
		workers:   cfg.Workers,
		batchSize: cfg.BatchSize,
		staleLock: 4 * cfg.AttemptTimeout,
		limiter:   rate.NewLimiter(rate.Inf, 1),
	}
	if s.workers <= 0 {
		s.workers = 4
	}
	if s.batchSize <= 0 {
		s.batchSize = 100
	}
	if s.staleLock <= 0 {
		s.staleLock = time.Minute
	}
	if cfg.RetryRate > 0 {
		s.limiter = rate.NewLimiter(rate.Limit(cfg.RetryRate), s.workers)
	}
	return s
}

// RetryDue releases stuck rows, then retries every due failure in priority order. Workers are
// started in that order, so higher priority rows are attempted first.
func (s *Sweeper) RetryDue(ctx context.Context) (Report, error) {
	var report Report
	released, err := s.svc.ReleaseStale(ctx, s.staleLock)
	if err != nil {
		return report, err
	}
	report.Released = released

	due, err := s.svc.DueForRetry(ctx, s.svc.stamp(), s.batchSize)
	if err != nil {
		return report, err
	}
	report.Due = len(due)

	var mu sync.Mutex
	p := pool.New().WithMaxGoroutines(s.workers)
	for _, f := range due {
		if err := s.limiter.Wait(ctx); err != nil {
			break
		}
		id := f.ID
		p.Go(func() {
			out, err := s.svc.Retry(ctx, id)
			mu.Lock()
			defer mu.Unlock()
			switch {
			case errors.Is(err, ErrConcurrentUpdate):
				report.Skipped++
			case err != nil:
				report.Errors++
				log.Errorw("webhook retry", "id", id, "error", err)
			case out.Status == models.WebhookRecovered:
				report.Recovered++
			case out.Status == models.WebhookAbandoned:
				report.Abandoned++
			default:
				report.Rescheduled++
			}
		})
	}
	p.Wait()

	if report.Due > 0 || report.Released > 0 {
		log.Infow("webhook retry pass", "due", report.Due, "recovered", report.Recovered,
			"rescheduled", report.Rescheduled, "abandoned", report.Abandoned,
			"skipped", report.Skipped, "errors", report.Errors, "released", report.Released)
	}
	return report, ctx.Err()
}
