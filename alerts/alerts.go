// Package alerts raises operator-facing alerts for conditions that need manual remediation.
package alerts

import (
	"context"
	"sync"
	"time"

	"github.com/gofiber/fiber/v2/log"

	"coreflow-backend/apperr"
	"coreflow-backend/telemetry"
)

// Alert describes one alertable condition.
type Alert struct {
	Code     apperr.Code
	Subject  string
	TenantID string
	Message  string
	Fields   map[string]any
	RaisedAt time.Time
}

// Alerter delivers alerts. Implementations must not block the caller for long.
type Alerter interface {
	Notify(ctx context.Context, alert Alert)
}

// LogAlerter writes alerts to the error log and counts them.
type LogAlerter struct{}

// Notify implements Alerter.
func (LogAlerter) Notify(ctx context.Context, a Alert) {
	kv := []any{"code", string(a.Code), "subject", a.Subject, "tenant_id", a.TenantID, "message", a.Message}
	for k, v := range a.Fields {
		kv = append(kv, k, v)
	}
	log.Errorw("operator alert", kv...)
	telemetry.Add(ctx, telemetry.Counters().Alerts, "code", string(a.Code))
}

// Recorder keeps alerts in memory; tests use it to assert what was raised.
type Recorder struct {
	mu     sync.Mutex
	alerts []Alert
}

// Notify implements Alerter.
func (r *Recorder) Notify(_ context.Context, a Alert) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.alerts = append(r.alerts, a)
}

// Alerts returns a copy of the recorded alerts.
func (r *Recorder) Alerts() []Alert {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Alert, len(r.alerts))
	copy(out, r.alerts)
	return out
}
