package saga

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	json "github.com/goccy/go-json"
	"github.com/gofiber/fiber/v2/log"
	"github.com/google/uuid"
	"gorm.io/datatypes"

	"coreflow-backend/alerts"
	"coreflow-backend/apperr"
	"coreflow-backend/models"
	"coreflow-backend/telemetry"
)

// Execution is what a step sees of its transaction.
type Execution struct {
	TransactionID string
	TenantID      string
	EntityType    string
	EntityID      string

	data    datatypes.JSON
	results map[string]datatypes.JSON
}

// Bind decodes the transaction data into v.
func (e *Execution) Bind(v any) error {
	if len(e.data) == 0 {
		return nil
	}
	return json.Unmarshal(e.data, v)
}

// Result decodes the stored result of an earlier step into v. It reports false when the step
// has no result.
func (e *Execution) Result(step string, v any) (bool, error) {
	raw, ok := e.results[step]
	if !ok || len(raw) == 0 {
		return false, nil
	}
	return true, json.Unmarshal(raw, v)
}

// Step is one forward action with its compensation. Both must be safe to run more than once:
// Resume re-executes a step whose completion was never recorded.
type Step struct {
	Name       string
	Execute    func(ctx context.Context, ex *Execution) (any, error)
	Compensate func(ctx context.Context, ex *Execution) error
}

// Definition is an ordered list of steps registered under a transaction type.
type Definition struct {
	Type  string
	Steps []Step
}

// StartInput describes a transaction about to begin.
type StartInput struct {
	TenantID   string
	EntityType string
	EntityID   string
	Data       any
}

// Coordinator drives transaction logs through the saga state machine.
type Coordinator struct {
	store   Store
	alerter alerts.Alerter
	now     func() time.Time

	mu   sync.RWMutex
	defs map[string]Definition
}

// Option configures a Coordinator.
type Option func(*Coordinator)

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(c *Coordinator) { c.now = now }
}

// NewCoordinator builds a Coordinator. A nil alerter logs alerts.
func NewCoordinator(store Store, alerter alerts.Alerter, opts ...Option) *Coordinator {
	if alerter == nil {
		alerter = alerts.LogAlerter{}
	}
	c := &Coordinator{
		store:   store,
		alerter: alerter,
		now:     time.Now,
		defs:    make(map[string]Definition),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Register makes def available to Run and Resume.
func (c *Coordinator) Register(def Definition) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.defs[def.Type] = def
}

func (c *Coordinator) definition(txType string) (Definition, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	def, ok := c.defs[txType]
	return def, ok
}

// timestamps are stored with microsecond precision; truncating keeps compare-and-set exact.
func (c *Coordinator) stamp() time.Time {
	return c.now().UTC().Truncate(time.Microsecond)
}

// Get loads a transaction log.
func (c *Coordinator) Get(ctx context.Context, transactionID string) (*models.TransactionLog, error) {
	return c.store.Get(ctx, transactionID)
}

// StartTransaction persists a new log with every step pending.
func (c *Coordinator) StartTransaction(ctx context.Context, txType string, in StartInput, stepNames []string) (*models.TransactionLog, error) {
	if len(stepNames) == 0 {
		return nil, fmt.Errorf("start %s: %w: no steps", txType, ErrInvalidTransition)
	}
	var data datatypes.JSON
	if in.Data != nil {
		raw, err := json.Marshal(in.Data)
		if err != nil {
			return nil, fmt.Errorf("encode transaction data: %w", err)
		}
		data = raw
	}

	now := c.stamp()
	steps := make(datatypes.JSONSlice[models.TransactionStep], len(stepNames))
	for i, name := range stepNames {
		steps[i] = models.TransactionStep{Name: name, Status: models.StepPending}
	}
	tx := &models.TransactionLog{
		TransactionID:   uuid.NewString(),
		TransactionType: txType,
		TenantID:        in.TenantID,
		EntityType:      in.EntityType,
		EntityID:        in.EntityID,
		Status:          models.TransactionStarted,
		Steps:           steps,
		TransactionData: data,
		StartedAt:       now,
		UpdatedAt:       now,
	}
	if err := c.store.Create(ctx, tx); err != nil {
		return nil, fmt.Errorf("create transaction log: %w", err)
	}
	log.Infow("transaction started", "transaction_id", tx.TransactionID, "type", txType, "tenant_id", in.TenantID,
		"entity_type", in.EntityType, "entity_id", in.EntityID)
	return tx, nil
}

// AdvanceStep marks stepIndex completed with result and moves the cursor forward. Completing
// the last step completes the transaction.
func (c *Coordinator) AdvanceStep(ctx context.Context, transactionID string, stepIndex int, result any) (*models.TransactionLog, error) {
	prev, err := c.store.Get(ctx, transactionID)
	if err != nil {
		return nil, err
	}
	return c.advance(ctx, prev, stepIndex, result)
}

func (c *Coordinator) advance(ctx context.Context, prev *models.TransactionLog, stepIndex int, result any) (*models.TransactionLog, error) {
	if !prev.Status.Advancing() {
		return nil, fmt.Errorf("advance %s in status %s: %w", prev.TransactionID, prev.Status, ErrInvalidTransition)
	}
	if stepIndex != prev.CurrentStep || stepIndex >= len(prev.Steps) {
		return nil, fmt.Errorf("advance %s step %d, current %d: %w", prev.TransactionID, stepIndex, prev.CurrentStep, ErrInvalidTransition)
	}
	var raw datatypes.JSON
	if result != nil {
		b, err := json.Marshal(result)
		if err != nil {
			return nil, fmt.Errorf("encode step result: %w", err)
		}
		raw = b
	}

	now := c.stamp()
	next := prev.Clone()
	next.Steps[stepIndex].Status = models.StepCompleted
	next.Steps[stepIndex].Result = raw
	next.Steps[stepIndex].CompletedAt = &now
	next.CurrentStep = stepIndex + 1
	next.Status = models.TransactionInProgress
	if next.CurrentStep == len(next.Steps) {
		next.Status = models.TransactionCompleted
		next.CompletedAt = &now
	}
	next.UpdatedAt = now
	if err := c.store.Save(ctx, &next, prev); err != nil {
		return nil, fmt.Errorf("advance %s: %w", prev.TransactionID, err)
	}
	if next.Status == models.TransactionCompleted {
		c.finished(ctx, &next)
	}
	return &next, nil
}

// FailStep marks stepIndex failed, then compensates every completed step in reverse order.
// The log ends rolled_back, or failed when a compensation errors.
func (c *Coordinator) FailStep(ctx context.Context, transactionID string, stepIndex int, reason string) (*models.TransactionLog, error) {
	prev, err := c.store.Get(ctx, transactionID)
	if err != nil {
		return nil, err
	}
	return c.fail(ctx, prev, stepIndex, reason)
}

func (c *Coordinator) fail(ctx context.Context, prev *models.TransactionLog, stepIndex int, reason string) (*models.TransactionLog, error) {
	if !prev.Status.Advancing() {
		return nil, fmt.Errorf("fail %s in status %s: %w", prev.TransactionID, prev.Status, ErrInvalidTransition)
	}
	if stepIndex != prev.CurrentStep || stepIndex >= len(prev.Steps) {
		return nil, fmt.Errorf("fail %s step %d, current %d: %w", prev.TransactionID, stepIndex, prev.CurrentStep, ErrInvalidTransition)
	}

	now := c.stamp()
	next := prev.Clone()
	next.Steps[stepIndex].Status = models.StepFailed
	next.Steps[stepIndex].Error = reason
	next.Status = models.TransactionCompensating
	next.RollbackReason = &reason
	next.UpdatedAt = now
	if err := c.store.Save(ctx, &next, prev); err != nil {
		return nil, fmt.Errorf("fail %s: %w", prev.TransactionID, err)
	}
	log.Warnw("transaction compensating", "transaction_id", next.TransactionID, "step", next.Steps[stepIndex].Name, "reason", reason)
	return c.compensate(ctx, &next)
}

// compensate walks completed steps backwards, persisting after each one.
func (c *Coordinator) compensate(ctx context.Context, cur *models.TransactionLog) (*models.TransactionLog, error) {
	ex := execution(cur)

	for i := len(cur.Steps) - 1; i >= 0; i-- {
		if cur.Steps[i].Status != models.StepCompleted {
			continue
		}
		// a completed step of an unregistered type has an effect nobody knows how to undo
		def, ok := c.definition(cur.TransactionType)
		if !ok {
			return c.compensationFailed(ctx, cur, i, fmt.Errorf("no definition registered for %q", cur.TransactionType))
		}
		if i < len(def.Steps) && def.Steps[i].Compensate != nil {
			if err := def.Steps[i].Compensate(ctx, ex); err != nil {
				return c.compensationFailed(ctx, cur, i, err)
			}
		}

		now := c.stamp()
		next := cur.Clone()
		next.Steps[i].Status = models.StepCompensated
		next.Steps[i].CompensatedAt = &now
		next.UpdatedAt = now
		if err := c.store.Save(ctx, &next, cur); err != nil {
			return nil, fmt.Errorf("record compensation of %s step %s: %w", cur.TransactionID, cur.Steps[i].Name, err)
		}
		cur = &next
	}

	now := c.stamp()
	next := cur.Clone()
	next.Status = models.TransactionRolledBack
	next.CompletedAt = &now
	next.UpdatedAt = now
	if err := c.store.Save(ctx, &next, cur); err != nil {
		return nil, fmt.Errorf("roll back %s: %w", cur.TransactionID, err)
	}
	c.finished(ctx, &next)
	return &next, nil
}

func (c *Coordinator) compensationFailed(ctx context.Context, cur *models.TransactionLog, stepIndex int, cause error) (*models.TransactionLog, error) {
	now := c.stamp()
	next := cur.Clone()
	stepName := ""
	if stepIndex >= 0 {
		next.Steps[stepIndex].Error = cause.Error()
		stepName = next.Steps[stepIndex].Name
	}
	next.Status = models.TransactionFailed
	next.CompletedAt = &now
	next.UpdatedAt = now
	if err := c.store.Save(ctx, &next, cur); err != nil {
		return nil, fmt.Errorf("record compensation failure of %s: %w", cur.TransactionID, err)
	}

	c.alerter.Notify(ctx, alerts.Alert{
		Code:     apperr.CodeCompensationFailure,
		Subject:  next.TransactionID,
		TenantID: next.TenantID,
		Message:  "transaction compensation failed, manual intervention required",
		Fields: map[string]any{
			"transaction_type": next.TransactionType,
			"step":             stepName,
			"error":            cause.Error(),
		},
		RaisedAt: now,
	})
	c.finished(ctx, &next)
	return &next, apperr.New(apperr.CodeCompensationFailure,
		apperr.WithMessage("transaction could not be rolled back"),
		apperr.WithDetail("transaction_id", next.TransactionID),
		apperr.WithCause(cause))
}

// MarkFailed stops a non-terminal transaction. No compensation runs.
func (c *Coordinator) MarkFailed(ctx context.Context, transactionID, reason string) (*models.TransactionLog, error) {
	prev, err := c.store.Get(ctx, transactionID)
	if err != nil {
		return nil, err
	}
	if prev.Status.Terminal() {
		return nil, fmt.Errorf("mark %s failed in status %s: %w", transactionID, prev.Status, ErrInvalidTransition)
	}
	now := c.stamp()
	next := prev.Clone()
	next.Status = models.TransactionFailed
	next.RollbackReason = &reason
	next.CompletedAt = &now
	next.UpdatedAt = now
	if err := c.store.Save(ctx, &next, prev); err != nil {
		return nil, fmt.Errorf("mark %s failed: %w", transactionID, err)
	}
	log.Warnw("transaction marked failed", "transaction_id", transactionID, "reason", reason)
	c.finished(ctx, &next)
	return &next, nil
}

// Run starts a transaction of the registered type and executes its steps in order. When a
// step fails the returned error wraps the step error; the log holds the rollback outcome.
func (c *Coordinator) Run(ctx context.Context, txType string, in StartInput) (*models.TransactionLog, error) {
	def, ok := c.definition(txType)
	if !ok {
		return nil, fmt.Errorf("run %s: no definition registered", txType)
	}
	names := make([]string, len(def.Steps))
	for i, s := range def.Steps {
		names[i] = s.Name
	}
	tx, err := c.StartTransaction(ctx, txType, in, names)
	if err != nil {
		return nil, err
	}
	return c.drive(ctx, def, tx)
}

func (c *Coordinator) drive(ctx context.Context, def Definition, cur *models.TransactionLog) (*models.TransactionLog, error) {
	for cur.Status.Advancing() {
		i := cur.CurrentStep
		if i >= len(def.Steps) {
			return cur, fmt.Errorf("drive %s: step %d has no definition: %w", cur.TransactionID, i, ErrInvalidTransition)
		}
		step := def.Steps[i]
		result, stepErr := step.Execute(ctx, execution(cur))
		if stepErr != nil {
			failed, err := c.fail(ctx, cur, i, stepErr.Error())
			if err != nil {
				return failed, err
			}
			return failed, fmt.Errorf("%s step %s: %w", def.Type, step.Name, stepErr)
		}
		next, err := c.advance(ctx, cur, i, result)
		if err != nil {
			return cur, err
		}
		cur = next
	}
	return cur, nil
}

// ResumeReport summarizes one Resume pass.
type ResumeReport struct {
	Scanned    int `json:"scanned"`
	Completed  int `json:"completed"`
	RolledBack int `json:"rolled_back"`
	Failed     int `json:"failed"`
	Skipped    int `json:"skipped"`
}

// Resume continues transactions that stopped moving for at least staleAfter: forward from the
// current step, or through the remaining compensations.
func (c *Coordinator) Resume(ctx context.Context, staleAfter time.Duration, limit int) (ResumeReport, error) {
	if limit <= 0 {
		limit = 100
	}
	var report ResumeReport
	stale, err := c.store.ListStale(ctx, c.stamp().Add(-staleAfter), limit)
	if err != nil {
		return report, fmt.Errorf("list stale transactions: %w", err)
	}

	for i := range stale {
		report.Scanned++
		cur := &stale[i]
		def, ok := c.definition(cur.TransactionType)
		if !ok && cur.Status.Advancing() {
			log.Warnw("no definition for stale transaction", "transaction_id", cur.TransactionID, "type", cur.TransactionType)
			report.Skipped++
			continue
		}

		var out *models.TransactionLog
		if cur.Status == models.TransactionCompensating {
			out, err = c.compensate(ctx, cur)
		} else {
			out, err = c.drive(ctx, def, cur)
		}
		if errors.Is(err, ErrConcurrentUpdate) {
			report.Skipped++
			continue
		}
		if out == nil {
			log.Errorw("resume transaction", "transaction_id", cur.TransactionID, "error", err)
			report.Skipped++
			continue
		}
		switch out.Status {
		case models.TransactionCompleted:
			report.Completed++
		case models.TransactionRolledBack:
			report.RolledBack++
		case models.TransactionFailed:
			report.Failed++
		default:
			report.Skipped++
		}
	}
	if report.Scanned > 0 {
		log.Infow("transactions resumed", "scanned", report.Scanned, "completed", report.Completed,
			"rolled_back", report.RolledBack, "failed", report.Failed, "skipped", report.Skipped)
	}
	return report, nil
}

func (c *Coordinator) finished(ctx context.Context, tx *models.TransactionLog) {
	telemetry.Add(ctx, telemetry.Counters().SagaOutcomes, "type", tx.TransactionType, "status", string(tx.Status))
	log.Infow("transaction finished", "transaction_id", tx.TransactionID, "type", tx.TransactionType, "status", string(tx.Status))
}

func execution(tx *models.TransactionLog) *Execution {
	ex := &Execution{
		TransactionID: tx.TransactionID,
		TenantID:      tx.TenantID,
		EntityType:    tx.EntityType,
		EntityID:      tx.EntityID,
		data:          tx.TransactionData,
		results:       make(map[string]datatypes.JSON, len(tx.Steps)),
	}
	for _, s := range tx.Steps {
		if len(s.Result) > 0 {
			ex.results[s.Name] = s.Result
		}
	}
	return ex
}
