package routes

import (
	"bytes"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	json "github.com/goccy/go-json"
	"github.com/gofiber/fiber/v2"
	"github.com/stretchr/testify/require"

	"coreflow-backend/alerts"
	"coreflow-backend/billing"
	"coreflow-backend/config"
	"coreflow-backend/controllers"
	"coreflow-backend/database/dbtest"
	"coreflow-backend/eventstore"
	"coreflow-backend/idempotency"
	"coreflow-backend/middlewares"
	"coreflow-backend/ratelimit"
	"coreflow-backend/saga"
	"coreflow-backend/webhooks"
)

func TestMain(m *testing.M) { dbtest.Main(m) }

const opsToken = "ops-secret"

type harness struct {
	t   *testing.T
	app *fiber.App
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	db := dbtest.Open(t)
	middlewares.SetJWTSecret("routes-test-secret")

	cfg := config.Default()
	cfg.OpsToken = opsToken

	coord := saga.NewCoordinator(saga.NewGormStore(db), &alerts.Recorder{})
	bill := billing.NewService(db, coord)
	registry := webhooks.NewRegistry()
	bill.RegisterHandlers(registry)
	hooks := webhooks.NewService(webhooks.NewGormStore(db), registry, webhooks.Options{
		Backoff:    webhooks.BackoffFromConfig(cfg.Webhooks),
		MaxRetries: cfg.Webhooks.MaxRetries,
	})
	idem := idempotency.NewService(idempotency.NewGormStore(db), idempotency.Options{
		TTL:         cfg.Idempotency.TTL,
		LockTimeout: cfg.Idempotency.LockTimeout,
		MaxAttempts: cfg.Idempotency.MaxAttempts,
	})

	app := fiber.New(fiber.Config{ErrorHandler: middlewares.ErrorHandler})
	Register(app, Deps{
		DB: db,
		Handler: &controllers.Handler{
			Billing:     bill,
			Sagas:       coord,
			Webhooks:    hooks,
			Sweeper:     webhooks.NewSweeper(hooks, cfg.Webhooks),
			Projector:   eventstore.NewProjector(eventstore.NewGormStore(db), 100, billing.NewLedgerProjection(db)),
			Idempotency: idem,
			Saga:        cfg.Saga,
		},
		Limiters: Limiters{
			API:    ratelimit.NewFixedWindow(1000, time.Minute),
			Auth:   ratelimit.NewFixedWindow(1000, time.Minute),
			Strict: ratelimit.NewFixedWindow(1000, time.Minute),
		},
		Idempotency: idem,
		Config:      cfg,
	})
	return &harness{t: t, app: app}
}

func (h *harness) token(tenant string) string {
	h.t.Helper()
	tok, err := middlewares.GenerateJWT("user-1", tenant, time.Hour)
	require.NoError(h.t, err)
	return tok
}

func (h *harness) do(method, path string, body any, headers map[string]string) (*http.Response, map[string]any) {
	h.t.Helper()
	var reader io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		require.NoError(h.t, err)
		reader = bytes.NewReader(raw)
	}
	req := httptest.NewRequest(method, path, reader)
	if body != nil {
		req.Header.Set(fiber.HeaderContentType, fiber.MIMEApplicationJSON)
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	resp, err := h.app.Test(req, -1)
	require.NoError(h.t, err)
	raw, err := io.ReadAll(resp.Body)
	require.NoError(h.t, err)
	var out map[string]any
	if len(raw) > 0 && raw[0] == '{' {
		require.NoError(h.t, json.Unmarshal(raw, &out))
	}
	return resp, out
}

func bearer(tok string) map[string]string {
	return map[string]string{fiber.HeaderAuthorization: "Bearer " + tok}
}

func TestHealthz(t *testing.T) {
	h := newHarness(t)
	resp, body := h.do(http.MethodGet, "/healthz", nil, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Equal(t, "ok", body["status"])
}

func TestProtectedRoutesRequireToken(t *testing.T) {
	h := newHarness(t)
	resp, body := h.do(http.MethodGet, "/api/customers", nil, nil)
	require.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	require.Equal(t, "unauthorized", body["code"])
}

func TestIssueInvoiceOverHTTP(t *testing.T) {
	h := newHarness(t)
	auth := bearer(h.token("acme"))

	resp, customer := h.do(http.MethodPost, "/api/customers",
		fiber.Map{"company_name": "Globex GmbH", "email": "billing@globex.test"}, auth)
	require.Equal(t, http.StatusCreated, resp.StatusCode)

	resp, invoice := h.do(http.MethodPost, "/api/invoices", fiber.Map{
		"customer_id": customer["id"],
		"items":       []fiber.Map{{"description": "Support plan", "amount": 1, "unit_price": "100.00"}},
	}, auth)
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	require.Equal(t, "draft", invoice["status"])

	issuePath := "/api/invoices/" + jsonNumber(invoice["id"]) + "/issue"
	headers := bearer(h.token("acme"))
	headers[middlewares.HeaderIdempotencyKey] = "issue-1"

	resp, first := h.do(http.MethodPost, issuePath, fiber.Map{"version": 1}, headers)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	txID := resp.Header.Get("X-Transaction-ID")
	require.NotEmpty(t, txID)
	require.Equal(t, "issued", first["invoice"].(map[string]any)["status"])

	// same key and body replays the stored response instead of running the saga again
	resp, second := h.do(http.MethodPost, issuePath, fiber.Map{"version": 1}, headers)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Equal(t, "true", resp.Header.Get(middlewares.HeaderReplayed))
	require.Equal(t, first, second)

	// a fresh key hits the already issued invoice
	resp, body := h.do(http.MethodPost, issuePath, fiber.Map{"version": 2}, auth)
	require.Equal(t, http.StatusConflict, resp.StatusCode)
	require.NotEmpty(t, body["code"])

	resp, txBody := h.do(http.MethodGet, "/api/transactions/"+txID, nil, auth)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Equal(t, "completed", txBody["status"])

	resp, _ = h.do(http.MethodGet, "/api/transactions/"+txID, nil, bearer(h.token("initech")))
	require.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestWebhookFailureIsAcceptedAndListed(t *testing.T) {
	h := newHarness(t)

	resp, body := h.do(http.MethodPost, "/api/webhooks/payments", fiber.Map{"reference": "x"}, map[string]string{
		"X-Event-Type":   "payment.unknown",
		"X-Tenant-ID":    "acme",
		"X-Impact-Level": "critical",
		"Authorization":  "Bearer leaked",
		"X-Ops-Token":    "leaked",
	})
	require.Equal(t, http.StatusAccepted, resp.StatusCode)
	require.Equal(t, "accepted", body["status"])

	resp, _ = h.do(http.MethodGet, "/api/ops/webhooks", nil, nil)
	require.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	ops := map[string]string{middlewares.HeaderOpsToken: opsToken}
	resp, list := h.do(http.MethodGet, "/api/ops/webhooks?provider=payments", nil, ops)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.EqualValues(t, 1, list["total"])

	item := list["items"].([]any)[0].(map[string]any)
	require.Equal(t, "critical", item["priority"])
	require.Equal(t, "pending", item["status"])
	headers := item["original_headers"].(map[string]any)
	require.NotContains(t, headers, fiber.HeaderAuthorization)
	require.NotContains(t, headers, middlewares.HeaderOpsToken)

	id := item["id"].(string)
	resp, abandoned := h.do(http.MethodPost, "/api/ops/webhooks/"+id+"/abandon", fiber.Map{"reason": "unknown event"}, ops)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Equal(t, "abandoned", abandoned["status"])

	resp, _ = h.do(http.MethodPost, "/api/ops/webhooks/"+id+"/abandon", fiber.Map{"reason": "again"}, ops)
	require.Equal(t, http.StatusConflict, resp.StatusCode)
}

func jsonNumber(v any) string {
	raw, _ := json.Marshal(v)
	return string(raw)
}
