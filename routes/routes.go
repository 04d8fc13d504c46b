package routes

import (
	"github.com/gofiber/fiber/v2"
	"gorm.io/gorm"

	"coreflow-backend/config"
	"coreflow-backend/controllers"
	"coreflow-backend/idempotency"
	"coreflow-backend/middlewares"
	"coreflow-backend/ratelimit"
)

// Limiters are the isolated rate limit profiles.
type Limiters struct {
	API    ratelimit.Limiter
	Auth   ratelimit.Limiter
	Strict ratelimit.Limiter
}

// Deps is everything the routes need.
type Deps struct {
	DB          *gorm.DB
	Handler     *controllers.Handler
	Limiters    Limiters
	Idempotency *idempotency.Service
	Config      config.Config
}

// Register wires all HTTP routes.
func Register(app *fiber.App, d Deps) {
	h := d.Handler

	app.Get("/healthz", func(c *fiber.Ctx) error {
		if err := d.DB.WithContext(c.UserContext()).Exec("SELECT 1").Error; err != nil {
			return c.Status(fiber.StatusServiceUnavailable).JSON(fiber.Map{"status": "unavailable"})
		}
		return c.JSON(fiber.Map{"status": "ok"})
	})

	api := app.Group("/api")

	// Inbound webhooks (public, always acknowledged)
	api.Post("/webhooks/:provider", middlewares.RateLimit("api", d.Limiters.API), h.ReceiveWebhook)

	// Operator endpoints (shared token); registered before the JWT group so its middleware never runs here
	ops := api.Group("/ops", middlewares.RateLimit("auth", d.Limiters.Auth), middlewares.OpsToken(d.Config.OpsToken))
	ops.Get("/webhooks", h.ListWebhookFailures)
	ops.Post("/webhooks/retry-due", h.RetryDueWebhooks)
	ops.Get("/webhooks/:id", h.GetWebhookFailure)
	ops.Post("/webhooks/:id/retry", h.RetryWebhookFailure)
	ops.Post("/webhooks/:id/abandon", h.AbandonWebhookFailure)
	ops.Post("/webhooks/:id/replay", h.ReplayWebhookFailure)
	ops.Post("/transactions/resume", h.ResumeTransactions)
	ops.Post("/transactions/:id/fail", h.FailTransaction)
	ops.Post("/projections/run", h.RunProjections)
	ops.Post("/idempotency/purge", h.PurgeIdempotencyKeys)

	// Protected endpoints (JWT auth)
	protected := api.Group("")
	protected.Use(middlewares.RateLimit("api", d.Limiters.API))
	protected.Use(middlewares.IsAuthenticatedHeader())

	// Idempotency guard FIRST (not tied to request TX)
	protected.Use(middlewares.Idempotency(d.Idempotency, d.Config.Idempotency))

	// Then per-request tenant transaction (commits/rolls back)
	protected.Use(middlewares.TenantTx(d.DB))

	strict := middlewares.RateLimit("strict", d.Limiters.Strict)

	// Customers
	protected.Post("/customers", controllers.CreateCustomer)
	protected.Get("/customers", controllers.GetCustomers)
	protected.Get("/customers/:id", controllers.GetCustomer)
	protected.Put("/customers/:id", controllers.UpdateCustomer)

	// Invoices (versioned model with payments)
	protected.Post("/invoices", controllers.CreateInvoice)
	protected.Get("/invoices", controllers.GetInvoices)
	protected.Get("/invoices/:id", controllers.GetInvoice)
	protected.Post("/invoices/:id/issue", strict, h.IssueInvoice)
	protected.Get("/invoices/:id/versions", controllers.GetInvoiceVersions)
	protected.Get("/invoices/:id/activity", h.GetInvoiceActivity)
	protected.Post("/invoices/:id/payments", strict, h.CreatePayment)
	protected.Get("/invoices/:id/payments", controllers.ListPayments)

	// Read models and saga state
	protected.Get("/ledger", controllers.GetLedger)
	protected.Get("/transactions/:id", h.GetTransaction)
}
