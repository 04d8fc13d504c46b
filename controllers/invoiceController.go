package controllers

import (
	"errors"

	"github.com/gofiber/fiber/v2"

	"coreflow-backend/billing"
	"coreflow-backend/database"
	"coreflow-backend/middlewares"
	"coreflow-backend/saga"
)

func CreateInvoice(c *fiber.Ctx) error {
	var in billing.InvoiceInput
	if err := middlewares.BindAndValidate(c, &in); err != nil {
		return err
	}
	db, tenant, err := database.GetTenantDB(c)
	if err != nil {
		return err
	}
	invoice, err := billing.CreateInvoice(c.UserContext(), db, tenant, in)
	if err != nil {
		return err
	}
	return c.Status(fiber.StatusCreated).JSON(invoice)
}

func GetInvoices(c *fiber.Ctx) error {
	db, tenant, err := database.GetTenantDB(c)
	if err != nil {
		return err
	}
	invoices, err := billing.ListInvoices(c.UserContext(), db, tenant, c.Query("status"))
	if err != nil {
		return err
	}
	return c.JSON(invoices)
}

func GetInvoice(c *fiber.Ctx) error {
	id, err := middlewares.ParamID(c, "id")
	if err != nil {
		return err
	}
	db, tenant, err := database.GetTenantDB(c)
	if err != nil {
		return err
	}
	invoice, err := billing.GetInvoice(c.UserContext(), db, tenant, id)
	if err != nil {
		return err
	}
	return c.JSON(invoice)
}

func GetInvoiceVersions(c *fiber.Ctx) error {
	id, err := middlewares.ParamID(c, "id")
	if err != nil {
		return err
	}
	db, tenant, err := database.GetTenantDB(c)
	if err != nil {
		return err
	}
	versions, err := billing.ListVersions(c.UserContext(), db, tenant, id)
	if err != nil {
		return err
	}
	return c.JSON(versions)
}

func ListPayments(c *fiber.Ctx) error {
	id, err := middlewares.ParamID(c, "id")
	if err != nil {
		return err
	}
	db, tenant, err := database.GetTenantDB(c)
	if err != nil {
		return err
	}
	payments, err := billing.ListPayments(c.UserContext(), db, tenant, id)
	if err != nil {
		return err
	}
	return c.JSON(payments)
}

type issueRequest struct {
	Version int `json:"version" validate:"required,min=1"`
}

// IssueInvoice runs the issue saga. A rolled back saga answers with the step's error; the
// transaction id is exposed in X-Transaction-ID either way.
func (h *Handler) IssueInvoice(c *fiber.Ctx) error {
	id, err := middlewares.ParamID(c, "id")
	if err != nil {
		return err
	}
	var req issueRequest
	if err := middlewares.BindAndValidate(c, &req); err != nil {
		return err
	}
	tenant, err := database.TenantID(c)
	if err != nil {
		return err
	}
	invoice, txLog, err := h.Billing.IssueInvoice(c.UserContext(), tenant, id, req.Version)
	if txLog != nil {
		c.Set("X-Transaction-ID", txLog.TransactionID)
	}
	if err != nil {
		return err
	}
	return c.JSON(fiber.Map{"invoice": invoice, "transaction": txLog})
}

func (h *Handler) CreatePayment(c *fiber.Ctx) error {
	id, err := middlewares.ParamID(c, "id")
	if err != nil {
		return err
	}
	var in billing.PaymentInput
	if err := c.BodyParser(&in); err != nil {
		return fiber.NewError(fiber.StatusBadRequest, "invalid request body")
	}
	in.InvoiceID = id
	tenant, err := database.TenantID(c)
	if err != nil {
		return err
	}
	payment, created, err := h.Billing.RecordPayment(c.UserContext(), tenant, in)
	if err != nil {
		return err
	}
	status := fiber.StatusOK
	if created {
		status = fiber.StatusCreated
	}
	return c.Status(status).JSON(payment)
}

func (h *Handler) GetInvoiceActivity(c *fiber.Ctx) error {
	id, err := middlewares.ParamID(c, "id")
	if err != nil {
		return err
	}
	tenant, err := database.TenantID(c)
	if err != nil {
		return err
	}
	activity, err := h.Billing.InvoiceActivity(c.UserContext(), tenant, id)
	if err != nil {
		return err
	}
	return c.JSON(activity)
}

func GetLedger(c *fiber.Ctx) error {
	db, tenant, err := database.GetTenantDB(c)
	if err != nil {
		return err
	}
	ledger, err := billing.GetLedger(c.UserContext(), db, tenant)
	if err != nil {
		return err
	}
	return c.JSON(ledger)
}

// GetTransaction returns a saga log owned by the caller's tenant.
func (h *Handler) GetTransaction(c *fiber.Ctx) error {
	tenant, err := database.TenantID(c)
	if err != nil {
		return err
	}
	txLog, err := h.Sagas.Get(c.UserContext(), c.Params("id"))
	if errors.Is(err, saga.ErrNotFound) || err == nil && txLog.TenantID != tenant {
		return notFound("transaction")
	}
	if err != nil {
		return err
	}
	return c.JSON(txLog)
}
