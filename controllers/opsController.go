package controllers

import (
	"github.com/gofiber/fiber/v2"

	"coreflow-backend/middlewares"
	"coreflow-backend/models"
	"coreflow-backend/utils"
	"coreflow-backend/webhooks"
)

func (h *Handler) ListWebhookFailures(c *fiber.Ctx) error {
	filter := webhooks.Filter{
		Status:   models.WebhookStatus(c.Query("status")),
		Provider: c.Query("provider"),
		TenantID: c.Query("tenant_id"),
		Limit:    utils.ParseIntDefault(c.Query("limit"), 50),
		Offset:   utils.ParseIntDefault(c.Query("offset"), 0),
	}
	rows, total, err := h.Webhooks.List(c.UserContext(), filter)
	if err != nil {
		return err
	}
	return c.JSON(fiber.Map{"items": rows, "total": total})
}

func (h *Handler) GetWebhookFailure(c *fiber.Ctx) error {
	f, err := h.Webhooks.Get(c.UserContext(), c.Params("id"))
	if err != nil {
		return storeError("webhook failure", err)
	}
	return c.JSON(f)
}

func (h *Handler) RetryWebhookFailure(c *fiber.Ctx) error {
	f, err := h.Webhooks.Retry(c.UserContext(), c.Params("id"))
	if err != nil {
		return storeError("webhook failure", err)
	}
	return c.JSON(f)
}

type reasonRequest struct {
	Reason string `json:"reason" validate:"required,max=1000"`
}

func (h *Handler) AbandonWebhookFailure(c *fiber.Ctx) error {
	var req reasonRequest
	if err := middlewares.BindAndValidate(c, &req); err != nil {
		return err
	}
	f, err := h.Webhooks.Abandon(c.UserContext(), c.Params("id"), req.Reason)
	if err != nil {
		return storeError("webhook failure", err)
	}
	return c.JSON(f)
}

func (h *Handler) ReplayWebhookFailure(c *fiber.Ctx) error {
	f, err := h.Webhooks.Replay(c.UserContext(), c.Params("id"))
	if err != nil {
		return storeError("webhook failure", err)
	}
	return c.JSON(f)
}

func (h *Handler) RetryDueWebhooks(c *fiber.Ctx) error {
	report, err := h.Sweeper.RetryDue(c.UserContext())
	if err != nil {
		return err
	}
	return c.JSON(report)
}

func (h *Handler) ResumeTransactions(c *fiber.Ctx) error {
	report, err := h.Sagas.Resume(c.UserContext(), h.Saga.StaleAfter, h.Saga.BatchSize)
	if err != nil {
		return err
	}
	return c.JSON(report)
}

func (h *Handler) FailTransaction(c *fiber.Ctx) error {
	var req reasonRequest
	if err := middlewares.BindAndValidate(c, &req); err != nil {
		return err
	}
	txLog, err := h.Sagas.MarkFailed(c.UserContext(), c.Params("id"), req.Reason)
	if err != nil {
		return storeError("transaction", err)
	}
	return c.JSON(txLog)
}

func (h *Handler) RunProjections(c *fiber.Ctx) error {
	applied, err := h.Projector.RunOnce(c.UserContext())
	if err != nil {
		return err
	}
	return c.JSON(fiber.Map{"applied": applied})
}

func (h *Handler) PurgeIdempotencyKeys(c *fiber.Ctx) error {
	n, err := h.Idempotency.Purge(c.UserContext())
	if err != nil {
		return err
	}
	return c.JSON(fiber.Map{"deleted": n})
}
