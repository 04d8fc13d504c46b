package controllers

import (
	"strings"

	json "github.com/goccy/go-json"
	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/log"

	"coreflow-backend/middlewares"
	"coreflow-backend/webhooks"
)

// headers never stored with a captured delivery
var redactedHeaders = map[string]bool{
	fiber.HeaderAuthorization:  true,
	fiber.HeaderCookie:         true,
	middlewares.HeaderOpsToken: true,
}

type webhookEnvelope struct {
	Type     string `json:"type"`
	TenantID string `json:"tenant_id"`
}

// ReceiveWebhook processes an inbound webhook. A delivery that fails is captured for retry and
// still acknowledged with 202.
func (h *Handler) ReceiveWebhook(c *fiber.Ctx) error {
	provider := strings.TrimSpace(c.Params("provider"))
	body := append([]byte(nil), c.Body()...)

	var env webhookEnvelope
	_ = json.Unmarshal(body, &env) // an unparseable body is still captured

	d := webhooks.Delivery{
		Provider:  provider,
		EventType: firstNonEmpty(c.Get("X-Event-Type"), env.Type),
		TenantID:  firstNonEmpty(c.Get("X-Tenant-ID"), env.TenantID),
		Payload:   body,
		Headers:   captureHeaders(c),
	}

	failure, err := h.Webhooks.Ingest(c.UserContext(), d, c.Get("X-Impact-Level"), c.Get("X-Business-Impact"))
	if err != nil {
		log.Errorw("capture webhook failure", "provider", provider, "event_type", d.EventType, "error", err)
		return err
	}
	if failure != nil {
		return c.Status(fiber.StatusAccepted).JSON(fiber.Map{"status": "accepted"})
	}
	return c.JSON(fiber.Map{"status": "processed"})
}

func captureHeaders(c *fiber.Ctx) map[string]string {
	out := make(map[string]string)
	for k, v := range c.GetReqHeaders() {
		if redactedHeaders[k] {
			continue
		}
		out[k] = strings.Join(v, ", ")
	}
	return out
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v = strings.TrimSpace(v); v != "" {
			return v
		}
	}
	return ""
}
