package middlewares

import (
	"strings"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/log"
	"gorm.io/gorm"
)

// TenantTx opens a per-request DB transaction for authenticated requests.
// Order: run AFTER IsAuthenticatedHeader() (so tenantID/userID are present),
// and AFTER Idempotency() (so idempotency records aren't tied to the handler TX).
func TenantTx(db *gorm.DB) fiber.Handler {
	return func(c *fiber.Ctx) (err error) {
		tenant, _ := c.Locals("tenantID").(string)
		if strings.TrimSpace(tenant) == "" {
			return c.Next()
		}

		tx := db.WithContext(c.UserContext()).Begin()
		if tx.Error != nil {
			return fiber.NewError(fiber.StatusInternalServerError, "failed to begin transaction")
		}

		defer func() {
			if r := recover(); r != nil {
				_ = tx.Rollback()
				panic(r) // re-panic after rollback so Fiber's recover middleware can catch
			}
			if err != nil || c.Response().StatusCode() >= fiber.StatusBadRequest {
				_ = tx.Rollback()
				return
			}
			if e := tx.Commit().Error; e != nil {
				log.Errorw("tx commit failed", "tenant_id", tenant, "path", c.Path(), "error", e)
				err = fiber.NewError(fiber.StatusInternalServerError, "transaction commit failed")
			}
		}()

		// Make the TX available to handlers via database.GetTenantDB(c).
		c.Locals("tx", tx)

		err = c.Next()
		return err
	}
}
