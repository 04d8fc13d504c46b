package database

import (
	"errors"
	"strings"

	"github.com/gofiber/fiber/v2"
	"gorm.io/gorm"
)

// ErrTenantMissing is returned when a request carries no tenant context.
var ErrTenantMissing = errors.New("tenant context missing")

// TenantScope restricts a query to one tenant's rows.
func TenantScope(tenantID string) func(*gorm.DB) *gorm.DB {
	return func(db *gorm.DB) *gorm.DB {
		return db.Where("tenant_id = ?", tenantID)
	}
}

// TenantID returns the tenant stashed by the auth middleware.
func TenantID(c *fiber.Ctx) (string, error) {
	tenant, _ := c.Locals("tenantID").(string)
	if strings.TrimSpace(tenant) == "" {
		return "", ErrTenantMissing
	}
	return tenant, nil
}

// GetTenantDB returns the request's *gorm.DB and tenant.
// Prefer an existing per-request TX (middlewares.TenantTx), else fall back to the shared pool.
func GetTenantDB(c *fiber.Ctx) (*gorm.DB, string, error) {
	tenant, err := TenantID(c)
	if err != nil {
		return nil, "", err
	}
	if v := c.Locals("tx"); v != nil {
		if tx, ok := v.(*gorm.DB); ok && tx != nil {
			return tx.WithContext(c.UserContext()), tenant, nil
		}
	}
	if DB == nil {
		return nil, "", errors.New("database not initialized")
	}
	return DB.WithContext(c.UserContext()), tenant, nil
}
