package middlewares

import (
	"crypto/subtle"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/log"

	"coreflow-backend/apperr"
)

const HeaderOpsToken = "X-Ops-Token"

// OpsToken guards operator routes with a shared secret. An empty token disables the routes.
func OpsToken(token string) fiber.Handler {
	want := []byte(token)
	return func(c *fiber.Ctx) error {
		if len(want) == 0 {
			return apperr.New(apperr.CodeUnauthorized, apperr.WithHTTP(fiber.StatusForbidden),
				apperr.WithMessage("operator endpoints are disabled"))
		}
		got := []byte(c.Get(HeaderOpsToken))
		if subtle.ConstantTimeCompare(got, want) != 1 {
			log.Warnw("ops token rejected", "path", c.Path(), "ip", c.IP())
			return apperr.New(apperr.CodeUnauthorized, apperr.WithMessage("invalid ops token"))
		}
		return c.Next()
	}
}
