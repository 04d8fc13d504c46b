package middlewares

import (
	"errors"
	"net/http"

	"github.com/go-playground/validator/v10"
	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/log"

	"coreflow-backend/apperr"
	"coreflow-backend/database"
)

// ErrorHandler centralizes error responses and keeps messages sanitized.
// Every body carries {code, message} plus details when the error has them.
func ErrorHandler(c *fiber.Ctx, err error) error {
	var ae *apperr.E
	if errors.As(err, &ae) {
		if ae.HTTP >= fiber.StatusInternalServerError {
			log.Errorw("request failed", "method", c.Method(), "path", c.Path(), "code", string(ae.Code), "error", err)
		}
		return c.Status(ae.HTTP).JSON(envelope(ae))
	}

	var fe *fiber.Error
	if errors.As(err, &fe) {
		return c.Status(fe.Code).JSON(fiber.Map{"code": codeForStatus(fe.Code), "message": fe.Message})
	}

	var ve validator.ValidationErrors
	if errors.As(err, &ve) {
		out := make(map[string]string, len(ve))
		for _, fe := range ve {
			out[fe.Field()] = fe.Tag()
		}
		return c.Status(fiber.StatusUnprocessableEntity).JSON(fiber.Map{
			"code":    apperr.CodeInvalid,
			"message": "validation failed",
			"errors":  out,
		})
	}

	if errors.Is(err, database.ErrTenantMissing) {
		return c.Status(fiber.StatusUnauthorized).JSON(fiber.Map{"code": apperr.CodeUnauthorized, "message": "auth context missing"})
	}

	log.Errorw("internal error", "method", c.Method(), "path", c.Path(), "error", err)
	return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
		"code":    apperr.CodeInternal,
		"message": "internal server error",
	})
}

func envelope(e *apperr.E) fiber.Map {
	msg := e.Message
	if msg == "" || e.HTTP >= fiber.StatusInternalServerError && e.Code == apperr.CodeInternal {
		msg = http.StatusText(e.HTTP)
	}
	body := fiber.Map{"code": e.Code, "message": msg}
	for k, v := range e.Details {
		if _, taken := body[k]; !taken {
			body[k] = v
		}
	}
	return body
}

func codeForStatus(status int) apperr.Code {
	switch status {
	case fiber.StatusNotFound:
		return apperr.CodeNotFound
	case fiber.StatusUnauthorized, fiber.StatusForbidden:
		return apperr.CodeUnauthorized
	case fiber.StatusTooManyRequests:
		return apperr.CodeRateLimited
	case fiber.StatusConflict:
		return apperr.CodeVersionConflict
	}
	if status >= fiber.StatusInternalServerError {
		return apperr.CodeInternal
	}
	return apperr.CodeInvalid
}
