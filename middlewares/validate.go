package middlewares

import (
	"strconv"

	"github.com/go-playground/validator/v10"
	"github.com/gofiber/fiber/v2"

	"coreflow-backend/apperr"
)

var validate = validator.New()

// BindAndValidate parses the request body into dst and validates it.
// Returns an invalid_request error for parse errors and a validator.ValidationErrors for validation issues.
func BindAndValidate(c *fiber.Ctx, dst any) error {
	if err := c.BodyParser(dst); err != nil {
		return apperr.New(apperr.CodeInvalid, apperr.WithMessage("invalid request body"), apperr.WithCause(err))
	}
	return validate.Struct(dst)
}

// ValidateStruct validates any struct value using the shared validator instance.
func ValidateStruct(v any) error {
	return validate.Struct(v)
}

// ParamID parses a positive numeric route parameter.
func ParamID(c *fiber.Ctx, name string) (uint, error) {
	id, err := strconv.ParseUint(c.Params(name), 10, 64)
	if err != nil || id == 0 {
		return 0, apperr.New(apperr.CodeInvalid, apperr.WithMessage("invalid "+name))
	}
	return uint(id), nil
}
