package middlewares

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strings"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/log"

	"coreflow-backend/apperr"
	"coreflow-backend/config"
	"coreflow-backend/idempotency"
)

const (
	HeaderIdempotencyKey = "Idempotency-Key"
	HeaderReplayed       = "Idempotent-Replayed"
)

// RequestHash is the fingerprint a key is bound to: method|path|body|tenant|user.
func RequestHash(method, path string, body []byte, tenantID, userID string) string {
	h := sha256.New()
	h.Write([]byte(method))
	h.Write([]byte{'\n'})
	h.Write([]byte(path))
	h.Write([]byte{'\n'})
	h.Write(body)
	h.Write([]byte{'\n'})
	h.Write([]byte(tenantID))
	h.Write([]byte{'\n'})
	h.Write([]byte(userID))
	return hex.EncodeToString(h.Sum(nil))
}

// Idempotency processes Idempotency-Key for mutating HTTP methods. Register it before TenantTx
// so the stored response is only written after the handler's transaction has committed.
func Idempotency(svc *idempotency.Service, cfg config.Idempotency) fiber.Handler {
	return func(c *fiber.Ctx) (err error) {
		method := strings.ToUpper(c.Method())
		if method != fiber.MethodPost && method != fiber.MethodPut && method != fiber.MethodPatch && method != fiber.MethodDelete {
			return c.Next()
		}

		key := strings.TrimSpace(c.Get(HeaderIdempotencyKey))
		if key == "" {
			return c.Next()
		}
		if len(key) > idempotency.MaxKeyLength {
			return apperr.New(apperr.CodeInvalid, apperr.WithMessage("Idempotency-Key too long"))
		}

		tenantID, _ := c.Locals("tenantID").(string)
		userID, _ := c.Locals("userID").(string)
		path := c.OriginalURL() // includes query string
		ctx := c.UserContext()

		res, err := svc.Begin(ctx, idempotency.Request{
			Key:         key,
			Method:      method,
			Endpoint:    path,
			RequestHash: RequestHash(method, path, c.Body(), tenantID, userID),
			TenantID:    tenantID,
			UserID:      userID,
		})
		if err != nil {
			return err
		}

		switch res.Outcome {
		case idempotency.OutcomeReplay:
			return replay(c, res.Cached)
		case idempotency.OutcomeInProgress:
			if cfg.WaitTimeout > 0 {
				cached, err := svc.Await(ctx, key, cfg.PollInterval, cfg.WaitTimeout)
				if err != nil {
					return err
				}
				if cached != nil {
					return replay(c, cached)
				}
			}
			return apperr.New(apperr.CodeDuplicateRequest,
				apperr.WithMessage("a request with this Idempotency-Key is already being processed"))
		}

		defer func() {
			if r := recover(); r != nil {
				if ferr := svc.Fail(ctx, key, fmt.Errorf("handler panic: %v", r)); ferr != nil {
					log.Errorw("release idempotency key", "key", key, "error", ferr)
				}
				panic(r)
			}
		}()

		if err := c.Next(); err != nil {
			if ferr := svc.Fail(ctx, key, err); ferr != nil {
				log.Errorw("release idempotency key", "key", key, "error", ferr)
			}
			return err
		}

		status := c.Response().StatusCode()
		if status >= fiber.StatusInternalServerError {
			if ferr := svc.Fail(ctx, key, fmt.Errorf("handler responded %d", status)); ferr != nil {
				log.Errorw("release idempotency key", "key", key, "error", ferr)
			}
			return nil
		}

		resp := idempotency.Response{Status: status, Body: c.Response().Body()}
		if ct := string(c.Response().Header.ContentType()); ct != "" {
			resp.Headers = map[string]string{fiber.HeaderContentType: ct}
		}
		if cerr := svc.Complete(ctx, key, resp); cerr != nil {
			// the response still goes out; the key stays locked until LockTimeout
			log.Errorw("store idempotent response", "key", key, "error", cerr)
		}
		return nil
	}
}

func replay(c *fiber.Ctx, cached *idempotency.Response) error {
	for k, v := range cached.Headers {
		c.Set(k, v)
	}
	c.Set(HeaderReplayed, "true")
	return c.Status(cached.Status).Send(cached.Body)
}
