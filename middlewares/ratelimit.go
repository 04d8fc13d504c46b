package middlewares

import (
	"math"
	"strconv"
	"strings"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/log"

	"coreflow-backend/apperr"
	"coreflow-backend/ratelimit"
	"coreflow-backend/telemetry"
)

const maxUserAgent = 64

// ClientID identifies the caller for rate limiting: the first X-Forwarded-For hop (else
// X-Real-IP, else the socket address) joined with the truncated user agent. Requests with
// neither share the "anonymous" bucket.
func ClientID(c *fiber.Ctx) string {
	ip := ""
	if xff := c.Get(fiber.HeaderXForwardedFor); xff != "" {
		ip = strings.TrimSpace(strings.Split(xff, ",")[0])
	}
	if ip == "" {
		ip = strings.TrimSpace(c.Get("X-Real-IP"))
	}
	if ip == "" {
		ip = c.IP()
	}
	ua := strings.TrimSpace(c.Get(fiber.HeaderUserAgent))
	if len(ua) > maxUserAgent {
		ua = ua[:maxUserAgent]
	}
	if ip == "" && ua == "" {
		return "anonymous"
	}
	return ip + "|" + ua
}

// RateLimit rejects callers over the limiter's budget with 429. profile names the limiter in
// logs and metrics.
func RateLimit(profile string, l ratelimit.Limiter) fiber.Handler {
	return func(c *fiber.Ctx) error {
		id := ClientID(c)
		res := l.Check(c.UserContext(), id)

		c.Set("X-RateLimit-Limit", strconv.Itoa(res.Limit))
		c.Set("X-RateLimit-Remaining", strconv.Itoa(res.Remaining))
		c.Set("X-RateLimit-Reset", strconv.FormatInt(res.ResetTime.Unix(), 10))
		if res.Allowed {
			return c.Next()
		}

		retryAfter := int(math.Ceil(time.Until(res.ResetTime).Seconds()))
		if retryAfter < 1 {
			retryAfter = 1
		}
		c.Set(fiber.HeaderRetryAfter, strconv.Itoa(retryAfter))
		telemetry.Add(c.UserContext(), telemetry.Counters().RateLimitRejections, "profile", profile)
		log.Warnw("rate limit exceeded", "profile", profile, "client", id, "path", c.Path(), "current", res.Current)

		return c.Status(fiber.StatusTooManyRequests).JSON(fiber.Map{
			"code":       apperr.CodeRateLimited,
			"message":    "Too many requests, please try again later.",
			"limit":      res.Limit,
			"remaining":  res.Remaining,
			"reset_time": res.ResetTime.UTC(),
		})
	}
}
