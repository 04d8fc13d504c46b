package middlewares

import (
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/golang-jwt/jwt/v4"

	"coreflow-backend/apperr"
)

const (
	authHeader   = "Authorization"
	bearerPrefix = "Bearer "
)

// Claims is our custom JWT payload (subject=userID, plus tenant).
type Claims struct {
	Tenant string `json:"tenant"`
	jwt.RegisteredClaims
}

var (
	secretMu  sync.RWMutex
	jwtSecret []byte
)

// SetJWTSecret configures the HS256 signing key used by the auth middleware and GenerateJWT.
func SetJWTSecret(secret string) {
	secretMu.Lock()
	defer secretMu.Unlock()
	jwtSecret = []byte(strings.TrimSpace(secret))
}

func loadJWTSecret() ([]byte, error) {
	secretMu.RLock()
	defer secretMu.RUnlock()
	if len(jwtSecret) == 0 {
		return nil, errors.New("JWT secret not configured: call SetJWTSecret with config jwt_secret")
	}
	return jwtSecret, nil
}

func unauthorized(msg string) error {
	return apperr.New(apperr.CodeUnauthorized, apperr.WithMessage(msg))
}

// IsAuthenticatedHeader validates a Bearer token, enforces HS256, and populates c.Locals("userID","tenantID").
func IsAuthenticatedHeader() fiber.Handler {
	return func(c *fiber.Ctx) error {
		secret, err := loadJWTSecret()
		if err != nil {
			return apperr.New(apperr.CodeInternal, apperr.WithMessage("server auth not configured"), apperr.WithCause(err))
		}

		h := c.Get(authHeader)
		if h == "" || !strings.HasPrefix(strings.ToLower(h), strings.ToLower(bearerPrefix)) {
			return unauthorized("missing/invalid Authorization header")
		}
		raw := strings.TrimSpace(h[len(bearerPrefix):])
		if raw == "" {
			return unauthorized("invalid bearer token")
		}

		parser := jwt.NewParser(jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}))
		var claims Claims
		token, err := parser.ParseWithClaims(raw, &claims, func(t *jwt.Token) (any, error) {
			return secret, nil
		})
		if err != nil || !token.Valid {
			return unauthorized("invalid or expired token")
		}
		if strings.TrimSpace(claims.Subject) == "" || strings.TrimSpace(claims.Tenant) == "" {
			return unauthorized("token missing subject/tenant")
		}

		c.Locals("userID", claims.Subject)
		c.Locals("tenantID", claims.Tenant)
		return c.Next()
	}
}

// GenerateJWT signs a new HS256 token for the given user & tenant, expiring after ttl (24h when zero).
func GenerateJWT(userID, tenantID string, ttl time.Duration) (string, error) {
	secret, err := loadJWTSecret()
	if err != nil {
		return "", err
	}
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	now := time.Now()
	claims := &Claims{
		Tenant: tenantID,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   userID,
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
			IssuedAt:  jwt.NewNumericDate(now),
		},
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString(secret)
}
