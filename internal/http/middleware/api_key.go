package middleware

import (
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"net/http"
	"strings"

	echo "github.com/labstack/echo/v4"
)

const ctxKeyID = "api_key_id"

// KeyIDFromCtx returns the fingerprint of the key that authenticated the request.
func KeyIDFromCtx(c echo.Context) (string, bool) {
	id, ok := c.Get(ctxKeyID).(string)
	return id, ok && id != ""
}

// APIKeyMiddleware authenticates requests against a static key list using
// the X-API-Key header. An empty list disables authentication.
func APIKeyMiddleware(keys []string) echo.MiddlewareFunc {
	var allowed [][]byte
	for _, k := range keys {
		if k = strings.TrimSpace(k); k != "" {
			allowed = append(allowed, []byte(k))
		}
	}
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			if len(allowed) == 0 {
				return next(c)
			}
			key := strings.TrimSpace(c.Request().Header.Get("X-API-Key"))
			if key == "" {
				return c.JSON(http.StatusUnauthorized, map[string]string{"error": "missing api key"})
			}
			match := 0
			for _, a := range allowed {
				match |= subtle.ConstantTimeCompare(a, []byte(key))
			}
			if match != 1 {
				return c.JSON(http.StatusUnauthorized, map[string]string{"error": "invalid api key"})
			}
			c.Set(ctxKeyID, fingerprint(key))
			return next(c)
		}
	}
}

// fingerprint keeps raw keys out of Redis and logs.
func fingerprint(key string) string {
	sum := sha256.Sum256([]byte(key))
	return hex.EncodeToString(sum[:8])
}
