package web

import (
	"net/http"
	"strings"
	"time"

	"navigator/models"

	"github.com/rohanthewiz/logger"
	"github.com/rohanthewiz/rweb"
)

// CorsMiddleware handles CORS headers for the device web views, which may
// be served from a different origin during development.
func CorsMiddleware(c rweb.Context) error {
	c.Response().SetHeader("Access-Control-Allow-Origin", "*")
	c.Response().SetHeader("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
	c.Response().SetHeader("Access-Control-Allow-Headers", "Content-Type, Authorization, X-Requested-With")

	if c.Request().Method() == "OPTIONS" {
		c.SetStatus(http.StatusOK)
		return nil
	}

	return c.Next()
}

// JWTAuthMiddleware validates Bearer tokens and populates user context.
// It does not block; RequireAuth does that for protected endpoints.
func JWTAuthMiddleware(c rweb.Context) error {
	authHeader := c.Request().Header("Authorization")

	if authHeader == "" || !strings.HasPrefix(authHeader, "Bearer ") {
		c.Set("user_guid", "")
		c.Set("authenticated", false)
		return c.Next()
	}

	tokenString := strings.TrimPrefix(authHeader, "Bearer ")
	claims, err := models.ValidateToken(tokenString)
	if err != nil {
		// Invalid tokens are not logged individually; a flood of them is
		// more likely probing than a user problem.
		c.Set("user_guid", "")
		c.Set("authenticated", false)
		return c.Next()
	}

	c.Set("user_guid", claims.UserGUID)
	c.Set("username", claims.Username)
	c.Set("authenticated", true)

	return c.Next()
}

// RequireAuth blocks unauthenticated requests with a 401. Apply after
// JWTAuthMiddleware on protected routes.
func RequireAuth(c rweb.Context) error {
	authenticated, _ := c.Get("authenticated").(bool)
	if !authenticated {
		c.SetStatus(http.StatusUnauthorized)
		return c.WriteJSON(map[string]interface{}{
			"success": false,
			"error":   "authentication required",
		})
	}
	return c.Next()
}

// SecurityHeadersMiddleware adds standard security headers.
func SecurityHeadersMiddleware(c rweb.Context) error {
	c.Response().SetHeader("X-Content-Type-Options", "nosniff")
	c.Response().SetHeader("X-Frame-Options", "DENY")
	c.Response().SetHeader("Referrer-Policy", "strict-origin-when-cross-origin")

	csp := []string{
		"default-src 'self'",
		"script-src 'self' 'unsafe-inline'",
		"style-src 'self' 'unsafe-inline'",
		"img-src 'self' data:",
	}
	c.Response().SetHeader("Content-Security-Policy", strings.Join(csp, "; "))

	return c.Next()
}

// LoggingMiddleware provides request timing logs.
func LoggingMiddleware(c rweb.Context) error {
	start := time.Now()

	err := c.Next()

	logger.Debug("Request completed",
		"method", c.Request().Method(),
		"path", c.Request().Path(),
		"duration", time.Since(start),
		"error", err,
	)

	return err
}
