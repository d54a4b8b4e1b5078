package middleware

import (
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/troikatech/callbridge/pkg/auth"
	"github.com/troikatech/callbridge/pkg/errors"
)

type AuthConfig struct {
	Secret   string
	Issuer   string
	Audience string
	// QueryParam, when set, is read for the token if no Authorization header
	// is present. Browsers cannot set headers on a websocket upgrade.
	QueryParam string
}

// AuthMiddleware requires a Bearer operator token. With no secret configured
// the dashboard API is open and every caller is treated as an admin.
func AuthMiddleware(cfg AuthConfig) gin.HandlerFunc {
	return func(c *gin.Context) {
		if cfg.Secret == "" {
			c.Set("operator", "anonymous")
			c.Set("role", auth.RoleAdmin)
			c.Next()
			return
		}

		authHeader := c.GetHeader("Authorization")
		tokenString := ""
		switch {
		case authHeader != "":
			scheme, token, ok := strings.Cut(authHeader, " ")
			if !ok || !strings.EqualFold(scheme, "bearer") || token == "" {
				errors.Unauthorized(c, "invalid authorization format")
				return
			}
			tokenString = token
		case cfg.QueryParam != "" && c.Query(cfg.QueryParam) != "":
			tokenString = c.Query(cfg.QueryParam)
		default:
			errors.Unauthorized(c, "authorization header required")
			return
		}

		claims, err := auth.ParseToken(tokenString, cfg.Secret, cfg.Issuer, cfg.Audience)
		if err != nil {
			errors.Unauthorized(c, "invalid or expired token")
			return
		}

		c.Set("operator", claims.Subject)
		c.Set("operator_email", claims.Email)
		c.Set("role", claims.Role)
		c.Next()
	}
}

func RoleMiddleware(allowedRoles ...string) gin.HandlerFunc {
	return func(c *gin.Context) {
		role := c.GetString("role")
		if role == "" {
			errors.Forbidden(c, "role not found in token")
			return
		}

		for _, allowed := range allowedRoles {
			if role == allowed {
				c.Next()
				return
			}
		}

		errors.Forbidden(c, "insufficient permissions")
	}
}
