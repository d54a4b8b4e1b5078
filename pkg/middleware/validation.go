package middleware

import (
	"regexp"

	"github.com/gin-gonic/gin"
	"github.com/troikatech/callbridge/pkg/errors"
)

var callIDRegex = regexp.MustCompile(`^[A-Za-z0-9_\-]{1,128}$`)

// ValidateCallIDParam rejects call ids that could not have come from the AI provider.
func ValidateCallIDParam(paramName string) gin.HandlerFunc {
	return func(c *gin.Context) {
		id := c.Param(paramName)
		if id == "" {
			errors.BadRequest(c, paramName+" parameter is required")
			return
		}
		if !callIDRegex.MatchString(id) {
			errors.BadRequest(c, "invalid "+paramName+" parameter")
			return
		}
		c.Next()
	}
}
