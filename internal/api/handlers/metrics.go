package handlers

import (
	"github.com/gin-gonic/gin"

	"github.com/troikatech/callbridge/pkg/metrics"
)

// GetPrometheusMetrics exposes the process collectors in text format.
func (h *Handler) GetPrometheusMetrics(c *gin.Context) {
	metrics.Handler().ServeHTTP(c.Writer, c.Request)
}
