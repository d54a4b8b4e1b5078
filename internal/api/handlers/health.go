package handlers

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
)

type HealthResponse struct {
	Status         string            `json:"status"`
	Timestamp      string            `json:"timestamp"`
	Services       map[string]string `json:"services"`
	ActiveSessions int               `json:"active_sessions"`
	Observers      int               `json:"dashboard_observers"`
}

func (h *Handler) HealthCheck(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), 2*time.Second)
	defer cancel()

	services := map[string]string{
		"api":   "healthy",
		"store": "unknown",
		"redis": "disabled",
	}

	if err := h.store.Ping(ctx); err != nil {
		services["store"] = "unhealthy"
	} else {
		services["store"] = "healthy"
	}

	if h.redisClient != nil {
		if err := h.redisClient.Ping(ctx).Err(); err != nil {
			services["redis"] = "unhealthy"
		} else {
			services["redis"] = "healthy"
		}
	}

	overallStatus := "healthy"
	for _, status := range services {
		if status == "unhealthy" {
			overallStatus = "degraded"
			break
		}
	}

	resp := HealthResponse{
		Status:    overallStatus,
		Timestamp: time.Now().Format(time.RFC3339),
		Services:  services,
	}
	if h.coordinator != nil {
		resp.ActiveSessions = h.coordinator.Active()
	}
	if h.hub != nil {
		resp.Observers = h.hub.Count()
	}
	c.JSON(http.StatusOK, resp)
}
