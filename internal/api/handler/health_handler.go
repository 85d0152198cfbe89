package handler

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/sisrua/geoprep/internal/api/dto"
)

const deepHealthTimeout = 3 * time.Second

// HealthHandler serves liveness and dependency health
type HealthHandler struct {
	service string
	version string
	checks  []HealthCheck
}

// NewHealthHandler creates a new HealthHandler instance
func NewHealthHandler(deps *Dependencies) *HealthHandler {
	return &HealthHandler{service: deps.ServiceName, version: deps.Version, checks: deps.HealthChecks}
}

// Health handles GET /health
func (h *HealthHandler) Health(c *gin.Context) {
	c.JSON(http.StatusOK, dto.HealthResponse{Status: "ok", Service: h.service, Version: h.version})
}

// DeepHealth handles GET /health/deep. Any failing component turns the
// response into 503 "degraded".
func (h *HealthHandler) DeepHealth(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), deepHealthTimeout)
	defer cancel()

	resp := dto.HealthResponse{
		Status:     "ok",
		Service:    h.service,
		Version:    h.version,
		Components: make(map[string]dto.ComponentHealth, len(h.checks)),
	}
	for _, check := range h.checks {
		if check.Check == nil {
			resp.Components[check.Name] = dto.ComponentHealth{Status: "disabled"}
			continue
		}
		if err := check.Check(ctx); err != nil {
			resp.Status = "degraded"
			resp.Components[check.Name] = dto.ComponentHealth{Status: "down", Error: err.Error()}
			continue
		}
		resp.Components[check.Name] = dto.ComponentHealth{Status: "up"}
	}

	status := http.StatusOK
	if resp.Status != "ok" {
		status = http.StatusServiceUnavailable
	}
	c.JSON(status, resp)
}
