package handler

import (
	"log/slog"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/sisrua/geoprep/internal/api/dto"
)

// WebhookHandler registers job event listeners
type WebhookHandler struct {
	logger   *slog.Logger
	webhooks WebhookRegistry
}

// NewWebhookHandler creates a new WebhookHandler instance
func NewWebhookHandler(deps *Dependencies) *WebhookHandler {
	return &WebhookHandler{logger: deps.Logger, webhooks: deps.Webhooks}
}

// RegisterWebhook handles POST /api/v1/webhooks
func (h *WebhookHandler) RegisterWebhook(c *gin.Context) {
	var req dto.RegisterWebhookRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, "url is required")
		return
	}
	if err := h.webhooks.Register(req.URL); err != nil {
		abortWithError(c, h.logger, err)
		return
	}
	c.JSON(http.StatusCreated, dto.WebhooksResponse{URLs: h.webhooks.URLs()})
}

// ListWebhooks handles GET /api/v1/webhooks
func (h *WebhookHandler) ListWebhooks(c *gin.Context) {
	c.JSON(http.StatusOK, dto.WebhooksResponse{URLs: h.webhooks.URLs()})
}
