package handler

import (
	"log/slog"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/sisrua/geoprep/internal/api/dto"
	"github.com/sisrua/geoprep/internal/audit"
)

// AuditHandler serves the audit ledger
type AuditHandler struct {
	logger *slog.Logger
	ledger AuditLedger
}

// NewAuditHandler creates a new AuditHandler instance
func NewAuditHandler(deps *Dependencies) *AuditHandler {
	return &AuditHandler{logger: deps.Logger, ledger: deps.Audit}
}

// CreateAudit handles POST /api/v1/audit
func (h *AuditHandler) CreateAudit(c *gin.Context) {
	var req dto.CreateAuditRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, "event_type and entity_type are required")
		return
	}

	id, err := h.ledger.Log(c.Request.Context(), audit.Entry{
		EventType:  req.EventType,
		EntityType: req.EntityType,
		EntityID:   req.EntityID,
		ActorID:    req.ActorID,
		Data:       req.Data,
	})
	if err != nil {
		abortWithError(c, h.logger, err)
		return
	}
	c.JSON(http.StatusCreated, dto.CreateAuditResponse{AuditID: id})
}

// GetAudit handles GET /api/v1/audit/:audit_id
func (h *AuditHandler) GetAudit(c *gin.Context) {
	id, ok := auditIDParam(c)
	if !ok {
		return
	}

	rec, err := h.ledger.Get(c.Request.Context(), id)
	if err != nil {
		abortWithError(c, h.logger, err)
		return
	}
	c.JSON(http.StatusOK, dto.NewAuditRecordDTO(rec))
}

// VerifyAudit handles GET /api/v1/audit/:audit_id/verify
func (h *AuditHandler) VerifyAudit(c *gin.Context) {
	id, ok := auditIDParam(c)
	if !ok {
		return
	}

	valid, err := h.ledger.Verify(c.Request.Context(), id)
	if err != nil {
		abortWithError(c, h.logger, err)
		return
	}

	message := "Signature valid"
	if !valid {
		message = "Tamper detected"
	}
	c.JSON(http.StatusOK, dto.VerifyAuditResponse{AuditID: id, Valid: valid, Message: message})
}

// VerifyAll handles POST /api/v1/audit/verify-all; the body is optional
func (h *AuditHandler) VerifyAll(c *gin.Context) {
	var req dto.VerifyAllRequest
	if c.Request.ContentLength != 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			badRequest(c, "invalid request body")
			return
		}
	}

	summary, err := h.ledger.VerifyAll(c.Request.Context(), req.Limit)
	if err != nil {
		abortWithError(c, h.logger, err)
		return
	}
	c.JSON(http.StatusOK, summary)
}

// ListAudit handles GET /api/v1/audit
func (h *AuditHandler) ListAudit(c *gin.Context) {
	var req dto.ListAuditRequest
	if err := c.ShouldBindQuery(&req); err != nil {
		badRequest(c, "invalid query parameters")
		return
	}

	records, err := h.ledger.List(c.Request.Context(), audit.Filter{
		EntityType: req.EntityType,
		EntityID:   req.EntityID,
		EventType:  req.EventType,
		Limit:      req.Limit,
	})
	if err != nil {
		abortWithError(c, h.logger, err)
		return
	}

	logs := make([]dto.AuditRecordDTO, len(records))
	for i := range records {
		logs[i] = dto.NewAuditRecordDTO(&records[i])
	}
	c.JSON(http.StatusOK, dto.ListAuditResponse{Count: len(logs), Logs: logs})
}

// AuditStats handles GET /api/v1/audit/stats
func (h *AuditHandler) AuditStats(c *gin.Context) {
	stats, err := h.ledger.Stats(c.Request.Context())
	if err != nil {
		abortWithError(c, h.logger, err)
		return
	}
	c.JSON(http.StatusOK, stats)
}

func auditIDParam(c *gin.Context) (int64, bool) {
	id, err := strconv.ParseInt(c.Param("audit_id"), 10, 64)
	if err != nil || id <= 0 {
		badRequest(c, "audit_id must be a positive integer")
		return 0, false
	}
	return id, true
}
