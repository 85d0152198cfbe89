package dto

import (
	"time"

	"github.com/sisrua/geoprep/internal/audit"
)

type CreateAuditRequest struct {
	EventType  string         `json:"event_type" binding:"required"`
	EntityType string         `json:"entity_type" binding:"required"`
	EntityID   string         `json:"entity_id"`
	ActorID    string         `json:"actor_id"`
	Data       map[string]any `json:"data"`
}

type CreateAuditResponse struct {
	AuditID int64 `json:"audit_id"`
}

type ListAuditRequest struct {
	EntityType string `form:"entity_type"`
	EntityID   string `form:"entity_id"`
	EventType  string `form:"event_type"`
	Limit      int    `form:"limit"`
}

type ListAuditResponse struct {
	Count int              `json:"count"`
	Logs  []AuditRecordDTO `json:"logs"`
}

type VerifyAuditResponse struct {
	AuditID int64  `json:"audit_id"`
	Valid   bool   `json:"valid"`
	Message string `json:"message"`
}

type VerifyAllRequest struct {
	Limit int `json:"limit"`
}

// AuditRecordDTO is the public view of a record. The signature is truncated.
type AuditRecordDTO struct {
	AuditID    int64          `json:"audit_id"`
	EventType  string         `json:"event_type"`
	EntityType string         `json:"entity_type"`
	EntityID   *string        `json:"entity_id"`
	ActorID    string         `json:"actor_id"`
	Timestamp  float64        `json:"timestamp"`
	Data       map[string]any `json:"data"`
	Signature  string         `json:"signature"`
	CreatedAt  string         `json:"created_at"`
}

// NewAuditRecordDTO converts a stored record
func NewAuditRecordDTO(r *audit.Record) AuditRecordDTO {
	out := AuditRecordDTO{
		AuditID:    r.ID,
		EventType:  r.EventType,
		EntityType: r.EntityType,
		ActorID:    r.ActorID,
		Timestamp:  r.Timestamp,
		Signature:  r.ShortSignature(),
		CreatedAt:  r.CreatedAt.UTC().Format(time.RFC3339),
	}
	if r.EntityID.Valid {
		id := r.EntityID.String
		out.EntityID = &id
	}
	if data, err := r.Data(); err == nil {
		out.Data = data
	}
	return out
}
