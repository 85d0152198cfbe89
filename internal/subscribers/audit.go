package subscribers

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/sisrua/geoprep/internal/audit"
	"github.com/sisrua/geoprep/internal/domain"
	"github.com/sisrua/geoprep/internal/eventbus"
)

// AuditLogger appends audit records
type AuditLogger interface {
	Log(ctx context.Context, e audit.Entry) (int64, error)
}

type auditMapping struct {
	eventType  string
	entityType string
	idField    string
}

var auditMappings = map[string]auditMapping{
	domain.TopicJobCompleted:   {"JOB_COMPLETED", "JobHistory", "job_id"},
	domain.TopicJobFailed:      {"JOB_FAILED", "JobHistory", "job_id"},
	domain.TopicProjectUpdated: {"PROJECT_UPDATED", "Project", "project_id"},
}

// AuditTopics lists the topics the audit bridge records
func AuditTopics() []string {
	return []string{domain.TopicJobCompleted, domain.TopicJobFailed, domain.TopicProjectUpdated}
}

// AuditBridge records terminal job and project events in the ledger
type AuditBridge struct {
	ledger AuditLogger
	logger *slog.Logger
}

// NewAuditBridge creates a bridge writing to ledger
func NewAuditBridge(ledger AuditLogger, logger *slog.Logger) *AuditBridge {
	return &AuditBridge{ledger: ledger, logger: logger}
}

// Handle is the event bus handler
func (a *AuditBridge) Handle(ctx context.Context, evt eventbus.Event) error {
	m, ok := auditMappings[evt.Topic]
	if !ok {
		return nil
	}

	entityID, _ := evt.Payload[m.idField].(string)
	_, err := a.ledger.Log(ctx, audit.Entry{
		EventType:  m.eventType,
		EntityType: m.entityType,
		EntityID:   entityID,
		Data:       evt.Payload,
	})
	if err != nil {
		return fmt.Errorf("failed to audit %s: %w", evt.Topic, err)
	}
	return nil
}
