package handler

import (
	"context"
	"log/slog"

	"github.com/sisrua/geoprep/internal/audit"
	"github.com/sisrua/geoprep/internal/domain"
	"github.com/sisrua/geoprep/internal/jobs"
	"github.com/sisrua/geoprep/internal/projects"
)

// JobService is the job surface used by JobHandler
type JobService interface {
	Submit(ctx context.Context, req domain.PrepareRequest, idempotencyKey string) (domain.Job, bool, error)
	Get(ctx context.Context, jobID string) (domain.Job, error)
	List(filter domain.JobFilter) []domain.Job
	ListHistory(ctx context.Context, filter jobs.HistoryFilter) ([]domain.Job, bool, error)
	Cancel(ctx context.Context, jobID string) (cancelled bool, alreadyTerminal bool, err error)
}

// AuditLedger is the ledger surface used by AuditHandler
type AuditLedger interface {
	Log(ctx context.Context, e audit.Entry) (int64, error)
	Get(ctx context.Context, id int64) (*audit.Record, error)
	Verify(ctx context.Context, id int64) (bool, error)
	VerifyAll(ctx context.Context, limit int) (audit.Summary, error)
	List(ctx context.Context, f audit.Filter) ([]audit.Record, error)
	Stats(ctx context.Context) (audit.Stats, error)
}

// ProjectService is the project surface used by ProjectHandler
type ProjectService interface {
	Get(ctx context.Context, projectID string) (*projects.Project, error)
	Update(ctx context.Context, projectID string, upd projects.Updates, expectedVersion int64) (*projects.Project, error)
}

// WebhookRegistry manages webhook listener URLs
type WebhookRegistry interface {
	Register(rawURL string) error
	URLs() []string
}

// HealthCheck probes one dependency for the deep health endpoint.
// Optional components report "disabled" when Check is nil.
type HealthCheck struct {
	Name  string
	Check func(ctx context.Context) error
}

// Dependencies holds all dependencies needed by handlers
type Dependencies struct {
	Logger       *slog.Logger
	ServiceName  string
	Version      string
	Jobs         JobService
	Audit        AuditLedger
	Projects     ProjectService
	Webhooks     WebhookRegistry
	HealthChecks []HealthCheck
}
