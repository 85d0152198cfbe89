// Package projects stores versioned project metadata guarded by
// optimistic locking.
package projects

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/sisrua/geoprep/internal/domain"
	"github.com/sisrua/geoprep/internal/observability"
)

// Project is a versioned entity; every successful update bumps Version by one
type Project struct {
	ProjectID   string    `db:"project_id" json:"project_id"`
	ProjectName string    `db:"project_name" json:"project_name"`
	CRSOut      string    `db:"crs_out" json:"crs_out"`
	Version     int64     `db:"version" json:"version"`
	CreatedAt   time.Time `db:"created_at" json:"created_at"`
}

// Payload is the event body published on updates
func (p Project) Payload() map[string]any {
	return map[string]any{
		"project_id":   p.ProjectID,
		"project_name": p.ProjectName,
		"crs_out":      p.CRSOut,
		"version":      p.Version,
		"created_at":   p.CreatedAt.UTC().Format(time.RFC3339),
	}
}

// Updates holds the mutable fields; nil fields are left untouched
type Updates struct {
	ProjectName *string
	CRSOut      *string
}

// Publisher delivers project events
type Publisher interface {
	Publish(ctx context.Context, topic string, payload map[string]any, idempotencyKey string) bool
}

// Service reads and updates projects
type Service struct {
	db        *sqlx.DB
	publisher Publisher
	metrics   *observability.Metrics
	logger    *slog.Logger
}

// NewService creates a project service. publisher may be nil.
func NewService(db *sqlx.DB, publisher Publisher, metrics *observability.Metrics, logger *slog.Logger) *Service {
	return &Service{db: db, publisher: publisher, metrics: metrics, logger: logger}
}

// Get loads one project
func (s *Service) Get(ctx context.Context, projectID string) (*Project, error) {
	var p Project
	err := s.db.GetContext(ctx, &p, s.db.Rebind(`
		SELECT project_id, project_name, crs_out, version, created_at
		FROM projects
		WHERE project_id = ?
	`), projectID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, domain.ErrProjectNotFound
		}
		return nil, fmt.Errorf("failed to get project: %w", err)
	}
	return &p, nil
}

// Create inserts a project at version 1
func (s *Service) Create(ctx context.Context, projectID, name, crsOut string) (*Project, error) {
	if strings.TrimSpace(projectID) == "" {
		return nil, domain.NewValidationError("project_id", "is required")
	}
	if strings.TrimSpace(name) == "" {
		return nil, domain.NewValidationError("project_name", "is required")
	}
	if strings.TrimSpace(crsOut) == "" {
		return nil, domain.NewValidationError("crs_out", "is required")
	}

	_, err := s.db.ExecContext(ctx, s.db.Rebind(`
		INSERT INTO projects (project_id, project_name, crs_out, version, created_at)
		VALUES (?, ?, ?, 1, ?)
	`), projectID, name, crsOut, time.Now().UTC())
	if err != nil {
		return nil, fmt.Errorf("failed to create project: %w", err)
	}

	s.logger.Info("Project created", slog.String("project_id", projectID))
	return s.Get(ctx, projectID)
}

// Update applies upd only if the stored version equals expectedVersion.
// A stale version yields a *domain.ConflictError wrapping
// domain.ErrVersionConflict; the caller must re-read and retry.
func (s *Service) Update(ctx context.Context, projectID string, upd Updates, expectedVersion int64) (*Project, error) {
	var sets []string
	var args []any
	if upd.ProjectName != nil {
		if strings.TrimSpace(*upd.ProjectName) == "" {
			return nil, domain.NewValidationError("project_name", "must not be empty")
		}
		sets = append(sets, "project_name = ?")
		args = append(args, *upd.ProjectName)
	}
	if upd.CRSOut != nil {
		if strings.TrimSpace(*upd.CRSOut) == "" {
			return nil, domain.NewValidationError("crs_out", "must not be empty")
		}
		sets = append(sets, "crs_out = ?")
		args = append(args, *upd.CRSOut)
	}
	sets = append(sets, "version = version + 1")
	args = append(args, projectID, expectedVersion)

	query := s.db.Rebind(fmt.Sprintf(
		`UPDATE projects SET %s WHERE project_id = ? AND version = ?`,
		strings.Join(sets, ", "),
	))
	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to update project: %w", err)
	}
	rows, err := res.RowsAffected()
	if err != nil {
		return nil, fmt.Errorf("failed to read affected rows: %w", err)
	}

	if rows == 0 {
		current, err := s.Get(ctx, projectID)
		if err != nil {
			return nil, err
		}
		s.metrics.VersionConflict()
		s.logger.Warn("Optimistic lock conflict",
			slog.String("project_id", projectID),
			slog.Int64("expected", expectedVersion),
			slog.Int64("current", current.Version),
		)
		return nil, &domain.ConflictError{EntityID: projectID, Expected: expectedVersion, Current: current.Version}
	}

	updated, err := s.Get(ctx, projectID)
	if err != nil {
		return nil, err
	}

	if s.publisher != nil {
		key := fmt.Sprintf("project_updated:%s:%d", updated.ProjectID, updated.Version)
		s.publisher.Publish(ctx, domain.TopicProjectUpdated, updated.Payload(), key)
	}
	return updated, nil
}
