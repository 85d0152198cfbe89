package jobs

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/sisrua/geoprep/internal/domain"
)

// HistoryRecord is one persisted terminal job snapshot
type HistoryRecord struct {
	ID         string         `db:"id" json:"job_id"`
	Kind       string         `db:"kind" json:"kind"`
	Status     string         `db:"status" json:"status"`
	CreatedAt  time.Time      `db:"created_at" json:"created_at"`
	UpdatedAt  time.Time      `db:"updated_at" json:"updated_at"`
	ResultJSON sql.NullString `db:"result_json" json:"-"`
}

// failureRecord is stored in result_json for failed jobs
type failureRecord struct {
	Error   string `json:"error"`
	Message string `json:"message,omitempty"`
}

// ToJob rebuilds a job snapshot from the persisted row
func (h *HistoryRecord) ToJob() (domain.Job, error) {
	job := domain.Job{
		ID:        h.ID,
		Kind:      domain.JobKind(h.Kind),
		Status:    domain.JobStatus(h.Status),
		Progress:  1,
		CreatedAt: h.CreatedAt.UTC(),
		UpdatedAt: h.UpdatedAt.UTC(),
	}
	if !h.ResultJSON.Valid || h.ResultJSON.String == "" {
		return job, nil
	}

	if job.Status == domain.JobStatusCompleted {
		var result domain.PrepareResult
		if err := json.Unmarshal([]byte(h.ResultJSON.String), &result); err != nil {
			return job, fmt.Errorf("failed to decode stored result: %w", err)
		}
		job.Result = &result
		return job, nil
	}

	var failure failureRecord
	if err := json.Unmarshal([]byte(h.ResultJSON.String), &failure); err != nil {
		return job, fmt.Errorf("failed to decode stored failure: %w", err)
	}
	job.Error = failure.Error
	job.Message = failure.Message
	job.Cancelled = failure.Error == domain.ErrorCodeCancelled
	return job, nil
}

// HistoryStore persists terminal job snapshots in job_history
type HistoryStore struct {
	db     *sqlx.DB
	logger *slog.Logger
}

// NewHistoryStore creates a new HistoryStore
func NewHistoryStore(db *sqlx.DB, logger *slog.Logger) *HistoryStore {
	return &HistoryStore{db: db, logger: logger}
}

// SaveBatch upserts snapshots by job id in a single transaction. It has the
// signature of a buffer flush function.
func (s *HistoryStore) SaveBatch(ctx context.Context, batch []domain.Job) error {
	if len(batch) == 0 {
		return nil
	}

	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	query := s.db.Rebind(`
		INSERT INTO job_history (id, kind, status, created_at, updated_at, result_json)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT (id) DO UPDATE SET
			status = excluded.status,
			updated_at = excluded.updated_at,
			result_json = excluded.result_json
	`)

	stmt, err := tx.PreparexContext(ctx, query)
	if err != nil {
		return fmt.Errorf("failed to prepare upsert: %w", err)
	}
	defer stmt.Close()

	for _, job := range batch {
		resultJSON, err := encodeOutcome(job)
		if err != nil {
			return fmt.Errorf("failed to encode job %s: %w", job.ID, err)
		}
		if _, err := stmt.ExecContext(ctx,
			job.ID, string(job.Kind), string(job.Status),
			job.CreatedAt.UTC(), job.UpdatedAt.UTC(), resultJSON,
		); err != nil {
			return fmt.Errorf("failed to upsert job %s: %w", job.ID, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit job history: %w", err)
	}

	s.logger.Debug("Job history flushed", slog.Int("count", len(batch)))
	return nil
}

func encodeOutcome(job domain.Job) (sql.NullString, error) {
	var v any
	switch {
	case job.Result != nil:
		v = job.Result
	case job.Error != "":
		v = failureRecord{Error: job.Error, Message: job.Message}
	default:
		return sql.NullString{}, nil
	}

	data, err := json.Marshal(v)
	if err != nil {
		return sql.NullString{}, err
	}
	return sql.NullString{String: string(data), Valid: true}, nil
}

// Get loads a persisted snapshot
func (s *HistoryStore) Get(ctx context.Context, jobID string) (*HistoryRecord, error) {
	var rec HistoryRecord
	err := s.db.GetContext(ctx, &rec, s.db.Rebind(`
		SELECT id, kind, status, created_at, updated_at, result_json
		FROM job_history
		WHERE id = ?
	`), jobID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, domain.ErrJobNotFound
		}
		return nil, fmt.Errorf("failed to get job history: %w", err)
	}
	return &rec, nil
}

// HistoryCursor marks the last row of a page in (created_at, id) order
type HistoryCursor struct {
	CreatedAt time.Time
	JobID     string
}

// HistoryFilter narrows a history listing
type HistoryFilter struct {
	Status   domain.JobStatus
	Kind     domain.JobKind
	PageSize int
	Cursor   *HistoryCursor
}

// List returns snapshots newest first, starting after filter.Cursor. It
// fetches one row more than PageSize so callers can tell if another page exists.
func (s *HistoryStore) List(ctx context.Context, filter HistoryFilter) ([]HistoryRecord, error) {
	if filter.PageSize <= 0 {
		filter.PageSize = 50
	}

	query := `
		SELECT id, kind, status, created_at, updated_at, result_json
		FROM job_history
		WHERE 1=1
	`
	args := []any{}

	if filter.Status != "" {
		query += ` AND status = ?`
		args = append(args, string(filter.Status))
	}
	if filter.Kind != "" {
		query += ` AND kind = ?`
		args = append(args, string(filter.Kind))
	}
	if filter.Cursor != nil {
		query += ` AND (created_at < ? OR (created_at = ? AND id < ?))`
		createdAt := filter.Cursor.CreatedAt.UTC()
		args = append(args, createdAt, createdAt, filter.Cursor.JobID)
	}

	query += ` ORDER BY created_at DESC, id DESC LIMIT ?`
	args = append(args, filter.PageSize+1)

	var records []HistoryRecord
	if err := s.db.SelectContext(ctx, &records, s.db.Rebind(query), args...); err != nil {
		return nil, fmt.Errorf("failed to list job history: %w", err)
	}
	return records, nil
}
