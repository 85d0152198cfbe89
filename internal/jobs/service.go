package jobs

import (
	"context"
	"errors"
	"log/slog"

	"go.opentelemetry.io/otel/trace"

	"github.com/sisrua/geoprep/internal/domain"
)

// Service is the entry point used by the HTTP layer: it deduplicates,
// registers and dispatches jobs and resolves lookups against history.
type Service struct {
	registry *Registry
	pool     *Pool
	history  *HistoryStore
	logger   *slog.Logger
}

// NewService creates a job service. history may be nil.
func NewService(registry *Registry, pool *Pool, history *HistoryStore, logger *slog.Logger) *Service {
	return &Service{registry: registry, pool: pool, history: history, logger: logger}
}

// Submit creates or looks up the job for req and dispatches new jobs to
// the pool. The returned bool reports whether a new job was created.
func (s *Service) Submit(ctx context.Context, req domain.PrepareRequest, idempotencyKey string) (domain.Job, bool, error) {
	jobID, isNew, err := s.registry.Create(ctx, req, idempotencyKey)
	if err != nil {
		return domain.Job{}, false, err
	}

	if isNew {
		err := s.pool.Submit(Submission{
			JobID:       jobID,
			Request:     req,
			SpanContext: trace.SpanContextFromContext(ctx),
		})
		if err != nil {
			s.logger.Error("Failed to dispatch job",
				slog.String("job_id", jobID),
				slog.Any("error", err),
			)
			s.pool.executor.Abort(ctx, jobID, err)
			job, _ := s.registry.Get(jobID)
			s.registry.Release(job.IdempotencyKey, jobID)
			return job, true, err
		}
	}

	job, ok := s.registry.Get(jobID)
	if !ok {
		return domain.Job{}, isNew, domain.ErrJobNotFound
	}
	return job, isNew, nil
}

// Get returns the live job, falling back to persisted history for jobs
// already swept from memory
func (s *Service) Get(ctx context.Context, jobID string) (domain.Job, error) {
	if job, ok := s.registry.Get(jobID); ok {
		return job, nil
	}
	if s.history == nil {
		return domain.Job{}, domain.ErrJobNotFound
	}

	rec, err := s.history.Get(ctx, jobID)
	if err != nil {
		return domain.Job{}, err
	}
	return rec.ToJob()
}

// List returns live jobs matching filter
func (s *Service) List(filter domain.JobFilter) []domain.Job {
	return s.registry.List(filter)
}

// ListHistory pages through persisted snapshots
func (s *Service) ListHistory(ctx context.Context, filter HistoryFilter) ([]domain.Job, bool, error) {
	if s.history == nil {
		return nil, false, nil
	}
	if filter.PageSize <= 0 {
		filter.PageSize = 50
	}
	records, err := s.history.List(ctx, filter)
	if err != nil {
		return nil, false, err
	}

	hasMore := len(records) > filter.PageSize
	if hasMore {
		records = records[:filter.PageSize]
	}
	out := make([]domain.Job, 0, len(records))
	for i := range records {
		job, err := records[i].ToJob()
		if err != nil {
			return nil, false, err
		}
		out = append(out, job)
	}
	return out, hasMore, nil
}

// Cancel cancels a live job. alreadyTerminal is true when the job had
// finished before the request arrived.
func (s *Service) Cancel(ctx context.Context, jobID string) (cancelled bool, alreadyTerminal bool, err error) {
	cancelled, err = s.registry.Cancel(ctx, jobID)
	if errors.Is(err, domain.ErrJobNotFound) && s.history != nil {
		if _, histErr := s.history.Get(ctx, jobID); histErr == nil {
			return false, true, nil
		}
	}
	if err != nil {
		return false, false, err
	}
	return cancelled, !cancelled, nil
}

// QueueDepth reports jobs waiting for a worker
func (s *Service) QueueDepth() int {
	return s.pool.QueueDepth()
}

// Counts reports live jobs per status
func (s *Service) Counts() map[domain.JobStatus]int {
	return s.registry.Counts()
}
