package jobs

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/sisrua/geoprep/internal/domain"
	"github.com/sisrua/geoprep/internal/observability"
)

// kindStart is the progress reported when a kind's body begins
var kindStart = map[domain.JobKind]struct {
	progress float64
	message  string
}{
	domain.JobKindOSM:     {0.15, "Downloading OSM data"},
	domain.JobKindGeoJSON: {0.2, "Processing GeoJSON"},
}

// Executor drives one prepare job through its lifecycle
type Executor struct {
	registry  *Registry
	preparers map[domain.JobKind]Preparer
	metrics   *observability.Metrics
	logger    *slog.Logger
}

// NewExecutor creates an executor with one preparer per job kind
func NewExecutor(registry *Registry, preparers map[domain.JobKind]Preparer, metrics *observability.Metrics, logger *slog.Logger) *Executor {
	return &Executor{
		registry:  registry,
		preparers: preparers,
		metrics:   metrics,
		logger:    logger,
	}
}

type jobStep struct {
	ctx      context.Context
	jobID    string
	registry *Registry
}

func (s *jobStep) Checkpoint() error {
	return s.registry.CheckCancellation(s.ctx, s.jobID)
}

func (s *jobStep) Progress(progress float64, message string) {
	s.registry.Update(s.ctx, s.jobID, domain.JobUpdate{Progress: &progress, Message: &message})
}

// Execute runs the job to a terminal state. Failures are recorded on the
// job, never returned.
func (e *Executor) Execute(ctx context.Context, jobID string, req domain.PrepareRequest) {
	ctx, span := observability.StartSpan(ctx, "jobs.prepare",
		attribute.String("job.id", jobID),
		attribute.String("job.kind", string(req.Kind())),
	)
	defer span.End()

	start := time.Now()
	e.metrics.JobStarted()

	err := e.run(ctx, jobID, req)

	status := domain.JobStatusCompleted
	if err != nil {
		status = domain.JobStatusFailed
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	e.metrics.JobFinished(string(req.Kind()), string(status), time.Since(start))
}

func (e *Executor) run(ctx context.Context, jobID string, req domain.PrepareRequest) error {
	step := &jobStep{ctx: ctx, jobID: jobID, registry: e.registry}

	result, err := e.prepare(ctx, jobID, req, step)
	if err != nil {
		e.fail(ctx, jobID, err)
		return err
	}

	done := domain.JobStatusCompleted
	progress := 1.0
	message := "Done"
	e.registry.Update(ctx, jobID, domain.JobUpdate{
		Status:   &done,
		Progress: &progress,
		Message:  &message,
		Result:   result,
	})

	e.logger.Info("Job completed successfully",
		slog.String("job_id", jobID),
		slog.Int("features", len(result.Features)),
		slog.Bool("cache_hit", result.CacheHit),
	)
	return nil
}

func (e *Executor) prepare(ctx context.Context, jobID string, req domain.PrepareRequest, step *jobStep) (result *domain.PrepareResult, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("job body panicked: %v", r)
		}
	}()

	processing := domain.JobStatusProcessing
	progress := 0.05
	message := "Starting"
	e.registry.Update(ctx, jobID, domain.JobUpdate{Status: &processing, Progress: &progress, Message: &message})

	if err := step.Checkpoint(); err != nil {
		return nil, err
	}

	preparer, ok := e.preparers[req.Kind()]
	if !ok {
		return nil, domain.NewValidationError("kind", fmt.Sprintf("no preparer for kind %q", req.Kind()))
	}
	if start, ok := kindStart[req.Kind()]; ok {
		step.Progress(start.progress, start.message)
	}

	result, err = preparer.Prepare(ctx, req, step)
	if err != nil {
		return nil, err
	}
	if result == nil {
		return nil, errors.New("job body returned no result")
	}

	if err := step.Checkpoint(); err != nil {
		return nil, err
	}
	step.Progress(0.95, "Finalizing")

	return sanitizeResult(result), nil
}

// fail records the terminal failure matching err
func (e *Executor) fail(ctx context.Context, jobID string, err error) {
	if errors.Is(err, context.Canceled) && ctx.Err() != nil {
		err = contextCause(ctx)
	}

	failed := domain.JobStatusFailed
	progress := 1.0
	var message, code string

	switch {
	case errors.Is(err, domain.ErrCancelled):
		message, code = "Cancelled by user", domain.ErrorCodeCancelled
	case errors.Is(err, domain.ErrShutdown):
		message, code = "Server shutting down", domain.ErrorCodeShutdown
	case errors.Is(err, context.DeadlineExceeded):
		message, code = "Failed", "job timed out"
	default:
		message, code = "Failed", err.Error()
	}

	e.registry.Update(ctx, jobID, domain.JobUpdate{
		Status:   &failed,
		Progress: &progress,
		Message:  &message,
		Error:    &code,
	})

	e.logger.Error("Job execution failed",
		slog.String("job_id", jobID),
		slog.String("error_code", code),
		slog.Any("error", err),
	)
}

// Abort fails a job that never started, e.g. one still queued at shutdown
func (e *Executor) Abort(ctx context.Context, jobID string, err error) {
	e.fail(ctx, jobID, err)
}

// sanitizeResult drops points with non-finite coordinates and clears
// non-finite widths so the result is always valid JSON
func sanitizeResult(r *domain.PrepareResult) *domain.PrepareResult {
	out := r.Clone()
	for i := range out.Features {
		f := &out.Features[i]
		if f.WidthM != nil && !finite(*f.WidthM) {
			f.WidthM = nil
		}
		if f.CoordsXY == nil {
			continue
		}
		kept := f.CoordsXY[:0]
		for _, pt := range f.CoordsXY {
			ok := true
			for _, v := range pt {
				if !finite(v) {
					ok = false
					break
				}
			}
			if ok {
				kept = append(kept, pt)
			}
		}
		f.CoordsXY = kept
	}
	return &out
}

func finite(v float64) bool {
	return !math.IsNaN(v) && !math.IsInf(v, 0)
}
