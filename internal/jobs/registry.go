package jobs

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/sisrua/geoprep/internal/domain"
	"github.com/sisrua/geoprep/internal/observability"
)

// Publisher delivers lifecycle events
type Publisher interface {
	Publish(ctx context.Context, topic string, payload map[string]any, idempotencyKey string) bool
}

// SnapshotSink receives terminal job snapshots for persistence
type SnapshotSink interface {
	Add(job domain.Job) error
}

// RegistryConfig holds optional registry collaborators
type RegistryConfig struct {
	Publisher Publisher
	Sink      SnapshotSink
	Metrics   *observability.Metrics
	Logger    *slog.Logger
	Now       func() time.Time
	NewID     func() string
}

type entry struct {
	job    domain.Job
	cancel context.CancelCauseFunc
}

// Registry is the in-memory job store. The job map and the idempotency
// index have separate locks and no method holds both at once.
type Registry struct {
	mu   sync.Mutex
	jobs map[string]*entry

	idemMu sync.Mutex
	idem   map[string]string

	publisher Publisher
	sink      SnapshotSink
	metrics   *observability.Metrics
	logger    *slog.Logger
	now       func() time.Time
	newID     func() string
}

// NewRegistry creates an empty registry
func NewRegistry(cfg RegistryConfig) *Registry {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.NewID == nil {
		cfg.NewID = func() string { return uuid.NewString() }
	}
	return &Registry{
		jobs:      make(map[string]*entry),
		idem:      make(map[string]string),
		publisher: cfg.Publisher,
		sink:      cfg.Sink,
		metrics:   cfg.Metrics,
		logger:    cfg.Logger,
		now:       cfg.Now,
		newID:     cfg.NewID,
	}
}

// Create registers a queued job for req. When idempotencyKey is empty the
// request hash is used instead. If the key already maps to a job that has
// not been swept, that job's id is returned with isNew=false.
func (r *Registry) Create(ctx context.Context, req domain.PrepareRequest, idempotencyKey string) (string, bool, error) {
	if idempotencyKey == "" {
		hash, err := domain.RequestHash(req)
		if err != nil {
			return "", false, err
		}
		idempotencyKey = hash
	}

	if existing, ok := r.lookupKey(idempotencyKey); ok {
		r.logger.Info("Job deduplicated",
			slog.String("job_id", existing),
			slog.String("idempotency_key", idempotencyKey),
		)
		r.metrics.JobSubmitted(string(req.Kind()), true)
		return existing, false, nil
	}

	now := r.now().UTC()
	job := domain.Job{
		ID:             r.newID(),
		Kind:           req.Kind(),
		Status:         domain.JobStatusQueued,
		Message:        "Queued",
		IdempotencyKey: idempotencyKey,
		TraceID:        observability.TraceID(ctx),
		CreatedAt:      now,
		UpdatedAt:      now,
	}

	// Insert before claiming the key so an indexed id always resolves
	r.mu.Lock()
	r.jobs[job.ID] = &entry{job: job}
	r.mu.Unlock()

	if winner, claimed := r.claimKey(idempotencyKey, job.ID); !claimed {
		r.mu.Lock()
		delete(r.jobs, job.ID)
		r.mu.Unlock()
		r.metrics.JobSubmitted(string(req.Kind()), true)
		return winner, false, nil
	}

	r.logger.Info("Job created",
		slog.String("job_id", job.ID),
		slog.String("kind", string(job.Kind)),
		slog.String("trace_id", job.TraceID),
	)
	r.metrics.JobSubmitted(string(req.Kind()), false)
	return job.ID, true, nil
}

func (r *Registry) lookupKey(key string) (string, bool) {
	r.idemMu.Lock()
	defer r.idemMu.Unlock()
	id, ok := r.idem[key]
	return id, ok
}

// claimKey maps key to jobID unless another job already holds it
func (r *Registry) claimKey(key, jobID string) (string, bool) {
	r.idemMu.Lock()
	defer r.idemMu.Unlock()
	if existing, ok := r.idem[key]; ok {
		return existing, false
	}
	r.idem[key] = jobID
	return jobID, true
}

// Release drops key from the idempotency index if it still maps to jobID,
// so the next submission with the same key starts a fresh job
func (r *Registry) Release(key, jobID string) {
	r.idemMu.Lock()
	defer r.idemMu.Unlock()
	if r.idem[key] == jobID {
		delete(r.idem, key)
	}
}

// Bind attaches the cancel function of the context running jobID so that
// Cancel can interrupt blocking calls as well as checkpoints
func (r *Registry) Bind(jobID string, cancel context.CancelCauseFunc) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if e, ok := r.jobs[jobID]; ok {
		e.cancel = cancel
	}
}

// Update merges the non-nil fields of upd into the job. Updates to
// cancelled or terminal jobs and backwards transitions are dropped. It
// reports whether the update was applied.
func (r *Registry) Update(ctx context.Context, jobID string, upd domain.JobUpdate) bool {
	r.mu.Lock()
	e, ok := r.jobs[jobID]
	if !ok || e.job.Cancelled || e.job.Status.IsTerminal() {
		r.mu.Unlock()
		return false
	}

	job := &e.job
	statusChanged := false
	if upd.Status != nil && *upd.Status != job.Status {
		if !job.Status.CanTransition(*upd.Status) {
			from := job.Status
			r.mu.Unlock()
			r.logger.Warn("Rejected job status transition",
				slog.String("job_id", jobID),
				slog.String("from", string(from)),
				slog.String("to", string(*upd.Status)),
			)
			return false
		}
		job.Status = *upd.Status
		statusChanged = true
	}
	if upd.Progress != nil {
		job.Progress = domain.ClampProgress(*upd.Progress)
	}
	if upd.Message != nil {
		job.Message = *upd.Message
	}
	if upd.Result != nil {
		res := upd.Result.Clone()
		job.Result = &res
	}
	if upd.Error != nil {
		job.Error = *upd.Error
	}
	job.UpdatedAt = r.now().UTC()
	snapshot := job.Clone()
	r.mu.Unlock()

	if statusChanged {
		r.emit(ctx, snapshot)
	}
	return true
}

// CheckCancellation is polled by workers between sub-steps. It returns
// domain.ErrCancelled for a cancelled job, domain.ErrShutdown once the
// shared context was cancelled by shutdown, or the cause of any other
// cancellation of ctx.
func (r *Registry) CheckCancellation(ctx context.Context, jobID string) error {
	r.mu.Lock()
	e, ok := r.jobs[jobID]
	cancelled := ok && e.job.Cancelled
	r.mu.Unlock()

	if !ok {
		return domain.ErrJobNotFound
	}
	if cancelled {
		return domain.ErrCancelled
	}
	if ctx != nil && ctx.Err() != nil {
		return contextCause(ctx)
	}
	return nil
}

func contextCause(ctx context.Context) error {
	cause := context.Cause(ctx)
	switch {
	case errors.Is(cause, domain.ErrShutdown):
		return domain.ErrShutdown
	case errors.Is(cause, domain.ErrCancelled):
		return domain.ErrCancelled
	default:
		return cause
	}
}

// Cancel marks the job cancelled and fails it with CANCELLED. A job that
// is already terminal is left untouched and false is returned.
func (r *Registry) Cancel(ctx context.Context, jobID string) (bool, error) {
	r.mu.Lock()
	e, ok := r.jobs[jobID]
	if !ok {
		r.mu.Unlock()
		return false, domain.ErrJobNotFound
	}
	if e.job.Status.IsTerminal() {
		r.mu.Unlock()
		return false, nil
	}

	e.job.Cancelled = true
	e.job.Status = domain.JobStatusFailed
	e.job.Message = "Cancelled by user"
	e.job.Error = domain.ErrorCodeCancelled
	e.job.UpdatedAt = r.now().UTC()
	snapshot := e.job.Clone()
	cancel := e.cancel
	r.mu.Unlock()

	if cancel != nil {
		cancel(domain.ErrCancelled)
	}

	r.logger.Info("Job cancelled", slog.String("job_id", jobID))
	r.emit(ctx, snapshot)
	return true, nil
}

// emit publishes the transition event and hands terminal snapshots to the sink
func (r *Registry) emit(ctx context.Context, snapshot domain.Job) {
	// Late transitions such as SHUTDOWN must still be delivered
	ctx = context.WithoutCancel(ctx)

	if topic, ok := domain.TopicForStatus(snapshot.Status); ok && r.publisher != nil {
		key := fmt.Sprintf("job_event:%s:%s", snapshot.ID, snapshot.Status)
		r.publisher.Publish(ctx, topic, snapshot.EventPayload(), key)
	}

	if snapshot.Status.IsTerminal() && r.sink != nil {
		if err := r.sink.Add(snapshot); err != nil {
			r.logger.Warn("Failed to queue job snapshot",
				slog.String("job_id", snapshot.ID),
				slog.Any("error", err),
			)
		}
	}
}

// Get returns a snapshot of the job
func (r *Registry) Get(jobID string) (domain.Job, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	e, ok := r.jobs[jobID]
	if !ok {
		return domain.Job{}, false
	}
	return e.job.Clone(), true
}

// List returns snapshots matching filter, newest first
func (r *Registry) List(filter domain.JobFilter) []domain.Job {
	r.mu.Lock()
	out := make([]domain.Job, 0, len(r.jobs))
	for _, e := range r.jobs {
		if filter.Status != "" && e.job.Status != filter.Status {
			continue
		}
		if filter.Kind != "" && e.job.Kind != filter.Kind {
			continue
		}
		out = append(out, e.job.Clone())
	}
	r.mu.Unlock()

	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID > out[j].ID
		}
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})
	if filter.Limit > 0 && len(out) > filter.Limit {
		out = out[:filter.Limit]
	}
	return out
}

// Counts returns the number of jobs per status
func (r *Registry) Counts() map[domain.JobStatus]int {
	r.mu.Lock()
	defer r.mu.Unlock()

	counts := make(map[domain.JobStatus]int, 4)
	for _, e := range r.jobs {
		counts[e.job.Status]++
	}
	return counts
}

// Sweep removes terminal jobs last updated more than maxAge ago and
// releases their idempotency keys. It returns how many jobs were removed.
func (r *Registry) Sweep(maxAge time.Duration) int {
	cutoff := r.now().UTC().Add(-maxAge)

	type expired struct{ id, key string }
	var victims []expired

	r.mu.Lock()
	for id, e := range r.jobs {
		if e.job.Status.IsTerminal() && e.job.UpdatedAt.Before(cutoff) {
			victims = append(victims, expired{id: id, key: e.job.IdempotencyKey})
		}
	}
	r.mu.Unlock()

	if len(victims) == 0 {
		return 0
	}

	// Release keys first so an indexed id never points at a removed job
	r.idemMu.Lock()
	for _, v := range victims {
		if r.idem[v.key] == v.id {
			delete(r.idem, v.key)
		}
	}
	r.idemMu.Unlock()

	r.mu.Lock()
	for _, v := range victims {
		delete(r.jobs, v.id)
	}
	r.mu.Unlock()

	r.logger.Info("Swept expired jobs", slog.Int("count", len(victims)))
	return len(victims)
}

// RunJanitor sweeps every interval until ctx is done
func (r *Registry) RunJanitor(ctx context.Context, interval, maxAge time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.Sweep(maxAge)
		}
	}
}
