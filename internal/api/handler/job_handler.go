package handler

import (
	"log/slog"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/sisrua/geoprep/internal/api/dto"
	"github.com/sisrua/geoprep/internal/domain"
	"github.com/sisrua/geoprep/internal/jobs"
)

const (
	defaultPageSize = 20
	maxPageSize     = 100

	// IdempotencyKeyHeader lets clients pick their own deduplication key
	IdempotencyKeyHeader = "Idempotency-Key"
)

// JobHandler handles job-related HTTP requests
type JobHandler struct {
	logger *slog.Logger
	jobs   JobService
}

// NewJobHandler creates a new JobHandler instance
func NewJobHandler(deps *Dependencies) *JobHandler {
	return &JobHandler{
		logger: deps.Logger,
		jobs:   deps.Jobs,
	}
}

// PrepareJob handles POST /api/v1/jobs/prepare
// Queues a prepare job, or returns the live job for a duplicate request
func (h *JobHandler) PrepareJob(c *gin.Context) {
	body, err := c.GetRawData()
	if err != nil {
		badRequest(c, "failed to read request body")
		return
	}

	req, err := domain.DecodePrepareRequest(body)
	if err != nil {
		h.logger.Warn("Invalid prepare request", slog.Any("error", err))
		abortWithError(c, h.logger, err)
		return
	}

	job, isNew, err := h.jobs.Submit(c.Request.Context(), req, c.GetHeader(IdempotencyKeyHeader))
	if err != nil {
		abortWithError(c, h.logger, err)
		return
	}

	status := http.StatusOK
	if isNew {
		status = http.StatusAccepted
	}
	c.JSON(status, job)
}

// GetJob handles GET /api/v1/jobs/:job_id
func (h *JobHandler) GetJob(c *gin.Context) {
	jobID, ok := jobIDParam(c)
	if !ok {
		return
	}

	job, err := h.jobs.Get(c.Request.Context(), jobID)
	if err != nil {
		abortWithError(c, h.logger, err)
		return
	}
	c.JSON(http.StatusOK, job)
}

// ListJobs handles GET /api/v1/jobs
// Lists live jobs, or persisted history with source=history, newest first
func (h *JobHandler) ListJobs(c *gin.Context) {
	var req dto.ListJobsRequest
	if err := c.ShouldBindQuery(&req); err != nil {
		h.logger.Error("Invalid query parameters", slog.String("error", err.Error()))
		badRequest(c, "invalid query parameters")
		return
	}

	if req.PageSize <= 0 {
		req.PageSize = defaultPageSize
	}
	if req.PageSize > maxPageSize {
		req.PageSize = maxPageSize
	}

	cursor, err := DecodeJobCursor(req.Cursor)
	if err != nil {
		h.logger.Error("Invalid cursor", slog.String("error", err.Error()))
		badRequest(c, "invalid cursor")
		return
	}

	var (
		page    []domain.Job
		hasMore bool
	)
	switch req.Source {
	case "", dto.SourceLive:
		page, hasMore = h.livePage(req, cursor)
	case dto.SourceHistory:
		page, hasMore, err = h.jobs.ListHistory(c.Request.Context(), jobs.HistoryFilter{
			Status:   domain.JobStatus(req.Status),
			Kind:     domain.JobKind(req.Kind),
			PageSize: req.PageSize,
			Cursor:   cursor,
		})
		if err != nil {
			abortWithError(c, h.logger, err)
			return
		}
	default:
		badRequest(c, "source must be one of live, history")
		return
	}

	resp := dto.ListJobsResponse{Jobs: page}
	if resp.Jobs == nil {
		resp.Jobs = []domain.Job{}
	}
	if hasMore && len(page) > 0 {
		last := page[len(page)-1]
		resp.NextCursor = EncodeJobCursor(&jobs.HistoryCursor{CreatedAt: last.CreatedAt, JobID: last.ID})
	}
	c.JSON(http.StatusOK, resp)
}

func (h *JobHandler) livePage(req dto.ListJobsRequest, cursor *jobs.HistoryCursor) ([]domain.Job, bool) {
	all := h.jobs.List(domain.JobFilter{
		Status: domain.JobStatus(req.Status),
		Kind:   domain.JobKind(req.Kind),
	})

	page := make([]domain.Job, 0, req.PageSize)
	for _, job := range all {
		if !afterCursor(job.CreatedAt, job.ID, cursor) {
			continue
		}
		if len(page) == req.PageSize {
			return page, true
		}
		page = append(page, job)
	}
	return page, false
}

// CancelJob handles POST /api/v1/jobs/:job_id/cancel
// Cancelling a finished job is accepted and changes nothing
func (h *JobHandler) CancelJob(c *gin.Context) {
	jobID, ok := jobIDParam(c)
	if !ok {
		return
	}

	cancelled, alreadyTerminal, err := h.jobs.Cancel(c.Request.Context(), jobID)
	if err != nil {
		abortWithError(c, h.logger, err)
		return
	}

	h.logger.Info("Job cancel requested",
		slog.String("job_id", jobID),
		slog.Bool("cancelled", cancelled),
		slog.Bool("already_terminal", alreadyTerminal),
	)
	c.JSON(http.StatusOK, dto.CancelJobResponse{
		JobID:           jobID,
		Cancelled:       cancelled,
		AlreadyTerminal: alreadyTerminal,
	})
}

func jobIDParam(c *gin.Context) (string, bool) {
	jobID := c.Param("job_id")
	if _, err := uuid.Parse(jobID); err != nil {
		badRequest(c, "job_id must be a valid UUID")
		return "", false
	}
	return jobID, true
}
