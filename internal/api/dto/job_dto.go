package dto

import "github.com/sisrua/geoprep/internal/domain"

// Job list sources
const (
	SourceLive    = "live"
	SourceHistory = "history"
)

type ListJobsRequest struct {
	Status   string `form:"status"`
	Kind     string `form:"kind"`
	Source   string `form:"source"`
	PageSize int    `form:"page_size"`
	Cursor   string `form:"cursor"`
}

type ListJobsResponse struct {
	Jobs       []domain.Job `json:"jobs"`
	NextCursor string       `json:"next_cursor,omitempty"`
}

type CancelJobResponse struct {
	JobID           string `json:"job_id"`
	Cancelled       bool   `json:"cancelled"`
	AlreadyTerminal bool   `json:"already_terminal"`
}
