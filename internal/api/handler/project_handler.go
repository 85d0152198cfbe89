package handler

import (
	"log/slog"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/sisrua/geoprep/internal/api/dto"
	"github.com/sisrua/geoprep/internal/projects"
)

// ProjectHandler serves versioned project records
type ProjectHandler struct {
	logger   *slog.Logger
	projects ProjectService
}

// NewProjectHandler creates a new ProjectHandler instance
func NewProjectHandler(deps *Dependencies) *ProjectHandler {
	return &ProjectHandler{logger: deps.Logger, projects: deps.Projects}
}

// GetProject handles GET /api/v1/projects/:project_id
func (h *ProjectHandler) GetProject(c *gin.Context) {
	p, err := h.projects.Get(c.Request.Context(), c.Param("project_id"))
	if err != nil {
		abortWithError(c, h.logger, err)
		return
	}
	c.JSON(http.StatusOK, p)
}

// UpdateProject handles PATCH /api/v1/projects/:project_id.
// A stale expected_version answers 409 with the current version.
func (h *ProjectHandler) UpdateProject(c *gin.Context) {
	var req dto.UpdateProjectRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, "expected_version is required")
		return
	}

	p, err := h.projects.Update(c.Request.Context(), c.Param("project_id"), projects.Updates{
		ProjectName: req.ProjectName,
		CRSOut:      req.CRSOut,
	}, *req.ExpectedVersion)
	if err != nil {
		abortWithError(c, h.logger, err)
		return
	}
	c.JSON(http.StatusOK, p)
}
