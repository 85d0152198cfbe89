package router

import (
	"time"

	"github.com/gin-gonic/gin"

	"github.com/sisrua/geoprep/internal/api/handler"
	"github.com/sisrua/geoprep/internal/observability"
	"github.com/sisrua/geoprep/internal/resilience"
)

// Options holds the cross-cutting pieces of the router. Nil fields disable
// the matching middleware or endpoint.
type Options struct {
	Metrics         *observability.Metrics
	RateLimiter     *resilience.RateLimiter
	RateLimitPeriod time.Duration
}

// SetupRouter configures and returns the Gin router with all routes
func SetupRouter(deps *handler.Dependencies, opts Options) *gin.Engine {
	r := gin.New()

	// Middleware
	r.Use(gin.Recovery())
	r.Use(TracingMiddleware())
	r.Use(LoggerMiddleware(deps.Logger))
	r.Use(CORSMiddleware())
	if opts.Metrics != nil {
		r.Use(MetricsMiddleware(opts.Metrics))
	}

	healthHandler := handler.NewHealthHandler(deps)
	r.GET("/health", healthHandler.Health)
	r.GET("/health/deep", healthHandler.DeepHealth)
	if opts.Metrics != nil {
		r.GET("/metrics", gin.WrapH(opts.Metrics.Handler()))
	}

	v1 := r.Group("/api/v1")
	if opts.RateLimiter != nil {
		v1.Use(RateLimitMiddleware(opts.RateLimiter, opts.RateLimitPeriod, opts.Metrics))
	}

	if deps.Jobs != nil {
		jobHandler := handler.NewJobHandler(deps)
		jobs := v1.Group("/jobs")
		{
			// POST /api/v1/jobs/prepare - Queue a prepare job
			jobs.POST("/prepare", jobHandler.PrepareJob)

			// GET /api/v1/jobs - List live jobs or history
			jobs.GET("", jobHandler.ListJobs)

			// GET /api/v1/jobs/:job_id - Get job snapshot
			jobs.GET("/:job_id", jobHandler.GetJob)

			// POST /api/v1/jobs/:job_id/cancel - Cancel a job
			jobs.POST("/:job_id/cancel", jobHandler.CancelJob)
		}
	}

	if deps.Audit != nil {
		auditHandler := handler.NewAuditHandler(deps)
		audit := v1.Group("/audit")
		{
			audit.POST("", auditHandler.CreateAudit)
			audit.GET("", auditHandler.ListAudit)
			audit.GET("/stats", auditHandler.AuditStats)
			audit.POST("/verify-all", auditHandler.VerifyAll)
			audit.GET("/:audit_id", auditHandler.GetAudit)
			audit.GET("/:audit_id/verify", auditHandler.VerifyAudit)
		}
	}

	if deps.Projects != nil {
		projectHandler := handler.NewProjectHandler(deps)
		v1.GET("/projects/:project_id", projectHandler.GetProject)
		v1.PATCH("/projects/:project_id", projectHandler.UpdateProject)
	}

	if deps.Webhooks != nil {
		webhookHandler := handler.NewWebhookHandler(deps)
		v1.POST("/webhooks", webhookHandler.RegisterWebhook)
		v1.GET("/webhooks", webhookHandler.ListWebhooks)
	}

	return r
}
