package dto

// Error codes returned in ErrorBody.Code
const (
	CodeValidation      = "validation_error"
	CodeNotFound        = "not_found"
	CodeVersionConflict = "version_conflict"
	CodeRateLimited     = "rate_limited"
	CodeQueueFull       = "queue_full"
	CodeShuttingDown    = "shutting_down"
	CodeInternal        = "internal_error"
)

type ErrorBody struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

type ErrorResponse struct {
	Error ErrorBody `json:"error"`
}

type RegisterWebhookRequest struct {
	URL string `json:"url" binding:"required"`
}

type WebhooksResponse struct {
	URLs []string `json:"urls"`
}

type ComponentHealth struct {
	Status string `json:"status"`
	Error  string `json:"error,omitempty"`
}

type HealthResponse struct {
	Status     string                     `json:"status"`
	Service    string                     `json:"service,omitempty"`
	Version    string                     `json:"version,omitempty"`
	Components map[string]ComponentHealth `json:"components,omitempty"`
}
