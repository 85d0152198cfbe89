package handler

import (
	"errors"
	"log/slog"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/sisrua/geoprep/internal/api/dto"
	"github.com/sisrua/geoprep/internal/domain"
)

// abortWithError maps err onto the error envelope and status code
func abortWithError(c *gin.Context, logger *slog.Logger, err error) {
	status, code := classify(err)

	var conflict *domain.ConflictError
	if errors.As(err, &conflict) {
		c.AbortWithStatusJSON(status, dto.ConflictResponse{
			Error:           dto.ErrorBody{Code: code, Message: err.Error()},
			ExpectedVersion: conflict.Expected,
			CurrentVersion:  conflict.Current,
		})
		return
	}

	message := err.Error()
	if status == http.StatusInternalServerError {
		logger.Error("Request failed",
			slog.String("path", c.Request.URL.Path),
			slog.Any("error", err),
		)
		message = "internal server error"
	}
	c.AbortWithStatusJSON(status, dto.ErrorResponse{
		Error: dto.ErrorBody{Code: code, Message: message},
	})
}

func classify(err error) (int, string) {
	switch {
	case errors.Is(err, domain.ErrValidation):
		return http.StatusBadRequest, dto.CodeValidation
	case errors.Is(err, domain.ErrJobNotFound),
		errors.Is(err, domain.ErrProjectNotFound),
		errors.Is(err, domain.ErrAuditRecordNotFound):
		return http.StatusNotFound, dto.CodeNotFound
	case errors.Is(err, domain.ErrVersionConflict):
		return http.StatusConflict, dto.CodeVersionConflict
	case errors.Is(err, domain.ErrRateLimited):
		return http.StatusTooManyRequests, dto.CodeRateLimited
	case errors.Is(err, domain.ErrQueueFull):
		return http.StatusServiceUnavailable, dto.CodeQueueFull
	case errors.Is(err, domain.ErrShutdown):
		return http.StatusServiceUnavailable, dto.CodeShuttingDown
	default:
		return http.StatusInternalServerError, dto.CodeInternal
	}
}

// badRequest rejects malformed input that never reached a service
func badRequest(c *gin.Context, message string) {
	c.AbortWithStatusJSON(http.StatusBadRequest, dto.ErrorResponse{
		Error: dto.ErrorBody{Code: dto.CodeValidation, Message: message},
	})
}
