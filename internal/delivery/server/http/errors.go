package http

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"foreman/internal/app/coordinator"
	"foreman/internal/domain/storage"
	"foreman/internal/domain/task"
)

// statusFor maps domain errors onto HTTP status codes.
func statusFor(err error) int {
	switch {
	case errors.Is(err, storage.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, storage.ErrStale), errors.Is(err, storage.ErrDuplicate):
		return http.StatusConflict
	case errors.Is(err, task.ErrInvalidTask), errors.Is(err, task.ErrInvalidPlan),
		errors.Is(err, task.ErrInvalidTransition), errors.Is(err, task.ErrInvalidGate),
		errors.Is(err, storage.ErrNotAllowed):
		return http.StatusBadRequest
	case errors.Is(err, coordinator.ErrRouteFailed):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func writeError(c *gin.Context, err error) {
	code := statusFor(err)
	body := gin.H{"error": err.Error()}
	if errors.Is(err, storage.ErrStale) {
		body["stale"] = true
	}
	c.AbortWithStatusJSON(code, body)
}

func badRequest(c *gin.Context, msg string) {
	c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": msg})
}
