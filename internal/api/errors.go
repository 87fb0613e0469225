package api

import (
	"errors"
	"log/slog"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/agent-bus/agentbus/internal/store"
)

// writeError maps a store/orchestrator error to spec.md §7's error
// taxonomy and writes the corresponding HTTP response, matching the
// teacher's mapServiceError convention of a single error-mapping choke
// point instead of ad hoc status codes scattered across handlers.
func writeError(c *gin.Context, log *slog.Logger, err error) {
	var verr *store.ValidationError
	switch {
	case errors.As(err, &verr):
		c.JSON(http.StatusBadRequest, gin.H{"error": gin.H{"code": "invalid_input", "message": verr.Error()}})
	case errors.Is(err, store.ErrNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": gin.H{"code": "not_found", "message": "resource not found"}})
	case errors.Is(err, store.ErrConflict):
		c.JSON(http.StatusConflict, gin.H{"error": gin.H{"code": "conflict", "message": "action not admissible in the job's current state"}})
	case errors.Is(err, store.ErrAlreadyClaimed):
		c.JSON(http.StatusConflict, gin.H{"error": gin.H{"code": "conflict", "message": "task already claimed"}})
	case errors.Is(err, store.ErrStorageUnavailable):
		c.Header("Retry-After", "2")
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": gin.H{"code": "transient", "message": "storage temporarily unavailable"}})
	default:
		if log != nil {
			log.Error("unhandled api error", "error", err)
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": gin.H{"code": "internal", "message": "internal server error"}})
	}
}
