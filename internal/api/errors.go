package api

import (
	"errors"
	"log/slog"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/jcheng510/ai-erp-system-sub003/pkg/schema"
)

// statusForCode maps engine error codes to HTTP statuses.
var statusForCode = map[string]int{
	schema.ErrCodeValidation:         http.StatusBadRequest,
	schema.ErrCodeCycleDetected:      http.StatusBadRequest,
	schema.ErrCodeUnknownProcessor:   http.StatusUnprocessableEntity,
	schema.ErrCodeInactiveDefinition: http.StatusUnprocessableEntity,
	schema.ErrCodeBusinessRule:       http.StatusUnprocessableEntity,
	schema.ErrCodeNotFound:           http.StatusNotFound,
	schema.ErrCodeConflict:           http.StatusConflict,
	schema.ErrCodeInvalidTransition:  http.StatusConflict,
	schema.ErrCodeApprovalRejected:   http.StatusConflict,
	schema.ErrCodeConcurrencyLimit:   http.StatusTooManyRequests,
	schema.ErrCodeCircuitOpen:        http.StatusServiceUnavailable,
	schema.ErrCodeTimeout:            http.StatusGatewayTimeout,
	schema.ErrCodeConnection:         http.StatusBadGateway,
	schema.ErrCodeOracleFailed:       http.StatusBadGateway,
}

// respondError writes err as {"error": {...}}. Engine errors keep their code
// and details; anything else is a 500.
func (s *Server) respondError(c *gin.Context, err error) {
	var engErr *schema.EngineError
	if !errors.As(err, &engErr) {
		s.logger.ErrorContext(c.Request.Context(), "request failed", slog.String("error", err.Error()))
		c.JSON(http.StatusInternalServerError, gin.H{"error": gin.H{
			"code":    schema.ErrCodeExecution,
			"message": err.Error(),
		}})
		return
	}

	status, ok := statusForCode[engErr.Code]
	if !ok {
		status = http.StatusInternalServerError
	}
	if status >= http.StatusInternalServerError {
		s.logger.ErrorContext(c.Request.Context(), "request failed",
			slog.String("code", engErr.Code),
			slog.String("error", engErr.Error()),
		)
	}
	body := gin.H{"code": engErr.Code, "message": engErr.Message}
	if engErr.RunID != "" {
		body["run_id"] = engErr.RunID
	}
	if len(engErr.Details) > 0 {
		body["details"] = engErr.Details
	}
	c.JSON(status, gin.H{"error": body})
}

func (s *Server) badRequest(c *gin.Context, msg string) {
	s.respondError(c, schema.NewError(schema.ErrCodeValidation, msg))
}
