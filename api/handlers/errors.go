// Package handlers provides HTTP API request handlers.
package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/compose-paas/backend/internal/model"
)

// ErrorResponse represents an error response.
type ErrorResponse struct {
	Error ErrorDetail `json:"error"`
}

// ErrorDetail contains error details.
type ErrorDetail struct {
	Code      string                 `json:"code"`
	Message   string                 `json:"message"`
	Transient bool                   `json:"transient,omitempty"`
	Details   map[string]interface{} `json:"details,omitempty"`
}

// sendError sends an error response with the appropriate status code.
func sendError(c *gin.Context, statusCode int, code model.ErrorCode, message string) {
	c.AbortWithStatusJSON(statusCode, ErrorResponse{
		Error: ErrorDetail{
			Code:    string(code),
			Message: message,
		},
	})
}

// sendModelError maps a structured error to its HTTP status.
func sendModelError(c *gin.Context, err error) {
	e, ok := model.AsError(err)
	if !ok {
		e = model.WrapError(err, model.CodeInternal, "internal error")
	}
	c.AbortWithStatusJSON(statusFor(e.Code), ErrorResponse{
		Error: ErrorDetail{
			Code:      string(e.Code),
			Message:   e.Message,
			Transient: e.Transient,
			Details:   e.Details,
		},
	})
}

func statusFor(code model.ErrorCode) int {
	switch code {
	case model.CodeValidation:
		return http.StatusBadRequest
	case model.CodeUnauthorized:
		return http.StatusUnauthorized
	case model.CodeForbidden:
		return http.StatusForbidden
	case model.CodeNotFound, model.CodeServiceNotFound:
		return http.StatusNotFound
	case model.CodeConflict, model.CodeContainerNotRunning:
		return http.StatusConflict
	case model.CodeResourceExhausted:
		return http.StatusTooManyRequests
	case model.CodeDaemonUnavailable:
		return http.StatusServiceUnavailable
	case model.CodeUpstream, model.CodeStreamClosed:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}
