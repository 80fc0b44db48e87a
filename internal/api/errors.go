package api

import (
	"fmt"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/pkg/errors"

	"github.com/knowledge-mesh/knowledge-mesh/pkg/models"
	"github.com/knowledge-mesh/knowledge-mesh/pkg/observability"
)

// Envelope error codes owned by the dispatcher
const (
	CodeValidationError    = "VALIDATION_ERROR"
	CodeNotFound           = "NOT_FOUND"
	CodeServiceUnavailable = "SERVICE_UNAVAILABLE"
	CodeInternalError      = "INTERNAL_ERROR"
	CodeServerMisconfig    = "SERVER_MISCONFIGURED"
)

// DomainError lets collaborators surface a typed failure that maps to a
// specific envelope code instead of a blanket 500.
type DomainError struct {
	Code    string
	Message string
	Cause   error
}

func (e *DomainError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Cause)
	}
	return e.Message
}

func (e *DomainError) Unwrap() error { return e.Cause }

// NewNotFound builds a 404 domain error
func NewNotFound(message string) *DomainError {
	return &DomainError{Code: CodeNotFound, Message: message}
}

// NewUnavailable builds a 503 domain error
func NewUnavailable(message string, cause error) *DomainError {
	return &DomainError{Code: CodeServiceUnavailable, Message: message, Cause: cause}
}

// statusForCode maps envelope codes to HTTP status
func statusForCode(code string) int {
	switch code {
	case CodeValidationError:
		return http.StatusBadRequest
	case CodeNotFound:
		return http.StatusNotFound
	case CodeServiceUnavailable:
		return http.StatusServiceUnavailable
	case CodeServerMisconfig, CodeInternalError:
		return http.StatusInternalServerError
	}
	return http.StatusInternalServerError
}

// errorRenderer translates failures into the uniform envelope once, at
// the edge. Production responses carry only the message; detail and
// cause are included in development mode.
type errorRenderer struct {
	logger      observability.Logger
	development bool
}

func (er *errorRenderer) render(c *gin.Context, err error) {
	requestID := c.GetString("request_id")

	code := CodeInternalError
	message := "Internal server error"
	var domainErr *DomainError
	if errors.As(err, &domainErr) {
		code = domainErr.Code
		message = domainErr.Message
	}
	status := statusForCode(code)

	envelope := models.NewErrorEnvelope(requestID, code, message)
	if er.development {
		envelope = envelope.WithDetail(err.Error())
	}
	if status == http.StatusServiceUnavailable {
		c.Header("Retry-After", "5")
	}

	fields := map[string]interface{}{
		"code":       code,
		"status":     status,
		"request_id": requestID,
		"path":       c.Request.URL.Path,
		"error":      err.Error(),
	}
	if status >= http.StatusInternalServerError {
		er.logger.Error("Request failed", fields)
	} else {
		er.logger.Warn("Request rejected", fields)
	}

	c.AbortWithStatusJSON(status, envelope)
}

// renderValidation surfaces a 400 with the validation detail
func (er *errorRenderer) renderValidation(c *gin.Context, detail string) {
	requestID := c.GetString("request_id")
	er.logger.Warn("Request rejected", map[string]interface{}{
		"code":       CodeValidationError,
		"request_id": requestID,
		"path":       c.Request.URL.Path,
		"detail":     detail,
	})
	envelope := models.NewErrorEnvelope(requestID, CodeValidationError, "Request failed validation").
		WithDetail(detail)
	c.AbortWithStatusJSON(http.StatusBadRequest, envelope)
}

// recovery converts handler panics into 500 envelopes
func (er *errorRenderer) recovery() gin.HandlerFunc {
	return func(c *gin.Context) {
		defer func() {
			if r := recover(); r != nil {
				er.render(c, errors.Errorf("panic: %v", r))
			}
		}()
		c.Next()
	}
}

// notFoundHandler keeps unmatched routes inside the envelope shape
func (er *errorRenderer) notFoundHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		er.render(c, NewNotFound("route not found"))
	}
}
