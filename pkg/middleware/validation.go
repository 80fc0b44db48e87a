package middleware

import (
	"fmt"
	"net/http"
	"regexp"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/go-playground/validator/v10"

	"github.com/knowledge-mesh/knowledge-mesh/pkg/models"
)

// CodeValidationError is the envelope code for rejected input
const CodeValidationError = "VALIDATION_ERROR"

// Sanitizer rejects requests carrying obviously hostile or malformed
// header, query, and path values before they reach the auth pipeline.
type Sanitizer struct {
	validator *validator.Validate
}

// NewSanitizer creates the sanitation middleware
func NewSanitizer() *Sanitizer {
	v := validator.New()
	_ = v.RegisterValidation("scope_name", validateScopeName)
	_ = v.RegisterValidation("topic_name", validateTopicName)
	return &Sanitizer{validator: v}
}

// ValidateStruct runs struct-tag validation for handlers binding bodies
func (s *Sanitizer) ValidateStruct(v interface{}) error {
	return s.validator.Struct(v)
}

// Middleware checks headers, query parameters, and path parameters, and
// requires a JSON content type on mutating methods.
func (s *Sanitizer) Middleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		if err := s.checkHeaders(c); err != nil {
			s.reject(c, err.Error())
			return
		}
		if err := s.checkQueryParams(c); err != nil {
			s.reject(c, err.Error())
			return
		}
		if err := s.checkPathParams(c); err != nil {
			s.reject(c, err.Error())
			return
		}

		switch c.Request.Method {
		case http.MethodPost, http.MethodPut, http.MethodPatch:
			if c.Request.ContentLength > 0 {
				contentType := c.GetHeader("Content-Type")
				if !strings.HasPrefix(contentType, "application/json") {
					s.reject(c, "content-type must be application/json")
					return
				}
			}
		}

		c.Next()
	}
}

func (s *Sanitizer) reject(c *gin.Context, detail string) {
	requestID := c.GetString("request_id")
	envelope := models.NewErrorEnvelope(requestID, CodeValidationError, "Request failed validation").
		WithDetail(detail)
	c.AbortWithStatusJSON(http.StatusBadRequest, envelope)
}

func (s *Sanitizer) checkHeaders(c *gin.Context) error {
	for _, header := range []string{"X-Request-ID", "X-Api-Key"} {
		value := c.GetHeader(header)
		if value != "" && containsControlChars(value) {
			return fmt.Errorf("invalid header value: %s", header)
		}
	}
	return nil
}

func (s *Sanitizer) checkQueryParams(c *gin.Context) error {
	params := c.Request.URL.Query()

	if limit := params.Get("limit"); limit != "" {
		if !isBoundedInt(limit, 1, 1000) {
			return fmt.Errorf("limit must be an integer between 1 and 1000")
		}
	}
	if offset := params.Get("offset"); offset != "" {
		if !isBoundedInt(offset, 0, 1000000) {
			return fmt.Errorf("offset must be an integer between 0 and 1000000")
		}
	}

	for key, values := range params {
		for _, value := range values {
			if containsControlChars(value) {
				return fmt.Errorf("invalid query parameter: %s", key)
			}
		}
	}
	return nil
}

func (s *Sanitizer) checkPathParams(c *gin.Context) error {
	for _, param := range c.Params {
		if param.Value == "" {
			continue
		}
		if !isValidIdentifier(param.Value) {
			return fmt.Errorf("invalid path parameter: %s", param.Key)
		}
	}
	return nil
}

// Custom validators

var scopeNameRegex = regexp.MustCompile(`^[a-z][a-z0-9]*(:[a-z][a-z0-9]*)*$`)

func validateScopeName(fl validator.FieldLevel) bool {
	return scopeNameRegex.MatchString(fl.Field().String())
}

var topicNameRegex = regexp.MustCompile(`^[a-z][a-z0-9_]*$`)

func validateTopicName(fl validator.FieldLevel) bool {
	return topicNameRegex.MatchString(fl.Field().String())
}

// Helpers

func containsControlChars(s string) bool {
	for _, r := range s {
		if r < 0x20 || r == 0x7f {
			return true
		}
	}
	return false
}

var identifierRegex = regexp.MustCompile(`^[a-zA-Z0-9._:-]+$`)

func isValidIdentifier(s string) bool {
	return len(s) <= 200 && identifierRegex.MatchString(s)
}

func isBoundedInt(s string, min, max int) bool {
	n, err := strconv.Atoi(s)
	return err == nil && n >= min && n <= max
}
