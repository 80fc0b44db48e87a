package auth

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/knowledge-mesh/knowledge-mesh/pkg/models"
)

// ContextKey is the gin context key the resolved auth Context is stored
// under.
const ContextKey = "auth_context"

// RequestIDKey is the gin context key the dispatcher stores the request id
// under.
const RequestIDKey = "request_id"

// refreshExchangePath may be reached anonymously: the handler validates
// the refresh token carried in the body itself.
const refreshExchangePath = "/api/v1/auth/refresh"

// GinMiddleware resolves the request credential and enforces the scope
// catalogue. Handlers behind it can rely on a Context being present and
// its Decision being granted.
func (s *Service) GinMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		requestID := c.GetString(RequestIDKey)
		authCtx := s.Resolve(c.Request, requestID, c.ClientIP())
		c.Set(ContextKey, authCtx)

		requirement := s.catalogue.ResolveRequirement(c.Request.Method, c.Request.URL.Path)
		if requirement != nil {
			authCtx.RequiredScopes = requirement.Scopes
		}

		if !s.Enforced() {
			authCtx.Decision = DecisionGranted
			s.audit(authCtx, "enforcement_bypassed")
			s.setGrantHeaders(c, authCtx)
			c.Next()
			return
		}

		if authCtx.TokenError != "" {
			s.deny(c, authCtx, authCtx.TokenError, authCtx.TokenErrorDetail, http.StatusUnauthorized)
			return
		}

		if requirement == nil {
			authCtx.Decision = DecisionGranted
			s.audit(authCtx, "")
			s.setGrantHeaders(c, authCtx)
			c.Next()
			return
		}

		if authCtx.IsAnonymous() {
			if c.Request.Method == http.MethodPost && c.Request.URL.Path == refreshExchangePath {
				authCtx.Decision = DecisionGranted
				s.audit(authCtx, "refresh_exchange_bypass")
				c.Next()
				return
			}
			s.deny(c, authCtx, CodeUnauthorized, "authentication required", http.StatusUnauthorized)
			return
		}

		if !ScopesSatisfyRequirement(authCtx.Scopes, requirement.Scopes) {
			s.deny(c, authCtx, CodeInsufficientScopes, "credential lacks a required scope", http.StatusForbidden)
			return
		}

		authCtx.Decision = DecisionGranted
		s.audit(authCtx, "")
		s.setGrantHeaders(c, authCtx)
		c.Next()
	}
}

func (s *Service) setGrantHeaders(c *gin.Context, authCtx *Context) {
	if len(authCtx.Scopes) > 0 {
		c.Header("X-Auth-Scopes", joinScopes(authCtx.Scopes))
	}
	if len(authCtx.RequiredScopes) > 0 {
		c.Header("X-Auth-Required-Scopes", joinScopes(authCtx.RequiredScopes))
	}
	if authCtx.User != "" {
		c.Header("X-Auth-Subject", authCtx.User)
	}
}

func (s *Service) deny(c *gin.Context, authCtx *Context, code, detail string, status int) {
	authCtx.Decision = DecisionDenied
	s.audit(authCtx, code)

	if len(authCtx.RequiredScopes) > 0 {
		c.Header("X-Auth-Required-Scopes", joinScopes(authCtx.RequiredScopes))
	}

	envelope := models.NewErrorEnvelope(authCtx.RequestID, code, denialMessage(code)).
		WithDetail(detail).
		WithMetadata("tokenType", string(authCtx.TokenType))
	if !authCtx.ExpiresAt.IsZero() {
		envelope = envelope.WithMetadata("expiresAt", authCtx.ExpiresAt.UTC())
	}
	if len(authCtx.RequiredScopes) > 0 {
		envelope = envelope.WithMetadata("requiredScopes", authCtx.RequiredScopes)
	}
	if len(authCtx.Scopes) > 0 {
		envelope = envelope.WithMetadata("providedScopes", authCtx.Scopes)
	}
	if code == CodeTokenExpired {
		envelope = envelope.WithRemediation("exchange the refresh token at POST /api/v1/auth/refresh")
	}

	c.AbortWithStatusJSON(status, envelope)
}

func denialMessage(code string) string {
	switch code {
	case CodeMissingBearer:
		return "Authorization header must use the Bearer scheme"
	case CodeTokenExpired:
		return "Access token has expired"
	case CodeInvalidToken:
		return "Access token is invalid"
	case CodeInvalidAPIKey:
		return "API key is invalid"
	case CodeChecksumMismatch:
		return "API key failed the registry integrity check"
	case CodeInsufficientScopes:
		return "Credential does not carry the required scopes"
	default:
		return "Authentication required"
	}
}

// audit emits one auth.decision record per request
func (s *Service) audit(authCtx *Context, reason string) {
	fields := map[string]interface{}{
		"event":      "auth.decision",
		"decision":   string(authCtx.Decision),
		"token_type": string(authCtx.TokenType),
		"scopes":     authCtx.Scopes,
		"request_id": authCtx.RequestID,
		"ip":         authCtx.IP,
	}
	if authCtx.User != "" {
		fields["user_id"] = authCtx.User
	}
	if len(authCtx.RequiredScopes) > 0 {
		fields["required_scopes"] = authCtx.RequiredScopes
	}
	if authCtx.TokenError != "" {
		fields["token_error"] = authCtx.TokenError
	}
	if reason != "" {
		fields["reason"] = reason
	}

	if authCtx.Decision == DecisionDenied {
		s.logger.Warn("Authorization decision", fields)
		return
	}
	s.logger.Info("Authorization decision", fields)
}

// FromGinContext extracts the resolved auth Context from a gin context
func FromGinContext(c *gin.Context) (*Context, bool) {
	v, exists := c.Get(ContextKey)
	if !exists {
		return nil, false
	}
	authCtx, ok := v.(*Context)
	return authCtx, ok
}

func joinScopes(scopes []string) string {
	sorted := SortedScopes(scopes)
	out := ""
	for i, scope := range sorted {
		if i > 0 {
			out += " "
		}
		out += scope
	}
	return out
}
