package api

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/pkg/errors"

	"github.com/knowledge-mesh/knowledge-mesh/pkg/auth"
	"github.com/knowledge-mesh/knowledge-mesh/pkg/models"
)

// handleRefresh exchanges a refresh token for a new access/refresh pair.
// Each refresh token is single-use: the rotation id it carries must be
// the session's active one, and a successful exchange installs the next.
func (s *Server) handleRefresh(c *gin.Context) {
	var body struct {
		RefreshToken string `json:"refreshToken"`
	}
	if err := c.ShouldBindJSON(&body); err != nil || body.RefreshToken == "" {
		s.renderer.renderValidation(c, "refreshToken is required")
		return
	}

	if !s.authService.JWTConfigured() {
		s.renderer.render(c, &DomainError{
			Code:    CodeServerMisconfig,
			Message: "token refresh is not available",
			Cause:   errors.New("JWT secret not configured"),
		})
		return
	}

	claims, err := s.authService.VerifyToken(body.RefreshToken)
	if err != nil {
		if errors.Is(err, auth.ErrTokenExpired) {
			s.rejectRefresh(c, auth.CodeTokenExpired, "Refresh token has expired")
			return
		}
		s.rejectRefresh(c, auth.CodeInvalidToken, "Refresh token is invalid")
		return
	}

	if tokenType, ok := claims["type"].(string); ok && tokenType != "refresh" {
		s.rejectRefresh(c, auth.CodeInvalidToken, "Token is not a refresh token")
		return
	}

	sessionID, _ := claims["sessionId"].(string)
	rotationID, _ := claims["rotationId"].(string)
	subject, _ := claims["sub"].(string)
	role, _ := claims["role"].(string)
	scopes := auth.NormalizeScopes(claimScopes(claims))

	var tokenExpiry time.Time
	if exp, ok := claims["exp"].(float64); ok {
		tokenExpiry = time.Unix(int64(exp), 0)
	}

	store := s.authService.RefreshStore()
	validation := store.ValidatePresentedToken(sessionID, rotationID, tokenExpiry)
	if !validation.OK {
		s.logger.Warn("Refresh token replay rejected", map[string]interface{}{
			"session_id": sessionID,
			"request_id": c.GetString(auth.RequestIDKey),
		})
		s.rejectRefresh(c, auth.CodeTokenReplay, "Refresh token has already been used")
		return
	}

	refreshExpiry := time.Now().Add(7 * 24 * time.Hour)
	nextRotationID := store.Rotate(sessionID, refreshExpiry, "")

	accessToken, accessExpiry, err := s.authService.MintAccessToken(subject, role, scopes, sessionID)
	if err != nil {
		s.renderer.render(c, errors.Wrap(err, "mint access token"))
		return
	}
	refreshToken, _, err := s.authService.MintRefreshToken(subject, role, scopes, sessionID, nextRotationID)
	if err != nil {
		s.renderer.render(c, errors.Wrap(err, "mint refresh token"))
		return
	}

	s.respond(c, http.StatusOK, gin.H{
		"accessToken":  accessToken,
		"refreshToken": refreshToken,
		"tokenType":    "Bearer",
		"expiresIn":    int(time.Until(accessExpiry).Round(time.Second).Seconds()),
		"scopes":       scopes,
	})
}

func (s *Server) rejectRefresh(c *gin.Context, code, message string) {
	requestID := c.GetString(auth.RequestIDKey)
	envelope := models.NewErrorEnvelope(requestID, code, message)
	if code == auth.CodeTokenExpired {
		envelope = envelope.WithRemediation("sign in again to obtain a new refresh token")
	}
	c.AbortWithStatusJSON(http.StatusUnauthorized, envelope)
}

// claimScopes reads the scope claim in any of its spellings
func claimScopes(claims map[string]interface{}) []string {
	for _, name := range []string{"scopes", "scope", "permissions"} {
		switch v := claims[name].(type) {
		case []interface{}:
			out := make([]string, 0, len(v))
			for _, item := range v {
				if s, ok := item.(string); ok {
					out = append(out, s)
				}
			}
			return out
		case string:
			return []string{v}
		}
	}
	return nil
}
