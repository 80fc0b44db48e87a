// Package auth implements the gateway's credential subsystem: bearer JWTs
// with refresh rotation, opaque API keys with registry integrity checks,
// the emergency admin token, and the scope catalogue that routes are
// authorized against.
package auth

import (
	"crypto/subtle"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v4"
	"github.com/pkg/errors"

	"github.com/knowledge-mesh/knowledge-mesh/pkg/observability"
)

// TokenType classifies the credential a request presented
type TokenType string

// Credential classes
const (
	TokenTypeJWT        TokenType = "jwt"
	TokenTypeAPIKey     TokenType = "api-key"
	TokenTypeAdminToken TokenType = "admin-token"
	TokenTypeAnonymous  TokenType = "anonymous"
)

// Decision records the authorization outcome for a request
type Decision string

// Authorization outcomes
const (
	DecisionGranted Decision = "granted"
	DecisionDenied  Decision = "denied"
)

// Error codes surfaced in the response envelope
const (
	CodeUnauthorized       = "UNAUTHORIZED"
	CodeMissingBearer      = "MISSING_BEARER"
	CodeInvalidToken       = "INVALID_TOKEN"
	CodeTokenExpired       = "TOKEN_EXPIRED"
	CodeInvalidAPIKey      = "INVALID_API_KEY"
	CodeChecksumMismatch   = "CHECKSUM_MISMATCH"
	CodeTokenReplay        = "TOKEN_REPLAY"
	CodeInsufficientScopes = "INSUFFICIENT_SCOPES"
)

// Credential verification failures
var (
	ErrMissingBearer = errors.New("authorization header is not a bearer token")
	ErrInvalidToken  = errors.New("invalid token")
	ErrTokenExpired  = errors.New("token expired")
)

// adminTokenScopes is the fixed grant carried by the emergency admin token
var adminTokenScopes = []string{"admin", "graph:read", "graph:write", "code:analyze", "session:manage"}

// Context is the per-request authentication state. It is created fresh
// for every HTTP request or WebSocket upgrade and is not shared.
type Context struct {
	TokenType        TokenType
	User             string
	Role             string
	Scopes           []string
	RequiredScopes   []string
	APIKeyID         string
	Issuer           string
	Audience         string
	ExpiresAt        time.Time
	SessionID        string
	TokenError       string
	TokenErrorDetail string

	RequestID string
	IP        string
	UserAgent string

	Decision Decision
}

// IsAnonymous reports whether no credential was presented
func (c *Context) IsAnonymous() bool {
	return c.TokenType == TokenTypeAnonymous
}

// ServiceConfig configures the auth resolver
type ServiceConfig struct {
	JWTSecret       string        `mapstructure:"jwt_secret"`
	AdminToken      string        `mapstructure:"admin_token"`
	AccessTokenTTL  time.Duration `mapstructure:"access_token_ttl"`
	RefreshTokenTTL time.Duration `mapstructure:"refresh_token_ttl"`
}

// DefaultServiceConfig returns the standard token lifetimes
func DefaultServiceConfig() ServiceConfig {
	return ServiceConfig{
		AccessTokenTTL:  time.Hour,
		RefreshTokenTTL: 7 * 24 * time.Hour,
	}
}

// Service resolves request credentials into a Context and mints the
// access/refresh pairs handed out by the refresh endpoint.
type Service struct {
	config       ServiceConfig
	registry     *KeyRegistry
	refreshStore *RefreshSessionStore
	catalogue    *ScopeCatalogue
	logger       observability.Logger
}

// NewService creates the auth service
func NewService(config ServiceConfig, registry *KeyRegistry, refreshStore *RefreshSessionStore, catalogue *ScopeCatalogue, logger observability.Logger) *Service {
	if config.AccessTokenTTL <= 0 {
		config.AccessTokenTTL = time.Hour
	}
	if config.RefreshTokenTTL <= 0 {
		config.RefreshTokenTTL = 7 * 24 * time.Hour
	}
	return &Service{
		config:       config,
		registry:     registry,
		refreshStore: refreshStore,
		catalogue:    catalogue,
		logger:       logger,
	}
}

// Registry exposes the API-key registry
func (s *Service) Registry() *KeyRegistry { return s.registry }

// RefreshStore exposes the refresh-session store
func (s *Service) RefreshStore() *RefreshSessionStore { return s.refreshStore }

// Catalogue exposes the scope catalogue
func (s *Service) Catalogue() *ScopeCatalogue { return s.catalogue }

// JWTConfigured reports whether bearer tokens can be verified
func (s *Service) JWTConfigured() bool { return s.config.JWTSecret != "" }

// Enforced reports whether any credential mechanism is configured. When
// nothing is configured the gate grants everything with a bypass audit
// note instead of locking the deployment out.
func (s *Service) Enforced() bool {
	return s.config.JWTSecret != "" || s.config.AdminToken != "" || s.registry.IsConfigured()
}

// AccessTokenTTL returns the configured access-token lifetime
func (s *Service) AccessTokenTTL() time.Duration { return s.config.AccessTokenTTL }

// queryTokenParams are the query parameters WebSocket clients may carry
// credentials in, in precedence order.
var queryTokenParams = []string{"access_token", "token", "bearer_token"}

// queryKeyParams are the query parameter spellings for API keys
var queryKeyParams = []string{"api_key", "apikey", "apiKey"}

// PromoteQueryTokens copies credential query parameters into the request
// headers so the resolver sees one surface. Used on WebSocket upgrades,
// where browsers cannot set Authorization headers.
func PromoteQueryTokens(r *http.Request) {
	query := r.URL.Query()
	if r.Header.Get("Authorization") == "" {
		for _, param := range queryTokenParams {
			if v := query.Get(param); v != "" {
				r.Header.Set("Authorization", "Bearer "+v)
				break
			}
		}
	}
	if r.Header.Get("X-Api-Key") == "" {
		for _, param := range queryKeyParams {
			if v := query.Get(param); v != "" {
				r.Header.Set("X-Api-Key", v)
				break
			}
		}
	}
}

// Resolve classifies the request credential and builds the auth Context.
// Token failures are recorded on the context rather than returned, so the
// authorization gate can map them to one uniform response.
func (s *Service) Resolve(r *http.Request, requestID, clientIP string) *Context {
	authCtx := &Context{
		TokenType: TokenTypeAnonymous,
		RequestID: requestID,
		IP:        clientIP,
		UserAgent: r.Header.Get("User-Agent"),
	}

	authHeader := r.Header.Get("Authorization")
	bearer := ""
	if strings.HasPrefix(authHeader, "Bearer ") {
		bearer = strings.TrimSpace(strings.TrimPrefix(authHeader, "Bearer "))
	}

	// The emergency admin token matches either the bearer value or the
	// whole Authorization header.
	if s.config.AdminToken != "" {
		if constantTimeEqual(bearer, s.config.AdminToken) || constantTimeEqual(authHeader, s.config.AdminToken) {
			s.applyAdminContext(authCtx)
			return authCtx
		}
	}

	if authHeader != "" {
		s.resolveBearer(authCtx, authHeader, bearer)
		return authCtx
	}

	if apiKey := r.Header.Get("X-Api-Key"); apiKey != "" {
		if s.config.AdminToken != "" && constantTimeEqual(apiKey, s.config.AdminToken) {
			s.applyAdminContext(authCtx)
			return authCtx
		}
		s.resolveAPIKey(r, authCtx, apiKey)
		return authCtx
	}

	return authCtx
}

func (s *Service) applyAdminContext(authCtx *Context) {
	authCtx.TokenType = TokenTypeAdminToken
	authCtx.User = "admin-token"
	authCtx.Scopes = append([]string(nil), adminTokenScopes...)
}

func (s *Service) resolveBearer(authCtx *Context, authHeader, bearer string) {
	authCtx.TokenType = TokenTypeJWT

	if !strings.HasPrefix(authHeader, "Bearer ") {
		authCtx.TokenError = CodeMissingBearer
		authCtx.TokenErrorDetail = "authorization header must use the Bearer scheme"
		return
	}
	if bearer == "" {
		authCtx.TokenError = CodeInvalidToken
		authCtx.TokenErrorDetail = "bearer token is empty"
		return
	}
	if !s.JWTConfigured() {
		authCtx.TokenError = CodeInvalidToken
		authCtx.TokenErrorDetail = "token verification is not configured"
		return
	}

	claims, err := s.VerifyToken(bearer)
	if err != nil {
		if errors.Is(err, ErrTokenExpired) {
			authCtx.TokenError = CodeTokenExpired
			authCtx.TokenErrorDetail = "token has expired"
		} else {
			authCtx.TokenError = CodeInvalidToken
			authCtx.TokenErrorDetail = "token signature verification failed"
		}
		return
	}

	authCtx.User = firstStringClaim(claims, "userId", "sub", "id", "login", "username")
	authCtx.Role = stringClaim(claims, "role")
	authCtx.Scopes = NormalizeScopes(scopeClaim(claims))
	authCtx.Issuer = stringClaim(claims, "iss")
	authCtx.Audience = stringClaim(claims, "aud")
	authCtx.SessionID = stringClaim(claims, "sessionId")
	if exp := numericClaim(claims, "exp"); exp > 0 {
		authCtx.ExpiresAt = time.Unix(int64(exp), 0)
	}
}

func (s *Service) resolveAPIKey(r *http.Request, authCtx *Context, apiKey string) {
	authCtx.TokenType = TokenTypeAPIKey

	result, err := s.registry.Authenticate(r.Context(), apiKey)
	if err != nil {
		switch {
		case errors.Is(err, ErrChecksumMismatch):
			authCtx.TokenError = CodeChecksumMismatch
			authCtx.TokenErrorDetail = "API key registry integrity check failed"
		default:
			authCtx.TokenError = CodeInvalidAPIKey
			authCtx.TokenErrorDetail = "API key verification failed"
		}
		return
	}

	authCtx.APIKeyID = result.Record.ID
	authCtx.User = result.Record.ID
	authCtx.Scopes = result.Scopes
}

// VerifyToken validates a JWT against the configured HMAC secret
func (s *Service) VerifyToken(tokenString string) (jwt.MapClaims, error) {
	if !s.JWTConfigured() {
		return nil, ErrInvalidToken
	}

	token, err := jwt.Parse(tokenString, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, errors.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return []byte(s.config.JWTSecret), nil
	})
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return nil, ErrTokenExpired
		}
		return nil, ErrInvalidToken
	}

	claims, ok := token.Claims.(jwt.MapClaims)
	if !ok || !token.Valid {
		return nil, ErrInvalidToken
	}
	return claims, nil
}

// MintAccessToken issues a short-lived access token
func (s *Service) MintAccessToken(subject, role string, scopes []string, sessionID string) (string, time.Time, error) {
	expiresAt := time.Now().Add(s.config.AccessTokenTTL)
	claims := jwt.MapClaims{
		"sub":    subject,
		"type":   "access",
		"exp":    expiresAt.Unix(),
		"iat":    time.Now().Unix(),
		"scopes": scopes,
	}
	if role != "" {
		claims["role"] = role
	}
	if sessionID != "" {
		claims["sessionId"] = sessionID
	}
	signed, err := s.sign(claims)
	return signed, expiresAt, err
}

// MintRefreshToken issues a refresh token bound to a rotation id
func (s *Service) MintRefreshToken(subject, role string, scopes []string, sessionID, rotationID string) (string, time.Time, error) {
	expiresAt := time.Now().Add(s.config.RefreshTokenTTL)
	claims := jwt.MapClaims{
		"sub":        subject,
		"type":       "refresh",
		"exp":        expiresAt.Unix(),
		"iat":        time.Now().Unix(),
		"scopes":     scopes,
		"rotationId": rotationID,
	}
	if role != "" {
		claims["role"] = role
	}
	if sessionID != "" {
		claims["sessionId"] = sessionID
	}
	signed, err := s.sign(claims)
	return signed, expiresAt, err
}

func (s *Service) sign(claims jwt.MapClaims) (string, error) {
	if !s.JWTConfigured() {
		return "", errors.New("JWT secret not configured")
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString([]byte(s.config.JWTSecret))
}

func constantTimeEqual(a, b string) bool {
	if a == "" || b == "" {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(a), []byte(b)) == 1
}

func stringClaim(claims jwt.MapClaims, name string) string {
	if v, ok := claims[name].(string); ok {
		return v
	}
	return ""
}

func firstStringClaim(claims jwt.MapClaims, names ...string) string {
	for _, name := range names {
		if v := stringClaim(claims, name); v != "" {
			return v
		}
	}
	return ""
}

func numericClaim(claims jwt.MapClaims, name string) float64 {
	switch v := claims[name].(type) {
	case float64:
		return v
	case int64:
		return float64(v)
	}
	return 0
}

// scopeClaim accepts the scopes, scope, and permissions spellings, each as
// either a list or a delimited string.
func scopeClaim(claims jwt.MapClaims) []string {
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
