package auth

import (
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/knowledge-mesh/knowledge-mesh/pkg/observability"
)

// Refresh validation outcomes
const (
	RefreshReasonMissingSession = "missing_session"
	RefreshReasonSeeded         = "seeded"
	RefreshReasonTokenReplayed  = "token_replayed"
)

// RefreshValidation is the result of checking a presented refresh token
// against the session store.
type RefreshValidation struct {
	OK     bool
	Reason string
}

type sessionState struct {
	activeRotationID string
	expiresAt        time.Time
}

// RefreshSessionStore tracks the single active rotation id per session so
// a replayed refresh token is detected exactly. State is process-local.
type RefreshSessionStore struct {
	mu       sync.Mutex
	sessions map[string]*sessionState
	logger   observability.Logger
}

// NewRefreshSessionStore creates an empty store
func NewRefreshSessionStore(logger observability.Logger) *RefreshSessionStore {
	return &RefreshSessionStore{
		sessions: make(map[string]*sessionState),
		logger:   logger,
	}
}

// sweepLocked removes expired sessions. Caller holds the lock.
func (s *RefreshSessionStore) sweepLocked(now time.Time) {
	for id, state := range s.sessions {
		if !state.expiresAt.IsZero() && !state.expiresAt.After(now) {
			delete(s.sessions, id)
		}
	}
}

// ValidatePresentedToken checks a (sessionId, rotationId) pair. Tokens
// without a session id are legacy and accepted; a missing rotation id is
// accepted once and seeds the session. A rotation id that does not match
// the active one is a replay: the session is invalidated and the caller
// must reject the token.
func (s *RefreshSessionStore) ValidatePresentedToken(sessionID, rotationID string, expiresAt time.Time) RefreshValidation {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sweepLocked(time.Now())

	if sessionID == "" {
		return RefreshValidation{OK: true, Reason: RefreshReasonMissingSession}
	}

	state, exists := s.sessions[sessionID]
	if !exists {
		s.sessions[sessionID] = &sessionState{
			activeRotationID: rotationID,
			expiresAt:        expiresAt,
		}
		return RefreshValidation{OK: true, Reason: RefreshReasonSeeded}
	}

	if rotationID == "" && state.activeRotationID == "" {
		return RefreshValidation{OK: true}
	}

	if rotationID != state.activeRotationID {
		delete(s.sessions, sessionID)
		s.logger.Warn("Refresh token replay detected", map[string]interface{}{
			"session_id": sessionID,
		})
		return RefreshValidation{OK: false, Reason: RefreshReasonTokenReplayed}
	}

	return RefreshValidation{OK: true}
}

// Rotate mints and installs the next rotation id for a session. When
// nextRotationID is empty a fresh uuid is generated.
func (s *RefreshSessionStore) Rotate(sessionID string, expiresAt time.Time, nextRotationID string) string {
	if nextRotationID == "" {
		nextRotationID = s.GenerateRotationID()
	}
	if sessionID == "" {
		return nextRotationID
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.sessions[sessionID] = &sessionState{
		activeRotationID: nextRotationID,
		expiresAt:        expiresAt,
	}
	return nextRotationID
}

// Invalidate drops a session outright
func (s *RefreshSessionStore) Invalidate(sessionID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.sessions, sessionID)
}

// GenerateRotationID returns a fresh opaque rotation id
func (s *RefreshSessionStore) GenerateRotationID() string {
	return uuid.New().String()
}

// SessionCount returns the number of live sessions, for stats endpoints
func (s *RefreshSessionStore) SessionCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sweepLocked(time.Now())
	return len(s.sessions)
}
