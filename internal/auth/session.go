package auth

import (
	"context"
	"fmt"
	"strings"
	"time"

	"merchantry.io/internal/ids"
)

const defaultSessionTTL = 14 * 24 * time.Hour

// SessionMetadata carries optional per-session attributes captured at login.
type SessionMetadata struct {
	// Fingerprint is an opaque device/browser fingerprint used for anomaly
	// signalling. It is recorded, not enforced.
	Fingerprint string
	// TTL overrides the service default when positive.
	TTL time.Duration
}

// SessionService owns session-row creation and termination. It also owns
// the clock, so expiry comparisons stay testable without wall-clock sleeps.
type SessionService struct {
	sessions SessionStore
	now      func() time.Time
	ttl      time.Duration
}

// SessionOption configures SessionService.
type SessionOption func(*SessionService)

// WithSessionTTL overrides the default session lifetime.
func WithSessionTTL(ttl time.Duration) SessionOption {
	return func(s *SessionService) {
		if ttl > 0 {
			s.ttl = ttl
		}
	}
}

// WithSessionClock overrides the time source (useful for tests).
func WithSessionClock(fn func() time.Time) SessionOption {
	return func(s *SessionService) {
		if fn != nil {
			s.now = fn
		}
	}
}

// NewSessionService constructs the service.
func NewSessionService(sessions SessionStore, opts ...SessionOption) *SessionService {
	svc := &SessionService{
		sessions: sessions,
		now:      time.Now,
		ttl:      defaultSessionTTL,
	}
	for _, opt := range opts {
		opt(svc)
	}
	return svc
}

// Now exposes the injected clock.
func (s *SessionService) Now() time.Time { return s.now() }

// Create inserts a new session row with a freshly generated refresh secret
// and returns the plaintext secret for the caller to embed into the first
// refresh token. The secret itself is never persisted.
func (s *SessionService) Create(ctx context.Context, userID string, meta SessionMetadata) (*Session, string, error) {
	userID = strings.TrimSpace(userID)
	if userID == "" {
		return nil, "", fmt.Errorf("%w: user id is required", ErrInvalidInput)
	}
	secret, err := NewRefreshSecret()
	if err != nil {
		return nil, "", err
	}
	ttl := s.ttl
	if meta.TTL > 0 {
		ttl = meta.TTL
	}
	now := s.now().UTC()
	session := &Session{
		ID:                ids.New(),
		UserID:            userID,
		RefreshSecretHash: HashSecret(secret),
		Fingerprint:       meta.Fingerprint,
		ExpiresAt:         now.Add(ttl),
	}
	if err := s.sessions.Create(ctx, session); err != nil {
		return nil, "", fmt.Errorf("create session: %w", err)
	}
	return session, secret, nil
}

// Get loads a session by id.
func (s *SessionService) Get(ctx context.Context, sessionID string) (*Session, error) {
	return s.sessions.Find(ctx, sessionID)
}

// Terminate marks the session revoked. Terminating an already revoked
// session is a no-op.
func (s *SessionService) Terminate(ctx context.Context, sessionID string) error {
	sessionID = strings.TrimSpace(sessionID)
	if sessionID == "" {
		return fmt.Errorf("%w: session id is required", ErrInvalidInput)
	}
	return s.sessions.Revoke(ctx, sessionID, s.now().UTC())
}
