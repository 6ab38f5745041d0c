package auth

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"

	"merchantry.io/internal/obs"
)

const (
	defaultIssuer     = "merchantry"
	defaultAccessTTL  = 15 * time.Minute
	defaultRefreshTTL = 14 * 24 * time.Hour

	// minSigningSecretBytes is the smallest accepted HS256 key size.
	minSigningSecretBytes = 32
)

// TokenService mints, verifies and rotates access/refresh tokens. It owns
// no durable state itself: it orchestrates the session store and blacklist
// it is constructed with.
type TokenService struct {
	users     UserStore
	sessions  SessionStore
	claims    ClaimsProvider
	blacklist Blacklist
	now       func() time.Time

	issuer        string
	accessSecret  []byte
	refreshSecret []byte
	accessTTL     time.Duration
	refreshTTL    time.Duration

	sweepEvery time.Duration
	stopOnce   sync.Once
	sweepStop  chan struct{}
	sweepDone  chan struct{}
}

// TokenOption configures TokenService behavior.
type TokenOption func(*TokenService) error

// WithIssuer overrides the token issuer claim.
func WithIssuer(issuer string) TokenOption {
	return func(s *TokenService) error {
		if v := strings.TrimSpace(issuer); v != "" {
			s.issuer = v
		}
		return nil
	}
}

// WithAccessTTL configures access token lifetime.
func WithAccessTTL(ttl time.Duration) TokenOption {
	return func(s *TokenService) error {
		if ttl > 0 {
			s.accessTTL = ttl
		}
		return nil
	}
}

// WithRefreshTTL configures refresh token lifetime.
func WithRefreshTTL(ttl time.Duration) TokenOption {
	return func(s *TokenService) error {
		if ttl > 0 {
			s.refreshTTL = ttl
		}
		return nil
	}
}

// WithSigningSecrets sets the HS256 keys for each token class.
func WithSigningSecrets(access, refresh string) TokenOption {
	return func(s *TokenService) error {
		s.accessSecret = []byte(access)
		s.refreshSecret = []byte(refresh)
		return nil
	}
}

// WithClock overrides the time source (useful for tests).
func WithClock(fn func() time.Time) TokenOption {
	return func(s *TokenService) error {
		if fn != nil {
			s.now = fn
		}
		return nil
	}
}

// WithSweepInterval enables the background cleanup job. Zero leaves it
// disabled, which never changes verification semantics.
func WithSweepInterval(every time.Duration) TokenOption {
	return func(s *TokenService) error {
		if every > 0 {
			s.sweepEvery = every
		}
		return nil
	}
}

// NewTokenService constructs the service. Missing or undersized signing
// secrets are a construction error, not a per-request one.
func NewTokenService(users UserStore, sessions SessionStore, claims ClaimsProvider, blacklist Blacklist, opts ...TokenOption) (*TokenService, error) {
	svc := &TokenService{
		users:      users,
		sessions:   sessions,
		claims:     claims,
		blacklist:  blacklist,
		now:        time.Now,
		issuer:     defaultIssuer,
		accessTTL:  defaultAccessTTL,
		refreshTTL: defaultRefreshTTL,
		sweepStop:  make(chan struct{}),
		sweepDone:  make(chan struct{}),
	}
	for _, opt := range opts {
		if err := opt(svc); err != nil {
			return nil, err
		}
	}
	if svc.users == nil || svc.sessions == nil || svc.claims == nil || svc.blacklist == nil {
		return nil, errors.New("auth: user store, session store, claims provider and blacklist are required")
	}
	if len(svc.accessSecret) < minSigningSecretBytes {
		return nil, fmt.Errorf("auth: access signing secret must be at least %d bytes", minSigningSecretBytes)
	}
	if len(svc.refreshSecret) < minSigningSecretBytes {
		return nil, fmt.Errorf("auth: refresh signing secret must be at least %d bytes", minSigningSecretBytes)
	}
	if svc.sweepEvery > 0 {
		go svc.sweep()
	} else {
		close(svc.sweepDone)
	}
	return svc, nil
}

// Shutdown stops the background cleanup job, if any, and waits for it.
func (s *TokenService) Shutdown() {
	s.stopOnce.Do(func() {
		close(s.sweepStop)
	})
	<-s.sweepDone
}

// GenerateAccessToken mints a signed access token for the user and session,
// querying the claims provider at mint time. The decoded payload is
// returned alongside the token so callers can use it without a second
// verification round trip. No persistence side effect.
func (s *TokenService) GenerateAccessToken(ctx context.Context, user *User, session *Session) (string, *Claims, error) {
	roles, perms, err := s.resolveClaims(ctx, user.ID)
	if err != nil {
		return "", nil, err
	}
	return s.mint(user.ID, session.ID, TokenTypeAccess, "", roles, perms)
}

// GenerateRefreshToken mints a signed refresh token embedding the session's
// plaintext secret. Callers are responsible for having persisted the
// secret's hash against the session.
func (s *TokenService) GenerateRefreshToken(ctx context.Context, user *User, session *Session, secret string) (string, *Claims, error) {
	if secret == "" {
		return "", nil, fmt.Errorf("%w: refresh secret is required", ErrInvalidInput)
	}
	roles, perms, err := s.resolveClaims(ctx, user.ID)
	if err != nil {
		return "", nil, err
	}
	return s.mint(user.ID, session.ID, TokenTypeRefresh, secret, roles, perms)
}

// VerifyAccessToken validates signature and expiry, then cross-checks the
// blacklist and session liveness. Every trust failure collapses to
// ErrUnauthorized.
func (s *TokenService) VerifyAccessToken(ctx context.Context, token string) (*Claims, error) {
	claims, err := s.parse(token, s.accessSecret, TokenTypeAccess)
	if err != nil {
		return nil, err
	}
	if _, err := s.checkLiveness(ctx, claims); err != nil {
		return nil, err
	}
	return claims, nil
}

// VerifyRefreshToken validates the token as VerifyAccessToken does and
// additionally recomputes whether the embedded secret hashes to the
// session's stored hash. A mismatch is indistinguishable from an unknown
// token.
func (s *TokenService) VerifyRefreshToken(ctx context.Context, token string) (*Claims, *Session, error) {
	claims, err := s.parse(token, s.refreshSecret, TokenTypeRefresh)
	if err != nil {
		return nil, nil, err
	}
	session, err := s.checkLiveness(ctx, claims)
	if err != nil {
		return nil, nil, err
	}
	if !secretMatchesHash(claims.Secret, session.RefreshSecretHash) {
		return nil, nil, ErrUnauthorized
	}
	return claims, session, nil
}

// Rotate exchanges a still-valid refresh token for a new access/refresh
// pair and makes the old token single-use. The session-hash swap is a
// conditional write, so exactly one of two concurrent rotations presenting
// the same token wins; the loser fails like a replayed token.
func (s *TokenService) Rotate(ctx context.Context, oldToken string) (*TokenPair, error) {
	oldClaims, session, err := s.VerifyRefreshToken(ctx, oldToken)
	if err != nil {
		obs.TokenRotation("rejected")
		return nil, err
	}

	user, err := s.users.Find(ctx, oldClaims.Subject)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil, ErrUnauthorized
		}
		return nil, fmt.Errorf("%w: load user: %v", ErrUnavailable, err)
	}
	if user.Status != UserStatusActive {
		return nil, ErrUnauthorized
	}

	newSecret, err := NewRefreshSecret()
	if err != nil {
		return nil, err
	}
	roles, perms, err := s.resolveClaims(ctx, user.ID)
	if err != nil {
		return nil, err
	}
	accessToken, accessClaims, err := s.mint(user.ID, session.ID, TokenTypeAccess, "", roles, perms)
	if err != nil {
		return nil, err
	}
	refreshToken, refreshClaims, err := s.mint(user.ID, session.ID, TokenTypeRefresh, newSecret, roles, perms)
	if err != nil {
		return nil, err
	}

	// The conditional write settles the race between concurrent rotations.
	err = s.sessions.ReplaceSecretHash(ctx, session.ID, session.RefreshSecretHash, HashSecret(newSecret))
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			obs.TokenRotation("replayed")
			return nil, ErrUnauthorized
		}
		obs.TokenRotation("error")
		return nil, fmt.Errorf("%w: rotate session secret: %v", ErrUnavailable, err)
	}

	// The old token is already unusable through the hash mismatch, so a
	// failed blacklist write narrows nothing; record it and move on.
	if err := s.blacklist.Add(ctx, oldClaims.ID, oldClaims.ExpiresAt.Time); err != nil {
		obs.BlacklistWriteFailure()
		obs.LogRequest(map[string]any{
			"level": "error",
			"msg":   "blacklist write failed after rotation",
			"sid":   session.ID,
			"error": err.Error(),
		})
	}

	obs.TokenRotation("ok")
	return &TokenPair{
		AccessToken:      accessToken,
		RefreshToken:     refreshToken,
		AccessExpiresAt:  accessClaims.ExpiresAt.Time,
		RefreshExpiresAt: refreshClaims.ExpiresAt.Time,
	}, nil
}

// Revoke marks the session permanently dead. Tokens already minted for it
// are rejected by the liveness cross-check on their next verification; the
// blacklist stays reserved for token-level single-use invalidation.
// Revoking an already revoked session is a no-op.
func (s *TokenService) Revoke(ctx context.Context, sessionID, reason string) error {
	session, err := s.sessions.Find(ctx, sessionID)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return ErrNotFound
		}
		return fmt.Errorf("%w: load session: %v", ErrUnavailable, err)
	}
	if session.RevokedAt != nil {
		return nil
	}
	if err := s.sessions.Revoke(ctx, sessionID, s.now().UTC()); err != nil {
		return fmt.Errorf("%w: revoke session: %v", ErrUnavailable, err)
	}
	obs.SessionRevoked(reason)
	return nil
}

func (s *TokenService) resolveClaims(ctx context.Context, userID string) ([]RoleClaim, []string, error) {
	// Fail closed: a mint without current claims is no mint at all.
	roles, err := s.claims.UserRoles(ctx, userID)
	if err != nil {
		return nil, nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	perms, err := s.claims.UserPermissions(ctx, userID)
	if err != nil {
		return nil, nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	return normalizeRoleClaims(roles), normalizePermissions(perms), nil
}

func (s *TokenService) mint(userID, sessionID, tokenType, secret string, roles []RoleClaim, perms []string) (string, *Claims, error) {
	ttl := s.accessTTL
	key := s.accessSecret
	if tokenType == TokenTypeRefresh {
		ttl = s.refreshTTL
		key = s.refreshSecret
	}
	now := s.now().UTC()
	claims := &Claims{
		SessionID:   sessionID,
		Roles:       roles,
		Permissions: perms,
		TokenType:   tokenType,
		Secret:      secret,
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    s.issuer,
			Subject:   userID,
			ID:        uuid.NewString(),
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(key)
	if err != nil {
		return "", nil, fmt.Errorf("sign token: %w", err)
	}
	obs.TokenIssued(tokenType)
	return signed, claims, nil
}

func (s *TokenService) parse(token string, key []byte, wantType string) (*Claims, error) {
	token = strings.TrimSpace(token)
	if token == "" {
		return nil, ErrUnauthorized
	}
	parsed, err := jwt.ParseWithClaims(token, &Claims{}, func(t *jwt.Token) (any, error) {
		return key, nil
	},
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithTimeFunc(s.now),
		jwt.WithIssuer(s.issuer),
		jwt.WithExpirationRequired(),
	)
	if err != nil {
		return nil, ErrUnauthorized
	}
	claims, ok := parsed.Claims.(*Claims)
	if !ok || !parsed.Valid {
		return nil, ErrUnauthorized
	}
	if claims.TokenType != wantType || claims.Subject == "" || claims.SessionID == "" || claims.ID == "" {
		return nil, ErrUnauthorized
	}
	return claims, nil
}

// checkLiveness rejects blacklisted token ids and tokens whose session is
// revoked, expired or gone.
func (s *TokenService) checkLiveness(ctx context.Context, claims *Claims) (*Session, error) {
	blacklisted, err := s.blacklist.Has(ctx, claims.ID)
	if err != nil {
		return nil, fmt.Errorf("%w: blacklist check: %v", ErrUnavailable, err)
	}
	if blacklisted {
		return nil, ErrUnauthorized
	}
	session, err := s.sessions.Find(ctx, claims.SessionID)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil, ErrUnauthorized
		}
		return nil, fmt.Errorf("%w: load session: %v", ErrUnavailable, err)
	}
	if !session.Active(s.now()) {
		return nil, ErrUnauthorized
	}
	return session, nil
}

// sweep prunes expired blacklist entries and deletes session rows past
// their expiry. Verification never depends on it having run.
func (s *TokenService) sweep() {
	defer close(s.sweepDone)
	ticker := time.NewTicker(s.sweepEvery)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
			if err := s.blacklist.Cleanup(ctx); err != nil {
				obs.LogRequest(map[string]any{
					"level": "warn",
					"msg":   "blacklist cleanup failed",
					"error": err.Error(),
				})
			}
			if _, err := s.sessions.DeleteExpired(ctx, s.now().UTC()); err != nil {
				obs.LogRequest(map[string]any{
					"level": "warn",
					"msg":   "expired session sweep failed",
					"error": err.Error(),
				})
			}
			cancel()
		case <-s.sweepStop:
			return
		}
	}
}
