package auth

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"
)

const (
	testAccessSecret  = "0123456789abcdef0123456789abcdef"
	testRefreshSecret = "fedcba9876543210fedcba9876543210"
)

// fakeClock is a mutable time source shared between the services under
// test, so expiry can be exercised without sleeping.
type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{t: time.Date(2026, 3, 14, 9, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

type authFixture struct {
	store     *MemStore
	blacklist *MemoryBlacklist
	clock     *fakeClock
	sessions  *SessionService
	tokens    *TokenService
	user      *User
}

func newAuthFixture(t *testing.T, opts ...TokenOption) *authFixture {
	t.Helper()
	ctx := context.Background()
	clock := newFakeClock()
	store := NewMemStore()
	blacklist := NewMemoryBlacklist(0, WithBlacklistClock(clock.Now))

	user := &User{Email: "merchant@example.com", PasswordHash: "x", Status: UserStatusActive}
	if err := store.Users(ctx).Create(ctx, user); err != nil {
		t.Fatalf("create user: %v", err)
	}

	all := append([]TokenOption{
		WithSigningSecrets(testAccessSecret, testRefreshSecret),
		WithClock(clock.Now),
	}, opts...)
	tokens, err := NewTokenService(store.Users(ctx), store.Sessions(ctx),
		NewStoreClaims(store.Roles(ctx), store.Permissions(ctx)), blacklist, all...)
	if err != nil {
		t.Fatalf("new token service: %v", err)
	}
	t.Cleanup(tokens.Shutdown)

	return &authFixture{
		store:     store,
		blacklist: blacklist,
		clock:     clock,
		sessions:  NewSessionService(store.Sessions(ctx), WithSessionClock(clock.Now)),
		tokens:    tokens,
		user:      user,
	}
}

// login creates a session and mints the first token pair for it, the way
// the login handler does.
func (f *authFixture) login(t *testing.T) (*Session, string, string) {
	t.Helper()
	ctx := context.Background()
	session, secret, err := f.sessions.Create(ctx, f.user.ID, SessionMetadata{})
	if err != nil {
		t.Fatalf("create session: %v", err)
	}
	access, _, err := f.tokens.GenerateAccessToken(ctx, f.user, session)
	if err != nil {
		t.Fatalf("generate access token: %v", err)
	}
	refresh, _, err := f.tokens.GenerateRefreshToken(ctx, f.user, session, secret)
	if err != nil {
		t.Fatalf("generate refresh token: %v", err)
	}
	return session, access, refresh
}

func TestAccessTokenRoundTrip(t *testing.T) {
	f := newAuthFixture(t)
	ctx := context.Background()
	session, access, _ := f.login(t)

	claims, err := f.tokens.VerifyAccessToken(ctx, access)
	if err != nil {
		t.Fatalf("verify: %v", err)
	}
	if claims.Subject != f.user.ID {
		t.Errorf("subject = %q, want %q", claims.Subject, f.user.ID)
	}
	if claims.SessionID != session.ID {
		t.Errorf("sid = %q, want %q", claims.SessionID, session.ID)
	}
	if claims.TokenType != TokenTypeAccess {
		t.Errorf("token_type = %q, want %q", claims.TokenType, TokenTypeAccess)
	}
	if claims.ID == "" {
		t.Error("jti is empty")
	}
	if claims.Secret != "" {
		t.Error("access token must not carry a refresh secret")
	}
}

func TestVerifyRejectsGarbage(t *testing.T) {
	f := newAuthFixture(t)
	ctx := context.Background()

	for _, token := range []string{"", "   ", "not.a.jwt", "aaaa.bbbb.cccc"} {
		if _, err := f.tokens.VerifyAccessToken(ctx, token); !errors.Is(err, ErrUnauthorized) {
			t.Errorf("VerifyAccessToken(%q) = %v, want ErrUnauthorized", token, err)
		}
	}
}

func TestVerifyRejectsWrongTokenType(t *testing.T) {
	f := newAuthFixture(t)
	ctx := context.Background()
	_, access, refresh := f.login(t)

	if _, _, err := f.tokens.VerifyRefreshToken(ctx, access); !errors.Is(err, ErrUnauthorized) {
		t.Errorf("refresh verify of access token = %v, want ErrUnauthorized", err)
	}
	if _, err := f.tokens.VerifyAccessToken(ctx, refresh); !errors.Is(err, ErrUnauthorized) {
		t.Errorf("access verify of refresh token = %v, want ErrUnauthorized", err)
	}
}

func TestVerifyRejectsExpired(t *testing.T) {
	f := newAuthFixture(t, WithAccessTTL(15*time.Minute))
	ctx := context.Background()
	_, access, _ := f.login(t)

	f.clock.Advance(14 * time.Minute)
	if _, err := f.tokens.VerifyAccessToken(ctx, access); err != nil {
		t.Fatalf("verify before expiry: %v", err)
	}

	f.clock.Advance(2 * time.Minute)
	if _, err := f.tokens.VerifyAccessToken(ctx, access); !errors.Is(err, ErrUnauthorized) {
		t.Errorf("verify after expiry = %v, want ErrUnauthorized", err)
	}
}

func TestRefreshSecretMismatchLooksLikeUnknownToken(t *testing.T) {
	f := newAuthFixture(t)
	ctx := context.Background()
	session, _, _ := f.login(t)

	// A structurally valid refresh token whose embedded secret does not
	// hash to the stored value.
	stale, err := NewRefreshSecret()
	if err != nil {
		t.Fatal(err)
	}
	forged, _, err := f.tokens.GenerateRefreshToken(ctx, f.user, session, stale)
	if err != nil {
		t.Fatal(err)
	}
	_, _, errForged := f.tokens.VerifyRefreshToken(ctx, forged)
	_, _, errGarbage := f.tokens.VerifyRefreshToken(ctx, "bogus")

	if !errors.Is(errForged, ErrUnauthorized) {
		t.Fatalf("forged token = %v, want ErrUnauthorized", errForged)
	}
	if errForged != errGarbage {
		t.Errorf("mismatch and garbage must be indistinguishable: %v vs %v", errForged, errGarbage)
	}
}

func TestRotateIsSingleUse(t *testing.T) {
	f := newAuthFixture(t)
	ctx := context.Background()
	session, _, refresh := f.login(t)

	pair, err := f.tokens.Rotate(ctx, refresh)
	if err != nil {
		t.Fatalf("first rotation: %v", err)
	}
	if pair.AccessToken == "" || pair.RefreshToken == "" {
		t.Fatal("rotation returned empty tokens")
	}
	if !pair.RefreshExpiresAt.After(pair.AccessExpiresAt) {
		t.Errorf("refresh expiry %v should be after access expiry %v", pair.RefreshExpiresAt, pair.AccessExpiresAt)
	}

	// Replay of the consumed token.
	if _, err := f.tokens.Rotate(ctx, refresh); !errors.Is(err, ErrUnauthorized) {
		t.Fatalf("replayed rotation = %v, want ErrUnauthorized", err)
	}

	// The new pair works against the same session.
	claims, err := f.tokens.VerifyAccessToken(ctx, pair.AccessToken)
	if err != nil {
		t.Fatalf("verify rotated access token: %v", err)
	}
	if claims.SessionID != session.ID {
		t.Errorf("rotated token sid = %q, want %q", claims.SessionID, session.ID)
	}
	if _, err := f.tokens.Rotate(ctx, pair.RefreshToken); err != nil {
		t.Fatalf("chained rotation: %v", err)
	}
}

func TestRotateConcurrentExactlyOneWins(t *testing.T) {
	f := newAuthFixture(t)
	ctx := context.Background()
	_, _, refresh := f.login(t)

	const workers = 16
	var (
		wg       sync.WaitGroup
		mu       sync.Mutex
		wins     int
		rejected int
	)
	start := make(chan struct{})
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			<-start
			_, err := f.tokens.Rotate(ctx, refresh)
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				wins++
			case errors.Is(err, ErrUnauthorized):
				rejected++
			default:
				t.Errorf("unexpected rotation error: %v", err)
			}
		}()
	}
	close(start)
	wg.Wait()

	if wins != 1 {
		t.Errorf("wins = %d, want exactly 1 (rejected %d)", wins, rejected)
	}
	if wins+rejected != workers {
		t.Errorf("wins+rejected = %d, want %d", wins+rejected, workers)
	}
}

func TestRevokeSessionKillsOutstandingTokens(t *testing.T) {
	f := newAuthFixture(t)
	ctx := context.Background()
	session, access, refresh := f.login(t)

	if err := f.tokens.Revoke(ctx, session.ID, "logout"); err != nil {
		t.Fatalf("revoke: %v", err)
	}
	if _, err := f.tokens.VerifyAccessToken(ctx, access); !errors.Is(err, ErrUnauthorized) {
		t.Errorf("access token after revoke = %v, want ErrUnauthorized", err)
	}
	if _, err := f.tokens.Rotate(ctx, refresh); !errors.Is(err, ErrUnauthorized) {
		t.Errorf("rotation after revoke = %v, want ErrUnauthorized", err)
	}

	// Idempotent on repeat, ErrNotFound for unknown ids.
	if err := f.tokens.Revoke(ctx, session.ID, "logout"); err != nil {
		t.Errorf("second revoke = %v, want nil", err)
	}
	if err := f.tokens.Revoke(ctx, "no-such-session", "admin"); !errors.Is(err, ErrNotFound) {
		t.Errorf("revoke unknown = %v, want ErrNotFound", err)
	}
}

func TestRotateRejectsDisabledUser(t *testing.T) {
	f := newAuthFixture(t)
	ctx := context.Background()
	_, _, refresh := f.login(t)

	f.store.mu.Lock()
	f.store.users[f.user.ID].Status = UserStatusDisabled
	f.store.mu.Unlock()

	if _, err := f.tokens.Rotate(ctx, refresh); !errors.Is(err, ErrUnauthorized) {
		t.Errorf("rotation for disabled user = %v, want ErrUnauthorized", err)
	}
}

// addFailBlacklist delegates to the wrapped blacklist but fails every Add.
type addFailBlacklist struct {
	Blacklist
}

func (b *addFailBlacklist) Add(ctx context.Context, jti string, expiresAt time.Time) error {
	return fmt.Errorf("store down")
}

func TestRotateSucceedsWhenBlacklistWriteFails(t *testing.T) {
	ctx := context.Background()
	clock := newFakeClock()
	store := NewMemStore()
	user := &User{Email: "merchant@example.com", PasswordHash: "x", Status: UserStatusActive}
	if err := store.Users(ctx).Create(ctx, user); err != nil {
		t.Fatal(err)
	}
	blacklist := &addFailBlacklist{Blacklist: NewMemoryBlacklist(0, WithBlacklistClock(clock.Now))}
	tokens, err := NewTokenService(store.Users(ctx), store.Sessions(ctx),
		NewStoreClaims(store.Roles(ctx), store.Permissions(ctx)), blacklist,
		WithSigningSecrets(testAccessSecret, testRefreshSecret),
		WithClock(clock.Now),
	)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(tokens.Shutdown)

	sessions := NewSessionService(store.Sessions(ctx), WithSessionClock(clock.Now))
	session, secret, err := sessions.Create(ctx, user.ID, SessionMetadata{})
	if err != nil {
		t.Fatal(err)
	}
	refresh, _, err := tokens.GenerateRefreshToken(ctx, user, session, secret)
	if err != nil {
		t.Fatal(err)
	}

	// The hash swap already happened, so the rotation must still succeed.
	pair, err := tokens.Rotate(ctx, refresh)
	if err != nil {
		t.Fatalf("rotation with failing blacklist = %v, want success", err)
	}
	// And the old token stays dead through the hash mismatch alone.
	if _, err := tokens.Rotate(ctx, refresh); !errors.Is(err, ErrUnauthorized) {
		t.Errorf("replay with failing blacklist = %v, want ErrUnauthorized", err)
	}
	if _, err := tokens.Rotate(ctx, pair.RefreshToken); err != nil {
		t.Errorf("chained rotation: %v", err)
	}
}

func TestTokensEmbedResolvedClaims(t *testing.T) {
	f := newAuthFixture(t)
	ctx := context.Background()

	role := &Role{Name: "fulfilment"}
	if err := f.store.Roles(ctx).Create(ctx, role); err != nil {
		t.Fatal(err)
	}
	if err := f.store.Permissions(ctx).Ensure(ctx, BuiltinPermissions); err != nil {
		t.Fatal(err)
	}
	if err := f.store.Permissions(ctx).SetForRole(ctx, role.ID, []string{PermOrderManage, PermOrderRead}); err != nil {
		t.Fatal(err)
	}
	if err := f.store.Roles(ctx).Assign(ctx, Assignment{UserID: f.user.ID, RoleID: role.ID}); err != nil {
		t.Fatal(err)
	}

	_, access, _ := f.login(t)
	claims, err := f.tokens.VerifyAccessToken(ctx, access)
	if err != nil {
		t.Fatal(err)
	}
	if len(claims.Roles) != 1 || claims.Roles[0].Name != "fulfilment" {
		t.Errorf("roles = %+v, want single fulfilment role", claims.Roles)
	}
	want := []string{PermOrderManage, PermOrderRead}
	if len(claims.Permissions) != len(want) {
		t.Fatalf("permissions = %v, want %v", claims.Permissions, want)
	}
	for i, key := range want {
		if claims.Permissions[i] != key {
			t.Errorf("permissions[%d] = %q, want %q (sorted)", i, claims.Permissions[i], key)
		}
	}
}

// errClaims simulates a roles/permissions backend outage.
type errClaims struct{}

func (errClaims) UserRoles(ctx context.Context, userID string) ([]Role, error) {
	return nil, fmt.Errorf("rbac store down")
}

func (errClaims) UserPermissions(ctx context.Context, userID string) ([]string, error) {
	return nil, fmt.Errorf("rbac store down")
}

func TestMintFailsClosedWhenClaimsUnavailable(t *testing.T) {
	ctx := context.Background()
	clock := newFakeClock()
	store := NewMemStore()
	user := &User{Email: "merchant@example.com", PasswordHash: "x", Status: UserStatusActive}
	if err := store.Users(ctx).Create(ctx, user); err != nil {
		t.Fatal(err)
	}
	tokens, err := NewTokenService(store.Users(ctx), store.Sessions(ctx), errClaims{},
		NewMemoryBlacklist(0), WithSigningSecrets(testAccessSecret, testRefreshSecret), WithClock(clock.Now))
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(tokens.Shutdown)

	session := &Session{UserID: user.ID, RefreshSecretHash: "h", ExpiresAt: clock.Now().Add(time.Hour)}
	if err := store.Sessions(ctx).Create(ctx, session); err != nil {
		t.Fatal(err)
	}
	if _, _, err := tokens.GenerateAccessToken(ctx, user, session); !errors.Is(err, ErrUnavailable) {
		t.Errorf("mint with broken claims = %v, want ErrUnavailable", err)
	}
}

func TestNewTokenServiceValidatesConfig(t *testing.T) {
	ctx := context.Background()
	store := NewMemStore()
	claims := NewStoreClaims(store.Roles(ctx), store.Permissions(ctx))
	bl := NewMemoryBlacklist(0)

	cases := []struct {
		name string
		opts []TokenOption
	}{
		{"no secrets", nil},
		{"short access secret", []TokenOption{WithSigningSecrets(strings.Repeat("a", 31), testRefreshSecret)}},
		{"short refresh secret", []TokenOption{WithSigningSecrets(testAccessSecret, strings.Repeat("b", 16))}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if _, err := NewTokenService(store.Users(ctx), store.Sessions(ctx), claims, bl, tc.opts...); err == nil {
				t.Error("expected construction error")
			}
		})
	}

	if _, err := NewTokenService(nil, store.Sessions(ctx), claims, bl,
		WithSigningSecrets(testAccessSecret, testRefreshSecret)); err == nil {
		t.Error("expected error for nil user store")
	}
}

func TestVerifyRejectsTokenSignedWithOtherKey(t *testing.T) {
	f := newAuthFixture(t)
	ctx := context.Background()

	other := newAuthFixture(t, WithSigningSecrets(
		strings.Repeat("x", 32), strings.Repeat("y", 32)))
	_, foreignAccess, _ := other.login(t)

	if _, err := f.tokens.VerifyAccessToken(ctx, foreignAccess); !errors.Is(err, ErrUnauthorized) {
		t.Errorf("foreign-key token = %v, want ErrUnauthorized", err)
	}
}
