package auth

import (
	"context"
	"time"
)

// Store describes persistence operations required by the auth subsystem.
type Store interface {
	Users(ctx context.Context) UserStore
	Sessions(ctx context.Context) SessionStore
	Roles(ctx context.Context) RoleStore
	Permissions(ctx context.Context) PermissionStore
}

// UserStore manages user accounts.
type UserStore interface {
	Create(ctx context.Context, u *User) error
	Find(ctx context.Context, id string) (*User, error)
	FindByEmail(ctx context.Context, email string) (*User, error)
}

// SessionStore manages session rows. ReplaceSecretHash is a single-row
// compare-and-swap: it succeeds only while the stored hash still equals
// expectedHash and the session has not been revoked, and returns ErrNotFound
// otherwise. That conditional write is what makes refresh rotation
// single-use under concurrent requests.
type SessionStore interface {
	Create(ctx context.Context, s *Session) error
	Find(ctx context.Context, id string) (*Session, error)
	ReplaceSecretHash(ctx context.Context, id, expectedHash, newHash string) error
	Revoke(ctx context.Context, id string, at time.Time) error
	DeleteExpired(ctx context.Context, before time.Time) (int64, error)
}

// RoleStore manages roles and user assignments.
type RoleStore interface {
	Create(ctx context.Context, role *Role) error
	Assign(ctx context.Context, assignment Assignment) error
	RolesForUser(ctx context.Context, userID string) ([]Role, error)
}

// PermissionStore manages the permission catalog.
type PermissionStore interface {
	Ensure(ctx context.Context, perms []Permission) error
	SetForRole(ctx context.Context, roleID string, keys []string) error
	PermissionsForUser(ctx context.Context, userID string) ([]Permission, error)
}
