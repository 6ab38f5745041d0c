package auth

import (
	"context"
	"strings"
	"sync"
	"time"

	"merchantry.io/internal/ids"
)

var _ Store = (*MemStore)(nil)

// MemStore implements Store with in-process concurrency safety. It backs
// tests and DSN-less development runs and mirrors the PostgreSQL store's
// semantics, including the conditional secret-hash swap.
type MemStore struct {
	mu          sync.RWMutex
	users       map[string]*User
	usersByMail map[string]string
	sessions    map[string]*Session
	roles       map[string]*Role
	perms       map[string]*Permission // by key
	assignments map[string][]string    // userID -> roleIDs
	rolePerms   map[string][]string    // roleID -> permission keys
}

// NewMemStore creates an empty store.
func NewMemStore() *MemStore {
	return &MemStore{
		users:       make(map[string]*User),
		usersByMail: make(map[string]string),
		sessions:    make(map[string]*Session),
		roles:       make(map[string]*Role),
		perms:       make(map[string]*Permission),
		assignments: make(map[string][]string),
		rolePerms:   make(map[string][]string),
	}
}

func (m *MemStore) Users(ctx context.Context) UserStore             { return (*memUserStore)(m) }
func (m *MemStore) Sessions(ctx context.Context) SessionStore       { return (*memSessionStore)(m) }
func (m *MemStore) Roles(ctx context.Context) RoleStore             { return (*memRoleStore)(m) }
func (m *MemStore) Permissions(ctx context.Context) PermissionStore { return (*memPermissionStore)(m) }

// User store ---------------------------------------------------------------

type memUserStore MemStore

func (m *memUserStore) Create(ctx context.Context, u *User) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if u.ID == "" {
		u.ID = ids.New()
	}
	email := strings.ToLower(strings.TrimSpace(u.Email))
	if _, ok := m.usersByMail[email]; ok {
		return ErrAlreadyExists
	}
	now := time.Now().UTC()
	u.Email = email
	u.CreatedAt = now
	u.UpdatedAt = now
	cp := *u
	m.users[u.ID] = &cp
	m.usersByMail[email] = u.ID
	return nil
}

func (m *memUserStore) Find(ctx context.Context, id string) (*User, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	u, ok := m.users[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *u
	return &cp, nil
}

func (m *memUserStore) FindByEmail(ctx context.Context, email string) (*User, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	id, ok := m.usersByMail[strings.ToLower(strings.TrimSpace(email))]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *m.users[id]
	return &cp, nil
}

// Session store ------------------------------------------------------------

type memSessionStore MemStore

func (m *memSessionStore) Create(ctx context.Context, s *Session) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if s.ID == "" {
		s.ID = ids.New()
	}
	if _, ok := m.sessions[s.ID]; ok {
		return ErrAlreadyExists
	}
	now := time.Now().UTC()
	s.CreatedAt = now
	s.UpdatedAt = now
	cp := *s
	m.sessions[s.ID] = &cp
	return nil
}

func (m *memSessionStore) Find(ctx context.Context, id string) (*Session, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.sessions[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *s
	return &cp, nil
}

func (m *memSessionStore) ReplaceSecretHash(ctx context.Context, id, expectedHash, newHash string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[id]
	if !ok || s.RevokedAt != nil || s.RefreshSecretHash != expectedHash {
		return ErrNotFound
	}
	s.RefreshSecretHash = newHash
	s.UpdatedAt = time.Now().UTC()
	return nil
}

func (m *memSessionStore) Revoke(ctx context.Context, id string, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[id]
	if !ok {
		return ErrNotFound
	}
	if s.RevokedAt != nil {
		return nil
	}
	at = at.UTC()
	s.RevokedAt = &at
	s.UpdatedAt = at
	return nil
}

func (m *memSessionStore) DeleteExpired(ctx context.Context, before time.Time) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var n int64
	for id, s := range m.sessions {
		if s.ExpiresAt.Before(before) {
			delete(m.sessions, id)
			n++
		}
	}
	return n, nil
}

// Role store ---------------------------------------------------------------

type memRoleStore MemStore

func (m *memRoleStore) Create(ctx context.Context, role *Role) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if role.ID == "" {
		role.ID = ids.New()
	}
	now := time.Now().UTC()
	role.CreatedAt = now
	role.UpdatedAt = now
	cp := *role
	m.roles[role.ID] = &cp
	return nil
}

func (m *memRoleStore) Assign(ctx context.Context, assignment Assignment) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.roles[assignment.RoleID]; !ok {
		return ErrNotFound
	}
	for _, roleID := range m.assignments[assignment.UserID] {
		if roleID == assignment.RoleID {
			return nil
		}
	}
	m.assignments[assignment.UserID] = append(m.assignments[assignment.UserID], assignment.RoleID)
	return nil
}

func (m *memRoleStore) RolesForUser(ctx context.Context, userID string) ([]Role, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var roles []Role
	for _, roleID := range m.assignments[userID] {
		if role, ok := m.roles[roleID]; ok {
			roles = append(roles, *role)
		}
	}
	return roles, nil
}

// Permission store ---------------------------------------------------------

type memPermissionStore MemStore

func (m *memPermissionStore) Ensure(ctx context.Context, perms []Permission) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, p := range perms {
		if _, ok := m.perms[p.Key]; ok {
			continue
		}
		if p.ID == "" {
			p.ID = ids.New()
		}
		p.CreatedAt = time.Now().UTC()
		cp := p
		m.perms[p.Key] = &cp
	}
	return nil
}

func (m *memPermissionStore) SetForRole(ctx context.Context, roleID string, keys []string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.roles[roleID]; !ok {
		return ErrNotFound
	}
	out := make([]string, 0, len(keys))
	for _, key := range keys {
		if _, ok := m.perms[key]; ok {
			out = append(out, key)
		}
	}
	m.rolePerms[roleID] = out
	return nil
}

func (m *memPermissionStore) PermissionsForUser(ctx context.Context, userID string) ([]Permission, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	seen := make(map[string]struct{})
	var perms []Permission
	for _, roleID := range m.assignments[userID] {
		for _, key := range m.rolePerms[roleID] {
			if _, ok := seen[key]; ok {
				continue
			}
			seen[key] = struct{}{}
			if p, ok := m.perms[key]; ok {
				perms = append(perms, *p)
			}
		}
	}
	return perms, nil
}
