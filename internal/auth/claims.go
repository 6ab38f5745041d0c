package auth

import (
	"context"
	"fmt"
	"sort"
	"strings"
)

// ClaimsProvider supplies the role and permission values embedded into a
// token at mint time. Implementations must be safe to call on every mint;
// the token service never caches what they return.
type ClaimsProvider interface {
	UserRoles(ctx context.Context, userID string) ([]Role, error)
	UserPermissions(ctx context.Context, userID string) ([]string, error)
}

// StoreClaims resolves claims from the role and permission stores.
type StoreClaims struct {
	roles RoleStore
	perms PermissionStore
}

// NewStoreClaims constructs a store-backed claims provider.
func NewStoreClaims(roles RoleStore, perms PermissionStore) *StoreClaims {
	return &StoreClaims{roles: roles, perms: perms}
}

func (c *StoreClaims) UserRoles(ctx context.Context, userID string) ([]Role, error) {
	roles, err := c.roles.RolesForUser(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("resolve roles: %w", err)
	}
	return roles, nil
}

func (c *StoreClaims) UserPermissions(ctx context.Context, userID string) ([]string, error) {
	perms, err := c.perms.PermissionsForUser(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("resolve permissions: %w", err)
	}
	keys := make([]string, 0, len(perms))
	for _, p := range perms {
		keys = append(keys, p.Key)
	}
	return keys, nil
}

// normalizeRoleClaims validates and deduplicates roles at the provider
// boundary. Roles with an empty id or name are dropped.
func normalizeRoleClaims(roles []Role) []RoleClaim {
	if len(roles) == 0 {
		return nil
	}
	seen := make(map[string]struct{}, len(roles))
	out := make([]RoleClaim, 0, len(roles))
	for _, role := range roles {
		id := strings.TrimSpace(role.ID)
		name := strings.TrimSpace(role.Name)
		if id == "" || name == "" {
			continue
		}
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, RoleClaim{ID: id, Name: name})
	}
	if len(out) == 0 {
		return nil
	}
	return out
}

// normalizePermissions trims, deduplicates and sorts permission keys so the
// embedded claim is deterministic.
func normalizePermissions(perms []string) []string {
	if len(perms) == 0 {
		return nil
	}
	seen := make(map[string]struct{}, len(perms))
	out := make([]string, 0, len(perms))
	for _, p := range perms {
		p = strings.TrimSpace(p)
		if p == "" {
			continue
		}
		if _, ok := seen[p]; ok {
			continue
		}
		seen[p] = struct{}{}
		out = append(out, p)
	}
	if len(out) == 0 {
		return nil
	}
	sort.Strings(out)
	return out
}
