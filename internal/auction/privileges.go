// Package auction tracks privilege grants and runs timed, single-winner
// auctions for scarce privileges.
package auction

import (
	"sync"

	"github.com/google/uuid"

	"github.com/tradeclass/simex/internal/model"
)

// Registry holds the session's privilege grants, scoped to a role or an
// individual user. The operation boundary consults it; engine internals
// never do.
type Registry struct {
	mu    sync.RWMutex
	roles map[string]map[string]bool    // role -> privilege -> active
	users map[uuid.UUID]map[string]bool // user -> privilege -> active
}

// NewRegistry creates an empty grant registry.
func NewRegistry() *Registry {
	return &Registry{
		roles: make(map[string]map[string]bool),
		users: make(map[uuid.UUID]map[string]bool),
	}
}

// GrantRole activates a privilege for every participant with the role.
func (r *Registry) GrantRole(role, privilege string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.roles[role] == nil {
		r.roles[role] = make(map[string]bool)
	}
	r.roles[role][privilege] = true
}

// GrantUser activates a privilege for one user.
func (r *Registry) GrantUser(userID uuid.UUID, privilege string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.users[userID] == nil {
		r.users[userID] = make(map[string]bool)
	}
	r.users[userID][privilege] = true
}

// RevokeRole deactivates a role-scoped grant.
func (r *Registry) RevokeRole(role, privilege string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if g := r.roles[role]; g != nil {
		g[privilege] = false
	}
}

// RevokeUser deactivates a user-scoped grant.
func (r *Registry) RevokeUser(userID uuid.UUID, privilege string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if g := r.users[userID]; g != nil {
		g[privilege] = false
	}
}

// Allowed reports whether a user with the given role holds the privilege
// through either scope.
func (r *Registry) Allowed(userID uuid.UUID, role, privilege string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if g := r.users[userID]; g != nil && g[privilege] {
		return true
	}
	if g := r.roles[role]; g != nil && g[privilege] {
		return true
	}
	return false
}

// UserGrants lists the privileges a user holds directly (not via role).
func (r *Registry) UserGrants(userID uuid.UUID) map[string]bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make(map[string]bool)
	for priv, active := range r.users[userID] {
		if active {
			out[priv] = true
		}
	}
	return out
}

// Grants returns every active grant, for the join snapshot.
func (r *Registry) Grants() []model.PrivilegeGrant {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []model.PrivilegeGrant
	for role, g := range r.roles {
		for priv, active := range g {
			if active {
				out = append(out, model.PrivilegeGrant{Privilege: priv, Role: role, Active: true})
			}
		}
	}
	for user, g := range r.users {
		for priv, active := range g {
			if active {
				out = append(out, model.PrivilegeGrant{Privilege: priv, UserID: user, Active: true})
			}
		}
	}
	return out
}
