// Package principal defines the acting identity that every access decision,
// masking call and audit write receives as an explicit parameter.
package principal

import (
	"context"
	"errors"
	"strings"

	"github.com/platinummonkey/clinaudit/pkg/contextkeys"
)

// Role is either a platform role (ADMIN, SYSADMIN, ...) or a study role
// held through a grant.
type Role string

const (
	RoleAdmin        Role = "ADMIN"
	RoleSysAdmin     Role = "SYSADMIN"
	RoleAccountAdmin Role = "ACCOUNTADMIN"
	RolePI           Role = "PI"
	RoleResearcher   Role = "RESEARCHER"
	RoleDataManager  Role = "DATA_MANAGER"
	RoleViewer       Role = "VIEWER"
)

// StudyRoles are the roles a StudyGrant may carry.
var StudyRoles = []Role{RolePI, RoleResearcher, RoleDataManager, RoleViewer}

// IsStudyRole reports whether r may be stored on a grant.
func (r Role) IsStudyRole() bool {
	for _, sr := range StudyRoles {
		if r == sr {
			return true
		}
	}
	return false
}

// Normalize upper-cases and trims a role name.
func Normalize(s string) Role {
	return Role(strings.ToUpper(strings.TrimSpace(s)))
}

// RoleSet is a set of roles, used for the administrative role list.
type RoleSet map[Role]struct{}

// NewRoleSet builds a set from role names, ignoring blanks.
func NewRoleSet(roles ...string) RoleSet {
	set := make(RoleSet, len(roles))
	for _, r := range roles {
		if n := Normalize(r); n != "" {
			set[n] = struct{}{}
		}
	}
	return set
}

// DefaultAdminRoles returns the roles treated as administrative when none are configured.
func DefaultAdminRoles() RoleSet {
	return NewRoleSet(string(RoleAdmin), string(RoleSysAdmin), string(RoleAccountAdmin))
}

// Contains reports whether r is in the set.
func (s RoleSet) Contains(r Role) bool {
	_, ok := s[r]
	return ok
}

// Principal is the actor performing an operation.
type Principal struct {
	Actor     string `json:"actor"`
	Role      Role   `json:"role"`
	SessionID string `json:"session_id,omitempty"`
}

// ErrAnonymous is returned when a principal has no actor.
var ErrAnonymous = errors.New("principal has no actor")

// Validate checks that the principal identifies someone.
func (p Principal) Validate() error {
	if strings.TrimSpace(p.Actor) == "" {
		return ErrAnonymous
	}
	return nil
}

// System returns the principal used by background jobs such as the reconciler.
func System(name string) Principal {
	return Principal{Actor: "system:" + name, Role: RoleSysAdmin}
}

// WithContext stores p on ctx. Only the HTTP boundary does this; everything
// below it takes the principal as a parameter.
func WithContext(ctx context.Context, p Principal) context.Context {
	return contextkeys.WithPrincipal(ctx, p)
}

// FromContext returns the principal stored by the authentication middleware.
func FromContext(ctx context.Context) (Principal, bool) {
	p, ok := ctx.Value(contextkeys.PrincipalKey).(Principal)
	return p, ok
}
