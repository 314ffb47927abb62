package access

import (
	"errors"
	"time"

	"github.com/platinummonkey/clinaudit/pkg/principal"
)

// GrantsTable is the entity table name used for change events emitted by
// the admin surface.
const GrantsTable = "study_grants"

// ErrInvalidGrant is returned for malformed grant requests.
var ErrInvalidGrant = errors.New("invalid grant")

// Grant gives a user a study role. (User, StudyID) is the primary key; a
// revoked grant is kept with Active=false.
type Grant struct {
	User      string         `json:"user"`
	StudyID   string         `json:"study_id"`
	Role      principal.Role `json:"role"`
	GrantedBy string         `json:"granted_by"`
	GrantedAt time.Time      `json:"granted_at"`
	ExpiresAt *time.Time     `json:"expires_at,omitempty"`
	Active    bool           `json:"active"`
}

// ActiveOn reports whether the grant is in force on the calendar day of
// now. An expiry on that same day still counts.
func (g Grant) ActiveOn(now time.Time) bool {
	if !g.Active {
		return false
	}
	if g.ExpiresAt == nil {
		return true
	}
	return !day(*g.ExpiresAt).Before(day(now))
}

func day(t time.Time) time.Time {
	y, m, d := t.UTC().Date()
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}

// GrantRequest creates or re-activates a grant.
type GrantRequest struct {
	User      string         `json:"user"`
	StudyID   string         `json:"study_id"`
	Role      principal.Role `json:"role"`
	ExpiresAt *time.Time     `json:"expires_at,omitempty"`
}

// Decision is the outcome of an access check. Role is the role masking
// should apply: the platform role for administrators, otherwise the role
// on the grant.
type Decision struct {
	Allowed bool           `json:"allowed"`
	Role    principal.Role `json:"role,omitempty"`
}
