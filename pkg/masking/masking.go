// Package masking redacts field values according to the reader's role.
//
// Masking is an independent axis from row visibility: a caller that may see
// a row can still receive transformed values. Rows the caller may not see
// are removed before masking ever runs.
package masking

import (
	"github.com/platinummonkey/clinaudit/pkg/principal"
)

// FieldClass classifies a column for masking purposes.
type FieldClass string

const (
	// ClassNone passes values through unchanged.
	ClassNone FieldClass = ""
	// ClassIdentifier covers values that could identify a participant.
	ClassIdentifier FieldClass = "identifier"
	// ClassNarrative covers free text such as notes and descriptions.
	ClassNarrative FieldClass = "narrative"
)

const (
	// IdentifierMarker prefixes the visible tail of a masked identifier.
	IdentifierMarker = "***"
	// RedactionMarker follows the visible head of redacted narrative text.
	RedactionMarker = " [REDACTED]"

	identifierTail  = 4
	narrativeCutoff = 50
	narrativeShort  = 20
	narrativeLong   = 50
)

// Masker applies the masking policy. The zero value is not usable; use New.
type Masker struct {
	admins principal.RoleSet
}

// New returns a Masker treating admins as administrative roles.
func New(admins principal.RoleSet) *Masker {
	if len(admins) == 0 {
		admins = principal.DefaultAdminRoles()
	}
	return &Masker{admins: admins}
}

var defaultMasker = New(nil)

// Mask applies the default policy.
func Mask(value string, class FieldClass, role principal.Role) string {
	return defaultMasker.Mask(value, class, role)
}

// Privileged reports whether role sees raw values for class.
func (m *Masker) Privileged(class FieldClass, role principal.Role) bool {
	if m.admins.Contains(role) {
		return true
	}
	switch class {
	case ClassIdentifier, ClassNarrative:
		switch role {
		case principal.RolePI, principal.RoleDataManager, principal.RoleResearcher:
			return true
		}
		return false
	default:
		return true
	}
}

// Mask returns value as role is allowed to see it.
func (m *Masker) Mask(value string, class FieldClass, role principal.Role) string {
	if value == "" || m.Privileged(class, role) {
		return value
	}
	switch class {
	case ClassIdentifier:
		return maskIdentifier(value)
	case ClassNarrative:
		return redactNarrative(value)
	default:
		return value
	}
}

// Row masks every classified field in fields in place and returns it.
func (m *Masker) Row(fields map[string]string, classes map[string]FieldClass, role principal.Role) map[string]string {
	for name, class := range classes {
		if v, ok := fields[name]; ok {
			fields[name] = m.Mask(v, class, role)
		}
	}
	return fields
}

// maskIdentifier keeps the last identifierTail runes. A value no longer
// than the tail would be shown whole, so it is reduced to the marker.
func maskIdentifier(value string) string {
	r := []rune(value)
	if len(r) <= identifierTail {
		return IdentifierMarker
	}
	return IdentifierMarker + string(r[len(r)-identifierTail:])
}

func redactNarrative(value string) string {
	r := []rune(value)
	keep := narrativeLong
	if len(r) < narrativeCutoff {
		keep = narrativeShort
	}
	if len(r) > keep {
		r = r[:keep]
	}
	return string(r) + RedactionMarker
}
