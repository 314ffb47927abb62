package validation

import (
	"fmt"
	"regexp"

	"github.com/platinummonkey/clinaudit/pkg/entity"
)

// Kind is the kind of check a rule performs.
type Kind string

const (
	KindRequired   Kind = "required"
	KindPattern    Kind = "pattern"
	KindRange      Kind = "range"
	KindMaxLength  Kind = "max_length"
	KindForeignKey Kind = "foreign_key"
)

// Blocking reports whether a violation of this kind stops the save.
func (k Kind) Blocking() bool {
	return k == KindRequired || k == KindForeignKey
}

// Rule is a declared field rule. Rules are loaded from the policy file.
type Rule struct {
	ID         string   `yaml:"id" json:"id"`
	Table      string   `yaml:"table" json:"table"`
	Field      string   `yaml:"field" json:"field"`
	Kind       Kind     `yaml:"kind" json:"kind"`
	Pattern    string   `yaml:"pattern,omitempty" json:"pattern,omitempty"`
	Min        *float64 `yaml:"min,omitempty" json:"min,omitempty"`
	Max        *float64 `yaml:"max,omitempty" json:"max,omitempty"`
	MaxLength  int      `yaml:"max_length,omitempty" json:"max_length,omitempty"`
	References string   `yaml:"references,omitempty" json:"references,omitempty"`
	Message    string   `yaml:"message,omitempty" json:"message,omitempty"`
}

type compiledRule struct {
	Rule
	re *regexp.Regexp
}

func compile(r Rule, catalog *entity.Catalog) (compiledRule, error) {
	c := compiledRule{Rule: r}
	if r.ID == "" {
		return c, fmt.Errorf("rule on %s.%s has no id", r.Table, r.Field)
	}
	if catalog != nil {
		t, ok := catalog.Table(r.Table)
		if !ok {
			return c, fmt.Errorf("rule %s: unknown table %s", r.ID, r.Table)
		}
		if !t.HasColumn(r.Field) {
			return c, fmt.Errorf("rule %s: table %s has no column %s", r.ID, r.Table, r.Field)
		}
	}

	switch r.Kind {
	case KindRequired:
	case KindPattern:
		re, err := regexp.Compile(r.Pattern)
		if err != nil {
			return c, fmt.Errorf("rule %s: invalid pattern: %w", r.ID, err)
		}
		c.re = re
	case KindRange:
		if r.Min == nil && r.Max == nil {
			return c, fmt.Errorf("rule %s: range needs min or max", r.ID)
		}
	case KindMaxLength:
		if r.MaxLength <= 0 {
			return c, fmt.Errorf("rule %s: max_length must be positive", r.ID)
		}
	case KindForeignKey:
		if r.References == "" {
			return c, fmt.Errorf("rule %s: foreign_key needs references", r.ID)
		}
		if catalog != nil {
			if _, ok := catalog.Table(r.References); !ok {
				return c, fmt.Errorf("rule %s: unknown referenced table %s", r.ID, r.References)
			}
		}
	default:
		return c, fmt.Errorf("rule %s: unknown kind %q", r.ID, r.Kind)
	}
	return c, nil
}

func float(v float64) *float64 {
	return &v
}

// DefaultRules returns the rules enforced by the data-entry forms of the
// research application.
func DefaultRules() []Rule {
	return []Rule{
		{ID: "studies.name.required", Table: entity.TableStudies, Field: "study_name", Kind: KindRequired},
		{ID: "studies.type.required", Table: entity.TableStudies, Field: "study_type", Kind: KindRequired},
		{ID: "studies.phase.values", Table: entity.TableStudies, Field: "study_phase", Kind: KindPattern,
			Pattern: `^(Planning|Active|Analysis|Complete)$`},
		{ID: "studies.target_enrollment.min", Table: entity.TableStudies, Field: "target_enrollment", Kind: KindRange, Min: float(1)},

		{ID: "participants.study.required", Table: entity.TableParticipants, Field: "study_id", Kind: KindRequired},
		{ID: "participants.study.fk", Table: entity.TableParticipants, Field: "study_id", Kind: KindForeignKey, References: entity.TableStudies},
		{ID: "participants.number.required", Table: entity.TableParticipants, Field: "participant_number", Kind: KindRequired},

		{ID: "observations.study.required", Table: entity.TableObservations, Field: "study_id", Kind: KindRequired},
		{ID: "observations.study.fk", Table: entity.TableObservations, Field: "study_id", Kind: KindForeignKey, References: entity.TableStudies},
		{ID: "observations.participant.fk", Table: entity.TableObservations, Field: "participant_id", Kind: KindForeignKey, References: entity.TableParticipants},
		{ID: "observations.visit.min", Table: entity.TableObservations, Field: "visit_number", Kind: KindRange, Min: float(0)},

		{ID: "notes.study.required", Table: entity.TableNotes, Field: "study_id", Kind: KindRequired},
		{ID: "notes.study.fk", Table: entity.TableNotes, Field: "study_id", Kind: KindForeignKey, References: entity.TableStudies},
		{ID: "notes.text.required", Table: entity.TableNotes, Field: "note_text", Kind: KindRequired},
		{ID: "notes.title.length", Table: entity.TableNotes, Field: "note_title", Kind: KindMaxLength, MaxLength: 200},
		{ID: "notes.priority.values", Table: entity.TableNotes, Field: "note_priority", Kind: KindPattern,
			Pattern: `^(Normal|High|Urgent)$`},

		{ID: "findings.study.required", Table: entity.TableFindings, Field: "study_id", Kind: KindRequired},
		{ID: "findings.study.fk", Table: entity.TableFindings, Field: "study_id", Kind: KindForeignKey, References: entity.TableStudies},
		{ID: "findings.severity.values", Table: entity.TableFindings, Field: "severity", Kind: KindPattern,
			Pattern: `^(Mild|Moderate|Severe)$`},
		{ID: "findings.relationship.values", Table: entity.TableFindings, Field: "relationship_to_intervention", Kind: KindPattern,
			Pattern: `^(Not Related|Unlikely|Possible|Probable|Definite)$`},
		{ID: "findings.outcome.values", Table: entity.TableFindings, Field: "outcome", Kind: KindPattern,
			Pattern: `^(Ongoing|Resolved|Resolving|Fatal|Unknown)$`},
	}
}
