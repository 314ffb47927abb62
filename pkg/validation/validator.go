package validation

import (
	"context"
	"fmt"
	"strconv"
	"sync/atomic"
	"time"
	"unicode/utf8"

	"github.com/sirupsen/logrus"

	"github.com/platinummonkey/clinaudit/pkg/audit"
	"github.com/platinummonkey/clinaudit/pkg/entity"
	"github.com/platinummonkey/clinaudit/pkg/principal"
)

// Lookup resolves foreign keys.
type Lookup interface {
	Exists(ctx context.Context, table, id string) (bool, error)
}

// Recorder appends entries to the audit logs. *audit.DBWriter implements it.
type Recorder interface {
	Append(ctx context.Context, entries ...audit.Entry) (audit.AppendResult, error)
}

// Config configures a Validator.
type Config struct {
	// Catalog checks that rules name real tables and columns. Optional.
	Catalog *entity.Catalog
	// Refs resolves foreign_key rules. Without it those rules are skipped.
	Refs Lookup
	// Writer records every failure in the validation log. Optional.
	Writer Recorder
	Logger *logrus.Logger
	Now    func() time.Time
}

// Validator checks rows against the declared rules. The rule set can be
// swapped at runtime with SetRules.
type Validator struct {
	config Config
	rules  atomic.Pointer[[]compiledRule]
}

// NewValidator creates a validator with the given rules.
func NewValidator(config Config, rules []Rule) (*Validator, error) {
	if config.Logger == nil {
		config.Logger = logrus.StandardLogger()
	}
	if config.Now == nil {
		config.Now = time.Now
	}
	v := &Validator{config: config}
	if err := v.SetRules(rules); err != nil {
		return nil, err
	}
	return v, nil
}

// SetRules replaces the rule set. On error the current rules are kept.
func (v *Validator) SetRules(rules []Rule) error {
	compiled := make([]compiledRule, 0, len(rules))
	seen := make(map[string]bool, len(rules))
	for _, r := range rules {
		if seen[r.ID] {
			return fmt.Errorf("rule %s declared twice", r.ID)
		}
		seen[r.ID] = true
		c, err := compile(r, v.config.Catalog)
		if err != nil {
			return err
		}
		compiled = append(compiled, c)
	}
	v.rules.Store(&compiled)
	return nil
}

// Rules returns the active rules.
func (v *Validator) Rules() []Rule {
	current := v.rules.Load()
	out := make([]Rule, 0, len(*current))
	for _, c := range *current {
		out = append(out, c.Rule)
	}
	return out
}

// ActiveRules returns the number of active rules.
func (v *Validator) ActiveRules() int {
	return len(*v.rules.Load())
}

// Result holds the violations of one row.
type Result struct {
	Errors   []*audit.ValidationFailure
	Warnings []*audit.ValidationFailure
	Valid    bool
}

func (r *Result) add(rule compiledRule, message string) {
	if rule.Message != "" {
		message = rule.Message
	}
	f := &audit.ValidationFailure{
		RuleID:   rule.ID,
		Table:    rule.Table,
		Field:    rule.Field,
		Message:  message,
		Blocking: rule.Kind.Blocking(),
	}
	if f.Blocking {
		r.Errors = append(r.Errors, f)
	} else {
		r.Warnings = append(r.Warnings, f)
	}
}

// Check evaluates the rules for table against row. It has no side effects
// other than foreign key lookups.
func (v *Validator) Check(ctx context.Context, table entity.Table, row entity.Row) (*Result, error) {
	result := &Result{}
	for _, rule := range *v.rules.Load() {
		if rule.Table != table.Name {
			continue
		}
		value := row[rule.Field]

		switch rule.Kind {
		case KindRequired:
			if value == "" {
				result.add(rule, fmt.Sprintf("%s is required", rule.Field))
			}
		case KindPattern:
			if value != "" && !rule.re.MatchString(value) {
				result.add(rule, fmt.Sprintf("%q does not match %s", value, rule.Pattern))
			}
		case KindRange:
			if value == "" {
				continue
			}
			n, err := strconv.ParseFloat(value, 64)
			switch {
			case err != nil:
				result.add(rule, fmt.Sprintf("%q is not a number", value))
			case rule.Min != nil && n < *rule.Min:
				result.add(rule, fmt.Sprintf("%v is below the minimum %v", n, *rule.Min))
			case rule.Max != nil && n > *rule.Max:
				result.add(rule, fmt.Sprintf("%v is above the maximum %v", n, *rule.Max))
			}
		case KindMaxLength:
			if utf8.RuneCountInString(value) > rule.MaxLength {
				result.add(rule, fmt.Sprintf("longer than %d characters", rule.MaxLength))
			}
		case KindForeignKey:
			if value == "" || v.config.Refs == nil {
				continue
			}
			ok, err := v.config.Refs.Exists(ctx, rule.References, value)
			if err != nil {
				return nil, fmt.Errorf("failed to resolve %s.%s: %w", rule.Table, rule.Field, err)
			}
			if !ok {
				result.add(rule, fmt.Sprintf("%s %q does not exist", rule.References, value))
			}
		}
	}
	result.Valid = len(result.Errors) == 0 && len(result.Warnings) == 0
	return result, nil
}

// Validate checks the row and records every violation in the validation
// log. The first blocking violation is returned; warnings never are.
func (v *Validator) Validate(ctx context.Context, p principal.Principal, table entity.Table, id string, row entity.Row) error {
	result, err := v.Check(ctx, table, row)
	if err != nil {
		return err
	}
	if result.Valid {
		return nil
	}

	v.record(ctx, p, id, row, result)

	if len(result.Errors) > 0 {
		return result.Errors[0]
	}
	return nil
}

func (v *Validator) record(ctx context.Context, p principal.Principal, id string, row entity.Row, result *Result) {
	if v.config.Writer == nil {
		return
	}
	now := v.config.Now().UTC()
	entries := make([]audit.Entry, 0, len(result.Errors)+len(result.Warnings))
	for _, group := range [][]*audit.ValidationFailure{result.Errors, result.Warnings} {
		for _, f := range group {
			severity := audit.SeverityWarning
			if f.Blocking {
				severity = audit.SeverityBlocking
			}
			entries = append(entries, audit.ValidationRecord{
				EntityTable: f.Table,
				EntityID:    id,
				FieldName:   f.Field,
				RuleID:      f.RuleID,
				Severity:    severity,
				Message:     f.Message,
				Value:       row[f.Field],
				Actor:       p.Actor,
				OccurredAt:  now,
			})
		}
	}

	if _, err := v.config.Writer.Append(ctx, entries...); err != nil {
		v.config.Logger.WithError(err).WithFields(logrus.Fields{
			"entity_id": id,
			"failures":  len(entries),
		}).Error("Failed to record validation failures")
	}
}
