package access

import (
	"context"
	"fmt"
	"time"

	lru "github.com/hashicorp/golang-lru/v2/expirable"

	"github.com/platinummonkey/clinaudit/pkg/principal"
)

// Decider makes access decisions. Evaluator and Scoped implement it.
type Decider interface {
	Decide(ctx context.Context, p principal.Principal, studyID string) (Decision, error)
}

// Evaluator decides whether a principal may see or modify a row of a
// study. It holds no state between calls and is safe for concurrent use.
type Evaluator struct {
	grants GrantLookup
	admins principal.RoleSet
	now    func() time.Time
}

// Option configures an Evaluator.
type Option func(*Evaluator)

// WithClock sets the clock used for grant expiry.
func WithClock(now func() time.Time) Option {
	return func(e *Evaluator) {
		e.now = now
	}
}

// NewEvaluator creates an evaluator. An empty admin set falls back to
// principal.DefaultAdminRoles.
func NewEvaluator(grants GrantLookup, admins principal.RoleSet, opts ...Option) *Evaluator {
	if len(admins) == 0 {
		admins = principal.DefaultAdminRoles()
	}
	e := &Evaluator{grants: grants, admins: admins, now: time.Now}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// AdminRoles returns the configured administrative roles.
func (e *Evaluator) AdminRoles() principal.RoleSet {
	return e.admins
}

// IsAdmin reports whether p holds an administrative role.
func (e *Evaluator) IsAdmin(p principal.Principal) bool {
	return e.admins.Contains(p.Role)
}

// Decide evaluates, in order: administrative role, then an active and
// unexpired grant for (actor, study), then deny. A missing grant is a
// deny, not an error; errors mean the grant store was unreachable.
func (e *Evaluator) Decide(ctx context.Context, p principal.Principal, studyID string) (Decision, error) {
	if p.Validate() != nil {
		return Decision{}, nil
	}
	if e.IsAdmin(p) {
		return Decision{Allowed: true, Role: p.Role}, nil
	}
	if studyID == "" {
		return Decision{}, nil
	}

	g, err := e.grants.Get(ctx, p.Actor, studyID)
	if err != nil {
		return Decision{}, fmt.Errorf("access check for %s on %s: %w", p.Actor, studyID, err)
	}
	if g == nil || !g.ActiveOn(e.now()) {
		return Decision{}, nil
	}
	return Decision{Allowed: true, Role: g.Role}, nil
}

// CanAccess is Decide reduced to its verdict.
func (e *Evaluator) CanAccess(ctx context.Context, p principal.Principal, studyID string) (bool, error) {
	d, err := e.Decide(ctx, p, studyID)
	return d.Allowed, err
}

const (
	scopeSize = 256
	scopeTTL  = 2 * time.Second
)

// Scoped memoizes decisions for the duration of a single operation, such
// as one query that evaluates many rows of the same study. Create it with
// Evaluator.Scope and drop it when the operation ends.
type Scoped struct {
	evaluator *Evaluator
	memo      *lru.LRU[string, Decision]
}

// Scope returns a memoizing decider for one operation.
func (e *Evaluator) Scope() *Scoped {
	return &Scoped{
		evaluator: e,
		memo:      lru.NewLRU[string, Decision](scopeSize, nil, scopeTTL),
	}
}

// Decide implements Decider.
func (s *Scoped) Decide(ctx context.Context, p principal.Principal, studyID string) (Decision, error) {
	key := p.Actor + "\x00" + string(p.Role) + "\x00" + studyID
	if d, ok := s.memo.Get(key); ok {
		return d, nil
	}
	d, err := s.evaluator.Decide(ctx, p, studyID)
	if err != nil {
		return d, err
	}
	s.memo.Add(key, d)
	return d, nil
}

// CanAccess is Decide reduced to its verdict.
func (s *Scoped) CanAccess(ctx context.Context, p principal.Principal, studyID string) (bool, error) {
	d, err := s.Decide(ctx, p, studyID)
	return d.Allowed, err
}

// Visible is a row the principal may see, with the role to mask it under.
type Visible[T any] struct {
	Row  T
	Role principal.Role
}

// FilterRows keeps the rows whose study the principal may access and
// reports how many were withheld. Withheld rows are omitted entirely.
func FilterRows[T any](ctx context.Context, d Decider, p principal.Principal, rows []T, studyOf func(T) string) ([]Visible[T], int, error) {
	visible := make([]Visible[T], 0, len(rows))
	denied := 0
	for _, row := range rows {
		dec, err := d.Decide(ctx, p, studyOf(row))
		if err != nil {
			return nil, 0, err
		}
		if !dec.Allowed {
			denied++
			continue
		}
		visible = append(visible, Visible[T]{Row: row, Role: dec.Role})
	}
	return visible, denied, nil
}
