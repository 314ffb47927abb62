package access

import (
	"context"
	"database/sql"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/platinummonkey/clinaudit/pkg/audit"
	"github.com/platinummonkey/clinaudit/pkg/principal"
	"github.com/platinummonkey/clinaudit/pkg/storage"
)

// Admin is the grant administration surface. Every mutation is
// insert-or-update; nothing is deleted. Each one writes an EDIT activity
// and a change event on study_grants in the same transaction as the grant
// row.
type Admin struct {
	db        *sql.DB
	store     *Store
	evaluator *Evaluator
	writer    audit.Appender
	logger    *logrus.Logger
	now       func() time.Time
}

// NewAdmin creates the grant administration surface.
func NewAdmin(db *sql.DB, store *Store, evaluator *Evaluator, writer audit.Appender, logger *logrus.Logger) *Admin {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return &Admin{
		db:        db,
		store:     store,
		evaluator: evaluator,
		writer:    writer,
		logger:    logger,
		now:       evaluator.now,
	}
}

// Store returns the grant store, for read helpers.
func (a *Admin) Store() *Store {
	return a.store
}

// authorize allows administrators and active PIs of the study.
func (a *Admin) authorize(ctx context.Context, actor principal.Principal, studyID string) error {
	if err := actor.Validate(); err != nil {
		return fmt.Errorf("%w: %v", audit.ErrPermissionDenied, err)
	}
	if a.evaluator.IsAdmin(actor) {
		return nil
	}
	d, err := a.evaluator.Decide(ctx, actor, studyID)
	if err != nil {
		return err
	}
	if !d.Allowed || d.Role != principal.RolePI {
		return fmt.Errorf("%w: %s is not an administrator or PI of study %s", audit.ErrPermissionDenied, actor.Actor, studyID)
	}
	return nil
}

func (a *Admin) validate(req GrantRequest) error {
	switch {
	case req.User == "":
		return fmt.Errorf("%w: user is required", ErrInvalidGrant)
	case req.StudyID == "":
		return fmt.Errorf("%w: study_id is required", ErrInvalidGrant)
	case !req.Role.IsStudyRole():
		return fmt.Errorf("%w: role %q is not a study role", ErrInvalidGrant, req.Role)
	case req.ExpiresAt != nil && day(*req.ExpiresAt).Before(day(a.now())):
		return fmt.Errorf("%w: expiry %s is in the past", ErrInvalidGrant, req.ExpiresAt.Format("2006-01-02"))
	}
	return nil
}

// Grant creates the grant or re-activates an existing one with the
// requested role and expiry.
func (a *Admin) Grant(ctx context.Context, actor principal.Principal, req GrantRequest) (*Grant, error) {
	req.Role = principal.Normalize(string(req.Role))
	if err := a.validate(req); err != nil {
		return nil, err
	}
	if err := a.authorize(ctx, actor, req.StudyID); err != nil {
		return nil, err
	}
	return a.grant(ctx, actor, req, fmt.Sprintf("granted %s on %s to %s", req.Role, req.StudyID, req.User))
}

// GrantCreator gives the creator of a new study the PI role on it.
func (a *Admin) GrantCreator(ctx context.Context, creator principal.Principal, studyID string) (*Grant, error) {
	if err := creator.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %v", audit.ErrPermissionDenied, err)
	}
	req := GrantRequest{User: creator.Actor, StudyID: studyID, Role: principal.RolePI}
	if err := a.validate(req); err != nil {
		return nil, err
	}
	return a.grant(ctx, creator, req, fmt.Sprintf("study %s created; %s granted PI", studyID, creator.Actor))
}

func (a *Admin) grant(ctx context.Context, actor principal.Principal, req GrantRequest, description string) (*Grant, error) {
	now := a.now().UTC()
	g := Grant{
		User:      req.User,
		StudyID:   req.StudyID,
		Role:      req.Role,
		GrantedBy: actor.Actor,
		GrantedAt: now,
		ExpiresAt: req.ExpiresAt,
		Active:    true,
	}

	err := storage.WithTx(ctx, a.db, func(tx *sql.Tx) error {
		prev, err := a.store.GetForUpdateTx(ctx, tx, req.User, req.StudyID)
		if err != nil {
			return err
		}
		if err := a.store.UpsertTx(ctx, tx, g, now); err != nil {
			return err
		}
		entries := grantChanges(prev, &g, actor.Actor, now)
		entries = append(entries, audit.ActivityRecord{
			Actor:        actor.Actor,
			ActivityType: audit.ActivityEdit,
			StudyID:      req.StudyID,
			EntityRef:    GrantsTable + "/" + grantID(req.User, req.StudyID),
			Description:  description,
			SessionID:    actor.SessionID,
		})
		_, err = a.writer.AppendTx(ctx, tx, entries...)
		return err
	})
	if err != nil {
		return nil, err
	}

	a.logger.WithFields(logrus.Fields{
		"actor":    actor.Actor,
		"user":     g.User,
		"study_id": g.StudyID,
		"role":     g.Role,
	}).Info("Study grant issued")
	return &g, nil
}

// Revoke deactivates the grant. Revoking an inactive grant is a no-op.
func (a *Admin) Revoke(ctx context.Context, actor principal.Principal, user, studyID string) error {
	if err := a.authorize(ctx, actor, studyID); err != nil {
		return err
	}
	now := a.now().UTC()

	revoked := false
	err := storage.WithTx(ctx, a.db, func(tx *sql.Tx) error {
		prev, err := a.store.GetForUpdateTx(ctx, tx, user, studyID)
		if err != nil {
			return err
		}
		if prev == nil {
			return fmt.Errorf("grant for %s on %s: %w", user, studyID, audit.ErrNotFound)
		}
		if !prev.Active {
			return nil
		}
		if err := a.store.DeactivateTx(ctx, tx, user, studyID, now); err != nil {
			return err
		}
		next := *prev
		next.Active = false
		entries := grantChanges(prev, &next, actor.Actor, now)
		entries = append(entries, audit.ActivityRecord{
			Actor:        actor.Actor,
			ActivityType: audit.ActivityEdit,
			StudyID:      studyID,
			EntityRef:    GrantsTable + "/" + grantID(user, studyID),
			Description:  fmt.Sprintf("revoked %s on %s from %s", prev.Role, studyID, user),
			SessionID:    actor.SessionID,
		})
		if _, err := a.writer.AppendTx(ctx, tx, entries...); err != nil {
			return err
		}
		revoked = true
		return nil
	})
	if err != nil {
		return err
	}

	if revoked {
		a.logger.WithFields(logrus.Fields{
			"actor":    actor.Actor,
			"user":     user,
			"study_id": studyID,
		}).Info("Study grant revoked")
	}
	return nil
}

func grantID(user, studyID string) string {
	return user + "/" + studyID
}

func grantFields(g *Grant) map[string]string {
	if g == nil {
		return map[string]string{}
	}
	fields := map[string]string{
		"role":   string(g.Role),
		"active": strconv.FormatBool(g.Active),
	}
	if g.ExpiresAt != nil {
		fields["expires_at"] = g.ExpiresAt.UTC().Format("2006-01-02")
	}
	return fields
}

// grantChanges diffs two grant states into change events.
func grantChanges(prev, next *Grant, actor string, now time.Time) []audit.Entry {
	before, after := grantFields(prev), grantFields(next)
	op := audit.OpUpdate
	if prev == nil {
		op = audit.OpCreate
	}
	source := "grant:" + uuid.New().String()

	var entries []audit.Entry
	for _, field := range []string{"role", "active", "expires_at"} {
		oldV, hadOld := before[field]
		newV, hasNew := after[field]
		if hadOld == hasNew && oldV == newV {
			continue
		}
		ev := audit.ChangeEvent{
			EntityTable:    GrantsTable,
			EntityID:       grantID(next.User, next.StudyID),
			Operation:      op,
			FieldName:      field,
			Actor:          actor,
			OccurredAt:     now,
			Reason:         "grant administration",
			SourceChangeID: source,
		}
		if hadOld {
			ev.OldValue = audit.StringPtr(oldV)
		}
		if hasNew {
			ev.NewValue = audit.StringPtr(newV)
		}
		entries = append(entries, ev)
	}
	return entries
}
