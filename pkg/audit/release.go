package audit

import (
	"context"
	"fmt"

	"github.com/platinummonkey/clinaudit/pkg/principal"
)

// ReleaseExport records an egress and only then releases the artifact. If
// the ExportRecord cannot be written, release is never called. A failure
// inside release leaves the record in place: the attempt to export is
// itself a fact worth keeping.
func ReleaseExport(ctx context.Context, a Appender, p principal.Principal, rec ExportRecord, release func() error) (Record, error) {
	if err := p.Validate(); err != nil {
		return Record{}, fmt.Errorf("%w: %v", ErrPermissionDenied, err)
	}
	rec.Actor = p.Actor

	activity := ActivityRecord{
		Actor:        p.Actor,
		ActivityType: ActivityExport,
		Description:  fmt.Sprintf("%s (%d records) to %s", rec.Scope, rec.RecordCount, rec.Filename),
		SessionID:    p.SessionID,
	}
	if len(rec.StudyIDs) == 1 {
		activity.StudyID = rec.StudyIDs[0]
	}

	res, err := a.Append(ctx, rec, activity)
	if err != nil {
		return Record{}, err
	}

	var exportRecord Record
	for _, r := range res.Records {
		if r.Log == LogExport {
			exportRecord = r
		}
	}

	if err := release(); err != nil {
		return exportRecord, fmt.Errorf("export %s recorded but release failed: %w", exportRecord.RecordID, err)
	}
	return exportRecord, nil
}

// RecordActivity appends a single activity record for p.
func RecordActivity(ctx context.Context, a Appender, p principal.Principal, kind ActivityType, studyID, entityRef, description string) error {
	_, err := a.Append(ctx, ActivityRecord{
		Actor:        p.Actor,
		ActivityType: kind,
		StudyID:      studyID,
		EntityRef:    entityRef,
		Description:  description,
		SessionID:    p.SessionID,
	})
	return err
}
