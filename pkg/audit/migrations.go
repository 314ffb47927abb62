package audit

import (
	"fmt"
	"strings"

	"github.com/platinummonkey/clinaudit/pkg/storage"
)

const recordColumnsDDL = `
	record_id VARCHAR(36) PRIMARY KEY,
	seq BIGINT NOT NULL UNIQUE,
	dedup_key TEXT UNIQUE,
	written_at TIMESTAMP NOT NULL,
	payload TEXT NOT NULL,
	prev_hash VARCHAR(64) NOT NULL,
	hash VARCHAR(64) NOT NULL,`

// Migrations returns the audit schema: the four append-only logs, their
// sequence counters, and triggers that reject UPDATE and DELETE.
func Migrations() []storage.Migration {
	return []storage.Migration{
		{
			Version:     101,
			Description: "Create audit sequence counters",
			SQL: `
CREATE TABLE IF NOT EXISTS audit_sequences (
	log_name VARCHAR(32) PRIMARY KEY,
	last_seq BIGINT NOT NULL DEFAULT 0
);
INSERT INTO audit_sequences (log_name, last_seq) VALUES ('change', 0);
INSERT INTO audit_sequences (log_name, last_seq) VALUES ('activity', 0);
INSERT INTO audit_sequences (log_name, last_seq) VALUES ('export', 0);
INSERT INTO audit_sequences (log_name, last_seq) VALUES ('validation', 0);
`,
		},
		{
			Version:     102,
			Description: "Create change log",
			SQL: `
CREATE TABLE IF NOT EXISTS audit_change_log (` + recordColumnsDDL + `
	entity_table VARCHAR(100) NOT NULL,
	entity_id VARCHAR(255) NOT NULL,
	operation VARCHAR(20) NOT NULL,
	field_name VARCHAR(255) NOT NULL,
	old_value TEXT,
	new_value TEXT,
	actor VARCHAR(255) NOT NULL,
	occurred_at TIMESTAMP NOT NULL,
	reason TEXT,
	source_change_id VARCHAR(255) NOT NULL,
	severity VARCHAR(20) NOT NULL,
	corrects_record_id VARCHAR(36)
);
CREATE INDEX IF NOT EXISTS idx_audit_change_entity ON audit_change_log(entity_table, entity_id, seq);
CREATE INDEX IF NOT EXISTS idx_audit_change_written ON audit_change_log(written_at);
CREATE INDEX IF NOT EXISTS idx_audit_change_actor ON audit_change_log(actor, written_at);
CREATE INDEX IF NOT EXISTS idx_audit_change_operation ON audit_change_log(operation, written_at);
`,
		},
		{
			Version:     103,
			Description: "Create activity log",
			SQL: `
CREATE TABLE IF NOT EXISTS audit_activity_log (` + recordColumnsDDL + `
	actor VARCHAR(255) NOT NULL,
	activity_type VARCHAR(20) NOT NULL,
	study_id VARCHAR(255),
	entity_ref VARCHAR(512),
	description TEXT,
	occurred_at TIMESTAMP NOT NULL,
	session_id VARCHAR(255) NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_audit_activity_written ON audit_activity_log(written_at);
CREATE INDEX IF NOT EXISTS idx_audit_activity_actor ON audit_activity_log(actor, written_at);
CREATE INDEX IF NOT EXISTS idx_audit_activity_study ON audit_activity_log(study_id, written_at);
`,
		},
		{
			Version:     104,
			Description: "Create export log",
			SQL: `
CREATE TABLE IF NOT EXISTS audit_export_log (` + recordColumnsDDL + `
	actor VARCHAR(255) NOT NULL,
	scope VARCHAR(255) NOT NULL,
	study_ids TEXT NOT NULL,
	record_count INTEGER NOT NULL,
	contains_identifying_data BOOLEAN NOT NULL,
	purpose TEXT,
	filename VARCHAR(512) NOT NULL,
	occurred_at TIMESTAMP NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_audit_export_written ON audit_export_log(written_at);
CREATE INDEX IF NOT EXISTS idx_audit_export_actor ON audit_export_log(actor, written_at);
`,
		},
		{
			Version:     105,
			Description: "Create validation log",
			SQL: `
CREATE TABLE IF NOT EXISTS audit_validation_log (` + recordColumnsDDL + `
	entity_table VARCHAR(100) NOT NULL,
	entity_id VARCHAR(255) NOT NULL,
	field_name VARCHAR(255) NOT NULL,
	rule_id VARCHAR(255) NOT NULL,
	severity VARCHAR(20) NOT NULL,
	message TEXT NOT NULL,
	value TEXT,
	actor VARCHAR(255) NOT NULL,
	occurred_at TIMESTAMP NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_audit_validation_written ON audit_validation_log(written_at);
`,
		},
		{
			Version:      110,
			Description:  "Reject mutation of audit logs (PostgreSQL)",
			PostgresOnly: true,
			SQL:          postgresImmutabilitySQL(),
		},
		{
			Version:     111,
			Description: "Reject mutation of audit logs (SQLite)",
			SQLiteOnly:  true,
			SQL:         sqliteImmutabilitySQL(),
		},
	}
}

func postgresImmutabilitySQL() string {
	var b strings.Builder
	b.WriteString(`
CREATE OR REPLACE FUNCTION audit_reject_mutation() RETURNS trigger AS $$
BEGIN
	RAISE EXCEPTION 'audit log % is append-only', TG_TABLE_NAME;
END;
$$ LANGUAGE plpgsql;
`)
	for _, log := range Logs {
		fmt.Fprintf(&b, "CREATE TRIGGER %s_immutable BEFORE UPDATE OR DELETE ON %s FOR EACH ROW EXECUTE FUNCTION audit_reject_mutation();\n",
			log.Table(), log.Table())
	}
	return b.String()
}

func sqliteImmutabilitySQL() string {
	var b strings.Builder
	for _, log := range Logs {
		for _, op := range []string{"UPDATE", "DELETE"} {
			fmt.Fprintf(&b, "CREATE TRIGGER IF NOT EXISTS %s_no_%s BEFORE %s ON %s BEGIN SELECT RAISE(ABORT, 'audit log is append-only'); END;\n",
				log.Table(), strings.ToLower(op), op, log.Table())
		}
	}
	return b.String()
}
