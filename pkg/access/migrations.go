package access

import "github.com/platinummonkey/clinaudit/pkg/storage"

// Migrations returns the study grant schema.
func Migrations() []storage.Migration {
	return []storage.Migration{
		{
			Version:     201,
			Description: "Create study_grants table",
			SQL: `
CREATE TABLE IF NOT EXISTS study_grants (
	user_name VARCHAR(255) NOT NULL,
	study_id VARCHAR(255) NOT NULL,
	role VARCHAR(32) NOT NULL,
	granted_by VARCHAR(255) NOT NULL,
	granted_at TIMESTAMP NOT NULL,
	expires_at TIMESTAMP,
	active BOOLEAN NOT NULL DEFAULT TRUE,
	updated_at TIMESTAMP NOT NULL,
	PRIMARY KEY (user_name, study_id)
);
CREATE INDEX IF NOT EXISTS idx_study_grants_study ON study_grants(study_id, active);
`,
		},
		{
			Version:      210,
			Description:  "Reject deletion of study grants (PostgreSQL)",
			PostgresOnly: true,
			SQL: `
CREATE OR REPLACE FUNCTION study_grants_reject_delete() RETURNS trigger AS $$
BEGIN
	RAISE EXCEPTION 'study grants are deactivated, never deleted';
END;
$$ LANGUAGE plpgsql;
CREATE TRIGGER study_grants_no_delete BEFORE DELETE ON study_grants FOR EACH ROW EXECUTE FUNCTION study_grants_reject_delete();
`,
		},
		{
			Version:     211,
			Description: "Reject deletion of study grants (SQLite)",
			SQLiteOnly:  true,
			SQL: `
CREATE TRIGGER IF NOT EXISTS study_grants_no_delete BEFORE DELETE ON study_grants
BEGIN SELECT RAISE(ABORT, 'study grants are deactivated, never deleted'); END;
`,
		},
	}
}
