package capture

import "github.com/platinummonkey/clinaudit/pkg/storage"

// Migrations returns the capture state schema.
func Migrations() []storage.Migration {
	return []storage.Migration{
		{
			Version:     301,
			Description: "Create capture_cursors table",
			SQL: `
CREATE TABLE IF NOT EXISTS capture_cursors (
	table_name VARCHAR(100) PRIMARY KEY,
	position BIGINT NOT NULL DEFAULT 0,
	last_drained_at TIMESTAMP,
	updated_at TIMESTAMP NOT NULL
);
`,
		},
		{
			Version:     302,
			Description: "Create capture_snapshots table",
			SQL: `
CREATE TABLE IF NOT EXISTS capture_snapshots (
	table_name VARCHAR(100) NOT NULL,
	entity_id VARCHAR(255) NOT NULL,
	fields_json TEXT NOT NULL,
	source_position BIGINT NOT NULL,
	updated_at TIMESTAMP NOT NULL,
	PRIMARY KEY (table_name, entity_id)
);
CREATE INDEX IF NOT EXISTS idx_capture_snapshots_position ON capture_snapshots(table_name, source_position);
`,
		},
	}
}
