package entity

import (
	"fmt"
	"strings"

	"github.com/platinummonkey/clinaudit/pkg/storage"
)

const journalColumnsDDL = `
	table_name VARCHAR(100) NOT NULL,
	entity_id VARCHAR(255) NOT NULL,
	kind VARCHAR(10) NOT NULL,
	actor VARCHAR(255) NOT NULL,
	reason TEXT,
	occurred_at TIMESTAMP NOT NULL,
	row_json TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_entity_changes_table ON entity_changes(table_name, position);
`

// Migrations returns the change journal and the research tables.
func Migrations() []storage.Migration {
	migrations := []storage.Migration{
		{
			Version:      401,
			Description:  "Create entity_changes journal (PostgreSQL)",
			PostgresOnly: true,
			SQL:          "CREATE TABLE IF NOT EXISTS entity_changes (\n\tposition BIGSERIAL PRIMARY KEY," + journalColumnsDDL,
		},
		{
			Version:     402,
			Description: "Create entity_changes journal (SQLite)",
			SQLiteOnly:  true,
			SQL:         "CREATE TABLE IF NOT EXISTS entity_changes (\n\tposition INTEGER PRIMARY KEY AUTOINCREMENT," + journalColumnsDDL,
		},
	}

	for i, t := range DefaultTables() {
		migrations = append(migrations, storage.Migration{
			Version:     410 + i,
			Description: "Create " + t.Name + " table",
			SQL:         tableDDL(t),
		})
	}
	return migrations
}

func tableDDL(t Table) string {
	var b strings.Builder
	fmt.Fprintf(&b, "CREATE TABLE IF NOT EXISTS %s (\n\t%s VARCHAR(255) PRIMARY KEY", t.Name, t.IDColumn)
	for _, c := range t.AllColumns()[1:] {
		fmt.Fprintf(&b, ",\n\t%s TEXT", c)
	}
	b.WriteString(",\n\tversion INTEGER NOT NULL DEFAULT 1,\n\tupdated_at TIMESTAMP NOT NULL\n);\n")
	if t.StudyColumn != t.IDColumn {
		fmt.Fprintf(&b, "CREATE INDEX IF NOT EXISTS idx_%s_study ON %s(%s);\n", t.Name, t.Name, t.StudyColumn)
	}
	return b.String()
}
