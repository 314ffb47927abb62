// Package entity describes the watched research tables and provides the
// entity-write collaborator: a store that saves rows and appends their
// images to the entity_changes journal read by the capture pipeline.
package entity

import (
	"fmt"
	"sort"

	"github.com/platinummonkey/clinaudit/pkg/masking"
)

// Row is a row image keyed by column name. Absent and empty values are
// equivalent.
type Row map[string]string

// Clone returns a copy of r.
func (r Row) Clone() Row {
	out := make(Row, len(r))
	for k, v := range r {
		out[k] = v
	}
	return out
}

// Table describes one watched entity table.
type Table struct {
	Name        string   `yaml:"name" json:"name"`
	IDColumn    string   `yaml:"id_column" json:"id_column"`
	StudyColumn string   `yaml:"study_column" json:"study_column"`
	Columns     []string `yaml:"columns" json:"columns"`
	Identifiers []string `yaml:"identifier_fields" json:"identifier_fields,omitempty"`
	Narratives  []string `yaml:"narrative_fields" json:"narrative_fields,omitempty"`
	RLS         bool     `yaml:"rls" json:"rls"`
}

// AllColumns returns the id column followed by the data columns.
func (t Table) AllColumns() []string {
	cols := []string{t.IDColumn}
	for _, c := range t.Columns {
		if c != t.IDColumn {
			cols = append(cols, c)
		}
	}
	return cols
}

// HasColumn reports whether c is the id or a data column.
func (t Table) HasColumn(c string) bool {
	for _, col := range t.AllColumns() {
		if col == c {
			return true
		}
	}
	return false
}

// Class returns the masking class of a column.
func (t Table) Class(column string) masking.FieldClass {
	for _, c := range t.Identifiers {
		if c == column {
			return masking.ClassIdentifier
		}
	}
	for _, c := range t.Narratives {
		if c == column {
			return masking.ClassNarrative
		}
	}
	return masking.ClassNone
}

// Classes returns the classified columns of the table.
func (t Table) Classes() map[string]masking.FieldClass {
	out := make(map[string]masking.FieldClass, len(t.Identifiers)+len(t.Narratives))
	for _, c := range t.Identifiers {
		out[c] = masking.ClassIdentifier
	}
	for _, c := range t.Narratives {
		out[c] = masking.ClassNarrative
	}
	return out
}

// StudyOf returns the owning study of a row. For the studies table that is
// the row's own id.
func (t Table) StudyOf(row Row) string {
	return row[t.StudyColumn]
}

// Validate checks that the table description is usable.
func (t Table) Validate() error {
	switch {
	case t.Name == "":
		return fmt.Errorf("table has no name")
	case t.IDColumn == "":
		return fmt.Errorf("table %s has no id column", t.Name)
	case t.StudyColumn == "":
		return fmt.Errorf("table %s has no study column", t.Name)
	case !t.HasColumn(t.StudyColumn):
		return fmt.Errorf("table %s: study column %s is not a column", t.Name, t.StudyColumn)
	}
	for _, c := range append(append([]string{}, t.Identifiers...), t.Narratives...) {
		if !t.HasColumn(c) {
			return fmt.Errorf("table %s: classified field %s is not a column", t.Name, c)
		}
	}
	return nil
}

// Catalog is the set of watched tables.
type Catalog struct {
	tables map[string]Table
	names  []string
}

// NewCatalog validates and indexes tables.
func NewCatalog(tables ...Table) (*Catalog, error) {
	c := &Catalog{tables: make(map[string]Table, len(tables))}
	for _, t := range tables {
		if err := t.Validate(); err != nil {
			return nil, err
		}
		if _, dup := c.tables[t.Name]; dup {
			return nil, fmt.Errorf("table %s declared twice", t.Name)
		}
		c.tables[t.Name] = t
		c.names = append(c.names, t.Name)
	}
	sort.Strings(c.names)
	return c, nil
}

// Table returns the named table.
func (c *Catalog) Table(name string) (Table, bool) {
	t, ok := c.tables[name]
	return t, ok
}

// Names returns the table names in sorted order.
func (c *Catalog) Names() []string {
	return append([]string(nil), c.names...)
}

// Tables returns the tables in name order.
func (c *Catalog) Tables() []Table {
	out := make([]Table, 0, len(c.names))
	for _, n := range c.names {
		out = append(out, c.tables[n])
	}
	return out
}

// Table names of the research schema.
const (
	TableStudies      = "studies"
	TableParticipants = "participants"
	TableObservations = "observations"
	TableNotes        = "research_notes"
	TableFindings     = "findings"
)

// DefaultTables returns the research schema.
func DefaultTables() []Table {
	return []Table{
		{
			Name:        TableStudies,
			IDColumn:    "study_id",
			StudyColumn: "study_id",
			Columns: []string{"study_name", "study_number", "principal_investigator", "study_phase",
				"study_type", "description", "target_enrollment", "current_enrollment", "study_status"},
			Narratives: []string{"description"},
			RLS:        true,
		},
		{
			Name:        TableParticipants,
			IDColumn:    "participant_id",
			StudyColumn: "study_id",
			Columns: []string{"study_id", "participant_number", "enrollment_date", "consent_date",
				"demographic_group", "inclusion_criteria_met", "exclusion_criteria_met", "participant_status"},
			Identifiers: []string{"participant_number"},
			RLS:         true,
		},
		{
			Name:        TableObservations,
			IDColumn:    "observation_id",
			StudyColumn: "study_id",
			Columns: []string{"study_id", "participant_id", "observation_date", "visit_number",
				"measurement_name", "measurement_value", "measurement_unit", "notes"},
			Narratives: []string{"notes"},
			RLS:        true,
		},
		{
			Name:        TableNotes,
			IDColumn:    "note_id",
			StudyColumn: "study_id",
			Columns:     []string{"study_id", "note_type", "note_title", "note_text", "note_priority", "note_date"},
			Narratives:  []string{"note_text"},
			RLS:         true,
		},
		{
			Name:        TableFindings,
			IDColumn:    "finding_id",
			StudyColumn: "study_id",
			Columns: []string{"study_id", "finding_type", "description", "severity",
				"relationship_to_intervention", "action_taken", "outcome", "sae_reported"},
			Narratives: []string{"description"},
			RLS:        true,
		},
	}
}

// DefaultCatalog returns the catalog of the research schema.
func DefaultCatalog() *Catalog {
	c, err := NewCatalog(DefaultTables()...)
	if err != nil {
		panic(err)
	}
	return c
}
