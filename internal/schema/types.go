package schema

import (
	"sort"
	"strings"
	"time"
)

type Column struct {
	Name     string `json:"name"`
	Type     string `json:"type"`
	Nullable bool   `json:"nullable"`
}

type Table struct {
	Name    string   `json:"name"`
	Columns []Column `json:"columns"`
}

// Relation is a foreign-key style edge FromTable.FromColumn -> ToTable.ToColumn.
type Relation struct {
	FromTable  string `json:"from_table"`
	FromColumn string `json:"from_column"`
	ToTable    string `json:"to_table"`
	ToColumn   string `json:"to_column"`
}

// Description is what an introspector reports for one connection.
type Description struct {
	Tables    []Table    `json:"tables"`
	Relations []Relation `json:"relations"`
}

// Snapshot is an immutable view of one connection's schema. A refresh
// produces a new Snapshot; existing ones are never modified.
type Snapshot struct {
	ConnectionID string
	FetchedAt    time.Time
	tables       []Table
	byName       map[string]int
	relations    []Relation
}

func NewSnapshot(connectionID string, description Description, fetchedAt time.Time) *Snapshot {
	tables := make([]Table, 0, len(description.Tables))
	for _, table := range description.Tables {
		name := strings.TrimSpace(table.Name)
		if name == "" {
			continue
		}
		columns := make([]Column, len(table.Columns))
		copy(columns, table.Columns)
		tables = append(tables, Table{Name: name, Columns: columns})
	}
	sort.SliceStable(tables, func(i, j int) bool { return tables[i].Name < tables[j].Name })

	byName := make(map[string]int, len(tables))
	for i, table := range tables {
		byName[strings.ToLower(table.Name)] = i
	}

	relations := make([]Relation, len(description.Relations))
	copy(relations, description.Relations)
	sort.SliceStable(relations, func(i, j int) bool {
		a, b := relations[i], relations[j]
		if a.FromTable != b.FromTable {
			return a.FromTable < b.FromTable
		}
		return a.FromColumn < b.FromColumn
	})

	return &Snapshot{
		ConnectionID: connectionID,
		FetchedAt:    fetchedAt.UTC(),
		tables:       tables,
		byName:       byName,
		relations:    relations,
	}
}

// Tables returns a copy of the tables sorted by name.
func (s *Snapshot) Tables() []Table {
	if s == nil {
		return nil
	}
	out := make([]Table, len(s.tables))
	for i, table := range s.tables {
		columns := make([]Column, len(table.Columns))
		copy(columns, table.Columns)
		out[i] = Table{Name: table.Name, Columns: columns}
	}
	return out
}

// Table looks a table up by name, ignoring case.
func (s *Snapshot) Table(name string) (Table, bool) {
	if s == nil {
		return Table{}, false
	}
	idx, ok := s.byName[strings.ToLower(strings.TrimSpace(name))]
	if !ok {
		return Table{}, false
	}
	table := s.tables[idx]
	columns := make([]Column, len(table.Columns))
	copy(columns, table.Columns)
	return Table{Name: table.Name, Columns: columns}, true
}

func (s *Snapshot) Relations() []Relation {
	if s == nil {
		return nil
	}
	out := make([]Relation, len(s.relations))
	copy(out, s.relations)
	return out
}

func (s *Snapshot) TableCount() int {
	if s == nil {
		return 0
	}
	return len(s.tables)
}

func (s *Snapshot) Age(now time.Time) time.Duration {
	if s == nil {
		return 0
	}
	return now.Sub(s.FetchedAt)
}
