package schema

import "strings"

// Render produces the compact structural description handed to the model:
// one line per table, then the relation edges.
//
//	customers(id integer, name text null)
//	orders(id integer, customer_id integer)
//	relations:
//	orders.customer_id -> customers.id
func Render(snapshot *Snapshot) string {
	if snapshot == nil || snapshot.TableCount() == 0 {
		return "(no tables)"
	}
	var b strings.Builder
	for _, table := range snapshot.tables {
		b.WriteString(table.Name)
		b.WriteByte('(')
		for i, column := range table.Columns {
			if i > 0 {
				b.WriteString(", ")
			}
			b.WriteString(column.Name)
			if column.Type != "" {
				b.WriteByte(' ')
				b.WriteString(strings.ToLower(column.Type))
			}
			if column.Nullable {
				b.WriteString(" null")
			}
		}
		b.WriteString(")\n")
	}
	if len(snapshot.relations) > 0 {
		b.WriteString("relations:\n")
		for _, rel := range snapshot.relations {
			b.WriteString(rel.FromTable + "." + rel.FromColumn + " -> " + rel.ToTable + "." + rel.ToColumn + "\n")
		}
	}
	return strings.TrimRight(b.String(), "\n")
}
