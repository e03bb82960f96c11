package duckdb

import (
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/parquet-go/parquet-go"

	"github.com/chatsql/chatsql/internal/schema"
)

func readParquetColumns(localPath string) ([]schema.Column, error) {
	file, err := os.Open(localPath)
	if err != nil {
		return nil, err
	}
	defer func() { _ = file.Close() }()

	stat, err := file.Stat()
	if err != nil {
		return nil, err
	}
	pf, err := parquet.OpenFile(file, stat.Size())
	if err != nil {
		return nil, fmt.Errorf("open parquet footer: %w", err)
	}

	fields := pf.Schema().Fields()
	columns := make([]schema.Column, 0, len(fields))
	for _, field := range fields {
		columns = append(columns, schema.Column{
			Name:     field.Name(),
			Type:     parquetTypeName(field),
			Nullable: field.Optional(),
		})
	}
	return columns, nil
}

func parquetTypeName(field parquet.Field) string {
	switch {
	case field.Repeated():
		return "list"
	case !field.Leaf():
		return "struct"
	}
	name := strings.ToLower(field.Type().String())
	if idx := strings.IndexByte(name, '('); idx > 0 {
		name = name[:idx]
	}
	return name
}

// inferRelations links <name>_id columns to a table called <name> or
// <name>s that has an id column. Parquet carries no key metadata.
func inferRelations(tables []schema.Table) []schema.Relation {
	withID := map[string]string{}
	for _, table := range tables {
		for _, column := range table.Columns {
			if strings.EqualFold(column.Name, "id") {
				withID[strings.ToLower(table.Name)] = table.Name
			}
		}
	}

	var relations []schema.Relation
	for _, table := range tables {
		for _, column := range table.Columns {
			lowered := strings.ToLower(column.Name)
			stem, ok := strings.CutSuffix(lowered, "_id")
			if !ok || stem == "" {
				continue
			}
			for _, candidate := range []string{stem, stem + "s", stem + "es"} {
				target, found := withID[candidate]
				if !found || strings.EqualFold(target, table.Name) {
					continue
				}
				relations = append(relations, schema.Relation{
					FromTable:  table.Name,
					FromColumn: column.Name,
					ToTable:    target,
					ToColumn:   "id",
				})
				break
			}
		}
	}
	return relations
}

func writeFile(path string, reader io.Reader) error {
	file, err := os.Create(path)
	if err != nil {
		return err
	}
	defer func() { _ = file.Close() }()

	if _, err := io.Copy(file, reader); err != nil {
		return err
	}
	return nil
}
