package storage

import (
	"fmt"
	"path"
	"regexp"
	"sort"
	"strings"
)

var pathComponentPattern = regexp.MustCompile(`^[a-zA-Z0-9][a-zA-Z0-9._-]{0,127}$`)

var tableNamePattern = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_]{0,127}$`)

// TableFiles lists the parquet objects that make up one table of a dataset.
type TableFiles struct {
	Table string
	Files []ObjectInfo
}

// DatasetPrefix returns the key prefix under which a dataset's tables live.
func DatasetPrefix(dataset string) (string, error) {
	if err := validatePathComponent(dataset, "dataset"); err != nil {
		return "", err
	}
	return dataset + "/", nil
}

// GroupTableFiles arranges objects laid out as <dataset>/<table>/.../*.parquet
// into tables ordered by name. Objects outside that layout are skipped.
func GroupTableFiles(dataset string, objects []ObjectInfo) []TableFiles {
	prefix := dataset + "/"
	byTable := map[string][]ObjectInfo{}
	for _, obj := range objects {
		rest, ok := strings.CutPrefix(obj.Key, prefix)
		if !ok || !strings.EqualFold(path.Ext(rest), ".parquet") {
			continue
		}
		table, _, found := strings.Cut(rest, "/")
		if !found || !tableNamePattern.MatchString(table) {
			continue
		}
		byTable[table] = append(byTable[table], obj)
	}

	out := make([]TableFiles, 0, len(byTable))
	for table, files := range byTable {
		sort.Slice(files, func(i, j int) bool { return files[i].Key < files[j].Key })
		out = append(out, TableFiles{Table: table, Files: files})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Table < out[j].Table })
	return out
}

func validatePathComponent(value, field string) error {
	if !pathComponentPattern.MatchString(value) {
		return fmt.Errorf("invalid %s: %q", field, value)
	}
	return nil
}
