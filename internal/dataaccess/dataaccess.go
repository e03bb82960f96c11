// Package dataaccess holds helpers shared by the backends that implement
// schema introspection and query execution for one kind of database.
package dataaccess

import (
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/chatsql/chatsql/internal/execution"
)

var ErrUnknownConnection = errors.New("dataaccess: unknown connection")

// CheckConnection rejects ids other than the one a single-database backend
// serves.
func CheckConnection(served, requested string) error {
	if requested == "" || requested == served {
		return nil
	}
	return fmt.Errorf("%w: %q", ErrUnknownConnection, requested)
}

// ReadRows drains rows into a ResultSet, keeping at most limit rows when
// limit is positive.
func ReadRows(rows *sql.Rows, limit int) (execution.ResultSet, error) {
	columns, err := rows.Columns()
	if err != nil {
		return execution.ResultSet{}, fmt.Errorf("query columns: %w", err)
	}

	result := execution.ResultSet{Columns: columns, Rows: make([][]any, 0)}
	for rows.Next() {
		if limit > 0 && len(result.Rows) >= limit {
			result.Truncated = true
			break
		}
		values := make([]any, len(columns))
		scanTargets := make([]any, len(columns))
		for i := range values {
			scanTargets[i] = &values[i]
		}
		if err := rows.Scan(scanTargets...); err != nil {
			return execution.ResultSet{}, fmt.Errorf("scan row: %w", err)
		}
		result.Rows = append(result.Rows, NormalizeValues(values))
	}
	if err := rows.Err(); err != nil {
		return execution.ResultSet{}, err
	}
	return result, nil
}

func NormalizeValues(values []any) []any {
	normalized := make([]any, len(values))
	for i, value := range values {
		switch typed := value.(type) {
		case []byte:
			normalized[i] = string(typed)
		case time.Time:
			normalized[i] = typed.UTC().Format(time.RFC3339Nano)
		default:
			normalized[i] = typed
		}
	}
	return normalized
}

func QuoteIdent(value string) string {
	return `"` + strings.ReplaceAll(value, `"`, `""`) + `"`
}
