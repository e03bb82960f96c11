package postgres

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"errors"
	"fmt"
	"net"
	"strings"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jmoiron/sqlx"

	"github.com/chatsql/chatsql/internal/dataaccess"
	"github.com/chatsql/chatsql/internal/execution"
	"github.com/chatsql/chatsql/internal/schema"
)

// Backend introspects and queries one Postgres database.
type Backend struct {
	db           *sqlx.DB
	connectionID string
	readOnly     bool
}

func New(db *sql.DB, connectionID string, readOnly bool) *Backend {
	return &Backend{db: sqlx.NewDb(db, "pgx"), connectionID: connectionID, readOnly: readOnly}
}

func (b *Backend) Ping(ctx context.Context) error {
	return b.db.PingContext(ctx)
}

func (b *Backend) Close() error {
	return b.db.Close()
}

type columnRow struct {
	TableSchema string `db:"table_schema"`
	TableName   string `db:"table_name"`
	ColumnName  string `db:"column_name"`
	DataType    string `db:"data_type"`
	IsNullable  string `db:"is_nullable"`
}

type foreignKeyRow struct {
	TableSchema   string `db:"table_schema"`
	TableName     string `db:"table_name"`
	ColumnName    string `db:"column_name"`
	ForeignSchema string `db:"foreign_table_schema"`
	ForeignTable  string `db:"foreign_table_name"`
	ForeignColumn string `db:"foreign_column_name"`
}

const columnsQuery = `
SELECT c.table_schema, c.table_name, c.column_name, c.data_type, c.is_nullable
FROM information_schema.columns c
WHERE c.table_schema NOT IN ('pg_catalog', 'information_schema')
  AND c.table_schema NOT LIKE 'pg_toast%'
ORDER BY c.table_schema, c.table_name, c.ordinal_position`

const foreignKeysQuery = `
SELECT tc.table_schema, tc.table_name, kcu.column_name,
       ccu.table_schema AS foreign_table_schema,
       ccu.table_name AS foreign_table_name,
       ccu.column_name AS foreign_column_name
FROM information_schema.table_constraints tc
JOIN information_schema.key_column_usage kcu
  ON tc.constraint_name = kcu.constraint_name AND tc.table_schema = kcu.table_schema
JOIN information_schema.constraint_column_usage ccu
  ON ccu.constraint_name = tc.constraint_name AND ccu.constraint_schema = tc.table_schema
WHERE tc.constraint_type = 'FOREIGN KEY'
ORDER BY tc.table_schema, tc.table_name, kcu.ordinal_position`

func (b *Backend) DescribeSchema(ctx context.Context, connectionID string) (schema.Description, error) {
	if err := dataaccess.CheckConnection(b.connectionID, connectionID); err != nil {
		return schema.Description{}, err
	}

	var columns []columnRow
	if err := b.db.SelectContext(ctx, &columns, columnsQuery); err != nil {
		return schema.Description{}, fmt.Errorf("list postgres columns: %w", err)
	}
	var keys []foreignKeyRow
	if err := b.db.SelectContext(ctx, &keys, foreignKeysQuery); err != nil {
		return schema.Description{}, fmt.Errorf("list postgres foreign keys: %w", err)
	}

	description := schema.Description{}
	index := map[string]int{}
	for _, column := range columns {
		name := qualifiedName(column.TableSchema, column.TableName)
		pos, ok := index[name]
		if !ok {
			pos = len(description.Tables)
			index[name] = pos
			description.Tables = append(description.Tables, schema.Table{Name: name})
		}
		description.Tables[pos].Columns = append(description.Tables[pos].Columns, schema.Column{
			Name:     column.ColumnName,
			Type:     column.DataType,
			Nullable: strings.EqualFold(column.IsNullable, "YES"),
		})
	}
	for _, key := range keys {
		description.Relations = append(description.Relations, schema.Relation{
			FromTable:  qualifiedName(key.TableSchema, key.TableName),
			FromColumn: key.ColumnName,
			ToTable:    qualifiedName(key.ForeignSchema, key.ForeignTable),
			ToColumn:   key.ForeignColumn,
		})
	}
	return description, nil
}

func qualifiedName(schemaName, table string) string {
	if schemaName == "" || schemaName == "public" {
		return table
	}
	return schemaName + "." + table
}

// RunQuery runs the statement inside a transaction that is always rolled
// back in read-only mode, with statement_timeout bounding server-side work.
func (b *Backend) RunQuery(ctx context.Context, request execution.Request) (execution.ResultSet, error) {
	if err := dataaccess.CheckConnection(b.connectionID, request.ConnectionID); err != nil {
		return execution.ResultSet{}, &execution.Error{Kind: execution.KindMissingObject, Message: err.Error()}
	}

	tx, err := b.db.BeginTx(ctx, nil)
	if err != nil {
		return execution.ResultSet{}, classify(err)
	}
	defer func() { _ = tx.Rollback() }()

	if b.readOnly {
		if _, err := tx.ExecContext(ctx, `SET TRANSACTION READ ONLY`); err != nil {
			return execution.ResultSet{}, classify(err)
		}
	}
	if request.Timeout > 0 {
		if _, err := tx.ExecContext(ctx, fmt.Sprintf(`SET LOCAL statement_timeout = %d`, request.Timeout.Milliseconds())); err != nil {
			return execution.ResultSet{}, classify(err)
		}
	}

	rows, err := tx.QueryContext(ctx, request.SQL)
	if err != nil {
		return execution.ResultSet{}, classify(err)
	}
	result, err := dataaccess.ReadRows(rows, request.RowLimit)
	_ = rows.Close()
	if err != nil {
		return execution.ResultSet{}, classify(err)
	}

	if !b.readOnly {
		if err := tx.Commit(); err != nil {
			return execution.ResultSet{}, classify(err)
		}
	}
	return result, nil
}

func classify(err error) error {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		message := pgErr.Message
		if pgErr.Hint != "" {
			message += " (hint: " + pgErr.Hint + ")"
		}
		return &execution.Error{Kind: KindForSQLState(pgErr.Code, pgErr.Message), Message: message, Code: pgErr.Code}
	}
	var netErr net.Error
	if errors.Is(err, driver.ErrBadConn) || errors.As(err, &netErr) {
		return fmt.Errorf("%w: %v", execution.ErrTransport, err)
	}
	return err
}

// KindForSQLState maps a SQLSTATE code to an error kind, falling back to the
// message for codes without a fixed meaning.
func KindForSQLState(code, message string) execution.Kind {
	switch code {
	case "57014":
		return execution.KindTimeout
	case "42501", "25006":
		return execution.KindPermission
	case "42P01", "42703", "42883", "42704", "3F000", "3D000":
		return execution.KindMissingObject
	}
	switch {
	case strings.HasPrefix(code, "23"):
		return execution.KindConstraintViolation
	case strings.HasPrefix(code, "42"), strings.HasPrefix(code, "22"):
		return execution.KindSyntax
	}
	return execution.Classify(message)
}
