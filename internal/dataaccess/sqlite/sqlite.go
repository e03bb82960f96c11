package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	"github.com/jmoiron/sqlx"
	_ "modernc.org/sqlite"

	"github.com/chatsql/chatsql/internal/dataaccess"
	"github.com/chatsql/chatsql/internal/execution"
	"github.com/chatsql/chatsql/internal/schema"
)

type Config struct {
	DSN          string
	ConnectionID string
	MaxOpenConns int
	ReadOnly     bool
}

// Backend serves one SQLite database as a single connection id.
type Backend struct {
	db           *sqlx.DB
	connectionID string
	readOnly     bool
}

func Open(ctx context.Context, cfg Config) (*Backend, error) {
	if strings.TrimSpace(cfg.DSN) == "" {
		return nil, fmt.Errorf("sqlite dsn is required")
	}
	db, err := sql.Open("sqlite", cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	if cfg.MaxOpenConns > 0 {
		db.SetMaxOpenConns(cfg.MaxOpenConns)
	}
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping sqlite: %w", err)
	}
	return New(db, cfg.ConnectionID, cfg.ReadOnly), nil
}

func New(db *sql.DB, connectionID string, readOnly bool) *Backend {
	return &Backend{db: sqlx.NewDb(db, "sqlite"), connectionID: connectionID, readOnly: readOnly}
}

func (b *Backend) Close() error {
	return b.db.Close()
}

func (b *Backend) Ping(ctx context.Context) error {
	return b.db.PingContext(ctx)
}

type tableInfoRow struct {
	Name    string `db:"name"`
	Type    string `db:"type"`
	NotNull int    `db:"notnull"`
	PK      int    `db:"pk"`
}

type foreignKeyRow struct {
	Table string         `db:"table"`
	From  string         `db:"from"`
	To    sql.NullString `db:"to"`
}

func (b *Backend) DescribeSchema(ctx context.Context, connectionID string) (schema.Description, error) {
	if err := dataaccess.CheckConnection(b.connectionID, connectionID); err != nil {
		return schema.Description{}, err
	}

	var tableNames []string
	if err := b.db.SelectContext(ctx, &tableNames,
		`SELECT name FROM sqlite_master WHERE type IN ('table', 'view') AND name NOT LIKE 'sqlite_%' ORDER BY name`,
	); err != nil {
		return schema.Description{}, fmt.Errorf("list sqlite tables: %w", err)
	}

	description := schema.Description{Tables: make([]schema.Table, 0, len(tableNames))}
	primaryKeys := map[string]string{}
	for _, tableName := range tableNames {
		var infoRows []tableInfoRow
		if err := b.db.SelectContext(ctx, &infoRows,
			`SELECT name, type, "notnull", pk FROM pragma_table_info(?) ORDER BY cid`, tableName,
		); err != nil {
			return schema.Description{}, fmt.Errorf("describe sqlite table %q: %w", tableName, err)
		}
		table := schema.Table{Name: tableName, Columns: make([]schema.Column, 0, len(infoRows))}
		for _, row := range infoRows {
			table.Columns = append(table.Columns, schema.Column{
				Name:     row.Name,
				Type:     row.Type,
				Nullable: row.NotNull == 0 && row.PK == 0,
			})
			if row.PK == 1 {
				primaryKeys[tableName] = row.Name
			}
		}
		description.Tables = append(description.Tables, table)
	}

	for _, tableName := range tableNames {
		var keys []foreignKeyRow
		if err := b.db.SelectContext(ctx, &keys,
			`SELECT "table", "from", "to" FROM pragma_foreign_key_list(?)`, tableName,
		); err != nil {
			return schema.Description{}, fmt.Errorf("list sqlite foreign keys of %q: %w", tableName, err)
		}
		for _, key := range keys {
			target := key.To.String
			if !key.To.Valid || target == "" {
				target = primaryKeys[key.Table]
			}
			description.Relations = append(description.Relations, schema.Relation{
				FromTable:  tableName,
				FromColumn: key.From,
				ToTable:    key.Table,
				ToColumn:   target,
			})
		}
	}
	return description, nil
}

func (b *Backend) RunQuery(ctx context.Context, request execution.Request) (execution.ResultSet, error) {
	if err := dataaccess.CheckConnection(b.connectionID, request.ConnectionID); err != nil {
		return execution.ResultSet{}, &execution.Error{Kind: execution.KindMissingObject, Message: err.Error()}
	}

	conn, err := b.db.Conn(ctx)
	if err != nil {
		return execution.ResultSet{}, fmt.Errorf("%w: acquire sqlite connection: %v", execution.ErrTransport, err)
	}
	defer func() { _ = conn.Close() }()

	if b.readOnly {
		if _, err := conn.ExecContext(ctx, `PRAGMA query_only = ON`); err != nil {
			return execution.ResultSet{}, fmt.Errorf("enable query_only: %w", err)
		}
		defer func() { _, _ = conn.ExecContext(context.WithoutCancel(ctx), `PRAGMA query_only = OFF`) }()
	}

	rows, err := conn.QueryContext(ctx, request.SQL)
	if err != nil {
		return execution.ResultSet{}, classify(err)
	}
	defer func() { _ = rows.Close() }()

	result, err := dataaccess.ReadRows(rows, request.RowLimit)
	if err != nil {
		return execution.ResultSet{}, classify(err)
	}
	return result, nil
}

// classify trims the driver's result-code suffix so the model sees the
// message SQLite itself produced.
func classify(err error) *execution.Error {
	message := err.Error()
	message = strings.TrimPrefix(message, "SQL logic error: ")
	if idx := strings.LastIndex(message, " ("); idx > 0 && strings.HasSuffix(message, ")") {
		message = message[:idx]
	}
	return &execution.Error{Kind: execution.Classify(message), Message: message}
}
