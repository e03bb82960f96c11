// Package duckdb serves parquet datasets kept in an object store. Each
// connection id names a dataset; each table is a directory of parquet files
// under it, exposed to queries as a DuckDB view.
package duckdb

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	_ "github.com/marcboeker/go-duckdb/v2"

	"github.com/chatsql/chatsql/internal/dataaccess"
	"github.com/chatsql/chatsql/internal/execution"
	"github.com/chatsql/chatsql/internal/schema"
	"github.com/chatsql/chatsql/internal/storage"
)

var ErrEmptyDataset = errors.New("dataset has no parquet tables")

type Config struct {
	Store          storage.ObjectStore
	DefaultDataset string
	WorkDir        string
}

type Backend struct {
	store          storage.ObjectStore
	defaultDataset string
	workDir        string
}

func New(cfg Config) (*Backend, error) {
	if cfg.Store == nil {
		return nil, fmt.Errorf("object store is required")
	}
	return &Backend{store: cfg.Store, defaultDataset: strings.TrimSpace(cfg.DefaultDataset), workDir: cfg.WorkDir}, nil
}

func (b *Backend) dataset(connectionID string) string {
	if strings.TrimSpace(connectionID) == "" {
		return b.defaultDataset
	}
	return strings.TrimSpace(connectionID)
}

func (b *Backend) tables(ctx context.Context, dataset string) ([]storage.TableFiles, error) {
	prefix, err := storage.DatasetPrefix(dataset)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", dataaccess.ErrUnknownConnection, err)
	}
	objects, err := b.store.List(ctx, prefix)
	if err != nil {
		return nil, fmt.Errorf("list dataset %q: %w", dataset, err)
	}
	tables := storage.GroupTableFiles(dataset, objects)
	if len(tables) == 0 {
		return nil, fmt.Errorf("%w: %q", ErrEmptyDataset, dataset)
	}
	return tables, nil
}

func (b *Backend) DescribeSchema(ctx context.Context, connectionID string) (schema.Description, error) {
	dataset := b.dataset(connectionID)
	tables, err := b.tables(ctx, dataset)
	if err != nil {
		return schema.Description{}, err
	}

	workDir, err := os.MkdirTemp(b.workDir, "chatsql-describe-")
	if err != nil {
		return schema.Description{}, fmt.Errorf("create describe temp dir: %w", err)
	}
	defer func() { _ = os.RemoveAll(workDir) }()

	description := schema.Description{Tables: make([]schema.Table, 0, len(tables))}
	for _, table := range tables {
		// Files of one table share a schema; the first footer is enough.
		first := table.Files[0]
		localPath := filepath.Join(workDir, sanitizeFileComponent(table.Table)+".parquet")
		if err := b.download(ctx, first.Key, localPath); err != nil {
			return schema.Description{}, err
		}
		columns, err := readParquetColumns(localPath)
		if err != nil {
			return schema.Description{}, fmt.Errorf("read schema of %q: %w", first.Key, err)
		}
		description.Tables = append(description.Tables, schema.Table{Name: table.Table, Columns: columns})
	}
	description.Relations = inferRelations(description.Tables)
	return description, nil
}

func (b *Backend) RunQuery(ctx context.Context, request execution.Request) (execution.ResultSet, error) {
	dataset := b.dataset(request.ConnectionID)
	tables, err := b.tables(ctx, dataset)
	if err != nil {
		if errors.Is(err, dataaccess.ErrUnknownConnection) || errors.Is(err, ErrEmptyDataset) {
			return execution.ResultSet{}, &execution.Error{Kind: execution.KindMissingObject, Message: err.Error()}
		}
		return execution.ResultSet{}, fmt.Errorf("%w: %v", execution.ErrTransport, err)
	}

	workDir, err := os.MkdirTemp(b.workDir, "chatsql-query-")
	if err != nil {
		return execution.ResultSet{}, fmt.Errorf("create query temp dir: %w", err)
	}
	defer func() { _ = os.RemoveAll(workDir) }()

	localPaths := make(map[string][]string, len(tables))
	for _, table := range tables {
		for index, file := range table.Files {
			localPath := filepath.Join(workDir, fmt.Sprintf("%s_%d.parquet", sanitizeFileComponent(table.Table), index))
			if err := b.download(ctx, file.Key, localPath); err != nil {
				return execution.ResultSet{}, fmt.Errorf("%w: %v", execution.ErrTransport, err)
			}
			localPaths[table.Table] = append(localPaths[table.Table], localPath)
		}
	}

	db, err := sql.Open("duckdb", "")
	if err != nil {
		return execution.ResultSet{}, fmt.Errorf("open duckdb: %w", err)
	}
	defer func() { _ = db.Close() }()

	for _, table := range tables {
		viewSQL := fmt.Sprintf(`CREATE OR REPLACE VIEW %s AS SELECT * FROM read_parquet(%s)`,
			dataaccess.QuoteIdent(table.Table), quoteStringArray(localPaths[table.Table]))
		if _, err := db.ExecContext(ctx, viewSQL); err != nil {
			return execution.ResultSet{}, fmt.Errorf("create view for table %q: %w", table.Table, err)
		}
	}

	sqlText := stripTrailingSemicolons(request.SQL)
	if sqlText == "" {
		return execution.ResultSet{}, &execution.Error{Kind: execution.KindSyntax, Message: "empty statement"}
	}
	if request.RowLimit > 0 {
		// One extra row lets ReadRows report truncation.
		sqlText = fmt.Sprintf("SELECT * FROM (%s) AS q LIMIT %d", sqlText, request.RowLimit+1)
	}

	rows, err := db.QueryContext(ctx, sqlText)
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

func (b *Backend) download(ctx context.Context, key, localPath string) error {
	reader, err := b.store.Get(ctx, key)
	if err != nil {
		return fmt.Errorf("get object %q: %w", key, err)
	}
	if err := writeFile(localPath, reader); err != nil {
		_ = reader.Close()
		return fmt.Errorf("write local parquet file %q: %w", localPath, err)
	}
	if err := reader.Close(); err != nil {
		return fmt.Errorf("close object %q: %w", key, err)
	}
	return nil
}

// classify keeps DuckDB's error-class prefix ("Binder Error: ...") in the
// message; Classify keys on it.
func classify(err error) error {
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return err
	}
	message := strings.TrimSpace(err.Error())
	return &execution.Error{Kind: execution.Classify(message), Message: message}
}

func quoteStringArray(values []string) string {
	quoted := make([]string, 0, len(values))
	for _, value := range values {
		quoted = append(quoted, `'`+strings.ReplaceAll(value, `'`, `''`)+`'`)
	}
	return "[" + strings.Join(quoted, ",") + "]"
}

func sanitizeFileComponent(value string) string {
	value = strings.ReplaceAll(value, "/", "_")
	value = strings.ReplaceAll(value, "..", "_")
	if value == "" {
		return "table"
	}
	return value
}

func stripTrailingSemicolons(sqlText string) string {
	trimmed := strings.TrimSpace(sqlText)
	for strings.HasSuffix(trimmed, ";") {
		trimmed = strings.TrimSpace(strings.TrimSuffix(trimmed, ";"))
	}
	return trimmed
}
