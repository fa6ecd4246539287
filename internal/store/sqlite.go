package store

import (
	"context"
	"database/sql"

	"github.com/google/uuid"
	"github.com/mattn/go-sqlite3"
	"github.com/pkg/errors"
)

type SQLiteContainer struct {
	db *sql.DB
}

var _ Container = (*SQLiteContainer)(nil)

func NewSQLiteContainer(dataSourceName string) (*SQLiteContainer, error) {
	db, err := sql.Open("sqlite3", dataSourceName)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to open database")
	}
	// One connection keeps ":memory:" databases shared and serializes writers.
	db.SetMaxOpenConns(1)
	if err = db.Ping(); err != nil {
		_ = db.Close()
		return nil, errors.Wrapf(err, "failed to ping database")
	}

	c := &SQLiteContainer{db: db}
	if err = c.initSchema(); err != nil {
		_ = db.Close()
		return nil, errors.Wrapf(err, "failed to initialize schema")
	}
	return c, nil
}

func (c *SQLiteContainer) Close() error {
	return c.db.Close()
}

func (c *SQLiteContainer) initSchema() error {
	schema := `
    CREATE TABLE IF NOT EXISTS documents (
        partition_key TEXT NOT NULL,
        id TEXT NOT NULL,
        doc_type TEXT NOT NULL,
        sort_key TEXT NOT NULL DEFAULT '',
        etag TEXT NOT NULL,
        body TEXT NOT NULL,
        PRIMARY KEY (partition_key, id)
    );

    CREATE INDEX IF NOT EXISTS idx_documents_partition_type_sort
        ON documents (partition_key, doc_type, sort_key);
    `
	_, err := c.db.Exec(schema)
	return err
}

func (c *SQLiteContainer) Ping(ctx context.Context) error {
	return errors.WithStack(c.db.PingContext(ctx))
}

func (c *SQLiteContainer) Create(ctx context.Context, doc *Document) error {
	etag := uuid.NewString()
	_, err := c.db.ExecContext(ctx,
		"INSERT INTO documents (partition_key, id, doc_type, sort_key, etag, body) VALUES (?, ?, ?, ?, ?, ?)",
		doc.PartitionKey, doc.ID, doc.Type, doc.SortKey, etag, string(doc.Body),
	)
	if err != nil {
		var sqliteErr sqlite3.Error
		if errors.As(err, &sqliteErr) && sqliteErr.Code == sqlite3.ErrConstraint {
			return errors.Wrapf(ErrAlreadyExists, "document %s/%s", doc.PartitionKey, doc.ID)
		}
		return errors.Wrapf(err, "failed to insert document")
	}
	doc.ETag = etag
	return nil
}

func (c *SQLiteContainer) Read(ctx context.Context, partitionKey, id string) (*Document, error) {
	row := c.db.QueryRowContext(ctx,
		"SELECT partition_key, id, doc_type, sort_key, etag, body FROM documents WHERE partition_key = ? AND id = ?",
		partitionKey, id,
	)
	doc, err := scanDocument(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, errors.Wrapf(ErrNotFound, "document %s/%s", partitionKey, id)
		}
		return nil, errors.Wrapf(err, "failed to read document")
	}
	return doc, nil
}

func (c *SQLiteContainer) Replace(ctx context.Context, doc *Document, ifMatch string) error {
	etag := uuid.NewString()
	res, err := c.db.ExecContext(ctx,
		"UPDATE documents SET doc_type = ?, sort_key = ?, etag = ?, body = ? WHERE partition_key = ? AND id = ? AND etag = ?",
		doc.Type, doc.SortKey, etag, string(doc.Body), doc.PartitionKey, doc.ID, ifMatch,
	)
	if err != nil {
		return errors.Wrapf(err, "failed to replace document")
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return errors.Wrapf(err, "failed to read affected rows")
	}
	if affected == 0 {
		var exists int
		err := c.db.QueryRowContext(ctx,
			"SELECT 1 FROM documents WHERE partition_key = ? AND id = ?", doc.PartitionKey, doc.ID,
		).Scan(&exists)
		if errors.Is(err, sql.ErrNoRows) {
			return errors.Wrapf(ErrNotFound, "document %s/%s", doc.PartitionKey, doc.ID)
		} else if err != nil {
			return errors.Wrapf(err, "failed to check document")
		}
		return errors.Wrapf(ErrPreconditionFailed, "document %s/%s", doc.PartitionKey, doc.ID)
	}
	doc.ETag = etag
	return nil
}

func (c *SQLiteContainer) Query(ctx context.Context, q Query) ([]*Document, error) {
	query := `
        SELECT partition_key, id, doc_type, sort_key, etag, body
        FROM documents
        WHERE partition_key = ? AND doc_type = ? AND sort_key > ?
        ORDER BY sort_key ASC, id ASC
    `
	args := []any{q.PartitionKey, q.Type, q.After}
	if q.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, q.Limit)
	}

	rows, err := c.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to query documents")
	}
	defer rows.Close()

	var docs []*Document
	for rows.Next() {
		doc, err := scanDocument(rows)
		if err != nil {
			return nil, errors.Wrapf(err, "failed to scan document row")
		}
		docs = append(docs, doc)
	}
	return docs, errors.WithStack(rows.Err())
}

func (c *SQLiteContainer) DeletePartition(ctx context.Context, partitionKey string) (int, error) {
	tx, err := c.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, errors.Wrapf(err, "failed to begin transaction")
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx, "DELETE FROM documents WHERE partition_key = ?", partitionKey)
	if err != nil {
		return 0, errors.Wrapf(err, "failed to delete partition")
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return 0, errors.Wrapf(err, "failed to read affected rows")
	}
	if err := tx.Commit(); err != nil {
		return 0, errors.Wrapf(err, "failed to commit partition delete")
	}
	return int(affected), nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanDocument(row rowScanner) (*Document, error) {
	var (
		doc  Document
		body string
	)
	if err := row.Scan(&doc.PartitionKey, &doc.ID, &doc.Type, &doc.SortKey, &doc.ETag, &body); err != nil {
		return nil, err
	}
	doc.Body = []byte(body)
	return &doc, nil
}
