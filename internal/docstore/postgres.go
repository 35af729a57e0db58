package docstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
)

func Open(ctx context.Context, databaseURL string) (*sql.DB, error) {
	db, err := sql.Open("pgx", databaseURL)
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}
	db.SetConnMaxIdleTime(5 * time.Minute)
	db.SetConnMaxLifetime(30 * time.Minute)
	db.SetMaxIdleConns(10)
	db.SetMaxOpenConns(20)

	if err := db.PingContext(ctx); err != nil {
		return nil, fmt.Errorf("ping db: %w", err)
	}
	return db, nil
}

// PostgresStore keeps documents as JSONB rows in the documents table.
type PostgresStore struct {
	db *sql.DB
}

func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func (s *PostgresStore) Get(ctx context.Context, collection, id string) (json.RawMessage, error) {
	var body []byte
	err := s.db.QueryRowContext(ctx, `SELECT body FROM documents WHERE collection=$1 AND id=$2`, collection, id).Scan(&body)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get %s/%s: %w", collection, id, err)
	}
	return body, nil
}

func (s *PostgresStore) Set(ctx context.Context, collection, id string, doc any) error {
	if err := setDocument(ctx, s.db, collection, id, doc); err != nil {
		return fmt.Errorf("set %s/%s: %w", collection, id, err)
	}
	return nil
}

func setDocument(ctx context.Context, ex execer, collection, id string, doc any) error {
	data, err := json.Marshal(doc)
	if err != nil {
		return err
	}
	_, err = ex.ExecContext(ctx, `
		INSERT INTO documents (collection, id, body, updated_at)
		VALUES ($1, $2, $3::jsonb, NOW())
		ON CONFLICT (collection, id) DO UPDATE SET body = EXCLUDED.body, updated_at = NOW()
	`, collection, id, string(data))
	return err
}

func (s *PostgresStore) Update(ctx context.Context, collection, id string, fields map[string]any, conds ...Precondition) error {
	updated, err := updateDocument(ctx, s.db, collection, id, fields, conds)
	if err != nil {
		return fmt.Errorf("update %s/%s: %w", collection, id, err)
	}
	if updated {
		return nil
	}
	exists, err := documentExists(ctx, s.db, collection, id)
	if err != nil {
		return fmt.Errorf("update %s/%s: %w", collection, id, err)
	}
	if !exists {
		return fmt.Errorf("update %s/%s: %w", collection, id, ErrNotFound)
	}
	return fmt.Errorf("update %s/%s: %w", collection, id, ErrConflict)
}

func updateDocument(ctx context.Context, ex execer, collection, id string, fields map[string]any, conds []Precondition) (bool, error) {
	patch, err := json.Marshal(fields)
	if err != nil {
		return false, err
	}
	var query strings.Builder
	query.WriteString(`UPDATE documents SET body = body || $3::jsonb, updated_at = NOW() WHERE collection = $1 AND id = $2`)
	args := []any{collection, id, string(patch)}
	for _, cond := range conds {
		want, err := json.Marshal(cond.Value)
		if err != nil {
			return false, err
		}
		args = append(args, cond.Field, string(want))
		fmt.Fprintf(&query, ` AND COALESCE(body -> $%d::text, 'null'::jsonb) = $%d::jsonb`, len(args)-1, len(args))
	}
	res, err := ex.ExecContext(ctx, query.String(), args...)
	if err != nil {
		return false, err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return affected > 0, nil
}

func documentExists(ctx context.Context, ex execer, collection, id string) (bool, error) {
	var exists bool
	err := ex.QueryRowContext(ctx, `SELECT EXISTS(SELECT 1 FROM documents WHERE collection=$1 AND id=$2)`, collection, id).Scan(&exists)
	return exists, err
}

func (s *PostgresStore) Delete(ctx context.Context, collection, id string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM documents WHERE collection=$1 AND id=$2`, collection, id); err != nil {
		return fmt.Errorf("delete %s/%s: %w", collection, id, err)
	}
	return nil
}

func (s *PostgresStore) List(ctx context.Context, collection string) ([]json.RawMessage, error) {
	return s.queryBodies(ctx, `SELECT body FROM documents WHERE collection=$1 ORDER BY id`, collection)
}

func (s *PostgresStore) Query(ctx context.Context, collection, field, value string) ([]json.RawMessage, error) {
	return s.queryBodies(ctx, `SELECT body FROM documents WHERE collection=$1 AND body ->> $2::text = $3 ORDER BY id`, collection, field, value)
}

func (s *PostgresStore) queryBodies(ctx context.Context, query string, args ...any) ([]json.RawMessage, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query documents: %w", err)
	}
	defer rows.Close()

	docs := make([]json.RawMessage, 0)
	for rows.Next() {
		var body []byte
		if err := rows.Scan(&body); err != nil {
			return nil, fmt.Errorf("scan document: %w", err)
		}
		docs = append(docs, body)
	}
	return docs, rows.Err()
}

func (s *PostgresStore) Batch(ctx context.Context, ops []Op) error {
	if len(ops) == 0 {
		return nil
	}
	if len(ops) > MaxBatchOps {
		return fmt.Errorf("%w: %d > %d", ErrBatchTooLarge, len(ops), MaxBatchOps)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin batch: %w", err)
	}
	for _, op := range ops {
		if err := applyOp(ctx, tx, op); err != nil {
			_ = tx.Rollback()
			return fmt.Errorf("batch of %d ops: %w", len(ops), err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit batch: %w", err)
	}
	return nil
}

func applyOp(ctx context.Context, tx *sql.Tx, op Op) error {
	switch op.Kind {
	case OpSet:
		return setDocument(ctx, tx, op.Collection, op.ID, op.Doc)
	case OpUpdate:
		updated, err := updateDocument(ctx, tx, op.Collection, op.ID, op.Fields, nil)
		if err != nil {
			return err
		}
		if !updated && !op.SkipMissing {
			return fmt.Errorf("%w: %s/%s", ErrNotFound, op.Collection, op.ID)
		}
		return nil
	case OpDelete:
		_, err := tx.ExecContext(ctx, `DELETE FROM documents WHERE collection=$1 AND id=$2`, op.Collection, op.ID)
		return err
	default:
		return fmt.Errorf("unknown op kind %d", op.Kind)
	}
}

func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func (s *PostgresStore) Close() error {
	return s.db.Close()
}
