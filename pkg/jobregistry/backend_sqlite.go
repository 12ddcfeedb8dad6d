package jobregistry

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/3leaps/gostep/pkg/sqlitedb"
)

const sqliteSchemaVersion = 1

// SQLiteConfig locates the sqlite backend database.
type SQLiteConfig struct {
	Path      string
	URL       string
	AuthToken string
}

// SQLiteBackend stores job records as JSON in a single table. The status
// and seq columns mirror the record so listing by status stays indexed.
type SQLiteBackend struct {
	db *sql.DB
}

func OpenSQLiteBackend(ctx context.Context, cfg SQLiteConfig) (*SQLiteBackend, error) {
	db, err := sqlitedb.Open(ctx, sqlitedb.Config{Path: cfg.Path, URL: cfg.URL, AuthToken: cfg.AuthToken})
	if err != nil {
		return nil, err
	}

	b := &SQLiteBackend{db: db}
	if err := b.ensureSchema(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return b, nil
}

func (b *SQLiteBackend) Close() error {
	if b == nil || b.db == nil {
		return nil
	}
	return b.db.Close()
}

func (b *SQLiteBackend) ensureSchema(ctx context.Context) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS jobs_meta (
			id INTEGER PRIMARY KEY CHECK (id = 1),
			schema_version INTEGER NOT NULL,
			created_at TEXT NOT NULL
		);`,
		`INSERT OR IGNORE INTO jobs_meta (id, schema_version, created_at) VALUES (1, ?, ?);`,
		`CREATE TABLE IF NOT EXISTS jobs (
			id TEXT PRIMARY KEY,
			status TEXT NOT NULL,
			seq INTEGER NOT NULL,
			record TEXT NOT NULL,
			updated_at TEXT NOT NULL
		);`,
		`CREATE INDEX IF NOT EXISTS idx_jobs_status_seq ON jobs(status, seq);`,
	}

	for i, stmt := range stmts {
		var err error
		if i == 1 {
			_, err = b.db.ExecContext(ctx, stmt, sqliteSchemaVersion, time.Now().UTC().Format(time.RFC3339Nano))
		} else {
			_, err = b.db.ExecContext(ctx, stmt)
		}
		if err != nil {
			return fmt.Errorf("ensure jobs schema: %w", err)
		}
	}
	return nil
}

func (b *SQLiteBackend) Save(ctx context.Context, job *Job) error {
	if job == nil {
		return fmt.Errorf("job record is nil")
	}
	data, err := encodeJob(job)
	if err != nil {
		return err
	}

	_, err = b.db.ExecContext(ctx, `
		INSERT INTO jobs (id, status, seq, record, updated_at) VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			status = excluded.status,
			seq = excluded.seq,
			record = excluded.record,
			updated_at = excluded.updated_at
	`, job.ID, string(job.Status), job.Seq, string(data), job.UpdatedAt.UTC().Format(time.RFC3339Nano))
	if err != nil {
		return fmt.Errorf("upsert job: %w", err)
	}
	return nil
}

func (b *SQLiteBackend) Load(ctx context.Context, id string) (*Job, error) {
	var record string
	err := b.db.QueryRowContext(ctx, `SELECT record FROM jobs WHERE id = ?`, id).Scan(&record)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("query job: %w", err)
	}
	return decodeJob([]byte(record))
}

func (b *SQLiteBackend) Delete(ctx context.Context, id string) error {
	res, err := b.db.ExecContext(ctx, `DELETE FROM jobs WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("delete job: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("delete job: %w", err)
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

func (b *SQLiteBackend) List(ctx context.Context, status Status) ([]*Job, error) {
	var (
		rows *sql.Rows
		err  error
	)
	if status == "" {
		rows, err = b.db.QueryContext(ctx, `SELECT record FROM jobs ORDER BY seq, id`)
	} else {
		rows, err = b.db.QueryContext(ctx, `SELECT record FROM jobs WHERE status = ? ORDER BY seq, id`, string(status))
	}
	if err != nil {
		return nil, fmt.Errorf("list jobs: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []*Job
	for rows.Next() {
		var record string
		if err := rows.Scan(&record); err != nil {
			return nil, fmt.Errorf("scan job: %w", err)
		}
		job, err := decodeJob([]byte(record))
		if err != nil {
			return nil, err
		}
		out = append(out, job)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list jobs: %w", err)
	}
	return out, nil
}

func (b *SQLiteBackend) MaxSeq(ctx context.Context) (int64, error) {
	var n int64
	if err := b.db.QueryRowContext(ctx, `SELECT COALESCE(MAX(seq), 0) FROM jobs`).Scan(&n); err != nil {
		return 0, fmt.Errorf("query max seq: %w", err)
	}
	return n, nil
}
