package jobregistry

import (
	"context"
	"encoding/json"
	"fmt"
	"path/filepath"
	"strings"
)

// Backend persists job records. Implementations must make Save atomic: a
// concurrent or later Load observes either the previous or the new record.
//
// Load and Delete return ErrNotFound for unknown ids. List with an empty
// status returns every job. Ordering is left to the Store. MaxSeq reports
// the highest persisted creation sequence, 0 when empty; it is read fresh
// on every create because other processes may share the backend.
type Backend interface {
	Load(ctx context.Context, id string) (*Job, error)
	Save(ctx context.Context, job *Job) error
	Delete(ctx context.Context, id string) error
	List(ctx context.Context, status Status) ([]*Job, error)
	MaxSeq(ctx context.Context) (int64, error)
	Close() error
}

// Backend kinds accepted by OpenBackend.
const (
	BackendDir    = "dir"
	BackendSQLite = "sqlite"
	BackendBadger = "badger"
)

// BackendConfig selects and locates a backend.
type BackendConfig struct {
	// Kind is one of BackendDir (default), BackendSQLite, or BackendBadger.
	Kind string
	// Root is the jobs directory. Job log directories live under it for every kind.
	Root string
	// URL and AuthToken point the sqlite backend at a remote libsql database.
	URL       string
	AuthToken string
}

// SQLitePath is where the sqlite backend keeps its database under root.
func SQLitePath(root string) string {
	return filepath.Join(root, "gostep-jobs.db")
}

// BadgerPath is where the badger backend keeps its data under root.
func BadgerPath(root string) string {
	return filepath.Join(root, "badger")
}

// OpenBackend opens the backend described by cfg.
func OpenBackend(ctx context.Context, cfg BackendConfig) (Backend, error) {
	kind := strings.ToLower(strings.TrimSpace(cfg.Kind))
	root := strings.TrimSpace(cfg.Root)
	if root == "" && cfg.URL == "" {
		return nil, fmt.Errorf("jobs root dir is empty")
	}

	switch kind {
	case "", BackendDir:
		return NewDirBackend(root), nil
	case BackendSQLite:
		return OpenSQLiteBackend(ctx, SQLiteConfig{Path: SQLitePath(root), URL: cfg.URL, AuthToken: cfg.AuthToken})
	case BackendBadger:
		return OpenBadgerBackend(BadgerPath(root))
	default:
		return nil, fmt.Errorf("unknown jobs backend %q (expected dir, sqlite, or badger)", cfg.Kind)
	}
}

func encodeJob(job *Job) ([]byte, error) {
	b, err := json.MarshalIndent(job, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("marshal job record: %w", err)
	}
	return append(b, '\n'), nil
}

func decodeJob(b []byte) (*Job, error) {
	if strings.TrimSpace(string(b)) == "" {
		return nil, fmt.Errorf("job record is empty")
	}
	var job Job
	if err := json.Unmarshal(b, &job); err != nil {
		return nil, fmt.Errorf("parse job record: %w", err)
	}
	return &job, nil
}

func maxSeq(jobs []*Job) int64 {
	var n int64
	for _, job := range jobs {
		if job.Seq > n {
			n = job.Seq
		}
	}
	return n
}

func matchesStatus(job *Job, status Status) bool {
	return status == "" || job.Status == status
}
