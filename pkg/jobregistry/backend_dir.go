package jobregistry

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// DirBackend persists one JSON record per job directory.
//
// Directory layout:
//
//	<root>/<job_id>/job.json
//	<root>/<job_id>/stdout.log
//	<root>/<job_id>/stderr.log
//
// Root is expected to be under the app data dir.
type DirBackend struct {
	root string
}

func NewDirBackend(root string) *DirBackend {
	return &DirBackend{root: strings.TrimSpace(root)}
}

func (b *DirBackend) RootDir() string {
	return b.root
}

func (b *DirBackend) JobDir(jobID string) string {
	return filepath.Join(b.root, jobID)
}

func (b *DirBackend) JobPath(jobID string) string {
	return filepath.Join(b.JobDir(jobID), "job.json")
}

func (b *DirBackend) ensureRoot() error {
	if b.root == "" {
		return fmt.Errorf("job registry root dir is empty")
	}
	return os.MkdirAll(b.root, 0755)
}

// Save writes the record to a temp file in the job dir and renames it over
// job.json, so readers never see a partial record.
func (b *DirBackend) Save(_ context.Context, job *Job) error {
	if job == nil {
		return fmt.Errorf("job record is nil")
	}
	if err := b.ensureRoot(); err != nil {
		return err
	}

	jobDir := b.JobDir(job.ID)
	if err := os.MkdirAll(jobDir, 0755); err != nil {
		return fmt.Errorf("create job dir: %w", err)
	}

	data, err := encodeJob(job)
	if err != nil {
		return err
	}

	tmp, err := os.CreateTemp(jobDir, "job.json.tmp.*")
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	tmpName := tmp.Name()
	defer func() { _ = os.Remove(tmpName) }()

	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("write temp job file: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("sync temp job file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close temp job file: %w", err)
	}

	if err := os.Rename(tmpName, b.JobPath(job.ID)); err != nil {
		return fmt.Errorf("rename job file: %w", err)
	}
	return nil
}

func (b *DirBackend) Load(_ context.Context, id string) (*Job, error) {
	data, err := os.ReadFile(b.JobPath(id))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("read job record: %w", err)
	}
	return decodeJob(data)
}

// Delete removes the job directory, including its logs.
func (b *DirBackend) Delete(_ context.Context, id string) error {
	if _, err := os.Stat(b.JobPath(id)); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return ErrNotFound
		}
		return fmt.Errorf("stat job record: %w", err)
	}
	if err := os.RemoveAll(b.JobDir(id)); err != nil {
		return fmt.Errorf("remove job dir: %w", err)
	}
	return nil
}

// List scans the root. Directories without a job.json (for example a log
// dir left behind by another backend) are skipped.
func (b *DirBackend) List(ctx context.Context, status Status) ([]*Job, error) {
	entries, err := os.ReadDir(b.root)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, fmt.Errorf("read jobs root: %w", err)
	}

	out := make([]*Job, 0, len(entries))
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		job, err := b.Load(ctx, entry.Name())
		if err != nil {
			if errors.Is(err, ErrNotFound) {
				continue
			}
			return nil, fmt.Errorf("load %s: %w", entry.Name(), err)
		}
		if matchesStatus(job, status) {
			out = append(out, job)
		}
	}
	return out, nil
}

func (b *DirBackend) MaxSeq(ctx context.Context) (int64, error) {
	jobs, err := b.List(ctx, "")
	if err != nil {
		return 0, err
	}
	return maxSeq(jobs), nil
}

func (b *DirBackend) Close() error {
	return nil
}
