package jobregistry

import (
	"context"
	"errors"
	"fmt"

	"github.com/dgraph-io/badger/v4"
)

var badgerJobPrefix = []byte("jobs/")

func badgerKey(id string) []byte {
	return append(append([]byte{}, badgerJobPrefix...), id...)
}

// BadgerBackend stores job records in an embedded badger database under
// keys of the form jobs/<id>.
type BadgerBackend struct {
	db *badger.DB
}

// OpenBadgerBackend opens (and creates if needed) a badger database at dir.
func OpenBadgerBackend(dir string) (*BadgerBackend, error) {
	opts := badger.DefaultOptions(dir).
		WithSyncWrites(true).
		WithLogger(nil)
	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("open badger: %w", err)
	}
	return &BadgerBackend{db: db}, nil
}

// OpenBadgerInMemory opens a badger database that lives only in memory.
func OpenBadgerInMemory() (*BadgerBackend, error) {
	opts := badger.DefaultOptions("").
		WithInMemory(true).
		WithLogger(nil)
	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("open badger: %w", err)
	}
	return &BadgerBackend{db: db}, nil
}

func (b *BadgerBackend) Close() error {
	if b == nil || b.db == nil {
		return nil
	}
	return b.db.Close()
}

func (b *BadgerBackend) Save(_ context.Context, job *Job) error {
	if job == nil {
		return fmt.Errorf("job record is nil")
	}
	data, err := encodeJob(job)
	if err != nil {
		return err
	}
	return b.db.Update(func(txn *badger.Txn) error {
		return txn.Set(badgerKey(job.ID), data)
	})
}

func (b *BadgerBackend) Load(_ context.Context, id string) (*Job, error) {
	var data []byte
	err := b.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(badgerKey(id))
		if err != nil {
			return err
		}
		data, err = item.ValueCopy(nil)
		return err
	})
	if err != nil {
		if errors.Is(err, badger.ErrKeyNotFound) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("get job: %w", err)
	}
	return decodeJob(data)
}

func (b *BadgerBackend) Delete(_ context.Context, id string) error {
	err := b.db.Update(func(txn *badger.Txn) error {
		if _, err := txn.Get(badgerKey(id)); err != nil {
			return err
		}
		return txn.Delete(badgerKey(id))
	})
	if err != nil {
		if errors.Is(err, badger.ErrKeyNotFound) {
			return ErrNotFound
		}
		return fmt.Errorf("delete job: %w", err)
	}
	return nil
}

func (b *BadgerBackend) List(_ context.Context, status Status) ([]*Job, error) {
	var out []*Job
	err := b.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = badgerJobPrefix
		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Rewind(); it.Valid(); it.Next() {
			data, err := it.Item().ValueCopy(nil)
			if err != nil {
				return err
			}
			job, err := decodeJob(data)
			if err != nil {
				return fmt.Errorf("%s: %w", it.Item().Key(), err)
			}
			if matchesStatus(job, status) {
				out = append(out, job)
			}
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("list jobs: %w", err)
	}
	return out, nil
}

func (b *BadgerBackend) MaxSeq(ctx context.Context) (int64, error) {
	jobs, err := b.List(ctx, "")
	if err != nil {
		return 0, err
	}
	return maxSeq(jobs), nil
}
