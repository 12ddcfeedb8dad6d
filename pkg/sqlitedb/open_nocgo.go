//go:build !cgo

package sqlitedb

import (
	"context"
	"database/sql"
	"errors"

	sqlite "modernc.org/sqlite"
)

func init() {
	sql.Register(driverName, &sqlite.Driver{})
}

// Open opens (and creates if needed) a SQLite database.
//
// Remote libsql URLs require a cgo-enabled build.
func Open(ctx context.Context, cfg Config) (*sql.DB, error) {
	dsn, err := cfg.dsn()
	if err != nil {
		return nil, err
	}
	if isRemote(dsn) {
		return nil, errors.New("libsql URL requires cgo-enabled build")
	}
	return open(ctx, cfg, dsn)
}
