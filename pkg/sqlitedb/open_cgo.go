//go:build cgo

package sqlitedb

import (
	"context"
	"database/sql"

	_ "github.com/tursodatabase/go-libsql"
)

// Open opens (and creates if needed) a local or remote libsql database.
func Open(ctx context.Context, cfg Config) (*sql.DB, error) {
	dsn, err := cfg.dsn()
	if err != nil {
		return nil, err
	}
	return open(ctx, cfg, dsn)
}
