// Package sqlitedb opens SQLite databases for embedded state.
//
// Builds without cgo use the pure-Go modernc.org/sqlite driver. Builds with
// cgo use go-libsql, which can also reach remote libsql/Turso databases.
package sqlitedb

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"
)

// Both open variants register or import their driver under this name.
const driverName = "libsql"

// MemoryPath opens a private in-memory database.
const MemoryPath = ":memory:"

type Config struct {
	// Path is a local database file. It is converted into a file: DSN and
	// its parent directory is created on open.
	Path string

	// URL is a libsql/Turso URL, e.g. libsql://jobs.turso.io. Takes
	// precedence over Path.
	URL string

	// AuthToken is appended to URL DSNs as authToken=... when not already present.
	AuthToken string

	// BusyTimeout bounds lock waits on local files. Zero means 5s.
	BusyTimeout time.Duration
}

func (c Config) busyTimeout() time.Duration {
	if c.BusyTimeout <= 0 {
		return 5 * time.Second
	}
	return c.BusyTimeout
}

func (c Config) dsn() (string, error) {
	if u := strings.TrimSpace(c.URL); u != "" {
		return withAuthToken(u, c.AuthToken)
	}

	path := strings.TrimSpace(c.Path)
	switch {
	case path == "":
		return "", errors.New("database path or url is required")
	case path == MemoryPath:
		return path, nil
	case strings.HasPrefix(path, "libsql:"):
		return path, nil
	case strings.HasPrefix(path, "file:"):
		local, err := pathFromFileDSN(path)
		if err != nil {
			return "", err
		}
		if err := ensureParentDir(local); err != nil {
			return "", err
		}
		return path, nil
	}

	if err := ensureParentDir(path); err != nil {
		return "", err
	}
	return "file:" + filepath.Clean(path), nil
}

func isRemote(dsn string) bool {
	return strings.HasPrefix(dsn, "libsql://") || strings.HasPrefix(dsn, "https://")
}

func withAuthToken(dsn string, token string) (string, error) {
	if strings.TrimSpace(token) == "" {
		return dsn, nil
	}

	parsed, err := url.Parse(dsn)
	if err != nil {
		return "", fmt.Errorf("invalid database url: %w", err)
	}
	q := parsed.Query()
	if q.Get("authToken") == "" {
		q.Set("authToken", token)
		parsed.RawQuery = q.Encode()
	}
	return parsed.String(), nil
}

func pathFromFileDSN(dsn string) (string, error) {
	parsed, err := url.Parse(dsn)
	if err != nil {
		return "", fmt.Errorf("invalid database path: %w", err)
	}
	if parsed.Path != "" {
		return strings.TrimPrefix(parsed.Path, "//"), nil
	}
	return strings.TrimPrefix(parsed.Opaque, "//"), nil
}

func ensureParentDir(path string) error {
	dir := filepath.Dir(filepath.Clean(path))
	if dir == "." || dir == string(filepath.Separator) {
		return nil
	}
	// #nosec G301 -- data directories use 0755 for multi-user access compatibility
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("create database directory: %w", err)
	}
	return nil
}

// open is shared by both driver variants once the DSN is known.
func open(ctx context.Context, cfg Config, dsn string) (*sql.DB, error) {
	if ctx == nil {
		ctx = context.Background()
	}

	db, err := sql.Open(driverName, dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	// In-memory databases are per-connection; local files serialize writers anyway.
	if dsn == MemoryPath || strings.HasPrefix(dsn, "file:") {
		db.SetMaxOpenConns(1)
		db.SetMaxIdleConns(1)
	}

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	if strings.HasPrefix(dsn, "file:") {
		if err := configureLocal(ctx, db, cfg.busyTimeout()); err != nil {
			_ = db.Close()
			return nil, err
		}
	}
	return db, nil
}

func configureLocal(ctx context.Context, db *sql.DB, busy time.Duration) error {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	var journalMode string
	if err := db.QueryRowContext(ctx, "PRAGMA journal_mode=WAL").Scan(&journalMode); err != nil {
		return fmt.Errorf("enable WAL mode: %w", err)
	}
	var busyTimeout int
	q := fmt.Sprintf("PRAGMA busy_timeout=%d", busy.Milliseconds())
	if err := db.QueryRowContext(ctx, q).Scan(&busyTimeout); err != nil {
		return fmt.Errorf("set busy timeout: %w", err)
	}
	return nil
}
