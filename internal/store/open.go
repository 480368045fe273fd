package store

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/jmoiron/sqlx"

	_ "github.com/jackc/pgx/v5/stdlib"
	_ "github.com/mattn/go-sqlite3"
)

// Supported drivers.
const (
	DriverSQLite   = "sqlite3"
	DriverPostgres = "pgx"
)

const (
	busyTimeout = 5 * time.Second

	// SQLite WAL allows many readers alongside the single writer.
	sqliteReaderConns = 4
)

// openSQLite opens the writer and reader pools for a SQLite database file.
// The writer is limited to one connection so writes serialize instead of
// hitting SQLITE_BUSY; readers run concurrently via WAL snapshots.
func openSQLite(path string) (writer, reader *sqlx.DB, err error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		abs = path
	}
	if dir := filepath.Dir(abs); dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, nil, fmt.Errorf("prepare store directory: %w", err)
		}
	}

	writeDSN := fmt.Sprintf(
		"file:%s?_foreign_keys=on&_mode=rwc&_busy_timeout=%d&_journal_mode=WAL&_synchronous=NORMAL&_cache=shared",
		abs, int(busyTimeout/time.Millisecond))
	writer, err = sqlx.Open(DriverSQLite, writeDSN)
	if err != nil {
		return nil, nil, fmt.Errorf("open store: %w", err)
	}
	writer.SetMaxOpenConns(1)
	writer.SetMaxIdleConns(1)

	readDSN := fmt.Sprintf(
		"file:%s?_foreign_keys=on&_busy_timeout=%d&_cache=shared",
		abs, int(busyTimeout/time.Millisecond))
	reader, err = sqlx.Open(DriverSQLite, readDSN)
	if err != nil {
		_ = writer.Close()
		return nil, nil, fmt.Errorf("open store reader: %w", err)
	}
	reader.SetMaxOpenConns(sqliteReaderConns)
	reader.SetMaxIdleConns(sqliteReaderConns)

	return writer, reader, nil
}

// openPostgres opens a pgx-backed pool; reads and writes share it.
func openPostgres(dsn string, maxConns int) (*sqlx.DB, error) {
	db, err := sqlx.Open(DriverPostgres, dsn)
	if err != nil {
		return nil, fmt.Errorf("open postgres store: %w", err)
	}
	if maxConns <= 0 {
		maxConns = 25
	}
	db.SetMaxOpenConns(maxConns)
	db.SetMaxIdleConns(maxConns / 5)
	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping postgres store: %w", err)
	}
	return db, nil
}
