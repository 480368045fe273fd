// Package store persists control-plane state: streams, executions,
// checkpoints, merge-queue entries and session transcripts. SQLite (a file
// under the project dot-directory) is the default backend; PostgreSQL via pgx
// is available for shared deployments.
package store

import (
	"fmt"

	"github.com/jmoiron/sqlx"
)

// Options selects the backend.
type Options struct {
	Driver string // sqlite3 (default) or pgx
	Path   string // sqlite database file
	DSN    string // postgres DSN when Driver is pgx
	// MaxConns bounds the postgres pool. Ignored for sqlite.
	MaxConns int
}

// Store wraps the writer and reader pools.
type Store struct {
	db     *sqlx.DB // writer
	ro     *sqlx.DB // reader
	driver string
	ownsDB bool
}

// Open opens the backend and initializes the schema.
func Open(opts Options) (*Store, error) {
	driver := opts.Driver
	if driver == "" {
		driver = DriverSQLite
	}
	switch driver {
	case DriverSQLite:
		if opts.Path == "" {
			return nil, fmt.Errorf("store: sqlite path is required")
		}
		writer, reader, err := openSQLite(opts.Path)
		if err != nil {
			return nil, err
		}
		return newStore(writer, reader, driver, true)
	case DriverPostgres:
		if opts.DSN == "" {
			return nil, fmt.Errorf("store: postgres dsn is required")
		}
		db, err := openPostgres(opts.DSN, opts.MaxConns)
		if err != nil {
			return nil, err
		}
		return newStore(db, db, driver, true)
	default:
		return nil, fmt.Errorf("store: unknown driver %q", driver)
	}
}

// NewWithDB wraps existing pools with shared ownership. Used by tests.
func NewWithDB(writer, reader *sqlx.DB, driver string) (*Store, error) {
	return newStore(writer, reader, driver, false)
}

func newStore(writer, reader *sqlx.DB, driver string, ownsDB bool) (*Store, error) {
	s := &Store{db: writer, ro: reader, driver: driver, ownsDB: ownsDB}
	if err := s.initSchema(); err != nil {
		if ownsDB {
			_ = writer.Close()
			if reader != writer {
				_ = reader.Close()
			}
		}
		return nil, fmt.Errorf("initialize store schema: %w", err)
	}
	return s, nil
}

// Close closes owned pools.
func (s *Store) Close() error {
	if !s.ownsDB {
		return nil
	}
	err := s.db.Close()
	if s.ro != s.db {
		if roErr := s.ro.Close(); roErr != nil && err == nil {
			err = roErr
		}
	}
	return err
}

// rebind translates ? placeholders for the active driver.
func (s *Store) rebind(query string) string {
	return s.db.Rebind(query)
}

func (s *Store) initSchema() error {
	serial := "INTEGER PRIMARY KEY AUTOINCREMENT"
	if s.driver == DriverPostgres {
		serial = "BIGSERIAL PRIMARY KEY"
	}

	stmts := []string{
		`CREATE TABLE IF NOT EXISTS streams (
			id TEXT PRIMARY KEY,
			issue_id TEXT,
			branch TEXT NOT NULL UNIQUE,
			base_branch TEXT NOT NULL,
			worktree_path TEXT,
			state TEXT NOT NULL DEFAULT 'active',
			created_at TIMESTAMP NOT NULL,
			updated_at TIMESTAMP NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_streams_issue_id ON streams(issue_id)`,
		`CREATE INDEX IF NOT EXISTS idx_streams_state ON streams(state)`,
		`CREATE INDEX IF NOT EXISTS idx_streams_base_branch ON streams(base_branch)`,

		`CREATE TABLE IF NOT EXISTS executions (
			id TEXT PRIMARY KEY,
			stream_id TEXT NOT NULL,
			issue_id TEXT,
			agent_kind TEXT NOT NULL,
			mode TEXT NOT NULL DEFAULT 'worktree',
			prompt TEXT NOT NULL,
			parent_id TEXT,
			session_id TEXT,
			worktree_path TEXT,
			before_commit TEXT NOT NULL DEFAULT '',
			after_commit TEXT,
			status TEXT NOT NULL DEFAULT 'preparing',
			error_message TEXT,
			config TEXT NOT NULL DEFAULT '{}',
			created_at TIMESTAMP NOT NULL,
			started_at TIMESTAMP,
			completed_at TIMESTAMP,
			FOREIGN KEY (stream_id) REFERENCES streams(id) ON DELETE CASCADE
		)`,
		`CREATE INDEX IF NOT EXISTS idx_executions_stream_id ON executions(stream_id)`,
		`CREATE INDEX IF NOT EXISTS idx_executions_status ON executions(status)`,
		`CREATE INDEX IF NOT EXISTS idx_executions_parent_id ON executions(parent_id)`,
		`CREATE INDEX IF NOT EXISTS idx_executions_issue_id ON executions(issue_id)`,

		`CREATE TABLE IF NOT EXISTS checkpoints (
			id TEXT PRIMARY KEY,
			issue_id TEXT NOT NULL,
			stream_id TEXT NOT NULL,
			execution_id TEXT NOT NULL,
			commit_sha TEXT NOT NULL,
			base_commit TEXT NOT NULL DEFAULT '',
			message TEXT NOT NULL DEFAULT '',
			review TEXT NOT NULL DEFAULT 'pending',
			reviewer TEXT,
			notes TEXT,
			landed INTEGER NOT NULL DEFAULT 0,
			files_changed INTEGER NOT NULL DEFAULT 0,
			additions INTEGER NOT NULL DEFAULT 0,
			deletions INTEGER NOT NULL DEFAULT 0,
			created_at TIMESTAMP NOT NULL,
			reviewed_at TIMESTAMP,
			landed_at TIMESTAMP,
			FOREIGN KEY (stream_id) REFERENCES streams(id) ON DELETE CASCADE
		)`,
		`CREATE INDEX IF NOT EXISTS idx_checkpoints_issue_id ON checkpoints(issue_id, created_at DESC)`,
		`CREATE INDEX IF NOT EXISTS idx_checkpoints_stream_id ON checkpoints(stream_id)`,

		`CREATE TABLE IF NOT EXISTS queue_entries (
			id TEXT PRIMARY KEY,
			target TEXT NOT NULL,
			execution_id TEXT NOT NULL,
			stream_id TEXT NOT NULL,
			issue_id TEXT,
			agent_kind TEXT NOT NULL DEFAULT '',
			priority INTEGER NOT NULL DEFAULT 0,
			status TEXT NOT NULL DEFAULT 'pending',
			error_message TEXT,
			position INTEGER NOT NULL DEFAULT 0,
			enqueued_at TIMESTAMP NOT NULL,
			started_at TIMESTAMP,
			finished_at TIMESTAMP
		)`,
		`CREATE INDEX IF NOT EXISTS idx_queue_entries_target_status ON queue_entries(target, status)`,
		`CREATE INDEX IF NOT EXISTS idx_queue_entries_execution_id ON queue_entries(execution_id)`,

		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS session_records (
			seq %s,
			execution_id TEXT NOT NULL,
			record TEXT NOT NULL,
			created_at TIMESTAMP NOT NULL
		)`, serial),
		`CREATE INDEX IF NOT EXISTS idx_session_records_execution ON session_records(execution_id, seq)`,
	}
	for _, stmt := range stmts {
		if _, err := s.db.Exec(stmt); err != nil {
			return err
		}
	}
	return s.runMigrations()
}

// runMigrations applies idempotent ALTERs for schema evolution. Errors are
// ignored when the column already exists.
func (s *Store) runMigrations() error {
	_, _ = s.db.Exec(`ALTER TABLE executions ADD COLUMN config TEXT NOT NULL DEFAULT '{}'`)
	_, _ = s.db.Exec(`ALTER TABLE queue_entries ADD COLUMN agent_kind TEXT NOT NULL DEFAULT ''`)
	return nil
}

func boolToInt(v bool) int {
	if v {
		return 1
	}
	return 0
}
