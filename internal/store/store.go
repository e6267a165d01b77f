package store

import (
	"errors"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5/pgconn"
	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/jmoiron/sqlx"
	_ "modernc.org/sqlite"
)

// Typed errors callers pattern-match on.
var (
	ErrNotFound = errors.New("not found")
	ErrConflict = errors.New("conflict")
	ErrEmpty    = errors.New("no tasks ready")
)

// Store is the relational collaborator shared by the API and worker
// processes: task queue, periodic schedules, event bus rows, and the
// education-domain tables the task handlers persist into.
type Store struct {
	db     *sqlx.DB
	driver string
}

// Open connects with the given driver ("sqlite" or "pgx") and DSN.
func Open(driver, dsn string) (*Store, error) {
	name := dsn
	if driver == "sqlite" {
		name = fmt.Sprintf("file:%s?cache=shared&mode=rwc&_pragma=journal_mode(WAL)", dsn)
	}
	db, err := sqlx.Open(driver, name)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", driver, err)
	}
	if driver == "sqlite" {
		db.SetMaxOpenConns(1) // SQLite single writer
	}
	return &Store{db: db, driver: driver}, nil
}

func (s *Store) Close() error { return s.db.Close() }

// rebind converts ?-style placeholders to the driver's form.
func (s *Store) rebind(q string) string { return s.db.Rebind(q) }

func (s *Store) serial() string {
	if s.driver == "pgx" {
		return "BIGSERIAL PRIMARY KEY"
	}
	return "INTEGER PRIMARY KEY AUTOINCREMENT"
}

func (s *Store) blob() string {
	if s.driver == "pgx" {
		return "BYTEA"
	}
	return "BLOB"
}

// EnsureSchema creates tables if they don't exist.
func (s *Store) EnsureSchema() error {
	schema := fmt.Sprintf(`
CREATE TABLE IF NOT EXISTS tasks (
  id TEXT PRIMARY KEY,
  type TEXT NOT NULL,
  user_id TEXT NOT NULL DEFAULT '',
  payload %[2]s NOT NULL,
  priority INTEGER NOT NULL DEFAULT 5,
  state TEXT NOT NULL CHECK(state IN ('queued','running','succeeded','failed','canceled')) DEFAULT 'queued',
  attempts INTEGER NOT NULL DEFAULT 0,
  max_attempts INTEGER NOT NULL DEFAULT 3,
  next_run_at TIMESTAMP NOT NULL,
  visibility_timeout INTEGER NOT NULL DEFAULT 60,
  idempotency_key TEXT,
  created_at TIMESTAMP NOT NULL,
  updated_at TIMESTAMP NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_tasks_next_run ON tasks(state, next_run_at, priority DESC);
CREATE UNIQUE INDEX IF NOT EXISTS idx_tasks_idem ON tasks(idempotency_key) WHERE idempotency_key IS NOT NULL;

CREATE TABLE IF NOT EXISTS task_attempts (
  id %[1]s,
  task_id TEXT NOT NULL,
  success INTEGER NOT NULL DEFAULT 0,
  error TEXT,
  finished_at TIMESTAMP NOT NULL
);

CREATE TABLE IF NOT EXISTS schedules (
  id TEXT PRIMARY KEY,
  name TEXT NOT NULL UNIQUE,
  cron_expr TEXT NOT NULL,
  task_type TEXT NOT NULL,
  payload %[2]s NOT NULL,
  priority INTEGER NOT NULL DEFAULT 5,
  max_attempts INTEGER NOT NULL DEFAULT 3,
  enabled INTEGER NOT NULL DEFAULT 1,
  last_run TIMESTAMP,
  next_run TIMESTAMP NOT NULL,
  created_at TIMESTAMP NOT NULL,
  updated_at TIMESTAMP NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_schedules_next_run ON schedules(enabled, next_run);

CREATE TABLE IF NOT EXISTS events (
  id %[1]s,
  user_id TEXT NOT NULL,
  payload %[2]s NOT NULL,
  created_at TIMESTAMP NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_events_created ON events(created_at);

CREATE TABLE IF NOT EXISTS courses (
  id TEXT PRIMARY KEY,
  user_id TEXT NOT NULL,
  task_id TEXT NOT NULL UNIQUE,
  topic TEXT NOT NULL,
  level TEXT NOT NULL,
  title TEXT NOT NULL,
  outline %[2]s NOT NULL,
  created_at TIMESTAMP NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_courses_user ON courses(user_id, created_at);

CREATE TABLE IF NOT EXISTS schedule_blocks (
  id TEXT PRIMARY KEY,
  user_id TEXT NOT NULL,
  task_id TEXT NOT NULL,
  idx INTEGER NOT NULL,
  title TEXT NOT NULL,
  starts_at TIMESTAMP NOT NULL,
  ends_at TIMESTAMP NOT NULL,
  created_at TIMESTAMP NOT NULL,
  UNIQUE(task_id, idx)
);
CREATE INDEX IF NOT EXISTS idx_blocks_user ON schedule_blocks(user_id, starts_at);

CREATE TABLE IF NOT EXISTS resources (
  id TEXT PRIMARY KEY,
  user_id TEXT NOT NULL,
  task_id TEXT NOT NULL,
  topic TEXT NOT NULL,
  title TEXT NOT NULL,
  url TEXT NOT NULL,
  snippet TEXT NOT NULL DEFAULT '',
  created_at TIMESTAMP NOT NULL,
  UNIQUE(task_id, url)
);
CREATE INDEX IF NOT EXISTS idx_resources_user ON resources(user_id, created_at);
`, s.serial(), s.blob())
	_, err := s.db.Exec(schema)
	return err
}

// isUnique reports whether err is a unique-constraint violation for either
// driver.
func isUnique(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == "23505"
	}
	return strings.Contains(err.Error(), "UNIQUE constraint failed")
}
