package db

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"go.uber.org/zap"
	_ "modernc.org/sqlite"
)

// Supported database/sql driver names.
const (
	DriverCGO  = "sqlite3" // github.com/mattn/go-sqlite3
	DriverPure = "sqlite"  // modernc.org/sqlite
)

const busyTimeoutMillis = 5000

// Store is the directory of accounts, sessions, login history, contacts and
// message counters. All methods are safe for concurrent use: mutations are
// serialized and each runs in a single transaction, queries share a read lock.
type Store struct {
	conn   *sql.DB
	logger *zap.Logger
	now    func() time.Time
	mu     sync.RWMutex
}

type options struct {
	driver string
	now    func() time.Time
}

// Option configures Open.
type Option func(*options)

// WithDriver selects the SQLite driver, DriverCGO (default) or DriverPure.
func WithDriver(name string) Option {
	return func(o *options) {
		o.driver = name
	}
}

// WithClock replaces time.Now as the source of login timestamps.
func WithClock(now func() time.Time) Option {
	return func(o *options) {
		o.now = now
	}
}

// Open opens or creates the store at path, ensures the schema exists and
// drops every active session left over from a previous run.
func Open(path string, logger *zap.Logger, opts ...Option) (*Store, error) {
	o := options{driver: DriverCGO, now: time.Now}
	for _, opt := range opts {
		opt(&o)
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	logger = logger.Named("store")

	dsn, err := dataSource(o.driver, path)
	if err != nil {
		return nil, &StorageError{Op: "open", Err: err}
	}

	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, &StorageError{Op: "open", Err: fmt.Errorf("creating database directory: %w", err)}
		}
	}

	conn, err := sql.Open(o.driver, dsn)
	if err != nil {
		return nil, &StorageError{Op: "open", Err: fmt.Errorf("opening database: %w", err)}
	}

	s := &Store{
		conn:   conn,
		logger: logger,
		now:    o.now,
	}

	if err := s.init(); err != nil {
		conn.Close()
		return nil, &StorageError{Op: "open", Err: err}
	}

	cleared, err := s.resetSessions()
	if err != nil {
		conn.Close()
		return nil, &StorageError{Op: "open", Err: err}
	}

	logger.Info("directory store opened",
		zap.String("path", path),
		zap.String("driver", o.driver),
		zap.Int64("stale_sessions", cleared))
	return s, nil
}

// dataSource builds a DSN carrying the pragmas every pooled connection needs.
func dataSource(driver, path string) (string, error) {
	switch driver {
	case DriverCGO:
		return fmt.Sprintf("%s?_foreign_keys=1&_journal_mode=WAL&_busy_timeout=%d", path, busyTimeoutMillis), nil
	case DriverPure:
		return fmt.Sprintf("%s?_pragma=foreign_keys(1)&_pragma=journal_mode(WAL)&_pragma=busy_timeout(%d)", path, busyTimeoutMillis), nil
	default:
		return "", fmt.Errorf("unsupported driver %q", driver)
	}
}

func (s *Store) Close() error {
	s.logger.Info("closing directory store")
	return s.conn.Close()
}

func (s *Store) init() error {
	queries := []string{
		`CREATE TABLE IF NOT EXISTS accounts (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			name TEXT UNIQUE NOT NULL CHECK (name <> ''),
			last_login TEXT NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS active_sessions (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			account_id INTEGER NOT NULL UNIQUE REFERENCES accounts(id),
			ip_address TEXT NOT NULL,
			port INTEGER NOT NULL,
			login_time TEXT NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS login_history (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			account_id INTEGER NOT NULL REFERENCES accounts(id),
			logged_at TEXT NOT NULL,
			ip_address TEXT NOT NULL,
			port INTEGER NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS contacts (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			owner_id INTEGER NOT NULL REFERENCES accounts(id),
			contact_id INTEGER NOT NULL REFERENCES accounts(id),
			UNIQUE(owner_id, contact_id)
		)`,
		`CREATE TABLE IF NOT EXISTS message_counters (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			account_id INTEGER NOT NULL UNIQUE REFERENCES accounts(id),
			sent INTEGER NOT NULL DEFAULT 0 CHECK (sent >= 0),
			accepted INTEGER NOT NULL DEFAULT 0 CHECK (accepted >= 0)
		)`,
		`CREATE INDEX IF NOT EXISTS idx_login_history_account ON login_history(account_id)`,
		`CREATE INDEX IF NOT EXISTS idx_contacts_owner ON contacts(owner_id)`,
	}

	for _, query := range queries {
		if _, err := s.conn.Exec(query); err != nil {
			return fmt.Errorf("creating schema: %w", err)
		}
	}

	return s.migrate()
}

// migrate repairs stores written by older servers, which could leave an
// account without its counters row.
func (s *Store) migrate() error {
	res, err := s.conn.Exec(`
		INSERT INTO message_counters (account_id, sent, accepted)
		SELECT id, 0, 0 FROM accounts
		WHERE id NOT IN (SELECT account_id FROM message_counters)
	`)
	if err != nil {
		return fmt.Errorf("backfilling message counters: %w", err)
	}

	if n, err := res.RowsAffected(); err == nil && n > 0 {
		s.logger.Info("backfilled message counters", zap.Int64("accounts", n))
	}
	return nil
}

func (s *Store) resetSessions() (int64, error) {
	res, err := s.conn.Exec("DELETE FROM active_sessions")
	if err != nil {
		return 0, fmt.Errorf("clearing active sessions: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("clearing active sessions: %w", err)
	}
	return n, nil
}

// withTx runs fn in a transaction under the write lock. Errors other than
// ErrNotFound are reported as *StorageError tagged with op.
func (s *Store) withTx(op string, fn func(tx *sql.Tx) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.conn.Begin()
	if err != nil {
		return &StorageError{Op: op, Err: fmt.Errorf("beginning transaction: %w", err)}
	}

	if err := fn(tx); err != nil {
		if rbErr := tx.Rollback(); rbErr != nil {
			s.logger.Warn("rollback failed", zap.String("op", op), zap.Error(rbErr))
		}
		return wrap(op, err)
	}

	if err := tx.Commit(); err != nil {
		return &StorageError{Op: op, Err: fmt.Errorf("committing transaction: %w", err)}
	}
	return nil
}

type querier interface {
	QueryRow(query string, args ...any) *sql.Row
}

// accountID resolves name. found is false when no account has that name.
func accountID(q querier, name string) (id int64, found bool, err error) {
	err = q.QueryRow("SELECT id FROM accounts WHERE name = ?", name).Scan(&id)
	if err == sql.ErrNoRows {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, fmt.Errorf("looking up account: %w", err)
	}
	return id, true, nil
}

func formatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

func parseTime(s string) (time.Time, error) {
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("parsing timestamp %q: %w", s, err)
	}
	return t, nil
}
