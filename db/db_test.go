package db

import (
	"database/sql"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"msimdir/models"
)

// stepClock hands out strictly increasing timestamps.
type stepClock struct {
	mu  sync.Mutex
	cur time.Time
}

func newStepClock() *stepClock {
	return &stepClock{cur: time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *stepClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.cur = c.cur.Add(time.Second)
	return c.cur
}

func newTestStore(t *testing.T, opts ...Option) *Store {
	t.Helper()
	return openAt(t, filepath.Join(t.TempDir(), "test.db"), opts...)
}

func openAt(t *testing.T, path string, opts ...Option) *Store {
	t.Helper()
	s, err := Open(path, zaptest.NewLogger(t), opts...)
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func port(t *testing.T, n int) models.Port {
	t.Helper()
	p, err := models.NewPort(n)
	require.NoError(t, err)
	return p
}

func TestOpen_CreatesDirectory(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "nested", "dir", "ledger.db")

	s, err := Open(dbPath, nil)
	require.NoError(t, err)
	defer s.Close()

	_, err = os.Stat(dbPath)
	assert.NoError(t, err, "database file was not created")
}

func TestOpen_UnknownDriver(t *testing.T) {
	_, err := Open(filepath.Join(t.TempDir(), "x.db"), nil, WithDriver("postgres"))
	require.Error(t, err)

	var se *StorageError
	require.ErrorAs(t, err, &se)
	assert.Equal(t, "open", se.Op)
}

func TestOpen_PureGoDriver(t *testing.T) {
	s := newTestStore(t, WithDriver(DriverPure))

	require.NoError(t, s.RecordLogin("alice", "10.0.0.1", port(t, 4000)))
	require.NoError(t, s.RecordLogin("bob", "10.0.0.2", port(t, 4001)))
	require.NoError(t, s.AddContact("alice", "bob"))
	require.NoError(t, s.RecordMessageExchange("alice", "bob"))

	contacts, err := s.ContactsOf("alice")
	require.NoError(t, err)
	assert.Equal(t, []string{"bob"}, contacts)

	sessions, err := s.ListActiveSessions()
	require.NoError(t, err)
	assert.Len(t, sessions, 2)
}

func TestOpen_ReopenClearsSessionsOnly(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "ledger.db")

	first, err := Open(dbPath, nil)
	require.NoError(t, err)
	require.NoError(t, first.RecordLogin("alice", "10.0.0.1", port(t, 4000)))
	require.NoError(t, first.RecordLogin("bob", "10.0.0.2", port(t, 4001)))
	require.NoError(t, first.AddContact("alice", "bob"))
	require.NoError(t, first.RecordMessageExchange("alice", "bob"))
	require.NoError(t, first.Close())

	second := openAt(t, dbPath)

	sessions, err := second.ListActiveSessions()
	require.NoError(t, err)
	assert.Empty(t, sessions, "sessions must not survive a restart")

	accounts, err := second.ListAccounts()
	require.NoError(t, err)
	require.Len(t, accounts, 2)
	assert.Equal(t, "alice", accounts[0].Name)
	assert.Equal(t, "bob", accounts[1].Name)

	history, err := second.LoginHistory("")
	require.NoError(t, err)
	assert.Len(t, history, 2)

	contacts, err := second.ContactsOf("alice")
	require.NoError(t, err)
	assert.Equal(t, []string{"bob"}, contacts)

	stats, err := second.MessageHistory()
	require.NoError(t, err)
	require.Len(t, stats, 2)
	assert.Equal(t, int64(1), stats[0].Sent)
	assert.Equal(t, int64(1), stats[1].Accepted)
}

func TestOpen_BackfillsMissingCounters(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "ledger.db")

	first, err := Open(dbPath, nil)
	require.NoError(t, err)
	require.NoError(t, first.RecordLogin("alice", "10.0.0.1", port(t, 4000)))
	_, err = first.conn.Exec("DELETE FROM message_counters")
	require.NoError(t, err)
	require.NoError(t, first.Close())

	second := openAt(t, dbPath)
	stats, err := second.MessageHistory()
	require.NoError(t, err)
	require.Len(t, stats, 1)
	assert.Equal(t, "alice", stats[0].Name)
	assert.Zero(t, stats[0].Sent)
	assert.Zero(t, stats[0].Accepted)

	require.NoError(t, second.RecordMessageExchange("alice", "alice"))
}

func TestStorageError_Constraint(t *testing.T) {
	s := newTestStore(t)
	require.NoError(t, s.RecordLogin("alice", "10.0.0.1", port(t, 4000)))

	err := s.withTx("duplicate insert", func(tx *sql.Tx) error {
		_, err := tx.Exec("INSERT INTO accounts (name, last_login) VALUES ('alice', '')")
		return err
	})
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrConstraint))
	assert.False(t, errors.Is(err, ErrNotFound))

	var se *StorageError
	require.ErrorAs(t, err, &se)
	assert.Equal(t, "duplicate insert", se.Op)
}

func TestRecordLogin_EmptyName(t *testing.T) {
	s := newTestStore(t)

	err := s.RecordLogin("", "10.0.0.1", port(t, 4000))
	var verr *models.ValidationError
	require.ErrorAs(t, err, &verr)
	assert.Equal(t, "name", verr.Field)

	accounts, err := s.ListAccounts()
	require.NoError(t, err)
	assert.Empty(t, accounts)
}
