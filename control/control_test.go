package control

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
	"go.uber.org/zap/zaptest"

	"msimdir/db"
	"msimdir/models"
	"msimdir/server"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

type fakeRuntime struct {
	mu         sync.Mutex
	stats      server.Stats
	reason     string
	completion time.Time
	shutdowns  int
}

func (f *fakeRuntime) Stats() server.Stats {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.stats
}

func (f *fakeRuntime) Shutdown(reason string, completionTime time.Time) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.reason = reason
	f.completion = completionTime
	f.shutdowns++
}

func (f *fakeRuntime) shutdownCalls() (int, string, time.Time) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.shutdowns, f.reason, f.completion
}

// socketPath stays short enough for the unix socket path limit.
func socketPath(t *testing.T) string {
	t.Helper()
	dir, err := os.MkdirTemp("", "msimctl")
	require.NoError(t, err)
	t.Cleanup(func() { os.RemoveAll(dir) })
	return filepath.Join(dir, "ctl.sock")
}

func startControl(t *testing.T) (string, *db.Store, *fakeRuntime) {
	t.Helper()

	store, err := db.Open(filepath.Join(t.TempDir(), "directory.db"), zaptest.NewLogger(t))
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	runtime := &fakeRuntime{stats: server.Stats{Connections: 3, Users: []string{"alice", "bob"}}}
	path := socketPath(t)
	srv := NewServer(path, store, runtime, zaptest.NewLogger(t))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- srv.Run(ctx) }()
	t.Cleanup(func() {
		cancel()
		require.NoError(t, <-done)
	})

	require.Eventually(t, func() bool {
		_, err := os.Stat(path)
		return err == nil
	}, 2*time.Second, 10*time.Millisecond)

	return path, store, runtime
}

func port(t *testing.T, n int) models.Port {
	t.Helper()
	p, err := models.NewPort(n)
	require.NoError(t, err)
	return p
}

func seed(t *testing.T, store *db.Store) {
	t.Helper()
	require.NoError(t, store.RecordLogin("alice", "10.0.0.1", port(t, 4000)))
	require.NoError(t, store.RecordLogin("bob", "10.0.0.2", port(t, 4001)))
	require.NoError(t, store.RecordLogout("bob"))
	require.NoError(t, store.AddContact("alice", "bob"))
	require.NoError(t, store.RecordMessageExchange("alice", "bob"))
	require.NoError(t, store.RecordMessageExchange("alice", "bob"))
}

func TestStats(t *testing.T) {
	path, store, _ := startControl(t)
	seed(t, store)

	rows, err := Query(path, "stats")
	require.NoError(t, err)
	assert.Equal(t, [][]string{
		{"connections", "3"},
		{"online", "2"},
		{"accounts", "2"},
	}, rows)
}

func TestLedgerCommands(t *testing.T) {
	path, store, _ := startControl(t)
	seed(t, store)

	accounts, err := Query(path, "accounts")
	require.NoError(t, err)
	require.Len(t, accounts, 2)
	assert.Equal(t, "alice", accounts[0][0])
	assert.Equal(t, "bob", accounts[1][0])
	_, err = time.Parse(time.RFC3339Nano, accounts[0][1])
	assert.NoError(t, err)

	online, err := Query(path, "online")
	require.NoError(t, err)
	require.Len(t, online, 1)
	assert.Equal(t, []string{"alice", "10.0.0.1", "4000"}, online[0][:3])

	logins, err := Query(path, "logins")
	require.NoError(t, err)
	assert.Len(t, logins, 2)

	logins, err = Query(path, "logins", "bob")
	require.NoError(t, err)
	require.Len(t, logins, 1)
	assert.Equal(t, "bob", logins[0][0])
	assert.Equal(t, []string{"10.0.0.2", "4001"}, logins[0][2:])

	logins, err = Query(path, "logins", "nobody")
	require.NoError(t, err)
	assert.Empty(t, logins)

	contacts, err := Query(path, "contacts", "alice")
	require.NoError(t, err)
	assert.Equal(t, [][]string{{"bob"}}, contacts)

	contacts, err = Query(path, "contacts", "bob")
	require.NoError(t, err)
	assert.Empty(t, contacts)

	messages, err := Query(path, "messages")
	require.NoError(t, err)
	require.Len(t, messages, 2)
	assert.Equal(t, "alice", messages[0][0])
	assert.Equal(t, []string{"2", "0"}, messages[0][2:])
	assert.Equal(t, []string{"0", "2"}, messages[1][2:])
}

func TestErrors(t *testing.T) {
	path, _, _ := startControl(t)

	_, err := Query(path, "contacts", "ghost")
	assert.ErrorIs(t, err, ErrRejected)
	assert.Contains(t, err.Error(), "ghost")

	_, err = Query(path, "contacts")
	assert.ErrorIs(t, err, ErrRejected)

	_, err = Query(path, "reboot")
	assert.ErrorIs(t, err, ErrRejected)
	assert.Contains(t, err.Error(), "unknown command")
}

func TestShutdown(t *testing.T) {
	path, _, runtime := startControl(t)

	rows, err := Query(path, "shutdown", "restart", "2030-01-01T06:00:00Z")
	require.NoError(t, err)
	assert.Empty(t, rows)

	// the reply is written before the runtime is stopped
	require.Eventually(t, func() bool {
		calls, _, _ := runtime.shutdownCalls()
		return calls == 1
	}, 2*time.Second, 10*time.Millisecond)
	_, reason, completion := runtime.shutdownCalls()
	assert.Equal(t, "restart", reason)
	assert.Equal(t, time.Date(2030, 1, 1, 6, 0, 0, 0, time.UTC), completion.UTC())
}

func TestShutdownDefaultsToMaintenance(t *testing.T) {
	path, _, runtime := startControl(t)

	_, err := Query(path, "shutdown")
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		calls, _, _ := runtime.shutdownCalls()
		return calls == 1
	}, 2*time.Second, 10*time.Millisecond)
	_, reason, completion := runtime.shutdownCalls()
	assert.Equal(t, "maintenance", reason)
	assert.True(t, completion.IsZero())
}

func TestShutdownRejectsBadTime(t *testing.T) {
	path, _, runtime := startControl(t)

	_, err := Query(path, "shutdown", "restart", "tomorrow")
	assert.ErrorIs(t, err, ErrRejected)

	calls, _, _ := runtime.shutdownCalls()
	assert.Zero(t, calls)
}

func TestQueryWithoutServer(t *testing.T) {
	_, err := Query(socketPath(t), "stats")
	assert.Error(t, err)
}
