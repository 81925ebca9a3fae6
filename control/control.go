// Package control serves the administrative unix socket. Each connection
// carries one request line, CMD|ARG..., and gets one reply line: OK|records
// or ERROR|reason. Records use the protocol package's list encoding.
package control

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"msimdir/db"
	"msimdir/models"
	"msimdir/protocol"
	"msimdir/server"
)

// Ledger is the read side of the directory store.
type Ledger interface {
	ListAccounts() ([]models.Account, error)
	ListActiveSessions() ([]models.ActiveSession, error)
	LoginHistory(name string) ([]models.LoginEvent, error)
	ContactsOf(name string) ([]string, error)
	MessageHistory() ([]models.MessageStats, error)
}

// Runtime is the running protocol server.
type Runtime interface {
	Stats() server.Stats
	Shutdown(reason string, completionTime time.Time)
}

const requestTimeout = 10 * time.Second

type Server struct {
	path    string
	ledger  Ledger
	runtime Runtime
	logger  *zap.Logger
}

func NewServer(path string, ledger Ledger, runtime Runtime, logger *zap.Logger) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Server{
		path:    path,
		ledger:  ledger,
		runtime: runtime,
		logger:  logger.Named("control"),
	}
}

// Run replaces any stale socket file at the configured path and serves on
// it until ctx is cancelled. The socket file is removed on return.
func (c *Server) Run(ctx context.Context) error {
	os.Remove(c.path)

	listener, err := net.Listen("unix", c.path)
	if err != nil {
		return fmt.Errorf("listening on control socket %s: %w", c.path, err)
	}
	defer os.Remove(c.path)

	return c.Serve(ctx, listener)
}

// Serve handles requests on listener until ctx is cancelled.
func (c *Server) Serve(ctx context.Context, listener net.Listener) error {
	stop := context.AfterFunc(ctx, func() { listener.Close() })
	defer stop()

	var wg sync.WaitGroup
	defer wg.Wait()

	c.logger.Info("control socket listening", zap.String("path", listener.Addr().String()))

	for {
		conn, err := listener.Accept()
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			if errors.Is(err, net.ErrClosed) {
				return err
			}
			c.logger.Warn("accept failed", zap.Error(err))
			continue
		}

		wg.Add(1)
		go func() {
			defer wg.Done()
			c.handle(conn)
		}()
	}
}

func (c *Server) handle(conn net.Conn) {
	defer conn.Close()
	conn.SetDeadline(time.Now().Add(requestTimeout))

	line, err := bufio.NewReader(conn).ReadString('\n')
	if err != nil {
		c.logger.Debug("read failed", zap.Error(err))
		return
	}

	pkt, err := protocol.ParsePacket(strings.TrimSpace(line))
	if err != nil {
		conn.Write([]byte(protocol.FormatPacket("ERROR", "Invalid command")))
		return
	}

	log := c.logger.With(zap.String("cmd", pkt.Type))
	args := arguments(pkt)

	if pkt.Type == "shutdown" {
		c.shutdown(conn, args, log)
		return
	}

	rows, err := c.dispatch(pkt.Type, args)
	if err != nil {
		log.Warn("command failed", zap.Error(err))
		conn.Write([]byte(protocol.FormatPacket("ERROR", err.Error())))
		return
	}

	log.Debug("command served", zap.Int("rows", len(rows)))
	conn.Write([]byte("OK|" + protocol.FormatRecords(rows) + "\n"))
}

func arguments(pkt *protocol.Packet) []string {
	switch {
	case pkt.Destination != "":
		return append([]string{pkt.Destination}, pkt.Fields...)
	case pkt.Content != "":
		return []string{pkt.Content}
	default:
		return nil
	}
}

func arg(args []string, i int) string {
	if i < len(args) {
		return args[i]
	}
	return ""
}

var errUnknownCommand = errors.New("unknown command")

func (c *Server) dispatch(cmd string, args []string) ([][]string, error) {
	switch cmd {
	case "stats":
		return c.stats()
	case "accounts":
		return c.accounts()
	case "online":
		return c.online()
	case "logins":
		return c.logins(arg(args, 0))
	case "contacts":
		return c.contacts(arg(args, 0))
	case "messages":
		return c.messages()
	default:
		return nil, fmt.Errorf("%w: %q", errUnknownCommand, cmd)
	}
}

// shutdown acknowledges before stopping the server so the reply is not
// lost with the process. Arguments are [reason [completion time]].
func (c *Server) shutdown(conn net.Conn, args []string, log *zap.Logger) {
	reason := arg(args, 0)
	if reason == "" {
		reason = "maintenance"
	}

	var completion time.Time
	if raw := arg(args, 1); raw != "" {
		t, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			conn.Write([]byte(protocol.FormatPacket("ERROR", "Invalid completion time")))
			return
		}
		completion = t
	}

	conn.Write([]byte("OK|\n"))
	conn.Close()

	log.Info("shutdown requested", zap.String("reason", reason), zap.Time("completion", completion))
	c.runtime.Shutdown(reason, completion)
}

func formatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

func (c *Server) stats() ([][]string, error) {
	accounts, err := c.ledger.ListAccounts()
	if err != nil {
		return nil, err
	}
	st := c.runtime.Stats()
	return [][]string{
		{"connections", strconv.Itoa(st.Connections)},
		{"online", strconv.Itoa(len(st.Users))},
		{"accounts", strconv.Itoa(len(accounts))},
	}, nil
}

func (c *Server) accounts() ([][]string, error) {
	accounts, err := c.ledger.ListAccounts()
	if err != nil {
		return nil, err
	}
	rows := make([][]string, 0, len(accounts))
	for _, a := range accounts {
		rows = append(rows, []string{a.Name, formatTime(a.LastLogin)})
	}
	return rows, nil
}

func (c *Server) online() ([][]string, error) {
	sessions, err := c.ledger.ListActiveSessions()
	if err != nil {
		return nil, err
	}
	rows := make([][]string, 0, len(sessions))
	for _, s := range sessions {
		rows = append(rows, []string{s.Name, s.IPAddress, s.Port.String(), formatTime(s.LoginTime)})
	}
	return rows, nil
}

func (c *Server) logins(name string) ([][]string, error) {
	events, err := c.ledger.LoginHistory(name)
	if err != nil {
		return nil, err
	}
	rows := make([][]string, 0, len(events))
	for _, e := range events {
		rows = append(rows, []string{e.Name, formatTime(e.Time), e.IPAddress, e.Port.String()})
	}
	return rows, nil
}

func (c *Server) contacts(name string) ([][]string, error) {
	if name == "" {
		return nil, errors.New("contacts requires an account name")
	}
	contacts, err := c.ledger.ContactsOf(name)
	if errors.Is(err, db.ErrNotFound) {
		return nil, fmt.Errorf("no account named %q", name)
	}
	if err != nil {
		return nil, err
	}
	rows := make([][]string, 0, len(contacts))
	for _, contact := range contacts {
		rows = append(rows, []string{contact})
	}
	return rows, nil
}

func (c *Server) messages() ([][]string, error) {
	stats, err := c.ledger.MessageHistory()
	if err != nil {
		return nil, err
	}
	rows := make([][]string, 0, len(stats))
	for _, m := range stats {
		rows = append(rows, []string{
			m.Name,
			formatTime(m.LastLogin),
			strconv.FormatInt(m.Sent, 10),
			strconv.FormatInt(m.Accepted, 10),
		})
	}
	return rows, nil
}
