package server

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"msimdir/models"
	"msimdir/protocol"
)

// Ledger is the part of the directory store the protocol workers drive.
type Ledger interface {
	RecordLogin(name, ipAddress string, port models.Port) error
	RecordLogout(name string) error
	RecordMessageExchange(sender, recipient string) error
	AddContact(owner, contact string) error
	RemoveContact(owner, contact string) error
	ContactsOf(name string) ([]string, error)
	ListActiveSessions() ([]models.ActiveSession, error)
	Account(name string) (models.Account, error)
}

type Server struct {
	ledger Ledger
	config *ServerConfig
	logger *zap.Logger

	mu       sync.RWMutex
	sessions map[string]*Session // authenticated, by login
	conns    map[*Session]struct{}
	listener net.Listener

	// presence keeps ledger session writes in the same order as the
	// sessions map updates.
	presence sync.Mutex
	closing  atomic.Bool
	wg       sync.WaitGroup
}

// MaxPacketSize bounds one packet line, newline included. A longer line
// closes the connection.
const MaxPacketSize = 64 * 1024

type ServerConfig struct {
	Addr         string
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
}

// Session is one client connection.
type Session struct {
	ID       string
	Login    string
	Conn     net.Conn
	LastPing time.Time
	mu       sync.Mutex // serializes writes to Conn
}

// Stats is a snapshot of the connected clients.
type Stats struct {
	Connections int
	Users       []string
}

func New(ledger Ledger, config *ServerConfig, logger *zap.Logger) *Server {
	if config.ReadTimeout == 0 {
		config.ReadTimeout = 120 * time.Second
	}
	if config.WriteTimeout == 0 {
		config.WriteTimeout = 30 * time.Second
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	return &Server{
		ledger:   ledger,
		config:   config,
		logger:   logger.Named("server"),
		sessions: make(map[string]*Session),
		conns:    make(map[*Session]struct{}),
	}
}

// Run listens on the configured address and serves until ctx is cancelled.
func (s *Server) Run(ctx context.Context) error {
	listener, err := net.Listen("tcp", s.config.Addr)
	if err != nil {
		return fmt.Errorf("listening on %s: %w", s.config.Addr, err)
	}
	return s.Serve(ctx, listener)
}

// Serve accepts connections on listener until ctx is cancelled or Shutdown
// is called, then waits for every connection handler to finish.
func (s *Server) Serve(ctx context.Context, listener net.Listener) error {
	s.mu.Lock()
	s.listener = listener
	if s.closing.Load() {
		listener.Close()
	}
	s.mu.Unlock()

	stop := context.AfterFunc(ctx, func() {
		s.Shutdown("maintenance", time.Time{})
	})
	defer stop()

	s.logger.Info("server started", zap.String("addr", listener.Addr().String()))

	for {
		conn, err := listener.Accept()
		if err != nil {
			if s.closing.Load() {
				s.wg.Wait()
				s.logger.Info("server stopped")
				return nil
			}
			if errors.Is(err, net.ErrClosed) {
				return err
			}
			s.logger.Warn("accept failed", zap.Error(err))
			continue
		}

		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.handleConnection(conn)
		}()
	}
}

func (s *Server) handleConnection(conn net.Conn) {
	session := &Session{
		ID:       uuid.NewString(),
		Conn:     conn,
		LastPing: time.Now(),
	}
	log := s.logger.With(
		zap.String("conn", session.ID),
		zap.String("remote", conn.RemoteAddr().String()))

	if !s.track(session) {
		conn.Close()
		return
	}
	defer func() {
		s.untrack(session)
		conn.Close()
	}()

	log.Info("client connected")
	reader := bufio.NewReaderSize(conn, MaxPacketSize)

	for {
		conn.SetReadDeadline(time.Now().Add(s.config.ReadTimeout))
		raw, err := reader.ReadSlice('\n')
		if err != nil {
			var netErr net.Error
			switch {
			case errors.Is(err, bufio.ErrBufferFull):
				log.Warn("packet too long", zap.Int("limit", MaxPacketSize))
				s.sendError(session, "", "Packet too long")
			case errors.As(err, &netErr) && netErr.Timeout():
				log.Info("client timed out")
				s.sendBye(session, "timeout", "")
			case err == io.EOF, errors.Is(err, net.ErrClosed):
			default:
				log.Warn("read failed", zap.Error(err))
			}
			break
		}

		line := strings.TrimSpace(string(raw))
		if line == "" {
			continue
		}

		pkt, err := protocol.ParsePacket(line)
		if err != nil {
			log.Debug("parse error", zap.Error(err), zap.String("line", line))
			s.sendError(session, "", "Invalid packet format")
			continue
		}

		if !s.handlePacket(session, pkt, log) {
			break
		}
	}

	s.disconnect(session, log)
}

// track registers a connection unless the server is shutting down.
func (s *Server) track(session *Session) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closing.Load() {
		return false
	}
	s.conns[session] = struct{}{}
	return true
}

func (s *Server) untrack(session *Session) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.conns, session)
}

// login records the login and makes session the live connection of name.
// The connection it displaces, if any, is returned.
func (s *Server) login(session *Session, name string, ip string, port models.Port) (*Session, error) {
	s.presence.Lock()
	defer s.presence.Unlock()

	if err := s.ledger.RecordLogin(name, ip, port); err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	session.Login = name
	old := s.sessions[name]
	s.sessions[name] = session
	return old, nil
}

// disconnect logs the account out unless a newer connection took it over.
func (s *Server) disconnect(session *Session, log *zap.Logger) {
	if session.Login == "" {
		log.Info("client disconnected")
		return
	}

	s.presence.Lock()
	defer s.presence.Unlock()

	s.mu.Lock()
	current, ok := s.sessions[session.Login]
	if ok && current == session {
		delete(s.sessions, session.Login)
	}
	s.mu.Unlock()

	if !ok || current != session {
		log.Info("superseded connection closed", zap.String("name", session.Login))
		return
	}

	if err := s.ledger.RecordLogout(session.Login); err != nil {
		log.Error("failed to record logout", zap.String("name", session.Login), zap.Error(err))
	}
	log.Info("client disconnected", zap.String("name", session.Login))
}

func (s *Server) getSession(login string) (*Session, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	session, ok := s.sessions[login]
	return session, ok
}

// write sends one raw packet line to the session.
func (s *Server) write(session *Session, packet string) {
	session.mu.Lock()
	defer session.mu.Unlock()

	session.Conn.SetWriteDeadline(time.Now().Add(s.config.WriteTimeout))
	if _, err := session.Conn.Write([]byte(packet)); err != nil {
		s.logger.Debug("write failed", zap.String("conn", session.ID), zap.Error(err))
	}
}

func (s *Server) sendPacket(session *Session, pktType string, fields ...string) {
	s.write(session, protocol.FormatPacket(pktType, fields...))
}

// sendPacketRaw sends content that is already escaped, such as a record list.
func (s *Server) sendPacketRaw(session *Session, pktType, rawContent string) {
	s.write(session, protocol.Escape(pktType)+"|"+rawContent+"\n")
}

func (s *Server) sendOK(session *Session, operation string) {
	s.sendPacket(session, "ok", operation)
}

func (s *Server) sendError(session *Session, operation, description string) {
	if operation != "" {
		s.sendPacket(session, "fail", operation, description)
	} else {
		s.sendPacket(session, "fail", description)
	}
}

func (s *Server) sendBye(session *Session, reason, details string) {
	switch {
	case details != "":
		s.sendPacket(session, "bye", reason, details)
	case reason != "":
		s.sendPacket(session, "bye", reason)
	default:
		s.sendPacket(session, "bye")
	}
}

// Stats reports the open connections and the logins behind them.
func (s *Server) Stats() Stats {
	s.mu.RLock()
	defer s.mu.RUnlock()

	users := make([]string, 0, len(s.sessions))
	for login := range s.sessions {
		users = append(users, login)
	}
	sort.Strings(users)

	return Stats{Connections: len(s.conns), Users: users}
}

// Shutdown stops accepting, sends bye to every client and closes its
// connection. Each handler then records the logout and Serve returns once
// all of them are done. completionTime, if set, tells clients when the
// server is expected back.
func (s *Server) Shutdown(reason string, completionTime time.Time) {
	s.mu.Lock()
	if s.closing.Swap(true) {
		s.mu.Unlock()
		return
	}
	if s.listener != nil {
		s.listener.Close()
	}
	sessions := make([]*Session, 0, len(s.conns))
	for sess := range s.conns {
		sessions = append(sessions, sess)
	}
	s.mu.Unlock()

	var details string
	if !completionTime.IsZero() {
		details = completionTime.UTC().Format("2006-01-02T15:04:05Z")
	}

	s.logger.Info("shutting down", zap.String("reason", reason), zap.Int("connections", len(sessions)))
	for _, sess := range sessions {
		s.sendBye(sess, reason, details)
		sess.Conn.Close()
	}
}
