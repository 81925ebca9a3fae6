package server

import (
	"errors"
	"net"
	"strings"
	"time"

	"go.uber.org/zap"

	"msimdir/db"
	"msimdir/models"
	"msimdir/protocol"
)

var commands = []string{"ping", "auth", "msg", "add", "del", "list", "who", "stat", "bye", "help"}

// handlePacket dispatches one packet. It returns false when the connection
// should be closed.
func (s *Server) handlePacket(session *Session, pkt *protocol.Packet, log *zap.Logger) bool {
	switch pkt.Type {
	case "ping":
		session.LastPing = time.Now()
		s.sendPacket(session, "pong")
		return true
	case "help":
		s.handleHelp(session)
		return true
	case "auth":
		s.handleAuth(session, pkt, log)
		return true
	case "bye":
		s.sendPacket(session, "bye")
		return false
	}

	if !isCommand(pkt.Type) {
		s.sendError(session, pkt.Type, "Unknown command")
		return true
	}

	if session.Login == "" {
		s.sendError(session, pkt.Type, "Not authenticated")
		return true
	}

	switch pkt.Type {
	case "msg":
		s.handleMessage(session, pkt, log)
	case "add":
		s.handleAddContact(session, pkt, log)
	case "del":
		s.handleDeleteContact(session, pkt, log)
	case "list":
		s.handleList(session, log)
	case "who":
		s.handleWho(session, log)
	case "stat":
		s.handleStatus(session, pkt, log)
	}
	return true
}

func isCommand(pktType string) bool {
	for _, c := range commands {
		if c == pktType {
			return true
		}
	}
	return false
}

// target is the single name argument of add, del and stat.
func target(pkt *protocol.Packet) string {
	if pkt.Destination != "" {
		return pkt.Destination
	}
	return pkt.Content
}

func (s *Server) handleAuth(session *Session, pkt *protocol.Packet, log *zap.Logger) {
	name := target(pkt)
	if name == "" {
		s.sendError(session, "auth", "Invalid name")
		return
	}

	if session.Login != "" {
		if session.Login == name {
			s.sendOK(session, "auth")
		} else {
			s.sendError(session, "auth", "Already authenticated")
		}
		return
	}

	host, portStr, err := net.SplitHostPort(session.Conn.RemoteAddr().String())
	if err != nil {
		log.Warn("unusable remote address", zap.Error(err))
		s.sendError(session, "auth", "Invalid address")
		return
	}
	port, err := models.ParsePort(portStr)
	if err != nil {
		log.Warn("rejected login", zap.String("name", name), zap.Error(err))
		s.sendError(session, "auth", "Invalid address")
		return
	}

	old, err := s.login(session, name, host, port)
	if err != nil {
		log.Error("failed to record login", zap.String("name", name), zap.Error(err))
		s.sendError(session, "auth", "Internal error")
		return
	}

	if old != nil {
		log.Info("replacing connection", zap.String("name", name), zap.String("old_conn", old.ID))
		s.sendBye(old, "replaced", "")
		old.Conn.Close()
	}

	log.Info("client authenticated", zap.String("name", name), zap.Stringer("port", port))
	s.sendOK(session, "auth")
}

func (s *Server) handleMessage(session *Session, pkt *protocol.Packet, log *zap.Logger) {
	recipient := pkt.Destination
	if recipient == "" {
		s.sendError(session, "msg", "Invalid recipient")
		return
	}

	err := s.ledger.RecordMessageExchange(session.Login, recipient)
	switch {
	case errors.Is(err, db.ErrNotFound):
		s.sendError(session, "msg", "Recipient not found")
		return
	case err != nil:
		log.Error("failed to record message", zap.String("recipient", recipient), zap.Error(err))
		s.sendError(session, "msg", "Internal error")
		return
	}

	if peer, ok := s.getSession(recipient); ok {
		ts := time.Now().UTC().Format(time.RFC3339)
		s.sendPacket(peer, "msg", session.Login, pkt.Content, ts)
	}

	s.sendOK(session, "msg")
}

func (s *Server) handleAddContact(session *Session, pkt *protocol.Packet, log *zap.Logger) {
	contact := target(pkt)
	if contact == "" {
		s.sendError(session, "add", "Invalid contact")
		return
	}

	if err := s.ledger.AddContact(session.Login, contact); err != nil {
		log.Error("add contact failed", zap.String("contact", contact), zap.Error(err))
		s.sendError(session, "add", "Internal error")
		return
	}

	s.sendOK(session, "add")
}

func (s *Server) handleDeleteContact(session *Session, pkt *protocol.Packet, log *zap.Logger) {
	contact := target(pkt)
	if contact == "" {
		s.sendError(session, "del", "Invalid contact")
		return
	}

	if err := s.ledger.RemoveContact(session.Login, contact); err != nil {
		log.Error("delete contact failed", zap.String("contact", contact), zap.Error(err))
		s.sendError(session, "del", "Internal error")
		return
	}

	s.sendOK(session, "del")
}

func (s *Server) handleList(session *Session, log *zap.Logger) {
	contacts, err := s.ledger.ContactsOf(session.Login)
	if err != nil {
		log.Error("list failed", zap.Error(err))
		s.sendError(session, "list", "Internal error")
		return
	}

	rows := make([][]string, 0, len(contacts))
	for _, c := range contacts {
		rows = append(rows, []string{c})
	}
	s.sendPacketRaw(session, "list", protocol.FormatRecords(rows))
}

func (s *Server) handleWho(session *Session, log *zap.Logger) {
	sessions, err := s.ledger.ListActiveSessions()
	if err != nil {
		log.Error("who failed", zap.Error(err))
		s.sendError(session, "who", "Internal error")
		return
	}

	rows := make([][]string, 0, len(sessions))
	for _, as := range sessions {
		rows = append(rows, []string{
			as.Name,
			as.IPAddress,
			as.Port.String(),
			as.LoginTime.UTC().Format(time.RFC3339),
		})
	}
	s.sendPacketRaw(session, "who", protocol.FormatRecords(rows))
}

// handleStatus answers stat|name with the account's presence and last
// login. Without a name it reports the caller.
func (s *Server) handleStatus(session *Session, pkt *protocol.Packet, log *zap.Logger) {
	name := target(pkt)
	if name == "" {
		name = session.Login
	}

	account, err := s.ledger.Account(name)
	switch {
	case errors.Is(err, db.ErrNotFound):
		s.sendError(session, "stat", "User not found")
		return
	case err != nil:
		log.Error("stat failed", zap.String("name", name), zap.Error(err))
		s.sendError(session, "stat", "Internal error")
		return
	}

	status := "off"
	if _, ok := s.getSession(name); ok {
		status = "on"
	}

	s.sendPacket(session, "stat", account.Name, status, account.LastLogin.UTC().Format(time.RFC3339))
}

func (s *Server) handleHelp(session *Session) {
	s.sendPacketRaw(session, "help", strings.Join(commands, ","))
}
