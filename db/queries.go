package db

import (
	"database/sql"

	"msimdir/models"
)

// ListAccounts returns every account in registration order.
func (s *Store) ListAccounts() ([]models.Account, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.conn.Query("SELECT name, last_login FROM accounts ORDER BY id")
	if err != nil {
		return nil, &StorageError{Op: "list accounts", Err: err}
	}
	defer rows.Close()

	var accounts []models.Account
	for rows.Next() {
		var a models.Account
		var lastLogin string
		if err := rows.Scan(&a.Name, &lastLogin); err != nil {
			return nil, &StorageError{Op: "list accounts", Err: err}
		}
		if a.LastLogin, err = parseTime(lastLogin); err != nil {
			return nil, &StorageError{Op: "list accounts", Err: err}
		}
		accounts = append(accounts, a)
	}
	if err := rows.Err(); err != nil {
		return nil, &StorageError{Op: "list accounts", Err: err}
	}
	return accounts, nil
}

// Account returns a single account by name.
func (s *Store) Account(name string) (models.Account, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var lastLogin string
	err := s.conn.QueryRow("SELECT name, last_login FROM accounts WHERE name = ?", name).Scan(&name, &lastLogin)
	if err == sql.ErrNoRows {
		return models.Account{}, notFound(name)
	}
	if err != nil {
		return models.Account{}, &StorageError{Op: "get account", Err: err}
	}

	t, err := parseTime(lastLogin)
	if err != nil {
		return models.Account{}, &StorageError{Op: "get account", Err: err}
	}
	return models.Account{Name: name, LastLogin: t}, nil
}

// ListActiveSessions returns the accounts that are connected right now.
func (s *Store) ListActiveSessions() ([]models.ActiveSession, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.conn.Query(`
		SELECT a.name, s.ip_address, s.port, s.login_time
		FROM active_sessions s
		JOIN accounts a ON a.id = s.account_id
		ORDER BY s.id
	`)
	if err != nil {
		return nil, &StorageError{Op: "list active sessions", Err: err}
	}
	defer rows.Close()

	var sessions []models.ActiveSession
	for rows.Next() {
		var sess models.ActiveSession
		var port int
		var loginTime string
		if err := rows.Scan(&sess.Name, &sess.IPAddress, &port, &loginTime); err != nil {
			return nil, &StorageError{Op: "list active sessions", Err: err}
		}
		sess.Port = models.Port(port)
		if sess.LoginTime, err = parseTime(loginTime); err != nil {
			return nil, &StorageError{Op: "list active sessions", Err: err}
		}
		sessions = append(sessions, sess)
	}
	if err := rows.Err(); err != nil {
		return nil, &StorageError{Op: "list active sessions", Err: err}
	}
	return sessions, nil
}

// LoginHistory returns the login audit trail, oldest first. A non-empty name
// restricts it to that account; an unknown name yields no events.
func (s *Store) LoginHistory(name string) ([]models.LoginEvent, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	query := `
		SELECT a.name, h.logged_at, h.ip_address, h.port
		FROM login_history h
		JOIN accounts a ON a.id = h.account_id
	`
	var args []any
	if name != "" {
		query += " WHERE a.name = ?"
		args = append(args, name)
	}
	query += " ORDER BY h.id"

	rows, err := s.conn.Query(query, args...)
	if err != nil {
		return nil, &StorageError{Op: "login history", Err: err}
	}
	defer rows.Close()

	var events []models.LoginEvent
	for rows.Next() {
		var e models.LoginEvent
		var port int
		var loggedAt string
		if err := rows.Scan(&e.Name, &loggedAt, &e.IPAddress, &port); err != nil {
			return nil, &StorageError{Op: "login history", Err: err}
		}
		e.Port = models.Port(port)
		if e.Time, err = parseTime(loggedAt); err != nil {
			return nil, &StorageError{Op: "login history", Err: err}
		}
		events = append(events, e)
	}
	if err := rows.Err(); err != nil {
		return nil, &StorageError{Op: "login history", Err: err}
	}
	return events, nil
}

// ContactsOf returns the names in the contact list of name, in the order they
// were added. Unlike AddContact, an unknown name is an error.
func (s *Store) ContactsOf(name string) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	ownerID, found, err := accountID(s.conn, name)
	if err != nil {
		return nil, &StorageError{Op: "list contacts", Err: err}
	}
	if !found {
		return nil, notFound(name)
	}

	rows, err := s.conn.Query(`
		SELECT a.name
		FROM contacts c
		JOIN accounts a ON a.id = c.contact_id
		WHERE c.owner_id = ?
		ORDER BY c.id
	`, ownerID)
	if err != nil {
		return nil, &StorageError{Op: "list contacts", Err: err}
	}
	defer rows.Close()

	var contacts []string
	for rows.Next() {
		var contact string
		if err := rows.Scan(&contact); err != nil {
			return nil, &StorageError{Op: "list contacts", Err: err}
		}
		contacts = append(contacts, contact)
	}
	if err := rows.Err(); err != nil {
		return nil, &StorageError{Op: "list contacts", Err: err}
	}
	return contacts, nil
}

// MessageHistory returns the message counters of every account.
func (s *Store) MessageHistory() ([]models.MessageStats, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.conn.Query(`
		SELECT a.name, a.last_login, m.sent, m.accepted
		FROM accounts a
		JOIN message_counters m ON m.account_id = a.id
		ORDER BY a.id
	`)
	if err != nil {
		return nil, &StorageError{Op: "message history", Err: err}
	}
	defer rows.Close()

	var stats []models.MessageStats
	for rows.Next() {
		var m models.MessageStats
		var lastLogin string
		if err := rows.Scan(&m.Name, &lastLogin, &m.Sent, &m.Accepted); err != nil {
			return nil, &StorageError{Op: "message history", Err: err}
		}
		if m.LastLogin, err = parseTime(lastLogin); err != nil {
			return nil, &StorageError{Op: "message history", Err: err}
		}
		stats = append(stats, m)
	}
	if err := rows.Err(); err != nil {
		return nil, &StorageError{Op: "message history", Err: err}
	}
	return stats, nil
}

