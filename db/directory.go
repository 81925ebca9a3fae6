package db

import (
	"database/sql"
	"fmt"

	"go.uber.org/zap"

	"msimdir/models"
)

// RecordLogin registers a login of name from ipAddress:port. An unknown name
// creates the account together with zeroed message counters. A session still
// open for the account is replaced.
func (s *Store) RecordLogin(name, ipAddress string, port models.Port) error {
	if name == "" {
		return &models.ValidationError{Field: "name", Value: name, Reason: "must not be empty"}
	}

	now := formatTime(s.now())
	var created, replaced bool

	err := s.withTx("record login", func(tx *sql.Tx) error {
		id, found, err := accountID(tx, name)
		if err != nil {
			return err
		}

		if found {
			if _, err := tx.Exec("UPDATE accounts SET last_login = ? WHERE id = ?", now, id); err != nil {
				return fmt.Errorf("updating last login: %w", err)
			}
		} else {
			res, err := tx.Exec("INSERT INTO accounts (name, last_login) VALUES (?, ?)", name, now)
			if err != nil {
				return fmt.Errorf("inserting account: %w", err)
			}
			if id, err = res.LastInsertId(); err != nil {
				return fmt.Errorf("reading account id: %w", err)
			}
			if _, err := tx.Exec(
				"INSERT INTO message_counters (account_id, sent, accepted) VALUES (?, 0, 0)", id,
			); err != nil {
				return fmt.Errorf("inserting message counters: %w", err)
			}
			created = true
		}

		if _, err := tx.Exec(
			"INSERT INTO login_history (account_id, logged_at, ip_address, port) VALUES (?, ?, ?, ?)",
			id, now, ipAddress, port.Int(),
		); err != nil {
			return fmt.Errorf("inserting login event: %w", err)
		}

		res, err := tx.Exec("DELETE FROM active_sessions WHERE account_id = ?", id)
		if err != nil {
			return fmt.Errorf("dropping stale session: %w", err)
		}
		if n, err := res.RowsAffected(); err == nil {
			replaced = n > 0
		}

		if _, err := tx.Exec(
			"INSERT INTO active_sessions (account_id, ip_address, port, login_time) VALUES (?, ?, ?, ?)",
			id, ipAddress, port.Int(), now,
		); err != nil {
			return fmt.Errorf("inserting session: %w", err)
		}
		return nil
	})
	if err != nil {
		return err
	}

	if replaced {
		s.logger.Info("replaced stale session", zap.String("name", name), zap.String("ip", ipAddress))
	}
	s.logger.Debug("login recorded",
		zap.String("name", name),
		zap.String("ip", ipAddress),
		zap.Int("port", port.Int()),
		zap.Bool("new_account", created))
	return nil
}

// RecordLogout drops the active session of name. Logging out an account that
// has no session is not an error.
func (s *Store) RecordLogout(name string) error {
	return s.withTx("record logout", func(tx *sql.Tx) error {
		id, found, err := accountID(tx, name)
		if err != nil {
			return err
		}
		if !found {
			return notFound(name)
		}

		if _, err := tx.Exec("DELETE FROM active_sessions WHERE account_id = ?", id); err != nil {
			return fmt.Errorf("deleting session: %w", err)
		}
		return nil
	})
}

// RecordMessageExchange counts one message from sender to recipient. Both
// counters move in the same transaction.
func (s *Store) RecordMessageExchange(sender, recipient string) error {
	return s.withTx("record message exchange", func(tx *sql.Tx) error {
		senderID, found, err := accountID(tx, sender)
		if err != nil {
			return err
		}
		if !found {
			return notFound(sender)
		}

		recipientID, found, err := accountID(tx, recipient)
		if err != nil {
			return err
		}
		if !found {
			return notFound(recipient)
		}

		if err := bumpCounter(tx, "sent", senderID); err != nil {
			return err
		}
		return bumpCounter(tx, "accepted", recipientID)
	})
}

// bumpCounter increments column for an account. column is one of the two
// fixed counter names, never caller input.
func bumpCounter(tx *sql.Tx, column string, accountID int64) error {
	res, err := tx.Exec(
		"UPDATE message_counters SET "+column+" = "+column+" + 1 WHERE account_id = ?", accountID,
	)
	if err != nil {
		return fmt.Errorf("incrementing %s: %w", column, err)
	}

	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("incrementing %s: %w", column, err)
	}
	if n != 1 {
		return fmt.Errorf("incrementing %s: no counters for account %d", column, accountID)
	}
	return nil
}

// AddContact adds contact to the contact list of owner. An unknown contact,
// the owner itself, or an edge that already exists leave the store unchanged.
func (s *Store) AddContact(owner, contact string) error {
	return s.withTx("add contact", func(tx *sql.Tx) error {
		ownerID, contactID, ok, err := resolveEdge(tx, owner, contact)
		if err != nil || !ok {
			if err == nil {
				s.logger.Debug("contact add ignored", zap.String("owner", owner), zap.String("contact", contact))
			}
			return err
		}

		if _, err := tx.Exec(
			`INSERT INTO contacts (owner_id, contact_id) VALUES (?, ?)
			ON CONFLICT(owner_id, contact_id) DO NOTHING`,
			ownerID, contactID,
		); err != nil {
			return fmt.Errorf("inserting contact: %w", err)
		}
		return nil
	})
}

// RemoveContact removes contact from the contact list of owner. Removing an
// unknown contact or a missing edge is not an error.
func (s *Store) RemoveContact(owner, contact string) error {
	return s.withTx("remove contact", func(tx *sql.Tx) error {
		ownerID, contactID, ok, err := resolveEdge(tx, owner, contact)
		if err != nil || !ok {
			return err
		}

		if _, err := tx.Exec(
			"DELETE FROM contacts WHERE owner_id = ? AND contact_id = ?", ownerID, contactID,
		); err != nil {
			return fmt.Errorf("deleting contact: %w", err)
		}
		return nil
	})
}

// resolveEdge looks up both ends of a contact edge. The owner must exist;
// ok is false when the edge should be ignored.
func resolveEdge(tx *sql.Tx, owner, contact string) (ownerID, contactID int64, ok bool, err error) {
	ownerID, found, err := accountID(tx, owner)
	if err != nil {
		return 0, 0, false, err
	}
	if !found {
		return 0, 0, false, notFound(owner)
	}

	contactID, found, err = accountID(tx, contact)
	if err != nil {
		return 0, 0, false, err
	}
	if !found || contactID == ownerID {
		return ownerID, contactID, false, nil
	}
	return ownerID, contactID, true, nil
}
