package store

import (
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/tessiv/livedesk/internal/domain"
)

// Archive is the append-only store of terminated sessions. Writes happen
// synchronously with close; rows are never updated afterwards.
type Archive struct {
	db *DB
}

// NewArchive creates an archive over the given database.
func NewArchive(db *DB) *Archive {
	return &Archive{db: db}
}

// Store appends a closed session and its messages in one transaction.
func (a *Archive) Store(sess domain.Session) error {
	if sess.ClosedAt == nil {
		return errors.New("archive: session has no close time")
	}

	tx, err := a.db.sql.Begin()
	if err != nil {
		return fmt.Errorf("archive begin: %w", err)
	}

	var customerName, clientID, adminName, prevID string
	if sess.Customer != nil {
		customerName = sess.Customer.Name
		clientID = sess.Customer.ClientID
	}
	if sess.Admin != nil {
		adminName = sess.Admin.Name
	}
	if sess.PreviousSession != nil {
		prevID = sess.PreviousSession.ID
	}

	if _, err := tx.Exec(
		`INSERT INTO closed_sessions
		   (id, customer_name, client_id, admin_name, close_reason, previous_session_id, created_at, closed_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		sess.ID, customerName, clientID, adminName, sess.CloseReason, prevID,
		sess.CreatedAt.UnixNano(), sess.ClosedAt.UnixNano(),
	); err != nil {
		tx.Rollback()
		return fmt.Errorf("archive session %s: %w", sess.ID, err)
	}

	for _, msg := range sess.Messages {
		if _, err := tx.Exec(
			`INSERT INTO closed_messages (session_id, message_id, user, body, timestamp, is_admin, is_system)
			 VALUES (?, ?, ?, ?, ?, ?, ?)`,
			sess.ID, msg.ID, msg.User, msg.Message, msg.Timestamp.UnixNano(), msg.IsAdmin, msg.IsSystem,
		); err != nil {
			tx.Rollback()
			return fmt.Errorf("archive message for %s: %w", sess.ID, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("archive commit: %w", err)
	}
	a.db.log.Debug().Str("sessionId", sess.ID).Int("messages", len(sess.Messages)).Msg("session archived")
	return nil
}

// Get returns an archived session with its full message list.
func (a *Archive) Get(id string) (domain.Session, error) {
	row := a.db.sql.QueryRow(
		`SELECT id, customer_name, client_id, admin_name, close_reason, previous_session_id, created_at, closed_at
		 FROM closed_sessions WHERE id = ?`, id,
	)
	sess, err := scanClosedSession(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return domain.Session{}, ErrNotFound
		}
		return domain.Session{}, err
	}

	msgs, err := a.loadMessages(id)
	if err != nil {
		return domain.Session{}, err
	}
	sess.Messages = msgs
	sess.MessageCount = len(msgs)
	return sess, nil
}

// List returns all archived sessions, latest close first, ties broken by
// creation time. Messages are not loaded; MessageCount is.
func (a *Archive) List() ([]domain.Session, error) {
	rows, err := a.db.sql.Query(
		`SELECT s.id, s.customer_name, s.client_id, s.admin_name, s.close_reason, s.previous_session_id,
		        s.created_at, s.closed_at,
		        (SELECT COUNT(*) FROM closed_messages m WHERE m.session_id = s.id)
		 FROM closed_sessions s
		 ORDER BY s.closed_at DESC, s.created_at DESC`,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanClosedSessions(rows)
}

// ByClientID returns archived sessions for a device, oldest first, with
// full message lists (the client-history view shows transcripts).
func (a *Archive) ByClientID(clientID string) ([]domain.Session, error) {
	rows, err := a.db.sql.Query(
		`SELECT s.id, s.customer_name, s.client_id, s.admin_name, s.close_reason, s.previous_session_id,
		        s.created_at, s.closed_at,
		        (SELECT COUNT(*) FROM closed_messages m WHERE m.session_id = s.id)
		 FROM closed_sessions s
		 WHERE s.client_id = ?
		 ORDER BY s.created_at ASC`, clientID,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	sessions, err := scanClosedSessions(rows)
	if err != nil {
		return nil, err
	}
	for i := range sessions {
		msgs, err := a.loadMessages(sessions[i].ID)
		if err != nil {
			return nil, err
		}
		sessions[i].Messages = msgs
	}
	return sessions, nil
}

// ByCustomerName returns archived sessions whose customer display name
// matches exactly. Messages are not loaded.
func (a *Archive) ByCustomerName(name string) ([]domain.Session, error) {
	rows, err := a.db.sql.Query(
		`SELECT s.id, s.customer_name, s.client_id, s.admin_name, s.close_reason, s.previous_session_id,
		        s.created_at, s.closed_at,
		        (SELECT COUNT(*) FROM closed_messages m WHERE m.session_id = s.id)
		 FROM closed_sessions s
		 WHERE s.customer_name = ?
		 ORDER BY s.created_at ASC`, name,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanClosedSessions(rows)
}

func (a *Archive) loadMessages(sessionID string) ([]domain.Message, error) {
	rows, err := a.db.sql.Query(
		`SELECT message_id, user, body, timestamp, is_admin, is_system
		 FROM closed_messages WHERE session_id = ? ORDER BY id`, sessionID,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var msgs []domain.Message
	for rows.Next() {
		var msg domain.Message
		var ts int64
		if err := rows.Scan(&msg.ID, &msg.User, &msg.Message, &ts, &msg.IsAdmin, &msg.IsSystem); err != nil {
			return nil, err
		}
		msg.Timestamp = time.Unix(0, ts)
		msgs = append(msgs, msg)
	}
	return msgs, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanClosedSession(row rowScanner) (domain.Session, error) {
	var (
		sess                                  domain.Session
		customerName, clientID, admin, prevID string
		createdAt, closedAt                   int64
	)
	if err := row.Scan(&sess.ID, &customerName, &clientID, &admin, &sess.CloseReason, &prevID, &createdAt, &closedAt); err != nil {
		return domain.Session{}, err
	}

	sess.State = domain.StateClosed
	sess.CreatedAt = time.Unix(0, createdAt)
	if closedAt != 0 {
		t := time.Unix(0, closedAt)
		sess.ClosedAt = &t
	}
	if customerName != "" || clientID != "" {
		sess.Customer = &domain.Customer{Name: customerName, ClientID: clientID}
	}
	if admin != "" {
		sess.Admin = &domain.Admin{Name: admin}
	}
	if prevID != "" {
		sess.PreviousSession = &domain.SessionRef{ID: prevID}
	}
	return sess, nil
}

func scanClosedSessions(rows *sql.Rows) ([]domain.Session, error) {
	var sessions []domain.Session
	for rows.Next() {
		var (
			sess                                  domain.Session
			customerName, clientID, admin, prevID string
			createdAt, closedAt                   int64
			count                                 int
		)
		if err := rows.Scan(&sess.ID, &customerName, &clientID, &admin, &sess.CloseReason, &prevID,
			&createdAt, &closedAt, &count); err != nil {
			return nil, err
		}
		sess.State = domain.StateClosed
		sess.CreatedAt = time.Unix(0, createdAt)
		if closedAt != 0 {
			t := time.Unix(0, closedAt)
			sess.ClosedAt = &t
		}
		if customerName != "" || clientID != "" {
			sess.Customer = &domain.Customer{Name: customerName, ClientID: clientID}
		}
		if admin != "" {
			sess.Admin = &domain.Admin{Name: admin}
		}
		if prevID != "" {
			sess.PreviousSession = &domain.SessionRef{ID: prevID}
		}
		sess.MessageCount = count
		sessions = append(sessions, sess)
	}
	return sessions, rows.Err()
}
