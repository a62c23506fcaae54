// Package presence serializes claim, leave, and close operations against
// the live session table and mediates concurrent-claim races.
package presence

import (
	"errors"
	"fmt"
	"time"

	"github.com/tessiv/livedesk/internal/domain"
	"github.com/tessiv/livedesk/internal/identity"
	"github.com/tessiv/livedesk/internal/logging"
	"github.com/tessiv/livedesk/internal/store"
)

var (
	// ErrAlreadyAssigned means the session already has a different admin.
	// The losing claimer takes no compensating action; the next broadcast
	// shows the winner.
	ErrAlreadyAssigned = errors.New("session already assigned")

	// ErrForbidden means the caller is not the session's admin.
	ErrForbidden = errors.New("not the session admin")
)

// Coordinator is the sole mutator of session presence state.
type Coordinator struct {
	live     *store.Live
	archive  *store.Archive
	resolver *identity.Resolver
	log      *logging.Logger
}

// NewCoordinator wires the coordinator to its store and resolver.
func NewCoordinator(live *store.Live, archive *store.Archive, resolver *identity.Resolver, log *logging.Logger) *Coordinator {
	return &Coordinator{
		live:     live,
		archive:  archive,
		resolver: resolver,
		log:      log.Sub("presence"),
	}
}

// Connect creates a session for a connecting customer, linked to the
// device's previous session when it closed recently enough.
func (c *Coordinator) Connect(name, clientID string) (domain.Session, error) {
	res, err := c.resolver.Resolve(name, clientID)
	if err != nil {
		return domain.Session{}, fmt.Errorf("resolving customer identity: %w", err)
	}

	sess := domain.Session{
		ID:              domain.NewSessionID(),
		State:           domain.StateWaiting,
		Customer:        &res.Customer,
		CreatedAt:       time.Now(),
		PreviousSession: res.PreviousSession,
		CustomerHistory: res.CustomerHistory,
		ClientHistory:   res.ClientHistory,
	}

	created := c.live.Create(sess)
	c.log.Info().
		Str("sessionId", created.ID).
		Str("customer", name).
		Bool("returning", res.CustomerHistory != nil && res.CustomerHistory.IsReturning).
		Msg("customer connected")
	return created, nil
}

// Claim assigns the session to adminName and activates it. The first
// claim to commit wins; a later claim by a different admin observes
// ErrAlreadyAssigned without mutating anything. Claiming a session this
// admin already holds is a no-op. If the admin holds a different ACTIVE
// session it is deliberately not released here: a duplicate stale
// command must not evict a live assignment, so the reconciliation engine
// resolves which session the agent follows.
func (c *Coordinator) Claim(sessionID, adminName string) (domain.Session, error) {
	sess, err := c.live.Mutate(sessionID, func(s *domain.Session) error {
		if s.Admin != nil {
			if s.Admin.Name == adminName {
				return store.ErrNoChange
			}
			return ErrAlreadyAssigned
		}
		s.Admin = &domain.Admin{Name: adminName}
		s.State = domain.StateActive
		s.Append(domain.NewSystemMessage(adminName + " joined the session"))
		return nil
	})
	if err != nil {
		return domain.Session{}, err
	}
	c.log.Info().Str("sessionId", sessionID).Str("admin", adminName).Msg("session claimed")
	return sess, nil
}

// Release clears the session's admin and returns it to the waiting pool.
// Idempotent: releasing an unassigned or vanished session is a no-op.
func (c *Coordinator) Release(sessionID string) error {
	_, err := c.live.Mutate(sessionID, func(s *domain.Session) error {
		if s.Admin == nil {
			return store.ErrNoChange
		}
		name := s.Admin.Name
		s.Admin = nil
		if s.State == domain.StateActive {
			s.State = domain.StateWaiting
		}
		s.Append(domain.NewSystemMessage(name + " left the session"))
		return nil
	})
	if errors.Is(err, store.ErrNotFound) {
		return nil
	}
	return err
}

// CloseByAdmin terminates a session. Only the owning admin may close.
// The archive row is written inside the close critical section: if the
// write fails the session stays in the live table with its transcript
// intact and the close can be retried.
func (c *Coordinator) CloseByAdmin(sessionID, adminName, reason string) (domain.Session, error) {
	closed, err := c.live.Close(sessionID, reason,
		func(s *domain.Session) error {
			if !s.AssignedTo(adminName) {
				return ErrForbidden
			}
			s.Append(domain.NewSystemMessage("Session closed by " + adminName))
			return nil
		},
		func(final domain.Session) error {
			if err := c.archive.Store(final); err != nil {
				return fmt.Errorf("archiving session %s: %w", sessionID, err)
			}
			return nil
		})
	if err != nil {
		return domain.Session{}, err
	}
	c.log.Info().Str("sessionId", sessionID).Str("admin", adminName).Str("reason", reason).Msg("session closed by admin")
	return closed, nil
}

// CustomerDisconnected marks the customer side gone. The admin, if any,
// is retained and may still close the session.
func (c *Coordinator) CustomerDisconnected(sessionID string) error {
	_, err := c.live.Mutate(sessionID, func(s *domain.Session) error {
		if s.State == domain.StateCustomerDisconnected {
			return store.ErrNoChange
		}
		s.State = domain.StateCustomerDisconnected
		s.Append(domain.NewSystemMessage("Customer disconnected"))
		return nil
	})
	return err
}

// AppendMessage adds a chat message to an open session. isAdmin guards
// that an agent can only write to the session they hold.
func (c *Coordinator) AppendMessage(sessionID, user, text string, isAdmin bool) (domain.Message, error) {
	msg := domain.NewMessage(user, text, isAdmin)
	_, err := c.live.Mutate(sessionID, func(s *domain.Session) error {
		if isAdmin && !s.AssignedTo(user) {
			return ErrForbidden
		}
		s.Append(msg)
		return nil
	})
	if err != nil {
		return domain.Message{}, err
	}
	return msg, nil
}
