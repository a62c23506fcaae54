// Package console is the agent side of the coordinator: it consumes
// full-state snapshots and point events, converges on "which session is
// mine", and issues commands back to the gateway.
package console

import (
	"errors"
	"sync"
	"time"

	"github.com/tessiv/livedesk/internal/domain"
	"github.com/tessiv/livedesk/internal/logging"
)

// ErrUnconfirmed is delivered through Listener.JoinUnconfirmed when a
// claim is not acknowledged by a confirming event or snapshot within the
// wait window. The optimistic local state is left in place; clearing or
// retrying is caller policy.
var ErrUnconfirmed = errors.New("join not confirmed")

// DefaultJoinWait bounds how long a claim may stay unconfirmed.
const DefaultJoinWait = time.Second

// Commander issues commands toward the coordinator. Sends are
// fire-and-forget from the engine's point of view; resolution arrives as
// events and snapshots.
type Commander interface {
	Claim(sessionID string) error
	Release(sessionID string) error
	Close(sessionID, reason string) error
	Send(sessionID, text string) error
	FetchHistory(sessionID string) error
	RequestSnapshot() error
}

// ClientHistoryReport aggregates one device's archived sessions, as
// answered by the coordinator's device-axis history query.
type ClientHistoryReport struct {
	ClientID      string
	TotalSessions int
	TotalMessages int
	Sessions      []domain.Session
}

// Listener receives the engine's state changes. This is the seam the
// presentation layer hangs off.
type Listener interface {
	SessionAdopted(s domain.Session)
	SessionCleared(sessionID string)
	JoinUnconfirmed(sessionID string, err error)
	MessageReceived(sessionID string, m domain.Message)
	ClosedListReceived(sessions []domain.Session)
	ClientHistoryReceived(report ClientHistoryReport)
}

// NopListener discards all notifications.
type NopListener struct{}

func (NopListener) SessionAdopted(domain.Session)             {}
func (NopListener) SessionCleared(string)                     {}
func (NopListener) JoinUnconfirmed(string, error)             {}
func (NopListener) MessageReceived(string, domain.Message)    {}
func (NopListener) ClosedListReceived([]domain.Session)       {}
func (NopListener) ClientHistoryReceived(ClientHistoryReport) {}

// Engine reconciles the agent's local view from repeated snapshot
// delivery. Applying the same snapshot twice is a no-op, and any
// sequence of snapshots converges to the state implied by the most
// recently applied one.
type Engine struct {
	mu        sync.Mutex
	adminName string
	cache     map[string]domain.Session
	current   *domain.Session
	pending   *pendingJoin
	joinWait  time.Duration

	cmd      Commander
	listener Listener
	log      *logging.Logger
}

type pendingJoin struct {
	sessionID string
	timer     *time.Timer
}

// NewEngine creates a reconciliation engine for the named agent.
func NewEngine(adminName string, cmd Commander, listener Listener, log *logging.Logger) *Engine {
	if listener == nil {
		listener = NopListener{}
	}
	return &Engine{
		adminName: adminName,
		cache:     make(map[string]domain.Session),
		joinWait:  DefaultJoinWait,
		cmd:       cmd,
		listener:  listener,
		log:       log.Sub("console"),
	}
}

// SetJoinWait overrides the join confirmation window.
func (e *Engine) SetJoinWait(d time.Duration) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.joinWait = d
}

// AdminName returns the agent identity this engine reconciles for.
func (e *Engine) AdminName() string { return e.adminName }

// Current returns a copy of the agent's believed active session.
func (e *Engine) Current() (domain.Session, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.current == nil {
		return domain.Session{}, false
	}
	return e.current.Clone(), true
}

// Sessions returns a copy of the cached snapshot.
func (e *Engine) Sessions() []domain.Session {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]domain.Session, 0, len(e.cache))
	for _, s := range e.cache {
		out = append(out, s.Clone())
	}
	return out
}

// ApplySnapshot replaces the local cache wholesale and re-derives the
// agent's own session. Snapshots are full-state, so the order of
// application, not of generation, determines the result.
func (e *Engine) ApplySnapshot(sessions []domain.Session) {
	e.mu.Lock()
	defer e.mu.Unlock()

	e.cache = make(map[string]domain.Session, len(sessions))
	var mine *domain.Session
	for i := range sessions {
		s := sessions[i].Clone()
		e.cache[s.ID] = s
		if s.AssignedTo(e.adminName) {
			// Sessions arrive in creation order; when the store briefly
			// holds two assignments for this agent, follow the newest.
			m := s
			mine = &m
		}
	}

	switch {
	case mine != nil && e.current == nil:
		// Auto-attach: the agent already owns a session, e.g. after a
		// reconnect, before any local join was issued.
		e.adoptLocked(*mine)

	case mine != nil && e.current.ID != mine.ID:
		// Server-forced handoff.
		e.adoptLocked(*mine)

	case mine != nil:
		// Same session: refresh metadata but keep the locally
		// accumulated message cache, since snapshots omit messages.
		e.current.Customer = mine.Customer
		e.current.State = mine.State
		e.current.Admin = mine.Admin
		e.current.MessageCount = mine.MessageCount
		e.confirmLocked(mine.ID)

	case e.current != nil:
		// Assignment revoked or session closed. Surfaced, not retried.
		id := e.current.ID
		e.current = nil
		e.cancelPendingLocked()
		e.log.Info().Str("sessionId", id).Msg("assignment gone from snapshot")
		e.listener.SessionCleared(id)
	}
}

// adoptLocked makes sess the current session and fetches history when the
// snapshot carried no messages.
func (e *Engine) adoptLocked(sess domain.Session) {
	adopted := sess.Clone()
	e.current = &adopted
	e.confirmLocked(sess.ID)
	e.log.Info().Str("sessionId", sess.ID).Msg("session adopted")
	e.listener.SessionAdopted(adopted.Clone())

	if len(adopted.Messages) == 0 && adopted.MessageCount > 0 {
		if err := e.cmd.FetchHistory(adopted.ID); err != nil {
			e.log.Warn().Err(err).Str("sessionId", adopted.ID).Msg("history fetch failed")
		}
	}
}

// confirmLocked cancels a pending join wait that sess resolves.
func (e *Engine) confirmLocked(sessionID string) {
	if e.pending == nil || e.pending.sessionID != sessionID {
		return
	}
	e.pending.timer.Stop()
	e.pending = nil
}

func (e *Engine) cancelPendingLocked() {
	if e.pending == nil {
		return
	}
	e.pending.timer.Stop()
	e.pending = nil
}

// Join optimistically adopts the cached session entry so the caller's UI
// responds immediately, sends the claim, and arms the confirmation
// timer. Resolution comes from HandleJoined or a snapshot; silence past
// the wait window reports JoinUnconfirmed.
func (e *Engine) Join(sessionID string) error {
	e.mu.Lock()

	if e.current != nil && e.current.ID == sessionID {
		e.mu.Unlock()
		return nil
	}

	if cached, ok := e.cache[sessionID]; ok {
		optimistic := cached.Clone()
		e.current = &optimistic
		e.listener.SessionAdopted(optimistic.Clone())
	}

	e.cancelPendingLocked()
	pj := &pendingJoin{sessionID: sessionID}
	pj.timer = time.AfterFunc(e.joinWait, func() { e.joinExpired(pj) })
	e.pending = pj
	e.mu.Unlock()

	return e.cmd.Claim(sessionID)
}

func (e *Engine) joinExpired(pj *pendingJoin) {
	e.mu.Lock()
	if e.pending != pj {
		e.mu.Unlock()
		return
	}
	e.pending = nil
	id := pj.sessionID
	e.mu.Unlock()

	e.log.Warn().Str("sessionId", id).Msg("join unconfirmed")
	e.listener.JoinUnconfirmed(id, ErrUnconfirmed)
}

// HandleJoined applies a join confirmation carrying the full transcript.
func (e *Engine) HandleJoined(sessionID string, customer *domain.Customer, messages []domain.Message) {
	e.mu.Lock()
	defer e.mu.Unlock()

	sess := domain.Session{
		ID:           sessionID,
		State:        domain.StateActive,
		Customer:     customer,
		Admin:        &domain.Admin{Name: e.adminName},
		Messages:     append([]domain.Message(nil), messages...),
		MessageCount: len(messages),
	}
	e.current = &sess
	e.confirmLocked(sessionID)
	e.listener.SessionAdopted(sess.Clone())
}

// HandleClaimRejected surfaces a losing claim. State already reflects
// the loss once the winner's broadcast lands; this only stops the wait.
func (e *Engine) HandleClaimRejected(sessionID string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.confirmLocked(sessionID)
}

// ApplyHistory installs a fetched transcript into the current session.
func (e *Engine) ApplyHistory(sessionID string, messages []domain.Message) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.current == nil || e.current.ID != sessionID {
		return
	}
	e.current.Messages = append([]domain.Message(nil), messages...)
	e.current.MessageCount = len(messages)
}

// HandleMessage appends a delivered chat line to the current session.
func (e *Engine) HandleMessage(sessionID string, m domain.Message) {
	e.mu.Lock()
	if e.current == nil || e.current.ID != sessionID {
		e.mu.Unlock()
		return
	}
	e.current.Append(m)
	e.mu.Unlock()
	e.listener.MessageReceived(sessionID, m)
}

// HandleClosedList delivers an archive listing to the presentation
// layer. The engine holds no archive state; closed sessions pass
// straight through.
func (e *Engine) HandleClosedList(sessions []domain.Session) {
	e.listener.ClosedListReceived(sessions)
}

// HandleClientHistory delivers a device-axis history report.
func (e *Engine) HandleClientHistory(report ClientHistoryReport) {
	e.listener.ClientHistoryReceived(report)
}

// Leave clears the current session immediately (client-predicted) and
// tells the coordinator. The next snapshot is authoritative: if it still
// shows this agent assigned, the auto-attach path re-adopts.
func (e *Engine) Leave() error {
	e.mu.Lock()
	if e.current == nil {
		e.mu.Unlock()
		return nil
	}
	id := e.current.ID
	e.current = nil
	e.cancelPendingLocked()
	e.mu.Unlock()

	e.listener.SessionCleared(id)
	return e.cmd.Release(id)
}

// CloseSession closes the current session with the given reason,
// clearing local state immediately.
func (e *Engine) CloseSession(reason string) error {
	e.mu.Lock()
	if e.current == nil {
		e.mu.Unlock()
		return nil
	}
	id := e.current.ID
	e.current = nil
	e.cancelPendingLocked()
	e.mu.Unlock()

	e.listener.SessionCleared(id)
	return e.cmd.Close(id, reason)
}

// SendMessage sends a chat line on the current session.
func (e *Engine) SendMessage(text string) error {
	e.mu.Lock()
	if e.current == nil {
		e.mu.Unlock()
		return errors.New("no active session")
	}
	id := e.current.ID
	e.mu.Unlock()
	return e.cmd.Send(id, text)
}

// Resync requests a fresh full snapshot; used after reconnect since
// missed broadcasts are not redelivered.
func (e *Engine) Resync() error {
	return e.cmd.RequestSnapshot()
}
