package store

import (
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/tessiv/livedesk/internal/domain"
	"github.com/tessiv/livedesk/internal/logging"
)

var (
	// ErrNotFound means the session id is unknown to the live table,
	// which includes sessions that have already closed.
	ErrNotFound = errors.New("session not found")

	// ErrNoChange can be returned from a Mutate callback to abort the
	// mutation without an error and without a broadcast.
	ErrNoChange = errors.New("no change")
)

// Notify receives the full session snapshot after every committed
// mutation. seq is the commit order: strictly increasing, no gaps.
// Called synchronously under the table lock, so deliveries are totally
// ordered.
type Notify func(seq int64, sessions []domain.Session)

// Live is the authoritative table of open sessions. All mutations go
// through a single serialization point; List never observes a
// half-applied mutation.
type Live struct {
	mu       sync.Mutex
	sessions map[string]*domain.Session
	seq      int64
	notify   Notify
	log      *logging.Logger
}

// NewLive creates an empty live session table.
func NewLive(log *logging.Logger) *Live {
	return &Live{
		sessions: make(map[string]*domain.Session),
		log:      log.Sub("store"),
	}
}

// SetNotify registers the snapshot hook. Must be called before the first
// mutation.
func (l *Live) SetNotify(fn Notify) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.notify = fn
}

// Create inserts a new session and broadcasts.
func (l *Live) Create(sess domain.Session) domain.Session {
	l.mu.Lock()
	defer l.mu.Unlock()

	stored := sess.Clone()
	l.sessions[stored.ID] = &stored
	l.log.Info().Str("sessionId", stored.ID).Str("state", string(stored.State)).Msg("session created")
	l.commitLocked()
	return stored.Clone()
}

// Get returns a copy of a session by id.
func (l *Live) Get(id string) (domain.Session, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	sess, ok := l.sessions[id]
	if !ok {
		return domain.Session{}, ErrNotFound
	}
	return sess.Clone(), nil
}

// List returns a point-in-time snapshot of all open sessions, ordered by
// creation (session ids are ULID-based, so id order is creation order).
func (l *Live) List() []domain.Session {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.snapshotLocked()
}

// Mutate applies fn to the session atomically. fn runs under the table
// lock; if it returns an error nothing is committed and nothing is
// broadcast. ErrNoChange aborts silently without an error.
func (l *Live) Mutate(id string, fn func(*domain.Session) error) (domain.Session, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	sess, ok := l.sessions[id]
	if !ok {
		return domain.Session{}, ErrNotFound
	}
	if err := fn(sess); err != nil {
		if errors.Is(err, ErrNoChange) {
			return sess.Clone(), nil
		}
		return domain.Session{}, err
	}
	l.commitLocked()
	return sess.Clone(), nil
}

// Close terminates a session. check runs first under the lock and can
// veto (e.g. a non-owning admin); commit, if given, runs next with the
// final closed state and must succeed before the session leaves the
// table, so a failed archive write leaves the session live and the close
// retryable. On success the session is removed and the shrunken set is
// broadcast. The returned copy is the exact state at the moment of
// close, messages included.
func (l *Live) Close(id, reason string, check func(*domain.Session) error, commit func(domain.Session) error) (domain.Session, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	sess, ok := l.sessions[id]
	if !ok {
		return domain.Session{}, ErrNotFound
	}

	// Work on a clone so a vetoed check or failed commit leaves the live
	// entry untouched.
	work := sess.Clone()
	if check != nil {
		if err := check(&work); err != nil {
			return domain.Session{}, err
		}
	}

	now := time.Now()
	work.State = domain.StateClosed
	work.ClosedAt = &now
	work.CloseReason = reason
	if commit != nil {
		if err := commit(work.Clone()); err != nil {
			return domain.Session{}, err
		}
	}
	delete(l.sessions, id)

	l.log.Info().Str("sessionId", id).Str("reason", reason).Msg("session closed")
	l.commitLocked()
	return work, nil
}

// Snapshot returns the open session set together with the seq of the
// mutation that produced it, read under one lock acquisition so the
// pair is never skewed by a concurrent commit.
func (l *Live) Snapshot() ([]domain.Session, int64) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.snapshotLocked(), l.seq
}

// Seq returns the sequence number of the latest committed mutation.
func (l *Live) Seq() int64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.seq
}

func (l *Live) commitLocked() {
	l.seq++
	if l.notify != nil {
		l.notify(l.seq, l.snapshotLocked())
	}
}

func (l *Live) snapshotLocked() []domain.Session {
	out := make([]domain.Session, 0, len(l.sessions))
	for _, sess := range l.sessions {
		out = append(out, sess.Clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}
