// Package identity maps an inbound customer connection to its history.
// A customer has two independent identity axes: the display name they
// chose and the clientId fingerprint of their device. Both summaries are
// computed once, at session creation, and never updated retroactively.
package identity

import (
	"fmt"
	"time"

	"github.com/tessiv/livedesk/internal/domain"
	"github.com/tessiv/livedesk/internal/logging"
	"github.com/tessiv/livedesk/internal/store"
)

// Resolution is everything the coordinator needs to create a session for
// a connecting customer.
type Resolution struct {
	Customer        domain.Customer
	CustomerHistory *domain.CustomerHistory
	ClientHistory   *domain.ClientHistory
	PreviousSession *domain.SessionRef
}

// Resolver computes history summaries from the closed-session archive.
type Resolver struct {
	archive *store.Archive
	window  time.Duration
	log     *logging.Logger
}

// NewResolver creates a resolver. window is how recently a session from
// the same device must have closed for the new session to link to it.
func NewResolver(archive *store.Archive, window time.Duration, log *logging.Logger) *Resolver {
	return &Resolver{archive: archive, window: window, log: log.Sub("identity")}
}

// Resolve builds the identity summaries for a connecting customer.
// clientID may be empty when the device could not be fingerprinted; the
// name axis is always present.
func (r *Resolver) Resolve(name, clientID string) (Resolution, error) {
	res := Resolution{
		Customer: domain.Customer{Name: name, ClientID: clientID},
	}

	byName, err := r.archive.ByCustomerName(name)
	if err != nil {
		return Resolution{}, fmt.Errorf("name history for %q: %w", name, err)
	}
	res.CustomerHistory = nameHistory(byName)

	if clientID == "" {
		return res, nil
	}

	byClient, err := r.archive.ByClientID(clientID)
	if err != nil {
		return Resolution{}, fmt.Errorf("client history for %q: %w", clientID, err)
	}
	res.ClientHistory = clientHistory(byClient)
	res.PreviousSession = r.previousSession(byClient)

	if res.ClientHistory.IsReturning {
		r.log.Debug().
			Str("clientId", clientID).
			Str("name", name).
			Int("totalSessions", res.ClientHistory.TotalSessions).
			Msg("returning device")
	}
	return res, nil
}

func nameHistory(sessions []domain.Session) *domain.CustomerHistory {
	h := &domain.CustomerHistory{
		IsReturning:      len(sessions) > 0,
		PreviousSessions: len(sessions),
	}
	for _, s := range sessions {
		h.TotalMessages += s.MessageCount
		if s.ClosedAt != nil && s.ClosedAt.After(h.LastSeen) {
			h.LastSeen = *s.ClosedAt
		}
	}
	return h
}

func clientHistory(sessions []domain.Session) *domain.ClientHistory {
	h := &domain.ClientHistory{
		IsReturning:   len(sessions) > 0,
		TotalSessions: len(sessions),
	}
	seen := make(map[string]bool)
	for _, s := range sessions {
		if h.FirstSeen.IsZero() || s.CreatedAt.Before(h.FirstSeen) {
			h.FirstSeen = s.CreatedAt
		}
		if s.Customer == nil || seen[s.Customer.Name] {
			continue
		}
		seen[s.Customer.Name] = true
		h.PreviousNames = append(h.PreviousNames, s.Customer.Name)
	}
	return h
}

// previousSession picks the most recently closed session for the device,
// but only if it closed within the link window.
func (r *Resolver) previousSession(sessions []domain.Session) *domain.SessionRef {
	var latest *domain.Session
	for i := range sessions {
		s := &sessions[i]
		if s.ClosedAt == nil {
			continue
		}
		if latest == nil || s.ClosedAt.After(*latest.ClosedAt) {
			latest = s
		}
	}
	if latest == nil || time.Since(*latest.ClosedAt) > r.window {
		return nil
	}
	ref := latest.Ref()
	return &ref
}
