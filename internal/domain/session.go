package domain

import (
	"time"
)

// SessionState is the lifecycle state of a support session.
type SessionState string

const (
	StateWaiting              SessionState = "waiting"
	StateActive               SessionState = "active"
	StateCustomerDisconnected SessionState = "customer_disconnected"
	StateClosed               SessionState = "closed"
)

// Customer identifies the visitor side of a session. Name and ClientID are
// independent identity axes: the same device can reconnect under a
// different name, and a name can show up from different devices.
type Customer struct {
	Name     string `json:"name"`
	ClientID string `json:"clientId,omitempty"`
}

// Admin identifies the agent side of a session. The display name is the
// sole identity key, assumed unique among concurrently logged-in agents.
type Admin struct {
	Name string `json:"name"`
}

// CustomerHistory summarizes prior sessions keyed by the customer's
// display name. Computed once when the session is created.
type CustomerHistory struct {
	IsReturning      bool      `json:"isReturning"`
	PreviousSessions int       `json:"previousSessions"`
	TotalMessages    int       `json:"totalMessages"`
	LastSeen         time.Time `json:"lastSeen"`
}

// ClientHistory summarizes prior sessions keyed by the device's clientId.
// Computed once when the session is created.
type ClientHistory struct {
	IsReturning   bool      `json:"isReturning"`
	TotalSessions int       `json:"totalSessions"`
	PreviousNames []string  `json:"previousNames,omitempty"`
	FirstSeen     time.Time `json:"firstSeen"`
}

// SessionRef is a lightweight link to an archived session that a new
// session continues from.
type SessionRef struct {
	ID           string    `json:"id"`
	MessageCount int       `json:"messageCount"`
	ClosedAt     time.Time `json:"closedAt"`
}

// Session is one customer-support conversation.
type Session struct {
	ID              string           `json:"id"`
	State           SessionState     `json:"state"`
	Customer        *Customer        `json:"customer,omitempty"`
	Admin           *Admin           `json:"admin,omitempty"`
	Messages        []Message        `json:"messages,omitempty"`
	MessageCount    int              `json:"messageCount"`
	CreatedAt       time.Time        `json:"createdAt"`
	ClosedAt        *time.Time       `json:"closedAt,omitempty"`
	CloseReason     string           `json:"closeReason,omitempty"`
	PreviousSession *SessionRef      `json:"previousSession,omitempty"`
	CustomerHistory *CustomerHistory `json:"customerHistory,omitempty"`
	ClientHistory   *ClientHistory   `json:"clientHistory,omitempty"`
}

// Append adds a message and keeps the derived count in step.
func (s *Session) Append(m Message) {
	s.Messages = append(s.Messages, m)
	s.MessageCount = len(s.Messages)
}

// AssignedTo reports whether adminName currently holds this session.
func (s *Session) AssignedTo(adminName string) bool {
	return s.Admin != nil && s.Admin.Name == adminName
}

// Clone returns a deep copy. Snapshots hand out clones so that later
// mutations never show through a previously taken snapshot.
func (s *Session) Clone() Session {
	c := *s
	if s.Customer != nil {
		cust := *s.Customer
		c.Customer = &cust
	}
	if s.Admin != nil {
		adm := *s.Admin
		c.Admin = &adm
	}
	if s.ClosedAt != nil {
		t := *s.ClosedAt
		c.ClosedAt = &t
	}
	if s.PreviousSession != nil {
		ref := *s.PreviousSession
		c.PreviousSession = &ref
	}
	if s.CustomerHistory != nil {
		h := *s.CustomerHistory
		c.CustomerHistory = &h
	}
	if s.ClientHistory != nil {
		h := *s.ClientHistory
		h.PreviousNames = append([]string(nil), s.ClientHistory.PreviousNames...)
		c.ClientHistory = &h
	}
	c.Messages = append([]Message(nil), s.Messages...)
	return c
}

// Ref returns the archived-session link for a session that is closing.
func (s *Session) Ref() SessionRef {
	ref := SessionRef{ID: s.ID, MessageCount: s.MessageCount}
	if s.ClosedAt != nil {
		ref.ClosedAt = *s.ClosedAt
	}
	return ref
}
