package gateway

import (
	"encoding/json"

	"github.com/tessiv/livedesk/internal/domain"
)

// Frame types for the WebSocket protocol.
const (
	FrameTypeRequest  = "req"
	FrameTypeResponse = "res"
	FrameTypeEvent    = "event"
)

// RPC methods accepted from agent connections.
const (
	MethodIdentify      = "identify"
	MethodSessionList   = "session.list"
	MethodClaim         = "session.claim"
	MethodRelease       = "session.release"
	MethodClose         = "session.close"
	MethodSend          = "chat.send"
	MethodHistory       = "session.history"
	MethodArchiveList   = "archive.list"
	MethodArchiveGet    = "archive.get"
	MethodClientHistory = "client.history"
)

// Events pushed by the coordinator.
const (
	EventSnapshot             = "session.snapshot"
	EventJoined               = "session.joined"
	EventHistory              = "session.history"
	EventMessage              = "chat.message"
	EventNewSession           = "session.new"
	EventCustomerDisconnected = "customer.disconnected"
	EventSessionStarted       = "session.started"
)

// Frame is the base envelope for all WebSocket messages. The Type field
// discriminates between request, response, and event frames.
type Frame struct {
	Type string `json:"type"`

	// Request fields
	ID     string          `json:"id,omitempty"`
	Method string          `json:"method,omitempty"`
	Params json.RawMessage `json:"params,omitempty"`

	// Response fields
	OK      *bool           `json:"ok,omitempty"`
	Payload json.RawMessage `json:"payload,omitempty"`

	// Event fields
	Event string `json:"event,omitempty"`
	Seq   int64  `json:"seq,omitempty"`

	// Error (response only)
	Error *ErrorShape `json:"error,omitempty"`
}

// ErrorShape is the standard error format in response frames.
type ErrorShape struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Details any    `json:"details,omitempty"`
}

// IdentifyParams announces the agent's display name. The name is the
// agent's identity for assignment purposes.
type IdentifyParams struct {
	Name string `json:"name"`
}

// SessionParams carries a session id for claim/close/history requests.
type SessionParams struct {
	SessionID string `json:"sessionId"`
}

// CloseParams carries the close request detail.
type CloseParams struct {
	SessionID string `json:"sessionId"`
	Reason    string `json:"reason,omitempty"`
}

// ReleaseParams optionally names the session to release; when empty the
// agent's currently assigned session is released.
type ReleaseParams struct {
	SessionID string `json:"sessionId,omitempty"`
}

// SendParams carries an outbound chat message.
type SendParams struct {
	SessionID string `json:"sessionId"`
	Message   string `json:"message"`
}

// ClientHistoryParams requests the device-axis history for a clientId.
type ClientHistoryParams struct {
	ClientID string `json:"clientId"`
}

// SnapshotPayload is the full-state broadcast sent on every mutation.
// Sessions omit their message lists; messageCount stands in for them and
// session.history fetches the full transcript on demand.
type SnapshotPayload struct {
	Sessions []domain.Session `json:"sessions"`
}

// JoinedPayload confirms a successful claim.
type JoinedPayload struct {
	SessionID string           `json:"sessionId"`
	Customer  *domain.Customer `json:"customer,omitempty"`
	Messages  []domain.Message `json:"messages"`
}

// HistoryPayload answers a session.history request.
type HistoryPayload struct {
	SessionID string           `json:"sessionId"`
	Customer  *domain.Customer `json:"customer,omitempty"`
	Messages  []domain.Message `json:"messages"`
}

// MessagePayload delivers one chat message to a session participant.
type MessagePayload struct {
	SessionID string         `json:"sessionId"`
	Message   domain.Message `json:"message"`
}

// NewSessionPayload alerts agents that a customer is waiting.
type NewSessionPayload struct {
	SessionID string           `json:"sessionId"`
	Customer  *domain.Customer `json:"customer,omitempty"`
}

// CustomerDisconnectedPayload tells agents a customer dropped.
type CustomerDisconnectedPayload struct {
	SessionID string `json:"sessionId"`
}

// ArchiveListPayload answers archive.list.
type ArchiveListPayload struct {
	Sessions []domain.Session `json:"sessions"`
}

// ArchiveDetailPayload answers archive.get with the full transcript.
type ArchiveDetailPayload struct {
	Session domain.Session `json:"session"`
}

// ClientHistoryPayload answers client.history: every archived session for
// one device, transcript included.
type ClientHistoryPayload struct {
	ClientID      string           `json:"clientId"`
	TotalSessions int              `json:"totalSessions"`
	TotalMessages int              `json:"totalMessages"`
	Sessions      []domain.Session `json:"sessions"`
}

// SessionStartedPayload is sent to a customer once their session exists.
type SessionStartedPayload struct {
	SessionID string `json:"sessionId"`
	Customer  domain.Customer `json:"customer"`
}

// NewRequest creates a request frame.
func NewRequest(id, method string, params any) (Frame, error) {
	raw, err := json.Marshal(params)
	if err != nil {
		return Frame{}, err
	}
	return Frame{
		Type:   FrameTypeRequest,
		ID:     id,
		Method: method,
		Params: raw,
	}, nil
}

// NewResponse creates a success response frame.
func NewResponse(id string, payload any) (Frame, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return Frame{}, err
	}
	ok := true
	return Frame{
		Type:    FrameTypeResponse,
		ID:      id,
		OK:      &ok,
		Payload: raw,
	}, nil
}

// NewErrorResponse creates an error response frame.
func NewErrorResponse(id string, errShape ErrorShape) Frame {
	ok := false
	return Frame{
		Type:  FrameTypeResponse,
		ID:    id,
		OK:    &ok,
		Error: &errShape,
	}
}

// NewEvent creates an event frame.
func NewEvent(event string, payload any, seq int64) (Frame, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return Frame{}, err
	}
	return Frame{
		Type:    FrameTypeEvent,
		Event:   event,
		Payload: raw,
		Seq:     seq,
	}, nil
}

// Project strips message bodies from a snapshot before broadcast.
func Project(sessions []domain.Session) []domain.Session {
	out := make([]domain.Session, len(sessions))
	for i, s := range sessions {
		c := s.Clone()
		c.Messages = nil
		out[i] = c
	}
	return out
}
