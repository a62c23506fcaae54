package gateway

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/tessiv/livedesk/internal/logging"
)

const writeTimeout = 10 * time.Second

// AgentConn represents a connected agent console.
type AgentConn struct {
	ConnID      string
	Socket      *websocket.Conn
	ConnectedAt time.Time

	mu        sync.Mutex
	adminName string
	closed    bool
	log       *logging.Logger
}

// NewAgentConn wraps a freshly upgraded agent WebSocket.
func NewAgentConn(conn *websocket.Conn, log *logging.Logger) *AgentConn {
	return &AgentConn{
		ConnID:      uuid.New().String(),
		Socket:      conn,
		ConnectedAt: time.Now(),
		log:         log,
	}
}

// Identify records the agent's display name for this connection.
func (c *AgentConn) Identify(name string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.adminName = name
}

// AdminName returns the identified name, or "" before identify.
func (c *AgentConn) AdminName() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.adminName
}

// Send sends a frame to the agent. Thread-safe; a connection that cannot
// accept the frame within the write timeout gets an error rather than
// stalling the caller forever.
func (c *AgentConn) Send(frame Frame) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return ErrClientClosed
	}
	c.Socket.SetWriteDeadline(time.Now().Add(writeTimeout))
	return c.Socket.WriteJSON(frame)
}

// SendEvent sends a named event with payload.
func (c *AgentConn) SendEvent(event string, payload any, seq int64) error {
	f, err := NewEvent(event, payload, seq)
	if err != nil {
		return err
	}
	return c.Send(f)
}

// Respond sends a success response for the given request ID.
func (c *AgentConn) Respond(reqID string, payload any) error {
	f, err := NewResponse(reqID, payload)
	if err != nil {
		return err
	}
	return c.Send(f)
}

// RespondError sends an error response for the given request ID.
func (c *AgentConn) RespondError(reqID string, errShape ErrorShape) error {
	return c.Send(NewErrorResponse(reqID, errShape))
}

// ReadFrame reads the next frame from the WebSocket.
func (c *AgentConn) ReadFrame() (Frame, error) {
	_, msg, err := c.Socket.ReadMessage()
	if err != nil {
		return Frame{}, err
	}
	var f Frame
	if err := json.Unmarshal(msg, &f); err != nil {
		return Frame{}, err
	}
	return f, nil
}

// Close closes the WebSocket connection.
func (c *AgentConn) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil
	}
	c.closed = true
	return c.Socket.Close()
}

// AgentRegistry manages connected agent consoles.
type AgentRegistry struct {
	mu     sync.RWMutex
	agents map[string]*AgentConn // connID → conn
	log    *logging.Logger
}

// NewAgentRegistry creates an empty registry.
func NewAgentRegistry(log *logging.Logger) *AgentRegistry {
	return &AgentRegistry{
		agents: make(map[string]*AgentConn),
		log:    log,
	}
}

// Add registers a connected agent.
func (r *AgentRegistry) Add(c *AgentConn) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.agents[c.ConnID] = c
	r.log.Info().Str("connId", c.ConnID).Msg("agent connected")
}

// Remove unregisters an agent by connection ID.
func (r *AgentRegistry) Remove(connID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.agents, connID)
	r.log.Info().Str("connId", connID).Msg("agent disconnected")
}

// Count returns the number of connected agents.
func (r *AgentRegistry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.agents)
}

// Broadcast sends an event frame to every connected agent. Delivery is
// best-effort per connection: a failed write is logged and the agent
// resyncs on reconnect.
func (r *AgentRegistry) Broadcast(event string, payload any, seq int64) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, c := range r.agents {
		if err := c.SendEvent(event, payload, seq); err != nil {
			r.log.Warn().Err(err).Str("connId", c.ConnID).Str("event", event).Msg("broadcast send failed")
		}
	}
}

// SendToAdmin sends an event to every connection identified as adminName.
func (r *AgentRegistry) SendToAdmin(adminName, event string, payload any, seq int64) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, c := range r.agents {
		if c.AdminName() != adminName {
			continue
		}
		if err := c.SendEvent(event, payload, seq); err != nil {
			r.log.Warn().Err(err).Str("connId", c.ConnID).Str("event", event).Msg("send failed")
		}
	}
}

// CloseAll closes all connected agents.
func (r *AgentRegistry) CloseAll() {
	r.mu.Lock()
	defer r.mu.Unlock()
	for id, c := range r.agents {
		c.Close()
		delete(r.agents, id)
	}
}
