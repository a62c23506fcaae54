package console

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/tessiv/livedesk/internal/gateway"
	"github.com/tessiv/livedesk/internal/logging"
)

const (
	dialTimeout      = 10 * time.Second
	reconnectInitial = time.Second
	reconnectMax     = 30 * time.Second
)

// Conn maintains the agent's WebSocket link to the gateway, feeding
// inbound events to the reconciliation engine and carrying its commands
// out. On reconnect it re-identifies and requests a fresh snapshot
// rather than trusting whatever it cached before the drop.
type Conn struct {
	url    string
	engine *Engine
	log    *logging.Logger

	mu      sync.Mutex
	ws      *websocket.Conn
	pending map[string]pendingRequest

	reqSeq atomic.Int64
}

type pendingRequest struct {
	method    string
	sessionID string
}

// NewConn creates a connection manager for the given gateway URL (e.g.
// ws://host:port/ws/agent). The engine is created by the caller with
// this Conn as its Commander, so construction is two-step:
//
//	conn := console.NewConn(url, log)
//	engine := console.NewEngine(name, conn, listener, log)
//	conn.Bind(engine)
//	go conn.Run(ctx)
func NewConn(url string, log *logging.Logger) *Conn {
	return &Conn{
		url:     url,
		log:     log.Sub("conn"),
		pending: make(map[string]pendingRequest),
	}
}

// Bind attaches the engine that consumes this connection's events.
func (c *Conn) Bind(engine *Engine) {
	c.engine = engine
}

// Run dials, identifies, and pumps frames until the context is
// cancelled, reconnecting with capped backoff after drops.
func (c *Conn) Run(ctx context.Context) error {
	backoff := reconnectInitial
	for {
		err := c.session(ctx)
		if ctx.Err() != nil {
			return ctx.Err()
		}
		c.log.Warn().Err(err).Dur("retryIn", backoff).Msg("connection lost")

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(backoff):
		}
		backoff *= 2
		if backoff > reconnectMax {
			backoff = reconnectMax
		}
	}
}

// session runs one connect-identify-read cycle.
func (c *Conn) session(ctx context.Context) error {
	dialCtx, cancel := context.WithTimeout(ctx, dialTimeout)
	ws, _, err := websocket.DefaultDialer.DialContext(dialCtx, c.url, nil)
	cancel()
	if err != nil {
		return fmt.Errorf("dialing gateway: %w", err)
	}

	c.mu.Lock()
	c.ws = ws
	c.pending = make(map[string]pendingRequest)
	c.mu.Unlock()

	defer func() {
		c.mu.Lock()
		c.ws = nil
		c.mu.Unlock()
		ws.Close()
	}()

	if err := c.request(gateway.MethodIdentify, gateway.IdentifyParams{Name: c.engine.AdminName()}, ""); err != nil {
		return fmt.Errorf("identifying: %w", err)
	}
	// Missed broadcasts are not redelivered; start from a full snapshot.
	if err := c.engine.Resync(); err != nil {
		return fmt.Errorf("requesting snapshot: %w", err)
	}

	go func() {
		<-ctx.Done()
		ws.Close()
	}()

	for {
		var frame gateway.Frame
		if err := ws.ReadJSON(&frame); err != nil {
			return err
		}
		c.handleFrame(frame)
	}
}

func (c *Conn) handleFrame(frame gateway.Frame) {
	switch frame.Type {
	case gateway.FrameTypeEvent:
		c.handleEvent(frame)
	case gateway.FrameTypeResponse:
		c.handleResponse(frame)
	}
}

func (c *Conn) handleEvent(frame gateway.Frame) {
	switch frame.Event {
	case gateway.EventSnapshot:
		var p gateway.SnapshotPayload
		if json.Unmarshal(frame.Payload, &p) == nil {
			c.engine.ApplySnapshot(p.Sessions)
		}
	case gateway.EventJoined:
		var p gateway.JoinedPayload
		if json.Unmarshal(frame.Payload, &p) == nil {
			c.engine.HandleJoined(p.SessionID, p.Customer, p.Messages)
		}
	case gateway.EventHistory:
		var p gateway.HistoryPayload
		if json.Unmarshal(frame.Payload, &p) == nil {
			c.engine.ApplyHistory(p.SessionID, p.Messages)
		}
	case gateway.EventMessage:
		var p gateway.MessagePayload
		if json.Unmarshal(frame.Payload, &p) == nil {
			c.engine.HandleMessage(p.SessionID, p.Message)
		}
	case gateway.EventNewSession:
		var p gateway.NewSessionPayload
		if json.Unmarshal(frame.Payload, &p) == nil {
			name := ""
			if p.Customer != nil {
				name = p.Customer.Name
			}
			c.log.Info().Str("sessionId", p.SessionID).Str("customer", name).Msg("new session waiting")
		}
	case gateway.EventCustomerDisconnected:
		var p gateway.CustomerDisconnectedPayload
		if json.Unmarshal(frame.Payload, &p) == nil {
			c.log.Info().Str("sessionId", p.SessionID).Msg("customer disconnected")
		}
	}
}

// handleResponse correlates a response with the request that caused it.
// Claim outcomes feed the engine; everything else either carries a
// payload the engine consumes or is just acknowledged.
func (c *Conn) handleResponse(frame gateway.Frame) {
	c.mu.Lock()
	req, ok := c.pending[frame.ID]
	if ok {
		delete(c.pending, frame.ID)
	}
	c.mu.Unlock()
	if !ok {
		return
	}

	if frame.Error != nil {
		c.log.Warn().
			Str("method", req.method).
			Str("code", frame.Error.Code).
			Str("detail", frame.Error.Message).
			Msg("request failed")
		if req.method == gateway.MethodClaim {
			c.engine.HandleClaimRejected(req.sessionID)
		}
		return
	}

	switch req.method {
	case gateway.MethodClaim:
		var p gateway.JoinedPayload
		if json.Unmarshal(frame.Payload, &p) == nil {
			c.engine.HandleJoined(p.SessionID, p.Customer, p.Messages)
		}
	case gateway.MethodHistory:
		var p gateway.HistoryPayload
		if json.Unmarshal(frame.Payload, &p) == nil {
			c.engine.ApplyHistory(p.SessionID, p.Messages)
		}
	case gateway.MethodSessionList:
		var p gateway.SnapshotPayload
		if json.Unmarshal(frame.Payload, &p) == nil {
			c.engine.ApplySnapshot(p.Sessions)
		}
	case gateway.MethodArchiveList:
		var p gateway.ArchiveListPayload
		if json.Unmarshal(frame.Payload, &p) == nil {
			c.engine.HandleClosedList(p.Sessions)
		}
	case gateway.MethodClientHistory:
		var p gateway.ClientHistoryPayload
		if json.Unmarshal(frame.Payload, &p) == nil {
			c.engine.HandleClientHistory(ClientHistoryReport{
				ClientID:      p.ClientID,
				TotalSessions: p.TotalSessions,
				TotalMessages: p.TotalMessages,
				Sessions:      p.Sessions,
			})
		}
	}
}

// request sends one request frame, remembering it for response
// correlation.
func (c *Conn) request(method string, params any, sessionID string) error {
	id := "r" + strconv.FormatInt(c.reqSeq.Add(1), 10)
	frame, err := gateway.NewRequest(id, method, params)
	if err != nil {
		return err
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.ws == nil {
		return ErrDisconnected
	}
	c.pending[id] = pendingRequest{method: method, sessionID: sessionID}
	c.ws.SetWriteDeadline(time.Now().Add(dialTimeout))
	if err := c.ws.WriteJSON(frame); err != nil {
		delete(c.pending, id)
		return err
	}
	return nil
}

// ErrDisconnected means a command was issued while the link was down.
var ErrDisconnected = fmt.Errorf("gateway link is down")

// Commander implementation.

func (c *Conn) Claim(sessionID string) error {
	return c.request(gateway.MethodClaim, gateway.SessionParams{SessionID: sessionID}, sessionID)
}

func (c *Conn) Release(sessionID string) error {
	return c.request(gateway.MethodRelease, gateway.ReleaseParams{SessionID: sessionID}, sessionID)
}

func (c *Conn) Close(sessionID, reason string) error {
	return c.request(gateway.MethodClose, gateway.CloseParams{SessionID: sessionID, Reason: reason}, sessionID)
}

func (c *Conn) Send(sessionID, text string) error {
	return c.request(gateway.MethodSend, gateway.SendParams{SessionID: sessionID, Message: text}, sessionID)
}

func (c *Conn) FetchHistory(sessionID string) error {
	return c.request(gateway.MethodHistory, gateway.SessionParams{SessionID: sessionID}, sessionID)
}

func (c *Conn) RequestSnapshot() error {
	return c.request(gateway.MethodSessionList, struct{}{}, "")
}

// ClosedSessions requests the archive listing.
func (c *Conn) ClosedSessions() error {
	return c.request(gateway.MethodArchiveList, struct{}{}, "")
}

// ClientHistory requests the device-axis history for a clientId.
func (c *Conn) ClientHistory(clientID string) error {
	return c.request(gateway.MethodClientHistory, gateway.ClientHistoryParams{ClientID: clientID}, "")
}

var _ Commander = (*Conn)(nil)
