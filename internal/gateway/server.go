package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/tessiv/livedesk/internal/config"
	"github.com/tessiv/livedesk/internal/domain"
	"github.com/tessiv/livedesk/internal/logging"
	"github.com/tessiv/livedesk/internal/presence"
	"github.com/tessiv/livedesk/internal/store"
)

var ErrClientClosed = errors.New("client connection closed")

// Server is the livedesk HTTP + WebSocket coordinator front end. It owns
// the snapshot broadcaster: every committed store mutation fans out as a
// session.snapshot event to all connected agents, in commit order.
type Server struct {
	cfg      config.Config
	log      *logging.Logger
	live     *store.Live
	archive  *store.Archive
	coord    *presence.Coordinator
	agents   *AgentRegistry
	handlers map[string]RequestHandler
	eventSeq atomic.Int64

	custMu    sync.Mutex
	customers map[string]*customerConn // sessionID → conn

	startedAt  time.Time
	httpServer *http.Server
	upgrader   websocket.Upgrader
}

// New creates the gateway server and wires the broadcaster to the live
// session table.
func New(cfg config.Config, live *store.Live, archive *store.Archive, coord *presence.Coordinator, log *logging.Logger) *Server {
	s := &Server{
		cfg:       cfg,
		log:       log.Sub("gateway"),
		live:      live,
		archive:   archive,
		coord:     coord,
		agents:    NewAgentRegistry(log.Sub("agents")),
		handlers:  make(map[string]RequestHandler),
		customers: make(map[string]*customerConn),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
	}

	// Runs synchronously inside the store's commit section, so snapshot
	// events leave in commit order.
	live.SetNotify(func(seq int64, sessions []domain.Session) {
		s.agents.Broadcast(EventSnapshot, SnapshotPayload{Sessions: Project(sessions)}, seq)
	})

	s.registerRPCHandlers()
	return s
}

// Handle registers an RPC method handler.
func (s *Server) Handle(method string, handler RequestHandler) {
	s.handlers[method] = handler
}

// resolveBindAddr computes the listen address from config.
func resolveBindAddr(cfg config.ServerConfig) string {
	switch cfg.Bind {
	case "loopback":
		return fmt.Sprintf("127.0.0.1:%d", cfg.Port)
	case "lan", "auto":
		return fmt.Sprintf("0.0.0.0:%d", cfg.Port)
	case "custom":
		host := cfg.CustomBindHost
		if host == "" {
			host = "0.0.0.0"
		}
		return fmt.Sprintf("%s:%d", host, cfg.Port)
	default:
		return fmt.Sprintf("127.0.0.1:%d", cfg.Port)
	}
}

// Start begins listening for HTTP and WebSocket connections. It blocks
// until the context is cancelled or an error occurs.
func (s *Server) Start(ctx context.Context) error {
	addr := resolveBindAddr(s.cfg.Server)

	s.httpServer = &http.Server{
		Addr:         addr,
		Handler:      s.Handler(),
		ReadTimeout:  30 * time.Second,
		IdleTimeout:  120 * time.Second,
		BaseContext: func(l net.Listener) context.Context { return ctx },
	}

	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", addr, err)
	}

	s.startedAt = time.Now()
	s.log.Info().
		Str("addr", ln.Addr().String()).
		Str("bind", s.cfg.Server.Bind).
		Int("methods", len(s.handlers)).
		Msg("gateway server ready")

	go func() {
		<-ctx.Done()
		s.log.Info().Msg("shutting down gateway server")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		s.agents.CloseAll()
		s.closeAllCustomers()
		s.httpServer.Shutdown(shutdownCtx)
	}()

	if err := s.httpServer.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Handler returns the full HTTP handler, usable with any listener.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	s.registerHTTPRoutes(mux)
	return mux
}

// registerHTTPRoutes sets up all HTTP routes on the server mux.
func (s *Server) registerHTTPRoutes(mux *http.ServeMux) {
	mux.HandleFunc("GET /health", s.handleHealth)
	mux.HandleFunc("GET /ws/agent", s.handleAgentWS)
	mux.HandleFunc("GET /ws/customer", s.handleCustomerWS)
	mux.HandleFunc("/", handleNotFound)
}

// handleAgentWS upgrades an agent console connection and runs its read
// loop. Agents must identify before issuing session commands.
func (s *Server) handleAgentWS(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Error().Err(err).Msg("agent websocket upgrade failed")
		return
	}
	conn.SetReadLimit(1 << 20)

	agent := NewAgentConn(conn, s.log.Sub("agent"))
	s.agents.Add(agent)
	defer func() {
		s.agents.Remove(agent.ConnID)
		agent.Close()
	}()

	for {
		frame, err := agent.ReadFrame()
		if err != nil {
			if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				s.log.Debug().Str("connId", agent.ConnID).Msg("agent closed connection")
			} else {
				s.log.Warn().Err(err).Str("connId", agent.ConnID).Msg("agent read error")
			}
			return
		}
		if frame.Type != FrameTypeRequest {
			s.log.Debug().Str("type", frame.Type).Msg("ignoring non-request frame")
			continue
		}
		s.dispatch(agent, frame)
	}
}

// dispatch routes a request frame to the appropriate handler.
func (s *Server) dispatch(agent *AgentConn, frame Frame) {
	handler, ok := s.handlers[frame.Method]
	if !ok {
		agent.RespondError(frame.ID, ErrorShape{
			Code:    "method_not_found",
			Message: "unknown method: " + frame.Method,
		})
		return
	}
	handler(&RequestContext{Agent: agent, Frame: frame, Server: s})
}

// customerConn is the customer side of one session.
type customerConn struct {
	sessionID string
	customer  domain.Customer

	mu     sync.Mutex
	socket *websocket.Conn
	closed bool
}

func (c *customerConn) send(frame Frame) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return ErrClientClosed
	}
	c.socket.SetWriteDeadline(time.Now().Add(writeTimeout))
	return c.socket.WriteJSON(frame)
}

func (c *customerConn) close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	c.closed = true
	c.socket.Close()
}

// handleCustomerWS accepts a customer connection, resolves its identity,
// creates the session, and pumps chat messages until the socket drops.
func (s *Server) handleCustomerWS(w http.ResponseWriter, r *http.Request) {
	name := r.URL.Query().Get("name")
	if name == "" {
		http.Error(w, "name is required", http.StatusBadRequest)
		return
	}
	clientID := r.URL.Query().Get("clientId")

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Error().Err(err).Msg("customer websocket upgrade failed")
		return
	}
	conn.SetReadLimit(1 << 20)

	sess, err := s.coord.Connect(name, clientID)
	if err != nil {
		s.log.Error().Err(err).Str("name", name).Msg("customer connect failed")
		conn.Close()
		return
	}

	cust := &customerConn{sessionID: sess.ID, customer: *sess.Customer, socket: conn}
	s.custMu.Lock()
	s.customers[sess.ID] = cust
	s.custMu.Unlock()

	started, _ := NewEvent(EventSessionStarted, SessionStartedPayload{SessionID: sess.ID, Customer: cust.customer}, s.eventSeq.Add(1))
	cust.send(started)

	s.agents.Broadcast(EventNewSession, NewSessionPayload{SessionID: sess.ID, Customer: sess.Customer}, s.eventSeq.Add(1))

	defer s.customerGone(cust)

	for {
		var frame Frame
		if err := conn.ReadJSON(&frame); err != nil {
			return
		}
		if frame.Type != FrameTypeRequest || frame.Method != MethodSend {
			continue
		}
		var p SendParams
		if frame.Params != nil {
			json.Unmarshal(frame.Params, &p)
		}
		if p.Message == "" {
			cust.send(NewErrorResponse(frame.ID, ErrorShape{Code: "invalid_params", Message: "message is required"}))
			continue
		}
		msg, err := s.coord.AppendMessage(sess.ID, name, p.Message, false)
		if err != nil {
			cust.send(NewErrorResponse(frame.ID, ErrorShape{Code: errCode(err), Message: err.Error()}))
			continue
		}
		resp, _ := NewResponse(frame.ID, MessagePayload{SessionID: sess.ID, Message: msg})
		cust.send(resp)
		s.deliverMessage(sess.ID, msg)
	}
}

// customerGone handles the customer socket dropping: the session keeps
// its admin and waits in the disconnected state. If the session was
// already closed there is nothing left to mark.
func (s *Server) customerGone(cust *customerConn) {
	cust.close()
	s.custMu.Lock()
	if s.customers[cust.sessionID] == cust {
		delete(s.customers, cust.sessionID)
	}
	s.custMu.Unlock()

	err := s.coord.CustomerDisconnected(cust.sessionID)
	if errors.Is(err, store.ErrNotFound) {
		return
	}
	if err != nil {
		s.log.Warn().Err(err).Str("sessionId", cust.sessionID).Msg("marking customer disconnect")
		return
	}
	s.agents.Broadcast(EventCustomerDisconnected,
		CustomerDisconnectedPayload{SessionID: cust.sessionID}, s.eventSeq.Add(1))
}

// deliverMessage fans one chat line out to the session's participants:
// the customer connection and every console identified as the session's
// admin. The sender gets the echo too; consoles render from the echo.
func (s *Server) deliverMessage(sessionID string, msg domain.Message) {
	seq := s.eventSeq.Add(1)
	payload := MessagePayload{SessionID: sessionID, Message: msg}

	s.custMu.Lock()
	cust := s.customers[sessionID]
	s.custMu.Unlock()
	if cust != nil {
		if f, err := NewEvent(EventMessage, payload, seq); err == nil {
			cust.send(f)
		}
	}

	sess, err := s.live.Get(sessionID)
	if err != nil || sess.Admin == nil {
		return
	}
	s.agents.SendToAdmin(sess.Admin.Name, EventMessage, payload, seq)
}

// disconnectCustomer force-closes the customer side after an admin close.
func (s *Server) disconnectCustomer(sessionID string) {
	s.custMu.Lock()
	cust := s.customers[sessionID]
	delete(s.customers, sessionID)
	s.custMu.Unlock()
	if cust != nil {
		cust.close()
	}
}

func (s *Server) closeAllCustomers() {
	s.custMu.Lock()
	defer s.custMu.Unlock()
	for id, cust := range s.customers {
		cust.close()
		delete(s.customers, id)
	}
}

// Addr returns the server's listen address, or empty string if not started.
func (s *Server) Addr() string {
	if s.httpServer != nil {
		return s.httpServer.Addr
	}
	return ""
}
