package gateway

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tessiv/livedesk/internal/config"
	"github.com/tessiv/livedesk/internal/domain"
	"github.com/tessiv/livedesk/internal/identity"
	"github.com/tessiv/livedesk/internal/logging"
	"github.com/tessiv/livedesk/internal/presence"
	"github.com/tessiv/livedesk/internal/store"
)

func testServer(t *testing.T) (*Server, *httptest.Server) {
	t.Helper()
	log := logging.New(nil, "silent", "")

	db, err := store.Open(":memory:", log)
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	archive := store.NewArchive(db)
	resolver := identity.NewResolver(archive, 24*time.Hour, log)
	live := store.NewLive(log)
	coord := presence.NewCoordinator(live, archive, resolver, log)

	srv := New(config.Defaults(), live, archive, coord, log)

	mux := http.NewServeMux()
	srv.registerHTTPRoutes(mux)

	ts := httptest.NewServer(mux)
	t.Cleanup(ts.Close)
	return srv, ts
}

func wsURL(ts *httptest.Server, path string) string {
	return "ws" + strings.TrimPrefix(ts.URL, "http") + path
}

// agentClient drives an agent console connection in tests.
type agentClient struct {
	t    *testing.T
	conn *websocket.Conn
	next int
}

func dialAgent(t *testing.T, ts *httptest.Server) *agentClient {
	t.Helper()
	conn, _, err := websocket.DefaultDialer.Dial(wsURL(ts, "/ws/agent"), nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return &agentClient{t: t, conn: conn}
}

// request sends an RPC request and reads frames until its response
// arrives, discarding interleaved events.
func (a *agentClient) request(method string, params any) Frame {
	a.t.Helper()
	a.next++
	id := fmt.Sprintf("req-%d", a.next)
	req, err := NewRequest(id, method, params)
	require.NoError(a.t, err)
	require.NoError(a.t, a.conn.WriteJSON(req))

	for {
		frame := a.read()
		if frame.Type == FrameTypeResponse && frame.ID == id {
			return frame
		}
	}
}

// waitEvent reads frames until an event with the given name arrives.
func (a *agentClient) waitEvent(event string) Frame {
	a.t.Helper()
	for {
		frame := a.read()
		if frame.Type == FrameTypeEvent && frame.Event == event {
			return frame
		}
	}
}

func (a *agentClient) read() Frame {
	a.t.Helper()
	a.conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	var frame Frame
	require.NoError(a.t, a.conn.ReadJSON(&frame))
	return frame
}

func (a *agentClient) identify(name string) {
	a.t.Helper()
	resp := a.request(MethodIdentify, IdentifyParams{Name: name})
	require.NotNil(a.t, resp.OK)
	require.True(a.t, *resp.OK)
}

func requireOK(t *testing.T, frame Frame) json.RawMessage {
	t.Helper()
	require.NotNil(t, frame.OK)
	require.True(t, *frame.OK, "expected ok response, got error: %+v", frame.Error)
	return frame.Payload
}

func requireErrCode(t *testing.T, frame Frame, code string) {
	t.Helper()
	require.NotNil(t, frame.OK)
	require.False(t, *frame.OK)
	require.NotNil(t, frame.Error)
	assert.Equal(t, code, frame.Error.Code)
}

// customerClient drives a customer connection in tests.
type customerClient struct {
	t         *testing.T
	conn      *websocket.Conn
	sessionID string
	next      int
}

func dialCustomer(t *testing.T, ts *httptest.Server, name, clientID string) *customerClient {
	t.Helper()
	url := wsURL(ts, "/ws/customer") + "?name=" + name
	if clientID != "" {
		url += "&clientId=" + clientID
	}
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })

	c := &customerClient{t: t, conn: conn}
	started := c.waitEvent(EventSessionStarted)
	var payload SessionStartedPayload
	require.NoError(t, json.Unmarshal(started.Payload, &payload))
	require.NotEmpty(t, payload.SessionID)
	c.sessionID = payload.SessionID
	return c
}

func (c *customerClient) waitEvent(event string) Frame {
	c.t.Helper()
	for {
		frame := c.read()
		if frame.Type == FrameTypeEvent && frame.Event == event {
			return frame
		}
	}
}

func (c *customerClient) read() Frame {
	c.t.Helper()
	c.conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	var frame Frame
	require.NoError(c.t, c.conn.ReadJSON(&frame))
	return frame
}

func (c *customerClient) send(text string) Frame {
	c.t.Helper()
	c.next++
	id := fmt.Sprintf("cust-%d", c.next)
	req, err := NewRequest(id, MethodSend, SendParams{SessionID: c.sessionID, Message: text})
	require.NoError(c.t, err)
	require.NoError(c.t, c.conn.WriteJSON(req))

	for {
		frame := c.read()
		if frame.Type == FrameTypeResponse && frame.ID == id {
			return frame
		}
	}
}

// --- HTTP endpoint tests ---

func TestHealthEndpoint(t *testing.T) {
	_, ts := testServer(t)

	resp, err := http.Get(ts.URL + "/health")
	require.NoError(t, err)
	defer resp.Body.Close()

	assert.Equal(t, http.StatusOK, resp.StatusCode)

	var health HealthResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&health))
	assert.Equal(t, "ok", health.Status)
}

func TestNotFoundEndpoint(t *testing.T) {
	_, ts := testServer(t)

	resp, err := http.Get(ts.URL + "/nonexistent")
	require.NoError(t, err)
	defer resp.Body.Close()

	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestCustomerWS_RequiresName(t *testing.T) {
	_, ts := testServer(t)

	_, resp, err := websocket.DefaultDialer.Dial(wsURL(ts, "/ws/customer"), nil)
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

// --- Agent RPC tests ---

func TestIdentify_PushesSnapshot(t *testing.T) {
	_, ts := testServer(t)

	agent := dialAgent(t, ts)
	agent.identify("alice")

	snap := agent.waitEvent(EventSnapshot)
	var payload SnapshotPayload
	require.NoError(t, json.Unmarshal(snap.Payload, &payload))
	assert.Empty(t, payload.Sessions)
}

func TestIdentify_RequiresName(t *testing.T) {
	_, ts := testServer(t)

	agent := dialAgent(t, ts)
	resp := agent.request(MethodIdentify, IdentifyParams{})
	requireErrCode(t, resp, "invalid_params")
}

func TestClaim_RequiresIdentity(t *testing.T) {
	_, ts := testServer(t)

	agent := dialAgent(t, ts)
	resp := agent.request(MethodClaim, SessionParams{SessionID: "sess_x"})
	requireErrCode(t, resp, "unidentified")
}

func TestUnknownMethod(t *testing.T) {
	_, ts := testServer(t)

	agent := dialAgent(t, ts)
	resp := agent.request("bogus.method", nil)
	requireErrCode(t, resp, "method_not_found")
}

func TestCustomerConnect_BroadcastsToAgents(t *testing.T) {
	_, ts := testServer(t)

	agent := dialAgent(t, ts)
	agent.identify("alice")
	agent.waitEvent(EventSnapshot)

	cust := dialCustomer(t, ts, "Carol", "dev-1")

	newSess := agent.waitEvent(EventNewSession)
	var payload NewSessionPayload
	require.NoError(t, json.Unmarshal(newSess.Payload, &payload))
	assert.Equal(t, cust.sessionID, payload.SessionID)
	require.NotNil(t, payload.Customer)
	assert.Equal(t, "Carol", payload.Customer.Name)
}

func TestSnapshotOmitsMessages(t *testing.T) {
	_, ts := testServer(t)

	agent := dialAgent(t, ts)
	agent.identify("alice")

	cust := dialCustomer(t, ts, "Carol", "")
	requireOK(t, cust.send("hello"))

	resp := agent.request(MethodSessionList, nil)
	var payload SnapshotPayload
	require.NoError(t, json.Unmarshal(requireOK(t, resp), &payload))
	require.Len(t, payload.Sessions, 1)
	assert.Empty(t, payload.Sessions[0].Messages)
	assert.Equal(t, 1, payload.Sessions[0].MessageCount)
}

func TestClaimRace_OneWinner(t *testing.T) {
	_, ts := testServer(t)

	alice := dialAgent(t, ts)
	alice.identify("alice")
	bob := dialAgent(t, ts)
	bob.identify("bob")

	cust := dialCustomer(t, ts, "Carol", "")

	first := alice.request(MethodClaim, SessionParams{SessionID: cust.sessionID})
	requireOK(t, first)

	second := bob.request(MethodClaim, SessionParams{SessionID: cust.sessionID})
	requireErrCode(t, second, "already_assigned")
}

func TestAdminSend_BeforeClaimForbidden(t *testing.T) {
	_, ts := testServer(t)

	agent := dialAgent(t, ts)
	agent.identify("alice")
	cust := dialCustomer(t, ts, "Carol", "")

	resp := agent.request(MethodSend, SendParams{SessionID: cust.sessionID, Message: "hi"})
	requireErrCode(t, resp, "forbidden")
}

func TestChatFlow_DeliversBothWays(t *testing.T) {
	_, ts := testServer(t)

	agent := dialAgent(t, ts)
	agent.identify("alice")
	cust := dialCustomer(t, ts, "Carol", "")

	claim := agent.request(MethodClaim, SessionParams{SessionID: cust.sessionID})
	var joined JoinedPayload
	require.NoError(t, json.Unmarshal(requireOK(t, claim), &joined))
	assert.Equal(t, cust.sessionID, joined.SessionID)
	require.Len(t, joined.Messages, 1)
	assert.Equal(t, "alice joined the session", joined.Messages[0].Message)

	// Customer → admin.
	requireOK(t, cust.send("hi there"))
	evt := agent.waitEvent(EventMessage)
	var mp MessagePayload
	require.NoError(t, json.Unmarshal(evt.Payload, &mp))
	assert.Equal(t, "hi there", mp.Message.Message)
	assert.False(t, mp.Message.IsAdmin)

	// Admin → customer.
	send := agent.request(MethodSend, SendParams{SessionID: cust.sessionID, Message: "hello Carol"})
	requireOK(t, send)
	custEvt := cust.waitEvent(EventMessage)
	require.NoError(t, json.Unmarshal(custEvt.Payload, &mp))
	assert.Equal(t, "hello Carol", mp.Message.Message)
	assert.True(t, mp.Message.IsAdmin)
}

func TestHistory_ReturnsTranscript(t *testing.T) {
	_, ts := testServer(t)

	agent := dialAgent(t, ts)
	agent.identify("alice")
	cust := dialCustomer(t, ts, "Carol", "")
	requireOK(t, cust.send("one"))
	requireOK(t, cust.send("two"))

	resp := agent.request(MethodHistory, SessionParams{SessionID: cust.sessionID})
	var payload HistoryPayload
	require.NoError(t, json.Unmarshal(requireOK(t, resp), &payload))
	require.Len(t, payload.Messages, 2)
	assert.Equal(t, "one", payload.Messages[0].Message)
	assert.Equal(t, "two", payload.Messages[1].Message)
}

func TestClose_ByNonOwnerForbidden(t *testing.T) {
	_, ts := testServer(t)

	alice := dialAgent(t, ts)
	alice.identify("alice")
	bob := dialAgent(t, ts)
	bob.identify("bob")
	cust := dialCustomer(t, ts, "Carol", "")

	requireOK(t, alice.request(MethodClaim, SessionParams{SessionID: cust.sessionID}))

	resp := bob.request(MethodClose, CloseParams{SessionID: cust.sessionID, Reason: "resolved"})
	requireErrCode(t, resp, "forbidden")
}

func TestRelease_WithoutSessionIDFindsOwn(t *testing.T) {
	_, ts := testServer(t)

	agent := dialAgent(t, ts)
	agent.identify("alice")
	cust := dialCustomer(t, ts, "Carol", "")

	requireOK(t, agent.request(MethodClaim, SessionParams{SessionID: cust.sessionID}))

	resp := agent.request(MethodRelease, ReleaseParams{})
	var payload map[string]any
	require.NoError(t, json.Unmarshal(requireOK(t, resp), &payload))
	assert.Equal(t, true, payload["released"])
	assert.Equal(t, cust.sessionID, payload["sessionId"])
}

// End-to-end lifecycle: connect, claim, chat, close, archive, reconnect
// from the same device under a different name.
func TestLifecycle_CloseArchiveAndReturn(t *testing.T) {
	_, ts := testServer(t)

	agent := dialAgent(t, ts)
	agent.identify("alice")

	cust := dialCustomer(t, ts, "Carol", "dev-1")
	s1 := cust.sessionID

	requireOK(t, agent.request(MethodClaim, SessionParams{SessionID: s1}))
	requireOK(t, cust.send("hi"))

	closeResp := agent.request(MethodClose, CloseParams{SessionID: s1, Reason: "resolved"})
	var detail ArchiveDetailPayload
	require.NoError(t, json.Unmarshal(requireOK(t, closeResp), &detail))
	assert.Equal(t, domain.StateClosed, detail.Session.State)
	assert.Equal(t, "resolved", detail.Session.CloseReason)

	// The live table no longer knows the session.
	histResp := agent.request(MethodHistory, SessionParams{SessionID: s1})
	requireErrCode(t, histResp, "not_found")

	// The archive does, transcript included.
	archResp := agent.request(MethodArchiveGet, SessionParams{SessionID: s1})
	require.NoError(t, json.Unmarshal(requireOK(t, archResp), &detail))
	assert.Equal(t, s1, detail.Session.ID)
	var bodies []string
	for _, m := range detail.Session.Messages {
		bodies = append(bodies, m.Message)
	}
	assert.Contains(t, bodies, "hi")
	assert.Contains(t, bodies, "Session closed by alice")

	listResp := agent.request(MethodArchiveList, nil)
	var list ArchiveListPayload
	require.NoError(t, json.Unmarshal(requireOK(t, listResp), &list))
	require.Len(t, list.Sessions, 1)
	assert.Equal(t, s1, list.Sessions[0].ID)

	// Same device comes back under a new name.
	cust2 := dialCustomer(t, ts, "Carol2", "dev-1")
	sess, err := tsLive(t, ts, cust2.sessionID)
	require.NoError(t, err)
	require.NotNil(t, sess.PreviousSession)
	assert.Equal(t, s1, sess.PreviousSession.ID)
	require.NotNil(t, sess.ClientHistory)
	assert.True(t, sess.ClientHistory.IsReturning)
	assert.Contains(t, sess.ClientHistory.PreviousNames, "Carol")
	assert.False(t, sess.CustomerHistory.IsReturning)

	// Device-axis history over the wire.
	chResp := agent.request(MethodClientHistory, ClientHistoryParams{ClientID: "dev-1"})
	var ch ClientHistoryPayload
	require.NoError(t, json.Unmarshal(requireOK(t, chResp), &ch))
	assert.Equal(t, 1, ch.TotalSessions)
	assert.Equal(t, 3, ch.TotalMessages, "join notice, chat line, close notice")
}

// tsLive fetches a live session, identity summaries included, through
// the server under test.
func tsLive(t *testing.T, ts *httptest.Server, sessionID string) (domain.Session, error) {
	t.Helper()
	agent := dialAgent(t, ts)
	agent.identify("inspector")
	listResp := agent.request(MethodSessionList, nil)
	var payload SnapshotPayload
	if err := json.Unmarshal(requireOK(t, listResp), &payload); err != nil {
		return domain.Session{}, err
	}
	for _, s := range payload.Sessions {
		if s.ID == sessionID {
			return s, nil
		}
	}
	return domain.Session{}, store.ErrNotFound
}

func TestCustomerDisconnect_MarksSession(t *testing.T) {
	srv, ts := testServer(t)

	agent := dialAgent(t, ts)
	agent.identify("alice")

	cust := dialCustomer(t, ts, "Carol", "")
	requireOK(t, agent.request(MethodClaim, SessionParams{SessionID: cust.sessionID}))

	cust.conn.Close()

	evt := agent.waitEvent(EventCustomerDisconnected)
	var payload CustomerDisconnectedPayload
	require.NoError(t, json.Unmarshal(evt.Payload, &payload))
	assert.Equal(t, cust.sessionID, payload.SessionID)

	sess, err := srv.live.Get(cust.sessionID)
	require.NoError(t, err)
	assert.Equal(t, domain.StateCustomerDisconnected, sess.State)
	require.NotNil(t, sess.Admin, "admin assignment survives the disconnect")
}

func TestProject_StripsMessages(t *testing.T) {
	sess := domain.Session{ID: "sess_1", MessageCount: 2}
	sess.Messages = []domain.Message{
		domain.NewMessage("Carol", "one", false),
		domain.NewMessage("Carol", "two", false),
	}

	out := Project([]domain.Session{sess})
	require.Len(t, out, 1)
	assert.Nil(t, out[0].Messages)
	assert.Equal(t, 2, out[0].MessageCount)
}
