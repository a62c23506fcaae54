package gateway

// registerRPCHandlers sets up all agent RPC method handlers.
func (s *Server) registerRPCHandlers() {
	s.Handle(MethodIdentify, s.rpcIdentify)
	s.Handle(MethodSessionList, s.rpcSessionList)
	s.Handle(MethodClaim, s.rpcClaim)
	s.Handle(MethodRelease, s.rpcRelease)
	s.Handle(MethodClose, s.rpcClose)
	s.Handle(MethodSend, s.rpcSend)
	s.Handle(MethodHistory, s.rpcHistory)
	s.Handle(MethodArchiveList, s.rpcArchiveList)
	s.Handle(MethodArchiveGet, s.rpcArchiveGet)
	s.Handle(MethodClientHistory, s.rpcClientHistory)
}

// requireIdentity returns the agent's name, or responds with an error and
// returns "" if the connection never identified.
func (rc *RequestContext) requireIdentity() string {
	name := rc.Agent.AdminName()
	if name == "" {
		rc.RespondError("unidentified", "identify before issuing session commands")
	}
	return name
}

func (s *Server) rpcIdentify(rc *RequestContext) {
	var p IdentifyParams
	if err := rc.Params(&p); err != nil {
		rc.RespondError("invalid_params", err.Error())
		return
	}
	if p.Name == "" {
		rc.RespondError("invalid_params", "name is required")
		return
	}

	rc.Agent.Identify(p.Name)
	s.log.Info().Str("connId", rc.Agent.ConnID).Str("admin", p.Name).Msg("agent identified")
	rc.Respond(map[string]any{"name": p.Name})

	// Fresh snapshot right away so a reconnecting agent resyncs without
	// waiting for the next mutation.
	sessions, seq := s.live.Snapshot()
	rc.Agent.SendEvent(EventSnapshot, SnapshotPayload{Sessions: Project(sessions)}, seq)
}

func (s *Server) rpcSessionList(rc *RequestContext) {
	rc.Respond(SnapshotPayload{Sessions: Project(s.live.List())})
}

func (s *Server) rpcClaim(rc *RequestContext) {
	name := rc.requireIdentity()
	if name == "" {
		return
	}
	var p SessionParams
	if err := rc.Params(&p); err != nil || p.SessionID == "" {
		rc.RespondError("invalid_params", "sessionId is required")
		return
	}

	sess, err := s.coord.Claim(p.SessionID, name)
	if err != nil {
		rc.Fail(err)
		return
	}
	rc.Respond(JoinedPayload{SessionID: sess.ID, Customer: sess.Customer, Messages: sess.Messages})
	rc.Agent.SendEvent(EventJoined,
		JoinedPayload{SessionID: sess.ID, Customer: sess.Customer, Messages: sess.Messages},
		s.eventSeq.Add(1))
}

func (s *Server) rpcRelease(rc *RequestContext) {
	name := rc.requireIdentity()
	if name == "" {
		return
	}
	var p ReleaseParams
	if err := rc.Params(&p); err != nil {
		rc.RespondError("invalid_params", err.Error())
		return
	}

	sessionID := p.SessionID
	if sessionID == "" {
		for _, sess := range s.live.List() {
			if sess.AssignedTo(name) {
				sessionID = sess.ID
				break
			}
		}
	}
	if sessionID == "" {
		rc.Respond(map[string]any{"released": false})
		return
	}

	if err := s.coord.Release(sessionID); err != nil {
		rc.Fail(err)
		return
	}
	rc.Respond(map[string]any{"released": true, "sessionId": sessionID})
}

func (s *Server) rpcClose(rc *RequestContext) {
	name := rc.requireIdentity()
	if name == "" {
		return
	}
	var p CloseParams
	if err := rc.Params(&p); err != nil || p.SessionID == "" {
		rc.RespondError("invalid_params", "sessionId is required")
		return
	}

	closed, err := s.coord.CloseByAdmin(p.SessionID, name, p.Reason)
	if err != nil {
		rc.Fail(err)
		return
	}
	s.disconnectCustomer(p.SessionID)
	rc.Respond(ArchiveDetailPayload{Session: closed})
}

func (s *Server) rpcSend(rc *RequestContext) {
	name := rc.requireIdentity()
	if name == "" {
		return
	}
	var p SendParams
	if err := rc.Params(&p); err != nil || p.SessionID == "" || p.Message == "" {
		rc.RespondError("invalid_params", "sessionId and message are required")
		return
	}

	msg, err := s.coord.AppendMessage(p.SessionID, name, p.Message, true)
	if err != nil {
		rc.Fail(err)
		return
	}
	rc.Respond(MessagePayload{SessionID: p.SessionID, Message: msg})
	s.deliverMessage(p.SessionID, msg)
}

func (s *Server) rpcHistory(rc *RequestContext) {
	var p SessionParams
	if err := rc.Params(&p); err != nil || p.SessionID == "" {
		rc.RespondError("invalid_params", "sessionId is required")
		return
	}

	sess, err := s.live.Get(p.SessionID)
	if err != nil {
		rc.Fail(err)
		return
	}
	rc.Respond(HistoryPayload{SessionID: sess.ID, Customer: sess.Customer, Messages: sess.Messages})
}

func (s *Server) rpcArchiveList(rc *RequestContext) {
	sessions, err := s.archive.List()
	if err != nil {
		rc.Fail(err)
		return
	}
	rc.Respond(ArchiveListPayload{Sessions: sessions})
}

func (s *Server) rpcArchiveGet(rc *RequestContext) {
	var p SessionParams
	if err := rc.Params(&p); err != nil || p.SessionID == "" {
		rc.RespondError("invalid_params", "sessionId is required")
		return
	}

	sess, err := s.archive.Get(p.SessionID)
	if err != nil {
		rc.Fail(err)
		return
	}
	rc.Respond(ArchiveDetailPayload{Session: sess})
}

func (s *Server) rpcClientHistory(rc *RequestContext) {
	var p ClientHistoryParams
	if err := rc.Params(&p); err != nil || p.ClientID == "" {
		rc.RespondError("invalid_params", "clientId is required")
		return
	}

	sessions, err := s.archive.ByClientID(p.ClientID)
	if err != nil {
		rc.Fail(err)
		return
	}

	total := 0
	for _, sess := range sessions {
		total += sess.MessageCount
	}
	rc.Respond(ClientHistoryPayload{
		ClientID:      p.ClientID,
		TotalSessions: len(sessions),
		TotalMessages: total,
		Sessions:      sessions,
	})
}
