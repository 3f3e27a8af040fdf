// ABOUTME: Websocket connection handler: establishes, registers, and serves one agent
// ABOUTME: Strict request/ack loop dispatching control actions onto the bus

package gateway

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/2389/agentbus/internal/auth"
	"github.com/2389/agentbus/internal/bus"
	"github.com/2389/agentbus/internal/dedupe"
	"github.com/2389/agentbus/internal/observability"
	"github.com/2389/agentbus/internal/store"
)

// handleAgentWS handles GET /ws/agents/{agent_id}. The agent id comes from
// the path and, when auth is enabled, must match the token subject.
// Capabilities are read from ?capabilities=a,b and repeated ?capability=.
func (g *Gateway) handleAgentWS(w http.ResponseWriter, r *http.Request) {
	agentID := r.PathValue("agent_id")
	if agentID == "" {
		g.sendJSONError(w, http.StatusBadRequest, "agent_id is required")
		return
	}

	if status, err := auth.AuthorizeAgent(r, g.verifier, agentID); err != nil {
		g.logger.Warn("agent connection rejected",
			"agent_id", agentID,
			"remote_addr", r.RemoteAddr,
			"status", status,
			"error", err,
		)
		g.sendJSONError(w, status, err.Error())
		return
	}

	// Counted before the upgrade hijacks the connection, so HTTP shutdown
	// cannot finish between the two.
	g.conns.Add(1)
	defer g.conns.Done()

	ws, err := g.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade has already replied to the client.
		g.logger.Warn("websocket upgrade failed", "agent_id", agentID, "error", err)
		return
	}

	conn := newWSConn(ws, g.transport)
	g.serveAgent(context.WithoutCancel(r.Context()), agentID, parseCapabilities(r), conn, r.RemoteAddr)
}

// parseCapabilities collects capabilities from the handshake query, dropping
// blanks and duplicates while keeping first-seen order.
func parseCapabilities(r *http.Request) []string {
	query := r.URL.Query()
	var raw []string
	for _, v := range query["capabilities"] {
		raw = append(raw, strings.Split(v, ",")...)
	}
	raw = append(raw, query["capability"]...)

	seen := make(map[string]bool, len(raw))
	caps := make([]string, 0, len(raw))
	for _, c := range raw {
		c = strings.TrimSpace(c)
		if c == "" || seen[c] {
			continue
		}
		seen[c] = true
		caps = append(caps, c)
	}
	return caps
}

// serveAgent runs one connection through CONNECTING -> REGISTERED -> CLOSED.
// Once registration succeeds, unregistration is guaranteed on every exit path.
func (g *Gateway) serveAgent(ctx context.Context, agentID string, capabilities []string, conn *wsConn, remoteAddr string) {
	logger := g.logger.With("agent_id", agentID, "conn_id", uuid.NewString())

	if err := g.bus.Register(ctx, agentID, conn, capabilities); err != nil {
		g.rejectConnection(conn, err, logger)
		return
	}

	sessionID := g.startSession(ctx, agentID, capabilities, remoteAddr, logger)
	reason := store.ReasonClosed
	defer func() {
		g.bus.Unregister(ctx, agentID)
		g.endSession(ctx, sessionID, reason, logger)
		_ = conn.Close()
		logger.Info("agent disconnected", "reason", reason)
	}()

	go conn.keepAlive()
	logger.Info("agent connected", "capabilities", capabilities, "remote_addr", remoteAddr)

	for {
		data, err := conn.ReadMessage()
		if err != nil {
			reason = g.disconnectReason(err)
			logger.Debug("receive loop ended", "error", err)
			return
		}

		ack := g.dispatch(ctx, agentID, data, logger)
		if err := conn.SendJSON(ack); err != nil {
			reason = g.disconnectReason(err)
			logger.Debug("sending ack failed", "error", err)
			return
		}
	}
}

// rejectConnection tells the agent why registration failed and closes it.
func (g *Gateway) rejectConnection(conn *wsConn, err error, logger *slog.Logger) {
	logger.Warn("agent registration rejected", "error", err)

	code := websocket.ClosePolicyViolation
	text := "registration rejected"
	switch {
	case errors.Is(err, bus.ErrAgentAlreadyRegistered):
		text = "agent already registered"
	case errors.Is(err, bus.ErrClosed):
		code = websocket.CloseGoingAway
		text = "shutting down"
	}

	_ = conn.SendJSON(Ack{Status: StatusError, Message: err.Error()})
	_ = conn.CloseWithReason(code, text)
}

// disconnectReason classifies the error that ended the receive loop.
func (g *Gateway) disconnectReason(err error) store.DisconnectReason {
	switch {
	case g.bus.Closed():
		return store.ReasonShutdown
	case websocket.IsCloseError(err,
		websocket.CloseNormalClosure,
		websocket.CloseGoingAway,
		websocket.CloseNoStatusReceived):
		return store.ReasonClosed
	default:
		return store.ReasonError
	}
}

// dispatch decodes one frame and runs exactly one action, always producing
// an ack. Errors never end the loop.
func (g *Gateway) dispatch(ctx context.Context, agentID string, data []byte, logger *slog.Logger) Ack {
	msg, err := decodeControlMessage(data)
	if err != nil {
		logger.Debug("malformed control message", "error", err)
		return errorAck("", err)
	}

	spanName := msg.Action
	if !knownAction(spanName) {
		spanName = "unknown"
	}
	ctx, span := g.tracer.Start(ctx, spanName, agentID)
	ack, err := g.handleAction(ctx, agentID, msg)
	observability.End(span, err)

	if err != nil {
		logger.Debug("control action failed", "action", msg.Action, "error", err)
		return errorAck(msg.Action, err)
	}
	return ack
}

func knownAction(action string) bool {
	switch action {
	case ActionSubscribe, ActionUnsubscribe, ActionPublish, ActionRequestCollaboration,
		ActionDirectMessage, ActionGetAgents, ActionGetSubscriptions:
		return true
	}
	return false
}

func (g *Gateway) handleAction(ctx context.Context, agentID string, msg *ControlMessage) (Ack, error) {
	switch msg.Action {
	case ActionSubscribe:
		g.bus.Subscribe(agentID, msg.Topics)
		return Ack{Status: StatusSubscribed, Topics: nonNil(msg.Topics)}, nil

	case ActionUnsubscribe:
		g.bus.Unsubscribe(agentID, msg.Topics)
		return Ack{Status: StatusUnsubscribed, Topics: nonNil(msg.Topics)}, nil

	case ActionPublish:
		return g.handlePublish(ctx, agentID, msg)

	case ActionRequestCollaboration:
		if msg.Capability == "" {
			return Ack{}, fmt.Errorf("%w: capability", ErrMissingField)
		}
		result := g.bus.RequestCollaboration(ctx, agentID, msg.Capability, msg.Context)
		return Ack{Status: StatusCollaborationRequested, Result: &result}, nil

	case ActionDirectMessage:
		return g.handleDirectMessage(ctx, agentID, msg)

	case ActionGetAgents:
		return Ack{Status: StatusOK, Agents: g.bus.ListAgents()}, nil

	case ActionGetSubscriptions:
		return Ack{Status: StatusOK, Topics: nonNil(g.bus.TopicsOf(agentID))}, nil

	default:
		return Ack{}, fmt.Errorf("%w: %q", ErrUnknownAction, msg.Action)
	}
}

func (g *Gateway) handlePublish(ctx context.Context, agentID string, msg *ControlMessage) (Ack, error) {
	if msg.Topic == "" {
		return Ack{}, fmt.Errorf("%w: topic", ErrMissingField)
	}
	ack := Ack{Status: StatusPublished, Topic: msg.Topic, ID: msg.ID}

	if g.claimDuplicate(agentID, msg.ID) {
		ack.Duplicate = true
		return ack, nil
	}

	g.bus.Publish(ctx, msg.Topic, msg.Message, agentID)
	return ack, nil
}

func (g *Gateway) handleDirectMessage(ctx context.Context, agentID string, msg *ControlMessage) (Ack, error) {
	ack := Ack{Status: StatusMessageSent, Recipient: msg.Recipient, ID: msg.ID}

	if g.claimDuplicate(agentID, msg.ID) {
		ack.Duplicate = true
		return ack, nil
	}

	if err := g.bus.DirectMessage(ctx, agentID, msg.Recipient, msg.Message); err != nil {
		// A failed send may be retried with the same id.
		if msg.ID != "" && g.dedupe != nil {
			g.dedupe.Release(dedupe.Key{AgentID: agentID, MessageID: msg.ID})
		}
		return Ack{}, err
	}
	return ack, nil
}

// claimDuplicate reports whether messageID was already handled for agentID.
// Frames without an id are never duplicates, nor is anything when dedupe
// is disabled.
func (g *Gateway) claimDuplicate(agentID, messageID string) bool {
	if messageID == "" || g.dedupe == nil {
		return false
	}
	return g.dedupe.Claim(dedupe.Key{AgentID: agentID, MessageID: messageID})
}

// startSession records the connection in the ledger. Ledger failures are
// logged and the connection continues without a session id.
func (g *Gateway) startSession(ctx context.Context, agentID string, capabilities []string, remoteAddr string, logger *slog.Logger) string {
	session := &store.AgentSession{
		AgentID:      agentID,
		Capabilities: capabilities,
		RemoteAddr:   remoteAddr,
	}
	if err := g.store.RecordSessionStart(ctx, session); err != nil {
		logger.Error("recording session start", "error", err)
		return ""
	}
	return session.ID
}

func (g *Gateway) endSession(ctx context.Context, sessionID string, reason store.DisconnectReason, logger *slog.Logger) {
	if sessionID == "" {
		return
	}
	if err := g.store.RecordSessionEnd(ctx, sessionID, g.now().UTC(), reason); err != nil {
		logger.Error("recording session end", "session_id", sessionID, "error", err)
	}
}
