// ABOUTME: REST introspection API over the bus and the session ledger
// ABOUTME: Lists agents, subscriptions, subscribers, sessions and publishes from external services

package gateway

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/2389/agentbus/internal/auth"
	"github.com/2389/agentbus/internal/bus"
	"github.com/2389/agentbus/internal/store"
)

// AgentInfoResponse is one entry of GET /api/agents.
type AgentInfoResponse struct {
	AgentID      string   `json:"agent_id"`
	Capabilities []string `json:"capabilities"`
	Topics       []string `json:"topics"`
	ConnectedAt  string   `json:"connected_at"`
}

// SubscriptionsResponse is the JSON response for GET /api/agents/{id}/subscriptions.
type SubscriptionsResponse struct {
	AgentID string   `json:"agent_id"`
	Online  bool     `json:"online"`
	Topics  []string `json:"topics"`
}

// SubscribersResponse is the JSON response for GET /api/topics/{topic}/subscribers.
type SubscribersResponse struct {
	Topic       string   `json:"topic"`
	Subscribers []string `json:"subscribers"`
}

// PublishRequest is the JSON body for POST /api/topics/{topic}/publish.
type PublishRequest struct {
	Sender  string         `json:"sender,omitempty"`
	Message map[string]any `json:"message"`
}

// PublishResponse is the JSON response for POST /api/topics/{topic}/publish.
type PublishResponse struct {
	Status    string `json:"status"`
	Topic     string `json:"topic"`
	Delivered int    `json:"delivered"`
}

// SessionResponse is one ledger entry.
type SessionResponse struct {
	ID             string   `json:"id"`
	AgentID        string   `json:"agent_id"`
	Capabilities   []string `json:"capabilities"`
	RemoteAddr     string   `json:"remote_addr,omitempty"`
	ConnectedAt    string   `json:"connected_at"`
	DisconnectedAt string   `json:"disconnected_at,omitempty"`
	Reason         string   `json:"reason,omitempty"`
}

// ListSessionsResponse is the JSON response for GET /api/sessions.
type ListSessionsResponse struct {
	Sessions []SessionResponse `json:"sessions"`
}

// handleListAgents handles GET /api/agents.
func (g *Gateway) handleListAgents(w http.ResponseWriter, r *http.Request) {
	agents := g.bus.ListAgents()

	response := make([]AgentInfoResponse, 0, len(agents))
	for _, a := range agents {
		response = append(response, agentInfoResponse(a, g.bus.TopicsOf(a.ID)))
	}

	g.writeJSON(w, http.StatusOK, response)
}

func agentInfoResponse(a bus.AgentInfo, topics []string) AgentInfoResponse {
	if topics == nil {
		topics = []string{}
	}
	return AgentInfoResponse{
		AgentID:      a.ID,
		Capabilities: a.Capabilities,
		Topics:       topics,
		ConnectedAt:  a.ConnectedAt.UTC().Format(time.RFC3339Nano),
	}
}

// handleAgentSubscriptions handles GET /api/agents/{agent_id}/subscriptions.
// Subscriptions are reported even for agents that are not connected.
func (g *Gateway) handleAgentSubscriptions(w http.ResponseWriter, r *http.Request) {
	agentID := r.PathValue("agent_id")

	g.writeJSON(w, http.StatusOK, SubscriptionsResponse{
		AgentID: agentID,
		Online:  g.bus.IsOnline(agentID),
		Topics:  nonNil(g.bus.TopicsOf(agentID)),
	})
}

// handleTopicSubscribers handles GET /api/topics/{topic}/subscribers.
func (g *Gateway) handleTopicSubscribers(w http.ResponseWriter, r *http.Request) {
	topic := r.PathValue("topic")

	g.writeJSON(w, http.StatusOK, SubscribersResponse{
		Topic:       topic,
		Subscribers: g.bus.SubscribersOf(topic),
	})
}

// handleAPIPublish handles POST /api/topics/{topic}/publish for services that
// are not connected agents. The sender defaults to "system". An authenticated
// caller may only publish as itself or as "system".
func (g *Gateway) handleAPIPublish(w http.ResponseWriter, r *http.Request) {
	topic := r.PathValue("topic")

	req, err := g.parsePublishRequest(w, r)
	if err != nil {
		g.sendJSONError(w, http.StatusBadRequest, err.Error())
		return
	}

	sender := req.Sender
	if sender == "" {
		sender = bus.SystemSender
	}
	if authCtx := auth.FromContext(r.Context()); authCtx != nil && !authCtx.Anonymous {
		if sender != bus.SystemSender && sender != authCtx.AgentID {
			g.sendJSONError(w, http.StatusForbidden, "cannot publish as another agent")
			return
		}
	}

	delivered := g.bus.Publish(r.Context(), topic, req.Message, sender)

	g.writeJSON(w, http.StatusOK, PublishResponse{
		Status:    StatusPublished,
		Topic:     topic,
		Delivered: delivered,
	})
}

// parsePublishRequest decodes a PublishRequest bounded by agents.max_message_bytes.
func (g *Gateway) parsePublishRequest(w http.ResponseWriter, r *http.Request) (*PublishRequest, error) {
	body := io.Reader(r.Body)
	if limit := g.config.Agents.MaxMessageBytes; limit > 0 {
		body = http.MaxBytesReader(w, r.Body, limit)
	}

	var req PublishRequest
	if err := decodePayloadJSON(body, &req); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			return nil, errors.New("request body too large")
		}
		return nil, errors.New("invalid JSON body")
	}
	return &req, nil
}

// handleListSessions handles GET /api/sessions?agent_id=&open=&limit=.
func (g *Gateway) handleListSessions(w http.ResponseWriter, r *http.Request) {
	query := r.URL.Query()
	filter := store.SessionFilter{AgentID: query.Get("agent_id")}

	if limitStr := query.Get("limit"); limitStr != "" {
		limit, err := strconv.Atoi(limitStr)
		if err != nil || limit < 1 {
			g.sendJSONError(w, http.StatusBadRequest, "limit must be a positive integer")
			return
		}
		filter.Limit = limit
	}
	if openStr := query.Get("open"); openStr != "" {
		open, err := strconv.ParseBool(openStr)
		if err != nil {
			g.sendJSONError(w, http.StatusBadRequest, "open must be a boolean")
			return
		}
		filter.OpenOnly = open
	}

	sessions, err := g.store.ListSessions(r.Context(), filter)
	if err != nil {
		g.logger.Error("failed to list sessions", "error", err)
		g.sendJSONError(w, http.StatusInternalServerError, "internal server error")
		return
	}

	response := ListSessionsResponse{Sessions: make([]SessionResponse, 0, len(sessions))}
	for i := range sessions {
		response.Sessions = append(response.Sessions, sessionResponse(&sessions[i]))
	}
	g.writeJSON(w, http.StatusOK, response)
}

// handleGetSession handles GET /api/sessions/{id}.
func (g *Gateway) handleGetSession(w http.ResponseWriter, r *http.Request) {
	session, err := g.store.GetSession(r.Context(), r.PathValue("id"))
	if errors.Is(err, store.ErrNotFound) {
		g.sendJSONError(w, http.StatusNotFound, "session not found")
		return
	}
	if err != nil {
		g.logger.Error("failed to get session", "error", err)
		g.sendJSONError(w, http.StatusInternalServerError, "internal server error")
		return
	}
	g.writeJSON(w, http.StatusOK, sessionResponse(session))
}

func sessionResponse(s *store.AgentSession) SessionResponse {
	caps := s.Capabilities
	if caps == nil {
		caps = []string{}
	}
	resp := SessionResponse{
		ID:           s.ID,
		AgentID:      s.AgentID,
		Capabilities: caps,
		RemoteAddr:   s.RemoteAddr,
		ConnectedAt:  s.ConnectedAt.UTC().Format(time.RFC3339Nano),
		Reason:       string(s.Reason),
	}
	if s.DisconnectedAt != nil {
		resp.DisconnectedAt = s.DisconnectedAt.UTC().Format(time.RFC3339Nano)
	}
	return resp
}

// writeJSON writes v with the given status.
func (g *Gateway) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		g.logger.Debug("writing response", "error", err)
	}
}

// sendJSONError writes a JSON error response.
func (g *Gateway) sendJSONError(w http.ResponseWriter, status int, message string) {
	g.writeJSON(w, status, map[string]string{"error": message})
}
