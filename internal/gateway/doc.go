// Package gateway serves the agentbus message bus to connected agents.
//
// # Overview
//
// The Gateway owns the bus and everything around it: the HTTP server that
// accepts agent websockets and serves the REST API, the gRPC health server,
// optional Tailscale listeners, the session ledger, the dedupe cache, and
// telemetry.
//
// # Agent Connections
//
// An agent connects with
//
//	GET /ws/agents/{agent_id}?capabilities=search,summarize
//
// When auth.jwt_secret is set, the request must carry a bearer token (header
// or ?token=) whose subject equals agent_id. A connection then moves through
// three states:
//
//	CONNECTING  -> token checked, websocket upgraded, bus.Register called
//	REGISTERED  -> receive loop: one frame in, one ack out, in order
//	CLOSED      -> bus.Unregister runs exactly once, session ledger stamped
//
// A second connection for an id that is still registered receives an error
// ack and is closed with a policy-violation close frame; the live connection
// is untouched.
//
// # Control Protocol
//
// Every inbound frame is a JSON object with an "action":
//
//	{"action": "subscribe", "topics": ["news"]}             -> {"status": "subscribed", "topics": [...]}
//	{"action": "unsubscribe", "topics": ["news"]}           -> {"status": "unsubscribed", "topics": [...]}
//	{"action": "publish", "topic": "news", "message": {}}   -> {"status": "published", "topic": "news"}
//	{"action": "request_collaboration", "capability": "x"}  -> {"status": "collaboration_requested", "result": {...}}
//	{"action": "direct_message", "recipient": "b", ...}     -> {"status": "message_sent", "recipient": "b"}
//	{"action": "get_agents"}                                -> {"status": "ok", "agents": [...]}
//	{"action": "get_subscriptions"}                         -> {"status": "ok", "topics": [...]}
//
// Undecodable frames get {"status": "error", "message": "Invalid JSON"} and
// unknown actions get "Unknown action: <name>". Neither closes the connection.
// publish and direct_message accept an optional "id"; a repeat within
// agents.dedupe_ttl is acknowledged with "duplicate": true and not delivered.
//
// # HTTP API
//
//   - GET /health - Liveness check
//   - GET /health/ready - 200 while the bus accepts registrations
//   - GET /api/agents - Connected agents with capabilities and topics
//   - GET /api/agents/{agent_id}/subscriptions - Topics of one agent
//   - GET /api/topics/{topic}/subscribers - Subscribers of one topic
//   - POST /api/topics/{topic}/publish - Publish from a non-agent service
//   - GET /api/sessions - Session ledger (agent_id, open, limit filters)
//   - GET /api/sessions/{id} - One ledger entry
//   - GET /metrics - Prometheus metrics when metrics.enabled
//
// # Shutdown
//
// Shutdown marks gRPC health NOT_SERVING, stops the HTTP listener, closes the
// bus (which closes every agent socket), waits for handlers to unregister,
// then stops gRPC, Tailscale, the store, the dedupe cache, and telemetry.
package gateway
