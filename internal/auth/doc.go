// Package auth provides connection establishment authentication for agentbus.
//
// # JWT Tokens
//
// Agents and API clients authenticate with HS256 JWTs signed with the
// configured auth.jwt_secret. The "sub" claim carries the agent id:
//
//	verifier, err := auth.NewJWTVerifier([]byte(secret))
//	token, err := verifier.Generate("agent-1", 24*time.Hour)
//	agentID, err := verifier.Verify(token)
//
// Secrets shorter than MinSecretLength are rejected.
//
// # Agent Connections
//
// The websocket endpoint /ws/agents/{agent_id} calls AuthorizeAgent, which
// requires a token whose subject equals the agent id in the URL:
//
//   - 401 for a missing, malformed, or expired token
//   - 403 for a valid token issued to a different agent
//
// Tokens may be sent as "Authorization: Bearer <token>" or as ?token=
// on the URL, since browsers cannot set headers on a websocket handshake.
//
// # HTTP and gRPC
//
// HTTPAuthMiddleware guards the REST introspection API. UnaryInterceptor and
// StreamInterceptor guard the gRPC server, leaving /grpc.health.v1.Health/
// open for probes. Both place an AuthContext on the request context.
//
// # Anonymous Mode
//
// With no jwt_secret configured every caller is accepted. Middleware and
// interceptors then attach an AuthContext with Anonymous set.
package auth
