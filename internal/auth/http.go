// ABOUTME: HTTP middleware and helpers for JWT authentication on agent and API endpoints
// ABOUTME: Accepts the token from the Authorization header or a ?token= query parameter

package auth

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strings"
)

// extractBearerToken extracts a bearer token from the Authorization header.
// Returns the token and an error message (empty if successful).
func extractBearerToken(authHeader string) (string, string) {
	if authHeader == "" {
		return "", "missing authorization header"
	}
	if !strings.HasPrefix(authHeader, "Bearer ") {
		return "", "invalid authorization header format"
	}
	token := strings.TrimPrefix(authHeader, "Bearer ")
	if token == "" {
		return "", "empty token"
	}
	return token, ""
}

// TokenFromRequest returns the request's token. Browsers cannot set headers on
// a websocket handshake, so ?token= is accepted when no header is present.
func TokenFromRequest(r *http.Request) (string, string) {
	if r.Header.Get("Authorization") == "" {
		if token := r.URL.Query().Get("token"); token != "" {
			return token, ""
		}
	}
	return extractBearerToken(r.Header.Get("Authorization"))
}

// AuthorizeAgent checks that r carries a valid token issued for agentID.
// It returns the HTTP status to reply with on failure: 401 for a missing or
// invalid token, 403 for a valid token belonging to another agent. A nil
// verifier means anonymous mode and always succeeds.
func AuthorizeAgent(r *http.Request, verifier *JWTVerifier, agentID string) (int, error) {
	if verifier == nil {
		return http.StatusOK, nil
	}

	token, errMsg := TokenFromRequest(r)
	if errMsg != "" {
		return http.StatusUnauthorized, errors.New(errMsg)
	}

	if err := verifier.VerifyAgent(token, agentID); err != nil {
		if errors.Is(err, ErrAgentMismatch) {
			return http.StatusForbidden, err
		}
		return http.StatusUnauthorized, err
	}
	return http.StatusOK, nil
}

// HTTPAuthMiddleware creates an HTTP middleware that extracts and validates JWT tokens
// and adds the AuthContext to the request context. A nil verifier disables
// authentication and marks every request anonymous.
func HTTPAuthMiddleware(verifier TokenVerifier, logger *slog.Logger) func(http.Handler) http.Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if verifier == nil {
				next.ServeHTTP(w, r.WithContext(WithAuth(r.Context(), anonymous())))
				return
			}

			token, errMsg := TokenFromRequest(r)
			if errMsg != "" {
				writeAuthError(w, http.StatusUnauthorized, errMsg)
				return
			}

			agentID, err := verifier.Verify(token)
			if err != nil {
				logger.Warn("auth failure", "reason", err, "path", r.URL.Path, "remote_addr", r.RemoteAddr)
				msg := "invalid token"
				if errors.Is(err, ErrExpiredToken) {
					msg = "token expired"
				}
				writeAuthError(w, http.StatusUnauthorized, msg)
				return
			}

			next.ServeHTTP(w, r.WithContext(WithAuth(r.Context(), &AuthContext{AgentID: agentID})))
		})
	}
}

func writeAuthError(w http.ResponseWriter, status int, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]string{"error": msg})
}
