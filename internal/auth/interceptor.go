// ABOUTME: gRPC interceptors for authenticating requests using JWT bearer tokens
// ABOUTME: Health checks stay open so load balancers and probes need no credentials

package auth

import (
	"context"
	"log/slog"
	"strings"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/peer"
	"google.golang.org/grpc/status"
)

// HealthServicePrefix is the method prefix of the standard gRPC health service.
const HealthServicePrefix = "/grpc.health.v1.Health/"

// logAuthFailure logs an authentication failure with structured context.
func logAuthFailure(logger *slog.Logger, ctx context.Context, reason string, attrs ...any) {
	if logger == nil {
		return
	}
	baseAttrs := []any{"reason", reason}
	if p, ok := peer.FromContext(ctx); ok && p.Addr != nil {
		baseAttrs = append(baseAttrs, "peer_addr", p.Addr.String())
	}
	baseAttrs = append(baseAttrs, attrs...)
	logger.Warn("auth failure", baseAttrs...)
}

// UnaryInterceptor returns a gRPC unary interceptor that authenticates requests.
// A nil verifier injects an anonymous AuthContext instead.
func UnaryInterceptor(tokens TokenVerifier, logger *slog.Logger) grpc.UnaryServerInterceptor {
	return func(
		ctx context.Context,
		req any,
		info *grpc.UnaryServerInfo,
		handler grpc.UnaryHandler,
	) (any, error) {
		authCtx, err := authenticate(ctx, info.FullMethod, tokens, logger)
		if err != nil {
			return nil, err
		}
		return handler(WithAuth(ctx, authCtx), req)
	}
}

// StreamInterceptor returns a gRPC stream interceptor that authenticates requests.
// A nil verifier injects an anonymous AuthContext instead.
func StreamInterceptor(tokens TokenVerifier, logger *slog.Logger) grpc.StreamServerInterceptor {
	return func(
		srv any,
		ss grpc.ServerStream,
		info *grpc.StreamServerInfo,
		handler grpc.StreamHandler,
	) error {
		authCtx, err := authenticate(ss.Context(), info.FullMethod, tokens, logger)
		if err != nil {
			return err
		}
		wrapped := &wrappedServerStream{
			ServerStream: ss,
			ctx:          WithAuth(ss.Context(), authCtx),
		}
		return handler(srv, wrapped)
	}
}

// wrappedServerStream wraps a grpc.ServerStream with a custom context.
type wrappedServerStream struct {
	grpc.ServerStream
	ctx context.Context
}

// Context returns the wrapped context.
func (w *wrappedServerStream) Context() context.Context {
	return w.ctx
}

// authenticate resolves the caller of fullMethod from gRPC metadata.
func authenticate(ctx context.Context, fullMethod string, tokens TokenVerifier, logger *slog.Logger) (*AuthContext, error) {
	if tokens == nil || strings.HasPrefix(fullMethod, HealthServicePrefix) {
		return anonymous(), nil
	}

	md, ok := metadata.FromIncomingContext(ctx)
	if !ok {
		logAuthFailure(logger, ctx, "missing_metadata", "method", fullMethod)
		return nil, status.Error(codes.Unauthenticated, "missing metadata")
	}

	headers := md.Get("authorization")
	if len(headers) == 0 {
		logAuthFailure(logger, ctx, "missing_authorization", "method", fullMethod)
		return nil, status.Error(codes.Unauthenticated, "missing authorization header")
	}

	token, errMsg := extractBearerToken(headers[0])
	if errMsg != "" {
		logAuthFailure(logger, ctx, "bad_authorization", "method", fullMethod)
		return nil, status.Error(codes.Unauthenticated, errMsg)
	}

	agentID, err := tokens.Verify(token)
	if err != nil {
		logAuthFailure(logger, ctx, "jwt_auth_failed", "method", fullMethod, "error", err.Error())
		return nil, status.Error(codes.Unauthenticated, "invalid or expired token")
	}

	return &AuthContext{AgentID: agentID}, nil
}
