// ABOUTME: gRPC server exposing the standard health service for the bus
// ABOUTME: Keepalive, auth interceptors, and OpenTelemetry stats handler wiring

package gateway

import (
	"log/slog"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/google.golang.org/grpc/otelgrpc"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/keepalive"
	"google.golang.org/grpc/reflection"

	"github.com/2389/agentbus/internal/auth"
	"github.com/2389/agentbus/internal/observability"
)

// BusHealthService is the service name reported by the gRPC health server.
// The empty service name tracks the same status.
const BusHealthService = "agentbus.Bus"

// newGRPCServer creates the gRPC server with the health and reflection
// services registered. tokens may be nil for anonymous mode.
func newGRPCServer(tokens auth.TokenVerifier, telemetry *observability.Provider, logger *slog.Logger) (*grpc.Server, *health.Server) {
	server := grpc.NewServer(
		grpc.KeepaliveParams(keepalive.ServerParameters{
			Time:    15 * time.Second,
			Timeout: 5 * time.Second,
		}),
		grpc.KeepaliveEnforcementPolicy(keepalive.EnforcementPolicy{
			MinTime:             5 * time.Second,
			PermitWithoutStream: true,
		}),
		grpc.StatsHandler(otelgrpc.NewServerHandler(
			otelgrpc.WithTracerProvider(telemetry.TracerProvider()),
			otelgrpc.WithMeterProvider(telemetry.MeterProvider()),
		)),
		grpc.ChainUnaryInterceptor(auth.UnaryInterceptor(tokens, logger)),
		grpc.ChainStreamInterceptor(auth.StreamInterceptor(tokens, logger)),
	)

	healthServer := health.NewServer()
	healthServer.SetServingStatus("", healthpb.HealthCheckResponse_NOT_SERVING)
	healthServer.SetServingStatus(BusHealthService, healthpb.HealthCheckResponse_NOT_SERVING)
	healthpb.RegisterHealthServer(server, healthServer)
	reflection.Register(server)

	if tokens != nil {
		logger.Info("gRPC auth interceptors enabled (JWT)")
	} else {
		logger.Warn("gRPC auth disabled - no jwt_secret configured")
	}
	return server, healthServer
}

// setServing flips both health entries.
func setServing(h *health.Server, serving bool) {
	status := healthpb.HealthCheckResponse_NOT_SERVING
	if serving {
		status = healthpb.HealthCheckResponse_SERVING
	}
	h.SetServingStatus("", status)
	h.SetServingStatus(BusHealthService, status)
}
