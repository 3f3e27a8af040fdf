// Package observability wires OpenTelemetry into agentbus.
//
// Metrics go through an OpenTelemetry meter whose reader is the Prometheus
// exporter, registered on a private registry served at metrics.path:
//
//	agentbus_connected_agents
//	agentbus_publishes_total{topic}
//	agentbus_publish_recipients{topic}
//	agentbus_deliveries_total{kind,outcome}
//	agentbus_direct_messages_total{outcome}
//	agentbus_collaboration_requests_total{status}
//
// Traces are exported over OTLP/gRPC when tracing.enabled is set. Each
// control action on an agent connection gets one span named bus.<action>.
package observability
