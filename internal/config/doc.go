// Package config handles configuration loading for agentbus.
//
// # Overview
//
// Configuration is loaded from YAML files (or TOML, for paths ending in
// .toml) with environment variable expansion, defaults, and validation.
//
// # Environment Variable Expansion
//
// Configuration values can reference environment variables:
//
//	auth:
//	  jwt_secret: "${AGENTBUS_JWT_SECRET}"
//
// Syntax: ${VAR_NAME}. Unset variables expand to the empty string.
//
// # Configuration Sections
//
// Server settings:
//
//	server:
//	  http_addr: "0.0.0.0:8080"   # websocket, REST, health, metrics
//	  grpc_addr: "0.0.0.0:50051"  # gRPC health service
//
// Database (session ledger, ":memory:" allowed):
//
//	database:
//	  path: "/var/lib/agentbus/agentbus.db"
//
// Authentication (empty secret = anonymous mode):
//
//	auth:
//	  jwt_secret: "${AGENTBUS_JWT_SECRET}"
//
// Agent connections:
//
//	agents:
//	  heartbeat_interval: "30s"    # websocket ping period, unset disables
//	  heartbeat_timeout: "90s"     # read deadline pushed out on every pong
//	  write_timeout: "10s"         # per-frame write deadline
//	  max_message_bytes: 1048576
//	  dedupe_ttl: "5m"             # "0s" disables retry suppression
//	  allowed_origins:
//	    - "https://console.example.com"
//
// Tailscale:
//
//	tailscale:
//	  enabled: false
//	  hostname: "agentbus"
//	  auth_key: "${TS_AUTHKEY}"
//	  https: true
//	  funnel: false
//
// Observability:
//
//	logging:
//	  level: "info"   # debug, info, warn, error
//	  format: "text"  # text, json
//	metrics:
//	  enabled: true
//	  path: "/metrics"
//	tracing:
//	  enabled: false
//	  endpoint: "localhost:4317"
//	  insecure: true
//
// # Usage
//
//	cfg, err := config.Load("/etc/agentbus/config.yaml")
//	if err != nil {
//	    log.Fatal(err)
//	}
package config
