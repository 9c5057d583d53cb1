// Package config handles configuration loading for loom-gateway.
//
// # Overview
//
// Configuration is loaded from YAML files with environment variable expansion.
// The package provides validation and sensible defaults.
//
// # Configuration File
//
// Default locations (in order):
//
//  1. Path from LOOM_CONFIG environment variable
//  2. ~/.config/loom/gateway.yaml (respecting XDG_CONFIG_HOME)
//
// # Environment Variable Expansion
//
// Configuration values can reference environment variables:
//
//	auth:
//	  jwt_secret: "${LOOM_JWT_SECRET}"
//
// Syntax: ${VAR_NAME}
//
// # Duration Parsing
//
// Duration values use Go's time.ParseDuration syntax:
//
//	sessions:
//	  reconnect_delay: "2s"
//	  heartbeat_interval: "15s"
//	media:
//	  ttl: "1h"
//
// Supported units: ns, us, ms, s, m, h
//
// # Configuration Sections
//
// Server settings:
//
//	server:
//	  http_addr: "0.0.0.0:8080"
//
// Credential store:
//
//	credentials:
//	  backend: "sqlite"              # sqlite, redis, memory
//	  path: "/var/lib/loom/creds.db" # sqlite only
//	  redis_addr: "localhost:6379"   # redis only
//
// Authentication:
//
//	auth:
//	  tokens:
//	    - "${LOOM_API_TOKEN}"
//	    - "$2a$10$..."               # bcrypt hash also accepted
//	  jwt_secret: "${LOOM_JWT_SECRET}"
//
// Event relay:
//
//	relay:
//	  enabled: true
//	  url: "${AMQP_URL}"
//	  exchange: "loom.events"
//
// Tailscale:
//
//	tailscale:
//	  enabled: false
//	  hostname: "loom-gateway"
//	  auth_key: "${TS_AUTHKEY}"
//	  funnel: false
//
// Logging:
//
//	logging:
//	  level: "info"   # debug, info, warn, error
//	  format: "text"  # text, json
package config
