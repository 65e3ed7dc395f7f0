// Package config handles configuration loading for coven-relay.
//
// # Overview
//
// Configuration is loaded from YAML files with environment variable expansion.
// The package provides validation and duration parsing.
//
// # Environment Variable Expansion
//
// Configuration values can reference environment variables:
//
//	remote:
//	  api_key: "${COVEN_REMOTE_API_KEY}"
//
// Syntax: ${VAR_NAME}
//
// # Duration Parsing
//
// Duration values use Go's time.ParseDuration syntax:
//
//	remote:
//	  request_timeout: "30s"
//	  run_timeout: "10m"
//
// Supported units: ns, us, ms, s, m, h
//
// # Configuration Sections
//
// Server settings:
//
//	server:
//	  http_addr: "0.0.0.0:8080"   # Chat transport API
//
// Database:
//
//	database:
//	  path: "/var/lib/coven/relay.db"
//
// Remote execution service:
//
//	remote:
//	  base_url: "https://executor.example.com"
//	  api_key: "${COVEN_REMOTE_API_KEY}"
//	  request_timeout: "30s"
//	  run_timeout: "10m"
//	  stream:
//	    base_delay: "1s"
//	    max_delay: "16s"
//	    max_retries: 5
//
// Circuit breaker:
//
//	health:
//	  failure_threshold: 3
//	  cooldown: "60s"
//
// Local engine:
//
//	engine:
//	  command: "coven-agent"
//	  args: ["--json"]
//
// Message deduplication:
//
//	dedupe:
//	  ttl: "10m"
//	  max_size: 10000
//
// Logging:
//
//	logging:
//	  level: "info"   # debug, info, warn, error
//	  format: "text"  # text, json
//
// # Validation
//
// Load() validates:
//
//   - Server address, database path, remote base URL, engine command presence
//   - Duration format validity
//   - Non-negative retry and threshold counts
package config
