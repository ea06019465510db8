// Package config handles configuration loading for beacon-gateway.
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
//  1. Path from BEACON_CONFIG environment variable
//  2. $XDG_CONFIG_HOME/beacon/gateway.yaml
//  3. ~/.config/beacon/gateway.yaml
//
// # Environment Variable Expansion
//
// Configuration values can reference environment variables:
//
//	crm:
//	  base_url: "${BEACON_CRM_URL}"
//
// Syntax: ${VAR_NAME}. Unset variables expand to an empty string.
//
// # Duration Parsing
//
// Duration values use Go's time.ParseDuration syntax:
//
//	transport:
//	  reconnect_delay: "5s"
//	  initial_retry_delay: "10s"
//
// # Configuration Sections
//
// Server settings:
//
//	server:
//	  http_addr: "localhost:8080"
//
// CRM gateway:
//
//	crm:
//	  base_url: "https://crm.example.com"
//	  admin_peer: "491512345"   # optional, lead/contact notices
//
// Chat transport:
//
//	transport:
//	  store_dir: "/var/lib/beacon/transport"
//	  reconnect_delay: "5s"
//	  initial_retry_delay: "10s"
//
// Message ledger:
//
//	ledger:
//	  path: "/var/lib/beacon/ledger.db"
//
// Dedupe cache:
//
//	dedupe:
//	  ttl: "10m"
//	  max_entries: 4096
//
// Logging:
//
//	logging:
//	  level: "info"   # debug, info, warn, error
//	  format: "text"  # text, json
//
// # Validation
//
// Load() requires server.http_addr, crm.base_url, transport.store_dir, and
// ledger.path. Everything else has defaults.
package config
