// Package config loads runtime configuration for the pilotauth CLI.
//
// Sources & precedence
//
//  1. Built-in defaults (see (*Config).LoadDefaults).
//  2. Optional JSON file (see parseJson) selected via -c/-config or
//     $PILOTAUTH_CONFIG.
//  3. Command-line flags (see parseFlags), which override earlier values.
//
// Supported flags
//
//	-a string   base URL of the pilotauth HTTP API
//	-k string   admin token used by the register command
//	-T int      request timeout (seconds)
//
// # JSON schema
//
//	{
//	  "server_url": "http://127.0.0.1:8000",
//	  "admin_token": "adminToken",
//	  "request_timeout": "10s"
//	}
package config
