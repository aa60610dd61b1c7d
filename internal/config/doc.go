// Package config handles configuration loading for loom.
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
//  2. ./config.yaml (current directory)
//  3. ~/.config/loom/loom.yaml
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
//	permissions:
//	  timeout: "5m"
//	session:
//	  resume_token_ttl: "600h"
package config
