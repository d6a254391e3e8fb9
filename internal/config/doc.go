// Package config loads the console configuration.
//
// # Configuration Sources
//
// Values are resolved in order of precedence:
//
//	1. Environment variables (highest priority)
//	2. YAML file (console.yaml, configs/console.yaml or an explicit path)
//	3. Built-in defaults (lowest priority)
//
// # Environment Variables
//
// All variables are namespaced with CONSOLE_ followed by the section:
//
//	CONSOLE_SERVER_PORT=8080
//	CONSOLE_LOGGING_LEVEL=debug
//	CONSOLE_LICENSE_AUTHORITY_URL=https://licensing.internal
//	CONSOLE_LICENSE_POLL_PERIOD=5m
//	CONSOLE_LICENSE_EXEMPT_DOMAINS=vendor.example,support.vendor.example
//
// Validation collects every problem before failing, so a misconfigured
// deployment reports all bad settings in one error.
package config
