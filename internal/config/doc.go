// Package config loads and validates agentgram configuration from YAML or
// TOML files, expanding ${VAR} environment references and parsing duration
// strings along the way.
package config
