// Package config loads the daemon and CLI configuration from JSON or YAML
// files, applies defaults, and lets environment variables override secrets
// such as the marketplace and payment service API keys.
package config
