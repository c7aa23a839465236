// Package config loads, parses and validates application settings from
// defaults, an optional file and STRENGTH_ prefixed environment variables.
package config
