// Package config loads, validates, and defaults the TOML configuration for
// the btaudio daemon and CLI.
package config
