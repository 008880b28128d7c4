// Package config defines the server configuration structure.
package config

import (
	"time"

	"github.com/corvuskv/corvus/internal/outmux"
	"github.com/corvuskv/corvus/internal/pubsub"
)

// ServerConfig is the root configuration for corvus-server.
type ServerConfig struct {
	Server ServerSection `koanf:"server"`
	Outmux outmux.Config `koanf:"outmux"`
	Broker pubsub.Config `koanf:"broker"`
	Log    LogSection    `koanf:"log"`
}

// ServerSection configures the listener and per-connection behavior.
type ServerSection struct {
	// Port is the TCP port; the server binds on all interfaces.
	Port int `koanf:"port"`
	// RateLimit caps commands per second per connection. Zero disables.
	RateLimit int `koanf:"rate_limit"`
	// IdleTimeout closes connections idle for this long. Zero disables.
	IdleTimeout time.Duration `koanf:"idle_timeout"`
}

// LogSection configures logging.
type LogSection struct {
	Level  string `koanf:"level"`
	Format string `koanf:"format"`
}
