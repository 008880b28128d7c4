package config

import (
	"github.com/corvuskv/corvus/internal/outmux"
	"github.com/corvuskv/corvus/internal/pubsub"
)

// Default configuration values.
const (
	DefaultPort = 6380

	DefaultLogLevel  = "info"
	DefaultLogFormat = "json"
)

// Default returns the default server configuration.
func Default() *ServerConfig {
	return &ServerConfig{
		Server: ServerSection{
			Port: DefaultPort,
		},
		Outmux: outmux.DefaultConfig(),
		Broker: pubsub.DefaultConfig(),
		Log: LogSection{
			Level:  DefaultLogLevel,
			Format: DefaultLogFormat,
		},
	}
}
