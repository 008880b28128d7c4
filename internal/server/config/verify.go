package config

import (
	"fmt"
)

// Verify checks the configuration for values the server cannot run with.
func (c *ServerConfig) Verify() error {
	if c.Server.Port < 1 || c.Server.Port > 65535 {
		return fmt.Errorf("config: port %d out of range 1-65535", c.Server.Port)
	}
	if c.Server.RateLimit < 0 {
		return fmt.Errorf("config: rate_limit must not be negative")
	}
	if c.Outmux.BatchSize < 1 {
		return fmt.Errorf("config: outmux.batch_size must be at least 1")
	}
	if c.Outmux.MaxQueueSize < 1 {
		return fmt.Errorf("config: outmux.max_queue_size must be at least 1")
	}
	if c.Broker.LargeChannelThreshold < 1 {
		return fmt.Errorf("config: broker.large_channel_threshold must be at least 1")
	}
	return nil
}
