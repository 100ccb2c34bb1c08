package debugserver

import "time"

// Config defines the runtime configuration for the debug server.
type Config struct {
	Addr string `yaml:"addr"`
	// History is how many recent results /api/results keeps.
	History int `yaml:"history"`
	// Keepalive is the SSE comment interval on idle streams.
	Keepalive time.Duration `yaml:"keepalive"`
}

// DefaultConfig returns the default debug server settings.
func DefaultConfig() Config {
	return Config{
		Addr:      ":8090",
		History:   50,
		Keepalive: 30 * time.Second,
	}
}
