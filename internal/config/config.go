package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

const (
	PushSSE       = "sse"
	PushWebSocket = "websocket"
)

// Config holds application configuration
type Config struct {
	// BaseURL is the chat backend root (conversation + events endpoints).
	BaseURL string `yaml:"base_url"`

	// PushURL is the websocket push endpoint. SSE derives its endpoint
	// from BaseURL and ignores this.
	PushURL string `yaml:"push_url"`

	// PushTransport selects the push-channel protocol (sse|websocket).
	PushTransport string `yaml:"push_transport"`

	// UserID identifies the conversation owner in the request path.
	// Generated per session when empty.
	UserID string `yaml:"user_id"`

	Debug bool `yaml:"debug"`
}

// Default returns the configuration used when no file or flags are given.
func Default() Config {
	return Config{
		BaseURL:       "http://localhost:8080",
		PushTransport: PushSSE,
	}
}

// Load reads a YAML config file over the defaults.
func Load(path string) (Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("failed to read config file: %w", err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("failed to parse config file: %w", err)
	}
	return cfg, nil
}

// Validate checks transport selection and endpoint consistency.
func (c Config) Validate() error {
	if c.BaseURL == "" {
		return fmt.Errorf("base_url is required")
	}
	switch c.PushTransport {
	case PushSSE:
	case PushWebSocket:
		if c.PushURL == "" {
			return fmt.Errorf("push_url is required for the websocket transport")
		}
	default:
		return fmt.Errorf("unknown push transport: %s", c.PushTransport)
	}
	return nil
}
