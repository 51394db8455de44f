package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config carries the session manager's environment-driven settings.
type Config struct {
	// BrokerBaseURL is the backend that issues signed connection URLs.
	BrokerBaseURL string
	// APIKey and AgentID enable static-credential fallback when the broker
	// is unreachable or unconfigured.
	APIKey  string
	AgentID string

	// ServiceWSBaseURL overrides the conversational service endpoint in
	// static-credential mode (tests, staging).
	ServiceWSBaseURL string

	MaxReconnectAttempts int
	ReconnectBaseDelay   time.Duration
	ConnectTimeout       time.Duration
	ResponseTimeout      time.Duration
	SamplerInterval      time.Duration
}

func LoadFromEnv() (Config, error) {
	cfg := Config{
		BrokerBaseURL:        envOr("PARLO_BROKER_BASE_URL", ""),
		APIKey:               envOr("PARLO_API_KEY", ""),
		AgentID:              envOr("PARLO_AGENT_ID", ""),
		ServiceWSBaseURL:     envOr("PARLO_SERVICE_WS_BASE_URL", ""),
		MaxReconnectAttempts: envIntOr("PARLO_MAX_RECONNECT_ATTEMPTS", 5),
		ReconnectBaseDelay:   envDurationOr("PARLO_RECONNECT_BASE_DELAY", 3*time.Second),
		ConnectTimeout:       envDurationOr("PARLO_CONNECT_TIMEOUT", 15*time.Second),
		ResponseTimeout:      envDurationOr("PARLO_RESPONSE_TIMEOUT", 30*time.Second),
		SamplerInterval:      envDurationOr("PARLO_SAMPLER_INTERVAL", 16*time.Millisecond),
	}

	if cfg.MaxReconnectAttempts < 0 {
		return Config{}, fmt.Errorf("PARLO_MAX_RECONNECT_ATTEMPTS must be >= 0")
	}
	if cfg.ReconnectBaseDelay <= 0 {
		return Config{}, fmt.Errorf("PARLO_RECONNECT_BASE_DELAY must be > 0")
	}
	if cfg.ConnectTimeout <= 0 {
		return Config{}, fmt.Errorf("PARLO_CONNECT_TIMEOUT must be > 0")
	}
	if cfg.ResponseTimeout <= 0 {
		return Config{}, fmt.Errorf("PARLO_RESPONSE_TIMEOUT must be > 0")
	}
	if cfg.SamplerInterval <= 0 {
		return Config{}, fmt.Errorf("PARLO_SAMPLER_INTERVAL must be > 0")
	}
	return cfg, nil
}

// Validate checks that some way to authenticate is configured. It runs
// separately from LoadFromEnv so callers can layer flag overrides first.
func (c Config) Validate() error {
	if c.BrokerBaseURL == "" && (c.APIKey == "" || c.AgentID == "") {
		return fmt.Errorf("PARLO_BROKER_BASE_URL or both PARLO_API_KEY and PARLO_AGENT_ID must be set")
	}
	return nil
}

func envOr(key, def string) string {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	return v
}

func envIntOr(key string, def int) int {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return def
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		return def
	}
	return n
}

func envDurationOr(key string, def time.Duration) time.Duration {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return def
	}
	d, err := time.ParseDuration(raw)
	if err != nil {
		return def
	}
	return d
}
