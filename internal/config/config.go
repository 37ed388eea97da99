// Package config provides application configuration.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds all application configuration.
type Config struct {
	Port        string
	FrontendURL string
	DBPath      string

	Agent     AgentConfig
	Stream    StreamConfig
	Workspace WorkspaceConfig
	SSE       SSEConfig
	RateLimit RateLimitConfig

	ConversationLog ConversationLogConfig
}

// AgentConfig locates the answering agent.
type AgentConfig struct {
	Address        string
	ConnectTimeout time.Duration
	RequestTimeout time.Duration // 0 disables the per-query limit
}

// StreamConfig tunes per-response streaming.
type StreamConfig struct {
	DedupWindow       time.Duration
	LongLineThreshold int
	FlushTimeout      time.Duration
	FlushPoll         time.Duration
	EventBuffer       int
}

// WorkspaceConfig controls in-memory workspaces and stored sessions.
type WorkspaceConfig struct {
	IdleTTL          time.Duration
	SessionRetention time.Duration // 0 keeps sessions forever
	SweepInterval    time.Duration
}

// SSEConfig controls the live-view event stream and request limits.
type SSEConfig struct {
	RetryDelay         time.Duration
	KeepaliveInterval  time.Duration
	ReplaySize         int
	MaxRequestBodySize int64
}

// RateLimitConfig throttles query submissions per user.
type RateLimitConfig struct {
	RequestsPerWindow int
	WindowDuration    time.Duration
}

// ConversationLogConfig controls the NDJSON conversation transcript.
type ConversationLogConfig struct {
	Enabled   bool
	Dir       string
	QueueSize int
}

// Load reads configuration from environment variables.
func Load() (*Config, error) {
	cfg := &Config{
		Port:        getEnv("PORT", "8080"),
		FrontendURL: getEnv("FRONTEND_URL", ""),
		DBPath:      getEnv("DB_PATH", "./data/querymux.db"),
		Agent: AgentConfig{
			Address:        getEnv("AGENT_ADDR", "localhost:50051"),
			ConnectTimeout: getEnvDuration("AGENT_CONNECT_TIMEOUT", 5*time.Second),
			RequestTimeout: getEnvDuration("AGENT_REQUEST_TIMEOUT", 5*time.Minute),
		},
		Stream: StreamConfig{
			DedupWindow:       getEnvDuration("STREAM_DEDUP_WINDOW", 500*time.Millisecond),
			LongLineThreshold: getEnvInt("STREAM_LONG_LINE_THRESHOLD", 50),
			FlushTimeout:      getEnvDuration("STREAM_FLUSH_TIMEOUT", 2*time.Second),
			FlushPoll:         getEnvDuration("STREAM_FLUSH_POLL", 100*time.Millisecond),
			EventBuffer:       getEnvInt("STREAM_EVENT_BUFFER", 256),
		},
		Workspace: WorkspaceConfig{
			IdleTTL:          getEnvDuration("WORKSPACE_IDLE_TTL", 30*time.Minute),
			SessionRetention: getEnvDuration("SESSION_RETENTION", 30*24*time.Hour),
			SweepInterval:    getEnvDuration("SESSION_SWEEP_INTERVAL", 10*time.Minute),
		},
		SSE: SSEConfig{
			RetryDelay:         getEnvDuration("SSE_RETRY_DELAY", 5*time.Second),
			KeepaliveInterval:  getEnvDuration("SSE_KEEPALIVE_INTERVAL", 10*time.Second),
			ReplaySize:         getEnvInt("SSE_REPLAY_SIZE", 100),
			MaxRequestBodySize: getEnvInt64("SSE_MAX_REQUEST_BODY", 1<<20),
		},
		RateLimit: RateLimitConfig{
			RequestsPerWindow: getEnvInt("RATE_LIMIT_REQUESTS", 10),
			WindowDuration:    getEnvDuration("RATE_LIMIT_WINDOW", time.Minute),
		},
		ConversationLog: ConversationLogConfig{
			Enabled:   getEnvBool("CONVERSATION_LOG_ENABLED", true),
			Dir:       getEnv("CONVERSATION_LOG_DIR", "./data/logs/conversations"),
			QueueSize: getEnvInt("CONVERSATION_LOG_QUEUE_SIZE", 1000),
		},
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}

// Validate checks that all required configuration fields are set and usable.
func (c *Config) Validate() error {
	if c.Port == "" {
		return fmt.Errorf("PORT cannot be empty")
	}
	if c.DBPath == "" {
		return fmt.Errorf("DB_PATH cannot be empty")
	}
	if c.Agent.Address == "" {
		return fmt.Errorf("AGENT_ADDR cannot be empty")
	}
	if c.Agent.ConnectTimeout <= 0 {
		return fmt.Errorf("AGENT_CONNECT_TIMEOUT must be > 0")
	}
	if c.Agent.RequestTimeout < 0 {
		return fmt.Errorf("AGENT_REQUEST_TIMEOUT must be >= 0")
	}
	if c.Stream.DedupWindow <= 0 {
		return fmt.Errorf("STREAM_DEDUP_WINDOW must be > 0")
	}
	if c.Stream.LongLineThreshold <= 0 {
		return fmt.Errorf("STREAM_LONG_LINE_THRESHOLD must be > 0")
	}
	if c.Stream.FlushPoll <= 0 || c.Stream.FlushTimeout < c.Stream.FlushPoll {
		return fmt.Errorf("STREAM_FLUSH_POLL must be > 0 and <= STREAM_FLUSH_TIMEOUT")
	}
	if c.Stream.EventBuffer <= 0 {
		return fmt.Errorf("STREAM_EVENT_BUFFER must be > 0")
	}
	if c.Workspace.IdleTTL <= 0 {
		return fmt.Errorf("WORKSPACE_IDLE_TTL must be > 0")
	}
	if c.Workspace.SessionRetention < 0 {
		return fmt.Errorf("SESSION_RETENTION must be >= 0")
	}
	if c.Workspace.SweepInterval <= 0 {
		return fmt.Errorf("SESSION_SWEEP_INTERVAL must be > 0")
	}
	if c.SSE.RetryDelay <= 0 || c.SSE.KeepaliveInterval <= 0 {
		return fmt.Errorf("SSE_RETRY_DELAY and SSE_KEEPALIVE_INTERVAL must be > 0")
	}
	if c.SSE.ReplaySize <= 0 {
		return fmt.Errorf("SSE_REPLAY_SIZE must be > 0")
	}
	if c.SSE.MaxRequestBodySize <= 0 {
		return fmt.Errorf("SSE_MAX_REQUEST_BODY must be > 0")
	}
	if c.RateLimit.RequestsPerWindow <= 0 || c.RateLimit.WindowDuration <= 0 {
		return fmt.Errorf("RATE_LIMIT_REQUESTS and RATE_LIMIT_WINDOW must be > 0")
	}
	if c.ConversationLog.Enabled && c.ConversationLog.Dir == "" {
		return fmt.Errorf("CONVERSATION_LOG_DIR cannot be empty")
	}
	if c.ConversationLog.QueueSize <= 0 {
		return fmt.Errorf("CONVERSATION_LOG_QUEUE_SIZE must be > 0")
	}
	return nil
}

// IsDevelopment returns true if running in development mode.
func (c *Config) IsDevelopment() bool {
	return c.FrontendURL == "" ||
		strings.Contains(c.FrontendURL, "localhost") ||
		strings.Contains(c.FrontendURL, "127.0.0.1")
}

// AllowedOrigins returns the CORS origins for the configured frontend.
func (c *Config) AllowedOrigins() []string {
	if c.FrontendURL == "" {
		return []string{"*"}
	}
	return []string{strings.TrimRight(c.FrontendURL, "/")}
}

func getEnv(key, fallback string) string {
	if value, ok := os.LookupEnv(key); ok {
		return value
	}
	return fallback
}

func getEnvBool(key string, fallback bool) bool {
	value, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	switch strings.ToLower(strings.TrimSpace(value)) {
	case "1", "true", "yes", "on":
		return true
	case "0", "false", "no", "off":
		return false
	default:
		return fallback
	}
}

func getEnvInt(key string, fallback int) int {
	value, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	n, err := strconv.Atoi(strings.TrimSpace(value))
	if err != nil {
		return fallback
	}
	return n
}

func getEnvInt64(key string, fallback int64) int64 {
	value, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	n, err := strconv.ParseInt(strings.TrimSpace(value), 10, 64)
	if err != nil {
		return fallback
	}
	return n
}

// getEnvDuration accepts Go duration strings ("750ms", "2m") or a bare
// number of milliseconds.
func getEnvDuration(key string, fallback time.Duration) time.Duration {
	value, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	value = strings.TrimSpace(value)
	if d, err := time.ParseDuration(value); err == nil {
		return d
	}
	if ms, err := strconv.ParseInt(value, 10, 64); err == nil {
		return time.Duration(ms) * time.Millisecond
	}
	return fallback
}
