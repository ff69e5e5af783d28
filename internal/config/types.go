package config

import (
	"fmt"
	"time"
)

// Config represents the complete wardpager configuration
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Log       LogConfig       `yaml:"log"`
	Policy    PolicyConfig    `yaml:"policy"`
	Dispatch  DispatchConfig  `yaml:"dispatch"`
	Channels  ChannelsConfig  `yaml:"channels"`
	Directory DirectoryConfig `yaml:"directory"`
	Storage   StorageConfig   `yaml:"storage"`
	Audit     AuditConfig     `yaml:"audit"`
	Engine    EngineConfig    `yaml:"engine"`
	Database  DatabaseConfig  `yaml:"database"`
	Redis     RedisConfig     `yaml:"redis"`
}

// ServerConfig contains listener addresses
type ServerConfig struct {
	HTTPAddr string `yaml:"http_addr"`
	GRPCAddr string `yaml:"grpc_addr"`
}

// LogConfig controls the zerolog output
type LogConfig struct {
	Level         string `yaml:"level"`
	BufferEntries int    `yaml:"buffer_entries"`
}

// PolicyConfig is the escalation table keyed by urgency name
type PolicyConfig struct {
	BroadcastSelector string                  `yaml:"broadcast_selector"`
	Urgencies         map[string][]TierConfig `yaml:"urgencies"`
}

// TierConfig defines one escalation tier
type TierConfig struct {
	Timeout  time.Duration `yaml:"timeout"`
	Selector string        `yaml:"selector"`
}

// DispatchConfig controls delivery retries and fan-out
type DispatchConfig struct {
	MaxAttempts    int           `yaml:"max_attempts"`
	InitialBackoff time.Duration `yaml:"initial_backoff"`
	PairBudget     time.Duration `yaml:"pair_budget"`
	OverallTimeout time.Duration `yaml:"overall_timeout"`
	MaxInFlight    int           `yaml:"max_in_flight"`
	RatePerSecond  float64       `yaml:"rate_per_second"`
	Burst          int           `yaml:"burst"`
	Breaker        BreakerConfig `yaml:"breaker"`
}

// BreakerConfig configures the per-channel circuit breaker
type BreakerConfig struct {
	ConsecutiveFailures uint32        `yaml:"consecutive_failures"`
	OpenTimeout         time.Duration `yaml:"open_timeout"`
	HalfOpenRequests    uint32        `yaml:"half_open_requests"`
}

// ChannelsConfig enables delivery channels
type ChannelsConfig struct {
	Push      PushConfig      `yaml:"push"`
	WebSocket WebSocketConfig `yaml:"websocket"`
	MQTT      MQTTConfig      `yaml:"mqtt"`
}

// PushConfig defines the Apprise push gateway
type PushConfig struct {
	Enabled   bool          `yaml:"enabled"`
	APIURLEnv string        `yaml:"api_url_env"`
	Key       string        `yaml:"key"`
	Timeout   time.Duration `yaml:"timeout"`
}

// WebSocketConfig defines the realtime hub
type WebSocketConfig struct {
	Enabled      bool          `yaml:"enabled"`
	WriteTimeout time.Duration `yaml:"write_timeout"`
}

// MQTTConfig defines the MQTT broadcast channel
type MQTTConfig struct {
	Enabled     bool   `yaml:"enabled"`
	Broker      string `yaml:"broker"`
	ClientID    string `yaml:"client_id"`
	Username    string `yaml:"username"`
	PasswordEnv string `yaml:"password_env"`
	TopicPrefix string `yaml:"topic_prefix"`
	QoS         byte   `yaml:"qos"`
}

// DirectoryConfig selects the recipient resolver
type DirectoryConfig struct {
	Source    string              `yaml:"source"` // "static" or "redis"
	KeyPrefix string              `yaml:"key_prefix,omitempty"`
	Selectors map[string][]string `yaml:"selectors,omitempty"`
}

// StorageConfig selects the alert store
type StorageConfig struct {
	Driver string `yaml:"driver"` // "memory" or "postgres"
}

// AuditConfig selects audit sinks
type AuditConfig struct {
	Sinks          []string      `yaml:"sinks"` // "log", "redis", "postgres"
	RedisStream    string        `yaml:"redis_stream,omitempty"`
	Buffer         int           `yaml:"buffer"`
	EnqueueTimeout time.Duration `yaml:"enqueue_timeout"`
}

// EngineConfig tunes the lifecycle engine
type EngineConfig struct {
	PersistRetries    int           `yaml:"persist_retries"`
	PersistRetryDelay time.Duration `yaml:"persist_retry_delay"`
	RetryInterval     time.Duration `yaml:"retry_interval"`
	DegradedThreshold int           `yaml:"degraded_threshold"`
	DegradedWindow    time.Duration `yaml:"degraded_window"`
}

// DatabaseConfig is the Postgres connection
type DatabaseConfig struct {
	Host        string `yaml:"host"`
	Port        int    `yaml:"port"`
	User        string `yaml:"user"`
	PasswordEnv string `yaml:"password_env"`
	Name        string `yaml:"name"`
	SSLMode     string `yaml:"sslmode"`
	MaxConns    int    `yaml:"max_conns"`
	MaxIdle     int    `yaml:"max_idle"`

	Password string `yaml:"-"`
}

// DSN returns the lib/pq connection string
func (c *DatabaseConfig) DSN() string {
	return fmt.Sprintf("host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		c.Host, c.Port, c.User, c.Password, c.Name, c.SSLMode)
}

// RedisConfig is the Redis connection
type RedisConfig struct {
	Addr        string `yaml:"addr"`
	PasswordEnv string `yaml:"password_env"`
	DB          int    `yaml:"db"`

	Password string `yaml:"-"`
}
