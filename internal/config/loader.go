package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/wardpager/wardpager/internal/policy"
	"github.com/wardpager/wardpager/internal/types"
)

// Load loads configuration from a YAML file, applies defaults, resolves
// secrets from the environment and validates the result.
func Load(path string) (*Config, error) {
	cfg := &Config{}
	if err := loadYAML(path, cfg); err != nil {
		return nil, fmt.Errorf("loading %s: %w", path, err)
	}

	applyDefaults(cfg)
	applyEnv(cfg)

	if err := ValidateConfig(cfg); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return cfg, nil
}

// Default returns a configuration usable without a file: in-memory storage,
// log audit, static directory and the default policy.
func Default() *Config {
	cfg := &Config{}
	applyDefaults(cfg)
	return cfg
}

// loadYAML loads a YAML file into a struct
func loadYAML(path string, out interface{}) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	return yaml.Unmarshal(data, out)
}

func applyDefaults(cfg *Config) {
	if cfg.Server.HTTPAddr == "" {
		cfg.Server.HTTPAddr = ":8088"
	}
	if cfg.Log.Level == "" {
		cfg.Log.Level = "info"
	}
	if cfg.Log.BufferEntries == 0 {
		cfg.Log.BufferEntries = 1000
	}

	if cfg.Policy.BroadcastSelector == "" {
		cfg.Policy.BroadcastSelector = policy.DefaultBroadcastSelector
	}

	d := &cfg.Dispatch
	if d.MaxAttempts == 0 {
		d.MaxAttempts = 3
	}
	if d.InitialBackoff == 0 {
		d.InitialBackoff = 500 * time.Millisecond
	}
	if d.PairBudget == 0 {
		d.PairBudget = 5 * time.Second
	}
	if d.OverallTimeout == 0 {
		d.OverallTimeout = 10 * time.Second
	}
	if d.MaxInFlight == 0 {
		d.MaxInFlight = 64
	}
	if d.RatePerSecond == 0 {
		d.RatePerSecond = 50
	}
	if d.Burst == 0 {
		d.Burst = 20
	}
	if d.Breaker.ConsecutiveFailures == 0 {
		d.Breaker.ConsecutiveFailures = 20
	}
	if d.Breaker.OpenTimeout == 0 {
		d.Breaker.OpenTimeout = 30 * time.Second
	}
	if d.Breaker.HalfOpenRequests == 0 {
		d.Breaker.HalfOpenRequests = 1
	}

	if cfg.Channels.Push.APIURLEnv == "" {
		cfg.Channels.Push.APIURLEnv = "APPRISE_API_URL"
	}
	if cfg.Channels.Push.Key == "" {
		cfg.Channels.Push.Key = "wardpager"
	}
	if cfg.Channels.Push.Timeout == 0 {
		cfg.Channels.Push.Timeout = 4 * time.Second
	}
	if cfg.Channels.WebSocket.WriteTimeout == 0 {
		cfg.Channels.WebSocket.WriteTimeout = 2 * time.Second
	}
	if cfg.Channels.MQTT.ClientID == "" {
		cfg.Channels.MQTT.ClientID = "wardpager"
	}
	if cfg.Channels.MQTT.TopicPrefix == "" {
		cfg.Channels.MQTT.TopicPrefix = "wardpager/alerts"
	}

	if cfg.Directory.Source == "" {
		cfg.Directory.Source = "static"
	}
	if cfg.Directory.KeyPrefix == "" {
		cfg.Directory.KeyPrefix = "wardpager:selector:"
	}
	if cfg.Storage.Driver == "" {
		cfg.Storage.Driver = "memory"
	}

	if len(cfg.Audit.Sinks) == 0 {
		cfg.Audit.Sinks = []string{"log"}
	}
	if cfg.Audit.RedisStream == "" {
		cfg.Audit.RedisStream = "wardpager:audit"
	}
	if cfg.Audit.Buffer == 0 {
		cfg.Audit.Buffer = 1024
	}
	if cfg.Audit.EnqueueTimeout == 0 {
		cfg.Audit.EnqueueTimeout = time.Second
	}

	e := &cfg.Engine
	if e.PersistRetries == 0 {
		e.PersistRetries = 3
	}
	if e.PersistRetryDelay == 0 {
		e.PersistRetryDelay = 200 * time.Millisecond
	}
	if e.RetryInterval == 0 {
		e.RetryInterval = 5 * time.Second
	}
	if e.DegradedThreshold == 0 {
		e.DegradedThreshold = 3
	}
	if e.DegradedWindow == 0 {
		e.DegradedWindow = 5 * time.Minute
	}

	if cfg.Database.Host == "" {
		cfg.Database.Host = "localhost"
	}
	if cfg.Database.Port == 0 {
		cfg.Database.Port = 5432
	}
	if cfg.Database.User == "" {
		cfg.Database.User = "postgres"
	}
	if cfg.Database.Name == "" {
		cfg.Database.Name = "wardpager"
	}
	if cfg.Database.SSLMode == "" {
		cfg.Database.SSLMode = "disable"
	}
	if cfg.Database.PasswordEnv == "" {
		cfg.Database.PasswordEnv = "WARDPAGER_DB_PASSWORD"
	}
	if cfg.Redis.Addr == "" {
		cfg.Redis.Addr = "localhost:6379"
	}
	if cfg.Redis.PasswordEnv == "" {
		cfg.Redis.PasswordEnv = "WARDPAGER_REDIS_PASSWORD"
	}
}

// applyEnv resolves secrets and listener overrides from the environment
func applyEnv(cfg *Config) {
	cfg.Database.Password = os.Getenv(cfg.Database.PasswordEnv)
	cfg.Redis.Password = os.Getenv(cfg.Redis.PasswordEnv)
	cfg.Server.HTTPAddr = getEnv("WARDPAGER_HTTP_ADDR", cfg.Server.HTTPAddr)
	cfg.Server.GRPCAddr = getEnv("WARDPAGER_GRPC_ADDR", cfg.Server.GRPCAddr)
	cfg.Log.Level = getEnv("WARDPAGER_LOG_LEVEL", cfg.Log.Level)
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// BuildPolicy converts the urgency table into an escalation policy. An empty
// table yields the default policy.
func (c *Config) BuildPolicy() (*policy.Policy, error) {
	if len(c.Policy.Urgencies) == 0 {
		return policy.Default(), nil
	}

	tiers := make(map[types.Urgency][]policy.Tier, len(c.Policy.Urgencies))
	for name, list := range c.Policy.Urgencies {
		u, err := types.ParseUrgency(name)
		if err != nil {
			return nil, fmt.Errorf("policy: %w", err)
		}
		for _, t := range list {
			tiers[u] = append(tiers[u], policy.Tier{Timeout: t.Timeout, Selector: t.Selector})
		}
	}
	return policy.New(tiers, c.Policy.BroadcastSelector)
}

// ValidateConfig validates the configuration
func ValidateConfig(cfg *Config) error {
	if _, err := cfg.BuildPolicy(); err != nil {
		return err
	}

	d := cfg.Dispatch
	if d.MaxAttempts < 1 {
		return fmt.Errorf("dispatch.max_attempts must be >= 1")
	}
	if d.PairBudget > d.OverallTimeout {
		return fmt.Errorf("dispatch.pair_budget (%s) must not exceed dispatch.overall_timeout (%s)", d.PairBudget, d.OverallTimeout)
	}
	if d.RatePerSecond < 0 {
		return fmt.Errorf("dispatch.rate_per_second must not be negative")
	}

	if cfg.Channels.MQTT.Enabled {
		if cfg.Channels.MQTT.Broker == "" {
			return fmt.Errorf("channels.mqtt.broker is required when mqtt is enabled")
		}
		if cfg.Channels.MQTT.QoS > 2 {
			return fmt.Errorf("channels.mqtt.qos must be 0, 1 or 2")
		}
	}
	if !cfg.Channels.Push.Enabled && !cfg.Channels.WebSocket.Enabled && !cfg.Channels.MQTT.Enabled {
		return fmt.Errorf("at least one delivery channel must be enabled")
	}

	switch cfg.Directory.Source {
	case "static":
		for selector, ids := range cfg.Directory.Selectors {
			if len(ids) == 0 {
				return fmt.Errorf("directory selector %s has no recipients", selector)
			}
		}
	case "redis":
	default:
		return fmt.Errorf("directory.source must be 'static' or 'redis'")
	}

	switch cfg.Storage.Driver {
	case "memory", "postgres":
	default:
		return fmt.Errorf("storage.driver must be 'memory' or 'postgres'")
	}

	for _, sink := range cfg.Audit.Sinks {
		switch sink {
		case "log", "redis":
		case "postgres":
			if cfg.Storage.Driver != "postgres" {
				return fmt.Errorf("audit sink postgres requires storage.driver postgres")
			}
		default:
			return fmt.Errorf("audit sink %s: must be 'log', 'redis' or 'postgres'", sink)
		}
	}

	if cfg.Engine.PersistRetries < 1 {
		return fmt.Errorf("engine.persist_retries must be >= 1")
	}

	return nil
}
