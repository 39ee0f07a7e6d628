// Package config handles loading and validating gateway configuration.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/providers/structs"
	"github.com/knadh/koanf/v2"
)

// Config is the top-level configuration for the llmrouter gateway. Field
// names match the enumerated options from the external interface contract
// exactly so operators can grep the config file for the same names they'd
// find in documentation.
type Config struct {
	Server      ServerConfig              `koanf:"server"`
	Redis       RedisConfig               `koanf:"redis"`
	Cache       CacheConfig               `koanf:"cache"`
	Pool        PoolConfig                `koanf:"pool"`
	Breaker     BreakerConfig             `koanf:"breaker"`
	RateLimit   map[string]TierLimit      `koanf:"rateLimit"`
	Queue       QueueConfig               `koanf:"queue"`
	LoadShed    LoadShedConfig            `koanf:"loadShed"`
	Tracker     TrackerConfig             `koanf:"tracker"`
	Providers   map[string]ProviderConfig `koanf:"providers"`
	CORS        CORSConfig                `koanf:"cors"`
	Environment string                    `koanf:"environment"`
}

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	Port         int           `koanf:"port"`
	ReadTimeout  time.Duration `koanf:"read_timeout"`
	WriteTimeout time.Duration `koanf:"write_timeout"`
}

// RedisConfig is the shared-store connection the teacher never needed but
// every coordinating component (pool, breaker, cache L2, rate limiter,
// queue) now depends on.
type RedisConfig struct {
	Addr     string `koanf:"addr"`
	Password string `koanf:"password"`
	DB       int    `koanf:"db"`
}

// CacheConfig maps to cache.l1.maxSize and cache.ttlSeconds.
type CacheConfig struct {
	L1 struct {
		MaxSize int `koanf:"maxSize"`
	} `koanf:"l1"`
	TTLSeconds int `koanf:"ttlSeconds"`
}

// PoolConfig maps to pool.globalMax, pool.perUserMax, pool.degradedAt,
// pool.criticalAt.
type PoolConfig struct {
	GlobalMax  int     `koanf:"globalMax"`
	PerUserMax int     `koanf:"perUserMax"`
	DegradedAt float64 `koanf:"degradedAt"`
	CriticalAt float64 `koanf:"criticalAt"`
}

// BreakerConfig maps to breaker.failureThreshold, breaker.cooldownSeconds.
type BreakerConfig struct {
	FailureThreshold int `koanf:"failureThreshold"`
	CooldownSeconds  int `koanf:"cooldownSeconds"`
}

// TierLimit is one entry of rateLimit.{tier}.perMinute.
type TierLimit struct {
	PerMinute int `koanf:"perMinute"`
}

// QueueConfig maps to the queue.failover.* and queue.* options.
type QueueConfig struct {
	Failover struct {
		Enabled        bool `koanf:"enabled"`
		TimeoutSeconds int  `koanf:"timeoutSeconds"`
		MaxRetries     int  `koanf:"maxRetries"`
	} `koanf:"failover"`
	BackpressureThresholdRatio float64 `koanf:"backpressureThresholdRatio"`
	MaxDepth                   int64   `koanf:"maxDepth"`
}

// LoadShedConfig maps to loadShed.enabled, loadShed.maxInFlight.
type LoadShedConfig struct {
	Enabled     bool `koanf:"enabled"`
	MaxInFlight int  `koanf:"maxInFlight"`
}

// TrackerConfig maps to tracker.sampleRate.
type TrackerConfig struct {
	SampleRate float64 `koanf:"sampleRate"`
}

// ProviderConfig holds the settings for a single LLM provider.
type ProviderConfig struct {
	APIKey  string   `koanf:"api_key"`
	BaseURL string   `koanf:"base_url"`
	Models  []string `koanf:"models"`
}

// CORSConfig maps to cors.origins; environment (selecting CORS/HSTS
// defaults) lives at the top level since it governs more than CORS alone.
type CORSConfig struct {
	Origins []string `koanf:"origins"`
}

// defaults mirrors every default value named in the external interface
// contract (spec §6), set before the file and env layers are applied so
// any value the operator doesn't specify still lands correctly typed.
func defaults() *Config {
	cfg := &Config{
		Environment: "development",
	}
	cfg.Cache.L1.MaxSize = 1000
	cfg.Cache.TTLSeconds = 3600
	cfg.Pool.GlobalMax = 10_000
	cfg.Pool.PerUserMax = 3
	cfg.Pool.DegradedAt = 0.7
	cfg.Pool.CriticalAt = 0.9
	cfg.Breaker.FailureThreshold = 5
	cfg.Breaker.CooldownSeconds = 60
	cfg.Queue.Failover.TimeoutSeconds = 30
	cfg.Queue.Failover.MaxRetries = 5
	cfg.Queue.BackpressureThresholdRatio = 0.8
	cfg.Queue.MaxDepth = 10_000
	cfg.LoadShed.MaxInFlight = 1000
	cfg.Tracker.SampleRate = 0.1
	return cfg
}

// Load reads configuration from a YAML file, layers environment variable
// overrides on top, and returns a fully populated Config.
func Load(path string) (*Config, error) {
	// Load .env file into the process environment (ignored if not present).
	// This is the equivalent of require('dotenv').config() in Node.
	_ = godotenv.Load()

	// Create a new koanf instance. The "." delimiter tells koanf how to
	// separate nested keys internally (e.g., "server.port").
	k := koanf.New(".")

	if err := k.Load(structs.Provider(defaults(), "koanf"), nil); err != nil {
		return nil, fmt.Errorf("loading defaults: %w", err)
	}

	// Load the YAML config file. file.Provider reads the file,
	// yaml.Parser() decodes the YAML format into koanf's internal map.
	if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
		return nil, fmt.Errorf("loading config file: %w", err)
	}

	// Layer environment variables on top. Any env var starting with
	// "LLMROUTER_" can override a config value. The callback transforms
	// the env var name into a koanf key path:
	//   LLMROUTER_SERVER_PORT -> server.port
	if err := k.Load(env.Provider("LLMROUTER_", ".", func(s string) string {
		return strings.ReplaceAll(
			strings.ToLower(strings.TrimPrefix(s, "LLMROUTER_")),
			"_", ".",
		)
	}), nil); err != nil {
		return nil, fmt.Errorf("loading env vars: %w", err)
	}

	// Unmarshal the loaded key-value pairs into our Config struct.
	// The "" means start from the root. &cfg passes a pointer so koanf
	// can write into the struct (like passing by reference in Node).
	var cfg Config
	if err := k.Unmarshal("", &cfg); err != nil {
		return nil, fmt.Errorf("unmarshaling config: %w", err)
	}

	// Expand ${VAR_NAME} placeholders in provider API keys.
	// koanf doesn't do this automatically, so we handle it ourselves
	// using os.Getenv to look up the actual environment variable value.
	for name, p := range cfg.Providers {
		if strings.HasPrefix(p.APIKey, "${") && strings.HasSuffix(p.APIKey, "}") {
			envVar := p.APIKey[2 : len(p.APIKey)-1] // strip ${ and }
			p.APIKey = os.Getenv(envVar)
			cfg.Providers[name] = p // write back into the map
		}
	}

	return &cfg, nil
}

// TierLimits flattens RateLimit into the plain map[string]int that
// internal/ratelimit.New expects.
func (c *Config) TierLimits() map[string]int {
	out := make(map[string]int, len(c.RateLimit))
	for tier, l := range c.RateLimit {
		out[tier] = l.PerMinute
	}
	return out
}
