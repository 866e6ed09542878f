package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// Load reads the YAML file at path, applies defaults, environment
// overrides, and validation. An empty path skips the file and builds the
// configuration from defaults and environment alone.
func Load(path string) (*Config, error) {
	var cfg Config
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("config: read %q: %w", path, err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("config: parse %q: %w", path, err)
		}
	}

	ApplyDefaults(&cfg)
	applyEnvOverrides(&cfg)

	if err := Validate(&cfg); err != nil {
		return nil, fmt.Errorf("config: validation failed: %w", err)
	}
	return &cfg, nil
}

// applyEnvOverrides applies the recognised environment variables. Redis
// fields always beat the file; GO_KIRO_* fields cover the service surface.
func applyEnvOverrides(cfg *Config) {
	if val := os.Getenv("REDIS_ENABLED"); val != "" {
		if b, err := strconv.ParseBool(val); err == nil {
			cfg.Redis.Enabled = b
		}
	}
	if val := os.Getenv("REDIS_URL"); val != "" {
		cfg.Redis.URL = val
	}
	if val := os.Getenv("REDIS_HOST"); val != "" {
		cfg.Redis.Host = val
	}
	if val := os.Getenv("REDIS_PORT"); val != "" {
		if i, err := strconv.Atoi(val); err == nil {
			cfg.Redis.Port = i
		}
	}
	if val := os.Getenv("REDIS_PASSWORD"); val != "" {
		cfg.Redis.Password = val
	}
	if val := os.Getenv("REDIS_DB"); val != "" {
		if i, err := strconv.Atoi(val); err == nil {
			cfg.Redis.DB = i
		}
	}
	if val := os.Getenv("REDIS_KEY_PREFIX"); val != "" {
		cfg.Redis.KeyPrefix = val
	}

	if val := os.Getenv("GO_KIRO_HOST"); val != "" {
		cfg.Server.Host = val
	}
	if val := os.Getenv("GO_KIRO_PORT"); val != "" {
		if i, err := strconv.Atoi(val); err == nil {
			cfg.Server.Port = i
		}
	}
	if val := os.Getenv("GO_KIRO_API_KEY"); val != "" {
		cfg.Server.APIKey = val
	}
	if val := os.Getenv("GO_KIRO_GRACEFUL_TIMEOUT"); val != "" {
		if d, err := time.ParseDuration(val); err == nil {
			cfg.Server.GracefulTimeout = d
		}
	}
	if val := os.Getenv("GO_KIRO_MAX_CONNS"); val != "" {
		if i, err := strconv.Atoi(val); err == nil {
			cfg.HTTP.MaxConns = i
		}
	}
	if val := os.Getenv("GO_KIRO_MAX_IDLE_CONNS_PER_HOST"); val != "" {
		if i, err := strconv.Atoi(val); err == nil {
			cfg.HTTP.MaxIdleConnsPerHost = i
		}
	}
	if val := os.Getenv("GO_KIRO_IDLE_CONN_TIMEOUT"); val != "" {
		if d, err := time.ParseDuration(val); err == nil {
			cfg.HTTP.IdleConnTimeout = d
		}
	}
	if val := os.Getenv("GO_KIRO_KIRO_API_TIMEOUT"); val != "" {
		if d, err := time.ParseDuration(val); err == nil {
			cfg.Kiro.APITimeout = d
		}
	}
	if val := os.Getenv("GO_KIRO_HEALTH_COOLDOWN"); val != "" {
		if d, err := time.ParseDuration(val); err == nil {
			cfg.Kiro.HealthCooldown = d
		}
	}
	if val := os.Getenv("GO_KIRO_ACCOUNT_CACHE_TTL"); val != "" {
		if d, err := time.ParseDuration(val); err == nil {
			cfg.Kiro.AccountCacheTTL = d
		}
	}
	if val := os.Getenv("GO_KIRO_MAX_RETRIES"); val != "" {
		if i, err := strconv.Atoi(val); err == nil {
			cfg.Kiro.MaxRetries = i
		}
	}
	if val := os.Getenv("GO_KIRO_LOG_LEVEL"); val != "" {
		cfg.Logging.Level = val
	}
	if val := os.Getenv("GO_KIRO_LOG_JSON"); val != "" {
		if b, err := strconv.ParseBool(val); err == nil {
			cfg.Logging.JSON = b
		}
	}
	if val := os.Getenv("GO_KIRO_DEBUG_DUMP"); val != "" {
		if b, err := strconv.ParseBool(val); err == nil {
			cfg.Debug.DumpAll = b
		}
	}
	if val := os.Getenv("GO_KIRO_ERROR_DUMP"); val != "" {
		if b, err := strconv.ParseBool(val); err == nil {
			cfg.Debug.DumpErrors = b
		}
	}
	if val := os.Getenv("GO_KIRO_DEBUG_DIR"); val != "" {
		cfg.Debug.Dir = val
	}
}

// RedisAddr renders the host:port pair when no URL was given.
func (c RedisConfig) RedisAddr() string {
	if c.URL != "" {
		return c.URL
	}
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}
