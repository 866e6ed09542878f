// Package config loads the service configuration. Precedence, lowest to
// highest: built-in defaults, the YAML file, environment variables, CLI
// flags applied by the command layer.
package config

import (
	"time"

	"mercator-hq/saturn/pkg/store"
)

// Config is the full service configuration.
type Config struct {
	Server  ServerConfig  `yaml:"server"`
	Redis   RedisConfig   `yaml:"redis"`
	Pool    PoolConfig    `yaml:"pool"`
	Kiro    KiroConfig    `yaml:"kiro"`
	HTTP    HTTPConfig    `yaml:"http"`
	Logging LoggingConfig `yaml:"logging"`
	Prompt  PromptConfig  `yaml:"prompt"`
	Cron    CronConfig    `yaml:"cron"`
	Usage   UsageConfig   `yaml:"usage"`
	Metrics MetricsConfig `yaml:"metrics"`
	Debug   DebugConfig   `yaml:"debug"`
}

// ServerConfig is the listener surface.
type ServerConfig struct {
	Host string `yaml:"host"`
	Port int    `yaml:"port"`

	// APIKey authorises client requests; empty disables auth.
	APIKey string `yaml:"apiKey"`

	// GracefulTimeout bounds shutdown drain.
	GracefulTimeout time.Duration `yaml:"gracefulTimeout"`
}

// RedisConfig selects and tunes the KV backend. When disabled or
// unreachable the file backend is used instead.
type RedisConfig struct {
	Enabled   bool   `yaml:"enabled"`
	URL       string `yaml:"url"`
	Host      string `yaml:"host"`
	Port      int    `yaml:"port"`
	Password  string `yaml:"password"`
	DB        int    `yaml:"db"`
	KeyPrefix string `yaml:"keyPrefix"`
}

// PoolConfig tunes account selection and health bookkeeping.
type PoolConfig struct {
	// DataDir is the file backend's directory, holding the provider-pools
	// JSON and token files.
	DataDir string `yaml:"dataDir"`

	// MaxErrorCount is the windowed error threshold before an account is
	// marked unhealthy.
	MaxErrorCount int `yaml:"maxErrorCount"`

	// WarmupTarget is how many accounts per type to pre-refresh at start.
	WarmupTarget int `yaml:"warmupTarget"`

	// RefreshPerProvider and RefreshGlobal bound concurrent token refreshes.
	RefreshPerProvider int `yaml:"refreshPerProvider"`
	RefreshGlobal      int `yaml:"refreshGlobal"`

	// DefaultProvider overrides the per-dialect default provider type.
	DefaultProvider string `yaml:"defaultProvider"`

	// ProviderFallbackChain lists same-family fallbacks per type. Entries
	// whose protocol family differs from the primary are dropped at load
	// with a warning.
	ProviderFallbackChain map[store.ProviderType][]store.ProviderType `yaml:"providerFallbackChain"`

	// ModelFallbackMapping redirects one model to another provider type.
	ModelFallbackMapping map[string]ModelFallback `yaml:"modelFallbackMapping"`

	// ProviderModels restricts fallback candidates to types serving the
	// requested model.
	ProviderModels map[store.ProviderType][]string `yaml:"providerModels"`
}

// ModelFallback is one entry of the model fallback mapping.
type ModelFallback struct {
	TargetProviderType store.ProviderType `yaml:"targetProviderType"`
	TargetModel        string             `yaml:"targetModel"`
}

// KiroConfig tunes the Kiro streaming path.
type KiroConfig struct {
	APITimeout      time.Duration `yaml:"apiTimeout"`
	MaxRetries      int           `yaml:"maxRetries"`
	AccountCacheTTL time.Duration `yaml:"accountCacheTtl"`
	HealthCooldown  time.Duration `yaml:"healthCooldown"`
}

// HTTPConfig tunes the shared upstream transport.
type HTTPConfig struct {
	MaxConns            int           `yaml:"maxConns"`
	MaxIdleConnsPerHost int           `yaml:"maxIdleConnsPerHost"`
	IdleConnTimeout     time.Duration `yaml:"idleConnTimeout"`

	// ProxyURL routes proxy-enabled provider types through a forward proxy.
	ProxyURL string `yaml:"proxyUrl"`
}

// LoggingConfig selects level and output encoding.
type LoggingConfig struct {
	// Level is debug, info, warn, or error.
	Level string `yaml:"level"`

	// JSON selects the JSON handler over text.
	JSON bool `yaml:"json"`
}

// PromptConfig controls system-prompt injection and prompt mirroring.
type PromptConfig struct {
	// SystemPromptFile holds text injected into every request.
	SystemPromptFile string `yaml:"systemPromptFile"`

	// SystemPromptMode is "override" or "append".
	SystemPromptMode string `yaml:"systemPromptMode"`

	// LogPrompts is "", "console", or "file".
	LogPrompts string `yaml:"logPrompts"`

	// LogBaseName prefixes the per-day prompt log files.
	LogBaseName string `yaml:"logBaseName"`
}

// CronConfig schedules the periodic tasks.
type CronConfig struct {
	// NearExpiryMinutes is the refresh window for near-expiry tokens.
	NearExpiryMinutes int `yaml:"nearExpiryMinutes"`

	// RefreshToken enables the periodic near-expiry refresh job.
	RefreshToken bool `yaml:"refreshToken"`

	// HealthSweepInterval spaces full pool health sweeps.
	HealthSweepInterval time.Duration `yaml:"healthSweepInterval"`
}

// UsageConfig tunes the SQLite usage ledger.
type UsageConfig struct {
	Enabled       bool   `yaml:"enabled"`
	Path          string `yaml:"path"`
	RetentionDays int    `yaml:"retentionDays"`
}

// MetricsConfig exposes the Prometheus endpoint.
type MetricsConfig struct {
	Enabled bool   `yaml:"enabled"`
	Path    string `yaml:"path"`
}

// DebugConfig controls the Kiro debug dump capture.
type DebugConfig struct {
	// DumpAll captures every session; DumpErrors captures failures only.
	DumpAll    bool   `yaml:"dumpAll"`
	DumpErrors bool   `yaml:"dumpErrors"`
	Dir        string `yaml:"dir"`
}

// ApplyDefaults fills unset fields in place.
func ApplyDefaults(cfg *Config) {
	if cfg.Server.Host == "" {
		cfg.Server.Host = "0.0.0.0"
	}
	if cfg.Server.Port == 0 {
		cfg.Server.Port = 8317
	}
	if cfg.Server.GracefulTimeout == 0 {
		cfg.Server.GracefulTimeout = 30 * time.Second
	}
	if cfg.Redis.Port == 0 {
		cfg.Redis.Port = 6379
	}
	if cfg.Redis.KeyPrefix == "" {
		cfg.Redis.KeyPrefix = "aiclient:"
	}
	if cfg.Pool.DataDir == "" {
		cfg.Pool.DataDir = "data"
	}
	if cfg.Pool.MaxErrorCount == 0 {
		cfg.Pool.MaxErrorCount = 3
	}
	if cfg.Pool.WarmupTarget == 0 {
		cfg.Pool.WarmupTarget = 3
	}
	if cfg.Pool.RefreshPerProvider == 0 {
		cfg.Pool.RefreshPerProvider = 1
	}
	if cfg.Pool.RefreshGlobal == 0 {
		cfg.Pool.RefreshGlobal = 1
	}
	if cfg.Kiro.APITimeout == 0 {
		cfg.Kiro.APITimeout = 120 * time.Second
	}
	if cfg.Kiro.MaxRetries == 0 {
		cfg.Kiro.MaxRetries = 3
	}
	if cfg.Kiro.AccountCacheTTL == 0 {
		cfg.Kiro.AccountCacheTTL = 3 * time.Second
	}
	if cfg.Kiro.HealthCooldown == 0 {
		cfg.Kiro.HealthCooldown = 6 * time.Second
	}
	if cfg.HTTP.MaxConns == 0 {
		cfg.HTTP.MaxConns = 512
	}
	if cfg.HTTP.MaxIdleConnsPerHost == 0 {
		cfg.HTTP.MaxIdleConnsPerHost = 64
	}
	if cfg.HTTP.IdleConnTimeout == 0 {
		cfg.HTTP.IdleConnTimeout = 90 * time.Second
	}
	if cfg.Logging.Level == "" {
		cfg.Logging.Level = "info"
	}
	if cfg.Prompt.SystemPromptMode == "" {
		cfg.Prompt.SystemPromptMode = "append"
	}
	if cfg.Prompt.LogBaseName == "" {
		cfg.Prompt.LogBaseName = "prompt"
	}
	if cfg.Cron.NearExpiryMinutes == 0 {
		cfg.Cron.NearExpiryMinutes = 15
	}
	if cfg.Cron.HealthSweepInterval == 0 {
		cfg.Cron.HealthSweepInterval = 10 * time.Minute
	}
	if cfg.Usage.Path == "" {
		cfg.Usage.Path = "data/usage.db"
	}
	if cfg.Usage.RetentionDays == 0 {
		cfg.Usage.RetentionDays = 30
	}
	if cfg.Metrics.Path == "" {
		cfg.Metrics.Path = "/metrics"
	}
	if cfg.Debug.Dir == "" {
		cfg.Debug.Dir = "debug"
	}
}
