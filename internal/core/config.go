package core

import (
	"crypto/subtle"
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/maskforge/maskforge/internal/catalog"
	"github.com/maskforge/maskforge/internal/fingerprint"
)

// Config holds the entire maskforge configuration.
type Config struct {
	Server     ServerConfig     `yaml:"server" json:"server"`
	Bus        BusConfig        `yaml:"bus" json:"bus"`
	Catalog    CatalogConfig    `yaml:"catalog" json:"catalog"`
	Generation GenerationConfig `yaml:"generation" json:"generation"`
	Validation ValidationConfig `yaml:"validation" json:"validation"`
	Archive    ArchiveConfig    `yaml:"archive" json:"archive"`
	Logging    LoggingConfig    `yaml:"logging" json:"logging"`
}

// ServerConfig holds API server settings.
type ServerConfig struct {
	Host        string          `yaml:"host" json:"host"`
	Port        int             `yaml:"port" json:"port"`
	APIKeys     []string        `yaml:"api_keys" json:"api_keys,omitempty"`
	CORSOrigins []string        `yaml:"cors_origins" json:"cors_origins"`
	RateLimit   RateLimitConfig `yaml:"rate_limit" json:"rate_limit"`
}

// RateLimitConfig bounds requests per client IP.
type RateLimitConfig struct {
	RequestsPerSecond float64 `yaml:"requests_per_second" json:"requests_per_second"`
	Burst             int     `yaml:"burst" json:"burst"`
	// MaxClients caps how many per-IP limiters are kept; the least recently
	// seen client is forgotten first.
	MaxClients int `yaml:"max_clients" json:"max_clients"`
}

// BusConfig holds NATS settings.
type BusConfig struct {
	Enabled  bool   `yaml:"enabled" json:"enabled"`
	URL      string `yaml:"url" json:"url"`
	Embedded bool   `yaml:"embedded" json:"embedded"`
	DataDir  string `yaml:"data_dir" json:"data_dir"`
	Port     int    `yaml:"port" json:"port"`
}

// Catalog source kinds.
const (
	SourceBuiltin = "builtin"
	SourceDir     = "dir"
	SourceSQLite  = "sqlite"
)

// CatalogConfig selects where catalog versions come from.
type CatalogConfig struct {
	Source     string        `yaml:"source" json:"source"`
	Dir        string        `yaml:"dir" json:"dir,omitempty"`
	Pattern    string        `yaml:"pattern" json:"pattern,omitempty"`
	SQLitePath string        `yaml:"sqlite_path" json:"sqlite_path,omitempty"`
	CacheSize  int           `yaml:"cache_size" json:"cache_size"`
	Watch      bool          `yaml:"watch" json:"watch"`
	Debounce   time.Duration `yaml:"debounce" json:"debounce"`
	// Breaker guards the source with a circuit breaker.
	Breaker bool `yaml:"breaker" json:"breaker"`
	// MarkersPath points at a marker sets file; empty uses the built-in sets.
	MarkersPath string `yaml:"markers_path" json:"markers_path,omitempty"`
}

// GenerationConfig is the accept/regenerate policy.
type GenerationConfig struct {
	// RiskThreshold is the lowest risk level that rejects a profile.
	RiskThreshold fingerprint.RiskLevel `yaml:"risk_threshold" json:"risk_threshold"`
	MaxAttempts   int                   `yaml:"max_attempts" json:"max_attempts"`
	BatchWorkers  int                   `yaml:"batch_workers" json:"batch_workers"`
	MaxBatch      int                   `yaml:"max_batch" json:"max_batch"`
}

// ValidationConfig bounds validator resource use.
type ValidationConfig struct {
	Concurrency int           `yaml:"concurrency" json:"concurrency"`
	RuleTimeout time.Duration `yaml:"rule_timeout" json:"rule_timeout"`
}

// LoggingConfig holds logging settings.
type LoggingConfig struct {
	Level      string `yaml:"level" json:"level"`
	Format     string `yaml:"format" json:"format"`
	BufferSize int    `yaml:"buffer_size" json:"buffer_size"`
}

// DefaultConfig returns a Config that works without a config file: the
// built-in catalog, no bus and an open API on localhost.
func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Host: "127.0.0.1",
			Port: 1790,
			RateLimit: RateLimitConfig{
				RequestsPerSecond: 50,
				Burst:             100,
				MaxClients:        4096,
			},
		},
		Bus: BusConfig{
			Enabled:  false,
			URL:      "nats://127.0.0.1:4223",
			Embedded: true,
			DataDir:  "./data/nats",
			Port:     4223,
		},
		Catalog: CatalogConfig{
			Source:    SourceBuiltin,
			Pattern:   catalog.DefaultPattern,
			CacheSize: catalog.DefaultCacheSize,
			Watch:     true,
			Debounce:  500 * time.Millisecond,
			Breaker:   true,
		},
		Generation: GenerationConfig{
			RiskThreshold: fingerprint.RiskHigh,
			MaxAttempts:   5,
			BatchWorkers:  4,
			MaxBatch:      100,
		},
		Validation: ValidationConfig{
			Concurrency: 8,
			RuleTimeout: 2 * time.Second,
		},
		Archive: DefaultArchiveConfig(),
		Logging: LoggingConfig{
			Level:      "info",
			Format:     "console",
			BufferSize: 1000,
		},
	}
}

// LoadConfig loads configuration from a YAML file, falling back to defaults.
// Environment variables fill in what the file leaves empty.
func LoadConfig(path string) (*Config, error) {
	cfg := DefaultConfig()

	if path != "" {
		data, err := os.ReadFile(path)
		switch {
		case os.IsNotExist(err):
		case err != nil:
			return nil, fmt.Errorf("reading config file: %w", err)
		default:
			if err := yaml.Unmarshal(data, cfg); err != nil {
				return nil, fmt.Errorf("parsing config file: %w", err)
			}
		}
	}

	applyEnv(cfg)
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func applyEnv(cfg *Config) {
	if len(cfg.Server.APIKeys) == 0 {
		if envKey := os.Getenv("MASKFORGE_API_KEY"); envKey != "" {
			cfg.Server.APIKeys = []string{envKey}
		}
	}
	if dir := os.Getenv("MASKFORGE_CATALOG_DIR"); dir != "" && cfg.Catalog.Dir == "" {
		cfg.Catalog.Source = SourceDir
		cfg.Catalog.Dir = dir
	}
}

// Validate rejects settings the engine cannot run with.
func (c *Config) Validate() error {
	switch c.Catalog.Source {
	case SourceBuiltin:
	case SourceDir:
		if c.Catalog.Dir == "" {
			return fmt.Errorf("config: catalog.dir is required for the dir source")
		}
	case SourceSQLite:
		if c.Catalog.SQLitePath == "" {
			return fmt.Errorf("config: catalog.sqlite_path is required for the sqlite source")
		}
	default:
		return fmt.Errorf("config: unknown catalog.source %q", c.Catalog.Source)
	}
	if c.Generation.MaxAttempts < 1 {
		return fmt.Errorf("config: generation.max_attempts must be at least 1")
	}
	if c.Generation.RiskThreshold <= fingerprint.RiskLow {
		return fmt.Errorf("config: generation.risk_threshold must be above LOW")
	}
	if c.Archive.Enabled && !c.Bus.Enabled {
		return fmt.Errorf("config: archive.enabled requires bus.enabled")
	}
	switch c.Logging.Format {
	case "", "console", "json":
	default:
		return fmt.Errorf("config: unknown logging.format %q", c.Logging.Format)
	}
	return nil
}

// SaveConfig writes the configuration to a YAML file.
func SaveConfig(cfg *Config, path string) error {
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("marshaling config: %w", err)
	}
	return os.WriteFile(path, data, 0644)
}

// LogLevel returns the normalized log level string.
func (c *Config) LogLevel() string {
	return strings.ToLower(c.Logging.Level)
}

// AuthEnabled returns true if API key authentication is configured.
func (c *Config) AuthEnabled() bool {
	return len(c.Server.APIKeys) > 0
}

// ValidateAPIKey checks if the provided key matches any configured API key.
// Uses constant-time comparison to prevent timing attacks.
func (c *Config) ValidateAPIKey(key string) bool {
	for _, valid := range c.Server.APIKeys {
		if subtle.ConstantTimeCompare([]byte(key), []byte(valid)) == 1 {
			return true
		}
	}
	return false
}

// Redacted returns a copy safe to show to API clients.
func (c *Config) Redacted() Config {
	safe := *c
	safe.Server.APIKeys = nil
	return safe
}
