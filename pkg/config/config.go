// Package config provides configuration file support for repocache.
// It handles loading, validation, and environment variable interpolation
// for repocache.yaml configuration files.
package config

import (
	"fmt"
	"os"
	"regexp"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/Siddhant-K-code/repocache/pkg/cache"
	"github.com/Siddhant-K-code/repocache/pkg/logging"
	"github.com/Siddhant-K-code/repocache/pkg/repo"
	"github.com/Siddhant-K-code/repocache/pkg/telemetry"
)

// EnvPrefix prefixes every environment override, e.g.
// REPOCACHE_CACHE_MAX_ITEMS.
const EnvPrefix = "REPOCACHE"

// Config represents the full repocache configuration.
type Config struct {
	Server       ServerConfig    `mapstructure:"server"`
	Cache        CacheConfig     `mapstructure:"cache"`
	Repositories []string        `mapstructure:"repositories"`
	Logging      logging.Config  `mapstructure:"logging"`
	Telemetry    TelemetryConfig `mapstructure:"telemetry"`
}

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	Port            int           `mapstructure:"port"`
	Host            string        `mapstructure:"host"`
	ReadTimeout     time.Duration `mapstructure:"read_timeout"`
	WriteTimeout    time.Duration `mapstructure:"write_timeout"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
}

// CacheConfig holds cache engine settings.
type CacheConfig struct {
	MaxItems         int                `mapstructure:"max_items"`
	MaxMemoryBytes   int64              `mapstructure:"max_memory_bytes"`
	DefaultTTL       time.Duration      `mapstructure:"default_ttl"`
	MinTTL           time.Duration      `mapstructure:"min_ttl"`
	MaxTTL           time.Duration      `mapstructure:"max_ttl"`
	AdaptiveTTL      bool               `mapstructure:"adaptive_ttl"`
	PurgeInterval    time.Duration      `mapstructure:"purge_interval"`
	ErrorBackoff     time.Duration      `mapstructure:"error_backoff"`
	FallbackMaxItems int                `mapstructure:"fallback_max_items"`
	Disk             DiskConfig         `mapstructure:"disk"`
	TTLPatterns      []cache.PatternTTL `mapstructure:"ttl_patterns"`
}

// DiskConfig holds disk spill settings.
type DiskConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Dir     string `mapstructure:"dir"`
}

// TelemetryConfig holds observability settings.
type TelemetryConfig struct {
	Tracing telemetry.Config `mapstructure:"tracing"`
	Metrics MetricsConfig    `mapstructure:"metrics"`
}

// MetricsConfig holds Prometheus settings.
type MetricsConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Path    string `mapstructure:"path"`
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() *Config {
	engine := repo.CacheConfig()
	return &Config{
		Server: ServerConfig{
			Port:            8080,
			Host:            "127.0.0.1",
			ReadTimeout:     30 * time.Second,
			WriteTimeout:    60 * time.Second,
			ShutdownTimeout: 10 * time.Second,
		},
		Cache: CacheConfig{
			MaxItems:         engine.MaxItems,
			MaxMemoryBytes:   engine.MaxMemoryBytes,
			DefaultTTL:       engine.DefaultTTL,
			MinTTL:           engine.MinTTL,
			MaxTTL:           engine.MaxTTL,
			AdaptiveTTL:      engine.AdaptiveTTL,
			PurgeInterval:    engine.PurgeInterval,
			ErrorBackoff:     engine.ErrorBackoff,
			FallbackMaxItems: engine.FallbackMaxItems,
			Disk: DiskConfig{
				Enabled: false,
				Dir:     ".repocache",
			},
		},
		Repositories: []string{},
		Logging:      logging.DefaultConfig(),
		Telemetry: TelemetryConfig{
			Tracing: telemetry.DefaultConfig(),
			Metrics: MetricsConfig{
				Enabled: true,
				Path:    "/metrics",
			},
		},
	}
}

// Engine converts the cache section to an engine configuration. Without
// explicit ttl_patterns the per-operation tiers are used.
func (c CacheConfig) Engine() cache.Config {
	patterns := c.TTLPatterns
	if len(patterns) == 0 {
		patterns = repo.TTLPatterns()
	}
	return cache.Config{
		MaxItems:         c.MaxItems,
		MaxMemoryBytes:   c.MaxMemoryBytes,
		DefaultTTL:       c.DefaultTTL,
		MinTTL:           c.MinTTL,
		MaxTTL:           c.MaxTTL,
		PatternTTLs:      patterns,
		AdaptiveTTL:      c.AdaptiveTTL,
		PurgeInterval:    c.PurgeInterval,
		ErrorBackoff:     c.ErrorBackoff,
		DiskCache:        c.Disk.Enabled,
		DiskCacheDir:     c.Disk.Dir,
		FallbackMaxItems: c.FallbackMaxItems,
	}
}

// SetDefaults registers every default with v so environment overrides
// apply even without a config file.
func SetDefaults(v *viper.Viper) {
	d := DefaultConfig()

	v.SetDefault("server.port", d.Server.Port)
	v.SetDefault("server.host", d.Server.Host)
	v.SetDefault("server.read_timeout", d.Server.ReadTimeout)
	v.SetDefault("server.write_timeout", d.Server.WriteTimeout)
	v.SetDefault("server.shutdown_timeout", d.Server.ShutdownTimeout)

	v.SetDefault("cache.max_items", d.Cache.MaxItems)
	v.SetDefault("cache.max_memory_bytes", d.Cache.MaxMemoryBytes)
	v.SetDefault("cache.default_ttl", d.Cache.DefaultTTL)
	v.SetDefault("cache.min_ttl", d.Cache.MinTTL)
	v.SetDefault("cache.max_ttl", d.Cache.MaxTTL)
	v.SetDefault("cache.adaptive_ttl", d.Cache.AdaptiveTTL)
	v.SetDefault("cache.purge_interval", d.Cache.PurgeInterval)
	v.SetDefault("cache.error_backoff", d.Cache.ErrorBackoff)
	v.SetDefault("cache.fallback_max_items", d.Cache.FallbackMaxItems)
	v.SetDefault("cache.disk.enabled", d.Cache.Disk.Enabled)
	v.SetDefault("cache.disk.dir", d.Cache.Disk.Dir)

	v.SetDefault("repositories", d.Repositories)

	v.SetDefault("logging.level", d.Logging.Level)
	v.SetDefault("logging.format", d.Logging.Format)

	v.SetDefault("telemetry.tracing.enabled", d.Telemetry.Tracing.Enabled)
	v.SetDefault("telemetry.tracing.exporter", d.Telemetry.Tracing.Exporter)
	v.SetDefault("telemetry.tracing.endpoint", d.Telemetry.Tracing.Endpoint)
	v.SetDefault("telemetry.tracing.sample_rate", d.Telemetry.Tracing.SampleRate)
	v.SetDefault("telemetry.tracing.service_name", d.Telemetry.Tracing.ServiceName)
	v.SetDefault("telemetry.tracing.insecure", d.Telemetry.Tracing.Insecure)
	v.SetDefault("telemetry.metrics.enabled", d.Telemetry.Metrics.Enabled)
	v.SetDefault("telemetry.metrics.path", d.Telemetry.Metrics.Path)
}

// BindEnv makes v read REPOCACHE_* variables, with dots in keys mapped to
// underscores.
func BindEnv(v *viper.Viper) {
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
}

// Load reads configuration from the given viper instance and returns
// a validated Config. Environment variables in string values are
// interpolated using ${VAR} syntax.
func Load(v *viper.Viper) (*Config, error) {
	cfg := DefaultConfig()

	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	interpolateConfig(cfg)

	if err := Validate(cfg); err != nil {
		return nil, err
	}

	return cfg, nil
}

// LoadFromFile reads a specific config file and returns a validated Config.
func LoadFromFile(path string) (*Config, error) {
	v := viper.New()
	v.SetConfigFile(path)

	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
	}

	return Load(v)
}

// Validate checks the configuration for errors and returns a descriptive
// error if any field is invalid.
func Validate(cfg *Config) error {
	var errs []string

	// Server validation
	if cfg.Server.Port < 0 || cfg.Server.Port > 65535 {
		errs = append(errs, fmt.Sprintf("server.port: must be between 0 and 65535, got %d", cfg.Server.Port))
	}
	if cfg.Server.ReadTimeout < 0 {
		errs = append(errs, "server.read_timeout: must be non-negative")
	}
	if cfg.Server.WriteTimeout < 0 {
		errs = append(errs, "server.write_timeout: must be non-negative")
	}
	if cfg.Server.ShutdownTimeout < 0 {
		errs = append(errs, "server.shutdown_timeout: must be non-negative")
	}

	// Cache validation reuses the engine's own checks.
	if err := cfg.Cache.Engine().Validate(); err != nil {
		for _, line := range strings.Split(err.Error(), "\n") {
			line = strings.TrimSpace(strings.TrimPrefix(strings.TrimSpace(line), "- "))
			if line == "" || strings.HasSuffix(line, "errors:") {
				continue
			}
			errs = append(errs, "cache."+line)
		}
	}
	if cfg.Cache.FallbackMaxItems < 0 {
		errs = append(errs, "cache.fallback_max_items: must be non-negative")
	}

	for i, path := range cfg.Repositories {
		if strings.TrimSpace(path) == "" {
			errs = append(errs, fmt.Sprintf("repositories[%d]: path is required", i))
		}
	}

	// Logging validation
	if err := logging.ValidateLevel(cfg.Logging.Level); err != nil {
		errs = append(errs, fmt.Sprintf("logging.level: %v", err))
	}
	validFormats := map[string]bool{"json": true, "console": true, "": true}
	if !validFormats[cfg.Logging.Format] {
		errs = append(errs, fmt.Sprintf("logging.format: unsupported format %q (supported: json, console)", cfg.Logging.Format))
	}

	// Telemetry validation
	validExporters := map[string]bool{"otlp": true, "stdout": true, "none": true, "": true}
	if !validExporters[cfg.Telemetry.Tracing.Exporter] {
		errs = append(errs, fmt.Sprintf("telemetry.tracing.exporter: unsupported exporter %q (supported: otlp, stdout, none)", cfg.Telemetry.Tracing.Exporter))
	}
	if cfg.Telemetry.Tracing.SampleRate < 0 || cfg.Telemetry.Tracing.SampleRate > 1 {
		errs = append(errs, fmt.Sprintf("telemetry.tracing.sample_rate: must be between 0 and 1, got %f", cfg.Telemetry.Tracing.SampleRate))
	}
	if cfg.Telemetry.Metrics.Enabled && !strings.HasPrefix(cfg.Telemetry.Metrics.Path, "/") {
		errs = append(errs, fmt.Sprintf("telemetry.metrics.path: must start with /, got %q", cfg.Telemetry.Metrics.Path))
	}

	if len(errs) > 0 {
		return fmt.Errorf("configuration errors:\n  - %s", strings.Join(errs, "\n  - "))
	}

	return nil
}

// envVarPattern matches ${VAR} or ${VAR:-default} syntax.
var envVarPattern = regexp.MustCompile(`\$\{([^}:]+)(?::-([^}]*))?\}`)

// InterpolateEnv replaces ${VAR} and ${VAR:-default} patterns in a string
// with the corresponding environment variable values.
func InterpolateEnv(s string) string {
	return envVarPattern.ReplaceAllStringFunc(s, func(match string) string {
		parts := envVarPattern.FindStringSubmatch(match)
		if len(parts) < 2 {
			return match
		}

		varName := parts[1]
		defaultVal := ""
		if len(parts) >= 3 {
			defaultVal = parts[2]
		}

		if val, ok := os.LookupEnv(varName); ok {
			return val
		}
		if defaultVal != "" {
			return defaultVal
		}
		return match
	})
}

// interpolateConfig applies environment variable interpolation to all
// string fields in the config.
func interpolateConfig(cfg *Config) {
	cfg.Server.Host = InterpolateEnv(cfg.Server.Host)
	cfg.Cache.Disk.Dir = InterpolateEnv(cfg.Cache.Disk.Dir)

	for i, path := range cfg.Repositories {
		cfg.Repositories[i] = InterpolateEnv(path)
	}

	cfg.Logging.Level = InterpolateEnv(cfg.Logging.Level)
	cfg.Logging.Format = InterpolateEnv(cfg.Logging.Format)

	cfg.Telemetry.Tracing.Exporter = InterpolateEnv(cfg.Telemetry.Tracing.Exporter)
	cfg.Telemetry.Tracing.Endpoint = InterpolateEnv(cfg.Telemetry.Tracing.Endpoint)
	cfg.Telemetry.Tracing.ServiceName = InterpolateEnv(cfg.Telemetry.Tracing.ServiceName)
}

// GenerateTemplate returns a YAML template string with all available
// configuration options and their defaults, suitable for writing to
// a repocache.yaml file.
func GenerateTemplate() string {
	return `# repocache configuration
# Every key can be overridden with REPOCACHE_<SECTION>_<KEY>, e.g.
# REPOCACHE_CACHE_MAX_ITEMS=5000.

server:
  port: 8080
  host: 127.0.0.1
  read_timeout: 30s
  write_timeout: 60s
  shutdown_timeout: 10s

cache:
  max_items: 1000
  max_memory_bytes: 104857600   # 100MB
  default_ttl: 5m
  min_ttl: 5s
  max_ttl: 24h
  adaptive_ttl: true
  purge_interval: 1m
  error_backoff: 5m
  fallback_max_items: 1000
  disk:
    enabled: false
    dir: ${REPOCACHE_HOME:-.repocache}
  # Substring -> TTL, first match wins. Defaults to per-operation tiers.
  ttl_patterns:
    # - pattern: ":file_history:"
    #   ttl: 10m
    # - pattern: ":status:"
    #   ttl: 5s

# Repositories to warm on startup.
repositories:
  # - /path/to/repo

logging:
  level: info          # debug, info, warn, error
  format: json         # json or console

telemetry:
  tracing:
    enabled: false
    exporter: otlp       # otlp, stdout, or none
    endpoint: localhost:4317
    sample_rate: 1.0     # 0.0 to 1.0
    service_name: repocache
    insecure: true
  metrics:
    enabled: true
    path: /metrics
`
}
