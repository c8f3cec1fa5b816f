package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/spf13/viper"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	cfgPath := filepath.Join(t.TempDir(), "repocache.yaml")
	if err := os.WriteFile(cfgPath, []byte(content), 0644); err != nil {
		t.Fatalf("failed to write test config: %v", err)
	}
	return cfgPath
}

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()

	if cfg.Server.Port != 8080 {
		t.Errorf("expected default port 8080, got %d", cfg.Server.Port)
	}
	if cfg.Cache.MaxItems != 1000 {
		t.Errorf("expected default max_items 1000, got %d", cfg.Cache.MaxItems)
	}
	if cfg.Cache.DefaultTTL != 300*time.Second {
		t.Errorf("expected default ttl 300s, got %v", cfg.Cache.DefaultTTL)
	}
	if cfg.Cache.MinTTL != 5*time.Second || cfg.Cache.MaxTTL != 86400*time.Second {
		t.Errorf("unexpected ttl bounds [%v, %v]", cfg.Cache.MinTTL, cfg.Cache.MaxTTL)
	}
	if cfg.Logging.Level != "info" {
		t.Errorf("expected default log level info, got %s", cfg.Logging.Level)
	}
	if cfg.Telemetry.Tracing.Enabled {
		t.Error("tracing should be disabled by default")
	}
}

func TestEngine_DefaultPatterns(t *testing.T) {
	engine := DefaultConfig().Cache.Engine()

	if len(engine.PatternTTLs) == 0 {
		t.Fatal("expected per-operation ttl patterns")
	}
	if engine.PatternTTLs[0].Pattern != ":file_contributors:" {
		t.Errorf("expected most specific pattern first, got %q", engine.PatternTTLs[0].Pattern)
	}
	if err := engine.Validate(); err != nil {
		t.Errorf("default engine config should be valid: %v", err)
	}
}

func TestValidate_ValidConfig(t *testing.T) {
	if err := Validate(DefaultConfig()); err != nil {
		t.Errorf("default config should be valid: %v", err)
	}
}

func TestValidate_Invalid(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
		want   string
	}{
		{"port", func(c *Config) { c.Server.Port = 70000 }, "server.port"},
		{"max items", func(c *Config) { c.Cache.MaxItems = 0 }, "cache.max_items"},
		{"ttl bounds", func(c *Config) { c.Cache.MinTTL = time.Hour; c.Cache.MaxTTL = time.Minute }, "min_ttl"},
		{"disk dir", func(c *Config) { c.Cache.Disk.Enabled = true; c.Cache.Disk.Dir = "" }, "disk_cache_dir"},
		{"repository path", func(c *Config) { c.Repositories = []string{" "} }, "repositories[0]"},
		{"log level", func(c *Config) { c.Logging.Level = "loud" }, "logging.level"},
		{"log format", func(c *Config) { c.Logging.Format = "xml" }, "logging.format"},
		{"exporter", func(c *Config) { c.Telemetry.Tracing.Exporter = "zipkin" }, "telemetry.tracing.exporter"},
		{"sample rate", func(c *Config) { c.Telemetry.Tracing.SampleRate = 2 }, "telemetry.tracing.sample_rate"},
		{"metrics path", func(c *Config) { c.Telemetry.Metrics.Path = "metrics" }, "telemetry.metrics.path"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.mutate(cfg)
			err := Validate(cfg)
			if err == nil {
				t.Fatal("expected validation error")
			}
			if !strings.Contains(err.Error(), tt.want) {
				t.Errorf("error %q does not mention %q", err, tt.want)
			}
		})
	}
}

func TestValidate_MultipleErrors(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Server.Port = -1
	cfg.Cache.MaxMemoryBytes = 0
	cfg.Logging.Format = "xml"

	err := Validate(cfg)
	if err == nil {
		t.Fatal("expected multiple validation errors")
	}
	if got := strings.Count(err.Error(), "\n  - "); got != 3 {
		t.Errorf("expected 3 errors, got %d: %v", got, err)
	}
	if !strings.Contains(err.Error(), "cache.max_memory_bytes") {
		t.Errorf("cache errors should be prefixed: %v", err)
	}
}

func TestInterpolateEnv(t *testing.T) {
	t.Setenv("TEST_VAR", "hello")

	tests := []struct {
		input    string
		expected string
	}{
		{"${TEST_VAR}", "hello"},
		{"prefix-${TEST_VAR}-suffix", "prefix-hello-suffix"},
		{"${NONEXISTENT_VAR:-fallback}", "fallback"},
		{"${NONEXISTENT_VAR}", "${NONEXISTENT_VAR}"},
		{"no-vars-here", "no-vars-here"},
		{"${TEST_VAR:-default}", "hello"},
	}

	for _, tt := range tests {
		result := InterpolateEnv(tt.input)
		if result != tt.expected {
			t.Errorf("InterpolateEnv(%q) = %q, want %q", tt.input, result, tt.expected)
		}
	}
}

func TestLoadFromFile(t *testing.T) {
	cfgPath := writeConfig(t, `
server:
  port: 9090
  host: 0.0.0.0

cache:
  max_items: 5000
  default_ttl: 2m
  adaptive_ttl: false
  disk:
    enabled: true
    dir: /var/cache/repocache
  ttl_patterns:
    - pattern: ":status:"
      ttl: 10s

repositories:
  - /srv/repo

logging:
  level: debug
  format: console
`)

	cfg, err := LoadFromFile(cfgPath)
	if err != nil {
		t.Fatalf("LoadFromFile failed: %v", err)
	}

	if cfg.Server.Port != 9090 {
		t.Errorf("expected port 9090, got %d", cfg.Server.Port)
	}
	if cfg.Cache.MaxItems != 5000 {
		t.Errorf("expected max_items 5000, got %d", cfg.Cache.MaxItems)
	}
	if cfg.Cache.DefaultTTL != 2*time.Minute {
		t.Errorf("expected default_ttl 2m, got %v", cfg.Cache.DefaultTTL)
	}
	if cfg.Cache.AdaptiveTTL {
		t.Error("expected adaptive_ttl false")
	}
	if !cfg.Cache.Disk.Enabled || cfg.Cache.Disk.Dir != "/var/cache/repocache" {
		t.Errorf("unexpected disk config %+v", cfg.Cache.Disk)
	}
	if len(cfg.Cache.TTLPatterns) != 1 || cfg.Cache.TTLPatterns[0].TTL != 10*time.Second {
		t.Errorf("unexpected ttl patterns %+v", cfg.Cache.TTLPatterns)
	}
	if len(cfg.Repositories) != 1 || cfg.Repositories[0] != "/srv/repo" {
		t.Errorf("unexpected repositories %v", cfg.Repositories)
	}
	if cfg.Logging.Format != "console" {
		t.Errorf("expected console logging, got %s", cfg.Logging.Format)
	}

	engine := cfg.Cache.Engine()
	if len(engine.PatternTTLs) != 1 {
		t.Errorf("explicit patterns should replace the defaults, got %d", len(engine.PatternTTLs))
	}
	if !engine.DiskCache || engine.DiskCacheDir != "/var/cache/repocache" {
		t.Errorf("disk settings not carried to engine: %+v", engine)
	}
}

func TestLoadFromFile_WithEnvInterpolation(t *testing.T) {
	t.Setenv("TEST_CACHE_DIR", "/tmp/cache-test")

	cfgPath := writeConfig(t, `
cache:
  disk:
    enabled: true
    dir: ${TEST_CACHE_DIR}
`)

	cfg, err := LoadFromFile(cfgPath)
	if err != nil {
		t.Fatalf("LoadFromFile failed: %v", err)
	}
	if cfg.Cache.Disk.Dir != "/tmp/cache-test" {
		t.Errorf("expected interpolated dir, got %s", cfg.Cache.Disk.Dir)
	}
}

func TestLoad_EnvOverride(t *testing.T) {
	t.Setenv("REPOCACHE_CACHE_MAX_ITEMS", "42")
	t.Setenv("REPOCACHE_LOGGING_LEVEL", "warn")

	v := viper.New()
	SetDefaults(v)
	BindEnv(v)

	cfg, err := Load(v)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if cfg.Cache.MaxItems != 42 {
		t.Errorf("expected env override 42, got %d", cfg.Cache.MaxItems)
	}
	if cfg.Logging.Level != "warn" {
		t.Errorf("expected env override warn, got %s", cfg.Logging.Level)
	}
}

func TestLoadFromFile_InvalidFile(t *testing.T) {
	if _, err := LoadFromFile("/nonexistent/path/repocache.yaml"); err == nil {
		t.Error("expected error for nonexistent file")
	}
}

func TestLoadFromFile_InvalidYAML(t *testing.T) {
	cfgPath := writeConfig(t, "{{invalid yaml")
	if _, err := LoadFromFile(cfgPath); err == nil {
		t.Error("expected error for invalid YAML")
	}
}

func TestLoadFromFile_InvalidValues(t *testing.T) {
	cfgPath := writeConfig(t, `
server:
  port: 99999
cache:
  max_items: -1
`)
	if _, err := LoadFromFile(cfgPath); err == nil {
		t.Error("expected validation error")
	}
}

func TestLoadFromFile_DefaultsPreserved(t *testing.T) {
	cfgPath := writeConfig(t, `
server:
  port: 3000
`)

	cfg, err := LoadFromFile(cfgPath)
	if err != nil {
		t.Fatalf("LoadFromFile failed: %v", err)
	}

	if cfg.Server.Port != 3000 {
		t.Errorf("expected port 3000, got %d", cfg.Server.Port)
	}
	if cfg.Cache.MaxTTL != 86400*time.Second {
		t.Errorf("expected default max_ttl, got %v", cfg.Cache.MaxTTL)
	}
	if cfg.Telemetry.Metrics.Path != "/metrics" {
		t.Errorf("expected default metrics path, got %s", cfg.Telemetry.Metrics.Path)
	}
}

func TestGenerateTemplate(t *testing.T) {
	tmpl := GenerateTemplate()

	required := []string{
		"server:", "port:", "host:",
		"cache:", "max_items:", "max_memory_bytes:", "default_ttl:", "adaptive_ttl:",
		"disk:", "ttl_patterns:",
		"repositories:",
		"logging:", "level:", "format:",
		"telemetry:", "tracing:", "exporter:", "metrics:",
	}

	for _, s := range required {
		if !strings.Contains(tmpl, s) {
			t.Errorf("template missing %q", s)
		}
	}
}

func TestGenerateTemplate_Loads(t *testing.T) {
	cfgPath := writeConfig(t, GenerateTemplate())
	if _, err := LoadFromFile(cfgPath); err != nil {
		t.Errorf("generated template should load: %v", err)
	}
}
