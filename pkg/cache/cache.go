// Package cache provides the adaptive caching engine used in front of
// expensive, side-effect-free repository queries.
//
// The central type is Manager, an LRU/TTL cache with approximate memory
// accounting, access-pattern driven TTLs, pattern invalidation and an
// optional disk-spill tier. SimpleCache is a reduced fallback used when a
// Manager cannot be constructed. Both satisfy Cache.
package cache

import (
	"context"
	"fmt"
	"strings"
	"time"
)

// Cache defines the operations the query layer relies on.
//
// Implementations never return errors for cache bookkeeping: a value that
// cannot be stored is reported through a false return and the statistics.
type Cache[V any] interface {
	// Get returns a copy of the cached value and whether it was found.
	Get(key string) (V, bool)

	// Set stores a value. A ttl <= 0 lets the cache resolve one.
	// Returns false when the value was not cached.
	Set(key string, value V, ttl time.Duration) bool

	// Delete removes a key. Returns true if the key existed.
	Delete(key string) bool

	// Clear removes every entry and returns how many were removed.
	Clear() int

	// InvalidatePattern removes every key containing pattern.
	InvalidatePattern(pattern string) int

	// PurgeExpired removes expired entries and returns the count.
	PurgeExpired() int

	// Len returns the number of entries currently held.
	Len() int

	// Stats returns a snapshot of cache statistics.
	Stats() Stats

	// Close stops background work and releases resources.
	Close() error
}

// PatternTTL maps a key substring to the TTL used for matching keys.
type PatternTTL struct {
	Pattern string        `json:"pattern" mapstructure:"pattern"`
	TTL     time.Duration `json:"ttl" mapstructure:"ttl"`
}

// Config holds cache configuration.
type Config struct {
	// MaxItems is the maximum number of entries.
	MaxItems int

	// MaxMemoryBytes is the memory budget for estimated entry sizes.
	MaxMemoryBytes int64

	// DefaultTTL is used when no explicit, pattern or adaptive TTL applies.
	DefaultTTL time.Duration

	// MinTTL and MaxTTL bound every resolved TTL.
	MinTTL time.Duration
	MaxTTL time.Duration

	// PatternTTLs is checked in order; the first substring match wins.
	PatternTTLs []PatternTTL

	// AdaptiveTTL enables access-pattern driven TTLs.
	AdaptiveTTL bool

	// PurgeInterval is how often the background loop runs.
	PurgeInterval time.Duration

	// ErrorBackoff is how long the background loop waits after a failed pass.
	ErrorBackoff time.Duration

	// DiskCache enables the disk-spill tier rooted at DiskCacheDir.
	DiskCache    bool
	DiskCacheDir string

	// FallbackMaxItems caps the SimpleCache used when a Manager cannot be built.
	FallbackMaxItems int
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() Config {
	return Config{
		MaxItems:         1000,
		MaxMemoryBytes:   100 * 1024 * 1024, // 100MB
		DefaultTTL:       5 * time.Minute,
		MinTTL:           5 * time.Second,
		MaxTTL:           24 * time.Hour,
		AdaptiveTTL:      true,
		PurgeInterval:    time.Minute,
		ErrorBackoff:     5 * time.Minute,
		FallbackMaxItems: 1000,
	}
}

// Validate checks the configuration and reports every invalid field.
func (c Config) Validate() error {
	var errs []string

	if c.MaxItems <= 0 {
		errs = append(errs, fmt.Sprintf("max_items: must be positive, got %d", c.MaxItems))
	}
	if c.MaxMemoryBytes <= 0 {
		errs = append(errs, fmt.Sprintf("max_memory_bytes: must be positive, got %d", c.MaxMemoryBytes))
	}
	if c.MinTTL < 0 {
		errs = append(errs, "min_ttl: must be non-negative")
	}
	if c.MaxTTL <= 0 {
		errs = append(errs, "max_ttl: must be positive")
	}
	if c.MaxTTL > 0 && c.MinTTL > c.MaxTTL {
		errs = append(errs, fmt.Sprintf("min_ttl (%v) must not exceed max_ttl (%v)", c.MinTTL, c.MaxTTL))
	}
	if c.DefaultTTL <= 0 {
		errs = append(errs, "default_ttl: must be positive")
	}
	if c.PurgeInterval <= 0 {
		errs = append(errs, "purge_interval: must be positive")
	}
	if c.ErrorBackoff < 0 {
		errs = append(errs, "error_backoff: must be non-negative")
	}
	for i, p := range c.PatternTTLs {
		if p.Pattern == "" {
			errs = append(errs, fmt.Sprintf("ttl_patterns[%d]: pattern is required", i))
		}
		if p.TTL <= 0 {
			errs = append(errs, fmt.Sprintf("ttl_patterns[%d]: ttl must be positive", i))
		}
	}
	if c.DiskCache && c.DiskCacheDir == "" {
		errs = append(errs, "disk_cache_dir: required when disk cache is enabled")
	}

	if len(errs) > 0 {
		return fmt.Errorf("cache configuration errors:\n  - %s", strings.Join(errs, "\n  - "))
	}
	return nil
}

// clampTTL bounds ttl to [MinTTL, MaxTTL].
func (c Config) clampTTL(ttl time.Duration) time.Duration {
	if ttl < c.MinTTL {
		return c.MinTTL
	}
	if c.MaxTTL > 0 && ttl > c.MaxTTL {
		return c.MaxTTL
	}
	return ttl
}

// patternTTL returns the TTL of the first pattern contained in key.
func (c Config) patternTTL(key string) (time.Duration, bool) {
	for _, p := range c.PatternTTLs {
		if p.Pattern != "" && strings.Contains(key, p.Pattern) {
			return p.TTL, true
		}
	}
	return 0, false
}

// New builds a Manager and falls back to a SimpleCache when the Manager
// cannot be constructed. It is meant to be called once per process by the
// composition root; the result is shared by every consumer.
func New[V any](ctx context.Context, cfg Config, opts ...Option) Cache[V] {
	m, err := NewManager[V](ctx, cfg, opts...)
	if err == nil {
		return m
	}

	o := applyOptions(opts...)
	o.logger.Sugar().Warnw("cache manager unavailable, using simple cache",
		"error", err,
		"max_items", cfg.FallbackMaxItems,
	)

	fallback := cfg
	if fallback.FallbackMaxItems <= 0 {
		fallback.FallbackMaxItems = DefaultConfig().FallbackMaxItems
	}
	if fallback.DefaultTTL <= 0 {
		fallback.DefaultTTL = DefaultConfig().DefaultTTL
	}
	if fallback.PurgeInterval <= 0 {
		fallback.PurgeInterval = DefaultConfig().PurgeInterval
	}
	return NewSimple[V](ctx, fallback.FallbackMaxItems, fallback.DefaultTTL, fallback.PurgeInterval, opts...)
}
