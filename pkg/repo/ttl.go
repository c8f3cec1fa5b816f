package repo

import (
	"time"

	"github.com/Siddhant-K-code/repocache/pkg/cache"
)

// Operation names a cacheable query. The name is embedded in every cache
// key and selects the TTL tier.
type Operation string

const (
	OpStatus            Operation = "status"
	OpBranches          Operation = "branches"
	OpTags              Operation = "tags"
	OpCommitHistory     Operation = "commit_history"
	OpFileHistory       Operation = "file_history"
	OpFileContributors  Operation = "file_contributors"
	OpRepositoryMetrics Operation = "repository_metrics"
	OpConfig            Operation = "config"
	OpRemotes           Operation = "remotes"
)

// Operations lists every query operation.
var Operations = []Operation{
	OpStatus,
	OpBranches,
	OpTags,
	OpCommitHistory,
	OpFileHistory,
	OpFileContributors,
	OpRepositoryMetrics,
	OpConfig,
	OpRemotes,
}

const (
	DefaultTTL = 300 * time.Second
	MinTTL     = 5 * time.Second
	MaxTTL     = 86400 * time.Second
)

// ttlTiers is ordered most specific first; the cache uses the first match.
var ttlTiers = []struct {
	op  Operation
	ttl time.Duration
}{
	{OpFileContributors, 600 * time.Second},
	{OpFileHistory, 600 * time.Second},
	{OpCommitHistory, 300 * time.Second},
	{OpRepositoryMetrics, 1800 * time.Second},
	{OpBranches, 60 * time.Second},
	{OpTags, 60 * time.Second},
	{OpConfig, 300 * time.Second},
	{OpStatus, 5 * time.Second},
}

// TTL returns the tier TTL for op, or DefaultTTL.
func TTL(op Operation) time.Duration {
	for _, t := range ttlTiers {
		if t.op == op {
			return t.ttl
		}
	}
	return DefaultTTL
}

// TTLPatterns returns the pattern table matching the ":{op}:" segment of
// keys built by Key.
func TTLPatterns() []cache.PatternTTL {
	patterns := make([]cache.PatternTTL, 0, len(ttlTiers))
	for _, t := range ttlTiers {
		patterns = append(patterns, cache.PatternTTL{
			Pattern: ":" + string(t.op) + ":",
			TTL:     t.ttl,
		})
	}
	return patterns
}

// CacheConfig returns engine defaults tuned for repository queries.
func CacheConfig() cache.Config {
	cfg := cache.DefaultConfig()
	cfg.DefaultTTL = DefaultTTL
	cfg.MinTTL = MinTTL
	cfg.MaxTTL = MaxTTL
	cfg.PatternTTLs = TTLPatterns()
	return cfg
}
