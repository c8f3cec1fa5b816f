package cache

import "time"

// Entry is a cached value plus its bookkeeping.
//
// Entries are owned by the cache that created them and are not safe for
// concurrent use; every method is called under the owner's lock.
type Entry[V any] struct {
	Key          string
	Value        V
	CreatedAt    time.Time
	LastAccessed time.Time
	AccessCount  int64
	TTL          time.Duration

	// BaseTTL is the TTL adaptation starts from. Explicit entries were
	// given their TTL by the caller and are never adapted.
	BaseTTL  time.Duration
	Explicit bool

	// Size is the estimated size in bytes. It is an approximation.
	Size int64
}

func newEntry[V any](key string, value V, size int64, ttl time.Duration, now time.Time) *Entry[V] {
	return &Entry[V]{
		Key:          key,
		Value:        value,
		CreatedAt:    now,
		LastAccessed: now,
		TTL:          ttl,
		BaseTTL:      ttl,
		Size:         size,
	}
}

// Update replaces the value and size. A zero ttl keeps the current TTL.
// CreatedAt is left untouched.
func (e *Entry[V]) Update(value V, size int64, ttl time.Duration, now time.Time) {
	e.Value = value
	e.Size = size
	if ttl > 0 {
		e.TTL = ttl
	}
	e.LastAccessed = now
}

// Access marks the entry as used and returns its value.
func (e *Entry[V]) Access(now time.Time) V {
	e.LastAccessed = now
	e.AccessCount++
	return e.Value
}

// IsExpired reports whether the entry has outlived its TTL.
func (e *Entry[V]) IsExpired(now time.Time) bool {
	return e.Age(now) > e.TTL
}

// TimeToExpiry returns the remaining lifetime, or 0 when expired.
func (e *Entry[V]) TimeToExpiry(now time.Time) time.Duration {
	remaining := e.TTL - e.Age(now)
	if remaining < 0 {
		return 0
	}
	return remaining
}

// Age returns the time since creation.
func (e *Entry[V]) Age(now time.Time) time.Duration {
	return now.Sub(e.CreatedAt)
}

// IdleTime returns the time since the last access.
func (e *Entry[V]) IdleTime(now time.Time) time.Duration {
	return now.Sub(e.LastAccessed)
}
