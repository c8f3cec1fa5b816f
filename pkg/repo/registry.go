package repo

import (
	"path/filepath"
	"sort"
	"sync"

	"github.com/Siddhant-K-code/repocache/pkg/cache"
)

// Opener opens the Source for a repository path.
type Opener func(path string) (Source, error)

// OpenGit is the default Opener.
func OpenGit(path string) (Source, error) {
	return OpenGitSource(path)
}

// Registry hands out one Repository per absolute path. All repositories
// share the registry's cache.
type Registry struct {
	mu    sync.Mutex
	cache cache.Cache[any]
	open  Opener
	opts  []Option
	repos map[string]*Repository
}

// NewRegistry returns a registry over c. A nil open uses OpenGit.
func NewRegistry(c cache.Cache[any], open Opener, opts ...Option) *Registry {
	if open == nil {
		open = OpenGit
	}
	return &Registry{
		cache: c,
		open:  open,
		opts:  opts,
		repos: make(map[string]*Repository),
	}
}

// Get returns the Repository for path, opening it on first use.
func (r *Registry) Get(path string) (*Repository, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, wrapError(err, "failed to resolve repository path")
	}
	abs = filepath.Clean(abs)

	r.mu.Lock()
	defer r.mu.Unlock()

	if repo, ok := r.repos[abs]; ok {
		return repo, nil
	}
	src, err := r.open(abs)
	if err != nil {
		return nil, err
	}
	repo := New(abs, src, r.cache, r.opts...)
	r.repos[abs] = repo
	return repo, nil
}

// Paths lists the opened repositories.
func (r *Registry) Paths() []string {
	r.mu.Lock()
	defer r.mu.Unlock()

	paths := make([]string, 0, len(r.repos))
	for p := range r.repos {
		paths = append(paths, p)
	}
	sort.Strings(paths)
	return paths
}

// Cache returns the shared cache.
func (r *Registry) Cache() cache.Cache[any] {
	return r.cache
}

// Stats returns the shared cache statistics.
func (r *Registry) Stats() cache.Stats {
	return r.cache.Stats()
}

// Clear removes entries whose key contains pattern. An empty pattern
// clears the whole cache. Loads in flight in any repository are not stored
// afterwards.
func (r *Registry) Clear(pattern string) int {
	r.mu.Lock()
	for _, repo := range r.repos {
		repo.dropInflight()
	}
	r.mu.Unlock()

	if pattern == "" {
		return r.cache.Clear()
	}
	return r.cache.InvalidatePattern(pattern)
}

// Close closes the shared cache.
func (r *Registry) Close() error {
	return r.cache.Close()
}
