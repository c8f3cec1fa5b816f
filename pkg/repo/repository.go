package repo

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"sync"
	"time"

	platformerrors "github.com/jmgilman/go/errors"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/Siddhant-K-code/repocache/pkg/cache"
	"github.com/Siddhant-K-code/repocache/pkg/telemetry"
)

// Query outcomes reported to the Recorder.
const (
	OutcomeHit   = "hit"
	OutcomeMiss  = "miss"
	OutcomeError = "error"
)

// Recorder receives query and invalidation observations.
type Recorder interface {
	RecordQuery(op string, outcome string, latency time.Duration)
	RecordInvalidation(mutation string, removed int)
}

type nopRecorder struct{}

func (nopRecorder) RecordQuery(string, string, time.Duration) {}
func (nopRecorder) RecordInvalidation(string, int)            {}

// Option configures a Repository.
type Option func(*Repository)

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) Option {
	return func(r *Repository) {
		if l != nil {
			r.logger = l
		}
	}
}

// WithTracer sets the tracer used for query and invalidation spans.
func WithTracer(t trace.Tracer) Option {
	return func(r *Repository) {
		if t != nil {
			r.tracer = t
		}
	}
}

// WithRecorder sets the metrics recorder.
func WithRecorder(rec Recorder) Option {
	return func(r *Repository) {
		if rec != nil {
			r.recorder = rec
		}
	}
}

// Repository serves queries for one repository through a shared cache.
// Concurrent misses on the same key load once. Failed loads are never
// cached.
type Repository struct {
	id      string
	path    string
	source  Source
	mutator Mutator
	cache   cache.Cache[any]
	group   singleflight.Group

	// fill is held shared while a loaded value is stored and exclusively
	// while invalidating, so a load that raced a mutation is dropped.
	fill  sync.RWMutex
	epoch uint64

	tracer   trace.Tracer
	recorder Recorder
	logger   *zap.Logger
}

// New returns a Repository for the repository at path. If src also
// implements Mutator, the mutation helpers are available.
func New(path string, src Source, c cache.Cache[any], opts ...Option) *Repository {
	r := &Repository{
		id:       RepositoryID(path),
		path:     path,
		source:   src,
		cache:    c,
		tracer:   telemetry.Tracer(),
		recorder: nopRecorder{},
		logger:   zap.NewNop(),
	}
	if m, ok := src.(Mutator); ok {
		r.mutator = m
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// ID returns the repository identifier used in cache keys.
func (r *Repository) ID() string { return r.id }

// Path returns the path the repository was opened with.
func (r *Repository) Path() string { return r.path }

// Status returns the working tree status.
func (r *Repository) Status(ctx context.Context) (Status, error) {
	return cached(ctx, r, OpStatus, nil, r.source.Status)
}

// Branches lists branches.
func (r *Repository) Branches(ctx context.Context) ([]Branch, error) {
	return cached(ctx, r, OpBranches, nil, r.source.Branches)
}

// Tags lists tags.
func (r *Repository) Tags(ctx context.Context) ([]Tag, error) {
	return cached(ctx, r, OpTags, nil, r.source.Tags)
}

// CommitHistory lists commits reachable from opts.Ref.
func (r *Repository) CommitHistory(ctx context.Context, opts HistoryOptions) ([]Commit, error) {
	params := map[string]string{"ref": opts.Ref, "limit": strconv.Itoa(opts.Limit)}
	return cached(ctx, r, OpCommitHistory, params, func(ctx context.Context) ([]Commit, error) {
		return r.source.CommitHistory(ctx, opts)
	})
}

// FileHistory lists commits touching path.
func (r *Repository) FileHistory(ctx context.Context, path string, limit int) ([]Commit, error) {
	params := map[string]string{"path": path, "limit": strconv.Itoa(limit)}
	return cached(ctx, r, OpFileHistory, params, func(ctx context.Context) ([]Commit, error) {
		return r.source.FileHistory(ctx, path, limit)
	})
}

// FileContributors lists the authors of path.
func (r *Repository) FileContributors(ctx context.Context, path string) ([]Contributor, error) {
	params := map[string]string{"path": path}
	return cached(ctx, r, OpFileContributors, params, func(ctx context.Context) ([]Contributor, error) {
		return r.source.FileContributors(ctx, path)
	})
}

// Metrics summarizes the repository.
func (r *Repository) Metrics(ctx context.Context) (Metrics, error) {
	return cached(ctx, r, OpRepositoryMetrics, nil, r.source.Metrics)
}

// Config returns the repository configuration.
func (r *Repository) Config(ctx context.Context) (Config, error) {
	return cached(ctx, r, OpConfig, nil, r.source.Config)
}

// Remotes lists remotes.
func (r *Repository) Remotes(ctx context.Context) ([]Remote, error) {
	return cached(ctx, r, OpRemotes, nil, r.source.Remotes)
}

// Query runs op by name. params carries "ref", "path" and "limit" where the
// operation takes them.
func (r *Repository) Query(ctx context.Context, op Operation, params map[string]string) (any, error) {
	limit := 0
	if s := params["limit"]; s != "" {
		n, err := strconv.Atoi(s)
		if err != nil || n < 0 {
			return nil, platformerrors.Newf(platformerrors.CodeInvalidInput, "invalid limit %q", s)
		}
		limit = n
	}

	switch op {
	case OpStatus:
		return r.Status(ctx)
	case OpBranches:
		return r.Branches(ctx)
	case OpTags:
		return r.Tags(ctx)
	case OpCommitHistory:
		return r.CommitHistory(ctx, HistoryOptions{Ref: params["ref"], Limit: limit})
	case OpFileHistory:
		return r.FileHistory(ctx, params["path"], limit)
	case OpFileContributors:
		return r.FileContributors(ctx, params["path"])
	case OpRepositoryMetrics:
		return r.Metrics(ctx)
	case OpConfig:
		return r.Config(ctx)
	case OpRemotes:
		return r.Remotes(ctx)
	default:
		return nil, platformerrors.Newf(platformerrors.CodeInvalidInput, "unknown operation %q", op)
	}
}

// Mutate runs fn and then invalidates the families m affects. Invalidation
// happens even when fn fails since a failed mutation may have partially
// applied.
func (r *Repository) Mutate(ctx context.Context, m Mutation, fn func(context.Context) error) error {
	err := fn(ctx)
	r.invalidate(ctx, m)
	return err
}

// Notify invalidates for a mutation performed outside this process and
// returns the number of entries removed.
func (r *Repository) Notify(ctx context.Context, m Mutation) int {
	return r.invalidate(ctx, m)
}

// Stage stages paths, or every change when none are given.
func (r *Repository) Stage(ctx context.Context, paths ...string) error {
	mut, err := r.requireMutator()
	if err != nil {
		return err
	}
	return r.Mutate(ctx, MutationStage, func(ctx context.Context) error {
		return mut.Stage(ctx, paths...)
	})
}

// Commit creates a commit and returns its hash.
func (r *Repository) Commit(ctx context.Context, opts CommitOptions) (string, error) {
	mut, err := r.requireMutator()
	if err != nil {
		return "", err
	}
	var hash string
	err = r.Mutate(ctx, MutationCommit, func(ctx context.Context) error {
		var err error
		hash, err = mut.Commit(ctx, opts)
		return err
	})
	return hash, err
}

// CreateBranch creates a branch at ref.
func (r *Repository) CreateBranch(ctx context.Context, name, ref string) error {
	mut, err := r.requireMutator()
	if err != nil {
		return err
	}
	return r.Mutate(ctx, MutationBranchCreate, func(ctx context.Context) error {
		return mut.CreateBranch(ctx, name, ref)
	})
}

// Checkout switches to branch.
func (r *Repository) Checkout(ctx context.Context, branch string) error {
	mut, err := r.requireMutator()
	if err != nil {
		return err
	}
	return r.Mutate(ctx, MutationCheckout, func(ctx context.Context) error {
		return mut.Checkout(ctx, branch)
	})
}

// CreateTag tags ref, annotated when message is non-empty.
func (r *Repository) CreateTag(ctx context.Context, name, ref, message string) error {
	mut, err := r.requireMutator()
	if err != nil {
		return err
	}
	return r.Mutate(ctx, MutationTag, func(ctx context.Context) error {
		return mut.CreateTag(ctx, name, ref, message)
	})
}

// Clear removes this repository's entries of family, or all of them when
// family is empty. Loads in flight are not stored afterwards.
func (r *Repository) Clear(family string) int {
	r.fill.Lock()
	defer r.fill.Unlock()
	r.epoch++
	return r.cache.InvalidatePattern(familyPattern(r.id, family))
}

// dropInflight makes loads started before the call skip storing their
// results.
func (r *Repository) dropInflight() {
	r.fill.Lock()
	defer r.fill.Unlock()
	r.epoch++
}

// Stats returns the shared cache statistics.
func (r *Repository) Stats() cache.Stats {
	return r.cache.Stats()
}

func (r *Repository) requireMutator() (Mutator, error) {
	if r.mutator == nil {
		return nil, platformerrors.New(platformerrors.CodeInvalidInput, "repository source does not support mutations")
	}
	return r.mutator, nil
}

func (r *Repository) invalidate(ctx context.Context, m Mutation) int {
	_, span := telemetry.StartInvalidation(ctx, r.tracer, r.id, string(m))
	defer span.End()

	r.fill.Lock()
	r.epoch++
	removed := 0
	for _, pattern := range InvalidationPatterns(r.id, m) {
		removed += r.cache.InvalidatePattern(pattern)
	}
	r.fill.Unlock()

	telemetry.RecordInvalidation(span, removed)
	r.recorder.RecordInvalidation(string(m), removed)
	r.logger.Debug("cache invalidated",
		zap.String("repository", r.id),
		zap.String("mutation", string(m)),
		zap.Int("removed", removed))
	return removed
}

func (r *Repository) currentEpoch() uint64 {
	r.fill.RLock()
	defer r.fill.RUnlock()
	return r.epoch
}

// store caches value unless an invalidation ran since epoch was read.
func (r *Repository) store(key string, value any, epoch uint64) {
	r.fill.RLock()
	defer r.fill.RUnlock()
	if r.epoch != epoch {
		return
	}
	r.cache.Set(key, value, 0)
}

// cached answers op from the cache or loads it with load.
func cached[T any](ctx context.Context, r *Repository, op Operation, params map[string]string, load func(context.Context) (T, error)) (T, error) {
	var zero T
	start := time.Now()
	key := Key(r.id, op, params)

	ctx, span := telemetry.StartQuery(ctx, r.tracer, r.id, string(op))
	defer span.End()

	if v, ok := r.cache.Get(key); ok {
		t, err := decode[T](v)
		if err == nil {
			r.finish(span, op, OutcomeHit, start)
			return copyResult(t), nil
		}
		r.logger.Warn("discarding undecodable cache entry",
			zap.String("key", key), zap.Error(err))
		r.cache.Delete(key)
	}

	v, err, _ := r.group.Do(key, func() (any, error) {
		epoch := r.currentEpoch()
		val, err := load(ctx)
		if err != nil {
			return nil, err
		}
		r.store(key, copyResult(val), epoch)
		return val, nil
	})
	if err != nil {
		telemetry.RecordError(span, err)
		r.finish(span, op, OutcomeError, start)
		return zero, err
	}

	t, ok := v.(T)
	if !ok {
		return zero, platformerrors.Newf(platformerrors.CodeInternal, "unexpected %T for %s", v, op)
	}
	r.finish(span, op, OutcomeMiss, start)
	// Callers coalesced on one load share val.
	return copyResult(t), nil
}

func (r *Repository) finish(span trace.Span, op Operation, outcome string, start time.Time) {
	latency := time.Since(start)
	telemetry.RecordOutcome(span, outcome, latency)
	r.recorder.RecordQuery(string(op), outcome, latency)
}

// decode converts a cached value to T. Values reloaded from disk arrive as
// generic JSON and are converted by a JSON round trip.
func decode[T any](v any) (T, error) {
	if t, ok := v.(T); ok {
		return t, nil
	}
	var t T
	data, err := json.Marshal(v)
	if err != nil {
		return t, fmt.Errorf("encode cached value: %w", err)
	}
	if err := json.Unmarshal(data, &t); err != nil {
		return t, fmt.Errorf("decode cached value: %w", err)
	}
	return t, nil
}
