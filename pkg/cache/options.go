package cache

import (
	"time"

	"github.com/go-git/go-billy/v5"
	"go.uber.org/zap"
)

// Option configures a Manager or SimpleCache.
type Option func(*options)

type options struct {
	logger *zap.Logger
	now    func() time.Time
	fs     billy.Filesystem
	sizer  SizeEstimator
}

// WithLogger sets the logger used for warnings and maintenance reports.
func WithLogger(logger *zap.Logger) Option {
	return func(o *options) {
		if logger != nil {
			o.logger = logger
		}
	}
}

// WithClock replaces time.Now. Tests use it to drive TTL expiry.
func WithClock(now func() time.Time) Option {
	return func(o *options) {
		if now != nil {
			o.now = now
		}
	}
}

// WithFilesystem sets the filesystem backing the disk-spill tier.
// When unset, an OS filesystem rooted at Config.DiskCacheDir is used.
func WithFilesystem(fs billy.Filesystem) Option {
	return func(o *options) {
		o.fs = fs
	}
}

// WithSizeEstimator replaces the default approximate size estimator.
func WithSizeEstimator(s SizeEstimator) Option {
	return func(o *options) {
		if s != nil {
			o.sizer = s
		}
	}
}

func applyOptions(opts ...Option) *options {
	o := &options{
		logger: zap.NewNop(),
		now:    time.Now,
		sizer:  ApproxSizer{},
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}
