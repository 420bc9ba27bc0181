package syncq

import (
	"time"

	"github.com/UniQw/syncq/internal/backoff"
)

type queueOptions struct {
	namespace string
	logger    Logger
	encoder   Encoder
	now       func() time.Time
	rand      backoff.Source
	projects  *ProjectCache
	lockStale time.Duration
}

// QueueOption configures a Queue at construction time.
type QueueOption func(*queueOptions)

// WithNamespace isolates the snapshot and lock keys, e.g. per signed-in user.
func WithNamespace(ns string) QueueOption {
	return func(o *queueOptions) {
		o.namespace = ns
	}
}

// WithLogger sets the logger. Default is NoopLogger.
func WithLogger(l Logger) QueueOption {
	return func(o *queueOptions) {
		o.logger = l
	}
}

// WithEncoder overrides the snapshot encoder. Default is JSONEncoder.
func WithEncoder(e Encoder) QueueOption {
	return func(o *queueOptions) {
		o.encoder = e
	}
}

// WithClock overrides the time source used for timestamps, eligibility and lock age.
func WithClock(now func() time.Time) QueueOption {
	return func(o *queueOptions) {
		o.now = now
	}
}

// WithRand overrides the jitter source of the retry scheduler.
func WithRand(src interface{ Float64() float64 }) QueueOption {
	return func(o *queueOptions) {
		o.rand = src
	}
}

// WithProjectCache resolves opaque internal project ids to canonical project keys.
func WithProjectCache(c *ProjectCache) QueueOption {
	return func(o *queueOptions) {
		o.projects = c
	}
}

// WithLockStale overrides the age after which a lock record is considered abandoned.
func WithLockStale(d time.Duration) QueueOption {
	return func(o *queueOptions) {
		o.lockStale = d
	}
}

const (
	// DefaultMaxItems bounds the attempted items per flush pass.
	DefaultMaxItems = 20
	// DefaultMaxAttempts freezes an item in ERROR once reached.
	DefaultMaxAttempts = 8
)

type flushOptions struct {
	maxItems      int
	stopOnError   bool
	maxAttempts   int
	includeErrors bool
	fifo          bool
	timeout       time.Duration
}

func newFlushOptions(opts []FlushOption) flushOptions {
	o := flushOptions{
		maxItems:      DefaultMaxItems,
		maxAttempts:   DefaultMaxAttempts,
		includeErrors: true,
		fifo:          true,
	}
	for _, opt := range opts {
		opt(&o)
	}
	return o
}

// FlushOption configures a single flush pass.
type FlushOption func(*flushOptions)

// MaxItems bounds how many items are attempted (not skipped) in one pass.
func MaxItems(n int) FlushOption {
	return func(o *flushOptions) {
		o.maxItems = n
	}
}

// StopOnError ends the pass after the first rejected item.
func StopOnError(v bool) FlushOption {
	return func(o *flushOptions) {
		o.stopOnError = v
	}
}

// MaxAttempts sets the attempt count at which an item is frozen in ERROR.
func MaxAttempts(n int) FlushOption {
	return func(o *flushOptions) {
		o.maxAttempts = n
	}
}

// IncludeErrors lets ERROR items whose backoff has elapsed be retried. Default true.
func IncludeErrors(v bool) FlushOption {
	return func(o *flushOptions) {
		o.includeErrors = v
	}
}

// FIFO processes items by creation time (default). When false, storage order is used.
func FIFO(v bool) FlushOption {
	return func(o *flushOptions) {
		o.fifo = v
	}
}

// ExecTimeout bounds each executor call. A timeout counts as a connectivity failure.
func ExecTimeout(d time.Duration) FlushOption {
	return func(o *flushOptions) {
		o.timeout = d
	}
}
