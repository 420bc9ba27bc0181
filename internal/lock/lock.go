// Package lock implements the advisory flush lock stored next to the queue snapshot.
//
// The lock is a single record "<unix-ms>:<holder>" under a fixed key. A record
// older than the staleness window is treated as abandoned so that a crashed
// holder cannot block progress forever. The lock is advisory and intended for a
// single writer process.
package lock

import (
	"context"
	"errors"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
)

// DefaultStale is the age after which a lock record no longer blocks Acquire.
const DefaultStale = 60 * time.Second

// ErrHeld is returned by Acquire while a fresh lock record exists.
var ErrHeld = errors.New("syncq: lock held")

// KV is the minimal storage needed by the manager. Get returns nil, nil for a missing key.
type KV interface {
	Get(ctx context.Context, key string) ([]byte, error)
	Set(ctx context.Context, key string, val []byte) error
	Del(ctx context.Context, key string) error
}

// Atomic is implemented by backends that can compare-and-set the lock record in
// one step. When available the manager delegates to it instead of read-check-write.
type Atomic interface {
	AcquireLock(ctx context.Context, key, holder string, nowMs, staleMs int64) (bool, error)
	ReleaseLock(ctx context.Context, key, holder string) (bool, error)
}

// Record is a decoded lock record.
type Record struct {
	AtMs   int64
	Holder string
}

// Encode renders a lock record.
func Encode(r Record) []byte {
	return []byte(strconv.FormatInt(r.AtMs, 10) + ":" + r.Holder)
}

// Decode parses a lock record. ok is false for empty or malformed input.
func Decode(b []byte) (Record, bool) {
	s := string(b)
	i := strings.IndexByte(s, ':')
	if i <= 0 || i == len(s)-1 {
		return Record{}, false
	}
	at, err := strconv.ParseInt(s[:i], 10, 64)
	if err != nil {
		return Record{}, false
	}
	return Record{AtMs: at, Holder: s[i+1:]}, true
}

// Fresh reports whether a record taken at atMs still blocks at nowMs.
func Fresh(atMs, nowMs, staleMs int64) bool {
	return nowMs-atMs < staleMs
}

// Manager acquires and releases the lock record under Key.
type Manager struct {
	kv    KV
	key   string
	stale time.Duration
	now   func() time.Time
	newID func() string
}

// Option configures a Manager.
type Option func(*Manager)

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(m *Manager) { m.now = now }
}

// WithStale overrides the staleness window.
func WithStale(d time.Duration) Option {
	return func(m *Manager) { m.stale = d }
}

// WithIDs overrides holder id generation.
func WithIDs(fn func() string) Option {
	return func(m *Manager) { m.newID = fn }
}

// New creates a manager for the record stored at key.
func New(kv KV, key string, opts ...Option) *Manager {
	m := &Manager{
		kv:    kv,
		key:   key,
		stale: DefaultStale,
		now:   time.Now,
		newID: uuid.NewString,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Key returns the storage key of the lock record.
func (m *Manager) Key() string { return m.key }

// Acquire takes the lock and returns the new holder id, or ErrHeld.
func (m *Manager) Acquire(ctx context.Context) (string, error) {
	holder := m.newID()
	nowMs := m.now().UnixMilli()

	if a, ok := m.kv.(Atomic); ok {
		got, err := a.AcquireLock(ctx, m.key, holder, nowMs, m.stale.Milliseconds())
		if err != nil {
			return "", err
		}
		if !got {
			return "", ErrHeld
		}
		return holder, nil
	}

	cur, err := m.read(ctx)
	if err != nil {
		return "", err
	}
	if cur != nil && Fresh(cur.AtMs, nowMs, m.stale.Milliseconds()) {
		return "", ErrHeld
	}
	if err := m.kv.Set(ctx, m.key, Encode(Record{AtMs: nowMs, Holder: holder})); err != nil {
		return "", err
	}
	return holder, nil
}

// Release clears the lock only if holder still owns it. Releasing a lock that
// was taken over by someone else is a silent no-op.
func (m *Manager) Release(ctx context.Context, holder string) error {
	if a, ok := m.kv.(Atomic); ok {
		_, err := a.ReleaseLock(ctx, m.key, holder)
		return err
	}
	cur, err := m.read(ctx)
	if err != nil {
		return err
	}
	if cur == nil || cur.Holder != holder {
		return nil
	}
	return m.kv.Del(ctx, m.key)
}

// IsLocked reports whether a fresh lock record exists.
func (m *Manager) IsLocked(ctx context.Context) (bool, error) {
	cur, err := m.read(ctx)
	if err != nil {
		return false, err
	}
	if cur == nil {
		return false, nil
	}
	return Fresh(cur.AtMs, m.now().UnixMilli(), m.stale.Milliseconds()), nil
}

// Clear removes the record whoever holds it. Only for operators recovering by hand.
func (m *Manager) Clear(ctx context.Context) error {
	return m.kv.Del(ctx, m.key)
}

// Current returns the stored record, or nil when absent or unreadable.
func (m *Manager) Current(ctx context.Context) (*Record, error) {
	return m.read(ctx)
}

func (m *Manager) read(ctx context.Context) (*Record, error) {
	b, err := m.kv.Get(ctx, m.key)
	if err != nil {
		return nil, err
	}
	if len(b) == 0 {
		return nil, nil
	}
	r, ok := Decode(b)
	if !ok {
		return nil, nil
	}
	return &r, nil
}
