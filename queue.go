package syncq

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"sync"
	"time"

	"github.com/UniQw/syncq/internal/backoff"
	"github.com/UniQw/syncq/internal/fingerprint"
	ikeys "github.com/UniQw/syncq/internal/keys"
	"github.com/UniQw/syncq/internal/lock"
	"github.com/google/uuid"
)

// Queue records mutations while offline and replays them with Flush.
//
// All reads and writes go through a single snapshot. Writes within the process
// are serialized by a mutex; flush passes and maintenance calls additionally
// take the advisory lock stored next to the snapshot.
type Queue struct {
	store    *itemStore
	lock     *lock.Manager
	mu       sync.Mutex
	log      Logger
	now      func() time.Time
	rnd      backoff.Source
	projects *ProjectCache
	keys     ikeys.Namespace

	lockStale time.Duration
}

// NewQueue creates a queue persisted in b.
func NewQueue(b Backend, opts ...QueueOption) *Queue {
	cfg := &queueOptions{
		lockStale: lock.DefaultStale,
	}
	for _, opt := range opts {
		opt(cfg)
	}
	if cfg.logger == nil {
		cfg.logger = NoopLogger{}
	}
	if cfg.encoder == nil {
		cfg.encoder = &JSONEncoder{}
	}
	if cfg.now == nil {
		cfg.now = time.Now
	}
	if cfg.rand == nil {
		cfg.rand = rand.New(rand.NewSource(time.Now().UnixNano()))
	}
	k := ikeys.For(cfg.namespace)
	return &Queue{
		store: &itemStore{kv: b, key: k.Items, corruptKey: k.Corrupt, enc: cfg.encoder, log: cfg.logger},
		lock: lock.New(b, k.Lock,
			lock.WithClock(cfg.now),
			lock.WithStale(cfg.lockStale),
		),
		log:      cfg.logger,
		now:      cfg.now,
		rnd:      cfg.rand,
		projects: cfg.projects,
		keys:     k,

		lockStale: cfg.lockStale,
	}
}

// Enqueue records a mutation for targetID. If an identical mutation (same kind,
// canonical target and fingerprint) is still PENDING or ERROR, that item is
// returned unchanged and nothing is inserted.
//
// Enqueue does not wait for the advisory lock: a user action must be recordable
// while a background flush is running.
func (q *Queue) Enqueue(ctx context.Context, targetID string, p Payload) (Item, error) {
	if p == nil {
		return Item{}, ErrInvalidPayload
	}
	kind := p.Kind()
	if _, err := ParseKind(string(kind)); err != nil {
		return Item{}, err
	}
	target := q.CanonicalTarget(ctx, targetID)
	fp := fingerprint.Compute(string(kind), target, p)

	var out Item
	created := false
	err := q.mutate(ctx, func(items []Item) ([]Item, error) {
		for _, it := range items {
			if it.Kind == kind && it.TargetID == target && it.Fingerprint == fp && !it.Status.Terminal() {
				out = it
				return nil, errUnchanged
			}
		}
		out = Item{
			ID:          uuid.NewString(),
			CreatedAt:   q.now().UnixMilli(),
			TargetID:    target,
			Kind:        kind,
			Status:      StatusPending,
			Fingerprint: fp,
			Payload:     p,
		}
		created = true
		// newest first; flush order is re-derived from CreatedAt
		return append([]Item{out}, items...), nil
	})
	if err != nil {
		return Item{}, err
	}
	if created {
		q.log.Debugf("enqueue: id=%s kind=%s target=%s fp=%s", out.ID, out.Kind, out.TargetID, out.Fingerprint)
	} else {
		q.log.Debugf("enqueue: duplicate of id=%s kind=%s target=%s", out.ID, out.Kind, out.TargetID)
	}
	return out, nil
}

// List returns items in storage order (newest first). It never fails: an
// unreadable snapshot yields an empty list.
func (q *Queue) List(ctx context.Context, filter ItemFilter) []Item {
	items := q.store.list(ctx)
	if filter == nil {
		return items
	}
	out := make([]Item, 0, len(items))
	for i := range items {
		if filter(&items[i]) {
			out = append(out, items[i])
		}
	}
	return out
}

// Get returns the item with the given id.
func (q *Queue) Get(ctx context.Context, id string) (Item, error) {
	items, err := q.store.load(ctx)
	if err != nil {
		return Item{}, err
	}
	for _, it := range items {
		if it.ID == id {
			return it, nil
		}
	}
	return Item{}, ErrItemNotFound
}

// Retry moves an item back to PENDING with a fresh attempt budget.
// DONE items cannot be retried.
func (q *Queue) Retry(ctx context.Context, id string) error {
	return q.withLock(ctx, func() error {
		return q.mutate(ctx, func(items []Item) ([]Item, error) {
			for i := range items {
				if items[i].ID != id {
					continue
				}
				if items[i].Status.Terminal() {
					return nil, ErrTerminalItem
				}
				resetForRetry(&items[i])
				return items, nil
			}
			return nil, ErrItemNotFound
		})
	})
}

// RetryAll resets every ERROR item for retry and returns how many were reset.
func (q *Queue) RetryAll(ctx context.Context) (int, error) {
	count := 0
	err := q.withLock(ctx, func() error {
		return q.mutate(ctx, func(items []Item) ([]Item, error) {
			for i := range items {
				if items[i].Status == StatusError {
					resetForRetry(&items[i])
					count++
				}
			}
			if count == 0 {
				return nil, errUnchanged
			}
			return items, nil
		})
	})
	if err != nil {
		return 0, err
	}
	if count > 0 {
		q.log.Infof("retry: reset %d failed items", count)
	}
	return count, nil
}

func resetForRetry(it *Item) {
	it.Status = StatusPending
	it.Attempts = 0
	it.NextEligibleAt = 0
	it.LastError = ""
}

// Delete removes one item regardless of its status.
func (q *Queue) Delete(ctx context.Context, id string) error {
	return q.withLock(ctx, func() error {
		return q.mutate(ctx, func(items []Item) ([]Item, error) {
			for i := range items {
				if items[i].ID == id {
					return append(items[:i:i], items[i+1:]...), nil
				}
			}
			return nil, ErrItemNotFound
		})
	})
}

// Purge removes every item in one of the given statuses (DONE when none given)
// and returns how many were removed.
func (q *Queue) Purge(ctx context.Context, statuses ...Status) (int, error) {
	if len(statuses) == 0 {
		statuses = []Status{StatusDone}
	}
	drop := make(map[Status]struct{}, len(statuses))
	for _, s := range statuses {
		if _, err := ParseStatus(string(s)); err != nil {
			return 0, err
		}
		drop[s] = struct{}{}
	}
	removed := 0
	err := q.withLock(ctx, func() error {
		return q.mutate(ctx, func(items []Item) ([]Item, error) {
			kept := make([]Item, 0, len(items))
			for _, it := range items {
				if _, ok := drop[it.Status]; ok {
					removed++
					continue
				}
				kept = append(kept, it)
			}
			if removed == 0 {
				return nil, errUnchanged
			}
			return kept, nil
		})
	})
	if err != nil {
		return 0, err
	}
	return removed, nil
}

// Stats summarizes the queue for status displays.
type Stats struct {
	Total   int `json:"total" yaml:"total"`
	Pending int `json:"pending" yaml:"pending"`
	Errored int `json:"errored" yaml:"errored"`
	Done    int `json:"done" yaml:"done"`
	// NextEligibleAt is the earliest scheduled retry (ms) among unfinished items, 0 if none.
	NextEligibleAt int64 `json:"next_eligible_at,omitempty" yaml:"next_eligible_at,omitempty"`
	// Locked is true while a flush (or a stale lock left by a crashed one) holds the queue.
	Locked bool `json:"locked" yaml:"locked"`
}

// Stats returns counts per status, the earliest retry time and the lock state.
func (q *Queue) Stats(ctx context.Context) (Stats, error) {
	items, err := q.store.load(ctx)
	if err != nil {
		return Stats{}, err
	}
	var st Stats
	for _, it := range items {
		st.Total++
		switch it.Status {
		case StatusPending:
			st.Pending++
		case StatusError:
			st.Errored++
		case StatusDone:
			st.Done++
		}
		if !it.Status.Terminal() && it.NextEligibleAt > 0 {
			if st.NextEligibleAt == 0 || it.NextEligibleAt < st.NextEligibleAt {
				st.NextEligibleAt = it.NextEligibleAt
			}
		}
	}
	locked, err := q.lock.IsLocked(ctx)
	if err != nil {
		return Stats{}, err
	}
	st.Locked = locked
	return st, nil
}

// IsLocked reports whether a fresh flush lock exists.
func (q *Queue) IsLocked(ctx context.Context) (bool, error) {
	return q.lock.IsLocked(ctx)
}

// LockState describes the advisory lock record.
type LockState struct {
	Locked bool   `json:"locked" yaml:"locked"`
	Holder string `json:"holder,omitempty" yaml:"holder,omitempty"`
	// AcquiredAt is the unix ms timestamp of the record, 0 when there is none.
	AcquiredAt int64 `json:"acquired_at,omitempty" yaml:"acquired_at,omitempty"`
	// Stale is true for a record old enough to be taken over.
	Stale bool `json:"stale" yaml:"stale"`
}

// LockState returns the current lock record.
func (q *Queue) LockState(ctx context.Context) (LockState, error) {
	rec, err := q.lock.Current(ctx)
	if err != nil {
		return LockState{}, err
	}
	if rec == nil {
		return LockState{}, nil
	}
	fresh := lock.Fresh(rec.AtMs, q.now().UnixMilli(), q.lockStale.Milliseconds())
	return LockState{Locked: fresh, Holder: rec.Holder, AcquiredAt: rec.AtMs, Stale: !fresh}, nil
}

// ForceUnlock deletes the lock record regardless of its holder. A pass still
// running elsewhere keeps going; use only after a crash.
func (q *Queue) ForceUnlock(ctx context.Context) error {
	if err := q.lock.Clear(ctx); err != nil {
		return err
	}
	q.log.Warnf("lock: force-cleared key=%s", q.keys.Lock)
	return nil
}

// mutate runs one read-compute-write cycle under the process mutex. fn may
// return errUnchanged to skip the write.
func (q *Queue) mutate(ctx context.Context, fn func([]Item) ([]Item, error)) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	snap, err := q.store.read(ctx)
	if err != nil {
		return err
	}
	out, err := fn(snap.items)
	if errors.Is(err, errUnchanged) {
		return nil
	}
	if err != nil {
		return err
	}
	snap.items = out
	return q.store.write(ctx, snap)
}

// update applies fn to the item with the given id and persists the snapshot.
func (q *Queue) update(ctx context.Context, id string, fn func(*Item)) (Item, error) {
	var out Item
	err := q.mutate(ctx, func(items []Item) ([]Item, error) {
		for i := range items {
			if items[i].ID == id {
				fn(&items[i])
				out = items[i]
				return items, nil
			}
		}
		return nil, ErrItemNotFound
	})
	return out, err
}

// withLock runs fn while holding the advisory lock.
func (q *Queue) withLock(ctx context.Context, fn func() error) error {
	holder, err := q.lock.Acquire(ctx)
	if err != nil {
		if errors.Is(err, ErrLockHeld) {
			return err
		}
		return fmt.Errorf("syncq: acquire lock: %w", err)
	}
	defer q.release(ctx, holder)
	return fn()
}

func (q *Queue) release(ctx context.Context, holder string) {
	if err := q.lock.Release(context.WithoutCancel(ctx), holder); err != nil {
		q.log.Warnf("lock: release failed key=%s err=%v", q.keys.Lock, err)
	}
}
