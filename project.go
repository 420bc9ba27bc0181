package syncq

import (
	"context"
	"encoding/hex"
	"strings"
	"sync"

	"github.com/UniQw/syncq/internal/fingerprint"
	"github.com/google/uuid"
)

// UnknownTarget replaces target ids that cannot be mapped to a project key.
const UnknownTarget = "UNKNOWN"

// objectIDLen is the hex length of a 12-byte document database id.
const objectIDLen = 24

// ProjectLookup loads the mapping from internal project ids to canonical project keys.
type ProjectLookup func(ctx context.Context) (map[string]string, error)

// ProjectCache maps internal project ids to project keys. It loads lazily on
// first use and only reloads on Refresh.
type ProjectCache struct {
	lookup ProjectLookup
	log    Logger

	mu     sync.RWMutex
	keys   map[string]string
	loaded bool
}

// NewProjectCache creates a cache backed by lookup. A nil logger disables logging.
func NewProjectCache(lookup ProjectLookup, log Logger) *ProjectCache {
	if log == nil {
		log = NoopLogger{}
	}
	return &ProjectCache{lookup: lookup, log: log}
}

// Resolve returns the project key for an internal id.
func (c *ProjectCache) Resolve(ctx context.Context, id string) (string, bool) {
	c.mu.RLock()
	loaded := c.loaded
	key, ok := c.keys[id]
	c.mu.RUnlock()
	if loaded {
		return key, ok
	}
	if err := c.Refresh(ctx); err != nil {
		c.log.Warnf("projects: lookup failed err=%v", err)
		return "", false
	}
	c.mu.RLock()
	defer c.mu.RUnlock()
	key, ok = c.keys[id]
	return key, ok
}

// Refresh reloads the mapping. On failure the previous mapping is kept and the
// next Resolve tries again.
func (c *ProjectCache) Refresh(ctx context.Context) error {
	if c.lookup == nil {
		c.mu.Lock()
		c.loaded = true
		c.mu.Unlock()
		return nil
	}
	m, err := c.lookup(ctx)
	if err != nil {
		return err
	}
	keys := make(map[string]string, len(m))
	for id, key := range m {
		if key = strings.TrimSpace(key); key != "" {
			keys[id] = key
		}
	}
	c.mu.Lock()
	c.keys = keys
	c.loaded = true
	c.mu.Unlock()
	return nil
}

// LooksOpaque reports whether id is an internal identifier (uuid or 24-char
// hex object id) rather than an external project code.
func LooksOpaque(id string) bool {
	if uuid.Validate(id) == nil {
		return true
	}
	if len(id) == objectIDLen {
		_, err := hex.DecodeString(id)
		return err == nil
	}
	return false
}

// CanonicalTarget normalizes id into a project key. Project codes pass through;
// internal ids are resolved through the project cache or become UnknownTarget.
func (q *Queue) CanonicalTarget(ctx context.Context, id string) string {
	id = strings.TrimSpace(id)
	if id == "" {
		return UnknownTarget
	}
	if !LooksOpaque(id) {
		return id
	}
	if q.projects != nil {
		if key, ok := q.projects.Resolve(ctx, id); ok && !LooksOpaque(key) {
			return key
		}
	}
	return UnknownTarget
}

// FlushForProject runs a flush pass restricted to targetID. Items of other
// projects are left untouched, do not consume the MaxItems budget and are
// counted as skipped.
func (q *Queue) FlushForProject(ctx context.Context, targetID string, exec Executor, opts ...FlushOption) (FlushResult, error) {
	target := q.CanonicalTarget(ctx, targetID)
	return q.flush(ctx, exec, func(it *Item) bool { return it.TargetID == target }, opts)
}

// MigrateTargets rewrites stored target ids into canonical project keys and
// recomputes the affected fingerprints. It returns the number of rewritten items.
// Items that become duplicates of each other are kept and logged.
func (q *Queue) MigrateTargets(ctx context.Context) (int, error) {
	items, err := q.store.load(ctx)
	if err != nil {
		return 0, err
	}
	// resolve outside the mutex, the project lookup may be slow
	resolved := make(map[string]string)
	for _, it := range items {
		if _, ok := resolved[it.TargetID]; !ok {
			resolved[it.TargetID] = q.CanonicalTarget(ctx, it.TargetID)
		}
	}

	changed := 0
	err = q.withLock(ctx, func() error {
		return q.mutate(ctx, func(items []Item) ([]Item, error) {
			for i := range items {
				it := &items[i]
				target, ok := resolved[it.TargetID]
				if !ok {
					target = q.CanonicalTarget(ctx, it.TargetID)
				}
				if target == it.TargetID {
					continue
				}
				q.log.Debugf("migrate: id=%s target %s -> %s", it.ID, it.TargetID, target)
				it.TargetID = target
				it.Fingerprint = fingerprint.Compute(string(it.Kind), target, it.Payload)
				changed++
			}
			if changed == 0 {
				return nil, errUnchanged
			}
			q.warnDuplicates(items)
			return items, nil
		})
	})
	if err != nil {
		return 0, err
	}
	if changed > 0 {
		q.log.Infof("migrate: rewrote %d target ids", changed)
	}
	return changed, nil
}

func (q *Queue) warnDuplicates(items []Item) {
	seen := make(map[string]string, len(items))
	for _, it := range items {
		if it.Status.Terminal() {
			continue
		}
		k := string(it.Kind) + "|" + it.TargetID + "|" + it.Fingerprint
		if first, ok := seen[k]; ok {
			q.log.Warnf("migrate: duplicate id=%s of id=%s target=%s", it.ID, first, it.TargetID)
			continue
		}
		seen[k] = it.ID
	}
}
