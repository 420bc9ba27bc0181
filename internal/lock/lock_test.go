package lock

import (
	"context"
	"errors"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

type mapKV struct {
	mu     sync.Mutex
	m      map[string][]byte
	getErr error
}

func newMapKV() *mapKV { return &mapKV{m: map[string][]byte{}} }

func (k *mapKV) Get(_ context.Context, key string) ([]byte, error) {
	k.mu.Lock()
	defer k.mu.Unlock()
	if k.getErr != nil {
		return nil, k.getErr
	}
	return k.m[key], nil
}

func (k *mapKV) Set(_ context.Context, key string, val []byte) error {
	k.mu.Lock()
	defer k.mu.Unlock()
	k.m[key] = val
	return nil
}

func (k *mapKV) Del(_ context.Context, key string) error {
	k.mu.Lock()
	defer k.mu.Unlock()
	delete(k.m, key)
	return nil
}

type fakeClock struct{ t time.Time }

func (c *fakeClock) Now() time.Time          { return c.t }
func (c *fakeClock) Advance(d time.Duration) { c.t = c.t.Add(d) }

func seqIDs() func() string {
	n := 0
	return func() string {
		n++
		return "h" + strconv.Itoa(n)
	}
}

func TestRecord_EncodeDecode(t *testing.T) {
	b := Encode(Record{AtMs: 1700, Holder: "abc-1"})
	require.Equal(t, "1700:abc-1", string(b))
	r, ok := Decode(b)
	require.True(t, ok)
	require.Equal(t, Record{AtMs: 1700, Holder: "abc-1"}, r)

	for _, bad := range []string{"", ":x", "12:", "abc:x", "nocolon"} {
		_, ok := Decode([]byte(bad))
		require.False(t, ok, "input %q", bad)
	}
}

func TestManager_AcquireReleaseCycle(t *testing.T) {
	ctx := context.Background()
	kv := newMapKV()
	clk := &fakeClock{t: time.UnixMilli(1_700_000_000_000)}
	m := New(kv, "syncq:{t}:lock", WithClock(clk.Now), WithIDs(seqIDs()))

	locked, err := m.IsLocked(ctx)
	require.NoError(t, err)
	require.False(t, locked)

	h1, err := m.Acquire(ctx)
	require.NoError(t, err)
	require.Equal(t, "h1", h1)

	locked, _ = m.IsLocked(ctx)
	require.True(t, locked)

	_, err = m.Acquire(ctx)
	require.ErrorIs(t, err, ErrHeld)

	require.NoError(t, m.Release(ctx, h1))
	locked, _ = m.IsLocked(ctx)
	require.False(t, locked)

	h3, err := m.Acquire(ctx)
	require.NoError(t, err)
	require.NotEqual(t, h1, h3)
}

func TestManager_StaleLockIsTakenOver(t *testing.T) {
	ctx := context.Background()
	kv := newMapKV()
	clk := &fakeClock{t: time.UnixMilli(1_700_000_000_000)}
	m := New(kv, "k", WithClock(clk.Now), WithIDs(seqIDs()))

	old, err := m.Acquire(ctx)
	require.NoError(t, err)

	clk.Advance(59 * time.Second)
	_, err = m.Acquire(ctx)
	require.ErrorIs(t, err, ErrHeld)

	clk.Advance(2 * time.Second)
	locked, _ := m.IsLocked(ctx)
	require.False(t, locked, "record older than the window must not count")

	fresh, err := m.Acquire(ctx)
	require.NoError(t, err)

	// the crashed holder's late release must not clobber the new lock
	require.NoError(t, m.Release(ctx, old))
	cur, err := m.Current(ctx)
	require.NoError(t, err)
	require.NotNil(t, cur)
	require.Equal(t, fresh, cur.Holder)
}

func TestManager_CorruptRecordCountsAsFree(t *testing.T) {
	ctx := context.Background()
	kv := newMapKV()
	require.NoError(t, kv.Set(ctx, "k", []byte("garbage")))
	m := New(kv, "k")
	locked, err := m.IsLocked(ctx)
	require.NoError(t, err)
	require.False(t, locked)
	_, err = m.Acquire(ctx)
	require.NoError(t, err)
}

func TestManager_BackendErrorPropagates(t *testing.T) {
	kv := newMapKV()
	kv.getErr = errors.New("dial tcp: connection refused")
	m := New(kv, "k")
	_, err := m.Acquire(context.Background())
	require.Error(t, err)
	require.NotErrorIs(t, err, ErrHeld)
}

type atomicKV struct {
	*mapKV
	acquired, released int
}

func (a *atomicKV) AcquireLock(ctx context.Context, key, holder string, nowMs, staleMs int64) (bool, error) {
	a.acquired++
	cur, _ := a.Get(ctx, key)
	if r, ok := Decode(cur); ok && Fresh(r.AtMs, nowMs, staleMs) {
		return false, nil
	}
	return true, a.Set(ctx, key, Encode(Record{AtMs: nowMs, Holder: holder}))
}

func (a *atomicKV) ReleaseLock(ctx context.Context, key, holder string) (bool, error) {
	a.released++
	cur, _ := a.Get(ctx, key)
	if r, ok := Decode(cur); ok && r.Holder == holder {
		return true, a.Del(ctx, key)
	}
	return false, nil
}

func TestManager_PrefersAtomicBackend(t *testing.T) {
	ctx := context.Background()
	kv := &atomicKV{mapKV: newMapKV()}
	m := New(kv, "k")

	h, err := m.Acquire(ctx)
	require.NoError(t, err)
	_, err = m.Acquire(ctx)
	require.ErrorIs(t, err, ErrHeld)
	require.NoError(t, m.Release(ctx, h))
	require.Equal(t, 2, kv.acquired)
	require.Equal(t, 1, kv.released)
}

func TestManager_ClearIgnoresHolder(t *testing.T) {
	kv := newMapKV()
	clk := &fakeClock{t: time.UnixMilli(1_000_000)}
	m := New(kv, "k", WithClock(clk.Now), WithIDs(seqIDs()))
	ctx := context.Background()

	_, err := m.Acquire(ctx)
	require.NoError(t, err)
	require.NoError(t, m.Clear(ctx))

	locked, err := m.IsLocked(ctx)
	require.NoError(t, err)
	require.False(t, locked)
	rec, err := m.Current(ctx)
	require.NoError(t, err)
	require.Nil(t, rec)
}
