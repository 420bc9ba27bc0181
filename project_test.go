package syncq

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/UniQw/syncq/internal/fingerprint"
	"github.com/stretchr/testify/require"
)

const (
	oidA  = "507f1f77bcf86cd799439011"
	uuidB = "6b1f0c0e-8d5a-4a53-9a51-3f1c7a1d2b10"
)

func TestLooksOpaque(t *testing.T) {
	require.True(t, LooksOpaque(uuidB))
	require.True(t, LooksOpaque(oidA))
	require.True(t, LooksOpaque("507F1F77BCF86CD799439011"))
	require.False(t, LooksOpaque("PRJ-2024-001"))
	require.False(t, LooksOpaque("zzzf1f77bcf86cd799439011"))
	require.False(t, LooksOpaque(""))
}

func TestProjectCache_LazyAndRefresh(t *testing.T) {
	calls := 0
	mapping := map[string]string{oidA: "PRJ-A"}
	c := NewProjectCache(func(context.Context) (map[string]string, error) {
		calls++
		return mapping, nil
	}, nil)
	ctx := context.Background()
	require.Zero(t, calls)

	key, ok := c.Resolve(ctx, oidA)
	require.True(t, ok)
	require.Equal(t, "PRJ-A", key)
	_, ok = c.Resolve(ctx, uuidB)
	require.False(t, ok)
	require.Equal(t, 1, calls)

	mapping = map[string]string{oidA: "PRJ-A", uuidB: "PRJ-B"}
	_, ok = c.Resolve(ctx, uuidB)
	require.False(t, ok)
	require.NoError(t, c.Refresh(ctx))
	key, ok = c.Resolve(ctx, uuidB)
	require.True(t, ok)
	require.Equal(t, "PRJ-B", key)
	require.Equal(t, 2, calls)
}

func TestProjectCache_LookupErrorRetried(t *testing.T) {
	fail := true
	c := NewProjectCache(func(context.Context) (map[string]string, error) {
		if fail {
			return nil, errors.New("offline")
		}
		return map[string]string{oidA: "PRJ-A"}, nil
	}, nil)
	ctx := context.Background()
	_, ok := c.Resolve(ctx, oidA)
	require.False(t, ok)

	fail = false
	key, ok := c.Resolve(ctx, oidA)
	require.True(t, ok)
	require.Equal(t, "PRJ-A", key)
}

func TestCanonicalTarget(t *testing.T) {
	q := newTestQueue(t)
	ctx := context.Background()
	require.Equal(t, "PRJ-1", q.CanonicalTarget(ctx, " PRJ-1 "))
	require.Equal(t, UnknownTarget, q.CanonicalTarget(ctx, oidA))
	require.Equal(t, UnknownTarget, q.CanonicalTarget(ctx, ""))
}

func TestFlushForProject_SkipsOtherProjects(t *testing.T) {
	q := newTestQueue(t)
	ctx := context.Background()
	b1, err := q.Enqueue(ctx, "PRJ-B", report("b1"))
	require.NoError(t, err)
	q.clk.Advance(time.Millisecond)
	a1, err := q.Enqueue(ctx, "PRJ-A", report("a1"))
	require.NoError(t, err)
	q.clk.Advance(time.Millisecond)
	b2, err := q.Enqueue(ctx, "PRJ-B", report("b2"))
	require.NoError(t, err)

	rec := &recorder{}
	res, err := q.FlushForProject(ctx, "PRJ-A", rec.exec(nil), MaxItems(1))
	require.NoError(t, err)
	require.Equal(t, FlushResult{Processed: 1, Done: 1, Skipped: 1}, res)
	require.Equal(t, []string{a1.ID}, rec.calls())

	for _, id := range []string{b1.ID, b2.ID} {
		got := mustGet(t, q, id)
		require.Equal(t, StatusPending, got.Status)
		require.Equal(t, 0, got.Attempts)
		require.Zero(t, got.LastAttemptAt)
	}
	require.Equal(t, StatusDone, mustGet(t, q, a1.ID).Status)

	res, err = q.FlushForProject(ctx, "PRJ-B", rec.exec(nil))
	require.NoError(t, err)
	require.Equal(t, FlushResult{Processed: 2, Done: 2}, res)
}

func TestMigrateTargets(t *testing.T) {
	cache := NewProjectCache(func(context.Context) (map[string]string, error) {
		return map[string]string{oidA: "PRJ-A"}, nil
	}, nil)
	q := newTestQueue(t, WithProjectCache(cache))
	ctx := context.Background()

	legacy := []Item{
		{ID: "1", CreatedAt: 1, TargetID: oidA, Kind: KindReport, Status: StatusPending, Payload: report("a")},
		{ID: "2", CreatedAt: 2, TargetID: uuidB, Kind: KindReport, Status: StatusError, Payload: report("b")},
		{ID: "3", CreatedAt: 3, TargetID: "PRJ-C", Kind: KindReport, Status: StatusPending, Payload: report("c")},
		{ID: "4", CreatedAt: 4, TargetID: "PRJ-A", Kind: KindReport, Status: StatusPending, Payload: report("a")},
	}
	for i := range legacy {
		legacy[i].Fingerprint = fingerprint.Compute(string(legacy[i].Kind), legacy[i].TargetID, legacy[i].Payload)
	}
	require.NoError(t, q.store.replace(ctx, legacy))

	n, err := q.MigrateTargets(ctx)
	require.NoError(t, err)
	require.Equal(t, 2, n)

	one := mustGet(t, q, "1")
	require.Equal(t, "PRJ-A", one.TargetID)
	require.Equal(t, fingerprint.Compute("REPORT", "PRJ-A", report("a")), one.Fingerprint)
	// duplicates produced by the rewrite are kept
	require.Equal(t, mustGet(t, q, "4").Fingerprint, one.Fingerprint)
	require.Equal(t, UnknownTarget, mustGet(t, q, "2").TargetID)
	require.Equal(t, "PRJ-C", mustGet(t, q, "3").TargetID)
	require.Len(t, q.List(ctx, nil), 4)

	n, err = q.MigrateTargets(ctx)
	require.NoError(t, err)
	require.Zero(t, n)
}
