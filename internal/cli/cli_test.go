package cli

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/UniQw/syncq"
	"github.com/UniQw/syncq/backend"
	ikeys "github.com/UniQw/syncq/internal/keys"
	"github.com/UniQw/syncq/internal/lock"
	mrd "github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/sebdah/goldie/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"
)

const testNamespace = "site-7"

type env struct {
	srv *mrd.Miniredis
	rdb *redis.Client
	q   *syncq.Queue
}

func newEnv(t *testing.T) *env {
	t.Helper()
	t.Chdir(t.TempDir())
	s := mrd.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: s.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })
	t.Setenv("SYNCQ_BACKEND", "redis")
	t.Setenv("SYNCQ_REDIS_ADDR", s.Addr())
	t.Setenv("SYNCQ_NAMESPACE", testNamespace)
	return &env{srv: s, rdb: rdb, q: syncq.NewQueue(backend.NewRedis(rdb), syncq.WithNamespace(testNamespace))}
}

func (e *env) seed(t *testing.T) []syncq.Item {
	t.Helper()
	ctx := context.Background()
	var out []syncq.Item
	for _, notes := range []string{"slab", "rebar", "formwork"} {
		it, err := e.q.Enqueue(ctx, "PRJ-1", syncq.ReportPayload{Draft: syncq.Document{"notes": notes}})
		require.NoError(t, err)
		out = append(out, it)
	}
	_, err := e.q.Flush(ctx, func(context.Context, syncq.Item) error { return nil }, syncq.MaxItems(1))
	require.NoError(t, err)
	return out
}

func run(t *testing.T, args ...string) (string, error) {
	t.Helper()
	buf := &bytes.Buffer{}
	cmd := NewRootCommand()
	cmd.SetOut(buf)
	cmd.SetErr(io.Discard)
	cmd.SetArgs(args)
	err := cmd.Execute()
	return buf.String(), err
}

func TestRootCommand(t *testing.T) {
	cmd := NewRootCommand()
	require.NotNil(t, cmd)
	assert.Equal(t, "syncqctl", cmd.Use)
	for _, name := range []string{"stats", "list", "show", "retry", "delete", "purge", "lock", "migrate"} {
		t.Run(name, func(t *testing.T) {
			sub, _, err := cmd.Find([]string{name})
			require.NoError(t, err)
			assert.Equal(t, name, sub.Name())
		})
	}
	formatFlag := cmd.PersistentFlags().Lookup("format")
	require.NotNil(t, formatFlag)
	assert.Equal(t, "text", formatFlag.DefValue)
}

func TestInvalidFormat(t *testing.T) {
	newEnv(t)
	_, err := run(t, "stats", "--format", "xml")
	require.Error(t, err)
	assert.Equal(t, ExitCommandError, GetExitCode(err))
}

func TestStats_Text(t *testing.T) {
	e := newEnv(t)
	e.seed(t)
	out, err := run(t, "stats")
	require.NoError(t, err)

	g := goldie.New(t, goldie.WithFixtureDir("testdata/golden"), goldie.WithNameSuffix(".golden"))
	g.Assert(t, "stats_text", []byte(out))
}

func TestStats_JSONAndYAML(t *testing.T) {
	e := newEnv(t)
	e.seed(t)

	out, err := run(t, "stats", "--format", "json")
	require.NoError(t, err)
	var st syncq.Stats
	require.NoError(t, json.Unmarshal([]byte(out), &st))
	assert.Equal(t, syncq.Stats{Total: 3, Pending: 2, Done: 1}, st)

	out, err = run(t, "stats", "--format", "yaml")
	require.NoError(t, err)
	st = syncq.Stats{}
	require.NoError(t, yaml.Unmarshal([]byte(out), &st))
	assert.Equal(t, 2, st.Pending)
}

func TestList_Filters(t *testing.T) {
	e := newEnv(t)
	items := e.seed(t)

	out, err := run(t, "list", "--status", "pending", "--format", "json")
	require.NoError(t, err)
	var views []ItemView
	require.NoError(t, json.Unmarshal([]byte(out), &views))
	require.Len(t, views, 2)
	assert.Equal(t, items[2].ID, views[0].ID, "newest first")
	assert.Nil(t, views[0].Payload)

	out, err = run(t, "list", "--target", "PRJ-404")
	require.NoError(t, err)
	assert.Equal(t, "No items.\n", out)

	out, err = run(t, "list", "--limit", "1")
	require.NoError(t, err)
	assert.Contains(t, out, "ATTEMPTS")
	assert.Contains(t, out, items[2].ID)
	assert.NotContains(t, out, items[1].ID)

	_, err = run(t, "list", "--kind", "invoice")
	require.Error(t, err)
	assert.Equal(t, ExitCommandError, GetExitCode(err))
}

func TestShow(t *testing.T) {
	e := newEnv(t)
	items := e.seed(t)

	out, err := run(t, "show", items[0].ID, "--format", "json")
	require.NoError(t, err)
	var v struct {
		Status  string `json:"status"`
		Payload struct {
			Draft map[string]any `json:"draft"`
		} `json:"payload"`
	}
	require.NoError(t, json.Unmarshal([]byte(out), &v))
	assert.Equal(t, "DONE", v.Status)
	assert.Equal(t, "slab", v.Payload.Draft["notes"])

	out, err = run(t, "show", items[1].ID)
	require.NoError(t, err)
	assert.Contains(t, out, "fingerprint: REPORT:")
	assert.Contains(t, out, `"notes": "rebar"`)

	_, err = run(t, "show", "missing")
	require.Error(t, err)
	assert.Equal(t, ExitFailure, GetExitCode(err))
}

func TestRetry(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	items := e.seed(t)
	_, err := e.q.Flush(ctx, func(context.Context, syncq.Item) error { return assert.AnError })
	require.NoError(t, err)

	_, err = run(t, "retry")
	require.Error(t, err)
	assert.Equal(t, ExitCommandError, GetExitCode(err))

	out, err := run(t, "retry", items[1].ID)
	require.NoError(t, err)
	assert.Equal(t, "Reset 1 item(s) to PENDING.\n", out)

	out, err = run(t, "retry", "--all", "--format", "json")
	require.NoError(t, err)
	assert.JSONEq(t, `{"count":1}`, out)

	_, err = run(t, "retry", items[0].ID)
	require.Error(t, err)
	assert.ErrorIs(t, err, syncq.ErrTerminalItem)
	assert.Equal(t, ExitFailure, GetExitCode(err))
}

func TestDeleteAndPurge(t *testing.T) {
	e := newEnv(t)
	items := e.seed(t)

	out, err := run(t, "delete", items[2].ID)
	require.NoError(t, err)
	assert.Contains(t, out, "Deleted")
	_, err = run(t, "delete", items[2].ID)
	assert.ErrorIs(t, err, syncq.ErrItemNotFound)

	out, err = run(t, "purge")
	require.NoError(t, err)
	assert.Equal(t, "Purged 1 item(s).\n", out)

	out, err = run(t, "purge", "--status", "pending,error", "--format", "json")
	require.NoError(t, err)
	assert.JSONEq(t, `{"count":1}`, out)
	assert.Empty(t, e.q.List(context.Background(), nil))

	_, err = run(t, "purge", "--status", "lost")
	require.Error(t, err)
}

func TestLock(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()

	out, err := run(t, "lock")
	require.NoError(t, err)
	assert.Equal(t, "Not locked.\n", out)

	rec := lock.Record{AtMs: time.Now().UnixMilli(), Holder: "tablet-3"}
	require.NoError(t, e.rdb.Set(ctx, ikeys.Lock(testNamespace), lock.Encode(rec), 0).Err())

	out, err = run(t, "lock")
	require.NoError(t, err)
	assert.Contains(t, out, "Locked by tablet-3")

	// the queue refuses maintenance while locked
	_, err = run(t, "purge")
	require.ErrorIs(t, err, syncq.ErrLockHeld)
	assert.Equal(t, ExitFailure, GetExitCode(err))

	out, err = run(t, "lock", "--clear", "--format", "json")
	require.NoError(t, err)
	assert.JSONEq(t, `{"locked":false,"stale":false}`, out)
}

func TestMigrate(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	legacy := []syncq.Item{{
		ID:        "legacy-1",
		CreatedAt: 1,
		TargetID:  "507f1f77bcf86cd799439011",
		Kind:      syncq.KindReport,
		Status:    syncq.StatusPending,
		Payload:   syncq.ReportPayload{Draft: syncq.Document{"notes": "slab"}},
	}}
	raw, err := json.Marshal(legacy)
	require.NoError(t, err)
	require.NoError(t, e.rdb.Set(ctx, ikeys.Items(testNamespace), raw, 0).Err())

	mapping := filepath.Join(t.TempDir(), "projects.yaml")
	require.NoError(t, os.WriteFile(mapping, []byte("507f1f77bcf86cd799439011: PRJ-A\n"), 0o600))

	_, err = run(t, "migrate", "--projects", filepath.Join(t.TempDir(), "missing.yaml"))
	require.Error(t, err)
	assert.Equal(t, ExitCommandError, GetExitCode(err))

	out, err := run(t, "migrate", "--projects", mapping)
	require.NoError(t, err)
	assert.Equal(t, "Rewrote 1 item(s).\n", out)

	it, err := e.q.Get(ctx, "legacy-1")
	require.NoError(t, err)
	assert.Equal(t, "PRJ-A", it.TargetID)
	assert.Contains(t, it.Fingerprint, "REPORT:")
}

func TestSQLiteBackend(t *testing.T) {
	t.Chdir(t.TempDir())
	path := filepath.Join(t.TempDir(), "queue.db")
	t.Setenv("SYNCQ_BACKEND", "sqlite")
	t.Setenv("SYNCQ_SQLITE_PATH", path)

	lite, err := backend.OpenSQLite(path)
	require.NoError(t, err)
	q := syncq.NewQueue(lite)
	_, err = q.Enqueue(context.Background(), "PRJ-1", syncq.PhotoNotePayload{Photo: syncq.Attachment{URI: "file:///a.jpg"}})
	require.NoError(t, err)
	require.NoError(t, lite.Close())

	out, err := run(t, "stats", "--format", "json")
	require.NoError(t, err)
	var st syncq.Stats
	require.NoError(t, json.Unmarshal([]byte(out), &st))
	assert.Equal(t, 1, st.Pending)
}

func TestBackendUnreachable(t *testing.T) {
	e := newEnv(t)
	e.srv.Close()
	_, err := run(t, "stats")
	require.Error(t, err)
	assert.Equal(t, ExitCommandError, GetExitCode(err))
	assert.Contains(t, err.Error(), "failed to connect to redis")
}
