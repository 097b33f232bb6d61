package cache

import (
	"context"
	"encoding/json"
	"errors"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wolfman30/clinic-offline-sync/internal/store"
)

func newLocal(t *testing.T) *Local {
	t.Helper()
	st := store.New(filepath.Join(t.TempDir(), "offline.db"))
	require.NoError(t, st.Open(context.Background()))
	t.Cleanup(func() { _ = st.Close() })
	return NewLocal(st)
}

func newRedis(t *testing.T) (*Redis, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return NewRedis(client, "test:"), mr
}

func TestRedisSetGetExpire(t *testing.T) {
	r, mr := newRedis(t)
	ctx := context.Background()

	_, ok, err := r.Get(ctx, "services")
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, r.Set(ctx, "services", json.RawMessage(`["botox"]`), time.Minute, "catalog"))
	entry, ok, err := r.Get(ctx, "services")
	require.NoError(t, err)
	require.True(t, ok)
	assert.JSONEq(t, `["botox"]`, string(entry.Data))
	assert.Equal(t, []string{"catalog"}, entry.Tags)
	assert.InDelta(t, time.Minute, entry.TTL, float64(time.Second))
	assert.True(t, mr.Exists("test:tag:catalog"))

	mr.FastForward(2 * time.Minute)
	_, ok, err = r.Get(ctx, "services")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestRedisInvalidateTag(t *testing.T) {
	r, mr := newRedis(t)
	ctx := context.Background()

	require.NoError(t, r.Set(ctx, "slots:mon", json.RawMessage(`[1]`), time.Hour, "appointment"))
	require.NoError(t, r.Set(ctx, "slots:tue", json.RawMessage(`[2]`), time.Hour, "appointment"))
	require.NoError(t, r.Set(ctx, "hours", json.RawMessage(`"9-5"`), time.Hour))

	n, err := r.Invalidate(ctx, "appointment")
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	assert.False(t, mr.Exists("test:entry:slots:mon"))
	assert.False(t, mr.Exists("test:tag:appointment"))
	assert.False(t, mr.Exists("test:keytags:slots:mon"))
	assert.True(t, mr.Exists("test:entry:hours"))

	n, err = r.Invalidate(ctx, "appointment")
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestReadThroughFetchesOnceAndFillsTiers(t *testing.T) {
	local := newLocal(t)
	shared, _ := newRedis(t)
	c := NewReadThrough(time.Minute, nil, local, shared)
	ctx := context.Background()

	var calls int32
	fetch := func(context.Context) (json.RawMessage, error) {
		atomic.AddInt32(&calls, 1)
		return json.RawMessage(`{"open":true}`), nil
	}

	data, err := c.Fetch(ctx, "clinic:hours", fetch, "hours")
	require.NoError(t, err)
	assert.JSONEq(t, `{"open":true}`, string(data))

	data, err = c.Fetch(ctx, "clinic:hours", fetch, "hours")
	require.NoError(t, err)
	assert.JSONEq(t, `{"open":true}`, string(data))
	assert.Equal(t, int32(1), atomic.LoadInt32(&calls))

	entry, ok, err := shared.Get(ctx, "clinic:hours")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, []string{"hours"}, entry.Tags)
}

func TestReadThroughBackfillsFrontTier(t *testing.T) {
	local := newLocal(t)
	shared, _ := newRedis(t)
	c := NewReadThrough(time.Minute, nil, local, shared)
	ctx := context.Background()

	require.NoError(t, shared.Set(ctx, "providers", json.RawMessage(`["dr-lee"]`), time.Minute))

	data, ok := c.Get(ctx, "providers")
	require.True(t, ok)
	assert.JSONEq(t, `["dr-lee"]`, string(data))

	localEntry, ok, err := local.Get(ctx, "providers")
	require.NoError(t, err)
	require.True(t, ok)
	assert.JSONEq(t, `["dr-lee"]`, string(localEntry.Data))
}

func TestReadThroughBackfillKeepsTags(t *testing.T) {
	shared, _ := newRedis(t)
	deviceA := NewReadThrough(time.Minute, nil, newLocal(t), shared)
	deviceB := NewReadThrough(time.Minute, nil, newLocal(t), shared)
	ctx := context.Background()

	_, err := deviceA.Fetch(ctx, "backend:/api/agendamento/slots?", func(context.Context) (json.RawMessage, error) {
		return json.RawMessage(`["09:00","09:30"]`), nil
	}, "appointment")
	require.NoError(t, err)

	_, ok := deviceB.Get(ctx, "backend:/api/agendamento/slots?")
	require.True(t, ok, "device B reads through the shared tier")

	n, err := deviceB.Invalidate(ctx, "appointment")
	require.NoError(t, err)
	assert.Equal(t, 2, n, "both the shared entry and the local copy carry the tag")

	_, ok = deviceB.Get(ctx, "backend:/api/agendamento/slots?")
	assert.False(t, ok, "invalidated slot list must not be served from the local copy")
}

func TestReadThroughBackfillKeepsRemainingTTL(t *testing.T) {
	local := newLocal(t)
	shared, _ := newRedis(t)
	c := NewReadThrough(30*time.Minute, nil, local, shared)
	ctx := context.Background()

	require.NoError(t, shared.Set(ctx, "hours", json.RawMessage(`"9-5"`), 10*time.Second, "hours"))

	_, ok := c.Get(ctx, "hours")
	require.True(t, ok)

	entry, ok, err := local.Get(ctx, "hours")
	require.NoError(t, err)
	require.True(t, ok)
	assert.LessOrEqual(t, entry.TTL, 10*time.Second)
	assert.Equal(t, []string{"hours"}, entry.Tags)
}

func TestLocalGetTreatsExpiredAsMiss(t *testing.T) {
	local := newLocal(t)
	ctx := context.Background()

	require.NoError(t, local.Set(ctx, "k", json.RawMessage(`1`), time.Minute, "b", "a"))
	local.now = func() time.Time { return time.Now().Add(2 * time.Minute) }

	_, ok, err := local.Get(ctx, "k")
	require.NoError(t, err)
	assert.False(t, ok, "entry past its expiry is a miss")
}

func TestReadThroughInvalidateFansOut(t *testing.T) {
	local := newLocal(t)
	shared, _ := newRedis(t)
	c := NewReadThrough(time.Minute, nil, local, shared)
	ctx := context.Background()

	c.Put(ctx, "slots", json.RawMessage(`[9,10]`), "appointment")
	n, err := c.Invalidate(ctx, "appointment")
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	_, ok := c.Get(ctx, "slots")
	assert.False(t, ok)
}

type failingTier struct{}

func (failingTier) Name() string { return "broken" }
func (failingTier) Get(context.Context, string) (Entry, bool, error) {
	return Entry{}, false, errors.New("connection refused")
}
func (failingTier) Set(context.Context, string, json.RawMessage, time.Duration, ...string) error {
	return errors.New("connection refused")
}
func (failingTier) Invalidate(context.Context, string) (int, error) {
	return 0, errors.New("connection refused")
}

func TestReadThroughToleratesBrokenTier(t *testing.T) {
	local := newLocal(t)
	c := NewReadThrough(time.Minute, nil, failingTier{}, local)
	ctx := context.Background()

	data, err := c.Fetch(ctx, "k", func(context.Context) (json.RawMessage, error) {
		return json.RawMessage(`1`), nil
	})
	require.NoError(t, err)
	assert.Equal(t, "1", string(data))

	data, ok := c.Get(ctx, "k")
	require.True(t, ok)
	assert.Equal(t, "1", string(data))

	_, err = c.Invalidate(ctx, "any")
	assert.Error(t, err)
}

func TestReadThroughFetchError(t *testing.T) {
	c := NewReadThrough(time.Minute, nil, newLocal(t))
	_, err := c.Fetch(context.Background(), "k", func(context.Context) (json.RawMessage, error) {
		return nil, errors.New("backend offline")
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "backend offline")
}

func TestReadThroughConcurrentMisses(t *testing.T) {
	c := NewReadThrough(time.Minute, nil, newLocal(t))
	ctx := context.Background()

	var calls int32
	release := make(chan struct{})
	fetch := func(context.Context) (json.RawMessage, error) {
		atomic.AddInt32(&calls, 1)
		<-release
		return json.RawMessage(`"v"`), nil
	}

	results := make(chan string, 5)
	var wg sync.WaitGroup
	for i := 0; i < 5; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			data, err := c.Fetch(ctx, "shared", fetch)
			if err == nil {
				results <- string(data)
			}
		}()
	}
	time.Sleep(50 * time.Millisecond)
	close(release)
	wg.Wait()
	close(results)

	var got []string
	for r := range results {
		got = append(got, r)
	}
	assert.Equal(t, []string{`"v"`, `"v"`, `"v"`, `"v"`, `"v"`}, got)
	assert.Less(t, atomic.LoadInt32(&calls), int32(5), "waiting callers share the in-flight fetch")
}
