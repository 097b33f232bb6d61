package connectivity

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wolfman30/clinic-offline-sync/internal/syncer"
)

func TestStateSetReportsTransitions(t *testing.T) {
	s := NewState(false)
	ch, unsubscribe := s.Subscribe()
	defer unsubscribe()

	assert.False(t, s.Set(false))
	assert.True(t, s.Set(true))
	assert.True(t, s.Online())
	assert.Equal(t, true, <-ch)

	// A slow subscriber only sees the latest value.
	s.Set(false)
	s.Set(true)
	s.Set(false)
	assert.Equal(t, false, <-ch)
	select {
	case v := <-ch:
		t.Fatalf("unexpected extra value %v", v)
	default:
	}
}

func TestStateUnsubscribe(t *testing.T) {
	s := NewState(false)
	ch, unsubscribe := s.Subscribe()
	unsubscribe()
	s.Set(true)
	select {
	case <-ch:
		t.Fatalf("detached subscriber must not receive")
	default:
	}
}

func TestProberClassifiesResponses(t *testing.T) {
	var status atomic.Int32
	status.Store(http.StatusOK)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(int(status.Load()))
	}))
	defer srv.Close()

	state := NewState(false)
	p := NewProber(srv.URL+"/health", state, nil)
	ctx := context.Background()

	assert.True(t, p.Check(ctx))
	assert.True(t, state.Online())

	status.Store(http.StatusNotFound)
	assert.True(t, p.Check(ctx), "a 4xx still proves the backend is reachable")

	status.Store(http.StatusServiceUnavailable)
	assert.False(t, p.Check(ctx))
	assert.False(t, state.Online())
}

func TestProberTransportErrorIsOffline(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	url := srv.URL
	srv.Close()

	state := NewState(true)
	p := NewProber(url, state, nil).WithTimeout(200 * time.Millisecond)
	assert.False(t, p.Check(context.Background()))
	assert.False(t, state.Online())
}

func TestProberRunStopsWithContext(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
	}))
	defer srv.Close()

	state := NewState(false)
	p := NewProber(srv.URL, state, nil).WithInterval(10 * time.Millisecond)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		p.Run(ctx)
		close(done)
	}()

	require.Eventually(t, func() bool { return hits.Load() >= 2 }, time.Second, 5*time.Millisecond)
	assert.True(t, state.Online())
	cancel()
	<-done
}

type countingRunner struct {
	mu     sync.Mutex
	passes int
}

func (c *countingRunner) RunAutoSync(context.Context) syncer.PassResult {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.passes++
	return syncer.PassResult{Synced: 1}
}

func (c *countingRunner) Passes() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.passes
}

func TestTriggerSyncsWhenBackendReturns(t *testing.T) {
	runner := &countingRunner{}
	state := NewState(false)
	trig := NewTrigger(runner, state, nil).WithInterval(time.Hour)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go trig.Run(ctx)

	// Give Run a moment to subscribe before flipping the state.
	require.Eventually(t, func() bool {
		state.mu.RLock()
		defer state.mu.RUnlock()
		return len(state.subs) == 1
	}, time.Second, time.Millisecond)

	state.Set(true)
	require.Eventually(t, func() bool { return runner.Passes() == 1 }, time.Second, 5*time.Millisecond)

	state.Set(false)
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, 1, runner.Passes(), "going offline must not sync")
}

func TestTriggerSyncsWhenAlreadyOnlineAtStart(t *testing.T) {
	runner := &countingRunner{}
	state := NewState(false)
	trig := NewTrigger(runner, state, nil).WithInterval(time.Hour)

	// The first probe can flip the state before Run subscribes.
	state.Set(true)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go trig.Run(ctx)

	require.Eventually(t, func() bool { return runner.Passes() == 1 }, time.Second, 5*time.Millisecond)
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, 1, runner.Passes())
}

func TestTriggerIntervalOnlyWhileOnline(t *testing.T) {
	runner := &countingRunner{}
	state := NewState(false)
	trig := NewTrigger(runner, state, nil).WithInterval(10 * time.Millisecond)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go trig.Run(ctx)

	time.Sleep(50 * time.Millisecond)
	assert.Zero(t, runner.Passes())

	state.Set(true)
	require.Eventually(t, func() bool { return runner.Passes() >= 3 }, time.Second, 5*time.Millisecond)
}

func TestTeardown(t *testing.T) {
	runner := &countingRunner{}
	state := NewState(false)
	trig := NewTrigger(runner, state, nil)

	res := trig.Teardown(context.Background())
	assert.True(t, res.Offline)
	assert.Zero(t, runner.Passes())

	state.Set(true)
	res = trig.Teardown(context.Background())
	assert.Equal(t, 1, res.Synced)
	assert.Equal(t, 1, runner.Passes())
}
