package main

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/wolfman30/clinic-offline-sync/internal/connectivity"
	"github.com/wolfman30/clinic-offline-sync/pkg/logging"
)

func TestSetupSyncMetricsExposesMetrics(t *testing.T) {
	handler, m := setupSyncMetrics()
	if handler == nil || m == nil {
		t.Fatalf("expected non-nil handler and metrics")
	}

	m.ObservePermanentFailure("contact")

	rr := httptest.NewRecorder()
	handler.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	if rr.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d", rr.Code)
	}
	if !strings.Contains(rr.Body.String(), "clinic_sync_permanent_failures_total") {
		t.Fatalf("expected permanent failure counter to be exported")
	}
}

type recordingListener struct {
	mu     sync.Mutex
	events []bool
}

func (l *recordingListener) ConnectivityChanged(online bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.events = append(l.events, online)
}

func (l *recordingListener) snapshot() []bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]bool(nil), l.events...)
}

func TestRelayConnectivityForwardsTransitions(t *testing.T) {
	state := connectivity.NewState(false)
	listener := &recordingListener{}
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		relayConnectivity(ctx, state, listener, logging.New("error"))
		close(done)
	}()

	// Wait for the subscription before flipping.
	deadline := time.Now().Add(2 * time.Second)
	state.Set(true)
	for len(listener.snapshot()) == 0 && time.Now().Before(deadline) {
		state.Set(false)
		state.Set(true)
		time.Sleep(5 * time.Millisecond)
	}
	cancel()
	<-done

	events := listener.snapshot()
	if len(events) == 0 {
		t.Fatalf("expected at least one connectivity event")
	}
}

type countingCleaner struct{ calls atomic.Int32 }

func (c *countingCleaner) CleanExpiredData(context.Context) (int, error) {
	c.calls.Add(1)
	return 1, nil
}

func TestSweepExpiredRunsOnInterval(t *testing.T) {
	cleaner := &countingCleaner{}
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		sweepExpired(ctx, cleaner, 5*time.Millisecond, logging.New("error"))
		close(done)
	}()

	deadline := time.Now().Add(2 * time.Second)
	for cleaner.calls.Load() < 2 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	cancel()
	<-done
	if cleaner.calls.Load() < 2 {
		t.Fatalf("expected repeated sweeps, got %d", cleaner.calls.Load())
	}
}

func TestSweepExpiredDisabled(t *testing.T) {
	cleaner := &countingCleaner{}
	sweepExpired(context.Background(), cleaner, 0, logging.New("error"))
	if cleaner.calls.Load() != 0 {
		t.Fatalf("expected no sweeps when disabled")
	}
}
