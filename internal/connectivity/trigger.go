package connectivity

import (
	"context"
	"time"

	"github.com/wolfman30/clinic-offline-sync/internal/syncer"
	"github.com/wolfman30/clinic-offline-sync/pkg/logging"
)

type syncRunner interface {
	RunAutoSync(ctx context.Context) syncer.PassResult
}

// Trigger runs a sync pass whenever the backend comes back, on a fixed
// interval while online, and once more at shutdown.
type Trigger struct {
	runner   syncRunner
	state    *State
	interval time.Duration
	logger   *logging.Logger
}

func NewTrigger(runner syncRunner, state *State, logger *logging.Logger) *Trigger {
	if runner == nil {
		panic("connectivity: sync runner required")
	}
	if state == nil {
		panic("connectivity: state required")
	}
	if logger == nil {
		logger = logging.Default()
	}
	return &Trigger{
		runner:   runner,
		state:    state,
		interval: 5 * time.Minute,
		logger:   logger,
	}
}

func (t *Trigger) WithInterval(d time.Duration) *Trigger {
	if d > 0 {
		t.interval = d
	}
	return t
}

// Run blocks until ctx ends. A pass already in progress when the backend
// comes back is not interrupted; the overlapping request is skipped.
// If the state is already online when Run subscribes, it syncs right away.
func (t *Trigger) Run(ctx context.Context) {
	changes, unsubscribe := t.state.Subscribe()
	defer unsubscribe()

	if t.state.Online() {
		t.run(ctx, "startup")
	}

	ticker := time.NewTicker(t.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case online := <-changes:
			if online {
				t.run(ctx, "online")
			}
		case <-ticker.C:
			if t.state.Online() {
				t.run(ctx, "interval")
			}
		}
	}
}

// Teardown makes a final best-effort pass bounded by ctx. Anything left
// stays queued for the next start.
func (t *Trigger) Teardown(ctx context.Context) syncer.PassResult {
	if !t.state.Online() {
		return syncer.PassResult{Offline: true}
	}
	return t.run(ctx, "teardown")
}

func (t *Trigger) run(ctx context.Context, reason string) syncer.PassResult {
	res := t.runner.RunAutoSync(ctx)
	if res.Skipped {
		t.logger.Debug("sync pass skipped", "reason", reason)
		return res
	}
	t.logger.Debug("sync pass triggered", "reason", reason, "synced", res.Synced, "failed", res.Failed)
	return res
}
