// Package syncer replays queued offline actions against the backend with
// bounded exponential backoff.
package syncer

import (
	"context"
	"errors"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"github.com/wolfman30/clinic-offline-sync/internal/observability/metrics"
	"github.com/wolfman30/clinic-offline-sync/internal/offline"
	"github.com/wolfman30/clinic-offline-sync/pkg/logging"
)

var syncTracer = otel.Tracer("clinic.internal.syncer")

type queueStore interface {
	PendingSyncItems(ctx context.Context) ([]offline.SyncQueueItem, error)
	QueueItem(ctx context.Context, id string) (offline.SyncQueueItem, error)
	CompleteSync(ctx context.Context, item offline.SyncQueueItem) (bool, error)
	ScheduleRetry(ctx context.Context, item offline.SyncQueueItem, retryCount int, nextRetry time.Time) (bool, error)
	DropQueueItem(ctx context.Context, item offline.SyncQueueItem, retryCount int) (bool, error)
	CleanExpiredData(ctx context.Context) (int, error)
}

// Replayer delivers one queue item to the backend. A nil error means the
// backend acknowledged it with a 2xx.
type Replayer interface {
	Replay(ctx context.Context, item offline.SyncQueueItem) error
}

// Connectivity reports whether the backend is believed reachable.
type Connectivity interface {
	Online() bool
}

// Invalidator drops cached reads that a synced mutation made stale.
type Invalidator interface {
	Invalidate(ctx context.Context, tag string) (int, error)
}

// PermanentFailure describes a queue item dropped at the retry ceiling. The
// source record is kept unsynced.
type PermanentFailure struct {
	Item     offline.SyncQueueItem
	Attempts int
	Err      error
	At       time.Time
}

// PermanentFailureHandler is told about every dropped item.
type PermanentFailureHandler func(ctx context.Context, failure PermanentFailure)

// SyncedHandler is told about every item the backend acknowledged.
type SyncedHandler func(ctx context.Context, item offline.SyncQueueItem)

// PassHandler is told about every completed (not skipped) pass.
type PassHandler func(ctx context.Context, result PassResult)

// PassResult summarises one RunAutoSync call.
type PassResult struct {
	Attempted int           `json:"attempted"`
	Synced    int           `json:"synced"`
	Failed    int           `json:"failed"`
	Dropped   int           `json:"dropped"`
	Cleaned   int           `json:"cleaned"`
	Skipped   bool          `json:"skipped,omitempty"`
	Offline   bool          `json:"offline,omitempty"`
	Duration  time.Duration `json:"durationNs"`
}

type outcome int

const (
	outcomeGone outcome = iota
	outcomeSynced
	outcomeRetry
	outcomeDropped
	outcomeAborted
)

// Manager is the only writer of queue retry state.
type Manager struct {
	store       queueStore
	replayer    Replayer
	conn        Connectivity
	logger      *logging.Logger
	metrics     *metrics.SyncMetrics
	invalidator Invalidator
	now         func() time.Time

	maxRetries  int
	baseBackoff time.Duration
	maxBackoff  time.Duration
	itemDelay   time.Duration
	pause       func(ctx context.Context, d time.Duration) error

	onPermanent []PermanentFailureHandler
	onSynced    []SyncedHandler
	onPass      []PassHandler

	running atomic.Bool
}

// NewManager wires a manager. A nil conn is treated as always online.
func NewManager(store queueStore, replayer Replayer, conn Connectivity, logger *logging.Logger) *Manager {
	if store == nil {
		panic("syncer: store required")
	}
	if replayer == nil {
		panic("syncer: replayer required")
	}
	if logger == nil {
		logger = logging.Default()
	}
	return &Manager{
		store:       store,
		replayer:    replayer,
		conn:        conn,
		logger:      logger,
		now:         time.Now,
		maxRetries:  DefaultMaxRetries,
		baseBackoff: DefaultBaseBackoff,
		maxBackoff:  DefaultMaxBackoff,
		itemDelay:   DefaultItemDelay,
		pause:       sleepCtx,
	}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

func (m *Manager) WithMaxRetries(n int) *Manager {
	if n > 0 {
		m.maxRetries = n
	}
	return m
}

func (m *Manager) WithBackoff(base, max time.Duration) *Manager {
	if base > 0 {
		m.baseBackoff = base
	}
	if max > 0 {
		m.maxBackoff = max
	}
	return m
}

// WithItemDelay sets the pause after each attempt before the next item
// starts, however long the attempt took. Zero disables it.
func (m *Manager) WithItemDelay(d time.Duration) *Manager {
	if d >= 0 {
		m.itemDelay = d
	}
	return m
}

func (m *Manager) WithClock(now func() time.Time) *Manager {
	if now != nil {
		m.now = now
	}
	return m
}

func (m *Manager) WithMetrics(sm *metrics.SyncMetrics) *Manager {
	m.metrics = sm
	return m
}

func (m *Manager) WithInvalidator(inv Invalidator) *Manager {
	m.invalidator = inv
	return m
}

func (m *Manager) OnPermanentFailure(h PermanentFailureHandler) *Manager {
	if h != nil {
		m.onPermanent = append(m.onPermanent, h)
	}
	return m
}

func (m *Manager) OnSynced(h SyncedHandler) *Manager {
	if h != nil {
		m.onSynced = append(m.onSynced, h)
	}
	return m
}

func (m *Manager) OnPassComplete(h PassHandler) *Manager {
	if h != nil {
		m.onPass = append(m.onPass, h)
	}
	return m
}

// Backoff is the delay applied after a failure at retryCount.
func (m *Manager) Backoff(retryCount int) time.Duration {
	return Backoff(retryCount, m.baseBackoff, m.maxBackoff)
}

// GetPendingSyncItems returns ready items in replay order.
func (m *Manager) GetPendingSyncItems(ctx context.Context) ([]offline.SyncQueueItem, error) {
	return m.store.PendingSyncItems(ctx)
}

// SyncItem replays one item. It reports true only when the backend accepted
// it and the local store recorded the success. Failures are folded into the
// item's retry state and never returned.
func (m *Manager) SyncItem(ctx context.Context, item offline.SyncQueueItem) bool {
	return m.attempt(ctx, item) == outcomeSynced
}

func (m *Manager) attempt(ctx context.Context, item offline.SyncQueueItem) outcome {
	current, err := m.store.QueueItem(ctx, item.ID)
	if errors.Is(err, offline.ErrNotFound) {
		m.logger.Debug("sync item already gone", "item_id", item.ID)
		return outcomeGone
	}
	if err != nil {
		m.logger.Error("sync item reload failed", "error", err, "item_id", item.ID)
		return outcomeAborted
	}

	kind := string(current.Type)
	replayErr := m.replayer.Replay(ctx, current)
	if replayErr == nil {
		done, err := m.store.CompleteSync(ctx, current)
		if err != nil {
			// The backend has it; the next pass replays with the same idempotency key.
			m.logger.Error("mark synced failed", "error", err, "item_id", current.ID)
			m.metrics.ObserveAttempt(kind, "complete_error")
			return outcomeAborted
		}
		if !done {
			return outcomeGone
		}
		m.metrics.ObserveAttempt(kind, "success")
		m.logger.Info("sync item delivered", "item_id", current.ID, "type", kind, "retry_count", current.RetryCount)
		m.invalidate(ctx, kind)
		for _, h := range m.onSynced {
			h(ctx, current)
		}
		return outcomeSynced
	}

	if ctx.Err() != nil {
		// Shutdown interrupted the call; it does not count against the item.
		m.logger.Warn("sync attempt interrupted", "item_id", current.ID, "error", replayErr)
		return outcomeAborted
	}
	m.metrics.ObserveAttempt(kind, "failure")
	return m.recordFailure(ctx, current, replayErr)
}

func (m *Manager) recordFailure(ctx context.Context, item offline.SyncQueueItem, cause error) outcome {
	attempts := item.RetryCount + 1
	if attempts >= m.maxRetries {
		dropped, err := m.store.DropQueueItem(ctx, item, attempts)
		if err != nil {
			m.logger.Error("drop sync item failed", "error", err, "item_id", item.ID)
			return outcomeAborted
		}
		if !dropped {
			return outcomeGone
		}
		m.logger.Error("sync item dropped after retry ceiling",
			"item_id", item.ID,
			"type", string(item.Type),
			"attempts", attempts,
			"error", cause,
		)
		m.metrics.ObservePermanentFailure(string(item.Type))
		failure := PermanentFailure{Item: item, Attempts: attempts, Err: cause, At: m.now()}
		for _, h := range m.onPermanent {
			h(ctx, failure)
		}
		return outcomeDropped
	}

	delay := m.Backoff(item.RetryCount)
	next := m.now().Add(delay)
	if _, err := m.store.ScheduleRetry(ctx, item, attempts, next); err != nil {
		m.logger.Error("schedule retry failed", "error", err, "item_id", item.ID)
		return outcomeAborted
	}
	m.logger.Warn("sync attempt failed",
		"item_id", item.ID,
		"type", string(item.Type),
		"retry_count", attempts,
		"retry_in_ms", delay.Milliseconds(),
		"error", cause,
	)
	return outcomeRetry
}

func (m *Manager) invalidate(ctx context.Context, tag string) {
	if m.invalidator == nil {
		return
	}
	if _, err := m.invalidator.Invalidate(ctx, tag); err != nil {
		m.logger.Warn("cache invalidation failed", "error", err, "tag", tag)
	}
}

func (m *Manager) online() bool {
	return m.conn == nil || m.conn.Online()
}

// RunAutoSync replays every ready item once, one at a time. It does nothing
// while offline, and returns Skipped when another pass is still running.
func (m *Manager) RunAutoSync(ctx context.Context) PassResult {
	if !m.running.CompareAndSwap(false, true) {
		m.logger.Debug("sync pass already running")
		return PassResult{Skipped: true}
	}
	defer m.running.Store(false)

	if !m.online() {
		return PassResult{Offline: true}
	}

	start := m.now()
	ctx, span := syncTracer.Start(ctx, "syncer.pass")
	defer span.End()

	var res PassResult
	items, err := m.GetPendingSyncItems(ctx)
	if err != nil {
		span.RecordError(err)
		m.logger.Error("load pending sync items failed", "error", err)
		return res
	}
	m.metrics.SetQueueDepth(len(items))

	for i, item := range items {
		if i > 0 && m.itemDelay > 0 {
			if err := m.pause(ctx, m.itemDelay); err != nil {
				break
			}
		}
		if !m.online() {
			m.logger.Info("went offline during sync pass", "attempted", res.Attempted)
			break
		}
		switch m.attempt(ctx, item) {
		case outcomeSynced:
			res.Attempted++
			res.Synced++
		case outcomeRetry:
			res.Attempted++
			res.Failed++
		case outcomeDropped:
			res.Attempted++
			res.Failed++
			res.Dropped++
		}
	}

	if n, err := m.store.CleanExpiredData(ctx); err != nil {
		m.logger.Warn("clean expired cache failed", "error", err)
	} else {
		res.Cleaned = n
	}

	res.Duration = m.now().Sub(start)
	m.metrics.ObservePass(res.Duration)
	span.SetAttributes(
		attribute.Int("clinic.sync.ready", len(items)),
		attribute.Int("clinic.sync.synced", res.Synced),
		attribute.Int("clinic.sync.failed", res.Failed),
		attribute.Int("clinic.sync.dropped", res.Dropped),
	)
	if res.Attempted > 0 {
		m.logger.Info("sync pass completed",
			"attempted", res.Attempted,
			"synced", res.Synced,
			"failed", res.Failed,
			"dropped", res.Dropped,
			"duration_ms", res.Duration.Milliseconds(),
		)
	}
	for _, h := range m.onPass {
		h(ctx, res)
	}
	return res
}
