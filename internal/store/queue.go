package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/wolfman30/clinic-offline-sync/internal/offline"
)

const queueColumns = `id, type, endpoint, method, data, timestamp, retry_count, next_retry, priority`

// PendingSyncItems returns items whose next retry is due, high priority first
// and oldest first within a priority.
func (s *Store) PendingSyncItems(ctx context.Context) ([]offline.SyncQueueItem, error) {
	db, err := s.handle(ctx)
	if err != nil {
		return nil, err
	}
	rows, err := db.QueryContext(ctx,
		`SELECT `+queueColumns+` FROM sync_queue
		 WHERE next_retry <= ?
		 ORDER BY CASE priority WHEN 'high' THEN 0 WHEN 'medium' THEN 1 WHEN 'low' THEN 2 ELSE 3 END, timestamp, id`,
		s.nowMillis(),
	)
	if err != nil {
		return nil, &offline.StorageError{Op: "list sync queue", Err: err}
	}
	defer rows.Close()

	var items []offline.SyncQueueItem
	for rows.Next() {
		item, err := scanQueueItem(rows)
		if err != nil {
			return nil, &offline.StorageError{Op: "list sync queue", Err: err}
		}
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, &offline.StorageError{Op: "list sync queue", Err: err}
	}
	return items, nil
}

// QueueItem re-reads a single queue item. ErrNotFound means another pass
// already completed or dropped it.
func (s *Store) QueueItem(ctx context.Context, id string) (offline.SyncQueueItem, error) {
	db, err := s.handle(ctx)
	if err != nil {
		return offline.SyncQueueItem{}, err
	}
	item, err := scanQueueItem(db.QueryRowContext(ctx, `SELECT `+queueColumns+` FROM sync_queue WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return offline.SyncQueueItem{}, offline.ErrNotFound
	}
	if err != nil {
		return offline.SyncQueueItem{}, &offline.StorageError{Op: "get sync queue item", Err: err}
	}
	return item, nil
}

// CountSyncQueue returns the number of queued items regardless of readiness.
func (s *Store) CountSyncQueue(ctx context.Context) (int, error) {
	db, err := s.handle(ctx)
	if err != nil {
		return 0, err
	}
	var n int
	if err := db.QueryRowContext(ctx, `SELECT COUNT(*) FROM sync_queue`).Scan(&n); err != nil {
		return 0, &offline.StorageError{Op: "count sync queue", Err: err}
	}
	return n, nil
}

// CompleteSync removes the queue item and marks its source record synced in
// one transaction. It reports false when the item was already gone, in which
// case nothing changes.
func (s *Store) CompleteSync(ctx context.Context, item offline.SyncQueueItem) (bool, error) {
	var done bool
	err := s.withTx(ctx, "complete sync", func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, `DELETE FROM sync_queue WHERE id = ?`, item.ID)
		if err != nil {
			return fmt.Errorf("delete queue item: %w", err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return fmt.Errorf("delete queue item: %w", err)
		}
		if n == 0 {
			return nil
		}
		done = true

		switch item.Type {
		case offline.KindAppointment, offline.KindContact:
			table, _ := recordTable(item.Type)
			_, err = tx.ExecContext(ctx,
				`UPDATE `+table+` SET status = ? WHERE id = ? AND status != ?`,
				string(offline.StatusSynced), item.SourceID(), string(offline.StatusSynced),
			)
		case offline.KindConsent:
			_, err = tx.ExecContext(ctx, `UPDATE consent_logs SET synced = 1 WHERE id = ? AND synced = 0`, item.SourceID())
		default:
			return offline.ErrUnknownKind
		}
		if err != nil {
			return fmt.Errorf("mark record synced: %w", err)
		}
		return nil
	})
	if err != nil {
		return false, err
	}
	return done, nil
}

// ScheduleRetry records a failed attempt: the item becomes eligible again at
// nextRetry and the source record mirrors the new retry count.
func (s *Store) ScheduleRetry(ctx context.Context, item offline.SyncQueueItem, retryCount int, nextRetry time.Time) (bool, error) {
	var updated bool
	err := s.withTx(ctx, "schedule retry", func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx,
			`UPDATE sync_queue SET retry_count = ?, next_retry = ? WHERE id = ?`,
			retryCount, offline.Millis(nextRetry), item.ID,
		)
		if err != nil {
			return fmt.Errorf("update queue item: %w", err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return fmt.Errorf("update queue item: %w", err)
		}
		if n == 0 {
			return nil
		}
		updated = true
		return mirrorRetryCount(ctx, tx, item, retryCount)
	})
	if err != nil {
		return false, err
	}
	return updated, nil
}

// DropQueueItem deletes an item that exhausted its retries. The source record
// stays unsynced with its final retry count so it can be found and requeued.
func (s *Store) DropQueueItem(ctx context.Context, item offline.SyncQueueItem, retryCount int) (bool, error) {
	var dropped bool
	err := s.withTx(ctx, "drop queue item", func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, `DELETE FROM sync_queue WHERE id = ?`, item.ID)
		if err != nil {
			return fmt.Errorf("delete queue item: %w", err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return fmt.Errorf("delete queue item: %w", err)
		}
		if n == 0 {
			return nil
		}
		dropped = true
		return mirrorRetryCount(ctx, tx, item, retryCount)
	})
	if err != nil {
		return false, err
	}
	return dropped, nil
}

func mirrorRetryCount(ctx context.Context, tx *sql.Tx, item offline.SyncQueueItem, retryCount int) error {
	table, err := recordTable(item.Type)
	if err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx, `UPDATE `+table+` SET retry_count = ? WHERE id = ?`, retryCount, item.SourceID()); err != nil {
		return fmt.Errorf("update record retry count: %w", err)
	}
	return nil
}

func scanQueueItem(row rowScanner) (offline.SyncQueueItem, error) {
	var (
		item     offline.SyncQueueItem
		kind     string
		data     string
		priority string
	)
	if err := row.Scan(&item.ID, &kind, &item.Endpoint, &item.Method, &data, &item.Timestamp, &item.RetryCount, &item.NextRetry, &priority); err != nil {
		return offline.SyncQueueItem{}, err
	}
	item.Type = offline.Kind(kind)
	item.Data = json.RawMessage(data)
	item.Priority = offline.Priority(priority)
	return item, nil
}
