package store

import (
	"context"

	"github.com/wolfman30/clinic-offline-sync/internal/offline"
)

// GetStorageStats counts rows in each collection.
func (s *Store) GetStorageStats(ctx context.Context) (offline.StorageStats, error) {
	db, err := s.handle(ctx)
	if err != nil {
		return offline.StorageStats{}, err
	}
	var st offline.StorageStats
	err = db.QueryRowContext(ctx, `SELECT
		(SELECT COUNT(*) FROM pending_appointments),
		(SELECT COUNT(*) FROM pending_contacts),
		(SELECT COUNT(*) FROM consent_logs),
		(SELECT COUNT(*) FROM sync_queue),
		(SELECT COUNT(*) FROM api_cache)`,
	).Scan(&st.Appointments, &st.Contacts, &st.ConsentLogs, &st.SyncQueue, &st.CacheSize)
	if err != nil {
		return offline.StorageStats{}, &offline.StorageError{Op: "stats", Err: err}
	}
	return st, nil
}
