package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/wolfman30/clinic-offline-sync/internal/offline"
)

// SaveAppointment persists an appointment request and enqueues its replay in
// one transaction. A StorageError means nothing was written.
func (s *Store) SaveAppointment(ctx context.Context, data any) (string, error) {
	return s.savePayloadRecord(ctx, offline.KindAppointment, data)
}

// SaveContact persists a contact form submission and enqueues its replay.
func (s *Store) SaveContact(ctx context.Context, data any) (string, error) {
	return s.savePayloadRecord(ctx, offline.KindContact, data)
}

// SaveConsentLog persists a consent decision and enqueues its replay.
func (s *Store) SaveConsentLog(ctx context.Context, settings any, version string) (string, error) {
	raw, err := json.Marshal(settings)
	if err != nil {
		return "", &offline.StorageError{Op: "save consent: encode", Err: err}
	}
	now := s.nowMillis()
	id := offline.NewRecordID(s.now())
	body, err := consentBody(id, raw, version, now)
	if err != nil {
		return "", &offline.StorageError{Op: "save consent: encode", Err: err}
	}

	err = s.withTx(ctx, "save consent", func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO consent_logs (id, timestamp, settings, version, synced, retry_count) VALUES (?, ?, ?, ?, 0, 0)`,
			id, now, string(raw), version,
		); err != nil {
			return fmt.Errorf("insert consent log: %w", err)
		}
		return insertQueueItem(ctx, tx, offline.KindConsent, id, body, now)
	})
	if err != nil {
		return "", err
	}
	return id, nil
}

func (s *Store) savePayloadRecord(ctx context.Context, kind offline.Kind, data any) (string, error) {
	table, err := recordTable(kind)
	if err != nil {
		return "", err
	}
	payload, err := json.Marshal(data)
	if err != nil {
		return "", &offline.StorageError{Op: "save " + string(kind) + ": encode", Err: err}
	}
	now := s.nowMillis()
	id := offline.NewRecordID(s.now())

	err = s.withTx(ctx, "save "+string(kind), func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO `+table+` (id, timestamp, payload, status, retry_count) VALUES (?, ?, ?, ?, 0)`,
			id, now, string(payload), string(offline.StatusPending),
		); err != nil {
			return fmt.Errorf("insert %s: %w", kind, err)
		}
		return insertQueueItem(ctx, tx, kind, id, payload, now)
	})
	if err != nil {
		return "", err
	}
	return id, nil
}

func insertQueueItem(ctx context.Context, tx *sql.Tx, kind offline.Kind, recordID string, data []byte, now int64) error {
	route, err := offline.RouteFor(kind)
	if err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO sync_queue (id, type, endpoint, method, data, timestamp, retry_count, next_retry, priority)
		 VALUES (?, ?, ?, ?, ?, ?, 0, ?, ?)`,
		offline.QueueItemID(recordID), string(kind), route.Endpoint, route.Method, string(data), now, now, string(route.Priority),
	); err != nil {
		return fmt.Errorf("insert sync queue item: %w", err)
	}
	return nil
}

func consentBody(id string, settings json.RawMessage, version string, timestamp int64) ([]byte, error) {
	return json.Marshal(struct {
		ID        string          `json:"id"`
		Settings  json.RawMessage `json:"settings"`
		Version   string          `json:"version"`
		Timestamp int64           `json:"timestamp"`
	}{ID: id, Settings: settings, Version: version, Timestamp: timestamp})
}

func recordTable(kind offline.Kind) (string, error) {
	switch kind {
	case offline.KindAppointment:
		return "pending_appointments", nil
	case offline.KindContact:
		return "pending_contacts", nil
	case offline.KindConsent:
		return "consent_logs", nil
	default:
		return "", offline.ErrUnknownKind
	}
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanPayloadRecord(kind offline.Kind, row rowScanner) (offline.PendingRecord, error) {
	var (
		rec     offline.PendingRecord
		payload string
		status  string
	)
	if err := row.Scan(&rec.ID, &rec.Timestamp, &payload, &status, &rec.RetryCount); err != nil {
		return offline.PendingRecord{}, err
	}
	rec.Kind = kind
	rec.Payload = json.RawMessage(payload)
	rec.Status = offline.Status(status)
	return rec, nil
}

func scanConsentRecord(row rowScanner) (offline.PendingRecord, error) {
	var (
		rec      offline.PendingRecord
		settings string
	)
	if err := row.Scan(&rec.ID, &rec.Timestamp, &settings, &rec.Version, &rec.Synced, &rec.RetryCount); err != nil {
		return offline.PendingRecord{}, err
	}
	rec.Kind = offline.KindConsent
	rec.Payload = json.RawMessage(settings)
	return rec, nil
}

func selectRecordSQL(kind offline.Kind) (string, error) {
	switch kind {
	case offline.KindAppointment, offline.KindContact:
		table, _ := recordTable(kind)
		return `SELECT id, timestamp, payload, status, retry_count FROM ` + table, nil
	case offline.KindConsent:
		return `SELECT id, timestamp, settings, version, synced, retry_count FROM consent_logs`, nil
	default:
		return "", offline.ErrUnknownKind
	}
}

func scanRecord(kind offline.Kind, row rowScanner) (offline.PendingRecord, error) {
	if kind == offline.KindConsent {
		return scanConsentRecord(row)
	}
	return scanPayloadRecord(kind, row)
}

type queryer interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func getRecord(ctx context.Context, q queryer, kind offline.Kind, id string) (offline.PendingRecord, error) {
	query, err := selectRecordSQL(kind)
	if err != nil {
		return offline.PendingRecord{}, err
	}
	rec, err := scanRecord(kind, q.QueryRowContext(ctx, query+` WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return offline.PendingRecord{}, offline.ErrNotFound
	}
	return rec, err
}

// GetRecord loads one record by kind and id.
func (s *Store) GetRecord(ctx context.Context, kind offline.Kind, id string) (offline.PendingRecord, error) {
	db, err := s.handle(ctx)
	if err != nil {
		return offline.PendingRecord{}, err
	}
	rec, err := getRecord(ctx, db, kind, id)
	if err != nil && !isDomainError(err) {
		return offline.PendingRecord{}, &offline.StorageError{Op: "get record", Err: err}
	}
	return rec, err
}

// StrandedRecords lists unsynced records whose queue item is gone, which
// happens once the retry ceiling drops an item.
func (s *Store) StrandedRecords(ctx context.Context) ([]offline.PendingRecord, error) {
	db, err := s.handle(ctx)
	if err != nil {
		return nil, err
	}

	unsynced := map[offline.Kind]string{
		offline.KindAppointment: `status != 'synced'`,
		offline.KindContact:     `status != 'synced'`,
		offline.KindConsent:     `synced = 0`,
	}

	var out []offline.PendingRecord
	for _, kind := range offline.Kinds {
		base, _ := selectRecordSQL(kind)
		query := base + ` r WHERE ` + unsynced[kind] +
			` AND NOT EXISTS (SELECT 1 FROM sync_queue q WHERE q.id = 'sync_' || r.id) ORDER BY timestamp, id`
		rows, err := db.QueryContext(ctx, query)
		if err != nil {
			return nil, &offline.StorageError{Op: "list stranded", Err: err}
		}
		for rows.Next() {
			rec, err := scanRecord(kind, rows)
			if err != nil {
				rows.Close()
				return nil, &offline.StorageError{Op: "list stranded", Err: err}
			}
			out = append(out, rec)
		}
		if err := rows.Err(); err != nil {
			rows.Close()
			return nil, &offline.StorageError{Op: "list stranded", Err: err}
		}
		rows.Close()
	}
	return out, nil
}

// Requeue puts a stranded record back on the sync queue with a fresh retry
// budget.
func (s *Store) Requeue(ctx context.Context, kind offline.Kind, id string) error {
	return s.withTx(ctx, "requeue", func(tx *sql.Tx) error {
		rec, err := getRecord(ctx, tx, kind, id)
		if err != nil {
			return err
		}
		if rec.IsSynced() {
			return offline.ErrAlreadySynced
		}

		var exists int
		err = tx.QueryRowContext(ctx, `SELECT COUNT(*) FROM sync_queue WHERE id = ?`, offline.QueueItemID(id)).Scan(&exists)
		if err != nil {
			return fmt.Errorf("check queue: %w", err)
		}
		if exists > 0 {
			return offline.ErrAlreadyQueued
		}

		data := []byte(rec.Payload)
		if kind == offline.KindConsent {
			data, err = consentBody(rec.ID, rec.Payload, rec.Version, rec.Timestamp)
			if err != nil {
				return err
			}
		}
		table, _ := recordTable(kind)
		if _, err := tx.ExecContext(ctx, `UPDATE `+table+` SET retry_count = 0 WHERE id = ?`, id); err != nil {
			return fmt.Errorf("reset retry count: %w", err)
		}
		return insertQueueItem(ctx, tx, kind, id, data, s.nowMillis())
	})
}
