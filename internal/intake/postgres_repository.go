package intake

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/wolfman30/clinic-offline-sync/internal/offline"
)

// rowQuerier is the slice of pgxpool.Pool the repository needs.
type rowQuerier interface {
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// PostgresRepository stores submissions in Postgres.
type PostgresRepository struct {
	db rowQuerier
}

// NewPostgresRepository initializes a repo backed by a pgx pool.
func NewPostgresRepository(db rowQuerier) *PostgresRepository {
	if db == nil {
		panic("intake: pgx pool required")
	}
	return &PostgresRepository{db: db}
}

const insertSubmissionSQL = `
	INSERT INTO offline_submissions (id, kind, idempotency_key, payload, consent_version)
	VALUES ($1, $2, $3, $4::jsonb, NULLIF($5, ''))
	ON CONFLICT (idempotency_key) DO NOTHING
	RETURNING received_at
`

const selectSubmissionSQL = `
	SELECT id::text, kind, idempotency_key, payload::text, COALESCE(consent_version, ''), received_at
	FROM offline_submissions
	WHERE idempotency_key = $1
`

// Create inserts the submission unless its idempotency key is already stored.
func (r *PostgresRepository) Create(ctx context.Context, req *CreateSubmissionRequest) (*Submission, bool, error) {
	if err := req.Validate(); err != nil {
		return nil, false, err
	}

	id := uuid.New()
	var receivedAt time.Time
	err := r.db.QueryRow(ctx, insertSubmissionSQL,
		id,
		string(req.Kind),
		req.IdempotencyKey,
		string(req.Payload),
		req.ConsentVersion(),
	).Scan(&receivedAt)
	switch {
	case err == nil:
		return &Submission{
			ID:             id.String(),
			Kind:           req.Kind,
			IdempotencyKey: req.IdempotencyKey,
			Payload:        req.Payload,
			ConsentVersion: req.ConsentVersion(),
			ReceivedAt:     receivedAt,
		}, true, nil
	case errors.Is(err, pgx.ErrNoRows):
		// Conflict: a previous delivery of the same key won.
	default:
		return nil, false, fmt.Errorf("intake: insert failed: %w", err)
	}

	existing, err := r.GetByKey(ctx, req.IdempotencyKey)
	if err != nil {
		return nil, false, err
	}
	if existing.Kind != req.Kind {
		return nil, false, ErrKeyConflict
	}
	return existing, false, nil
}

// GetByKey fetches the submission stored under an idempotency key.
func (r *PostgresRepository) GetByKey(ctx context.Context, key string) (*Submission, error) {
	var (
		sub     Submission
		kind    string
		payload string
	)
	err := r.db.QueryRow(ctx, selectSubmissionSQL, key).Scan(
		&sub.ID,
		&kind,
		&sub.IdempotencyKey,
		&payload,
		&sub.ConsentVersion,
		&sub.ReceivedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrSubmissionNotFound
		}
		return nil, fmt.Errorf("intake: get submission failed: %w", err)
	}
	sub.Kind = offline.Kind(kind)
	sub.Payload = json.RawMessage(payload)
	return &sub, nil
}
