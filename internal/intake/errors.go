package intake

import "errors"

var (
	// ErrMissingIdempotencyKey is returned when a replay carries no Idempotency-Key
	ErrMissingIdempotencyKey = errors.New("idempotency key is required")

	// ErrInvalidPayload is returned when the body is not a JSON object
	ErrInvalidPayload = errors.New("payload must be a JSON object")

	// ErrMissingConsentVersion is returned when a consent log has no version
	ErrMissingConsentVersion = errors.New("consent version is required")

	// ErrKeyConflict is returned when an idempotency key was already used for another kind
	ErrKeyConflict = errors.New("idempotency key already used for a different kind")

	// ErrSubmissionNotFound is returned when a submission is not found
	ErrSubmissionNotFound = errors.New("submission not found")
)
