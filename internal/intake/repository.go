package intake

import "context"

// Repository persists replayed submissions exactly once per idempotency key.
type Repository interface {
	// Create stores the submission. created is false when the key was
	// already stored, in which case the original submission is returned.
	Create(ctx context.Context, req *CreateSubmissionRequest) (sub *Submission, created bool, err error)
	GetByKey(ctx context.Context, key string) (*Submission, error)
}
