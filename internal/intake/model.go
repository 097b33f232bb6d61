package intake

import (
	"bytes"
	"encoding/json"
	"strings"
	"time"

	"github.com/wolfman30/clinic-offline-sync/internal/offline"
)

// Submission is a replayed offline action accepted by the backend.
type Submission struct {
	ID             string          `json:"id"`
	Kind           offline.Kind    `json:"kind"`
	IdempotencyKey string          `json:"idempotency_key"`
	Payload        json.RawMessage `json:"payload"`
	ConsentVersion string          `json:"consent_version,omitempty"`
	ReceivedAt     time.Time       `json:"received_at"`
}

// CreateSubmissionRequest is one delivery from a sync agent.
type CreateSubmissionRequest struct {
	Kind           offline.Kind
	IdempotencyKey string
	Payload        json.RawMessage

	consentVersion string
}

// Validate checks the request and extracts the consent version.
func (r *CreateSubmissionRequest) Validate() error {
	r.IdempotencyKey = strings.TrimSpace(r.IdempotencyKey)
	if r.IdempotencyKey == "" {
		return ErrMissingIdempotencyKey
	}
	if _, err := offline.RouteFor(r.Kind); err != nil {
		return err
	}
	body := bytes.TrimSpace(r.Payload)
	if len(body) == 0 || body[0] != '{' || !json.Valid(body) {
		return ErrInvalidPayload
	}
	if r.Kind == offline.KindConsent {
		var consent struct {
			Version  string          `json:"version"`
			Settings json.RawMessage `json:"settings"`
		}
		if err := json.Unmarshal(body, &consent); err != nil {
			return ErrInvalidPayload
		}
		r.consentVersion = strings.TrimSpace(consent.Version)
		if r.consentVersion == "" {
			return ErrMissingConsentVersion
		}
	}
	return nil
}

// ConsentVersion is the version carried by a validated consent request.
func (r *CreateSubmissionRequest) ConsentVersion() string {
	return r.consentVersion
}
