package intake

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"time"

	"github.com/wolfman30/clinic-offline-sync/internal/observability/metrics"
	"github.com/wolfman30/clinic-offline-sync/internal/offline"
	"github.com/wolfman30/clinic-offline-sync/pkg/logging"
)

const maxPayloadBytes = 1 << 20

// Handler receives replays from sync agents.
type Handler struct {
	repo    Repository
	metrics *metrics.IntakeMetrics
	logger  *logging.Logger
}

// NewHandler creates a new intake handler. metrics may be nil.
func NewHandler(repo Repository, m *metrics.IntakeMetrics, logger *logging.Logger) *Handler {
	if logger == nil {
		logger = logging.Default()
	}
	return &Handler{
		repo:    repo,
		metrics: m,
		logger:  logger,
	}
}

type receiveResponse struct {
	ID     string `json:"id"`
	Status string `json:"status"`
}

// Receive returns the handler for one replay endpoint. The first delivery of
// an Idempotency-Key answers 201; repeats answer 200 without storing again.
func (h *Handler) Receive(kind offline.Kind) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		outcome := "error"
		defer func() {
			h.metrics.ObserveReceived(string(kind), outcome)
			h.metrics.ObserveLatency(string(kind), time.Since(start).Seconds())
		}()

		body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxPayloadBytes))
		if err != nil {
			outcome = "rejected"
			http.Error(w, "Invalid request body", http.StatusBadRequest)
			return
		}

		req := &CreateSubmissionRequest{
			Kind:           kind,
			IdempotencyKey: r.Header.Get("Idempotency-Key"),
			Payload:        json.RawMessage(body),
		}
		sub, created, err := h.repo.Create(r.Context(), req)
		if err != nil {
			switch {
			case errors.Is(err, ErrKeyConflict):
				outcome = "rejected"
				http.Error(w, err.Error(), http.StatusConflict)
			case errors.Is(err, ErrMissingIdempotencyKey), errors.Is(err, ErrInvalidPayload),
				errors.Is(err, ErrMissingConsentVersion), errors.Is(err, offline.ErrUnknownKind):
				outcome = "rejected"
				http.Error(w, err.Error(), http.StatusBadRequest)
			default:
				h.logger.Error("failed to store submission", "error", err, "type", string(kind))
				http.Error(w, "failed to store submission", http.StatusInternalServerError)
			}
			return
		}

		status := http.StatusCreated
		resp := receiveResponse{ID: sub.ID, Status: "created"}
		outcome = "created"
		if !created {
			status = http.StatusOK
			resp.Status = "duplicate"
			outcome = "duplicate"
		}
		h.logger.Info("submission received",
			"id", sub.ID,
			"type", string(kind),
			"idempotency_key", sub.IdempotencyKey,
			"duplicate", !created,
		)

		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		_ = json.NewEncoder(w).Encode(resp)
	}
}
