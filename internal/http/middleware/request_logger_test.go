package middleware

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/wolfman30/clinic-offline-sync/pkg/logging"
)

func TestRequestLoggerRecordsStatusAndKey(t *testing.T) {
	var buf bytes.Buffer
	logger := logging.NewWithWriter("info", &buf)

	handler := RequestLogger(logger)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusCreated)
	}))
	req := httptest.NewRequest(http.MethodPost, "/api/agendamento", nil)
	req.Header.Set("Idempotency-Key", "sync_1_abc")
	handler.ServeHTTP(httptest.NewRecorder(), req)

	var entry map[string]any
	if err := json.Unmarshal(bytes.TrimSpace(buf.Bytes()), &entry); err != nil {
		t.Fatalf("decode log line: %v (%s)", err, buf.String())
	}
	if entry["status"] != float64(http.StatusCreated) {
		t.Fatalf("expected status 201, got %v", entry["status"])
	}
	if entry["idempotency_key"] != "sync_1_abc" {
		t.Fatalf("expected idempotency key, got %v", entry["idempotency_key"])
	}
	if entry["request_id"] == "" || entry["request_id"] == nil {
		t.Fatalf("expected a request id")
	}
}

func TestRequestLoggerDefaultsStatus(t *testing.T) {
	var buf bytes.Buffer
	logger := logging.NewWithWriter("info", &buf)

	handler := RequestLogger(logger)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte("ok"))
	}))
	handler.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/health", nil))

	var entry map[string]any
	if err := json.Unmarshal(bytes.TrimSpace(buf.Bytes()), &entry); err != nil {
		t.Fatalf("decode log line: %v", err)
	}
	if entry["status"] != float64(http.StatusOK) {
		t.Fatalf("expected status 200, got %v", entry["status"])
	}
}
