package syncer

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/wolfman30/clinic-offline-sync/internal/offline"
	"github.com/wolfman30/clinic-offline-sync/pkg/logging"
)

var replayTracer = otel.Tracer("clinic.internal.syncer.replay")

const defaultUserAgent = "clinic-sync-agent/1.0"

// TokenSigner mints bearer tokens for replayed requests.
type TokenSigner interface {
	Sign(now time.Time) (string, error)
}

// ReplayError is a non-2xx answer from the backend.
type ReplayError struct {
	StatusCode int
	Body       string
}

func (e *ReplayError) Error() string {
	if e.Body == "" {
		return fmt.Sprintf("syncer: backend returned status %d", e.StatusCode)
	}
	return fmt.Sprintf("syncer: backend returned status %d: %s", e.StatusCode, e.Body)
}

// ReplayerConfig controls how HTTPReplayer reaches the backend.
type ReplayerConfig struct {
	BaseURL    string
	Timeout    time.Duration
	HTTPClient *http.Client
	Signer     TokenSigner
	UserAgent  string
	Logger     *logging.Logger
}

// HTTPReplayer performs each queue item's method against BaseURL + endpoint.
type HTTPReplayer struct {
	baseURL    string
	httpClient *http.Client
	signer     TokenSigner
	userAgent  string
	logger     *logging.Logger
	now        func() time.Time
}

func NewHTTPReplayer(cfg ReplayerConfig) (*HTTPReplayer, error) {
	baseURL := strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/")
	if baseURL == "" {
		return nil, errors.New("syncer: backend base URL is required")
	}
	httpClient := cfg.HTTPClient
	if httpClient == nil {
		timeout := cfg.Timeout
		if timeout <= 0 {
			timeout = 30 * time.Second
		}
		httpClient = &http.Client{Timeout: timeout}
	}
	userAgent := strings.TrimSpace(cfg.UserAgent)
	if userAgent == "" {
		userAgent = defaultUserAgent
	}
	logger := cfg.Logger
	if logger == nil {
		logger = logging.Default()
	}
	return &HTTPReplayer{
		baseURL:    baseURL,
		httpClient: httpClient,
		signer:     cfg.Signer,
		userAgent:  userAgent,
		logger:     logger,
		now:        time.Now,
	}, nil
}

// Replay sends item.Data as the JSON body. The queue item id doubles as the
// Idempotency-Key so the backend can discard duplicate deliveries.
func (r *HTTPReplayer) Replay(ctx context.Context, item offline.SyncQueueItem) error {
	method := item.Method
	if method == "" {
		method = http.MethodPost
	}

	ctx, span := replayTracer.Start(ctx, "syncer.replay", trace.WithSpanKind(trace.SpanKindClient))
	defer span.End()
	span.SetAttributes(
		attribute.String("clinic.sync.item_id", item.ID),
		attribute.String("clinic.sync.type", string(item.Type)),
		attribute.String("http.method", method),
		attribute.String("http.route", item.Endpoint),
		attribute.Int("clinic.sync.retry_count", item.RetryCount),
	)

	req, err := http.NewRequestWithContext(ctx, method, r.baseURL+item.Endpoint, bytes.NewReader(item.Data))
	if err != nil {
		span.RecordError(err)
		return fmt.Errorf("syncer: build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	req.Header.Set("Idempotency-Key", item.ID)
	req.Header.Set("User-Agent", r.userAgent)
	if r.signer != nil {
		token, err := r.signer.Sign(r.now())
		if err != nil {
			span.RecordError(err)
			return fmt.Errorf("syncer: sign request: %w", err)
		}
		req.Header.Set("Authorization", "Bearer "+token)
	}

	resp, err := r.httpClient.Do(req)
	if err != nil {
		span.RecordError(err)
		return fmt.Errorf("syncer: send %s: %w", item.ID, err)
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
	span.SetAttributes(attribute.Int("http.status_code", resp.StatusCode))

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return nil
	}
	replayErr := &ReplayError{StatusCode: resp.StatusCode, Body: strings.TrimSpace(string(body))}
	span.RecordError(replayErr)
	r.logger.Debug("backend rejected replay", "item_id", item.ID, "status", resp.StatusCode)
	return replayErr
}
