// Package agentapi is the loopback HTTP surface the portal pages use to hand
// actions to the sync agent and to read its state.
package agentapi

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/wolfman30/clinic-offline-sync/internal/cache"
	"github.com/wolfman30/clinic-offline-sync/internal/offline"
	"github.com/wolfman30/clinic-offline-sync/internal/syncer"
	"github.com/wolfman30/clinic-offline-sync/pkg/logging"
)

const maxBodyBytes = 1 << 20

type recordStore interface {
	SaveAppointment(ctx context.Context, data any) (string, error)
	SaveContact(ctx context.Context, data any) (string, error)
	SaveConsentLog(ctx context.Context, settings any, version string) (string, error)
	GetStorageStats(ctx context.Context) (offline.StorageStats, error)
	StrandedRecords(ctx context.Context) ([]offline.PendingRecord, error)
	Requeue(ctx context.Context, kind offline.Kind, id string) error
}

type syncRunner interface {
	RunAutoSync(ctx context.Context) syncer.PassResult
}

type onlineChecker interface {
	Online() bool
}

type readThrough interface {
	Get(ctx context.Context, key string) (json.RawMessage, bool)
	Fetch(ctx context.Context, key string, fetch cache.FetchFunc, tags ...string) (json.RawMessage, error)
}

// Handler serves the agent API.
type Handler struct {
	store      recordStore
	syncer     syncRunner
	conn       onlineChecker
	cache      readThrough
	backendURL string
	client     *http.Client
	logger     *logging.Logger

	kickTimeout time.Duration
	kick        func()
}

// NewHandler builds the handler. conn and cache may be nil.
func NewHandler(store recordStore, runner syncRunner, conn onlineChecker, logger *logging.Logger) *Handler {
	if store == nil {
		panic("agentapi: store required")
	}
	if runner == nil {
		panic("agentapi: sync runner required")
	}
	if logger == nil {
		logger = logging.Default()
	}
	h := &Handler{
		store:       store,
		syncer:      runner,
		conn:        conn,
		client:      &http.Client{Timeout: 10 * time.Second},
		logger:      logger,
		kickTimeout: time.Minute,
	}
	h.kick = h.kickAsync
	return h
}

// WithCache enables /api/cache and the read-through backend proxy.
func (h *Handler) WithCache(c readThrough, backendURL string, client *http.Client) *Handler {
	h.cache = c
	h.backendURL = strings.TrimRight(backendURL, "/")
	if client != nil {
		h.client = client
	}
	return h
}

func (h *Handler) online() bool {
	return h.conn == nil || h.conn.Online()
}

// kickAsync starts a pass right after a save so an online device does not
// wait for the next tick.
func (h *Handler) kickAsync() {
	if !h.online() {
		return
	}
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), h.kickTimeout)
		defer cancel()
		h.syncer.RunAutoSync(ctx)
	}()
}

type savedResponse struct {
	ID     string         `json:"id"`
	Status offline.Status `json:"status"`
}

// CreateAppointment handles POST /api/appointments.
func (h *Handler) CreateAppointment(w http.ResponseWriter, r *http.Request) {
	h.savePayload(w, r, offline.KindAppointment, h.store.SaveAppointment)
}

// CreateContact handles POST /api/contacts.
func (h *Handler) CreateContact(w http.ResponseWriter, r *http.Request) {
	h.savePayload(w, r, offline.KindContact, h.store.SaveContact)
}

func (h *Handler) savePayload(w http.ResponseWriter, r *http.Request, kind offline.Kind, save func(context.Context, any) (string, error)) {
	payload, err := decodeObject(w, r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	id, err := save(r.Context(), payload)
	if err != nil {
		h.saveFailed(w, kind, err)
		return
	}
	h.logger.Info("offline record saved", "type", string(kind), "id", id)
	h.kick()
	writeJSON(w, http.StatusAccepted, savedResponse{ID: id, Status: offline.StatusPending})
}

type consentRequest struct {
	Settings json.RawMessage `json:"settings"`
	Version  string          `json:"version"`
}

// CreateConsent handles POST /api/consent.
func (h *Handler) CreateConsent(w http.ResponseWriter, r *http.Request) {
	raw, err := decodeObject(w, r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	var req consentRequest
	if err := json.Unmarshal(raw, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid consent body")
		return
	}
	req.Version = strings.TrimSpace(req.Version)
	if req.Version == "" {
		writeError(w, http.StatusBadRequest, "version is required")
		return
	}
	if !isJSONObject(req.Settings) {
		writeError(w, http.StatusBadRequest, "settings must be an object")
		return
	}
	id, err := h.store.SaveConsentLog(r.Context(), req.Settings, req.Version)
	if err != nil {
		h.saveFailed(w, offline.KindConsent, err)
		return
	}
	h.logger.Info("consent decision saved", "id", id, "version", req.Version)
	h.kick()
	writeJSON(w, http.StatusAccepted, savedResponse{ID: id, Status: offline.StatusPending})
}

func (h *Handler) saveFailed(w http.ResponseWriter, kind offline.Kind, err error) {
	// The user must be told: the action was not recorded anywhere.
	h.logger.Error("offline save failed", "type", string(kind), "error", err)
	writeError(w, http.StatusInternalServerError, "not saved")
}

type statsResponse struct {
	offline.StorageStats
	Online bool `json:"online"`
}

// Stats handles GET /api/stats.
func (h *Handler) Stats(w http.ResponseWriter, r *http.Request) {
	st, err := h.store.GetStorageStats(r.Context())
	if err != nil {
		h.logger.Error("storage stats failed", "error", err)
		writeError(w, http.StatusInternalServerError, "stats unavailable")
		return
	}
	writeJSON(w, http.StatusOK, statsResponse{StorageStats: st, Online: h.online()})
}

// Sync handles POST /api/sync and runs a pass inline.
func (h *Handler) Sync(w http.ResponseWriter, r *http.Request) {
	res := h.syncer.RunAutoSync(r.Context())
	status := http.StatusOK
	if res.Skipped {
		status = http.StatusConflict
	}
	writeJSON(w, status, res)
}

// Stranded handles GET /api/records/stranded.
func (h *Handler) Stranded(w http.ResponseWriter, r *http.Request) {
	records, err := h.store.StrandedRecords(r.Context())
	if err != nil {
		h.logger.Error("list stranded records failed", "error", err)
		writeError(w, http.StatusInternalServerError, "stranded records unavailable")
		return
	}
	if records == nil {
		records = []offline.PendingRecord{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"records": records, "count": len(records)})
}

// Requeue handles POST /api/records/{kind}/{id}/requeue.
func (h *Handler) Requeue(w http.ResponseWriter, r *http.Request) {
	kind, err := offline.ParseKind(chi.URLParam(r, "kind"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "unknown record kind")
		return
	}
	id := chi.URLParam(r, "id")
	err = h.store.Requeue(r.Context(), kind, id)
	switch {
	case err == nil:
		h.logger.Info("record requeued", "type", string(kind), "id", id)
		h.kick()
		writeJSON(w, http.StatusAccepted, map[string]string{"id": id, "status": "queued"})
	case errors.Is(err, offline.ErrNotFound):
		writeError(w, http.StatusNotFound, "record not found")
	case errors.Is(err, offline.ErrAlreadySynced), errors.Is(err, offline.ErrAlreadyQueued):
		writeError(w, http.StatusConflict, err.Error())
	default:
		h.logger.Error("requeue failed", "error", err, "type", string(kind), "id", id)
		writeError(w, http.StatusInternalServerError, "requeue failed")
	}
}

// CachedEntry handles GET /api/cache/{key}.
func (h *Handler) CachedEntry(w http.ResponseWriter, r *http.Request) {
	if h.cache == nil {
		writeError(w, http.StatusNotFound, "cache disabled")
		return
	}
	data, ok := h.cache.Get(r.Context(), chi.URLParam(r, "key"))
	if !ok {
		writeError(w, http.StatusNotFound, "not cached")
		return
	}
	writeRaw(w, http.StatusOK, data)
}

// BackendProxy handles GET /api/backend/* by serving from cache, or fetching
// from the backend and caching the answer. Offline misses get 503.
func (h *Handler) BackendProxy(w http.ResponseWriter, r *http.Request) {
	if h.cache == nil || h.backendURL == "" {
		writeError(w, http.StatusNotFound, "proxy disabled")
		return
	}
	path := "/" + strings.TrimPrefix(chi.URLParam(r, "*"), "/")
	key := "backend:" + path
	if r.URL.RawQuery != "" {
		key += "?" + r.URL.RawQuery
	}

	if !h.online() {
		if data, ok := h.cache.Get(r.Context(), key); ok {
			writeRaw(w, http.StatusOK, data)
			return
		}
		writeError(w, http.StatusServiceUnavailable, "offline and not cached")
		return
	}

	target := h.backendURL + path
	if r.URL.RawQuery != "" {
		target += "?" + r.URL.RawQuery
	}
	data, err := h.cache.Fetch(r.Context(), key, func(ctx context.Context) (json.RawMessage, error) {
		return h.fetchBackend(ctx, target)
	}, tagsForPath(path)...)
	if err != nil {
		h.logger.Warn("backend proxy failed", "error", err, "path", path)
		writeError(w, http.StatusBadGateway, "backend unavailable")
		return
	}
	writeRaw(w, http.StatusOK, data)
}

func (h *Handler) fetchBackend(ctx context.Context, target string) (json.RawMessage, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "application/json")
	resp, err := h.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
	if err != nil {
		return nil, err
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, fmt.Errorf("agentapi: backend returned status %d", resp.StatusCode)
	}
	if !json.Valid(body) {
		return nil, errors.New("agentapi: backend returned invalid JSON")
	}
	return json.RawMessage(body), nil
}

// tagsForPath tags a proxied read with the record kind whose replays can
// change it, so a successful sync evicts it.
func tagsForPath(path string) []string {
	var tags []string
	for _, kind := range offline.Kinds {
		route, err := offline.RouteFor(kind)
		if err != nil {
			continue
		}
		if path == route.Endpoint || strings.HasPrefix(path, route.Endpoint+"/") {
			tags = append(tags, string(kind))
		}
	}
	return tags
}

// Health handles GET /health.
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"status": "ok", "online": h.online()})
}

func decodeObject(w http.ResponseWriter, r *http.Request) (json.RawMessage, error) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err != nil {
		return nil, errors.New("request body too large")
	}
	if !isJSONObject(body) {
		return nil, errors.New("request body must be a JSON object")
	}
	return json.RawMessage(body), nil
}

func isJSONObject(b []byte) bool {
	b = bytes.TrimSpace(b)
	return len(b) > 0 && b[0] == '{' && json.Valid(b)
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeRaw(w http.ResponseWriter, status int, data json.RawMessage) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_, _ = w.Write(data)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
