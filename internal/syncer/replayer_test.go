package syncer

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wolfman30/clinic-offline-sync/internal/http/middleware"
	"github.com/wolfman30/clinic-offline-sync/internal/offline"
)

func testItem() offline.SyncQueueItem {
	return offline.SyncQueueItem{
		ID:       "sync_1717318200000_ab12cd34e",
		Type:     offline.KindAppointment,
		Endpoint: "/api/agendamento",
		Method:   http.MethodPost,
		Data:     json.RawMessage(`{"service":"botox"}`),
		Priority: offline.PriorityHigh,
	}
}

func TestHTTPReplayerSendsBodyAndHeaders(t *testing.T) {
	signer := middleware.NewServiceTokenSigner("secret", "clinic-sync-agent", "device", time.Minute)

	var gotBody string
	var gotKey, gotType string
	verified := false
	srv := httptest.NewServer(middleware.ServiceJWT("secret", "clinic-sync-agent")(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, verified = middleware.ServiceClaimsFromContext(r.Context())
		if r.URL.Path != "/api/agendamento" || r.Method != http.MethodPost {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		b, _ := io.ReadAll(r.Body)
		gotBody = string(b)
		gotKey = r.Header.Get("Idempotency-Key")
		gotType = r.Header.Get("Content-Type")
		w.WriteHeader(http.StatusCreated)
	})))
	defer srv.Close()

	r, err := NewHTTPReplayer(ReplayerConfig{BaseURL: srv.URL + "/", Signer: signer})
	require.NoError(t, err)

	require.NoError(t, r.Replay(context.Background(), testItem()))
	assert.True(t, verified)
	assert.JSONEq(t, `{"service":"botox"}`, gotBody)
	assert.Equal(t, "sync_1717318200000_ab12cd34e", gotKey)
	assert.Equal(t, "application/json", gotType)
}

func TestHTTPReplayerNon2xxIsReplayError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "validation failed", http.StatusUnprocessableEntity)
	}))
	defer srv.Close()

	r, err := NewHTTPReplayer(ReplayerConfig{BaseURL: srv.URL})
	require.NoError(t, err)

	err = r.Replay(context.Background(), testItem())
	var replayErr *ReplayError
	require.ErrorAs(t, err, &replayErr)
	assert.Equal(t, http.StatusUnprocessableEntity, replayErr.StatusCode)
	assert.Equal(t, "validation failed", replayErr.Body)
}

func TestHTTPReplayerNetworkError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	url := srv.URL
	srv.Close()

	r, err := NewHTTPReplayer(ReplayerConfig{BaseURL: url, Timeout: time.Second})
	require.NoError(t, err)

	err = r.Replay(context.Background(), testItem())
	require.Error(t, err)
	var replayErr *ReplayError
	assert.False(t, errors.As(err, &replayErr))
}

func TestHTTPReplayerTimeout(t *testing.T) {
	block := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-block:
		case <-r.Context().Done():
		}
	}))
	defer srv.Close()
	defer close(block)

	r, err := NewHTTPReplayer(ReplayerConfig{BaseURL: srv.URL, Timeout: 50 * time.Millisecond})
	require.NoError(t, err)
	assert.Error(t, r.Replay(context.Background(), testItem()))
}

func TestNewHTTPReplayerRequiresBaseURL(t *testing.T) {
	_, err := NewHTTPReplayer(ReplayerConfig{BaseURL: "  "})
	assert.Error(t, err)
}

func TestReplayerDrivesManager(t *testing.T) {
	var calls int
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	replayer, err := NewHTTPReplayer(ReplayerConfig{BaseURL: srv.URL})
	require.NoError(t, err)

	m, st, _ := newHarness(t, &fakeReplayer{fn: replayer.Replay}, onlineConn())
	ctx := context.Background()
	id, err := st.SaveContact(ctx, map[string]string{"email": "a@b.c"})
	require.NoError(t, err)

	res := m.RunAutoSync(ctx)
	assert.Equal(t, 1, res.Synced)
	assert.Equal(t, 1, calls)

	rec, err := st.GetRecord(ctx, offline.KindContact, id)
	require.NoError(t, err)
	assert.True(t, rec.IsSynced())
}
