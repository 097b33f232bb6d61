package notify

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wolfman30/clinic-offline-sync/internal/offline"
	"github.com/wolfman30/clinic-offline-sync/internal/syncer"
)

func startHub(t *testing.T, origins []string) (*Hub, *httptest.Server) {
	t.Helper()
	hub := NewHub(nil, origins)
	ctx, cancel := context.WithCancel(context.Background())
	go hub.Run(ctx)
	srv := httptest.NewServer(http.HandlerFunc(hub.ServeWS))
	t.Cleanup(func() {
		cancel()
		srv.Close()
	})
	return hub, srv
}

func dial(t *testing.T, srv *httptest.Server, header http.Header) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(srv.URL, "http")
	conn, _, err := websocket.DefaultDialer.Dial(url, header)
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

func TestHubBroadcastsEvents(t *testing.T) {
	hub, srv := startHub(t, []string{"http://localhost:3000"})
	conn := dial(t, srv, http.Header{"Origin": []string{"http://localhost:3000"}})
	require.Eventually(t, func() bool { return hub.Clients() == 1 }, time.Second, 5*time.Millisecond)

	hub.ItemSynced(context.Background(), offline.SyncQueueItem{ID: "sync_1_abc", Type: offline.KindAppointment, RetryCount: 2})

	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, msg, err := conn.ReadMessage()
	require.NoError(t, err)

	var env struct {
		Type string         `json:"type"`
		Data map[string]any `json:"data"`
	}
	require.NoError(t, json.Unmarshal(msg, &env))
	assert.Equal(t, EventItemSynced, env.Type)
	assert.Equal(t, "1_abc", env.Data["id"])
	assert.Equal(t, "appointment", env.Data["type"])
	assert.Equal(t, float64(3), env.Data["attempts"])
}

func TestHubPermanentFailureEvent(t *testing.T) {
	hub, srv := startHub(t, nil)
	conn := dial(t, srv, nil)
	require.Eventually(t, func() bool { return hub.Clients() == 1 }, time.Second, 5*time.Millisecond)

	hub.PassCompleted(context.Background(), syncer.PassResult{})
	hub.PermanentFailure(context.Background(), syncer.PermanentFailure{
		Item:     offline.SyncQueueItem{ID: "sync_9_x", Type: offline.KindContact},
		Attempts: 5,
		Err:      errors.New("status 500"),
	})

	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, msg, err := conn.ReadMessage()
	require.NoError(t, err)
	assert.Contains(t, string(msg), EventPermanentFailure, "empty passes are not announced")
	assert.Contains(t, string(msg), "status 500")
}

func TestHubRejectsUnknownOrigin(t *testing.T) {
	_, srv := startHub(t, []string{"http://localhost:3000"})
	url := "ws" + strings.TrimPrefix(srv.URL, "http")
	_, resp, err := websocket.DefaultDialer.Dial(url, http.Header{"Origin": []string{"https://evil.example"}})
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)
}

func TestHubUnregistersOnDisconnect(t *testing.T) {
	hub, srv := startHub(t, nil)
	conn := dial(t, srv, nil)
	require.Eventually(t, func() bool { return hub.Clients() == 1 }, time.Second, 5*time.Millisecond)

	require.NoError(t, conn.Close())
	require.Eventually(t, func() bool { return hub.Clients() == 0 }, 2*time.Second, 5*time.Millisecond)
}

type fakeSQS struct {
	inputs []*sqs.SendMessageInput
	err    error
}

func (f *fakeSQS) SendMessage(_ context.Context, in *sqs.SendMessageInput, _ ...func(*sqs.Options)) (*sqs.SendMessageOutput, error) {
	f.inputs = append(f.inputs, in)
	if f.err != nil {
		return nil, f.err
	}
	return &sqs.SendMessageOutput{MessageId: aws.String("m-1")}, nil
}

func TestDeadLetterPublisherSendsBody(t *testing.T) {
	client := &fakeSQS{}
	p := NewDeadLetterPublisher(client, "https://sqs.local/dlq", "front-desk", nil)
	at := time.Date(2025, 5, 1, 12, 0, 0, 0, time.UTC)

	err := p.Publish(context.Background(), syncer.PermanentFailure{
		Item: offline.SyncQueueItem{
			ID:       "sync_42_abc",
			Type:     offline.KindConsent,
			Endpoint: "/api/consent-log",
			Method:   http.MethodPost,
			Data:     json.RawMessage(`{"version":"v1"}`),
		},
		Attempts: 5,
		Err:      errors.New("status 502"),
		At:       at,
	})
	require.NoError(t, err)
	require.Len(t, client.inputs, 1)

	in := client.inputs[0]
	assert.Equal(t, "https://sqs.local/dlq", aws.ToString(in.QueueUrl))
	assert.Equal(t, "consent", aws.ToString(in.MessageAttributes["type"].StringValue))

	var letter DeadLetter
	require.NoError(t, json.Unmarshal([]byte(aws.ToString(in.MessageBody)), &letter))
	assert.Equal(t, "front-desk", letter.DeviceID)
	assert.Equal(t, "42_abc", letter.RecordID)
	assert.Equal(t, 5, letter.Attempts)
	assert.Equal(t, "status 502", letter.Error)
	assert.Equal(t, at.UnixMilli(), letter.FailedAt)
	assert.JSONEq(t, `{"version":"v1"}`, string(letter.Data))
}

func TestDeadLetterPublisherWrapsErrors(t *testing.T) {
	client := &fakeSQS{err: errors.New("throttled")}
	p := NewDeadLetterPublisher(client, "https://sqs.local/dlq", "", nil)
	err := p.Publish(context.Background(), syncer.PermanentFailure{Item: offline.SyncQueueItem{ID: "sync_1"}})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "throttled")

	// Handle never panics or returns; it only logs.
	p.Handle(context.Background(), syncer.PermanentFailure{Item: offline.SyncQueueItem{ID: "sync_1"}})
	assert.Len(t, client.inputs, 2)
}

func TestNewDeadLetterPublisherValidates(t *testing.T) {
	assert.Panics(t, func() { NewDeadLetterPublisher(nil, "url", "", nil) })
	assert.Panics(t, func() { NewDeadLetterPublisher(&fakeSQS{}, "", "", nil) })
}
