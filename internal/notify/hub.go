// Package notify tells the portal and operators what the sync loop did.
package notify

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/wolfman30/clinic-offline-sync/internal/offline"
	"github.com/wolfman30/clinic-offline-sync/internal/syncer"
	"github.com/wolfman30/clinic-offline-sync/pkg/logging"
)

const (
	EventItemSynced          = "sync.item_synced"
	EventPermanentFailure    = "sync.permanent_failure"
	EventPassCompleted       = "sync.pass_completed"
	EventConnectivityChanged = "connectivity.changed"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = (pongWait * 9) / 10
	sendBuffer = 32
)

// Envelope wraps every websocket message.
type Envelope struct {
	Type      string `json:"type"`
	Data      any    `json:"data"`
	Timestamp int64  `json:"timestamp"`
}

type wsClient struct {
	conn *websocket.Conn
	send chan []byte
}

// Hub pushes sync events to every connected portal page. Run must be started
// before clients connect.
type Hub struct {
	logger     *logging.Logger
	upgrader   websocket.Upgrader
	register   chan *wsClient
	unregister chan *wsClient
	broadcast  chan []byte
	clients    map[*wsClient]struct{}
	done       chan struct{}
	count      atomic.Int32
	now        func() time.Time
}

// NewHub accepts upgrades from allowedOrigins ("*" for any). Requests with no
// Origin header, such as local tools, are always accepted.
func NewHub(logger *logging.Logger, allowedOrigins []string) *Hub {
	if logger == nil {
		logger = logging.Default()
	}
	allow := map[string]struct{}{}
	allowAny := false
	for _, o := range allowedOrigins {
		o = strings.TrimRight(strings.TrimSpace(o), "/")
		if o == "*" {
			allowAny = true
		} else if o != "" {
			allow[o] = struct{}{}
		}
	}
	h := &Hub{
		logger:     logger,
		register:   make(chan *wsClient),
		unregister: make(chan *wsClient),
		broadcast:  make(chan []byte, 256),
		clients:    make(map[*wsClient]struct{}),
		done:       make(chan struct{}),
		now:        time.Now,
	}
	h.upgrader = websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin: func(r *http.Request) bool {
			origin := r.Header.Get("Origin")
			if origin == "" || allowAny {
				return true
			}
			_, ok := allow[origin]
			return ok
		},
	}
	return h
}

// Run owns the client set until ctx ends, then disconnects everyone.
func (h *Hub) Run(ctx context.Context) {
	defer close(h.done)
	for {
		select {
		case <-ctx.Done():
			for c := range h.clients {
				h.drop(c)
			}
			return
		case c := <-h.register:
			h.clients[c] = struct{}{}
			h.count.Store(int32(len(h.clients)))
			h.logger.Debug("websocket client connected", "clients", len(h.clients))
		case c := <-h.unregister:
			if _, ok := h.clients[c]; ok {
				h.drop(c)
			}
		case msg := <-h.broadcast:
			for c := range h.clients {
				select {
				case c.send <- msg:
				default:
					// Slow reader; it reconnects and reloads stats.
					h.drop(c)
				}
			}
		}
	}
}

func (h *Hub) drop(c *wsClient) {
	delete(h.clients, c)
	close(c.send)
	h.count.Store(int32(len(h.clients)))
}

// Clients returns the number of connected clients.
func (h *Hub) Clients() int {
	return int(h.count.Load())
}

// ServeWS upgrades the request and streams events until the client leaves.
func (h *Hub) ServeWS(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn("websocket upgrade failed", "error", err)
		return
	}
	c := &wsClient{conn: conn, send: make(chan []byte, sendBuffer)}
	select {
	case h.register <- c:
	case <-h.done:
		_ = conn.Close()
		return
	case <-r.Context().Done():
		_ = conn.Close()
		return
	}
	go h.writePump(c)
	h.readPump(c)
}

func (h *Hub) readPump(c *wsClient) {
	defer func() {
		select {
		case h.unregister <- c:
		case <-h.done:
		}
		_ = c.conn.Close()
	}()
	c.conn.SetReadLimit(512)
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})
	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			return
		}
	}
}

func (h *Hub) writePump(c *wsClient) {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		_ = c.conn.Close()
	}()
	for {
		select {
		case msg, ok := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				_ = c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				return
			}
		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// Publish queues an event for every client. Events are dropped when the hub
// is backed up.
func (h *Hub) Publish(eventType string, data any) {
	msg, err := json.Marshal(Envelope{Type: eventType, Data: data, Timestamp: h.now().UnixMilli()})
	if err != nil {
		h.logger.Error("marshal websocket event failed", "error", err, "type", eventType)
		return
	}
	select {
	case h.broadcast <- msg:
	default:
		h.logger.Warn("websocket broadcast buffer full", "type", eventType)
	}
}

// ItemSynced matches syncer.SyncedHandler.
func (h *Hub) ItemSynced(_ context.Context, item offline.SyncQueueItem) {
	h.Publish(EventItemSynced, map[string]any{
		"id":       item.SourceID(),
		"type":     item.Type,
		"attempts": item.RetryCount + 1,
	})
}

// PermanentFailure matches syncer.PermanentFailureHandler.
func (h *Hub) PermanentFailure(_ context.Context, f syncer.PermanentFailure) {
	data := map[string]any{
		"id":       f.Item.SourceID(),
		"type":     f.Item.Type,
		"attempts": f.Attempts,
	}
	if f.Err != nil {
		data["error"] = f.Err.Error()
	}
	h.Publish(EventPermanentFailure, data)
}

// PassCompleted matches syncer.PassHandler.
func (h *Hub) PassCompleted(_ context.Context, res syncer.PassResult) {
	if res.Attempted == 0 {
		return
	}
	h.Publish(EventPassCompleted, res)
}

// ConnectivityChanged announces an online/offline transition.
func (h *Hub) ConnectivityChanged(online bool) {
	h.Publish(EventConnectivityChanged, map[string]bool{"online": online})
}
