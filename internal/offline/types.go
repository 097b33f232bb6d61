// Package offline defines the records the clinic portal persists locally while
// the backend is unreachable, and the queue items that replay them.
package offline

import (
	"encoding/json"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Kind identifies which domain action a record or queue item carries.
type Kind string

const (
	KindAppointment Kind = "appointment"
	KindContact     Kind = "contact"
	KindConsent     Kind = "consent"
)

// Kinds lists every supported kind in a stable order.
var Kinds = []Kind{KindAppointment, KindContact, KindConsent}

// ParseKind validates a kind received from the outside.
func ParseKind(s string) (Kind, error) {
	switch k := Kind(strings.ToLower(strings.TrimSpace(s))); k {
	case KindAppointment, KindContact, KindConsent:
		return k, nil
	default:
		return "", ErrUnknownKind
	}
}

// Status is the lifecycle state of a PendingRecord.
type Status string

const (
	StatusPending Status = "pending"
	StatusSyncing Status = "syncing"
	StatusSynced  Status = "synced"
	StatusError   Status = "error"
)

// Priority orders ready queue items. It never preempts or changes backoff.
type Priority string

const (
	PriorityHigh   Priority = "high"
	PriorityMedium Priority = "medium"
	PriorityLow    Priority = "low"
)

// Rank returns the sort position of p; unknown priorities sort last.
func (p Priority) Rank() int {
	switch p {
	case PriorityHigh:
		return 0
	case PriorityMedium:
		return 1
	case PriorityLow:
		return 2
	default:
		return 3
	}
}

// Route is the backend target a kind replays against.
type Route struct {
	Endpoint string
	Method   string
	Priority Priority
}

var routes = map[Kind]Route{
	KindAppointment: {Endpoint: "/api/agendamento", Method: http.MethodPost, Priority: PriorityHigh},
	KindContact:     {Endpoint: "/api/contacto", Method: http.MethodPost, Priority: PriorityMedium},
	KindConsent:     {Endpoint: "/api/consent-log", Method: http.MethodPost, Priority: PriorityLow},
}

// RouteFor returns the replay route for kind.
func RouteFor(kind Kind) (Route, error) {
	r, ok := routes[kind]
	if !ok {
		return Route{}, ErrUnknownKind
	}
	return r, nil
}

// PendingRecord is a domain action awaiting confirmation from the backend.
// Consent logs track delivery with Synced instead of Status.
type PendingRecord struct {
	ID         string          `json:"id"`
	Kind       Kind            `json:"kind"`
	Timestamp  int64           `json:"timestamp"`
	Payload    json.RawMessage `json:"payload"`
	Status     Status          `json:"status,omitempty"`
	RetryCount int             `json:"retryCount"`
	Version    string          `json:"version,omitempty"`
	Synced     bool            `json:"synced,omitempty"`
}

// IsSynced reports whether the backend has acknowledged the record.
func (r PendingRecord) IsSynced() bool {
	if r.Kind == KindConsent {
		return r.Synced
	}
	return r.Status == StatusSynced
}

// SyncQueueItem is the replayable unit of work derived from a PendingRecord.
// Data is a snapshot taken at enqueue time.
type SyncQueueItem struct {
	ID         string          `json:"id"`
	Type       Kind            `json:"type"`
	Endpoint   string          `json:"endpoint"`
	Method     string          `json:"method"`
	Data       json.RawMessage `json:"data"`
	Timestamp  int64           `json:"timestamp"`
	RetryCount int             `json:"retryCount"`
	NextRetry  int64           `json:"nextRetry"`
	Priority   Priority        `json:"priority"`
}

// SourceID returns the id of the record this item was derived from.
func (i SyncQueueItem) SourceID() string {
	return SourceID(i.ID)
}

// CacheEntry is a cached API response. It is dead once now > Expires.
type CacheEntry struct {
	Key       string          `json:"key"`
	Data      json.RawMessage `json:"data"`
	Timestamp int64           `json:"timestamp"`
	Expires   int64           `json:"expires"`
	Tags      []string        `json:"tags,omitempty"`
}

// Expired reports whether the entry is past its TTL at nowMs.
func (e CacheEntry) Expired(nowMs int64) bool {
	return nowMs > e.Expires
}

// StorageStats counts rows per collection for diagnostics only.
type StorageStats struct {
	Appointments int `json:"appointments"`
	Contacts     int `json:"contacts"`
	ConsentLogs  int `json:"consentLogs"`
	SyncQueue    int `json:"syncQueue"`
	CacheSize    int `json:"cacheSize"`
}

const queueIDPrefix = "sync_"

// NewRecordID builds "<epoch ms>_<random suffix>".
func NewRecordID(now time.Time) string {
	suffix := strings.ReplaceAll(uuid.NewString(), "-", "")[:9]
	return strconv.FormatInt(now.UnixMilli(), 10) + "_" + suffix
}

// QueueItemID derives the queue item id for a record id.
func QueueItemID(recordID string) string {
	return queueIDPrefix + recordID
}

// SourceID strips the queue prefix from a queue item id.
func SourceID(queueID string) string {
	return strings.TrimPrefix(queueID, queueIDPrefix)
}

// Millis converts t to epoch milliseconds.
func Millis(t time.Time) int64 {
	return t.UnixMilli()
}
