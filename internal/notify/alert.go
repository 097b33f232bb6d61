package notify

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/wolfman30/clinic-offline-sync/internal/syncer"
	"github.com/wolfman30/clinic-offline-sync/pkg/logging"
)

// FailureAlerter emails clinic staff one digest per pass listing the items
// that exhausted their retries, so unsent appointments get followed up by
// hand.
type FailureAlerter struct {
	sender   EmailSender
	to       string
	deviceID string
	logger   *logging.Logger

	mu      sync.Mutex
	pending []syncer.PermanentFailure
}

func NewFailureAlerter(sender EmailSender, to, deviceID string, logger *logging.Logger) *FailureAlerter {
	if sender == nil {
		panic("notify: email sender required")
	}
	if strings.TrimSpace(to) == "" {
		panic("notify: alert recipient required")
	}
	if logger == nil {
		logger = logging.Default()
	}
	return &FailureAlerter{sender: sender, to: to, deviceID: deviceID, logger: logger}
}

// Record matches syncer.PermanentFailureHandler.
func (a *FailureAlerter) Record(_ context.Context, f syncer.PermanentFailure) {
	a.mu.Lock()
	a.pending = append(a.pending, f)
	a.mu.Unlock()
}

// Flush matches syncer.PassHandler and sends the digest, if any.
func (a *FailureAlerter) Flush(ctx context.Context, _ syncer.PassResult) {
	a.mu.Lock()
	failures := a.pending
	a.pending = nil
	a.mu.Unlock()
	if len(failures) == 0 {
		return
	}
	if err := a.sender.Send(ctx, a.digest(failures)); err != nil {
		a.logger.Error("failure alert email not sent", "error", err, "count", len(failures))
		// Keep them for the next pass.
		a.mu.Lock()
		a.pending = append(failures, a.pending...)
		a.mu.Unlock()
	}
}

func (a *FailureAlerter) digest(failures []syncer.PermanentFailure) EmailMessage {
	device := a.deviceID
	if device == "" {
		device = "clinic device"
	}
	subject := fmt.Sprintf("%d offline action(s) could not be delivered from %s", len(failures), device)

	var b strings.Builder
	b.WriteString("The following actions were saved on the device but the backend never accepted them.\n")
	b.WriteString("They stay on the device and can be requeued with `syncctl requeue <kind> <id>`.\n\n")
	for _, f := range failures {
		fmt.Fprintf(&b, "- %s %s (%d attempts, last at %s)", f.Item.Type, f.Item.SourceID(), f.Attempts, f.At.UTC().Format(time.RFC3339))
		if f.Err != nil {
			fmt.Fprintf(&b, ": %s", f.Err.Error())
		}
		b.WriteString("\n")
	}
	return EmailMessage{To: a.to, Subject: subject, Text: b.String()}
}
