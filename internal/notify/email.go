package notify

import (
	"context"
	"fmt"
	"strings"

	"github.com/sendgrid/rest"
	"github.com/sendgrid/sendgrid-go"
	"github.com/sendgrid/sendgrid-go/helpers/mail"

	"github.com/wolfman30/clinic-offline-sync/pkg/logging"
)

// EmailSender delivers one staff alert. SendGrid and SES implement it.
type EmailSender interface {
	Send(ctx context.Context, msg EmailMessage) error
}

// EmailMessage is a plain-text alert for clinic staff.
type EmailMessage struct {
	To      string
	Subject string
	Text    string
}

// From is the sender identity shown in staff inboxes. An empty Name shows
// as "Clinic Sync Agent".
type From struct {
	Address string
	Name    string
}

func (f From) withDefaults() From {
	if strings.TrimSpace(f.Name) == "" {
		f.Name = "Clinic Sync Agent"
	}
	return f
}

func (f From) String() string {
	return fmt.Sprintf("%s <%s>", f.Name, f.Address)
}

// DeliveryError is a provider refusing an alert.
type DeliveryError struct {
	Provider string
	Status   int
	Detail   string
}

func (e *DeliveryError) Error() string {
	if e.Status > 0 {
		return fmt.Sprintf("notify: %s rejected alert with status %d", e.Provider, e.Status)
	}
	return fmt.Sprintf("notify: %s rejected alert: %s", e.Provider, e.Detail)
}

type sendGridClient interface {
	SendWithContext(ctx context.Context, email *mail.SGMailV3) (*rest.Response, error)
}

type SendGridSender struct {
	client sendGridClient
	from   From
	logger *logging.Logger
}

// NewSendGridSender returns nil without an API key so alerts stay off.
func NewSendGridSender(apiKey string, from From, logger *logging.Logger) *SendGridSender {
	if strings.TrimSpace(apiKey) == "" {
		return nil
	}
	return newSendGridSender(sendgrid.NewSendClient(apiKey), from, logger)
}

func newSendGridSender(client sendGridClient, from From, logger *logging.Logger) *SendGridSender {
	if logger == nil {
		logger = logging.Default()
	}
	return &SendGridSender{client: client, from: from.withDefaults(), logger: logger}
}

func (s *SendGridSender) Send(ctx context.Context, msg EmailMessage) error {
	if s.client == nil {
		return fmt.Errorf("notify: sendgrid client not configured")
	}
	m := mail.NewSingleEmail(
		mail.NewEmail(s.from.Name, s.from.Address),
		msg.Subject,
		mail.NewEmail("", msg.To),
		msg.Text, "",
	)
	resp, err := s.client.SendWithContext(ctx, m)
	if err != nil {
		return fmt.Errorf("notify: sendgrid send: %w", err)
	}
	// SendGrid answers 202 on acceptance.
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		s.logger.Error("sendgrid refused alert", "status", resp.StatusCode, "body", resp.Body, "to", msg.To)
		return &DeliveryError{Provider: "sendgrid", Status: resp.StatusCode, Detail: resp.Body}
	}
	s.logger.Info("alert email accepted", "provider", "sendgrid", "to", msg.To, "subject", msg.Subject)
	return nil
}
