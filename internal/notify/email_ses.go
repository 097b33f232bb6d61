package notify

import (
	"context"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/sesv2"
	"github.com/aws/aws-sdk-go-v2/service/sesv2/types"

	"github.com/wolfman30/clinic-offline-sync/pkg/logging"
)

type sesClient interface {
	SendEmail(ctx context.Context, params *sesv2.SendEmailInput, optFns ...func(*sesv2.Options)) (*sesv2.SendEmailOutput, error)
}

// SESSender is the alert sender for clinics that already run in AWS.
type SESSender struct {
	client sesClient
	from   From
	logger *logging.Logger
}

// NewSESSender returns nil for a nil client.
func NewSESSender(client sesClient, from From, logger *logging.Logger) *SESSender {
	if client == nil {
		return nil
	}
	if logger == nil {
		logger = logging.Default()
	}
	return &SESSender{client: client, from: from.withDefaults(), logger: logger}
}

func (s *SESSender) Send(ctx context.Context, msg EmailMessage) error {
	out, err := s.client.SendEmail(ctx, sesAlertInput(s.from, msg))
	if err != nil {
		return fmt.Errorf("notify: ses send: %w", err)
	}
	if aws.ToString(out.MessageId) == "" {
		return &DeliveryError{Provider: "ses", Detail: "no message id returned"}
	}
	s.logger.Info("alert email accepted", "provider", "ses", "to", msg.To, "message_id", aws.ToString(out.MessageId))
	return nil
}

func sesAlertInput(from From, msg EmailMessage) *sesv2.SendEmailInput {
	utf8 := func(s string) *types.Content {
		return &types.Content{Data: aws.String(s), Charset: aws.String("UTF-8")}
	}
	return &sesv2.SendEmailInput{
		FromEmailAddress: aws.String(from.String()),
		Destination:      &types.Destination{ToAddresses: []string{msg.To}},
		Content: &types.EmailContent{
			Simple: &types.Message{
				Subject: utf8(msg.Subject),
				Body:    &types.Body{Text: utf8(msg.Text)},
			},
		},
	}
}

var (
	_ EmailSender = (*SESSender)(nil)
	_ EmailSender = (*SendGridSender)(nil)
)
