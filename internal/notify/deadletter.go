package notify

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	"github.com/aws/aws-sdk-go-v2/service/sqs/types"

	"github.com/wolfman30/clinic-offline-sync/internal/syncer"
	"github.com/wolfman30/clinic-offline-sync/pkg/logging"
)

type sqsSender interface {
	SendMessage(ctx context.Context, params *sqs.SendMessageInput, optFns ...func(*sqs.Options)) (*sqs.SendMessageOutput, error)
}

// DeadLetter is the message body for an item that exhausted its retries.
type DeadLetter struct {
	DeviceID string          `json:"deviceId,omitempty"`
	ItemID   string          `json:"itemId"`
	RecordID string          `json:"recordId"`
	Type     string          `json:"type"`
	Endpoint string          `json:"endpoint"`
	Method   string          `json:"method"`
	Data     json.RawMessage `json:"data"`
	Attempts int             `json:"attempts"`
	Error    string          `json:"error,omitempty"`
	FailedAt int64           `json:"failedAt"`
}

// DeadLetterPublisher copies permanently failed items to an SQS queue so
// someone at the clinic backend can follow up.
type DeadLetterPublisher struct {
	client   sqsSender
	queueURL string
	deviceID string
	logger   *logging.Logger
}

func NewDeadLetterPublisher(client sqsSender, queueURL, deviceID string, logger *logging.Logger) *DeadLetterPublisher {
	if client == nil {
		panic("notify: SQS client cannot be nil")
	}
	if queueURL == "" {
		panic("notify: SQS queueURL cannot be empty")
	}
	if logger == nil {
		logger = logging.Default()
	}
	return &DeadLetterPublisher{client: client, queueURL: queueURL, deviceID: deviceID, logger: logger}
}

// Publish sends one dead letter.
func (p *DeadLetterPublisher) Publish(ctx context.Context, f syncer.PermanentFailure) error {
	letter := DeadLetter{
		DeviceID: p.deviceID,
		ItemID:   f.Item.ID,
		RecordID: f.Item.SourceID(),
		Type:     string(f.Item.Type),
		Endpoint: f.Item.Endpoint,
		Method:   f.Item.Method,
		Data:     f.Item.Data,
		Attempts: f.Attempts,
		FailedAt: f.At.UnixMilli(),
	}
	if f.Err != nil {
		letter.Error = f.Err.Error()
	}
	body, err := json.Marshal(letter)
	if err != nil {
		return fmt.Errorf("notify: marshal dead letter: %w", err)
	}
	_, err = p.client.SendMessage(ctx, &sqs.SendMessageInput{
		QueueUrl:    aws.String(p.queueURL),
		MessageBody: aws.String(string(body)),
		MessageAttributes: map[string]types.MessageAttributeValue{
			"type": {DataType: aws.String("String"), StringValue: aws.String(letter.Type)},
		},
	})
	if err != nil {
		return fmt.Errorf("notify: failed to send dead letter: %w", err)
	}
	return nil
}

// Handle matches syncer.PermanentFailureHandler and logs send failures.
func (p *DeadLetterPublisher) Handle(ctx context.Context, f syncer.PermanentFailure) {
	if err := p.Publish(ctx, f); err != nil {
		p.logger.Error("dead letter publish failed", "error", err, "item_id", f.Item.ID)
		return
	}
	p.logger.Info("dead letter published", "item_id", f.Item.ID, "type", string(f.Item.Type))
}
