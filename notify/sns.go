package notify

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/MrEthical07/regflow"
	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/sns"
	"github.com/aws/aws-sdk-go-v2/service/sns/types"
)

// Publisher is the subset of *sns.Client the SNS notifier calls.
type Publisher interface {
	Publish(ctx context.Context, params *sns.PublishInput, optFns ...func(*sns.Options)) (*sns.PublishOutput, error)
}

// SNSNotifier publishes each completed registration to a topic so other
// systems (badge printing, seating) can react.
type SNSNotifier struct {
	client   Publisher
	topicARN string
}

var _ regflow.RegistrationNotifier = (*SNSNotifier)(nil)

func NewSNSNotifier(client Publisher, topicARN string) *SNSNotifier {
	return &SNSNotifier{client: client, topicARN: topicARN}
}

// NewSNSNotifierFromConfig builds the client from a loaded AWS config.
func NewSNSNotifierFromConfig(cfg aws.Config, topicARN string) *SNSNotifier {
	return NewSNSNotifier(sns.NewFromConfig(cfg), topicARN)
}

type registeredMessage struct {
	Event            string            `json:"event"`
	RegistrationID   string            `json:"registration_id"`
	Identity         string            `json:"identity"`
	OrderReference   string            `json:"order_reference"`
	PaymentReference string            `json:"payment_reference"`
	Profile          map[string]string `json:"profile,omitempty"`
	CompletedAt      int64             `json:"completed_at"`
}

func (n *SNSNotifier) NotifyRegistered(ctx context.Context, reg regflow.Registration) error {
	body, err := json.Marshal(registeredMessage{
		Event:            "registration.completed",
		RegistrationID:   reg.ID,
		Identity:         reg.Identity,
		OrderReference:   reg.OrderReference,
		PaymentReference: reg.PaymentReference,
		Profile:          reg.Profile,
		CompletedAt:      reg.UpdatedAt.Unix(),
	})
	if err != nil {
		return fmt.Errorf("encode sns message: %w", err)
	}

	_, err = n.client.Publish(ctx, &sns.PublishInput{
		TopicArn: aws.String(n.topicARN),
		Message:  aws.String(string(body)),
		MessageAttributes: map[string]types.MessageAttributeValue{
			"event": {
				DataType:    aws.String("String"),
				StringValue: aws.String("registration.completed"),
			},
		},
	})
	if err != nil {
		return fmt.Errorf("sns publish: %w", err)
	}
	return nil
}
