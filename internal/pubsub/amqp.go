package pubsub

import (
	"fmt"

	"github.com/ThreeDotsLabs/watermill-amqp/v3/pkg/amqp"
	"github.com/ThreeDotsLabs/watermill/message"
	"go.uber.org/zap"
)

// NewAMQPPublisher connects a durable AMQP publisher used to export domain
// events to other services.
func NewAMQPPublisher(url string, logger *zap.Logger) (message.Publisher, error) {
	cfg := amqp.NewDurablePubSubConfig(url, amqp.GenerateQueueNameTopicName)
	pub, err := amqp.NewPublisher(cfg, NewZapAdapter(logger))
	if err != nil {
		return nil, fmt.Errorf("failed to connect amqp publisher: %w", err)
	}
	return pub, nil
}
