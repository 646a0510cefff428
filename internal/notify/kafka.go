package notify

import (
	"context"
	"encoding/json"
	"fmt"

	"go.uber.org/zap"
)

const contentTypeHeader = "content-type"

// Producer publishes a record to a topic. *client.KafkaProducer implements it.
type Producer interface {
	ProduceMessage(ctx context.Context, topic string, key, value []byte, headers map[string]string) error
}

// KafkaNotifier hands messages to a mail worker through a topic. Records are keyed
// by destination so one recipient's messages keep their order.
type KafkaNotifier struct {
	producer Producer
	topic    string
	logger   *zap.Logger
}

func NewKafkaNotifier(producer Producer, topic string, logger *zap.Logger) *KafkaNotifier {
	return &KafkaNotifier{producer: producer, topic: topic, logger: logger.Named("kafka_notifier")}
}

func (n *KafkaNotifier) Send(ctx context.Context, msg Message) error {
	if err := msg.validate(); err != nil {
		return err
	}

	value, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("failed to encode notification: %w", err)
	}

	headers := map[string]string{contentTypeHeader: "application/json"}
	if err := n.producer.ProduceMessage(ctx, n.topic, []byte(msg.To), value, headers); err != nil {
		return fmt.Errorf("failed to publish notification: %w", err)
	}
	return nil
}

// DecodeMessage parses a record produced by KafkaNotifier.
func DecodeMessage(value []byte) (Message, error) {
	var msg Message
	if err := json.Unmarshal(value, &msg); err != nil {
		return Message{}, fmt.Errorf("failed to decode notification: %w", err)
	}
	if err := msg.validate(); err != nil {
		return Message{}, err
	}
	return msg, nil
}
