package event

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"notes-server/internal/domain"

	"github.com/segmentio/kafka-go"
)

type KafkaSink struct {
	writer *kafka.Writer
}

func NewKafkaSink(brokers []string, writeTimeout time.Duration) *KafkaSink {
	return &KafkaSink{
		writer: &kafka.Writer{
			Addr:                   kafka.TCP(brokers...),
			Balancer:               &kafka.Hash{},
			RequiredAcks:           kafka.RequireAll,
			AllowAutoTopicCreation: true,
			WriteTimeout:           writeTimeout,
		},
	}
}

// Send writes msg keyed by its recipient, so one user's events stay on one
// partition.
func (s *KafkaSink) Send(ctx context.Context, msg Message) error {
	err := s.writer.WriteMessages(ctx, kafka.Message{
		Topic: msg.Topic,
		Key:   []byte(strconv.FormatInt(msg.Recipient, 10)),
		Value: msg.Body,
		Time:  time.Now().UTC(),
	})
	if err != nil {
		return fmt.Errorf("kafka write to %s: %w: %w", msg.Topic, domain.ErrTransientStore, err)
	}
	return nil
}

func (s *KafkaSink) Close() error {
	return s.writer.Close()
}
