package events

import (
	"context"
	"encoding/json"
	"time"

	"github.com/segmentio/kafka-go"
	"go.uber.org/zap"

	"MailPacer/internal/models"
)

// messageWriter is the part of *kafka.Writer the relay needs.
type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// KafkaRelay forwards queue events to a Kafka topic so reporting
// consumers can follow delivery progress without polling.
type KafkaRelay struct {
	writer messageWriter
	log    *zap.Logger
}

func NewKafkaRelay(brokers []string, topic string, log *zap.Logger) *KafkaRelay {
	return &KafkaRelay{
		writer: &kafka.Writer{
			Addr:         kafka.TCP(brokers...),
			Topic:        topic,
			Balancer:     &kafka.Hash{},
			RequiredAcks: kafka.RequireOne,
			BatchTimeout: 50 * time.Millisecond,
		},
		log: log,
	}
}

// Run consumes the subscription until ctx is done or the channel closes.
// Write errors are logged and the event is dropped.
func (r *KafkaRelay) Run(ctx context.Context, sub <-chan models.JobEvent) error {
	defer func() {
		if err := r.writer.Close(); err != nil {
			r.log.Warn("kafka writer close failed", zap.Error(err))
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return nil
		case e, ok := <-sub:
			if !ok {
				return nil
			}
			value, err := json.Marshal(e)
			if err != nil {
				r.log.Error("encode job event", zap.Error(err))
				continue
			}
			msg := kafka.Message{Key: []byte(e.JobID), Value: value, Time: e.At}
			if err := r.writer.WriteMessages(ctx, msg); err != nil {
				if ctx.Err() != nil {
					return nil
				}
				r.log.Warn("kafka relay write failed",
					zap.String("job_id", e.JobID),
					zap.String("event", string(e.Type)),
					zap.Error(err),
				)
			}
		}
	}
}
