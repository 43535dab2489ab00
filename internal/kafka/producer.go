package kafka

import (
	"context"
	"time"

	"github.com/segmentio/kafka-go"
)

type ProducerConfig struct {
	Brokers      []string
	WriteTimeout time.Duration // default 10s
}

// MessageWriter is the part of kafka.Writer the publish step uses.
type MessageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
}

// NewProducer returns a synchronous, topic-per-message writer. Keys hash to
// partitions so events about the same row stay ordered.
func NewProducer(c ProducerConfig) *kafka.Writer {
	wt := c.WriteTimeout
	if wt <= 0 {
		wt = 10 * time.Second
	}
	return &kafka.Writer{
		Addr:                   kafka.TCP(c.Brokers...),
		Balancer:               &kafka.Hash{},
		RequiredAcks:           kafka.RequireAll,
		WriteTimeout:           wt,
		AllowAutoTopicCreation: false,
	}
}
